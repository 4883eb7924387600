//go:build darwin || freebsd || netbsd || openbsd || dragonfly
// +build darwin freebsd netbsd openbsd dragonfly

package poller

import (
	"golang.org/x/sys/unix"
)

// KqueuePoller is a kqueue-based I/O multiplexer (BSD, macOS)
type KqueuePoller struct {
	kqfd   int
	events []unix.Kevent_t
	ready  []Event
}

// NewPoller creates a new Poller (BSD, macOS)
func NewPoller() (Poller, error) {
	kqfd, err := unix.Kqueue()
	if err != nil {
		return nil, err
	}

	return &KqueuePoller{
		kqfd:   kqfd,
		events: make([]unix.Kevent_t, 1024),
		ready:  make([]Event, 0, 1024),
	}, nil
}

func (p *KqueuePoller) apply(changes []unix.Kevent_t) error {
	_, err := unix.Kevent(p.kqfd, changes, nil, nil)
	return err
}

func filterChanges(fd int, interest Interest) []unix.Kevent_t {
	read := unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: unix.EV_DELETE}
	if interest != Write {
		read.Flags = unix.EV_ADD
	}
	write := unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: unix.EV_DELETE}
	if interest != Read {
		write.Flags = unix.EV_ADD
	}
	return []unix.Kevent_t{read, write}
}

// Add adds a file descriptor to the watch list
func (p *KqueuePoller) Add(fd int, interest Interest) error {
	for _, change := range filterChanges(fd, interest) {
		if change.Flags == unix.EV_DELETE {
			continue
		}
		if err := p.apply([]unix.Kevent_t{change}); err != nil {
			return err
		}
	}
	return nil
}

// Modify switches the watched readiness direction of a file descriptor
func (p *KqueuePoller) Modify(fd int, interest Interest) error {
	for _, change := range filterChanges(fd, interest) {
		err := p.apply([]unix.Kevent_t{change})
		if err != nil && !(err == unix.ENOENT && change.Flags == unix.EV_DELETE) {
			// deleting a filter that was never armed is fine
			return err
		}
	}
	return nil
}

// Remove removes a file descriptor from the watch list
func (p *KqueuePoller) Remove(fd int) error {
	changes := []unix.Kevent_t{
		{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: unix.EV_DELETE},
		{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: unix.EV_DELETE},
	}

	// the write filter may not be armed; removing read is what matters
	for _, change := range changes {
		if err := p.apply([]unix.Kevent_t{change}); err != nil &&
			err != unix.ENOENT && change.Filter == unix.EVFILT_READ {
			return err
		}
	}
	return nil
}

// Wait waits for I/O events
func (p *KqueuePoller) Wait(timeout int) ([]Event, error) {
	ts := unix.NsecToTimespec(int64(timeout) * 1e6)
	n, err := unix.Kevent(p.kqfd, nil, p.events, &ts)
	if err != nil && err != unix.EINTR {
		return nil, err
	}

	if n <= 0 {
		return nil, nil
	}

	p.ready = p.ready[:0]
	for i := 0; i < n; i++ {
		ev := p.events[i]
		p.ready = append(p.ready, Event{
			FD:       int(ev.Ident),
			Readable: ev.Filter == unix.EVFILT_READ || ev.Flags&unix.EV_EOF != 0,
			Writable: ev.Filter == unix.EVFILT_WRITE,
		})
	}

	return p.ready, nil
}

// Close closes the Poller
func (p *KqueuePoller) Close() error {
	return unix.Close(p.kqfd)
}
