package poller

// Interest selects which readiness direction a descriptor is watched for.
// Connections idle or awaiting a request watch reads; while response
// bytes are pending they watch writes only, so unread input (a pipelined
// request, a client streaming into a slow response) cannot wake the
// level-triggered loop on every iteration. Write-interest descriptors
// still surface peer departure as a readable event.
type Interest uint8

const (
	Read Interest = iota + 1
	Write
	ReadWrite
)

// Event reports readiness on a single descriptor.
type Event struct {
	FD       int
	Readable bool
	Writable bool
}

// Poller is the I/O multiplexing interface
type Poller interface {
	Add(fd int, interest Interest) error
	Modify(fd int, interest Interest) error
	Remove(fd int) error
	// Wait blocks for up to timeout milliseconds. The returned slice is
	// reused across calls and is valid only until the next Wait.
	Wait(timeout int) ([]Event, error)
	Close() error
}
