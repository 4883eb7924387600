// Package config holds the server's tunables and their defaults.
package config

import (
	"flag"
	"time"
)

// Config carries every tunable of the server. Zero values mean "use the
// default"; the server fills them in on construction.
type Config struct {
	// Host is the interface to bind, e.g. "127.0.0.1" or "0.0.0.0".
	Host string

	// Port to listen on. Port 0 binds an ephemeral port.
	Port int

	// Workers is the number of reactor replicas sharing the listener.
	Workers int

	// Backlog is the listen(2) queue depth.
	Backlog int

	// ReusePort sets SO_REUSEPORT even with a single worker.
	ReusePort bool

	// ReadBufferSize is the per-connection read buffer in bytes.
	ReadBufferSize int

	// MaxWriteBuffer is the per-connection ceiling on queued unsent
	// response bytes. Once reached, body production is suspended until
	// the peer drains the queue.
	MaxWriteBuffer int

	// ShutdownPollInterval bounds the poller wait so workers notice a
	// shutdown request without a dedicated wake-up channel.
	ShutdownPollInterval time.Duration

	// DrainTimeout caps how long a worker waits for in-flight
	// connections to finish during shutdown.
	DrainTimeout time.Duration
}

// Default returns the stock configuration: one worker on localhost:8080.
func Default() *Config {
	return &Config{
		Host:                 "127.0.0.1",
		Port:                 8080,
		Workers:              1,
		Backlog:              1024,
		ReadBufferSize:       8192,
		MaxWriteBuffer:       64 << 10,
		ShutdownPollInterval: 100 * time.Millisecond,
		DrainTimeout:         5 * time.Second,
	}
}

// RegisterFlags wires the configuration into a flag set so binaries can
// expose the tunables on their command line.
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.Host, "host", c.Host, "interface to bind")
	fs.IntVar(&c.Port, "port", c.Port, "port to listen on (0 for ephemeral)")
	fs.IntVar(&c.Workers, "workers", c.Workers, "number of worker replicas")
	fs.IntVar(&c.Backlog, "backlog", c.Backlog, "listen backlog depth")
	fs.BoolVar(&c.ReusePort, "reuseport", c.ReusePort, "set SO_REUSEPORT on the listener")
	fs.IntVar(&c.ReadBufferSize, "read-buffer", c.ReadBufferSize, "per-connection read buffer size in bytes")
	fs.IntVar(&c.MaxWriteBuffer, "max-write-buffer", c.MaxWriteBuffer, "per-connection write queue ceiling in bytes")
	fs.DurationVar(&c.DrainTimeout, "drain-timeout", c.DrainTimeout, "shutdown drain deadline")
}
