package app

import (
	"os"
	"syscall"
)

// Signal handling toggles. Embedders that own signal disposition (test
// harnesses, supervisors installing their own handlers) can build with
// these flipped off.
const (
	signalHandlingEnabled = true
	sigintHandlingEnabled = true
)

func watchedSignals() []os.Signal {
	signals := []os.Signal{syscall.SIGTERM}
	if sigintHandlingEnabled {
		signals = append(signals, syscall.SIGINT)
	}
	return signals
}
