package reverse

import (
	"errors"
	"fmt"
)

var (
	// ErrQueueOverflow is reported for a waiting data stream evicted because its
	// portal's queue reached maxQueueDepth.
	ErrQueueOverflow = errors.New("portal busy")
	// ErrPairingTimeout is reported for a data stream that found no control stream in time.
	ErrPairingTimeout = errors.New("no bridge available")
	// ErrControlStale is reported for an idle control stream that was never claimed.
	ErrControlStale = errors.New("control stream idle timeout")

	ErrEngineClosed  = errors.New("engine closed")
	ErrUnknownPortal = errors.New("unknown portal tag")
)

// ConfigError is returned by New for invalid portal configuration. It is fatal.
type ConfigError struct {
	Tag    string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Tag == "" {
		return "reverse config: " + e.Reason
	}
	return fmt.Sprintf("reverse config: portal %q: %s", e.Tag, e.Reason)
}

// SpliceError records which leg of a session failed and whether it was the read or write side.
type SpliceError struct {
	Leg string // "data" or "control"
	Op  string // "read" or "write"
	Err error
}

func (e *SpliceError) Error() string {
	return fmt.Sprintf("splice %s %s: %v", e.Leg, e.Op, e.Err)
}

func (e *SpliceError) Unwrap() error { return e.Err }
