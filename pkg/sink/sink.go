// Package sink streams the encoded capture to the consumer-owned output
// target: a named pipe on Windows, a FIFO elsewhere. The consumer creates
// the path; the bridge only ever opens it for writing.
package sink

import (
	"errors"
	"sync/atomic"
)

// Sink is the platform output target. Open blocks with bounded retries
// until the consumer side is ready; Alive is a cheap liveness probe for
// platforms where a consumer close does not surface as a write error
// promptly.
type Sink interface {
	Open(running *atomic.Bool) error
	Write(p []byte) (int, error)
	Alive() bool
	Close() error
}

var (
	// ErrSinkUnavailable means the consumer never opened its end within
	// the bounded retry budget. Session failure, not a crash.
	ErrSinkUnavailable = errors.New("sink unavailable: consumer did not open the output target")

	// ErrSinkBroken means the consumer closed its end mid-stream.
	ErrSinkBroken = errors.New("sink broken: consumer closed the output target")

	// ErrSinkEnded means the output target disappeared before any reader
	// attached. This is a normal end of capture, not an error.
	ErrSinkEnded = errors.New("sink ended: output target removed")
)

// State is the sink writer lifecycle. Transitions are one-way:
// AwaitingSink -> Streaming -> Closed.
type State int32

const (
	StateAwaitingSink State = iota
	StateStreaming
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAwaitingSink:
		return "AWAITING_SINK"
	case StateStreaming:
		return "STREAMING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}
