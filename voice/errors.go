package voice

import (
	"errors"
	"fmt"
)

// ErrConnectionNotReady means the bounded wait for StateReady expired.
var ErrConnectionNotReady = errors.New("voice connection not ready")

// ErrQueueFull means the playback queue rejected an entry.
var ErrQueueFull = errors.New("playback queue full")

// TransportError wraps a failure of the underlying voice link. It is the
// only error class that moves a session toward Disconnected.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
