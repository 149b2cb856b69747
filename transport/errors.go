package transport

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned by Connect after Disconnect.
	ErrClosed = errors.New("channel closed")
	// ErrAlreadyConnected is returned by Connect on a channel that is not disconnected.
	ErrAlreadyConnected = errors.New("channel already connected")
	// ErrRemote wraps error messages reported by the host.
	ErrRemote = errors.New("host error")
)

// ConnectionError is a failure to establish or re-establish the connection.
// A ConnectionError from reconnection ends the run; only an explicit Connect retries.
type ConnectionError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *ConnectionError) Error() string {
	if e.Attempts > 0 {
		return fmt.Sprintf("%s failed after %d attempts: %v", e.Op, e.Attempts, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}
