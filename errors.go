package wsplus

import (
	"errors"
	"fmt"
)

// Sentinel errors for common conditions.
var (
	ErrClosed            = errors.New("wsplus: connection closed")
	ErrNotConnected      = errors.New("wsplus: not connected")
	ErrIncompleteMessage = errors.New("wsplus: connection lost mid-message")
	ErrListenerClosed    = errors.New("wsplus: listener closed")
	ErrAlreadyStarted    = errors.New("wsplus: already started")
)

// ConnectionError represents a connection-level error.
type ConnectionError struct {
	Op  string
	URL string
	Err error
}

func (e *ConnectionError) Error() string {
	if e.URL != "" {
		return fmt.Sprintf("wsplus: %s %s: %v", e.Op, e.URL, e.Err)
	}
	return fmt.Sprintf("wsplus: %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// SendError represents an error while encoding or sending a payload.
type SendError struct {
	Op  string
	Err error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("wsplus: send %s: %v", e.Op, e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}

// ReceiveError represents an error while receiving a message.
type ReceiveError struct {
	Op  string
	Err error
}

func (e *ReceiveError) Error() string {
	return fmt.Sprintf("wsplus: receive %s: %v", e.Op, e.Err)
}

func (e *ReceiveError) Unwrap() error {
	return e.Err
}
