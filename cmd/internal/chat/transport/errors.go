package transport

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned when an operation needs a live connection.
	ErrNotConnected = errors.New("transport: not connected")

	// ErrReconnectExhausted is carried by the terminal StateFailed event.
	ErrReconnectExhausted = errors.New("transport: reconnect attempts exhausted")

	// ErrDisconnected is returned to a connect attempt interrupted by Disconnect.
	ErrDisconnected = errors.New("transport: disconnected")
)

// ConnectionError reports a handshake or transport failure.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Err == nil {
		return fmt.Sprintf("transport %s failed", e.Op)
	}
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func connErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var ce *ConnectionError
	if errors.As(err, &ce) {
		return err
	}
	return &ConnectionError{Op: op, Err: err}
}
