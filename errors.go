package serialframe

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed is wrapped by every error returned from a ByteSource after Close.
	ErrClosed = errors.New("serialframe: source closed")

	// ErrInvalidConfig is wrapped by configuration validation failures.
	ErrInvalidConfig = errors.New("serialframe: invalid config")

	// ErrHangup reports that the device went away while a read was pending.
	ErrHangup = errors.New("serialframe: device hung up")
)

// ConnectionError is returned by Open when the device cannot be opened or
// configured (absent, permission denied, already in use). It is not retried
// automatically.
type ConnectionError struct {
	Device string
	Err    error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("serialframe: open %s: %v", e.Device, e.Err)
}

// Unwrap returns the cause reported by the driver.
func (e *ConnectionError) Unwrap() error { return e.Err }

// IOError is returned by an open ByteSource when the device fails mid-stream,
// for example when the cable is unplugged.
type IOError struct {
	Device string
	Op     string
	Err    error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("serialframe: %s %s: %v", e.Op, e.Device, e.Err)
}

// Unwrap returns the underlying read or write error.
func (e *IOError) Unwrap() error { return e.Err }
