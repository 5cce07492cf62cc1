//go:build !linux

package serialframe

import "errors"

const (
	defaultDriver    = DriverPortable
	termiosSupported = false
)

func openTermios(cfg Config) (ByteSource, error) {
	return nil, &ConnectionError{Device: cfg.Device, Err: errors.ErrUnsupported}
}
