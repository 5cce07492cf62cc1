package serialframe

import (
	"fmt"
	"strings"
	"time"
)

const (
	// DefaultBaudRate is the rate the FPGA UART runs at.
	DefaultBaudRate = 115200
	// DefaultReadTimeout bounds how long a single Read may block.
	DefaultReadTimeout = time.Second
	// DefaultReadSize is the number of bytes requested when the caller
	// does not ask for a specific amount.
	DefaultReadSize = 4096

	// DriverTermios talks to the device with raw termios syscalls (Linux only).
	DriverTermios = "termios"
	// DriverPortable goes through go.bug.st/serial and works on every platform
	// that library supports.
	DriverPortable = "portable"
)

// Config holds configuration parameters for opening a serial port.
type Config struct {
	Device      string
	BaudRate    int           // default 115200
	ReadTimeout time.Duration // max time Read blocks, default 1s
	Driver      string        // DriverTermios or DriverPortable, default per platform
	DataBits    int           // 5..8, default 8
	StopBits    int           // 1 or 2, default 1
	Parity      string        // N, E or O, default N
}

// Normalize validates the configuration and applies defaults for unset values.
func (c Config) Normalize() (Config, error) {
	cfg := c

	if strings.TrimSpace(cfg.Device) == "" {
		return cfg, fmt.Errorf("%w: device is required", ErrInvalidConfig)
	}

	if cfg.BaudRate == 0 {
		cfg.BaudRate = DefaultBaudRate
	}
	if cfg.BaudRate < 0 {
		return cfg, fmt.Errorf("%w: invalid baud rate %d", ErrInvalidConfig, cfg.BaudRate)
	}

	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.ReadTimeout < 0 {
		return cfg, fmt.Errorf("%w: negative read timeout %s", ErrInvalidConfig, cfg.ReadTimeout)
	}

	if cfg.DataBits == 0 {
		cfg.DataBits = 8
	}
	if cfg.DataBits < 5 || cfg.DataBits > 8 {
		return cfg, fmt.Errorf("%w: invalid data bits %d: must be between 5 and 8", ErrInvalidConfig, cfg.DataBits)
	}

	if cfg.StopBits == 0 {
		cfg.StopBits = 1
	}
	if cfg.StopBits != 1 && cfg.StopBits != 2 {
		return cfg, fmt.Errorf("%w: invalid stop bits %d: supported values are 1 or 2", ErrInvalidConfig, cfg.StopBits)
	}

	switch strings.TrimSpace(strings.ToUpper(cfg.Parity)) {
	case "", "N", "NONE":
		cfg.Parity = "N"
	case "E", "EVEN":
		cfg.Parity = "E"
	case "O", "ODD":
		cfg.Parity = "O"
	default:
		return cfg, fmt.Errorf("%w: unsupported parity %q: expected N, E, or O", ErrInvalidConfig, c.Parity)
	}

	cfg.Driver = strings.ToLower(strings.TrimSpace(cfg.Driver))
	if cfg.Driver == "" {
		cfg.Driver = defaultDriver
	}
	switch cfg.Driver {
	case DriverPortable:
	case DriverTermios:
		if !termiosSupported {
			return cfg, fmt.Errorf("%w: driver %q is not available on this platform", ErrInvalidConfig, cfg.Driver)
		}
	default:
		return cfg, fmt.Errorf("%w: unknown driver %q", ErrInvalidConfig, cfg.Driver)
	}

	return cfg, nil
}
