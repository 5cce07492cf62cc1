package serialframe

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	bugst "go.bug.st/serial"
)

// portableSource adapts a go.bug.st/serial port to ByteSource.
//
// The library has no input-queue query, so Available performs a zero-timeout
// read and keeps the bytes in pending until the next Read.
type portableSource struct {
	port      bugst.Port
	device    string
	timeout   time.Duration
	mu        sync.Mutex // guards pending; Close does not take it
	pending   []byte
	closed    atomic.Bool
	closeOnce sync.Once
}

// portMode converts a normalized Config into the mode go.bug.st/serial needs.
func portMode(cfg Config) *bugst.Mode {
	mode := &bugst.Mode{
		BaudRate: cfg.BaudRate,
		DataBits: cfg.DataBits,
		Parity:   bugst.NoParity,
		StopBits: bugst.OneStopBit,
	}
	switch cfg.Parity {
	case "E":
		mode.Parity = bugst.EvenParity
	case "O":
		mode.Parity = bugst.OddParity
	}
	if cfg.StopBits == 2 {
		mode.StopBits = bugst.TwoStopBits
	}
	return mode
}

func openPortable(cfg Config) (ByteSource, error) {
	port, err := bugst.Open(cfg.Device, portMode(cfg))
	if err != nil {
		return nil, &ConnectionError{Device: cfg.Device, Err: err}
	}
	src, err := newPortableSource(port, cfg)
	if err != nil {
		port.Close()
		return nil, &ConnectionError{Device: cfg.Device, Err: err}
	}
	return src, nil
}

func newPortableSource(port bugst.Port, cfg Config) (*portableSource, error) {
	if err := port.SetReadTimeout(cfg.ReadTimeout); err != nil {
		return nil, fmt.Errorf("set read timeout: %w", err)
	}
	return &portableSource{
		port:    port,
		device:  cfg.Device,
		timeout: cfg.ReadTimeout,
	}, nil
}

func (s *portableSource) ioErr(op string, err error) error {
	if s.closed.Load() {
		err = ErrClosed
	}
	return &IOError{Device: s.device, Op: op, Err: err}
}

// Available drains whatever the driver can hand over without waiting.
func (s *portableSource) Available() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return 0, s.ioErr("available", ErrClosed)
	}

	if err := s.port.SetReadTimeout(0); err != nil {
		return 0, s.ioErr("available", err)
	}
	buf := make([]byte, DefaultReadSize)
	n, readErr := s.port.Read(buf)
	if err := s.port.SetReadTimeout(s.timeout); err != nil && readErr == nil {
		readErr = err
	}
	if n > 0 {
		s.pending = append(s.pending, buf[:n]...)
	}
	if readErr != nil {
		return len(s.pending), s.ioErr("available", readErr)
	}
	return len(s.pending), nil
}

// Read returns prefetched bytes first; otherwise it blocks in the driver for
// up to the read timeout.
func (s *portableSource) Read(maxBytes int) (RawChunk, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultReadSize
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return nil, s.ioErr("read", ErrClosed)
	}

	if len(s.pending) > 0 {
		n := min(maxBytes, len(s.pending))
		chunk := make(RawChunk, n)
		copy(chunk, s.pending)
		s.pending = s.pending[n:]
		if len(s.pending) == 0 {
			s.pending = nil
		}
		return chunk, nil
	}

	buf := make([]byte, maxBytes)
	n, err := s.port.Read(buf)
	if err != nil {
		var portErr *bugst.PortError
		if errors.As(err, &portErr) && portErr.Code() == bugst.PortClosed && !s.closed.Load() {
			err = fmt.Errorf("%w: %w", ErrHangup, err)
		}
		return nil, s.ioErr("read", err)
	}
	// A zero-length read with no error is the driver's timeout.
	return RawChunk(buf[:n]), nil
}

// Write writes raw bytes to the serial port.
func (s *portableSource) Write(p []byte) (int, error) {
	if s.closed.Load() {
		return 0, s.ioErr("write", ErrClosed)
	}
	n, err := s.port.Write(p)
	if err != nil {
		return n, s.ioErr("write", err)
	}
	return n, nil
}

// WriteLine writes a line (with specified newline) to the serial port.
func (s *portableSource) WriteLine(line string, newline string) error {
	_, err := s.Write([]byte(line + newline))
	return err
}

// Close closes the port; a Read blocked in the driver returns ErrClosed.
func (s *portableSource) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		err = s.port.Close()
	})
	return err
}
