//go:build linux

package serialframe

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

const (
	defaultDriver    = DriverTermios
	termiosSupported = true
)

var baudRates = map[int]uint32{
	1200:    unix.B1200,
	2400:    unix.B2400,
	4800:    unix.B4800,
	9600:    unix.B9600,
	19200:   unix.B19200,
	38400:   unix.B38400,
	57600:   unix.B57600,
	115200:  unix.B115200,
	230400:  unix.B230400,
	460800:  unix.B460800,
	500000:  unix.B500000,
	576000:  unix.B576000,
	921600:  unix.B921600,
	1000000: unix.B1000000,
	1500000: unix.B1500000,
	2000000: unix.B2000000,
	3000000: unix.B3000000,
	4000000: unix.B4000000,
}

var dataBitsFlags = map[int]uint32{
	5: unix.CS5,
	6: unix.CS6,
	7: unix.CS7,
	8: unix.CS8,
}

// termiosSource provides low-latency, killable access to a Linux serial port
// using raw syscalls. Read waits in poll(2) on the device and on a self-pipe,
// so Close from another goroutine wakes it immediately.
type termiosSource struct {
	fd        int
	file      *os.File
	done      chan struct{}
	closeOnce sync.Once
	mu        sync.RWMutex // held for reading while fd is in use, for writing by Close
	config    Config
	pipeR     int // self-pipe read fd
	pipeW     int // self-pipe write fd
}

// openTermios opens cfg.Device in raw, non-canonical mode. Every descriptor
// acquired here is released again if a later step fails.
func openTermios(cfg Config) (ByteSource, error) {
	baud, ok := baudRates[cfg.BaudRate]
	if !ok {
		return nil, fmt.Errorf("%w: unsupported baud rate %d", ErrInvalidConfig, cfg.BaudRate)
	}

	fd, err := unix.Open(cfg.Device, unix.O_RDWR|unix.O_NOCTTY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, &ConnectionError{Device: cfg.Device, Err: err}
	}
	fail := func(step string, err error) (ByteSource, error) {
		unix.Close(fd)
		return nil, &ConnectionError{Device: cfg.Device, Err: fmt.Errorf("%s: %w", step, err)}
	}

	// Refuse a second opener while we hold the port.
	if err := unix.IoctlSetInt(fd, unix.TIOCEXCL, 0); err != nil {
		return fail("exclusive access", err)
	}

	termios, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return fail("get termios", err)
	}

	// Raw mode
	termios.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP | unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON | unix.INPCK
	termios.Oflag &^= unix.OPOST
	termios.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	termios.Cflag &^= unix.CSIZE | unix.PARENB | unix.PARODD | unix.CSTOPB
	termios.Cflag |= dataBitsFlags[cfg.DataBits] | unix.CREAD | unix.CLOCAL

	switch cfg.Parity {
	case "E":
		termios.Cflag |= unix.PARENB
		termios.Iflag |= unix.INPCK
	case "O":
		termios.Cflag |= unix.PARENB | unix.PARODD
		termios.Iflag |= unix.INPCK
	}
	if cfg.StopBits == 2 {
		termios.Cflag |= unix.CSTOPB
	}

	termios.Cflag &^= unix.CBAUD
	termios.Cflag |= baud

	// VMIN=1, VTIME=0: waiting is done in poll, not in the tty layer.
	termios.Cc[unix.VMIN] = 1
	termios.Cc[unix.VTIME] = 0

	if err := unix.IoctlSetTermios(fd, unix.TCSETS, termios); err != nil {
		return fail("set termios", err)
	}

	// Turn back into blocking mode now that config is done
	if err := unix.SetNonblock(fd, false); err != nil {
		return fail("set blocking", err)
	}

	// Create self-pipe for killability
	pipeFds := make([]int, 2)
	if err := unix.Pipe2(pipeFds, unix.O_CLOEXEC); err != nil {
		return fail("pipe", err)
	}

	return &termiosSource{
		fd:     fd,
		file:   os.NewFile(uintptr(fd), cfg.Device),
		done:   make(chan struct{}),
		config: cfg,
		pipeR:  pipeFds[0],
		pipeW:  pipeFds[1],
	}, nil
}

func (s *termiosSource) ioErr(op string, err error) error {
	return &IOError{Device: s.config.Device, Op: op, Err: err}
}

func (s *termiosSource) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Available returns the number of bytes waiting in the kernel input queue.
func (s *termiosSource) Available() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed() {
		return 0, s.ioErr("available", ErrClosed)
	}
	n, err := unix.IoctlGetInt(s.fd, unix.TIOCINQ)
	if err != nil {
		return 0, s.ioErr("available", err)
	}
	return n, nil
}

// Read polls the device for up to ReadTimeout and returns at most maxBytes.
func (s *termiosSource) Read(maxBytes int) (RawChunk, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultReadSize
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed() {
		return nil, s.ioErr("read", ErrClosed)
	}

	deadline := time.Now().Add(s.config.ReadTimeout)
	for {
		// Use poll to wait for data or kill signal
		pfd := []unix.PollFd{
			{Fd: int32(s.fd), Events: unix.POLLIN},
			{Fd: int32(s.pipeR), Events: unix.POLLIN},
		}
		remaining := time.Until(deadline)
		if remaining < 0 {
			remaining = 0
		}
		n, err := unix.Poll(pfd, int(remaining.Milliseconds()))
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return nil, s.ioErr("poll", err)
		}
		if n == 0 {
			return RawChunk{}, nil
		}
		if pfd[1].Revents&unix.POLLIN != 0 {
			return nil, s.ioErr("read", ErrClosed)
		}

		revents := pfd[0].Revents
		if revents&unix.POLLIN != 0 {
			buf := make([]byte, maxBytes)
			n, err := unix.Read(s.fd, buf)
			if err == unix.EINTR || err == unix.EAGAIN {
				continue
			}
			if err != nil {
				return nil, s.ioErr("read", err)
			}
			if n == 0 {
				return nil, s.ioErr("read", io.EOF)
			}
			return RawChunk(buf[:n]), nil
		}
		if revents&(unix.POLLHUP|unix.POLLERR|unix.POLLNVAL) != 0 {
			return nil, s.ioErr("read", ErrHangup)
		}
	}
}

// Write writes p to the serial port.
func (s *termiosSource) Write(p []byte) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed() {
		return 0, s.ioErr("write", ErrClosed)
	}
	n, err := s.file.Write(p)
	if err != nil {
		return n, s.ioErr("write", err)
	}
	return n, nil
}

// WriteLine writes a line (with specified newline) to the serial port.
func (s *termiosSource) WriteLine(line string, newline string) error {
	_, err := s.Write([]byte(line + newline))
	return err
}

// Close closes the serial port and unblocks any pending Read.
// Safe to call multiple times; subsequent calls are no-ops.
func (s *termiosSource) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		// Wake up poll using self-pipe
		unix.Write(s.pipeW, []byte{1})

		s.mu.Lock()
		defer s.mu.Unlock()
		err = s.file.Close()
		unix.Close(s.pipeR)
		unix.Close(s.pipeW)
	})
	return err
}
