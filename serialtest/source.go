// Package serialtest provides a scripted ByteSource for exercising code that
// consumes serialframe sources without serial hardware.
package serialtest

import (
	"bytes"
	"io"
	"sync"
	"time"

	"github.com/luhtfiimanal/serialframe"
)

// Step is one scripted read result: either data or an error.
type Step struct {
	Data []byte
	Err  error
}

// Chunks scripts one read per string.
func Chunks(chunks ...string) []Step {
	steps := make([]Step, len(chunks))
	for i, c := range chunks {
		steps[i] = Step{Data: []byte(c)}
	}
	return steps
}

// Disconnect scripts a mid-stream device failure.
func Disconnect() Step {
	return Step{Err: &serialframe.IOError{Device: "serialtest", Op: "read", Err: io.ErrUnexpectedEOF}}
}

// Source replays scripted steps. Once the script is exhausted every Read
// waits Timeout and returns an empty chunk, like an idle device. Close
// interrupts a waiting Read.
type Source struct {
	Timeout time.Duration

	mu      sync.Mutex
	steps   []Step
	closed  bool
	done    chan struct{}
	written bytes.Buffer
	reads   int
}

// NewSource returns a source that replays steps in order.
func NewSource(steps ...Step) *Source {
	return &Source{Timeout: time.Millisecond, steps: steps, done: make(chan struct{})}
}

func (s *Source) closedErr(op string) error {
	return &serialframe.IOError{Device: "serialtest", Op: op, Err: serialframe.ErrClosed}
}

// Available reports the size of the next scripted chunk.
func (s *Source) Available() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, s.closedErr("available")
	}
	if len(s.steps) == 0 || s.steps[0].Err != nil {
		return 0, nil
	}
	return len(s.steps[0].Data), nil
}

// Read returns up to maxBytes of the next scripted step, or the step's
// error. After Close it fails with serialframe.ErrClosed.
func (s *Source) Read(maxBytes int) (serialframe.RawChunk, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, s.closedErr("read")
	}
	s.reads++
	if len(s.steps) == 0 {
		timeout := s.Timeout
		s.mu.Unlock()
		t := time.NewTimer(timeout)
		defer t.Stop()
		select {
		case <-t.C:
			return serialframe.RawChunk{}, nil
		case <-s.done:
			return nil, s.closedErr("read")
		}
	}
	defer s.mu.Unlock()

	step := &s.steps[0]
	if step.Err != nil {
		err := step.Err
		s.steps = s.steps[1:]
		return nil, err
	}
	if maxBytes <= 0 {
		maxBytes = serialframe.DefaultReadSize
	}
	n := min(maxBytes, len(step.Data))
	chunk := append(serialframe.RawChunk(nil), step.Data[:n]...)
	step.Data = step.Data[n:]
	if len(step.Data) == 0 {
		s.steps = s.steps[1:]
	}
	return chunk, nil
}

// WriteLine records line and newline for Written.
func (s *Source) WriteLine(line string, newline string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return s.closedErr("write")
	}
	s.written.WriteString(line + newline)
	return nil
}

// Close marks the source closed and wakes a waiting Read. It is idempotent.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.done)
	}
	return nil
}

// Closed reports whether Close was called.
func (s *Source) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Written returns everything written with WriteLine.
func (s *Source) Written() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written.String()
}

// Reads returns the number of Read calls made while open.
func (s *Source) Reads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads
}
