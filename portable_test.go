package serialframe

import (
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	bugst "go.bug.st/serial"
)

// fakePort scripts go.bug.st/serial reads. Methods the source never calls
// fall through to the nil embedded interface.
type fakePort struct {
	bugst.Port

	mu       sync.Mutex
	reads    [][]byte
	readErr  error
	timeouts []time.Duration
	written  []byte
	closes   int
}

func (p *fakePort) SetReadTimeout(d time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.timeouts = append(p.timeouts, d)
	return nil
}

func (p *fakePort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closes > 0 {
		return 0, io.ErrClosedPipe
	}
	if p.readErr != nil {
		return 0, p.readErr
	}
	if len(p.reads) == 0 {
		return 0, nil
	}
	n := copy(b, p.reads[0])
	p.reads[0] = p.reads[0][n:]
	if len(p.reads[0]) == 0 {
		p.reads = p.reads[1:]
	}
	return n, nil
}

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.written = append(p.written, b...)
	return len(b), nil
}

func (p *fakePort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closes++
	return nil
}

func newFakeSource(t *testing.T, port *fakePort) *portableSource {
	t.Helper()
	cfg, err := Config{Device: "fake0", ReadTimeout: 250 * time.Millisecond, Driver: DriverPortable}.Normalize()
	require.NoError(t, err)
	src, err := newPortableSource(port, cfg)
	require.NoError(t, err)
	return src
}

func TestPortableSource_AvailablePrefetches(t *testing.T) {
	port := &fakePort{reads: [][]byte{[]byte("abc")}}
	src := newFakeSource(t, port)

	n, err := src.Available()
	require.NoError(t, err)
	require.Equal(t, 3, n)
	// Zero timeout for the prefetch, then back to the configured timeout.
	require.Equal(t, []time.Duration{250 * time.Millisecond, 0, 250 * time.Millisecond}, port.timeouts)

	chunk, err := src.Read(2)
	require.NoError(t, err)
	require.Equal(t, "ab", string(chunk))

	n, err = src.Available()
	require.NoError(t, err)
	require.Equal(t, 1, n)

	chunk, err = src.Read(10)
	require.NoError(t, err)
	require.Equal(t, "c", string(chunk))
}

func TestPortableSource_TimeoutIsEmptyChunk(t *testing.T) {
	src := newFakeSource(t, &fakePort{})

	chunk, err := src.Read(16)
	require.NoError(t, err)
	require.NotNil(t, chunk)
	require.Empty(t, chunk)
}

func TestPortableSource_ReadError(t *testing.T) {
	src := newFakeSource(t, &fakePort{readErr: errors.New("input/output error")})

	_, err := src.Read(16)
	var ioErr *IOError
	require.ErrorAs(t, err, &ioErr)
	require.Equal(t, "fake0", ioErr.Device)
	require.Equal(t, "read", ioErr.Op)
	require.NotErrorIs(t, err, ErrClosed)
}

func TestPortableSource_Close(t *testing.T) {
	port := &fakePort{reads: [][]byte{[]byte("abc")}}
	src := newFakeSource(t, port)

	require.NoError(t, src.Close())
	require.NoError(t, src.Close())
	require.Equal(t, 1, port.closes)

	_, err := src.Read(16)
	require.ErrorIs(t, err, ErrClosed)
	_, err = src.Available()
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, src.WriteLine("x", "\n"), ErrClosed)
}

func TestPortableSource_WriteLine(t *testing.T) {
	port := &fakePort{}
	src := newFakeSource(t, port)

	require.NoError(t, src.WriteLine("C,START", "\r\n"))
	require.Equal(t, "C,START\r\n", string(port.written))
}

func TestPortMode(t *testing.T) {
	cfg, err := Config{Device: "COM3", Parity: "even", StopBits: 2, DataBits: 7, Driver: DriverPortable}.Normalize()
	require.NoError(t, err)

	mode := portMode(cfg)
	require.Equal(t, DefaultBaudRate, mode.BaudRate)
	require.Equal(t, 7, mode.DataBits)
	require.Equal(t, bugst.EvenParity, mode.Parity)
	require.Equal(t, bugst.TwoStopBits, mode.StopBits)

	cfg.Parity, cfg.StopBits = "N", 1
	mode = portMode(cfg)
	require.Equal(t, bugst.NoParity, mode.Parity)
	require.Equal(t, bugst.OneStopBit, mode.StopBits)
}
