//go:build linux

package serialframe

import (
	"errors"
	"io/fs"
	"os"
	"testing"
	"time"

	"github.com/creack/pty"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

// openPty opens a PTY pair and a termios source on its slave side.
func openPty(t *testing.T, timeout time.Duration) (*os.File, ByteSource) {
	t.Helper()
	master, slave, err := pty.Open()
	require.NoError(t, err)
	t.Cleanup(func() { master.Close(); slave.Close() })

	cfg := Config{
		Device:      slave.Name(),
		BaudRate:    115200,
		ReadTimeout: timeout,
		Driver:      DriverTermios,
	}
	src, err := Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { src.Close() })
	return master, src
}

// readN reads from src until n bytes arrived or the deadline passes.
func readN(t *testing.T, src ByteSource, n int, within time.Duration) []byte {
	t.Helper()
	var got []byte
	deadline := time.Now().Add(within)
	for len(got) < n && time.Now().Before(deadline) {
		chunk, err := src.Read(n - len(got))
		require.NoError(t, err)
		got = append(got, chunk...)
	}
	return got
}

func TestTermiosSource_BasicRead(t *testing.T) {
	master, src := openPty(t, 100*time.Millisecond)

	_, err := master.Write([]byte("hello"))
	require.NoError(t, err)

	require.Equal(t, "hello", string(readN(t, src, 5, time.Second)))
}

func TestTermiosSource_ReadTimeoutIsNotAnError(t *testing.T) {
	_, src := openPty(t, 50*time.Millisecond)

	start := time.Now()
	chunk, err := src.Read(64)
	require.NoError(t, err)
	require.Empty(t, chunk)
	require.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestTermiosSource_Available(t *testing.T) {
	master, src := openPty(t, 100*time.Millisecond)

	n, err := src.Available()
	require.NoError(t, err)
	require.Zero(t, n)

	_, err = master.Write([]byte("abc"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		n, err := src.Available()
		return err == nil && n == 3
	}, time.Second, 5*time.Millisecond)

	require.Equal(t, "abc", string(readN(t, src, 3, time.Second)))
}

func TestTermiosSource_ReadRespectsMaxBytes(t *testing.T) {
	master, src := openPty(t, 100*time.Millisecond)

	_, err := master.Write([]byte("abcdef"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		n, _ := src.Available()
		return n == 6
	}, time.Second, 5*time.Millisecond)

	chunk, err := src.Read(4)
	require.NoError(t, err)
	require.Equal(t, "abcd", string(chunk))
	chunk, err = src.Read(4)
	require.NoError(t, err)
	require.Equal(t, "ef", string(chunk))
}

func TestTermiosSource_WriteLine(t *testing.T) {
	master, src := openPty(t, 100*time.Millisecond)

	w, ok := src.(LineWriter)
	require.True(t, ok)

	// Write a line using WriteLine
	line := "testline"
	newline := "\r\n"
	require.NoError(t, w.WriteLine(line, newline))

	// Read from master and check output
	buf := make([]byte, len(line)+len(newline))
	n, err := master.Read(buf)
	require.NoError(t, err)
	require.Equal(t, len(line)+len(newline), n)
	require.Equal(t, line+newline, string(buf))
}

func TestTermiosSource_Killability(t *testing.T) {
	_, src := openPty(t, 10*time.Second)

	done := make(chan error, 1)
	go func() {
		_, err := src.Read(64)
		done <- err
	}()

	// Give the goroutine a chance to block in poll
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, src.Close())

	select {
	case err := <-done:
		var ioErr *IOError
		require.ErrorAs(t, err, &ioErr)
		require.ErrorIs(t, err, ErrClosed)
	case <-time.After(500 * time.Millisecond):
		t.Fatal("timeout waiting for Read to return after Close")
	}

	// Should be a no-op due to closeOnce
	require.NoError(t, src.Close())

	_, err := src.Available()
	require.ErrorIs(t, err, ErrClosed)
	_, err = src.Read(1)
	require.ErrorIs(t, err, ErrClosed)
}

func TestTermiosSource_ErrorPropagation(t *testing.T) {
	master, src := openPty(t, time.Second)

	// Simulate device disconnect by closing master
	require.NoError(t, master.Close())

	errs := make(chan error, 1)
	go func() {
		for {
			chunk, err := src.Read(64)
			if err != nil {
				errs <- err
				return
			}
			if len(chunk) == 0 {
				continue
			}
		}
	}()

	select {
	case err := <-errs:
		var ioErr *IOError
		require.ErrorAs(t, err, &ioErr)
		require.Equal(t, "read", ioErr.Op)
	case <-time.After(500 * time.Millisecond):
		t.Fatal("timeout waiting for error after device disconnect")
	}
}

func TestOpen_MissingDevice(t *testing.T) {
	_, err := Open(Config{Device: "/dev/serialframe-does-not-exist", Driver: DriverTermios})

	var connErr *ConnectionError
	require.ErrorAs(t, err, &connErr)
	require.Equal(t, "/dev/serialframe-does-not-exist", connErr.Device)
	require.True(t, errors.Is(err, fs.ErrNotExist))
}

func TestOpen_UnsupportedBaud(t *testing.T) {
	master, slave, err := pty.Open()
	require.NoError(t, err)
	t.Cleanup(func() { master.Close(); slave.Close() })

	_, err = Open(Config{Device: slave.Name(), BaudRate: 12345, Driver: DriverTermios})
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestPoller_OverPty(t *testing.T) {
	master, src := openPty(t, 20*time.Millisecond)

	asm, err := NewFrameAssembler(AssemblerConfig{Width: 4})
	require.NoError(t, err)
	p := NewPoller(src, asm)

	_, err = master.Write([]byte("ABCDEFGHij"))
	require.NoError(t, err)

	var frames []Frame
	deadline := time.Now().Add(time.Second)
	for len(frames) < 2 && time.Now().Before(deadline) {
		require.NoError(t, p.Poll(func(f Frame) { frames = append(frames, f) }))
	}

	if diff := cmp.Diff([]Frame{"ABCD", "EFGH"}, frames); diff != "" {
		t.Fatalf("frames mismatch (-want +got):\n%s", diff)
	}
	for asm.Pending() != "ij" && time.Now().Before(deadline) {
		require.NoError(t, p.Poll(func(Frame) {}))
	}
	require.Equal(t, "ij", asm.Pending())
}
