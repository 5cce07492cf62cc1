//go:build linux

package serialframe

import (
	"os"
	"testing"
	"time"

	"github.com/creack/pty"
	"github.com/stretchr/testify/require"
	bugst "go.bug.st/serial"
)

// openPortablePty opens the portable driver on the slave side of a PTY pair.
func openPortablePty(t *testing.T) (*os.File, *portableSource) {
	t.Helper()
	m, slave, err := pty.Open()
	require.NoError(t, err)
	t.Cleanup(func() { m.Close(); slave.Close() })

	s, err := Open(Config{Device: slave.Name(), ReadTimeout: 100 * time.Millisecond, Driver: DriverPortable})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return m, s.(*portableSource)
}

func TestPortableSource_OverPty(t *testing.T) {
	master, src := openPortablePty(t)

	_, err := master.Write([]byte("hello"))
	require.NoError(t, err)

	var got []byte
	deadline := time.Now().Add(2 * time.Second)
	for len(got) < 5 && time.Now().Before(deadline) {
		chunk, err := src.Read(16)
		require.NoError(t, err)
		got = append(got, chunk...)
	}
	require.Equal(t, "hello", string(got))
}

func TestPortableSource_PortClosedIsHangup(t *testing.T) {
	_, src := openPortablePty(t)

	// The driver loses the port while the source is still open, as on unplug.
	require.NoError(t, src.port.Close())

	_, err := src.Read(16)
	var ioErr *IOError
	require.ErrorAs(t, err, &ioErr)
	require.ErrorIs(t, err, ErrHangup)
	require.NotErrorIs(t, err, ErrClosed)

	var portErr *bugst.PortError
	require.ErrorAs(t, err, &portErr)
	require.Equal(t, bugst.PortClosed, portErr.Code())
}

func TestPortableSource_ClosedIsNotHangup(t *testing.T) {
	_, src := openPortablePty(t)
	require.NoError(t, src.Close())

	_, err := src.Read(16)
	require.ErrorIs(t, err, ErrClosed)
	require.NotErrorIs(t, err, ErrHangup)
}
