package serialframe

// RawChunk is the byte sequence returned by one poll of a ByteSource.
// It may be empty when a read timed out.
type RawChunk []byte

// ByteSource is a pollable byte stream over a live serial connection.
//
// Implementations are driven by a single goroutine; only Close may be called
// concurrently, and doing so unblocks a pending Read.
type ByteSource interface {
	// Available reports how many bytes are buffered and can be read without
	// blocking.
	Available() (int, error)
	// Read waits up to the configured read timeout for at least one byte and
	// returns what is available, at most maxBytes. A timeout yields an empty
	// chunk and a nil error. Device failures are reported as *IOError.
	Read(maxBytes int) (RawChunk, error)
	// Close releases the connection. It is safe to call more than once.
	Close() error
}

// LineWriter is implemented by sources that can send a line back to the device.
type LineWriter interface {
	WriteLine(line string, newline string) error
}

// Open normalizes cfg and opens the device with the configured driver.
// Failure to open the device is reported as *ConnectionError.
func Open(cfg Config) (ByteSource, error) {
	cfg, err := cfg.Normalize()
	if err != nil {
		return nil, err
	}
	if cfg.Driver == DriverTermios {
		return openTermios(cfg)
	}
	return openPortable(cfg)
}
