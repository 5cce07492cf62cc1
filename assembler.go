package serialframe

import (
	"fmt"
	"unicode/utf8"
)

// DefaultFrameWidth is the scanline width the FPGA image stream uses.
const DefaultFrameWidth = 28

// Frame is one decoded unit of output, for example one image scanline.
type Frame string

// Len returns the number of characters in the frame.
func (f Frame) Len() int { return utf8.RuneCountInString(string(f)) }

// AssemblerConfig controls how a FrameAssembler decodes and segments a stream.
type AssemblerConfig struct {
	// Width is the frame width in characters. With a Delimiter set it is the
	// longest frame allowed before one is cut without a delimiter.
	Width int
	// Delimiter switches to delimiter-terminated frames when non-empty.
	Delimiter string
	// Charset names the stream encoding (IANA name), default utf-8.
	Charset string
	Policy  DecodePolicy
	// Replacement is substituted under DecodeReplace, default U+FFFD.
	Replacement rune
}

// Stats are running counters kept by a FrameAssembler.
type Stats struct {
	BytesIn  uint64
	Frames   uint64
	Degraded uint64 // bytes substituted or dropped by the decode policy
}

// FrameAssembler turns an unbounded byte stream into a sequence of decoded
// frames, buffering partial characters and partial frames across calls.
// It is not safe for concurrent use.
type FrameAssembler struct {
	width int
	delim []rune
	dec   *textDecoder
	buf   []rune // decoded characters not yet forming a frame
	stats Stats
}

// NewFrameAssembler validates cfg and returns an empty assembler.
func NewFrameAssembler(cfg AssemblerConfig) (*FrameAssembler, error) {
	if cfg.Width <= 0 {
		return nil, fmt.Errorf("%w: frame width must be positive, got %d", ErrInvalidConfig, cfg.Width)
	}
	if cfg.Charset == "" {
		cfg.Charset = defaultCharset
	}
	if cfg.Replacement == 0 {
		cfg.Replacement = utf8.RuneError
	}
	dec, err := newTextDecoder(cfg.Charset, cfg.Policy, cfg.Replacement)
	if err != nil {
		return nil, err
	}
	return &FrameAssembler{
		width: cfg.Width,
		delim: []rune(cfg.Delimiter),
		dec:   dec,
		buf:   make([]rune, 0, 2*cfg.Width),
	}, nil
}

// Ingest decodes chunk and returns the frames it completed, in arrival order.
// An empty chunk is a no-op.
func (a *FrameAssembler) Ingest(chunk RawChunk) []Frame {
	if len(chunk) == 0 {
		return nil
	}
	a.stats.BytesIn += uint64(len(chunk))

	var degraded int
	a.buf, degraded = a.dec.decode(chunk, a.buf)
	a.stats.Degraded += uint64(degraded)

	return a.cut()
}

// Flush ends the stream: an incomplete trailing character is degraded per
// policy and everything still buffered is returned, the last frame possibly
// shorter than the width.
func (a *FrameAssembler) Flush() []Frame {
	var degraded int
	a.buf, degraded = a.dec.flush(a.buf)
	a.stats.Degraded += uint64(degraded)

	frames := a.cut()
	// Whatever cut left behind may still exceed the width in delimiter mode.
	for off := 0; off < len(a.buf); off += a.width {
		frames = a.emit(frames, off, min(off+a.width, len(a.buf)))
	}
	a.buf = a.buf[:0]
	return frames
}

// Pending returns the decoded characters that do not yet form a frame.
func (a *FrameAssembler) Pending() string { return string(a.buf) }

// Reset drops buffered characters and any held-back partial byte sequence.
func (a *FrameAssembler) Reset() {
	a.buf = a.buf[:0]
	a.dec.reset()
}

// Stats returns a snapshot of the running counters.
func (a *FrameAssembler) Stats() Stats { return a.stats }

func (a *FrameAssembler) emit(frames []Frame, from, to int) []Frame {
	a.stats.Frames++
	return append(frames, Frame(string(a.buf[from:to])))
}

// cut slices complete frames off the front of buf.
func (a *FrameAssembler) cut() []Frame {
	var frames []Frame
	off := 0
	if len(a.delim) == 0 {
		for len(a.buf)-off >= a.width {
			frames = a.emit(frames, off, off+a.width)
			off += a.width
		}
	} else {
		for {
			rest := a.buf[off:]
			if i := indexRunes(rest, a.delim); i >= 0 && i <= a.width {
				frames = a.emit(frames, off, off+i)
				off += i + len(a.delim)
				continue
			}
			// Only cut an undelimited frame once no delimiter can still
			// start at or before the width boundary.
			if len(rest) >= a.width+len(a.delim) {
				frames = a.emit(frames, off, off+a.width)
				off += a.width
				continue
			}
			break
		}
	}
	if off > 0 {
		n := copy(a.buf, a.buf[off:])
		a.buf = a.buf[:n]
	}
	return frames
}

func indexRunes(s, sep []rune) int {
	n := len(sep)
	for i := 0; i+n <= len(s); i++ {
		match := true
		for j := 0; j < n; j++ {
			if s[i+j] != sep[j] {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}
