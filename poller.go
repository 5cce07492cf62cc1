package serialframe

import (
	"context"

	"go.uber.org/zap"
)

// Poller is the driving loop: it asks the source what is available, reads it
// (or waits up to the read timeout), and feeds the assembler.
type Poller struct {
	src      ByteSource
	asm      *FrameAssembler
	logger   *zap.Logger
	readSize int
}

// PollerOption configures a Poller.
type PollerOption func(*Poller)

// WithLogger sets the logger used for per-read diagnostics.
func WithLogger(l *zap.Logger) PollerOption {
	return func(p *Poller) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithReadSize sets the minimum number of bytes requested per Read.
func WithReadSize(n int) PollerOption {
	return func(p *Poller) {
		if n > 0 {
			p.readSize = n
		}
	}
}

// NewPoller returns a Poller reading src into asm. It logs nothing unless
// WithLogger is given.
func NewPoller(src ByteSource, asm *FrameAssembler, opts ...PollerOption) *Poller {
	p := &Poller{
		src:      src,
		asm:      asm,
		logger:   zap.NewNop(),
		readSize: DefaultReadSize,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run polls until ctx is cancelled or the source fails. Cancellation is
// checked between reads, so it takes effect within one read timeout.
// It returns ctx.Err() on cancellation and the source error otherwise.
func (p *Poller) Run(ctx context.Context, onFrame func(Frame)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := p.Poll(onFrame); err != nil {
			return err
		}
	}
}

// Poll performs a single Available/Read/Ingest cycle and hands every
// completed frame to onFrame.
func (p *Poller) Poll(onFrame func(Frame)) error {
	want := p.readSize
	n, err := p.src.Available()
	if err != nil {
		return err
	}
	if n > want {
		want = n
	}

	chunk, err := p.src.Read(want)
	if err != nil {
		return err
	}
	if len(chunk) == 0 {
		return nil
	}

	before := p.asm.Stats().Degraded
	frames := p.asm.Ingest(chunk)
	if ce := p.logger.Check(zap.DebugLevel, "chunk ingested"); ce != nil {
		ce.Write(
			zap.Int("bytes", len(chunk)),
			zap.Int("frames", len(frames)),
			zap.Uint64("degraded", p.asm.Stats().Degraded-before),
		)
	}
	for _, f := range frames {
		onFrame(f)
	}
	return nil
}
