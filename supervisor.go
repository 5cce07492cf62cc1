package serialframe

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// OpenFunc opens a fresh ByteSource for one session.
type OpenFunc func() (ByteSource, error)

// Supervisor owns the source lifecycle around a Poller: it opens the device,
// closes it on every exit path, and reopens it after a device failure.
type Supervisor struct {
	Open      OpenFunc
	Assembler *FrameAssembler

	// RetryTimes bounds consecutive failed opens. Zero disables retrying
	// entirely, including reopening after an IOError; negative retries forever.
	RetryTimes    int
	RetryInterval time.Duration

	// StartCommand, if set, is written to the device at the start of every
	// session when the source supports it.
	StartCommand string
	ReadSize     int
	Logger       *zap.Logger
}

func (s *Supervisor) logger() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}

func (s *Supervisor) mayRetry(failures int) bool {
	return s.RetryTimes < 0 || failures <= s.RetryTimes
}

// Run streams frames to onFrame until ctx is cancelled or a failure is not
// retryable. Cancellation closes the open source, unblocking a pending Read.
func (s *Supervisor) Run(ctx context.Context, onFrame func(Frame)) error {
	log := s.logger()
	failures := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		src, err := s.Open()
		if err != nil {
			var connErr *ConnectionError
			if !errors.As(err, &connErr) {
				return err
			}
			failures++
			if !s.mayRetry(failures) {
				return err
			}
			log.Warn("serial open failed, retrying",
				zap.Error(err),
				zap.Int("attempt", failures),
				zap.Duration("retry_interval", s.RetryInterval))
			if err := sleep(ctx, s.RetryInterval); err != nil {
				return err
			}
			continue
		}
		failures = 0

		err = s.session(ctx, src, onFrame)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		var ioErr *IOError
		if !errors.As(err, &ioErr) || s.RetryTimes == 0 {
			return err
		}

		// A broken stream must not leak half a frame into the next session.
		s.Assembler.Reset()
		log.Warn("serial device failed, reopening",
			zap.Error(err),
			zap.Duration("retry_interval", s.RetryInterval))
		if err := sleep(ctx, s.RetryInterval); err != nil {
			return err
		}
	}
}

func (s *Supervisor) session(ctx context.Context, src ByteSource, onFrame func(Frame)) (err error) {
	log := s.logger().With(zap.String("session", uuid.NewString()))

	stop := context.AfterFunc(ctx, func() { src.Close() })
	defer stop()
	defer func() {
		if cerr := src.Close(); cerr != nil {
			log.Debug("close serial source", zap.Error(cerr))
		}
	}()

	log.Info("serial session started")
	if s.StartCommand != "" {
		if w, ok := src.(LineWriter); ok {
			if err := w.WriteLine(s.StartCommand, "\n"); err != nil {
				return err
			}
		} else {
			log.Warn("source cannot write, start command skipped", zap.String("command", s.StartCommand))
		}
	}

	err = NewPoller(src, s.Assembler, WithLogger(log), WithReadSize(s.ReadSize)).Run(ctx, onFrame)

	stats := s.Assembler.Stats()
	log.Info("serial session ended",
		zap.Error(err),
		zap.Uint64("bytes_in", stats.BytesIn),
		zap.Uint64("frames", stats.Frames),
		zap.Uint64("degraded", stats.Degraded))
	return err
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
