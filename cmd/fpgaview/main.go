// Command fpgaview prints the frames an FPGA streams over a serial port,
// one frame per line.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/luhtfiimanal/serialframe"
	"github.com/luhtfiimanal/serialframe/internal/config"
	"github.com/luhtfiimanal/serialframe/internal/logger"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "fpgaview:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := pflag.NewFlagSet("fpgaview", pflag.ContinueOnError)
	config.RegisterFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	configPath, _ := fs.GetString("config")

	loader, err := config.Load(configPath, fs)
	if err != nil {
		return err
	}
	cfg := loader.Get()

	log, level, err := logger.New(cfg.Log)
	if err != nil {
		return err
	}
	defer log.Sync()

	loader.Watch(func(c *config.Config, err error) {
		if err != nil {
			log.Warn("config reload failed", zap.Error(err))
			return
		}
		level.SetLevel(logger.ParseLevel(c.Log.Level))
		log.Info("config reloaded", zap.String("log_level", level.String()))
	})

	asmCfg, err := cfg.Frame.Assembler()
	if err != nil {
		return err
	}
	asm, err := serialframe.NewFrameAssembler(asmCfg)
	if err != nil {
		return err
	}

	srcCfg, err := cfg.Serial.Source().Normalize()
	if err != nil {
		return err
	}
	sup := &serialframe.Supervisor{
		Open:          func() (serialframe.ByteSource, error) { return serialframe.Open(srcCfg) },
		Assembler:     asm,
		RetryTimes:    cfg.Serial.RetryTimes,
		RetryInterval: cfg.Serial.RetryInterval,
		StartCommand:  cfg.Serial.StartCommand,
		ReadSize:      cfg.Serial.ReadSize,
		Logger:        log,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("waiting for frames",
		zap.String("port", srcCfg.Device),
		zap.Int("baud_rate", srcCfg.BaudRate),
		zap.String("driver", srcCfg.Driver),
		zap.Int("width", asmCfg.Width))

	out := bufio.NewWriter(os.Stdout)
	frames := make(chan serialframe.Frame, 64)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(frames)
		return sup.Run(gctx, func(f serialframe.Frame) {
			select {
			case frames <- f:
			case <-gctx.Done():
			}
		})
	})
	g.Go(func() error {
		for f := range frames {
			fmt.Fprintln(out, f)
			if err := out.Flush(); err != nil {
				return err
			}
		}
		return nil
	})

	err = g.Wait()
	for _, f := range asm.Flush() {
		fmt.Fprintln(out, f)
	}
	out.Flush()

	if errors.Is(err, context.Canceled) {
		log.Info("shutting down", zap.Uint64("frames", asm.Stats().Frames))
		return nil
	}
	return err
}
