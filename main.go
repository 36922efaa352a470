package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/romshark/stdin2tcp/engine"
	"github.com/romshark/stdin2tcp/internal/config"
	"github.com/romshark/stdin2tcp/internal/log"
	"github.com/romshark/stdin2tcp/internal/source"
)

func main() {
	conf := config.MustParse()

	ctx, cancel := signal.NotifyContext(
		context.Background(), os.Interrupt, syscall.SIGTERM,
	)
	err := run(ctx, conf, os.Stdout, os.Stderr)
	cancel()
	if err != nil {
		log.Fatalf("%v", err)
	}
}

// run broadcasts the configured input until it ends or ctx is canceled.
// It only returns an error if stdin2tcp failed to start.
func run(ctx context.Context, conf *config.Config, stdout, stderr io.Writer) error {
	logger := slog.New(log.NewHandler(stdout, conf.Log.Level))

	input := source.Stdin()
	if conf.Input.Cmd != "" {
		c, err := source.StartSh(".", string(conf.Input.Cmd), stderr, logger)
		if err != nil {
			return fmt.Errorf("running input command %q: %w", conf.Input.Cmd.Cmd(), err)
		}
		logger.Info("broadcasting input command output", "cmd", conf.Input.Cmd.Cmd())
		input = c
	}
	defer func() {
		if err := input.Close(); err != nil {
			logger.Error("closing input", "err", err)
		}
	}()

	e, err := engine.New(conf.Engine(), engine.Options{
		Logger: logger,
		Input:  input,
	})
	if err != nil {
		return err
	}
	return e.Run(ctx)
}
