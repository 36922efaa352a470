// Package broadcaster implements the loop reading the input stream
// and writing every chunk to all clients of the registry.
package broadcaster

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/romshark/stdin2tcp/internal/metrics"
	"github.com/romshark/stdin2tcp/internal/registry"
)

// DefaultBufferSize is the default maximum chunk size.
const DefaultBufferSize = 1024

// ErrZeroRead is returned by Run when the input returned
// neither data nor an error.
var ErrZeroRead = errors.New("zero-length read")

type Broadcaster struct {
	reg        *registry.Registry
	logger     *slog.Logger
	bufferSize int
}

// New creates a broadcaster reading chunks of at most bufferSize bytes.
// bufferSize <= 0 means DefaultBufferSize.
func New(reg *registry.Registry, logger *slog.Logger, bufferSize int) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Broadcaster{reg: reg, logger: logger, bufferSize: bufferSize}
}

type chunk struct {
	data []byte
	err  error
}

// Run reads from in and broadcasts every chunk read until in is exhausted,
// a read fails, ctx is canceled or the registry is stopped.
// Data returned together with a read error is still broadcast.
//
// Run returns nil when in reached io.EOF or the registry was stopped,
// ErrZeroRead for an empty read, ctx.Err() on cancelation
// and the read error otherwise. Run doesn't stop the registry.
//
// Reads happen on a separate goroutine so that cancelation doesn't have
// to wait for a blocked read. This goroutine exits once in returns.
func (b *Broadcaster) Run(ctx context.Context, in io.Reader) error {
	chunks := make(chan chunk)
	done := make(chan struct{})
	defer close(done)

	go func() {
		for {
			buf := make([]byte, b.bufferSize)
			n, err := in.Read(buf)
			if n == 0 && err == nil {
				err = ErrZeroRead
			}
			select {
			case chunks <- chunk{data: buf[:n], err: err}:
			case <-done:
				return
			}
			if err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case c := <-chunks:
			if len(c.data) > 0 {
				metrics.InputBytes.Add(float64(len(c.data)))
				b.reg.Broadcast(c.data)
			}
			switch {
			case errors.Is(c.err, io.EOF):
				b.logger.Info("reached end of input")
				return nil
			case c.err != nil:
				b.logger.Error("cannot read from input", "err", c.err)
				if errors.Is(c.err, ErrZeroRead) {
					return ErrZeroRead
				}
				return fmt.Errorf("reading input: %w", c.err)
			}
			if !b.reg.Running() {
				return nil
			}
		}
	}
}
