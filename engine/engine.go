package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/romshark/stdin2tcp/internal/addrfilter"
	"github.com/romshark/stdin2tcp/internal/broadcaster"
	"github.com/romshark/stdin2tcp/internal/listener"
	"github.com/romshark/stdin2tcp/internal/registry"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

// PathMetrics is the path Prometheus metrics are served on.
const PathMetrics = "/metrics"

// ErrAlreadyStarted is returned by [Engine.Run] when called more than once.
var ErrAlreadyStarted = errors.New("engine already started")

// Engine is the broadcast engine.
// Use [New] to create an Engine and [Engine.Run] to start it.
type Engine struct {
	conf      Config
	version   string
	logger    *slog.Logger
	input     io.Reader
	listener  net.Listener
	lnMetrics net.Listener
	allow     *addrfilter.Filter
	registry  *registry.Registry
	started   atomic.Bool
}

// Options configures an [Engine].
type Options struct {
	// Logger sets the logger for the engine.
	// If nil, [slog.Default] is used.
	Logger *slog.Logger

	// Input is the stream to broadcast.
	// If nil, [os.Stdin] is used.
	Input io.Reader

	// Listener is used to accept clients when not nil,
	// instead of binding to Config.Host and Config.Port.
	// The engine closes it during shutdown.
	Listener net.Listener

	// MetricsListener is used to serve metrics when not nil,
	// instead of binding to Config.MetricsHost.
	MetricsListener net.Listener

	// Version is the version string (e.g. "1.2.3").
	// When empty, [Version] is used as fallback.
	Version string
}

// New creates a new [Engine] with the given configuration.
func New(conf Config, opts Options) (*Engine, error) {
	conf.applyDefaults()
	if err := conf.Validate(); err != nil {
		return nil, err
	}

	allow, err := addrfilter.New(conf.Allow)
	if err != nil {
		return nil, fmt.Errorf("engine: compiling Allow: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var input io.Reader = os.Stdin
	if opts.Input != nil {
		input = opts.Input
	}
	version := opts.Version
	if version == "" {
		version = Version
	}

	return &Engine{
		conf:      conf,
		version:   version,
		logger:    logger,
		input:     input,
		listener:  opts.Listener,
		lnMetrics: opts.MetricsListener,
		allow:     allow,
		registry:  registry.New(conf.MaxClients, logger, conf.WriteTimeout),
	}, nil
}

// NumClients returns the number of currently connected clients.
func (e *Engine) NumClients() int { return e.registry.Len() }

// Run binds the listening socket and broadcasts the input to all clients
// until the input ends, reading it fails or ctx is canceled.
// Before returning Run closes all client connections and the listening
// socket and waits for the accepting goroutine to exit.
//
// Run only returns an error if it failed to start, all terminations
// after a successful start are orderly and return nil.
func (e *Engine) Run(ctx context.Context) error {
	if !e.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	ln := e.listener
	if ln == nil {
		var err error
		if ln, err = net.Listen("tcp4", e.conf.Addr()); err != nil {
			return fmt.Errorf("binding the server socket to %s: %w", e.conf.Addr(), err)
		}
	}

	lnMetrics := e.lnMetrics
	if lnMetrics == nil && e.conf.MetricsHost != "" {
		var err error
		if lnMetrics, err = net.Listen("tcp", e.conf.MetricsHost); err != nil {
			_ = ln.Close()
			return fmt.Errorf("binding the metrics server socket to %s: %w",
				e.conf.MetricsHost, err)
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	errgrp, ctx := errgroup.WithContext(ctx)

	errgrp.Go(func() error {
		l := listener.New(ln, e.registry, e.logger, listener.Config{
			HTTPPreamble: e.conf.HTTPPreamble,
			Allow:        e.allow,
			WriteTimeout: e.conf.WriteTimeout,
		})
		err := l.Run(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			err = fmt.Errorf("accepting connections: %w", err)
			e.logger.Error(err.Error())
		}
		e.logger.Debug("listener stopped")
		return err
	})

	if lnMetrics != nil {
		// A failing metrics server doesn't end the broadcast.
		errgrp.Go(func() error {
			if err := e.runMetricsServer(ctx, lnMetrics); err != nil {
				e.logger.Error("running metrics server", "err", err)
			}
			e.logger.Debug("metrics server stopped")
			return nil
		})
		e.logger.Info("serving metrics",
			"url", "http://"+lnMetrics.Addr().String()+PathMetrics)
	}

	start := time.Now()
	e.logger.Info("execution started, listening on the server socket",
		"addr", ln.Addr(), "max_clients", e.conf.MaxClients, "version", e.version)
	if e.conf.HTTPPreamble {
		e.logger.Info("HTTP preamble enabled, " +
			"writing HTTP response headers to client connections")
	}

	b := broadcaster.New(e.registry, e.logger, e.conf.BufferSize)
	switch err := b.Run(ctx, e.input); {
	case err == nil:
	case errors.Is(err, context.Canceled):
		e.logger.Info("interrupted, shutting down")
	default:
		e.logger.Debug("input loop terminated", "err", err)
	}

	e.shutdown(ln)
	cancel()
	e.logger.Debug("waiting for remaining goroutines to stop")
	if err := errgrp.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		e.logger.Debug("goroutine failure", "err", err)
	}
	e.logger.Info("stopped", "duration", time.Since(start))
	return nil
}

// shutdown stops the registry, closes all client connections and
// closes ln which unblocks a pending accept.
func (e *Engine) shutdown(ln net.Listener) {
	e.registry.Stop()
	e.registry.CloseAll()
	e.logger.Info("shutting down the server socket", "addr", ln.Addr())
	if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		e.logger.Error("closing the server socket", "err", err)
	}
}

func (e *Engine) runMetricsServer(ctx context.Context, ln net.Listener) error {
	mux := http.NewServeMux()
	mux.Handle(PathMetrics, promhttp.Handler())
	httpSrv := http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errgrp, ctx := errgroup.WithContext(ctx)
	errgrp.Go(func() error {
		err := httpSrv.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	errgrp.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})
	return errgrp.Wait()
}
