// Package listener implements the goroutine accepting client connections
// and admitting them into the registry.
package listener

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"

	"github.com/romshark/stdin2tcp/internal/addrfilter"
	"github.com/romshark/stdin2tcp/internal/metrics"
	"github.com/romshark/stdin2tcp/internal/preamble"
	"github.com/romshark/stdin2tcp/internal/registry"

	"golang.org/x/time/rate"
)

// DefaultAcceptRetryInterval is the minimum interval between two
// accept attempts after an accept error.
const DefaultAcceptRetryInterval = 50 * time.Millisecond

type Config struct {
	// HTTPPreamble enables writing [preamble.HTTP] to every client
	// before admission.
	HTTPPreamble bool

	// Allow restricts admission to clients whose IP matches.
	// Nil allows all clients.
	Allow *addrfilter.Filter

	// WriteTimeout bounds writing the preamble. Zero means no timeout.
	WriteTimeout time.Duration

	// AcceptRetryInterval throttles retries after accept errors.
	// Zero means DefaultAcceptRetryInterval.
	AcceptRetryInterval time.Duration
}

// Listener accepts connections on a listening socket until
// the registry is stopped or the socket is closed.
type Listener struct {
	ln     net.Listener
	reg    *registry.Registry
	logger *slog.Logger
	conf   Config
	retry  *rate.Limiter
}

func New(
	ln net.Listener, reg *registry.Registry, logger *slog.Logger, conf Config,
) *Listener {
	if logger == nil {
		logger = slog.Default()
	}
	if conf.AcceptRetryInterval == 0 {
		conf.AcceptRetryInterval = DefaultAcceptRetryInterval
	}
	return &Listener{
		ln:     ln,
		reg:    reg,
		logger: logger,
		conf:   conf,
		retry:  rate.NewLimiter(rate.Every(conf.AcceptRetryInterval), 1),
	}
}

// Run blocks accepting connections.
// Closing the listening socket or stopping the registry makes Run return.
// Closing the socket is the only way to unblock a pending accept.
// Run returns nil on both kinds of termination and
// the context error if ctx is canceled while throttling accept retries.
func (l *Listener) Run(ctx context.Context) error {
	for l.reg.Running() {
		conn, err := l.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || !l.reg.Running() {
				l.logger.Debug("listener stopped", "addr", l.ln.Addr())
				return nil
			}
			metrics.AcceptErrors.Inc()
			l.logger.Error("cannot accept incoming connection", "err", err)
			if err := l.retry.Wait(ctx); err != nil {
				return err
			}
			continue
		}
		if !l.handle(conn) {
			l.logger.Debug("listener stopped", "addr", l.ln.Addr())
			return nil
		}
	}
	return nil
}

// handle admits or rejects conn and returns false if the registry
// was stopped in the meantime.
func (l *Listener) handle(conn net.Conn) (running bool) {
	c := registry.NewClient(conn)
	addr := c.Addr()

	if !l.reg.Running() {
		l.reject(c, metrics.ReasonStopped)
		return false
	}

	if !l.conf.Allow.Allow(conn.RemoteAddr()) {
		l.logger.Warn("rejecting incoming connection, address not allowed",
			"client", c.ID, "addr", addr)
		l.reject(c, metrics.ReasonFiltered)
		return true
	}

	// Only this goroutine admits, the number of free slots
	// can't decrease until Admit is called below.
	if l.reg.Free() < 1 {
		if !l.reg.Running() {
			l.reject(c, metrics.ReasonStopped)
			return false
		}
		l.logger.Warn("cannot accept incoming connection, max clients reached",
			"client", c.ID, "addr", addr, "max", l.reg.Cap())
		l.reject(c, metrics.ReasonFull)
		return true
	}

	if l.conf.HTTPPreamble {
		if err := l.writePreamble(conn); err != nil {
			l.logger.Error("cannot write HTTP preamble, closing connection",
				"client", c.ID, "addr", addr, "err", err)
			l.reject(c, metrics.ReasonPreamble)
			return true
		}
	}

	slot, status := l.reg.Admit(c)
	switch status {
	case registry.StatusAdmitted:
		l.logger.Info("accepting incoming connection",
			"slot", slot, "client", c.ID, "addr", addr)
	case registry.StatusFull:
		l.logger.Warn("cannot accept incoming connection, max clients reached",
			"client", c.ID, "addr", addr, "max", l.reg.Cap())
		l.reject(c, metrics.ReasonFull)
	case registry.StatusStopped:
		l.reject(c, metrics.ReasonStopped)
		return false
	}
	return true
}

func (l *Listener) writePreamble(conn net.Conn) error {
	if l.conf.WriteTimeout > 0 {
		if err := conn.SetWriteDeadline(time.Now().Add(l.conf.WriteTimeout)); err != nil {
			return err
		}
		defer func() { _ = conn.SetWriteDeadline(time.Time{}) }()
	}
	return preamble.Write(conn)
}

func (l *Listener) reject(c *registry.Client, reason string) {
	metrics.ClientsRejected.WithLabelValues(reason).Inc()
	if err := c.Conn.Close(); err != nil {
		l.logger.Debug("closing rejected connection", "client", c.ID, "err", err)
	}
}
