// Package registry provides the fixed-capacity connection slot registry
// shared by the accepting and the broadcasting goroutine.
//
// All operations are mutually exclusive. Broadcast holds the lock for the
// whole chunk, so a client admitted concurrently either receives the entire
// chunk or none of it, and an evicted client is never written to again.
package registry

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/romshark/stdin2tcp/internal/metrics"

	"github.com/google/uuid"
)

// Status is the outcome of [Registry.Admit].
type Status int8

const (
	// StatusAdmitted means the client now occupies a slot.
	StatusAdmitted Status = iota

	// StatusFull means all slots are occupied.
	// The caller still owns the connection and must close it.
	StatusFull

	// StatusStopped means the registry was stopped.
	// The caller still owns the connection and must close it.
	StatusStopped
)

func (s Status) String() string {
	switch s {
	case StatusAdmitted:
		return "admitted"
	case StatusFull:
		return "full"
	case StatusStopped:
		return "stopped"
	}
	return fmt.Sprintf("Status(%d)", int8(s))
}

// ErrZeroWrite is the cause of an eviction when a write
// reported neither progress nor an error.
var ErrZeroWrite = errors.New("zero-length write")

// Client is a connected client.
type Client struct {
	ID       uuid.UUID
	Conn     net.Conn
	Admitted time.Time
}

// NewClient wraps conn assigning it a new random ID.
func NewClient(conn net.Conn) *Client {
	return &Client{ID: uuid.New(), Conn: conn}
}

// Addr returns the remote address of the client.
func (c *Client) Addr() string {
	if a := c.Conn.RemoteAddr(); a != nil {
		return a.String()
	}
	return ""
}

// Eviction describes a client removed from its slot by [Registry.Broadcast].
type Eviction struct {
	Slot     int
	ClientID uuid.UUID
	Err      error
}

// Registry is a fixed set of slots each holding at most one client.
// It also holds the run state: once stopped, nothing is admitted
// and nothing is broadcast anymore.
type Registry struct {
	lock         sync.Mutex
	slots        []*Client
	occupied     int
	stopped      bool
	writeTimeout time.Duration
	logger       *slog.Logger
}

// New creates a new registry with capacity slots.
// If writeTimeout is greater than zero every write is bounded by
// a write deadline, otherwise writes may block indefinitely.
func New(capacity int, logger *slog.Logger, writeTimeout time.Duration) *Registry {
	if capacity < 1 {
		panic(fmt.Errorf("invalid registry capacity: %d", capacity))
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		slots:        make([]*Client, capacity),
		writeTimeout: writeTimeout,
		logger:       logger,
	}
}

// Cap returns the number of slots.
func (r *Registry) Cap() int { return len(r.slots) }

// Len returns the number of occupied slots.
func (r *Registry) Len() int {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.occupied
}

// Free returns the number of empty slots.
// Free returns 0 once the registry is stopped.
func (r *Registry) Free() int {
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.stopped {
		return 0
	}
	return len(r.slots) - r.occupied
}

// Running returns false once Stop was called.
func (r *Registry) Running() bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	return !r.stopped
}

// Stop sets the run state to false. Stop is idempotent.
func (r *Registry) Stop() {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.stopped = true
}

// Admit stores c in the first empty slot.
// The slot index is only meaningful when status is StatusAdmitted.
func (r *Registry) Admit(c *Client) (slot int, status Status) {
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.stopped {
		return -1, StatusStopped
	}
	for i, s := range r.slots {
		if s != nil {
			continue
		}
		c.Admitted = time.Now()
		r.slots[i] = c
		r.occupied++
		metrics.ClientsAdmitted.Inc()
		metrics.ClientsConnected.Inc()
		return i, StatusAdmitted
	}
	return -1, StatusFull
}

// Broadcast writes all of p to every occupied slot.
// Clients that fail to receive all of p are closed and removed from
// their slots before Broadcast returns.
// Broadcast is a no-op when p is empty or the registry is stopped.
func (r *Registry) Broadcast(p []byte) (evicted []Eviction) {
	if len(p) == 0 {
		return nil
	}

	r.lock.Lock()
	defer r.lock.Unlock()
	if r.stopped || r.occupied == 0 {
		return nil
	}

	start := time.Now()
	for i, c := range r.slots {
		if c == nil {
			continue
		}
		if err := r.write(c.Conn, p); err != nil {
			r.logger.Error("cannot write to client connection, terminating",
				"slot", i, "client", c.ID, "addr", c.Addr(), "err", err)
			r.vacate(i)
			metrics.ClientsEvicted.Inc()
			evicted = append(evicted, Eviction{Slot: i, ClientID: c.ID, Err: err})
		}
	}
	metrics.BroadcastDuration.Observe(time.Since(start).Seconds())
	return evicted
}

func (r *Registry) write(conn net.Conn, p []byte) error {
	if r.writeTimeout > 0 {
		err := conn.SetWriteDeadline(time.Now().Add(r.writeTimeout))
		if err != nil {
			return fmt.Errorf("setting write deadline: %w", err)
		}
	}
	n, err := conn.Write(p)
	switch {
	case err != nil:
		return err
	case n == 0:
		return ErrZeroWrite
	case n < len(p):
		return io.ErrShortWrite
	}
	return nil
}

// CloseAll closes every occupied slot's connection and vacates all slots.
// CloseAll is idempotent and returns the number of connections closed.
func (r *Registry) CloseAll() (closed int) {
	r.lock.Lock()
	defer r.lock.Unlock()
	for i, c := range r.slots {
		if c == nil {
			continue
		}
		r.logger.Info("terminating client connection",
			"slot", i, "client", c.ID, "addr", c.Addr())
		r.vacate(i)
		closed++
	}
	return closed
}

// vacate closes the connection in slot i and clears the slot.
// Must be called with lock held and slot i occupied.
func (r *Registry) vacate(i int) {
	c := r.slots[i]
	r.slots[i] = nil
	r.occupied--
	metrics.ClientsConnected.Dec()
	if err := c.Conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		r.logger.Debug("closing client connection",
			"slot", i, "client", c.ID, "err", err)
	}
}
