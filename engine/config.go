// Package engine provides the stdin2tcp broadcast engine for programmatic use.
// It allows running stdin2tcp as a library without the CLI.
package engine

import (
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"time"

	"github.com/romshark/stdin2tcp/internal/addrfilter"
	"github.com/romshark/stdin2tcp/internal/broadcaster"
)

const Version = "1.0.0"

const (
	// DefaultMaxClients is the default number of registry slots.
	DefaultMaxClients = 4

	// DefaultBufferSize is the default maximum size of a broadcast chunk.
	DefaultBufferSize = broadcaster.DefaultBufferSize

	// PortMin and PortMax are the exclusive bounds of the
	// user port range defined in RFC 6335.
	PortMin = 1024
	PortMax = 49151
)

// Config is the configuration for the engine.
type Config struct {
	// Host is the IPv4 address to bind to. Example: "127.0.0.1".
	Host string

	// Port is the TCP port to bind to.
	// Must be within the exclusive range of (PortMin, PortMax).
	Port int

	// HTTPPreamble enables writing an HTTP response header block
	// to every client before streaming.
	HTTPPreamble bool

	// MaxClients is the number of clients served simultaneously.
	// Zero means DefaultMaxClients.
	MaxClients int

	// BufferSize is the maximum number of bytes read from the input at once.
	// Zero means DefaultBufferSize.
	BufferSize int

	// WriteTimeout bounds every write to a client, a client failing to
	// receive a chunk within it is evicted. Zero disables the timeout.
	WriteTimeout time.Duration

	// Allow is an optional list of glob patterns matching client IP
	// addresses allowed to connect. Empty allows all clients.
	Allow []string

	// MetricsHost enables serving Prometheus metrics on
	// http://<MetricsHost>/metrics when not empty. Example: "127.0.0.1:9100".
	MetricsHost string
}

// Addr returns the host:port address to bind to.
// The address is only valid if Validate succeeds.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if err := ValidateHost(c.Host); err != nil {
		return err
	}
	if err := ValidatePort(c.Port); err != nil {
		return err
	}
	if c.MaxClients < 0 {
		return fmt.Errorf("engine: invalid MaxClients %d", c.MaxClients)
	}
	if c.BufferSize < 0 {
		return fmt.Errorf("engine: invalid BufferSize %d", c.BufferSize)
	}
	if c.WriteTimeout < 0 {
		return fmt.Errorf("engine: invalid WriteTimeout %s", c.WriteTimeout)
	}
	for i, pattern := range c.Allow {
		if _, err := addrfilter.Compile(pattern); err != nil {
			return fmt.Errorf("engine: Allow[%d] invalid glob pattern %q: %w",
				i, pattern, err)
		}
	}
	return nil
}

// ValidateHost returns an error if host isn't an IPv4 address literal.
func ValidateHost(host string) error {
	a, err := netip.ParseAddr(host)
	if err != nil || !a.Is4() {
		return fmt.Errorf("cannot use '%s' as the {IPv4_TO_BIND} value. "+
			"It is not a valid IPv4 address", host)
	}
	return nil
}

// ValidatePort returns an error if port isn't a user port
// as defined in RFC 6335.
func ValidatePort(port int) error {
	if port <= PortMin || port >= PortMax {
		return portError(strconv.Itoa(port))
	}
	return nil
}

// ParsePort parses a decimal port number and validates it with ValidatePort.
func ParsePort(s string) (int, error) {
	port, err := strconv.Atoi(s)
	if err != nil || ValidatePort(port) != nil {
		return 0, portError(s)
	}
	return port, nil
}

func portError(value string) error {
	return fmt.Errorf("cannot use '%s' as the {PORT_TO_BIND} value. "+
		"Valid user ports are in the range of (%d-%d) as defined in the RFC6335",
		value, PortMin, PortMax)
}

// applyDefaults fills in zero-valued fields with defaults.
func (c *Config) applyDefaults() {
	if c.MaxClients == 0 {
		c.MaxClients = DefaultMaxClients
	}
	if c.BufferSize == 0 {
		c.BufferSize = DefaultBufferSize
	}
}
