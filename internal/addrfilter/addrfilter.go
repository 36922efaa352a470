// Package addrfilter matches client IP addresses against glob patterns.
package addrfilter

import (
	"fmt"
	"net"

	"github.com/gobwas/glob"
)

// Filter is an allow-list of IP address glob patterns.
// A single "*" matches one dotted or colon separated group,
// "**" matches any number of groups.
// The zero value and a filter without patterns allow everything.
type Filter struct {
	patterns []string
	globs    []glob.Glob
}

// New compiles patterns.
func New(patterns []string) (*Filter, error) {
	f := &Filter{
		patterns: patterns,
		globs:    make([]glob.Glob, len(patterns)),
	}
	for i, p := range patterns {
		g, err := Compile(p)
		if err != nil {
			return nil, fmt.Errorf("at index %d: %w", i, err)
		}
		f.globs[i] = g
	}
	return f, nil
}

// Compile compiles a single pattern.
func Compile(pattern string) (glob.Glob, error) {
	return glob.Compile(pattern, '.', ':')
}

// Patterns returns the source patterns.
func (f *Filter) Patterns() []string { return f.patterns }

// AllowIP reports whether ip matches any of the patterns.
func (f *Filter) AllowIP(ip string) bool {
	if f == nil || len(f.globs) == 0 {
		return true
	}
	for _, g := range f.globs {
		if g.Match(ip) {
			return true
		}
	}
	return false
}

// Allow reports whether the IP of addr matches any of the patterns.
// Addresses without an IP are only allowed by an empty filter.
func (f *Filter) Allow(addr net.Addr) bool {
	if f == nil || len(f.globs) == 0 {
		return true
	}
	switch a := addr.(type) {
	case *net.TCPAddr:
		return f.AllowIP(a.IP.String())
	case nil:
		return false
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return false
	}
	return f.AllowIP(host)
}
