package listener_test

import (
	"context"
	"errors"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/romshark/stdin2tcp/internal/addrfilter"
	"github.com/romshark/stdin2tcp/internal/listener"
	"github.com/romshark/stdin2tcp/internal/preamble"
	"github.com/romshark/stdin2tcp/internal/registry"

	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

// runListener starts a listener on a random loopback port and returns
// the channel receiving the result of Run.
func runListener(
	t *testing.T, reg *registry.Registry, conf listener.Config,
) (net.Listener, <-chan error) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	l := listener.New(ln, reg, nil, conf)
	done := make(chan error, 1)
	go func() { done <- l.Run(context.Background()) }()
	return ln, done
}

func dial(t *testing.T, ln net.Listener) net.Conn {
	t.Helper()
	c, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func requireClosedByPeer(t *testing.T, c net.Conn) {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(waitFor)))
	n, err := c.Read(make([]byte, 1))
	require.Zero(t, n)
	require.ErrorIs(t, err, io.EOF)
}

func requireRead(t *testing.T, c net.Conn, expect string) {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(waitFor)))
	buf := make([]byte, len(expect))
	_, err := io.ReadFull(c, buf)
	require.NoError(t, err)
	require.Equal(t, expect, string(buf))
}

func shutdown(t *testing.T, reg *registry.Registry, ln net.Listener, done <-chan error) {
	t.Helper()
	reg.Stop()
	reg.CloseAll()
	require.NoError(t, ln.Close())
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("listener didn't stop")
	}
}

func TestCapacity(t *testing.T) {
	t.Parallel()

	reg := registry.New(4, nil, 0)
	ln, done := runListener(t, reg, listener.Config{})

	clients := make([]net.Conn, 4)
	for i := range clients {
		clients[i] = dial(t, ln)
		require.Eventually(t, func() bool { return reg.Len() == i+1 }, waitFor, tick)
	}

	overflow := dial(t, ln)
	requireClosedByPeer(t, overflow)
	require.Equal(t, 4, reg.Len())

	require.Empty(t, reg.Broadcast([]byte("hello")))
	for _, c := range clients {
		requireRead(t, c, "hello")
	}

	shutdown(t, reg, ln, done)
	for _, c := range clients {
		requireClosedByPeer(t, c)
	}

	_, err := net.Dial("tcp", ln.Addr().String())
	require.Error(t, err, "expected connection refused after shutdown")
}

func TestHTTPPreamble(t *testing.T) {
	t.Parallel()

	reg := registry.New(4, nil, 0)
	ln, done := runListener(t, reg, listener.Config{
		HTTPPreamble: true,
		WriteTimeout: time.Second,
	})

	c := dial(t, ln)
	requireRead(t, c, preamble.HTTP)
	require.Eventually(t, func() bool { return reg.Len() == 1 }, waitFor, tick)

	require.Empty(t, reg.Broadcast([]byte("hello")))
	requireRead(t, c, "hello")

	shutdown(t, reg, ln, done)
}

func TestHTTPPreambleNotSentWhenFull(t *testing.T) {
	t.Parallel()

	reg := registry.New(1, nil, 0)
	ln, done := runListener(t, reg, listener.Config{HTTPPreamble: true})

	first := dial(t, ln)
	requireRead(t, first, preamble.HTTP)
	require.Eventually(t, func() bool { return reg.Len() == 1 }, waitFor, tick)

	second := dial(t, ln)
	requireClosedByPeer(t, second)

	shutdown(t, reg, ln, done)
}

func TestAddressNotAllowed(t *testing.T) {
	t.Parallel()

	f, err := addrfilter.New([]string{"10.**"})
	require.NoError(t, err)

	reg := registry.New(4, nil, 0)
	ln, done := runListener(t, reg, listener.Config{Allow: f})

	c := dial(t, ln)
	requireClosedByPeer(t, c)
	require.Zero(t, reg.Len())

	shutdown(t, reg, ln, done)
}

func TestStopWhileAccepting(t *testing.T) {
	t.Parallel()

	reg := registry.New(4, nil, 0)
	ln, done := runListener(t, reg, listener.Config{})
	shutdown(t, reg, ln, done)
}

func TestStoppedBeforeRun(t *testing.T) {
	t.Parallel()

	reg := registry.New(4, nil, 0)
	reg.Stop()

	l := listener.New(&errListener{}, reg, nil, listener.Config{})
	require.NoError(t, l.Run(context.Background()))
}

// errListener fails every accept call with the next error of errs,
// then fails with net.ErrClosed.
type errListener struct {
	errs  []error
	calls atomic.Int32
}

func (l *errListener) Accept() (net.Conn, error) {
	i := int(l.calls.Add(1)) - 1
	if i < len(l.errs) {
		return nil, l.errs[i]
	}
	return nil, net.ErrClosed
}

func (l *errListener) Close() error { return nil }

func (l *errListener) Addr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9095}
}

func TestAcceptErrorRetried(t *testing.T) {
	t.Parallel()

	errEMFILE := errors.New("accept: too many open files")
	ln := &errListener{errs: []error{errEMFILE, errEMFILE, errEMFILE}}
	reg := registry.New(4, nil, 0)

	l := listener.New(ln, reg, nil, listener.Config{
		AcceptRetryInterval: time.Millisecond,
	})
	require.NoError(t, l.Run(context.Background()))
	require.Equal(t, int32(4), ln.calls.Load())
	require.True(t, reg.Running(), "accept errors must not stop the registry")
}

func TestAcceptRetryCanceled(t *testing.T) {
	t.Parallel()

	ln := &errListener{errs: []error{errors.New("accept failed")}}
	reg := registry.New(4, nil, 0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	l := listener.New(ln, reg, nil, listener.Config{AcceptRetryInterval: time.Hour})
	require.ErrorIs(t, l.Run(ctx), context.Canceled)
	require.Equal(t, int32(1), ln.calls.Load())
}
