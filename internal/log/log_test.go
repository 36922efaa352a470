package log_test

import (
	"bytes"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/romshark/stdin2tcp/internal/log"

	"github.com/fatih/color"
	"github.com/stretchr/testify/require"
)

func TestDurStr(t *testing.T) {
	t.Parallel()

	f := func(input time.Duration, expect string) {
		t.Helper()
		require.Equal(t, expect, log.DurStr(input))
	}

	// Don't show decimal places
	f(time.Nanosecond, "1ns")
	f(999*time.Nanosecond, "999ns")
	f(time.Microsecond, "1µs")
	f(999*time.Microsecond, "999µs")

	// Show decimal places
	f(time.Millisecond, "1.00ms")
	f(999*time.Millisecond, "999.00ms")
	f(time.Second, "1.00s")
	f(59*time.Second, "59.00s")

	f(time.Microsecond+500*time.Nanosecond, "2µs")    // Round up
	f(time.Millisecond+999*time.Nanosecond, "1.00ms") // Round down

	f(time.Minute, "1m0s")
	f(time.Minute+30*time.Second, "1m30s")
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	f := func(input string, expect slog.Level) {
		t.Helper()
		l, err := log.ParseLevel(input)
		require.NoError(t, err)
		require.Equal(t, expect, l)
	}

	f("", slog.LevelError)
	f("erronly", slog.LevelError)
	f("verbose", slog.LevelInfo)
	f("debug", slog.LevelDebug)

	_, err := log.ParseLevel("loud")
	require.ErrorIs(t, err, log.ErrUnknownLevel)
}

func TestHandler(t *testing.T) {
	color.NoColor = true

	var buf bytes.Buffer
	logger := slog.New(log.NewHandler(&buf, slog.LevelInfo))

	logger.Debug("hidden")
	logger.Info("admitted client", "slot", 2)
	logger.With("addr", "127.0.0.1:4000").Warn("rejecting client")
	logger.WithGroup("input").Error("reading", "err", errors.New("broken pipe"))
	logger.Info("stopped", "duration", 1500*time.Millisecond)

	require.Equal(t, ""+
		"📡 admitted client slot=2\n"+
		"📡 WARN: rejecting client addr=127.0.0.1:4000\n"+
		"📡 ERR: reading input.err=broken pipe\n"+
		"📡 stopped (1.50s)\n",
		buf.String())
}
