// Package log provides the colored console [slog.Handler] used by stdin2tcp.
package log

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/fatih/color"
)

// DefaultLinePrefix is printed at the beginning of every log line.
const DefaultLinePrefix = "📡 "

// Handler is an [slog.Handler] producing short human-readable progress lines.
// Handler is safe for concurrent use, derived handlers share
// the same output lock.
type Handler struct {
	mu  *sync.Mutex
	out io.Writer

	level      slog.Leveler
	attrs      []slog.Attr
	group      string
	linePrefix string
	timeFormat string
}

var _ slog.Handler = (*Handler)(nil)

// NewHandler creates a new colored [slog.Handler] writing to out.
// Timestamps are only printed when level is debug or lower.
func NewHandler(out io.Writer, level slog.Leveler) *Handler {
	return &Handler{
		mu:         new(sync.Mutex),
		out:        out,
		level:      level,
		linePrefix: DefaultLinePrefix,
		timeFormat: "15:04:05.000",
	}
}

// SetLinePrefix sets the prefix printed at the beginning of each log line.
func (h *Handler) SetLinePrefix(prefix string) { h.linePrefix = prefix }

// SetTimeFormat sets the time format string used for timestamps.
func (h *Handler) SetTimeFormat(format string) { h.timeFormat = format }

func (h *Handler) Enabled(_ context.Context, l slog.Level) bool {
	return l >= h.level.Level()
}

func (h *Handler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	_, _ = fmt.Fprint(h.out, h.linePrefix)

	if h.level.Level() <= slog.LevelDebug && !r.Time.IsZero() {
		_, _ = fGrey.Fprint(h.out, r.Time.Format(h.timeFormat))
		_, _ = fmt.Fprint(h.out, " ")
	}

	switch {
	case r.Level >= slog.LevelError:
		_, _ = fRedBold.Fprint(h.out, "ERR: ")
	case r.Level >= slog.LevelWarn:
		_, _ = fYellowBold.Fprint(h.out, "WARN: ")
	case r.Level >= slog.LevelInfo:
	default:
		_, _ = fmt.Fprint(h.out, "DEBUG: ")
	}

	_, _ = fmt.Fprint(h.out, r.Message)

	for _, a := range h.attrs {
		h.writeAttr(a.Key, a)
	}
	r.Attrs(func(a slog.Attr) bool {
		key := a.Key
		if h.group != "" {
			key = h.group + "." + key
		}
		h.writeAttr(key, a)
		return true
	})

	_, err := fmt.Fprintln(h.out)
	return err
}

func (h *Handler) writeAttr(key string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}

	switch v := a.Value.Any().(type) {
	case time.Duration:
		if a.Key == "duration" {
			_, _ = fmt.Fprint(h.out, " (")
			_, _ = fRedBold.Fprint(h.out, DurStr(v))
			_, _ = fmt.Fprint(h.out, ")")
			return
		}
	case error:
		_, _ = fmt.Fprintf(h.out, " %s=%s", fBlue.Sprint(key), fRed.Sprint(v.Error()))
		return
	}

	_, _ = fmt.Fprintf(h.out, " %s=%s", fBlue.Sprint(key), fGreen.Sprint(a.Value.String()))
}

func (h *Handler) clone() *Handler {
	c := *h
	c.attrs = h.attrs[:len(h.attrs):len(h.attrs)]
	return &c
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	c := h.clone()
	for _, a := range attrs {
		if c.group != "" {
			a.Key = c.group + "." + a.Key
		}
		c.attrs = append(c.attrs, a)
	}
	return c
}

func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	c := h.clone()
	if c.group != "" {
		c.group += "." + name
	} else {
		c.group = name
	}
	return c
}

// ParseLevel maps the configuration level names to slog levels.
// "" and "erronly" mean errors only, "verbose" enables progress lines
// and "debug" enables everything including timestamps.
func ParseLevel(s string) (slog.Level, error) {
	switch s {
	case "", "erronly":
		return slog.LevelError, nil
	case "verbose":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	}
	return 0, ErrUnknownLevel
}

var ErrUnknownLevel = errors.New(
	`unknown log level, use either of: ["" (same as erronly), "erronly", "verbose", "debug"]`,
)

// Fatalf prints an error line to stderr and exits with code 1.
func Fatalf(f string, v ...any) {
	logger := slog.New(NewHandler(os.Stderr, slog.LevelError))
	logger.Error(fmt.Sprintf(f, v...))
	os.Exit(1)
}

// DurStr formats a duration in a human-friendly way.
func DurStr(d time.Duration) string {
	switch {
	case d < time.Microsecond:
		return fmt.Sprintf("%.0fns", float64(d)/float64(time.Nanosecond))
	case d < time.Millisecond:
		return fmt.Sprintf("%.0fµs", float64(d)/float64(time.Microsecond))
	case d < time.Second:
		return fmt.Sprintf("%.2fms", float64(d)/float64(time.Millisecond))
	case d < time.Minute:
		return fmt.Sprintf("%.2fs", float64(d)/float64(time.Second))
	}
	return d.String()
}

var (
	fRedBold    = color.New(color.FgHiRed, color.Bold)
	fRed        = color.New(color.FgRed)
	fYellowBold = color.New(color.FgHiYellow, color.Bold)
	fGreen      = color.New(color.FgGreen)
	fBlue       = color.New(color.FgBlue)
	fGrey       = color.New(color.FgHiBlack)
)
