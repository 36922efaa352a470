// Package source provides the input streams that can be broadcast.
package source

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

// DefaultKillDelay is how long Close waits for the command to exit
// after interrupting it before killing it.
const DefaultKillDelay = 3 * time.Second

// Stdin returns the standard input.
// Closing it is a no-op, the process owns it.
func Stdin() io.ReadCloser { return stdin{} }

type stdin struct{}

func (stdin) Read(p []byte) (int, error) { return os.Stdin.Read(p) }
func (stdin) Close() error               { return nil }

// Cmd is a running shell command whose standard output is the stream.
type Cmd struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	logger *slog.Logger

	killDelay time.Duration
	closeOnce sync.Once
	closeErr  error
}

var _ io.ReadCloser = (*Cmd)(nil)

// StartSh starts `sh -c script` in workDir.
// The standard error of the command is forwarded to stderr if not nil.
func StartSh(
	workDir, script string, stderr io.Writer, logger *slog.Logger,
) (*Cmd, error) {
	if logger == nil {
		logger = slog.Default()
	}

	// Don't use CommandContext since it would kill the process,
	// Close interrupts it instead.
	c := exec.Command("sh", "-c", script)
	c.Dir = workDir
	c.Stderr = stderr
	// Don't let children inheriting stderr block Wait after a kill.
	c.WaitDelay = DefaultKillDelay

	stdout, err := c.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("obtaining stdout pipe: %w", err)
	}

	logger.Debug("starting input command", "cmd", c.String())
	if err := c.Start(); err != nil {
		return nil, fmt.Errorf("starting: %w", err)
	}
	logger.Debug("input command running", "pid", c.Process.Pid)

	return &Cmd{
		cmd:       c,
		stdout:    stdout,
		logger:    logger,
		killDelay: DefaultKillDelay,
	}, nil
}

// SetKillDelay sets how long Close waits for the command to exit
// after the interrupt. Must be called before Close.
func (c *Cmd) SetKillDelay(d time.Duration) { c.killDelay = d }

// Read reads the standard output of the command.
func (c *Cmd) Read(p []byte) (int, error) { return c.stdout.Read(p) }

// Close interrupts the command unless it already exited and waits for it.
// A command still running after the kill delay is killed.
// An exit caused by the interrupt or the kill isn't reported as an error.
func (c *Cmd) Close() error {
	c.closeOnce.Do(func() { c.closeErr = c.close() })
	return c.closeErr
}

func (c *Cmd) close() error {
	interrupted := true
	if err := c.cmd.Process.Signal(os.Interrupt); err != nil {
		if !errors.Is(err, os.ErrProcessDone) {
			return fmt.Errorf("interrupting input command: %w", err)
		}
		interrupted = false
	}

	done := make(chan error, 1)
	go func() { done <- c.cmd.Wait() }()

	var err error
	timer := time.NewTimer(c.killDelay)
	defer timer.Stop()
	select {
	case err = <-done:
	case <-timer.C:
		c.logger.Warn("input command didn't exit after interrupt, killing",
			"pid", c.cmd.Process.Pid)
		if err := c.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			c.logger.Error("killing input command", "err", err)
		}
		err = <-done
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if interrupted && !exitErr.Exited() {
			// Terminated by the interrupt or the kill.
			c.logger.Debug("input command interrupted", "pid", c.cmd.Process.Pid)
			return nil
		}
		return fmt.Errorf("input command: %w", err)
	}
	return err
}
