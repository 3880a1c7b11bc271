// Package runner executes external programs with a single timeout,
// cancellation and output-capping policy.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/splax/hostd/internal/apperr"
)

const (
	DefaultTimeout        = 5 * time.Minute
	DefaultKillGrace      = 5 * time.Second
	DefaultMaxOutputBytes = 1 << 20
)

// Command describes one program invocation.
type Command struct {
	Name    string
	Args    []string
	Dir     string
	Env     []string
	Stdin   io.Reader
	Timeout time.Duration
}

// String renders the command for logs.
func (c Command) String() string {
	parts := append([]string{c.Name}, c.Args...)
	return strings.Join(parts, " ")
}

// Shell wraps a script as `sh -c script` scoped to dir.
func Shell(dir, script string, timeout time.Duration) Command {
	return Command{Name: "sh", Args: []string{"-c", script}, Dir: dir, Timeout: timeout}
}

// Result is the outcome of a command that ran to completion.
type Result struct {
	Stdout    string
	Stderr    string
	ExitCode  int
	Duration  time.Duration
	Truncated bool
}

// Runner runs commands.
type Runner interface {
	Run(ctx context.Context, cmd Command) (Result, error)
}

// Observer receives the duration of every finished command.
type Observer func(program string, d time.Duration, err error)

// Options configures an Exec runner.
type Options struct {
	DefaultTimeout time.Duration
	KillGrace      time.Duration
	MaxOutputBytes int
	// BaseEnv is prepended to every command's environment. Defaults to os.Environ().
	BaseEnv  []string
	Observer Observer
}

// Exec runs commands as local subprocesses.
type Exec struct {
	opts   Options
	logger *slog.Logger
}

// New constructs an Exec runner.
func New(opts Options, logger *slog.Logger) *Exec {
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = DefaultTimeout
	}
	if opts.KillGrace <= 0 {
		opts.KillGrace = DefaultKillGrace
	}
	if opts.MaxOutputBytes <= 0 {
		opts.MaxOutputBytes = DefaultMaxOutputBytes
	}
	if opts.BaseEnv == nil {
		opts.BaseEnv = os.Environ()
	}
	return &Exec{opts: opts, logger: logger.With("component", "runner")}
}

// Run executes cmd. A non-zero exit yields an *apperr.Error of kind
// command_execution carrying the exit code and captured output; exceeding the
// timeout yields kind timeout. The process receives SIGTERM on timeout or
// cancellation and is killed once the grace window elapses.
func (r *Exec) Run(ctx context.Context, cmd Command) (Result, error) {
	op := "run " + filepath.Base(cmd.Name)
	if cmd.Name == "" {
		return Result{}, apperr.Validation("runner", "command name is required")
	}
	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = r.opts.DefaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	c := exec.CommandContext(runCtx, cmd.Name, cmd.Args...)
	c.Dir = cmd.Dir
	c.Env = append(append([]string(nil), r.opts.BaseEnv...), cmd.Env...)
	c.Stdin = cmd.Stdin
	configureProcessGroup(c)
	c.Cancel = func() error { return terminate(c, r.opts.KillGrace) }
	c.WaitDelay = r.opts.KillGrace

	stdout := newCappedBuffer(r.opts.MaxOutputBytes)
	stderr := newCappedBuffer(r.opts.MaxOutputBytes)
	c.Stdout = stdout
	c.Stderr = stderr

	start := time.Now()
	err := c.Run()
	res := Result{
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		ExitCode:  exitCode(c, err),
		Duration:  time.Since(start),
		Truncated: stdout.Truncated() || stderr.Truncated(),
	}
	if r.opts.Observer != nil {
		r.opts.Observer(filepath.Base(cmd.Name), res.Duration, err)
	}

	if err == nil {
		r.logger.Debug("command finished", "command", cmd.String(), "dir", cmd.Dir, "duration", res.Duration)
		return res, nil
	}

	switch {
	case errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		r.logger.Warn("command timed out", "command", cmd.String(), "timeout", timeout)
		return res, &apperr.Error{
			Kind:     apperr.KindTimeout,
			Op:       op,
			Message:  fmt.Sprintf("%s timed out after %s", filepath.Base(cmd.Name), timeout),
			Err:      err,
			ExitCode: res.ExitCode,
			Stdout:   res.Stdout,
			Stderr:   res.Stderr,
		}
	case ctx.Err() != nil:
		return res, &apperr.Error{
			Kind:    apperr.KindTimeout,
			Op:      op,
			Message: fmt.Sprintf("%s cancelled", filepath.Base(cmd.Name)),
			Err:     ctx.Err(),
			Stdout:  res.Stdout,
			Stderr:  res.Stderr,
		}
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return res, &apperr.Error{
			Kind:     apperr.KindCommandExecution,
			Op:       op,
			Message:  fmt.Sprintf("%s exited with code %d", filepath.Base(cmd.Name), res.ExitCode),
			Err:      err,
			ExitCode: res.ExitCode,
			Stdout:   res.Stdout,
			Stderr:   res.Stderr,
		}
	}
	return res, apperr.External(op, fmt.Sprintf("could not start %s", filepath.Base(cmd.Name)), err)
}

func exitCode(c *exec.Cmd, err error) int {
	if c.ProcessState != nil {
		return c.ProcessState.ExitCode()
	}
	if err != nil {
		return -1
	}
	return 0
}

// cappedBuffer keeps at most limit bytes and counts what it dropped.
type cappedBuffer struct {
	buf     bytes.Buffer
	limit   int
	dropped int
}

func newCappedBuffer(limit int) *cappedBuffer {
	return &cappedBuffer{limit: limit}
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	room := b.limit - b.buf.Len()
	if room <= 0 {
		b.dropped += len(p)
		return len(p), nil
	}
	if len(p) > room {
		b.buf.Write(p[:room])
		b.dropped += len(p) - room
		return len(p), nil
	}
	b.buf.Write(p)
	return len(p), nil
}

func (b *cappedBuffer) Truncated() bool { return b.dropped > 0 }

func (b *cappedBuffer) String() string {
	if b.dropped == 0 {
		return b.buf.String()
	}
	return b.buf.String() + fmt.Sprintf("\n... (%d bytes truncated)", b.dropped)
}
