package container

import (
	"bufio"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/splax/hostd/internal/apperr"
	"github.com/splax/hostd/internal/docker"
	"github.com/splax/hostd/internal/domain"
)

const maxLogLine = 1 << 20

// LogLine is one line of container output.
type LogLine struct {
	Timestamp time.Time `json:"timestamp"`
	Container string    `json:"container"`
	Stream    string    `json:"stream"`
	Message   string    `json:"message"`
}

// LogStream delivers followed log lines until closed or the container stops.
type LogStream interface {
	Lines() <-chan LogLine
	Err() error
	Close() error
}

// ConsoleStream is an interactive shell attached to a container.
type ConsoleStream interface {
	io.ReadWriteCloser
	Resize(ctx context.Context, cols, rows uint) error
}

// LogOptions selects which log lines to follow.
type LogOptions struct {
	Tail  int
	Since string
}

// ExecOptions describes the shell to start.
type ExecOptions struct {
	Shell string
	Cols  uint
	Rows  uint
	Env   []string
}

// FollowLogs attaches to the project's container log stream. The stream
// outlives ctx and stops only on Close or when the container output ends.
func (g *Gateway) FollowLogs(ctx context.Context, p domain.Project, opts LogOptions) (LogStream, error) {
	name := p.ContainerName()
	if _, err := g.engine.Inspect(ctx, name); err != nil {
		if errors.Is(err, docker.ErrNotFound) {
			return nil, apperr.NotFound("container.logs", "container for project %s not found", p.Name)
		}
		return nil, apperr.External("container.logs", "docker inspect failed", err)
	}

	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &logStream{
		lines:  make(chan LogLine, 64),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()

	go func() {
		err := g.engine.Logs(streamCtx, name, docker.LogsOptions{Tail: opts.Tail, Since: opts.Since, Follow: true}, stdoutW, stderrW)
		if err != nil && streamCtx.Err() == nil {
			g.logger.Warn("log stream ended with error", "project_id", p.ID, "error", err)
			s.setErr(err)
		}
		stdoutW.CloseWithError(err)
		stderrW.CloseWithError(err)
	}()

	var wg sync.WaitGroup
	wg.Add(2)
	go s.scan(streamCtx, &wg, stdoutR, name, "stdout")
	go s.scan(streamCtx, &wg, stderrR, name, "stderr")
	go func() {
		wg.Wait()
		close(s.lines)
		close(s.done)
	}()
	return s, nil
}

// Exec opens an interactive shell in the project's container.
func (g *Gateway) Exec(ctx context.Context, p domain.Project, opts ExecOptions) (ConsoleStream, error) {
	shell := opts.Shell
	if shell == "" {
		shell = "/bin/sh"
	}
	env := append([]string{"TERM=xterm-256color"}, opts.Env...)
	session, err := g.engine.Exec(ctx, p.ContainerName(), docker.ExecOptions{
		Cmd:  []string{shell},
		Env:  env,
		Cols: opts.Cols,
		Rows: opts.Rows,
	})
	if errors.Is(err, docker.ErrNotFound) {
		return nil, apperr.NotFound("container.exec", "container for project %s not found", p.Name)
	}
	if err != nil {
		return nil, apperr.External("container.exec", "could not start shell", err)
	}
	return session, nil
}

type logStream struct {
	lines  chan LogLine
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
}

func (s *logStream) Lines() <-chan LogLine { return s.lines }

func (s *logStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *logStream) setErr(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
}

// Close stops following and waits for the pump goroutines to exit.
func (s *logStream) Close() error {
	s.cancel()
	<-s.done
	return nil
}

func (s *logStream) scan(ctx context.Context, wg *sync.WaitGroup, r *io.PipeReader, name, stream string) {
	defer wg.Done()
	defer r.Close()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLogLine)
	for scanner.Scan() {
		line := ParseLogLine(scanner.Text(), name, stream)
		select {
		case s.lines <- line:
		case <-ctx.Done():
			return
		}
	}
}

// ParseLogLine splits the RFC3339 timestamp docker prefixes onto each line.
func ParseLogLine(raw, name, stream string) LogLine {
	line := LogLine{Container: name, Stream: stream, Message: raw}
	if idx := strings.IndexByte(raw, ' '); idx > 0 {
		if ts, err := time.Parse(time.RFC3339Nano, raw[:idx]); err == nil {
			line.Timestamp = ts
			line.Message = raw[idx+1:]
		}
	}
	line.Message = strings.TrimRight(line.Message, "\r")
	return line
}
