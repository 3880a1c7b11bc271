package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"

	"github.com/splax/hostd/internal/apperr"
	"github.com/splax/hostd/internal/container"
	"github.com/splax/hostd/internal/domain"
	"github.com/splax/hostd/internal/metrics"
)

const consoleReadBuffer = 4096

// ConsoleSource opens interactive shells.
type ConsoleSource interface {
	Exec(ctx context.Context, p domain.Project, opts container.ExecOptions) (container.ConsoleStream, error)
}

// ConsoleManager runs console sessions.
type ConsoleManager struct {
	*manager
	source ConsoleSource
}

// NewConsoleManager constructs a ConsoleManager.
func NewConsoleManager(projects Projects, source ConsoleSource, cfg Config, m *metrics.Metrics, logger *slog.Logger) *ConsoleManager {
	return &ConsoleManager{manager: newManager(KindConsole, projects, cfg, m, logger), source: source}
}

// Handle processes one inbound frame from conn.
func (cm *ConsoleManager) Handle(ctx context.Context, conn Conn, principal Principal, raw []byte) {
	if !cm.allow(conn) {
		return
	}
	frame, ok := cm.decode(conn, raw)
	if !ok {
		return
	}
	switch frame.Type {
	case FrameStart:
		var opts ConsoleOptions
		if len(frame.Options) > 0 {
			if err := json.Unmarshal(frame.Options, &opts); err != nil {
				cm.sendError(conn, frame.ProjectID, apperr.Validation("session.console", "invalid options"))
				return
			}
		}
		_ = cm.Start(ctx, conn, principal, frame.ProjectID, opts)
	case FrameInput:
		for _, s := range cm.targets(conn, frame.ProjectID) {
			cm.input(s, frame.Data)
		}
	case FrameResize:
		if frame.Cols == 0 || frame.Rows == 0 {
			return
		}
		for _, s := range cm.targets(conn, frame.ProjectID) {
			cm.resize(ctx, s, frame.Cols, frame.Rows)
		}
	default:
		if !cm.dispatch(conn, frame) {
			cm.sendError(conn, frame.ProjectID, apperr.Validation("session.console", "unsupported frame %q", frame.Type))
		}
	}
}

// Start opens a shell in the project's container for conn.
func (cm *ConsoleManager) Start(ctx context.Context, conn Conn, principal Principal, projectID string, opts ConsoleOptions) error {
	p, err := cm.authorize(ctx, principal, projectID)
	if err != nil {
		cm.sendError(conn, projectID, err)
		return err
	}
	if opts.Shell == "" {
		opts.Shell = cm.cfg.DefaultShell
	}
	stream, err := cm.source.Exec(ctx, *p, container.ExecOptions{Shell: opts.Shell, Cols: opts.Cols, Rows: opts.Rows})
	if err != nil {
		cm.logger.Warn("open console failed", "project_id", p.ID, "error", err)
		cm.sendError(conn, projectID, err)
		return err
	}

	pumpCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := cm.newSession(conn, p, cancel)
	s.stream = stream
	cm.install(s)
	go cm.pump(pumpCtx, s, stream)
	return nil
}

func (cm *ConsoleManager) pump(ctx context.Context, s *session, stream container.ConsoleStream) {
	buf := make([]byte, consoleReadBuffer)
	for {
		n, err := stream.Read(buf)
		if n > 0 {
			if !cm.deliver(s, ServerFrame{Type: FrameOutput, ProjectID: s.project.ID, Data: string(buf[:n])}) {
				return
			}
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, io.EOF) {
				_ = cm.send(s.conn, ServerFrame{Type: FrameStreamEnd, ProjectID: s.project.ID})
				cm.teardown(s, ReasonStreamEnded)
				return
			}
			cm.sendError(s.conn, s.project.ID, apperr.External("session.console", "console stream failed", err))
			cm.teardown(s, ReasonStreamError)
			return
		}
	}
}

func (cm *ConsoleManager) input(s *session, data string) {
	if data == "" {
		return
	}
	s.touch(cm.now())
	console, ok := s.stream.(container.ConsoleStream)
	if !ok {
		return
	}
	if _, err := io.WriteString(console, data); err != nil {
		cm.logger.Warn("console input failed", "session_id", s.id, "error", err)
		cm.sendError(s.conn, s.project.ID, apperr.External("session.console", "console input failed", err))
		cm.teardown(s, ReasonStreamError)
	}
}

// resize is best effort; failures are logged only.
func (cm *ConsoleManager) resize(ctx context.Context, s *session, cols, rows uint) {
	s.touch(cm.now())
	console, ok := s.stream.(container.ConsoleStream)
	if !ok {
		return
	}
	if err := console.Resize(ctx, cols, rows); err != nil {
		cm.logger.Debug("console resize failed", "session_id", s.id, "cols", cols, "rows", rows, "error", err)
	}
}
