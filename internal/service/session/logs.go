package session

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/splax/hostd/internal/apperr"
	"github.com/splax/hostd/internal/container"
	"github.com/splax/hostd/internal/domain"
	"github.com/splax/hostd/internal/metrics"
)

// LogSource follows container logs.
type LogSource interface {
	FollowLogs(ctx context.Context, p domain.Project, opts container.LogOptions) (container.LogStream, error)
}

// LogManager runs log sessions.
type LogManager struct {
	*manager
	source LogSource
}

// NewLogManager constructs a LogManager.
func NewLogManager(projects Projects, source LogSource, cfg Config, m *metrics.Metrics, logger *slog.Logger) *LogManager {
	return &LogManager{manager: newManager(KindLogs, projects, cfg, m, logger), source: source}
}

// Handle processes one inbound frame from conn.
func (lm *LogManager) Handle(ctx context.Context, conn Conn, principal Principal, raw []byte) {
	if !lm.allow(conn) {
		return
	}
	frame, ok := lm.decode(conn, raw)
	if !ok {
		return
	}
	switch frame.Type {
	case FrameStart:
		var opts LogOptions
		if len(frame.Options) > 0 {
			if err := json.Unmarshal(frame.Options, &opts); err != nil {
				lm.sendError(conn, frame.ProjectID, apperr.Validation("session.logs", "invalid options"))
				return
			}
		}
		_ = lm.Start(ctx, conn, principal, frame.ProjectID, opts)
	case FrameFilter:
		f := filterFrom(frame)
		if !f.Valid() {
			lm.sendError(conn, frame.ProjectID, apperr.Validation("session.logs", "stream must be stdout or stderr"))
			return
		}
		for _, s := range lm.targets(conn, frame.ProjectID) {
			s.setFilter(f)
			s.touch(lm.now())
		}
	default:
		if !lm.dispatch(conn, frame) {
			lm.sendError(conn, frame.ProjectID, apperr.Validation("session.logs", "unsupported frame %q", frame.Type))
		}
	}
}

// Start opens a log session for projectID on conn. Failures are reported to
// the client as a single error frame and returned.
func (lm *LogManager) Start(ctx context.Context, conn Conn, principal Principal, projectID string, opts LogOptions) error {
	if !opts.Filter.Valid() {
		err := apperr.Validation("session.logs", "stream must be stdout or stderr")
		lm.sendError(conn, projectID, err)
		return err
	}
	p, err := lm.authorize(ctx, principal, projectID)
	if err != nil {
		lm.sendError(conn, projectID, err)
		return err
	}
	if opts.Tail <= 0 {
		opts.Tail = lm.cfg.DefaultTail
	}
	stream, err := lm.source.FollowLogs(ctx, *p, container.LogOptions{Tail: opts.Tail, Since: opts.Since})
	if err != nil {
		lm.logger.Warn("open log stream failed", "project_id", p.ID, "error", err)
		lm.sendError(conn, projectID, err)
		return err
	}

	pumpCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := lm.newSession(conn, p, cancel)
	s.stream = stream
	s.filter = opts.Filter
	lm.install(s)
	go lm.pump(pumpCtx, s, stream)
	return nil
}

func (lm *LogManager) pump(ctx context.Context, s *session, stream container.LogStream) {
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-stream.Lines():
			if !ok {
				lm.finish(s, stream.Err())
				return
			}
			if !s.admit(func(f Filter) bool { return f.Match(line) }) {
				continue
			}
			if !lm.deliver(s, ServerFrame{Type: FrameLog, ProjectID: s.project.ID, Data: line}) {
				return
			}
		}
	}
}

// finish reports the end of the underlying stream and ends the session.
func (lm *LogManager) finish(s *session, err error) {
	if err != nil {
		lm.sendError(s.conn, s.project.ID, apperr.External("session.logs", "log stream failed", err))
		lm.teardown(s, ReasonStreamError)
		return
	}
	_ = lm.send(s.conn, ServerFrame{Type: FrameStreamEnd, ProjectID: s.project.ID})
	lm.teardown(s, ReasonStreamEnded)
}
