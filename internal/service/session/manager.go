// Package session runs live log and console sessions over client
// connections. Each project has at most one session of each kind.
package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/splax/hostd/internal/apperr"
	"github.com/splax/hostd/internal/domain"
	"github.com/splax/hostd/internal/metrics"
)

const (
	defaultMessageCap  = 1000
	defaultIdleTimeout = 30 * time.Minute
	defaultInputRate   = 50
	defaultTail        = 100
	defaultShell       = "/bin/sh"
)

// Conn is a client connection. Send must be safe for concurrent use.
type Conn interface {
	ID() string
	Send(payload []byte) error
}

// Principal is the authenticated caller of a session.
type Principal interface {
	CanAccess(projectID string) bool
}

// Projects loads projects for session start.
type Projects interface {
	Get(ctx context.Context, projectID string) (*domain.Project, error)
}

// Config tunes session limits.
type Config struct {
	MessageCap   int
	IdleTimeout  time.Duration
	InputRate    float64
	InputBurst   int
	DefaultTail  int
	DefaultShell string
}

func (c Config) withDefaults() Config {
	if c.MessageCap <= 0 {
		c.MessageCap = defaultMessageCap
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = defaultIdleTimeout
	}
	if c.InputRate <= 0 {
		c.InputRate = defaultInputRate
	}
	if c.InputBurst <= 0 {
		c.InputBurst = int(c.InputRate)
	}
	if c.DefaultTail <= 0 {
		c.DefaultTail = defaultTail
	}
	if c.DefaultShell == "" {
		c.DefaultShell = defaultShell
	}
	return c
}

// throttle is the inbound token bucket of one connection.
type throttle struct {
	limiter *rate.Limiter
	warned  bool
}

// manager holds the registry and the behavior shared by both kinds.
type manager struct {
	kind     Kind
	projects Projects
	registry *registry
	cfg      Config
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time

	throttleMu sync.Mutex
	throttles  map[string]*throttle
}

func newManager(kind Kind, projects Projects, cfg Config, m *metrics.Metrics, logger *slog.Logger) *manager {
	return &manager{
		kind:      kind,
		projects:  projects,
		registry:  newRegistry(),
		cfg:       cfg.withDefaults(),
		metrics:   m,
		logger:    logger.With("component", "session", "kind", string(kind)),
		now:       time.Now,
		throttles: make(map[string]*throttle),
	}
}

// authorize runs the start checks: access, existence and running status.
func (m *manager) authorize(ctx context.Context, principal Principal, projectID string) (*domain.Project, error) {
	op := "session." + string(m.kind)
	if projectID == "" {
		return nil, apperr.Validation(op, "projectId is required")
	}
	if principal == nil || !principal.CanAccess(projectID) {
		return nil, apperr.Permission(op, "access to project denied")
	}
	p, err := m.projects.Get(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if p.Status != domain.StatusRunning {
		return nil, apperr.Validation(op, "project %s is %s, not running", p.Name, p.Status)
	}
	return p, nil
}

func (m *manager) newSession(conn Conn, p *domain.Project, cancel context.CancelFunc) *session {
	now := m.now()
	return &session{
		id:           uuid.NewString(),
		kind:         m.kind,
		project:      *p,
		conn:         conn,
		cancel:       cancel,
		createdAt:    now,
		lastActivity: now,
	}
}

// install registers s, tearing down the session it replaces, and sends the
// connected frame before any data can flow.
func (m *manager) install(s *session) {
	if previous := m.registry.insert(s); previous != nil {
		m.teardown(previous, ReasonReplaced)
	}
	m.metrics.SessionOpened(string(m.kind))
	m.logger.Info("session started", "session_id", s.id, "project_id", s.project.ID, "conn_id", s.conn.ID())
	_ = m.send(s.conn, ServerFrame{
		Type:        FrameConnected,
		ProjectID:   s.project.ID,
		ProjectName: s.project.Name,
		Kind:        m.kind,
	})
}

// teardown is the single exit path of a session: it unregisters it, stops
// its stream and tells the client why. Later calls are no-ops.
func (m *manager) teardown(s *session, reason string) {
	s.endOnce.Do(func() {
		m.registry.remove(s)
		if s.cancel != nil {
			s.cancel()
		}
		if s.stream != nil {
			if err := s.stream.Close(); err != nil {
				m.logger.Debug("close stream failed", "session_id", s.id, "error", err)
			}
		}
		if reason != ReasonDisconnected {
			_ = m.send(s.conn, ServerFrame{Type: FrameSessionEnd, ProjectID: s.project.ID, Kind: m.kind, Reason: reason})
		}
		m.metrics.SessionClosed(string(m.kind))
		s.mu.Lock()
		messages := s.messages
		s.mu.Unlock()
		m.logger.Info("session ended", "session_id", s.id, "project_id", s.project.ID, "reason", reason, "messages", messages, "duration", m.now().Sub(s.createdAt))
	})
}

// deliver sends a data frame within the message cap. When the cap is
// reached it sends one warning, ends the session and returns false.
func (m *manager) deliver(s *session, frame ServerFrame) bool {
	s.mu.Lock()
	capped := s.messages >= m.cfg.MessageCap
	if !capped {
		s.messages++
		s.lastActivity = m.now()
	}
	s.mu.Unlock()
	if capped {
		_ = m.send(s.conn, ServerFrame{
			Type:      FrameWarning,
			ProjectID: s.project.ID,
			Message:   "message limit reached, closing session",
		})
		m.teardown(s, ReasonMessageLimit)
		return false
	}
	if err := m.send(s.conn, frame); err != nil {
		m.teardown(s, ReasonDisconnected)
		return false
	}
	m.metrics.SessionMessage(string(m.kind))
	return true
}

func (m *manager) send(conn Conn, frame ServerFrame) error {
	payload, err := json.Marshal(frame)
	if err != nil {
		m.logger.Warn("encode frame failed", "type", frame.Type, "error", err)
		return err
	}
	return conn.Send(payload)
}

func (m *manager) sendError(conn Conn, projectID string, err error) {
	_ = m.send(conn, ServerFrame{
		Type:      FrameError,
		ProjectID: projectID,
		Code:      string(apperr.KindOf(err)),
		Message:   apperr.PublicMessage(err),
	})
}

// allow applies the inbound token bucket of conn. Dropped frames produce
// one warning per burst.
func (m *manager) allow(conn Conn) bool {
	m.throttleMu.Lock()
	t, ok := m.throttles[conn.ID()]
	if !ok {
		t = &throttle{limiter: rate.NewLimiter(rate.Limit(m.cfg.InputRate), m.cfg.InputBurst)}
		m.throttles[conn.ID()] = t
	}
	allowed := t.limiter.Allow()
	warn := false
	if allowed {
		t.warned = false
	} else if !t.warned {
		t.warned = true
		warn = true
	}
	m.throttleMu.Unlock()
	if warn {
		_ = m.send(conn, ServerFrame{Type: FrameWarning, Message: "too many messages, dropping input"})
	}
	return allowed
}

// targets returns the sessions of conn a control frame applies to.
func (m *manager) targets(conn Conn, projectID string) []*session {
	if projectID != "" {
		s := m.registry.get(projectID)
		if s == nil || s.conn.ID() != conn.ID() {
			return nil
		}
		return []*session{s}
	}
	return m.registry.ownedBy(conn.ID())
}

// dispatch handles the frames common to both kinds. It reports false for
// frame types it does not know.
func (m *manager) dispatch(conn Conn, frame ClientFrame) bool {
	switch frame.Type {
	case FramePing:
		_ = m.send(conn, ServerFrame{Type: FramePong})
	case FrameStop:
		sessions := m.targets(conn, frame.ProjectID)
		if len(sessions) == 0 {
			m.sendError(conn, frame.ProjectID, apperr.NotFound("session.stop", "no active session"))
			return true
		}
		for _, s := range sessions {
			m.teardown(s, ReasonStopped)
		}
	case FramePause, FrameResume:
		paused := frame.Type == FramePause
		reply := FrameResumed
		if paused {
			reply = FramePaused
		}
		for _, s := range m.targets(conn, frame.ProjectID) {
			s.setPaused(paused)
			s.touch(m.now())
			_ = m.send(conn, ServerFrame{Type: reply, ProjectID: s.project.ID})
		}
	default:
		return false
	}
	return true
}

func (m *manager) decode(conn Conn, raw []byte) (ClientFrame, bool) {
	var frame ClientFrame
	if err := json.Unmarshal(raw, &frame); err != nil || frame.Type == "" {
		m.sendError(conn, "", apperr.Validation("session.decode", "malformed frame"))
		return ClientFrame{}, false
	}
	return frame, true
}

// Disconnect ends every session owned by conn.
func (m *manager) Disconnect(conn Conn) {
	for _, s := range m.registry.ownedBy(conn.ID()) {
		m.teardown(s, ReasonDisconnected)
	}
	m.throttleMu.Lock()
	delete(m.throttles, conn.ID())
	m.throttleMu.Unlock()
}

// Sweep ends sessions idle longer than the idle timeout and returns how
// many it ended.
func (m *manager) Sweep(now time.Time) int {
	swept := 0
	for _, s := range m.registry.all() {
		if now.Sub(s.idleSince()) > m.cfg.IdleTimeout {
			m.teardown(s, ReasonIdle)
			swept++
		}
	}
	return swept
}

// RunSweeper sweeps idle sessions every interval until ctx is done.
func (m *manager) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.Sweep(m.now()); n > 0 {
				m.logger.Info("idle sessions swept", "count", n)
			}
		}
	}
}

// Shutdown ends all sessions.
func (m *manager) Shutdown() {
	for _, s := range m.registry.all() {
		m.teardown(s, ReasonShutdown)
	}
}

// Active returns the number of live sessions.
func (m *manager) Active() int { return m.registry.len() }
