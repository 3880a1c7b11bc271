package session

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/splax/hostd/internal/domain"
)

// session is one live stream bound to a client connection.
type session struct {
	id        string
	kind      Kind
	project   domain.Project
	conn      Conn
	stream    io.Closer
	cancel    context.CancelFunc
	createdAt time.Time

	mu           sync.Mutex
	filter       Filter
	lastActivity time.Time
	paused       bool
	messages     int

	endOnce sync.Once
}

func (s *session) touch(now time.Time) {
	s.mu.Lock()
	s.lastActivity = now
	s.mu.Unlock()
}

func (s *session) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

func (s *session) setPaused(paused bool) {
	s.mu.Lock()
	s.paused = paused
	s.mu.Unlock()
}

func (s *session) setFilter(f Filter) {
	s.mu.Lock()
	s.filter = f
	s.mu.Unlock()
}

// admit reports whether a line should be forwarded.
func (s *session) admit(match func(Filter) bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.paused && match(s.filter)
}

// registry holds at most one session per project.
type registry struct {
	mu       sync.Mutex
	sessions map[string]*session
}

func newRegistry() *registry {
	return &registry{sessions: make(map[string]*session)}
}

// insert installs s and returns the session it replaced, if any.
func (r *registry) insert(s *session) *session {
	r.mu.Lock()
	defer r.mu.Unlock()
	previous := r.sessions[s.project.ID]
	r.sessions[s.project.ID] = s
	return previous
}

func (r *registry) get(projectID string) *session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[projectID]
}

// remove deletes s only if it is still the current session of its project.
func (r *registry) remove(s *session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[s.project.ID] != s {
		return false
	}
	delete(r.sessions, s.project.ID)
	return true
}

func (r *registry) ownedBy(connID string) []*session {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*session
	for _, s := range r.sessions {
		if s.conn.ID() == connID {
			out = append(out, s)
		}
	}
	return out
}

func (r *registry) all() []*session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

func (r *registry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
