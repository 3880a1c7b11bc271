// Package cache holds project listings between writes.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/splax/hostd/internal/domain"
)

// Generation identifies the cache state a lookup saw. A listing read from
// the store after a miss is stored under the generation of that miss, so a
// concurrent Invalidate makes it unreachable.
type Generation int64

// noGeneration makes Set a no-op.
const noGeneration Generation = -1

// ListingCache stores project listings keyed by filter.
type ListingCache interface {
	Get(ctx context.Context, key string) ([]domain.Project, Generation, bool)
	Set(ctx context.Context, key string, gen Generation, projects []domain.Project)
	Invalidate(ctx context.Context)
}

// Memory is an in-process ListingCache.
type Memory struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	gen     Generation
	entries map[string]memoryEntry
}

type memoryEntry struct {
	projects []domain.Project
	expires  time.Time
}

// NewMemory returns a Memory cache whose entries live for ttl.
func NewMemory(ttl time.Duration) *Memory {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Memory{ttl: ttl, now: time.Now, entries: make(map[string]memoryEntry)}
}

func (m *Memory) Get(_ context.Context, key string) ([]domain.Project, Generation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[key]
	if !ok {
		return nil, m.gen, false
	}
	if m.now().After(entry.expires) {
		delete(m.entries, key)
		return nil, m.gen, false
	}
	return cloneAll(entry.projects), m.gen, true
}

func (m *Memory) Set(_ context.Context, key string, gen Generation, projects []domain.Project) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen {
		return
	}
	m.entries[key] = memoryEntry{projects: cloneAll(projects), expires: m.now().Add(m.ttl)}
}

func (m *Memory) Invalidate(context.Context) {
	m.mu.Lock()
	m.gen++
	clear(m.entries)
	m.mu.Unlock()
}

// Noop never stores anything.
type Noop struct{}

func (Noop) Get(context.Context, string) ([]domain.Project, Generation, bool) {
	return nil, noGeneration, false
}
func (Noop) Set(context.Context, string, Generation, []domain.Project) {}
func (Noop) Invalidate(context.Context)                                {}

func cloneAll(in []domain.Project) []domain.Project {
	out := make([]domain.Project, len(in))
	for i, p := range in {
		out[i] = p.Clone()
	}
	return out
}

var (
	_ ListingCache = (*Memory)(nil)
	_ ListingCache = Noop{}
	_ ListingCache = (*Redis)(nil)
)
