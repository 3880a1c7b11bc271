// Package ports assigns host ports to projects.
package ports

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"github.com/splax/hostd/internal/apperr"
	"github.com/splax/hostd/internal/domain"
)

const (
	DefaultMin = 3000
	DefaultMax = 9999
)

// ListenerSource reports ports bound by local OS listeners.
type ListenerSource interface {
	ListeningPorts(ctx context.Context) ([]int, error)
}

// ContainerSource reports host ports published by running containers.
type ContainerSource interface {
	PublishedPorts(ctx context.Context) ([]int, error)
}

// AssignmentSource reports ports assigned to non-deleted projects, keyed by port.
type AssignmentSource interface {
	AssignedPorts(ctx context.Context) (map[int]string, error)
}

// Config bounds allocation.
type Config struct {
	Min      int
	Max      int
	Reserved []int
}

// Request asks for a port.
type Request struct {
	Preferred     int
	Min           int
	Max           int
	AllowReserved bool
	// ExcludeProjectID ignores ports held by this project in every source.
	ExcludeProjectID string
}

// Allocator computes used ports from live sources and hands out free ones.
type Allocator struct {
	listeners   ListenerSource
	containers  ContainerSource
	assignments AssignmentSource
	cfg         Config
	reserved    map[int]struct{}
	logger      *slog.Logger
}

// New constructs an Allocator. listeners and containers may be nil.
func New(listeners ListenerSource, containers ContainerSource, assignments AssignmentSource, cfg Config, logger *slog.Logger) *Allocator {
	if cfg.Min <= 0 {
		cfg.Min = DefaultMin
	}
	if cfg.Max <= 0 || cfg.Max > 65535 {
		cfg.Max = DefaultMax
	}
	return &Allocator{
		listeners:   listeners,
		containers:  containers,
		assignments: assignments,
		cfg:         cfg,
		reserved:    lo.SliceToMap(cfg.Reserved, func(p int) (int, struct{}) { return p, struct{}{} }),
		logger:      logger.With("component", "ports"),
	}
}

// Reserved reports whether port is in the reserved set.
func (a *Allocator) Reserved(port int) bool {
	_, ok := a.reserved[port]
	return ok
}

// FindAvailable returns the preferred port when it lies in [min,max] and is
// free and allowed, otherwise the lowest free, non-reserved port in the range.
func (a *Allocator) FindAvailable(ctx context.Context, req Request) (int, error) {
	low, high := req.Min, req.Max
	if low <= 0 {
		low = a.cfg.Min
	}
	if high <= 0 {
		high = a.cfg.Max
	}
	if low > high || low < 1 || high > 65535 {
		return 0, apperr.Validation("ports.find", "invalid port range %d-%d", low, high)
	}
	used, err := a.UsedPorts(ctx, req.ExcludeProjectID)
	if err != nil {
		return 0, err
	}
	if req.Preferred >= low && req.Preferred <= high {
		if _, taken := used[req.Preferred]; !taken && (req.AllowReserved || !a.Reserved(req.Preferred)) {
			return req.Preferred, nil
		}
	}
	for port := low; port <= high; port++ {
		if _, taken := used[port]; taken {
			continue
		}
		if !req.AllowReserved && a.Reserved(port) {
			continue
		}
		return port, nil
	}
	return 0, apperr.Exhausted("ports.find", "no free port in range %d-%d", low, high)
}

// AutoAssign picks a port for a project type, preferring preferred or the
// type's default port.
func (a *Allocator) AutoAssign(ctx context.Context, projectType domain.ProjectType, preferred int) (int, error) {
	if preferred <= 0 {
		preferred = projectType.DefaultPort()
	}
	return a.FindAvailable(ctx, Request{Preferred: preferred})
}

// ResolveExplicit honors a declared port when free, otherwise scans window
// ports above it.
func (a *Allocator) ResolveExplicit(ctx context.Context, declared, window int) (int, error) {
	if err := domain.ValidatePort(declared); err != nil {
		return 0, apperr.Validation("ports.resolve", "%s", err.Error())
	}
	if window < 0 {
		window = 0
	}
	hi := min(declared+window, 65535)
	port, err := a.FindAvailable(ctx, Request{Preferred: declared, Min: declared, Max: hi})
	if apperr.KindOf(err) == apperr.KindResourceExhausted {
		return 0, apperr.Exhausted("ports.resolve", "port %d and the next %d ports are in use", declared, hi-declared)
	}
	if err != nil {
		return 0, err
	}
	if port != declared {
		a.logger.Info("declared port unavailable, substituting", "declared", declared, "assigned", port)
	}
	return port, nil
}

// IsAvailable reports whether port is free, ignoring the excluded project's
// own assignment.
func (a *Allocator) IsAvailable(ctx context.Context, port int, excludeProjectID string) (bool, error) {
	used, err := a.UsedPorts(ctx, excludeProjectID)
	if err != nil {
		return false, err
	}
	_, taken := used[port]
	return !taken, nil
}

// UsedPorts unions the three sources. OS and container failures are logged
// and treated as empty; the assignment source is authoritative.
func (a *Allocator) UsedPorts(ctx context.Context, excludeProjectID string) (map[int]struct{}, error) {
	var (
		osPorts        []int
		containerPorts []int
		assigned       map[int]string
	)
	g, gctx := errgroup.WithContext(ctx)
	if a.listeners != nil {
		g.Go(func() error {
			ports, err := a.listeners.ListeningPorts(gctx)
			if err != nil {
				a.logger.Warn("listener source failed", "error", err)
				return nil
			}
			osPorts = ports
			return nil
		})
	}
	if a.containers != nil {
		g.Go(func() error {
			ports, err := a.containers.PublishedPorts(gctx)
			if err != nil {
				a.logger.Warn("container source failed", "error", err)
				return nil
			}
			containerPorts = ports
			return nil
		})
	}
	g.Go(func() error {
		m, err := a.assignments.AssignedPorts(gctx)
		if err != nil {
			return fmt.Errorf("load assigned ports: %w", err)
		}
		assigned = m
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	own := map[int]struct{}{}
	used := make(map[int]struct{}, len(osPorts)+len(containerPorts)+len(assigned))
	for port, projectID := range assigned {
		if excludeProjectID != "" && projectID == excludeProjectID {
			own[port] = struct{}{}
			continue
		}
		used[port] = struct{}{}
	}
	for _, port := range append(osPorts, containerPorts...) {
		if _, mine := own[port]; mine {
			continue
		}
		used[port] = struct{}{}
	}
	return used, nil
}
