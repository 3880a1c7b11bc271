// Package project orchestrates the project lifecycle: deploy, redeploy,
// start, stop, restart, port changes and deletion.
package project

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/splax/hostd/internal/apperr"
	"github.com/splax/hostd/internal/cache"
	"github.com/splax/hostd/internal/container"
	"github.com/splax/hostd/internal/domain"
	"github.com/splax/hostd/internal/events"
	"github.com/splax/hostd/internal/metrics"
	"github.com/splax/hostd/internal/repository"
	"github.com/splax/hostd/internal/runner"
)

// Sources fetches project source code.
type Sources interface {
	Validate(ctx context.Context, repoURL, branch string) error
	Clone(ctx context.Context, repoURL, branch, dest string) error
	Update(ctx context.Context, dir, branch string) error
	Head(ctx context.Context, dir string) (string, error)
}

// Containers drives project containers.
type Containers interface {
	Build(ctx context.Context, p domain.Project) (runner.Result, error)
	Up(ctx context.Context, p domain.Project) error
	Stop(ctx context.Context, p domain.Project) error
	Down(ctx context.Context, p domain.Project) error
	WaitRunning(ctx context.Context, p domain.Project, attempts int, interval time.Duration) (container.State, error)
}

// Ports hands out host ports.
type Ports interface {
	AutoAssign(ctx context.Context, projectType domain.ProjectType, preferred int) (int, error)
	ResolveExplicit(ctx context.Context, declared, window int) (int, error)
	IsAvailable(ctx context.Context, port int, excludeProjectID string) (bool, error)
	Reserved(port int) bool
}

// Workspaces owns working copies on disk.
type Workspaces interface {
	Path(name string) string
	Prepare(name string) (string, error)
	Exists(dir string) bool
	Cleanup(path string) error
}

// Config tunes the orchestrator.
type Config struct {
	Network            string
	BuildTimeout       time.Duration
	PortConflictWindow int
	VerifyAttempts     int
	VerifyInterval     time.Duration
}

// Dependencies groups the collaborators of the orchestrator. Cache, Events
// and Metrics are optional.
type Dependencies struct {
	Store      repository.ProjectRepository
	Sources    Sources
	Containers Containers
	Ports      Ports
	Workspaces Workspaces
	Runner     runner.Runner
	Cache      cache.ListingCache
	Events     events.Publisher
	Metrics    *metrics.Metrics
}

// Service is the project orchestrator.
type Service struct {
	store      repository.ProjectRepository
	sources    Sources
	containers Containers
	ports      Ports
	workspaces Workspaces
	runner     runner.Runner
	cache      cache.ListingCache
	events     events.Publisher
	metrics    *metrics.Metrics
	cfg        Config
	logger     *slog.Logger
	now        func() time.Time

	// allocMu serializes port resolution with the uniqueness check and
	// the write that claims the port.
	allocMu sync.Mutex
	locks   sync.Map
}

// New returns an orchestrator.
func New(deps Dependencies, cfg Config, logger *slog.Logger) *Service {
	if deps.Cache == nil {
		deps.Cache = cache.Noop{}
	}
	if deps.Events == nil {
		deps.Events = events.Discard{}
	}
	if cfg.PortConflictWindow < 0 {
		cfg.PortConflictWindow = 0
	}
	if cfg.VerifyAttempts <= 0 {
		cfg.VerifyAttempts = 10
	}
	if cfg.VerifyInterval <= 0 {
		cfg.VerifyInterval = 2 * time.Second
	}
	if cfg.BuildTimeout <= 0 {
		cfg.BuildTimeout = 10 * time.Minute
	}
	return &Service{
		store:      deps.Store,
		sources:    deps.Sources,
		containers: deps.Containers,
		ports:      deps.Ports,
		workspaces: deps.Workspaces,
		runner:     deps.Runner,
		cache:      deps.Cache,
		events:     deps.Events,
		metrics:    deps.Metrics,
		cfg:        cfg,
		logger:     logger.With("component", "orchestrator"),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// lock serializes operations on one project.
func (s *Service) lock(projectID string) func() {
	value, _ := s.locks.LoadOrStore(projectID, &sync.Mutex{})
	mu := value.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// Get returns a non-deleted project.
func (s *Service) Get(ctx context.Context, projectID string) (*domain.Project, error) {
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return nil, apperr.Validation("project.get", "project id required")
	}
	p, err := s.store.GetProjectByID(ctx, projectID)
	if err != nil {
		return nil, storeError("project.get", err)
	}
	return p, nil
}

// List returns projects matching filter, from the listing cache when warm.
// Listings carry environment keys only; Get returns the values.
func (s *Service) List(ctx context.Context, filter repository.ProjectFilter) ([]domain.Project, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, apperr.Validation("project.list", "unknown status %q", filter.Status)
	}
	key := filter.Key()
	cached, gen, ok := s.cache.Get(ctx, key)
	if ok {
		return cached, nil
	}
	projects, err := s.store.ListProjects(ctx, filter)
	if err != nil {
		return nil, storeError("project.list", err)
	}
	for i := range projects {
		projects[i] = projects[i].Redacted()
	}
	s.cache.Set(ctx, key, gen, projects)
	return projects, nil
}

// Stop stops a project's container and records it as stopped.
func (s *Service) Stop(ctx context.Context, projectID string) (*domain.Project, error) {
	unlock := s.lock(projectID)
	defer unlock()

	p, err := s.Get(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if p.Status == domain.StatusStopped {
		return p, nil
	}
	if err := s.containers.Stop(ctx, *p); err != nil {
		s.logger.Error("stop failed", "project_id", p.ID, "error", err)
		return p, err
	}
	if err := s.transition(ctx, p, domain.StatusStopped, "stopped by operator", nil); err != nil {
		return p, err
	}
	s.logger.Info("project stopped", "project_id", p.ID, "name", p.Name)
	return p, nil
}

// Start brings a stopped or failed project back up through deploying.
func (s *Service) Start(ctx context.Context, projectID string) (*domain.Project, error) {
	unlock := s.lock(projectID)
	defer unlock()

	p, err := s.Get(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if p.Status == domain.StatusRunning {
		return p, nil
	}
	return p, s.start(ctx, p)
}

// Restart stops a running project and starts it again.
func (s *Service) Restart(ctx context.Context, projectID string) (*domain.Project, error) {
	unlock := s.lock(projectID)
	defer unlock()

	p, err := s.Get(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if p.Status == domain.StatusRunning {
		if err := s.containers.Stop(ctx, *p); err != nil {
			return p, err
		}
		if err := s.transition(ctx, p, domain.StatusStopped, "restarting", nil); err != nil {
			return p, err
		}
	}
	return p, s.start(ctx, p)
}

// UpdatePort moves a project to a new host port, restarting it when it was
// running.
func (s *Service) UpdatePort(ctx context.Context, projectID string, port int) (*domain.Project, error) {
	const op = "project.update_port"
	if err := domain.ValidatePort(port); err != nil {
		return nil, apperr.Validation(op, "%s", err.Error())
	}
	if s.ports.Reserved(port) {
		return nil, apperr.Validation(op, "port %d is reserved", port)
	}

	unlock := s.lock(projectID)
	defer unlock()

	p, err := s.Get(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if p.Status.InProgress() {
		return p, apperr.Conflict(op, "project %s is %s", p.Name, p.Status)
	}
	if p.AssignedPort == port {
		return p, nil
	}
	previous := p.AssignedPort
	wasRunning := p.Status == domain.StatusRunning

	s.allocMu.Lock()
	err = s.claimPort(ctx, p, port)
	s.allocMu.Unlock()
	if err != nil {
		return p, err
	}

	if wasRunning {
		if err := s.containers.Stop(ctx, *p); err != nil {
			s.rollbackPort(ctx, p, previous)
			return p, err
		}
		if err := s.transition(ctx, p, domain.StatusStopped, "port change", nil); err != nil {
			return p, err
		}
	}
	if s.workspaces.Exists(p.WorkingDir) {
		if err := s.writeDescriptor(p); err != nil {
			return p, err
		}
	}
	s.cache.Invalidate(ctx)
	s.logger.Info("project port updated", "project_id", p.ID, "previous_port", previous, "port", port)
	if !wasRunning {
		return p, nil
	}
	return p, s.start(ctx, p)
}

func (s *Service) claimPort(ctx context.Context, p *domain.Project, port int) error {
	const op = "project.update_port"
	free, err := s.ports.IsAvailable(ctx, port, p.ID)
	if err != nil {
		return err
	}
	if !free {
		return apperr.Conflict(op, "port %d is already in use", port)
	}
	if err := s.store.CheckProjectUnique(ctx, repository.UniqueCheck{Port: port, ExcludeID: p.ID}); err != nil {
		return storeError(op, err)
	}
	updated := p.Clone()
	updated.AssignedPort = port
	updated.UpdatedAt = s.now()
	if err := s.store.UpdateProject(ctx, &updated); err != nil {
		return storeError(op, err)
	}
	*p = updated
	return nil
}

func (s *Service) rollbackPort(ctx context.Context, p *domain.Project, port int) {
	restored := p.Clone()
	restored.AssignedPort = port
	if err := s.store.UpdateProject(ctx, &restored); err != nil {
		s.logger.Error("restore port failed", "project_id", p.ID, "port", port, "error", err)
		return
	}
	*p = restored
}

// Delete removes a project's container and soft-deletes its record. The
// working copy is removed only when purge is set.
func (s *Service) Delete(ctx context.Context, projectID string, purge bool) error {
	unlock := s.lock(projectID)
	defer unlock()

	p, err := s.Get(ctx, projectID)
	if err != nil {
		return err
	}
	if err := s.containers.Down(ctx, *p); err != nil {
		s.logger.Error("remove container failed", "project_id", p.ID, "error", err)
		return err
	}
	if err := s.store.SoftDeleteProject(ctx, p.ID, s.now()); err != nil {
		return storeError("project.delete", err)
	}
	s.cache.Invalidate(ctx)
	s.publish(events.TypeProjectDeleted, p, p.Status, "project deleted")
	if purge && p.WorkingDir != "" {
		if err := s.workspaces.Cleanup(p.WorkingDir); err != nil {
			s.logger.Warn("purge working copy failed", "project_id", p.ID, "dir", p.WorkingDir, "error", err)
		}
	}
	s.locks.Delete(p.ID)
	s.logger.Info("project deleted", "project_id", p.ID, "name", p.Name, "purged", purge)
	return nil
}

// transition moves p to status `to` along an allowed edge and persists it.
// mutate may set runtime fields on the update.
func (s *Service) transition(ctx context.Context, p *domain.Project, to domain.Status, reason string, mutate func(*repository.StatusUpdate)) error {
	from := p.Status
	if from != to && !domain.CanTransition(from, to) {
		return apperr.Conflict("project.transition", "project %s cannot move from %s to %s", p.Name, from, to)
	}
	update := repository.StatusUpdate{ProjectID: p.ID, Status: to, UpdatedAt: s.now()}
	if !to.HoldsContainer() {
		update.ContainerID = repository.Ptr("")
	}
	if mutate != nil {
		mutate(&update)
	}
	if err := s.store.UpdateProjectStatus(ctx, update); err != nil {
		return storeError("project.transition", err)
	}
	p.Status = to
	p.UpdatedAt = update.UpdatedAt
	if update.ContainerID != nil {
		p.ContainerID = *update.ContainerID
	}
	if update.LastError != nil {
		p.LastError = *update.LastError
	}
	if update.LastDeployed != nil {
		t := *update.LastDeployed
		p.LastDeployed = &t
	}
	s.cache.Invalidate(ctx)
	if from != to {
		s.logger.Info("project status changed", "project_id", p.ID, "from", from, "to", to)
		s.publishChange(p, from, reason)
	}
	return nil
}

func (s *Service) publishChange(p *domain.Project, from domain.Status, message string) {
	s.events.Publish(events.Event{
		Type:           events.TypeStatusChanged,
		ProjectID:      p.ID,
		ProjectName:    p.Name,
		Status:         p.Status,
		PreviousStatus: from,
		Message:        message,
		OccurredAt:     s.now(),
	})
}

func (s *Service) publish(eventType string, p *domain.Project, status domain.Status, message string) {
	s.events.Publish(events.Event{
		Type:        eventType,
		ProjectID:   p.ID,
		ProjectName: p.Name,
		Status:      status,
		Message:     message,
		OccurredAt:  s.now(),
	})
}

// storeError translates repository sentinels into error kinds.
func storeError(op string, err error) error {
	var conflict *repository.ConflictError
	switch {
	case errors.As(err, &conflict):
		return apperr.Conflict(op, "%s %q is already in use", conflict.Field, conflict.Value)
	case errors.Is(err, repository.ErrNotFound):
		return apperr.NotFound(op, "project not found")
	case errors.Is(err, repository.ErrConflict):
		return apperr.Conflict(op, "project conflicts with an existing project")
	}
	if _, ok := apperr.As(err); ok {
		return err
	}
	return apperr.Wrap(apperr.KindInternal, op, err)
}
