// Package memory is an in-process ProjectRepository used for single-node
// setups without postgres and in tests.
package memory

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/splax/hostd/internal/domain"
	"github.com/splax/hostd/internal/repository"
)

// Repository keeps projects in a map guarded by a mutex.
type Repository struct {
	mu       sync.RWMutex
	projects map[string]domain.Project
}

// New returns an empty Repository.
func New() *Repository {
	return &Repository{projects: make(map[string]domain.Project)}
}

var _ repository.ProjectRepository = (*Repository)(nil)

// CreateProject inserts a project after checking uniqueness.
func (r *Repository) CreateProject(_ context.Context, project *domain.Project) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.projects[project.ID]; exists {
		return &repository.ConflictError{Field: "id", Value: project.ID}
	}
	if err := r.checkLocked(repository.UniqueCheck{Name: project.Name, Domain: project.Domain, Port: project.AssignedPort}); err != nil {
		return err
	}
	r.projects[project.ID] = project.Clone()
	return nil
}

// GetProjectByID fetches a non-deleted project.
func (r *Repository) GetProjectByID(_ context.Context, projectID string) (*domain.Project, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.projects[projectID]
	if !ok || p.Deleted() {
		return nil, repository.ErrNotFound
	}
	out := p.Clone()
	return &out, nil
}

// GetProjectByName fetches a non-deleted project by name.
func (r *Repository) GetProjectByName(_ context.Context, name string) (*domain.Project, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.projects {
		if p.Name == name && !p.Deleted() {
			out := p.Clone()
			return &out, nil
		}
	}
	return nil, repository.ErrNotFound
}

// ListProjects returns projects ordered by creation time, newest first.
func (r *Repository) ListProjects(_ context.Context, filter repository.ProjectFilter) ([]domain.Project, error) {
	r.mu.RLock()
	out := make([]domain.Project, 0, len(r.projects))
	for _, p := range r.projects {
		if p.Deleted() && !filter.IncludeDeleted {
			continue
		}
		if filter.Status != "" && p.Status != filter.Status {
			continue
		}
		out = append(out, p.Clone())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return []domain.Project{}, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(out) {
		out = out[:filter.Limit]
	}
	return out, nil
}

// UpdateProject replaces the stored project.
func (r *Repository) UpdateProject(_ context.Context, project *domain.Project) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.projects[project.ID]
	if !ok || existing.Deleted() {
		return repository.ErrNotFound
	}
	if err := r.checkLocked(repository.UniqueCheck{
		Name:      project.Name,
		Domain:    project.Domain,
		Port:      project.AssignedPort,
		ExcludeID: project.ID,
	}); err != nil {
		return err
	}
	r.projects[project.ID] = project.Clone()
	return nil
}

// UpdateProjectStatus applies a status update. Applying the same update twice
// leaves the record unchanged.
func (r *Repository) UpdateProjectStatus(_ context.Context, update repository.StatusUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.projects[update.ProjectID]
	if !ok || p.Deleted() {
		return repository.ErrNotFound
	}
	changed := p.Status != update.Status
	p.Status = update.Status
	if update.ContainerID != nil && p.ContainerID != *update.ContainerID {
		p.ContainerID = *update.ContainerID
		changed = true
	}
	if update.LastError != nil && p.LastError != *update.LastError {
		p.LastError = *update.LastError
		changed = true
	}
	if update.LastDeployed != nil && (p.LastDeployed == nil || !p.LastDeployed.Equal(*update.LastDeployed)) {
		t := *update.LastDeployed
		p.LastDeployed = &t
		changed = true
	}
	if !changed {
		return nil
	}
	if update.UpdatedAt.IsZero() {
		update.UpdatedAt = time.Now().UTC()
	}
	p.UpdatedAt = update.UpdatedAt
	r.projects[p.ID] = p
	return nil
}

// CheckProjectUnique reports the first colliding field as a *ConflictError.
func (r *Repository) CheckProjectUnique(_ context.Context, check repository.UniqueCheck) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.checkLocked(check)
}

// AssignedPorts maps each assigned port to its project id.
func (r *Repository) AssignedPorts(_ context.Context) (map[int]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[int]string, len(r.projects))
	for _, p := range r.projects {
		if p.Deleted() || p.AssignedPort == 0 {
			continue
		}
		out[p.AssignedPort] = p.ID
	}
	return out, nil
}

// SoftDeleteProject marks a project deleted and releases its port.
func (r *Repository) SoftDeleteProject(_ context.Context, projectID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.projects[projectID]
	if !ok || p.Deleted() {
		return repository.ErrNotFound
	}
	p.DeletedAt = &at
	p.UpdatedAt = at
	p.ContainerID = ""
	p.Status = domain.StatusStopped
	r.projects[projectID] = p
	return nil
}

func (r *Repository) checkLocked(check repository.UniqueCheck) error {
	for _, p := range r.projects {
		if p.Deleted() || p.ID == check.ExcludeID {
			continue
		}
		switch {
		case check.Name != "" && p.Name == check.Name:
			return &repository.ConflictError{Field: "name", Value: check.Name}
		case check.Domain != "" && p.Domain == check.Domain:
			return &repository.ConflictError{Field: "domain", Value: check.Domain}
		case check.Port != 0 && p.AssignedPort == check.Port:
			return &repository.ConflictError{Field: "port", Value: strconv.Itoa(check.Port)}
		}
	}
	return nil
}
