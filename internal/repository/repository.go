package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/splax/hostd/internal/domain"
)

// ProjectFilter narrows a project listing.
type ProjectFilter struct {
	Status         domain.Status
	IncludeDeleted bool
	Limit          int
	Offset         int
}

// Key renders the filter as a stable cache key.
func (f ProjectFilter) Key() string {
	return fmt.Sprintf("status=%s:deleted=%t:limit=%d:offset=%d", f.Status, f.IncludeDeleted, f.Limit, f.Offset)
}

// UniqueCheck lists the values that must not collide with another
// non-deleted project. Zero values are not checked.
type UniqueCheck struct {
	Name      string
	Domain    string
	Port      int
	ExcludeID string
}

// StatusUpdate changes a project's status and optional runtime fields.
// Nil pointers leave the stored value untouched.
type StatusUpdate struct {
	ProjectID    string
	Status       domain.Status
	ContainerID  *string
	LastError    *string
	LastDeployed *time.Time
	UpdatedAt    time.Time
}

// ProjectRepository persists projects. Implementations enforce name, domain
// and assigned port uniqueness among non-deleted projects.
type ProjectRepository interface {
	CreateProject(ctx context.Context, project *domain.Project) error
	GetProjectByID(ctx context.Context, projectID string) (*domain.Project, error)
	GetProjectByName(ctx context.Context, name string) (*domain.Project, error)
	ListProjects(ctx context.Context, filter ProjectFilter) ([]domain.Project, error)
	UpdateProject(ctx context.Context, project *domain.Project) error
	UpdateProjectStatus(ctx context.Context, update StatusUpdate) error
	CheckProjectUnique(ctx context.Context, check UniqueCheck) error
	AssignedPorts(ctx context.Context) (map[int]string, error)
	SoftDeleteProject(ctx context.Context, projectID string, at time.Time) error
}

// Ptr returns a pointer to v, for StatusUpdate fields.
func Ptr[T any](v T) *T { return &v }
