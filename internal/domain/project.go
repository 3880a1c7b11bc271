package domain

import (
	"maps"
	"time"
)

// ProjectType drives the default container port of a project.
type ProjectType string

const (
	TypeWeb    ProjectType = "web"
	TypeAPI    ProjectType = "api"
	TypeWorker ProjectType = "worker"
	TypeStatic ProjectType = "static"
)

// DefaultPort returns the conventional port for the project type.
func (t ProjectType) DefaultPort() int {
	switch t {
	case TypeAPI:
		return 8000
	case TypeWorker:
		return 9000
	case TypeStatic:
		return 8080
	default:
		return 3000
	}
}

// Valid reports whether t is one of the known project types.
func (t ProjectType) Valid() bool {
	switch t {
	case TypeWeb, TypeAPI, TypeWorker, TypeStatic:
		return true
	}
	return false
}

// DefaultBranch is used when a deploy request leaves the branch empty.
const DefaultBranch = "main"

// Project describes a deployable unit managed by hostd.
type Project struct {
	ID           string
	Name         string
	Domain       string
	RepoURL      string
	Branch       string
	BuildCommand string
	// Port is the declared port the application listens on inside its container.
	Port int
	// AssignedPort is the host port published for the container.
	AssignedPort int
	AutoPort     bool
	Type         ProjectType
	Environment  map[string]string
	Status       Status
	ContainerID  string
	WorkingDir   string
	LastDeployed *time.Time
	LastError    string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	DeletedAt    *time.Time
}

// Clone returns a deep copy safe to hand to another goroutine.
func (p Project) Clone() Project {
	out := p
	out.Environment = maps.Clone(p.Environment)
	if p.LastDeployed != nil {
		t := *p.LastDeployed
		out.LastDeployed = &t
	}
	if p.DeletedAt != nil {
		t := *p.DeletedAt
		out.DeletedAt = &t
	}
	return out
}

// Redacted returns a deep copy whose environment keeps its keys but not its
// values.
func (p Project) Redacted() Project {
	out := p.Clone()
	for k := range out.Environment {
		out.Environment[k] = ""
	}
	return out
}

// Deleted reports whether the project has been soft deleted.
func (p Project) Deleted() bool { return p.DeletedAt != nil }

// ContainerName is the docker container name used for the project.
func (p Project) ContainerName() string { return "hostd-" + p.Name }

// ComposeProject is the docker compose project name used for the project.
func (p Project) ComposeProject() string { return "hostd-" + p.Name }
