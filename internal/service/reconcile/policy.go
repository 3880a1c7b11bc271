package reconcile

import (
	"time"

	"github.com/splax/hostd/internal/domain"
)

// Observation is what the container runtime reported for a project.
type Observation struct {
	Running bool
	// Err is set when the runtime could not be queried.
	Err error
}

// ExpectedStatus derives the status a project should have from what was
// observed. A project whose container runs is running. A deployment that
// has not produced a running container is left alone until DeployTimeout
// and marked error after it. Anything else without a running container is
// stopped; a former error keeps its LastError. When the
// runtime cannot be queried only deployments stuck past StuckTimeout change.
func ExpectedStatus(p domain.Project, obs Observation, now time.Time, cfg Config) domain.Status {
	age := now.Sub(p.UpdatedAt)
	if obs.Err != nil {
		if p.Status.InProgress() && age > cfg.StuckTimeout {
			return domain.StatusError
		}
		return p.Status
	}
	switch {
	case obs.Running:
		return domain.StatusRunning
	case p.Status.InProgress():
		if age > cfg.DeployTimeout {
			return domain.StatusError
		}
		return p.Status
	default:
		return domain.StatusStopped
	}
}
