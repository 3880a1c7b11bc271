package httpx

import (
	"sort"
	"time"

	"github.com/splax/hostd/internal/domain"
)

// presentProject renders p for clients. Environment values never leave the
// server; only the variable names are listed.
func presentProject(p *domain.Project) map[string]any {
	if p == nil {
		return nil
	}
	envKeys := make([]string, 0, len(p.Environment))
	for k := range p.Environment {
		envKeys = append(envKeys, k)
	}
	sort.Strings(envKeys)
	out := map[string]any{
		"id":           p.ID,
		"name":         p.Name,
		"domain":       p.Domain,
		"repoUrl":      p.RepoURL,
		"branch":       p.Branch,
		"buildCommand": p.BuildCommand,
		"port":         p.Port,
		"assignedPort": p.AssignedPort,
		"autoPort":     p.AutoPort,
		"type":         p.Type,
		"environment":  envKeys,
		"status":       p.Status,
		"containerId":  p.ContainerID,
		"createdAt":    formatTime(p.CreatedAt),
		"updatedAt":    formatTime(p.UpdatedAt),
	}
	if p.LastError != "" {
		out["lastError"] = p.LastError
	}
	if p.LastDeployed != nil {
		out["lastDeployed"] = formatTime(*p.LastDeployed)
	}
	if p.DeletedAt != nil {
		out["deletedAt"] = formatTime(*p.DeletedAt)
	}
	return out
}

func presentProjects(projects []domain.Project) []map[string]any {
	out := make([]map[string]any, 0, len(projects))
	for i := range projects {
		out = append(out, presentProject(&projects[i]))
	}
	return out
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
