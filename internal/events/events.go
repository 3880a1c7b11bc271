// Package events fans lifecycle events out to in-process handlers and
// streaming subscribers.
package events

import (
	"encoding/json"
	"time"

	"github.com/splax/hostd/internal/domain"
)

// Event types.
const (
	TypeStatusChanged       = "project.status_changed"
	TypeDeploymentCompleted = "deployment.completed"
	TypeDeploymentFailed    = "deployment.failed"
	TypeProjectDeleted      = "project.deleted"
)

// AllProjects is the topic that receives every event.
const AllProjects = "*"

// Event describes a lifecycle change of one project.
type Event struct {
	Type           string        `json:"type"`
	ProjectID      string        `json:"projectId"`
	ProjectName    string        `json:"projectName,omitempty"`
	Status         domain.Status `json:"status,omitempty"`
	PreviousStatus domain.Status `json:"previousStatus,omitempty"`
	Message        string        `json:"message,omitempty"`
	OccurredAt     time.Time     `json:"occurredAt"`
}

// Publisher accepts events.
type Publisher interface {
	Publish(Event)
}

// Marshal encodes the event for the wire.
func (e Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Discard drops every event.
type Discard struct{}

func (Discard) Publish(Event) {}
