package domain

// Status is the lifecycle state of a project.
type Status string

const (
	StatusStopped   Status = "stopped"
	StatusDeploying Status = "deploying"
	StatusBuilding  Status = "building"
	StatusRunning   Status = "running"
	StatusError     Status = "error"
)

var transitions = map[Status][]Status{
	StatusStopped:   {StatusDeploying},
	StatusDeploying: {StatusBuilding, StatusRunning, StatusError, StatusStopped},
	StatusBuilding:  {StatusRunning, StatusError, StatusStopped},
	StatusRunning:   {StatusStopped, StatusDeploying, StatusError},
	StatusError:     {StatusDeploying, StatusStopped},
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// InProgress reports whether a deployment cycle is underway.
func (s Status) InProgress() bool {
	return s == StatusDeploying || s == StatusBuilding
}

// HoldsContainer reports whether a container id may be recorded in status s.
func (s Status) HoldsContainer() bool {
	return s == StatusRunning || s == StatusError
}

// CanTransition reports whether the lifecycle allows moving from one status to another.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
