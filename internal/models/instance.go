package models

import "time"

// InstanceStatus enumerates the build lifecycle of an instance.
type InstanceStatus string

const (
	InstanceNotStarted InstanceStatus = "not_started"
	InstanceQueued     InstanceStatus = "queued"
	InstanceBuilt      InstanceStatus = "built"
	InstanceFailed     InstanceStatus = "failed"
)

// ContainerStatus is the runtime axis of an instance. It is informational:
// liveness is always re-checked against the container engine.
type ContainerStatus string

const (
	ContainerNotRunning ContainerStatus = "not_running"
	ContainerRunning    ContainerStatus = "running"
)

var instanceTransitions = map[InstanceStatus][]InstanceStatus{
	InstanceNotStarted: {InstanceQueued, InstanceFailed},
	InstanceQueued:     {InstanceBuilt, InstanceFailed},
	InstanceBuilt:      {InstanceBuilt},
	InstanceFailed:     {},
}

// CanTransitionInstance reports whether from→to is an allowed instance transition.
func CanTransitionInstance(from, to InstanceStatus) bool {
	for _, s := range instanceTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Instance is a named, runnable specialization of a module.
type Instance struct {
	ID              string          `json:"id"`
	InstanceName    string          `json:"instance_name"`
	ModuleName      string          `json:"module_name"`
	Status          InstanceStatus  `json:"status"`
	ContainerStatus ContainerStatus `json:"container_status"`
	RepositoryURL   string          `json:"repository_url"`
	ScriptPath      string          `json:"script_path"`
	LastError       *string         `json:"last_error,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
}

// Activatable reports whether the instance may serve activation requests.
func (i Instance) Activatable() bool {
	return i.Status == InstanceBuilt
}
