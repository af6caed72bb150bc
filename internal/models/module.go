package models

import (
	"fmt"
	"regexp"
	"time"
)

// ModuleStatus enumerates the build lifecycle of a module persisted in Postgres.
type ModuleStatus string

const (
	ModulePending ModuleStatus = "pending"
	ModuleQueued  ModuleStatus = "queued"
	ModuleDone    ModuleStatus = "done"
	ModuleFailed  ModuleStatus = "failed"
)

// moduleTransitions is the module state machine. Done→Done covers redelivered
// build items; Failed→Queued is only reached through explicit resubmission.
var moduleTransitions = map[ModuleStatus][]ModuleStatus{
	ModulePending: {ModuleQueued, ModuleFailed},
	ModuleQueued:  {ModuleDone, ModuleFailed},
	ModuleDone:    {ModuleDone},
	ModuleFailed:  {ModuleQueued},
}

// CanTransitionModule reports whether from→to is an allowed module transition.
func CanTransitionModule(from, to ModuleStatus) bool {
	for _, s := range moduleTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Module is a registered, buildable unit of prediction logic.
type Module struct {
	ID               string       `json:"id"`
	Name             string       `json:"name"`
	Description      string       `json:"description"`
	Status           ModuleStatus `json:"status"`
	RepositoryURL    string       `json:"repository_url"`
	ScriptPath       string       `json:"script_path"`
	RequirementsPath string       `json:"requirements_path"`
	LastError        *string      `json:"last_error,omitempty"`
	CreatedAt        time.Time    `json:"created_at"`
	StatusUpdatedAt  *time.Time   `json:"status_updated_at,omitempty"`
}

// AuditLog is a lifecycle event recorded against a module or instance.
type AuditLog struct {
	EntityKind string    `json:"entity_kind"`
	EntityID   string    `json:"entity_id"`
	Event      string    `json:"event"`
	Detail     string    `json:"detail"`
	Recorded   time.Time `json:"recorded_at"`
}

const (
	EntityModule   = "module"
	EntityInstance = "instance"
)

// Names end up in image references, container names and exchange directories,
// so they are restricted to the intersection of what all three accept.
var namePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_.-]{0,62}$`)

// ValidateName checks a module or instance name.
func ValidateName(field, name string) error {
	if name == "" {
		return Validationf("%s is required", field)
	}
	if !namePattern.MatchString(name) {
		return Validationf("%s %q must be lowercase alphanumeric (with . _ -), at most 63 characters", field, name)
	}
	return nil
}

// ModuleScriptKey is the artifact key of a module's staged build script.
func ModuleScriptKey(module string) string {
	return fmt.Sprintf("modules/%s/script.py", module)
}

// ModuleRequirementsKey is the artifact key of a module's staged dependency manifest.
func ModuleRequirementsKey(module string) string {
	return fmt.Sprintf("modules/%s/requirements.txt", module)
}
