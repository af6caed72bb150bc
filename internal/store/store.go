package store

import (
	"context"

	"prediction-platform/internal/models"
)

// Store is the persistent system of record for module and instance lifecycle
// state. Every worker decision is derived from it, so implementations must make
// transitions atomic per row.
type Store interface {
	Ping(ctx context.Context) error

	CreateModule(ctx context.Context, p CreateModuleParams) (models.Module, error)
	GetModule(ctx context.Context, id string) (models.Module, error)
	GetModuleByName(ctx context.Context, name string) (models.Module, error)
	ListModules(ctx context.Context) ([]models.Module, error)
	DeleteModule(ctx context.Context, id string) error
	// TransitionModule moves a module to status `to` if the state machine
	// allows it from the row's current status, and stamps status_updated_at.
	TransitionModule(ctx context.Context, id string, to models.ModuleStatus, lastErr string) (models.Module, error)

	CreateInstance(ctx context.Context, p CreateInstanceParams) (models.Instance, error)
	GetInstance(ctx context.Context, id string) (models.Instance, error)
	GetInstanceByName(ctx context.Context, name string) (models.Instance, error)
	ListInstances(ctx context.Context) ([]models.Instance, error)
	DeleteInstance(ctx context.Context, id string) error
	// TransitionInstance is TransitionModule for instances; moving to Built
	// stamps completed_at.
	TransitionInstance(ctx context.Context, id string, to models.InstanceStatus, lastErr string) (models.Instance, error)
	// SetContainerStatus records the runtime axis. Running is refused with
	// ErrInvalidTransition unless the instance is Built.
	SetContainerStatus(ctx context.Context, id string, status models.ContainerStatus) error

	AppendAudit(ctx context.Context, kind, entityID, event, detail string) error
	ListAudit(ctx context.Context, kind, entityID string) ([]models.AuditLog, error)
}

// CreateModuleParams collects inputs required to insert a module. New rows
// start Pending.
type CreateModuleParams struct {
	Name             string
	Description      string
	RepositoryURL    string
	ScriptPath       string
	RequirementsPath string
}

// CreateInstanceParams collects inputs required to insert an instance. New
// rows start NotStarted / NotRunning.
type CreateInstanceParams struct {
	InstanceName  string
	ModuleName    string
	RepositoryURL string
	ScriptPath    string
}
