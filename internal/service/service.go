// Package service holds the synchronous use cases behind the HTTP surface:
// registering modules, creating instances and resubmitting failed builds.
package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"prediction-platform/internal/artifact"
	"prediction-platform/internal/models"
	"prediction-platform/internal/repofetch"
	"prediction-platform/internal/store"
	"prediction-platform/internal/telemetry"
)

// Publisher enqueues work items.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload any) (string, error)
}

type Service struct {
	store   store.Store
	fetcher repofetch.Fetcher
	stager  artifact.Stager
	pub     Publisher
	log     zerolog.Logger
}

func New(st store.Store, f repofetch.Fetcher, sg artifact.Stager, pub Publisher, log zerolog.Logger) *Service {
	return &Service{store: st, fetcher: f, stager: sg, pub: pub, log: log}
}

// UploadModuleRequest registers a module from files in a source repository.
type UploadModuleRequest struct {
	ModuleName       string `json:"module_name"`
	Description      string `json:"module_description"`
	RepositoryURL    string `json:"github_url"`
	ScriptFile       string `json:"module_file_name"`
	RequirementsFile string `json:"requirements_file"`
}

func (r UploadModuleRequest) Validate() error {
	if err := models.ValidateName("module_name", r.ModuleName); err != nil {
		return err
	}
	switch {
	case r.RepositoryURL == "":
		return models.Validationf("github_url is required")
	case r.ScriptFile == "":
		return models.Validationf("module_file_name is required")
	case r.RequirementsFile == "":
		return models.Validationf("requirements_file is required")
	}
	return nil
}

// CreateInstanceRequest creates a named instance of a Done module.
type CreateInstanceRequest struct {
	InstanceName  string `json:"instance_name"`
	ModuleName    string `json:"module_name"`
	RepositoryURL string `json:"github_url"`
	ScriptFile    string `json:"file_name"`
}

func (r CreateInstanceRequest) Validate() error {
	if err := models.ValidateName("instance_name", r.InstanceName); err != nil {
		return err
	}
	if err := models.ValidateName("module_name", r.ModuleName); err != nil {
		return err
	}
	switch {
	case r.RepositoryURL == "":
		return models.Validationf("github_url is required")
	case r.ScriptFile == "":
		return models.Validationf("file_name is required")
	}
	_, err := repofetch.CleanPath(r.ScriptFile)
	return err
}

// UploadModule validates the request, fetches the module files, stages them
// and queues the build. Every rejection happens before anything is published.
func (s *Service) UploadModule(ctx context.Context, req UploadModuleRequest) (models.Module, error) {
	if err := req.Validate(); err != nil {
		return models.Module{}, err
	}
	if _, err := s.store.GetModuleByName(ctx, req.ModuleName); err == nil {
		return models.Module{}, fmt.Errorf("module %q: %w", req.ModuleName, models.ErrDuplicate)
	} else if !errors.Is(err, models.ErrNotFound) {
		return models.Module{}, models.Transient("lookup module", err)
	}

	script, err := s.fetch(ctx, req.RepositoryURL, req.ScriptFile)
	if err != nil {
		return models.Module{}, err
	}
	requirements, err := s.fetch(ctx, req.RepositoryURL, req.RequirementsFile)
	if err != nil {
		return models.Module{}, err
	}

	m, err := s.store.CreateModule(ctx, store.CreateModuleParams{
		Name:             req.ModuleName,
		Description:      req.Description,
		RepositoryURL:    req.RepositoryURL,
		ScriptPath:       req.ScriptFile,
		RequirementsPath: req.RequirementsFile,
	})
	if err != nil {
		if errors.Is(err, models.ErrValidation) {
			return models.Module{}, err
		}
		return models.Module{}, models.Transient("create module", err)
	}
	log := s.log.With().Str("module", m.Name).Str("module_id", m.ID).Logger()

	if err := s.stage(ctx, m.Name, script, requirements); err != nil {
		s.discardModule(ctx, log, m)
		return models.Module{}, models.Transient("stage artifacts", err)
	}
	queued, err := s.store.TransitionModule(ctx, m.ID, models.ModuleQueued, "")
	if err != nil {
		s.discardModule(ctx, log, m)
		return models.Module{}, models.Transient("queue module", err)
	}
	m = queued
	item := models.ModuleBuildItem{
		CorrelationID: m.ID,
		ModuleID:      m.ID,
		ModuleName:    m.Name,
		Script:        string(script),
		Requirements:  string(requirements),
	}
	if _, err := s.pub.Publish(ctx, models.ChannelModuleBuild, item); err != nil {
		s.discardModule(ctx, log, m)
		return models.Module{}, models.Transient("publish module build", err)
	}

	s.audit(ctx, models.EntityModule, m.ID, "queued", req.RepositoryURL)
	telemetry.ModuleUploads.Inc()
	log.Info().Msg("module queued for build")
	return m, nil
}

// CreateInstance checks that the module is Done and the name is free, then
// queues the instance build.
func (s *Service) CreateInstance(ctx context.Context, req CreateInstanceRequest) (models.Instance, error) {
	if err := req.Validate(); err != nil {
		return models.Instance{}, err
	}
	m, err := s.store.GetModuleByName(ctx, req.ModuleName)
	if errors.Is(err, models.ErrNotFound) {
		return models.Instance{}, models.Validationf("module %q does not exist", req.ModuleName)
	}
	if err != nil {
		return models.Instance{}, models.Transient("lookup module", err)
	}
	if m.Status != models.ModuleDone {
		return models.Instance{}, models.Validationf("module %q is %s; instances need a done module", m.Name, m.Status)
	}
	if _, err := s.store.GetInstanceByName(ctx, req.InstanceName); err == nil {
		return models.Instance{}, fmt.Errorf("instance %q: %w", req.InstanceName, models.ErrDuplicate)
	} else if !errors.Is(err, models.ErrNotFound) {
		return models.Instance{}, models.Transient("lookup instance", err)
	}

	inst, err := s.store.CreateInstance(ctx, store.CreateInstanceParams{
		InstanceName:  req.InstanceName,
		ModuleName:    m.Name,
		RepositoryURL: req.RepositoryURL,
		ScriptPath:    req.ScriptFile,
	})
	if err != nil {
		if errors.Is(err, models.ErrValidation) {
			return models.Instance{}, err
		}
		return models.Instance{}, models.Transient("create instance", err)
	}
	log := s.log.With().Str("instance", inst.InstanceName).Str("instance_id", inst.ID).Logger()

	queued, err := s.store.TransitionInstance(ctx, inst.ID, models.InstanceQueued, "")
	if err != nil {
		s.discardInstance(ctx, log, inst)
		return models.Instance{}, models.Transient("queue instance", err)
	}
	inst = queued
	item := models.InstanceBuildItem{
		CorrelationID: inst.ID,
		InstanceID:    inst.ID,
		InstanceName:  inst.InstanceName,
		ModuleName:    inst.ModuleName,
		RepositoryURL: inst.RepositoryURL,
		ScriptPath:    inst.ScriptPath,
	}
	if _, err := s.pub.Publish(ctx, models.ChannelInstanceBuild, item); err != nil {
		s.discardInstance(ctx, log, inst)
		return models.Instance{}, models.Transient("publish instance build", err)
	}

	s.audit(ctx, models.EntityInstance, inst.ID, "queued", inst.ModuleName)
	telemetry.InstanceCreations.Inc()
	log.Info().Msg("instance queued for build")
	return inst, nil
}

// ResubmitModule requeues a Failed module from its staged artifacts.
func (s *Service) ResubmitModule(ctx context.Context, name string) (models.Module, error) {
	m, err := s.store.GetModuleByName(ctx, name)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return models.Module{}, err
		}
		return models.Module{}, models.Transient("lookup module", err)
	}
	if m.Status != models.ModuleFailed {
		return models.Module{}, fmt.Errorf("module %s is %s; only failed modules can be resubmitted: %w", name, m.Status, models.ErrInvalidTransition)
	}

	script, err := s.stager.Get(ctx, models.ModuleScriptKey(name))
	if err != nil {
		return models.Module{}, stagedErr(err)
	}
	requirements, err := s.stager.Get(ctx, models.ModuleRequirementsKey(name))
	if err != nil {
		return models.Module{}, stagedErr(err)
	}

	if m, err = s.store.TransitionModule(ctx, m.ID, models.ModuleQueued, ""); err != nil {
		if errors.Is(err, models.ErrInvalidTransition) {
			return models.Module{}, err
		}
		return models.Module{}, models.Transient("queue module", err)
	}
	item := models.ModuleBuildItem{
		CorrelationID: m.ID,
		ModuleID:      m.ID,
		ModuleName:    m.Name,
		Script:        string(script),
		Requirements:  string(requirements),
	}
	if _, err := s.pub.Publish(ctx, models.ChannelModuleBuild, item); err != nil {
		if _, terr := s.store.TransitionModule(context.WithoutCancel(ctx), m.ID, models.ModuleFailed, "resubmission could not be queued"); terr != nil {
			s.log.Error().Err(terr).Str("module", name).Msg("restore failed status")
		}
		return models.Module{}, models.Transient("publish module build", err)
	}
	s.audit(ctx, models.EntityModule, m.ID, "resubmitted", "")
	telemetry.ModuleUploads.Inc()
	return m, nil
}

func (s *Service) GetModule(ctx context.Context, name string) (models.Module, error) {
	return s.store.GetModuleByName(ctx, name)
}

func (s *Service) ListModules(ctx context.Context) ([]models.Module, error) {
	return s.store.ListModules(ctx)
}

func (s *Service) GetInstance(ctx context.Context, name string) (models.Instance, error) {
	return s.store.GetInstanceByName(ctx, name)
}

func (s *Service) ListInstances(ctx context.Context) ([]models.Instance, error) {
	return s.store.ListInstances(ctx)
}

// ModuleEvents returns the audit trail of a module.
func (s *Service) ModuleEvents(ctx context.Context, name string) ([]models.AuditLog, error) {
	m, err := s.store.GetModuleByName(ctx, name)
	if err != nil {
		return nil, err
	}
	return s.store.ListAudit(ctx, models.EntityModule, m.ID)
}

// InstanceEvents returns the audit trail of an instance.
func (s *Service) InstanceEvents(ctx context.Context, name string) ([]models.AuditLog, error) {
	inst, err := s.store.GetInstanceByName(ctx, name)
	if err != nil {
		return nil, err
	}
	return s.store.ListAudit(ctx, models.EntityInstance, inst.ID)
}

func (s *Service) fetch(ctx context.Context, repoURL, file string) ([]byte, error) {
	body, err := s.fetcher.Fetch(ctx, repoURL, file)
	switch {
	case err == nil:
		return body, nil
	case errors.Is(err, repofetch.ErrFileNotFound):
		return nil, models.Validationf("file %q does not exist in %s", file, repoURL)
	case errors.Is(err, models.ErrValidation):
		return nil, err
	default:
		return nil, models.Transient("fetch "+file, err)
	}
}

func (s *Service) stage(ctx context.Context, module string, script, requirements []byte) error {
	if err := s.stager.Put(ctx, models.ModuleScriptKey(module), script); err != nil {
		return err
	}
	return s.stager.Put(ctx, models.ModuleRequirementsKey(module), requirements)
}

func stagedErr(err error) error {
	if errors.Is(err, artifact.ErrNotFound) {
		return models.Validationf("staged artifacts are missing; upload the module again")
	}
	return models.Transient("read staged artifacts", err)
}

func (s *Service) discardModule(ctx context.Context, log zerolog.Logger, m models.Module) {
	if err := s.store.DeleteModule(context.WithoutCancel(ctx), m.ID); err != nil {
		log.Error().Err(err).Msg("discard unqueued module")
	}
}

func (s *Service) discardInstance(ctx context.Context, log zerolog.Logger, inst models.Instance) {
	if err := s.store.DeleteInstance(context.WithoutCancel(ctx), inst.ID); err != nil {
		log.Error().Err(err).Msg("discard unqueued instance")
	}
}

func (s *Service) audit(ctx context.Context, kind, id, event, detail string) {
	if err := s.store.AppendAudit(ctx, kind, id, event, detail); err != nil {
		s.log.Warn().Err(err).Str("event", event).Msg("audit append failed")
	}
}
