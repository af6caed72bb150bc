// Package memory is an in-process implementation of store.Store with the same
// transition rules as the Postgres store. It backs unit tests and
// single-process development setups.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"prediction-platform/internal/models"
	"prediction-platform/internal/store"
)

type Store struct {
	mu        sync.Mutex
	modules   map[string]models.Module
	instances map[string]models.Instance
	audit     []models.AuditLog
	now       func() time.Time
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		modules:   make(map[string]models.Module),
		instances: make(map[string]models.Instance),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) CreateModule(_ context.Context, p store.CreateModuleParams) (models.Module, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.modules {
		if m.Name == p.Name {
			return models.Module{}, fmt.Errorf("module %q: %w", p.Name, models.ErrDuplicate)
		}
	}
	m := models.Module{
		ID:               uuid.New().String(),
		Name:             p.Name,
		Description:      p.Description,
		Status:           models.ModulePending,
		RepositoryURL:    p.RepositoryURL,
		ScriptPath:       p.ScriptPath,
		RequirementsPath: p.RequirementsPath,
		CreatedAt:        s.now(),
	}
	s.modules[m.ID] = m
	return m, nil
}

func (s *Store) GetModule(_ context.Context, id string) (models.Module, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.modules[id]
	if !ok {
		return models.Module{}, fmt.Errorf("module %s: %w", id, models.ErrNotFound)
	}
	return m, nil
}

func (s *Store) GetModuleByName(_ context.Context, name string) (models.Module, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.modules {
		if m.Name == name {
			return m, nil
		}
	}
	return models.Module{}, fmt.Errorf("module %s: %w", name, models.ErrNotFound)
}

func (s *Store) ListModules(context.Context) ([]models.Module, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Module, 0, len(s.modules))
	for _, m := range s.modules {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) DeleteModule(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.modules[id]; !ok {
		return fmt.Errorf("module %s: %w", id, models.ErrNotFound)
	}
	delete(s.modules, id)
	return nil
}

func (s *Store) TransitionModule(_ context.Context, id string, to models.ModuleStatus, lastErr string) (models.Module, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.modules[id]
	if !ok {
		return models.Module{}, fmt.Errorf("module %s: %w", id, models.ErrNotFound)
	}
	if !models.CanTransitionModule(m.Status, to) {
		return models.Module{}, fmt.Errorf("module %s %s -> %s: %w", id, m.Status, to, models.ErrInvalidTransition)
	}
	now := s.now()
	m.Status = to
	m.LastError = nilIfEmpty(lastErr)
	m.StatusUpdatedAt = &now
	s.modules[id] = m
	return m, nil
}

func (s *Store) CreateInstance(_ context.Context, p store.CreateInstanceParams) (models.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, inst := range s.instances {
		if inst.InstanceName == p.InstanceName {
			return models.Instance{}, fmt.Errorf("instance %q: %w", p.InstanceName, models.ErrDuplicate)
		}
	}
	inst := models.Instance{
		ID:              uuid.New().String(),
		InstanceName:    p.InstanceName,
		ModuleName:      p.ModuleName,
		Status:          models.InstanceNotStarted,
		ContainerStatus: models.ContainerNotRunning,
		RepositoryURL:   p.RepositoryURL,
		ScriptPath:      p.ScriptPath,
		CreatedAt:       s.now(),
	}
	s.instances[inst.ID] = inst
	return inst, nil
}

func (s *Store) GetInstance(_ context.Context, id string) (models.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[id]
	if !ok {
		return models.Instance{}, fmt.Errorf("instance %s: %w", id, models.ErrNotFound)
	}
	return inst, nil
}

func (s *Store) GetInstanceByName(_ context.Context, name string) (models.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, inst := range s.instances {
		if inst.InstanceName == name {
			return inst, nil
		}
	}
	return models.Instance{}, fmt.Errorf("instance %s: %w", name, models.ErrNotFound)
}

func (s *Store) ListInstances(context.Context) ([]models.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Instance, 0, len(s.instances))
	for _, inst := range s.instances {
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) DeleteInstance(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.instances[id]; !ok {
		return fmt.Errorf("instance %s: %w", id, models.ErrNotFound)
	}
	delete(s.instances, id)
	return nil
}

func (s *Store) TransitionInstance(_ context.Context, id string, to models.InstanceStatus, lastErr string) (models.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[id]
	if !ok {
		return models.Instance{}, fmt.Errorf("instance %s: %w", id, models.ErrNotFound)
	}
	if !models.CanTransitionInstance(inst.Status, to) {
		return models.Instance{}, fmt.Errorf("instance %s %s -> %s: %w", id, inst.Status, to, models.ErrInvalidTransition)
	}
	inst.Status = to
	inst.LastError = nilIfEmpty(lastErr)
	if to == models.InstanceBuilt {
		now := s.now()
		inst.CompletedAt = &now
	}
	s.instances[id] = inst
	return inst, nil
}

func (s *Store) SetContainerStatus(_ context.Context, id string, status models.ContainerStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[id]
	if !ok {
		return fmt.Errorf("instance %s: %w", id, models.ErrNotFound)
	}
	if status == models.ContainerRunning && inst.Status != models.InstanceBuilt {
		return fmt.Errorf("instance %s container %s: %w", id, status, models.ErrInvalidTransition)
	}
	inst.ContainerStatus = status
	s.instances[id] = inst
	return nil
}

func (s *Store) AppendAudit(_ context.Context, kind, entityID, event, detail string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit = append(s.audit, models.AuditLog{
		EntityKind: kind,
		EntityID:   entityID,
		Event:      event,
		Detail:     detail,
		Recorded:   s.now(),
	})
	return nil
}

func (s *Store) ListAudit(_ context.Context, kind, entityID string) ([]models.AuditLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.AuditLog
	for _, a := range s.audit {
		if a.EntityKind == kind && a.EntityID == entityID {
			out = append(out, a)
		}
	}
	return out, nil
}

func nilIfEmpty(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
