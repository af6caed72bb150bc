package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"prediction-platform/internal/models"
	"prediction-platform/internal/store"
)

func TestModuleLifecycle(t *testing.T) {
	ctx := context.Background()
	s := New()

	m, err := s.CreateModule(ctx, store.CreateModuleParams{Name: "m1", Description: "sum"})
	require.NoError(t, err)
	assert.Equal(t, models.ModulePending, m.Status)
	assert.Nil(t, m.StatusUpdatedAt)

	_, err = s.CreateModule(ctx, store.CreateModuleParams{Name: "m1"})
	assert.ErrorIs(t, err, models.ErrDuplicate)

	_, err = s.TransitionModule(ctx, m.ID, models.ModuleDone, "")
	assert.ErrorIs(t, err, models.ErrInvalidTransition)

	m, err = s.TransitionModule(ctx, m.ID, models.ModuleQueued, "")
	require.NoError(t, err)
	m, err = s.TransitionModule(ctx, m.ID, models.ModuleDone, "")
	require.NoError(t, err)
	require.NotNil(t, m.StatusUpdatedAt)

	// replayed build item
	_, err = s.TransitionModule(ctx, m.ID, models.ModuleDone, "")
	require.NoError(t, err)

	all, err := s.ListModules(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	_, err = s.GetModule(ctx, "missing")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestContainerStatusRequiresBuilt(t *testing.T) {
	ctx := context.Background()
	s := New()

	inst, err := s.CreateInstance(ctx, store.CreateInstanceParams{InstanceName: "i1", ModuleName: "m1"})
	require.NoError(t, err)
	assert.Equal(t, models.ContainerNotRunning, inst.ContainerStatus)

	err = s.SetContainerStatus(ctx, inst.ID, models.ContainerRunning)
	assert.ErrorIs(t, err, models.ErrInvalidTransition)

	_, err = s.TransitionInstance(ctx, inst.ID, models.InstanceQueued, "")
	require.NoError(t, err)
	inst, err = s.TransitionInstance(ctx, inst.ID, models.InstanceBuilt, "")
	require.NoError(t, err)
	require.NotNil(t, inst.CompletedAt)

	require.NoError(t, s.SetContainerStatus(ctx, inst.ID, models.ContainerRunning))
	got, err := s.GetInstanceByName(ctx, "i1")
	require.NoError(t, err)
	assert.Equal(t, models.ContainerRunning, got.ContainerStatus)

	assert.ErrorIs(t, s.SetContainerStatus(ctx, "nope", models.ContainerNotRunning), models.ErrNotFound)
}

func TestAudit(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.AppendAudit(ctx, models.EntityModule, "a", "queued", ""))
	require.NoError(t, s.AppendAudit(ctx, models.EntityModule, "b", "queued", ""))
	require.NoError(t, s.AppendAudit(ctx, models.EntityModule, "a", "done", "tag"))

	logs, err := s.ListAudit(ctx, models.EntityModule, "a")
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, "done", logs[1].Event)
}
