package service

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"prediction-platform/internal/artifact"
	"prediction-platform/internal/models"
	"prediction-platform/internal/queue"
	"prediction-platform/internal/repofetch"
	"prediction-platform/internal/store/memory"
)

type brokenPublisher struct{}

func (brokenPublisher) Publish(context.Context, string, any) (string, error) {
	return "", errors.New("dial tcp: connection refused")
}

// stuckStore fails every status change, as a dropped database connection would.
type stuckStore struct {
	*memory.Store
}

func (stuckStore) TransitionModule(context.Context, string, models.ModuleStatus, string) (models.Module, error) {
	return models.Module{}, errors.New("conn closed")
}

func (stuckStore) TransitionInstance(context.Context, string, models.InstanceStatus, string) (models.Instance, error) {
	return models.Instance{}, errors.New("conn closed")
}

type fixture struct {
	st     *memory.Store
	q      *queue.RedisQueue
	stager *artifact.LocalStager
	svc    *Service
	repo   string
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	q := queue.NewRedisQueueWithClient(client, time.Minute)

	repo := t.TempDir()
	for name, body := range map[string]string{
		"train.py":         "print('train')",
		"requirements.txt": "numpy\n",
		"predict.py":       "print('predict')",
	} {
		require.NoError(t, os.WriteFile(filepath.Join(repo, name), []byte(body), 0o644))
	}

	st := memory.New()
	stager := &artifact.LocalStager{BaseDir: t.TempDir()}
	return fixture{
		st:     st,
		q:      q,
		stager: stager,
		svc:    New(st, &repofetch.DirFetcher{}, stager, q, zerolog.Nop()),
		repo:   "file://" + filepath.ToSlash(repo),
	}
}

func (f fixture) uploadReq(name string) UploadModuleRequest {
	return UploadModuleRequest{
		ModuleName:       name,
		Description:      "test module",
		RepositoryURL:    f.repo,
		ScriptFile:       "train.py",
		RequirementsFile: "requirements.txt",
	}
}

func (f fixture) depth(t *testing.T, channel string) int64 {
	t.Helper()
	ready, _, err := f.q.Depth(context.Background(), channel)
	require.NoError(t, err)
	return ready
}

func TestUploadModuleQueuesBuild(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	m, err := f.svc.UploadModule(ctx, f.uploadReq("m1"))
	require.NoError(t, err)
	assert.Equal(t, models.ModuleQueued, m.Status)

	staged, err := f.stager.Get(ctx, models.ModuleScriptKey("m1"))
	require.NoError(t, err)
	assert.Equal(t, "print('train')", string(staged))

	d, ok, err := f.q.Dequeue(ctx, models.ChannelModuleBuild)
	require.NoError(t, err)
	require.True(t, ok)
	var item models.ModuleBuildItem
	require.NoError(t, models.DecodeItem(d.Body, &item))
	assert.Equal(t, m.ID, item.ModuleID)
	assert.Equal(t, "numpy\n", item.Requirements)

	events, err := f.svc.ModuleEvents(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "queued", events[0].Event)
}

func TestUploadModuleRejectsBeforePublishing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.svc.UploadModule(ctx, f.uploadReq("m1"))
	require.NoError(t, err)

	_, err = f.svc.UploadModule(ctx, f.uploadReq("m1"))
	assert.ErrorIs(t, err, models.ErrDuplicate)

	missing := f.uploadReq("m2")
	missing.ScriptFile = "nope.py"
	_, err = f.svc.UploadModule(ctx, missing)
	assert.ErrorIs(t, err, models.ErrValidation)

	bad := f.uploadReq("Bad Name")
	_, err = f.svc.UploadModule(ctx, bad)
	assert.ErrorIs(t, err, models.ErrValidation)

	escape := f.uploadReq("m3")
	escape.RequirementsFile = "../etc/passwd"
	_, err = f.svc.UploadModule(ctx, escape)
	assert.ErrorIs(t, err, models.ErrValidation)

	assert.EqualValues(t, 1, f.depth(t, models.ChannelModuleBuild))
	_, err = f.svc.GetModule(ctx, "m2")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestUploadModulePublishFailureLeavesNoRow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.svc.pub = brokenPublisher{}

	_, err := f.svc.UploadModule(ctx, f.uploadReq("m1"))
	require.Error(t, err)
	assert.True(t, models.IsTransient(err))

	_, err = f.svc.GetModule(ctx, "m1")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestUploadModuleTransitionFailureLeavesNoRow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.svc.store = stuckStore{f.st}

	_, err := f.svc.UploadModule(ctx, f.uploadReq("m1"))
	require.Error(t, err)
	assert.True(t, models.IsTransient(err))

	_, err = f.st.GetModuleByName(ctx, "m1")
	assert.ErrorIs(t, err, models.ErrNotFound)
	assert.Zero(t, f.depth(t, models.ChannelModuleBuild))

	f.svc.store = f.st
	m, err := f.svc.UploadModule(ctx, f.uploadReq("m1"))
	require.NoError(t, err, "name must be free again")
	assert.Equal(t, models.ModuleQueued, m.Status)
}

func markDone(t *testing.T, f fixture, name string) {
	t.Helper()
	ctx := context.Background()
	m, err := f.svc.GetModule(ctx, name)
	require.NoError(t, err)
	_, err = f.st.TransitionModule(ctx, m.ID, models.ModuleDone, "")
	require.NoError(t, err)
}

func TestCreateInstanceRequiresDoneModule(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	req := CreateInstanceRequest{InstanceName: "i1", ModuleName: "m1", RepositoryURL: f.repo, ScriptFile: "predict.py"}

	_, err := f.svc.CreateInstance(ctx, req)
	assert.ErrorIs(t, err, models.ErrValidation, "unknown module")

	_, err = f.svc.UploadModule(ctx, f.uploadReq("m1"))
	require.NoError(t, err)
	_, err = f.svc.CreateInstance(ctx, req)
	assert.ErrorIs(t, err, models.ErrValidation, "module still queued")
	assert.Zero(t, f.depth(t, models.ChannelInstanceBuild))

	markDone(t, f, "m1")
	inst, err := f.svc.CreateInstance(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, models.InstanceQueued, inst.Status)
	assert.Equal(t, models.ContainerNotRunning, inst.ContainerStatus)

	_, err = f.svc.CreateInstance(ctx, req)
	assert.ErrorIs(t, err, models.ErrDuplicate)
	assert.EqualValues(t, 1, f.depth(t, models.ChannelInstanceBuild))

	d, ok, err := f.q.Dequeue(ctx, models.ChannelInstanceBuild)
	require.NoError(t, err)
	require.True(t, ok)
	var item models.InstanceBuildItem
	require.NoError(t, models.DecodeItem(d.Body, &item))
	assert.Equal(t, inst.ID, item.InstanceID)
	assert.Equal(t, "predict.py", item.ScriptPath)
}

func TestCreateInstancePublishFailureLeavesNoRow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.svc.UploadModule(ctx, f.uploadReq("m1"))
	require.NoError(t, err)
	markDone(t, f, "m1")

	f.svc.pub = brokenPublisher{}
	_, err = f.svc.CreateInstance(ctx, CreateInstanceRequest{InstanceName: "i1", ModuleName: "m1", RepositoryURL: f.repo, ScriptFile: "predict.py"})
	assert.True(t, models.IsTransient(err))

	_, err = f.svc.GetInstance(ctx, "i1")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestResubmitModule(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	m, err := f.svc.UploadModule(ctx, f.uploadReq("m1"))
	require.NoError(t, err)

	_, err = f.svc.ResubmitModule(ctx, "m1")
	assert.ErrorIs(t, err, models.ErrInvalidTransition, "queued modules are not resubmittable")

	_, err = f.st.TransitionModule(ctx, m.ID, models.ModuleFailed, "pip exploded")
	require.NoError(t, err)

	f.svc.pub = brokenPublisher{}
	_, err = f.svc.ResubmitModule(ctx, "m1")
	assert.True(t, models.IsTransient(err))
	got, err := f.svc.GetModule(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, models.ModuleFailed, got.Status)

	f.svc.pub = f.q
	got, err = f.svc.ResubmitModule(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, models.ModuleQueued, got.Status)
	assert.EqualValues(t, 2, f.depth(t, models.ChannelModuleBuild))

	_, err = f.svc.ResubmitModule(ctx, "nope")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestCreateInstanceTransitionFailureLeavesNoRow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.svc.UploadModule(ctx, f.uploadReq("m1"))
	require.NoError(t, err)
	markDone(t, f, "m1")
	req := CreateInstanceRequest{InstanceName: "i1", ModuleName: "m1", RepositoryURL: f.repo, ScriptFile: "predict.py"}

	f.svc.store = stuckStore{f.st}
	_, err = f.svc.CreateInstance(ctx, req)
	assert.True(t, models.IsTransient(err))

	_, err = f.st.GetInstanceByName(ctx, "i1")
	assert.ErrorIs(t, err, models.ErrNotFound)
	assert.Zero(t, f.depth(t, models.ChannelInstanceBuild))

	f.svc.store = f.st
	inst, err := f.svc.CreateInstance(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, models.InstanceQueued, inst.Status)
}
