package worker

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"prediction-platform/internal/config"
	"prediction-platform/internal/engine"
	"prediction-platform/internal/engine/enginetest"
	"prediction-platform/internal/exchange"
	"prediction-platform/internal/models"
	"prediction-platform/internal/queue"
	"prediction-platform/internal/repofetch"
	"prediction-platform/internal/store"
	"prediction-platform/internal/store/memory"
)

func testConfig() config.Config {
	return config.Config{
		ImageRegistry:     "registry.test",
		ImagePush:         true,
		PythonBaseImage:   "python:3.11-slim",
		ActivationLockTTL: time.Minute,
	}
}

func delivery(t *testing.T, channel string, item any) queue.Delivery {
	t.Helper()
	body, err := json.Marshal(item)
	require.NoError(t, err)
	return queue.Delivery{ID: "d-1", Channel: channel, Body: body, Attempt: 1}
}

func testCtx() context.Context {
	return zerolog.Nop().WithContext(context.Background())
}

func queuedModule(t *testing.T, st store.Store, name string) models.Module {
	t.Helper()
	ctx := context.Background()
	m, err := st.CreateModule(ctx, store.CreateModuleParams{Name: name})
	require.NoError(t, err)
	m, err = st.TransitionModule(ctx, m.ID, models.ModuleQueued, "")
	require.NoError(t, err)
	return m
}

func moduleItem(m models.Module) models.ModuleBuildItem {
	return models.ModuleBuildItem{
		CorrelationID: m.ID,
		ModuleID:      m.ID,
		ModuleName:    m.Name,
		Script:        "print('train')",
		Requirements:  "numpy\n",
	}
}

func TestModuleBuildIsIdempotent(t *testing.T) {
	ctx := testCtx()
	st := memory.New()
	eng := enginetest.New()
	b := NewModuleBuilder(st, eng, testConfig())

	m := queuedModule(t, st, "m1")
	d := delivery(t, models.ChannelModuleBuild, moduleItem(m))

	require.NoError(t, b.Handle(ctx, d))
	require.NoError(t, b.Handle(ctx, d))

	got, err := st.GetModule(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ModuleDone, got.Status)

	tag := engine.ModuleImage("registry.test", "m1")
	assert.Equal(t, []string{tag, tag}, eng.Pushes)
	require.Len(t, eng.Builds, 2)
	assert.Contains(t, eng.Builds[0].Dockerfile, "FROM python:3.11-slim")
	assert.Equal(t, "print('train')", string(eng.Builds[0].Files["script.py"]))

	all, err := st.ListModules(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestModuleBuildFailureIsPermanent(t *testing.T) {
	ctx := testCtx()
	st := memory.New()
	eng := enginetest.New()
	eng.PushErr[engine.ModuleImage("registry.test", "m1")] = errors.New("denied: requested access to the resource is denied")
	b := NewModuleBuilder(st, eng, testConfig())

	m := queuedModule(t, st, "m1")
	d := delivery(t, models.ChannelModuleBuild, moduleItem(m))

	err := b.Handle(ctx, d)
	require.Error(t, err)
	assert.True(t, models.IsBuildError(err))
	assert.False(t, models.IsTransient(err))

	got, _ := st.GetModule(ctx, m.ID)
	assert.Equal(t, models.ModuleFailed, got.Status)
	require.NotNil(t, got.LastError)

	// redelivery never turns a failed module into Done
	delete(eng.PushErr, engine.ModuleImage("registry.test", "m1"))
	require.NoError(t, b.Handle(ctx, d))
	got, _ = st.GetModule(ctx, m.ID)
	assert.Equal(t, models.ModuleFailed, got.Status)

	logs, _ := st.ListAudit(ctx, models.EntityModule, m.ID)
	require.Len(t, logs, 1)
	assert.Equal(t, "failed", logs[0].Event)
}

func TestModuleBuildEngineDownIsTransient(t *testing.T) {
	ctx := testCtx()
	st := memory.New()
	eng := enginetest.New()
	eng.SetReachable(false)
	b := NewModuleBuilder(st, eng, testConfig())

	m := queuedModule(t, st, "m1")
	err := b.Handle(ctx, delivery(t, models.ChannelModuleBuild, moduleItem(m)))
	assert.True(t, models.IsTransient(err))

	got, _ := st.GetModule(ctx, m.ID)
	assert.Equal(t, models.ModuleQueued, got.Status)
}

func TestModuleBuildDropsMissingRowsAndBadItems(t *testing.T) {
	ctx := testCtx()
	b := NewModuleBuilder(memory.New(), enginetest.New(), testConfig())

	ghost := models.Module{ID: "gone", Name: "m1"}
	assert.NoError(t, b.Handle(ctx, delivery(t, models.ChannelModuleBuild, moduleItem(ghost))))

	err := b.Handle(ctx, queue.Delivery{ID: "x", Body: []byte(`{"module_id":`)})
	assert.ErrorIs(t, err, models.ErrValidation)
}

type instanceFixture struct {
	st   *memory.Store
	eng  *enginetest.Fake
	ex   *exchange.Dir
	repo string
	inst models.Instance
}

func newInstanceFixture(t *testing.T) instanceFixture {
	t.Helper()
	ctx := context.Background()
	st := memory.New()
	eng := enginetest.New()

	m := queuedModule(t, st, "m1")
	_, err := st.TransitionModule(ctx, m.ID, models.ModuleDone, "")
	require.NoError(t, err)

	repo := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(repo, "predict.py"), []byte("print('predict')"), 0o644))

	inst, err := st.CreateInstance(ctx, store.CreateInstanceParams{
		InstanceName:  "i1",
		ModuleName:    "m1",
		RepositoryURL: "file://" + filepath.ToSlash(repo),
		ScriptPath:    "predict.py",
	})
	require.NoError(t, err)
	inst, err = st.TransitionInstance(ctx, inst.ID, models.InstanceQueued, "")
	require.NoError(t, err)

	// module image already published by the module worker
	_, err = eng.Build(ctx, engine.BuildContext{Tag: engine.ModuleImage("registry.test", "m1"), Dockerfile: "FROM scratch"})
	require.NoError(t, err)
	require.NoError(t, eng.Push(ctx, engine.ModuleImage("registry.test", "m1")))

	return instanceFixture{st: st, eng: eng, ex: exchange.New(t.TempDir(), ""), repo: repo, inst: inst}
}

func (f instanceFixture) item(scriptPath string) models.InstanceBuildItem {
	return models.InstanceBuildItem{
		CorrelationID: f.inst.ID,
		InstanceID:    f.inst.ID,
		InstanceName:  f.inst.InstanceName,
		ModuleName:    f.inst.ModuleName,
		RepositoryURL: f.inst.RepositoryURL,
		ScriptPath:    scriptPath,
	}
}

func TestInstanceBuild(t *testing.T) {
	ctx := testCtx()
	f := newInstanceFixture(t)
	b := NewInstanceBuilder(f.st, f.eng, &repofetch.Mux{Dir: &repofetch.DirFetcher{}}, f.ex, testConfig())

	require.NoError(t, b.Handle(ctx, delivery(t, models.ChannelInstanceBuild, f.item("predict.py"))))

	got, err := f.st.GetInstance(ctx, f.inst.ID)
	require.NoError(t, err)
	assert.Equal(t, models.InstanceBuilt, got.Status)
	assert.NotNil(t, got.CompletedAt)

	tag := engine.InstanceImage("registry.test", "i1")
	assert.True(t, f.eng.Published(tag))
	last := f.eng.Builds[len(f.eng.Builds)-1]
	assert.Equal(t, tag, last.Tag)
	assert.Contains(t, last.Dockerfile, "FROM "+engine.ModuleImage("registry.test", "m1"))
	assert.Contains(t, last.Dockerfile, "ENV INPUT_PATH=/shared_data/input.json")
	assert.Equal(t, "print('predict')", string(last.Files["predict.py"]))
}

func TestInstanceBuildMissingFileFails(t *testing.T) {
	ctx := testCtx()
	f := newInstanceFixture(t)
	b := NewInstanceBuilder(f.st, f.eng, &repofetch.Mux{Dir: &repofetch.DirFetcher{}}, f.ex, testConfig())
	d := delivery(t, models.ChannelInstanceBuild, f.item("absent.py"))

	for i := 0; i < 3; i++ {
		err := b.Handle(ctx, d)
		if i == 0 {
			require.Error(t, err)
			assert.True(t, models.IsBuildError(err))
			assert.ErrorIs(t, err, repofetch.ErrFileNotFound)
		} else {
			require.NoError(t, err)
		}
		got, _ := f.st.GetInstance(ctx, f.inst.ID)
		assert.Equal(t, models.InstanceFailed, got.Status)
	}
	assert.False(t, f.eng.Published(engine.InstanceImage("registry.test", "i1")))
}

type fakeCoordinator struct {
	released []string
	locked   []string
}

func (c *fakeCoordinator) Lock(_ context.Context, key string, _ time.Duration) (queue.UnlockFunc, error) {
	c.locked = append(c.locked, key)
	return func(context.Context) error { return nil }, nil
}

func (c *fakeCoordinator) Release(_ context.Context, key string) error {
	c.released = append(c.released, key)
	return nil
}

func builtFixture(t *testing.T) instanceFixture {
	t.Helper()
	ctx := context.Background()
	f := newInstanceFixture(t)
	_, err := f.st.TransitionInstance(ctx, f.inst.ID, models.InstanceBuilt, "")
	require.NoError(t, err)
	tag := engine.InstanceImage("registry.test", "i1")
	_, err = f.eng.Build(ctx, engine.BuildContext{Tag: tag, Dockerfile: "FROM scratch"})
	require.NoError(t, err)
	require.NoError(t, f.eng.Push(ctx, tag))
	return f
}

func activationItem(inst models.Instance) models.ActivationItem {
	return models.ActivationItem{CorrelationID: inst.ID, InstanceID: inst.ID, InstanceName: inst.InstanceName}
}

func TestActivationRunsContainer(t *testing.T) {
	ctx := testCtx()
	f := builtFixture(t)
	f.eng.Register(engine.InstanceImage("registry.test", "i1"), enginetest.SumFeatures)
	coord := &fakeCoordinator{}
	a := NewActivator(f.st, f.eng, f.ex, coord, testConfig())

	require.NoError(t, f.ex.WriteInput("i1", json.RawMessage(`{"features":[1,2,3]}`)))
	require.NoError(t, a.Handle(ctx, delivery(t, models.ChannelActivation, activationItem(f.inst))))

	got, _ := f.st.GetInstance(ctx, f.inst.ID)
	assert.Equal(t, models.ContainerRunning, got.ContainerStatus)
	assert.Equal(t, []string{models.InstanceLockKey("i1")}, coord.locked)
	assert.Equal(t, []string{models.ActivationClaimKey(f.inst.ID)}, coord.released)

	out, err := f.ex.ReadOutput("i1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"predictions":[6]}`, string(out))

	require.Len(t, f.eng.Runs, 1)
	assert.Equal(t, engine.ContainerName("i1"), f.eng.Runs[0].Name)
	assert.Equal(t, exchange.ContainerDir, f.eng.Runs[0].Mounts[0].Target)
}

func TestActivationNonZeroExit(t *testing.T) {
	ctx := testCtx()
	f := builtFixture(t)
	f.eng.Register(engine.InstanceImage("registry.test", "i1"), enginetest.Exit(3))
	coord := &fakeCoordinator{}
	a := NewActivator(f.st, f.eng, f.ex, coord, testConfig())

	err := a.Handle(ctx, delivery(t, models.ChannelActivation, activationItem(f.inst)))
	require.Error(t, err)
	assert.True(t, models.IsRuntimeError(err))

	got, _ := f.st.GetInstance(ctx, f.inst.ID)
	assert.Equal(t, models.ContainerNotRunning, got.ContainerStatus)
	assert.Equal(t, models.InstanceBuilt, got.Status, "runtime failures leave the build state alone")
	assert.Len(t, coord.released, 1)
}

func TestActivationEngineDownKeepsClaim(t *testing.T) {
	ctx := testCtx()
	f := builtFixture(t)
	f.eng.SetReachable(false)
	coord := &fakeCoordinator{}
	a := NewActivator(f.st, f.eng, f.ex, coord, testConfig())

	err := a.Handle(ctx, delivery(t, models.ChannelActivation, activationItem(f.inst)))
	assert.True(t, models.IsTransient(err))
	assert.Empty(t, coord.released)

	got, _ := f.st.GetInstance(ctx, f.inst.ID)
	assert.Equal(t, models.ContainerNotRunning, got.ContainerStatus)
}

func TestActivationSkipsUnbuiltInstance(t *testing.T) {
	ctx := testCtx()
	f := newInstanceFixture(t)
	coord := &fakeCoordinator{}
	a := NewActivator(f.st, f.eng, f.ex, coord, testConfig())

	require.NoError(t, a.Handle(ctx, delivery(t, models.ChannelActivation, activationItem(f.inst))))
	assert.Empty(t, f.eng.Runs)
	assert.Len(t, coord.released, 1)
}
