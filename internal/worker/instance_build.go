package worker

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"prediction-platform/internal/config"
	"prediction-platform/internal/engine"
	"prediction-platform/internal/exchange"
	"prediction-platform/internal/models"
	"prediction-platform/internal/queue"
	"prediction-platform/internal/repofetch"
	"prediction-platform/internal/store"
	"prediction-platform/internal/telemetry"
)

// InstanceBuilder turns instance-build items into per-instance images layered
// on the module image.
type InstanceBuilder struct {
	store    store.Store
	engine   engine.Engine
	fetcher  repofetch.Fetcher
	exchange *exchange.Dir
	registry string
	push     bool
}

func NewInstanceBuilder(st store.Store, eng engine.Engine, f repofetch.Fetcher, ex *exchange.Dir, cfg config.Config) *InstanceBuilder {
	return &InstanceBuilder{
		store:    st,
		engine:   eng,
		fetcher:  f,
		exchange: ex,
		registry: cfg.ImageRegistry,
		push:     cfg.ImagePush,
	}
}

func (b *InstanceBuilder) Handle(ctx context.Context, d queue.Delivery) error {
	var item models.InstanceBuildItem
	if err := models.DecodeItem(d.Body, &item); err != nil {
		return err
	}
	log := zerolog.Ctx(ctx).With().Str("instance", item.InstanceName).Str("module", item.ModuleName).Logger()

	inst, err := b.store.GetInstance(ctx, item.InstanceID)
	if errors.Is(err, models.ErrNotFound) {
		log.Warn().Msg("instance no longer exists; dropping build item")
		return nil
	}
	if err != nil {
		return models.Transient("load instance", err)
	}
	if inst.InstanceName != item.InstanceName || inst.ModuleName != item.ModuleName {
		return models.Validationf("item does not match instance row %s", inst.ID)
	}
	if inst.Status != models.InstanceQueued && inst.Status != models.InstanceBuilt {
		log.Warn().Str("status", string(inst.Status)).Msg("instance not awaiting a build; dropping item")
		return nil
	}

	tag := engine.InstanceImage(b.registry, inst.InstanceName)
	if err := b.build(ctx, item, tag); err != nil {
		if models.IsTransient(err) {
			return err
		}
		return fail(ctx, b.store, models.EntityInstance, inst.ID, err, func(msg string) error {
			_, err := b.store.TransitionInstance(ctx, inst.ID, models.InstanceFailed, msg)
			return err
		})
	}

	if _, err := b.store.TransitionInstance(ctx, inst.ID, models.InstanceBuilt, ""); err != nil {
		if errors.Is(err, models.ErrInvalidTransition) || errors.Is(err, models.ErrNotFound) {
			log.Warn().Err(err).Msg("instance changed while building; leaving it as is")
			return nil
		}
		return models.Transient("mark instance built", err)
	}
	audit(ctx, b.store, models.EntityInstance, inst.ID, "built", tag)
	telemetry.Builds.WithLabelValues(models.EntityInstance, "done").Inc()
	log.Info().Str("image", tag).Msg("instance image published")
	return nil
}

func (b *InstanceBuilder) build(ctx context.Context, item models.InstanceBuildItem, tag string) error {
	// A missing file is permanent: redelivery fetches the same repository.
	script, err := b.fetcher.Fetch(ctx, item.RepositoryURL, item.ScriptPath)
	if err != nil {
		return &models.BuildError{Op: "fetch " + item.ScriptPath, Err: err}
	}

	moduleImage := engine.ModuleImage(b.registry, item.ModuleName)
	if b.push {
		if err := b.engine.Pull(ctx, moduleImage); err != nil {
			return buildErr("pull module image", err)
		}
	}
	dockerfile, err := renderInstanceDockerfile(moduleImage, b.exchange.Env())
	if err != nil {
		return &models.BuildError{Op: "render", Err: err}
	}
	_, err = b.engine.Build(ctx, engine.BuildContext{
		Tag:        tag,
		Dockerfile: dockerfile,
		Files:      map[string][]byte{instanceScriptFile: script},
	})
	if err != nil {
		return buildErr("build image", err)
	}
	if b.push {
		if err := b.engine.Push(ctx, tag); err != nil {
			return buildErr("push image", err)
		}
	}
	return nil
}
