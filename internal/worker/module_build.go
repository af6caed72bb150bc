package worker

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"prediction-platform/internal/config"
	"prediction-platform/internal/engine"
	"prediction-platform/internal/models"
	"prediction-platform/internal/queue"
	"prediction-platform/internal/store"
	"prediction-platform/internal/telemetry"
)

// ModuleBuilder turns module-build items into published module images.
type ModuleBuilder struct {
	store     store.Store
	engine    engine.Engine
	registry  string
	baseImage string
	push      bool
}

func NewModuleBuilder(st store.Store, eng engine.Engine, cfg config.Config) *ModuleBuilder {
	return &ModuleBuilder{
		store:     st,
		engine:    eng,
		registry:  cfg.ImageRegistry,
		baseImage: cfg.PythonBaseImage,
		push:      cfg.ImagePush,
	}
}

// Handle builds and publishes the module image named by the item. Replaying
// an item for a Done module republishes the same tag and keeps it Done.
func (b *ModuleBuilder) Handle(ctx context.Context, d queue.Delivery) error {
	var item models.ModuleBuildItem
	if err := models.DecodeItem(d.Body, &item); err != nil {
		return err
	}
	log := zerolog.Ctx(ctx).With().Str("module", item.ModuleName).Str("module_id", item.ModuleID).Logger()

	m, err := b.store.GetModule(ctx, item.ModuleID)
	if errors.Is(err, models.ErrNotFound) {
		log.Warn().Msg("module no longer exists; dropping build item")
		return nil
	}
	if err != nil {
		return models.Transient("load module", err)
	}
	if m.Name != item.ModuleName {
		return models.Validationf("item names module %q but row %s is %q", item.ModuleName, m.ID, m.Name)
	}
	if m.Status != models.ModuleQueued && m.Status != models.ModuleDone {
		log.Warn().Str("status", string(m.Status)).Msg("module not awaiting a build; dropping item")
		return nil
	}

	tag := engine.ModuleImage(b.registry, m.Name)
	if err := b.build(ctx, item, tag); err != nil {
		if models.IsTransient(err) {
			return err
		}
		return fail(ctx, b.store, models.EntityModule, m.ID, err, func(msg string) error {
			_, err := b.store.TransitionModule(ctx, m.ID, models.ModuleFailed, msg)
			return err
		})
	}

	if _, err := b.store.TransitionModule(ctx, m.ID, models.ModuleDone, ""); err != nil {
		if errors.Is(err, models.ErrInvalidTransition) || errors.Is(err, models.ErrNotFound) {
			log.Warn().Err(err).Msg("module changed while building; leaving it as is")
			return nil
		}
		return models.Transient("mark module done", err)
	}
	audit(ctx, b.store, models.EntityModule, m.ID, "built", tag)
	telemetry.Builds.WithLabelValues("module", "done").Inc()
	log.Info().Str("image", tag).Msg("module image published")
	return nil
}

func (b *ModuleBuilder) build(ctx context.Context, item models.ModuleBuildItem, tag string) error {
	dockerfile, err := renderModuleDockerfile(b.baseImage)
	if err != nil {
		return &models.BuildError{Op: "render", Err: err}
	}
	_, err = b.engine.Build(ctx, engine.BuildContext{
		Tag:        tag,
		Dockerfile: dockerfile,
		Files: map[string][]byte{
			moduleScriptFile:       []byte(item.Script),
			moduleRequirementsFile: []byte(item.Requirements),
		},
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

// buildErr keeps transient engine failures retryable and marks the rest permanent.
func buildErr(op string, err error) error {
	if models.IsTransient(err) {
		return err
	}
	return &models.BuildError{Op: op, Err: err}
}

// fail records a permanent build failure and returns the cause so the
// processor logs it and acknowledges the item.
func fail(ctx context.Context, st store.Store, kind, id string, cause error, transition func(msg string) error) error {
	log := zerolog.Ctx(ctx)
	if err := transition(cause.Error()); err != nil {
		if errors.Is(err, models.ErrInvalidTransition) || errors.Is(err, models.ErrNotFound) {
			log.Warn().Err(err).Msg("could not mark " + kind + " failed")
			return cause
		}
		return models.Transient("mark "+kind+" failed", err)
	}
	audit(ctx, st, kind, id, "failed", cause.Error())
	telemetry.Builds.WithLabelValues(kind, "failed").Inc()
	return cause
}

func audit(ctx context.Context, st store.Store, kind, id, event, detail string) {
	if err := st.AppendAudit(ctx, kind, id, event, detail); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("event", event).Msg("audit append failed")
	}
}
