package worker

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"prediction-platform/internal/config"
	"prediction-platform/internal/engine"
	"prediction-platform/internal/exchange"
	"prediction-platform/internal/models"
	"prediction-platform/internal/queue"
	"prediction-platform/internal/store"
	"prediction-platform/internal/telemetry"
)

// Coordinator is the cross-process locking the activation path relies on.
type Coordinator interface {
	Lock(ctx context.Context, key string, ttl time.Duration) (queue.UnlockFunc, error)
	Release(ctx context.Context, key string) error
}

// Activator cold-starts instance containers for activation items. The output
// of the run stays in the exchange directory for the next activation call.
type Activator struct {
	store    store.Store
	engine   engine.Engine
	exchange *exchange.Dir
	coord    Coordinator
	registry string
	lockTTL  time.Duration
}

func NewActivator(st store.Store, eng engine.Engine, ex *exchange.Dir, coord Coordinator, cfg config.Config) *Activator {
	return &Activator{
		store:    st,
		engine:   eng,
		exchange: ex,
		coord:    coord,
		registry: cfg.ImageRegistry,
		lockTTL:  cfg.ActivationLockTTL,
	}
}

func (a *Activator) Handle(ctx context.Context, d queue.Delivery) error {
	var item models.ActivationItem
	if err := models.DecodeItem(d.Body, &item); err != nil {
		return err
	}
	log := zerolog.Ctx(ctx).With().Str("instance", item.InstanceName).Logger()
	ctx = log.WithContext(ctx)

	err := a.activate(ctx, item)
	if models.IsTransient(err) {
		// keep the claim so no second item is published while this one is retried
		return err
	}
	if rerr := a.coord.Release(ctx, models.ActivationClaimKey(item.InstanceID)); rerr != nil {
		log.Warn().Err(rerr).Msg("release activation claim")
	}
	outcome := "cold_start_ok"
	if err != nil {
		outcome = "cold_start_failed"
	}
	telemetry.Activations.WithLabelValues(outcome).Inc()
	return err
}

func (a *Activator) activate(ctx context.Context, item models.ActivationItem) error {
	log := zerolog.Ctx(ctx)
	inst, err := a.store.GetInstance(ctx, item.InstanceID)
	if errors.Is(err, models.ErrNotFound) {
		log.Warn().Msg("instance no longer exists; dropping activation")
		return nil
	}
	if err != nil {
		return models.Transient("load instance", err)
	}
	if !inst.Activatable() {
		log.Warn().Str("status", string(inst.Status)).Msg("instance is not built; dropping activation")
		return nil
	}

	unlock, err := a.coord.Lock(ctx, models.InstanceLockKey(inst.InstanceName), a.lockTTL)
	if err != nil {
		return models.Transient("lock instance", err)
	}
	defer func() {
		if err := unlock(context.WithoutCancel(ctx)); err != nil {
			log.Warn().Err(err).Msg("unlock instance")
		}
	}()

	if err := a.run(ctx, inst); err != nil {
		if models.IsTransient(err) {
			return err
		}
		if serr := a.store.SetContainerStatus(ctx, inst.ID, models.ContainerNotRunning); serr != nil {
			log.Warn().Err(serr).Msg("reset container status")
		}
		audit(ctx, a.store, models.EntityInstance, inst.ID, "activation_failed", err.Error())
		return err
	}
	audit(ctx, a.store, models.EntityInstance, inst.ID, "activated", engine.ContainerName(inst.InstanceName))
	log.Info().Msg("instance container ran; output available")
	return nil
}

// run starts a fresh container and marks it Running only once the engine has
// confirmed the start.
func (a *Activator) run(ctx context.Context, inst models.Instance) error {
	image := engine.InstanceImage(a.registry, inst.InstanceName)
	name := engine.ContainerName(inst.InstanceName)

	if err := a.engine.Pull(ctx, image); err != nil {
		return runtimeErr("pull "+image, err)
	}
	if err := a.engine.Remove(ctx, name); err != nil {
		return runtimeErr("remove stale container", err)
	}
	c, err := a.engine.Run(ctx, engine.RunOptions{
		Name:   name,
		Image:  image,
		Mounts: []engine.Mount{a.exchange.Mount(inst.InstanceName)},
		Env:    a.exchange.Env(),
	})
	if err != nil {
		return runtimeErr("run container", err)
	}
	if err := a.store.SetContainerStatus(ctx, inst.ID, models.ContainerRunning); err != nil {
		if errors.Is(err, models.ErrNotFound) || errors.Is(err, models.ErrInvalidTransition) {
			return &models.RuntimeError{Op: "mark container running", Err: err}
		}
		return models.Transient("mark container running", err)
	}

	code, err := a.engine.Wait(ctx, c)
	if err != nil {
		return runtimeErr("wait container", err)
	}
	if code != 0 {
		return &models.RuntimeError{Op: "container " + name, ExitCode: code}
	}
	return nil
}

func runtimeErr(op string, err error) error {
	if models.IsTransient(err) {
		return err
	}
	return &models.RuntimeError{Op: op, Err: err}
}
