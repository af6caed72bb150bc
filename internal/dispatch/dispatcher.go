// Package dispatch serves activation requests: it reuses an instance's
// existing container when there is one and schedules a cold start otherwise.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
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

type Outcome string

const (
	// Completed means the container ran and Output holds its result.
	Completed Outcome = "completed"
	// Starting means a cold start was scheduled; the caller should retry.
	Starting Outcome = "starting"
)

type Result struct {
	Outcome Outcome
	Output  json.RawMessage
}

// Coordinator is the queue surface the dispatcher needs.
type Coordinator interface {
	Publish(ctx context.Context, channel string, payload any) (string, error)
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
	Lock(ctx context.Context, key string, ttl time.Duration) (queue.UnlockFunc, error)
}

type Dispatcher struct {
	store    store.Store
	engine   engine.Engine
	exchange *exchange.Dir
	coord    Coordinator
	log      zerolog.Logger
	timeout  time.Duration
	claimTTL time.Duration
	lockTTL  time.Duration
	locks    *keyedMutex
}

func New(st store.Store, eng engine.Engine, ex *exchange.Dir, coord Coordinator, log zerolog.Logger, cfg config.Config) *Dispatcher {
	timeout := cfg.ActivationTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Dispatcher{
		store:    st,
		engine:   eng,
		exchange: ex,
		coord:    coord,
		log:      log,
		timeout:  timeout,
		claimTTL: cfg.ActivationClaimTTL,
		lockTTL:  cfg.ActivationLockTTL,
		locks:    newKeyedMutex(),
	}
}

// Activate runs one inference request against instanceName. A live lookup
// against the container engine decides between a synchronous run and a cold
// start; the stored container status is never trusted on its own.
func (d *Dispatcher) Activate(ctx context.Context, instanceName string, input json.RawMessage) (Result, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	res, err := d.activate(ctx, instanceName, input)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("activate %s after %s: %w", instanceName, d.timeout, models.ErrTimeout)
	}

	switch {
	case err != nil:
		telemetry.Activations.WithLabelValues("error").Inc()
	case res.Outcome == Completed:
		telemetry.Activations.WithLabelValues(string(Completed)).Inc()
		telemetry.ActivationDuration.Observe(time.Since(start).Seconds())
	default:
		telemetry.Activations.WithLabelValues(string(Starting)).Inc()
	}
	return res, err
}

func (d *Dispatcher) activate(ctx context.Context, name string, input json.RawMessage) (Result, error) {
	if err := models.ValidateName("instance_name", name); err != nil {
		return Result{}, err
	}
	inst, err := d.store.GetInstanceByName(ctx, name)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return Result{}, err
		}
		return Result{}, models.Transient("load instance", err)
	}
	if !inst.Activatable() {
		return Result{}, fmt.Errorf("instance %s is %s: %w", name, inst.Status, models.ErrNotFound)
	}
	log := d.log.With().Str("instance", name).Logger()

	release, err := d.locks.Lock(ctx, name)
	if err != nil {
		return Result{}, err
	}
	defer release()
	unlock, err := d.coord.Lock(ctx, models.InstanceLockKey(name), d.lockTTL)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, err
		}
		return Result{}, models.Transient("lock instance", err)
	}
	defer func() {
		if err := unlock(context.WithoutCancel(ctx)); err != nil {
			log.Warn().Err(err).Msg("unlock instance")
		}
	}()

	lookup, err := d.engine.Get(ctx, engine.ContainerName(name))
	if err != nil {
		return Result{}, models.Transient("inspect container", err)
	}
	if lookup.Found && lookup.Running {
		// a previous run still owns the exchange files
		log.Warn().Str("container", lookup.Container.Name).Msg("container busy")
		return Result{}, models.Transient("instance busy", fmt.Errorf("container %s is still running", lookup.Container.Name))
	}
	if lookup.Found {
		return d.runExisting(ctx, log, inst, lookup.Container, input)
	}
	return d.coldStart(ctx, log, inst, input)
}

func (d *Dispatcher) runExisting(ctx context.Context, log zerolog.Logger, inst models.Instance, c engine.Container, input json.RawMessage) (Result, error) {
	if err := d.exchange.WriteInput(inst.InstanceName, input); err != nil {
		return Result{}, err
	}
	if err := d.store.SetContainerStatus(ctx, inst.ID, models.ContainerRunning); err != nil {
		return Result{}, models.Transient("mark container running", err)
	}
	if err := d.engine.Start(ctx, c); err != nil {
		return Result{}, d.runFailed(ctx, inst, "start container", 0, err)
	}
	code, err := d.engine.Wait(ctx, c)
	if err != nil {
		return Result{}, d.runFailed(ctx, inst, "wait container", 0, err)
	}
	if code != 0 {
		return Result{}, d.runFailed(ctx, inst, "container "+c.Name, code, nil)
	}
	out, err := d.exchange.ReadOutput(inst.InstanceName)
	if err != nil {
		return Result{}, &models.RuntimeError{Op: "read output", Err: err}
	}
	log.Debug().Msg("activation served by existing container")
	return Result{Outcome: Completed, Output: out}, nil
}

func (d *Dispatcher) runFailed(ctx context.Context, inst models.Instance, op string, code int64, cause error) error {
	if serr := d.store.SetContainerStatus(context.WithoutCancel(ctx), inst.ID, models.ContainerNotRunning); serr != nil {
		d.log.Warn().Err(serr).Str("instance", inst.InstanceName).Msg("reset container status")
	}
	if models.IsTransient(cause) || (cause != nil && ctx.Err() != nil) {
		return cause
	}
	return &models.RuntimeError{Op: op, ExitCode: code, Err: cause}
}

// coldStart stages the input and schedules exactly one activation item per
// pending cold start of the instance.
func (d *Dispatcher) coldStart(ctx context.Context, log zerolog.Logger, inst models.Instance, input json.RawMessage) (Result, error) {
	if err := d.store.SetContainerStatus(ctx, inst.ID, models.ContainerNotRunning); err != nil {
		return Result{}, models.Transient("mark container not running", err)
	}
	if err := d.exchange.WriteInput(inst.InstanceName, input); err != nil {
		return Result{}, err
	}
	key := models.ActivationClaimKey(inst.ID)
	claimed, err := d.coord.Claim(ctx, key, d.claimTTL)
	if err != nil {
		return Result{}, models.Transient("claim activation", err)
	}
	if !claimed {
		log.Debug().Msg("cold start already pending")
		return Result{Outcome: Starting}, nil
	}
	item := models.ActivationItem{CorrelationID: inst.ID, InstanceID: inst.ID, InstanceName: inst.InstanceName}
	if _, err := d.coord.Publish(ctx, models.ChannelActivation, item); err != nil {
		if rerr := d.coord.Release(context.WithoutCancel(ctx), key); rerr != nil {
			log.Warn().Err(rerr).Msg("release activation claim")
		}
		return Result{}, models.Transient("publish activation", err)
	}
	log.Info().Msg("cold start scheduled")
	return Result{Outcome: Starting}, nil
}
