package worker

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"prediction-platform/internal/models"
	"prediction-platform/internal/queue"
	"prediction-platform/internal/telemetry"
)

// Broker is the part of the work queue a processor consumes from.
type Broker interface {
	Ping(ctx context.Context) error
	Dequeue(ctx context.Context, channel string) (queue.Delivery, bool, error)
	Ack(ctx context.Context, channel, id string) error
	ExtendLease(ctx context.Context, channel, id string, extension time.Duration) error
	RequeueExpired(ctx context.Context, channel string, now time.Time, limit int64) ([]string, error)
	Depth(ctx context.Context, channel string) (ready, inflight int64, err error)
}

// Handler processes one delivery. Returning a TransientError leaves the item
// unacknowledged so it is redelivered once its lease expires; any other
// result acknowledges it.
type Handler func(ctx context.Context, d queue.Delivery) error

// ProcessorOptions tunes a processor loop.
type ProcessorOptions struct {
	WorkerID     string
	PollInterval time.Duration
	RetryDelay   time.Duration

	// LeaseTTL, when set, is kept renewed on the in-flight item while the
	// handler runs. It should match the broker's visibility timeout.
	LeaseTTL time.Duration
}

// Processor drives a single-threaded consumer loop over one channel. Broker
// failures put it into an unbounded fixed-delay reconnect loop.
type Processor struct {
	channel      string
	broker       Broker
	handler      Handler
	log          zerolog.Logger
	pollInterval time.Duration
	retryDelay   time.Duration
	leaseTTL     time.Duration
	reconnects   atomic.Int64
}

func NewProcessor(channel string, b Broker, h Handler, log zerolog.Logger, opts ProcessorOptions) *Processor {
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 5 * time.Second
	}
	l := log.With().Str("channel", channel)
	if opts.WorkerID != "" {
		l = l.Str("worker", opts.WorkerID)
	}
	return &Processor{
		channel:      channel,
		broker:       b,
		handler:      h,
		log:          l.Logger(),
		pollInterval: opts.PollInterval,
		retryDelay:   opts.RetryDelay,
		leaseTTL:     opts.LeaseTTL,
	}
}

// Reconnects returns how many broker connection attempts have failed.
func (p *Processor) Reconnects() int64 {
	return p.reconnects.Load()
}

// Run consumes until ctx is cancelled. It only returns ctx's error.
func (p *Processor) Run(ctx context.Context) error {
	p.log.Info().Msg("processor started")
	for {
		if err := p.connect(ctx); err != nil {
			return ctx.Err()
		}
		err := p.consume(ctx)
		if ctx.Err() != nil {
			p.log.Info().Msg("processor stopped")
			return ctx.Err()
		}
		p.log.Warn().Err(err).Dur("retry_in", p.retryDelay).Msg("broker connection lost")
		sleep(ctx, p.retryDelay)
	}
}

func (p *Processor) connect(ctx context.Context) error {
	policy := backoff.WithContext(backoff.NewConstantBackOff(p.retryDelay), ctx)
	return backoff.RetryNotify(func() error {
		return p.broker.Ping(ctx)
	}, policy, func(err error, wait time.Duration) {
		n := p.reconnects.Add(1)
		telemetry.BrokerReconnects.WithLabelValues(p.channel).Inc()
		p.log.Warn().Err(err).Int64("attempt", n).Dur("retry_in", wait).Msg("broker unavailable")
	})
}

func (p *Processor) consume(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		reclaimed, err := p.broker.RequeueExpired(ctx, p.channel, time.Now(), 100)
		if err != nil {
			return fmt.Errorf("requeue expired: %w", err)
		}
		if len(reclaimed) > 0 {
			p.log.Warn().Strs("items", reclaimed).Msg("leases expired; items requeued")
		}
		if ready, inflight, err := p.broker.Depth(ctx, p.channel); err == nil {
			telemetry.QueueDepthGauge.WithLabelValues(p.channel).Set(float64(ready))
			telemetry.InFlightGauge.WithLabelValues(p.channel).Set(float64(inflight))
		}

		d, ok, err := p.broker.Dequeue(ctx, p.channel)
		if err != nil {
			return fmt.Errorf("dequeue: %w", err)
		}
		if !ok {
			sleep(ctx, p.pollInterval)
			continue
		}
		if err := p.process(ctx, d); err != nil {
			return err
		}
	}
}

// process runs the handler and acknowledges unless the failure is transient.
// An error is returned only when the broker itself failed.
func (p *Processor) process(ctx context.Context, d queue.Delivery) error {
	log := p.log.With().Str("item_id", d.ID).Int64("attempt", d.Attempt).Logger()
	if d.Attempt > 1 {
		log.Info().Msg("redelivered work item")
	}

	stop := p.heartbeat(ctx, log, d.ID)
	err := p.handler(log.WithContext(ctx), d)
	stop()
	if ctx.Err() != nil {
		// shutting down mid-item: leave it leased for redelivery
		return ctx.Err()
	}
	result := "ok"
	switch {
	case err == nil:
	case models.IsTransient(err):
		telemetry.ItemsProcessed.WithLabelValues(p.channel, "transient").Inc()
		log.Warn().Err(err).Msg("transient failure; item left for redelivery")
		sleep(ctx, p.retryDelay)
		return nil
	default:
		result = "failed"
		log.Error().Err(err).Msg("work item failed; acknowledging")
	}

	if err := p.broker.Ack(ctx, p.channel, d.ID); err != nil {
		return fmt.Errorf("ack %s: %w", d.ID, err)
	}
	telemetry.ItemsProcessed.WithLabelValues(p.channel, result).Inc()
	return nil
}

// heartbeat renews the item's lease every third of LeaseTTL until the
// returned func is called, so long builds are not redelivered mid-run.
func (p *Processor) heartbeat(ctx context.Context, log zerolog.Logger, id string) func() {
	if p.leaseTTL <= 0 {
		return func() {}
	}
	hbCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		t := time.NewTicker(p.leaseTTL / 3)
		defer t.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-t.C:
				if err := p.broker.ExtendLease(hbCtx, p.channel, id, p.leaseTTL); err != nil && hbCtx.Err() == nil {
					log.Warn().Err(err).Msg("lease extension failed")
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
