package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"prediction-platform/internal/config"
	"prediction-platform/internal/engine"
	"prediction-platform/internal/exchange"
	"prediction-platform/internal/logging"
	"prediction-platform/internal/models"
	"prediction-platform/internal/queue"
	"prediction-platform/internal/repofetch"
	"prediction-platform/internal/store"
	"prediction-platform/internal/telemetry"
	workerproc "prediction-platform/internal/worker"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	if err := newRootCmd(config.New()).ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// deps are the process-wide handles a handler is built from. Each worker
// process owns its own broker, store and engine clients.
type deps struct {
	cfg    config.Config
	store  *store.PostgresStore
	queue  *queue.RedisQueue
	engine *engine.Docker
}

type handlerFactory func(d deps) workerproc.Handler

func newRootCmd(v *viper.Viper) *cobra.Command {
	root := &cobra.Command{
		Use:   "worker",
		Short: "Consume one work queue of the prediction platform",
		Long: `worker runs single-threaded consumer loops against one durable channel.

  worker module-build     build and publish module images
  worker instance-build   build and publish instance images
  worker activation       cold-start instance containers

Configuration comes from the environment (REDIS_ADDR, POSTGRES_DSN,
IMAGE_REGISTRY, ...). Flags override it.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().Int("parallelism", 1, "consumer loops in this process")
	root.PersistentFlags().String("worker-id", "", "identifier attached to log lines (default hostname)")
	root.PersistentFlags().String("metrics-addr", ":9090", "prometheus listen address; empty disables it")
	_ = v.BindPFlag("WORKER_PARALLELISM", root.PersistentFlags().Lookup("parallelism"))
	_ = v.BindPFlag("WORKER_ID", root.PersistentFlags().Lookup("worker-id"))
	_ = v.BindPFlag("METRICS_ADDR", root.PersistentFlags().Lookup("metrics-addr"))

	root.AddCommand(
		channelCmd(v, models.ChannelModuleBuild, "Build module images", func(d deps) workerproc.Handler {
			return workerproc.NewModuleBuilder(d.store, d.engine, d.cfg).Handle
		}),
		channelCmd(v, models.ChannelInstanceBuild, "Build instance images", func(d deps) workerproc.Handler {
			ex := exchange.New(d.cfg.ExchangeRoot, d.cfg.ExchangeHostRoot)
			return workerproc.NewInstanceBuilder(d.store, d.engine, repofetch.New(d.cfg), ex, d.cfg).Handle
		}),
		channelCmd(v, models.ChannelActivation, "Cold-start instance containers", func(d deps) workerproc.Handler {
			ex := exchange.New(d.cfg.ExchangeRoot, d.cfg.ExchangeHostRoot)
			return workerproc.NewActivator(d.store, d.engine, ex, d.queue, d.cfg).Handle
		}),
	)
	return root
}

func channelCmd(v *viper.Viper, channel, short string, build handlerFactory) *cobra.Command {
	return &cobra.Command{
		Use:   channel,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.FromViper(v)
			log := logging.New(cfg, "worker-"+channel)
			if err := run(cmd.Context(), cfg, v.GetString("WORKER_ID"), log, channel, build); err != nil {
				log.Error().Err(err).Msg("worker stopped")
				return err
			}
			return nil
		},
	}
}

func run(ctx context.Context, cfg config.Config, workerID string, log zerolog.Logger, channel string, build handlerFactory) error {
	if err := store.RunMigrations(cfg.PostgresDSN); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return err
	}
	defer st.Close()

	q := queue.NewRedisQueue(cfg)
	defer q.Close()

	docker, err := engine.NewDocker(cfg)
	if err != nil {
		return fmt.Errorf("init docker client: %w", err)
	}
	defer docker.Close()

	if workerID == "" {
		if host, _ := os.Hostname(); host != "" {
			workerID = host
		} else {
			workerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}
	handler := build(deps{cfg: cfg, store: st, queue: q, engine: docker})

	parallelism := cfg.WorkerParallelism
	if parallelism < 1 {
		parallelism = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < parallelism; i++ {
		p := workerproc.NewProcessor(channel, q, handler, log, workerproc.ProcessorOptions{
			WorkerID:     fmt.Sprintf("%s-%d", workerID, i),
			PollInterval: cfg.WorkerPollInterval,
			RetryDelay:   cfg.BrokerRetryDelay,
			LeaseTTL:     cfg.VisibilityTimeout,
		})
		g.Go(func() error {
			if err := p.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	if cfg.MetricsAddr != "" {
		metrics := &http.Server{Addr: cfg.MetricsAddr, Handler: telemetry.Handler(), ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			if err := metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Warn().Err(err).Msg("metrics server stopped")
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return metrics.Shutdown(shutdownCtx)
		})
	}

	log.Info().
		Int("parallelism", parallelism).
		Dur("visibility", cfg.VisibilityTimeout).
		Str("registry", cfg.ImageRegistry).
		Msg("worker started")
	return g.Wait()
}
