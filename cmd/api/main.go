package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	api "prediction-platform/internal/api"
	"prediction-platform/internal/artifact"
	"prediction-platform/internal/config"
	"prediction-platform/internal/dispatch"
	"prediction-platform/internal/engine"
	"prediction-platform/internal/exchange"
	"prediction-platform/internal/logging"
	"prediction-platform/internal/queue"
	"prediction-platform/internal/ratelimit"
	"prediction-platform/internal/repofetch"
	"prediction-platform/internal/service"
	"prediction-platform/internal/store"
	"prediction-platform/internal/telemetry"
)

func main() {
	cfg := config.Load()
	log := logging.New(cfg, "api")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := store.RunMigrations(cfg.PostgresDSN); err != nil {
		log.Fatal().Err(err).Msg("migrations")
	}
	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("connect postgres")
	}
	defer st.Close()

	q := queue.NewRedisQueue(cfg)
	defer q.Close()
	limiter := ratelimit.NewTokenBucket(q.Client(), cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	stager, err := artifact.New(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("init artifact stager")
	}
	docker, err := engine.NewDocker(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("init docker client")
	}
	defer docker.Close()

	fetcher := repofetch.New(cfg)
	ex := exchange.New(cfg.ExchangeRoot, cfg.ExchangeHostRoot)
	svc := service.New(st, fetcher, stager, q, log)
	dispatcher := dispatch.New(st, docker, ex, q, log, cfg)

	server := api.New(cfg, svc, dispatcher, fetcher, limiter, map[string]api.Pinger{"postgres": st, "redis": q}, log)
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: telemetry.Handler()}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("port", cfg.HTTPPort).Msg("api listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelShutdown()
		_ = metricsServer.Shutdown(shutdownCtx)
		return httpServer.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("api stopped")
	}
}
