// Command worker consumes generation jobs from the broker, drives the
// generator poll loop, and publishes status events over the Redis relay. It
// also runs the DLQ consumer and the stuck-job sweeper.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/JoseStud/LoraAPIBackend-sub002/internal/adapter/cancelbus"
	"github.com/JoseStud/LoraAPIBackend-sub002/internal/adapter/eventrelay"
	"github.com/JoseStud/LoraAPIBackend-sub002/internal/adapter/generator/sdnext"
	"github.com/JoseStud/LoraAPIBackend-sub002/internal/adapter/observability"
	"github.com/JoseStud/LoraAPIBackend-sub002/internal/adapter/queue/redpanda"
	"github.com/JoseStud/LoraAPIBackend-sub002/internal/adapter/repo/postgres"
	"github.com/JoseStud/LoraAPIBackend-sub002/internal/app"
	"github.com/JoseStud/LoraAPIBackend-sub002/internal/config"
	"github.com/JoseStud/LoraAPIBackend-sub002/internal/domain"
	"github.com/JoseStud/LoraAPIBackend-sub002/internal/usecase"
)

const consumerGroup = "lora-generation-workers"

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		addr := fmt.Sprintf(":%d", cfg.MetricsPort)
		if err := http.ListenAndServe(addr, mux); err != nil {
			slog.Error("worker metrics server error", slog.Any("error", err))
		}
	}()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	if !cfg.BrokerConfigured() {
		if cfg.InProcessFallback {
			slog.Info("no broker configured; in-process fallback handles delivery, worker has nothing to do")
			os.Exit(0)
		}
		slog.Error("no broker configured and in-process fallback disabled")
		os.Exit(2)
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()
	jobRepo := postgres.NewJobRepo(pool)

	// Events cross process boundaries over Redis; without it, progress is
	// only visible through the job snapshot endpoint.
	var events domain.EventPublisher
	if cfg.RedisURL != "" {
		relay, err := eventrelay.NewPublisher(ctx, cfg.RedisURL)
		if err != nil {
			slog.Error("event relay connect failed", slog.Any("error", err))
			os.Exit(1)
		}
		defer func() { _ = relay.Close() }()
		events = relay
	}

	var bus domain.CancelBus
	if cfg.RedisURL != "" {
		redisBus, err := cancelbus.NewRedis(ctx, cfg.RedisURL)
		if err != nil {
			slog.Error("redis cancel bus connect failed", slog.Any("error", err))
			os.Exit(1)
		}
		defer func() { _ = redisBus.Close() }()
		bus = redisBus
	} else {
		slog.Warn("no redis configured; cancel requests from other processes will not reach this worker")
		bus = cancelbus.NewMemory()
	}

	gen := sdnext.New(cfg.GeneratorBaseURL, cfg.GeneratorTimeout)
	deliverer := usecase.NewDeliverService(jobRepo, gen, events, bus, cfg.PollInterval, cfg.MaxJobDuration)

	consumer, err := redpanda.NewConsumer(cfg.BrokerURL, consumerGroup, deliverer)
	if err != nil {
		slog.Error("broker consumer init failed", slog.Any("error", err))
		os.Exit(2)
	}
	defer consumer.Close()

	dlq, err := redpanda.NewDLQConsumer(cfg.BrokerURL, consumerGroup+"-dlq")
	if err != nil {
		slog.Error("dlq consumer init failed", slog.Any("error", err))
		os.Exit(2)
	}
	defer dlq.Close()

	sweeper := app.NewStuckJobSweeper(jobRepo, events, cfg.MaxJobDuration, time.Minute)

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		if err := consumer.Run(ctx); err != nil && ctx.Err() == nil {
			slog.Error("consumer stopped", slog.Any("error", err))
		}
	}()
	go func() {
		defer wg.Done()
		if err := dlq.Run(ctx); err != nil && ctx.Err() == nil {
			slog.Error("dlq consumer stopped", slog.Any("error", err))
		}
	}()
	go func() {
		defer wg.Done()
		sweeper.Run(ctx)
	}()

	slog.Info("worker started",
		slog.Int("concurrency", cfg.Workers()),
		slog.String("group", consumerGroup))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("shutdown signal received", slog.String("signal", sig.String()))

	stop()
	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(cfg.ServerShutdownTimeout):
		slog.Warn("shutdown timed out waiting for consumers")
	}
}
