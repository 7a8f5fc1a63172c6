// Command server starts the LoRA manager HTTP API: job submission, job
// lifecycle, recommendations, and the WebSocket progress endpoint. It owns
// the queue producer side and the in-process fallback workers.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/JoseStud/LoraAPIBackend-sub002/internal/adapter/cancelbus"
	"github.com/JoseStud/LoraAPIBackend-sub002/internal/adapter/eventrelay"
	"github.com/JoseStud/LoraAPIBackend-sub002/internal/adapter/generator/sdnext"
	"github.com/JoseStud/LoraAPIBackend-sub002/internal/adapter/httpserver"
	"github.com/JoseStud/LoraAPIBackend-sub002/internal/adapter/observability"
	"github.com/JoseStud/LoraAPIBackend-sub002/internal/adapter/queue"
	"github.com/JoseStud/LoraAPIBackend-sub002/internal/adapter/queue/inproc"
	"github.com/JoseStud/LoraAPIBackend-sub002/internal/adapter/queue/redpanda"
	"github.com/JoseStud/LoraAPIBackend-sub002/internal/adapter/repo/postgres"
	"github.com/JoseStud/LoraAPIBackend-sub002/internal/adapter/simcache"
	"github.com/JoseStud/LoraAPIBackend-sub002/internal/adapter/similarity"
	"github.com/JoseStud/LoraAPIBackend-sub002/internal/adapter/ws"
	"github.com/JoseStud/LoraAPIBackend-sub002/internal/app"
	"github.com/JoseStud/LoraAPIBackend-sub002/internal/config"
	"github.com/JoseStud/LoraAPIBackend-sub002/internal/domain"
	"github.com/JoseStud/LoraAPIBackend-sub002/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	jobRepo := postgres.NewJobRepo(pool)
	adapterRepo := postgres.NewAdapterRepo(pool)

	if cfg.DataRetentionDays > 0 {
		cleanup := postgres.NewCleanupService(pool, cfg.DataRetentionDays)
		go cleanup.RunPeriodic(ctx, cfg.CleanupInterval)
	}

	// Progress hub plus the cross-process relay: workers in other processes
	// publish over Redis and this hub fans out to WebSocket subscribers.
	hub := ws.NewHub(cfg.WSBufferSize, cfg.WSTerminalRetain)
	if cfg.RedisURL != "" {
		relay, err := eventrelay.NewSubscriber(ctx, cfg.RedisURL, hub)
		if err != nil {
			slog.Error("event relay subscribe failed", slog.Any("error", err))
			os.Exit(1)
		}
		defer func() { _ = relay.Close() }()
		go relay.Run()
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
		bus = cancelbus.NewMemory()
	}

	gen := sdnext.New(cfg.GeneratorBaseURL, cfg.GeneratorTimeout)

	// In-process fallback executors run inside this process; they only see
	// traffic when the orchestrator degrades off the broker.
	deliverer := usecase.NewDeliverService(jobRepo, gen, hub, bus, cfg.PollInterval, cfg.MaxJobDuration)
	inq := inproc.New(cfg.QueueCapacity, cfg.SubmitTimeout, cfg.Workers(), deliverer)
	go inq.Run(ctx)

	var broker queue.Broker
	if cfg.BrokerConfigured() {
		producer, err := redpanda.NewProducer(cfg.BrokerURL)
		switch {
		case err == nil:
			defer producer.Close()
			broker = producer
		case !cfg.InProcessFallback:
			slog.Error("broker unreachable and in-process fallback disabled", slog.Any("error", err))
			os.Exit(2)
		default:
			slog.Warn("broker unreachable; running on in-process queue", slog.Any("error", err))
		}
	}
	orchestrator := queue.New(broker, inq, cfg.BrokerHealthPeriod)
	if broker != nil && !orchestrator.BrokerActive() && !cfg.InProcessFallback {
		slog.Error("broker unhealthy at startup and in-process fallback disabled")
		os.Exit(2)
	}
	go orchestrator.RunHealthLoop(ctx)

	generateSvc := usecase.NewGenerateService(jobRepo, adapterRepo, orchestrator, hub, cfg.ImmediateModeDeadline)
	jobSvc := usecase.NewJobService(jobRepo, hub, bus)
	recommendSvc := usecase.NewRecommendService(
		simcache.New(cfg.CacheTTL, cfg.CacheMaxEntries, int(cfg.CacheMaxBytes)),
		similarity.New(adapterRepo),
		adapterRepo,
	)

	srv := httpserver.NewServer(cfg, generateSvc, jobSvc, recommendSvc)
	ready := app.ReadyzHandler(map[string]app.Check{
		"db":        app.DBCheck(pool),
		"broker":    app.BrokerCheck(broker),
		"generator": app.GeneratorCheck(gen),
	})
	handler := app.BuildRouter(cfg, srv, hub, ready)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
	hub.Shutdown(shutdownCtx)
	stop()
}
