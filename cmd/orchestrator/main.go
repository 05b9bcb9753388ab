// Package main provides the standalone orchestrator entry point.
// It runs the worker fleet without the HTTP command plane: it adopts
// bindings whose desired state is running or paused, executes their
// purchase cycles, and exposes Prometheus metrics on a dedicated port.
// Use it to scale cycle execution separately from the API.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/voucher-orchestrator/internal/adapter/observability"
	"github.com/fairyhunter13/voucher-orchestrator/internal/adapter/otp/redismail"
	"github.com/fairyhunter13/voucher-orchestrator/internal/adapter/provider"
	providerstub "github.com/fairyhunter13/voucher-orchestrator/internal/adapter/provider/stub"
	"github.com/fairyhunter13/voucher-orchestrator/internal/adapter/registry/redisreg"
	"github.com/fairyhunter13/voucher-orchestrator/internal/adapter/repo/bindfile"
	"github.com/fairyhunter13/voucher-orchestrator/internal/adapter/repo/postgres"
	streamredpanda "github.com/fairyhunter13/voucher-orchestrator/internal/adapter/stream/redpanda"
	"github.com/fairyhunter13/voucher-orchestrator/internal/config"
	"github.com/fairyhunter13/voucher-orchestrator/internal/domain"
	"github.com/fairyhunter13/voucher-orchestrator/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	// Register Prometheus metrics in the orchestrator process and expose
	// them on a dedicated /metrics endpoint so Prometheus can scrape
	// cycle and lock instrumentation.
	observability.InitMetrics()
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(fmt.Sprintf(":%d", cfg.MetricsPort), mux); err != nil {
			slog.Error("orchestrator metrics server error", slog.Any("error", err))
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

	slog.Info("starting orchestrator", slog.String("env", cfg.AppEnv))

	ctx := context.Background()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer func() { _ = rdb.Close() }()
	pingCtx, cancelPing := context.WithTimeout(ctx, 5*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		cancelPing()
		slog.Error("redis unreachable", slog.String("addr", cfg.RedisAddr), slog.Any("error", err))
		os.Exit(2)
	}
	cancelPing()

	registry := redisreg.New(rdb, time.Minute)
	mailbox := redismail.New(rdb, cfg.OtpTimeout())

	pool, err := postgres.NewPool(ctx, cfg.PostgresURL)
	if err != nil {
		slog.Error("database connection failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	trxRepo := postgres.NewTransactionRepo(pool)

	var directory domain.BindingDirectory
	if cfg.BindingsFile != "" {
		dir, err := bindfile.Load(cfg.BindingsFile)
		if err != nil {
			slog.Error("bindings file load failed", slog.String("path", cfg.BindingsFile), slog.Any("error", err))
			os.Exit(1)
		}
		directory = dir
	} else {
		directory = postgres.NewBindingRepo(pool)
	}

	var prov domain.ProviderClient
	if cfg.ProviderMode == "stub" {
		prov = providerstub.New(providerstub.Options{})
		slog.Info("provider stub enabled")
	} else {
		prov = provider.New(cfg)
	}

	var audit domain.EventPublisher
	if cfg.AuditEnabled() {
		pub, err := streamredpanda.NewPublisher(cfg.KafkaBrokers, cfg.KafkaTopicTransactions)
		if err != nil {
			slog.Error("audit publisher init failed", slog.Any("error", err))
			os.Exit(1)
		}
		defer pub.Close()
		audit = pub
	}

	engine := usecase.NewEngine(prov, trxRepo, directory, mailbox, audit, cfg.OtpTimeout(), cfg.StatusPollDelay())
	loop := usecase.LoopSettings{
		LockTTL:         cfg.LockTTL(),
		ProviderTimeout: cfg.ProviderTimeout(),
		ProviderRetries: cfg.ProviderMaxRetries,
		StatusPollDelay: cfg.StatusPollDelay(),
		OtpTimeout:      cfg.OtpTimeout(),
		DefaultInterval: time.Duration(cfg.WorkerIntervalMSDefault) * time.Millisecond,
		HeartbeatSlack:  cfg.HeartbeatSlack(),
	}

	sup := usecase.NewSupervisor(registry, directory, engine, loop)
	slog.Info("supervisor ready", slog.String("instance", sup.Instance()))

	loopCtx, cancelLoops := context.WithCancel(ctx)
	go sup.RunReconcileLoop(loopCtx, cfg.ReconcileInterval())
	go sup.RunJanitor(loopCtx, cfg.ReconcileInterval())

	// Wait for shutdown signals
	slog.Info("orchestrator started, waiting for shutdown signal")
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	sig := <-sigCh
	slog.Info("signal received, shutting down", slog.String("signal", sig.String()))

	// Workers finish their in-flight cycles and release locks; binding
	// state stays running so another instance adopts them.
	cancelLoops()
	sup.Shutdown()
	slog.Info("orchestrator stopped")
}
