// Command server starts the voucher orchestrator API: the control plane,
// the worker supervisor, and the fleet monitor, in one process.
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

	"github.com/redis/go-redis/v9"

	httpserver "github.com/fairyhunter13/voucher-orchestrator/internal/adapter/httpserver"
	"github.com/fairyhunter13/voucher-orchestrator/internal/adapter/observability"
	"github.com/fairyhunter13/voucher-orchestrator/internal/adapter/otp/redismail"
	"github.com/fairyhunter13/voucher-orchestrator/internal/adapter/provider"
	providerstub "github.com/fairyhunter13/voucher-orchestrator/internal/adapter/provider/stub"
	"github.com/fairyhunter13/voucher-orchestrator/internal/adapter/registry/redisreg"
	"github.com/fairyhunter13/voucher-orchestrator/internal/adapter/repo/bindfile"
	"github.com/fairyhunter13/voucher-orchestrator/internal/adapter/repo/postgres"
	streamredpanda "github.com/fairyhunter13/voucher-orchestrator/internal/adapter/stream/redpanda"
	"github.com/fairyhunter13/voucher-orchestrator/internal/app"
	"github.com/fairyhunter13/voucher-orchestrator/internal/config"
	"github.com/fairyhunter13/voucher-orchestrator/internal/domain"
	"github.com/fairyhunter13/voucher-orchestrator/internal/usecase"
)

// redisPinger adapts *redis.Client to the readiness RedisClient interface.
type redisPinger struct{ c *redis.Client }

func (p redisPinger) Ping(ctx context.Context) app.RedisPingResult { return p.c.Ping(ctx) }

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	// Register all Prometheus metrics once per process so that /metrics
	// exposes HTTP, worker, and provider instrumentation.
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

	ctx := context.Background()

	// Registry backend. The registry is the source of truth for worker
	// state and locks; refusing to start without it beats running blind.
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

	// Infra: DB pool
	pool, err := postgres.NewPool(ctx, cfg.PostgresURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	trxRepo := postgres.NewTransactionRepo(pool)

	// Binding directory: YAML catalog for standalone runs, Postgres otherwise.
	var directory domain.BindingDirectory
	if cfg.BindingsFile != "" {
		dir, err := bindfile.Load(cfg.BindingsFile)
		if err != nil {
			slog.Error("bindings file load failed", slog.String("path", cfg.BindingsFile), slog.Any("error", err))
			os.Exit(1)
		}
		directory = dir
		slog.Info("binding directory from file", slog.String("path", cfg.BindingsFile))
	} else {
		bindRepo := postgres.NewBindingRepo(pool)
		if path := os.Getenv("SEED_BINDINGS_FILE"); path != "" {
			if err := seedBindingsFromYAML(ctx, bindRepo, path); err != nil {
				slog.Error("binding seed failed", slog.String("path", path), slog.Any("error", err))
				os.Exit(1)
			}
		}
		directory = bindRepo
	}

	// Start cleanup service for data retention
	if cfg.DataRetentionDays > 0 {
		cleanupSvc := postgres.NewCleanupService(postgres.PoolBeginner{Pool: pool}, cfg.DataRetentionDays)
		go cleanupSvc.RunPeriodic(ctx, 6*time.Hour)
		slog.Info("cleanup service started", slog.Int("retention_days", cfg.DataRetentionDays))
	}

	// Upstream provider client
	var prov domain.ProviderClient
	if cfg.ProviderMode == "stub" {
		prov = providerstub.New(providerstub.Options{})
		slog.Info("provider stub enabled")
	} else {
		prov = provider.New(cfg)
	}

	// Audit stream (optional)
	var audit domain.EventPublisher
	if cfg.AuditEnabled() {
		pub, err := streamredpanda.NewPublisher(cfg.KafkaBrokers, cfg.KafkaTopicTransactions)
		if err != nil {
			slog.Error("audit publisher init failed", slog.Any("error", err))
			os.Exit(1)
		}
		defer pub.Close()
		audit = pub
		slog.Info("audit stream enabled", slog.String("topic", cfg.KafkaTopicTransactions))
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

	// Background loops: adoption of abandoned bindings and stale-heartbeat
	// detection. Both are safe to run in every process.
	loopCtx, cancelLoops := context.WithCancel(ctx)
	go sup.RunReconcileLoop(loopCtx, cfg.ReconcileInterval())
	go sup.RunJanitor(loopCtx, cfg.ReconcileInterval())

	control := usecase.NewControlService(registry, directory, mailbox, sup)

	dbCheck, redisCheck := app.BuildReadinessChecks(pool, redisPinger{c: rdb})
	srv := httpserver.NewServer(cfg, control, dbCheck, redisCheck)
	handler := app.BuildRouter(cfg, srv)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
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

	// Let every worker finish its in-flight cycle and release its lock so
	// another instance can adopt the bindings promptly.
	cancelLoops()
	sup.Shutdown()
	slog.Info("workers drained")
}
