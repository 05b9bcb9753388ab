package usecase

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/fairyhunter13/voucher-orchestrator/internal/adapter/observability"
	"github.com/fairyhunter13/voucher-orchestrator/internal/domain"
)

// LoopSettings carries process-wide loop timing shared by every worker.
type LoopSettings struct {
	LockTTL         time.Duration
	ProviderTimeout time.Duration
	ProviderRetries int
	StatusPollDelay time.Duration
	OtpTimeout      time.Duration
	DefaultInterval time.Duration
	HeartbeatSlack  time.Duration
}

// CycleBudget bounds one engine cycle at twice the worst expected duration:
// every provider call may burn its full timeout across retries, the status
// loop adds its poll gaps, and the OTP rendezvous may run to its own
// deadline.
func (s LoopSettings) CycleBudget(cfg domain.WorkerConfig) time.Duration {
	call := s.ProviderTimeout * time.Duration(s.ProviderRetries+1)
	calls := time.Duration(5 + cfg.MaxRetryStatus)
	worst := call*calls + s.StatusPollDelay*time.Duration(cfg.MaxRetryStatus) + s.OtpTimeout
	return 2 * worst
}

// Worker drives the loop of one binding: it contests the lock at startup,
// runs engine cycles, heartbeats, and honors control-plane state at
// iteration boundaries. Exactly one worker per binding can hold the lock.
type Worker struct {
	BindingID string
	Owner     string
	Registry  domain.Registry
	Directory domain.BindingDirectory
	Engine    Engine
	Loop      LoopSettings
}

// pausedPollDelay is how long a paused worker sleeps between state re-reads.
const pausedPollDelay = 500 * time.Millisecond

// Worker exit reasons beyond the shared reason tags in domain.
const (
	exitShutdown     = "shutdown"
	exitLockLost     = "lock_lost"
	exitRegistryDown = "registry_unavailable"
	exitStateStopped = "state_stopped"
)

// Run executes the worker loop until a stop condition and returns the exit
// reason. Losing the startup lock contest is a normal, silent exit that
// leaves the registry untouched. Cancelling ctx lets the in-flight cycle
// finish, then exits without writing stopped, so the binding stays eligible
// for adoption by another process.
func (w *Worker) Run(ctx context.Context) string {
	log := slog.Default().With(
		slog.String("binding_id", w.BindingID),
		slog.String("owner", w.Owner),
	)

	ok, err := w.Registry.AcquireLock(ctx, w.BindingID, w.Owner, w.Loop.LockTTL)
	if err != nil {
		log.Error("lock acquire failed", slog.Any("error", err))
		return domain.ReasonLockNotAcquired
	}
	if !ok {
		log.Info("worker not started", slog.String("reason", domain.ReasonLockNotAcquired))
		return domain.ReasonLockNotAcquired
	}

	observability.WorkerStarted()
	defer observability.WorkerExited()

	// Adoption of a paused binding must not flip it back to running; the
	// loop idles on paused state until a resume arrives.
	startStatus, startReason := domain.WorkerRunning, "started"
	if st, serr := w.Registry.GetState(ctx, w.BindingID); serr == nil && st.Status == domain.WorkerPaused {
		startStatus, startReason = domain.WorkerPaused, st.Reason
	}
	if ok, err := w.Registry.SetState(ctx, w.BindingID, w.Owner, startStatus, startReason); err != nil || !ok {
		log.Warn("initial state write refused", slog.Any("error", err))
		w.finalize(log, true, 0)
		return exitLockLost
	}
	log.Info("worker started", slog.String("state", string(startStatus)))

	var (
		cycle     uint64
		lastSeq   uint64
		lastCfg   domain.WorkerConfig
		haveCfg   bool
		downSince time.Time
	)

	for {
		if ctx.Err() != nil {
			w.finalize(log, true, cycle)
			return exitShutdown
		}
		iterStart := time.Now()

		st, err := w.Registry.GetState(ctx, w.BindingID)
		switch {
		case errors.Is(err, domain.ErrNotFound):
			log.Warn("state record missing, exiting")
			w.finalize(log, true, cycle)
			return domain.ReasonStateMissing
		case err != nil:
			if w.outage(log, &downSince) {
				return exitRegistryDown
			}
			st = domain.WorkerState{BindingID: w.BindingID, Status: domain.WorkerRunning}
		default:
			downSince = time.Time{}
		}

		if st.Status == domain.WorkerStopped || st.Status == domain.WorkerIdle {
			log.Info("stop observed", slog.String("reason", st.Reason))
			w.finalize(log, true, cycle)
			return exitStateStopped
		}

		if st.Status == domain.WorkerPaused {
			if ok, rerr := w.Registry.RefreshLock(ctx, w.BindingID, w.Owner, w.Loop.LockTTL); rerr == nil && !ok {
				log.Warn("lock lost while paused, exiting without release")
				w.finalize(log, false, cycle)
				return exitLockLost
			}
			w.beat(ctx, log, cycle, "state:paused")
			if !sleepCtx(ctx, pausedPollDelay) {
				w.finalize(log, true, cycle)
				return exitShutdown
			}
			continue
		}

		ok, err := w.Registry.RefreshLock(ctx, w.BindingID, w.Owner, w.Loop.LockTTL)
		switch {
		case err != nil:
			if w.outage(log, &downSince) {
				return exitRegistryDown
			}
		case !ok:
			log.Warn("lock lost, exiting without release")
			w.finalize(log, false, cycle)
			return exitLockLost
		}

		cfg, err := w.Registry.GetConfig(ctx, w.BindingID)
		switch {
		case errors.Is(err, domain.ErrNotFound):
			log.Error("worker config missing, stopping")
			_, _ = w.Registry.SetState(ctx, w.BindingID, "", domain.WorkerStopped, domain.ReasonMissingWorkerConfig)
			w.finalize(log, true, cycle)
			return domain.ReasonMissingWorkerConfig
		case err != nil:
			if w.outage(log, &downSince) {
				return exitRegistryDown
			}
			if !haveCfg {
				if !sleepCtx(ctx, w.Loop.DefaultInterval) {
					w.finalize(log, true, cycle)
					return exitShutdown
				}
				continue
			}
			cfg = lastCfg
		default:
			lastCfg, haveCfg = cfg, true
		}

		binding, err := w.Directory.Resolve(ctx, w.BindingID)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				log.Error("binding vanished, stopping")
				_, _ = w.Registry.SetState(ctx, w.BindingID, "", domain.WorkerStopped, "binding_not_found")
				w.finalize(log, true, cycle)
				return "binding_not_found"
			}
			w.coolDown(ctx, log, cycle, cfg, err)
			continue
		}

		// Shutdown must let the in-flight cycle run to completion, so the
		// cycle context carries only the budget deadline, not ctx's cancel.
		cycleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.Loop.CycleBudget(cfg))
		outcome, err := w.Engine.RunCycle(cycleCtx, binding, cfg)
		cancel()

		if outcome.StopReason != "" {
			log.Warn("hard stop",
				slog.String("reason", outcome.StopReason),
				slog.String("trx_id", outcome.TrxID),
			)
			_, _ = w.Registry.SetState(ctx, w.BindingID, "", domain.WorkerStopped, outcome.StopReason)
			w.finalize(log, true, cycle)
			return outcome.StopReason
		}
		if err != nil {
			w.coolDown(ctx, log, cycle, cfg, err)
			continue
		}

		cycle++
		w.beat(ctx, log, cycle, "cycle_ok:"+string(outcome.Status))

		if cmds, derr := w.Registry.DrainCommands(ctx, w.BindingID); derr == nil {
			for _, c := range cmds {
				if c.Seq != 0 && c.Seq <= lastSeq {
					log.Debug("command replay ignored",
						slog.Uint64("seq", c.Seq),
						slog.String("kind", string(c.Kind)),
					)
					continue
				}
				lastSeq = c.Seq
				log.Info("command observed",
					slog.Uint64("seq", c.Seq),
					slog.String("kind", string(c.Kind)),
					slog.String("reason", c.Reason),
				)
			}
		}

		if d := cfg.Interval() - time.Since(iterStart); d > 0 {
			if !sleepCtx(ctx, d) {
				w.finalize(log, true, cycle)
				return exitShutdown
			}
		}
	}
}

// coolDown handles one failed cycle: heartbeat the error class without
// advancing the cycle counter, then sleep the configured cooldown.
func (w *Worker) coolDown(ctx context.Context, log *slog.Logger, cycle uint64, cfg domain.WorkerConfig, err error) {
	class := errClass(err)
	log.Error("cycle failed", slog.Any("error", err), slog.String("class", class))
	w.beat(ctx, log, cycle, "cycle_error:"+class)
	sleepCtx(ctx, cfg.Cooldown())
}

// outage tracks a registry outage window. Workers keep cycling on their
// last-known config while the registry is down; once the window exceeds the
// lock TTL the lock has expired under us and the only safe move is to exit.
func (w *Worker) outage(log *slog.Logger, since *time.Time) bool {
	if since.IsZero() {
		*since = time.Now()
		log.Warn("registry unavailable, continuing on last-known state")
		return false
	}
	if time.Since(*since) > w.Loop.LockTTL {
		log.Error("registry unavailable beyond lock ttl, exiting")
		return true
	}
	return false
}

func (w *Worker) beat(ctx context.Context, log *slog.Logger, cycle uint64, action string) {
	ok, err := w.Registry.Heartbeat(ctx, domain.Heartbeat{
		BindingID:  w.BindingID,
		Owner:      w.Owner,
		Cycle:      cycle,
		LastAction: action,
	})
	if err != nil {
		log.Warn("heartbeat failed", slog.Any("error", err))
	} else if !ok {
		log.Warn("heartbeat refused, owner mismatch")
	}
}

// finalize is the stopping phase: final heartbeat while the lock still
// matches the owner, then an owner-checked release. It runs on a fresh
// context so a cancelled worker can still say goodbye.
func (w *Worker) finalize(log *slog.Logger, releaseLock bool, cycle uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _ = w.Registry.Heartbeat(ctx, domain.Heartbeat{
		BindingID:  w.BindingID,
		Owner:      w.Owner,
		Cycle:      cycle,
		LastAction: "exited",
	})
	if releaseLock {
		if _, err := w.Registry.ReleaseLock(ctx, w.BindingID, w.Owner); err != nil {
			log.Warn("lock release failed", slog.Any("error", err))
		}
	}
}

// errClass maps a cycle error onto the short tag recorded in heartbeats.
func errClass(err error) string {
	switch {
	case errors.Is(err, domain.ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, domain.ErrProviderTransport):
		return "transport"
	case errors.Is(err, domain.ErrProviderResponse):
		return "provider_response"
	case errors.Is(err, context.DeadlineExceeded):
		return "deadline"
	default:
		return "internal"
	}
}

// sleepCtx sleeps d unless ctx is cancelled first; it reports whether the
// sleep ran to completion.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
