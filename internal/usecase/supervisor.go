package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fairyhunter13/voucher-orchestrator/internal/adapter/observability"
	"github.com/fairyhunter13/voucher-orchestrator/internal/domain"
)

// Supervisor owns the worker goroutines of one process. Lock owners are
// derived from its instance identity (host, pid, nonce), so every lock this
// process holds is attributable to it after a crash.
type Supervisor struct {
	Registry  domain.Registry
	Directory domain.BindingDirectory
	Engine    Engine
	Loop      LoopSettings

	instance string

	mu      sync.Mutex
	workers map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// NewSupervisor constructs a Supervisor with a fresh instance identity.
func NewSupervisor(reg domain.Registry, dir domain.BindingDirectory, eng Engine, loop LoopSettings) *Supervisor {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return &Supervisor{
		Registry:  reg,
		Directory: dir,
		Engine:    eng,
		Loop:      loop,
		instance:  fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8]),
		workers:   map[string]context.CancelFunc{},
	}
}

// Instance returns the process identity prefixed to every lock owner.
func (s *Supervisor) Instance() string { return s.instance }

// OwnerFor derives the lock owner string for one binding.
func (s *Supervisor) OwnerFor(bindingID string) string {
	return s.instance + ":" + bindingID
}

// Spawn launches a worker goroutine for bindingID unless this process
// already tracks one. The registry lock, not the local map, decides real
// ownership; a worker that loses the contest exits on its own. Returns
// whether a goroutine was started.
func (s *Supervisor) Spawn(bindingID string) bool {
	s.mu.Lock()
	if _, exists := s.workers[bindingID]; exists {
		s.mu.Unlock()
		return false
	}
	// Workers outlive whatever request triggered the spawn; their lifetime
	// is bound to Shutdown through the tracked cancel.
	wctx, cancel := context.WithCancel(context.Background())
	s.workers[bindingID] = cancel
	s.wg.Add(1)
	s.mu.Unlock()

	w := &Worker{
		BindingID: bindingID,
		Owner:     s.OwnerFor(bindingID),
		Registry:  s.Registry,
		Directory: s.Directory,
		Engine:    s.Engine,
		Loop:      s.Loop,
	}
	go func() {
		defer s.wg.Done()
		defer cancel()
		reason := w.Run(wctx)
		s.mu.Lock()
		delete(s.workers, bindingID)
		s.mu.Unlock()
		slog.Info("worker done",
			slog.String("binding_id", bindingID),
			slog.String("owner", w.Owner),
			slog.String("reason", reason),
		)
	}()
	return true
}

// Tracked reports how many worker goroutines this process currently tracks.
func (s *Supervisor) Tracked() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.workers)
}

// Reconcile scans the registry and adopts bindings whose desired state is
// running or paused but whose lock has expired, which is the takeover path
// after a worker crash or partition. Returns how many workers were spawned.
func (s *Supervisor) Reconcile(ctx context.Context) (int, error) {
	snaps, err := s.Registry.Snapshot(ctx)
	if err != nil {
		return 0, fmt.Errorf("op=supervisor.reconcile: %w", err)
	}
	adopted := 0
	for _, sn := range snaps {
		if sn.State.Status != domain.WorkerRunning && sn.State.Status != domain.WorkerPaused {
			continue
		}
		if sn.LockOwner != "" {
			continue
		}
		if s.Spawn(sn.BindingID) {
			adopted++
			slog.Info("binding adopted",
				slog.String("binding_id", sn.BindingID),
				slog.String("state", string(sn.State.Status)),
				slog.String("last_reason", sn.State.Reason),
			)
		}
	}
	return adopted, nil
}

// RunReconcileLoop reconciles immediately and then on every tick until ctx
// is cancelled.
func (s *Supervisor) RunReconcileLoop(ctx context.Context, interval time.Duration) {
	if _, err := s.Reconcile(ctx); err != nil {
		slog.Error("reconcile failed", slog.Any("error", err))
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Reconcile(ctx); err != nil {
				slog.Error("reconcile failed", slog.Any("error", err))
			}
		}
	}
}

// SweepStaleHeartbeats counts running bindings whose heartbeat is missing or
// older than twice their loop interval plus slack, and updates the
// stale-workers gauge. Detection only; takeover happens through Reconcile
// once the lock expires.
func (s *Supervisor) SweepStaleHeartbeats(ctx context.Context) (int, error) {
	snaps, err := s.Registry.Snapshot(ctx)
	if err != nil {
		return 0, fmt.Errorf("op=supervisor.sweep: %w", err)
	}
	now := time.Now()
	stale := 0
	for _, sn := range snaps {
		if sn.State.Status != domain.WorkerRunning {
			continue
		}
		interval := s.Loop.DefaultInterval
		if cfg, cerr := s.Registry.GetConfig(ctx, sn.BindingID); cerr == nil {
			interval = cfg.Interval()
		}
		maxAge := 2*interval + s.Loop.HeartbeatSlack
		if sn.Heartbeat == nil {
			stale++
			slog.Warn("running binding has no heartbeat",
				slog.String("binding_id", sn.BindingID),
				slog.String("lock_owner", sn.LockOwner),
			)
			continue
		}
		if age := now.Sub(sn.Heartbeat.UpdatedAt); age > maxAge {
			stale++
			slog.Warn("stale worker heartbeat",
				slog.String("binding_id", sn.BindingID),
				slog.String("lock_owner", sn.LockOwner),
				slog.Duration("age", age),
				slog.Duration("max_age", maxAge),
			)
		}
	}
	observability.StaleWorkers.Set(float64(stale))
	return stale, nil
}

// RunJanitor sweeps stale heartbeats on every tick until ctx is cancelled.
func (s *Supervisor) RunJanitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.SweepStaleHeartbeats(ctx); err != nil {
				slog.Error("stale heartbeat sweep failed", slog.Any("error", err))
			}
		}
	}
}

// Shutdown cancels every tracked worker and waits for their in-flight
// cycles to finish.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	for _, cancel := range s.workers {
		cancel()
	}
	s.mu.Unlock()
	s.wg.Wait()
}
