package usecase

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fairyhunter13/voucher-orchestrator/internal/domain"
	"github.com/fairyhunter13/voucher-orchestrator/pkg/redact"
)

// WorkerSpawner launches a local worker loop for one binding. Implemented by
// the Supervisor; control planes without local workers leave it nil and rely
// on a reconcile loop elsewhere.
type WorkerSpawner interface {
	Spawn(bindingID string) bool
}

// ControlService is the command plane: it validates bindings, writes desired
// state and config to the registry, enqueues commands, and reads state back
// for status and monitoring. It never runs cycles itself.
type ControlService struct {
	Registry  domain.Registry
	Directory domain.BindingDirectory
	Mailbox   domain.OtpMailbox
	Spawner   WorkerSpawner
}

// NewControlService constructs a ControlService.
func NewControlService(reg domain.Registry, dir domain.BindingDirectory, mbox domain.OtpMailbox, spawner WorkerSpawner) ControlService {
	return ControlService{Registry: reg, Directory: dir, Mailbox: mbox, Spawner: spawner}
}

// ItemResult is the per-binding outcome of one control operation.
type ItemResult struct {
	BindingID string `json:"binding_id"`
	OK        bool   `json:"ok"`
	Message   string `json:"message"`
}

// StatusItem is one binding's registry state as reported by Status.
type StatusItem struct {
	BindingID string    `json:"binding_id"`
	State     string    `json:"state"`
	Reason    string    `json:"reason,omitempty"`
	Owner     string    `json:"owner,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// MonitorItem is one row of the fleet monitor: state plus lock and heartbeat.
type MonitorItem struct {
	BindingID       string `json:"binding_id"`
	State           string `json:"state"`
	Reason          string `json:"reason,omitempty"`
	LockOwner       string `json:"lock_owner,omitempty"`
	LockTTLMS       int64  `json:"lock_ttl_ms,omitempty"`
	HeartbeatCycle  uint64 `json:"heartbeat_cycle,omitempty"`
	HeartbeatAction string `json:"heartbeat_last_action,omitempty"`
	HeartbeatAgeMS  int64  `json:"heartbeat_age_ms,omitempty"`
}

// MonitorResult aggregates the fleet view. ActiveWorkers counts bindings
// that are running with a live lock; TotalWorkers counts every binding the
// registry knows about.
type MonitorResult struct {
	TotalWorkers  int           `json:"total_workers"`
	ActiveWorkers int           `json:"active_workers"`
	Items         []MonitorItem `json:"items"`
}

// Start requests workers for the given bindings with cfg. A binding that is
// already running under a live lock only gets its config replaced; the
// worker picks it up at its next loop boundary.
func (s ControlService) Start(ctx domain.Context, bindingIDs []string, cfg domain.WorkerConfig) []ItemResult {
	live := s.lockView(ctx)
	out := make([]ItemResult, 0, len(bindingIDs))
	for _, id := range bindingIDs {
		out = append(out, s.startOne(ctx, id, cfg, live))
	}
	return out
}

func (s ControlService) startOne(ctx domain.Context, id string, cfg domain.WorkerConfig, live map[string]domain.WorkerSnapshot) ItemResult {
	if _, err := s.Directory.Resolve(ctx, id); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return ItemResult{BindingID: id, Message: "binding_not_found"}
		}
		slog.Error("binding resolve failed", slog.String("binding_id", id), slog.Any("error", err))
		return ItemResult{BindingID: id, Message: "directory_unavailable"}
	}
	if err := s.Registry.PutConfig(ctx, id, cfg); err != nil {
		return s.registryFailure(id, err)
	}
	if sn, ok := live[id]; ok && sn.State.Status == domain.WorkerRunning && sn.LockOwner != "" {
		if _, err := s.Registry.EnqueueCommand(ctx, id, domain.Command{Kind: domain.CommandStart, Config: &cfg}); err != nil {
			return s.registryFailure(id, err)
		}
		return ItemResult{BindingID: id, OK: true, Message: "config_updated"}
	}
	if _, err := s.Registry.SetState(ctx, id, "", domain.WorkerRunning, "start_requested"); err != nil {
		return s.registryFailure(id, err)
	}
	if _, err := s.Registry.EnqueueCommand(ctx, id, domain.Command{Kind: domain.CommandStart, Config: &cfg}); err != nil {
		return s.registryFailure(id, err)
	}
	if s.Spawner != nil {
		s.Spawner.Spawn(id)
	}
	return ItemResult{BindingID: id, OK: true, Message: "started"}
}

// Pause moves running bindings to paused. Workers notice at their next loop
// boundary and idle without releasing the lock.
func (s ControlService) Pause(ctx domain.Context, bindingIDs []string, reason string) []ItemResult {
	if reason == "" {
		reason = domain.ReasonManualPause
	}
	out := make([]ItemResult, 0, len(bindingIDs))
	for _, id := range bindingIDs {
		st, err := s.Registry.GetState(ctx, id)
		switch {
		case errors.Is(err, domain.ErrNotFound):
			out = append(out, ItemResult{BindingID: id, Message: "not_running"})
			continue
		case err != nil:
			out = append(out, s.registryFailure(id, err))
			continue
		}
		switch st.Status {
		case domain.WorkerRunning:
			if _, err := s.Registry.SetState(ctx, id, "", domain.WorkerPaused, reason); err != nil {
				out = append(out, s.registryFailure(id, err))
				continue
			}
			_, _ = s.Registry.EnqueueCommand(ctx, id, domain.Command{Kind: domain.CommandPause, Reason: reason})
			out = append(out, ItemResult{BindingID: id, OK: true, Message: "paused"})
		case domain.WorkerPaused:
			out = append(out, ItemResult{BindingID: id, OK: true, Message: "already_paused"})
		default:
			out = append(out, ItemResult{BindingID: id, Message: "not_running"})
		}
	}
	return out
}

// Resume moves paused bindings back to running.
func (s ControlService) Resume(ctx domain.Context, bindingIDs []string) []ItemResult {
	out := make([]ItemResult, 0, len(bindingIDs))
	for _, id := range bindingIDs {
		st, err := s.Registry.GetState(ctx, id)
		switch {
		case errors.Is(err, domain.ErrNotFound):
			out = append(out, ItemResult{BindingID: id, Message: "not_paused"})
			continue
		case err != nil:
			out = append(out, s.registryFailure(id, err))
			continue
		}
		switch st.Status {
		case domain.WorkerPaused:
			if _, err := s.Registry.SetState(ctx, id, "", domain.WorkerRunning, "resumed"); err != nil {
				out = append(out, s.registryFailure(id, err))
				continue
			}
			_, _ = s.Registry.EnqueueCommand(ctx, id, domain.Command{Kind: domain.CommandResume})
			out = append(out, ItemResult{BindingID: id, OK: true, Message: "resumed"})
		case domain.WorkerRunning:
			out = append(out, ItemResult{BindingID: id, OK: true, Message: "already_running"})
		default:
			out = append(out, ItemResult{BindingID: id, Message: "not_paused"})
		}
	}
	return out
}

// Stop requests a cooperative stop. The write is unconditional: stopping a
// binding with no live worker simply records the stopped state.
func (s ControlService) Stop(ctx domain.Context, bindingIDs []string, reason string) []ItemResult {
	if reason == "" {
		reason = domain.ReasonManualStop
	}
	out := make([]ItemResult, 0, len(bindingIDs))
	for _, id := range bindingIDs {
		if _, err := s.Registry.SetState(ctx, id, "", domain.WorkerStopped, reason); err != nil {
			out = append(out, s.registryFailure(id, err))
			continue
		}
		_, _ = s.Registry.EnqueueCommand(ctx, id, domain.Command{Kind: domain.CommandStop, Reason: reason})
		out = append(out, ItemResult{BindingID: id, OK: true, Message: "stop_requested"})
	}
	return out
}

// Status reads the state records for the given bindings. Unknown ids report
// idle.
func (s ControlService) Status(ctx domain.Context, bindingIDs []string) []StatusItem {
	out := make([]StatusItem, 0, len(bindingIDs))
	for _, id := range bindingIDs {
		st, err := s.Registry.GetState(ctx, id)
		if err != nil {
			reason := "not_found"
			if !errors.Is(err, domain.ErrNotFound) {
				reason = "registry_unavailable"
			}
			out = append(out, StatusItem{BindingID: id, State: string(domain.WorkerIdle), Reason: reason})
			continue
		}
		out = append(out, StatusItem{
			BindingID: id,
			State:     string(st.Status),
			Reason:    st.Reason,
			Owner:     st.Owner,
			UpdatedAt: st.UpdatedAt,
		})
	}
	return out
}

// Monitor returns the whole-fleet view from one registry snapshot.
func (s ControlService) Monitor(ctx domain.Context) (MonitorResult, error) {
	snaps, err := s.Registry.Snapshot(ctx)
	if err != nil {
		return MonitorResult{}, fmt.Errorf("op=control.monitor: %w", err)
	}
	res := MonitorResult{Items: make([]MonitorItem, 0, len(snaps))}
	now := time.Now()
	for _, sn := range snaps {
		item := MonitorItem{
			BindingID: sn.BindingID,
			State:     string(sn.State.Status),
			Reason:    sn.State.Reason,
			LockOwner: sn.LockOwner,
			LockTTLMS: sn.LockTTL.Milliseconds(),
		}
		if sn.Heartbeat != nil {
			item.HeartbeatCycle = sn.Heartbeat.Cycle
			item.HeartbeatAction = sn.Heartbeat.LastAction
			item.HeartbeatAgeMS = now.Sub(sn.Heartbeat.UpdatedAt).Milliseconds()
		}
		res.Items = append(res.Items, item)
		res.TotalWorkers++
		if sn.State.Status == domain.WorkerRunning && sn.LockOwner != "" {
			res.ActiveWorkers++
		}
	}
	return res, nil
}

// SubmitOTP validates the binding and offers the code to its mailbox slot.
// ErrMailboxOccupied surfaces when an earlier OTP is still unconsumed.
func (s ControlService) SubmitOTP(ctx domain.Context, bindingID, otp string) error {
	if bindingID == "" || otp == "" {
		return fmt.Errorf("op=control.submit_otp: binding id and otp required: %w", domain.ErrInvalidArgument)
	}
	if _, err := s.Directory.Resolve(ctx, bindingID); err != nil {
		return fmt.Errorf("op=control.submit_otp: %w", err)
	}
	if err := s.Mailbox.Offer(ctx, bindingID, otp); err != nil {
		return fmt.Errorf("op=control.submit_otp: %w", err)
	}
	slog.Info("otp offered",
		slog.String("binding_id", bindingID),
		slog.String("otp", redact.OTP(otp)),
	)
	return nil
}

// lockView maps binding id to its snapshot from one registry pass. A nil map
// (snapshot failure) makes Start fall back to the full restart path, which
// the lock contest keeps safe.
func (s ControlService) lockView(ctx domain.Context) map[string]domain.WorkerSnapshot {
	snaps, err := s.Registry.Snapshot(ctx)
	if err != nil {
		slog.Warn("registry snapshot failed", slog.Any("error", err))
		return nil
	}
	m := make(map[string]domain.WorkerSnapshot, len(snaps))
	for _, sn := range snaps {
		m[sn.BindingID] = sn
	}
	return m
}

func (s ControlService) registryFailure(id string, err error) ItemResult {
	slog.Error("registry write failed", slog.String("binding_id", id), slog.Any("error", err))
	return ItemResult{BindingID: id, Message: "registry_unavailable"}
}
