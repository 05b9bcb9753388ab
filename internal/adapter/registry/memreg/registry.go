// Package memreg implements the worker registry in process memory.
//
// It mirrors the Redis implementation's semantics (owner-guarded writes,
// TTL-based lock expiry, monotonic command sequences) behind a single mutex,
// for single-process deployments and tests.
package memreg

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fairyhunter13/voucher-orchestrator/internal/domain"
)

type lockEntry struct {
	owner   string
	expires time.Time
}

type hbEntry struct {
	hb      domain.Heartbeat
	expires time.Time
}

// Registry keeps all worker coordination data in maps under one mutex.
type Registry struct {
	mu           sync.Mutex
	offset       time.Duration
	heartbeatTTL time.Duration

	states map[string]domain.WorkerState
	cfgs   map[string]domain.WorkerConfig
	locks  map[string]lockEntry
	hbs    map[string]hbEntry
	cmds   map[string][]domain.Command
	seqs   map[string]uint64
}

// New constructs an empty in-memory registry.
func New(heartbeatTTL time.Duration) *Registry {
	return &Registry{
		heartbeatTTL: heartbeatTTL,
		states:       map[string]domain.WorkerState{},
		cfgs:         map[string]domain.WorkerConfig{},
		locks:        map[string]lockEntry{},
		hbs:          map[string]hbEntry{},
		cmds:         map[string][]domain.Command{},
		seqs:         map[string]uint64{},
	}
}

// FastForward advances the registry's clock so TTL expiry can be exercised
// without sleeping.
func (r *Registry) FastForward(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.offset += d
}

func (r *Registry) now() time.Time { return time.Now().Add(r.offset) }

// lockOwner returns the live lock owner, expiring lazily. Callers hold r.mu.
func (r *Registry) lockOwner(bindingID string) string {
	e, ok := r.locks[bindingID]
	if !ok {
		return ""
	}
	if r.now().After(e.expires) {
		delete(r.locks, bindingID)
		return ""
	}
	return e.owner
}

// GetState loads the state record for one binding.
func (r *Registry) GetState(_ domain.Context, bindingID string) (domain.WorkerState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.states[bindingID]
	if !ok {
		return domain.WorkerState{}, fmt.Errorf("op=registry.get_state: %w", domain.ErrNotFound)
	}
	return st, nil
}

// SetState writes status and reason, with the same owner semantics as the
// Redis registry.
func (r *Registry) SetState(_ domain.Context, bindingID, expectedOwner string, status domain.WorkerStatus, reason string) (bool, error) {
	if !status.Valid() {
		return false, fmt.Errorf("op=registry.set_state: status %q: %w", status, domain.ErrInvalidArgument)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.states[bindingID]
	st.BindingID = bindingID
	if expectedOwner != "" {
		if r.lockOwner(bindingID) != expectedOwner {
			return false, nil
		}
		st.Owner = expectedOwner
	} else if status == domain.WorkerStopped || status == domain.WorkerIdle {
		st.Owner = ""
	}
	st.Status = status
	st.Reason = reason
	st.UpdatedAt = r.now().UTC()
	r.states[bindingID] = st
	return true, nil
}

// PutConfig stores the worker config for one binding.
func (r *Registry) PutConfig(_ domain.Context, bindingID string, cfg domain.WorkerConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cfgs[bindingID] = cfg
	return nil
}

// GetConfig loads the worker config for one binding.
func (r *Registry) GetConfig(_ domain.Context, bindingID string) (domain.WorkerConfig, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cfg, ok := r.cfgs[bindingID]
	if !ok {
		return domain.WorkerConfig{}, fmt.Errorf("op=registry.get_config: %w", domain.ErrNotFound)
	}
	return cfg, nil
}

// AcquireLock grants the lock when none is live.
func (r *Registry) AcquireLock(_ domain.Context, bindingID, owner string, ttl time.Duration) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lockOwner(bindingID) != "" {
		return false, nil
	}
	r.locks[bindingID] = lockEntry{owner: owner, expires: r.now().Add(ttl)}
	return true, nil
}

// RefreshLock extends the TTL while owner holds the lock.
func (r *Registry) RefreshLock(_ domain.Context, bindingID, owner string, ttl time.Duration) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lockOwner(bindingID) != owner {
		return false, nil
	}
	r.locks[bindingID] = lockEntry{owner: owner, expires: r.now().Add(ttl)}
	return true, nil
}

// ReleaseLock frees the lock while owner holds it.
func (r *Registry) ReleaseLock(_ domain.Context, bindingID, owner string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lockOwner(bindingID) != owner {
		return false, nil
	}
	delete(r.locks, bindingID)
	return true, nil
}

// Heartbeat records liveness while hb.Owner holds the lock.
func (r *Registry) Heartbeat(_ domain.Context, hb domain.Heartbeat) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lockOwner(hb.BindingID) != hb.Owner {
		return false, nil
	}
	if hb.UpdatedAt.IsZero() {
		hb.UpdatedAt = r.now().UTC()
	}
	r.hbs[hb.BindingID] = hbEntry{hb: hb, expires: r.now().Add(r.heartbeatTTL)}
	return true, nil
}

// EnqueueCommand assigns the next sequence number and appends the command.
func (r *Registry) EnqueueCommand(_ domain.Context, bindingID string, cmd domain.Command) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seqs[bindingID]++
	cmd.Seq = r.seqs[bindingID]
	if cmd.IssuedAt.IsZero() {
		cmd.IssuedAt = r.now().UTC()
	}
	r.cmds[bindingID] = append(r.cmds[bindingID], cmd)
	return cmd.Seq, nil
}

// DrainCommands takes everything queued for one binding.
func (r *Registry) DrainCommands(_ domain.Context, bindingID string) ([]domain.Command, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cmds := r.cmds[bindingID]
	delete(r.cmds, bindingID)
	return cmds, nil
}

// Snapshot lists every binding with a state record, sorted by id.
func (r *Registry) Snapshot(_ domain.Context) ([]domain.WorkerSnapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.states))
	for id := range r.states {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]domain.WorkerSnapshot, 0, len(ids))
	for _, id := range ids {
		snap := domain.WorkerSnapshot{BindingID: id, State: r.states[id]}
		if owner := r.lockOwner(id); owner != "" {
			snap.LockOwner = owner
			snap.LockTTL = r.locks[id].expires.Sub(r.now())
		}
		if e, ok := r.hbs[id]; ok {
			if r.now().After(e.expires) {
				delete(r.hbs, id)
			} else {
				hb := e.hb
				snap.Heartbeat = &hb
			}
		}
		out = append(out, snap)
	}
	return out, nil
}
