// Package redisreg implements the worker registry on Redis.
//
// One binding id maps to a small family of keys: a state hash, a config
// hash, a lock string with TTL, a heartbeat hash with TTL, a command list,
// and a sequence counter. Multi-step invariants (owner-guarded writes, lock
// refresh/release, command drain) run as Lua scripts so they stay atomic
// across replicas.
package redisreg

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/voucher-orchestrator/internal/adapter/observability"
	"github.com/fairyhunter13/voucher-orchestrator/internal/domain"
)

const (
	statePrefix  = "wrk:state:"
	cfgPrefix    = "wrk:cfg:"
	lockPrefix   = "wrk:lock:"
	hbPrefix     = "wrk:hb:"
	cmdPrefix    = "wrk:cmd:"
	cmdSeqPrefix = "wrk:cmdseq:"
)

// guardedSetStateScript writes the state hash only while ARGV[1] still holds
// the lock. The loser of a takeover must never overwrite the winner's state.
const guardedSetStateScript = `
if redis.call("GET", KEYS[1]) ~= ARGV[1] then
  return 0
end
redis.call("HSET", KEYS[2],
  "binding_id", ARGV[2],
  "status", ARGV[3],
  "reason", ARGV[4],
  "owner", ARGV[1],
  "updated_at", ARGV[5])
return 1
`

// heartbeatScript refuses the write once the lock changed hands, so a stale
// worker cannot keep a dead binding looking alive.
const heartbeatScript = `
if redis.call("GET", KEYS[1]) ~= ARGV[1] then
  return 0
end
redis.call("HSET", KEYS[2],
  "binding_id", ARGV[2],
  "owner", ARGV[1],
  "cycle", ARGV[3],
  "last_action", ARGV[4],
  "updated_at", ARGV[5])
redis.call("PEXPIRE", KEYS[2], ARGV[6])
return 1
`

const refreshLockScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`

const releaseLockScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

const drainCommandsScript = `
local items = redis.call("LRANGE", KEYS[1], 0, -1)
if #items > 0 then
  redis.call("DEL", KEYS[1])
end
return items
`

// Registry stores worker coordination data in Redis.
type Registry struct {
	client       *redis.Client
	heartbeatTTL time.Duration

	setState  *redis.Script
	heartbeat *redis.Script
	refresh   *redis.Script
	release   *redis.Script
	drain     *redis.Script
}

// New constructs a Registry. heartbeatTTL bounds how long a heartbeat hash
// survives after its worker dies; it should comfortably exceed the longest
// worker iteration.
func New(client *redis.Client, heartbeatTTL time.Duration) *Registry {
	return &Registry{
		client:       client,
		heartbeatTTL: heartbeatTTL,
		setState:     redis.NewScript(guardedSetStateScript),
		heartbeat:    redis.NewScript(heartbeatScript),
		refresh:      redis.NewScript(refreshLockScript),
		release:      redis.NewScript(releaseLockScript),
		drain:        redis.NewScript(drainCommandsScript),
	}
}

// GetState loads the state hash for one binding.
func (r *Registry) GetState(ctx domain.Context, bindingID string) (domain.WorkerState, error) {
	tracer := otel.Tracer("registry.redis")
	ctx, span := tracer.Start(ctx, "registry.GetState")
	defer span.End()
	m, err := r.client.HGetAll(ctx, statePrefix+bindingID).Result()
	if err != nil {
		return domain.WorkerState{}, fmt.Errorf("op=registry.get_state: %w", err)
	}
	if len(m) == 0 {
		return domain.WorkerState{}, fmt.Errorf("op=registry.get_state: %w", domain.ErrNotFound)
	}
	return stateFromHash(bindingID, m), nil
}

// SetState writes status and reason for one binding. A non-empty
// expectedOwner makes the write conditional on lock ownership and stamps the
// owner field; the unguarded control-plane path keeps the recorded owner for
// running/paused and clears it for stopped/idle.
func (r *Registry) SetState(ctx domain.Context, bindingID, expectedOwner string, status domain.WorkerStatus, reason string) (bool, error) {
	tracer := otel.Tracer("registry.redis")
	ctx, span := tracer.Start(ctx, "registry.SetState")
	defer span.End()
	if !status.Valid() {
		return false, fmt.Errorf("op=registry.set_state: status %q: %w", status, domain.ErrInvalidArgument)
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	if expectedOwner != "" {
		res, err := r.setState.Run(ctx, r.client,
			[]string{lockPrefix + bindingID, statePrefix + bindingID},
			expectedOwner, bindingID, string(status), reason, now,
		).Int()
		if err != nil {
			return false, fmt.Errorf("op=registry.set_state: %w", err)
		}
		return res == 1, nil
	}
	fields := map[string]any{
		"binding_id": bindingID,
		"status":     string(status),
		"reason":     reason,
		"updated_at": now,
	}
	if status == domain.WorkerStopped || status == domain.WorkerIdle {
		fields["owner"] = ""
	}
	if err := r.client.HSet(ctx, statePrefix+bindingID, fields).Err(); err != nil {
		return false, fmt.Errorf("op=registry.set_state: %w", err)
	}
	return true, nil
}

// PutConfig writes the config hash, replacing all fields.
func (r *Registry) PutConfig(ctx domain.Context, bindingID string, cfg domain.WorkerConfig) error {
	tracer := otel.Tracer("registry.redis")
	ctx, span := tracer.Start(ctx, "registry.PutConfig")
	defer span.End()
	fields := map[string]any{
		"interval_ms":          strconv.Itoa(cfg.IntervalMS),
		"max_retry_status":     strconv.Itoa(cfg.MaxRetryStatus),
		"cooldown_on_error_ms": strconv.Itoa(cfg.CooldownOnErrorMS),
		"product_id":           cfg.ProductID,
		"email":                cfg.Email,
		"limit_harga":          strconv.FormatInt(cfg.LimitHarga, 10),
	}
	if err := r.client.HSet(ctx, cfgPrefix+bindingID, fields).Err(); err != nil {
		return fmt.Errorf("op=registry.put_config: %w", err)
	}
	return nil
}

// GetConfig loads the config hash for one binding.
func (r *Registry) GetConfig(ctx domain.Context, bindingID string) (domain.WorkerConfig, error) {
	tracer := otel.Tracer("registry.redis")
	ctx, span := tracer.Start(ctx, "registry.GetConfig")
	defer span.End()
	m, err := r.client.HGetAll(ctx, cfgPrefix+bindingID).Result()
	if err != nil {
		return domain.WorkerConfig{}, fmt.Errorf("op=registry.get_config: %w", err)
	}
	if len(m) == 0 {
		return domain.WorkerConfig{}, fmt.Errorf("op=registry.get_config: %w", domain.ErrNotFound)
	}
	return domain.WorkerConfig{
		IntervalMS:        atoi(m["interval_ms"]),
		MaxRetryStatus:    atoi(m["max_retry_status"]),
		CooldownOnErrorMS: atoi(m["cooldown_on_error_ms"]),
		ProductID:         m["product_id"],
		Email:             m["email"],
		LimitHarga:        atoi64(m["limit_harga"]),
	}, nil
}

// AcquireLock attempts SET NX PX on the binding's lock key.
func (r *Registry) AcquireLock(ctx domain.Context, bindingID, owner string, ttl time.Duration) (bool, error) {
	tracer := otel.Tracer("registry.redis")
	ctx, span := tracer.Start(ctx, "registry.AcquireLock")
	defer span.End()
	ok, err := r.client.SetNX(ctx, lockPrefix+bindingID, owner, ttl).Result()
	observability.ObserveLockOp("acquire", err == nil && ok)
	if err != nil {
		return false, fmt.Errorf("op=registry.acquire_lock: %w", err)
	}
	return ok, nil
}

// RefreshLock extends the TTL while owner still holds the lock.
func (r *Registry) RefreshLock(ctx domain.Context, bindingID, owner string, ttl time.Duration) (bool, error) {
	tracer := otel.Tracer("registry.redis")
	ctx, span := tracer.Start(ctx, "registry.RefreshLock")
	defer span.End()
	res, err := r.refresh.Run(ctx, r.client, []string{lockPrefix + bindingID}, owner, ttl.Milliseconds()).Int()
	observability.ObserveLockOp("refresh", err == nil && res == 1)
	if err != nil {
		return false, fmt.Errorf("op=registry.refresh_lock: %w", err)
	}
	return res == 1, nil
}

// ReleaseLock deletes the lock only while owner still holds it.
func (r *Registry) ReleaseLock(ctx domain.Context, bindingID, owner string) (bool, error) {
	tracer := otel.Tracer("registry.redis")
	ctx, span := tracer.Start(ctx, "registry.ReleaseLock")
	defer span.End()
	res, err := r.release.Run(ctx, r.client, []string{lockPrefix + bindingID}, owner).Int()
	observability.ObserveLockOp("release", err == nil && res == 1)
	if err != nil {
		return false, fmt.Errorf("op=registry.release_lock: %w", err)
	}
	return res == 1, nil
}

// Heartbeat writes the liveness hash while hb.Owner holds the lock.
func (r *Registry) Heartbeat(ctx domain.Context, hb domain.Heartbeat) (bool, error) {
	tracer := otel.Tracer("registry.redis")
	ctx, span := tracer.Start(ctx, "registry.Heartbeat")
	defer span.End()
	updated := hb.UpdatedAt
	if updated.IsZero() {
		updated = time.Now().UTC()
	}
	res, err := r.heartbeat.Run(ctx, r.client,
		[]string{lockPrefix + hb.BindingID, hbPrefix + hb.BindingID},
		hb.Owner, hb.BindingID,
		strconv.FormatUint(hb.Cycle, 10), hb.LastAction,
		updated.Format(time.RFC3339Nano),
		r.heartbeatTTL.Milliseconds(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("op=registry.heartbeat: %w", err)
	}
	return res == 1, nil
}

// EnqueueCommand assigns the next per-binding sequence number and appends the
// command to the binding's list. Seq assignment is atomic; consumers treat a
// non-increasing Seq as a replay.
func (r *Registry) EnqueueCommand(ctx domain.Context, bindingID string, cmd domain.Command) (uint64, error) {
	tracer := otel.Tracer("registry.redis")
	ctx, span := tracer.Start(ctx, "registry.EnqueueCommand")
	defer span.End()
	seq, err := r.client.Incr(ctx, cmdSeqPrefix+bindingID).Result()
	if err != nil {
		return 0, fmt.Errorf("op=registry.enqueue_command: %w", err)
	}
	cmd.Seq = uint64(seq)
	if cmd.IssuedAt.IsZero() {
		cmd.IssuedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(cmd)
	if err != nil {
		return 0, fmt.Errorf("op=registry.enqueue_command: %w", err)
	}
	if err := r.client.RPush(ctx, cmdPrefix+bindingID, payload).Err(); err != nil {
		return 0, fmt.Errorf("op=registry.enqueue_command: %w", err)
	}
	return cmd.Seq, nil
}

// DrainCommands atomically takes everything queued for one binding.
func (r *Registry) DrainCommands(ctx domain.Context, bindingID string) ([]domain.Command, error) {
	tracer := otel.Tracer("registry.redis")
	ctx, span := tracer.Start(ctx, "registry.DrainCommands")
	defer span.End()
	res, err := r.drain.Run(ctx, r.client, []string{cmdPrefix + bindingID}).Result()
	if err != nil {
		return nil, fmt.Errorf("op=registry.drain_commands: %w", err)
	}
	items, ok := res.([]interface{})
	if !ok {
		return nil, fmt.Errorf("op=registry.drain_commands: unexpected script result %T: %w", res, domain.ErrInternal)
	}
	cmds := make([]domain.Command, 0, len(items))
	for _, it := range items {
		raw, ok := it.(string)
		if !ok {
			continue
		}
		var cmd domain.Command
		if err := json.Unmarshal([]byte(raw), &cmd); err != nil {
			return nil, fmt.Errorf("op=registry.drain_commands: decode: %w", err)
		}
		cmds = append(cmds, cmd)
	}
	if len(cmds) > 0 {
		observability.CommandsDrainedTotal.Add(float64(len(cmds)))
	}
	return cmds, nil
}

// Snapshot lists every binding with a state record, joined with its lock and
// heartbeat. Entries are individually consistent and sorted by binding id.
func (r *Registry) Snapshot(ctx domain.Context) ([]domain.WorkerSnapshot, error) {
	tracer := otel.Tracer("registry.redis")
	ctx, span := tracer.Start(ctx, "registry.Snapshot")
	defer span.End()
	ids := make([]string, 0, 16)
	iter := r.client.Scan(ctx, 0, statePrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		ids = append(ids, iter.Val()[len(statePrefix):])
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("op=registry.snapshot: %w", err)
	}
	sort.Strings(ids)

	out := make([]domain.WorkerSnapshot, 0, len(ids))
	for _, id := range ids {
		snap := domain.WorkerSnapshot{BindingID: id}
		m, err := r.client.HGetAll(ctx, statePrefix+id).Result()
		if err != nil {
			return nil, fmt.Errorf("op=registry.snapshot: %w", err)
		}
		if len(m) == 0 {
			continue // expired between scan and read
		}
		snap.State = stateFromHash(id, m)

		owner, err := r.client.Get(ctx, lockPrefix+id).Result()
		switch {
		case err == nil:
			snap.LockOwner = owner
			ttl, err := r.client.PTTL(ctx, lockPrefix+id).Result()
			if err != nil {
				return nil, fmt.Errorf("op=registry.snapshot: %w", err)
			}
			if ttl > 0 {
				snap.LockTTL = ttl
			}
		case err == redis.Nil:
			// no live lock
		default:
			return nil, fmt.Errorf("op=registry.snapshot: %w", err)
		}

		hm, err := r.client.HGetAll(ctx, hbPrefix+id).Result()
		if err != nil {
			return nil, fmt.Errorf("op=registry.snapshot: %w", err)
		}
		if len(hm) > 0 {
			hb := heartbeatFromHash(id, hm)
			snap.Heartbeat = &hb
		}
		out = append(out, snap)
	}
	return out, nil
}

func stateFromHash(bindingID string, m map[string]string) domain.WorkerState {
	return domain.WorkerState{
		BindingID: bindingID,
		Status:    domain.WorkerStatus(m["status"]),
		Reason:    m["reason"],
		Owner:     m["owner"],
		UpdatedAt: parseTime(m["updated_at"]),
	}
}

func heartbeatFromHash(bindingID string, m map[string]string) domain.Heartbeat {
	cycle, _ := strconv.ParseUint(m["cycle"], 10, 64)
	return domain.Heartbeat{
		BindingID:  bindingID,
		Owner:      m["owner"],
		Cycle:      cycle,
		LastAction: m["last_action"],
		UpdatedAt:  parseTime(m["updated_at"]),
	}
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func atoi64(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}
