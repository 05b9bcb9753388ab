package memreg_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/voucher-orchestrator/internal/adapter/registry/memreg"
	"github.com/fairyhunter13/voucher-orchestrator/internal/domain"
)

func TestMemRegistry_MirrorsRedisSemantics(t *testing.T) {
	reg := memreg.New(90 * time.Second)
	ctx := context.Background()

	_, err := reg.GetState(ctx, "b1")
	require.ErrorIs(t, err, domain.ErrNotFound)
	_, err = reg.GetConfig(ctx, "b1")
	require.ErrorIs(t, err, domain.ErrNotFound)

	ok, err := reg.AcquireLock(ctx, "b1", "a:b1", 15*time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	ok, _ = reg.AcquireLock(ctx, "b1", "b:b1", 15*time.Second)
	assert.False(t, ok)

	// Guarded write by the holder, refused for anyone else.
	ok, err = reg.SetState(ctx, "b1", "a:b1", domain.WorkerRunning, "started")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, _ = reg.SetState(ctx, "b1", "b:b1", domain.WorkerStopped, "takeover")
	assert.False(t, ok)

	st, err := reg.GetState(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, domain.WorkerRunning, st.Status)
	assert.Equal(t, "a:b1", st.Owner)

	cfg := domain.WorkerConfig{IntervalMS: 5000, MaxRetryStatus: 3, CooldownOnErrorMS: 10000, ProductID: "XL5GB", LimitHarga: 100000}
	require.NoError(t, reg.PutConfig(ctx, "b1", cfg))
	got, err := reg.GetConfig(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, cfg, got)

	ok, _ = reg.Heartbeat(ctx, domain.Heartbeat{BindingID: "b1", Owner: "a:b1", Cycle: 1, LastAction: "cycle_ok:SUKSES"})
	assert.True(t, ok)
	ok, _ = reg.Heartbeat(ctx, domain.Heartbeat{BindingID: "b1", Owner: "b:b1", Cycle: 9})
	assert.False(t, ok)

	seq1, _ := reg.EnqueueCommand(ctx, "b1", domain.Command{Kind: domain.CommandPause})
	seq2, _ := reg.EnqueueCommand(ctx, "b1", domain.Command{Kind: domain.CommandResume})
	assert.Equal(t, uint64(1), seq1)
	assert.Equal(t, uint64(2), seq2)
	cmds, err := reg.DrainCommands(ctx, "b1")
	require.NoError(t, err)
	require.Len(t, cmds, 2)
	cmds, _ = reg.DrainCommands(ctx, "b1")
	assert.Empty(t, cmds)

	snaps, err := reg.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, "a:b1", snaps[0].LockOwner)
	require.NotNil(t, snaps[0].Heartbeat)
	assert.Equal(t, uint64(1), snaps[0].Heartbeat.Cycle)
}

func TestMemRegistry_LockExpiry(t *testing.T) {
	reg := memreg.New(90 * time.Second)
	ctx := context.Background()

	ok, err := reg.AcquireLock(ctx, "b1", "a:b1", 15*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	reg.FastForward(16 * time.Second)

	ok, _ = reg.RefreshLock(ctx, "b1", "a:b1", 15*time.Second)
	assert.False(t, ok, "refresh after expiry must fail")
	ok, _ = reg.AcquireLock(ctx, "b1", "b:b1", 15*time.Second)
	assert.True(t, ok, "expired lock must be acquirable")

	// The old holder cannot release what it no longer owns.
	ok, _ = reg.ReleaseLock(ctx, "b1", "a:b1")
	assert.False(t, ok)
}

func TestMemRegistry_ControlStopClearsOwner(t *testing.T) {
	reg := memreg.New(90 * time.Second)
	ctx := context.Background()

	_, err := reg.AcquireLock(ctx, "b1", "a:b1", 15*time.Second)
	require.NoError(t, err)
	_, err = reg.SetState(ctx, "b1", "a:b1", domain.WorkerRunning, "started")
	require.NoError(t, err)

	_, err = reg.SetState(ctx, "b1", "", domain.WorkerPaused, "manual_pause")
	require.NoError(t, err)
	st, _ := reg.GetState(ctx, "b1")
	assert.Equal(t, "a:b1", st.Owner, "pause keeps the recorded owner")

	_, err = reg.SetState(ctx, "b1", "", domain.WorkerStopped, "manual_stop")
	require.NoError(t, err)
	st, _ = reg.GetState(ctx, "b1")
	assert.Empty(t, st.Owner, "stop clears the recorded owner")
}
