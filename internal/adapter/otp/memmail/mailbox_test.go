package memmail_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/voucher-orchestrator/internal/adapter/otp/memmail"
	"github.com/fairyhunter13/voucher-orchestrator/internal/domain"
)

func TestMemMailbox_OfferThenWait(t *testing.T) {
	mb := memmail.New()
	ctx := context.Background()

	require.NoError(t, mb.Offer(ctx, "b1", "123456"))
	otp, err := mb.Wait(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, "123456", otp)

	require.NoError(t, mb.Offer(ctx, "b1", "654321"))
}

func TestMemMailbox_OccupiedSlot(t *testing.T) {
	mb := memmail.New()
	ctx := context.Background()

	require.NoError(t, mb.Offer(ctx, "b1", "123456"))
	require.ErrorIs(t, mb.Offer(ctx, "b1", "999999"), domain.ErrMailboxOccupied)
}

func TestMemMailbox_WaitUnblocksOnOffer(t *testing.T) {
	mb := memmail.New()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = mb.Offer(context.Background(), "b1", "123456")
	}()

	otp, err := mb.Wait(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, "123456", otp)
}

func TestMemMailbox_WaitStopsOnContextDone(t *testing.T) {
	mb := memmail.New()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := mb.Wait(ctx, "b1")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMemMailbox_IsolatedPerBinding(t *testing.T) {
	mb := memmail.New()
	ctx := context.Background()

	require.NoError(t, mb.Offer(ctx, "b1", "111111"))
	require.NoError(t, mb.Offer(ctx, "b2", "222222"))

	otp, err := mb.Wait(ctx, "b2")
	require.NoError(t, err)
	assert.Equal(t, "222222", otp)
}
