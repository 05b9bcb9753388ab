// Package redismail implements the OTP rendezvous mailbox on Redis, so the
// OTP ingress endpoint and the waiting worker may live in different replicas.
//
// One binding id maps to one slot key. Offer is SET NX with a TTL (a slot
// holds at most one unconsumed OTP and cannot leak forever); Wait polls with
// an atomic consume so two waiters can never read the same OTP.
package redismail

import (
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/voucher-orchestrator/internal/domain"
)

const otpPrefix = "wrk:otp:"

const pollEvery = 200 * time.Millisecond

const consumeScript = `
local v = redis.call("GET", KEYS[1])
if v then
  redis.call("DEL", KEYS[1])
end
return v
`

// Mailbox is a per-binding single-slot OTP rendezvous backed by Redis.
type Mailbox struct {
	client  *redis.Client
	slotTTL time.Duration
	consume *redis.Script
}

// New constructs a Mailbox. slotTTL bounds how long an unconsumed OTP keeps
// the slot occupied; it should cover the worker's wait window.
func New(client *redis.Client, slotTTL time.Duration) *Mailbox {
	return &Mailbox{
		client:  client,
		slotTTL: slotTTL,
		consume: redis.NewScript(consumeScript),
	}
}

// Offer places an OTP in the binding's slot. While an unconsumed OTP is
// pending the slot is occupied and the call fails with ErrMailboxOccupied.
func (m *Mailbox) Offer(ctx domain.Context, bindingID, otp string) error {
	tracer := otel.Tracer("otp.redis")
	ctx, span := tracer.Start(ctx, "otp.Offer")
	defer span.End()
	ok, err := m.client.SetNX(ctx, otpPrefix+bindingID, otp, m.slotTTL).Result()
	if err != nil {
		return fmt.Errorf("op=otp.offer: %w", err)
	}
	if !ok {
		return fmt.Errorf("op=otp.offer: %w", domain.ErrMailboxOccupied)
	}
	return nil
}

// Wait blocks until an OTP is available for the binding or ctx is done.
func (m *Mailbox) Wait(ctx domain.Context, bindingID string) (string, error) {
	tracer := otel.Tracer("otp.redis")
	ctx, span := tracer.Start(ctx, "otp.Wait")
	defer span.End()
	ticker := time.NewTicker(pollEvery)
	defer ticker.Stop()
	for {
		otp, err := m.consume.Run(ctx, m.client, []string{otpPrefix + bindingID}).Text()
		switch {
		case err == nil:
			return otp, nil
		case err == redis.Nil:
			// slot empty, keep polling
		default:
			return "", fmt.Errorf("op=otp.wait: %w", err)
		}
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("op=otp.wait: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}
