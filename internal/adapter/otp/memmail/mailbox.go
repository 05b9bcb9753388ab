// Package memmail implements the OTP rendezvous mailbox in process memory.
// Suitable when the control API and the workers share one process.
package memmail

import (
	"fmt"
	"sync"

	"github.com/fairyhunter13/voucher-orchestrator/internal/domain"
)

// Mailbox is a per-binding single-slot OTP rendezvous backed by buffered
// channels of capacity one.
type Mailbox struct {
	mu    sync.Mutex
	slots map[string]chan string
}

// New constructs an empty Mailbox.
func New() *Mailbox {
	return &Mailbox{slots: map[string]chan string{}}
}

func (m *Mailbox) slot(bindingID string) chan string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.slots[bindingID]
	if !ok {
		ch = make(chan string, 1)
		m.slots[bindingID] = ch
	}
	return ch
}

// Offer places an OTP in the binding's slot, failing with
// ErrMailboxOccupied while an unconsumed OTP is pending.
func (m *Mailbox) Offer(_ domain.Context, bindingID, otp string) error {
	select {
	case m.slot(bindingID) <- otp:
		return nil
	default:
		return fmt.Errorf("op=otp.offer: %w", domain.ErrMailboxOccupied)
	}
}

// Wait blocks until an OTP is available for the binding or ctx is done.
func (m *Mailbox) Wait(ctx domain.Context, bindingID string) (string, error) {
	select {
	case otp := <-m.slot(bindingID):
		return otp, nil
	case <-ctx.Done():
		return "", fmt.Errorf("op=otp.wait: %w", ctx.Err())
	}
}
