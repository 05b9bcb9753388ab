// Package stub provides a deterministic in-process provider for dev and demo
// runs (PROVIDER_MODE=stub). Transactions settle after a fixed number of
// status polls, the configured OTP is the only one accepted, and balances
// are tracked per msisdn so insufficient-balance paths can be exercised.
package stub

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/fairyhunter13/voucher-orchestrator/internal/domain"
)

// Options tune the stub's scripted behavior. Zero values pick the defaults.
type Options struct {
	InitialBalance   int64  // default 1_000_000
	Price            int64  // default 100_000 deducted per settled transaction
	SettleAfterPolls int    // default 2 status polls before a voucher appears
	AcceptOTP        string // default "123456"
}

func (o Options) withDefaults() Options {
	if o.InitialBalance == 0 {
		o.InitialBalance = 1_000_000
	}
	if o.Price == 0 {
		o.Price = 100_000
	}
	if o.SettleAfterPolls == 0 {
		o.SettleAfterPolls = 2
	}
	if o.AcceptOTP == "" {
		o.AcceptOTP = "123456"
	}
	return o
}

// Client is a scripted ProviderClient.
type Client struct {
	opts Options

	mu       sync.Mutex
	balances map[string]int64
	polls    map[string]int
	settled  map[string]bool
	seq      int
}

// New constructs a stub client.
func New(opts Options) *Client {
	return &Client{
		opts:     opts.withDefaults(),
		balances: map[string]int64{},
		polls:    map[string]int{},
		settled:  map[string]bool{},
	}
}

func (c *Client) balanceOf(msisdn string) int64 {
	bal, ok := c.balances[msisdn]
	if !ok {
		bal = c.opts.InitialBalance
		c.balances[msisdn] = bal
	}
	return bal
}

// SetBalance overrides the balance of one msisdn, for scripting scenarios.
func (c *Client) SetBalance(msisdn string, balance int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.balances[msisdn] = balance
}

// GetBalance returns the scripted balance.
func (c *Client) GetBalance(_ domain.Context, b domain.Binding) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.balanceOf(b.MSISDN), nil
}

// StartTransaction issues the next transaction id.
func (c *Client) StartTransaction(_ domain.Context, _ domain.Binding, _, _ string, _ int64) (domain.StartResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	trxID := fmt.Sprintf("STUB-%06d", c.seq)
	one := 1
	raw, _ := json.Marshal(map[string]any{
		"res": map[string]any{
			"data":   map[string]any{"trx_id": trxID, "t_id": c.seq, "is_success": 1},
			"status": "200",
		},
	})
	return domain.StartResult{TrxID: trxID, TID: fmt.Sprintf("%d", c.seq), IsSuccess: &one, Raw: raw}, nil
}

// CheckStatus settles a transaction once it has been polled enough times,
// deducting the price from the binding's balance on settlement.
func (c *Client) CheckStatus(_ domain.Context, b domain.Binding, trxID string) (domain.StatusResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.polls[trxID]++
	is := 1
	voucher := ""
	if c.polls[trxID] >= c.opts.SettleAfterPolls {
		is = 2
		voucher = "VCR-" + trxID
		if !c.settled[trxID] {
			c.settled[trxID] = true
			c.balances[b.MSISDN] = c.balanceOf(b.MSISDN) - c.opts.Price
		}
	}
	raw, _ := json.Marshal(map[string]any{
		"res": map[string]any{
			"data": map[string]any{"is_success": is, "voucher": voucher},
		},
	})
	return domain.StatusResult{IsSuccess: &is, VoucherCode: voucher, Raw: raw}, nil
}

// SubmitOTP accepts only the configured OTP.
func (c *Client) SubmitOTP(_ domain.Context, _ domain.Binding, otp string) (domain.OtpResult, error) {
	accepted := otp == c.opts.AcceptOTP
	status, msg := "200", "OTP diterima"
	if !accepted {
		status, msg = "403", "OTP salah"
	}
	raw, _ := json.Marshal(map[string]any{
		"res": map[string]any{"status": status, "message": msg},
	})
	return domain.OtpResult{Accepted: accepted, Message: msg, Raw: raw}, nil
}
