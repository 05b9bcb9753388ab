// Package domain holds the core entities and ports of the orchestrator.
package domain

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrUnavailable       = errors.New("unavailable")
	ErrRateLimited       = errors.New("rate limited")
	ErrProviderTransport = errors.New("provider transport error")
	ErrProviderResponse  = errors.New("provider response invalid")
	ErrOtpTimeout        = errors.New("otp timeout")
	ErrLockLost          = errors.New("lock lost")
	ErrMailboxOccupied   = errors.New("otp already pending")
	ErrInternal          = errors.New("internal error")
)

// WorkerStatus is the desired/observed lifecycle state of a binding's worker
// as recorded in the registry.
type WorkerStatus string

const (
	WorkerIdle    WorkerStatus = "idle"
	WorkerRunning WorkerStatus = "running"
	WorkerPaused  WorkerStatus = "paused"
	WorkerStopped WorkerStatus = "stopped"
)

// Valid reports whether s is one of the four known statuses.
func (s WorkerStatus) Valid() bool {
	switch s {
	case WorkerIdle, WorkerRunning, WorkerPaused, WorkerStopped:
		return true
	}
	return false
}

// WorkerState is the registry record for one binding. Exactly one exists per
// binding id; Owner is empty while no worker holds the lock.
type WorkerState struct {
	BindingID string
	Status    WorkerStatus
	Reason    string
	Owner     string
	UpdatedAt time.Time
}

// WorkerConfig parametrizes the loop of one worker run. It is written on
// start and re-read by the worker at every iteration boundary.
type WorkerConfig struct {
	IntervalMS        int
	MaxRetryStatus    int
	CooldownOnErrorMS int
	ProductID         string
	Email             string
	LimitHarga        int64
}

// Interval returns the inter-iteration gap as a duration.
func (c WorkerConfig) Interval() time.Duration {
	return time.Duration(c.IntervalMS) * time.Millisecond
}

// Cooldown returns the post-error sleep as a duration.
func (c WorkerConfig) Cooldown() time.Duration {
	return time.Duration(c.CooldownOnErrorMS) * time.Millisecond
}

// CommandKind enumerates control-plane commands.
type CommandKind string

const (
	CommandStart  CommandKind = "start"
	CommandPause  CommandKind = "pause"
	CommandResume CommandKind = "resume"
	CommandStop   CommandKind = "stop"
)

// Command is a control intent targeted at one binding. Seq is assigned by the
// registry and increases monotonically per binding, so at-least-once replays
// are detectable by consumers.
type Command struct {
	Seq      uint64        `json:"seq"`
	Kind     CommandKind   `json:"kind"`
	Reason   string        `json:"reason,omitempty"`
	Config   *WorkerConfig `json:"config,omitempty"`
	IssuedAt time.Time     `json:"issued_at"`
}

// Heartbeat is the liveness record a worker writes each iteration. Cycle
// increments once per completed iteration; paused or error refreshes re-write
// the current cycle with a fresh UpdatedAt.
type Heartbeat struct {
	BindingID  string
	Owner      string
	Cycle      uint64
	LastAction string
	UpdatedAt  time.Time
}

// WorkerSnapshot is one monitor entry: state plus lock and heartbeat as
// observed at (approximately) the same moment. Consistency is per entry.
type WorkerSnapshot struct {
	BindingID string
	State     WorkerState
	LockOwner string
	LockTTL   time.Duration
	Heartbeat *Heartbeat
}

// Transaction statuses as used by the upstream operator flows.
type TransactionStatus string

const (
	StatusProcessing TransactionStatus = "PROCESSING"
	StatusPaused     TransactionStatus = "PAUSED"
	StatusResumed    TransactionStatus = "RESUMED"
	StatusSukses     TransactionStatus = "SUKSES"
	StatusSuspect    TransactionStatus = "SUSPECT"
	StatusGagal      TransactionStatus = "GAGAL"
)

// OtpStatus tracks the OTP sub-flow of one transaction.
type OtpStatus string

const (
	OtpPending OtpStatus = "PENDING"
	OtpSuccess OtpStatus = "SUCCESS"
	OtpFailed  OtpStatus = "FAILED"
)

// TransactionRecord is the audit row the engine writes through the
// persistence port. Idempotency key is (BindingID, TrxID); the engine never
// reads records back to decide behavior.
type TransactionRecord struct {
	BindingID    string
	TrxID        string
	TID          string
	ProductID    string
	Email        string
	LimitHarga   int64
	Amount       int64
	Status       TransactionStatus
	IsSuccess    *int
	VoucherCode  string
	ErrorMessage string
	OtpRequired  bool
	OtpStatus    OtpStatus
}

// TransactionSnapshot carries the balance bracket and raw provider payloads
// for one transaction.
type TransactionSnapshot struct {
	BindingID    string
	TrxID        string
	BalanceStart *int64
	BalanceEnd   *int64
	StartRaw     []byte
	StatusRaw    []byte
}

// Server describes one upstream provider endpoint.
type Server struct {
	BaseURL              string
	TimeoutMS            int
	Retries              int
	WaitBetweenRetriesMS int
}

// Binding pairs a consumable credential with one upstream server. Resolved
// through the BindingDirectory port; read-only for the core.
type Binding struct {
	ID           string
	MSISDN       string
	DeviceID     string
	LastDeviceID string
	Server       Server
}

// OtpRequired reports whether a transaction on this binding needs the OTP
// rendezvous: required when either device id is unknown or they differ.
func (b Binding) OtpRequired() bool {
	if b.LastDeviceID != "" && b.DeviceID != "" {
		return b.LastDeviceID != b.DeviceID
	}
	return true
}

// StartResult is the parsed outcome of a start-transaction provider call.
type StartResult struct {
	TrxID     string
	TID       string
	IsSuccess *int
	Raw       []byte
}

// StatusResult is the parsed outcome of a status provider call.
type StatusResult struct {
	IsSuccess   *int
	VoucherCode string
	Raw         []byte
}

// OtpResult is the parsed outcome of an OTP submission.
type OtpResult struct {
	Accepted bool
	Message  string
	Raw      []byte
}

// CycleOutcome is what one engine cycle reports to the worker. A non-empty
// StopReason is a hard stop: the worker must transition the binding to
// stopped and exit.
type CycleOutcome struct {
	Status       TransactionStatus
	TrxID        string
	ErrorMessage string
	StopReason   string
}

// TransactionEvent is the audit-stream payload published after each cycle.
type TransactionEvent struct {
	BindingID    string            `json:"binding_id"`
	TrxID        string            `json:"trx_id"`
	Status       TransactionStatus `json:"status"`
	OtpStatus    OtpStatus         `json:"otp_status,omitempty"`
	BalanceStart *int64            `json:"balance_start,omitempty"`
	BalanceEnd   *int64            `json:"balance_end,omitempty"`
	ErrorMessage string            `json:"error_message,omitempty"`
	OccurredAt   time.Time         `json:"occurred_at"`
}

// Well-known stop/pause reason tags shared by the worker and control plane.
const (
	ReasonLockNotAcquired     = "lock_not_acquired"
	ReasonMissingWorkerConfig = "missing_worker_config"
	ReasonStateMissing        = "state_missing"
	ReasonManualPause         = "manual_pause"
	ReasonManualStop          = "manual_stop"
	ReasonInsufficientBalance = "insufficient_balance_before_start"
)

// Context is an alias to allow decoupling from std context in domain.
// Adapters and usecases pass context.Context through.
type Context = context.Context
