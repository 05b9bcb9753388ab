package domain

import "time"

// Registry is the shared source of truth for worker state, locks, heartbeats,
// and commands. All operations are scoped to one binding id except Snapshot.
//
// Implementations must guarantee: AcquireLock is atomic and mutually exclusive
// across processes; SetState with a non-empty expectedOwner succeeds only while
// that owner holds the binding's lock; lock expiry is TTL based.
type Registry interface {
	GetState(ctx Context, bindingID string) (WorkerState, error)
	// SetState writes status+reason. With a non-empty expectedOwner the write
	// is CAS-guarded by lock ownership and returns false on mismatch; an empty
	// expectedOwner is the control-plane write path and always applies.
	SetState(ctx Context, bindingID, expectedOwner string, status WorkerStatus, reason string) (bool, error)
	PutConfig(ctx Context, bindingID string, cfg WorkerConfig) error
	GetConfig(ctx Context, bindingID string) (WorkerConfig, error)
	AcquireLock(ctx Context, bindingID, owner string, ttl time.Duration) (bool, error)
	RefreshLock(ctx Context, bindingID, owner string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx Context, bindingID, owner string) (bool, error)
	// Heartbeat is best-effort; it returns false when hb.Owner no longer
	// matches the lock holder.
	Heartbeat(ctx Context, hb Heartbeat) (bool, error)
	EnqueueCommand(ctx Context, bindingID string, cmd Command) (uint64, error)
	DrainCommands(ctx Context, bindingID string) ([]Command, error)
	Snapshot(ctx Context) ([]WorkerSnapshot, error)
}

// ProviderClient issues typed calls against the upstream server of a binding.
// Calls respect the caller's deadline, retry transport failures up to a
// configured bound, and surface application-level codes as data.
type ProviderClient interface {
	GetBalance(ctx Context, b Binding) (int64, error)
	StartTransaction(ctx Context, b Binding, productID, email string, limitHarga int64) (StartResult, error)
	CheckStatus(ctx Context, b Binding, trxID string) (StatusResult, error)
	SubmitOTP(ctx Context, b Binding, otp string) (OtpResult, error)
}

// TransactionRepository is the persistence port. Both writes are idempotent
// on (binding_id, trx_id).
type TransactionRepository interface {
	UpsertTransaction(ctx Context, rec TransactionRecord) error
	UpsertSnapshot(ctx Context, snap TransactionSnapshot) error
}

// BindingDirectory resolves binding ids to credentials and upstream servers.
// MarkDeviceTrusted records a device as seen after a provider-accepted OTP so
// later cycles skip the rendezvous.
type BindingDirectory interface {
	Resolve(ctx Context, bindingID string) (Binding, error)
	MarkDeviceTrusted(ctx Context, bindingID, deviceID string) error
}

// OtpMailbox is the per-binding single-slot rendezvous between the OTP
// ingress endpoint and a waiting worker.
type OtpMailbox interface {
	// Offer places an OTP in the binding's slot. Returns ErrMailboxOccupied
	// while an unconsumed OTP is pending.
	Offer(ctx Context, bindingID, otp string) error
	// Wait blocks until an OTP is available or ctx is done.
	Wait(ctx Context, bindingID string) (string, error)
}

// EventPublisher emits transaction outcome events to the audit stream.
// Publishing is best-effort: failures must never fail a cycle.
type EventPublisher interface {
	PublishOutcome(ctx Context, ev TransactionEvent) error
}
