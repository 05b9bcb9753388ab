package usecase_test

import (
	"fmt"
	"sync"
	"time"

	"github.com/fairyhunter13/voucher-orchestrator/internal/adapter/otp/memmail"
	"github.com/fairyhunter13/voucher-orchestrator/internal/adapter/registry/memreg"
	"github.com/fairyhunter13/voucher-orchestrator/internal/domain"
	"github.com/fairyhunter13/voucher-orchestrator/internal/usecase"
)

// fakeProvider replays scripted results. Balance and status queues are
// consumed in order with the last element repeating, so a script can model
// "processing twice, then settled".
type fakeProvider struct {
	mu         sync.Mutex
	balances   []int64
	balanceErr error
	startRes   domain.StartResult
	startErr   error
	statuses   []domain.StatusResult
	statusErr  error
	otpRes     domain.OtpResult
	otpErr     error

	startCalls  int
	statusCalls int
	otpSeen     []string
}

func (f *fakeProvider) GetBalance(_ domain.Context, _ domain.Binding) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.balanceErr != nil {
		return 0, f.balanceErr
	}
	if len(f.balances) == 0 {
		return 1_000_000, nil
	}
	b := f.balances[0]
	if len(f.balances) > 1 {
		f.balances = f.balances[1:]
	}
	return b, nil
}

func (f *fakeProvider) StartTransaction(_ domain.Context, _ domain.Binding, _, _ string, _ int64) (domain.StartResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startCalls++
	if f.startErr != nil {
		return domain.StartResult{}, f.startErr
	}
	res := f.startRes
	if res.TrxID == "" {
		res.TrxID = fmt.Sprintf("TRX-%d", f.startCalls)
	}
	return res, nil
}

func (f *fakeProvider) CheckStatus(_ domain.Context, _ domain.Binding, _ string) (domain.StatusResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusCalls++
	if f.statusErr != nil {
		return domain.StatusResult{}, f.statusErr
	}
	if len(f.statuses) == 0 {
		return domain.StatusResult{}, nil
	}
	st := f.statuses[0]
	if len(f.statuses) > 1 {
		f.statuses = f.statuses[1:]
	}
	return st, nil
}

func (f *fakeProvider) SubmitOTP(_ domain.Context, _ domain.Binding, otp string) (domain.OtpResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.otpSeen = append(f.otpSeen, otp)
	if f.otpErr != nil {
		return domain.OtpResult{}, f.otpErr
	}
	return f.otpRes, nil
}

func (f *fakeProvider) calls() (start, status int, otps []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.startCalls, f.statusCalls, append([]string(nil), f.otpSeen...)
}

// fakeRepo records every upsert in order.
type fakeRepo struct {
	mu    sync.Mutex
	err   error
	recs  []domain.TransactionRecord
	snaps []domain.TransactionSnapshot
}

func (f *fakeRepo) UpsertTransaction(_ domain.Context, rec domain.TransactionRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.recs = append(f.recs, rec)
	return nil
}

func (f *fakeRepo) UpsertSnapshot(_ domain.Context, snap domain.TransactionSnapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.snaps = append(f.snaps, snap)
	return nil
}

func (f *fakeRepo) records() []domain.TransactionRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.TransactionRecord(nil), f.recs...)
}

func (f *fakeRepo) snapshots() []domain.TransactionSnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.TransactionSnapshot(nil), f.snaps...)
}

func (f *fakeRepo) lastRecord() domain.TransactionRecord {
	recs := f.records()
	if len(recs) == 0 {
		return domain.TransactionRecord{}
	}
	return recs[len(recs)-1]
}

// fakeDirectory resolves from a fixed map and mirrors the device-trust
// update of the real directories.
type fakeDirectory struct {
	mu       sync.Mutex
	bindings map[string]domain.Binding
	trusted  map[string]string
}

func newFakeDirectory(bindings ...domain.Binding) *fakeDirectory {
	d := &fakeDirectory{bindings: map[string]domain.Binding{}, trusted: map[string]string{}}
	for _, b := range bindings {
		d.bindings[b.ID] = b
	}
	return d
}

func (d *fakeDirectory) Resolve(_ domain.Context, bindingID string) (domain.Binding, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.bindings[bindingID]
	if !ok {
		return domain.Binding{}, fmt.Errorf("op=directory.resolve: %w", domain.ErrNotFound)
	}
	return b, nil
}

func (d *fakeDirectory) MarkDeviceTrusted(_ domain.Context, bindingID, deviceID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.bindings[bindingID]
	if !ok {
		return fmt.Errorf("op=directory.mark_trusted: %w", domain.ErrNotFound)
	}
	b.LastDeviceID = deviceID
	d.bindings[bindingID] = b
	d.trusted[bindingID] = deviceID
	return nil
}

func (d *fakeDirectory) trustedDevice(bindingID string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.trusted[bindingID]
}

// fakePublisher records published events.
type fakePublisher struct {
	mu     sync.Mutex
	err    error
	events []domain.TransactionEvent
}

func (p *fakePublisher) PublishOutcome(_ domain.Context, ev domain.TransactionEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, ev)
	return nil
}

func (p *fakePublisher) published() []domain.TransactionEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.TransactionEvent(nil), p.events...)
}

// fakeSpawner records spawn requests for control-plane tests.
type fakeSpawner struct {
	mu  sync.Mutex
	ids []string
}

func (f *fakeSpawner) Spawn(bindingID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ids = append(f.ids, bindingID)
	return true
}

func (f *fakeSpawner) spawned() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ids...)
}

func intp(v int) *int { return &v }

// untrustedBinding needs the OTP rendezvous (device never seen).
func untrustedBinding(id string) domain.Binding {
	return domain.Binding{
		ID:       id,
		MSISDN:   "6281234567890",
		DeviceID: "dev-1",
		Server:   domain.Server{BaseURL: "http://provider.test", TimeoutMS: 1000, Retries: 1, WaitBetweenRetriesMS: 10},
	}
}

// trustedBinding skips the OTP rendezvous (same device seen before).
func trustedBinding(id string) domain.Binding {
	b := untrustedBinding(id)
	b.LastDeviceID = b.DeviceID
	return b
}

func settledStatus(voucher string) domain.StatusResult {
	return domain.StatusResult{IsSuccess: intp(2), VoucherCode: voucher, Raw: []byte(`{"res":{"data":{"is_success":2}}}`)}
}

func processingStatus() domain.StatusResult {
	return domain.StatusResult{IsSuccess: intp(1), Raw: []byte(`{"res":{"data":{"is_success":1}}}`)}
}

func testConfig() domain.WorkerConfig {
	return domain.WorkerConfig{
		IntervalMS:        10,
		MaxRetryStatus:    2,
		CooldownOnErrorMS: 10,
		ProductID:         "XL5GB",
		Email:             "ops@example.com",
		LimitHarga:        100_000,
	}
}

func testLoop() usecase.LoopSettings {
	return usecase.LoopSettings{
		LockTTL:         time.Second,
		ProviderTimeout: 100 * time.Millisecond,
		ProviderRetries: 0,
		StatusPollDelay: 5 * time.Millisecond,
		OtpTimeout:      150 * time.Millisecond,
		DefaultInterval: 10 * time.Millisecond,
		HeartbeatSlack:  50 * time.Millisecond,
	}
}

func newTestEngine(p domain.ProviderClient, repo domain.TransactionRepository, dir domain.BindingDirectory, mbox domain.OtpMailbox, pub domain.EventPublisher) usecase.Engine {
	return usecase.NewEngine(p, repo, dir, mbox, pub, 150*time.Millisecond, 5*time.Millisecond)
}

func newTestRegistry() *memreg.Registry { return memreg.New(time.Minute) }

func newTestMailbox() *memmail.Mailbox { return memmail.New() }
