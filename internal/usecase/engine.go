// Package usecase contains the orchestration core: the transaction engine
// that runs one purchase cycle, the per-binding worker loop, the process
// supervisor, and the control-plane service.
package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/voucher-orchestrator/internal/adapter/observability"
	"github.com/fairyhunter13/voucher-orchestrator/internal/domain"
	"github.com/fairyhunter13/voucher-orchestrator/pkg/redact"
)

// Engine runs one purchase cycle against the provider and records the audit
// trail. It never touches worker state in the registry; hard stops are
// reported through CycleOutcome.StopReason and acted on by the worker.
type Engine struct {
	Provider     domain.ProviderClient
	Transactions domain.TransactionRepository
	Bindings     domain.BindingDirectory
	Mailbox      domain.OtpMailbox
	Audit        domain.EventPublisher

	OtpTimeout      time.Duration
	StatusPollDelay time.Duration
}

// NewEngine constructs an Engine. audit may be nil when no stream is
// configured; publishing is skipped entirely in that case.
func NewEngine(p domain.ProviderClient, t domain.TransactionRepository, b domain.BindingDirectory, m domain.OtpMailbox, audit domain.EventPublisher, otpTimeout, statusPoll time.Duration) Engine {
	return Engine{Provider: p, Transactions: t, Bindings: b, Mailbox: m, Audit: audit, OtpTimeout: otpTimeout, StatusPollDelay: statusPoll}
}

// RunCycle executes one transaction cycle for b under cfg.
//
// A returned error means the cycle died before reaching a decision
// (transport failure, deadline); the worker logs it and cools down. A nil
// error with a non-empty StopReason is a hard stop: the worker must write
// the binding to stopped and exit. Persistence failures never fail a cycle;
// the provider remains the source of truth.
func (e Engine) RunCycle(ctx domain.Context, b domain.Binding, cfg domain.WorkerConfig) (domain.CycleOutcome, error) {
	ctx, span := otel.Tracer("usecase.engine").Start(ctx, "engine.cycle")
	defer span.End()
	span.SetAttributes(attribute.String("binding.id", b.ID))

	log := slog.Default().With(
		slog.String("binding_id", b.ID),
		slog.String("msisdn", redact.MSISDN(b.MSISDN)),
	)

	balanceStart, err := e.Provider.GetBalance(ctx, b)
	if err != nil {
		observability.ObserveCycle("error")
		return domain.CycleOutcome{}, fmt.Errorf("op=engine.precheck: %w", err)
	}
	if balanceStart < cfg.LimitHarga {
		return e.stopInsufficient(ctx, log, b, cfg, balanceStart), nil
	}

	start, err := e.Provider.StartTransaction(ctx, b, cfg.ProductID, cfg.Email, cfg.LimitHarga)
	if err != nil {
		observability.ObserveCycle("error")
		return domain.CycleOutcome{}, fmt.Errorf("op=engine.start: %w", err)
	}
	log = log.With(slog.String("trx_id", start.TrxID))
	span.SetAttributes(attribute.String("trx.id", start.TrxID))

	rec := domain.TransactionRecord{
		BindingID:   b.ID,
		TrxID:       start.TrxID,
		TID:         start.TID,
		ProductID:   cfg.ProductID,
		Email:       cfg.Email,
		LimitHarga:  cfg.LimitHarga,
		Amount:      cfg.LimitHarga,
		Status:      domain.StatusProcessing,
		IsSuccess:   start.IsSuccess,
		OtpRequired: b.OtpRequired(),
	}
	snap := domain.TransactionSnapshot{
		BindingID:    b.ID,
		TrxID:        start.TrxID,
		BalanceStart: &balanceStart,
		StartRaw:     start.Raw,
	}
	e.persist(ctx, log, rec)
	e.persistSnapshot(ctx, log, snap)

	st, err := e.Provider.CheckStatus(ctx, b, start.TrxID)
	if err != nil {
		observability.ObserveCycle("error")
		return domain.CycleOutcome{}, fmt.Errorf("op=engine.status: %w", err)
	}
	status := classifyStatus(st)
	rec.IsSuccess = st.IsSuccess
	rec.VoucherCode = st.VoucherCode

	if status == domain.StatusProcessing && rec.OtpRequired {
		status, st, err = e.otpRendezvous(ctx, log, b, &rec, st)
		if err != nil {
			observability.ObserveCycle("error")
			return domain.CycleOutcome{}, err
		}
	}

	for attempt := 0; status == domain.StatusProcessing && attempt < cfg.MaxRetryStatus; attempt++ {
		select {
		case <-ctx.Done():
			observability.ObserveCycle("error")
			return domain.CycleOutcome{}, fmt.Errorf("op=engine.poll: %w", ctx.Err())
		case <-time.After(e.StatusPollDelay):
		}
		st, err = e.Provider.CheckStatus(ctx, b, start.TrxID)
		if err != nil {
			observability.ObserveCycle("error")
			return domain.CycleOutcome{}, fmt.Errorf("op=engine.poll: %w", err)
		}
		status = classifyStatus(st)
		rec.IsSuccess = st.IsSuccess
		rec.VoucherCode = st.VoucherCode
	}

	rec.Status = status
	snap.StatusRaw = st.Raw
	if be, berr := e.Provider.GetBalance(ctx, b); berr == nil {
		snap.BalanceEnd = &be
	} else {
		log.Warn("balance re-fetch failed", slog.Any("error", berr))
	}
	e.persist(ctx, log, rec)
	e.persistSnapshot(ctx, log, snap)
	e.publish(ctx, log, rec, snap)

	observability.ObserveCycle("ok")
	observability.ObserveTransaction(string(status))
	log.Info("cycle finished",
		slog.String("status", string(status)),
		slog.String("voucher_code", redact.Voucher(rec.VoucherCode)),
		slog.String("otp_status", string(rec.OtpStatus)),
	)
	return domain.CycleOutcome{Status: status, TrxID: rec.TrxID, ErrorMessage: rec.ErrorMessage}, nil
}

// otpRendezvous parks the cycle on the binding's mailbox, submits whatever
// arrives, and re-polls under the stricter post-OTP rule. A timed-out wait
// fails the transaction rather than leaving it dangling.
func (e Engine) otpRendezvous(ctx domain.Context, log *slog.Logger, b domain.Binding, rec *domain.TransactionRecord, st domain.StatusResult) (domain.TransactionStatus, domain.StatusResult, error) {
	rec.OtpStatus = domain.OtpPending
	e.persist(ctx, log, *rec)

	waitStart := time.Now()
	otpCtx, cancel := context.WithTimeout(ctx, e.OtpTimeout)
	otp, err := e.Mailbox.Wait(otpCtx, b.ID)
	cancel()
	if err != nil {
		observability.ObserveOtpWait("timeout", time.Since(waitStart).Seconds())
		log.Warn("otp wait timed out", slog.Duration("waited", time.Since(waitStart)))
		rec.OtpStatus = domain.OtpFailed
		rec.ErrorMessage = "otp_timeout"
		return domain.StatusGagal, st, nil
	}
	observability.ObserveOtpWait("received", time.Since(waitStart).Seconds())
	log.Info("otp received",
		slog.String("otp", redact.OTP(otp)),
		slog.Duration("waited", time.Since(waitStart)),
	)

	otpRes, err := e.Provider.SubmitOTP(ctx, b, otp)
	if err != nil {
		return domain.StatusProcessing, st, fmt.Errorf("op=engine.otp_submit: %w", err)
	}
	st2, err := e.Provider.CheckStatus(ctx, b, rec.TrxID)
	if err != nil {
		return domain.StatusProcessing, st, fmt.Errorf("op=engine.otp_status: %w", err)
	}
	status := classifyAfterOtp(st2)
	rec.IsSuccess = st2.IsSuccess
	rec.VoucherCode = st2.VoucherCode
	if status == domain.StatusSukses || status == domain.StatusSuspect {
		rec.OtpStatus = domain.OtpSuccess
	} else {
		rec.OtpStatus = domain.OtpFailed
		if otpRes.Message != "" {
			rec.ErrorMessage = otpRes.Message
		}
	}
	if otpRes.Accepted && b.DeviceID != "" {
		if terr := e.Bindings.MarkDeviceTrusted(ctx, b.ID, b.DeviceID); terr != nil {
			log.Warn("mark device trusted failed", slog.Any("error", terr))
		}
	}
	return status, st2, nil
}

// stopInsufficient records the synthetic failed transaction that documents a
// balance below the configured price floor, then reports the hard stop.
func (e Engine) stopInsufficient(ctx domain.Context, log *slog.Logger, b domain.Binding, cfg domain.WorkerConfig, balance int64) domain.CycleOutcome {
	msg := fmt.Sprintf("%s:%d<%d", domain.ReasonInsufficientBalance, balance, cfg.LimitHarga)
	rec := domain.TransactionRecord{
		BindingID:    b.ID,
		TrxID:        ulid.Make().String(),
		ProductID:    cfg.ProductID,
		Email:        cfg.Email,
		LimitHarga:   cfg.LimitHarga,
		Amount:       cfg.LimitHarga,
		Status:       domain.StatusGagal,
		ErrorMessage: msg,
		OtpRequired:  b.OtpRequired(),
	}
	snap := domain.TransactionSnapshot{
		BindingID:    b.ID,
		TrxID:        rec.TrxID,
		BalanceStart: &balance,
		BalanceEnd:   &balance,
	}
	e.persist(ctx, log, rec)
	e.persistSnapshot(ctx, log, snap)
	e.publish(ctx, log, rec, snap)
	observability.ObserveCycle("hard_stop")
	observability.ObserveTransaction(string(domain.StatusGagal))
	log.Warn("balance below limit, stopping",
		slog.Int64("balance", balance),
		slog.Int64("limit_harga", cfg.LimitHarga),
	)
	return domain.CycleOutcome{
		Status:       domain.StatusGagal,
		TrxID:        rec.TrxID,
		ErrorMessage: msg,
		StopReason:   domain.ReasonInsufficientBalance,
	}
}

func (e Engine) persist(ctx domain.Context, log *slog.Logger, rec domain.TransactionRecord) {
	if err := e.Transactions.UpsertTransaction(ctx, rec); err != nil {
		log.Error("transaction upsert failed", slog.Any("error", err), slog.String("trx_id", rec.TrxID))
	}
}

func (e Engine) persistSnapshot(ctx domain.Context, log *slog.Logger, snap domain.TransactionSnapshot) {
	if err := e.Transactions.UpsertSnapshot(ctx, snap); err != nil {
		log.Error("snapshot upsert failed", slog.Any("error", err), slog.String("trx_id", snap.TrxID))
	}
}

func (e Engine) publish(ctx domain.Context, log *slog.Logger, rec domain.TransactionRecord, snap domain.TransactionSnapshot) {
	if e.Audit == nil {
		return
	}
	ev := domain.TransactionEvent{
		BindingID:    rec.BindingID,
		TrxID:        rec.TrxID,
		Status:       rec.Status,
		OtpStatus:    rec.OtpStatus,
		BalanceStart: snap.BalanceStart,
		BalanceEnd:   snap.BalanceEnd,
		ErrorMessage: rec.ErrorMessage,
		OccurredAt:   time.Now().UTC(),
	}
	if err := e.Audit.PublishOutcome(ctx, ev); err != nil {
		log.Warn("audit publish failed", slog.Any("error", err))
	}
}

// classifyStatus maps a provider status payload onto the transaction state:
// is_success == 2 with a voucher code settles the purchase, 2 without one is
// a suspect delivery, anything else is still processing.
func classifyStatus(st domain.StatusResult) domain.TransactionStatus {
	if st.IsSuccess != nil && *st.IsSuccess == 2 {
		if st.VoucherCode != "" {
			return domain.StatusSukses
		}
		return domain.StatusSuspect
	}
	return domain.StatusProcessing
}

// classifyAfterOtp applies the stricter post-OTP rule: once the OTP has been
// consumed, a non-settled answer is a failure, not a retry.
func classifyAfterOtp(st domain.StatusResult) domain.TransactionStatus {
	if s := classifyStatus(st); s != domain.StatusProcessing {
		return s
	}
	return domain.StatusGagal
}
