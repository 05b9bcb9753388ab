// Package postgres provides PostgreSQL adapters for transaction and binding
// persistence. All writes are idempotent upserts keyed so that workers can
// safely repeat them across retries and takeovers.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/voucher-orchestrator/internal/domain"
)

// PgxPool is a minimal subset of pgxpool used by the repos for easy testing.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// TransactionRepo persists transaction records and snapshots using a minimal
// pgx pool.
type TransactionRepo struct{ Pool PgxPool }

// NewTransactionRepo constructs a TransactionRepo with the given pool.
func NewTransactionRepo(p PgxPool) *TransactionRepo { return &TransactionRepo{Pool: p} }

// UpsertTransaction inserts or updates the record keyed by
// (binding_id, trx_id).
func (r *TransactionRepo) UpsertTransaction(ctx domain.Context, rec domain.TransactionRecord) error {
	tracer := otel.Tracer("repo.transactions")
	ctx, span := tracer.Start(ctx, "transactions.Upsert")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.sql.table", "transactions"),
		attribute.String("transaction.status", string(rec.Status)),
	)
	q := `INSERT INTO transactions
	    (binding_id, trx_id, t_id, product_id, email, limit_harga, amount,
	     status, is_success, voucher_code, error_message, otp_required, otp_status,
	     created_at, updated_at)
	  VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$14)
	  ON CONFLICT (binding_id, trx_id) DO UPDATE SET
	    t_id = EXCLUDED.t_id,
	    status = EXCLUDED.status,
	    is_success = EXCLUDED.is_success,
	    voucher_code = EXCLUDED.voucher_code,
	    error_message = EXCLUDED.error_message,
	    otp_required = EXCLUDED.otp_required,
	    otp_status = EXCLUDED.otp_status,
	    updated_at = EXCLUDED.updated_at`
	_, err := r.Pool.Exec(ctx, q,
		rec.BindingID, rec.TrxID, rec.TID, rec.ProductID, rec.Email,
		rec.LimitHarga, rec.Amount, rec.Status, rec.IsSuccess, rec.VoucherCode,
		rec.ErrorMessage, rec.OtpRequired, rec.OtpStatus, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=transaction.upsert: %w", err)
	}
	return nil
}

// UpsertSnapshot inserts or updates the balance bracket and raw payloads for
// one transaction.
func (r *TransactionRepo) UpsertSnapshot(ctx domain.Context, snap domain.TransactionSnapshot) error {
	tracer := otel.Tracer("repo.transactions")
	ctx, span := tracer.Start(ctx, "transactions.UpsertSnapshot")
	defer span.End()
	span.SetAttributes(attribute.String("db.sql.table", "transaction_snapshots"))
	q := `INSERT INTO transaction_snapshots
	    (binding_id, trx_id, balance_start, balance_end, start_raw, status_raw, updated_at)
	  VALUES ($1,$2,$3,$4,$5,$6,$7)
	  ON CONFLICT (binding_id, trx_id) DO UPDATE SET
	    balance_start = COALESCE(EXCLUDED.balance_start, transaction_snapshots.balance_start),
	    balance_end = COALESCE(EXCLUDED.balance_end, transaction_snapshots.balance_end),
	    start_raw = COALESCE(EXCLUDED.start_raw, transaction_snapshots.start_raw),
	    status_raw = COALESCE(EXCLUDED.status_raw, transaction_snapshots.status_raw),
	    updated_at = EXCLUDED.updated_at`
	_, err := r.Pool.Exec(ctx, q,
		snap.BindingID, snap.TrxID, snap.BalanceStart, snap.BalanceEnd,
		snap.StartRaw, snap.StatusRaw, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=transaction.upsert_snapshot: %w", err)
	}
	return nil
}

// ListRecent returns the latest transactions of one binding, newest first.
func (r *TransactionRepo) ListRecent(ctx domain.Context, bindingID string, limit int) ([]domain.TransactionRecord, error) {
	tracer := otel.Tracer("repo.transactions")
	ctx, span := tracer.Start(ctx, "transactions.ListRecent")
	defer span.End()
	if limit <= 0 {
		limit = 20
	}
	q := `SELECT binding_id, trx_id, COALESCE(t_id,''), product_id, email, limit_harga, amount,
	        status, is_success, COALESCE(voucher_code,''), COALESCE(error_message,''),
	        otp_required, otp_status
	      FROM transactions WHERE binding_id=$1 ORDER BY updated_at DESC LIMIT $2`
	rows, err := r.Pool.Query(ctx, q, bindingID, limit)
	if err != nil {
		return nil, fmt.Errorf("op=transaction.list_recent: %w", err)
	}
	defer rows.Close()
	var out []domain.TransactionRecord
	for rows.Next() {
		var rec domain.TransactionRecord
		if err := rows.Scan(&rec.BindingID, &rec.TrxID, &rec.TID, &rec.ProductID,
			&rec.Email, &rec.LimitHarga, &rec.Amount, &rec.Status, &rec.IsSuccess,
			&rec.VoucherCode, &rec.ErrorMessage, &rec.OtpRequired, &rec.OtpStatus); err != nil {
			return nil, fmt.Errorf("op=transaction.list_recent: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=transaction.list_recent: %w", err)
	}
	return out, nil
}
