package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Tx is the transaction subset the cleanup service needs.
type Tx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Beginner starts transactions. *pgxpool.Pool satisfies it through
// PoolBeginner.
type Beginner interface {
	Begin(ctx context.Context) (Tx, error)
}

// PoolBeginner adapts a pgx pool to the Beginner interface.
type PoolBeginner struct{ Pool *pgxpool.Pool }

// Begin starts a transaction on the underlying pool.
func (b PoolBeginner) Begin(ctx context.Context) (Tx, error) { return b.Pool.Begin(ctx) }

// CleanupService purges terminal transactions and their snapshots once they
// fall out of the retention window. In-flight (PROCESSING/PAUSED/RESUMED)
// rows are never touched.
type CleanupService struct {
	DB            Beginner
	RetentionDays int
}

// NewCleanupService creates a new cleanup service.
func NewCleanupService(db Beginner, retentionDays int) *CleanupService {
	if retentionDays <= 0 {
		retentionDays = 90 // default 90 days
	}
	return &CleanupService{DB: db, RetentionDays: retentionDays}
}

// CleanupOldData removes terminal data older than the retention period.
func (s *CleanupService) CleanupOldData(ctx context.Context) error {
	cutoff := time.Now().AddDate(0, 0, -s.RetentionDays)

	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return fmt.Errorf("op=cleanup.begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	snapTag, err := tx.Exec(ctx, `
		DELETE FROM transaction_snapshots
		WHERE (binding_id, trx_id) IN (
			SELECT binding_id, trx_id FROM transactions
			WHERE updated_at < $1 AND status IN ('SUKSES','SUSPECT','GAGAL')
		)
	`, cutoff)
	if err != nil {
		return fmt.Errorf("op=cleanup.snapshots: %w", err)
	}

	trxTag, err := tx.Exec(ctx, `
		DELETE FROM transactions
		WHERE updated_at < $1 AND status IN ('SUKSES','SUSPECT','GAGAL')
	`, cutoff)
	if err != nil {
		return fmt.Errorf("op=cleanup.transactions: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=cleanup.commit: %w", err)
	}

	slog.Info("data cleanup completed",
		slog.Int64("deleted_transactions", trxTag.RowsAffected()),
		slog.Int64("deleted_snapshots", snapTag.RowsAffected()),
		slog.Time("cutoff", cutoff),
	)

	return nil
}

// RunPeriodic starts a periodic cleanup job.
func (s *CleanupService) RunPeriodic(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 24 * time.Hour // daily by default
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Run initial cleanup
	if err := s.CleanupOldData(ctx); err != nil {
		slog.Error("initial cleanup failed", slog.Any("error", err))
	}

	for {
		select {
		case <-ctx.Done():
			slog.Info("cleanup service stopping")
			return
		case <-ticker.C:
			if err := s.CleanupOldData(ctx); err != nil {
				slog.Error("periodic cleanup failed", slog.Any("error", err))
			}
		}
	}
}
