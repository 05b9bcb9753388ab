package postgres_test

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/fairyhunter13/voucher-orchestrator/internal/adapter/repo/postgres"
)

type fakeTx struct {
	commitErr error
	execErr   error
	execs     []string
}

func (t *fakeTx) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	t.execs = append(t.execs, sql)
	return pgconn.CommandTag{}, t.execErr
}
func (t *fakeTx) Commit(_ context.Context) error   { return t.commitErr }
func (t *fakeTx) Rollback(_ context.Context) error { return nil }

type fakeBeginner struct {
	beginErr error
	tx       *fakeTx
}

func (b *fakeBeginner) Begin(_ context.Context) (postgres.Tx, error) {
	if b.beginErr != nil {
		return nil, b.beginErr
	}
	return b.tx, nil
}

func TestCleanupService_CleanupOldData_OK(t *testing.T) {
	b := &fakeBeginner{tx: &fakeTx{}}
	svc := postgres.NewCleanupService(b, 1)
	if err := svc.CleanupOldData(context.Background()); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if len(b.tx.execs) != 2 {
		t.Fatalf("expected snapshot+transaction deletes, got %d", len(b.tx.execs))
	}
}

func TestCleanupService_BeginError(t *testing.T) {
	b := &fakeBeginner{beginErr: errors.New("begin")}
	svc := postgres.NewCleanupService(b, 1)
	if err := svc.CleanupOldData(context.Background()); err == nil {
		t.Fatalf("expected error")
	}
}

func TestCleanupService_ExecError(t *testing.T) {
	b := &fakeBeginner{tx: &fakeTx{execErr: errors.New("exec")}}
	svc := postgres.NewCleanupService(b, 1)
	if err := svc.CleanupOldData(context.Background()); err == nil {
		t.Fatalf("expected exec error")
	}
}

func TestCleanupService_CommitError(t *testing.T) {
	b := &fakeBeginner{tx: &fakeTx{commitErr: errors.New("commit")}}
	svc := postgres.NewCleanupService(b, 1)
	if err := svc.CleanupOldData(context.Background()); err == nil {
		t.Fatalf("expected commit error")
	}
}

func TestCleanupService_RunPeriodic_ImmediateCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	svc := postgres.NewCleanupService(&fakeBeginner{tx: &fakeTx{}}, 1)
	// Ensure it returns when context is canceled quickly
	svc.RunPeriodic(ctx, 0)
}
