package postgres

import (
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/voucher-orchestrator/internal/domain"
)

// BindingRepo resolves bindings and their upstream servers from PostgreSQL.
type BindingRepo struct{ Pool PgxPool }

// NewBindingRepo constructs a BindingRepo with the given pool.
func NewBindingRepo(p PgxPool) *BindingRepo { return &BindingRepo{Pool: p} }

// Resolve loads one binding joined with its server.
func (r *BindingRepo) Resolve(ctx domain.Context, bindingID string) (domain.Binding, error) {
	tracer := otel.Tracer("repo.bindings")
	ctx, span := tracer.Start(ctx, "bindings.Resolve")
	defer span.End()
	q := `SELECT b.id, b.msisdn, b.device_id, COALESCE(b.last_device_id, ''),
	        s.base_url, s.timeout_ms, s.retries, s.wait_between_retries_ms
	      FROM bindings b
	      JOIN servers s ON s.id = b.server_id
	      WHERE b.id = $1`
	row := r.Pool.QueryRow(ctx, q, bindingID)
	var b domain.Binding
	if err := row.Scan(&b.ID, &b.MSISDN, &b.DeviceID, &b.LastDeviceID,
		&b.Server.BaseURL, &b.Server.TimeoutMS, &b.Server.Retries,
		&b.Server.WaitBetweenRetriesMS); err != nil {
		if err == pgx.ErrNoRows {
			return domain.Binding{}, fmt.Errorf("op=binding.resolve: %w", domain.ErrNotFound)
		}
		return domain.Binding{}, fmt.Errorf("op=binding.resolve: %w", err)
	}
	return b, nil
}

// MarkDeviceTrusted records the device id as last seen after a provider
// accepted an OTP, so later transactions on the binding skip the rendezvous.
func (r *BindingRepo) MarkDeviceTrusted(ctx domain.Context, bindingID, deviceID string) error {
	tracer := otel.Tracer("repo.bindings")
	ctx, span := tracer.Start(ctx, "bindings.MarkDeviceTrusted")
	defer span.End()
	q := `UPDATE bindings SET last_device_id=$2, updated_at=$3 WHERE id=$1`
	_, err := r.Pool.Exec(ctx, q, bindingID, deviceID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=binding.mark_device_trusted: %w", err)
	}
	return nil
}

// UpsertServer inserts or updates one upstream server row. Used by the
// catalog seeder.
func (r *BindingRepo) UpsertServer(ctx domain.Context, id string, s domain.Server) error {
	tracer := otel.Tracer("repo.bindings")
	ctx, span := tracer.Start(ctx, "bindings.UpsertServer")
	defer span.End()
	q := `INSERT INTO servers (id, base_url, timeout_ms, retries, wait_between_retries_ms, updated_at)
	      VALUES ($1,$2,$3,$4,$5,$6)
	      ON CONFLICT (id) DO UPDATE SET
	        base_url = EXCLUDED.base_url,
	        timeout_ms = EXCLUDED.timeout_ms,
	        retries = EXCLUDED.retries,
	        wait_between_retries_ms = EXCLUDED.wait_between_retries_ms,
	        updated_at = EXCLUDED.updated_at`
	_, err := r.Pool.Exec(ctx, q, id, s.BaseURL, s.TimeoutMS, s.Retries, s.WaitBetweenRetriesMS, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=binding.upsert_server: %w", err)
	}
	return nil
}

// UpsertBinding inserts or updates one binding row. Used by the catalog
// seeder; last_device_id is left untouched on conflict so trust survives
// re-seeding.
func (r *BindingRepo) UpsertBinding(ctx domain.Context, b domain.Binding, serverID string) error {
	tracer := otel.Tracer("repo.bindings")
	ctx, span := tracer.Start(ctx, "bindings.UpsertBinding")
	defer span.End()
	q := `INSERT INTO bindings (id, msisdn, device_id, server_id, updated_at)
	      VALUES ($1,$2,$3,$4,$5)
	      ON CONFLICT (id) DO UPDATE SET
	        msisdn = EXCLUDED.msisdn,
	        device_id = EXCLUDED.device_id,
	        server_id = EXCLUDED.server_id,
	        updated_at = EXCLUDED.updated_at`
	_, err := r.Pool.Exec(ctx, q, b.ID, b.MSISDN, b.DeviceID, serverID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=binding.upsert_binding: %w", err)
	}
	return nil
}
