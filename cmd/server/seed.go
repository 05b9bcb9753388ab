package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"github.com/fairyhunter13/voucher-orchestrator/internal/adapter/repo/bindfile"
	"github.com/fairyhunter13/voucher-orchestrator/internal/adapter/repo/postgres"
)

// seedBindingsFromYAML upserts the servers and bindings of a YAML catalog
// into PostgreSQL at boot. Idempotent, so dev and demo environments can seed
// on every start.
func seedBindingsFromYAML(ctx context.Context, repo *postgres.BindingRepo, path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("seed file not found: %s", path)
		}
		return err
	}
	cat, err := bindfile.Parse(b)
	if err != nil {
		return fmt.Errorf("seed parse: %w", err)
	}
	for id, srv := range cat.Servers {
		if err := repo.UpsertServer(ctx, id, srv); err != nil {
			return fmt.Errorf("seed server %s: %w", id, err)
		}
	}
	for _, e := range cat.Entries {
		if err := repo.UpsertBinding(ctx, e.Binding, e.ServerID); err != nil {
			return fmt.Errorf("seed binding %s: %w", e.Binding.ID, err)
		}
	}
	slog.Info("bindings seeded",
		slog.Int("servers", len(cat.Servers)),
		slog.Int("bindings", len(cat.Entries)),
	)
	return nil
}
