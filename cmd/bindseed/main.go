// Command bindseed loads a YAML binding catalog into Postgres so the
// API and orchestrator can resolve bindings without a flat file. Pass
// the catalog path as the first argument or via SEED_BINDINGS_FILE.
package main

import (
	"context"
	"log"
	"os"

	"github.com/fairyhunter13/voucher-orchestrator/internal/adapter/repo/bindfile"
	"github.com/fairyhunter13/voucher-orchestrator/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/voucher-orchestrator/internal/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	path := getenv("SEED_BINDINGS_FILE", cfg.BindingsFile)
	if len(os.Args) > 1 {
		path = os.Args[1]
	}
	if path == "" {
		log.Fatal("bindseed: no catalog path (argument or SEED_BINDINGS_FILE)")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		log.Fatal(err)
	}
	cat, err := bindfile.Parse(data)
	if err != nil {
		log.Fatal(err)
	}

	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.PostgresURL)
	if err != nil {
		log.Fatal(err)
	}
	defer pool.Close()

	repo := postgres.NewBindingRepo(pool)
	for id, srv := range cat.Servers {
		if err := repo.UpsertServer(ctx, id, srv); err != nil {
			log.Fatal(err)
		}
	}
	for _, e := range cat.Entries {
		if err := repo.UpsertBinding(ctx, e.Binding, e.ServerID); err != nil {
			log.Fatal(err)
		}
	}
	log.Printf("bindseed: %d servers, %d bindings upserted", len(cat.Servers), len(cat.Entries))
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
