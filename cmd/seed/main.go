// cmd/seed — populates a development environment with a demo custody trail.
//
// It appends a release-custody event chain to the ledger file, creates an
// "audit" signing keypair, and exports one signed snapshot. With DATABASE_URL
// set it also mirrors the entries into the ledger_archive table and registers
// a demo webhook subscription.
//
// Running twice is safe: appending is skipped when the ledger already has
// entries, the keypair is reused, and the subscription row is upserted. To
// fully reset, delete data/, keys/ and snapshots/, then:
//
//	psql $DATABASE_URL -c "TRUNCATE ledger_archive; TRUNCATE webhook_subscriptions CASCADE;"
//
// Usage:
//
//	go run ./cmd/seed
//	DATABASE_URL=postgres://... go run ./cmd/seed
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/chainlog-io/chainlog/internal/custody/repository"
	"github.com/chainlog-io/chainlog/internal/custody/service"
	"github.com/chainlog-io/chainlog/internal/keyring"
	"github.com/chainlog-io/chainlog/internal/ledger"
	"github.com/chainlog-io/chainlog/internal/webhooks"
)

const (
	ledgerPath  = "data/ledger.jsonl"
	keysDir     = "keys"
	snapshotDir = "snapshots"
	signingKey  = "audit"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "seed: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx := context.Background()

	var db *pgxpool.Pool
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		var err error
		db, err = pgxpool.New(ctx, dbURL)
		if err != nil {
			return fmt.Errorf("connect: %w", err)
		}
		defer db.Close()
		if err := db.Ping(ctx); err != nil {
			return fmt.Errorf("ping: %w", err)
		}
		fmt.Println("connected to database")
	}

	if err := os.MkdirAll(filepath.Dir(ledgerPath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	svc := service.New(ledger.New(ledgerPath), zap.NewNop())
	svc.SetKeyring(keyring.NewManager(keysDir))
	svc.SetSnapshotDir(snapshotDir)
	if db != nil {
		svc.SetArchive(repository.NewArchiveRepository(db))
	}

	if err := seedEntries(ctx, svc); err != nil {
		return fmt.Errorf("seed entries: %w", err)
	}
	if err := seedSnapshot(ctx, svc); err != nil {
		return fmt.Errorf("seed snapshot: %w", err)
	}

	if db != nil {
		if err := seedWebhook(ctx, db); err != nil {
			return fmt.Errorf("seed webhook: %w", err)
		}
	} else {
		fmt.Println("\nDATABASE_URL not set — archive mirror and webhook subscription skipped")
	}

	fmt.Println("\nseed complete")
	return nil
}

// ── Entries ──────────────────────────────────────────────────────────────────

// trail is a plausible release-custody chain: build, scan, sign, promote,
// deploy, then the operational events that follow a release.
var trail = []map[string]any{
	{
		"event":    "artifact.built",
		"artifact": "api-server",
		"version":  "1.4.2",
		"digest":   "sha256:8f434346648f6b96df89dda901c5176b10a6d83961dd3c1ac88b59b2dc327aa4",
		"builder":  "ci-runner-03",
		"commit":   "f3a91c2",
	},
	{
		"event":    "artifact.scanned",
		"artifact": "api-server",
		"digest":   "sha256:8f434346648f6b96df89dda901c5176b10a6d83961dd3c1ac88b59b2dc327aa4",
		"scanner":  "trivy 0.54.1",
		"critical": 0,
		"high":     2,
	},
	{
		"event":    "artifact.signed",
		"artifact": "api-server",
		"digest":   "sha256:8f434346648f6b96df89dda901c5176b10a6d83961dd3c1ac88b59b2dc327aa4",
		"signer":   "release-eng",
		"key_id":   "rel-2026",
	},
	{
		"event":       "artifact.promoted",
		"artifact":    "api-server",
		"version":     "1.4.2",
		"from":        "staging",
		"to":          "production",
		"approved_by": "alice",
	},
	{
		"event":       "deploy.completed",
		"artifact":    "api-server",
		"version":     "1.4.2",
		"environment": "production",
		"region":      "eu-west-1",
		"replicas":    6,
	},
	{
		"event":      "access.granted",
		"principal":  "bob",
		"scope":      "prod-db-read",
		"ticket":     "OPS-4211",
		"expires_in": "4h",
	},
	{
		"event":      "config.changed",
		"service":    "api-server",
		"key":        "rate_limit_rps",
		"old":        "20",
		"new":        "40",
		"changed_by": "carol",
	},
}

func seedEntries(ctx context.Context, svc *service.Custody) error {
	count, _, err := svc.Overview(ctx)
	if err != nil {
		return err
	}
	if count > 0 {
		fmt.Printf("ledger already has %d entries — skipping append\n", count)
		return nil
	}

	fmt.Println()
	for _, payload := range trail {
		entry, err := svc.Record(ctx, payload)
		if err != nil {
			return fmt.Errorf("append %v: %w", payload["event"], err)
		}
		fmt.Printf("  entry  %s  %v\n", entry.SelfHash[:12], payload["event"])
	}
	return nil
}

// ── Snapshot ─────────────────────────────────────────────────────────────────

func seedSnapshot(ctx context.Context, svc *service.Custody) error {
	kp, err := keyring.NewManager(keysDir).LoadOrCreate(signingKey)
	if err != nil {
		return fmt.Errorf("load %s key: %w", signingKey, err)
	}

	res, err := svc.Export(ctx, "", signingKey, "")
	if err != nil {
		return err
	}

	fmt.Printf("\n  key       %-8s  %s\n", kp.Name, kp.PublicHex)
	fmt.Printf("  snapshot  %s  (%d entries)\n", res.SnapshotPath, res.Entries)
	return nil
}

// ── Webhook ──────────────────────────────────────────────────────────────────

// demoSubID is fixed so reseeding updates the same row.
var demoSubID = uuid.MustParse("00000000-0000-0000-0000-00000000c0de")

func seedWebhook(ctx context.Context, db *pgxpool.Pool) error {
	const q = `
		INSERT INTO webhook_subscriptions (id, url, events, secret, token_url, client_id, client_secret, active, created_at)
		VALUES ($1, $2, $3, $4, '', '', '', true, now())
		ON CONFLICT (id) DO UPDATE SET
			url    = EXCLUDED.url,
			events = EXCLUDED.events,
			secret = EXCLUDED.secret,
			active = true`

	subEvents := []string{
		webhooks.EventEntryAppended,
		webhooks.EventChainViolation,
		webhooks.EventSnapshotExported,
	}
	const url = "http://localhost:9091/hooks/chainlog"

	if _, err := db.Exec(ctx, q, demoSubID, url, subEvents, "demo-webhook-secret"); err != nil {
		return fmt.Errorf("upsert subscription: %w", err)
	}

	fmt.Printf("\n  webhook  %s  %s\n", demoSubID, url)
	return nil
}
