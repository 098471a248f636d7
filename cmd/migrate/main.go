// Command migrate runs database migrations via goose and imports legacy
// record snapshots.
//
// Usage:
//
//	go run ./cmd/migrate up                          # Apply all pending migrations
//	go run ./cmd/migrate down                        # Roll back the last migration
//	go run ./cmd/migrate status                      # Show migration status
//	go run ./cmd/migrate version                     # Show current schema version
//	go run ./cmd/migrate redo                        # Roll back and re-apply last migration
//	go run ./cmd/migrate import-legacy snapshot.json # Upgrade and import V1 orders and escrows
//	go run ./cmd/migrate data-status                 # List applied data migrations
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"time"

	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"

	"github.com/genexchange/settlement/internal/asset"
	"github.com/genexchange/settlement/internal/config"
	"github.com/genexchange/settlement/internal/escrow"
	"github.com/genexchange/settlement/internal/logging"
	"github.com/genexchange/settlement/internal/migration"
	"github.com/genexchange/settlement/internal/order"
)

const migrationsDir = "migrations"

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: migrate <command>")
		fmt.Println("Commands: up, down, status, version, redo, up-to <version>, down-to <version>,")
		fmt.Println("          import-legacy <snapshot.json>, data-status")
		os.Exit(1)
	}

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		log.Fatal("DATABASE_URL environment variable is required")
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer func() { _ = db.Close() }()

	if err := db.Ping(); err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	ctx := context.Background()
	command := os.Args[1]
	args := os.Args[2:]

	switch command {
	case "import-legacy":
		if len(args) != 1 {
			log.Fatal("Usage: migrate import-legacy <snapshot.json>")
		}
		if err := importLegacy(ctx, db, args[0]); err != nil {
			log.Fatalf("Legacy import failed: %v", err)
		}
	case "data-status":
		applied, err := migration.NewPostgresVersionStore(db).List(ctx)
		if err != nil {
			log.Fatalf("Failed to list data migrations: %v", err)
		}
		for _, a := range applied {
			fmt.Printf("%-40s %6d records  %s\n", a.Name, a.Records, a.AppliedAt.Format(time.RFC3339))
		}
	default:
		if err := goose.RunContext(ctx, command, db, migrationsDir, args...); err != nil {
			log.Fatalf("Migration %s failed: %v", command, err)
		}
	}
}

// importLegacy upgrades a V1 snapshot into the live tables. The data
// migration is named after the snapshot file, so rerunning the same file is
// a no-op.
func importLegacy(ctx context.Context, db *sql.DB, path string) error {
	logger := logging.New(envOr("LOG_LEVEL", config.DefaultLogLevel), envOr("LOG_FORMAT", config.DefaultLogFormat))

	f, err := os.Open(path) //nolint:gosec // operator-supplied path
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	snap, err := migration.ReadSnapshot(f)
	if err != nil {
		return err
	}

	holdWindow := config.DefaultHoldWindow
	if v := os.Getenv("ESCROW_HOLD_WINDOW"); v != "" {
		if holdWindow, err = time.ParseDuration(v); err != nil {
			return fmt.Errorf("ESCROW_HOLD_WINDOW: %w", err)
		}
	}
	maxAssetID := uint64(config.DefaultMaxAssetID)
	if v := os.Getenv("MAX_ASSET_DISCOVERY_ID"); v != "" {
		if maxAssetID, err = strconv.ParseUint(v, 10, 32); err != nil {
			return fmt.Errorf("MAX_ASSET_DISCOVERY_ID: %w", err)
		}
	}

	upgrader := migration.NewUpgrader(
		order.NewPostgresStore(db),
		escrow.NewPostgresStore(db),
		asset.NewValidator(asset.NewPostgresRegistry(db)),
		uint32(maxAssetID),
		holdWindow,
		logger,
	)
	runner := migration.NewRunner(migration.NewPostgresVersionStore(db), logger)

	name := "import-legacy:" + filepath.Base(path)
	var res *migration.Result
	ran, err := runner.Run(ctx, name, func(ctx context.Context) (int, error) {
		r, err := upgrader.Upgrade(ctx, snap)
		res = r
		if err != nil {
			return 0, err
		}
		return r.Total(), nil
	})
	if err != nil {
		return err
	}
	if !ran {
		fmt.Printf("%s already applied\n", name)
		return nil
	}
	fmt.Printf("imported %d orders, %d escrows (skipped %d orders, %d escrows)\n",
		res.Orders, res.Escrows, res.SkippedOrders, res.SkippedEscrows)
	return nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
