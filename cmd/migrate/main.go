package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"

	"weather-ingest/internal/config"
	"weather-ingest/pkg/database"
	"weather-ingest/pkg/logging"
	"weather-ingest/pkg/metrics"
)

type cli struct {
	Up     upCmd     `cmd:"" default:"1" help:"Apply every pending migration."`
	Down   downCmd   `cmd:"" help:"Revert the most recently applied migration."`
	Status statusCmd `cmd:"" help:"List migrations and when they were applied."`
}

type upCmd struct{}

func (upCmd) Run(ctx context.Context, db *database.PostgresDB) error {
	n, err := db.Migrate(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Applied %d migration(s)\n", n)
	return nil
}

type downCmd struct{}

func (downCmd) Run(ctx context.Context, db *database.PostgresDB) error {
	version, err := db.Rollback(ctx)
	if err != nil {
		return err
	}
	if version == 0 {
		fmt.Println("Nothing to revert")
		return nil
	}
	fmt.Printf("Reverted migration %03d\n", version)
	return nil
}

type statusCmd struct{}

func (statusCmd) Run(ctx context.Context, db *database.PostgresDB) error {
	states, err := db.MigrationStatus(ctx)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "VERSION\tDESCRIPTION\tAPPLIED")
	for _, s := range states {
		applied := "pending"
		if s.AppliedAt != nil {
			applied = s.AppliedAt.Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%03d\t%s\t%s\n", s.Version, s.Description, applied)
	}
	return tw.Flush()
}

func main() {
	_ = godotenv.Load()

	var c cli
	kctx := kong.Parse(&c,
		kong.Name("migrate"),
		kong.Description("Versioned schema migrations for the weather store."),
		kong.UsageOnError(),
	)

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewStructuredLogger("weather-migrate", "1.0.0", logging.ParseLevel(cfg.Logging.Level))
	ctx := context.Background()

	db, err := database.NewPostgresDB(cfg.Database.PoolConfig(), logger, metrics.NewCollector("weather_migrate"))
	if err != nil {
		logger.Fatal(ctx, "[MIGRATE_ERROR] Failed to connect to database", logging.Fields{}, err)
	}

	kctx.BindTo(ctx, (*context.Context)(nil))
	err = kctx.Run(db)
	db.Close()
	if err != nil {
		logger.Error(ctx, "[MIGRATE_FAILED] Migration command failed", logging.Fields{
			"command": kctx.Command(),
		}, err)
		os.Exit(1)
	}
}
