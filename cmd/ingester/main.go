package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"

	"weather-ingest/internal/config"
	"weather-ingest/internal/repository"
	"weather-ingest/internal/services"
	"weather-ingest/pkg/database"
	"weather-ingest/pkg/logging"
	"weather-ingest/pkg/metrics"
)

const version = "1.0.0"

// maxListedFailures bounds the per-file failures printed in the summary.
const maxListedFailures = 10

type cli struct {
	Ingest    ingestCmd    `cmd:"" help:"Load weather files from a directory into weather_data."`
	Aggregate aggregateCmd `cmd:"" help:"Compute yearly station statistics for groups not yet stored."`
}

type ingestCmd struct {
	DataDir   string `name:"data-dir" help:"Directory containing station files (overrides INGEST_DATA_DIR)."`
	Ext       string `name:"ext" help:"Input file extension (overrides INGEST_FILE_EXT)."`
	Workers   int    `name:"workers" help:"Concurrent file workers (overrides INGEST_WORKERS)."`
	Aggregate bool   `name:"aggregate" help:"Run the yearly aggregation after a successful ingest."`
}

type aggregateCmd struct{}

// app carries the wiring shared by every subcommand.
type app struct {
	cfg     *config.Config
	logger  *logging.StructuredLogger
	metrics *metrics.Collector
	repo    repository.WeatherRepository
}

func (c *ingestCmd) Run(ctx context.Context, a *app) error {
	opts := services.IngestionOptions{
		DataDir:       a.cfg.Ingestion.DataDir,
		FileExtension: a.cfg.Ingestion.FileExtension,
		Workers:       a.cfg.Ingestion.Workers,
	}

	report, err := services.NewIngestionService(a.repo, a.logger, a.metrics).Run(ctx, opts)
	printIngestionReport(report)
	if err != nil {
		return err
	}

	if c.Aggregate {
		return runAggregation(ctx, a)
	}
	return nil
}

func (c *aggregateCmd) Run(ctx context.Context, a *app) error {
	return runAggregation(ctx, a)
}

func runAggregation(ctx context.Context, a *app) error {
	report, err := services.NewStatisticsService(a.repo, a.logger, a.metrics).CalculateAllStatistics(ctx)
	if err != nil {
		return err
	}

	fmt.Println(strings.Repeat("=", 80))
	fmt.Println("AGGREGATION COMPLETE")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("Observations:       %d\n", report.Observations)
	fmt.Printf("Station-years:      %d\n", report.Groups)
	fmt.Printf("Inserted:           %d\n", report.Inserted)
	fmt.Printf("Already present:    %d\n", report.Skipped)
	fmt.Printf("Duration:           %v\n", report.Elapsed)
	return nil
}

func printIngestionReport(r *services.IngestionReport) {
	if r == nil {
		return
	}
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("INGESTION %s\n", r.Stage)
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("Run ID:             %s\n", r.RunID)
	fmt.Printf("Files:              %d\n", r.Files)
	fmt.Printf("Lines:              %d\n", r.Lines)
	fmt.Printf("Accepted:           %d\n", r.Accepted)
	fmt.Printf("Duplicates:         %d\n", r.Duplicates)
	fmt.Printf("Malformed:          %d\n", r.Malformed)
	fmt.Printf("Discarded:          %d\n", r.Discarded)
	fmt.Printf("Merged:             %d\n", r.Merged)
	fmt.Printf("Merge conflicts:    %d\n", r.MergeConflicts())
	fmt.Printf("Duration:           %v\n", r.Elapsed)
	if secs := r.Elapsed.Seconds(); secs > 0 {
		fmt.Printf("Rows/Second:        %.2f\n", float64(r.Merged)/secs)
	}

	failed := r.FailedFiles()
	if len(failed) == 0 {
		return
	}
	fmt.Printf("\nFailed files (%d):\n", len(failed))
	for i, fr := range failed {
		if i == maxListedFailures {
			fmt.Printf("  ... and %d more\n", len(failed)-maxListedFailures)
			break
		}
		fmt.Printf("  - %v\n", fr.Err)
	}
}

func main() {
	_ = godotenv.Load()

	var c cli
	kctx := kong.Parse(&c,
		kong.Name("ingester"),
		kong.Description("Batch ingestion of daily weather station files."),
		kong.UsageOnError(),
	)

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if c.Ingest.DataDir != "" {
		cfg.Ingestion.DataDir = c.Ingest.DataDir
	}
	if c.Ingest.Ext != "" {
		cfg.Ingestion.FileExtension = c.Ingest.Ext
	}
	if c.Ingest.Workers != 0 {
		cfg.Ingestion.Workers = c.Ingest.Workers
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewStructuredLogger("weather-ingester", version, logging.ParseLevel(cfg.Logging.Level))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info(ctx, "[INGESTER_START] Starting weather ingester", logging.Fields{
		"version":  version,
		"command":  kctx.Command(),
		"data_dir": cfg.Ingestion.DataDir,
		"workers":  cfg.Ingestion.Workers,
	})

	metricsCollector := metrics.NewCollector("weather_ingester")

	db, err := database.NewPostgresDB(cfg.Database.PoolConfig(), logger, metricsCollector)
	if err != nil {
		logger.Fatal(ctx, "[INGESTER_ERROR] Failed to connect to database", logging.Fields{}, err)
	}

	a := &app{
		cfg:     cfg,
		logger:  logger,
		metrics: metricsCollector,
		repo:    repository.NewWeatherRepository(db, logger, metricsCollector),
	}

	kctx.BindTo(ctx, (*context.Context)(nil))
	err = kctx.Run(a)
	db.Close()
	if err != nil {
		logger.Error(ctx, "[INGESTER_FAILED] Command failed", logging.Fields{
			"command": kctx.Command(),
		}, err)
		os.Exit(1)
	}

	logger.Info(ctx, "[INGESTER_COMPLETE] Command completed", logging.Fields{
		"command": kctx.Command(),
	})
}
