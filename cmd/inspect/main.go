package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/alecthomas/kong"
	"github.com/prometheus/client_golang/prometheus"

	"weather-ingest/internal/models"
	"weather-ingest/internal/repository"
	"weather-ingest/internal/services"
	"weather-ingest/pkg/logging"
	"weather-ingest/pkg/metrics"
)

type cli struct {
	DataDir  string `name:"data-dir" default:"wx_data" help:"Directory containing station files."`
	Ext      string `name:"ext" default:".txt" help:"Input file extension."`
	Echo     bool   `name:"echo" help:"Print every accepted row in the input line format."`
	LogLevel string `name:"log-level" default:"warn" help:"Log level for per-line diagnostics (written to stderr)."`
}

// dryRunSession satisfies repository.StagingSession without a store. Rows
// are counted and optionally echoed on commit.
type dryRunSession struct {
	echo io.Writer
	rows int
}

func (s *dryRunSession) Begin(context.Context) (repository.StagingBatch, error) {
	return &dryRunBatch{session: s}, nil
}

func (s *dryRunSession) Close() error { return nil }

type dryRunBatch struct {
	session *dryRunSession
	pending []*models.Observation
}

func (b *dryRunBatch) Add(_ context.Context, obs *models.Observation) error {
	b.pending = append(b.pending, obs)
	return nil
}

func (b *dryRunBatch) Commit(context.Context) error {
	b.session.rows += len(b.pending)
	if b.session.echo != nil {
		for _, obs := range b.pending {
			if _, err := fmt.Fprintf(b.session.echo, "%s\t%s\n", obs.StationID, models.FormatLine(obs)); err != nil {
				return err
			}
		}
	}
	b.pending = nil
	return nil
}

func (b *dryRunBatch) Rollback() error {
	b.pending = nil
	return nil
}

func main() {
	var c cli
	kong.Parse(&c,
		kong.Name("inspect"),
		kong.Description("Parse weather files offline and report what an ingest would stage."),
		kong.UsageOnError(),
	)

	logger := logging.NewStructuredLogger("weather-inspect", "1.0.0", logging.ParseLevel(c.LogLevel))
	logger.SetOutput(os.Stderr)
	ctx := context.Background()

	files, err := services.DiscoverFiles(c.DataDir, c.Ext)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading directory: %v\n", err)
		os.Exit(1)
	}

	out := bufio.NewWriter(os.Stdout)
	defer out.Flush()

	session := &dryRunSession{}
	if c.Echo {
		session.echo = out
	}

	// An empty index: every well-formed row counts as accepted.
	processor := services.NewFileProcessor(services.NewDuplicateIndex(), logger,
		metrics.NewCollectorWithRegistry("weather_inspect", prometheus.NewRegistry()))

	var results []services.FileResult
	failed := 0
	for _, path := range files {
		fr := processor.Process(ctx, session, path)
		if fr.Failed() {
			failed++
		}
		results = append(results, fr)
	}

	if c.Echo {
		out.Flush()
		return
	}

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "STATION\tLINES\tACCEPTED\tMALFORMED\tCHECKSUM\tERROR")
	var lines, accepted, malformed int
	for _, fr := range results {
		errText := ""
		if fr.Err != nil {
			errText = fr.Err.Error()
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%s\t%s\n", fr.StationID, fr.Lines, fr.Accepted, fr.Malformed, fr.Checksum, errText)
		lines += fr.Lines
		accepted += fr.Accepted
		malformed += fr.Malformed
	}
	tw.Flush()

	fmt.Fprintf(out, "\nFiles: %d  Failed: %d  Lines: %d  Accepted: %d  Malformed: %d\n",
		len(results), failed, lines, accepted, malformed)

	if failed > 0 {
		out.Flush()
		os.Exit(1)
	}
}
