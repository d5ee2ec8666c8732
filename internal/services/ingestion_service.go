package services

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"weather-ingest/internal/models"
	"weather-ingest/internal/repository"
	"weather-ingest/pkg/logging"
	"weather-ingest/pkg/metrics"
)

const stagingTablePrefix = "weather_data_staging_"

// IngestionOptions configures one run.
type IngestionOptions struct {
	DataDir       string
	FileExtension string
	Workers       int
}

// IngestionReport summarizes a run. Totals cover every file, failed or not.
type IngestionReport struct {
	RunID        string
	Stage        Stage
	StagingTable string
	Files        int
	Lines        int
	Accepted     int
	Duplicates   int
	Malformed    int
	Discarded    int
	// Merged is the number of rows the merge inserted; Accepted - Merged
	// rows were dropped as conflicts.
	Merged      int64
	FileResults []FileResult
	Elapsed     time.Duration
}

// MergeConflicts is the number of staged rows the merge ignored.
func (r *IngestionReport) MergeConflicts() int64 {
	return int64(r.Accepted) - r.Merged
}

// FailedFiles returns the results of files that hit a FileProcessError.
func (r *IngestionReport) FailedFiles() []FileResult {
	var failed []FileResult
	for _, fr := range r.FileResults {
		if fr.Failed() {
			failed = append(failed, fr)
		}
	}
	return failed
}

func (r *IngestionReport) add(fr FileResult) {
	r.Lines += fr.Lines
	r.Accepted += fr.Accepted
	r.Duplicates += fr.Duplicates
	r.Malformed += fr.Malformed
	r.Discarded += fr.Discarded
}

// IngestionService coordinates an ingestion run:
// IDLE → STAGING_CREATED → FILES_DISPATCHED → MERGING → CLEANUP → DONE,
// or FAILED from any stage.
type IngestionService struct {
	store    repository.IngestionStore
	logger   *logging.StructuredLogger
	metrics  *metrics.Collector
	clock    clockwork.Clock
	newRunID func() string
}

// NewIngestionService creates a new ingestion service
func NewIngestionService(store repository.IngestionStore, logger *logging.StructuredLogger, metricsCollector *metrics.Collector) *IngestionService {
	return &IngestionService{
		store:    store,
		logger:   logger,
		metrics:  metricsCollector,
		clock:    clockwork.NewRealClock(),
		newRunID: uuid.NewString,
	}
}

// WithClock replaces the clock used for elapsed time.
func (s *IngestionService) WithClock(clock clockwork.Clock) *IngestionService {
	s.clock = clock
	return s
}

// StagingTableName derives the per-run staging table from a run id.
func StagingTableName(runID string) string {
	return stagingTablePrefix + strings.ToLower(strings.ReplaceAll(runID, "-", ""))
}

// Run ingests every matching file in opts.DataDir. The report is returned
// even when err is non-nil. A non-nil err is always a *StageError; per-file
// failures are only recorded in the report.
func (s *IngestionService) Run(ctx context.Context, opts IngestionOptions) (*IngestionReport, error) {
	runID := s.newRunID()
	ctx = logging.WithRunID(ctx, runID)
	start := s.clock.Now()

	report := &IngestionReport{
		RunID: runID,
		Stage: StageIdle,
	}

	err := s.run(ctx, opts, report)

	report.Elapsed = s.clock.Since(start)
	s.metrics.RecordIngestionRun(report.Merged, report.Elapsed, err != nil)

	fields := logging.Fields{
		"stage":           string(report.Stage),
		"files":           report.Files,
		"failed_files":    len(report.FailedFiles()),
		"lines":           report.Lines,
		"accepted":        report.Accepted,
		"duplicates":      report.Duplicates,
		"malformed":       report.Malformed,
		"discarded":       report.Discarded,
		"merged":          report.Merged,
		"elapsed_seconds": report.Elapsed.Seconds(),
	}
	if err != nil {
		report.Stage = StageFailed
		fields["stage"] = string(StageFailed)
		s.logger.Error(ctx, "[INGEST_FAILED] Ingestion run failed", fields, err)
		return report, err
	}

	fields["merge_conflicts"] = report.MergeConflicts()
	s.logger.Info(ctx, "[INGEST_COMPLETE] Ingestion run completed", fields)
	return report, nil
}

func (s *IngestionService) run(ctx context.Context, opts IngestionOptions, report *IngestionReport) (err error) {
	s.logger.Info(ctx, "[INGEST_START] Starting ingestion run", logging.Fields{
		"data_dir": opts.DataDir,
		"workers":  opts.Workers,
	})

	files, err := DiscoverFiles(opts.DataDir, opts.FileExtension)
	if err != nil {
		return &StageError{Stage: StageIdle, Kind: ErrDispatch, Err: err}
	}
	report.Files = len(files)

	if len(files) == 0 {
		s.logger.Warn(ctx, "[INGEST_NO_FILES] No input files found", logging.Fields{
			"data_dir":  opts.DataDir,
			"extension": opts.FileExtension,
		})
		report.Stage = StageDone
		return nil
	}

	index, err := LoadDuplicateIndex(ctx, s.store)
	if err != nil {
		return &StageError{Stage: StageIdle, Kind: ErrDuplicateIndex, Err: err}
	}
	s.logger.Info(ctx, "[INGEST_INDEX] Duplicate index loaded", logging.Fields{
		"keys": index.Len(),
	})

	table := StagingTableName(report.RunID)
	if err := s.store.CreateStagingTable(ctx, table); err != nil {
		return &StageError{Stage: StageStagingCreated, Kind: ErrStageSetup, Err: err}
	}
	report.Stage = StageStagingCreated
	report.StagingTable = table

	// The staging table is dropped on every path from here, even when ctx
	// has been cancelled.
	defer func() {
		report.Stage = StageCleanup
		cleanupCtx := context.WithoutCancel(ctx)
		if dropErr := s.store.DropStagingTable(cleanupCtx, table); dropErr != nil {
			s.metrics.RecordIngestionError("cleanup_error")
			s.logger.Error(ctx, "[INGEST_CLEANUP_ERROR] Failed to drop staging table", logging.Fields{
				"table": table,
			}, dropErr)
			if err == nil {
				err = &StageError{Stage: StageCleanup, Kind: ErrCleanup, Err: dropErr}
			}
			return
		}
		if err == nil {
			report.Stage = StageDone
		}
	}()

	results, err := s.dispatch(ctx, table, files, index, opts.Workers)
	report.FileResults = results
	for _, fr := range results {
		report.add(fr)
	}
	if err != nil {
		return &StageError{Stage: StageFilesDispatched, Kind: ErrDispatch, Err: err}
	}
	report.Stage = StageFilesDispatched
	s.logger.Info(ctx, "[INGEST_DISPATCHED] All files processed", logging.Fields{
		"files":        report.Files,
		"failed_files": len(report.FailedFiles()),
		"staged":       report.Accepted,
	})

	report.Stage = StageMerging
	mergeTimer := s.metrics.NewTimer(s.metrics.IngestionMergeSeconds)
	merged, err := s.store.MergeStagingTable(ctx, table)
	mergeElapsed := mergeTimer.ObserveDuration()
	if err != nil {
		s.metrics.RecordIngestionError("merge_error")
		return &StageError{Stage: StageMerging, Kind: ErrMerge, Err: err}
	}
	report.Merged = merged

	s.logger.Info(ctx, "[INGEST_MERGE] Staging merged into weather_data", logging.Fields{
		"staged":          report.Accepted,
		"merged":          merged,
		"merge_conflicts": report.MergeConflicts(),
		"duration_ms":     mergeElapsed.Milliseconds(),
	})
	return nil
}

// dispatch runs files through a pool of workers, each holding its own
// staging session. It returns an error only if no worker could acquire a
// session; individual file failures are in the results.
func (s *IngestionService) dispatch(ctx context.Context, table string, files []string, index *DuplicateIndex, workers int) ([]FileResult, error) {
	if workers < 1 {
		workers = 1
	}
	if workers > len(files) {
		workers = len(files)
	}

	jobs := make(chan int, len(files))
	for i := range files {
		jobs <- i
	}
	close(jobs)

	processor := NewFileProcessor(index, s.logger, s.metrics)
	results := make([]FileResult, len(files))
	sessionErrs := make([]error, workers)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()

			session, err := s.store.AcquireStagingSession(ctx, table)
			if err != nil {
				sessionErrs[worker] = err
				s.logger.Error(ctx, "[INGEST_WORKER_ERROR] Worker could not acquire a store session", logging.Fields{
					"worker": worker,
				}, err)
				return
			}
			defer session.Close()

			for i := range jobs {
				results[i] = processor.Process(ctx, session, files[i])
			}
		}(w)
	}
	wg.Wait()

	// Jobs left in the channel had no worker to run them.
	sessionErr := errors.Join(sessionErrs...)
	for i := range jobs {
		results[i] = FileResult{
			Path:      files[i],
			StationID: models.StationIDFromPath(files[i]),
			Err:       &FileProcessError{Path: files[i], Op: "dispatch", Err: sessionErr},
		}
		s.metrics.RecordFileResult(0, 0, 0, true)
	}

	for _, e := range sessionErrs {
		if e == nil {
			return results, nil
		}
	}
	return results, fmt.Errorf("no worker acquired a store session: %w", sessionErr)
}

// DiscoverFiles lists regular files in dir with the given extension, sorted by name.
func DiscoverFiles(dir, ext string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read input directory %s: %w", dir, err)
	}

	var files []string
	for _, entry := range entries {
		if !entry.Type().IsRegular() || filepath.Ext(entry.Name()) != ext {
			continue
		}
		files = append(files, filepath.Join(dir, entry.Name()))
	}
	sort.Strings(files)
	return files, nil
}
