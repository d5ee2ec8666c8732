package services

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"weather-ingest/internal/models"
	"weather-ingest/pkg/database"
)

const testRunID = "0b7c6a1e-3f9d-4a8e-9c1d-2e5f6a7b8c9d"

func newTestIngestion(store *memStore) *IngestionService {
	svc := NewIngestionService(store, newTestLogger(), newTestMetrics())
	svc.newRunID = func() string { return testRunID }
	return svc
}

func sampleDir(t *testing.T) string {
	return writeFiles(t, map[string]string{
		"USC001.txt": lines(
			"19850101\t100\t-50\t-9999",
			"19850102\t-22\t-128\t94",
			"garbage",
		),
		"USC002.txt": lines(
			"19850101\t10\t0\t0",
			"19850102\t20\t-10\t5",
			"19850103\t-9999\t-9999\t-9999",
		),
		"USC003.txt": lines(
			"20140101\t1\t1\t1",
		),
		"notes.csv": "ignored",
	})
}

func TestIngestionService_Run(t *testing.T) {
	store := newMemStore()
	fakeClock := clockwork.NewFakeClockAt(time.Date(2024, time.April, 26, 15, 10, 0, 0, time.UTC))
	store.onMerge = func() { fakeClock.Advance(3 * time.Second) }

	svc := newTestIngestion(store).WithClock(fakeClock)
	report, err := svc.Run(context.Background(), IngestionOptions{
		DataDir:       sampleDir(t),
		FileExtension: ".txt",
		Workers:       2,
	})
	require.NoError(t, err)

	assert.Equal(t, testRunID, report.RunID)
	assert.Equal(t, StageDone, report.Stage)
	assert.Equal(t, StagingTableName(testRunID), report.StagingTable)
	assert.Equal(t, 3, report.Files)
	assert.Equal(t, 7, report.Lines)
	assert.Equal(t, 6, report.Accepted)
	assert.Zero(t, report.Duplicates)
	assert.Equal(t, 1, report.Malformed)
	assert.Equal(t, int64(6), report.Merged)
	assert.Zero(t, report.MergeConflicts())
	assert.Empty(t, report.FailedFiles())
	assert.Equal(t, 3*time.Second, report.Elapsed)

	assert.Equal(t, 6, store.rowCount())
	assert.Equal(t, []string{report.StagingTable}, store.dropped)
	assert.Empty(t, store.stagingTables())
	assert.Equal(t, 2, store.sessions)

	for _, fr := range report.FileResults {
		assert.Equal(t, fr.Lines, fr.Accepted+fr.Duplicates+fr.Malformed+fr.Discarded, fr.Path)
	}
}

func TestIngestionService_RunIsIdempotent(t *testing.T) {
	store := newMemStore()
	dir := sampleDir(t)
	opts := IngestionOptions{DataDir: dir, FileExtension: ".txt", Workers: 4}

	first, err := NewIngestionService(store, newTestLogger(), newTestMetrics()).Run(context.Background(), opts)
	require.NoError(t, err)
	rowsAfterFirst := store.rowCount()

	second, err := NewIngestionService(store, newTestLogger(), newTestMetrics()).Run(context.Background(), opts)
	require.NoError(t, err)

	assert.NotEqual(t, first.RunID, second.RunID)
	assert.Equal(t, first.Accepted, second.Duplicates)
	assert.Zero(t, second.Accepted)
	assert.Zero(t, second.Merged)
	assert.Equal(t, rowsAfterFirst, store.rowCount())
	assert.Empty(t, store.stagingTables())
}

func TestIngestionService_StagingCreationFailure(t *testing.T) {
	store := newMemStore()
	store.createErr = errors.New("permission denied for schema public")

	report, err := newTestIngestion(store).Run(context.Background(), IngestionOptions{
		DataDir: sampleDir(t), FileExtension: ".txt", Workers: 2,
	})

	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, StageStagingCreated, stageErr.Stage)
	assert.ErrorIs(t, err, ErrStageSetup)
	assert.ErrorIs(t, err, store.createErr)

	assert.Equal(t, StageFailed, report.Stage)
	assert.Zero(t, store.sessions, "no file may be dispatched")
	assert.Empty(t, store.dropped, "nothing to clean up")
	assert.Zero(t, store.rowCount())
}

func TestIngestionService_MergeFailureStillDropsStaging(t *testing.T) {
	store := newMemStore()
	store.mergeErr = fmt.Errorf("merge: %w", database.ErrConnection)

	report, err := newTestIngestion(store).Run(context.Background(), IngestionOptions{
		DataDir: sampleDir(t), FileExtension: ".txt", Workers: 3,
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMerge)
	assert.ErrorIs(t, err, database.ErrConnection)
	assert.Contains(t, err.Error(), string(StageMerging))

	assert.Equal(t, StageFailed, report.Stage)
	assert.Equal(t, []string{StagingTableName(testRunID)}, store.dropped)
	assert.Empty(t, store.stagingTables())
	assert.Zero(t, store.rowCount(), "staged rows must never reach the permanent table")
}

func TestIngestionService_CleanupFailure(t *testing.T) {
	store := newMemStore()
	store.dropErr = errors.New("lock timeout")

	_, err := newTestIngestion(store).Run(context.Background(), IngestionOptions{
		DataDir: sampleDir(t), FileExtension: ".txt", Workers: 1,
	})

	assert.ErrorIs(t, err, ErrCleanup)
	assert.Equal(t, 6, store.rowCount(), "merge committed before cleanup")
}

func TestIngestionService_NoWorkerSession(t *testing.T) {
	store := newMemStore()
	store.acquireErr = fmt.Errorf("dial: %w", database.ErrConnection)

	report, err := newTestIngestion(store).Run(context.Background(), IngestionOptions{
		DataDir: sampleDir(t), FileExtension: ".txt", Workers: 2,
	})

	assert.ErrorIs(t, err, ErrDispatch)
	assert.ErrorIs(t, err, database.ErrConnection)
	assert.Len(t, report.FailedFiles(), 3)
	for _, fr := range report.FailedFiles() {
		var fileErr *FileProcessError
		require.ErrorAs(t, fr.Err, &fileErr)
		assert.Equal(t, "dispatch", fileErr.Op)
	}
	assert.Equal(t, []string{StagingTableName(testRunID)}, store.dropped)
}

func TestIngestionService_DuplicateIndexFailure(t *testing.T) {
	store := newMemStore()
	store.keysErr = errors.New("relation weather_data does not exist")

	_, err := newTestIngestion(store).Run(context.Background(), IngestionOptions{
		DataDir: sampleDir(t), FileExtension: ".txt", Workers: 2,
	})

	assert.ErrorIs(t, err, ErrDuplicateIndex)
	assert.Empty(t, store.created)
}

func TestIngestionService_EmptyDirectory(t *testing.T) {
	store := newMemStore()

	report, err := newTestIngestion(store).Run(context.Background(), IngestionOptions{
		DataDir: t.TempDir(), FileExtension: ".txt", Workers: 4,
	})

	require.NoError(t, err)
	assert.Equal(t, StageDone, report.Stage)
	assert.Zero(t, report.Files)
	assert.Zero(t, report.Accepted)
	assert.Empty(t, store.created)
}

func TestIngestionService_MissingDirectory(t *testing.T) {
	_, err := newTestIngestion(newMemStore()).Run(context.Background(), IngestionOptions{
		DataDir: "/nonexistent/wx_data", FileExtension: ".txt", Workers: 4,
	})

	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, StageIdle, stageErr.Stage)
}

func TestIngestionService_PreexistingRowsAreDuplicates(t *testing.T) {
	store := newMemStore()
	dir := sampleDir(t)
	opts := IngestionOptions{DataDir: dir, FileExtension: ".txt", Workers: 2}

	_, err := newTestIngestion(store).Run(context.Background(), opts)
	require.NoError(t, err)

	more := writeFiles(t, map[string]string{
		"USC001.txt": lines(
			"19850101\t100\t-50\t-9999",
			"19850103\t5\t5\t5",
		),
	})
	report, err := newTestIngestion(store).Run(context.Background(), IngestionOptions{
		DataDir: more, FileExtension: ".txt", Workers: 2,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Duplicates)
	assert.Equal(t, 1, report.Accepted)
	assert.Equal(t, int64(1), report.Merged)
}

func TestIngestionService_MergeDropsRowsStoredAfterSnapshot(t *testing.T) {
	store := newMemStore()
	concurrent := models.Observation{
		StationID: "USC002",
		Date:      time.Date(1985, time.January, 1, 0, 0, 0, 0, time.UTC),
	}
	// Another writer stores a key after the duplicate index was loaded.
	store.onMerge = func() {
		store.mu.Lock()
		defer store.mu.Unlock()
		store.rows[concurrent.Key()] = concurrent
	}

	report, err := newTestIngestion(store).Run(context.Background(), IngestionOptions{
		DataDir: sampleDir(t), FileExtension: ".txt", Workers: 2,
	})
	require.NoError(t, err)

	assert.Equal(t, 6, report.Accepted)
	assert.Zero(t, report.Duplicates, "the snapshot could not see the concurrent row")
	assert.Equal(t, int64(5), report.Merged)
	assert.Equal(t, int64(1), report.MergeConflicts())
	assert.Equal(t, 6, store.rowCount())
	assert.Nil(t, store.rows[concurrent.Key()].MaxTemp, "existing row must not be overwritten")
	assert.Empty(t, store.stagingTables())
}

func TestIngestionService_MergeDropsKeysRepeatedInFile(t *testing.T) {
	store := newMemStore()
	dir := writeFiles(t, map[string]string{
		"USC001.txt": lines(
			"19850101\t100\t-50\t0",
			"19850102\t-22\t-128\t94",
			"19850101\t111\t-55\t7",
		),
	})

	report, err := newTestIngestion(store).Run(context.Background(), IngestionOptions{
		DataDir: dir, FileExtension: ".txt", Workers: 1,
	})
	require.NoError(t, err)

	assert.Equal(t, 3, report.Accepted, "the snapshot only holds keys stored before the run")
	assert.Equal(t, int64(2), report.Merged)
	assert.Equal(t, int64(1), report.MergeConflicts())
	assert.Equal(t, 2, store.rowCount())

	again, err := newTestIngestion(store).Run(context.Background(), IngestionOptions{
		DataDir: dir, FileExtension: ".txt", Workers: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, 3, again.Duplicates)
	assert.Zero(t, again.MergeConflicts())
	assert.Equal(t, 2, store.rowCount())
}

func TestStagingTableName(t *testing.T) {
	assert.Equal(t, "weather_data_staging_0b7c6a1e3f9d4a8e9c1d2e5f6a7b8c9d", StagingTableName(testRunID))
}

func TestDiscoverFiles(t *testing.T) {
	dir := sampleDir(t)

	files, err := DiscoverFiles(dir, ".txt")
	require.NoError(t, err)
	require.Len(t, files, 3)
	assert.Contains(t, files[0], "USC001.txt")
	assert.Contains(t, files[2], "USC003.txt")
}
