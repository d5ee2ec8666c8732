package services

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"weather-ingest/internal/models"
	"weather-ingest/internal/repository"
	"weather-ingest/pkg/logging"
	"weather-ingest/pkg/metrics"
)

func newTestMetrics() *metrics.Collector {
	// Fresh registry per test to avoid duplicate registration panics.
	return metrics.NewCollectorWithRegistry("test", prometheus.NewRegistry())
}

func newTestLogger() *logging.StructuredLogger {
	return logging.NewNopLogger()
}

// writeFiles creates files under a temp dir and returns the dir.
func writeFiles(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}
	return dir
}

func lines(ls ...string) string {
	return strings.Join(ls, "\n") + "\n"
}

// memStore is an in-memory IngestionStore and StatisticsStore.
type memStore struct {
	mu sync.Mutex

	rows    map[models.ObservationKey]models.Observation
	staging map[string][]models.Observation
	stats   map[models.StatKey]models.YearlyStat

	created  []string
	dropped  []string
	sessions int

	keysErr    error
	createErr  error
	acquireErr error
	addErr     error
	mergeErr   error
	dropErr    error

	onMerge func()
}

func newMemStore() *memStore {
	return &memStore{
		rows:    make(map[models.ObservationKey]models.Observation),
		staging: make(map[string][]models.Observation),
		stats:   make(map[models.StatKey]models.YearlyStat),
	}
}

func (m *memStore) seed(obs ...*models.Observation) {
	for _, o := range obs {
		m.rows[o.Key()] = *o
	}
}

func (m *memStore) rowCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}

func (m *memStore) ForEachObservationKey(_ context.Context, fn func(models.ObservationKey) error) error {
	if m.keysErr != nil {
		return m.keysErr
	}
	m.mu.Lock()
	keys := make([]models.ObservationKey, 0, len(m.rows))
	for k := range m.rows {
		keys = append(keys, k)
	}
	m.mu.Unlock()

	for _, k := range keys {
		if err := fn(k); err != nil {
			return err
		}
	}
	return nil
}

func (m *memStore) CreateStagingTable(_ context.Context, table string) error {
	if m.createErr != nil {
		return m.createErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.created = append(m.created, table)
	m.staging[table] = nil
	return nil
}

func (m *memStore) AcquireStagingSession(_ context.Context, table string) (repository.StagingSession, error) {
	if m.acquireErr != nil {
		return nil, m.acquireErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.staging[table]; !ok {
		return nil, errors.New("staging table does not exist")
	}
	m.sessions++
	return &memSession{store: m, table: table}, nil
}

func (m *memStore) MergeStagingTable(_ context.Context, table string) (int64, error) {
	if m.onMerge != nil {
		m.onMerge()
	}
	if m.mergeErr != nil {
		return 0, m.mergeErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var inserted int64
	for _, obs := range m.staging[table] {
		if _, exists := m.rows[obs.Key()]; exists {
			continue
		}
		m.rows[obs.Key()] = obs
		inserted++
	}
	return inserted, nil
}

func (m *memStore) DropStagingTable(_ context.Context, table string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropped = append(m.dropped, table)
	if m.dropErr != nil {
		return m.dropErr
	}
	delete(m.staging, table)
	return nil
}

func (m *memStore) stagingTables() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var tables []string
	for t := range m.staging {
		tables = append(tables, t)
	}
	return tables
}

func (m *memStore) ForEachObservation(_ context.Context, fn func(*models.Observation) error) error {
	m.mu.Lock()
	all := make([]models.Observation, 0, len(m.rows))
	for _, o := range m.rows {
		all = append(all, o)
	}
	m.mu.Unlock()

	sort.Slice(all, func(i, j int) bool {
		if all[i].StationID != all[j].StationID {
			return all[i].StationID < all[j].StationID
		}
		return all[i].Date.Before(all[j].Date)
	})
	for i := range all {
		if err := fn(&all[i]); err != nil {
			return err
		}
	}
	return nil
}

func (m *memStore) LoadStatisticKeys(context.Context) ([]models.StatKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]models.StatKey, 0, len(m.stats))
	for k := range m.stats {
		keys = append(keys, k)
	}
	return keys, nil
}

func (m *memStore) InsertYearlyStats(_ context.Context, stats []models.YearlyStat) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var inserted int64
	for _, s := range stats {
		if _, ok := m.stats[s.Key()]; ok {
			continue
		}
		m.stats[s.Key()] = s
		inserted++
	}
	return inserted, nil
}

type memSession struct {
	store *memStore
	table string
}

func (s *memSession) Begin(context.Context) (repository.StagingBatch, error) {
	return &memBatch{session: s}, nil
}

func (s *memSession) Close() error { return nil }

type memBatch struct {
	session *memSession
	pending []models.Observation
}

func (b *memBatch) Add(_ context.Context, obs *models.Observation) error {
	if b.session.store.addErr != nil {
		return b.session.store.addErr
	}
	b.pending = append(b.pending, *obs)
	return nil
}

func (b *memBatch) Commit(context.Context) error {
	m := b.session.store
	m.mu.Lock()
	defer m.mu.Unlock()
	m.staging[b.session.table] = append(m.staging[b.session.table], b.pending...)
	b.pending = nil
	return nil
}

func (b *memBatch) Rollback() error {
	b.pending = nil
	return nil
}
