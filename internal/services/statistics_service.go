package services

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/jonboulle/clockwork"

	"weather-ingest/internal/models"
	"weather-ingest/internal/repository"
	"weather-ingest/pkg/logging"
	"weather-ingest/pkg/metrics"
)

// AggregationReport summarizes one aggregation pass.
type AggregationReport struct {
	Observations int
	Groups       int
	Inserted     int
	Skipped      int
	Elapsed      time.Duration
}

// yearAccumulator sums readings in integer tenths so means are exact
// before the final rounding.
type yearAccumulator struct {
	count     int
	maxSum    int64
	maxN      int
	minSum    int64
	minN      int
	precipSum int64
}

func (a *yearAccumulator) add(obs *models.Observation) {
	a.count++
	if obs.MaxTemp != nil {
		a.maxSum += int64(models.ToTenths(obs.MaxTemp))
		a.maxN++
	}
	if obs.MinTemp != nil {
		a.minSum += int64(models.ToTenths(obs.MinTemp))
		a.minN++
	}
	if obs.Precipitation != nil {
		a.precipSum += int64(models.ToTenths(obs.Precipitation))
	}
}

// stat computes the summary: means over non-null readings (nil when there
// are none) and a precipitation total that counts missing as 0.
func (a *yearAccumulator) stat(key models.StatKey) models.YearlyStat {
	return models.YearlyStat{
		StationID:          key.StationID,
		Year:               key.Year,
		AvgMaxTemp:         meanOfTenths(a.maxSum, a.maxN),
		AvgMinTemp:         meanOfTenths(a.minSum, a.minN),
		TotalPrecipitation: float64(a.precipSum) / 10.0,
		ObservationCount:   a.count,
	}
}

func meanOfTenths(sum int64, n int) *float64 {
	if n == 0 {
		return nil
	}
	mean := math.Round(float64(sum)/float64(n)*10) / 100
	return &mean
}

// StatisticsService computes yearly per-station statistics
type StatisticsService struct {
	store   repository.StatisticsStore
	logger  *logging.StructuredLogger
	metrics *metrics.Collector
	clock   clockwork.Clock
}

// NewStatisticsService creates a new statistics service
func NewStatisticsService(store repository.StatisticsStore, logger *logging.StructuredLogger, metricsCollector *metrics.Collector) *StatisticsService {
	return &StatisticsService{
		store:   store,
		logger:  logger,
		metrics: metricsCollector,
		clock:   clockwork.NewRealClock(),
	}
}

// WithClock replaces the clock used for elapsed time.
func (s *StatisticsService) WithClock(clock clockwork.Clock) *StatisticsService {
	s.clock = clock
	return s
}

// CalculateAllStatistics groups every observation by station and year and
// inserts a YearlyStat for each group not already stored. Existing rows are
// never modified.
func (s *StatisticsService) CalculateAllStatistics(ctx context.Context) (*AggregationReport, error) {
	start := s.clock.Now()
	report := &AggregationReport{}

	s.logger.Info(ctx, "[STATS_CALC_START] Starting yearly aggregation", logging.Fields{})

	existingKeys, err := s.store.LoadStatisticKeys(ctx)
	if err != nil {
		return report, fmt.Errorf("%w: %w", ErrAggregation, err)
	}
	existing := make(map[models.StatKey]struct{}, len(existingKeys))
	for _, k := range existingKeys {
		existing[k] = struct{}{}
	}

	groups := make(map[models.StatKey]*yearAccumulator)
	err = s.store.ForEachObservation(ctx, func(obs *models.Observation) error {
		report.Observations++
		key := models.StatKey{StationID: obs.StationID, Year: obs.Date.Year()}
		acc, ok := groups[key]
		if !ok {
			acc = &yearAccumulator{}
			groups[key] = acc
		}
		acc.add(obs)
		return nil
	})
	if err != nil {
		return report, fmt.Errorf("%w: %w", ErrAggregation, err)
	}
	report.Groups = len(groups)

	pending := make([]models.YearlyStat, 0, len(groups))
	for key, acc := range groups {
		if _, ok := existing[key]; ok {
			report.Skipped++
			continue
		}
		pending = append(pending, acc.stat(key))
	}
	sort.Slice(pending, func(i, j int) bool {
		if pending[i].StationID != pending[j].StationID {
			return pending[i].StationID < pending[j].StationID
		}
		return pending[i].Year < pending[j].Year
	})

	inserted, err := s.store.InsertYearlyStats(ctx, pending)
	if err != nil {
		return report, fmt.Errorf("%w: %w", ErrAggregation, err)
	}
	report.Inserted = int(inserted)
	// Rows written concurrently by another aggregation hit ON CONFLICT.
	report.Skipped += len(pending) - report.Inserted

	report.Elapsed = s.clock.Since(start)
	s.metrics.StatsCalculationDuration.Observe(report.Elapsed.Seconds())
	s.metrics.RecordStatsGroups(report.Inserted, report.Skipped)

	s.logger.Info(ctx, "[STATS_CALC_COMPLETE] Yearly aggregation completed", logging.Fields{
		"observations":     report.Observations,
		"groups":           report.Groups,
		"inserted":         report.Inserted,
		"skipped":          report.Skipped,
		"duration_seconds": report.Elapsed.Seconds(),
	})

	return report, nil
}
