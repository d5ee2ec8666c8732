package repository

import (
	"context"
	"fmt"
	"time"

	"weather-ingest/internal/models"
	"weather-ingest/pkg/database"
	"weather-ingest/pkg/logging"
	"weather-ingest/pkg/metrics"
)

// ObservationReader is the read API's query surface.
type ObservationReader interface {
	GetObservations(ctx context.Context, filter ObservationFilter) ([]models.Observation, int, error)
	GetStatistics(ctx context.Context, filter StatisticsFilter) ([]models.YearlyStat, int, error)
	HealthCheck(ctx context.Context) error
}

// IngestionStore is what an ingestion run needs from the store.
type IngestionStore interface {
	// ForEachObservationKey streams every (station_id, date) already stored.
	ForEachObservationKey(ctx context.Context, fn func(models.ObservationKey) error) error

	CreateStagingTable(ctx context.Context, table string) error
	// AcquireStagingSession checks out a dedicated connection for one worker.
	AcquireStagingSession(ctx context.Context, table string) (StagingSession, error)
	// MergeStagingTable inserts staged rows, ignoring (station_id, date)
	// conflicts, and returns the number of rows inserted.
	MergeStagingTable(ctx context.Context, table string) (int64, error)
	DropStagingTable(ctx context.Context, table string) error
}

// StatisticsStore is what the yearly aggregator needs from the store.
type StatisticsStore interface {
	// ForEachObservation streams every stored observation ordered by station and date.
	ForEachObservation(ctx context.Context, fn func(*models.Observation) error) error
	LoadStatisticKeys(ctx context.Context) ([]models.StatKey, error)
	// InsertYearlyStats inserts stats, leaving existing (station_id, year)
	// rows untouched, and returns the number of rows inserted.
	InsertYearlyStats(ctx context.Context, stats []models.YearlyStat) (int64, error)
}

// WeatherRepository provides data access for weather data
type WeatherRepository interface {
	ObservationReader
	IngestionStore
	StatisticsStore
}

// ObservationFilter defines filters for querying observations
type ObservationFilter struct {
	StationID *string
	Date      *time.Time
	Limit     int
	Offset    int
}

// StatisticsFilter defines filters for querying statistics
type StatisticsFilter struct {
	StationID *string
	Year      *int
	Limit     int
	Offset    int
}

// weatherRepository implements WeatherRepository
type weatherRepository struct {
	db      *database.PostgresDB
	logger  *logging.StructuredLogger
	metrics *metrics.Collector
}

// NewWeatherRepository creates a new weather repository
func NewWeatherRepository(db *database.PostgresDB, logger *logging.StructuredLogger, metricsCollector *metrics.Collector) WeatherRepository {
	return &weatherRepository{
		db:      db,
		logger:  logger,
		metrics: metricsCollector,
	}
}

// GetObservations retrieves observations ordered by station and date.
func (r *weatherRepository) GetObservations(ctx context.Context, filter ObservationFilter) ([]models.Observation, int, error) {
	where := " WHERE 1=1"
	args := []interface{}{}
	argNum := 1

	if filter.StationID != nil {
		where += fmt.Sprintf(" AND station_id = $%d", argNum)
		args = append(args, *filter.StationID)
		argNum++
	}

	if filter.Date != nil {
		where += fmt.Sprintf(" AND date = $%d", argNum)
		args = append(args, filter.Date.Format(models.APIDateLayout))
		argNum++
	}

	var totalCount int
	err := r.db.GetContext(ctx, "count_observations", &totalCount, "SELECT COUNT(*) FROM weather_data"+where, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count observations: %w", err)
	}

	query := "SELECT id, station_id, date, max_temp, min_temp, precipitation FROM weather_data" + where
	query += " ORDER BY station_id, date"
	query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", argNum, argNum+1)
	args = append(args, filter.Limit, filter.Offset)

	observations := []models.Observation{}
	err = r.db.SelectContext(ctx, "get_observations", &observations, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to get observations: %w", err)
	}

	return observations, totalCount, nil
}

// GetStatistics retrieves yearly stats ordered by station and year.
func (r *weatherRepository) GetStatistics(ctx context.Context, filter StatisticsFilter) ([]models.YearlyStat, int, error) {
	where := " WHERE 1=1"
	args := []interface{}{}
	argNum := 1

	if filter.StationID != nil {
		where += fmt.Sprintf(" AND station_id = $%d", argNum)
		args = append(args, *filter.StationID)
		argNum++
	}

	if filter.Year != nil {
		where += fmt.Sprintf(" AND year = $%d", argNum)
		args = append(args, *filter.Year)
		argNum++
	}

	var totalCount int
	err := r.db.GetContext(ctx, "count_statistics", &totalCount, "SELECT COUNT(*) FROM weather_station_yearly_stats"+where, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count statistics: %w", err)
	}

	query := `SELECT id, station_id, year, avg_max_temp, avg_min_temp, total_precipitation, observation_count
		FROM weather_station_yearly_stats` + where
	query += " ORDER BY station_id, year"
	query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", argNum, argNum+1)
	args = append(args, filter.Limit, filter.Offset)

	statistics := []models.YearlyStat{}
	err = r.db.SelectContext(ctx, "get_statistics", &statistics, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to get statistics: %w", err)
	}

	return statistics, totalCount, nil
}

// ForEachObservationKey streams the existing keys without materializing rows.
func (r *weatherRepository) ForEachObservationKey(ctx context.Context, fn func(models.ObservationKey) error) error {
	rows, err := r.db.QueryContext(ctx, "load_observation_keys",
		"SELECT station_id, to_char(date, 'YYYYMMDD') FROM weather_data")
	if err != nil {
		return fmt.Errorf("failed to load observation keys: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var key models.ObservationKey
		if err := rows.Scan(&key.StationID, &key.Date); err != nil {
			return fmt.Errorf("failed to scan observation key: %w", database.Classify(err))
		}
		if err := fn(key); err != nil {
			return err
		}
	}

	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to iterate observation keys: %w", database.Classify(err))
	}
	return nil
}

// ForEachObservation streams every observation for aggregation.
func (r *weatherRepository) ForEachObservation(ctx context.Context, fn func(*models.Observation) error) error {
	rows, err := r.db.QueryContext(ctx, "scan_observations",
		"SELECT id, station_id, date, max_temp, min_temp, precipitation FROM weather_data ORDER BY station_id, date")
	if err != nil {
		return fmt.Errorf("failed to scan observations: %w", err)
	}
	defer rows.Close()

	var obs models.Observation
	for rows.Next() {
		obs = models.Observation{}
		if err := rows.StructScan(&obs); err != nil {
			return fmt.Errorf("failed to scan observation: %w", database.Classify(err))
		}
		if err := fn(&obs); err != nil {
			return err
		}
	}

	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to iterate observations: %w", database.Classify(err))
	}
	return nil
}

// LoadStatisticKeys returns every (station_id, year) already aggregated.
func (r *weatherRepository) LoadStatisticKeys(ctx context.Context) ([]models.StatKey, error) {
	var keys []models.StatKey
	err := r.db.SelectContext(ctx, "load_statistic_keys", &keys,
		"SELECT station_id, year FROM weather_station_yearly_stats")
	if err != nil {
		return nil, fmt.Errorf("failed to load statistic keys: %w", err)
	}
	return keys, nil
}

// InsertYearlyStats inserts stats in a single transaction.
func (r *weatherRepository) InsertYearlyStats(ctx context.Context, stats []models.YearlyStat) (int64, error) {
	if len(stats) == 0 {
		return 0, nil
	}

	timer := time.Now()
	defer func() {
		r.db.Observe("insert_yearly_stats", timer, nil)
		r.logger.Debug(ctx, "[REPO_INSERT_STATS] Yearly stats batch written", logging.Fields{
			"count":       len(stats),
			"duration_ms": time.Since(timer).Milliseconds(),
		})
	}()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO weather_station_yearly_stats (
			station_id, year, avg_max_temp, avg_min_temp, total_precipitation, observation_count
		)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (station_id, year) DO NOTHING
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare statement: %w", database.Classify(err))
	}
	defer stmt.Close()

	var inserted int64
	for _, s := range stats {
		res, err := stmt.ExecContext(ctx,
			s.StationID,
			s.Year,
			s.AvgMaxTemp,
			s.AvgMinTemp,
			s.TotalPrecipitation,
			s.ObservationCount,
		)
		if err != nil {
			return 0, fmt.Errorf("failed to insert stats for %s/%d: %w", s.StationID, s.Year, database.Classify(err))
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("failed to read rows affected: %w", err)
		}
		inserted += n
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", database.Classify(err))
	}

	return inserted, nil
}

// HealthCheck performs a repository health check
func (r *weatherRepository) HealthCheck(ctx context.Context) error {
	return r.db.HealthCheck(ctx)
}
