package services

import (
	"context"
	"time"

	"weather-ingest/internal/models"
	"weather-ingest/internal/repository"
	"weather-ingest/pkg/logging"
	"weather-ingest/pkg/metrics"
)

// ObservationQuery selects a page of observations. Empty StationID and nil
// Date mean no filter.
type ObservationQuery struct {
	StationID  string
	Date       *time.Time
	Pagination models.Pagination
}

// StatisticsQuery selects a page of yearly stats.
type StatisticsQuery struct {
	StationID  string
	Year       *int
	Pagination models.Pagination
}

// WeatherService handles weather data operations
type WeatherService struct {
	repo    repository.ObservationReader
	logger  *logging.StructuredLogger
	metrics *metrics.Collector
}

// NewWeatherService creates a new weather service
func NewWeatherService(repo repository.ObservationReader, logger *logging.StructuredLogger, metricsCollector *metrics.Collector) *WeatherService {
	return &WeatherService{
		repo:    repo,
		logger:  logger,
		metrics: metricsCollector,
	}
}

// GetObservations returns one page of observations and the filtered total.
func (s *WeatherService) GetObservations(ctx context.Context, q ObservationQuery) (*models.Page[models.Observation], error) {
	filter := repository.ObservationFilter{
		Date:   q.Date,
		Limit:  q.Pagination.PerPage,
		Offset: q.Pagination.Offset(),
	}
	if q.StationID != "" {
		filter.StationID = &q.StationID
	}

	observations, total, err := s.repo.GetObservations(ctx, filter)
	if err != nil {
		return nil, err
	}
	return models.NewPage(q.Pagination, total, observations), nil
}

// GetStatistics returns one page of yearly stats and the filtered total.
func (s *WeatherService) GetStatistics(ctx context.Context, q StatisticsQuery) (*models.Page[models.YearlyStat], error) {
	filter := repository.StatisticsFilter{
		Year:   q.Year,
		Limit:  q.Pagination.PerPage,
		Offset: q.Pagination.Offset(),
	}
	if q.StationID != "" {
		filter.StationID = &q.StationID
	}

	stats, total, err := s.repo.GetStatistics(ctx, filter)
	if err != nil {
		return nil, err
	}
	return models.NewPage(q.Pagination, total, stats), nil
}

// HealthCheck reports whether the store answers.
func (s *WeatherService) HealthCheck(ctx context.Context) error {
	return s.repo.HealthCheck(ctx)
}
