package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"weather-ingest/internal/models"
	"weather-ingest/internal/repository"
)

type mockReader struct {
	mock.Mock
}

func (m *mockReader) GetObservations(ctx context.Context, filter repository.ObservationFilter) ([]models.Observation, int, error) {
	args := m.Called(ctx, filter)
	obs, _ := args.Get(0).([]models.Observation)
	return obs, args.Int(1), args.Error(2)
}

func (m *mockReader) GetStatistics(ctx context.Context, filter repository.StatisticsFilter) ([]models.YearlyStat, int, error) {
	args := m.Called(ctx, filter)
	stats, _ := args.Get(0).([]models.YearlyStat)
	return stats, args.Int(1), args.Error(2)
}

func (m *mockReader) HealthCheck(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func TestWeatherService_GetObservations_BuildsFilter(t *testing.T) {
	reader := &mockReader{}
	date := time.Date(1985, 1, 1, 0, 0, 0, 0, time.UTC)
	station := "USC001"

	reader.On("GetObservations", mock.Anything, repository.ObservationFilter{
		StationID: &station,
		Date:      &date,
		Limit:     10,
		Offset:    10,
	}).Return([]models.Observation{{StationID: station, Date: date}}, 11, nil)

	svc := NewWeatherService(reader, newTestLogger(), newTestMetrics())
	page, err := svc.GetObservations(context.Background(), ObservationQuery{
		StationID:  station,
		Date:       &date,
		Pagination: models.NewPagination(2, 10),
	})
	require.NoError(t, err)

	assert.Equal(t, 11, page.Total)
	assert.Equal(t, 2, page.Page)
	assert.Equal(t, 10, page.PerPage)
	assert.Len(t, page.Data, 1)
	reader.AssertExpectations(t)
}

func TestWeatherService_GetStatistics_NoFilter(t *testing.T) {
	reader := &mockReader{}
	reader.On("GetStatistics", mock.Anything, repository.StatisticsFilter{Limit: 10, Offset: 0}).
		Return(nil, 0, nil)

	svc := NewWeatherService(reader, newTestLogger(), newTestMetrics())
	page, err := svc.GetStatistics(context.Background(), StatisticsQuery{Pagination: models.NewPagination(0, 0)})
	require.NoError(t, err)

	assert.Zero(t, page.Total)
	assert.NotNil(t, page.Data)
	assert.Empty(t, page.Data)
	reader.AssertExpectations(t)
}

func TestWeatherService_PropagatesErrors(t *testing.T) {
	reader := &mockReader{}
	boom := errors.New("boom")
	reader.On("GetStatistics", mock.Anything, mock.Anything).Return(nil, 0, boom)
	reader.On("HealthCheck", mock.Anything).Return(boom)

	svc := NewWeatherService(reader, newTestLogger(), newTestMetrics())
	_, err := svc.GetStatistics(context.Background(), StatisticsQuery{Pagination: models.NewPagination(1, 10)})
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, svc.HealthCheck(context.Background()), boom)
}
