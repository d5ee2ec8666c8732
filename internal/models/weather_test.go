package models

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr(v float64) *float64 { return &v }

func TestRawWeatherRecord_ToObservation(t *testing.T) {
	tests := []struct {
		name     string
		record   RawWeatherRecord
		wantErr  bool
		wantMax  *float64
		wantMin  *float64
		wantPrcp *float64
	}{
		{
			name:     "valid record with all values",
			record:   RawWeatherRecord{Date: "20230115", MaxTemperatureTenths: 250, MinTemperatureTenths: 150, PrecipitationTenths: 100},
			wantMax:  ptr(25.0),
			wantMin:  ptr(15.0),
			wantPrcp: ptr(10.0),
		},
		{
			name:     "missing max temperature",
			record:   RawWeatherRecord{Date: "20230115", MaxTemperatureTenths: MissingValue, MinTemperatureTenths: 150, PrecipitationTenths: 100},
			wantMin:  ptr(15.0),
			wantPrcp: ptr(10.0),
		},
		{
			name:     "missing min temperature",
			record:   RawWeatherRecord{Date: "20230115", MaxTemperatureTenths: 250, MinTemperatureTenths: MissingValue, PrecipitationTenths: 100},
			wantMax:  ptr(25.0),
			wantPrcp: ptr(10.0),
		},
		{
			name:    "missing precipitation",
			record:  RawWeatherRecord{Date: "20230115", MaxTemperatureTenths: 250, MinTemperatureTenths: 150, PrecipitationTenths: MissingValue},
			wantMax: ptr(25.0),
			wantMin: ptr(15.0),
		},
		{
			name:   "all missing",
			record: RawWeatherRecord{Date: "20230115", MaxTemperatureTenths: MissingValue, MinTemperatureTenths: MissingValue, PrecipitationTenths: MissingValue},
		},
		{
			name:     "negative temperatures",
			record:   RawWeatherRecord{Date: "20230115", MaxTemperatureTenths: -50, MinTemperatureTenths: -100, PrecipitationTenths: 0},
			wantMax:  ptr(-5.0),
			wantMin:  ptr(-10.0),
			wantPrcp: ptr(0.0),
		},
		{
			name:     "decimal conversion",
			record:   RawWeatherRecord{Date: "20230115", MaxTemperatureTenths: 255, MinTemperatureTenths: 144, PrecipitationTenths: 123},
			wantMax:  ptr(25.5),
			wantMin:  ptr(14.4),
			wantPrcp: ptr(12.3),
		},
		{
			name:    "invalid date format",
			record:  RawWeatherRecord{Date: "2023-01-15", MaxTemperatureTenths: 250, MinTemperatureTenths: 150, PrecipitationTenths: 100},
			wantErr: true,
		},
		{
			name:    "impossible calendar date",
			record:  RawWeatherRecord{Date: "20230230"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			obs, err := tt.record.ToObservation("TEST001")
			if tt.wantErr {
				var parseErr *LineParseError
				require.ErrorAs(t, err, &parseErr)
				assert.Equal(t, "date", parseErr.Field)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, "TEST001", obs.StationID)
			assert.True(t, obs.Date.Equal(time.Date(2023, 1, 15, 0, 0, 0, 0, time.UTC)))
			assert.Equal(t, tt.wantMax, obs.MaxTemp)
			assert.Equal(t, tt.wantMin, obs.MinTemp)
			assert.Equal(t, tt.wantPrcp, obs.Precipitation)
		})
	}
}

func TestParseLine_Example(t *testing.T) {
	obs, err := ParseLine(StationIDFromPath("wx_data/USC001.txt"), "19850101\t100\t-50\t-9999")
	require.NoError(t, err)

	want := &Observation{
		StationID: "USC001",
		Date:      time.Date(1985, 1, 1, 0, 0, 0, 0, time.UTC),
		MaxTemp:   ptr(10.0),
		MinTemp:   ptr(-5.0),
	}
	if diff := cmp.Diff(want, obs); diff != "" {
		t.Errorf("ParseLine() mismatch (-want +got):\n%s", diff)
	}
}

func TestParseLine_ColumnBounds(t *testing.T) {
	obs, err := ParseLine("USC001", "19850101\t999999\t-999999\t9999999")
	require.NoError(t, err)
	assert.Equal(t, ptr(99999.9), obs.MaxTemp)
	assert.Equal(t, ptr(-99999.9), obs.MinTemp)
	assert.Equal(t, ptr(999999.9), obs.Precipitation)
}

func TestParseLine_Malformed(t *testing.T) {
	tests := []struct {
		name  string
		line  string
		field string
	}{
		{"blank", "", "line"},
		{"whitespace only", "   \t  ", "line"},
		{"too few fields", "19850101\t100\t-50", "line"},
		{"too many fields", "19850101\t100\t-50\t0\t7", "line"},
		{"space separated", "19850101 100 -50 0", "line"},
		{"non numeric max", "19850101\tabc\t-50\t0", "max_temp"},
		{"non numeric precip", "19850101\t100\t-50\t1.5", "precipitation"},
		{"short date", "1985011\t100\t-50\t0", "date"},
		{"max temp beyond column", "19850101\t1000000\t0\t0", "max_temp"},
		{"min temp beyond column", "19850101\t0\t-1000000\t0", "min_temp"},
		{"precip beyond column", "19850101\t0\t0\t99999999", "precipitation"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseLine("USC001", tt.line)
			var parseErr *LineParseError
			require.ErrorAs(t, err, &parseErr)
			assert.Equal(t, tt.field, parseErr.Field)
		})
	}
}

func TestParseLine_TrimsLineEndings(t *testing.T) {
	obs, err := ParseLine("USC001", "19850102\t-22\t-128\t94\r\n")
	require.NoError(t, err)
	assert.Equal(t, ptr(9.4), obs.Precipitation)
}

func TestFormatLine_RoundTrip(t *testing.T) {
	lines := []string{
		"19850101\t100\t-50\t-9999",
		"20001231\t-9999\t-9999\t-9999",
		"20140615\t333\t-1\t0",
		"19991111\t-5\t5\t2540",
	}

	for _, line := range lines {
		obs, err := ParseLine("USC001", line)
		require.NoError(t, err)
		assert.Equal(t, line, FormatLine(obs))

		again, err := ParseLine("USC001", FormatLine(obs))
		require.NoError(t, err)
		if diff := cmp.Diff(obs, again); diff != "" {
			t.Errorf("round trip mismatch (-first +second):\n%s", diff)
		}
	}
}

func TestSentinel_NeverBecomesValue(t *testing.T) {
	obs, err := ParseLine("USC001", "19850101\t-9999\t-9999\t-9999")
	require.NoError(t, err)
	assert.Nil(t, obs.MaxTemp)
	assert.Nil(t, obs.MinTemp)
	assert.Nil(t, obs.Precipitation)
	assert.Equal(t, MissingValue, ToTenths(nil))
}

func TestStationIDFromPath(t *testing.T) {
	assert.Equal(t, "USC00110072", StationIDFromPath("/data/wx_data/USC00110072.txt"))
	assert.Equal(t, "USC001", StationIDFromPath("USC001.backup.txt"))
	assert.Equal(t, "noext", StationIDFromPath("noext"))
}

func TestObservationKey_MatchesStoreDate(t *testing.T) {
	obs, err := ParseLine("USC001", "19850101\t1\t1\t1")
	require.NoError(t, err)

	fromStore := NewObservationKey("USC001", time.Date(1985, 1, 1, 0, 0, 0, 0, time.UTC))
	assert.Equal(t, fromStore, obs.Key())
}

func TestObservation_MarshalJSON(t *testing.T) {
	obs := Observation{
		StationID: "USC001",
		Date:      time.Date(1985, 1, 1, 0, 0, 0, 0, time.UTC),
		MaxTemp:   ptr(10.0),
	}

	data, err := json.Marshal(obs)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"station_id": "USC001",
		"date": "1985-01-01",
		"max_temp": 10,
		"min_temp": null,
		"precipitation": null
	}`, string(data))
}

func TestLineParseError(t *testing.T) {
	cause := errors.New("boom")
	err := &LineParseError{Line: 7, Field: "max_temp", Value: "x", Message: "not an integer", Err: cause}

	assert.Equal(t, `line 7: max_temp "x": not an integer`, err.Error())
	assert.ErrorIs(t, err, cause)
}
