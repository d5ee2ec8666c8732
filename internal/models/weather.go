package models

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	// MissingValue is the raw sentinel for an absent reading, in tenths.
	MissingValue = -9999

	// FileDateLayout is the date layout of input lines (YYYYMMDD).
	FileDateLayout = "20060102"

	// APIDateLayout is the date layout used by the read API.
	APIDateLayout = "2006-01-02"

	fieldCount = 4

	// Largest magnitudes, in tenths, the weather_data columns can hold:
	// NUMERIC(6,1) for temperatures and NUMERIC(7,1) for precipitation.
	maxTemperatureTenths   = 999999
	maxPrecipitationTenths = 9999999
)

// Observation is one station-day reading in the permanent store.
// Temperatures are in °C and precipitation in mm. A nil reading was
// reported as missing.
type Observation struct {
	ID            int64     `json:"id,omitempty" db:"id"`
	StationID     string    `json:"station_id" db:"station_id"`
	Date          time.Time `json:"date" db:"date"`
	MaxTemp       *float64  `json:"max_temp" db:"max_temp"`
	MinTemp       *float64  `json:"min_temp" db:"min_temp"`
	Precipitation *float64  `json:"precipitation" db:"precipitation"`
}

// MarshalJSON renders Date as YYYY-MM-DD.
func (o Observation) MarshalJSON() ([]byte, error) {
	type alias Observation
	return json.Marshal(struct {
		alias
		Date string `json:"date"`
	}{
		alias: alias(o),
		Date:  o.Date.Format(APIDateLayout),
	})
}

// Key returns the observation's uniqueness key.
func (o *Observation) Key() ObservationKey {
	return NewObservationKey(o.StationID, o.Date)
}

// ObservationKey identifies an observation. Date is YYYYMMDD so keys built
// from input lines and from the store compare equal.
type ObservationKey struct {
	StationID string
	Date      string
}

// NewObservationKey builds a key from a station and calendar date.
func NewObservationKey(stationID string, date time.Time) ObservationKey {
	return ObservationKey{StationID: stationID, Date: date.Format(FileDateLayout)}
}

// YearlyStat is the per-station, per-year summary. Averages are nil when
// the year had no non-null reading; TotalPrecipitation treats missing as 0.
type YearlyStat struct {
	ID                 int64    `json:"id,omitempty" db:"id"`
	StationID          string   `json:"station_id" db:"station_id"`
	Year               int      `json:"year" db:"year"`
	AvgMaxTemp         *float64 `json:"avg_max_temp" db:"avg_max_temp"`
	AvgMinTemp         *float64 `json:"avg_min_temp" db:"avg_min_temp"`
	TotalPrecipitation float64  `json:"total_precipitation" db:"total_precipitation"`
	ObservationCount   int      `json:"observation_count" db:"observation_count"`
}

// Key returns the stat's uniqueness key.
func (s *YearlyStat) Key() StatKey {
	return StatKey{StationID: s.StationID, Year: s.Year}
}

// StatKey identifies a yearly stat row.
type StatKey struct {
	StationID string `db:"station_id"`
	Year      int    `db:"year"`
}

// RawWeatherRecord is a single input line before unit conversion.
type RawWeatherRecord struct {
	Date                 string
	MaxTemperatureTenths int // 0.1°C, may be MissingValue
	MinTemperatureTenths int // 0.1°C, may be MissingValue
	PrecipitationTenths  int // 0.1mm, may be MissingValue
}

// ParseRecord splits one line into its four raw fields. Surrounding
// whitespace is ignored.
func ParseRecord(line string) (*RawWeatherRecord, error) {
	trimmed := strings.TrimSpace(line)
	fields := strings.Split(trimmed, "\t")
	if trimmed == "" || len(fields) != fieldCount {
		return nil, &LineParseError{
			Field:   "line",
			Value:   trimmed,
			Message: fmt.Sprintf("expected %d tab-separated fields, got %d", fieldCount, fieldCountOf(trimmed, fields)),
		}
	}

	r := &RawWeatherRecord{Date: fields[0]}
	targets := []struct {
		name string
		dst  *int
	}{
		{"max_temp", &r.MaxTemperatureTenths},
		{"min_temp", &r.MinTemperatureTenths},
		{"precipitation", &r.PrecipitationTenths},
	}
	for i, target := range targets {
		v, err := strconv.Atoi(strings.TrimSpace(fields[i+1]))
		if err != nil {
			return nil, &LineParseError{
				Field:   target.name,
				Value:   fields[i+1],
				Message: "not an integer",
				Err:     err,
			}
		}
		*target.dst = v
	}

	return r, nil
}

func fieldCountOf(trimmed string, fields []string) int {
	if trimmed == "" {
		return 0
	}
	return len(fields)
}

// ToObservation converts tenths to physical units and maps MissingValue to nil
// independently for each reading.
func (r *RawWeatherRecord) ToObservation(stationID string) (*Observation, error) {
	if len(r.Date) != len(FileDateLayout) {
		return nil, &LineParseError{
			Field:   "date",
			Value:   r.Date,
			Message: "invalid date format, expected YYYYMMDD",
		}
	}
	date, err := time.Parse(FileDateLayout, r.Date)
	if err != nil {
		return nil, &LineParseError{
			Field:   "date",
			Value:   r.Date,
			Message: "invalid date format, expected YYYYMMDD",
			Err:     err,
		}
	}

	readings := []struct {
		name   string
		tenths int
		limit  int
	}{
		{"max_temp", r.MaxTemperatureTenths, maxTemperatureTenths},
		{"min_temp", r.MinTemperatureTenths, maxTemperatureTenths},
		{"precipitation", r.PrecipitationTenths, maxPrecipitationTenths},
	}
	for _, rd := range readings {
		if rd.tenths == MissingValue {
			continue
		}
		if rd.tenths > rd.limit || rd.tenths < -rd.limit {
			return nil, &LineParseError{
				Field:   rd.name,
				Value:   strconv.Itoa(rd.tenths),
				Message: fmt.Sprintf("out of range, magnitude must be at most %d tenths", rd.limit),
			}
		}
	}

	return &Observation{
		StationID:     stationID,
		Date:          date,
		MaxTemp:       fromTenths(r.MaxTemperatureTenths),
		MinTemp:       fromTenths(r.MinTemperatureTenths),
		Precipitation: fromTenths(r.PrecipitationTenths),
	}, nil
}

// ParseLine parses one input line for stationID into an Observation.
// Failures are *LineParseError.
func ParseLine(stationID, line string) (*Observation, error) {
	r, err := ParseRecord(line)
	if err != nil {
		return nil, err
	}
	return r.ToObservation(stationID)
}

// FormatLine is the inverse of ParseLine.
func FormatLine(o *Observation) string {
	return strings.Join([]string{
		o.Date.Format(FileDateLayout),
		strconv.Itoa(ToTenths(o.MaxTemp)),
		strconv.Itoa(ToTenths(o.MinTemp)),
		strconv.Itoa(ToTenths(o.Precipitation)),
	}, "\t")
}

// ToTenths converts a reading back to integer tenths, MissingValue for nil.
func ToTenths(v *float64) int {
	if v == nil {
		return MissingValue
	}
	// round half away from zero; readings are exact to one decimal
	t := *v * 10
	if t < 0 {
		return int(t - 0.5)
	}
	return int(t + 0.5)
}

func fromTenths(tenths int) *float64 {
	if tenths == MissingValue {
		return nil
	}
	v := float64(tenths) / 10.0
	return &v
}

// StationIDFromPath derives the station id from a file's base name, up to
// the first dot.
func StationIDFromPath(path string) string {
	base := filepath.Base(path)
	if i := strings.IndexByte(base, '.'); i >= 0 {
		return base[:i]
	}
	return base
}

// LineParseError reports a malformed input line. Line is 1-based and set by
// the caller that knows the position.
type LineParseError struct {
	Line    int
	Field   string
	Value   string
	Message string
	Err     error
}

func (e *LineParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("line %d: %s %q: %s", e.Line, e.Field, e.Value, e.Message)
	}
	return fmt.Sprintf("%s %q: %s", e.Field, e.Value, e.Message)
}

func (e *LineParseError) Unwrap() error {
	return e.Err
}
