package models

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// RawRecord is one telemetry ping as stored in the source devices table.
// Time is epoch seconds; Location is the JSON payload exactly as stored.
type RawRecord struct {
	DeviceID    string `json:"device_id" db:"device_id"`
	Time        int64  `json:"time" db:"time"`
	Temperature int    `json:"temperature" db:"temperature"`
	Location    string `json:"location" db:"location"`
}

// Timestamp returns the record time in UTC
func (r *RawRecord) Timestamp() time.Time {
	return time.Unix(r.Time, 0).UTC()
}

// DecodeLocation parses the record's location payload
func (r *RawRecord) DecodeLocation() (Location, error) {
	return ParseLocation(r.Location)
}

// Location is a WGS-84 coordinate pair in decimal degrees
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// ParseLocation decodes a `{"latitude": .., "longitude": ..}` payload and checks the
// coordinates are within range.
func ParseLocation(payload string) (Location, error) {
	var raw struct {
		Latitude  *float64 `json:"latitude"`
		Longitude *float64 `json:"longitude"`
	}
	if err := json.Unmarshal([]byte(payload), &raw); err != nil {
		return Location{}, &ValidationError{
			Field:   "location",
			Value:   payload,
			Message: fmt.Sprintf("location is not valid JSON: %v", err),
		}
	}
	if raw.Latitude == nil || raw.Longitude == nil {
		return Location{}, &ValidationError{
			Field:   "location",
			Value:   payload,
			Message: "location must contain latitude and longitude",
		}
	}

	loc := Location{Latitude: *raw.Latitude, Longitude: *raw.Longitude}
	if math.IsNaN(loc.Latitude) || loc.Latitude < -90 || loc.Latitude > 90 {
		return Location{}, &ValidationError{Field: "latitude", Value: payload, Message: "latitude out of range"}
	}
	if math.IsNaN(loc.Longitude) || loc.Longitude < -180 || loc.Longitude > 180 {
		return Location{}, &ValidationError{Field: "longitude", Value: payload, Message: "longitude out of range"}
	}
	return loc, nil
}

// WindowLength is the width of every summary window
const WindowLength = time.Hour

// TimeWindow is one hour of source data, [Start, End] inclusive at second precision.
type TimeWindow struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// NewHourWindow returns the window of the hour containing t
func NewHourWindow(t time.Time) TimeWindow {
	start := FloorHour(t)
	return TimeWindow{
		Start: start,
		End:   start.Add(WindowLength - time.Second),
	}
}

// FloorHour zeroes minutes, seconds and sub-seconds of t in UTC
func FloorHour(t time.Time) time.Time {
	return t.UTC().Truncate(time.Hour)
}

// StartUnix and EndUnix give the bounds as epoch seconds, the unit of the source table
func (w TimeWindow) StartUnix() int64 { return w.Start.Unix() }
func (w TimeWindow) EndUnix() int64   { return w.End.Unix() }

func (w TimeWindow) String() string {
	return fmt.Sprintf("[%s, %s]", w.Start.Format(time.DateTime), w.End.Format(time.DateTime))
}

// Summary is the merged per-device result of the three metrics for one window
type Summary struct {
	DeviceID        string
	MaxTemperature  int
	DeviceDataCount int
	TotalDistance   float64
}

// SummaryRecord is one row of the destination devices_summary table
type SummaryRecord struct {
	SummaryID       int64     `json:"summary_id" db:"summary_id"`
	DeviceID        string    `json:"device_id" db:"device_id"`
	HourStartTime   time.Time `json:"hour_start_time" db:"hour_start_time"`
	MaxTemperature  int       `json:"max_temperature" db:"max_temperature"`
	DeviceDataCount int       `json:"device_data_count" db:"device_data_count"`
	TotalDistance   float64   `json:"total_distance" db:"total_distance"`
	InsertedTime    time.Time `json:"inserted_time" db:"inserted_time"`
}

// SummaryColumns is the destination column set written by the loader, in order.
// summary_id is assigned by the store.
var SummaryColumns = []string{
	"device_id",
	"hour_start_time",
	"max_temperature",
	"device_data_count",
	"total_distance",
	"inserted_time",
}

// ValidationError represents a data validation error
type ValidationError struct {
	Field   string
	Value   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// IsTransient returns false as validation errors are permanent
func (e *ValidationError) IsTransient() bool {
	return false
}
