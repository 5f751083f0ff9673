package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"device-analytics/internal/models"
	"device-analytics/pkg/database"
	"device-analytics/pkg/logging"
	"device-analytics/pkg/metrics"
)

// SourceRepository provides read access to raw device telemetry. All window queries
// are inclusive on both bounds, in epoch seconds.
type SourceRepository interface {
	// EarliestRecordTime returns the time of the oldest record; ok is false when the table is empty
	EarliestRecordTime(ctx context.Context) (earliest time.Time, ok bool, err error)

	// Per-window aggregates keyed by device_id
	MaxTemperatures(ctx context.Context, window models.TimeWindow) (map[string]int, error)
	RecordCounts(ctx context.Context, window models.TimeWindow) (map[string]int, error)

	// LocationPings returns device_id, time and location of every record in the window,
	// in the order the store returns them
	LocationPings(ctx context.Context, window models.TimeWindow) ([]models.RawRecord, error)

	// CreateRecordsBatch writes raw records; used by the telemetry generator only
	CreateRecordsBatch(ctx context.Context, records []*models.RawRecord) error

	HealthCheck(ctx context.Context) error
}

// The source stores epoch seconds in a text-compatible column, so every comparison casts.
const (
	earliestRecordQuery = `
		SELECT MIN(CAST(time AS BIGINT))
		FROM devices
	`

	maxTemperatureQuery = `
		SELECT device_id, MAX(temperature) AS value
		FROM devices
		WHERE CAST(time AS BIGINT) BETWEEN ? AND ?
		GROUP BY device_id
	`

	recordCountQuery = `
		SELECT device_id, COUNT(time) AS value
		FROM devices
		WHERE CAST(time AS BIGINT) BETWEEN ? AND ?
		GROUP BY device_id
	`

	locationPingsQuery = `
		SELECT device_id, CAST(time AS BIGINT) AS time, location
		FROM devices
		WHERE CAST(time AS BIGINT) BETWEEN ? AND ?
	`

	insertRecordQuery = `
		INSERT INTO devices (device_id, temperature, location, time)
		VALUES (?, ?, ?, ?)
	`
)

type deviceValue struct {
	DeviceID string `db:"device_id"`
	Value    int    `db:"value"`
}

// sourceRepository implements SourceRepository
type sourceRepository struct {
	db      *database.DB
	logger  *logging.StructuredLogger
	metrics *metrics.Collector
}

// NewSourceRepository creates a new source repository
func NewSourceRepository(db *database.DB, logger *logging.StructuredLogger, metricsCollector *metrics.Collector) SourceRepository {
	return &sourceRepository{
		db:      db,
		logger:  logger,
		metrics: metricsCollector,
	}
}

// EarliestRecordTime returns the timestamp of the oldest raw record
func (r *sourceRepository) EarliestRecordTime(ctx context.Context) (time.Time, bool, error) {
	var earliest sql.NullInt64
	err := r.db.GetContext(ctx, "earliest_record", &earliest, r.db.Rebind(earliestRecordQuery))
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to get earliest record time: %w", err)
	}
	if !earliest.Valid {
		return time.Time{}, false, nil
	}
	return time.Unix(earliest.Int64, 0).UTC(), true, nil
}

// MaxTemperatures returns the highest temperature per device in the window
func (r *sourceRepository) MaxTemperatures(ctx context.Context, window models.TimeWindow) (map[string]int, error) {
	values, err := r.selectDeviceValues(ctx, "max_temperature", maxTemperatureQuery, window)
	if err != nil {
		return nil, fmt.Errorf("failed to get max temperatures: %w", err)
	}
	return values, nil
}

// RecordCounts returns the number of records per device in the window
func (r *sourceRepository) RecordCounts(ctx context.Context, window models.TimeWindow) (map[string]int, error) {
	values, err := r.selectDeviceValues(ctx, "record_count", recordCountQuery, window)
	if err != nil {
		return nil, fmt.Errorf("failed to get record counts: %w", err)
	}
	return values, nil
}

func (r *sourceRepository) selectDeviceValues(ctx context.Context, queryType, query string, window models.TimeWindow) (map[string]int, error) {
	var rows []deviceValue
	err := r.db.SelectContext(ctx, queryType, &rows, r.db.Rebind(query), window.StartUnix(), window.EndUnix())
	if err != nil {
		return nil, err
	}

	values := make(map[string]int, len(rows))
	for _, row := range rows {
		values[row.DeviceID] = row.Value
	}

	r.metrics.RecordsExtracted.WithLabelValues(queryType).Add(float64(len(rows)))
	r.logger.Debug(ctx, "[REPO_EXTRACT] Device aggregates extracted", logging.Fields{
		"query_type": queryType,
		"devices":    len(values),
		"window":     window.String(),
	})

	return values, nil
}

// LocationPings streams the window's location records. The rows handle is released on
// every return path.
func (r *sourceRepository) LocationPings(ctx context.Context, window models.TimeWindow) ([]models.RawRecord, error) {
	rows, err := r.db.QueryContext(ctx, "location_pings", r.db.Rebind(locationPingsQuery), window.StartUnix(), window.EndUnix())
	if err != nil {
		return nil, fmt.Errorf("failed to query location pings: %w", err)
	}
	defer rows.Close()

	var records []models.RawRecord
	for rows.Next() {
		var rec models.RawRecord
		if err := rows.StructScan(&rec); err != nil {
			return nil, fmt.Errorf("failed to scan location ping: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read location pings: %w", err)
	}

	r.metrics.RecordsExtracted.WithLabelValues("location").Add(float64(len(records)))
	return records, nil
}

// CreateRecordsBatch inserts raw records in a single transaction
func (r *sourceRepository) CreateRecordsBatch(ctx context.Context, records []*models.RawRecord) error {
	if len(records) == 0 {
		return nil
	}

	timer := time.Now()
	defer func() {
		r.logger.Debug(ctx, "[REPO_BATCH_INSERT] Raw record batch inserted", logging.Fields{
			"count":       len(records),
			"duration_ms": time.Since(timer).Milliseconds(),
		})
	}()

	return r.db.WithTx(ctx, "insert_raw_records", func(tx *sqlx.Tx) error {
		stmt, err := tx.PreparexContext(ctx, tx.Rebind(insertRecordQuery))
		if err != nil {
			return fmt.Errorf("failed to prepare statement: %w", err)
		}
		defer stmt.Close()

		for _, rec := range records {
			if _, err := stmt.ExecContext(ctx, rec.DeviceID, rec.Temperature, rec.Location, fmt.Sprint(rec.Time)); err != nil {
				return fmt.Errorf("failed to insert raw record: %w", err)
			}
		}
		return nil
	})
}

// HealthCheck performs a repository health check
func (r *sourceRepository) HealthCheck(ctx context.Context) error {
	return r.db.HealthCheck(ctx)
}
