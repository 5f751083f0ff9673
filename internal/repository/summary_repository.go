package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"device-analytics/internal/models"
	"device-analytics/pkg/database"
	"device-analytics/pkg/logging"
	"device-analytics/pkg/metrics"
)

// DefaultInsertChunkSize keeps multi-row inserts well below driver placeholder limits
const DefaultInsertChunkSize = 1000

// SummaryRepository provides data access for the destination devices_summary table
type SummaryRepository interface {
	// LatestHourStart returns MAX(hour_start_time); ok is false when the table is empty
	LatestHourStart(ctx context.Context) (latest time.Time, ok bool, err error)

	// InsertSummaries writes all records in one transaction and returns the row count
	// reported by the store
	InsertSummaries(ctx context.Context, records []*models.SummaryRecord, opts InsertOptions) (int64, error)

	ListSummaries(ctx context.Context, filter SummaryFilter) ([]*models.SummaryRecord, int, error)

	HealthCheck(ctx context.Context) error
}

// InsertOptions tunes InsertSummaries
type InsertOptions struct {
	// SkipExisting drops records whose (device_id, hour_start_time) is already stored
	SkipExisting bool
	// ChunkSize is the number of rows per INSERT statement
	ChunkSize int
}

// SummaryFilter defines filters for listing summaries
type SummaryFilter struct {
	DeviceID  *string
	StartTime *time.Time
	EndTime   *time.Time
	Limit     int
	Offset    int
}

const latestHourStartQuery = `
	SELECT MAX(hour_start_time)
	FROM devices_summary
`

var insertSummaryQuery = fmt.Sprintf(
	"INSERT INTO devices_summary (%s) VALUES (:%s)",
	strings.Join(models.SummaryColumns, ", "),
	strings.Join(models.SummaryColumns, ", :"),
)

// summaryRepository implements SummaryRepository
type summaryRepository struct {
	db      *database.DB
	logger  *logging.StructuredLogger
	metrics *metrics.Collector
}

// NewSummaryRepository creates a new summary repository
func NewSummaryRepository(db *database.DB, logger *logging.StructuredLogger, metricsCollector *metrics.Collector) SummaryRepository {
	return &summaryRepository{
		db:      db,
		logger:  logger,
		metrics: metricsCollector,
	}
}

// LatestHourStart returns the most recent summarized hour
func (r *summaryRepository) LatestHourStart(ctx context.Context) (time.Time, bool, error) {
	var latest sql.NullTime
	err := r.db.GetContext(ctx, "latest_hour_start", &latest, r.db.Rebind(latestHourStartQuery))
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to get latest summary hour: %w", err)
	}
	if !latest.Valid {
		return time.Time{}, false, nil
	}
	return latest.Time.UTC(), true, nil
}

// InsertSummaries bulk inserts summary rows in a single transaction
func (r *summaryRepository) InsertSummaries(ctx context.Context, records []*models.SummaryRecord, opts InsertOptions) (int64, error) {
	if len(records) == 0 {
		return 0, nil
	}

	chunkSize := opts.ChunkSize
	if chunkSize <= 0 {
		chunkSize = DefaultInsertChunkSize
	}

	timer := time.Now()
	var inserted int64
	err := r.db.WithTx(ctx, "insert_summaries", func(tx *sqlx.Tx) error {
		pending := records
		if opts.SkipExisting {
			var err error
			pending, err = r.dropExisting(ctx, tx, records)
			if err != nil {
				return err
			}
		}

		for start := 0; start < len(pending); start += chunkSize {
			end := start + chunkSize
			if end > len(pending) {
				end = len(pending)
			}

			result, err := tx.NamedExecContext(ctx, insertSummaryQuery, pending[start:end])
			if err != nil {
				return fmt.Errorf("failed to insert summaries: %w", err)
			}
			affected, err := result.RowsAffected()
			if err != nil {
				return fmt.Errorf("failed to read inserted row count: %w", err)
			}
			inserted += affected
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	r.logger.Debug(ctx, "[REPO_BATCH_INSERT] Summary batch inserted", logging.Fields{
		"requested":     len(records),
		"inserted":      inserted,
		"skip_existing": opts.SkipExisting,
		"duration_ms":   time.Since(timer).Milliseconds(),
	})

	return inserted, nil
}

// dropExisting filters out records already present for their hour
func (r *summaryRepository) dropExisting(ctx context.Context, tx *sqlx.Tx, records []*models.SummaryRecord) ([]*models.SummaryRecord, error) {
	existing := make(map[time.Time]map[string]struct{})
	for _, rec := range records {
		hour := rec.HourStartTime.UTC()
		if _, seen := existing[hour]; seen {
			continue
		}

		var deviceIDs []string
		query := tx.Rebind("SELECT device_id FROM devices_summary WHERE hour_start_time = ?")
		if err := tx.SelectContext(ctx, &deviceIDs, query, hour); err != nil {
			return nil, fmt.Errorf("failed to read existing summaries: %w", err)
		}

		ids := make(map[string]struct{}, len(deviceIDs))
		for _, id := range deviceIDs {
			ids[id] = struct{}{}
		}
		existing[hour] = ids
	}

	kept := make([]*models.SummaryRecord, 0, len(records))
	for _, rec := range records {
		if _, dup := existing[rec.HourStartTime.UTC()][rec.DeviceID]; dup {
			continue
		}
		kept = append(kept, rec)
	}

	if skipped := len(records) - len(kept); skipped > 0 {
		r.logger.Warn(ctx, "[REPO_SKIP_EXISTING] Summaries already stored were skipped", logging.Fields{
			"skipped": skipped,
		})
	}
	return kept, nil
}

// ListSummaries retrieves summaries with filtering and pagination
func (r *summaryRepository) ListSummaries(ctx context.Context, filter SummaryFilter) ([]*models.SummaryRecord, int, error) {
	query := `
		SELECT summary_id, device_id, hour_start_time,
		       max_temperature, device_data_count, total_distance,
		       inserted_time
		FROM devices_summary
		WHERE 1=1
	`
	args := []interface{}{}

	if filter.DeviceID != nil {
		query += " AND device_id = ?"
		args = append(args, *filter.DeviceID)
	}

	if filter.StartTime != nil {
		query += " AND hour_start_time >= ?"
		args = append(args, filter.StartTime.UTC())
	}

	if filter.EndTime != nil {
		query += " AND hour_start_time <= ?"
		args = append(args, filter.EndTime.UTC())
	}

	countQuery := "SELECT COUNT(*) FROM (" + query + ") AS count_query"
	var totalCount int
	err := r.db.GetContext(ctx, "count_summaries", &totalCount, r.db.Rebind(countQuery), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count summaries: %w", err)
	}

	query += " ORDER BY hour_start_time DESC, device_id LIMIT ? OFFSET ?"
	args = append(args, filter.Limit, filter.Offset)

	var summaries []*models.SummaryRecord
	err = r.db.SelectContext(ctx, "list_summaries", &summaries, r.db.Rebind(query), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list summaries: %w", err)
	}

	return summaries, totalCount, nil
}

// HealthCheck performs a repository health check
func (r *summaryRepository) HealthCheck(ctx context.Context) error {
	return r.db.HealthCheck(ctx)
}
