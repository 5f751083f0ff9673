package database

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jmoiron/sqlx"

	"device-analytics/pkg/logging"
	"device-analytics/pkg/metrics"
)

// Store labels used in logs and metrics.
const (
	StoreSource      = "source"
	StoreDestination = "destination"
)

// DB wraps sqlx.DB with monitoring and metrics for one store
type DB struct {
	db      *sqlx.DB
	store   string
	logger  *logging.StructuredLogger
	metrics *metrics.Collector
	config  *Config

	done      chan struct{}
	closeOnce sync.Once
}

// Open opens a pool for cfg and verifies it with a single ping
func Open(ctx context.Context, cfg *Config, store string, logger *logging.StructuredLogger, metricsCollector *metrics.Collector) (*DB, error) {
	dsn, err := cfg.DataSourceName()
	if err != nil {
		return nil, err
	}

	db, err := sqlx.Open(cfg.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s connection: %w", store, err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.pingTimeout())
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping %s database: %w", store, err)
	}

	logger.Info(ctx, "[DB_INIT] Connection pool established", logging.Fields{
		"store":             store,
		"driver":            cfg.Driver,
		"host":              cfg.Host,
		"port":              cfg.Port,
		"database":          cfg.Database,
		"max_open_conns":    cfg.MaxOpenConns,
		"max_idle_conns":    cfg.MaxIdleConns,
		"conn_max_lifetime": cfg.ConnMaxLifetime.String(),
	})

	d := New(db, store, logger, metricsCollector)
	d.config = cfg
	go d.monitorConnectionPool()

	return d, nil
}

// Connect keeps calling Open with exponential backoff until the store answers, ctx is
// done, or cfg.RetryMaxElapsed passes. A zero RetryMaxElapsed retries forever.
func Connect(ctx context.Context, cfg *Config, store string, logger *logging.StructuredLogger, metricsCollector *metrics.Collector) (*DB, error) {
	if _, err := cfg.DataSourceName(); err != nil {
		return nil, err
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 100 * time.Millisecond
	eb.MaxInterval = 10 * time.Second
	eb.MaxElapsedTime = cfg.RetryMaxElapsed

	var db *DB
	operation := func() error {
		var err error
		db, err = Open(ctx, cfg, store, logger, metricsCollector)
		return err
	}
	notify := func(err error, next time.Duration) {
		metricsCollector.RecordDBError(store, "connect_error")
		logger.Warn(ctx, "[DB_CONNECT_RETRY] Store not reachable yet", logging.Fields{
			"store":      store,
			"retry_in":   next.String(),
			"last_error": err.Error(),
		})
	}

	if err := backoff.RetryNotify(operation, backoff.WithContext(eb, ctx), notify); err != nil {
		return nil, fmt.Errorf("failed to connect to %s store: %w", store, err)
	}
	return db, nil
}

// New wraps an already open sqlx.DB. No pool monitoring goroutine is started.
func New(db *sqlx.DB, store string, logger *logging.StructuredLogger, metricsCollector *metrics.Collector) *DB {
	return &DB{
		db:      db,
		store:   store,
		logger:  logger,
		metrics: metricsCollector,
		config:  &Config{Driver: db.DriverName()},
		done:    make(chan struct{}),
	}
}

// Close stops pool monitoring and closes the pool
func (d *DB) Close() error {
	var err error
	d.closeOnce.Do(func() {
		close(d.done)
		d.logger.Info(context.Background(), "[DB_CLOSE] Closing database connection", logging.Fields{
			"store": d.store,
		})
		err = d.db.Close()
	})
	return err
}

// Store returns the store label this pool was opened for
func (d *DB) Store() string {
	return d.store
}

// DriverName returns the database/sql driver name of the pool
func (d *DB) DriverName() string {
	return d.db.DriverName()
}

// Rebind converts a query written with '?' placeholders to the pool's bind type
func (d *DB) Rebind(query string) string {
	return d.db.Rebind(query)
}

func (d *DB) observe(ctx context.Context, queryType, query string, started time.Time) {
	duration := time.Since(started)
	d.metrics.DBQueryDuration.WithLabelValues(d.store, queryType).Observe(duration.Seconds())

	d.logger.Debug(ctx, "[DB_QUERY] Query executed", logging.Fields{
		"store":       d.store,
		"query_type":  queryType,
		"duration_ms": duration.Milliseconds(),
		"query":       query,
	})
}

// QueryContext executes a query with context and metrics. The caller must close the rows.
func (d *DB) QueryContext(ctx context.Context, queryType, query string, args ...interface{}) (*sqlx.Rows, error) {
	defer d.observe(ctx, queryType, query, time.Now())

	rows, err := d.db.QueryxContext(ctx, query, args...)
	if err != nil {
		d.metrics.RecordDBError(d.store, "query_error")
		d.logger.Error(ctx, "[DB_QUERY_ERROR] Query failed", logging.Fields{
			"store":      d.store,
			"query_type": queryType,
			"query":      query,
		}, err)
		return nil, err
	}

	return rows, nil
}

// ExecContext executes a command with context and metrics
func (d *DB) ExecContext(ctx context.Context, queryType, query string, args ...interface{}) (sql.Result, error) {
	defer d.observe(ctx, queryType, query, time.Now())

	result, err := d.db.ExecContext(ctx, query, args...)
	if err != nil {
		d.metrics.RecordDBError(d.store, "exec_error")
		d.logger.Error(ctx, "[DB_EXEC_ERROR] Command failed", logging.Fields{
			"store":      d.store,
			"query_type": queryType,
		}, err)
		return nil, err
	}

	return result, nil
}

// GetContext executes a query that returns a single row
func (d *DB) GetContext(ctx context.Context, queryType string, dest interface{}, query string, args ...interface{}) error {
	defer d.observe(ctx, queryType, query, time.Now())

	err := d.db.GetContext(ctx, dest, query, args...)
	if err != nil && err != sql.ErrNoRows {
		d.metrics.RecordDBError(d.store, "get_error")
		d.logger.Error(ctx, "[DB_GET_ERROR] Get query failed", logging.Fields{
			"store":      d.store,
			"query_type": queryType,
		}, err)
	}

	return err
}

// SelectContext executes a query that returns multiple rows
func (d *DB) SelectContext(ctx context.Context, queryType string, dest interface{}, query string, args ...interface{}) error {
	defer d.observe(ctx, queryType, query, time.Now())

	err := d.db.SelectContext(ctx, dest, query, args...)
	if err != nil {
		d.metrics.RecordDBError(d.store, "select_error")
		d.logger.Error(ctx, "[DB_SELECT_ERROR] Select query failed", logging.Fields{
			"store":      d.store,
			"query_type": queryType,
		}, err)
		return err
	}

	return nil
}

// WithTx runs fn inside a transaction. The transaction is committed when fn returns
// nil and rolled back on every other exit path, including panics.
func (d *DB) WithTx(ctx context.Context, queryType string, fn func(tx *sqlx.Tx) error) (err error) {
	defer d.observe(ctx, queryType, "", time.Now())

	tx, err := d.db.BeginTxx(ctx, nil)
	if err != nil {
		d.metrics.RecordDBError(d.store, "transaction_begin_error")
		d.logger.Error(ctx, "[DB_TX_ERROR] Failed to begin transaction", logging.Fields{
			"store":      d.store,
			"query_type": queryType,
		}, err)
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if err := fn(tx); err != nil {
		d.metrics.RecordDBError(d.store, "transaction_error")
		return err
	}

	if err := tx.Commit(); err != nil {
		d.metrics.RecordDBError(d.store, "transaction_commit_error")
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	committed = true

	return nil
}

// monitorConnectionPool periodically updates connection pool metrics until Close
func (d *DB) monitorConnectionPool() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-d.done:
			return
		case <-ticker.C:
		}

		stats := d.db.Stats()
		d.metrics.UpdateDBConnectionPool(d.store, stats.InUse, stats.Idle, stats.OpenConnections)

		if d.config.MaxOpenConns <= 0 {
			continue
		}
		utilization := float64(stats.InUse) / float64(d.config.MaxOpenConns)
		if utilization > 0.8 {
			d.logger.Warn(context.Background(), "[DB_POOL_WARNING] Connection pool utilization high", logging.Fields{
				"store":       d.store,
				"in_use":      stats.InUse,
				"idle":        stats.Idle,
				"total":       stats.OpenConnections,
				"max_open":    d.config.MaxOpenConns,
				"utilization": fmt.Sprintf("%.2f%%", utilization*100),
			})
		}
	}
}

// HealthCheck performs a database health check
func (d *DB) HealthCheck(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := d.db.PingContext(pingCtx); err != nil {
		return fmt.Errorf("%s database health check failed: %w", d.store, err)
	}

	return nil
}
