package database

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"device-analytics/pkg/logging"
	"device-analytics/pkg/metrics"
)

func newMockDB(t *testing.T) (*DB, sqlmock.Sqlmock, *metrics.Collector) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	collector := metrics.NewCollectorWithRegisterer("test", prometheus.NewRegistry())
	db := New(sqlx.NewDb(sqlDB, DriverMySQL), StoreDestination, logging.NewNopLogger(), collector)
	t.Cleanup(func() { db.Close() })
	return db, mock, collector
}

func TestConfig_DataSourceName(t *testing.T) {
	t.Run("postgres from fields", func(t *testing.T) {
		cfg := &Config{Driver: DriverPostgres, Host: "db", Port: 5432, User: "u", Password: "p", Database: "main", SSLMode: "disable", ConnectTimeout: 3 * time.Second}
		dsn, err := cfg.DataSourceName()
		require.NoError(t, err)
		assert.Equal(t, "host=db port=5432 user=u password=p dbname=main sslmode=disable connect_timeout=3", dsn)
	})

	t.Run("postgres explicit dsn", func(t *testing.T) {
		cfg := &Config{Driver: DriverPostgres, DSN: "postgres://u:p@db/main"}
		dsn, err := cfg.DataSourceName()
		require.NoError(t, err)
		assert.Equal(t, "postgres://u:p@db/main", dsn)
	})

	t.Run("mysql from fields forces parseTime", func(t *testing.T) {
		cfg := &Config{Driver: DriverMySQL, Host: "mysql", Port: 3306, User: "nonroot", Password: "secret", Database: "analytics"}
		dsn, err := cfg.DataSourceName()
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(dsn, "nonroot:secret@tcp(mysql:3306)/analytics?"), dsn)
		assert.Contains(t, dsn, "parseTime=true")
	})

	t.Run("mysql explicit dsn keeps credentials", func(t *testing.T) {
		cfg := &Config{Driver: DriverMySQL, DSN: "a:b@tcp(h:1)/d"}
		dsn, err := cfg.DataSourceName()
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(dsn, "a:b@tcp(h:1)/d?"), dsn)
		assert.Contains(t, dsn, "parseTime=true")
	})

	t.Run("unknown driver", func(t *testing.T) {
		_, err := (&Config{Driver: "sqlite"}).DataSourceName()
		assert.Error(t, err)
	})
}

func TestDB_WithTxCommitsOnSuccess(t *testing.T) {
	db, mock, _ := newMockDB(t)

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM devices_summary").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := db.WithTx(context.Background(), "test_tx", func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(context.Background(), "DELETE FROM devices_summary")
		return err
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDB_WithTxRollsBackOnError(t *testing.T) {
	db, mock, collector := newMockDB(t)

	mock.ExpectBegin()
	mock.ExpectRollback()

	boom := errors.New("boom")
	err := db.WithTx(context.Background(), "test_tx", func(tx *sqlx.Tx) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.DBErrorsTotal.WithLabelValues(StoreDestination, "transaction_error")))
}

func TestDB_SelectContextRecordsErrors(t *testing.T) {
	db, mock, collector := newMockDB(t)

	mock.ExpectQuery("SELECT device_id").WillReturnError(errors.New("connection reset"))

	var ids []string
	err := db.SelectContext(context.Background(), "list_ids", &ids, "SELECT device_id FROM devices_summary")
	assert.Error(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.DBErrorsTotal.WithLabelValues(StoreDestination, "select_error")))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDB_RebindFollowsDriver(t *testing.T) {
	sqlDB, _, err := sqlmock.New()
	require.NoError(t, err)
	collector := metrics.NewCollectorWithRegisterer("test", prometheus.NewRegistry())
	pg := New(sqlx.NewDb(sqlDB, DriverPostgres), StoreSource, logging.NewNopLogger(), collector)
	defer pg.Close()

	assert.Equal(t, "SELECT 1 WHERE a = $1 AND b = $2", pg.Rebind("SELECT 1 WHERE a = ? AND b = ?"))
	assert.Equal(t, StoreSource, pg.Store())
	assert.Equal(t, DriverPostgres, pg.DriverName())
}

func TestDB_CloseIsIdempotent(t *testing.T) {
	db, mock, _ := newMockDB(t)
	mock.ExpectClose()
	assert.NoError(t, db.Close())
	assert.NoError(t, db.Close())
}

func TestMigrate_RejectsUnknownArguments(t *testing.T) {
	cfg := &Config{Driver: DriverPostgres, Host: "localhost", Port: 5432}
	logger := logging.NewNopLogger()

	assert.Error(t, Migrate(context.Background(), cfg, "warehouse", DirectionUp, logger))
	assert.Error(t, Migrate(context.Background(), cfg, SchemaDestination, "sideways", logger))
}

func TestMigrations_Embedded(t *testing.T) {
	for _, dir := range []string{
		"migrations/destination/mysql",
		"migrations/destination/postgres",
		"migrations/source/postgres",
	} {
		entries, err := migrationsFS.ReadDir(dir)
		require.NoError(t, err, dir)
		assert.Len(t, entries, 2, dir)
	}
}

func TestMigrations_SourceIndexMatchesWindowQueries(t *testing.T) {
	up, err := migrationsFS.ReadFile("migrations/source/postgres/000001_create_devices.up.sql")
	require.NoError(t, err)
	assert.Contains(t, string(up), "ON devices ((CAST(time AS BIGINT)))")
}

func TestConnect_GivesUpWhenContextEnds(t *testing.T) {
	cfg := &Config{Driver: DriverPostgres, Host: "127.0.0.1", Port: 1, SSLMode: "disable", ConnectTimeout: 100 * time.Millisecond}
	collector := metrics.NewCollectorWithRegisterer("test", prometheus.NewRegistry())

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	_, err := Connect(ctx, cfg, StoreSource, logging.NewNopLogger(), collector)
	assert.Error(t, err)
}
