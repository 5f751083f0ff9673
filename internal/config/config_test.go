package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"device-analytics/pkg/logging"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Source.Driver)
	assert.Equal(t, 5432, cfg.Source.Port)
	assert.Equal(t, "mysql", cfg.Destination.Driver)
	assert.Equal(t, 3306, cfg.Destination.Port)
	assert.True(t, cfg.Destination.Migrate)
	assert.Zero(t, cfg.Source.RetryMaxElapsed)
	assert.Zero(t, cfg.Destination.RetryMaxElapsed)
	assert.Equal(t, "5 * * * *", cfg.Pipeline.Schedule)
	assert.Equal(t, "degrade", cfg.Pipeline.ErrorPolicy)
	assert.Equal(t, "timestamp", cfg.Pipeline.DistanceOrder)
	assert.Equal(t, "insert", cfg.Pipeline.LoadMode)
	assert.Equal(t, 1000, cfg.Pipeline.InsertChunkSize)
	assert.Equal(t, 30*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, logging.InfoLevel, cfg.LogLevel())
}

func TestLoad_FileAndEnvironment(t *testing.T) {
	dir := t.TempDir()
	yaml := `
source:
  host: telemetry-db
  connect_timeout: 3s
pipeline:
  error_policy: strict
  load_mode: skip-existing
logging:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "etl.yaml"), []byte(yaml), 0o600))

	t.Setenv("ETL_SOURCE_HOST", "override-db")
	t.Setenv("ETL_DESTINATION_DRIVER", "postgres")
	t.Setenv("ETL_DESTINATION_PORT", "5433")
	t.Setenv("ETL_PIPELINE_RUN_ON_START", "true")
	t.Setenv("ETL_DESTINATION_RETRY_MAX_ELAPSED", "90s")

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, "override-db", cfg.Source.Host)
	assert.Equal(t, 3*time.Second, cfg.Source.ConnectTimeout)
	assert.Equal(t, "postgres", cfg.Destination.Driver)
	assert.Equal(t, 5433, cfg.Destination.Port)
	assert.Equal(t, 90*time.Second, cfg.Destination.ToDatabase().RetryMaxElapsed)
	assert.Equal(t, "strict", cfg.Pipeline.ErrorPolicy)
	assert.Equal(t, "skip-existing", cfg.Pipeline.LoadMode)
	assert.True(t, cfg.Pipeline.RunOnStart)
	assert.Equal(t, logging.DebugLevel, cfg.LogLevel())

	db := cfg.Source.ToDatabase()
	assert.Equal(t, "override-db", db.Host)
	assert.Equal(t, 3*time.Second, db.ConnectTimeout)
}

func TestLoad_InvalidFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "etl.yaml"), []byte("source: [unterminated"), 0o600))

	_, err := Load(dir)
	assert.Error(t, err)
}

func TestValidate_CollectsAllProblems(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	cfg.Source.Driver = "sqlite"
	cfg.Destination.Port = 0
	cfg.Pipeline.Schedule = "every hour"
	cfg.Pipeline.ErrorPolicy = "ignore"
	cfg.Pipeline.LoadMode = "upsert"
	cfg.Pipeline.InsertChunkSize = 0
	cfg.Source.RetryMaxElapsed = -time.Second

	err = cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{
		"source.driver",
		"destination.port",
		"pipeline.schedule",
		"pipeline.error_policy",
		"pipeline.load_mode",
		"pipeline.insert_chunk_size",
		"source.retry_max_elapsed",
	} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestValidate_DSNReplacesDiscreteFields(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	cfg.Destination.DSN = "user:pass@tcp(db:3306)/analytics"
	cfg.Destination.Host = ""
	cfg.Destination.Port = 0
	cfg.Destination.Database = ""
	assert.NoError(t, cfg.Validate())
}
