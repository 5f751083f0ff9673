package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"

	"device-analytics/pkg/database"
	"device-analytics/pkg/logging"
)

// EnvPrefix prefixes every environment override, e.g. ETL_SOURCE_HOST
const EnvPrefix = "ETL"

// DefaultSearchPaths are the directories searched for etl.yaml
var DefaultSearchPaths = []string{"/etc/device-etl", "."}

// Config is the complete runtime configuration of the ETL process
type Config struct {
	Source      DatabaseConfig `mapstructure:"source"`
	Destination DatabaseConfig `mapstructure:"destination"`
	Pipeline    PipelineConfig `mapstructure:"pipeline"`
	Server      ServerConfig   `mapstructure:"server"`
	Logging     LoggingConfig  `mapstructure:"logging"`
}

// DatabaseConfig describes one store. DSN, when set, overrides the discrete fields.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
	RetryMaxElapsed time.Duration `mapstructure:"retry_max_elapsed"`
	// Migrate applies the embedded schema on startup
	Migrate bool `mapstructure:"migrate"`
}

// PipelineConfig tunes the summary pipeline and its trigger
type PipelineConfig struct {
	Schedule        string `mapstructure:"schedule"`
	ErrorPolicy     string `mapstructure:"error_policy"`
	DistanceOrder   string `mapstructure:"distance_order"`
	LoadMode        string `mapstructure:"load_mode"`
	InsertChunkSize int    `mapstructure:"insert_chunk_size"`
	LockFile        string `mapstructure:"lock_file"`
	RunOnStart      bool   `mapstructure:"run_on_start"`
}

// ServerConfig controls the metrics, health and summaries HTTP listener
type ServerConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Address         string        `mapstructure:"address"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("source.driver", database.DriverPostgres)
	v.SetDefault("source.dsn", "")
	v.SetDefault("source.host", "localhost")
	v.SetDefault("source.port", 5432)
	v.SetDefault("source.user", "postgres")
	v.SetDefault("source.password", "password")
	v.SetDefault("source.database", "main")
	v.SetDefault("source.sslmode", "disable")
	v.SetDefault("source.max_open_conns", 10)
	v.SetDefault("source.max_idle_conns", 5)
	v.SetDefault("source.conn_max_lifetime", 30*time.Minute)
	v.SetDefault("source.conn_max_idle_time", 5*time.Minute)
	v.SetDefault("source.connect_timeout", 5*time.Second)
	v.SetDefault("source.retry_max_elapsed", time.Duration(0))
	v.SetDefault("source.migrate", false)

	v.SetDefault("destination.driver", database.DriverMySQL)
	v.SetDefault("destination.dsn", "")
	v.SetDefault("destination.host", "localhost")
	v.SetDefault("destination.port", 3306)
	v.SetDefault("destination.user", "nonroot")
	v.SetDefault("destination.password", "nonroot")
	v.SetDefault("destination.database", "analytics")
	v.SetDefault("destination.sslmode", "")
	v.SetDefault("destination.max_open_conns", 5)
	v.SetDefault("destination.max_idle_conns", 2)
	v.SetDefault("destination.conn_max_lifetime", 30*time.Minute)
	v.SetDefault("destination.conn_max_idle_time", 5*time.Minute)
	v.SetDefault("destination.connect_timeout", 5*time.Second)
	v.SetDefault("destination.retry_max_elapsed", time.Duration(0))
	v.SetDefault("destination.migrate", true)

	v.SetDefault("pipeline.schedule", "5 * * * *")
	v.SetDefault("pipeline.error_policy", "degrade")
	v.SetDefault("pipeline.distance_order", "timestamp")
	v.SetDefault("pipeline.load_mode", "insert")
	v.SetDefault("pipeline.insert_chunk_size", 1000)
	v.SetDefault("pipeline.lock_file", "")
	v.SetDefault("pipeline.run_on_start", false)

	v.SetDefault("server.enabled", true)
	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)

	v.SetDefault("logging.level", "info")
}

// LoadConfig reads etl.yaml from the default search paths, if present, and applies
// ETL_* environment overrides on top of the defaults
func LoadConfig() (*Config, error) {
	return Load(DefaultSearchPaths...)
}

// Load is LoadConfig with explicit search paths for etl.yaml
func Load(searchPaths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("etl")
	v.SetConfigType("yaml")
	for _, p := range searchPaths {
		v.AddConfigPath(p)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to load configuration file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every invalid setting at once
func (c *Config) Validate() error {
	var result *multierror.Error

	result = multierror.Append(result, c.Source.validate("source")...)
	result = multierror.Append(result, c.Destination.validate("destination")...)

	if _, err := cron.ParseStandard(c.Pipeline.Schedule); err != nil {
		result = multierror.Append(result, fmt.Errorf("pipeline.schedule %q: %w", c.Pipeline.Schedule, err))
	}
	if !oneOf(c.Pipeline.ErrorPolicy, "degrade", "strict") {
		result = multierror.Append(result, fmt.Errorf("pipeline.error_policy must be degrade or strict, got %q", c.Pipeline.ErrorPolicy))
	}
	if !oneOf(c.Pipeline.DistanceOrder, "timestamp", "source") {
		result = multierror.Append(result, fmt.Errorf("pipeline.distance_order must be timestamp or source, got %q", c.Pipeline.DistanceOrder))
	}
	if !oneOf(c.Pipeline.LoadMode, "insert", "skip-existing") {
		result = multierror.Append(result, fmt.Errorf("pipeline.load_mode must be insert or skip-existing, got %q", c.Pipeline.LoadMode))
	}
	if c.Pipeline.InsertChunkSize <= 0 {
		result = multierror.Append(result, errors.New("pipeline.insert_chunk_size must be positive"))
	}
	if c.Server.Enabled && c.Server.Address == "" {
		result = multierror.Append(result, errors.New("server.address is required when the server is enabled"))
	}
	if !oneOf(strings.ToLower(c.Logging.Level), "debug", "info", "warn", "warning", "error", "fatal") {
		result = multierror.Append(result, fmt.Errorf("logging.level %q is not a known level", c.Logging.Level))
	}

	return result.ErrorOrNil()
}

func (d DatabaseConfig) validate(section string) []error {
	var errs []error
	if !oneOf(d.Driver, database.DriverPostgres, database.DriverMySQL) {
		errs = append(errs, fmt.Errorf("%s.driver must be postgres or mysql, got %q", section, d.Driver))
	}
	if d.DSN == "" {
		if d.Host == "" {
			errs = append(errs, fmt.Errorf("%s.host is required", section))
		}
		if d.Port <= 0 || d.Port > 65535 {
			errs = append(errs, fmt.Errorf("%s.port %d is out of range", section, d.Port))
		}
		if d.Database == "" {
			errs = append(errs, fmt.Errorf("%s.database is required", section))
		}
	}
	if d.RetryMaxElapsed < 0 {
		errs = append(errs, fmt.Errorf("%s.retry_max_elapsed must not be negative", section))
	}
	if d.MaxIdleConns > d.MaxOpenConns && d.MaxOpenConns > 0 {
		errs = append(errs, fmt.Errorf("%s.max_idle_conns exceeds max_open_conns", section))
	}
	return errs
}

// ToDatabase converts the section into a pkg/database configuration
func (d DatabaseConfig) ToDatabase() *database.Config {
	return &database.Config{
		Driver:          d.Driver,
		DSN:             d.DSN,
		Host:            d.Host,
		Port:            d.Port,
		User:            d.User,
		Password:        d.Password,
		Database:        d.Database,
		SSLMode:         d.SSLMode,
		MaxOpenConns:    d.MaxOpenConns,
		MaxIdleConns:    d.MaxIdleConns,
		ConnMaxLifetime: d.ConnMaxLifetime,
		ConnMaxIdleTime: d.ConnMaxIdleTime,
		ConnectTimeout:  d.ConnectTimeout,
		RetryMaxElapsed: d.RetryMaxElapsed,
	}
}

// LogLevel returns the parsed logging level
func (c *Config) LogLevel() logging.LogLevel {
	return logging.ParseLevel(c.Logging.Level)
}

func oneOf(value string, allowed ...string) bool {
	for _, a := range allowed {
		if value == a {
			return true
		}
	}
	return false
}
