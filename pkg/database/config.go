package database

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
)

// Supported database/sql driver names.
const (
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
)

// Config holds database connection configuration
type Config struct {
	Driver          string
	DSN             string
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	ConnectTimeout  time.Duration
	RetryMaxElapsed time.Duration
}

// DataSourceName returns the driver specific connection string. An explicit DSN wins
// over the discrete fields. MySQL connections always scan DATETIME columns into
// time.Time in UTC.
func (c *Config) DataSourceName() (string, error) {
	switch c.Driver {
	case DriverPostgres:
		if c.DSN != "" {
			return c.DSN, nil
		}
		var parts []string
		add := func(key, value string) {
			if value != "" {
				parts = append(parts, key+"="+quoteConnValue(value))
			}
		}
		add("host", c.Host)
		if c.Port > 0 {
			add("port", strconv.Itoa(c.Port))
		}
		add("user", c.User)
		add("password", c.Password)
		add("dbname", c.Database)
		add("sslmode", c.SSLMode)
		if c.ConnectTimeout > 0 {
			add("connect_timeout", strconv.Itoa(int(c.ConnectTimeout.Seconds())))
		}
		dsn := strings.Join(parts, " ")
		return dsn, nil

	case DriverMySQL:
		var mc *mysql.Config
		if c.DSN != "" {
			parsed, err := mysql.ParseDSN(c.DSN)
			if err != nil {
				return "", fmt.Errorf("invalid mysql dsn: %w", err)
			}
			mc = parsed
		} else {
			mc = mysql.NewConfig()
			mc.User = c.User
			mc.Passwd = c.Password
			mc.Net = "tcp"
			mc.Addr = net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
			mc.DBName = c.Database
			mc.Timeout = c.ConnectTimeout
		}
		mc.ParseTime = true
		mc.Loc = time.UTC
		return mc.FormatDSN(), nil

	default:
		return "", fmt.Errorf("unsupported database driver %q", c.Driver)
	}
}

func (c *Config) pingTimeout() time.Duration {
	if c.ConnectTimeout > 0 {
		return c.ConnectTimeout
	}
	return 5 * time.Second
}

// quoteConnValue quotes a libpq key/value connection parameter when needed.
func quoteConnValue(v string) string {
	if !strings.ContainsAny(v, " '\\") {
		return v
	}
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `'`, `\'`)
	return "'" + v + "'"
}
