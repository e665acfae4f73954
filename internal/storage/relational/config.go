package relational

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Driver names accepted by Config. Postgres is the production target;
// SQLite backs single-node deployments and the test suite.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Config contains database configuration settings.
type Config struct {
	// Database connection settings
	Driver           string `json:"driver" yaml:"driver"`
	ConnectionString string `json:"connection_string" yaml:"connection_string"`
	Host             string `json:"host" yaml:"host"`
	Port             int    `json:"port" yaml:"port"`
	Database         string `json:"database" yaml:"database"`
	Username         string `json:"username" yaml:"username"`
	Password         string `json:"password" yaml:"password"`
	SSLMode          string `json:"ssl_mode" yaml:"ssl_mode"`

	// Connection pool settings
	MaxOpenConns    int           `json:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns    int           `json:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime" yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `json:"conn_max_idle_time" yaml:"conn_max_idle_time"`

	// Transaction settings
	DefaultTimeout time.Duration `json:"default_timeout" yaml:"default_timeout"`

	// SQLite settings
	EnableWALMode     bool          `json:"enable_wal_mode" yaml:"enable_wal_mode"`
	EnableForeignKeys bool          `json:"enable_foreign_keys" yaml:"enable_foreign_keys"`
	BusyTimeout       time.Duration `json:"busy_timeout" yaml:"busy_timeout"`
}

// NewConfig creates a new Config with sensible defaults.
func NewConfig() *Config {
	return &Config{
		Driver:            DriverPostgres,
		Host:              "localhost",
		Port:              5432,
		Database:          "kobod",
		Username:          "kobod",
		SSLMode:           "disable",
		MaxOpenConns:      25,
		MaxIdleConns:      5,
		ConnMaxLifetime:   time.Hour,
		ConnMaxIdleTime:   time.Minute * 15,
		DefaultTimeout:    time.Second * 30,
		EnableWALMode:     true,
		EnableForeignKeys: true,
		BusyTimeout:       time.Second * 5,
	}
}

// PostgresConfig creates a PostgreSQL-specific configuration.
func PostgresConfig() *Config {
	config := NewConfig()
	config.Driver = DriverPostgres
	config.Port = 5432
	return config
}

// SQLiteConfig creates a SQLite-specific configuration. SQLite allows one
// writer at a time, so the pool is pinned to a single connection.
func SQLiteConfig(dbPath string) *Config {
	config := NewConfig()
	config.Driver = DriverSQLite
	config.Database = dbPath
	config.MaxOpenConns = 1
	config.MaxIdleConns = 1
	return config
}

// Validate checks the configuration for common errors and normalizes the
// driver name.
func (c *Config) Validate() error {
	switch c.Driver {
	case "postgres", "postgresql":
		c.Driver = DriverPostgres
	case "sqlite", "sqlite3":
		c.Driver = DriverSQLite
	default:
		return fmt.Errorf("%w: %s", ErrInvalidDriver, c.Driver)
	}

	if c.ConnectionString == "" {
		if c.Driver == DriverPostgres {
			if c.Host == "" {
				return ErrMissingHost
			}
			if c.Port <= 0 || c.Port > 65535 {
				return ErrInvalidPort
			}
			if c.Database == "" {
				return ErrMissingDatabase
			}
			if c.Username == "" {
				return ErrMissingUsername
			}
			switch c.SSLMode {
			case "disable", "require", "verify-ca", "verify-full":
			default:
				return fmt.Errorf("invalid SSL mode: %s", c.SSLMode)
			}
		} else if c.Database == "" {
			return ErrMissingDatabase
		}
	}

	if c.MaxOpenConns < 0 {
		return ErrInvalidMaxOpenConns
	}
	if c.MaxIdleConns < 0 {
		return ErrInvalidMaxIdleConns
	}
	if c.MaxIdleConns > c.MaxOpenConns && c.MaxOpenConns > 0 {
		return ErrMaxIdleExceedsMaxOpen
	}

	if c.DefaultTimeout <= 0 {
		return ErrInvalidTimeout
	}
	if c.ConnMaxLifetime < 0 {
		return ErrInvalidConnMaxLifetime
	}
	if c.ConnMaxIdleTime < 0 {
		return ErrInvalidConnMaxIdleTime
	}

	return nil
}

// BuildConnectionString builds a connection string from the config.
func (c *Config) BuildConnectionString() (string, error) {
	if c.ConnectionString != "" {
		return c.ConnectionString, nil
	}

	switch c.Driver {
	case DriverPostgres:
		return c.buildPostgresConnectionString(), nil
	case DriverSQLite:
		return c.buildSQLiteConnectionString(), nil
	default:
		return "", fmt.Errorf("%w: %s", ErrInvalidDriver, c.Driver)
	}
}

func (c *Config) buildPostgresConnectionString() string {
	params := url.Values{}
	params.Set("sslmode", c.SSLMode)
	params.Set("connect_timeout", "30")
	params.Set("application_name", "kobod")

	u := url.URL{
		Scheme:   "postgres",
		Host:     fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:     "/" + c.Database,
		RawQuery: params.Encode(),
	}
	if c.Username != "" {
		if c.Password != "" {
			u.User = url.UserPassword(c.Username, c.Password)
		} else {
			u.User = url.User(c.Username)
		}
	}
	return u.String()
}

// buildSQLiteConnectionString renders a DSN for modernc.org/sqlite. Pragmas
// ride in as _pragma parameters; _time_format pins the stored timestamp
// layout so string comparison of stored times is chronological. The query is
// joined by hand because the driver documents the unescaped pragma form.
func (c *Config) buildSQLiteConnectionString() string {
	params := make([]string, 0, 4)
	if c.EnableWALMode {
		params = append(params, "_pragma=journal_mode(WAL)")
	}
	if c.EnableForeignKeys {
		params = append(params, "_pragma=foreign_keys(1)")
	}
	if c.BusyTimeout > 0 {
		params = append(params, fmt.Sprintf("_pragma=busy_timeout(%d)", c.BusyTimeout.Milliseconds()))
	}
	params = append(params, "_time_format=sqlite")

	return "file:" + c.Database + "?" + strings.Join(params, "&")
}

// Clone creates a deep copy of the configuration.
func (c *Config) Clone() *Config {
	clone := *c
	return &clone
}

// WithConnectionString returns a new config with the specified connection string.
func (c *Config) WithConnectionString(connStr string) *Config {
	clone := c.Clone()
	clone.ConnectionString = connStr
	return clone
}

// WithDatabase returns a new config with the specified database name.
func (c *Config) WithDatabase(database string) *Config {
	clone := c.Clone()
	clone.Database = database
	return clone
}

// WithCredentials returns a new config with the specified credentials.
func (c *Config) WithCredentials(username, password string) *Config {
	clone := c.Clone()
	clone.Username = username
	clone.Password = password
	return clone
}

// WithHost returns a new config with the specified host.
func (c *Config) WithHost(host string) *Config {
	clone := c.Clone()
	clone.Host = host
	return clone
}

// WithPort returns a new config with the specified port.
func (c *Config) WithPort(port int) *Config {
	clone := c.Clone()
	clone.Port = port
	return clone
}

// WithPoolSettings returns a new config with the specified connection pool settings.
func (c *Config) WithPoolSettings(maxOpen, maxIdle int, maxLifetime, maxIdleTime time.Duration) *Config {
	clone := c.Clone()
	clone.MaxOpenConns = maxOpen
	clone.MaxIdleConns = maxIdle
	clone.ConnMaxLifetime = maxLifetime
	clone.ConnMaxIdleTime = maxIdleTime
	return clone
}

// WithTimeout returns a new config with the specified default timeout.
func (c *Config) WithTimeout(timeout time.Duration) *Config {
	clone := c.Clone()
	clone.DefaultTimeout = timeout
	return clone
}

// String returns a string representation of the config with the password
// redacted.
func (c *Config) String() string {
	clone := c.Clone()
	if clone.Password != "" {
		clone.Password = "***"
	}

	connStr, _ := clone.BuildConnectionString()
	return fmt.Sprintf("Config{Driver: %s, Host: %s, Port: %d, Database: %s, Connection: %s}",
		clone.Driver, clone.Host, clone.Port, clone.Database, connStr)
}
