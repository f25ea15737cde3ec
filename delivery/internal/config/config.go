// Package config provides configuration loading for the delivery service.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Database backends
const (
	DatabasePostgres = "postgres"
	DatabaseMemory   = "memory"
)

// Config holds all configuration for the delivery service
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	NATS       NATSConfig       `mapstructure:"nats"`
	OpenSearch OpenSearchConfig `mapstructure:"opensearch"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Delivery   DeliveryConfig   `mapstructure:"delivery"`
	Trigger    TriggerConfig    `mapstructure:"trigger"`
	Meta       MetaConfig       `mapstructure:"meta"`
	Mappings   MappingsConfig   `mapstructure:"mappings"`
	Schedule   ScheduleConfig   `mapstructure:"schedule"`
	Lock       LockConfig       `mapstructure:"lock"`
	Stats      StatsConfig      `mapstructure:"stats"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// DatabaseConfig selects and configures the event store
type DatabaseConfig struct {
	Type       string         `mapstructure:"type"`
	Migrations string         `mapstructure:"migrations"`
	Postgres   PostgresConfig `mapstructure:"postgres"`
}

// PostgresConfig holds PostgreSQL connection settings
type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"sslmode"`
}

// ConnString builds a postgres:// URL for pgx and golang-migrate.
func (p PostgresConfig) ConnString() string {
	u := url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(p.Host, strconv.Itoa(p.Port)),
		Path:   "/" + p.Database,
	}
	if p.Password != "" {
		u.User = url.UserPassword(p.User, p.Password)
	} else if p.User != "" {
		u.User = url.User(p.User)
	}
	if p.SSLMode != "" {
		u.RawQuery = url.Values{"sslmode": {p.SSLMode}}.Encode()
	}
	return u.String()
}

// RedisConfig holds Redis configuration for the run lock, mapping cache and stats
type RedisConfig struct {
	URL        string `mapstructure:"url"`
	Enabled    bool   `mapstructure:"enabled"`
	MaxRetries int    `mapstructure:"max_retries"`
	PoolSize   int    `mapstructure:"pool_size"`
}

// NATSConfig holds NATS message broker configuration
type NATSConfig struct {
	URL           string        `mapstructure:"url"`
	Enabled       bool          `mapstructure:"enabled"`
	MaxReconnects int           `mapstructure:"max_reconnects"`
	ReconnectWait time.Duration `mapstructure:"reconnect_wait"`
}

// OpenSearchConfig holds the run audit index configuration
type OpenSearchConfig struct {
	URL         string `mapstructure:"url"`
	Enabled     bool   `mapstructure:"enabled"`
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`
	Insecure    bool   `mapstructure:"insecure"`
	IndexPrefix string `mapstructure:"index_prefix"`
	SigningKey  string `mapstructure:"signing_key"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DeliveryConfig tunes the delivery batch
type DeliveryConfig struct {
	BatchLimit  int           `mapstructure:"batch_limit"`
	StaleAfter  time.Duration `mapstructure:"stale_after"`
	MaxRetries  int           `mapstructure:"max_retries"`
	Workers     int           `mapstructure:"workers"`
	SendTimeout time.Duration `mapstructure:"send_timeout"`
	ClaimLease  time.Duration `mapstructure:"claim_lease"`
}

// TriggerConfig holds the cron endpoint credentials
type TriggerConfig struct {
	Secret   string        `mapstructure:"secret"`
	TokenTTL time.Duration `mapstructure:"token_ttl"`
}

// MetaConfig holds the Conversions API transport settings
type MetaConfig struct {
	BaseURL       string        `mapstructure:"base_url"`
	APIVersion    string        `mapstructure:"api_version"`
	Timeout       time.Duration `mapstructure:"timeout"`
	TestEventCode string        `mapstructure:"test_event_code"`
}

// MappingsConfig holds mapping resolution settings
type MappingsConfig struct {
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

// ScheduleConfig controls the in-process scheduler
type ScheduleConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
}

// LockConfig holds the single-flight run lock settings
type LockConfig struct {
	Key string        `mapstructure:"key"`
	TTL time.Duration `mapstructure:"ttl"`
}

// StatsConfig holds per-destination stats settings
type StatsConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	InstanceID string `mapstructure:"instance_id"`
}

// Load reads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	v.SetDefault("server.port", 8090)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "5m")
	v.SetDefault("server.idle_timeout", "60s")

	v.SetDefault("database.type", DatabasePostgres)
	v.SetDefault("database.migrations", "file://migrations")
	v.SetDefault("database.postgres.host", "localhost")
	v.SetDefault("database.postgres.port", 5432)
	v.SetDefault("database.postgres.user", "relay")
	v.SetDefault("database.postgres.password", "")
	v.SetDefault("database.postgres.database", "conversion_relay")
	v.SetDefault("database.postgres.sslmode", "disable")

	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("redis.enabled", true)
	v.SetDefault("redis.max_retries", 3)
	v.SetDefault("redis.pool_size", 10)

	v.SetDefault("nats.url", "nats://nats:4222")
	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.max_reconnects", -1)
	v.SetDefault("nats.reconnect_wait", "2s")

	v.SetDefault("opensearch.url", "https://localhost:9200")
	v.SetDefault("opensearch.enabled", false)
	v.SetDefault("opensearch.username", "admin")
	v.SetDefault("opensearch.password", "")
	v.SetDefault("opensearch.insecure", true)
	v.SetDefault("opensearch.index_prefix", "conversion-delivery-runs")
	v.SetDefault("opensearch.signing_key", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("delivery.batch_limit", 1000)
	v.SetDefault("delivery.stale_after", "168h")
	v.SetDefault("delivery.max_retries", 3)
	v.SetDefault("delivery.workers", 8)
	v.SetDefault("delivery.send_timeout", "30s")
	v.SetDefault("delivery.claim_lease", "5m")

	v.SetDefault("trigger.secret", "")
	v.SetDefault("trigger.token_ttl", "5m")

	v.SetDefault("meta.base_url", "https://graph.facebook.com")
	v.SetDefault("meta.api_version", "v18.0")
	v.SetDefault("meta.timeout", "30s")
	v.SetDefault("meta.test_event_code", "")

	v.SetDefault("mappings.cache_ttl", "5m")

	v.SetDefault("schedule.enabled", false)
	v.SetDefault("schedule.interval", "1h")

	v.SetDefault("lock.key", "relay:delivery:lock")
	v.SetDefault("lock.ttl", "10m")

	v.SetDefault("stats.enabled", true)
	v.SetDefault("stats.instance_id", "")

	// Read config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/conversion-relay")
	}

	// Environment variables override (RELAY_TRIGGER_SECRET, etc.)
	v.SetEnvPrefix("RELAY")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Read config - ignore file not found for defaults
	if err := v.ReadInConfig(); err != nil {
		// Only fail if a specific config path was given
		if configPath != "" {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// Validate checks settings the service cannot start without.
func (c *Config) Validate() error {
	var errs []error

	if c.Trigger.Secret == "" {
		errs = append(errs, errors.New("trigger.secret is required"))
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	switch c.Database.Type {
	case DatabasePostgres, DatabaseMemory:
	default:
		errs = append(errs, fmt.Errorf("database.type %q must be %q or %q", c.Database.Type, DatabasePostgres, DatabaseMemory))
	}

	d := c.Delivery
	if d.BatchLimit <= 0 {
		errs = append(errs, errors.New("delivery.batch_limit must be positive"))
	}
	if d.StaleAfter <= 0 {
		errs = append(errs, errors.New("delivery.stale_after must be positive"))
	}
	if d.MaxRetries <= 0 {
		errs = append(errs, errors.New("delivery.max_retries must be positive"))
	}
	if d.Workers <= 0 {
		errs = append(errs, errors.New("delivery.workers must be positive"))
	}
	if d.SendTimeout <= 0 {
		errs = append(errs, errors.New("delivery.send_timeout must be positive"))
	}
	if d.ClaimLease <= 0 {
		errs = append(errs, errors.New("delivery.claim_lease must be positive"))
	} else if d.SendTimeout > 0 && d.ClaimLease <= d.SendTimeout {
		// a lease renewed at dispatch has to outlive the send it covers
		errs = append(errs, fmt.Errorf("delivery.claim_lease (%s) must exceed delivery.send_timeout (%s)", d.ClaimLease, d.SendTimeout))
	}

	if c.Schedule.Enabled && c.Schedule.Interval <= 0 {
		errs = append(errs, errors.New("schedule.interval must be positive when the scheduler is enabled"))
	}
	if c.Redis.Enabled && c.Lock.TTL <= 0 {
		errs = append(errs, errors.New("lock.ttl must be positive"))
	} else if c.Redis.Enabled && d.SendTimeout > 0 && c.Lock.TTL <= d.SendTimeout {
		errs = append(errs, fmt.Errorf("lock.ttl (%s) must exceed delivery.send_timeout (%s)", c.Lock.TTL, d.SendTimeout))
	}

	return errors.Join(errs...)
}
