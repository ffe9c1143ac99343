package config

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Ingestion modes.
const (
	ModeSync  = "sync"
	ModeAsync = "async"
)

// Storage drivers.
const (
	DriverClickHouse = "clickhouse"
	DriverPostgres   = "postgres"
)

// Config contains runtime configuration required by the service.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Auth    AuthConfig    `mapstructure:"auth"`
	Ingest  IngestConfig  `mapstructure:"ingest"`
	Storage StorageConfig `mapstructure:"storage"`
	Redis   RedisConfig   `mapstructure:"redis"`
	Queue   QueueConfig   `mapstructure:"queue"`
	Tenant  TenantConfig  `mapstructure:"tenant"`
	Logging LoggingConfig `mapstructure:"logging"`
	Startup StartupConfig `mapstructure:"startup"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port" validate:"gt=0,lte=65535"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Addr is the listen address for the HTTP server.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type AuthConfig struct {
	APIKey string `mapstructure:"api_key" validate:"required"`
}

type IngestConfig struct {
	// sync inserts into storage inside the request, async enqueues a job.
	Mode         string `mapstructure:"mode" validate:"oneof=sync async"`
	DefaultLimit int    `mapstructure:"default_limit" validate:"gt=0"`
	MaxLimit     int    `mapstructure:"max_limit" validate:"gtefield=DefaultLimit"`
}

type StorageConfig struct {
	Driver     string           `mapstructure:"driver" validate:"oneof=clickhouse postgres"`
	ClickHouse ClickHouseConfig `mapstructure:"clickhouse"`
	Postgres   PostgresConfig   `mapstructure:"postgres"`
}

type ClickHouseConfig struct {
	Host     string `mapstructure:"host" validate:"required"`
	Port     int    `mapstructure:"port" validate:"gt=0,lte=65535"`
	Database string `mapstructure:"database" validate:"required"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	UseSSL   bool   `mapstructure:"use_ssl"`
	// http (port 8123 by default) or native (port 9000 by default).
	Protocol    string        `mapstructure:"protocol" validate:"oneof=http native"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

// Addr is the host:port pair of the ClickHouse server.
func (c ClickHouseConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type PostgresConfig struct {
	URL string `mapstructure:"url"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host" validate:"required"`
	Port     int    `mapstructure:"port" validate:"gt=0,lte=65535"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db" validate:"gte=0,lte=16"`
}

// Addr is the host:port pair of the Redis broker.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

type QueueConfig struct {
	// Name must match the queue the worker consumes from.
	Name             string        `mapstructure:"name" validate:"required"`
	Prefix           string        `mapstructure:"prefix" validate:"required"`
	RemoveOnComplete bool          `mapstructure:"remove_on_complete"`
	PollInterval     time.Duration `mapstructure:"poll_interval" validate:"gt=0"`
	// LockDuration is how long a reserved job may go without a lease renewal
	// before another worker reclaims it.
	LockDuration     time.Duration `mapstructure:"lock_duration" validate:"gt=0"`
}

type TenantConfig struct {
	TenantID string        `mapstructure:"tenant_id" validate:"required"`
	HostID   string        `mapstructure:"host_id" validate:"required"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format" validate:"oneof=text json"`
}

type StartupConfig struct {
	ConnectAttempts uint          `mapstructure:"connect_attempts" validate:"gt=0"`
	ConnectDelay    time.Duration `mapstructure:"connect_delay"`
}

// envBindings maps config keys to the environment variables operators already use.
var envBindings = map[string]string{
	"server.host":                  "HOST",
	"server.port":                  "PORT",
	"auth.api_key":                 "API_KEY",
	"ingest.mode":                  "INGEST_MODE",
	"storage.driver":               "STORAGE_DRIVER",
	"storage.clickhouse.host":      "CLICKHOUSE_HOST",
	"storage.clickhouse.port":      "CLICKHOUSE_PORT",
	"storage.clickhouse.database":  "CLICKHOUSE_DATABASE",
	"storage.clickhouse.username":  "CLICKHOUSE_USERNAME",
	"storage.clickhouse.password":  "CLICKHOUSE_PASSWORD",
	"storage.clickhouse.use_ssl":   "CLICKHOUSE_USE_SSL",
	"storage.clickhouse.protocol":  "CLICKHOUSE_PROTOCOL",
	"storage.postgres.url":         "DB_URL",
	"redis.host":                   "REDIS_HOST",
	"redis.port":                   "REDIS_PORT",
	"redis.password":               "REDIS_PASSWORD",
	"redis.db":                     "REDIS_DB",
	"queue.name":                   "QUEUE_NAME",
	"queue.remove_on_complete":     "QUEUE_REMOVE_ON_COMPLETE",
	"queue.lock_duration":          "QUEUE_LOCK_DURATION",
	"tenant.tenant_id":             "TENANT_ID",
	"tenant.host_id":               "HOST_ID",
	"logging.level":                "LOG_LEVEL",
	"logging.format":               "LOG_FORMAT",
}

var identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Load reads configuration from an optional file and the environment.
// Environment variables take precedence over the file; every key has a default.
func Load(configPath string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return Config{}, errors.WithMessagef(err, "binding %s", env)
		}
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, errors.WithMessagef(err, "reading config file %s", configPath)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, errors.WithMessage(err, "unmarshalling config")
	}
	cfg.Ingest.Mode = strings.ToLower(strings.TrimSpace(cfg.Ingest.Mode))

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 3010)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.shutdown_timeout", "30s")

	v.SetDefault("auth.api_key", "testkey")

	v.SetDefault("ingest.mode", ModeAsync)
	v.SetDefault("ingest.default_limit", 100)
	v.SetDefault("ingest.max_limit", 1000)

	v.SetDefault("storage.driver", DriverClickHouse)
	v.SetDefault("storage.clickhouse.host", "localhost")
	v.SetDefault("storage.clickhouse.port", 8123)
	v.SetDefault("storage.clickhouse.database", "ims_db")
	v.SetDefault("storage.clickhouse.username", "default")
	v.SetDefault("storage.clickhouse.password", "")
	v.SetDefault("storage.clickhouse.use_ssl", false)
	v.SetDefault("storage.clickhouse.protocol", "http")
	v.SetDefault("storage.clickhouse.dial_timeout", "5s")
	v.SetDefault("storage.postgres.url", "")

	v.SetDefault("redis.host", "127.0.0.1")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("queue.name", "client-stats")
	v.SetDefault("queue.prefix", "bull")
	v.SetDefault("queue.remove_on_complete", false)
	v.SetDefault("queue.poll_interval", "1s")
	v.SetDefault("queue.lock_duration", "30s")

	v.SetDefault("tenant.tenant_id", "test_tenant")
	v.SetDefault("tenant.host_id", "test_host")
	v.SetDefault("tenant.cache_ttl", "5m")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")

	v.SetDefault("startup.connect_attempts", 5)
	v.SetDefault("startup.connect_delay", "2s")
}

// Validate checks struct tags and the cross-field rules tags cannot express.
func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		logValidationErrors(err)
		return errors.WithMessage(err, "invalid configuration")
	}
	if c.Storage.Driver == DriverClickHouse && !identifier.MatchString(c.Storage.ClickHouse.Database) {
		return errors.Errorf("invalid configuration: clickhouse database %q is not a plain identifier", c.Storage.ClickHouse.Database)
	}
	if c.Storage.Driver == DriverPostgres && c.Storage.Postgres.URL == "" {
		return errors.New("invalid configuration: DB_URL required for postgres storage")
	}
	return nil
}

func logValidationErrors(err error) {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return
	}
	for _, e := range verrs {
		field := stripPrefix(e.Namespace())
		switch e.Tag() {
		case "required":
			log.Errorf("ConfigError: Field %s is required but was not found", field)
		default:
			log.Errorf("ConfigError: Field %s has invalid value %v: %s", field, e.Value(), e.Tag())
		}
	}
}

func stripPrefix(s string) string {
	if idx := strings.Index(s, "."); idx != -1 {
		return s[idx+1:]
	}
	return s
}
