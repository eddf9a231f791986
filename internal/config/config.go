// Package config loads runtime configuration for the paineis commands.
//
// Values come from an optional YAML file with environment variable overrides.
// Secrets (Redis password, CPF keys) are read from the environment only and
// never appear in Dump output.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// DefaultPath is read when Load gets an empty path and the file exists.
const DefaultPath = "config.yaml"

// Config holds all configuration for paineis.
type Config struct {
	Storage StorageConfig `yaml:"storage"`
	Redis   RedisConfig   `yaml:"redis"`
	Ingest  IngestConfig  `yaml:"ingest"`
	Worker  WorkerConfig  `yaml:"worker"`
	Metrics MetricsConfig `yaml:"metrics"`
	Log     LogConfig     `yaml:"log"`
	PII     PIIConfig     `yaml:"-"`
}

// StorageConfig selects the repository backend and the blob directory.
type StorageConfig struct {
	// Kind is one of sqlite, postgres, mssql.
	Kind    string `yaml:"kind" env:"PAINEIS_STORAGE_KIND" env-default:"sqlite"`
	DSN     string `yaml:"dsn" env:"PAINEIS_STORAGE_DSN" env-default:"paineis.db"`
	BlobDir string `yaml:"blob_dir" env:"PAINEIS_BLOB_DIR" env-default:"data/blobs"`
}

// RedisConfig configures the job queue and the dashboard cache. An empty Addr
// disables both: jobs run in-process and dashboards are not cached.
type RedisConfig struct {
	Addr        string        `yaml:"addr" env:"PAINEIS_REDIS_ADDR" env-default:""`
	Password    string        `yaml:"-" env:"PAINEIS_REDIS_PASSWORD"` // Secret - not in YAML
	DB          int           `yaml:"db" env:"PAINEIS_REDIS_DB" env-default:"0"`
	QueueKey    string        `yaml:"queue_key" env:"PAINEIS_QUEUE_KEY" env-default:"paineis:ingest"`
	CachePrefix string        `yaml:"cache_prefix" env:"PAINEIS_CACHE_PREFIX" env-default:"paineis:dashboard"`
	CacheTTL    time.Duration `yaml:"cache_ttl" env:"PAINEIS_CACHE_TTL" env-default:"5m"`
}

// Enabled reports whether a Redis server is configured.
func (c RedisConfig) Enabled() bool { return c.Addr != "" }

type IngestConfig struct {
	SheetsTimeout time.Duration `yaml:"sheets_timeout" env:"PAINEIS_SHEETS_TIMEOUT" env-default:"20s"`
}

type WorkerConfig struct {
	// PollTimeout bounds each blocking queue pop so shutdown is noticed.
	PollTimeout time.Duration `yaml:"poll_timeout" env:"PAINEIS_WORKER_POLL_TIMEOUT" env-default:"5s"`
}

// MetricsConfig selects the metrics backend ("none" or "datadog").
type MetricsConfig struct {
	Backend    string        `yaml:"backend" env:"PAINEIS_METRICS_BACKEND" env-default:"none"`
	Job        string        `yaml:"job" env:"PAINEIS_METRICS_JOB" env-default:"paineis"`
	Tags       string        `yaml:"tags" env:"PAINEIS_METRICS_TAGS" env-default:""`
	FlushEvery time.Duration `yaml:"flush_every" env:"PAINEIS_METRICS_FLUSH_EVERY" env-default:"60s"`
}

type LogConfig struct {
	Level       string `yaml:"level" env:"PAINEIS_LOG_LEVEL" env-default:"info"`
	Development bool   `yaml:"development" env:"PAINEIS_LOG_DEVELOPMENT" env-default:"false"`
}

// PIIConfig holds the CPF keys. Both are optional; features that need a key
// fail with pii.ErrMissingKey when it is absent.
type PIIConfig struct {
	HashKey       string `yaml:"-" env:"PAINEIS_CPF_HASH_KEY"`
	EncryptionKey string `yaml:"-" env:"PAINEIS_CPF_ENCRYPTION_KEY"`
}

var (
	storageKinds   = map[string]bool{"sqlite": true, "postgres": true, "mssql": true}
	metricBackends = map[string]bool{"none": true, "datadog": true}
)

// Load reads path (or DefaultPath when path is empty and the file exists)
// and applies environment overrides. With no file, only the environment and
// defaults are used.
//
// Errors:
//   - An explicit path that cannot be read.
//   - Validation failures (unknown storage kind, metrics backend or log level).
func Load(path string) (*Config, error) {
	cfg := &Config{}

	file := path
	if file == "" {
		if _, err := os.Stat(DefaultPath); err == nil {
			file = DefaultPath
		}
	}

	if file != "" {
		if err := cleanenv.ReadConfig(file, cfg); err != nil {
			return nil, fmt.Errorf("read config %s: %w", file, err)
		}
	} else if err := cleanenv.ReadEnv(cfg); err != nil {
		return nil, fmt.Errorf("read config from env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Validate checks enumerated fields and durations.
func (c *Config) Validate() error {
	var errs []error
	if !storageKinds[c.Storage.Kind] {
		errs = append(errs, fmt.Errorf("storage.kind=%q (want sqlite, postgres or mssql)", c.Storage.Kind))
	}
	if !metricBackends[c.Metrics.Backend] {
		errs = append(errs, fmt.Errorf("metrics.backend=%q (want none or datadog)", c.Metrics.Backend))
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	if c.Redis.CacheTTL < 0 {
		errs = append(errs, errors.New("redis.cache_ttl must not be negative"))
	}
	if c.Worker.PollTimeout <= 0 {
		errs = append(errs, errors.New("worker.poll_timeout must be positive"))
	}
	return errors.Join(errs...)
}

// NewLogger builds the process logger: JSON production encoding, or the
// console development encoder when Development is set.
func (c LogConfig) NewLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.Level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	if c.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

// Dump renders the effective configuration as YAML with credentials removed.
func (c *Config) Dump() ([]byte, error) {
	cp := *c
	cp.Storage.DSN = RedactDSN(cp.Storage.DSN)
	out, err := yaml.Marshal(&cp)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return out, nil
}

var passwordKV = regexp.MustCompile(`(?i)(password|pwd)=[^;& ]*`)

// RedactDSN hides the password of URL DSNs ("postgres://u:p@h/db") and of
// key=value DSNs ("server=h;password=p").
func RedactDSN(dsn string) string {
	if u, err := url.Parse(dsn); err == nil && u.User != nil {
		if _, ok := u.User.Password(); ok {
			u.User = url.UserPassword(u.User.Username(), "xxxxx")
			dsn = u.String()
		}
	}
	return passwordKV.ReplaceAllString(dsn, "${1}=xxxxx")
}
