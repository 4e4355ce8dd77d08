// Package config loads and validates MapMonkey configuration via Viper.
package config

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Storage backends accepted by storage.backend.
const (
	BackendMemory    = "memory"
	BackendPostgres  = "postgres"
	BackendCassandra = "cassandra"
	BackendSQLite    = "sqlite"
	BackendBadger    = "badger"
	BackendCSV       = "csv"
)

// Archive backends accepted by archive.backend.
const (
	ArchiveNone  = "none"
	ArchiveLocal = "local"
	ArchiveGCS   = "gcs"
)

// Config captures all run configuration loaded via Viper.
type Config struct {
	Run       RunConfig       `mapstructure:"run"`
	Grid      GridConfig      `mapstructure:"grid"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Headless  HeadlessConfig  `mapstructure:"headless"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Progress  ProgressConfig  `mapstructure:"progress"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// RunConfig names the state file and the input lists.
type RunConfig struct {
	StatePath   string   `mapstructure:"state_path"`
	RunID       string   `mapstructure:"run_id"`
	CitiesFile  string   `mapstructure:"cities_file"`
	TermsFile   string   `mapstructure:"terms_file"`
	Cities      []string `mapstructure:"cities"`
	Terms       []string `mapstructure:"terms"`
	RetryFailed bool     `mapstructure:"retry_failed"`
}

// GridConfig shapes the per-city query grid.
type GridConfig struct {
	Steps             int     `mapstructure:"steps"`
	SpacingDeg        float64 `mapstructure:"spacing_deg"`
	PerPointLimit     int     `mapstructure:"per_point_limit"`
	PointRetries      int     `mapstructure:"point_retries"`
	RetryBackoffMs    int     `mapstructure:"retry_backoff_ms"`
	RetryBackoffMaxMs int     `mapstructure:"retry_backoff_max_ms"`
}

// SchedulerConfig bounds the worker pool and pacing.
type SchedulerConfig struct {
	Concurrency         int     `mapstructure:"concurrency"`
	MinDelaySeconds     float64 `mapstructure:"min_delay_seconds"`
	MaxDelaySeconds     float64 `mapstructure:"max_delay_seconds"`
	RequestsPerMinute   float64 `mapstructure:"requests_per_minute"`
	Burst               int     `mapstructure:"burst"`
	PointTimeoutSeconds int     `mapstructure:"point_timeout_seconds"`
}

// HeadlessConfig configures the chromedp browser sessions.
type HeadlessConfig struct {
	BaseURL       string `mapstructure:"base_url"`
	Headless      bool   `mapstructure:"headless"`
	ExecPath      string `mapstructure:"exec_path"`
	UserAgent     string `mapstructure:"user_agent"`
	WindowWidth   int    `mapstructure:"window_width"`
	WindowHeight  int    `mapstructure:"window_height"`
	Zoom          int    `mapstructure:"zoom"`
	NavTimeoutSec int    `mapstructure:"nav_timeout_seconds"`
	SettleMs      int    `mapstructure:"settle_ms"`
	MaxScrolls    int    `mapstructure:"max_scrolls"`
	StallLimit    int    `mapstructure:"stall_limit"`
}

// StorageConfig selects the sink backend and carries per-backend settings.
type StorageConfig struct {
	Backend     string          `mapstructure:"backend"`
	PreloadKeys bool            `mapstructure:"preload_keys"`
	Postgres    PostgresConfig  `mapstructure:"postgres"`
	Cassandra   CassandraConfig `mapstructure:"cassandra"`
	SQLite      SQLiteConfig    `mapstructure:"sqlite"`
	Badger      BadgerConfig    `mapstructure:"badger"`
	CSV         CSVConfig       `mapstructure:"csv"`
}

// PostgresConfig controls the pgx pool behind the postgres sink.
type PostgresConfig struct {
	DSN                    string `mapstructure:"dsn"`
	Table                  string `mapstructure:"table"`
	MaxConns               int32  `mapstructure:"max_conns"`
	MinConns               int32  `mapstructure:"min_conns"`
	MaxConnLifetimeSeconds int    `mapstructure:"max_conn_lifetime_seconds"`
	AutoMigrate            bool   `mapstructure:"auto_migrate"`
}

// CassandraConfig controls the gocql session behind the cassandra sink.
type CassandraConfig struct {
	Hosts          []string `mapstructure:"hosts"`
	Keyspace       string   `mapstructure:"keyspace"`
	Table          string   `mapstructure:"table"`
	Consistency    string   `mapstructure:"consistency"`
	TimeoutSeconds int      `mapstructure:"timeout_seconds"`
	AutoMigrate    bool     `mapstructure:"auto_migrate"`
}

// SQLiteConfig locates the embedded database file.
type SQLiteConfig struct {
	Path          string `mapstructure:"path"`
	BusyTimeoutMs int    `mapstructure:"busy_timeout_ms"`
}

// BadgerConfig locates the embedded key-value store.
type BadgerConfig struct {
	Path     string `mapstructure:"path"`
	InMemory bool   `mapstructure:"in_memory"`
}

// CSVConfig locates the append-only CSV file.
type CSVConfig struct {
	Path string `mapstructure:"path"`
}

// ArchiveConfig selects where the final run-state snapshot is copied.
type ArchiveConfig struct {
	Backend  string `mapstructure:"backend"`
	LocalDir string `mapstructure:"local_dir"`
	Bucket   string `mapstructure:"bucket"`
	Prefix   string `mapstructure:"prefix"`
}

// PubSubConfig holds the unit notification topic; an empty topic disables it.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// ProgressConfig tunes the progress hub and the Pushgateway export.
type ProgressConfig struct {
	BufferSize     int    `mapstructure:"buffer_size"`
	MaxBatchEvents int    `mapstructure:"max_batch_events"`
	MaxBatchWaitMs int    `mapstructure:"max_batch_wait_ms"`
	PushURL        string `mapstructure:"push_url"`
	PushJob        string `mapstructure:"push_job"`
}

// LoggingConfig toggles zap development features and the minimum level.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// flagKeys maps CLI flag names onto configuration keys.
var flagKeys = map[string]string{
	"state":          "run.state_path",
	"run-id":         "run.run_id",
	"cities-file":    "run.cities_file",
	"terms-file":     "run.terms_file",
	"city":           "run.cities",
	"term":           "run.terms",
	"retry-failed":   "run.retry_failed",
	"steps":          "grid.steps",
	"spacing-deg":    "grid.spacing_deg",
	"per-point":      "grid.per_point_limit",
	"point-retries":  "grid.point_retries",
	"concurrency":    "scheduler.concurrency",
	"min-delay":      "scheduler.min_delay_seconds",
	"max-delay":      "scheduler.max_delay_seconds",
	"headless":       "headless.headless",
	"store":          "storage.backend",
	"dsn":            "storage.postgres.dsn",
	"push-url":       "progress.push_url",
	"log-level":      "logging.level",
	"log-dev":        "logging.development",
	"archive":        "archive.backend",
	"archive-dir":    "archive.local_dir",
	"archive-bucket": "archive.bucket",
}

// Load builds a Config from defaults, an optional file, the environment
// (MAPMONKEY_*) and any flags in flags that were set on the command line.
func Load(path string, flags *pflag.FlagSet) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("MAPMONKEY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}
	if err := bindFlags(v, flags); err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Storage.Backend = strings.ToLower(strings.TrimSpace(cfg.Storage.Backend))
	cfg.Archive.Backend = strings.ToLower(strings.TrimSpace(cfg.Archive.Backend))

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	if flags == nil {
		return nil
	}
	for name, key := range flagKeys {
		flag := flags.Lookup(name)
		if flag == nil {
			continue
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return fmt.Errorf("bind flag %s: %w", name, err)
		}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("run.state_path", "run_state.json")
	v.SetDefault("run.cities_file", "")
	v.SetDefault("run.terms_file", "")
	v.SetDefault("run.cities", []string{})
	v.SetDefault("run.terms", []string{})
	v.SetDefault("run.retry_failed", false)
	v.SetDefault("grid.steps", 0)
	v.SetDefault("grid.spacing_deg", 0.02)
	v.SetDefault("grid.per_point_limit", 50)
	v.SetDefault("grid.point_retries", 2)
	v.SetDefault("grid.retry_backoff_ms", 2000)
	v.SetDefault("grid.retry_backoff_max_ms", 30000)
	v.SetDefault("scheduler.concurrency", 4)
	v.SetDefault("scheduler.min_delay_seconds", 15.0)
	v.SetDefault("scheduler.max_delay_seconds", 60.0)
	v.SetDefault("scheduler.requests_per_minute", 0.0)
	v.SetDefault("scheduler.burst", 1)
	v.SetDefault("scheduler.point_timeout_seconds", 180)
	v.SetDefault("headless.base_url", "https://www.google.com/maps")
	v.SetDefault("headless.headless", true)
	v.SetDefault("headless.window_width", 1920)
	v.SetDefault("headless.window_height", 1080)
	v.SetDefault("headless.zoom", 15)
	v.SetDefault("headless.nav_timeout_seconds", 60)
	v.SetDefault("headless.settle_ms", 1500)
	v.SetDefault("headless.max_scrolls", 20)
	v.SetDefault("headless.stall_limit", 5)
	v.SetDefault("storage.backend", BackendSQLite)
	v.SetDefault("storage.preload_keys", true)
	v.SetDefault("storage.postgres.table", "businesses")
	v.SetDefault("storage.postgres.max_conns", 8)
	v.SetDefault("storage.postgres.min_conns", 1)
	v.SetDefault("storage.postgres.max_conn_lifetime_seconds", 1800)
	v.SetDefault("storage.postgres.auto_migrate", true)
	v.SetDefault("storage.cassandra.hosts", []string{"127.0.0.1"})
	v.SetDefault("storage.cassandra.keyspace", "mapmonkey")
	v.SetDefault("storage.cassandra.table", "businesses")
	v.SetDefault("storage.cassandra.consistency", "QUORUM")
	v.SetDefault("storage.cassandra.timeout_seconds", 10)
	v.SetDefault("storage.cassandra.auto_migrate", true)
	v.SetDefault("storage.sqlite.path", "businesses.db")
	v.SetDefault("storage.sqlite.busy_timeout_ms", 5000)
	v.SetDefault("storage.badger.path", "businesses.badger")
	v.SetDefault("storage.csv.path", "businesses.csv")
	v.SetDefault("archive.backend", ArchiveNone)
	v.SetDefault("archive.prefix", "mapmonkey")
	v.SetDefault("progress.buffer_size", 1024)
	v.SetDefault("progress.max_batch_events", 256)
	v.SetDefault("progress.max_batch_wait_ms", 1000)
	v.SetDefault("progress.push_job", "mapmonkey")
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Run.StatePath) == "" {
		return fmt.Errorf("run.state_path is required")
	}
	if c.Grid.Steps < 0 {
		return fmt.Errorf("grid.steps must be >= 0")
	}
	if c.Grid.SpacingDeg <= 0 {
		return fmt.Errorf("grid.spacing_deg must be > 0")
	}
	if c.Grid.PerPointLimit <= 0 {
		return fmt.Errorf("grid.per_point_limit must be > 0")
	}
	if c.Grid.PointRetries < 0 {
		return fmt.Errorf("grid.point_retries must be >= 0")
	}
	if c.Grid.RetryBackoffMs < 0 || c.Grid.RetryBackoffMaxMs < c.Grid.RetryBackoffMs {
		return fmt.Errorf("grid retry backoff must satisfy 0 <= retry_backoff_ms <= retry_backoff_max_ms")
	}
	if c.Scheduler.Concurrency <= 0 {
		return fmt.Errorf("scheduler.concurrency must be > 0")
	}
	if c.Scheduler.MinDelaySeconds < 0 || c.Scheduler.MaxDelaySeconds < c.Scheduler.MinDelaySeconds {
		return fmt.Errorf("scheduler delays must satisfy 0 <= min_delay_seconds <= max_delay_seconds")
	}
	if c.Scheduler.RequestsPerMinute < 0 {
		return fmt.Errorf("scheduler.requests_per_minute must be >= 0")
	}
	if c.Scheduler.PointTimeoutSeconds <= 0 {
		return fmt.Errorf("scheduler.point_timeout_seconds must be > 0")
	}
	if c.Headless.NavTimeoutSec <= 0 {
		return fmt.Errorf("headless.nav_timeout_seconds must be > 0")
	}
	if strings.TrimSpace(c.Headless.BaseURL) == "" {
		return fmt.Errorf("headless.base_url is required")
	}
	if err := c.Storage.validate(); err != nil {
		return err
	}
	if err := c.Archive.validate(); err != nil {
		return err
	}
	if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub.topic_name is set")
	}
	return nil
}

func (s StorageConfig) validate() error {
	backends := []string{BackendMemory, BackendPostgres, BackendCassandra, BackendSQLite, BackendBadger, BackendCSV}
	if !slices.Contains(backends, s.Backend) {
		return fmt.Errorf("storage.backend %q must be one of %s", s.Backend, strings.Join(backends, ", "))
	}
	switch s.Backend {
	case BackendPostgres:
		if strings.TrimSpace(s.Postgres.DSN) == "" {
			return fmt.Errorf("storage.postgres.dsn is required for the postgres backend")
		}
	case BackendCassandra:
		if len(s.Cassandra.Hosts) == 0 || s.Cassandra.Keyspace == "" {
			return fmt.Errorf("storage.cassandra.hosts and storage.cassandra.keyspace are required for the cassandra backend")
		}
	case BackendSQLite:
		if strings.TrimSpace(s.SQLite.Path) == "" {
			return fmt.Errorf("storage.sqlite.path is required for the sqlite backend")
		}
	case BackendBadger:
		if !s.Badger.InMemory && strings.TrimSpace(s.Badger.Path) == "" {
			return fmt.Errorf("storage.badger.path is required unless storage.badger.in_memory is set")
		}
	case BackendCSV:
		if strings.TrimSpace(s.CSV.Path) == "" {
			return fmt.Errorf("storage.csv.path is required for the csv backend")
		}
	}
	return nil
}

func (a ArchiveConfig) validate() error {
	switch a.Backend {
	case ArchiveNone, "":
		return nil
	case ArchiveLocal:
		if strings.TrimSpace(a.LocalDir) == "" {
			return fmt.Errorf("archive.local_dir is required for the local archive")
		}
	case ArchiveGCS:
		if strings.TrimSpace(a.Bucket) == "" {
			return fmt.Errorf("archive.bucket is required for the gcs archive")
		}
	default:
		return fmt.Errorf("archive.backend %q must be one of none, local, gcs", a.Backend)
	}
	return nil
}

// RetryBackoff is the base delay before the first grid point retry.
func (g GridConfig) RetryBackoff() time.Duration {
	return time.Duration(g.RetryBackoffMs) * time.Millisecond
}

// RetryBackoffMax caps the grid point retry delay.
func (g GridConfig) RetryBackoffMax() time.Duration {
	return time.Duration(g.RetryBackoffMaxMs) * time.Millisecond
}

// MinDelay returns the lower pacing bound.
func (s SchedulerConfig) MinDelay() time.Duration {
	return seconds(s.MinDelaySeconds)
}

// MaxDelay returns the upper pacing bound.
func (s SchedulerConfig) MaxDelay() time.Duration {
	return seconds(s.MaxDelaySeconds)
}

// PointTimeout bounds a grid point finished after cancellation.
func (s SchedulerConfig) PointTimeout() time.Duration {
	return time.Duration(s.PointTimeoutSeconds) * time.Second
}

// NavTimeout bounds one navigation or geocode in the browser.
func (h HeadlessConfig) NavTimeout() time.Duration {
	return time.Duration(h.NavTimeoutSec) * time.Second
}

// Settle is the pause after navigation and clicks.
func (h HeadlessConfig) Settle() time.Duration {
	return time.Duration(h.SettleMs) * time.Millisecond
}

// MaxBatchWait is the hub flush interval.
func (p ProgressConfig) MaxBatchWait() time.Duration {
	return time.Duration(p.MaxBatchWaitMs) * time.Millisecond
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}
