// Package config loads worker configuration: defaults, then a TOML file,
// then SHOWRUN_* environment overrides. A missing file is not an error;
// the defaults run a single-node sqlite worker out of the box.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Database  DatabaseConfig  `toml:"database"`
	KV        KVConfig        `toml:"kv"`
	Objects   ObjectsConfig   `toml:"objects"`
	Backup    BackupConfig    `toml:"backup"`
	Notify    NotifyConfig    `toml:"notify"`
	Semaphore SemaphoreConfig `toml:"semaphore"`
	Worker    WorkerConfig    `toml:"worker"`
	Watchdog  WatchdogConfig  `toml:"watchdog"`
	Metrics   MetricsConfig   `toml:"metrics"`
	Observer  ObserverConfig  `toml:"observer"`
}

type DatabaseConfig struct {
	// URL selects the postgres backend (postgres://...). Empty means the
	// sqlite backend at Path.
	URL  string `toml:"url"`
	Path string `toml:"path"`
}

type KVConfig struct {
	// URL of the Redis instance backing the distributed semaphore and the
	// ready wake-up channel. Empty runs the in-process semaphore, which is
	// only safe with a single worker process.
	URL string `toml:"url"`
}

type ObjectsConfig struct {
	Dir string `toml:"dir"`
}

// BackupConfig is read by the external backup utility; the worker only
// carries it.
type BackupConfig struct {
	Dir       string `toml:"dir"`
	Retention int    `toml:"retention"`
}

type NotifyConfig struct {
	TelegramToken string `toml:"telegram_token"`
	Channel       string `toml:"channel"`
}

type SemaphoreConfig struct {
	TTLSeconds         int            `toml:"ttl_seconds"`
	WaitTimeoutSeconds int            `toml:"wait_timeout_seconds"`
	Limits             map[string]int `toml:"limits"`
}

func (c SemaphoreConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

func (c SemaphoreConfig) WaitTimeout() time.Duration {
	return time.Duration(c.WaitTimeoutSeconds) * time.Second
}

type WorkerConfig struct {
	Concurrency int `toml:"concurrency"`
	PollSeconds int `toml:"poll_seconds"`
	MaxRetries  int `toml:"max_retries"`
}

func (c WorkerConfig) Poll() time.Duration {
	return time.Duration(c.PollSeconds) * time.Second
}

type WatchdogConfig struct {
	IntervalSeconds int `toml:"interval_seconds"`
}

func (c WatchdogConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

type MetricsConfig struct {
	// RefreshSchedule is a cron expression (robfig/cron syntax, @every
	// accepted) for the published-metric refresher.
	RefreshSchedule string `toml:"refresh_schedule"`
}

type ObserverConfig struct {
	Enabled bool `toml:"enabled"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	return Config{
		Database: DatabaseConfig{Path: "showrun.db"},
		Objects:  ObjectsConfig{Dir: "objects"},
		Backup:   BackupConfig{Dir: "backups", Retention: 7},
		Semaphore: SemaphoreConfig{
			TTLSeconds:         1800,
			WaitTimeoutSeconds: 600,
			Limits:             map[string]int{"whisper": 1, "ffmpeg": 2, "llm": 4},
		},
		Worker:   WorkerConfig{Concurrency: 4, PollSeconds: 5, MaxRetries: 3},
		Watchdog: WatchdogConfig{IntervalSeconds: 300},
		Metrics:  MetricsConfig{RefreshSchedule: "@every 6h"},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "showrun.toml"
	}

	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	// Env overrides
	if v := os.Getenv("SHOWRUN_DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("SHOWRUN_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("SHOWRUN_KV_URL"); v != "" {
		cfg.KV.URL = v
	}
	if v := os.Getenv("SHOWRUN_OBJECTS_DIR"); v != "" {
		cfg.Objects.Dir = v
	}
	if v := os.Getenv("SHOWRUN_BACKUP_DIR"); v != "" {
		cfg.Backup.Dir = v
	}
	if v := os.Getenv("SHOWRUN_TELEGRAM_TOKEN"); v != "" {
		cfg.Notify.TelegramToken = v
	}
	if v := os.Getenv("SHOWRUN_TELEGRAM_CHANNEL"); v != "" {
		cfg.Notify.Channel = v
	}
	if n, ok := envInt("SHOWRUN_WORKER_CONCURRENCY"); ok {
		cfg.Worker.Concurrency = n
	}
	if n, ok := envInt("SHOWRUN_SEMAPHORE_TTL_SECONDS"); ok {
		cfg.Semaphore.TTLSeconds = n
	}
	if n, ok := envInt("SHOWRUN_SEMAPHORE_WAIT_SECONDS"); ok {
		cfg.Semaphore.WaitTimeoutSeconds = n
	}
	if n, ok := envInt("SHOWRUN_WATCHDOG_INTERVAL_SECONDS"); ok {
		cfg.Watchdog.IntervalSeconds = n
	}
	if v := os.Getenv("SHOWRUN_METRICS_SCHEDULE"); v != "" {
		cfg.Metrics.RefreshSchedule = v
	}
	if os.Getenv("SHOWRUN_OBSERVER_ENABLED") == "true" || os.Getenv("SHOWRUN_OBSERVER_ENABLED") == "1" {
		cfg.Observer.Enabled = true
	}

	// Fallbacks
	if cfg.Worker.Concurrency < 1 {
		cfg.Worker.Concurrency = 1
	}
	if cfg.Worker.PollSeconds < 1 {
		cfg.Worker.PollSeconds = 1
	}
	if cfg.Backup.Retention < 1 {
		cfg.Backup.Retention = 1
	}

	return cfg
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}
