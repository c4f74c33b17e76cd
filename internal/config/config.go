// Package config loads and validates collector configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"

	"github.com/JakeFAU/webtoon-chart-collector/internal/chart"
)

// Config captures all collector configuration knobs loaded via Viper.
type Config struct {
	Upstream  UpstreamConfig  `mapstructure:"upstream"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Headless  HeadlessConfig  `mapstructure:"headless"`
	Acquire   AcquireConfig   `mapstructure:"acquire"`
	Warehouse WarehouseConfig `mapstructure:"warehouse"`
	Storage   StorageConfig   `mapstructure:"storage"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Lock      LockConfig      `mapstructure:"lock"`
	Schedule  ScheduleConfig  `mapstructure:"schedule"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// UpstreamConfig locates the listing surfaces and the identity used against them.
type UpstreamConfig struct {
	APIBase         string `mapstructure:"api_base"`
	DesktopURL      string `mapstructure:"desktop_url"`
	MobileURL       string `mapstructure:"mobile_url"`
	Filter          string `mapstructure:"filter"`
	UserAgent       string `mapstructure:"user_agent"`
	MobileUserAgent string `mapstructure:"mobile_user_agent"`
	// Timezone decides which calendar day "today" is.
	Timezone string `mapstructure:"timezone"`
}

// HTTPConfig configures HTTP client retry behavior.
type HTTPConfig struct {
	TimeoutSeconds   int `mapstructure:"timeout_seconds"`
	MaxRetries       int `mapstructure:"max_retries"`
	BackoffInitialMs int `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int `mapstructure:"backoff_max_ms"`
	// RequestsPerSecond paces requests per upstream host; 0 disables pacing.
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

// HeadlessConfig configures the browser strategy.
type HeadlessConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	MaxParallel    int    `mapstructure:"max_parallel"`
	NavTimeoutSec  int    `mapstructure:"nav_timeout_seconds"`
	EvalTimeoutSec int    `mapstructure:"eval_timeout_seconds"`
	SettleMs       int    `mapstructure:"settle_ms"`
	ClickWaitMs    int    `mapstructure:"click_wait_ms"`
	ExecPath       string `mapstructure:"exec_path"`
	NoSandbox      bool   `mapstructure:"no_sandbox"`
}

// AcquireConfig orders strategies and paces weekday calls.
type AcquireConfig struct {
	WeekdayDelayMs int      `mapstructure:"weekday_delay_ms"`
	Strategies     []string `mapstructure:"strategies"`
}

// WarehouseConfig controls the warehouse backend.
type WarehouseConfig struct {
	// Backend is postgres or memory.
	Backend         string `mapstructure:"backend"`
	DSN             string `mapstructure:"dsn"`
	ProfileTable    string `mapstructure:"profile_table"`
	EntryTable      string `mapstructure:"entry_table"`
	RunTable        string `mapstructure:"run_table"`
	BatchSize       int    `mapstructure:"batch_size"`
	MaxConns        int32  `mapstructure:"max_conns"`
	MinConns        int32  `mapstructure:"min_conns"`
	MaxConnLifetime int    `mapstructure:"max_conn_lifetime_seconds"`
	EnsureSchema    bool   `mapstructure:"ensure_schema"`
	CleanupTimeout  int    `mapstructure:"cleanup_timeout_seconds"`
}

// StorageConfig selects where raw snapshots are archived.
type StorageConfig struct {
	// Backend is none, memory, local or gcs.
	Backend   string `mapstructure:"backend"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	LocalDir  string `mapstructure:"local_dir"`
	Prefix    string `mapstructure:"prefix"`
}

// PubSubConfig holds metadata for run notifications. An empty project
// disables publishing.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// LockConfig serializes runs across processes through Redis. An empty
// redis_addr disables locking.
type LockConfig struct {
	RedisAddr   string `mapstructure:"redis_addr"`
	Password    string `mapstructure:"password"`
	DB          int    `mapstructure:"db"`
	Key         string `mapstructure:"key"`
	TTLSeconds  int    `mapstructure:"ttl_seconds"`
	WaitSeconds int    `mapstructure:"wait_seconds"`
}

// ScheduleConfig drives periodic collection while serving.
type ScheduleConfig struct {
	// Cron is a five-field spec evaluated in upstream.timezone; empty
	// disables scheduling.
	Cron        string   `mapstructure:"cron"`
	SortKeys    []string `mapstructure:"sort_keys"`
	AllWeekdays bool     `mapstructure:"all_weekdays"`
}

// MetricsConfig controls the ops HTTP listener.
type MetricsConfig struct {
	// Addr is the listen address; empty disables the listener.
	Addr string `mapstructure:"addr"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CHART")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Strategy names accepted in acquire.strategies.
const (
	StrategyAPI     = "api"
	StrategySSR     = "ssr"
	StrategyBrowser = "browser"
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("upstream.api_base", "https://gateway-kw.kakao.com/section/v2/timetables/days")
	v.SetDefault("upstream.desktop_url", "https://webtoon.kakao.com")
	v.SetDefault("upstream.mobile_url", "https://m.webtoon.kakao.com")
	v.SetDefault("upstream.filter", string(chart.FilterAll))
	v.SetDefault("upstream.timezone", "Asia/Seoul")
	v.SetDefault("http.timeout_seconds", 30)
	v.SetDefault("http.max_retries", 3)
	v.SetDefault("http.backoff_initial_ms", 250)
	v.SetDefault("http.backoff_max_ms", 5000)
	v.SetDefault("http.requests_per_second", 2.0)
	v.SetDefault("http.burst", 1)
	v.SetDefault("headless.enabled", true)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.nav_timeout_seconds", 45)
	v.SetDefault("headless.eval_timeout_seconds", 15)
	v.SetDefault("headless.settle_ms", 3000)
	v.SetDefault("headless.click_wait_ms", 2000)
	v.SetDefault("acquire.weekday_delay_ms", 500)
	v.SetDefault("acquire.strategies", []string{StrategyAPI, StrategySSR, StrategyBrowser})
	v.SetDefault("warehouse.backend", "postgres")
	v.SetDefault("warehouse.profile_table", "dim_profile")
	v.SetDefault("warehouse.entry_table", "fact_entry")
	v.SetDefault("warehouse.run_table", "chart_runs")
	v.SetDefault("warehouse.batch_size", 1000)
	v.SetDefault("warehouse.max_conns", 4)
	v.SetDefault("warehouse.ensure_schema", true)
	v.SetDefault("warehouse.cleanup_timeout_seconds", 30)
	v.SetDefault("storage.backend", "none")
	v.SetDefault("storage.prefix", "raw")
	v.SetDefault("pubsub.topic_name", "chart-runs")
	v.SetDefault("lock.key", "chartcollector:run")
	v.SetDefault("lock.ttl_seconds", 1800)
	v.SetDefault("schedule.sort_keys", []string{string(chart.SortPopularity)})
	v.SetDefault("schedule.all_weekdays", true)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.HTTP.MaxRetries <= 0 {
		return fmt.Errorf("http.max_retries must be > 0")
	}
	if c.HTTP.RequestsPerSecond < 0 {
		return fmt.Errorf("http.requests_per_second must be >= 0")
	}
	if _, err := chart.ParseFilter(c.Upstream.Filter); err != nil {
		return fmt.Errorf("upstream.filter: %w", err)
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	if len(c.Acquire.Strategies) == 0 {
		return fmt.Errorf("acquire.strategies must name at least one strategy")
	}
	for _, s := range c.Acquire.Strategies {
		switch s {
		case StrategyAPI, StrategySSR, StrategyBrowser:
		default:
			return fmt.Errorf("acquire.strategies: unknown strategy %q", s)
		}
	}
	switch c.Warehouse.Backend {
	case "postgres":
		if c.Warehouse.DSN == "" {
			return fmt.Errorf("warehouse.dsn is required for the postgres backend")
		}
	case "memory":
	default:
		return fmt.Errorf("warehouse.backend must be postgres or memory, got %q", c.Warehouse.Backend)
	}
	if c.Warehouse.BatchSize <= 0 {
		return fmt.Errorf("warehouse.batch_size must be > 0")
	}
	switch c.Storage.Backend {
	case "none", "memory":
	case "local":
		if c.Storage.LocalDir == "" {
			return fmt.Errorf("storage.local_dir is required for the local backend")
		}
	case "gcs":
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket is required for the gcs backend")
		}
	default:
		return fmt.Errorf("storage.backend must be none, memory, local or gcs, got %q", c.Storage.Backend)
	}
	if c.PubSub.ProjectID != "" && c.PubSub.TopicName == "" {
		return fmt.Errorf("pubsub.topic_name must be set when pubsub.project_id is set")
	}
	if c.Lock.RedisAddr != "" {
		if c.Lock.Key == "" {
			return fmt.Errorf("lock.key must be set when lock.redis_addr is set")
		}
		if c.Lock.TTLSeconds <= 0 || c.Lock.WaitSeconds < 0 {
			return fmt.Errorf("lock.ttl_seconds must be > 0 and lock.wait_seconds >= 0")
		}
	}
	if c.Schedule.Cron != "" {
		if _, err := cron.ParseStandard(c.Schedule.Cron); err != nil {
			return fmt.Errorf("schedule.cron: %w", err)
		}
		if c.Metrics.Addr == "" {
			return fmt.Errorf("metrics.addr is required when schedule.cron is set")
		}
	}
	return nil
}

// Filter returns the parsed upstream filter.
func (c Config) Filter() chart.Filter {
	f, _ := chart.ParseFilter(c.Upstream.Filter)
	return f
}

// HTTPTimeout converts http.timeout_seconds into a duration.
func (c Config) HTTPTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// Backoff returns the initial and maximum retry delays.
func (c Config) Backoff() (time.Duration, time.Duration) {
	return time.Duration(c.HTTP.BackoffInitialMs) * time.Millisecond,
		time.Duration(c.HTTP.BackoffMaxMs) * time.Millisecond
}

// WeekdayDelay converts acquire.weekday_delay_ms into a duration.
func (c Config) WeekdayDelay() time.Duration {
	return time.Duration(c.Acquire.WeekdayDelayMs) * time.Millisecond
}

// LockTTL converts lock.ttl_seconds into a duration.
func (c Config) LockTTL() time.Duration {
	return time.Duration(c.Lock.TTLSeconds) * time.Second
}

// LockWait converts lock.wait_seconds into a duration.
func (c Config) LockWait() time.Duration {
	return time.Duration(c.Lock.WaitSeconds) * time.Second
}
