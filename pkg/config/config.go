// Package config loads the configuration surface for the caching,
// invalidation, request-optimization, and query-monitoring backbone.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ServerConfig controls the HTTP server hosting the optimizer/cache pipeline.
type ServerConfig struct {
	Host            string `json:"host" yaml:"host" env:"SERVER_HOST"`
	Port            int    `json:"port" yaml:"port" env:"SERVER_PORT"`
	KeepAliveSecs   int    `json:"keep_alive_seconds" yaml:"keep_alive_seconds" env:"SERVER_KEEP_ALIVE_SECONDS"`
	MaxSockets      int    `json:"max_sockets" yaml:"max_sockets" env:"SERVER_MAX_SOCKETS"`
	ShutdownTimeout int    `json:"shutdown_timeout_seconds" yaml:"shutdown_timeout_seconds" env:"SERVER_SHUTDOWN_TIMEOUT_SECONDS"`

	RequestTimeoutSeconds int   `json:"request_timeout_seconds" yaml:"request_timeout_seconds" env:"SERVER_REQUEST_TIMEOUT_SECONDS"`
	MaxRequestBodyBytes   int64 `json:"max_request_body_bytes" yaml:"max_request_body_bytes" env:"SERVER_MAX_REQUEST_BODY_BYTES"`
	RateLimitRPS          int   `json:"rate_limit_requests_per_second" yaml:"rate_limit_requests_per_second" env:"SERVER_RATE_LIMIT_RPS"`
	RateLimitBurst        int   `json:"rate_limit_burst" yaml:"rate_limit_burst" env:"SERVER_RATE_LIMIT_BURST"`
}

func (c ServerConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// LoggingConfig controls application logging.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level" env:"LOG_LEVEL"`
	Format string `json:"format" yaml:"format" env:"LOG_FORMAT"`
	Output string `json:"output" yaml:"output" env:"LOG_OUTPUT"`
}

// RedisConfig controls the shared KV store adapter's remote tier (C1).
type RedisConfig struct {
	Addr        string `json:"addr" yaml:"addr" env:"REDIS_ADDR"`
	Password    string `json:"password" yaml:"password" env:"REDIS_PASSWORD"`
	DB          int    `json:"db" yaml:"db" env:"REDIS_DB"`
	PoolMinSize int    `json:"pool_min_size" yaml:"pool_min_size" env:"REDIS_POOL_MIN_SIZE"`
	PoolMaxSize int    `json:"pool_max_size" yaml:"pool_max_size" env:"REDIS_POOL_MAX_SIZE"`
	EnvPrefix   string `json:"env_prefix" yaml:"env_prefix" env:"REDIS_ENV_PREFIX"`
	AppPrefix   string `json:"app_prefix" yaml:"app_prefix" env:"REDIS_APP_PREFIX"`
}

// CacheConfig is the Cache Manager / Response Cache configuration surface (spec §6).
type CacheConfig struct {
	DefaultTTLSeconds int `json:"default_ttl" yaml:"default_ttl" env:"CACHE_DEFAULT_TTL"`
	ShortTTLSeconds   int `json:"short_ttl" yaml:"short_ttl" env:"CACHE_SHORT_TTL"`
	LongTTLSeconds    int `json:"long_ttl" yaml:"long_ttl" env:"CACHE_LONG_TTL"`

	MaxResponseSizeBytes int `json:"max_response_size_bytes" yaml:"max_response_size_bytes" env:"CACHE_MAX_RESPONSE_SIZE_BYTES"`
	CompressionThreshold int `json:"compression_threshold_bytes" yaml:"compression_threshold_bytes" env:"CACHE_COMPRESSION_THRESHOLD_BYTES"`
	CompressionLevel     int `json:"compression_level" yaml:"compression_level" env:"CACHE_COMPRESSION_LEVEL"`
	EnableCompression    bool `json:"enable_compression" yaml:"enable_compression" env:"CACHE_ENABLE_COMPRESSION"`
	EnableConditional    bool `json:"enable_conditional_caching" yaml:"enable_conditional_caching" env:"CACHE_ENABLE_CONDITIONAL"`

	L1MaxEntries   int `json:"l1_max_entries" yaml:"l1_max_entries" env:"CACHE_L1_MAX_ENTRIES"`
	L1MaxEntryBytes int `json:"l1_max_entry_bytes" yaml:"l1_max_entry_bytes" env:"CACHE_L1_MAX_ENTRY_BYTES"`
	L1MaxTTLSeconds int `json:"l1_max_ttl_seconds" yaml:"l1_max_ttl_seconds" env:"CACHE_L1_MAX_TTL_SECONDS"`

	WarmingConcurrency int `json:"warming_concurrency" yaml:"warming_concurrency" env:"CACHE_WARMING_CONCURRENCY"`
	WarmingQueueSize   int `json:"warming_queue_size" yaml:"warming_queue_size" env:"CACHE_WARMING_QUEUE_SIZE"`
}

func (c CacheConfig) DefaultTTL() time.Duration { return time.Duration(c.DefaultTTLSeconds) * time.Second }
func (c CacheConfig) ShortTTL() time.Duration   { return time.Duration(c.ShortTTLSeconds) * time.Second }
func (c CacheConfig) LongTTL() time.Duration    { return time.Duration(c.LongTTLSeconds) * time.Second }

// InvalidationConfig is the Invalidation Bus (C4) configuration surface.
type InvalidationConfig struct {
	Enabled             bool `json:"enable_smart_invalidation" yaml:"enable_smart_invalidation" env:"INVALIDATION_ENABLE_SMART"`
	BatchSize           int  `json:"invalidation_batch_size" yaml:"invalidation_batch_size" env:"INVALIDATION_BATCH_SIZE"`
	BatchWindowMillis   int  `json:"batch_window_millis" yaml:"batch_window_millis" env:"INVALIDATION_BATCH_WINDOW_MILLIS"`
	DelayMillis         int  `json:"invalidation_delay_millis" yaml:"invalidation_delay_millis" env:"INVALIDATION_DELAY_MILLIS"`
	MaxRetries          int  `json:"max_retries" yaml:"max_retries" env:"INVALIDATION_MAX_RETRIES"`
	RetryDelayMillis    int  `json:"retry_delay_millis" yaml:"retry_delay_millis" env:"INVALIDATION_RETRY_DELAY_MILLIS"`
	EnableEventFilter   bool `json:"enable_event_filtering" yaml:"enable_event_filtering" env:"INVALIDATION_ENABLE_EVENT_FILTER"`
	EventFilterWindowMs int  `json:"event_filter_window_millis" yaml:"event_filter_window_millis" env:"INVALIDATION_EVENT_FILTER_WINDOW_MILLIS"`
	DeadLetterCapacity  int  `json:"dead_letter_capacity" yaml:"dead_letter_capacity" env:"INVALIDATION_DEAD_LETTER_CAPACITY"`

	EnableAutoLeaderboardRefresh bool `json:"enable_auto_leaderboard_refresh" yaml:"enable_auto_leaderboard_refresh" env:"INVALIDATION_ENABLE_AUTO_LEADERBOARD_REFRESH"`
	AutoLeaderboardRefreshSecs   int  `json:"auto_leaderboard_refresh_seconds" yaml:"auto_leaderboard_refresh_seconds" env:"INVALIDATION_AUTO_LEADERBOARD_REFRESH_SECONDS"`

	// PostgresDSN, when set, subscribes the bus to row-level NOTIFY events on
	// votes/clan_members/content (an optional transport for embedders whose
	// writes happen via direct SQL rather than through Publish).
	PostgresDSN string `json:"postgres_dsn" yaml:"postgres_dsn" env:"INVALIDATION_POSTGRES_DSN"`
}

func (c InvalidationConfig) BatchWindow() time.Duration {
	return time.Duration(c.BatchWindowMillis) * time.Millisecond
}
func (c InvalidationConfig) Delay() time.Duration {
	return time.Duration(c.DelayMillis) * time.Millisecond
}
func (c InvalidationConfig) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelayMillis) * time.Millisecond
}
func (c InvalidationConfig) EventFilterWindow() time.Duration {
	return time.Duration(c.EventFilterWindowMs) * time.Millisecond
}

// RetryBudget is MaxRetries x RetryDelay (Open Question 1; see DESIGN.md).
func (c InvalidationConfig) RetryBudget() time.Duration {
	return time.Duration(c.MaxRetries) * c.RetryDelay()
}

// OptimizerConfig is the Request Optimizer (C5) configuration surface.
type OptimizerConfig struct {
	EnableDeduplication     bool `json:"enable_deduplication" yaml:"enable_deduplication" env:"OPTIMIZER_ENABLE_DEDUPLICATION"`
	DeduplicationWindowMs   int  `json:"deduplication_window_millis" yaml:"deduplication_window_millis" env:"OPTIMIZER_DEDUP_WINDOW_MILLIS"`
	EnableBatching          bool `json:"enable_batching" yaml:"enable_batching" env:"OPTIMIZER_ENABLE_BATCHING"`
	BatchSize               int  `json:"batch_size" yaml:"batch_size" env:"OPTIMIZER_BATCH_SIZE"`
	BatchWindowMillis       int  `json:"batch_window_millis" yaml:"batch_window_millis" env:"OPTIMIZER_BATCH_WINDOW_MILLIS"`
	MaxBatchWaitMillis      int  `json:"max_batch_wait_millis" yaml:"max_batch_wait_millis" env:"OPTIMIZER_MAX_BATCH_WAIT_MILLIS"`
	CORSOrigins             []string `json:"cors_origins" yaml:"cors_origins" env:"OPTIMIZER_CORS_ORIGINS"`
}

func (c OptimizerConfig) DeduplicationWindow() time.Duration {
	return time.Duration(c.DeduplicationWindowMs) * time.Millisecond
}
func (c OptimizerConfig) BatchWindow() time.Duration {
	return time.Duration(c.BatchWindowMillis) * time.Millisecond
}
func (c OptimizerConfig) MaxBatchWait() time.Duration {
	return time.Duration(c.MaxBatchWaitMillis) * time.Millisecond
}

// QueryMonitorConfig is the Query Performance Monitor (C6) configuration surface.
type QueryMonitorConfig struct {
	SamplingRate            float64 `json:"sampling_rate" yaml:"sampling_rate" env:"QUERYMON_SAMPLING_RATE"`
	SlowQueryThresholdMs    int     `json:"slow_query_threshold_millis" yaml:"slow_query_threshold_millis" env:"QUERYMON_SLOW_THRESHOLD_MILLIS"`
	VerySlowThresholdMs     int     `json:"very_slow_query_threshold_millis" yaml:"very_slow_query_threshold_millis" env:"QUERYMON_VERY_SLOW_THRESHOLD_MILLIS"`
	VotingThresholdMs       int     `json:"voting_query_threshold_millis" yaml:"voting_query_threshold_millis" env:"QUERYMON_VOTING_THRESHOLD_MILLIS"`
	LeaderboardThresholdMs  int     `json:"leaderboard_query_threshold_millis" yaml:"leaderboard_query_threshold_millis" env:"QUERYMON_LEADERBOARD_THRESHOLD_MILLIS"`
	TournamentThresholdMs   int     `json:"tournament_query_threshold_millis" yaml:"tournament_query_threshold_millis" env:"QUERYMON_TOURNAMENT_THRESHOLD_MILLIS"`
	EnableRegressionDetect  bool    `json:"enable_regression_detection" yaml:"enable_regression_detection" env:"QUERYMON_ENABLE_REGRESSION"`
	RegressionThreshold     float64 `json:"regression_threshold" yaml:"regression_threshold" env:"QUERYMON_REGRESSION_THRESHOLD"`
	AlertThreshold          int     `json:"alert_threshold" yaml:"alert_threshold" env:"QUERYMON_ALERT_THRESHOLD"`
	AlertWindowSeconds      int     `json:"alert_window_seconds" yaml:"alert_window_seconds" env:"QUERYMON_ALERT_WINDOW_SECONDS"`
	RetentionPeriodHours    int     `json:"retention_period_hours" yaml:"retention_period_hours" env:"QUERYMON_RETENTION_PERIOD_HOURS"`
	MaxStoredQueries        int     `json:"max_stored_queries" yaml:"max_stored_queries" env:"QUERYMON_MAX_STORED_QUERIES"`
}

func (c QueryMonitorConfig) SlowThreshold() time.Duration {
	return time.Duration(c.SlowQueryThresholdMs) * time.Millisecond
}
func (c QueryMonitorConfig) VerySlowThreshold() time.Duration {
	return time.Duration(c.VerySlowThresholdMs) * time.Millisecond
}
func (c QueryMonitorConfig) AlertWindow() time.Duration {
	return time.Duration(c.AlertWindowSeconds) * time.Second
}
func (c QueryMonitorConfig) RetentionPeriod() time.Duration {
	return time.Duration(c.RetentionPeriodHours) * time.Hour
}

// Config is the top-level configuration structure.
type Config struct {
	Server       ServerConfig       `json:"server" yaml:"server"`
	Logging      LoggingConfig      `json:"logging" yaml:"logging"`
	Redis        RedisConfig        `json:"redis" yaml:"redis"`
	Cache        CacheConfig        `json:"cache" yaml:"cache"`
	Invalidation InvalidationConfig `json:"invalidation" yaml:"invalidation"`
	Optimizer    OptimizerConfig    `json:"optimizer" yaml:"optimizer"`
	QueryMonitor QueryMonitorConfig `json:"query_monitor" yaml:"query_monitor"`
}

// New returns a configuration populated with the defaults named throughout spec §4.
func New() *Config {
	return &Config{
		Server: ServerConfig{
			Host:                  "0.0.0.0",
			Port:                  8080,
			KeepAliveSecs:         75,
			MaxSockets:            256,
			ShutdownTimeout:       5,
			RequestTimeoutSeconds: 30,
			MaxRequestBodyBytes:   8 << 20,
			RateLimitRPS:          50,
			RateLimitBurst:        100,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
		Redis: RedisConfig{
			Addr:        "localhost:6379",
			DB:          0,
			PoolMinSize: 10,
			PoolMaxSize: 50,
			AppPrefix:   "mlgclan",
		},
		Cache: CacheConfig{
			DefaultTTLSeconds:    300,
			ShortTTLSeconds:      5,
			LongTTLSeconds:       3600,
			MaxResponseSizeBytes: 1 << 20,
			CompressionThreshold: 1024,
			CompressionLevel:     6,
			EnableCompression:    true,
			EnableConditional:    true,
			L1MaxEntries:         10000,
			L1MaxEntryBytes:      64 * 1024,
			L1MaxTTLSeconds:      60,
			WarmingConcurrency:   5,
			WarmingQueueSize:     500,
		},
		Invalidation: InvalidationConfig{
			Enabled:                      true,
			BatchSize:                    100,
			BatchWindowMillis:            1000,
			DelayMillis:                  50,
			MaxRetries:                   3,
			RetryDelayMillis:             100,
			EnableEventFilter:            true,
			EventFilterWindowMs:          1000,
			DeadLetterCapacity:           1000,
			EnableAutoLeaderboardRefresh: false,
			AutoLeaderboardRefreshSecs:   30,
		},
		Optimizer: OptimizerConfig{
			EnableDeduplication:   true,
			DeduplicationWindowMs: 1000,
			EnableBatching:        false,
			BatchSize:             10,
			BatchWindowMillis:     100,
			MaxBatchWaitMillis:    500,
			CORSOrigins:           []string{},
		},
		QueryMonitor: QueryMonitorConfig{
			SamplingRate:           0.1,
			SlowQueryThresholdMs:   1000,
			VerySlowThresholdMs:    5000,
			VotingThresholdMs:      100,
			LeaderboardThresholdMs: 500,
			TournamentThresholdMs:  1000,
			EnableRegressionDetect: true,
			RegressionThreshold:    0.5,
			AlertThreshold:         10,
			AlertWindowSeconds:     300,
			RetentionPeriodHours:   24,
			MaxStoredQueries:       1000,
		},
	}
}

// Load loads configuration from an optional YAML file and environment variables.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := New()

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, err
		}
	} else {
		_ = loadFromFile("configs/config.yaml", cfg)
	}

	if err := envdecode.Decode(cfg); err != nil {
		// envdecode returns an error when no tagged fields are present in the
		// environment; treat that case as "no overrides" so local runs work
		// without exporting vars.
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("decode env: %w", err)
		}
	}

	return cfg, nil
}

// LoadFile reads configuration from a YAML file, starting from defaults.
func LoadFile(path string) (*Config, error) {
	cfg := New()
	if err := loadFromFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	expanded, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, cfg)
}
