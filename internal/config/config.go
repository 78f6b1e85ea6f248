// Package config reads application configuration from environment variables
// with sensible defaults, validated at load time.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Backend kinds.
const (
	BackendEmbedded = "embedded"
	BackendPooled   = "pooled"
)

// DatabaseConfig selects and parameterizes the backend.
type DatabaseConfig struct {
	Backend string // embedded | pooled

	// Embedded backend.
	Path string

	// Pooled backend. URL wins over the discrete fields when set.
	URL      string
	Host     string
	Port     int
	Database string
	User     string
	Password string

	PoolSize       int
	ConnectTimeout time.Duration
	QueryTimeout   time.Duration
	TLSEnabled     bool
	TLSCertPath    string
}

// WriteConfig tunes the write path.
type WriteConfig struct {
	BatchSize           int
	MaxConcurrentWrites int
	WriteTimeout        time.Duration
	BatchingEnabled     bool
}

// RetentionConfig controls age-based cleanup.
type RetentionConfig struct {
	MaxGameAgeDays     int // 0 disables age-based cleanup
	MaxGamesPerPlayer  int // 0 disables
	AutoCleanupEnabled bool
	CleanupInterval    time.Duration
}

// BackupConfig controls the JSON archive writer.
type BackupConfig struct {
	Enabled       bool
	Interval      time.Duration
	RetentionDays int
	Path          string
	Compression   bool
}

// CollectorConfig tunes the event collector.
type CollectorConfig struct {
	Enabled                 bool
	CollectMoveData         bool
	CollectRethinkData      bool
	CollectTimingData       bool
	CollectLLMResponses     bool
	MaxCollectionLatency    time.Duration
	AsyncProcessing         bool
	QueueSize               int
	WorkerThreads           int
	MinGameLength           int
	MaxGameLength           int
	SampleRate              float64
	MoveSampleRate          float64
	MaxRetryAttempts        int
	RetryDelay              time.Duration
	ContinueOnCollectionErr bool
}

// StatsConfig holds the rating parameters.
type StatsConfig struct {
	DefaultRating float64
	KFactor       float64
	CacheSize     int
	CacheTTL      time.Duration
}

// Config is the root configuration record.
type Config struct {
	Port      string
	Database  DatabaseConfig
	Writes    WriteConfig
	Retention RetentionConfig
	Backup    BackupConfig
	Collector CollectorConfig
	Stats     StatsConfig
}

// Load reads configuration from environment variables and validates it.
func Load() (*Config, error) {
	cfg := &Config{
		Port: envStr("PORT", "8080"),
		Database: DatabaseConfig{
			Backend:        envStr("DB_BACKEND", BackendEmbedded),
			Path:           envStr("DB_PATH", "telemetry.db"),
			URL:            os.Getenv("DATABASE_URL"),
			Host:           envStr("DB_HOST", "localhost"),
			Port:           envInt("DB_PORT", 5432),
			Database:       envStr("DB_NAME", "chess_telemetry"),
			User:           envStr("DB_USER", "postgres"),
			Password:       os.Getenv("DB_PASSWORD"),
			PoolSize:       envInt("DB_POOL_SIZE", 10),
			ConnectTimeout: envDur("DB_CONNECT_TIMEOUT", 10*time.Second),
			QueryTimeout:   envDur("DB_QUERY_TIMEOUT", 30*time.Second),
			TLSEnabled:     envBool("DB_TLS_ENABLED", false),
			TLSCertPath:    os.Getenv("DB_TLS_CERT_PATH"),
		},
		Writes: WriteConfig{
			BatchSize:           envInt("WRITE_BATCH_SIZE", 50),
			MaxConcurrentWrites: envInt("WRITE_MAX_CONCURRENT", 4),
			WriteTimeout:        envDur("WRITE_TIMEOUT", 30*time.Second),
			BatchingEnabled:     envBool("WRITE_BATCHING_ENABLED", true),
		},
		Retention: RetentionConfig{
			MaxGameAgeDays:     envInt("RETENTION_MAX_GAME_AGE_DAYS", 0),
			MaxGamesPerPlayer:  envInt("RETENTION_MAX_GAMES_PER_PLAYER", 0),
			AutoCleanupEnabled: envBool("RETENTION_AUTO_CLEANUP", false),
			CleanupInterval:    time.Duration(envInt("RETENTION_CLEANUP_INTERVAL_HOURS", 24)) * time.Hour,
		},
		Backup: BackupConfig{
			Enabled:       envBool("BACKUP_ENABLED", false),
			Interval:      time.Duration(envInt("BACKUP_INTERVAL_HOURS", 24)) * time.Hour,
			RetentionDays: envInt("BACKUP_RETENTION_DAYS", 30),
			Path:          envStr("BACKUP_PATH", "backups"),
			Compression:   envBool("BACKUP_COMPRESSION", true),
		},
		Collector: CollectorConfig{
			Enabled:                 envBool("COLLECTOR_ENABLED", true),
			CollectMoveData:         envBool("COLLECTOR_MOVE_DATA", true),
			CollectRethinkData:      envBool("COLLECTOR_RETHINK_DATA", true),
			CollectTimingData:       envBool("COLLECTOR_TIMING_DATA", true),
			CollectLLMResponses:     envBool("COLLECTOR_LLM_RESPONSES", true),
			MaxCollectionLatency:    time.Duration(envInt("COLLECTOR_MAX_LATENCY_MS", 50)) * time.Millisecond,
			AsyncProcessing:         envBool("COLLECTOR_ASYNC", true),
			QueueSize:               envInt("COLLECTOR_QUEUE_SIZE", 1000),
			WorkerThreads:           envInt("COLLECTOR_WORKERS", 2),
			MinGameLength:           envInt("COLLECTOR_MIN_GAME_LENGTH", 0),
			MaxGameLength:           envInt("COLLECTOR_MAX_GAME_LENGTH", 0),
			SampleRate:              envFloat("COLLECTOR_SAMPLE_RATE", 1.0),
			MoveSampleRate:          envFloat("COLLECTOR_MOVE_SAMPLE_RATE", 1.0),
			MaxRetryAttempts:        envInt("COLLECTOR_MAX_RETRIES", 3),
			RetryDelay:              time.Duration(envFloat("COLLECTOR_RETRY_DELAY_SECONDS", 1)*1000) * time.Millisecond,
			ContinueOnCollectionErr: envBool("COLLECTOR_CONTINUE_ON_ERROR", true),
		},
		Stats: StatsConfig{
			DefaultRating: envFloat("STATS_DEFAULT_RATING", 1200),
			KFactor:       envFloat("STATS_K_FACTOR", 32),
			CacheSize:     envInt("STATS_CACHE_SIZE", 1024),
			CacheTTL:      envDur("STATS_CACHE_TTL", 5*time.Minute),
		},
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects out-of-range and unknown option values.
func (c *Config) Validate() error {
	switch c.Database.Backend {
	case BackendEmbedded, BackendPooled:
	default:
		return fmt.Errorf("unknown database backend %q", c.Database.Backend)
	}
	if c.Database.Backend == BackendEmbedded && c.Database.Path == "" {
		return fmt.Errorf("embedded backend requires DB_PATH")
	}
	if c.Database.PoolSize < 1 {
		return fmt.Errorf("pool size must be >= 1, got %d", c.Database.PoolSize)
	}
	if c.Collector.QueueSize < 1 {
		return fmt.Errorf("collector queue size must be >= 1, got %d", c.Collector.QueueSize)
	}
	if c.Collector.WorkerThreads < 0 {
		return fmt.Errorf("collector worker threads must be >= 0, got %d", c.Collector.WorkerThreads)
	}
	if c.Collector.SampleRate < 0 || c.Collector.SampleRate > 1 {
		return fmt.Errorf("sample rate must be in [0,1], got %v", c.Collector.SampleRate)
	}
	if c.Collector.MoveSampleRate < 0 || c.Collector.MoveSampleRate > 1 {
		return fmt.Errorf("move sample rate must be in [0,1], got %v", c.Collector.MoveSampleRate)
	}
	if c.Collector.MaxRetryAttempts < 0 {
		return fmt.Errorf("max retry attempts must be >= 0, got %d", c.Collector.MaxRetryAttempts)
	}
	if c.Stats.DefaultRating <= 0 {
		return fmt.Errorf("default rating must be positive, got %v", c.Stats.DefaultRating)
	}
	if c.Stats.KFactor <= 0 {
		return fmt.Errorf("k-factor must be positive, got %v", c.Stats.KFactor)
	}
	return nil
}

// ConnString assembles the postgres connection string for the pooled backend.
func (d *DatabaseConfig) ConnString() string {
	if d.URL != "" {
		return d.URL
	}
	sslmode := "disable"
	if d.TLSEnabled {
		sslmode = "verify-full"
	}
	s := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Database, sslmode)
	if d.TLSEnabled && d.TLSCertPath != "" {
		s += "&sslrootcert=" + d.TLSCertPath
	}
	return s
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func envBool(key string, def bool) bool {
	v := strings.ToLower(os.Getenv(key))
	switch v {
	case "":
		return def
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func envDur(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
