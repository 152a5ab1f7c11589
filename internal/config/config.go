package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the adbatch server and worker.
type Config struct {
	Server      ServerConfig
	Database    DatabaseConfig
	Redis       RedisConfig
	Provider    ProviderConfig
	Pipeline    PipelineConfig
	Credentials CredentialsConfig
}

type ServerConfig struct {
	Port               int
	Env                string
	RateLimitPerMinute int
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL       string
	QueueName string
}

type ProviderConfig struct {
	Name    string
	BaseURL string
	Timeout time.Duration
	Breaker BreakerConfig
}

type BreakerConfig struct {
	FailureRatio float64
	MinRequests  int
	OpenTimeout  time.Duration
}

// PipelineConfig tunes the batch pipeline. Zero values are replaced by defaults.
type PipelineConfig struct {
	WaveSize          int
	MaxRetries        int
	PollInterval      time.Duration
	PollBudget        time.Duration
	StaleAfter        time.Duration
	CleanupGrace      time.Duration
	SweepSchedule     string
	WorkerConcurrency int
}

type CredentialsConfig struct {
	// Key is the 32-byte secretbox key used to seal provider API keys at rest.
	Key []byte
}

// Pipeline defaults.
const (
	DefaultWaveSize          = 5
	DefaultMaxRetries        = 3
	DefaultPollInterval      = 3 * time.Second
	DefaultPollBudget        = 2 * time.Minute
	DefaultStaleAfter        = 5 * time.Minute
	DefaultCleanupGrace      = 30 * time.Second
	DefaultSweepSchedule     = "@every 30s"
	DefaultWorkerConcurrency = 4
)

// DefaultPipeline returns the pipeline configuration used when nothing is overridden.
func DefaultPipeline() PipelineConfig {
	return PipelineConfig{
		WaveSize:          DefaultWaveSize,
		MaxRetries:        DefaultMaxRetries,
		PollInterval:      DefaultPollInterval,
		PollBudget:        DefaultPollBudget,
		StaleAfter:        DefaultStaleAfter,
		CleanupGrace:      DefaultCleanupGrace,
		SweepSchedule:     DefaultSweepSchedule,
		WorkerConcurrency: DefaultWorkerConcurrency,
	}
}

// WithDefaults fills zero fields with their defaults.
func (p PipelineConfig) WithDefaults() PipelineConfig {
	d := DefaultPipeline()
	if p.WaveSize <= 0 {
		p.WaveSize = d.WaveSize
	}
	if p.MaxRetries <= 0 {
		p.MaxRetries = d.MaxRetries
	}
	if p.PollInterval <= 0 {
		p.PollInterval = d.PollInterval
	}
	if p.PollBudget <= 0 {
		p.PollBudget = d.PollBudget
	}
	if p.StaleAfter <= 0 {
		p.StaleAfter = d.StaleAfter
	}
	if p.CleanupGrace <= 0 {
		p.CleanupGrace = d.CleanupGrace
	}
	if p.SweepSchedule == "" {
		p.SweepSchedule = d.SweepSchedule
	}
	if p.WorkerConcurrency <= 0 {
		p.WorkerConcurrency = d.WorkerConcurrency
	}
	return p
}

// Load reads configuration from environment variables and returns a validated Config.
// A .env file in the working directory, when present, seeds variables that are not already set.
func Load() (*Config, error) {
	_ = godotenv.Load()

	keyHex := strings.TrimSpace(os.Getenv("CREDENTIALS_KEY"))

	cfg := &Config{
		Server: ServerConfig{
			Port:               envInt("ADBATCH_PORT", 8080),
			Env:                envString("ADBATCH_ENV", "development"),
			RateLimitPerMinute: envInt("RATE_LIMIT_PER_MINUTE", 60),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL:       os.Getenv("REDIS_URL"),
			QueueName: envString("JOB_QUEUE_NAME", "adbatch:jobs"),
		},
		Provider: ProviderConfig{
			Name:    envString("PROVIDER_NAME", "imagegen"),
			BaseURL: os.Getenv("PROVIDER_BASE_URL"),
			Timeout: envDuration("PROVIDER_TIMEOUT", 30*time.Second),
			Breaker: BreakerConfig{
				FailureRatio: envFloat("PROVIDER_BREAKER_FAILURE_RATIO", 0.6),
				MinRequests:  envInt("PROVIDER_BREAKER_MIN_REQUESTS", 5),
				OpenTimeout:  envDuration("PROVIDER_BREAKER_OPEN_TIMEOUT", 30*time.Second),
			},
		},
		Pipeline: PipelineConfig{
			WaveSize:          envInt("PIPELINE_WAVE_SIZE", DefaultWaveSize),
			MaxRetries:        envInt("PIPELINE_MAX_RETRIES", DefaultMaxRetries),
			PollInterval:      envDuration("PIPELINE_POLL_INTERVAL", DefaultPollInterval),
			PollBudget:        envDuration("PIPELINE_POLL_BUDGET", DefaultPollBudget),
			StaleAfter:        envDuration("PIPELINE_STALE_AFTER", DefaultStaleAfter),
			CleanupGrace:      envDuration("PIPELINE_CLEANUP_GRACE", DefaultCleanupGrace),
			SweepSchedule:     envString("PIPELINE_SWEEP_SCHEDULE", DefaultSweepSchedule),
			WorkerConcurrency: envInt("WORKER_CONCURRENCY", DefaultWorkerConcurrency),
		},
	}

	if err := cfg.validate(keyHex); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate(keyHex string) error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.Provider.BaseURL == "" {
		return fmt.Errorf("PROVIDER_BASE_URL is required")
	}
	if !strings.HasPrefix(c.Provider.BaseURL, "http://") && !strings.HasPrefix(c.Provider.BaseURL, "https://") {
		return fmt.Errorf("PROVIDER_BASE_URL must start with http:// or https://, got %q", c.Provider.BaseURL)
	}
	if c.Provider.Breaker.FailureRatio <= 0 || c.Provider.Breaker.FailureRatio > 1 {
		return fmt.Errorf("PROVIDER_BREAKER_FAILURE_RATIO must be in (0, 1], got %v", c.Provider.Breaker.FailureRatio)
	}

	if c.Pipeline.WaveSize <= 0 {
		return fmt.Errorf("PIPELINE_WAVE_SIZE must be positive, got %d", c.Pipeline.WaveSize)
	}
	if c.Pipeline.MaxRetries <= 0 {
		return fmt.Errorf("PIPELINE_MAX_RETRIES must be positive, got %d", c.Pipeline.MaxRetries)
	}
	if c.Pipeline.PollInterval <= 0 || c.Pipeline.PollBudget < c.Pipeline.PollInterval {
		return fmt.Errorf("PIPELINE_POLL_BUDGET (%s) must be at least PIPELINE_POLL_INTERVAL (%s)",
			c.Pipeline.PollBudget, c.Pipeline.PollInterval)
	}
	// A processing item may spend a submit timeout, the poll budget and a final
	// status fetch before it settles, so the sweeper must wait longer than that.
	if busy := c.Pipeline.PollBudget + 2*c.Provider.Timeout; c.Pipeline.StaleAfter <= busy {
		return fmt.Errorf("PIPELINE_STALE_AFTER (%s) must exceed PIPELINE_POLL_BUDGET plus twice PROVIDER_TIMEOUT (%s)",
			c.Pipeline.StaleAfter, busy)
	}

	if keyHex == "" {
		return fmt.Errorf("CREDENTIALS_KEY is required")
	}
	key, err := hex.DecodeString(keyHex)
	if err != nil || len(key) != 32 {
		return fmt.Errorf("CREDENTIALS_KEY must be 64 hex characters")
	}
	c.Credentials.Key = key

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
