package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the inferencehub server.
type Config struct {
	Server    ServerConfig
	Store     StoreConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Inference InferenceConfig
	Balancer  BalancerConfig
	Cache     CacheConfig
	FineTune  FineTuneConfig
	Artifacts ArtifactsConfig
	RateLimit RateLimitConfig
	Fleet     FleetConfig
}

type ServerConfig struct {
	Port int
	Env  string
}

type StoreConfig struct {
	Backend string
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL string
}

type InferenceConfig struct {
	DefaultModel   string
	RequestTimeout time.Duration
}

type BalancerConfig struct {
	Strategy            string
	HealthCheckInterval time.Duration
	MetricsInterval     time.Duration
	ProbeTimeout        time.Duration
}

type CacheConfig struct {
	Enabled             bool
	TTL                 time.Duration
	SimilarityThreshold float64
	EvictionInterval    time.Duration
	Embedder            string
	EmbeddingDim        int
}

type FineTuneConfig struct {
	PollInterval  time.Duration
	ErrorBackoff  time.Duration
	TrainingSteps int
	StepDuration  time.Duration
}

type ArtifactsConfig struct {
	Backend string
	Root    string
	MinIO   MinIOConfig
}

type MinIOConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

type RateLimitConfig struct {
	RequestsPerMinute int
}

type FleetConfig struct {
	File string
}

var validStrategies = map[string]bool{
	"round_robin": true,
	"least_load":  true,
	"gpu_memory":  true,
}

var validEmbedders = map[string]bool{
	"token_hash": true,
	"digest":     true,
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port: envInt("INFERENCEHUB_PORT", 8080),
			Env:  envString("INFERENCEHUB_ENV", "development"),
		},
		Store: StoreConfig{
			Backend: envString("STORE_BACKEND", "postgres"),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Inference: InferenceConfig{
			DefaultModel:   envString("LLM_DEFAULT_MODEL", "mistral-7b"),
			RequestTimeout: envDurationSecs("LLM_REQUEST_TIMEOUT_SECS", 30*time.Second),
		},
		Balancer: BalancerConfig{
			Strategy:            envString("LOAD_BALANCER_STRATEGY", "round_robin"),
			HealthCheckInterval: envDuration("HEALTH_CHECK_INTERVAL", 60*time.Second),
			MetricsInterval:     envDuration("METRICS_INTERVAL", 30*time.Second),
			ProbeTimeout:        envDuration("PROBE_TIMEOUT", 5*time.Second),
		},
		Cache: CacheConfig{
			Enabled:             envBool("CACHE_ENABLED", true),
			TTL:                 envDurationSecs("CACHE_EXPIRY_SECS", 3600*time.Second),
			SimilarityThreshold: envFloat("CACHE_SIMILARITY_THRESHOLD", 0.95),
			EvictionInterval:    envDuration("CACHE_EVICTION_INTERVAL", time.Hour),
			Embedder:            envString("CACHE_EMBEDDER", "token_hash"),
			EmbeddingDim:        envInt("CACHE_EMBEDDING_DIM", 128),
		},
		FineTune: FineTuneConfig{
			PollInterval:  envDuration("FINETUNE_POLL_INTERVAL", 10*time.Second),
			ErrorBackoff:  envDuration("FINETUNE_ERROR_BACKOFF", 30*time.Second),
			TrainingSteps: envInt("FINETUNE_TRAINING_STEPS", 10),
			StepDuration:  envDuration("FINETUNE_STEP_DURATION", 2*time.Second),
		},
		Artifacts: ArtifactsConfig{
			Backend: envString("ARTIFACT_BACKEND", "local"),
			Root:    envString("ARTIFACT_ROOT", "./fine_tuned_models"),
			MinIO: MinIOConfig{
				Endpoint:  os.Getenv("MINIO_ENDPOINT"),
				AccessKey: os.Getenv("MINIO_ACCESS_KEY"),
				SecretKey: os.Getenv("MINIO_SECRET_KEY"),
				Bucket:    envString("MINIO_BUCKET", "inferencehub-artifacts"),
				UseSSL:    envBool("MINIO_USE_SSL", false),
			},
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: envInt("RATE_LIMIT_RPM", 60),
		},
		Fleet: FleetConfig{
			File: os.Getenv("FLEET_FILE"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Store.Backend {
	case "postgres":
		if c.Database.URL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_BACKEND is postgres")
		}
		if !strings.HasPrefix(c.Database.URL, "postgres://") && !strings.HasPrefix(c.Database.URL, "postgresql://") {
			return fmt.Errorf("DATABASE_URL must start with postgres:// or postgresql://, got %q", c.Database.URL)
		}
	case "memory":
	default:
		return fmt.Errorf("STORE_BACKEND must be one of postgres, memory; got %q", c.Store.Backend)
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.Inference.DefaultModel == "" {
		return fmt.Errorf("LLM_DEFAULT_MODEL must not be empty")
	}
	if c.Inference.RequestTimeout <= 0 {
		return fmt.Errorf("LLM_REQUEST_TIMEOUT_SECS must be positive")
	}

	if !validStrategies[c.Balancer.Strategy] {
		return fmt.Errorf("LOAD_BALANCER_STRATEGY must be one of round_robin, least_load, gpu_memory; got %q", c.Balancer.Strategy)
	}

	if c.Cache.SimilarityThreshold <= 0 || c.Cache.SimilarityThreshold > 1 {
		return fmt.Errorf("CACHE_SIMILARITY_THRESHOLD must be in (0, 1]; got %v", c.Cache.SimilarityThreshold)
	}
	if c.Cache.TTL <= 0 {
		return fmt.Errorf("CACHE_EXPIRY_SECS must be positive")
	}
	if !validEmbedders[c.Cache.Embedder] {
		return fmt.Errorf("CACHE_EMBEDDER must be one of token_hash, digest; got %q", c.Cache.Embedder)
	}

	if c.FineTune.TrainingSteps <= 0 {
		return fmt.Errorf("FINETUNE_TRAINING_STEPS must be positive")
	}

	switch c.Artifacts.Backend {
	case "local":
	case "minio":
		if c.Artifacts.MinIO.Endpoint == "" {
			return fmt.Errorf("MINIO_ENDPOINT is required when ARTIFACT_BACKEND is minio")
		}
	default:
		return fmt.Errorf("ARTIFACT_BACKEND must be one of local, minio; got %q", c.Artifacts.Backend)
	}

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

func envBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
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

func envDurationSecs(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return time.Duration(secs) * time.Second
}
