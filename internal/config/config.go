package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	APIPort            string
	WorkerEnabled      bool   // Run the merge consumer and scene workers inside the API process
	BackendAPIKey      string // API key for /internal routes (empty = no auth, dev mode)
	CorsAllowedOrigins string // Comma-separated allowed origins (empty = *, dev mode)
	MetricsAddr        string // Listen address for the standalone merge worker's /metrics

	// Database
	DatabaseURL string

	// Redis
	RedisURL string

	// Storage
	StorageBackend string // "supabase" or "s3"

	// Supabase
	SupabaseURL           string
	SupabaseServiceKey    string
	SupabaseStorageBucket string

	// S3
	S3Bucket        string
	S3Endpoint      string // Optional, for S3-compatible stores
	S3PublicBaseURL string // Optional CDN base for public URLs
	AWSRegion       string
	AWSAccessKeyID  string
	AWSSecretKey    string

	// Scene generation
	GeminiKey string
	VeoModel  string
	OpenAIKey string // Scene planning from a brief; optional when requests carry explicit scenes

	// Identity
	AuthJWTSecret string

	// Merge callback
	CallbackURL    string
	CallbackSecret string

	// Merge worker
	MergeTimeout        time.Duration
	DownloadConcurrency int
	DownloadRetries     int
	CrossfadeSeconds    float64
	SilenceNoiseDB      float64
	SilenceMinSeconds   float64
	SilenceTailPad      float64

	// Sweeper
	StitchingTimeout  time.Duration
	GenerationTimeout time.Duration
	SweepInterval     time.Duration

	// Credits
	UpsellCreditThreshold int
	PrimaryJobCost        int
	SecondaryJobCost      int

	// Worker
	MaxConcurrentJobs int
}

// Load reads the API process configuration.
func Load() (*Config, error) {
	cfg := load()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadMergeWorker reads the configuration of the standalone merge worker,
// which needs storage and the callback but no database or identity keys.
func LoadMergeWorker() (*Config, error) {
	cfg := load()
	if err := cfg.validateMerge(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func load() *Config {
	// Load .env file if it exists (ignore error in production)
	_ = godotenv.Load()

	return &Config{
		APIPort:               getEnv("API_PORT", "8080"),
		WorkerEnabled:         getEnvBool("WORKER_ENABLED", true),
		BackendAPIKey:         getEnv("BACKEND_API_KEY", ""),
		CorsAllowedOrigins:    getEnv("CORS_ALLOWED_ORIGINS", ""),
		MetricsAddr:           getEnv("METRICS_ADDR", ":9090"),
		DatabaseURL:           getEnv("DATABASE_URL", ""),
		RedisURL:              getEnv("REDIS_URL", "redis://localhost:6379"),
		StorageBackend:        strings.ToLower(getEnv("STORAGE_BACKEND", "supabase")),
		SupabaseURL:           getEnv("SUPABASE_URL", ""),
		SupabaseServiceKey:    getEnv("SUPABASE_SERVICE_KEY", ""),
		SupabaseStorageBucket: getEnv("SUPABASE_STORAGE_BUCKET", "adreel-videos"),
		S3Bucket:              getEnv("S3_BUCKET", ""),
		S3Endpoint:            getEnv("S3_ENDPOINT", ""),
		S3PublicBaseURL:       getEnv("S3_PUBLIC_BASE_URL", ""),
		AWSRegion:             getEnv("AWS_REGION", "us-east-1"),
		AWSAccessKeyID:        getEnv("AWS_ACCESS_KEY_ID", ""),
		AWSSecretKey:          getEnv("AWS_SECRET_ACCESS_KEY", ""),
		GeminiKey:             getEnv("GEMINI_API_KEY", ""),
		VeoModel:              getEnv("VEO_MODEL", "veo-3.1-generate-preview"),
		OpenAIKey:             getEnv("OPENAI_API_KEY", ""),
		AuthJWTSecret:         getEnv("AUTH_JWT_SECRET", ""),
		CallbackURL:           getEnv("CALLBACK_URL", "http://localhost:8080/callbacks/merge"),
		CallbackSecret:        getEnv("CALLBACK_SECRET", ""),
		MergeTimeout:          getEnvDuration("MERGE_TIMEOUT", 10*time.Minute),
		DownloadConcurrency:   getEnvInt("DOWNLOAD_CONCURRENCY", 4),
		DownloadRetries:       getEnvInt("DOWNLOAD_RETRIES", 3),
		CrossfadeSeconds:      getEnvFloat("CROSSFADE_SECONDS", 0.5),
		SilenceNoiseDB:        getEnvFloat("SILENCE_NOISE_DB", -35),
		SilenceMinSeconds:     getEnvFloat("SILENCE_MIN_SECONDS", 0.4),
		SilenceTailPad:        getEnvFloat("SILENCE_TAIL_PAD", 0.15),
		StitchingTimeout:      getEnvDuration("STITCHING_TIMEOUT", 20*time.Minute),
		GenerationTimeout:     getEnvDuration("GENERATION_TIMEOUT", time.Hour),
		SweepInterval:         getEnvDuration("SWEEP_INTERVAL", time.Minute),
		UpsellCreditThreshold: getEnvInt("UPSELL_CREDIT_THRESHOLD", 10),
		PrimaryJobCost:        getEnvInt("PRIMARY_JOB_COST", 1),
		SecondaryJobCost:      getEnvInt("SECONDARY_JOB_COST", 1),
		MaxConcurrentJobs:     getEnvInt("MAX_CONCURRENT_JOBS", 5),
	}
}

// Validate checks required fields and value ranges.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.AuthJWTSecret == "" {
		return fmt.Errorf("AUTH_JWT_SECRET is required")
	}

	if c.WorkerEnabled && c.GeminiKey == "" {
		return fmt.Errorf("GEMINI_API_KEY is required when WORKER_ENABLED is set")
	}

	if c.StitchingTimeout <= 0 || c.GenerationTimeout <= 0 {
		return fmt.Errorf("STITCHING_TIMEOUT and GENERATION_TIMEOUT must be positive")
	}
	if c.PrimaryJobCost < 0 || c.SecondaryJobCost < 0 {
		return fmt.Errorf("job costs must not be negative")
	}

	return c.validateMerge()
}

func (c *Config) validateMerge() error {
	if c.CallbackSecret == "" {
		return fmt.Errorf("CALLBACK_SECRET is required")
	}

	switch c.StorageBackend {
	case "supabase":
		if c.SupabaseURL == "" || c.SupabaseServiceKey == "" {
			return fmt.Errorf("SUPABASE_URL and SUPABASE_SERVICE_KEY are required")
		}
	case "s3":
		if c.S3Bucket == "" {
			return fmt.Errorf("S3_BUCKET is required when STORAGE_BACKEND=s3")
		}
	default:
		return fmt.Errorf("unknown STORAGE_BACKEND %q (want supabase or s3)", c.StorageBackend)
	}

	if c.DownloadConcurrency < 1 {
		return fmt.Errorf("DOWNLOAD_CONCURRENCY must be at least 1")
	}
	if c.DownloadRetries < 0 {
		return fmt.Errorf("DOWNLOAD_RETRIES must not be negative")
	}
	if c.CrossfadeSeconds < 0 {
		return fmt.Errorf("CROSSFADE_SECONDS must not be negative")
	}
	if c.SilenceTailPad < 0 || c.SilenceMinSeconds <= 0 {
		return fmt.Errorf("SILENCE_TAIL_PAD must be >= 0 and SILENCE_MIN_SECONDS > 0")
	}
	if c.MergeTimeout <= 0 {
		return fmt.Errorf("MERGE_TIMEOUT must be positive")
	}

	return nil
}

// Bucket returns the bucket of the configured storage backend.
func (c *Config) Bucket() string {
	if c.StorageBackend == "s3" {
		return c.S3Bucket
	}
	return c.SupabaseStorageBucket
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		b, err := strconv.ParseBool(value)
		if err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		i, err := strconv.Atoi(value)
		if err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		f, err := strconv.ParseFloat(value, 64)
		if err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("90s") or a bare number of seconds.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
		if secs, err := strconv.Atoi(value); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultValue
}
