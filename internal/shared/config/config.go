package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds application configuration. It is built once by Load and passed
// to constructors; nothing downstream reads the environment directly.
type Config struct {
	Env             string   `yaml:"env"`
	Port            string   `yaml:"port"`
	CORSAllowOrigin []string `yaml:"cors_allow_origins"`
	DatabaseURL     string   `yaml:"database_url"`

	ObjectStoreType string `yaml:"object_store"`
	LocalStoreDir   string `yaml:"local_store_dir"`
	AWSRegion       string `yaml:"aws_region"`
	S3Bucket        string `yaml:"s3_bucket"`
	S3Prefix        string `yaml:"s3_prefix"`
	SSEKMSKeyID     string `yaml:"sse_kms_key_id"`

	LLM      LLMConfig      `yaml:"llm"`
	Analysis AnalysisConfig `yaml:"analysis"`
	Queue    QueueConfig    `yaml:"queue"`
	Redis    RedisConfig    `yaml:"redis"`
	Events   EventsConfig   `yaml:"events"`
	Auth     AuthConfig     `yaml:"auth"`
	Log      LogConfig      `yaml:"log"`
}

// LLMConfig selects and tunes the external analysis provider.
type LLMConfig struct {
	Provider       string        `yaml:"provider"`
	Model          string        `yaml:"model"`
	APIKey         string        `yaml:"api_key"`
	BaseURL        string        `yaml:"base_url"`
	Timeout        time.Duration `yaml:"timeout"`
	MaxRetries     int           `yaml:"max_retries"`
	RetryBaseDelay time.Duration `yaml:"retry_base_delay"`
}

// AnalysisConfig bounds uploads and controls chunking.
type AnalysisConfig struct {
	MaxFileBytes         int64 `yaml:"max_file_bytes"`
	MaxPagesPerChunk     int   `yaml:"max_pages_per_chunk"`
	ChunkConcurrency     int   `yaml:"chunk_concurrency"`
	SyncMaxBytes         int64 `yaml:"sync_max_bytes"`
	BytesPerPageEstimate int64 `yaml:"bytes_per_page_estimate"`

	// LeaseTTL bounds how long a crashed worker keeps a job claimed.
	LeaseTTL time.Duration `yaml:"lease_ttl"`
}

// QueueConfig selects between the in-process pool and SQS.
type QueueConfig struct {
	URL               string        `yaml:"url"`
	Region            string        `yaml:"region"`
	WorkerConcurrency int           `yaml:"worker_concurrency"`
	LocalBuffer       int           `yaml:"local_buffer"`
	VisibilitySeconds int           `yaml:"visibility_seconds"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

// RedisConfig enables the job cache and the status bus when Addr is set.
type RedisConfig struct {
	Addr          string        `yaml:"addr"`
	Password      string        `yaml:"password"`
	DB            int           `yaml:"db"`
	CacheTTL      time.Duration `yaml:"cache_ttl"`
	ChannelPrefix string        `yaml:"channel_prefix"`
}

// EventsConfig tunes the SSE status stream.
type EventsConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	Heartbeat    time.Duration `yaml:"heartbeat"`
}

// AuthConfig holds the shared secret used to verify bearer tokens.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// LogConfig controls telemetry output.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

const (
	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"
)

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		Env:             "dev",
		Port:            "8080",
		CORSAllowOrigin: []string{"http://localhost:5173"},
		ObjectStoreType: "local",
		LocalStoreDir:   "./data",
		LLM: LLMConfig{
			Provider:       ProviderOpenAI,
			Timeout:        120 * time.Second,
			MaxRetries:     2,
			RetryBaseDelay: 300 * time.Millisecond,
		},
		Analysis: AnalysisConfig{
			MaxFileBytes:         50 << 20,
			MaxPagesPerChunk:     40,
			ChunkConcurrency:     1,
			SyncMaxBytes:         256 << 10,
			BytesPerPageEstimate: 100 << 10,
			LeaseTTL:             2 * time.Minute,
		},
		Queue: QueueConfig{
			Region:            "us-east-1",
			WorkerConcurrency: 4,
			LocalBuffer:       64,
			VisibilitySeconds: 1200,
			ShutdownTimeout:   30 * time.Second,
		},
		Redis: RedisConfig{
			CacheTTL:      30 * time.Second,
			ChannelPrefix: "t3rms:jobs",
		},
		Events: EventsConfig{
			PollInterval: 2 * time.Second,
			Heartbeat:    15 * time.Second,
		},
		Log: LogConfig{Level: "info", Format: "json"},
	}
}

// Load reads configuration: defaults, then an optional YAML file, then
// environment variables.
func Load() Config {
	// Best-effort load of local env files for dev convenience.
	loadEnvFiles(".env", "cmd/.env")

	cfg := Default()
	if path := configFilePath(); path != "" {
		if err := loadYAML(path, &cfg); err != nil {
			fmt.Fprintf(os.Stderr, "config: ignoring %s: %v\n", path, err)
		}
	}
	applyEnv(&cfg)
	return cfg
}

func applyEnv(cfg *Config) {
	cfg.Env = normalizeEnv(getEnv("ENV", cfg.Env))
	cfg.Port = getEnv("PORT", cfg.Port)
	if raw := os.Getenv("CORS_ALLOW_ORIGINS"); raw != "" {
		cfg.CORSAllowOrigin = splitAndTrim(raw)
	}
	cfg.DatabaseURL = getEnv("DATABASE_URL", cfg.DatabaseURL)

	cfg.ObjectStoreType = normalizeStoreType(getEnv("OBJECT_STORE", cfg.ObjectStoreType))
	cfg.LocalStoreDir = getEnv("LOCAL_STORE_DIR", cfg.LocalStoreDir)
	cfg.AWSRegion = getEnv("AWS_REGION", cfg.AWSRegion)
	cfg.S3Bucket = getEnv("S3_BUCKET", cfg.S3Bucket)
	cfg.S3Prefix = getEnv("S3_PREFIX", cfg.S3Prefix)
	cfg.SSEKMSKeyID = getEnv("SSE_KMS_KEY_ID", cfg.SSEKMSKeyID)

	cfg.LLM.Provider = strings.ToLower(strings.TrimSpace(getEnv("LLM_PROVIDER", cfg.LLM.Provider)))
	cfg.LLM.Model = getEnv("LLM_MODEL", cfg.LLM.Model)
	cfg.LLM.BaseURL = getEnv("LLM_BASE_URL", cfg.LLM.BaseURL)
	cfg.LLM.APIKey = getEnv("LLM_API_KEY", cfg.LLM.APIKey)
	if cfg.LLM.APIKey == "" {
		switch cfg.LLM.Provider {
		case ProviderOpenAI:
			cfg.LLM.APIKey = os.Getenv("OPENAI_API_KEY")
		case ProviderGemini:
			cfg.LLM.APIKey = os.Getenv("GEMINI_API_KEY")
		}
	}
	cfg.LLM.Timeout = getEnvDuration("LLM_TIMEOUT", cfg.LLM.Timeout)
	cfg.LLM.MaxRetries = getEnvInt("LLM_MAX_RETRIES", cfg.LLM.MaxRetries)
	cfg.LLM.RetryBaseDelay = getEnvDuration("LLM_RETRY_BASE_DELAY", cfg.LLM.RetryBaseDelay)
	if cfg.LLM.Model == "" {
		cfg.LLM.Model = defaultModel(cfg.LLM.Provider)
	}

	cfg.Analysis.MaxFileBytes = getEnvInt64("MAX_FILE_BYTES", cfg.Analysis.MaxFileBytes)
	cfg.Analysis.MaxPagesPerChunk = getEnvInt("MAX_PAGES_PER_CHUNK", cfg.Analysis.MaxPagesPerChunk)
	cfg.Analysis.ChunkConcurrency = getEnvInt("CHUNK_CONCURRENCY", cfg.Analysis.ChunkConcurrency)
	cfg.Analysis.SyncMaxBytes = getEnvInt64("SYNC_MAX_BYTES", cfg.Analysis.SyncMaxBytes)
	cfg.Analysis.BytesPerPageEstimate = getEnvInt64("BYTES_PER_PAGE_ESTIMATE", cfg.Analysis.BytesPerPageEstimate)
	cfg.Analysis.LeaseTTL = getEnvDuration("JOB_LEASE_TTL", cfg.Analysis.LeaseTTL)

	cfg.Queue.URL = getEnv("SQS_QUEUE_URL", cfg.Queue.URL)
	cfg.Queue.Region = getEnv("SQS_REGION", cfg.Queue.Region)
	cfg.Queue.WorkerConcurrency = getEnvInt("WORKER_CONCURRENCY", cfg.Queue.WorkerConcurrency)
	cfg.Queue.LocalBuffer = getEnvInt("LOCAL_QUEUE_BUFFER", cfg.Queue.LocalBuffer)
	cfg.Queue.VisibilitySeconds = getEnvInt("SQS_VISIBILITY_TIMEOUT_SECONDS", cfg.Queue.VisibilitySeconds)
	cfg.Queue.ShutdownTimeout = getEnvDuration("SHUTDOWN_TIMEOUT", cfg.Queue.ShutdownTimeout)

	cfg.Redis.Addr = getEnv("REDIS_ADDR", cfg.Redis.Addr)
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Redis.DB = getEnvInt("REDIS_DB", cfg.Redis.DB)
	cfg.Redis.CacheTTL = getEnvDuration("REDIS_CACHE_TTL", cfg.Redis.CacheTTL)
	cfg.Redis.ChannelPrefix = getEnv("REDIS_CHANNEL_PREFIX", cfg.Redis.ChannelPrefix)

	cfg.Events.PollInterval = getEnvDuration("EVENTS_POLL_INTERVAL", cfg.Events.PollInterval)
	cfg.Events.Heartbeat = getEnvDuration("EVENTS_HEARTBEAT", cfg.Events.Heartbeat)

	cfg.Auth.JWTSecret = getEnv("JWT_SECRET", cfg.Auth.JWTSecret)

	cfg.Log.Level = getEnv("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = getEnv("LOG_FORMAT", cfg.Log.Format)
}

// Validate reports configuration that would make the service fail later.
func (c Config) Validate() error {
	var errs []error
	switch c.LLM.Provider {
	case ProviderOpenAI, ProviderGemini:
	default:
		errs = append(errs, fmt.Errorf("unknown LLM_PROVIDER %q", c.LLM.Provider))
	}
	if strings.TrimSpace(c.LLM.APIKey) == "" {
		errs = append(errs, errors.New("LLM API key is required (LLM_API_KEY, OPENAI_API_KEY or GEMINI_API_KEY)"))
	}
	if c.LLM.Timeout <= 0 {
		errs = append(errs, errors.New("LLM_TIMEOUT must be positive"))
	}
	if c.LLM.MaxRetries < 0 {
		errs = append(errs, errors.New("LLM_MAX_RETRIES must not be negative"))
	}
	if c.Analysis.MaxFileBytes <= 0 {
		errs = append(errs, errors.New("MAX_FILE_BYTES must be positive"))
	}
	if c.Analysis.MaxPagesPerChunk <= 0 {
		errs = append(errs, errors.New("MAX_PAGES_PER_CHUNK must be positive"))
	}
	if c.Analysis.BytesPerPageEstimate <= 0 {
		errs = append(errs, errors.New("BYTES_PER_PAGE_ESTIMATE must be positive"))
	}
	if c.Env == "production" && strings.TrimSpace(c.DatabaseURL) == "" {
		errs = append(errs, errors.New("DATABASE_URL is required in production"))
	}
	if c.ObjectStoreType == "s3" && strings.TrimSpace(c.S3Bucket) == "" {
		errs = append(errs, errors.New("OBJECT_STORE=s3 requires S3_BUCKET"))
	}
	return errors.Join(errs...)
}

func defaultModel(provider string) string {
	switch provider {
	case ProviderGemini:
		return "gemini-2.0-flash"
	default:
		return "gpt-4o-mini"
	}
}

func getEnv(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

func getEnvInt(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return val
}

func getEnvInt64(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	val, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return val
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	val, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return val
}

func splitAndTrim(raw string) []string {
	parts := strings.Split(raw, ",")
	var out []string
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func normalizeEnv(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "production", "prod":
		return "production"
	case "staging":
		return "staging"
	case "local":
		return "local"
	default:
		return "dev"
	}
}

func normalizeStoreType(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "s3":
		return "s3"
	default:
		return "local"
	}
}
