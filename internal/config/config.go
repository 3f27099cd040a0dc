package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"
)

// EnvConfigFile names an optional YAML file layered under the environment.
const EnvConfigFile = "AVATARFLOW_CONFIG"

type Config struct {
	API       APIConfig       `mapstructure:"api"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Segmenter SegmenterConfig `mapstructure:"segmenter"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Webhook   WebhookConfig   `mapstructure:"webhook"`
	Log       LogConfig       `mapstructure:"log"`
}

type APIConfig struct {
	Addr           string          `mapstructure:"addr"`
	PresignTTL     time.Duration   `mapstructure:"presign_ttl"`
	MaxUploadBytes int64           `mapstructure:"max_upload_bytes"`
	AllowedTypes   []string        `mapstructure:"allowed_types"`
	PrepareTimeout time.Duration   `mapstructure:"prepare_timeout"`
	RateLimit      RateLimitConfig `mapstructure:"rate_limit"`
}

type RateLimitConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Requests     int           `mapstructure:"requests"`
	Window       time.Duration `mapstructure:"window"`
	UserIDHeader string        `mapstructure:"user_id_header"`
}

type QueueConfig struct {
	RedisAddr     string        `mapstructure:"redis_addr"`
	RedisPassword string        `mapstructure:"redis_password"`
	RedisDB       int           `mapstructure:"redis_db"`
	Name          string        `mapstructure:"name"`
	MaxRetry      int           `mapstructure:"max_retry"`
	TaskTimeout   time.Duration `mapstructure:"task_timeout"`
}

func (q QueueConfig) RedisClientOpt() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     q.RedisAddr,
		Password: q.RedisPassword,
		DB:       q.RedisDB,
	}
}

// RedisOptions is the same connection for go-redis users (rate limiter, mask cache).
func (q QueueConfig) RedisOptions() *redis.Options {
	return &redis.Options{
		Addr:     q.RedisAddr,
		Password: q.RedisPassword,
		DB:       q.RedisDB,
	}
}

type WorkerConfig struct {
	Concurrency    int    `mapstructure:"concurrency"`
	MaxActiveJobs  int    `mapstructure:"max_active_jobs"`
	LocalOutputDir string `mapstructure:"local_output_dir"`
	OutputPrefix   string `mapstructure:"output_prefix"`
	MetricsAddr    string `mapstructure:"metrics_addr"`
}

type StorageConfig struct {
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Bucket    string `mapstructure:"bucket"`
	UseSSL    bool   `mapstructure:"use_ssl"`
}

type DatabaseConfig struct {
	DSN string `mapstructure:"dsn"`
}

type SegmenterConfig struct {
	Endpoint     string        `mapstructure:"endpoint"`
	Model        string        `mapstructure:"model"`
	Device       string        `mapstructure:"device"`
	CacheModel   bool          `mapstructure:"cache_model"`
	Timeout      time.Duration `mapstructure:"timeout"`
	MaskCacheTTL time.Duration `mapstructure:"mask_cache_ttl"`
}

type PipelineConfig struct {
	MaxEdge       int     `mapstructure:"max_edge"`
	DefaultFormat string  `mapstructure:"default_format"`
	JPEGQuality   float64 `mapstructure:"jpeg_quality"`
}

type TelemetryConfig struct {
	ServiceName  string `mapstructure:"service_name"`
	Exporter     string `mapstructure:"exporter"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
	OTLPInsecure bool   `mapstructure:"otlp_insecure"`
}

type WebhookConfig struct {
	SigningSecret  string        `mapstructure:"signing_secret"`
	Timeout        time.Duration `mapstructure:"timeout"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
}

type LogConfig struct {
	Mode  string `mapstructure:"mode"`
	Level string `mapstructure:"level"`
}

// envBindings keeps the variable names deployments already use.
var envBindings = map[string]string{
	"api.addr":                      "AVATARFLOW_API_ADDR",
	"api.presign_ttl":               "API_PRESIGN_TTL",
	"api.max_upload_bytes":          "API_MAX_UPLOAD_BYTES",
	"api.allowed_types":             "API_ALLOWED_TYPES",
	"api.prepare_timeout":           "API_PREPARE_TIMEOUT",
	"api.rate_limit.enabled":        "RATE_LIMIT_ENABLED",
	"api.rate_limit.requests":       "RATE_LIMIT_REQUESTS",
	"api.rate_limit.window":         "RATE_LIMIT_WINDOW",
	"api.rate_limit.user_id_header": "RATE_LIMIT_USER_ID_HEADER",
	"queue.redis_addr":              "REDIS_ADDR",
	"queue.redis_password":          "REDIS_PASSWORD",
	"queue.redis_db":                "REDIS_DB",
	"queue.name":                    "ASYNC_QUEUE",
	"queue.max_retry":               "QUEUE_MAX_RETRY",
	"queue.task_timeout":            "QUEUE_TASK_TIMEOUT",
	"worker.concurrency":            "WORKER_CONCURRENCY",
	"worker.max_active_jobs":        "WORKER_MAX_ACTIVE_JOBS",
	"worker.local_output_dir":       "WORKER_LOCAL_OUTPUT_DIR",
	"worker.output_prefix":          "WORKER_OUTPUT_PREFIX",
	"worker.metrics_addr":           "WORKER_METRICS_ADDR",
	"storage.endpoint":              "MINIO_ENDPOINT",
	"storage.access_key":            "MINIO_ACCESS_KEY",
	"storage.secret_key":            "MINIO_SECRET_KEY",
	"storage.bucket":                "MINIO_BUCKET",
	"storage.use_ssl":               "MINIO_USE_SSL",
	"database.dsn":                  "POSTGRES_DSN",
	"segmenter.endpoint":            "SEGMENTER_ENDPOINT",
	"segmenter.model":               "SEGMENTER_MODEL",
	"segmenter.device":              "SEGMENTER_DEVICE",
	"segmenter.cache_model":         "SEGMENTER_CACHE_MODEL",
	"segmenter.timeout":             "SEGMENTER_TIMEOUT",
	"segmenter.mask_cache_ttl":      "SEGMENTER_MASK_CACHE_TTL",
	"pipeline.max_edge":             "PIPELINE_MAX_EDGE",
	"pipeline.default_format":       "PIPELINE_DEFAULT_FORMAT",
	"pipeline.jpeg_quality":         "PIPELINE_JPEG_QUALITY",
	"telemetry.service_name":        "OTEL_SERVICE_NAME",
	"telemetry.exporter":            "OTEL_TRACES_EXPORTER",
	"telemetry.otlp_endpoint":       "OTEL_EXPORTER_OTLP_ENDPOINT",
	"telemetry.otlp_insecure":       "OTEL_EXPORTER_OTLP_INSECURE",
	"webhook.signing_secret":        "WEBHOOK_SIGNING_SECRET",
	"webhook.timeout":               "WEBHOOK_TIMEOUT",
	"webhook.max_attempts":          "WEBHOOK_MAX_ATTEMPTS",
	"webhook.initial_backoff":       "WEBHOOK_INITIAL_BACKOFF",
	"webhook.max_backoff":           "WEBHOOK_MAX_BACKOFF",
	"log.mode":                      "AVATARFLOW_MODE",
	"log.level":                     "LOG_LEVEL",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("api.addr", ":8080")
	v.SetDefault("api.presign_ttl", 15*time.Minute)
	v.SetDefault("api.max_upload_bytes", 10*1024*1024)
	v.SetDefault("api.allowed_types", []string{"image/jpeg", "image/png", "image/webp"})
	v.SetDefault("api.prepare_timeout", 60*time.Second)
	v.SetDefault("api.rate_limit.enabled", false)
	v.SetDefault("api.rate_limit.requests", 30)
	v.SetDefault("api.rate_limit.window", time.Minute)
	v.SetDefault("api.rate_limit.user_id_header", "X-User-ID")

	v.SetDefault("queue.redis_addr", "localhost:6379")
	v.SetDefault("queue.redis_password", "")
	v.SetDefault("queue.redis_db", 0)
	v.SetDefault("queue.name", "default")
	v.SetDefault("queue.max_retry", 5)
	v.SetDefault("queue.task_timeout", 3*time.Minute)

	v.SetDefault("worker.concurrency", max(2, runtime.NumCPU()))
	v.SetDefault("worker.max_active_jobs", max(1, runtime.NumCPU()/2))
	v.SetDefault("worker.local_output_dir", "./.avatarflow-output")
	v.SetDefault("worker.output_prefix", "avatars")
	v.SetDefault("worker.metrics_addr", ":9091")

	v.SetDefault("storage.endpoint", "localhost:9000")
	v.SetDefault("storage.access_key", "minioadmin")
	v.SetDefault("storage.secret_key", "minioadmin")
	v.SetDefault("storage.bucket", "avatarflow-jobs")
	v.SetDefault("storage.use_ssl", false)

	v.SetDefault("database.dsn", "")

	v.SetDefault("segmenter.endpoint", "http://localhost:8500")
	v.SetDefault("segmenter.model", "briaai/RMBG-1.4")
	v.SetDefault("segmenter.device", "auto")
	v.SetDefault("segmenter.cache_model", false)
	v.SetDefault("segmenter.timeout", 45*time.Second)
	v.SetDefault("segmenter.mask_cache_ttl", 24*time.Hour)

	v.SetDefault("pipeline.max_edge", 1024)
	v.SetDefault("pipeline.default_format", "png")
	v.SetDefault("pipeline.jpeg_quality", 0.92)

	v.SetDefault("telemetry.service_name", "avatarflow")
	v.SetDefault("telemetry.exporter", "none")
	v.SetDefault("telemetry.otlp_endpoint", "")
	v.SetDefault("telemetry.otlp_insecure", true)

	v.SetDefault("webhook.signing_secret", "")
	v.SetDefault("webhook.timeout", 10*time.Second)
	v.SetDefault("webhook.max_attempts", 3)
	v.SetDefault("webhook.initial_backoff", time.Second)
	v.SetDefault("webhook.max_backoff", 10*time.Second)

	v.SetDefault("log.mode", "debug")
	v.SetDefault("log.level", "")
}

// Load reads defaults, then the YAML file at path if one is given, then the
// environment. Later sources win.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return Config{}, fmt.Errorf("bind %s: %w", env, err)
		}
	}

	if path = strings.TrimSpace(path); path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadFromEnv is Load with the file named by AVATARFLOW_CONFIG.
func LoadFromEnv() (Config, error) {
	return Load(os.Getenv(EnvConfigFile))
}

func (c Config) Validate() error {
	var errs []error
	if c.API.MaxUploadBytes <= 0 {
		errs = append(errs, errors.New("api.max_upload_bytes must be positive"))
	}
	if c.API.RateLimit.Enabled && (c.API.RateLimit.Requests <= 0 || c.API.RateLimit.Window <= 0) {
		errs = append(errs, errors.New("api.rate_limit needs positive requests and window"))
	}
	if c.Worker.Concurrency < 1 {
		errs = append(errs, errors.New("worker.concurrency must be at least 1"))
	}
	if c.Pipeline.MaxEdge < 1 {
		errs = append(errs, errors.New("pipeline.max_edge must be at least 1"))
	}
	if c.Pipeline.JPEGQuality < 0 || c.Pipeline.JPEGQuality > 1 {
		errs = append(errs, fmt.Errorf("pipeline.jpeg_quality must be within [0,1], got %g", c.Pipeline.JPEGQuality))
	}
	return errors.Join(errs...)
}
