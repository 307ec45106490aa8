package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigPath is used when neither an explicit path nor CONFIG_PATH is given.
const ConfigPath = "config.yaml"

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port               string   `yaml:"port"`
	LogLevel           string   `yaml:"logLevel"`
	CORSAllowedOrigins []string `yaml:"corsAllowedOrigins"`
	TrustedProxyCIDRs  []string `yaml:"trustedProxyCidrs"`

	StoreDriver string `yaml:"storeDriver"`
	DatabaseURL string `yaml:"databaseURL"`

	StorageDriver  string `yaml:"storageDriver"`
	DataDir        string `yaml:"dataDir"`
	MinioEndpoint  string `yaml:"minioEndpoint"`
	MinioAccessKey string `yaml:"minioAccessKey"`
	MinioSecretKey string `yaml:"minioSecretKey"`
	MinioBucket    string `yaml:"minioBucket"`
	MinioUseSSL    bool   `yaml:"minioUseSSL"`

	QueueDriver       string `yaml:"queueDriver"`
	QueueSize         int    `yaml:"queueSize"`
	QueueStream       string `yaml:"queueStream"`
	QueueGroup        string `yaml:"queueGroup"`
	QueueMaxRetries   int    `yaml:"queueMaxRetries"`
	AMQPURL           string `yaml:"amqpURL"`
	AMQPQueue         string `yaml:"amqpQueue"`
	WorkerConcurrency int    `yaml:"workerConcurrency"`
	EmbeddedWorker    bool   `yaml:"embeddedWorker"`

	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`

	AIProvider string `yaml:"aiProvider"`
	AIBaseURL  string `yaml:"aiBaseURL"`
	AIAPIKey   string `yaml:"aiAPIKey"`
	AIModel    string `yaml:"aiModel"`

	JWKSURL     string `yaml:"jwksURL"`
	JWTIssuer   string `yaml:"jwtIssuer"`
	JWTAudience string `yaml:"jwtAudience"`
	JWTLeeway   string `yaml:"jwtLeeway"`

	RateLimitPerMinute     int   `yaml:"rateLimitPerMinute"`
	AnalysisTimeoutSeconds int   `yaml:"analysisTimeoutSeconds"`
	MaxFileBytes           int64 `yaml:"maxFileBytes"`
	MaxFilesPerUpload      int   `yaml:"maxFilesPerUpload"`
}

// Load reads config from path. An empty path falls back to CONFIG_PATH and
// then ConfigPath. Environment variables override file values.
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	applyEnv(&cfg)
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *FileConfig) {
	setString(&cfg.Port, "PORT")
	setString(&cfg.LogLevel, "LOG_LEVEL")
	if v := os.Getenv("CORS_ALLOWED_ORIGINS"); v != "" {
		cfg.CORSAllowedOrigins = splitCSV(v)
	}
	if v := os.Getenv("TRUSTED_PROXY_CIDRS"); v != "" {
		cfg.TrustedProxyCIDRs = splitCSV(v)
	}

	setString(&cfg.StoreDriver, "STORE_DRIVER")
	setString(&cfg.DatabaseURL, "DATABASE_URL")

	setString(&cfg.StorageDriver, "STORAGE_DRIVER")
	setString(&cfg.DataDir, "DATA_DIR")
	setString(&cfg.MinioEndpoint, "MINIO_ENDPOINT")
	setString(&cfg.MinioAccessKey, "MINIO_ACCESS_KEY")
	setString(&cfg.MinioSecretKey, "MINIO_SECRET_KEY")
	setString(&cfg.MinioBucket, "MINIO_BUCKET")
	setBool(&cfg.MinioUseSSL, "MINIO_USE_SSL")

	setString(&cfg.QueueDriver, "QUEUE_DRIVER")
	setInt(&cfg.QueueSize, "QUEUE_SIZE")
	setString(&cfg.QueueStream, "QUEUE_STREAM")
	setString(&cfg.QueueGroup, "QUEUE_GROUP")
	setInt(&cfg.QueueMaxRetries, "QUEUE_MAX_RETRIES")
	setString(&cfg.AMQPURL, "AMQP_URL")
	setString(&cfg.AMQPQueue, "AMQP_QUEUE")
	setInt(&cfg.WorkerConcurrency, "WORKER_CONCURRENCY")
	setBool(&cfg.EmbeddedWorker, "EMBEDDED_WORKER")

	setString(&cfg.RedisAddr, "REDIS_ADDR")
	setString(&cfg.RedisPassword, "REDIS_PASSWORD")

	setString(&cfg.AIProvider, "AI_PROVIDER")
	setString(&cfg.AIBaseURL, "AI_BASE_URL")
	setString(&cfg.AIAPIKey, "AI_API_KEY")
	setString(&cfg.AIModel, "AI_MODEL")

	setString(&cfg.JWKSURL, "JWKS_URL")
	setString(&cfg.JWTIssuer, "JWT_ISSUER")
	setString(&cfg.JWTAudience, "JWT_AUDIENCE")
	setString(&cfg.JWTLeeway, "JWT_LEEWAY")

	setInt(&cfg.RateLimitPerMinute, "RATE_LIMIT_PER_MINUTE")
	setInt(&cfg.AnalysisTimeoutSeconds, "ANALYSIS_TIMEOUT_SECONDS")
	if v := os.Getenv("MAX_FILE_BYTES"); v != "" {
		if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
			cfg.MaxFileBytes = n
		}
	}
	setInt(&cfg.MaxFilesPerUpload, "MAX_FILES_PER_UPLOAD")
}

func applyDefaults(cfg *FileConfig) {
	if cfg.Port == "" {
		cfg.Port = "8080"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	cfg.StoreDriver = lowerOr(cfg.StoreDriver, "postgres")
	cfg.StorageDriver = lowerOr(cfg.StorageDriver, "local")
	if cfg.DataDir == "" {
		cfg.DataDir = "data/uploads"
	}
	cfg.QueueDriver = lowerOr(cfg.QueueDriver, "memory")
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 100
	}
	if cfg.QueueStream == "" {
		cfg.QueueStream = "lexcomply:analysis"
	}
	if cfg.QueueGroup == "" {
		cfg.QueueGroup = "analysis-workers"
	}
	if cfg.QueueMaxRetries <= 0 {
		cfg.QueueMaxRetries = 3
	}
	if cfg.AMQPQueue == "" {
		cfg.AMQPQueue = "lexcomply.analysis"
	}
	if cfg.WorkerConcurrency <= 0 {
		cfg.WorkerConcurrency = 4
	}
	cfg.AIProvider = lowerOr(cfg.AIProvider, "openai")
	if cfg.AIProvider == "openai" && cfg.AIBaseURL == "" {
		cfg.AIBaseURL = "https://api.openai.com/v1"
	}
	if cfg.AIModel == "" {
		switch cfg.AIProvider {
		case "gemini":
			cfg.AIModel = "gemini-2.0-flash"
		case "ollama":
			cfg.AIModel = "llama3.1"
		default:
			cfg.AIModel = "gpt-4o"
		}
	}
	if cfg.RateLimitPerMinute == 0 {
		cfg.RateLimitPerMinute = 30
	}
	if cfg.AnalysisTimeoutSeconds <= 0 {
		cfg.AnalysisTimeoutSeconds = 120
	}
	if cfg.MaxFileBytes <= 0 {
		cfg.MaxFileBytes = 50 << 20
	}
	if cfg.MaxFilesPerUpload <= 0 {
		cfg.MaxFilesPerUpload = 10
	}
}

func validateConfig(cfg FileConfig) error {
	switch cfg.StoreDriver {
	case "postgres":
		if strings.TrimSpace(cfg.DatabaseURL) == "" {
			return errors.New("config: databaseURL is required (set in config.yaml or DATABASE_URL)")
		}
	case "memory":
	default:
		return fmt.Errorf("config: unknown storeDriver %q", cfg.StoreDriver)
	}
	switch cfg.StorageDriver {
	case "local":
	case "minio":
		if cfg.MinioEndpoint == "" || cfg.MinioBucket == "" {
			return errors.New("config: minioEndpoint and minioBucket are required (set in config.yaml or MINIO_*)")
		}
	default:
		return fmt.Errorf("config: unknown storageDriver %q", cfg.StorageDriver)
	}
	switch cfg.QueueDriver {
	case "memory":
	case "redis":
		if strings.TrimSpace(cfg.RedisAddr) == "" {
			return errors.New("config: redisAddr is required for the redis queue (set in config.yaml or REDIS_ADDR)")
		}
	case "rabbitmq":
		if strings.TrimSpace(cfg.AMQPURL) == "" {
			return errors.New("config: amqpURL is required for the rabbitmq queue (set in config.yaml or AMQP_URL)")
		}
	default:
		return fmt.Errorf("config: unknown queueDriver %q", cfg.QueueDriver)
	}
	switch cfg.AIProvider {
	case "openai", "ollama":
	case "gemini":
		if strings.TrimSpace(cfg.AIAPIKey) == "" {
			return errors.New("config: aiAPIKey is required for gemini (set in config.yaml or AI_API_KEY)")
		}
	default:
		return fmt.Errorf("config: unknown aiProvider %q", cfg.AIProvider)
	}
	if strings.TrimSpace(cfg.JWKSURL) == "" {
		return errors.New("config: jwksURL is required (set in config.yaml or JWKS_URL)")
	}
	if _, err := ParseJWTLeeway(cfg.JWTLeeway); err != nil {
		return err
	}
	if cfg.RateLimitPerMinute < 0 {
		return errors.New("config: rateLimitPerMinute must be >= 0")
	}
	return nil
}

// AnalysisTimeout returns the per-document analysis deadline.
func (c FileConfig) AnalysisTimeout() time.Duration {
	return time.Duration(c.AnalysisTimeoutSeconds) * time.Second
}

// ParseJWTLeeway parses optional JWT leeway duration string.
func ParseJWTLeeway(leewayStr string) (time.Duration, error) {
	if leewayStr == "" {
		return 0, nil
	}
	dur, err := time.ParseDuration(leewayStr)
	if err != nil {
		return 0, fmt.Errorf("invalid jwtLeeway duration: %w", err)
	}
	return dur, nil
}

func setString(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			*dst = b
		}
	}
}

func lowerOr(v, fallback string) string {
	v = strings.ToLower(strings.TrimSpace(v))
	if v == "" {
		return fallback
	}
	return v
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}
