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

// ConfigPath is the default config file location.
const ConfigPath = "config.yaml"

const (
	StoreBackendPostgres = "postgres"
	StoreBackendMemory   = "memory"

	LedgerBackendStore = "store"
	LedgerBackendRedis = "redis"
)

// MinioConfig configures the optional PDF archive bucket.
type MinioConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"accessKey"`
	SecretKey string `yaml:"secretKey"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"useSSL"`
}

// EngineConfig configures the text-processing engine.
type EngineConfig struct {
	Provider        string `yaml:"provider"`
	BaseURL         string `yaml:"baseURL"`
	APIKey          string `yaml:"apiKey"`
	Model           string `yaml:"model"`
	Timeout         string `yaml:"timeout"`
	SummaryMaxChars int    `yaml:"summaryMaxChars"`
	ChunkWords      int    `yaml:"chunkWords"`
	TopChunks       int    `yaml:"topChunks"`
	// Embedding ranks question excerpts by vector similarity. An empty
	// provider falls back to lexical ranking.
	Embedding EmbeddingConfig `yaml:"embedding"`
}

// EmbeddingConfig selects the embedding provider.
type EmbeddingConfig struct {
	Provider   string `yaml:"provider"`
	BaseURL    string `yaml:"baseURL"`
	APIKey     string `yaml:"apiKey"`
	Model      string `yaml:"model"`
	Dimensions int    `yaml:"dimensions"`
}

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port               string       `yaml:"port"`
	LogLevel           string       `yaml:"logLevel"`
	DatabaseURL        string       `yaml:"databaseURL"`
	DBSlowThreshold    string       `yaml:"dbSlowThreshold"`
	AutoMigrate        *bool        `yaml:"autoMigrate"`
	StoreBackend       string       `yaml:"storeBackend"`
	LedgerBackend      string       `yaml:"ledgerBackend"`
	RedisAddr          string       `yaml:"redisAddr"`
	RedisPassword      string       `yaml:"redisPassword"`
	RedisLedgerPrefix  string       `yaml:"redisLedgerPrefix"`
	RedisRevokedPrefix string       `yaml:"redisRevokedPrefix"`
	AuthServiceURL     string       `yaml:"authServiceURL"`
	AuthJWKSURL        string       `yaml:"authJwksURL"`
	JWTIssuer          string       `yaml:"jwtIssuer"`
	JWTAudience        string       `yaml:"jwtAudience"`
	JWTLeeway          string       `yaml:"jwtLeeway"`
	CORSAllowedOrigins []string     `yaml:"corsAllowedOrigins"`
	MaxUploadBytes     int64        `yaml:"maxUploadBytes"`
	UploadLimit        *int         `yaml:"uploadLimit"`
	QuestionLimit      *int         `yaml:"questionLimit"`
	MaxQuestionRunes   int          `yaml:"maxQuestionRunes"`
	DownloadURLExpiry  string       `yaml:"downloadURLExpiry"`
	ShutdownTimeout    string       `yaml:"shutdownTimeout"`
	Minio              MinioConfig  `yaml:"minio"`
	Engine             EngineConfig `yaml:"engine"`
}

// Load reads config from path (defaults to config.yaml), applies environment
// overrides and validates the result.
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
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
	setString(&cfg.Port, "PAPER_PORT")
	setString(&cfg.LogLevel, "PAPER_LOG_LEVEL")
	setString(&cfg.DatabaseURL, "DATABASE_URL")
	setString(&cfg.StoreBackend, "PAPER_STORE_BACKEND")
	setString(&cfg.LedgerBackend, "PAPER_LEDGER_BACKEND")
	setString(&cfg.RedisAddr, "REDIS_ADDR")
	setString(&cfg.RedisPassword, "REDIS_PASSWORD")
	setString(&cfg.AuthServiceURL, "PAPER_AUTH_SERVICE_URL")
	setString(&cfg.AuthJWKSURL, "PAPER_AUTH_JWKS_URL")
	setString(&cfg.JWTIssuer, "JWT_ISSUER")
	setString(&cfg.JWTAudience, "JWT_AUDIENCE")
	setString(&cfg.JWTLeeway, "JWT_LEEWAY")
	setString(&cfg.Minio.Endpoint, "MINIO_ENDPOINT")
	setString(&cfg.Minio.AccessKey, "MINIO_ACCESS_KEY")
	setString(&cfg.Minio.SecretKey, "MINIO_SECRET_KEY")
	setString(&cfg.Minio.Bucket, "MINIO_BUCKET")
	setString(&cfg.Engine.Provider, "PAPER_ENGINE_PROVIDER")
	setString(&cfg.Engine.BaseURL, "PAPER_ENGINE_BASE_URL")
	setString(&cfg.Engine.Model, "PAPER_ENGINE_MODEL")
	setString(&cfg.Engine.Timeout, "PAPER_ENGINE_TIMEOUT")
	setString(&cfg.Engine.APIKey, "GROQ_API_KEY")
	setString(&cfg.Engine.APIKey, "PAPER_ENGINE_API_KEY")
	setString(&cfg.Engine.Embedding.Provider, "PAPER_EMBEDDING_PROVIDER")
	setString(&cfg.Engine.Embedding.BaseURL, "PAPER_EMBEDDING_BASE_URL")
	setString(&cfg.Engine.Embedding.Model, "PAPER_EMBEDDING_MODEL")
	setString(&cfg.Engine.Embedding.APIKey, "GEMINI_API_KEY")
	setString(&cfg.Engine.Embedding.APIKey, "PAPER_EMBEDDING_API_KEY")

	if v := os.Getenv("MINIO_USE_SSL"); v != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			cfg.Minio.UseSSL = b
		}
	}
	if v := os.Getenv("PAPER_CORS_ALLOWED_ORIGINS"); v != "" {
		cfg.CORSAllowedOrigins = splitCSV(v)
	}
	if v := os.Getenv("PAPER_MAX_UPLOAD_BYTES"); v != "" {
		if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
			cfg.MaxUploadBytes = n
		}
	}
	if v := os.Getenv("PAPER_UPLOAD_LIMIT"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			cfg.UploadLimit = &n
		}
	}
	if v := os.Getenv("PAPER_QUESTION_LIMIT"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			cfg.QuestionLimit = &n
		}
	}
}

func applyDefaults(cfg *FileConfig) {
	if cfg.StoreBackend == "" {
		cfg.StoreBackend = StoreBackendPostgres
	}
	if cfg.LedgerBackend == "" {
		cfg.LedgerBackend = LedgerBackendStore
	}
	cfg.StoreBackend = strings.ToLower(strings.TrimSpace(cfg.StoreBackend))
	cfg.LedgerBackend = strings.ToLower(strings.TrimSpace(cfg.LedgerBackend))
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml or PAPER_PORT)")
	}
	switch cfg.StoreBackend {
	case StoreBackendPostgres:
		if cfg.DatabaseURL == "" {
			return errors.New("config: databaseURL is required for the postgres store (set in config.yaml or DATABASE_URL)")
		}
	case StoreBackendMemory:
	default:
		return fmt.Errorf("config: unknown storeBackend %q", cfg.StoreBackend)
	}
	switch cfg.LedgerBackend {
	case LedgerBackendStore:
	case LedgerBackendRedis:
		if strings.TrimSpace(cfg.RedisAddr) == "" {
			return errors.New("config: redisAddr is required for the redis ledger (set in config.yaml or REDIS_ADDR)")
		}
	default:
		return fmt.Errorf("config: unknown ledgerBackend %q", cfg.LedgerBackend)
	}
	if cfg.AuthServiceURL == "" {
		return errors.New("config: authServiceURL is required (set in config.yaml or PAPER_AUTH_SERVICE_URL)")
	}
	if cfg.MaxUploadBytes < 0 || cfg.MaxQuestionRunes < 0 {
		return errors.New("config: maxUploadBytes and maxQuestionRunes must be >= 0")
	}
	if (cfg.UploadLimit != nil && *cfg.UploadLimit < 0) || (cfg.QuestionLimit != nil && *cfg.QuestionLimit < 0) {
		return errors.New("config: uploadLimit and questionLimit must be >= 0")
	}
	if cfg.Minio.Endpoint != "" && cfg.Minio.Bucket == "" {
		return errors.New("config: minio.bucket is required when minio.endpoint is set")
	}
	for name, raw := range map[string]string{
		"dbSlowThreshold":   cfg.DBSlowThreshold,
		"jwtLeeway":         cfg.JWTLeeway,
		"downloadURLExpiry": cfg.DownloadURLExpiry,
		"shutdownTimeout":   cfg.ShutdownTimeout,
		"engine.timeout":    cfg.Engine.Timeout,
	} {
		if _, err := ParseDuration(name, raw); err != nil {
			return fmt.Errorf("config: %w", err)
		}
	}
	return nil
}

// MigrateOnStart reports whether the service migrates the schema on open.
// Unset means true.
func (c FileConfig) MigrateOnStart() bool {
	return c.AutoMigrate == nil || *c.AutoMigrate
}

// ParseDuration parses an optional duration setting. Empty means zero.
func ParseDuration(name, raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s duration: %w", name, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("invalid %s duration: must be >= 0", name)
	}
	return d, nil
}

// MustDuration parses a setting already checked by Load.
func MustDuration(raw string) time.Duration {
	d, _ := ParseDuration("", raw)
	return d
}

func setString(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
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
