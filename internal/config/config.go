// Package config provides application configuration management with
// multi-source priority.
//
// Configuration sources (highest to lowest priority):
//  1. Environment variables (runtime override)
//  2. Config file (./config.yaml or /etc/minirag/config.yaml)
//  3. Default values
//
// Main configuration categories:
//   - Server: HTTP bind address, CORS, rate limiting
//   - Storage: PostgreSQL connection (see storage.go)
//   - LLM: OpenAI-compatible API endpoint, default chat and embedding models
//   - Ingestion: chunking parameters, fetch and upload limits
//   - Worker: queue concurrency, refresh scan cadence
//
// Security: sensitive values (passwords, API keys) are masked in
// MarshalJSON/String and never logged in the clear.
//
// Error handling uses sentinel errors checked with errors.Is();
// wrap with context via fmt.Errorf("%w: details", ErrXxx).
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/viper"
)

var (
	// ErrConfigNil indicates the configuration is nil.
	ErrConfigNil = errors.New("configuration is nil")

	// ErrMissingAPIKey indicates the default LLM API key is missing.
	ErrMissingAPIKey = errors.New("missing API key")

	// ErrInvalidModelName indicates the model name is invalid.
	ErrInvalidModelName = errors.New("invalid model name")

	// ErrInvalidEmbeddingModel indicates the embedding model is invalid.
	ErrInvalidEmbeddingModel = errors.New("invalid embedding model")

	// ErrInvalidChunking indicates chunk size or overlap is out of range.
	ErrInvalidChunking = errors.New("invalid chunking configuration")

	// ErrInvalidTopK indicates the retrieval top-k value is out of range.
	ErrInvalidTopK = errors.New("invalid retrieval top k")

	// ErrInvalidPostgresHost indicates the PostgreSQL host is invalid.
	ErrInvalidPostgresHost = errors.New("invalid PostgreSQL host")

	// ErrInvalidPostgresPort indicates the PostgreSQL port is out of range.
	ErrInvalidPostgresPort = errors.New("invalid PostgreSQL port")

	// ErrInvalidPostgresDBName indicates the PostgreSQL database name is invalid.
	ErrInvalidPostgresDBName = errors.New("invalid PostgreSQL database name")

	// ErrInvalidPostgresPassword indicates the PostgreSQL password is invalid.
	ErrInvalidPostgresPassword = errors.New("invalid PostgreSQL password")

	// ErrInvalidPostgresSSLMode indicates the PostgreSQL SSL mode is invalid.
	ErrInvalidPostgresSSLMode = errors.New("invalid PostgreSQL SSL mode")

	// ErrInvalidWorker indicates worker concurrency or timing is out of range.
	ErrInvalidWorker = errors.New("invalid worker configuration")
)

// Defaults for ingestion and retrieval.
const (
	// DefaultEmbeddingModel is the embedding model used when a bot profile
	// does not specify one.
	DefaultEmbeddingModel = "text-embedding-3-small"

	// DefaultChatModel is the chat model used when a bot profile does not
	// specify one.
	DefaultChatModel = "gpt-4o-mini"

	// DefaultChunkSize is the target maximum characters per chunk.
	DefaultChunkSize = 512

	// DefaultChunkOverlap is the characters shared between adjacent chunks.
	DefaultChunkOverlap = 64

	// DefaultTopK is the number of chunks retrieved per chat turn.
	DefaultTopK = 5
)

// Config stores application configuration.
// SECURITY: sensitive fields are explicitly masked in MarshalJSON().
// When adding new sensitive fields, update MarshalJSON.
type Config struct {
	// HTTP server
	ListenAddr  string   `mapstructure:"listen_addr" json:"listen_addr"`
	CORSOrigins []string `mapstructure:"cors_origins" json:"cors_origins"`
	TrustProxy  bool     `mapstructure:"trust_proxy" json:"trust_proxy"` // Trust X-Real-IP/X-Forwarded-For (behind reverse proxy)

	// Per-IP token bucket: rate_per_minute sets the sustained refill
	// rate, rate_burst the bucket depth. Either at 0 disables limiting.
	RatePerMinute int `mapstructure:"rate_per_minute" json:"rate_per_minute"`
	RateBurst     int `mapstructure:"rate_burst" json:"rate_burst"`

	// LLM provider (OpenAI wire protocol)
	OpenAIAPIKey   string `mapstructure:"openai_api_key" json:"openai_api_key"` // SENSITIVE: masked in MarshalJSON
	OpenAIBaseURL  string `mapstructure:"openai_base_url" json:"openai_base_url"`
	ChatModel      string `mapstructure:"chat_model" json:"chat_model"`
	EmbeddingModel string `mapstructure:"embedding_model" json:"embedding_model"`

	// Retrieval
	TopK int `mapstructure:"top_k" json:"top_k"`

	// Ingestion
	ChunkSize     int `mapstructure:"chunk_size" json:"chunk_size"`
	ChunkOverlap  int `mapstructure:"chunk_overlap" json:"chunk_overlap"`
	MaxUploadSize int `mapstructure:"max_upload_size" json:"max_upload_size"` // bytes

	// Worker
	WorkerConcurrency int           `mapstructure:"worker_concurrency" json:"worker_concurrency"`
	JobTimeout        time.Duration `mapstructure:"job_timeout" json:"job_timeout"`
	RefreshInterval   time.Duration `mapstructure:"refresh_interval" json:"refresh_interval"`   // scheduler scan cadence
	ProcessingTimeout time.Duration `mapstructure:"processing_timeout" json:"processing_timeout"` // stuck-source revert threshold

	// Storage configuration (see storage.go)
	PostgresHost     string `mapstructure:"postgres_host" json:"postgres_host"`
	PostgresPort     int    `mapstructure:"postgres_port" json:"postgres_port"`
	PostgresUser     string `mapstructure:"postgres_user" json:"postgres_user"`
	PostgresPassword string `mapstructure:"postgres_password" json:"postgres_password"` // SENSITIVE: masked in MarshalJSON
	PostgresDBName   string `mapstructure:"postgres_db_name" json:"postgres_db_name"`
	PostgresSSLMode  string `mapstructure:"postgres_ssl_mode" json:"postgres_ssl_mode"`
}

// Load loads configuration.
// Priority: environment variables > configuration file > default values.
func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("/etc/minirag")

	setDefaults()
	bindEnvVariables()

	if err := viper.ReadInConfig(); err != nil {
		// Configuration file not found is not an error, use default values
		var configNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &configNotFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		slog.Debug("configuration file not found, using default values",
			"search_paths", []string{".", "/etc/minirag"},
			"config_name", "config.yaml")
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}

	// DATABASE_URL, when set, overrides individual postgres_* settings.
	if err := cfg.parseDatabaseURL(); err != nil {
		return nil, fmt.Errorf("parsing DATABASE_URL: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets all default configuration values.
func setDefaults() {
	viper.SetDefault("listen_addr", ":8080")
	viper.SetDefault("cors_origins", []string{"http://localhost:5173"})
	viper.SetDefault("trust_proxy", false)
	viper.SetDefault("rate_per_minute", 120)
	viper.SetDefault("rate_burst", 60)

	viper.SetDefault("openai_base_url", "")
	viper.SetDefault("chat_model", DefaultChatModel)
	viper.SetDefault("embedding_model", DefaultEmbeddingModel)
	viper.SetDefault("top_k", DefaultTopK)

	viper.SetDefault("chunk_size", DefaultChunkSize)
	viper.SetDefault("chunk_overlap", DefaultChunkOverlap)
	viper.SetDefault("max_upload_size", 10*1024*1024)

	viper.SetDefault("worker_concurrency", 10)
	viper.SetDefault("job_timeout", 10*time.Minute)
	viper.SetDefault("refresh_interval", time.Minute)
	viper.SetDefault("processing_timeout", 30*time.Minute)

	viper.SetDefault("postgres_host", "localhost")
	viper.SetDefault("postgres_port", 5432)
	viper.SetDefault("postgres_user", "minirag")
	viper.SetDefault("postgres_password", "minirag_dev_password")
	viper.SetDefault("postgres_db_name", "minirag")
	viper.SetDefault("postgres_ssl_mode", "disable")
}

// bindEnvVariables binds environment variables explicitly.
func bindEnvVariables() {
	// Helper to panic on unexpected bind errors (hardcoded strings can't fail).
	// If this panics, it's a bug in our code, not a runtime error.
	mustBind := func(key, envVar string) {
		if err := viper.BindEnv(key, envVar); err != nil {
			panic(fmt.Sprintf("BUG: failed to bind %q to %q: %v", key, envVar, err))
		}
	}

	mustBind("openai_api_key", "OPENAI_API_KEY")
	mustBind("openai_base_url", "OPENAI_BASE_URL")
	mustBind("listen_addr", "MINIRAG_LISTEN_ADDR")
	mustBind("cors_origins", "MINIRAG_CORS_ORIGINS")
	mustBind("trust_proxy", "MINIRAG_TRUST_PROXY")
	mustBind("chat_model", "MINIRAG_CHAT_MODEL")
	mustBind("embedding_model", "MINIRAG_EMBEDDING_MODEL")
	mustBind("worker_concurrency", "MINIRAG_WORKER_CONCURRENCY")

	// NOTE: DATABASE_URL is read directly in parseDatabaseURL, not via Viper.
}

// maskedValue is the placeholder for masked sensitive data.
// Full-width blocks (U+2588) avoid substring matching against real values.
const maskedValue = "████████"

// maskSecret masks a secret string for safe logging.
// Secrets of 8 characters or fewer are fully masked; longer ones keep the
// first and last 2 characters for debug utility.
//
// This defends against accidental logging of real secrets. It is not
// cryptographically secure; if logs are compromised, rotate secrets.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return maskedValue
	}
	return s[:2] + "<" + maskedValue + ">" + s[len(s)-2:]
}

// MarshalJSON implements json.Marshaler with explicit sensitive field masking.
//
// Sensitive fields masked:
//   - PostgresPassword
//   - OpenAIAPIKey
//
// When adding new sensitive fields, update this method.
func (c Config) MarshalJSON() ([]byte, error) {
	type alias Config
	a := alias(c)
	a.PostgresPassword = maskSecret(a.PostgresPassword)
	a.OpenAIAPIKey = maskSecret(a.OpenAIAPIKey)
	data, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return data, nil
}

// String implements Stringer to prevent accidental printing of secrets.
func (c Config) String() string {
	data, err := c.MarshalJSON()
	if err != nil {
		return fmt.Sprintf("Config{error: %v}", err)
	}
	return string(data)
}
