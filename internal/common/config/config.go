// Package config provides configuration management for the Grov proxy.
// It supports loading configuration from environment variables, config files,
// and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all configuration sections for the proxy.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Upstream UpstreamConfig `mapstructure:"upstream"`
	Memory   MemoryConfig   `mapstructure:"memory"`
	Database DatabaseConfig `mapstructure:"database"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	BodyLimit    int    `mapstructure:"bodyLimit"`    // max request body in bytes
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// UpstreamConfig holds the upstream LLM API endpoints and credentials.
type UpstreamConfig struct {
	AnthropicBaseURL string `mapstructure:"anthropicBaseUrl"`
	OpenAIBaseURL    string `mapstructure:"openaiBaseUrl"`
	AnthropicAPIKey  string `mapstructure:"anthropicApiKey"`
	OpenAIAPIKey     string `mapstructure:"openaiApiKey"`
	Timeout          int    `mapstructure:"timeout"` // in seconds
}

// MemoryConfig holds the external memory/ingest service configuration.
type MemoryConfig struct {
	ServiceURL    string `mapstructure:"serviceUrl"`
	Timeout       int    `mapstructure:"timeout"` // in seconds
	MaxPerPreview int    `mapstructure:"maxPerPreview"`
}

// DatabaseConfig holds session persistence configuration. When URL is set a
// PostgreSQL repository is used, otherwise the embedded SQLite file at Path.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
	URL  string `mapstructure:"url"`
}

// NATSConfig holds event bus configuration. Empty URL means the in-memory bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// PipelineConfig holds tunables for the injection/orchestration pipeline.
type PipelineConfig struct {
	TokenClearThreshold  int  `mapstructure:"tokenClearThreshold"`
	DriftCheckInterval   int  `mapstructure:"driftCheckInterval"`
	ExtendedCacheEnabled bool `mapstructure:"extendedCacheEnabled"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// TimeoutDuration returns the upstream forward timeout as a time.Duration.
func (u *UpstreamConfig) TimeoutDuration() time.Duration {
	return time.Duration(u.Timeout) * time.Second
}

// TimeoutDuration returns the memory service timeout as a time.Duration.
func (m *MemoryConfig) TimeoutDuration() time.Duration {
	return time.Duration(m.Timeout) * time.Second
}

// detectDefaultLogFormat returns "json" for production environments and
// "text" for terminal/development use.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("GROV_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8082)
	v.SetDefault("server.bodyLimit", 50*1024*1024)
	v.SetDefault("server.readTimeout", 300)
	v.SetDefault("server.writeTimeout", 300)

	// Upstream defaults
	v.SetDefault("upstream.anthropicBaseUrl", "https://api.anthropic.com")
	v.SetDefault("upstream.openaiBaseUrl", "https://api.openai.com")
	v.SetDefault("upstream.anthropicApiKey", "")
	v.SetDefault("upstream.openaiApiKey", "")
	v.SetDefault("upstream.timeout", 600)

	// Memory service defaults
	v.SetDefault("memory.serviceUrl", "http://localhost:8787")
	v.SetDefault("memory.timeout", 10)
	v.SetDefault("memory.maxPerPreview", 3)

	// Database defaults - empty URL means embedded SQLite
	v.SetDefault("database.path", "grov.db")
	v.SetDefault("database.url", "")

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.maxReconnects", 10)

	// Pipeline defaults
	v.SetDefault("pipeline.tokenClearThreshold", 140000)
	v.SetDefault("pipeline.driftCheckInterval", 3)
	v.SetDefault("pipeline.extendedCacheEnabled", true)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix GROV_ with snake_case naming; the flat
// variables documented for the product (HOST, PORT, BODY_LIMIT, ...) are bound
// explicitly. A .env file in the working directory is honored.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	// Best effort: a missing .env is not an error.
	_ = godotenv.Load()

	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("GROV")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for the flat env vars the product documents.
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so keys whose env naming differs from the config key are bound here.
	_ = v.BindEnv("server.host", "HOST", "GROV_SERVER_HOST")
	_ = v.BindEnv("server.port", "PORT", "GROV_SERVER_PORT")
	_ = v.BindEnv("server.bodyLimit", "BODY_LIMIT", "GROV_SERVER_BODY_LIMIT")
	_ = v.BindEnv("upstream.anthropicBaseUrl", "ANTHROPIC_BASE_URL")
	_ = v.BindEnv("upstream.openaiBaseUrl", "OPENAI_BASE_URL")
	_ = v.BindEnv("upstream.anthropicApiKey", "ANTHROPIC_API_KEY")
	_ = v.BindEnv("upstream.openaiApiKey", "OPENAI_API_KEY")
	_ = v.BindEnv("memory.serviceUrl", "MEMORY_SERVICE_URL")
	_ = v.BindEnv("database.path", "DATABASE_PATH")
	_ = v.BindEnv("database.url", "DATABASE_URL")
	_ = v.BindEnv("nats.url", "NATS_URL")
	_ = v.BindEnv("pipeline.tokenClearThreshold", "TOKEN_CLEAR_THRESHOLD")
	_ = v.BindEnv("pipeline.driftCheckInterval", "DRIFT_CHECK_INTERVAL")
	_ = v.BindEnv("pipeline.extendedCacheEnabled", "EXTENDED_CACHE_ENABLED")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/grov/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks the configuration for invalid combinations.
func validate(cfg *Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", cfg.Server.Port)
	}
	if cfg.Server.BodyLimit <= 0 {
		return fmt.Errorf("invalid body limit: %d", cfg.Server.BodyLimit)
	}
	if cfg.Pipeline.DriftCheckInterval <= 0 {
		return fmt.Errorf("invalid drift check interval: %d", cfg.Pipeline.DriftCheckInterval)
	}
	if cfg.Memory.MaxPerPreview < 1 || cfg.Memory.MaxPerPreview > 5 {
		return fmt.Errorf("memory.maxPerPreview must be between 1 and 5, got %d", cfg.Memory.MaxPerPreview)
	}
	return nil
}
