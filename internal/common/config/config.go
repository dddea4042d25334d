// Package config provides configuration management for the AContext server.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the server.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Blob     BlobConfig     `mapstructure:"blob"`
	LLM      LLMConfig      `mapstructure:"llm"`
	Agent    AgentConfig    `mapstructure:"agent"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds database connection configuration.
// Empty Host selects the embedded SQLite backend (Path).
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
	Path     string `mapstructure:"path"` // sqlite file, ":memory:" for tests
}

// NATSConfig holds NATS messaging configuration.
// Empty URL selects the in-memory event bus and coordination store.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// BlobConfig holds object store (S3-compatible) configuration.
// Empty Bucket disables the external blob store; artifacts are stored inline.
type BlobConfig struct {
	Bucket          string `mapstructure:"bucket"`
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"`
	Prefix          string `mapstructure:"prefix"`
	AccessKeyID     string `mapstructure:"accessKeyId"`
	SecretAccessKey string `mapstructure:"secretAccessKey"`
	UsePathStyle    bool   `mapstructure:"usePathStyle"`
}

// LLMConfig holds chat-completion provider configuration.
type LLMConfig struct {
	BaseURL        string `mapstructure:"baseUrl"` // OpenAI-compatible endpoint
	APIKey         string `mapstructure:"apiKey"`
	Model          string `mapstructure:"model"`
	TimeoutSeconds int    `mapstructure:"timeoutSeconds"` // per-call deadline
}

// AgentConfig holds agent pipeline configuration.
type AgentConfig struct {
	// MaxIterations caps LLM iterations per agent run.
	MaxIterations int `mapstructure:"maxIterations"`

	// SessionLockTTL bounds how long a dead worker can hold a session, in seconds.
	// Must be a large multiple of expected agent runtime.
	SessionLockTTL int `mapstructure:"sessionLockTtl"`

	// LearnLockTTL bounds the per-learning-space skill agent lock, in seconds.
	LearnLockTTL int `mapstructure:"learnLockTtl"`

	// FlushMaxRetries bounds the manual flush lock-acquisition loop.
	FlushMaxRetries int `mapstructure:"flushMaxRetries"`

	// FlushRetryDelayMS is the sleep between manual flush attempts.
	FlushRetryDelayMS int `mapstructure:"flushRetryDelayMs"`
}

// AuthConfig holds project secret hashing configuration.
type AuthConfig struct {
	// SecretPepper is mixed into project secret hashes.
	SecretPepper string `mapstructure:"secretPepper"`
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

// SessionLockTTLDuration returns the session lock TTL as a time.Duration.
func (a *AgentConfig) SessionLockTTLDuration() time.Duration {
	return time.Duration(a.SessionLockTTL) * time.Second
}

// LearnLockTTLDuration returns the learn lock TTL as a time.Duration.
func (a *AgentConfig) LearnLockTTLDuration() time.Duration {
	return time.Duration(a.LearnLockTTL) * time.Second
}

// FlushRetryDelay returns the delay between manual flush attempts.
func (a *AgentConfig) FlushRetryDelay() time.Duration {
	return time.Duration(a.FlushRetryDelayMS) * time.Millisecond
}

// Timeout returns the per-call LLM deadline.
func (l *LLMConfig) Timeout() time.Duration {
	return time.Duration(l.TimeoutSeconds) * time.Second
}

// detectDefaultLogFormat returns "json" in production environments and "text"
// for terminal/development use.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("ACONTEXT_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8029)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Database defaults - empty host means embedded SQLite
	v.SetDefault("database.host", "")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "acontext")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "acontext")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)
	v.SetDefault("database.path", "acontext.db")

	// NATS defaults - empty URL means in-memory bus + coordination store
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "acontext-server")
	v.SetDefault("nats.maxReconnects", 10)

	// Blob store defaults
	v.SetDefault("blob.bucket", "")
	v.SetDefault("blob.region", "us-east-1")
	v.SetDefault("blob.endpoint", "")
	v.SetDefault("blob.prefix", "acontext")
	v.SetDefault("blob.usePathStyle", false)

	// LLM defaults
	v.SetDefault("llm.baseUrl", "")
	v.SetDefault("llm.apiKey", "")
	v.SetDefault("llm.model", "gpt-4o")
	v.SetDefault("llm.timeoutSeconds", 120)

	// Agent defaults
	v.SetDefault("agent.maxIterations", 24)
	v.SetDefault("agent.sessionLockTtl", 600)
	v.SetDefault("agent.learnLockTtl", 600)
	v.SetDefault("agent.flushMaxRetries", 10)
	v.SetDefault("agent.flushRetryDelayMs", 500)

	// Auth defaults
	v.SetDefault("auth.secretPepper", "")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix ACONTEXT_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory
// or /etc/acontext/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("ACONTEXT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings where env var naming differs from config key naming.
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion.
	_ = v.BindEnv("llm.baseUrl", "ACONTEXT_LLM_BASE_URL")
	_ = v.BindEnv("llm.apiKey", "ACONTEXT_LLM_API_KEY", "OPENAI_API_KEY")
	_ = v.BindEnv("auth.secretPepper", "ACONTEXT_AUTH_SECRET_PEPPER")
	_ = v.BindEnv("blob.accessKeyId", "AWS_ACCESS_KEY_ID", "ACONTEXT_BLOB_ACCESS_KEY_ID")
	_ = v.BindEnv("blob.secretAccessKey", "AWS_SECRET_ACCESS_KEY", "ACONTEXT_BLOB_SECRET_ACCESS_KEY")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/acontext/")

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

// validate checks that all required configuration fields are set.
// In development mode (default), most fields are optional.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	// Database validation - only if host is set (optional for sqlite mode)
	if cfg.Database.Host != "" {
		if cfg.Database.Port <= 0 || cfg.Database.Port > 65535 {
			errs = append(errs, "database.port must be between 1 and 65535")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required when database.host is set")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required when database.host is set")
		}
	}

	if cfg.Agent.MaxIterations <= 0 {
		errs = append(errs, "agent.maxIterations must be positive")
	}
	if cfg.Agent.SessionLockTTL <= 0 {
		errs = append(errs, "agent.sessionLockTtl must be positive")
	}
	if cfg.Agent.FlushMaxRetries <= 0 {
		errs = append(errs, "agent.flushMaxRetries must be positive")
	}
	if cfg.LLM.TimeoutSeconds <= 0 {
		errs = append(errs, "llm.timeoutSeconds must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}
