// Package config provides configuration management for the movesia index
// host, handling environment variables, an optional .env file, and runtime
// defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config represents the application configuration.
type Config struct {
	Server   ServerConfig   `json:"server"`
	Catalog  CatalogConfig  `json:"catalog"`
	Qdrant   QdrantConfig   `json:"qdrant"`
	Embedder EmbedderConfig `json:"embedder"`
	Chunking ChunkingConfig `json:"chunking"`
	Session  SessionConfig  `json:"session"`
	Logging  LoggingConfig  `json:"logging"`
}

// ServerConfig configures the local /healthz and /metrics endpoint.
type ServerConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	ReadTimeout  int    `json:"read_timeout_seconds"`
	WriteTimeout int    `json:"write_timeout_seconds"`
}

// CatalogConfig configures the embedded relational store.
type CatalogConfig struct {
	Path               string `json:"path"`
	BusyTimeoutMS      int    `json:"busy_timeout_ms"`
	WALEnabled         bool   `json:"wal_enabled"`
	SynchronousNormal  bool   `json:"synchronous_normal"`
	MaxOpenConns       int    `json:"max_open_conns"`
}

// QdrantConfig configures the Vector Store Gateway's transport.
type QdrantConfig struct {
	Host           string `json:"host"`
	Port           int    `json:"port"`
	APIKey         string `json:"api_key"`
	UseTLS         bool   `json:"use_tls"`
	Collection     string `json:"collection"`
	HealthCheck    bool   `json:"health_check"`
	RetryAttempts  int    `json:"retry_attempts"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// EmbedderConfig configures the injected embedding function's contract
// and, for the HTTP backend, where to reach it.
type EmbedderConfig struct {
	Dimension      int    `json:"dimension"`
	Model          string `json:"model"`
	BatchSize      int    `json:"batch_size"`
	TimeoutSeconds int    `json:"timeout_seconds"`
	Endpoint       string `json:"endpoint"`
}

// ChunkingConfig configures the line-window chunker, with separate token
// budgets and overlaps per asset kind.
type ChunkingConfig struct {
	ScriptTargetTokens int `json:"script_target_tokens"`
	ScriptOverlapLines int `json:"script_overlap_lines"`
	SceneTargetTokens  int `json:"scene_target_tokens"`
	SceneOverlapLines  int `json:"scene_overlap_lines"`
	MinWindowLines     int `json:"min_window_lines"`
	SceneMaxBytes      int `json:"scene_max_bytes"`

	// TargetTokens/OverlapLines are kept for a simple default lookup by
	// callers that don't distinguish kind; they mirror the script values.
	TargetTokens int `json:"target_tokens"`
	OverlapLines int `json:"overlap_lines"`
}

// SessionConfig configures the Session & Root Resolver.
type SessionConfig struct {
	ExtraRoots           []string      `json:"extra_roots"`
	RecentProjectsPath   string        `json:"recent_projects_path"`
	ResolutionTimeout    time.Duration `json:"resolution_timeout"`
	ProjectOverrideFile  string        `json:"project_override_file"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"` // "json" or "text"; not read by logging.NewLogger, which uses LOG_JSON
}

// DefaultConfig returns the configuration with every field set to its
// documented default, before any environment override is applied.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "127.0.0.1",
			Port:         8765,
			ReadTimeout:  10,
			WriteTimeout: 10,
		},
		Catalog: CatalogConfig{
			Path:              "./data/movesia-index.db",
			BusyTimeoutMS:     5000,
			WALEnabled:        true,
			SynchronousNormal: true,
			MaxOpenConns:      1,
		},
		Qdrant: QdrantConfig{
			Host:           "localhost",
			Port:           6334,
			UseTLS:         false,
			Collection:     "movesia",
			HealthCheck:    true,
			RetryAttempts:  5,
			TimeoutSeconds: 30,
		},
		Embedder: EmbedderConfig{
			Dimension:      384,
			Model:          "local-embed-v1",
			BatchSize:      64,
			TimeoutSeconds: 30,
			Endpoint:       "http://127.0.0.1:8081/embed",
		},
		Chunking: ChunkingConfig{
			ScriptTargetTokens: 500,
			ScriptOverlapLines: 20,
			SceneTargetTokens:  700,
			SceneOverlapLines:  30,
			MinWindowLines:     30,
			SceneMaxBytes:      2 << 20,
			TargetTokens:       500,
			OverlapLines:       20,
		},
		Session: SessionConfig{
			ExtraRoots:          nil,
			RecentProjectsPath:  "",
			ResolutionTimeout:   5 * time.Second,
			ProjectOverrideFile: "movesia.toml",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// LoadConfig loads configuration from an optional .env file followed by
// environment variable overrides, then validates the result.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	config := DefaultConfig()

	loadFromEnv(config)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// loadFromEnv loads configuration from environment variables.
func loadFromEnv(config *Config) {
	loadServerConfig(config)
	loadCatalogConfig(config)
	loadQdrantConfig(config)
	loadEmbedderConfig(config)
	loadChunkingConfig(config)
	loadSessionConfig(config)
	loadLoggingConfig(config)
}

func loadServerConfig(config *Config) {
	config.Server.Host = getStringEnvWithDefault("MOVESIA_HOST", config.Server.Host)
	config.Server.Port = getIntEnvWithDefault("MOVESIA_PORT", config.Server.Port)
	config.Server.ReadTimeout = getIntEnvWithDefault("MOVESIA_READ_TIMEOUT_SECONDS", config.Server.ReadTimeout)
	config.Server.WriteTimeout = getIntEnvWithDefault("MOVESIA_WRITE_TIMEOUT_SECONDS", config.Server.WriteTimeout)
}

func loadCatalogConfig(config *Config) {
	config.Catalog.Path = getStringEnvWithDefault("MOVESIA_CATALOG_PATH", config.Catalog.Path)
	config.Catalog.BusyTimeoutMS = getIntEnvWithDefault("MOVESIA_CATALOG_BUSY_TIMEOUT_MS", config.Catalog.BusyTimeoutMS)
	config.Catalog.WALEnabled = getBoolEnvWithDefault("MOVESIA_CATALOG_WAL", config.Catalog.WALEnabled)
	config.Catalog.SynchronousNormal = getBoolEnvWithDefault("MOVESIA_CATALOG_SYNC_NORMAL", config.Catalog.SynchronousNormal)
	config.Catalog.MaxOpenConns = getIntEnvWithDefault("MOVESIA_CATALOG_MAX_OPEN_CONNS", config.Catalog.MaxOpenConns)
}

func loadQdrantConfig(config *Config) {
	config.Qdrant.Host = getStringEnvWithFallback("MOVESIA_QDRANT_HOST", "QDRANT_HOST", config.Qdrant.Host)
	config.Qdrant.Port = getIntEnvWithFallback("MOVESIA_QDRANT_PORT", "QDRANT_PORT", config.Qdrant.Port)
	config.Qdrant.APIKey = getStringEnvWithFallback("MOVESIA_QDRANT_API_KEY", "QDRANT_API_KEY", config.Qdrant.APIKey)
	config.Qdrant.UseTLS = getBoolEnvWithFallback("MOVESIA_QDRANT_USE_TLS", "QDRANT_USE_TLS", config.Qdrant.UseTLS)
	config.Qdrant.Collection = getStringEnvWithFallback("MOVESIA_QDRANT_COLLECTION", "QDRANT_COLLECTION", config.Qdrant.Collection)
	config.Qdrant.HealthCheck = getBoolEnvWithDefault("MOVESIA_QDRANT_HEALTH_CHECK", config.Qdrant.HealthCheck)
	config.Qdrant.RetryAttempts = getIntEnvWithDefault("MOVESIA_QDRANT_RETRY_ATTEMPTS", config.Qdrant.RetryAttempts)
	config.Qdrant.TimeoutSeconds = getIntEnvWithDefault("MOVESIA_QDRANT_TIMEOUT_SECONDS", config.Qdrant.TimeoutSeconds)
}

func loadEmbedderConfig(config *Config) {
	config.Embedder.Dimension = getIntEnvWithDefault("MOVESIA_EMBEDDER_DIMENSION", config.Embedder.Dimension)
	config.Embedder.Model = getStringEnvWithDefault("MOVESIA_EMBEDDER_MODEL", config.Embedder.Model)
	config.Embedder.BatchSize = getIntEnvWithDefault("MOVESIA_EMBEDDER_BATCH_SIZE", config.Embedder.BatchSize)
	config.Embedder.TimeoutSeconds = getIntEnvWithDefault("MOVESIA_EMBEDDER_TIMEOUT_SECONDS", config.Embedder.TimeoutSeconds)
	config.Embedder.Endpoint = getStringEnvWithDefault("MOVESIA_EMBEDDER_ENDPOINT", config.Embedder.Endpoint)
}

func loadChunkingConfig(config *Config) {
	config.Chunking.ScriptTargetTokens = getIntEnvWithDefault("MOVESIA_CHUNK_SCRIPT_TARGET_TOKENS", config.Chunking.ScriptTargetTokens)
	config.Chunking.ScriptOverlapLines = getIntEnvWithDefault("MOVESIA_CHUNK_SCRIPT_OVERLAP_LINES", config.Chunking.ScriptOverlapLines)
	config.Chunking.SceneTargetTokens = getIntEnvWithDefault("MOVESIA_CHUNK_SCENE_TARGET_TOKENS", config.Chunking.SceneTargetTokens)
	config.Chunking.SceneOverlapLines = getIntEnvWithDefault("MOVESIA_CHUNK_SCENE_OVERLAP_LINES", config.Chunking.SceneOverlapLines)
	config.Chunking.MinWindowLines = getIntEnvWithDefault("MOVESIA_CHUNK_MIN_WINDOW_LINES", config.Chunking.MinWindowLines)
	config.Chunking.SceneMaxBytes = getIntEnvWithDefault("MOVESIA_CHUNK_SCENE_MAX_BYTES", config.Chunking.SceneMaxBytes)
	config.Chunking.TargetTokens = getIntEnvWithDefault("MOVESIA_CHUNK_TARGET_TOKENS", config.Chunking.ScriptTargetTokens)
	config.Chunking.OverlapLines = getIntEnvWithDefault("MOVESIA_CHUNK_OVERLAP_LINES", config.Chunking.ScriptOverlapLines)
}

func loadSessionConfig(config *Config) {
	if roots := os.Getenv("MOVESIA_SESSION_EXTRA_ROOTS"); roots != "" {
		config.Session.ExtraRoots = splitAndTrim(roots, ",")
	}
	config.Session.RecentProjectsPath = getStringEnvWithDefault("MOVESIA_SESSION_RECENT_PROJECTS_PATH", config.Session.RecentProjectsPath)
	if timeout := os.Getenv("MOVESIA_SESSION_RESOLUTION_TIMEOUT"); timeout != "" {
		if duration, err := time.ParseDuration(timeout); err == nil {
			config.Session.ResolutionTimeout = duration
		}
	}
	config.Session.ProjectOverrideFile = getStringEnvWithDefault("MOVESIA_SESSION_PROJECT_OVERRIDE_FILE", config.Session.ProjectOverrideFile)
}

func loadLoggingConfig(config *Config) {
	config.Logging.Level = getStringEnvWithDefault("MOVESIA_LOG_LEVEL", config.Logging.Level)
	config.Logging.Format = getStringEnvWithDefault("MOVESIA_LOG_FORMAT", config.Logging.Format)
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.Catalog.Path == "" {
		return errors.New("catalog path cannot be empty")
	}
	if c.Qdrant.Host == "" {
		return errors.New("qdrant host cannot be empty")
	}
	if c.Qdrant.Collection == "" {
		return errors.New("qdrant collection cannot be empty")
	}
	if c.Embedder.Dimension <= 0 {
		return errors.New("embedder dimension must be positive")
	}
	if c.Chunking.MinWindowLines <= 0 {
		return errors.New("chunking min window lines must be positive")
	}
	if c.Chunking.TargetTokens <= 0 {
		return errors.New("chunking target tokens must be positive")
	}
	if c.Chunking.OverlapLines < 0 {
		return errors.New("chunking overlap lines cannot be negative")
	}
	return nil
}

func splitAndTrim(s, sep string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || string(s[i]) == sep {
			piece := trimSpace(s[start:i])
			if piece != "" {
				out = append(out, piece)
			}
			start = i + 1
		}
	}
	return out
}

func trimSpace(s string) string {
	for len(s) > 0 && (s[0] == ' ' || s[0] == '\t') {
		s = s[1:]
	}
	for len(s) > 0 && (s[len(s)-1] == ' ' || s[len(s)-1] == '\t') {
		s = s[:len(s)-1]
	}
	return s
}

// getStringEnvWithDefault gets string environment variable with default value.
func getStringEnvWithDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getStringEnvWithFallback gets string environment variable with fallback to alternate key.
func getStringEnvWithFallback(primaryKey, fallbackKey, defaultValue string) string {
	if value := os.Getenv(primaryKey); value != "" {
		return value
	}
	if value := os.Getenv(fallbackKey); value != "" {
		return value
	}
	return defaultValue
}

// getIntEnvWithFallback gets integer environment variable with fallback to alternate key.
func getIntEnvWithFallback(primaryKey, fallbackKey string, defaultValue int) int {
	if value := os.Getenv(primaryKey); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	if value := os.Getenv(fallbackKey); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// getBoolEnvWithFallback gets boolean environment variable with fallback to alternate key.
func getBoolEnvWithFallback(primaryKey, fallbackKey string, defaultValue bool) bool {
	if value := os.Getenv(primaryKey); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	if value := os.Getenv(fallbackKey); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// getBoolEnvWithDefault gets boolean environment variable with default value.
func getBoolEnvWithDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// getIntEnvWithDefault gets integer environment variable with default value.
func getIntEnvWithDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
