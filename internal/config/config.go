// Package config provides application configuration with multi-source
// priority.
//
// Sources, highest to lowest:
//  1. Environment variables (RECALL_* and DATABASE_URL)
//  2. Config file (~/.recall/config.yaml by default)
//  3. Built-in defaults
//
// Validation lives in validation.go and uses sentinel errors so callers can
// branch with errors.Is. Passwords and peer tokens are never logged.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

var (
	// ErrInvalidPostgresHost indicates an empty or malformed PostgreSQL host.
	ErrInvalidPostgresHost = errors.New("invalid PostgreSQL host")

	// ErrInvalidPostgresPort indicates a PostgreSQL port outside 1-65535.
	ErrInvalidPostgresPort = errors.New("invalid PostgreSQL port")

	// ErrInvalidDimension indicates an embedding dimension outside the supported range.
	ErrInvalidDimension = errors.New("invalid embedding dimension")

	// ErrInvalidThreshold indicates a similarity threshold outside [0,1].
	ErrInvalidThreshold = errors.New("invalid similarity threshold")

	// ErrInvalidWeights indicates retrieval score weights that do not sum to 1.
	ErrInvalidWeights = errors.New("invalid score weights")

	// ErrInvalidBatchSize indicates a non-positive ingest batch size.
	ErrInvalidBatchSize = errors.New("invalid batch size")

	// ErrInvalidPeer indicates a federation peer with a missing name or URL.
	ErrInvalidPeer = errors.New("invalid federation peer")
)

// Config is the root application configuration.
type Config struct {
	Log        LogConfig        `mapstructure:"log"`
	Server     ServerConfig     `mapstructure:"server"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Embedding  EmbeddingConfig  `mapstructure:"embedding"`
	Retrieval  RetrievalConfig  `mapstructure:"retrieval"`
	Ingest     IngestConfig     `mapstructure:"ingest"`
	Learning   LearningConfig   `mapstructure:"learning"`
	Federation FederationConfig `mapstructure:"federation"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
}

// LogConfig controls the slog setup.
type LogConfig struct {
	Level string `mapstructure:"level"`
	JSON  bool   `mapstructure:"json"`
}

// ServerConfig controls the HTTP API server.
type ServerConfig struct {
	Addr string `mapstructure:"addr"`

	// TrustProxy enables X-Real-IP / X-Forwarded-For for rate limiting.
	// Only turn this on behind a proxy that strips client-supplied values.
	TrustProxy bool `mapstructure:"trust_proxy"`

	// RateBurst is the per-client token bucket size.
	RateBurst int `mapstructure:"rate_burst"`
}

// TracingConfig controls OTLP trace export. An empty endpoint disables
// tracing entirely.
type TracingConfig struct {
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
	Environment  string `mapstructure:"environment"`
}

// EmbeddingConfig selects the embedding backends and vector dimension.
// Dimension is a deployment constant: changing it requires re-embedding the
// whole store, so it is validated against the migration schema at startup.
type EmbeddingConfig struct {
	Provider      string        `mapstructure:"provider"`
	Model         string        `mapstructure:"model"`
	FallbackModel string        `mapstructure:"fallback_model"`
	OllamaHost    string        `mapstructure:"ollama_host"`
	Dimension     int           `mapstructure:"dimension"`
	Timeout       time.Duration `mapstructure:"timeout"`
	CacheSize     int           `mapstructure:"cache_size"`
	CacheTTL      time.Duration `mapstructure:"cache_ttl"`
}

// RetrievalConfig tunes the hybrid retrieval engine.
type RetrievalConfig struct {
	SimilarityThreshold float64       `mapstructure:"similarity_threshold"`
	DefaultK            int           `mapstructure:"default_k"`
	GraphDepth          int           `mapstructure:"graph_depth"`
	QueryTimeout        time.Duration `mapstructure:"query_timeout"`
	ResultCacheSize     int           `mapstructure:"result_cache_size"`
	ResultCacheTTL      time.Duration `mapstructure:"result_cache_ttl"`

	// Composite score weights. Must sum to 1.0.
	WeightSimilarity float64 `mapstructure:"weight_similarity"`
	WeightConfidence float64 `mapstructure:"weight_confidence"`
	WeightRecency    float64 `mapstructure:"weight_recency"`
	WeightContext    float64 `mapstructure:"weight_context"`
	WeightFrequency  float64 `mapstructure:"weight_frequency"`
}

// IngestConfig tunes the batching ingestion pipeline.
type IngestConfig struct {
	BatchSize     int           `mapstructure:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	Shards        int           `mapstructure:"shards"`
	FlushWorkers  int           `mapstructure:"flush_workers"`
}

// LearningConfig tunes the self-learning loop and maintenance job.
type LearningConfig struct {
	DedupThreshold      float64       `mapstructure:"dedup_threshold"`
	StaleWindow         time.Duration `mapstructure:"stale_window"`
	MaintenanceInterval time.Duration `mapstructure:"maintenance_interval"`
	MinSequenceRepeat   int           `mapstructure:"min_sequence_repeat"`
}

// PeerConfig identifies one remote federation peer.
type PeerConfig struct {
	Name  string `mapstructure:"name"`
	URL   string `mapstructure:"url"`
	Token string `mapstructure:"token"`
}

// FederationConfig tunes knowledge synchronization across stores.
type FederationConfig struct {
	ProjectID string       `mapstructure:"project_id"`
	Peers     []PeerConfig `mapstructure:"peers"`

	// Token authorizes inbound push/pull requests. Empty disables the
	// federation endpoints for remote callers.
	Token string `mapstructure:"token"`

	// AllowPrivatePeers permits peer URLs resolving to RFC1918 ranges,
	// for on-premise deployments. Loopback and metadata addresses stay
	// blocked regardless.
	AllowPrivatePeers bool          `mapstructure:"allow_private_peers"`
	PushMinConfidence float64       `mapstructure:"push_min_confidence"`
	PushMinUsage      int           `mapstructure:"push_min_usage"`
	OpTimeout         time.Duration `mapstructure:"op_timeout"`
	SyncInterval      time.Duration `mapstructure:"sync_interval"`
	PageSize          int           `mapstructure:"page_size"`
}

// DefaultConfigDir returns the directory that holds the config file.
func DefaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".recall"), nil
}

// Load reads configuration from the given file path (empty = default
// location), applies environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		dir, err := DefaultConfigDir()
		if err != nil {
			return nil, err
		}
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(dir)
	}

	v.SetEnvPrefix("RECALL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is fine; defaults + env cover everything.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && path != "" {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	// DATABASE_URL overrides individual storage settings (cloud convention).
	if err := cfg.Storage.parseDatabaseURL(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", false)

	v.SetDefault("server.addr", "127.0.0.1:8480")
	v.SetDefault("server.trust_proxy", false)
	v.SetDefault("server.rate_burst", 60)

	v.SetDefault("storage.postgres_host", "localhost")
	v.SetDefault("storage.postgres_port", 5432)
	v.SetDefault("storage.postgres_user", "recall")
	v.SetDefault("storage.postgres_dbname", "recall")
	v.SetDefault("storage.postgres_sslmode", "disable")
	v.SetDefault("storage.max_conns", 16)

	v.SetDefault("embedding.provider", "googleai")
	v.SetDefault("embedding.model", "gemini-embedding-001")
	v.SetDefault("embedding.fallback_model", "text-embedding-004")
	v.SetDefault("embedding.ollama_host", "http://localhost:11434")
	v.SetDefault("embedding.dimension", 768)
	v.SetDefault("embedding.timeout", 15*time.Second)
	v.SetDefault("embedding.cache_size", 4096)
	v.SetDefault("embedding.cache_ttl", time.Hour)

	v.SetDefault("retrieval.similarity_threshold", 0.7)
	v.SetDefault("retrieval.default_k", 5)
	v.SetDefault("retrieval.graph_depth", 2)
	v.SetDefault("retrieval.query_timeout", 10*time.Second)
	v.SetDefault("retrieval.result_cache_size", 1024)
	v.SetDefault("retrieval.result_cache_ttl", 5*time.Minute)
	v.SetDefault("retrieval.weight_similarity", 0.40)
	v.SetDefault("retrieval.weight_confidence", 0.20)
	v.SetDefault("retrieval.weight_recency", 0.15)
	v.SetDefault("retrieval.weight_context", 0.15)
	v.SetDefault("retrieval.weight_frequency", 0.10)

	v.SetDefault("ingest.batch_size", 32)
	v.SetDefault("ingest.flush_interval", 2*time.Second)
	v.SetDefault("ingest.shards", 4)
	v.SetDefault("ingest.flush_workers", 2)

	v.SetDefault("learning.dedup_threshold", 0.95)
	v.SetDefault("learning.stale_window", 90*24*time.Hour)
	v.SetDefault("learning.maintenance_interval", time.Hour)
	v.SetDefault("learning.min_sequence_repeat", 2)

	v.SetDefault("federation.project_id", "")
	v.SetDefault("federation.push_min_confidence", 0.85)
	v.SetDefault("federation.push_min_usage", 5)
	v.SetDefault("federation.op_timeout", 30*time.Second)
	v.SetDefault("federation.sync_interval", 15*time.Minute)
	v.SetDefault("federation.page_size", 100)
	v.SetDefault("federation.allow_private_peers", false)

	v.SetDefault("tracing.otlp_endpoint", "")
	v.SetDefault("tracing.environment", "production")
}
