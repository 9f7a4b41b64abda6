// Package config loads and validates the pipeline configuration.
//
// Configuration is loaded from defaults, then a YAML file, then environment
// variables with the COPILOT_ prefix (nested keys use underscores, e.g.
// COPILOT_MESSAGE_BUS_URL overrides message_bus.url). Driver selection is a
// single discriminant per adapter; driver-specific fields live beside it and
// Validate rejects impossible combinations, so a process never starts
// half-wired.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Driver discriminants recognized by Validate.
const (
	BusAMQP       = "amqp"
	BusServiceBus = "servicebus"
	BusMemory     = "memory"

	DocStoreCouchDB = "couchdb"
	DocStoreMemory  = "memory"

	VectorPgvector = "pgvector"
	VectorBolt     = "bolt"
	VectorMemory   = "memory"

	BlobS3     = "s3"
	BlobFS     = "fs"
	BlobMemory = "memory"

	CacheRedis  = "redis"
	CacheMemory = "memory"

	BackendOllama = "ollama"
	BackendFake   = "fake"
)

// MessageBusConfig selects and configures the bus driver.
type MessageBusConfig struct {
	// Type is amqp, servicebus or memory.
	Type string `mapstructure:"type"`

	// URL is the AMQP broker URL (amqp family).
	URL string `mapstructure:"url"`

	// Exchange is the topic exchange name, default copilot.events.
	Exchange string `mapstructure:"exchange"`

	// HeartbeatSeconds is the AMQP heartbeat interval, default 300.
	HeartbeatSeconds int `mapstructure:"heartbeat_seconds"`

	// BlockedTimeoutSeconds bounds waits on a blocked connection,
	// default 600 (at least twice the heartbeat).
	BlockedTimeoutSeconds int `mapstructure:"blocked_timeout_seconds"`

	// ConnectionString authenticates against Azure Service Bus
	// (servicebus family).
	ConnectionString string `mapstructure:"connection_string"`

	// Topic is the Service Bus topic name, default copilot.events.
	Topic string `mapstructure:"topic"`
}

// DocumentStoreConfig selects and configures the document store driver.
type DocumentStoreConfig struct {
	// Type is couchdb or memory.
	Type string `mapstructure:"type"`

	URL      string `mapstructure:"url"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`

	// DBPrefix namespaces the per-collection databases, default copilot.
	DBPrefix string `mapstructure:"db_prefix"`
}

// VectorStoreConfig selects and configures the vector store driver.
type VectorStoreConfig struct {
	// Type is pgvector, bolt or memory.
	Type string `mapstructure:"type"`

	// DSN is the Postgres connection string (pgvector).
	DSN string `mapstructure:"dsn"`

	// Path is the bbolt database file (bolt).
	Path string `mapstructure:"path"`

	// Collection names the embeddings table or bucket.
	Collection string `mapstructure:"collection"`

	// Dimension is the fixed embedding dimension; mismatches are fatal.
	Dimension int `mapstructure:"dimension"`
}

// BlobStoreConfig selects and configures the archive byte store.
type BlobStoreConfig struct {
	// Type is s3, fs or memory.
	Type string `mapstructure:"type"`

	Endpoint  string `mapstructure:"endpoint"`
	Region    string `mapstructure:"region"`
	Bucket    string `mapstructure:"bucket"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`

	// BasePath is the root directory for the fs driver.
	BasePath string `mapstructure:"base_path"`
}

// CacheConfig selects the lock/dedupe backend.
type CacheConfig struct {
	// Type is redis or memory.
	Type string `mapstructure:"type"`

	// URL is a redis:// connection URL.
	URL string `mapstructure:"url"`
}

// ChunkingConfig selects and parameterizes the chunker strategy.
type ChunkingConfig struct {
	// Strategy is token_window, fixed_size or semantic.
	Strategy string `mapstructure:"strategy"`

	ChunkSize        int `mapstructure:"chunk_size"`
	ChunkOverlap     int `mapstructure:"chunk_overlap"`
	MinChunkSize     int `mapstructure:"min_chunk_size"`
	MaxChunkSize     int `mapstructure:"max_chunk_size"`
	MessagesPerChunk int `mapstructure:"messages_per_chunk"`
}

// EmbeddingConfig selects and configures the embedder backend.
type EmbeddingConfig struct {
	// Backend is ollama or fake.
	Backend string `mapstructure:"backend"`

	BaseURL        string `mapstructure:"base_url"`
	Model          string `mapstructure:"model"`
	Dimension      int    `mapstructure:"dimension"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`

	// BatchSize is the ceiling on chunks embedded per event slice.
	BatchSize int `mapstructure:"batch_size"`
}

// LLMConfig selects and configures the summarization backend.
type LLMConfig struct {
	// Backend is ollama or fake.
	Backend string `mapstructure:"backend"`

	BaseURL        string  `mapstructure:"base_url"`
	Model          string  `mapstructure:"model"`
	Temperature    float64 `mapstructure:"temperature"`
	MaxTokens      int     `mapstructure:"max_tokens"`
	TimeoutSeconds int     `mapstructure:"timeout_seconds"`
}

// RetrievalConfig parameterizes orchestrator context assembly.
type RetrievalConfig struct {
	TopK                int    `mapstructure:"top_k"`
	ContextWindowTokens int    `mapstructure:"context_window_tokens"`
	SummaryType         string `mapstructure:"summary_type"`
}

// RetryConfig parameterizes the shared retry-with-backoff helper.
type RetryConfig struct {
	MaxAttempts       int `mapstructure:"max_attempts"`
	BackoffSeconds    int `mapstructure:"backoff_seconds"`
	MaxBackoffSeconds int `mapstructure:"max_backoff_seconds"`
}

// SupervisorConfig parameterizes startup requeue and the retry sweep.
type SupervisorConfig struct {
	StartupStallThresholdSeconds int `mapstructure:"startup_stall_threshold_seconds"`
	IntervalSeconds              int `mapstructure:"interval_seconds"`
	MaxRetries                   int `mapstructure:"max_retries"`
}

// ReportConfig lists the report delivery sinks.
type ReportConfig struct {
	// Sinks are webhook URLs; an empty list leaves only the log sink.
	Sinks          []string `mapstructure:"sinks"`
	TimeoutSeconds int      `mapstructure:"timeout_seconds"`
}

// MetricsConfig configures the per-worker metrics listener.
type MetricsConfig struct {
	// Listen is the sidecar address for /metrics and /healthz; empty
	// disables the listener.
	Listen string `mapstructure:"listen"`
}

// LoggingConfig configures the shared logger.
type LoggingConfig struct {
	// Level is debug, info, warn or error.
	Level string `mapstructure:"level"`

	// Format is text or json.
	Format string `mapstructure:"format"`
}

// Config is the full pipeline configuration tree.
type Config struct {
	MessageBus    MessageBusConfig    `mapstructure:"message_bus"`
	DocumentStore DocumentStoreConfig `mapstructure:"document_store"`
	VectorStore   VectorStoreConfig   `mapstructure:"vector_store"`
	BlobStore     BlobStoreConfig     `mapstructure:"blob_store"`
	Cache         CacheConfig         `mapstructure:"cache"`
	Chunking      ChunkingConfig      `mapstructure:"chunking"`
	Embedding     EmbeddingConfig     `mapstructure:"embedding"`
	LLM           LLMConfig           `mapstructure:"llm"`
	Retrieval     RetrievalConfig     `mapstructure:"retrieval"`
	Retry         RetryConfig         `mapstructure:"retry"`
	Supervisor    SupervisorConfig    `mapstructure:"supervisor"`
	Report        ReportConfig        `mapstructure:"report"`
	Metrics       MetricsConfig       `mapstructure:"metrics"`
	Logging       LoggingConfig       `mapstructure:"logging"`
}

// Loader reads configuration with the defaults → file → env precedence.
type Loader struct {
	v      *viper.Viper
	prefix string
}

// NewLoader creates a loader using the given environment prefix
// ("COPILOT" makes COPILOT_MESSAGE_BUS_URL override message_bus.url).
func NewLoader(envPrefix string) *Loader {
	return &Loader{v: viper.New(), prefix: envPrefix}
}

// SetDefaults installs the full default tree. Called before Load.
func (l *Loader) SetDefaults() {
	l.v.SetDefault("message_bus.type", BusMemory)
	l.v.SetDefault("message_bus.url", "")
	l.v.SetDefault("message_bus.exchange", "copilot.events")
	l.v.SetDefault("message_bus.heartbeat_seconds", 300)
	l.v.SetDefault("message_bus.blocked_timeout_seconds", 600)
	l.v.SetDefault("message_bus.topic", "copilot.events")

	l.v.SetDefault("document_store.type", DocStoreMemory)
	l.v.SetDefault("document_store.url", "http://localhost:5984")
	l.v.SetDefault("document_store.db_prefix", "copilot")

	l.v.SetDefault("vector_store.type", VectorMemory)
	l.v.SetDefault("vector_store.collection", "copilot_embeddings")
	l.v.SetDefault("vector_store.dimension", 768)

	l.v.SetDefault("blob_store.type", BlobMemory)
	l.v.SetDefault("blob_store.region", "us-east-1")
	l.v.SetDefault("blob_store.bucket", "copilot-archives")

	l.v.SetDefault("cache.type", CacheMemory)
	l.v.SetDefault("cache.url", "redis://localhost:6379/0")

	l.v.SetDefault("chunking.strategy", "token_window")
	l.v.SetDefault("chunking.chunk_size", 512)
	l.v.SetDefault("chunking.chunk_overlap", 64)
	l.v.SetDefault("chunking.min_chunk_size", 32)
	l.v.SetDefault("chunking.max_chunk_size", 1024)
	l.v.SetDefault("chunking.messages_per_chunk", 5)

	l.v.SetDefault("embedding.backend", BackendFake)
	l.v.SetDefault("embedding.base_url", "http://localhost:11434")
	l.v.SetDefault("embedding.model", "nomic-embed-text")
	l.v.SetDefault("embedding.dimension", 768)
	l.v.SetDefault("embedding.timeout_seconds", 60)
	l.v.SetDefault("embedding.batch_size", 32)

	l.v.SetDefault("llm.backend", BackendFake)
	l.v.SetDefault("llm.base_url", "http://localhost:11434")
	l.v.SetDefault("llm.model", "llama3.1")
	l.v.SetDefault("llm.temperature", 0.2)
	l.v.SetDefault("llm.max_tokens", 1024)
	l.v.SetDefault("llm.timeout_seconds", 120)

	l.v.SetDefault("retrieval.top_k", 8)
	l.v.SetDefault("retrieval.context_window_tokens", 4096)
	l.v.SetDefault("retrieval.summary_type", "thread")

	l.v.SetDefault("retry.max_attempts", 3)
	l.v.SetDefault("retry.backoff_seconds", 5)
	l.v.SetDefault("retry.max_backoff_seconds", 60)

	l.v.SetDefault("supervisor.startup_stall_threshold_seconds", 900)
	l.v.SetDefault("supervisor.interval_seconds", 900)
	l.v.SetDefault("supervisor.max_retries", 10)

	l.v.SetDefault("report.sinks", []string{})
	l.v.SetDefault("report.timeout_seconds", 30)

	l.v.SetDefault("metrics.listen", ":9464")

	l.v.SetDefault("logging.level", "info")
	l.v.SetDefault("logging.format", "text")
}

// Load reads the config file (when cfgFile is non-empty, it must exist),
// merges environment variables and unmarshals into a Config.
func (l *Loader) Load(cfgFile string) (*Config, error) {
	if cfgFile != "" {
		l.v.SetConfigFile(cfgFile)
		if err := l.v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	} else {
		l.v.SetConfigName("copilot")
		l.v.SetConfigType("yaml")
		l.v.AddConfigPath(".")
		l.v.AddConfigPath("/etc/copilot")
		if err := l.v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	if l.prefix != "" {
		l.v.SetEnvPrefix(l.prefix)
	}
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.v.AutomaticEnv()

	cfg := &Config{}
	if err := l.v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	return cfg, nil
}

// LoadConfig loads and validates the pipeline configuration in one call.
func LoadConfig(cfgFile string) (*Config, error) {
	loader := NewLoader("COPILOT")
	loader.SetDefaults()
	cfg, err := loader.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks driver discriminants, required per-driver fields and
// cross-field constraints. A process must not start on a config that
// fails here.
func (c *Config) Validate() error {
	switch c.MessageBus.Type {
	case BusAMQP:
		if c.MessageBus.URL == "" {
			return fmt.Errorf("message_bus.url is required for the amqp driver")
		}
		if c.MessageBus.ConnectionString != "" {
			return fmt.Errorf("message_bus.connection_string is a servicebus field, not valid with type amqp")
		}
		if c.MessageBus.HeartbeatSeconds <= 0 {
			return fmt.Errorf("message_bus.heartbeat_seconds must be positive")
		}
		if c.MessageBus.BlockedTimeoutSeconds < 2*c.MessageBus.HeartbeatSeconds {
			return fmt.Errorf("message_bus.blocked_timeout_seconds must be at least twice the heartbeat")
		}
	case BusServiceBus:
		if c.MessageBus.ConnectionString == "" {
			return fmt.Errorf("message_bus.connection_string is required for the servicebus driver")
		}
		if c.MessageBus.URL != "" {
			return fmt.Errorf("message_bus.url is an amqp field, not valid with type servicebus")
		}
	case BusMemory:
	default:
		return fmt.Errorf("unknown message_bus.type %q", c.MessageBus.Type)
	}

	switch c.DocumentStore.Type {
	case DocStoreCouchDB:
		if c.DocumentStore.URL == "" {
			return fmt.Errorf("document_store.url is required for the couchdb driver")
		}
	case DocStoreMemory:
	default:
		return fmt.Errorf("unknown document_store.type %q", c.DocumentStore.Type)
	}

	switch c.VectorStore.Type {
	case VectorPgvector:
		if c.VectorStore.DSN == "" {
			return fmt.Errorf("vector_store.dsn is required for the pgvector driver")
		}
	case VectorBolt:
		if c.VectorStore.Path == "" {
			return fmt.Errorf("vector_store.path is required for the bolt driver")
		}
	case VectorMemory:
	default:
		return fmt.Errorf("unknown vector_store.type %q", c.VectorStore.Type)
	}
	if c.VectorStore.Dimension <= 0 {
		return fmt.Errorf("vector_store.dimension must be positive, got %d", c.VectorStore.Dimension)
	}

	switch c.BlobStore.Type {
	case BlobS3:
		if c.BlobStore.Bucket == "" {
			return fmt.Errorf("blob_store.bucket is required for the s3 driver")
		}
	case BlobFS:
		if c.BlobStore.BasePath == "" {
			return fmt.Errorf("blob_store.base_path is required for the fs driver")
		}
	case BlobMemory:
	default:
		return fmt.Errorf("unknown blob_store.type %q", c.BlobStore.Type)
	}

	switch c.Cache.Type {
	case CacheRedis:
		if c.Cache.URL == "" {
			return fmt.Errorf("cache.url is required for the redis driver")
		}
	case CacheMemory:
	default:
		return fmt.Errorf("unknown cache.type %q", c.Cache.Type)
	}

	switch c.Chunking.Strategy {
	case "token_window":
		if c.Chunking.ChunkSize <= 0 {
			return fmt.Errorf("chunking.chunk_size must be positive")
		}
		if c.Chunking.ChunkOverlap >= c.Chunking.ChunkSize {
			return fmt.Errorf("chunking.chunk_overlap %d must be smaller than chunk_size %d",
				c.Chunking.ChunkOverlap, c.Chunking.ChunkSize)
		}
		if c.Chunking.MaxChunkSize > 0 && c.Chunking.MaxChunkSize < c.Chunking.ChunkSize {
			return fmt.Errorf("chunking.max_chunk_size %d must not be smaller than chunk_size %d",
				c.Chunking.MaxChunkSize, c.Chunking.ChunkSize)
		}
	case "fixed_size":
		if c.Chunking.MessagesPerChunk <= 0 {
			return fmt.Errorf("chunking.messages_per_chunk must be positive")
		}
	case "semantic":
		if c.Chunking.ChunkSize <= 0 {
			return fmt.Errorf("chunking.chunk_size must be positive")
		}
	default:
		return fmt.Errorf("unknown chunking.strategy %q", c.Chunking.Strategy)
	}

	switch c.Embedding.Backend {
	case BackendOllama:
		if c.Embedding.BaseURL == "" {
			return fmt.Errorf("embedding.base_url is required for the ollama backend")
		}
	case BackendFake:
	default:
		return fmt.Errorf("unknown embedding.backend %q", c.Embedding.Backend)
	}
	if c.Embedding.Dimension != c.VectorStore.Dimension {
		return fmt.Errorf("embedding.dimension %d does not match vector_store.dimension %d",
			c.Embedding.Dimension, c.VectorStore.Dimension)
	}
	if c.Embedding.BatchSize <= 0 {
		return fmt.Errorf("embedding.batch_size must be positive")
	}

	switch c.LLM.Backend {
	case BackendOllama:
		if c.LLM.BaseURL == "" {
			return fmt.Errorf("llm.base_url is required for the ollama backend")
		}
	case BackendFake:
	default:
		return fmt.Errorf("unknown llm.backend %q", c.LLM.Backend)
	}

	if c.Retrieval.TopK <= 0 {
		return fmt.Errorf("retrieval.top_k must be positive")
	}
	if c.Retrieval.ContextWindowTokens <= 0 {
		return fmt.Errorf("retrieval.context_window_tokens must be positive")
	}
	if c.Retrieval.SummaryType == "" {
		return fmt.Errorf("retrieval.summary_type is required")
	}

	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry.max_attempts must be positive")
	}
	if c.Supervisor.MaxRetries <= 0 {
		return fmt.Errorf("supervisor.max_retries must be positive")
	}
	if c.Supervisor.IntervalSeconds <= 0 {
		return fmt.Errorf("supervisor.interval_seconds must be positive")
	}

	for _, sink := range c.Report.Sinks {
		if !strings.HasPrefix(sink, "http://") && !strings.HasPrefix(sink, "https://") {
			return fmt.Errorf("report sink %q is not an http(s) URL", sink)
		}
	}
	return nil
}

// Durations converts the retry knobs to the worker helper's shape.
func (c *RetryConfig) Durations() (initial, max time.Duration) {
	return time.Duration(c.BackoffSeconds) * time.Second,
		time.Duration(c.MaxBackoffSeconds) * time.Second
}

// StallThreshold returns the startup requeue stall threshold.
func (c *SupervisorConfig) StallThreshold() time.Duration {
	return time.Duration(c.StartupStallThresholdSeconds) * time.Second
}

// Interval returns the retry supervisor sweep interval.
func (c *SupervisorConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}
