// Package config defines the worker's runtime configuration and how it is
// assembled from the environment.
package config

import "time"

// PostgresConfig describes the primary job/document store connection.
type PostgresConfig struct {
	DSN             string
	MaxConns        int32
	MaxConnLifetime time.Duration
}

// ObjectStoreConfig describes the S3-compatible bucket used for source
// documents, extracted markdown, and checkpoint envelopes.
type ObjectStoreConfig struct {
	Bucket       string
	Region       string
	Endpoint     string // non-empty selects a MinIO-style path-style client
	AccessKey    string
	SecretKey    string
	UsePathStyle bool
	SSEKMSKeyID  string
	UploadPrefix string
}

// VectorConfig selects and configures the connection-detection vector backend.
type VectorConfig struct {
	Backend    string // memory | auto | postgres | qdrant | none
	DSN        string
	Collection string // qdrant only
	Dimensions int
	Metric     string // cosine | l2 | ip | dot | manhattan
}

// RedisConfig configures the optional advisory-lock fast path.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Enabled  bool
}

// KafkaConfig configures the optional connection-detection completion topic.
type KafkaConfig struct {
	Brokers []string
	Topic   string
	Enabled bool
}

// AIProviderConfig holds one provider's credentials and default model.
type AIProviderConfig struct {
	APIKey  string
	Model   string
	BaseURL string
}

// AIConfig aggregates the three pluggable LLM providers used by cleanup,
// enrichment, and thematic-bridge connection detection.
type AIConfig struct {
	Primary   string // anthropic | openai | gemini
	Anthropic AIProviderConfig
	OpenAI    AIProviderConfig
	Gemini    AIProviderConfig
}

// WorkerConfig tunes the job-queue poll loop, heartbeat, and retry schedule.
type WorkerConfig struct {
	PollInterval       time.Duration
	RetryScanInterval  time.Duration
	HeartbeatInterval  time.Duration
	StaleAfter         time.Duration
	MaxRetries         int
	MaxBackoff         time.Duration
	Concurrency        int
	AIBatchConcurrency int
}

// TelemetryConfig configures structured logging and OpenTelemetry export.
type TelemetryConfig struct {
	LogLevel      string
	LogFile       string
	OTLPEndpoint  string
	ServiceName   string
	TracesEnabled bool
}

// EmbeddingConfig selects the embedding strategy used by the embed stage.
type EmbeddingConfig struct {
	Provider   string // deterministic | http
	Dimensions int
	Endpoint   string
	APIKey     string
	Model      string
}

// Config is the fully resolved worker configuration.
type Config struct {
	Postgres    PostgresConfig
	ObjectStore ObjectStoreConfig
	Vector      VectorConfig
	Redis       RedisConfig
	Kafka       KafkaConfig
	AI          AIConfig
	Worker      WorkerConfig
	Telemetry   TelemetryConfig
	Embedding   EmbeddingConfig
}
