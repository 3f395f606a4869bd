package config

import (
	"strconv"
	"strings"
	"time"

	"os"

	"github.com/joho/godotenv"
)

// Load reads configuration from environment variables, with an optional
// .env overlay. Values in .env take precedence over pre-existing OS
// environment variables, matching the teacher's development-first posture.
func Load() (Config, error) {
	_ = godotenv.Overload()

	cfg := Config{}

	cfg.Postgres.DSN = strings.TrimSpace(os.Getenv("DATABASE_URL"))
	cfg.Postgres.MaxConns = int32(envInt("DATABASE_MAX_CONNS", 8))
	cfg.Postgres.MaxConnLifetime = envDuration("DATABASE_MAX_CONN_LIFETIME", time.Hour)

	cfg.ObjectStore.Bucket = strings.TrimSpace(os.Getenv("OBJECT_STORE_BUCKET"))
	cfg.ObjectStore.Region = firstNonEmpty(strings.TrimSpace(os.Getenv("OBJECT_STORE_REGION")), "us-east-1")
	cfg.ObjectStore.Endpoint = strings.TrimSpace(os.Getenv("OBJECT_STORE_ENDPOINT"))
	cfg.ObjectStore.AccessKey = strings.TrimSpace(os.Getenv("OBJECT_STORE_ACCESS_KEY"))
	cfg.ObjectStore.SecretKey = strings.TrimSpace(os.Getenv("OBJECT_STORE_SECRET_KEY"))
	cfg.ObjectStore.UsePathStyle = envBool("OBJECT_STORE_PATH_STYLE", cfg.ObjectStore.Endpoint != "")
	cfg.ObjectStore.SSEKMSKeyID = strings.TrimSpace(os.Getenv("OBJECT_STORE_SSE_KMS_KEY_ID"))
	cfg.ObjectStore.UploadPrefix = strings.TrimSpace(os.Getenv("OBJECT_STORE_PREFIX"))

	cfg.Vector.Backend = firstNonEmpty(strings.TrimSpace(os.Getenv("VECTOR_BACKEND")), "memory")
	cfg.Vector.DSN = firstNonEmpty(strings.TrimSpace(os.Getenv("VECTOR_DSN")), cfg.Postgres.DSN)
	cfg.Vector.Collection = firstNonEmpty(strings.TrimSpace(os.Getenv("VECTOR_COLLECTION")), "semantic_chunks")
	cfg.Vector.Dimensions = envInt("VECTOR_DIMENSIONS", 768)
	cfg.Vector.Metric = firstNonEmpty(strings.TrimSpace(os.Getenv("VECTOR_METRIC")), "cosine")

	cfg.Redis.Addr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.Redis.Password = strings.TrimSpace(os.Getenv("REDIS_PASSWORD"))
	cfg.Redis.DB = envInt("REDIS_DB", 0)
	cfg.Redis.Enabled = envBool("REDIS_ENABLED", cfg.Redis.Addr != "")

	cfg.Kafka.Brokers = splitCSV(os.Getenv("KAFKA_BROKERS"))
	cfg.Kafka.Topic = firstNonEmpty(strings.TrimSpace(os.Getenv("KAFKA_TOPIC")), "document.connections.detected")
	cfg.Kafka.Enabled = envBool("KAFKA_ENABLED", len(cfg.Kafka.Brokers) > 0)

	cfg.AI.Primary = firstNonEmpty(strings.TrimSpace(os.Getenv("AI_PRIMARY_PROVIDER")), "anthropic")
	cfg.AI.Anthropic.APIKey = strings.TrimSpace(os.Getenv("ANTHROPIC_API_KEY"))
	cfg.AI.Anthropic.Model = firstNonEmpty(strings.TrimSpace(os.Getenv("ANTHROPIC_MODEL")), "claude-sonnet-4-5")
	cfg.AI.OpenAI.APIKey = strings.TrimSpace(os.Getenv("OPENAI_API_KEY"))
	cfg.AI.OpenAI.Model = firstNonEmpty(strings.TrimSpace(os.Getenv("OPENAI_MODEL")), "gpt-4o-mini")
	cfg.AI.OpenAI.BaseURL = strings.TrimSpace(os.Getenv("OPENAI_BASE_URL"))
	cfg.AI.Gemini.APIKey = strings.TrimSpace(os.Getenv("GEMINI_API_KEY"))
	cfg.AI.Gemini.Model = firstNonEmpty(strings.TrimSpace(os.Getenv("GEMINI_MODEL")), "gemini-2.0-flash")

	cfg.Worker.PollInterval = envDuration("WORKER_POLL_INTERVAL", 5*time.Second)
	cfg.Worker.RetryScanInterval = envDuration("WORKER_RETRY_SCAN_INTERVAL", 30*time.Second)
	cfg.Worker.HeartbeatInterval = envDuration("WORKER_HEARTBEAT_INTERVAL", 5*time.Second)
	cfg.Worker.StaleAfter = envDuration("WORKER_STALE_AFTER", 30*time.Second)
	cfg.Worker.MaxRetries = envInt("WORKER_MAX_RETRIES", 5)
	cfg.Worker.MaxBackoff = envDuration("WORKER_MAX_BACKOFF", 30*time.Minute)
	cfg.Worker.Concurrency = envInt("WORKER_CONCURRENCY", 4)
	cfg.Worker.AIBatchConcurrency = envInt("WORKER_AI_BATCH_CONCURRENCY", 3)

	cfg.Telemetry.LogLevel = firstNonEmpty(strings.TrimSpace(os.Getenv("LOG_LEVEL")), "info")
	cfg.Telemetry.LogFile = strings.TrimSpace(os.Getenv("LOG_FILE"))
	cfg.Telemetry.OTLPEndpoint = strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	cfg.Telemetry.ServiceName = firstNonEmpty(strings.TrimSpace(os.Getenv("OTEL_SERVICE_NAME")), "rhizome-worker")
	cfg.Telemetry.TracesEnabled = envBool("OTEL_TRACES_ENABLED", cfg.Telemetry.OTLPEndpoint != "")

	cfg.Embedding.Provider = firstNonEmpty(strings.TrimSpace(os.Getenv("EMBEDDING_PROVIDER")), "deterministic")
	cfg.Embedding.Dimensions = envInt("EMBEDDING_DIMENSIONS", 768)
	cfg.Embedding.Endpoint = strings.TrimSpace(os.Getenv("EMBEDDING_ENDPOINT"))
	cfg.Embedding.APIKey = strings.TrimSpace(os.Getenv("EMBEDDING_API_KEY"))
	cfg.Embedding.Model = strings.TrimSpace(os.Getenv("EMBEDDING_MODEL"))

	return cfg, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func splitCSV(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
