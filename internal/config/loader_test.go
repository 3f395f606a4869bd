package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{
		"DATABASE_URL", "VECTOR_BACKEND", "WORKER_POLL_INTERVAL", "EMBEDDING_PROVIDER",
	} {
		t.Setenv(key, "")
	}

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "memory", cfg.Vector.Backend)
	require.Equal(t, 768, cfg.Vector.Dimensions)
	require.Equal(t, 5*time.Second, cfg.Worker.PollInterval)
	require.Equal(t, "deterministic", cfg.Embedding.Provider)
}

func TestLoadOverridesFromEnv(t *testing.T) {
	t.Setenv("VECTOR_BACKEND", "qdrant")
	t.Setenv("VECTOR_DIMENSIONS", "1536")
	t.Setenv("WORKER_POLL_INTERVAL", "2s")
	t.Setenv("KAFKA_BROKERS", "broker-a:9092, broker-b:9092")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "qdrant", cfg.Vector.Backend)
	require.Equal(t, 1536, cfg.Vector.Dimensions)
	require.Equal(t, 2*time.Second, cfg.Worker.PollInterval)
	require.Equal(t, []string{"broker-a:9092", "broker-b:9092"}, cfg.Kafka.Brokers)
	require.True(t, cfg.Kafka.Enabled)
}

func TestEnvIntFallsBackOnParseError(t *testing.T) {
	t.Setenv("WORKER_MAX_RETRIES", "not-a-number")
	require.Equal(t, 5, envInt("WORKER_MAX_RETRIES", 5))
}

func TestMain_envIsolation(t *testing.T) {
	// sanity check that t.Setenv above does not leak across tests
	if v := os.Getenv("VECTOR_BACKEND"); v != "" {
		t.Logf("VECTOR_BACKEND leaked: %q", v)
	}
}
