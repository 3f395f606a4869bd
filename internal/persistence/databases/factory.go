package databases

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/toph420/rhizome-worker/internal/config"
)

// NewManager constructs the vector backend based on configuration.
// Supported backends: memory, auto, postgres (pgvector), qdrant, none.
func NewManager(ctx context.Context, cfg config.VectorConfig) (Manager, error) {
	var m Manager
	switch cfg.Backend {
	case "", "memory":
		m.Vector = NewMemoryVector()
	case "auto":
		if cfg.DSN != "" {
			if p, err := newPgPool(ctx, cfg.DSN); err == nil {
				m.Vector = NewPostgresVector(p, cfg.Dimensions, cfg.Metric)
			} else {
				m.Vector = NewMemoryVector()
			}
		} else {
			m.Vector = NewMemoryVector()
		}
	case "postgres", "pgvector", "pg":
		if cfg.DSN == "" {
			return Manager{}, fmt.Errorf("vector backend postgres requires DSN")
		}
		p, err := newPgPool(ctx, cfg.DSN)
		if err != nil {
			return Manager{}, fmt.Errorf("connect postgres (vector): %w", err)
		}
		m.Vector = NewPostgresVector(p, cfg.Dimensions, cfg.Metric)
	case "qdrant":
		if cfg.DSN == "" {
			return Manager{}, fmt.Errorf("vector backend qdrant requires DSN")
		}
		v, err := NewQdrantVector(cfg.DSN, cfg.Collection, cfg.Dimensions, cfg.Metric)
		if err != nil {
			return Manager{}, fmt.Errorf("connect qdrant: %w", err)
		}
		m.Vector = v
	case "none", "disabled":
		m.Vector = noopVector{}
	default:
		return Manager{}, fmt.Errorf("unsupported vector backend: %s", cfg.Backend)
	}
	return m, nil
}

type noopVector struct{}

func (noopVector) Upsert(context.Context, string, []float32, map[string]string) error { return nil }
func (noopVector) Delete(context.Context, string) error                               { return nil }
func (noopVector) DeleteByDocument(context.Context, string) error                     { return nil }
func (noopVector) SimilaritySearch(context.Context, []float32, int, map[string]string) ([]VectorResult, error) {
	return nil, nil
}

// newPgPool opens a pgx connection pool with conservative defaults and pings it.
func newPgPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	cfg.MaxConns = 8
	cfg.MinConns = 0
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 5 * time.Minute
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	cctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := pool.Ping(cctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}
