// Package store persists proof lifecycles, registry objects and dead-lettered
// messages. SQLite serves single-node deployments and tests; PostgreSQL
// serves shared deployments.
package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/pcf-provenance/internal/config"
	"github.com/sells-group/pcf-provenance/internal/model"
	"github.com/sells-group/pcf-provenance/internal/resilience"
)

// LifecycleFilter specifies criteria for listing lifecycles.
type LifecycleFilter struct {
	State  model.LifecycleState `json:"state,omitempty"`
	Limit  int                  `json:"limit,omitempty"`
	Offset int                  `json:"offset,omitempty"`
}

// Object is a document held by the registry under a key.
type Object struct {
	Key       string    `json:"key"`
	Content   []byte    `json:"content"`
	Digest    string    `json:"digest"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store defines the persistence interface for the proofing service.
type Store interface {
	// Lifecycles
	RecordTransition(ctx context.Context, t model.Transition) error
	GetLifecycle(ctx context.Context, footprintID string) (*model.Lifecycle, error)
	ListLifecycles(ctx context.Context, filter LifecycleFilter) ([]model.Lifecycle, error)
	ListTransitions(ctx context.Context, footprintID string) ([]model.Transition, error)

	// Registry objects. PutObject replaces any existing content for the key.
	PutObject(ctx context.Context, key string, content []byte, digest string) error
	GetObject(ctx context.Context, key string) (*Object, error)

	// Dead letter queue
	EnqueueDLQ(ctx context.Context, entry resilience.DLQEntry) error
	DequeueDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error)
	ListDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error)
	IncrementDLQRetry(ctx context.Context, id string, nextRetryAt time.Time, lastErr string) error
	RemoveDLQ(ctx context.Context, id string) error
	CountDLQ(ctx context.Context) (int, error)

	Migrate(ctx context.Context) error
	Close() error
}

// Open connects to the backend named by cfg.Driver and applies migrations.
func Open(ctx context.Context, cfg config.StoreConfig) (Store, error) {
	var (
		st  Store
		err error
	)
	switch cfg.Driver {
	case "sqlite", "":
		st, err = NewSQLite(cfg.DatabaseURL)
	case "postgres":
		st, err = NewPostgres(ctx, cfg.DatabaseURL, nil)
	default:
		return nil, eris.Errorf("store: unsupported driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close() //nolint:errcheck
		return nil, err
	}
	return st, nil
}

const defaultListLimit = 100

func limitOrDefault(n int) int {
	if n <= 0 {
		return defaultListLimit
	}
	return n
}
