package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/pcf-provenance/internal/db"
	"github.com/sells-group/pcf-provenance/internal/model"
	"github.com/sells-group/pcf-provenance/internal/resilience"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS lifecycles (
	footprint_id TEXT PRIMARY KEY,
	state        TEXT NOT NULL,
	last_step    TEXT NOT NULL DEFAULT '',
	reason       TEXT NOT NULL DEFAULT '',
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS lifecycle_transitions (
	id           BIGSERIAL PRIMARY KEY,
	footprint_id TEXT NOT NULL,
	state        TEXT NOT NULL,
	step         TEXT NOT NULL DEFAULT '',
	reason       TEXT NOT NULL DEFAULT '',
	at           TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS registry_objects (
	key        TEXT PRIMARY KEY,
	content    BYTEA NOT NULL,
	digest     TEXT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS dead_letter_queue (
	id             TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	footprint_id   TEXT NOT NULL DEFAULT '',
	step           TEXT NOT NULL,
	topic          TEXT NOT NULL DEFAULT '',
	payload        BYTEA,
	error          TEXT NOT NULL,
	error_type     TEXT NOT NULL DEFAULT 'transient',
	retry_count    INTEGER NOT NULL DEFAULT 0,
	max_retries    INTEGER NOT NULL DEFAULT 3,
	next_retry_at  TIMESTAMPTZ NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_failed_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_lifecycles_state ON lifecycles(state);
CREATE INDEX IF NOT EXISTS idx_transitions_footprint ON lifecycle_transitions(footprint_id);
CREATE INDEX IF NOT EXISTS idx_dlq_error_type ON dead_letter_queue(error_type);
CREATE INDEX IF NOT EXISTS idx_dlq_next_retry ON dead_letter_queue(next_retry_at);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// --- Lifecycles ---

func (s *PostgresStore) RecordTransition(ctx context.Context, t model.Transition) error {
	if t.At.IsZero() {
		t.At = time.Now().UTC()
	}
	return db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO lifecycles (footprint_id, state, last_step, reason, updated_at)
			 VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (footprint_id) DO UPDATE SET
			   state = $2, last_step = $3, reason = $4, updated_at = $5`,
			t.FootprintID, string(t.State), string(t.Step), t.Reason, t.At,
		); err != nil {
			return eris.Wrapf(err, "postgres: upsert lifecycle %s", t.FootprintID)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO lifecycle_transitions (footprint_id, state, step, reason, at) VALUES ($1, $2, $3, $4, $5)`,
			t.FootprintID, string(t.State), string(t.Step), t.Reason, t.At,
		); err != nil {
			return eris.Wrapf(err, "postgres: insert transition %s", t.FootprintID)
		}
		return nil
	})
}

func (s *PostgresStore) GetLifecycle(ctx context.Context, footprintID string) (*model.Lifecycle, error) {
	var (
		lc         model.Lifecycle
		state, stp string
	)
	err := s.pool.QueryRow(ctx,
		`SELECT footprint_id, state, last_step, reason, updated_at FROM lifecycles WHERE footprint_id = $1`,
		footprintID,
	).Scan(&lc.FootprintID, &state, &stp, &lc.Reason, &lc.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get lifecycle %s", footprintID)
	}
	lc.State = model.LifecycleState(state)
	lc.LastStep = model.Step(stp)
	return &lc, nil
}

func (s *PostgresStore) ListLifecycles(ctx context.Context, filter LifecycleFilter) ([]model.Lifecycle, error) {
	query := `SELECT footprint_id, state, last_step, reason, updated_at FROM lifecycles`
	args := []any{}
	argIdx := 1
	if filter.State != "" {
		query += fmt.Sprintf(` WHERE state = $%d`, argIdx)
		args = append(args, string(filter.State))
		argIdx++
	}
	query += fmt.Sprintf(` ORDER BY updated_at DESC LIMIT $%d OFFSET $%d`, argIdx, argIdx+1)
	args = append(args, limitOrDefault(filter.Limit), filter.Offset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list lifecycles")
	}
	defer rows.Close()

	var out []model.Lifecycle
	for rows.Next() {
		var (
			lc         model.Lifecycle
			state, stp string
		)
		if err := rows.Scan(&lc.FootprintID, &state, &stp, &lc.Reason, &lc.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan lifecycle")
		}
		lc.State = model.LifecycleState(state)
		lc.LastStep = model.Step(stp)
		out = append(out, lc)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list lifecycles iterate")
}

func (s *PostgresStore) ListTransitions(ctx context.Context, footprintID string) ([]model.Transition, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT footprint_id, state, step, reason, at FROM lifecycle_transitions WHERE footprint_id = $1 ORDER BY id ASC`,
		footprintID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list transitions %s", footprintID)
	}
	defer rows.Close()

	var out []model.Transition
	for rows.Next() {
		var (
			t          model.Transition
			state, stp string
		)
		if err := rows.Scan(&t.FootprintID, &state, &stp, &t.Reason, &t.At); err != nil {
			return nil, eris.Wrap(err, "postgres: scan transition")
		}
		t.State = model.LifecycleState(state)
		t.Step = model.Step(stp)
		out = append(out, t)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list transitions iterate")
}

// --- Registry objects ---

func (s *PostgresStore) PutObject(ctx context.Context, key string, content []byte, digest string) error {
	if content == nil {
		content = []byte{}
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO registry_objects (key, content, digest, updated_at) VALUES ($1, $2, $3, now())
		 ON CONFLICT (key) DO UPDATE SET content = $2, digest = $3, updated_at = now()`,
		key, content, digest,
	)
	return eris.Wrapf(err, "postgres: put object %s", key)
}

func (s *PostgresStore) GetObject(ctx context.Context, key string) (*Object, error) {
	var obj Object
	err := s.pool.QueryRow(ctx,
		`SELECT key, content, digest, updated_at FROM registry_objects WHERE key = $1`, key,
	).Scan(&obj.Key, &obj.Content, &obj.Digest, &obj.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get object %s", key)
	}
	if obj.Content == nil {
		obj.Content = []byte{}
	}
	return &obj, nil
}

// --- Dead letter queue ---

func (s *PostgresStore) EnqueueDLQ(ctx context.Context, entry resilience.DLQEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	if entry.LastFailedAt.IsZero() {
		entry.LastFailedAt = now
	}
	if entry.NextRetryAt.IsZero() {
		entry.NextRetryAt = now
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO dead_letter_queue
		 (id, footprint_id, step, topic, payload, error, error_type, retry_count, max_retries, next_retry_at, created_at, last_failed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 ON CONFLICT (id) DO UPDATE SET
		   step = $3, error = $6, error_type = $7, retry_count = $8,
		   next_retry_at = $10, last_failed_at = $12`,
		entry.ID, entry.FootprintID, string(entry.Step), entry.Topic, entry.Payload,
		entry.Error, entry.ErrorType, entry.RetryCount, entry.MaxRetries,
		entry.NextRetryAt, entry.CreatedAt, entry.LastFailedAt,
	)
	return eris.Wrap(err, "postgres: enqueue dlq")
}

func (s *PostgresStore) DequeueDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error) {
	return s.queryDLQ(ctx, filter, true)
}

func (s *PostgresStore) ListDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error) {
	return s.queryDLQ(ctx, filter, false)
}

func (s *PostgresStore) queryDLQ(ctx context.Context, filter resilience.DLQFilter, dueOnly bool) ([]resilience.DLQEntry, error) {
	query := `SELECT id, footprint_id, step, topic, payload, error, error_type, retry_count, max_retries,
	                 next_retry_at, created_at, last_failed_at
	          FROM dead_letter_queue WHERE TRUE`
	if dueOnly {
		query += ` AND next_retry_at <= now() AND retry_count < max_retries`
	}
	args := []any{}
	argIdx := 1

	if filter.ErrorType != "" {
		query += fmt.Sprintf(` AND error_type = $%d`, argIdx)
		args = append(args, filter.ErrorType)
		argIdx++
	}
	if filter.Step != "" {
		query += fmt.Sprintf(` AND step = $%d`, argIdx)
		args = append(args, string(filter.Step))
		argIdx++
	}

	if dueOnly {
		query += ` ORDER BY next_retry_at ASC`
	} else {
		query += ` ORDER BY created_at ASC`
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limitOrDefault(filter.Limit))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: query dlq")
	}
	defer rows.Close()

	var entries []resilience.DLQEntry
	for rows.Next() {
		var (
			e   resilience.DLQEntry
			stp string
		)
		if err := rows.Scan(&e.ID, &e.FootprintID, &stp, &e.Topic, &e.Payload, &e.Error, &e.ErrorType,
			&e.RetryCount, &e.MaxRetries, &e.NextRetryAt, &e.CreatedAt, &e.LastFailedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan dlq entry")
		}
		e.Step = model.Step(stp)
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "postgres: query dlq iterate")
}

func (s *PostgresStore) IncrementDLQRetry(ctx context.Context, id string, nextRetryAt time.Time, lastErr string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE dead_letter_queue
		 SET retry_count = retry_count + 1, next_retry_at = $1, error = $2, last_failed_at = now()
		 WHERE id = $3`,
		nextRetryAt, lastErr, id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: increment dlq retry %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("dlq_entry not found: %s", id)
	}
	return nil
}

func (s *PostgresStore) RemoveDLQ(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM dead_letter_queue WHERE id = $1`, id)
	return eris.Wrap(err, "postgres: remove dlq")
}

func (s *PostgresStore) CountDLQ(ctx context.Context) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM dead_letter_queue`).Scan(&count)
	return count, eris.Wrap(err, "postgres: count dlq")
}

var _ Store = (*PostgresStore)(nil)
