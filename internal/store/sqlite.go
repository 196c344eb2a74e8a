package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/pcf-provenance/internal/model"
	"github.com/sells-group/pcf-provenance/internal/resilience"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

// Timestamps are stored as fixed-width UTC text so that string comparison
// orders them chronologically.
const sqliteMigration = `
CREATE TABLE IF NOT EXISTS lifecycles (
	footprint_id TEXT PRIMARY KEY,
	state        TEXT NOT NULL,
	last_step    TEXT NOT NULL DEFAULT '',
	reason       TEXT NOT NULL DEFAULT '',
	updated_at   TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS lifecycle_transitions (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	footprint_id TEXT NOT NULL,
	state        TEXT NOT NULL,
	step         TEXT NOT NULL DEFAULT '',
	reason       TEXT NOT NULL DEFAULT '',
	at           TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS registry_objects (
	key        TEXT PRIMARY KEY,
	content    BLOB NOT NULL,
	digest     TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS dead_letter_queue (
	id             TEXT PRIMARY KEY,
	footprint_id   TEXT NOT NULL DEFAULT '',
	step           TEXT NOT NULL,
	topic          TEXT NOT NULL DEFAULT '',
	payload        BLOB,
	error          TEXT NOT NULL,
	error_type     TEXT NOT NULL DEFAULT 'transient',
	retry_count    INTEGER NOT NULL DEFAULT 0,
	max_retries    INTEGER NOT NULL DEFAULT 3,
	next_retry_at  TEXT NOT NULL,
	created_at     TEXT NOT NULL,
	last_failed_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_lifecycles_state ON lifecycles(state);
CREATE INDEX IF NOT EXISTS idx_transitions_footprint ON lifecycle_transitions(footprint_id);
CREATE INDEX IF NOT EXISTS idx_dlq_error_type ON dead_letter_queue(error_type);
CREATE INDEX IF NOT EXISTS idx_dlq_next_retry ON dead_letter_queue(next_retry_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Lifecycles ---

func (s *SQLiteStore) RecordTransition(ctx context.Context, t model.Transition) error {
	if t.At.IsZero() {
		t.At = time.Now()
	}
	at := sqliteTime(t.At)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin transition")
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO lifecycles (footprint_id, state, last_step, reason, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(footprint_id) DO UPDATE SET
		   state = excluded.state, last_step = excluded.last_step,
		   reason = excluded.reason, updated_at = excluded.updated_at`,
		t.FootprintID, string(t.State), string(t.Step), t.Reason, at,
	); err != nil {
		return eris.Wrapf(err, "sqlite: upsert lifecycle %s", t.FootprintID)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO lifecycle_transitions (footprint_id, state, step, reason, at) VALUES (?, ?, ?, ?, ?)`,
		t.FootprintID, string(t.State), string(t.Step), t.Reason, at,
	); err != nil {
		return eris.Wrapf(err, "sqlite: insert transition %s", t.FootprintID)
	}

	return eris.Wrap(tx.Commit(), "sqlite: commit transition")
}

func (s *SQLiteStore) GetLifecycle(ctx context.Context, footprintID string) (*model.Lifecycle, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT footprint_id, state, last_step, reason, updated_at FROM lifecycles WHERE footprint_id = ?`,
		footprintID,
	)
	lc, err := scanLifecycle(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get lifecycle %s", footprintID)
	}
	return lc, nil
}

func (s *SQLiteStore) ListLifecycles(ctx context.Context, filter LifecycleFilter) ([]model.Lifecycle, error) {
	query := `SELECT footprint_id, state, last_step, reason, updated_at FROM lifecycles`
	var args []any
	if filter.State != "" {
		query += ` WHERE state = ?`
		args = append(args, string(filter.State))
	}
	query += ` ORDER BY updated_at DESC LIMIT ? OFFSET ?`
	args = append(args, limitOrDefault(filter.Limit), filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list lifecycles")
	}
	defer rows.Close()

	var out []model.Lifecycle
	for rows.Next() {
		lc, err := scanLifecycle(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan lifecycle")
		}
		out = append(out, *lc)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list lifecycles iterate")
}

func (s *SQLiteStore) ListTransitions(ctx context.Context, footprintID string) ([]model.Transition, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT footprint_id, state, step, reason, at FROM lifecycle_transitions WHERE footprint_id = ? ORDER BY id ASC`,
		footprintID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list transitions %s", footprintID)
	}
	defer rows.Close()

	var out []model.Transition
	for rows.Next() {
		var (
			t          model.Transition
			state, stp string
			at         string
		)
		if err := rows.Scan(&t.FootprintID, &state, &stp, &t.Reason, &at); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan transition")
		}
		t.State = model.LifecycleState(state)
		t.Step = model.Step(stp)
		if t.At, err = parseSQLiteTime(at); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list transitions iterate")
}

// --- Registry objects ---

func (s *SQLiteStore) PutObject(ctx context.Context, key string, content []byte, digest string) error {
	if content == nil {
		content = []byte{}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO registry_objects (key, content, digest, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET content = excluded.content, digest = excluded.digest, updated_at = excluded.updated_at`,
		key, content, digest, sqliteTime(time.Now()),
	)
	return eris.Wrapf(err, "sqlite: put object %s", key)
}

func (s *SQLiteStore) GetObject(ctx context.Context, key string) (*Object, error) {
	var (
		obj Object
		at  string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT key, content, digest, updated_at FROM registry_objects WHERE key = ?`, key,
	).Scan(&obj.Key, &obj.Content, &obj.Digest, &at)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get object %s", key)
	}
	if obj.Content == nil {
		obj.Content = []byte{}
	}
	if obj.UpdatedAt, err = parseSQLiteTime(at); err != nil {
		return nil, err
	}
	return &obj, nil
}

// --- Dead letter queue ---

func (s *SQLiteStore) EnqueueDLQ(ctx context.Context, entry resilience.DLQEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	now := time.Now()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	if entry.LastFailedAt.IsZero() {
		entry.LastFailedAt = now
	}
	if entry.NextRetryAt.IsZero() {
		entry.NextRetryAt = now
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dead_letter_queue
		 (id, footprint_id, step, topic, payload, error, error_type, retry_count, max_retries, next_retry_at, created_at, last_failed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   error = excluded.error, error_type = excluded.error_type, step = excluded.step,
		   retry_count = excluded.retry_count, next_retry_at = excluded.next_retry_at,
		   last_failed_at = excluded.last_failed_at`,
		entry.ID, entry.FootprintID, string(entry.Step), entry.Topic, entry.Payload,
		entry.Error, entry.ErrorType, entry.RetryCount, entry.MaxRetries,
		sqliteTime(entry.NextRetryAt), sqliteTime(entry.CreatedAt), sqliteTime(entry.LastFailedAt),
	)
	return eris.Wrap(err, "sqlite: enqueue dlq")
}

func (s *SQLiteStore) DequeueDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error) {
	return s.queryDLQ(ctx, filter, true)
}

func (s *SQLiteStore) ListDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error) {
	return s.queryDLQ(ctx, filter, false)
}

func (s *SQLiteStore) queryDLQ(ctx context.Context, filter resilience.DLQFilter, dueOnly bool) ([]resilience.DLQEntry, error) {
	query := `SELECT id, footprint_id, step, topic, payload, error, error_type, retry_count, max_retries,
	                 next_retry_at, created_at, last_failed_at
	          FROM dead_letter_queue WHERE 1 = 1`
	var args []any
	if dueOnly {
		query += ` AND next_retry_at <= ? AND retry_count < max_retries`
		args = append(args, sqliteTime(time.Now()))
	}
	if filter.ErrorType != "" {
		query += ` AND error_type = ?`
		args = append(args, filter.ErrorType)
	}
	if filter.Step != "" {
		query += ` AND step = ?`
		args = append(args, string(filter.Step))
	}
	if dueOnly {
		query += ` ORDER BY next_retry_at ASC`
	} else {
		query += ` ORDER BY created_at ASC`
	}
	query += ` LIMIT ?`
	args = append(args, limitOrDefault(filter.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: query dlq")
	}
	defer rows.Close()

	var entries []resilience.DLQEntry
	for rows.Next() {
		var (
			e                      resilience.DLQEntry
			stp                    string
			next, created, lastErr string
		)
		if err := rows.Scan(&e.ID, &e.FootprintID, &stp, &e.Topic, &e.Payload, &e.Error, &e.ErrorType,
			&e.RetryCount, &e.MaxRetries, &next, &created, &lastErr); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan dlq entry")
		}
		e.Step = model.Step(stp)
		if e.NextRetryAt, err = parseSQLiteTime(next); err != nil {
			return nil, err
		}
		if e.CreatedAt, err = parseSQLiteTime(created); err != nil {
			return nil, err
		}
		if e.LastFailedAt, err = parseSQLiteTime(lastErr); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "sqlite: query dlq iterate")
}

func (s *SQLiteStore) IncrementDLQRetry(ctx context.Context, id string, nextRetryAt time.Time, lastErr string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE dead_letter_queue
		 SET retry_count = retry_count + 1, next_retry_at = ?, error = ?, last_failed_at = ?
		 WHERE id = ?`,
		sqliteTime(nextRetryAt), lastErr, sqliteTime(time.Now()), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: increment dlq retry %s", id)
	}
	return checkRowsAffected(res, "dlq_entry", id)
}

func (s *SQLiteStore) RemoveDLQ(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM dead_letter_queue WHERE id = ?`, id)
	return eris.Wrap(err, "sqlite: remove dlq")
}

func (s *SQLiteStore) CountDLQ(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letter_queue`).Scan(&count)
	return count, eris.Wrap(err, "sqlite: count dlq")
}

// helpers

const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"

func sqliteTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

func parseSQLiteTime(s string) (time.Time, error) {
	t, err := time.Parse(sqliteTimeLayout, s)
	if err != nil {
		return time.Time{}, eris.Wrapf(err, "sqlite: parse time %q", s)
	}
	return t, nil
}

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Errorf("%s not found: %s", entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanLifecycle(row scannable) (*model.Lifecycle, error) {
	var (
		lc          model.Lifecycle
		state, stp  string
		updatedText string
	)
	if err := row.Scan(&lc.FootprintID, &state, &stp, &lc.Reason, &updatedText); err != nil {
		return nil, err
	}
	lc.State = model.LifecycleState(state)
	lc.LastStep = model.Step(stp)
	updated, err := parseSQLiteTime(updatedText)
	if err != nil {
		return nil, err
	}
	lc.UpdatedAt = updated
	return &lc, nil
}

var _ Store = (*SQLiteStore)(nil)
