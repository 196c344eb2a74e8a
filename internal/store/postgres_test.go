package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/pcf-provenance/internal/model"
	"github.com/sells-group/pcf-provenance/internal/resilience"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock}
	return s, mock
}

func TestPostgresStore_Migrate(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS lifecycles`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_RecordTransition(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO lifecycles`).
		WithArgs("fp-1", "SENT", "send", "", at).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO lifecycle_transitions`).
		WithArgs("fp-1", "SENT", "send", "", at).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	err := s.RecordTransition(context.Background(), model.Transition{
		FootprintID: "fp-1",
		State:       model.StateSent,
		Step:        model.StepSend,
		At:          at,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_RecordTransition_RollsBack(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO lifecycles`).
		WithArgs("fp-1", "FAILED", "send", "queue down", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO lifecycle_transitions`).
		WithArgs("fp-1", "FAILED", "send", "queue down", pgxmock.AnyArg()).
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	err := s.RecordTransition(context.Background(), model.Transition{
		FootprintID: "fp-1",
		State:       model.StateFailed,
		Step:        model.StepSend,
		Reason:      "queue down",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insert transition fp-1")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetLifecycle(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	updated := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`SELECT footprint_id, state, last_step, reason, updated_at FROM lifecycles WHERE footprint_id = \$1`).
		WithArgs("fp-1").
		WillReturnRows(pgxmock.NewRows([]string{"footprint_id", "state", "last_step", "reason", "updated_at"}).
			AddRow("fp-1", "REGISTERED", "register", "", updated))

	lc, err := s.GetLifecycle(context.Background(), "fp-1")
	require.NoError(t, err)
	require.NotNil(t, lc)
	assert.Equal(t, model.StateRegistered, lc.State)
	assert.Equal(t, model.StepRegister, lc.LastStep)
	assert.Equal(t, updated, lc.UpdatedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetLifecycle_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM lifecycles WHERE footprint_id = \$1`).
		WithArgs("unknown").
		WillReturnError(pgx.ErrNoRows)

	lc, err := s.GetLifecycle(context.Background(), "unknown")
	require.NoError(t, err)
	assert.Nil(t, lc)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListLifecycles_ByState(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery(`FROM lifecycles WHERE state = \$1 ORDER BY updated_at DESC LIMIT \$2 OFFSET \$3`).
		WithArgs("FAILED", 100, 0).
		WillReturnRows(pgxmock.NewRows([]string{"footprint_id", "state", "last_step", "reason", "updated_at"}).
			AddRow("fp-1", "FAILED", "send", "broker unavailable", now).
			AddRow("fp-2", "FAILED", "register", "registry unavailable", now))

	out, err := s.ListLifecycles(context.Background(), LifecycleFilter{State: model.StateFailed})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "registry unavailable", out[1].Reason)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetObject_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT key, content, digest, updated_at FROM registry_objects WHERE key = \$1`).
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	obj, err := s.GetObject(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, obj)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_PutAndGetObject(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()

	mock.ExpectExec(`INSERT INTO registry_objects`).
		WithArgs("urn:pcf:1", []byte(`{"a":1}`), "d1").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery(`FROM registry_objects WHERE key = \$1`).
		WithArgs("urn:pcf:1").
		WillReturnRows(pgxmock.NewRows([]string{"key", "content", "digest", "updated_at"}).
			AddRow("urn:pcf:1", []byte(`{"a":1}`), "d1", now))

	ctx := context.Background()
	require.NoError(t, s.PutObject(ctx, "urn:pcf:1", []byte(`{"a":1}`), "d1"))
	obj, err := s.GetObject(ctx, "urn:pcf:1")
	require.NoError(t, err)
	require.NotNil(t, obj)
	assert.Equal(t, `{"a":1}`, string(obj.Content))
	assert.Equal(t, "d1", obj.Digest)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_DequeueDLQ_Filters(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery(`next_retry_at <= now\(\) AND retry_count < max_retries AND error_type = \$1 AND step = \$2 ORDER BY next_retry_at ASC LIMIT \$3`).
		WithArgs("transient", "receive", 5).
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "footprint_id", "step", "topic", "payload", "error", "error_type",
			"retry_count", "max_retries", "next_retry_at", "created_at", "last_failed_at",
		}).AddRow("dlq-1", "fp-1", "receive", "pcf-results", []byte(`{}`), "timeout", "transient",
			1, 3, now, now, now))

	entries, err := s.DequeueDLQ(context.Background(), resilience.DLQFilter{
		ErrorType: resilience.ErrorTransient,
		Step:      model.StepReceive,
		Limit:     5,
	})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "dlq-1", entries[0].ID)
	assert.Equal(t, model.StepReceive, entries[0].Step)
	assert.Equal(t, 1, entries[0].RetryCount)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_IncrementDLQRetry_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE dead_letter_queue`).
		WithArgs(pgxmock.AnyArg(), "timeout", "missing").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.IncrementDLQRetry(context.Background(), "missing", time.Now(), "timeout")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dlq_entry not found: missing")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CountDLQ(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM dead_letter_queue`).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(4))

	n, err := s.CountDLQ(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}
