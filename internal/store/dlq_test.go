package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/pcf-provenance/internal/model"
	"github.com/sells-group/pcf-provenance/internal/resilience"
)

func dlqEntry(id string, errType string, step model.Step, next time.Time) resilience.DLQEntry {
	return resilience.DLQEntry{
		ID:           id,
		FootprintID:  "fp-" + id,
		Step:         step,
		Topic:        "pcf-results",
		Payload:      []byte(`{"productFootprint":{}}`),
		Error:        "boom",
		ErrorType:    errType,
		MaxRetries:   3,
		NextRetryAt:  next,
		CreatedAt:    time.Now(),
		LastFailedAt: time.Now(),
	}
}

func TestSQLite_DLQ_EnqueueAndDequeue(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.EnqueueDLQ(ctx, dlqEntry("dlq-1", resilience.ErrorTransient, model.StepReceive, time.Now().Add(-time.Minute))))

	entries, err := st.DequeueDLQ(ctx, resilience.DLQFilter{Limit: 10})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "dlq-1", entries[0].ID)
	assert.Equal(t, "fp-dlq-1", entries[0].FootprintID)
	assert.Equal(t, model.StepReceive, entries[0].Step)
	assert.Equal(t, "pcf-results", entries[0].Topic)
	assert.Equal(t, `{"productFootprint":{}}`, string(entries[0].Payload))
	assert.Equal(t, resilience.ErrorTransient, entries[0].ErrorType)
	assert.Equal(t, 0, entries[0].RetryCount)
}

func TestSQLite_DLQ_GeneratesID(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	e := dlqEntry("", resilience.ErrorPermanent, model.StepReceive, time.Time{})
	require.NoError(t, st.EnqueueDLQ(ctx, e))

	entries, err := st.ListDLQ(ctx, resilience.DLQFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.NotEmpty(t, entries[0].ID)
}

func TestSQLite_DLQ_DequeueFilters(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	past := time.Now().Add(-time.Minute)

	require.NoError(t, st.EnqueueDLQ(ctx, dlqEntry("t-recv", resilience.ErrorTransient, model.StepReceive, past)))
	require.NoError(t, st.EnqueueDLQ(ctx, dlqEntry("t-reg", resilience.ErrorTransient, model.StepRegister, past)))
	require.NoError(t, st.EnqueueDLQ(ctx, dlqEntry("p-recv", resilience.ErrorPermanent, model.StepReceive, past)))

	byType, err := st.DequeueDLQ(ctx, resilience.DLQFilter{ErrorType: resilience.ErrorPermanent})
	require.NoError(t, err)
	require.Len(t, byType, 1)
	assert.Equal(t, "p-recv", byType[0].ID)

	byStep, err := st.DequeueDLQ(ctx, resilience.DLQFilter{ErrorType: resilience.ErrorTransient, Step: model.StepRegister})
	require.NoError(t, err)
	require.Len(t, byStep, 1)
	assert.Equal(t, "t-reg", byStep[0].ID)
}

func TestSQLite_DLQ_DequeueRespectsNextRetryAt(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.EnqueueDLQ(ctx, dlqEntry("future", resilience.ErrorTransient, model.StepSend, time.Now().Add(time.Hour))))

	due, err := st.DequeueDLQ(ctx, resilience.DLQFilter{})
	require.NoError(t, err)
	assert.Empty(t, due)

	all, err := st.ListDLQ(ctx, resilience.DLQFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestSQLite_DLQ_DequeueRespectsMaxRetries(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	e := dlqEntry("spent", resilience.ErrorTransient, model.StepSend, time.Now().Add(-time.Minute))
	e.RetryCount = 3
	require.NoError(t, st.EnqueueDLQ(ctx, e))

	due, err := st.DequeueDLQ(ctx, resilience.DLQFilter{})
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestSQLite_DLQ_DequeueOrdersByNextRetry(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, st.EnqueueDLQ(ctx, dlqEntry("later", resilience.ErrorTransient, model.StepSend, now.Add(-1*time.Minute))))
	require.NoError(t, st.EnqueueDLQ(ctx, dlqEntry("earlier", resilience.ErrorTransient, model.StepSend, now.Add(-10*time.Minute))))
	require.NoError(t, st.EnqueueDLQ(ctx, dlqEntry("subsecond", resilience.ErrorTransient, model.StepSend, now.Add(-90*time.Second+500*time.Millisecond))))

	due, err := st.DequeueDLQ(ctx, resilience.DLQFilter{})
	require.NoError(t, err)
	require.Len(t, due, 3)
	assert.Equal(t, "earlier", due[0].ID)
	assert.Equal(t, "subsecond", due[1].ID)
	assert.Equal(t, "later", due[2].ID)
}

func TestSQLite_DLQ_IncrementRetry(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.EnqueueDLQ(ctx, dlqEntry("dlq-1", resilience.ErrorTransient, model.StepSend, time.Now().Add(-time.Minute))))

	next := time.Now().Add(-time.Second)
	require.NoError(t, st.IncrementDLQRetry(ctx, "dlq-1", next, "still failing"))

	entries, err := st.DequeueDLQ(ctx, resilience.DLQFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 1, entries[0].RetryCount)
	assert.Equal(t, "still failing", entries[0].Error)
	assert.WithinDuration(t, next, entries[0].NextRetryAt, time.Millisecond)
}

func TestSQLite_DLQ_IncrementRetry_NotFound(t *testing.T) {
	st := newTestSQLiteStore(t)

	err := st.IncrementDLQRetry(context.Background(), "missing", time.Now(), "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dlq_entry not found: missing")
}

func TestSQLite_DLQ_RemoveAndCount(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	past := time.Now().Add(-time.Minute)

	require.NoError(t, st.EnqueueDLQ(ctx, dlqEntry("a", resilience.ErrorTransient, model.StepSend, past)))
	require.NoError(t, st.EnqueueDLQ(ctx, dlqEntry("b", resilience.ErrorTransient, model.StepSend, past)))

	n, err := st.CountDLQ(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, st.RemoveDLQ(ctx, "a"))
	n, err = st.CountDLQ(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSQLite_DLQ_EnqueueReplace(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	e := dlqEntry("dup", resilience.ErrorTransient, model.StepSend, time.Now().Add(-time.Minute))
	require.NoError(t, st.EnqueueDLQ(ctx, e))
	e.Error = "second failure"
	e.RetryCount = 2
	require.NoError(t, st.EnqueueDLQ(ctx, e))

	n, err := st.CountDLQ(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	entries, err := st.ListDLQ(ctx, resilience.DLQFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "second failure", entries[0].Error)
	assert.Equal(t, 2, entries[0].RetryCount)
}
