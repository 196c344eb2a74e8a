package monitoring

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/pcf-provenance/internal/model"
	"github.com/sells-group/pcf-provenance/internal/store"
)

// mockSource pages through lifecycles like the stores do.
type mockSource struct {
	lifecycles []model.Lifecycle
	dlqCount   int
	listErr    error
	dlqErr     error
	pages      int
}

func (m *mockSource) ListLifecycles(_ context.Context, filter store.LifecycleFilter) ([]model.Lifecycle, error) {
	m.pages++
	if m.listErr != nil {
		return nil, m.listErr
	}
	if filter.Offset >= len(m.lifecycles) {
		return nil, nil
	}
	end := filter.Offset + filter.Limit
	if end > len(m.lifecycles) {
		end = len(m.lifecycles)
	}
	return m.lifecycles[filter.Offset:end], nil
}

func (m *mockSource) CountDLQ(_ context.Context) (int, error) {
	return m.dlqCount, m.dlqErr
}

func lc(id string, state model.LifecycleState, age time.Duration) model.Lifecycle {
	return model.Lifecycle{FootprintID: id, State: state, UpdatedAt: time.Now().UTC().Add(-age)}
}

func TestCollector_EmptyStore(t *testing.T) {
	c := NewCollector(&mockSource{})

	snap, err := c.Collect(context.Background(), 24)
	require.NoError(t, err)

	assert.Equal(t, 0, snap.LifecycleTotal)
	assert.Equal(t, 0.0, snap.FailRate)
	assert.Equal(t, 24, snap.LookbackHours)
	assert.False(t, snap.CollectedAt.IsZero())
}

func TestCollector_LifecycleMetrics(t *testing.T) {
	src := &mockSource{
		lifecycles: []model.Lifecycle{
			lc("1", model.StateVerified, time.Hour),
			lc("2", model.StateVerified, 2*time.Hour),
			lc("3", model.StateFailed, 3*time.Hour),
			lc("4", model.StateVerificationFailed, 4*time.Hour),
			lc("5", model.StateSent, 30*time.Minute),
			lc("6", model.StateRegistered, 10*time.Minute),
			// Outside lookback window.
			lc("7", model.StateFailed, 48*time.Hour),
		},
		dlqCount: 3,
	}

	snap, err := NewCollector(src).Collect(context.Background(), 24)
	require.NoError(t, err)

	assert.Equal(t, 6, snap.LifecycleTotal)
	assert.Equal(t, 2, snap.Verified)
	assert.Equal(t, 1, snap.VerificationFailed)
	assert.Equal(t, 1, snap.Failed)
	assert.Equal(t, 2, snap.InFlight)
	assert.Equal(t, 1, snap.ByState[model.StateSent])
	assert.InDelta(t, 1.0/4.0, snap.FailRate, 0.001)
	assert.Equal(t, 3, snap.DLQDepth)
}

func TestCollector_Pages(t *testing.T) {
	src := &mockSource{}
	for i := 0; i < collectPageSize+10; i++ {
		src.lifecycles = append(src.lifecycles, lc(fmt.Sprintf("fp-%d", i), model.StateVerified, time.Minute))
	}

	snap, err := NewCollector(src).Collect(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, collectPageSize+10, snap.Verified)
	assert.Equal(t, 2, src.pages)
}

func TestCollector_FailureRateZeroFinished(t *testing.T) {
	src := &mockSource{lifecycles: []model.Lifecycle{
		lc("1", model.StateSent, time.Hour),
		lc("2", model.StateProofReceived, time.Hour),
	}}

	snap, err := NewCollector(src).Collect(context.Background(), 24)
	require.NoError(t, err)
	assert.Equal(t, 0.0, snap.FailRate)
	assert.Equal(t, 2, snap.InFlight)
}

func TestCollector_Errors(t *testing.T) {
	_, err := NewCollector(&mockSource{listErr: errors.New("db down")}).Collect(context.Background(), 24)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "list lifecycles")

	_, err = NewCollector(&mockSource{dlqErr: errors.New("db down")}).Collect(context.Background(), 24)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "count dlq")
}
