package monitoring

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/pcf-provenance/internal/config"
	"github.com/sells-group/pcf-provenance/internal/model"
)

func TestChecker_CheckSendsAlerts(t *testing.T) {
	var received atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		received.Add(1)
	}))
	defer ts.Close()

	cfg := config.MonitoringConfig{WebhookURL: ts.URL, LookbackWindowHours: 24, DLQThreshold: 1}
	src := &mockSource{
		lifecycles: []model.Lifecycle{lc("1", model.StateVerificationFailed, time.Hour)},
		dlqCount:   5,
	}
	checker := NewChecker(NewCollector(src), NewAlerter(cfg), cfg)

	snap, alerts, err := checker.Check(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, snap.DLQDepth)
	assert.Len(t, alerts, 2)
	assert.Equal(t, int32(2), received.Load())
}

func TestChecker_RunStopsOnCancel(t *testing.T) {
	cfg := config.MonitoringConfig{CheckIntervalSecs: 1, LookbackWindowHours: 24}
	checker := NewChecker(NewCollector(&mockSource{}), NewAlerter(cfg), cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		checker.Run(ctx)
		close(done)
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Checker.Run did not stop after context cancellation")
	}
}

func TestChecker_DefaultInterval(t *testing.T) {
	checker := NewChecker(NewCollector(&mockSource{}), NewAlerter(config.MonitoringConfig{}), config.MonitoringConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	checker.Run(ctx)
}
