package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/pcf-provenance/internal/config"
)

func newRedisURL(t *testing.T) string {
	t.Helper()
	mr := miniredis.RunT(t)
	return "redis://" + mr.Addr() + "/0"
}

func TestRedis_PublishFetchCommit(t *testing.T) {
	url := newRedisURL(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pub, err := NewRedisPublisher(url)
	require.NoError(t, err)
	t.Cleanup(func() { pub.Close() }) //nolint:errcheck

	con, err := NewRedisConsumer(url, "pcf-results", "pcf-proofing")
	require.NoError(t, err)
	t.Cleanup(func() { con.Close() }) //nolint:errcheck

	// Create the group before publishing so the entry is delivered.
	require.NoError(t, con.ensureGroup(ctx))
	require.NoError(t, pub.Publish(ctx, "pcf-results", "urn:pcf:1", []byte(`{"pcf":12500}`)))

	msg, err := con.Fetch(ctx)
	require.NoError(t, err)
	assert.Equal(t, "pcf-results", msg.Topic)
	assert.Equal(t, "urn:pcf:1", msg.Key)
	assert.Equal(t, `{"pcf":12500}`, string(msg.Value))
	assert.NotEmpty(t, msg.ID)

	require.NoError(t, con.Commit(ctx, msg))
}

func TestRedis_GroupReadsExistingEntries(t *testing.T) {
	url := newRedisURL(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pub, err := NewRedisPublisher(url)
	require.NoError(t, err)
	t.Cleanup(func() { pub.Close() }) //nolint:errcheck
	require.NoError(t, pub.Publish(ctx, "shipments", "a", []byte("first")))
	require.NoError(t, pub.Publish(ctx, "shipments", "b", []byte("second")))

	con, err := NewRedisConsumer(url, "shipments", "")
	require.NoError(t, err)
	t.Cleanup(func() { con.Close() }) //nolint:errcheck

	first, err := con.Fetch(ctx)
	require.NoError(t, err)
	require.NoError(t, con.Commit(ctx, first))
	second, err := con.Fetch(ctx)
	require.NoError(t, err)

	assert.Equal(t, "first", string(first.Value))
	assert.Equal(t, "second", string(second.Value))
}

func TestRedis_UncommittedEntryIsRedelivered(t *testing.T) {
	url := newRedisURL(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pub, err := NewRedisPublisher(url)
	require.NoError(t, err)
	t.Cleanup(func() { pub.Close() }) //nolint:errcheck
	require.NoError(t, pub.Publish(ctx, "pcf-results", "urn:pcf:1", []byte("proof-1")))
	require.NoError(t, pub.Publish(ctx, "pcf-results", "urn:pcf:2", []byte("proof-2")))

	con, err := NewRedisConsumer(url, "pcf-results", "g")
	require.NoError(t, err)
	t.Cleanup(func() { con.Close() }) //nolint:errcheck

	first, err := con.Fetch(ctx)
	require.NoError(t, err)
	again, err := con.Fetch(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, "proof-1", string(again.Value))

	require.NoError(t, con.Commit(ctx, again))
	next, err := con.Fetch(ctx)
	require.NoError(t, err)
	assert.Equal(t, "proof-2", string(next.Value))
}

func TestRedis_RestartedWorkerClaimsIdleEntries(t *testing.T) {
	mr := miniredis.RunT(t)
	url := "redis://" + mr.Addr() + "/0"
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	mr.SetTime(start)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pub, err := NewRedisPublisher(url)
	require.NoError(t, err)
	t.Cleanup(func() { pub.Close() }) //nolint:errcheck

	crashed, err := NewRedisConsumer(url, "pcf-results", "g")
	require.NoError(t, err)
	t.Cleanup(func() { crashed.Close() }) //nolint:errcheck
	require.NoError(t, crashed.ensureGroup(ctx))
	require.NoError(t, pub.Publish(ctx, "pcf-results", "urn:pcf:1", []byte("proof-1")))

	lost, err := crashed.Fetch(ctx)
	require.NoError(t, err)

	restarted, err := NewRedisConsumer(url, "pcf-results", "g")
	require.NoError(t, err)
	t.Cleanup(func() { restarted.Close() }) //nolint:errcheck
	restarted.block = 50 * time.Millisecond

	// Not idle long enough yet: nothing to hand out.
	shortCtx, shortCancel := context.WithTimeout(ctx, 200*time.Millisecond)
	_, err = restarted.Fetch(shortCtx)
	shortCancel()
	require.Error(t, err)

	mr.SetTime(start.Add(2 * defaultRedisClaimIdle))
	got, err := restarted.Fetch(ctx)
	require.NoError(t, err)
	assert.Equal(t, lost.ID, got.ID)
	assert.Equal(t, "urn:pcf:1", got.Key)
	assert.Equal(t, "proof-1", string(got.Value))
	require.NoError(t, restarted.Commit(ctx, got))

	// The entry moved to the new consumer and was acknowledged there.
	crashed.block = 50 * time.Millisecond
	shortCtx, shortCancel = context.WithTimeout(ctx, 200*time.Millisecond)
	defer shortCancel()
	_, err = crashed.Fetch(shortCtx)
	require.Error(t, err)
}

func TestRedis_GroupCreationIsRetried(t *testing.T) {
	url := newRedisURL(t)

	con, err := NewRedisConsumer(url, "pcf-results", "g")
	require.NoError(t, err)
	t.Cleanup(func() { con.Close() }) //nolint:errcheck

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	require.Error(t, con.ensureGroup(cancelled))

	require.NoError(t, con.ensureGroup(context.Background()))
	assert.True(t, con.groupReady)
}

func TestRedis_FetchHonoursContext(t *testing.T) {
	url := newRedisURL(t)

	con, err := NewRedisConsumer(url, "empty", "g")
	require.NoError(t, err)
	t.Cleanup(func() { con.Close() }) //nolint:errcheck
	con.block = 50 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	_, err = con.Fetch(ctx)
	require.Error(t, err)
}

func TestNewPublisher_Drivers(t *testing.T) {
	_, err := NewPublisher(config.QueueConfig{Driver: "nats"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unsupported driver "nats"`)

	_, err = NewPublisher(config.QueueConfig{Driver: "kafka"})
	require.Error(t, err)

	_, err = NewPublisher(config.QueueConfig{Driver: "redis"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis url is required")

	p, err := NewPublisher(config.QueueConfig{Driver: "kafka", Brokers: []string{"localhost:9092"}})
	require.NoError(t, err)
	assert.IsType(t, &KafkaPublisher{}, p)
}

func TestNewConsumer_Redis(t *testing.T) {
	c, err := NewConsumer(config.QueueConfig{Driver: "redis", RedisURL: newRedisURL(t), GroupID: "g"}, "pcf-results")
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() }) //nolint:errcheck
	assert.IsType(t, &RedisConsumer{}, c)
}
