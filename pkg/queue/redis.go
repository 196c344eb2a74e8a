package queue

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Stream entry fields.
const (
	fieldKey   = "key"
	fieldValue = "value"
)

const (
	defaultRedisBlock     = time.Second
	defaultRedisClaimIdle = time.Minute
)

// RedisPublisher appends messages to Redis streams named after the topic.
type RedisPublisher struct {
	client *redis.Client
}

// NewRedisPublisher connects to the Redis server at url.
func NewRedisPublisher(url string) (*RedisPublisher, error) {
	client, err := newRedisClient(url)
	if err != nil {
		return nil, err
	}
	return &RedisPublisher{client: client}, nil
}

func newRedisClient(url string) (*redis.Client, error) {
	if url == "" {
		return nil, eris.New("queue: redis url is required")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, eris.Wrap(err, "queue: parse redis url")
	}
	return redis.NewClient(opts), nil
}

func (p *RedisPublisher) Publish(ctx context.Context, topic, key string, value []byte) error {
	id, err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: topic,
		Values: map[string]any{fieldKey: key, fieldValue: value},
	}).Result()
	if err != nil {
		return eris.Wrapf(err, "queue: redis publish to %s", topic)
	}
	zap.L().Debug("queue: published", zap.String("topic", topic), zap.String("key", key), zap.String("id", id))
	return nil
}

func (p *RedisPublisher) Close() error {
	return eris.Wrap(p.client.Close(), "queue: close redis client")
}

// RedisConsumer reads one stream through a consumer group. Entries stay in
// the group's pending list until committed: Fetch hands back this
// consumer's own pending entries first, then claims entries that another
// consumer left idle for ClaimIdle, and only then reads new entries.
type RedisConsumer struct {
	client    *redis.Client
	topic     string
	group     string
	consumer  string
	block     time.Duration
	claimIdle time.Duration

	groupMu    sync.Mutex
	groupReady bool
}

// NewRedisConsumer joins group on the stream named topic. The group is
// created on first use.
func NewRedisConsumer(url, topic, group string) (*RedisConsumer, error) {
	client, err := newRedisClient(url)
	if err != nil {
		return nil, err
	}
	return newRedisConsumer(client, topic, group), nil
}

func newRedisConsumer(client *redis.Client, topic, group string) *RedisConsumer {
	if group == "" {
		group = "pcf-proofing"
	}
	return &RedisConsumer{
		client:    client,
		topic:     topic,
		group:     group,
		consumer:  "pcf-" + uuid.NewString(),
		block:     defaultRedisBlock,
		claimIdle: defaultRedisClaimIdle,
	}
}

// ensureGroup creates the consumer group. A failed attempt is retried on
// the next call.
func (c *RedisConsumer) ensureGroup(ctx context.Context) error {
	c.groupMu.Lock()
	defer c.groupMu.Unlock()
	if c.groupReady {
		return nil
	}
	err := c.client.XGroupCreateMkStream(ctx, c.topic, c.group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return eris.Wrapf(err, "queue: create group %s on %s", c.group, c.topic)
	}
	c.groupReady = true
	return nil
}

func (c *RedisConsumer) Fetch(ctx context.Context) (Message, error) {
	if err := c.ensureGroup(ctx); err != nil {
		return Message{}, err
	}

	if msg, ok, err := c.pending(ctx); err != nil || ok {
		return msg, err
	}
	if msg, ok, err := c.claim(ctx); err != nil || ok {
		return msg, err
	}

	for {
		streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.group,
			Consumer: c.consumer,
			Streams:  []string{c.topic, ">"},
			Count:    1,
			Block:    c.block,
		}).Result()
		if errors.Is(err, redis.Nil) {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return Message{}, eris.Wrap(ctxErr, "queue: redis fetch")
			}
			continue
		}
		if err != nil {
			return Message{}, eris.Wrapf(err, "queue: redis fetch from %s", c.topic)
		}
		if msg, ok := firstMessage(streams); ok {
			return msg, nil
		}
	}
}

// pending returns the oldest entry delivered to this consumer but not yet
// committed.
func (c *RedisConsumer) pending(ctx context.Context) (Message, bool, error) {
	streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.group,
		Consumer: c.consumer,
		Streams:  []string{c.topic, "0"},
		Count:    1,
		Block:    -1,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return Message{}, false, nil
	}
	if err != nil {
		return Message{}, false, eris.Wrapf(err, "queue: redis read pending from %s", c.topic)
	}
	msg, ok := firstMessage(streams)
	return msg, ok, nil
}

// claim takes over one entry another consumer has held for at least
// claimIdle without committing it, such as the consumer of a crashed worker.
func (c *RedisConsumer) claim(ctx context.Context) (Message, bool, error) {
	msgs, _, err := c.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   c.topic,
		Group:    c.group,
		Consumer: c.consumer,
		MinIdle:  c.claimIdle,
		Start:    "0-0",
		Count:    1,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return Message{}, false, nil
	}
	if err != nil {
		return Message{}, false, eris.Wrapf(err, "queue: redis claim on %s", c.topic)
	}
	if len(msgs) == 0 {
		return Message{}, false, nil
	}
	zap.L().Info("queue: claimed idle entry", zap.String("topic", c.topic), zap.String("id", msgs[0].ID))
	return toMessage(c.topic, msgs[0]), true, nil
}

func firstMessage(streams []redis.XStream) (Message, bool) {
	for _, s := range streams {
		for _, m := range s.Messages {
			return toMessage(s.Stream, m), true
		}
	}
	return Message{}, false
}

func toMessage(topic string, m redis.XMessage) Message {
	return Message{
		Topic: topic,
		Key:   stringField(m.Values, fieldKey),
		Value: []byte(stringField(m.Values, fieldValue)),
		ID:    m.ID,
	}
}

func (c *RedisConsumer) Commit(ctx context.Context, msg Message) error {
	err := c.client.XAck(ctx, c.topic, c.group, msg.ID).Err()
	return eris.Wrapf(err, "queue: redis ack %s", msg.ID)
}

func (c *RedisConsumer) Close() error {
	return eris.Wrap(c.client.Close(), "queue: close redis client")
}

func stringField(values map[string]any, name string) string {
	switch v := values[name].(type) {
	case string:
		return v
	case []byte:
		return string(v)
	default:
		return ""
	}
}
