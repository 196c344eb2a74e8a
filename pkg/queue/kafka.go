package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Producer settings for proofing documents, which can be large.
const (
	kafkaBatchBytes   = 50 << 20
	kafkaBatchTimeout = 100 * time.Millisecond
)

type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type kafkaReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher publishes with snappy compression and key-hash partitioning,
// so all messages for one footprint land on the same partition.
type KafkaPublisher struct {
	w kafkaWriter
}

// NewKafkaPublisher creates a publisher for the given brokers.
func NewKafkaPublisher(brokers []string) *KafkaPublisher {
	return &KafkaPublisher{w: &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		Compression:            kafka.Snappy,
		BatchBytes:             kafkaBatchBytes,
		BatchTimeout:           kafkaBatchTimeout,
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}}
}

func (p *KafkaPublisher) Publish(ctx context.Context, topic, key string, value []byte) error {
	err := p.w.WriteMessages(ctx, kafka.Message{Topic: topic, Key: []byte(key), Value: value})
	if err != nil {
		return eris.Wrapf(err, "queue: kafka publish to %s", topic)
	}
	zap.L().Debug("queue: published", zap.String("topic", topic), zap.String("key", key), zap.Int("bytes", len(value)))
	return nil
}

func (p *KafkaPublisher) Close() error {
	return eris.Wrap(p.w.Close(), "queue: close kafka writer")
}

// KafkaConsumer reads a topic as a consumer group member with explicit
// commits.
type KafkaConsumer struct {
	topic string
	r     kafkaReader
}

// NewKafkaConsumer creates a consumer of topic in groupID.
func NewKafkaConsumer(brokers []string, topic, groupID string) *KafkaConsumer {
	return &KafkaConsumer{
		topic: topic,
		r: kafka.NewReader(kafka.ReaderConfig{
			Brokers:  brokers,
			GroupID:  groupID,
			Topic:    topic,
			MinBytes: 1,
			MaxBytes: kafkaBatchBytes,
		}),
	}
}

func (c *KafkaConsumer) Fetch(ctx context.Context) (Message, error) {
	m, err := c.r.FetchMessage(ctx)
	if err != nil {
		return Message{}, eris.Wrapf(err, "queue: kafka fetch from %s", c.topic)
	}
	return Message{
		Topic:     m.Topic,
		Key:       string(m.Key),
		Value:     m.Value,
		ID:        fmt.Sprintf("%s/%d/%d", m.Topic, m.Partition, m.Offset),
		Partition: m.Partition,
		Offset:    m.Offset,
	}, nil
}

func (c *KafkaConsumer) Commit(ctx context.Context, msg Message) error {
	err := c.r.CommitMessages(ctx, kafka.Message{Topic: msg.Topic, Partition: msg.Partition, Offset: msg.Offset})
	return eris.Wrapf(err, "queue: kafka commit %s", msg.ID)
}

func (c *KafkaConsumer) Close() error {
	return eris.Wrap(c.r.Close(), "queue: close kafka reader")
}
