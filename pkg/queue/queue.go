// Package queue carries proofing documents to the prover and proof
// responses back. Kafka is the default transport; Redis Streams serves
// deployments without a broker cluster.
package queue

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/pcf-provenance/internal/config"
)

// Message is one record read from a topic. Partition and Offset are set by
// the Kafka driver, ID by the Redis driver.
type Message struct {
	Topic     string
	Key       string
	Value     []byte
	ID        string
	Partition int
	Offset    int64
}

// Publisher writes messages to topics.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
	Close() error
}

// Consumer reads one topic as a member of a consumer group. Fetch blocks
// until a message arrives or ctx is done. A fetched message is redelivered
// until it is committed.
type Consumer interface {
	Fetch(ctx context.Context) (Message, error)
	Commit(ctx context.Context, msg Message) error
	Close() error
}

// NewPublisher returns the publisher for cfg.Driver.
func NewPublisher(cfg config.QueueConfig) (Publisher, error) {
	switch cfg.Driver {
	case "kafka", "":
		if len(cfg.Brokers) == 0 {
			return nil, eris.New("queue: kafka requires at least one broker")
		}
		return NewKafkaPublisher(cfg.Brokers), nil
	case "redis":
		return NewRedisPublisher(cfg.RedisURL)
	default:
		return nil, eris.Errorf("queue: unsupported driver %q", cfg.Driver)
	}
}

// NewConsumer returns a consumer of topic for cfg.Driver.
func NewConsumer(cfg config.QueueConfig, topic string) (Consumer, error) {
	switch cfg.Driver {
	case "kafka", "":
		if len(cfg.Brokers) == 0 {
			return nil, eris.New("queue: kafka requires at least one broker")
		}
		return NewKafkaConsumer(cfg.Brokers, topic, cfg.GroupID), nil
	case "redis":
		return NewRedisConsumer(cfg.RedisURL, topic, cfg.GroupID)
	default:
		return nil, eris.Errorf("queue: unsupported driver %q", cfg.Driver)
	}
}
