package bus

import (
	"context"
	"fmt"

	"github.com/IBM/sarama"
)

// Producer publishes a payload to a topic, keyed so that all messages
// for the same notification land on the same partition. Publish returns
// only after the bus has acknowledged the write on all in-sync replicas.
type Producer interface {
	Publish(ctx context.Context, topic, key string, payload []byte) error
	Close() error
}

type kafkaProducer struct {
	sp sarama.SyncProducer
}

// NewProducer opens a synchronous producer with full-ISR acks and
// idempotent writes enabled.
func NewProducer(brokers []string) (Producer, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Idempotent = true
	cfg.Producer.Retry.Max = 5
	cfg.Producer.Return.Successes = true
	cfg.Net.MaxOpenRequests = 1 // required for idempotent production

	sp, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("create producer: %w", err)
	}
	return &kafkaProducer{sp: sp}, nil
}

func (p *kafkaProducer) Publish(ctx context.Context, topic, key string, payload []byte) error {
	// SyncProducer has no context plumbing; refuse work that is
	// already cancelled rather than blocking past the deadline.
	if err := ctx.Err(); err != nil {
		return err
	}

	_, _, err := p.sp.SendMessage(&sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(payload),
	})
	if err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}

func (p *kafkaProducer) Close() error {
	return p.sp.Close()
}
