package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"
)

// Disposition tells the consumer what to do with a message's offset.
type Disposition int

const (
	// Ack marks and commits the offset: the message is done, whether it
	// succeeded or was deliberately dropped (poison pill, duplicate).
	Ack Disposition = iota
	// Redeliver leaves the offset uncommitted; the claim session ends
	// and the bus redelivers the message.
	Redeliver
)

// Message is the consumer-facing view of a bus record.
type Message struct {
	Topic     string
	Key       []byte
	Value     []byte
	Partition int32
	Offset    int64
}

// Handler processes a single message and decides its offset fate.
// Handlers must be safe for concurrent invocation across partitions.
type Handler interface {
	Handle(ctx context.Context, msg Message) Disposition
}

// GroupConsumer runs a Kafka consumer group over a fixed topic set with
// auto-commit disabled. Offsets are committed one message at a time,
// immediately after the handler acks, so a crash mid-message always
// redelivers.
type GroupConsumer struct {
	group   sarama.ConsumerGroup
	topics  []string
	handler Handler
	logger  *zap.Logger
}

func NewGroupConsumer(brokers []string, groupID string, topics []string, handler Handler, logger *zap.Logger) (*GroupConsumer, error) {
	cfg := sarama.NewConfig()
	cfg.Consumer.Offsets.AutoCommit.Enable = false
	cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	cfg.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(brokers, groupID, cfg)
	if err != nil {
		return nil, fmt.Errorf("create consumer group %s: %w", groupID, err)
	}

	return &GroupConsumer{
		group:   group,
		topics:  topics,
		handler: handler,
		logger:  logger.With(zap.String("consumer_group", groupID)),
	}, nil
}

// Run blocks until ctx is cancelled. Consume returns on every
// rebalance or redelivery break, so it is called in a loop.
func (c *GroupConsumer) Run(ctx context.Context) {
	go func() {
		for err := range c.group.Errors() {
			c.logger.Error("consumer group error", zap.Error(err))
		}
	}()

	for {
		if err := c.group.Consume(ctx, c.topics, &groupHandler{c: c}); err != nil {
			c.logger.Error("consume session failed", zap.Error(err))
		}
		if ctx.Err() != nil {
			c.logger.Info("consumer stopping")
			return
		}
		// Brief pause so a persistently failing message does not spin
		// the rebalance loop.
		time.Sleep(time.Second)
	}
}

func (c *GroupConsumer) Close() error {
	return c.group.Close()
}

// groupHandler adapts Handler to sarama's ConsumerGroupHandler.
type groupHandler struct {
	c *GroupConsumer
}

func (h *groupHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *groupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *groupHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		d := h.c.handler.Handle(sess.Context(), Message{
			Topic:     msg.Topic,
			Key:       msg.Key,
			Value:     msg.Value,
			Partition: msg.Partition,
			Offset:    msg.Offset,
		})

		if d == Redeliver {
			// End the claim without marking. The session restarts from
			// the last committed offset, redelivering this message.
			return nil
		}

		sess.MarkMessage(msg, "")
		sess.Commit()
	}
	return nil
}
