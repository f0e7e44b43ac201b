package messaging

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/bardlex/qpow/pkg/circuit"
	"github.com/bardlex/qpow/pkg/errors"
	"github.com/bardlex/qpow/pkg/log"
	"github.com/bardlex/qpow/pkg/retry"
)

// EventHandler handles one decoded event. Returning an error logs it and
// moves on to the next event.
type EventHandler func(ctx context.Context, key string, event *structpb.Struct) error

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// Consumer follows one lifecycle topic as a member of a consumer group
type Consumer struct {
	topic   string
	reader  messageReader
	breaker *circuit.Breaker
	retry   *retry.Config
	pause   time.Duration
	logger  *log.Logger
}

// NewConsumer joins groupID on topic. A new group starts at the newest
// offset; past events describe work that is already over.
func NewConsumer(brokers []string, topic, groupID string, logger *log.Logger) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     brokers,
		Topic:       topic,
		GroupID:     groupID,
		StartOffset: kafka.LastOffset,
		MinBytes:    1,
		MaxBytes:    1 << 20,
		MaxWait:     time.Second,
	})
	c := newConsumer(topic, r, logger)
	c.logger.Info("created Kafka consumer", "topic", topic, "group_id", groupID)
	return c
}

func newConsumer(topic string, r messageReader, logger *log.Logger) *Consumer {
	if logger == nil {
		logger = log.Nop()
	}
	return &Consumer{
		topic:  topic,
		reader: r,
		breaker: circuit.New(&circuit.Config{
			Name:            "kafka_consumer",
			MaxFailures:     5,
			SuccessRequired: 1,
			Timeout:         15 * time.Second,
			ResetTimeout:    60 * time.Second,
		}),
		retry:  retry.NetworkConfig(),
		pause:  time.Second,
		logger: logger.WithComponent("kafka_consumer"),
	}
}

// Next reads and decodes one event. Payloads that do not decode come back
// as validation errors without counting against the breaker.
func (c *Consumer) Next(ctx context.Context) (string, *structpb.Struct, error) {
	msg, err := circuit.ExecuteWithResult(ctx, c.breaker, func() (kafka.Message, error) {
		return retry.DoWithResult(ctx, c.retry, func() (kafka.Message, error) {
			m, err := c.reader.ReadMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return m, ctx.Err()
				}
				return m, errors.Wrap(err, errors.ErrorTypeKafka, "read_message",
					"failed to read message from Kafka").
					WithContext("topic", c.topic)
			}
			return m, nil
		})
	})
	if err != nil {
		return "", nil, err
	}

	key := string(msg.Key)
	event := &structpb.Struct{}
	if err := proto.Unmarshal(msg.Value, event); err != nil {
		return key, nil, errors.Wrap(err, errors.ErrorTypeValidation, "protobuf_unmarshal",
			"failed to unmarshal event").
			WithContext("topic", c.topic).
			WithContext("offset", msg.Offset)
	}
	return key, event, nil
}

// Run hands every event to handler until ctx is done, then closes the
// reader. It returns ctx.Err().
func (c *Consumer) Run(ctx context.Context, handler EventHandler) error {
	defer func() {
		if err := c.reader.Close(); err != nil {
			c.logger.Warn("failed to close Kafka reader", "topic", c.topic, "error", err)
		}
	}()

	c.logger.Info("consuming events", "topic", c.topic)
	for {
		key, event, err := c.Next(ctx)
		if ctx.Err() != nil {
			c.logger.Info("consumer stopping", "topic", c.topic)
			return ctx.Err()
		}
		if err != nil {
			c.logger.LogError("failed to consume event", err, "topic", c.topic, "key", key)
			if !errors.IsType(err, errors.ErrorTypeValidation) {
				select {
				case <-ctx.Done():
				case <-time.After(c.pause):
				}
			}
			continue
		}

		if err := handler(ctx, key, event); err != nil {
			c.logger.LogError("failed to handle event", err, "topic", c.topic, "key", key)
		}
	}
}
