package deadletter

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"botfleet/internal/domain"
	"botfleet/internal/metrics"

	"github.com/segmentio/kafka-go"
)

// KafkaSink publishes dead letters to a Kafka topic. Messages are keyed
// by chat so one chat's failures land on one partition, in order.
type KafkaSink struct {
	writer *kafka.Writer
	logger *slog.Logger
}

func NewKafkaSink(brokers []string, topic string, logger *slog.Logger) *KafkaSink {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		Async:        false,
		BatchTimeout: 100 * time.Millisecond,
	}
	return &KafkaSink{writer: w, logger: logger}
}

func (k *KafkaSink) Write(ctx context.Context, env domain.Envelope, cause string) error {
	value, _, err := encodeRecord(env, cause)
	if err != nil {
		return fmt.Errorf("encode dead letter: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(chatKey(env)),
		Value: value,
		Headers: []kafka.Header{
			{Key: "cause", Value: []byte(cause)},
			{Key: "direction", Value: []byte(env.Direction)},
		},
		Time: time.Now(),
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("dead-letter produce: %w", err)
	}
	metrics.DeadLettersTotal.Inc()
	k.logger.Warn("envelope dead-lettered",
		"agent", env.AgentID, "platform", env.Platform,
		"chat", env.ChatID, "cause", cause,
	)
	return nil
}

func (k *KafkaSink) Close() error {
	return k.writer.Close()
}
