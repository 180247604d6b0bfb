package telemetry

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
)

// messageWriter mirrors the subset of kafka.Writer used by KafkaSink.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes events as JSON envelopes to a Kafka topic. Messages
// are keyed by episode number so one episode stays on one partition.
type KafkaSink struct {
	writer messageWriter
	source string
}

// NewKafkaSink returns a sink writing to topic on brokers.
func NewKafkaSink(brokers []string, topic, source string) *KafkaSink {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
	}
	return &KafkaSink{writer: w, source: source}
}

func (k *KafkaSink) RecordDecision(ctx context.Context, d Decision) error {
	payload, err := encodeDecision(k.source, d)
	if err != nil {
		return err
	}
	return k.write(ctx, d.Episode, payload)
}

func (k *KafkaSink) RecordEpisode(ctx context.Context, e Episode) error {
	payload, err := encodeEpisode(k.source, e)
	if err != nil {
		return err
	}
	return k.write(ctx, e.Number, payload)
}

func (k *KafkaSink) write(ctx context.Context, episode int, payload []byte) error {
	msg := kafka.Message{Key: []byte(strconv.Itoa(episode)), Value: payload}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka write: %w", err)
	}
	return nil
}

// Close flushes pending messages and closes the writer.
func (k *KafkaSink) Close() error { return k.writer.Close() }
