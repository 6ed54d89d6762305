// Package kafkasink publishes records to Kafka, one topic per channel.
package kafkasink

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/segmentio/kafka-go"
	"github.com/toga4/tablepoll"
)

// Header keys set on every message.
const (
	HeaderPartition       = "tablepoll-partition"
	HeaderOffset          = "tablepoll-offset"
	HeaderTargetPartition = "tablepoll-target-partition"
)

// messageWriter is implemented by *kafka.Writer.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Sink implements tablepoll.Sink on a kafka.Writer.
type Sink struct {
	writer messageWriter
	logger *slog.Logger
}

// Assert that Sink implements tablepoll.Sink.
var _ tablepoll.Sink = (*Sink)(nil)

// NewWriter returns a kafka.Writer for brokers that honors the destination
// partition and key of each record.
func NewWriter(brokers ...string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &Balancer{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}
}

// New creates a Sink writing with w. The topic of w must be empty; each
// message carries the channel of its record as topic.
func New(w *kafka.Writer, logger *slog.Logger) *Sink {
	return newSink(w, logger)
}

func newSink(w messageWriter, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{writer: w, logger: logger}
}

// Publish writes records synchronously and returns once every message was
// acknowledged.
func (s *Sink) Publish(ctx context.Context, records []*tablepoll.Record) error {
	if len(records) == 0 {
		return nil
	}
	msgs := make([]kafka.Message, 0, len(records))
	for _, r := range records {
		m, err := Message(r)
		if err != nil {
			return err
		}
		msgs = append(msgs, m)
	}
	if err := s.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("write %d messages: %w", len(msgs), err)
	}
	s.logger.DebugContext(ctx, "published records", slog.Int("records", len(msgs)))
	return nil
}

// Close closes the underlying writer.
func (s *Sink) Close() error {
	return s.writer.Close()
}

// Message converts r to a kafka.Message.
func Message(r *tablepoll.Record) (kafka.Message, error) {
	key, err := r.EncodeKey()
	if err != nil {
		return kafka.Message{}, fmt.Errorf("encode key of %q: %w", r.TableKey, err)
	}
	value, err := r.EncodeValue()
	if err != nil {
		return kafka.Message{}, fmt.Errorf("encode value of %q: %w", r.TableKey, err)
	}
	offset, err := json.Marshal(r.SourceOffset())
	if err != nil {
		return kafka.Message{}, fmt.Errorf("encode offset of %q: %w", r.TableKey, err)
	}

	headers := []kafka.Header{
		{Key: HeaderPartition, Value: []byte(r.TableKey)},
		{Key: HeaderOffset, Value: offset},
	}
	if r.TargetPartition != nil {
		headers = append(headers, kafka.Header{Key: HeaderTargetPartition, Value: []byte(strconv.Itoa(*r.TargetPartition))})
	}

	return kafka.Message{
		Topic:   r.Channel,
		Key:     key,
		Value:   value,
		Headers: headers,
		Time:    r.Timestamp,
	}, nil
}

// Balancer sends a message to the partition named by its target partition
// header. Keyed messages without one are hashed and the rest are spread round
// robin.
type Balancer struct {
	hash       kafka.Hash
	roundRobin kafka.RoundRobin
}

// Balance implements kafka.Balancer.
func (b *Balancer) Balance(msg kafka.Message, partitions ...int) int {
	if target, ok := targetPartition(msg); ok {
		for _, p := range partitions {
			if p == target {
				return p
			}
		}
		return partitions[0]
	}
	if len(msg.Key) > 0 {
		return b.hash.Balance(msg, partitions...)
	}
	return b.roundRobin.Balance(msg, partitions...)
}

func targetPartition(msg kafka.Message) (int, bool) {
	for _, h := range msg.Headers {
		if h.Key != HeaderTargetPartition {
			continue
		}
		p, err := strconv.Atoi(string(h.Value))
		if err != nil {
			return 0, false
		}
		return p, true
	}
	return 0, false
}
