package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/darkden-lab/relay/internal/metrics"
)

type kafkaReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConfig holds configuration for the Kafka transport.
type KafkaConfig struct {
	Brokers       []string
	ConsumerGroup string
}

// KafkaTransport consumes a topic as part of a consumer group, committing
// offsets only after a message has been processed.
type KafkaTransport struct {
	config    KafkaConfig
	writer    kafkaWriter
	newReader func(cfg kafka.ReaderConfig) kafkaReader
	probe     func(ctx context.Context) error
}

func NewKafkaTransport(config KafkaConfig) (*KafkaTransport, error) {
	if len(config.Brokers) == 0 {
		return nil, fmt.Errorf("at least one Kafka broker address is required")
	}
	if config.ConsumerGroup == "" {
		config.ConsumerGroup = "relay-handoff"
	}

	t := &KafkaTransport{
		config: config,
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(config.Brokers...),
			Balancer:               &kafka.LeastBytes{},
			BatchTimeout:           10 * time.Millisecond,
			RequiredAcks:           kafka.RequireAll,
			AllowAutoTopicCreation: true,
		},
		newReader: func(cfg kafka.ReaderConfig) kafkaReader {
			return kafka.NewReader(cfg)
		},
	}
	t.probe = t.dialAny
	return t, nil
}

func (t *KafkaTransport) Name() string { return "kafka" }

// dialAny checks that at least one broker is reachable. Readers connect
// lazily, so without it a dead cluster would only surface on first fetch.
func (t *KafkaTransport) dialAny(ctx context.Context) error {
	dialer := &kafka.Dialer{Timeout: 10 * time.Second}
	var lastErr error
	for _, addr := range t.config.Brokers {
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			lastErr = err
			continue
		}
		_ = conn.Close()
		return nil
	}
	return fmt.Errorf("no kafka broker reachable: %w", lastErr)
}

func (t *KafkaTransport) Open(ctx context.Context, queue string) (Session, error) {
	if err := t.probe(ctx); err != nil {
		return nil, err
	}
	reader := t.newReader(kafka.ReaderConfig{
		Brokers:  t.config.Brokers,
		GroupID:  t.config.ConsumerGroup,
		Topic:    queue,
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  500 * time.Millisecond,
	})
	return &kafkaSession{reader: reader}, nil
}

func (t *KafkaTransport) Publish(ctx context.Context, queue string, body []byte) error {
	if err := t.writer.WriteMessages(ctx, kafka.Message{Topic: queue, Value: body}); err != nil {
		return fmt.Errorf("write to kafka: %w", err)
	}
	return nil
}

func (t *KafkaTransport) Close() error {
	return t.writer.Close()
}

type kafkaSession struct {
	reader kafkaReader
}

func (s *kafkaSession) Serve(ctx context.Context, h Handler) error {
	for {
		msg, err := s.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("fetch message: %w", err)
		}

		herr := h(ctx, msg.Value)
		switch {
		case herr == nil:
			metrics.RecordDelivery("acked")
		case errors.Is(herr, ErrMalformed):
			// Kafka has no per-message reject; committing skips the poison message.
			metrics.RecordDelivery("rejected")
		default:
			metrics.RecordDelivery("failed")
			return fmt.Errorf("process offset %d/%d: %w", msg.Partition, msg.Offset, herr)
		}

		if err := s.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("commit offset %d/%d: %w", msg.Partition, msg.Offset, err)
		}
	}
}

func (s *kafkaSession) Close() error {
	return s.reader.Close()
}
