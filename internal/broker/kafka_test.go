package broker

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/segmentio/kafka-go"
)

type fakeReader struct {
	mu        sync.Mutex
	msgs      []kafka.Message
	committed []int64
	closed    bool
	config    kafka.ReaderConfig
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.msgs) > 0 {
		m := r.msgs[0]
		r.msgs = r.msgs[1:]
		r.mu.Unlock()
		return m, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error {
	r.closed = true
	return nil
}

func newTestKafka(t *testing.T, reader *fakeReader) *KafkaTransport {
	t.Helper()
	tr, err := NewKafkaTransport(KafkaConfig{Brokers: []string{"localhost:9092"}})
	if err != nil {
		t.Fatalf("NewKafkaTransport: %v", err)
	}
	tr.probe = func(context.Context) error { return nil }
	tr.newReader = func(cfg kafka.ReaderConfig) kafkaReader {
		reader.config = cfg
		return reader
	}
	return tr
}

func TestNewKafkaTransport_RequiresBrokers(t *testing.T) {
	if _, err := NewKafkaTransport(KafkaConfig{}); err == nil {
		t.Fatal("expected error without brokers")
	}
}

func TestKafkaOpen_UsesConsumerGroup(t *testing.T) {
	reader := &fakeReader{}
	sess, err := newTestKafka(t, reader).Open(context.Background(), "human_handoff_requests")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer sess.Close()

	if reader.config.GroupID != "relay-handoff" {
		t.Errorf("expected default consumer group, got %q", reader.config.GroupID)
	}
	if reader.config.Topic != "human_handoff_requests" {
		t.Errorf("expected topic to be the queue name, got %q", reader.config.Topic)
	}
}

func TestKafkaOpen_ProbeFailure(t *testing.T) {
	tr := newTestKafka(t, &fakeReader{})
	tr.probe = func(context.Context) error { return errors.New("no kafka broker reachable") }

	if _, err := tr.Open(context.Background(), "q"); err == nil {
		t.Fatal("expected error when no broker is reachable")
	}
}

func TestKafkaSession_CommitsOnlyProcessedMessages(t *testing.T) {
	reader := &fakeReader{msgs: []kafka.Message{
		{Offset: 10, Value: []byte("good")},
		{Offset: 11, Value: []byte("bad")},
		{Offset: 12, Value: []byte("fail")},
		{Offset: 13, Value: []byte("good")},
	}}
	sess, err := newTestKafka(t, reader).Open(context.Background(), "q")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	err = sess.Serve(context.Background(), func(_ context.Context, body []byte) error {
		switch string(body) {
		case "bad":
			return ErrMalformed
		case "fail":
			return errors.New("database unavailable")
		}
		return nil
	})
	if err == nil {
		t.Fatal("expected Serve to end with the processing error")
	}

	if len(reader.committed) != 2 || reader.committed[0] != 10 || reader.committed[1] != 11 {
		t.Errorf("expected offsets 10 and 11 committed, got %v", reader.committed)
	}
	if len(reader.msgs) != 1 {
		t.Errorf("expected offset 13 left unread, %d messages remain", len(reader.msgs))
	}
}

func TestKafkaSession_ContextCancelReturnsNil(t *testing.T) {
	reader := &fakeReader{}
	sess, err := newTestKafka(t, reader).Open(context.Background(), "q")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := sess.Serve(ctx, func(context.Context, []byte) error { return nil }); err != nil {
		t.Errorf("expected nil on shutdown, got %v", err)
	}
	_ = sess.Close()
	if !reader.closed {
		t.Error("expected reader closed")
	}
}
