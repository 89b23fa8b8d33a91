package broker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

type fakeAck struct {
	mu       sync.Mutex
	acked    []uint64
	rejected []uint64
	requeued []bool
}

func (a *fakeAck) Ack(tag uint64, multiple bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acked = append(a.acked, tag)
	return nil
}

func (a *fakeAck) Nack(tag uint64, multiple, requeue bool) error {
	return errors.New("nack not expected")
}

func (a *fakeAck) Reject(tag uint64, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rejected = append(a.rejected, tag)
	a.requeued = append(a.requeued, requeue)
	return nil
}

type fakeChannel struct {
	mu           sync.Mutex
	prefetch     int
	declared     []string
	durable      bool
	autoAck      bool
	deliveries   chan amqp.Delivery
	closeNotify  chan *amqp.Error
	published    []amqp.Publishing
	publishedKey string
	closed       bool
	qosErr       error
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{deliveries: make(chan amqp.Delivery, 8)}
}

func (c *fakeChannel) Qos(prefetchCount, prefetchSize int, global bool) error {
	c.prefetch = prefetchCount
	return c.qosErr
}

func (c *fakeChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.declared = append(c.declared, name)
	c.durable = durable
	return amqp.Queue{Name: name}, nil
}

func (c *fakeChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	c.autoAck = autoAck
	return c.deliveries, nil
}

func (c *fakeChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published = append(c.published, msg)
	c.publishedKey = key
	return nil
}

func (c *fakeChannel) NotifyClose(ch chan *amqp.Error) chan *amqp.Error {
	c.closeNotify = ch
	return ch
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

type fakeConn struct {
	ch          *fakeChannel
	closeNotify chan *amqp.Error
	closed      bool
}

func (c *fakeConn) Channel() (amqpChannel, error) { return c.ch, nil }

func (c *fakeConn) NotifyClose(ch chan *amqp.Error) chan *amqp.Error {
	c.closeNotify = ch
	return ch
}

func (c *fakeConn) Close() error {
	c.closed = true
	return nil
}

func (c *fakeConn) IsClosed() bool { return c.closed }

func newTestAMQP(conn *fakeConn) *AMQPTransport {
	t := NewAMQPTransport("amqp://test")
	t.dial = func(string) (amqpConnection, error) { return conn, nil }
	return t
}

func TestAMQPOpen_DeclaresDurableQueueWithManualAck(t *testing.T) {
	conn := &fakeConn{ch: newFakeChannel()}
	sess, err := newTestAMQP(conn).Open(context.Background(), "human_handoff_requests")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer sess.Close()

	if conn.ch.prefetch != 1 {
		t.Errorf("expected prefetch 1, got %d", conn.ch.prefetch)
	}
	if len(conn.ch.declared) != 1 || conn.ch.declared[0] != "human_handoff_requests" || !conn.ch.durable {
		t.Errorf("expected durable queue declaration, got %v durable=%v", conn.ch.declared, conn.ch.durable)
	}
	if conn.ch.autoAck {
		t.Error("consumer must use manual acknowledgement")
	}
}

func TestAMQPOpen_FailureClosesConnection(t *testing.T) {
	conn := &fakeConn{ch: newFakeChannel()}
	conn.ch.qosErr = errors.New("qos refused")

	if _, err := newTestAMQP(conn).Open(context.Background(), "q"); err == nil {
		t.Fatal("expected error, got nil")
	}
	if !conn.closed || !conn.ch.closed {
		t.Error("expected connection and channel closed after a failed open")
	}
}

func TestAMQPSession_AckRejectAndFailure(t *testing.T) {
	conn := &fakeConn{ch: newFakeChannel()}
	sess, err := newTestAMQP(conn).Open(context.Background(), "q")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	ack := &fakeAck{}
	conn.ch.deliveries <- amqp.Delivery{Acknowledger: ack, DeliveryTag: 1, Body: []byte("good")}
	conn.ch.deliveries <- amqp.Delivery{Acknowledger: ack, DeliveryTag: 2, Body: []byte("bad")}
	conn.ch.deliveries <- amqp.Delivery{Acknowledger: ack, DeliveryTag: 3, Body: []byte("good")}
	conn.ch.deliveries <- amqp.Delivery{Acknowledger: ack, DeliveryTag: 4, Body: []byte("fail")}

	handler := func(_ context.Context, body []byte) error {
		switch string(body) {
		case "bad":
			return ErrMalformed
		case "fail":
			return errors.New("database unavailable")
		}
		return nil
	}

	err = sess.Serve(context.Background(), handler)
	if err == nil {
		t.Fatal("expected Serve to end with the processing error")
	}

	if len(ack.acked) != 2 || ack.acked[0] != 1 || ack.acked[1] != 3 {
		t.Errorf("expected deliveries 1 and 3 acked, got %v", ack.acked)
	}
	if len(ack.rejected) != 1 || ack.rejected[0] != 2 || ack.requeued[0] {
		t.Errorf("expected delivery 2 rejected without requeue, got %v requeue=%v", ack.rejected, ack.requeued)
	}
	for _, tag := range append(ack.acked, ack.rejected...) {
		if tag == 4 {
			t.Error("failed delivery must stay unacknowledged")
		}
	}
}

func TestAMQPSession_ConnectionLoss(t *testing.T) {
	conn := &fakeConn{ch: newFakeChannel()}
	sess, err := newTestAMQP(conn).Open(context.Background(), "q")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	conn.closeNotify <- &amqp.Error{Code: 320, Reason: "CONNECTION_FORCED"}
	errCh := make(chan error, 1)
	go func() { errCh <- sess.Serve(context.Background(), func(context.Context, []byte) error { return nil }) }()

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("expected error on connection loss")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after connection loss")
	}
}

func TestAMQPSession_ContextCancelReturnsNil(t *testing.T) {
	conn := &fakeConn{ch: newFakeChannel()}
	sess, err := newTestAMQP(conn).Open(context.Background(), "q")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := sess.Serve(ctx, func(context.Context, []byte) error { return nil }); err != nil {
		t.Errorf("expected nil on shutdown, got %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	if !conn.closed {
		t.Error("expected connection closed")
	}
}

func TestAMQPPublish_Persistent(t *testing.T) {
	conn := &fakeConn{ch: newFakeChannel()}
	tr := newTestAMQP(conn)

	if err := tr.Publish(context.Background(), "human_handoff_requests", []byte(`{"tenant_id":1}`)); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if len(conn.ch.published) != 1 {
		t.Fatalf("expected 1 message, got %d", len(conn.ch.published))
	}
	msg := conn.ch.published[0]
	if msg.DeliveryMode != amqp.Persistent {
		t.Error("expected persistent delivery mode")
	}
	if msg.ContentType != "application/json" {
		t.Errorf("expected JSON content type, got %q", msg.ContentType)
	}
	if conn.ch.publishedKey != "human_handoff_requests" {
		t.Errorf("expected routing key to be the queue, got %q", conn.ch.publishedKey)
	}
}
