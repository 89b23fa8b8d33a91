package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/darkden-lab/relay/internal/metrics"
)

// amqpConnection and amqpChannel are the parts of amqp091-go used here.
type amqpConnection interface {
	Channel() (amqpChannel, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	Close() error
	IsClosed() bool
}

type amqpChannel interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	Close() error
}

type connAdapter struct {
	*amqp.Connection
}

func (c connAdapter) Channel() (amqpChannel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func dialAMQP(url string) (amqpConnection, error) {
	conn, err := amqp.DialConfig(url, amqp.Config{
		Heartbeat: 10 * time.Second,
		Locale:    "en_US",
	})
	if err != nil {
		return nil, err
	}
	return connAdapter{conn}, nil
}

// AMQPTransport consumes from a durable RabbitMQ queue with manual ack.
type AMQPTransport struct {
	url  string
	dial func(url string) (amqpConnection, error)

	mu      sync.Mutex
	pubConn amqpConnection
	pubCh   amqpChannel
}

// prefetch keeps one unacknowledged delivery in flight so messages are
// processed strictly one at a time.
const prefetch = 1

func NewAMQPTransport(url string) *AMQPTransport {
	return &AMQPTransport{url: url, dial: dialAMQP}
}

func (t *AMQPTransport) Name() string { return "amqp" }

func declareQueue(ch amqpChannel, queue string) error {
	_, err := ch.QueueDeclare(queue, true, false, false, false, nil)
	return err
}

func (t *AMQPTransport) Open(_ context.Context, queue string) (Session, error) {
	conn, err := t.dial(t.url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	fail := func(step string, err error) (Session, error) {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("%s: %w", step, err)
	}

	if err := ch.Qos(prefetch, 0, false); err != nil {
		return fail("set qos", err)
	}
	if err := declareQueue(ch, queue); err != nil {
		return fail("declare queue "+queue, err)
	}
	deliveries, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		return fail("consume "+queue, err)
	}

	return &amqpSession{
		conn:       conn,
		ch:         ch,
		deliveries: deliveries,
		connClosed: conn.NotifyClose(make(chan *amqp.Error, 1)),
		chClosed:   ch.NotifyClose(make(chan *amqp.Error, 1)),
	}, nil
}

// publishChannel returns the cached publishing channel, reconnecting when
// the previous connection has gone away.
func (t *AMQPTransport) publishChannel() (amqpChannel, error) {
	if t.pubConn != nil && !t.pubConn.IsClosed() && t.pubCh != nil {
		return t.pubCh, nil
	}
	t.closePublisher()

	conn, err := t.dial(t.url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	t.pubConn, t.pubCh = conn, ch
	return ch, nil
}

func (t *AMQPTransport) closePublisher() {
	if t.pubCh != nil {
		_ = t.pubCh.Close()
	}
	if t.pubConn != nil {
		_ = t.pubConn.Close()
	}
	t.pubConn, t.pubCh = nil, nil
}

// Publish sends a persistent JSON message to queue via the default exchange.
func (t *AMQPTransport) Publish(ctx context.Context, queue string, body []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	ch, err := t.publishChannel()
	if err != nil {
		return err
	}
	if err := declareQueue(ch, queue); err != nil {
		t.closePublisher()
		return fmt.Errorf("declare queue %s: %w", queue, err)
	}
	err = ch.PublishWithContext(ctx, "", queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Body:         body,
	})
	if err != nil {
		t.closePublisher()
		return fmt.Errorf("publish to %s: %w", queue, err)
	}
	return nil
}

func (t *AMQPTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closePublisher()
	return nil
}

type amqpSession struct {
	conn       amqpConnection
	ch         amqpChannel
	deliveries <-chan amqp.Delivery
	connClosed chan *amqp.Error
	chClosed   chan *amqp.Error
	closeOnce  sync.Once
}

func closedErr(what string, e *amqp.Error) error {
	if e == nil {
		return fmt.Errorf("amqp %s closed", what)
	}
	return fmt.Errorf("amqp %s closed: %w", what, e)
}

func (s *amqpSession) Serve(ctx context.Context, h Handler) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case e := <-s.connClosed:
			return closedErr("connection", e)
		case e := <-s.chClosed:
			return closedErr("channel", e)
		case d, ok := <-s.deliveries:
			if !ok {
				return errors.New("amqp delivery stream ended")
			}
			if err := s.handle(ctx, d, h); err != nil {
				return err
			}
		}
	}
}

func (s *amqpSession) handle(ctx context.Context, d amqp.Delivery, h Handler) error {
	err := h(ctx, d.Body)
	switch {
	case err == nil:
		metrics.RecordDelivery("acked")
		if aerr := d.Ack(false); aerr != nil {
			return fmt.Errorf("ack delivery %d: %w", d.DeliveryTag, aerr)
		}
		return nil
	case errors.Is(err, ErrMalformed):
		metrics.RecordDelivery("rejected")
		if rerr := d.Reject(false); rerr != nil {
			return fmt.Errorf("reject delivery %d: %w", d.DeliveryTag, rerr)
		}
		return nil
	default:
		// Left unacked: the broker requeues it when this channel closes.
		metrics.RecordDelivery("failed")
		return fmt.Errorf("process delivery %d: %w", d.DeliveryTag, err)
	}
}

func (s *amqpSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if cerr := s.ch.Close(); cerr != nil && !errors.Is(cerr, amqp.ErrClosed) {
			err = cerr
		}
		if cerr := s.conn.Close(); cerr != nil && !errors.Is(cerr, amqp.ErrClosed) && err == nil {
			err = cerr
		}
	})
	return err
}
