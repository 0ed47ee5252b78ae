package changefeed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"styleai/pkg/domain"
)

// ErrFeedClosed is returned by feed operations after Close.
var ErrFeedClosed = errors.New("change feed closed")

// AMQPConfig configures an AMQPFeed.
type AMQPConfig struct {
	URL      string
	Exchange string
	Logger   *slog.Logger
}

// AMQPFeed is a Feed on a fanout exchange. Every subscriber binds its own
// exclusive queue, so each one sees every event published while it is bound.
// A dropped connection is redialed by the next Publish or Subscribe.
type AMQPFeed struct {
	url      string
	exchange string
	logger   *slog.Logger
	dial     func(url string) (*amqp.Connection, error)

	mu     sync.Mutex
	conn   *amqp.Connection
	pubCh  *amqp.Channel
	closed bool
}

func NewAMQPFeed(cfg AMQPConfig) (*AMQPFeed, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return nil, errors.New("amqp url required")
	}
	exchange := strings.TrimSpace(cfg.Exchange)
	if exchange == "" {
		exchange = "stylesync.changes"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	f := &AMQPFeed{url: url, exchange: exchange, logger: logger, dial: amqp.Dial}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := f.publishChannelLocked(); err != nil {
		f.closeLocked()
		return nil, err
	}
	return f, nil
}

// connectionLocked returns the live connection, dialing a new one when the
// previous one was closed by the broker or the network.
func (f *AMQPFeed) connectionLocked() (*amqp.Connection, error) {
	if f.closed {
		return nil, ErrFeedClosed
	}
	if f.conn != nil && !f.conn.IsClosed() {
		return f.conn, nil
	}
	if f.conn != nil {
		f.logger.Warn("amqp connection lost; redialing", "exchange", f.exchange)
		f.pubCh = nil
	}
	conn, err := f.dial(f.url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	defer ch.Close()
	if err := ch.ExchangeDeclare(f.exchange, amqp.ExchangeFanout, true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	f.conn = conn
	return conn, nil
}

func (f *AMQPFeed) publishChannelLocked() (*amqp.Channel, error) {
	conn, err := f.connectionLocked()
	if err != nil {
		return nil, err
	}
	if f.pubCh != nil && !f.pubCh.IsClosed() {
		return f.pubCh, nil
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	f.pubCh = ch
	return ch, nil
}

func (f *AMQPFeed) Publish(ctx context.Context, collection, key string) (domain.ChangeEvent, error) {
	ev, err := newEvent(collection, key)
	if err != nil {
		return domain.ChangeEvent{}, err
	}
	body, err := encodeEvent(ev)
	if err != nil {
		return domain.ChangeEvent{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, err := f.publishChannelLocked()
	if err != nil {
		return domain.ChangeEvent{}, err
	}
	err = ch.PublishWithContext(ctx, f.exchange, "", false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Transient,
		MessageId:    ev.ID,
		Timestamp:    ev.At,
		Body:         body,
	})
	if err != nil {
		return domain.ChangeEvent{}, fmt.Errorf("publish change: %w", err)
	}
	return ev, nil
}

// Subscribe consumes from a fresh exclusive queue. A failed event is
// requeued once; a second failure drops it. Subscribe returns an error when
// the connection drops, and the next call redials.
func (f *AMQPFeed) Subscribe(ctx context.Context, h Handler, ready func()) error {
	f.mu.Lock()
	conn, err := f.connectionLocked()
	f.mu.Unlock()
	if err != nil {
		return err
	}
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open amqp channel: %w", err)
	}
	defer ch.Close()
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}
	if err := ch.QueueBind(q.Name, "", f.exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue: %w", err)
	}
	deliveries, err := ch.ConsumeWithContext(ctx, q.Name, "", false, true, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}
	closed := ch.NotifyClose(make(chan *amqp.Error, 1))
	if ready != nil {
		ready()
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case amqpErr := <-closed:
			if amqpErr != nil {
				return fmt.Errorf("amqp channel closed: %w", amqpErr)
			}
			return errors.New("amqp channel closed")
		case d, ok := <-deliveries:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return errors.New("amqp delivery channel closed")
			}
			f.handle(ctx, d, h)
		}
	}
}

func (f *AMQPFeed) handle(ctx context.Context, d amqp.Delivery, h Handler) {
	ev, err := decodeEvent(d.Body)
	if err != nil {
		f.logger.Warn("discarding malformed change event", "err", err)
		_ = d.Ack(false)
		return
	}
	if err := h(ctx, ev); err != nil {
		f.logger.Warn("change event failed", "event_id", ev.ID, "collection", ev.Collection,
			"redelivered", d.Redelivered, "err", err)
		_ = d.Nack(false, !d.Redelivered)
		return
	}
	_ = d.Ack(false)
}

func (f *AMQPFeed) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeLocked()
}

func (f *AMQPFeed) closeLocked() error {
	f.closed = true
	if f.pubCh != nil {
		_ = f.pubCh.Close()
		f.pubCh = nil
	}
	if f.conn == nil || f.conn.IsClosed() {
		return nil
	}
	return f.conn.Close()
}
