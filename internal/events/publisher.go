package events

import (
	"context"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Publisher delivers one event to a downstream. Implementations must be
// safe for concurrent use; the dispatcher treats an error as "retry this
// event next pass".
type Publisher interface {
	Publish(ctx context.Context, ev *Event) error
	Close() error
}

// AMQPPublisher pushes events to a topic exchange. Messages are persistent
// and keyed by Event.RoutingKey so consumers can bind per event family
// ("p2p.*", "approval.*").
type AMQPPublisher struct {
	exchange string
	log      *zap.Logger

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

// NewAMQPPublisher dials the broker and declares the exchange.
func NewAMQPPublisher(url, exchange string, log *zap.Logger) (*AMQPPublisher, error) {
	if log == nil {
		log = zap.NewNop()
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("events: dial broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("events: open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("events: declare exchange %s: %w", exchange, err)
	}
	return &AMQPPublisher{exchange: exchange, log: log, conn: conn, ch: ch}, nil
}

// Publish sends one event. The body is the msgpack wire form; the message
// id mirrors the event id so broker-side consumers can deduplicate without
// decoding.
func (p *AMQPPublisher) Publish(ctx context.Context, ev *Event) error {
	body, err := Marshal(ev)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch == nil {
		return fmt.Errorf("events: publisher closed")
	}
	err = p.ch.PublishWithContext(ctx, p.exchange, ev.RoutingKey(), false, false, amqp.Publishing{
		ContentType:   "application/msgpack",
		DeliveryMode:  amqp.Persistent,
		MessageId:     ev.ID,
		Type:          ev.Name,
		CorrelationId: ev.CorrelationID,
		Timestamp:     ev.CreatedAt,
		Body:          body,
	})
	if err != nil {
		return fmt.Errorf("events: publish %s: %w", ev.ID, err)
	}
	return nil
}

// Close tears down the channel and connection.
func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch != nil {
		p.ch.Close()
		p.ch = nil
	}
	if p.conn != nil {
		err := p.conn.Close()
		p.conn = nil
		return err
	}
	return nil
}
