package rabbitmq

import (
	"clipqueue/internal/domain/entity"
	"context"
	"encoding/json"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	EventsExchange      = "clipqueue.events"
	EventsRoutingPrefix = "jobs"
	WakeQueue           = "clipqueue.processor.wake"
)

// RoutingKey is the key an event of type t is published under.
func RoutingKey(t entity.EventType) string {
	return EventsRoutingPrefix + "." + string(t)
}

type RabbitPublisher struct {
	mu         sync.Mutex
	channel    *amqp.Channel
	exchange   string
	routingKey string
}

func NewRabbitPublisher(conn *amqp.Connection, exchange, routingKey string) (*RabbitPublisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, err
	}

	err = ch.ExchangeDeclare(
		exchange,
		"topic",
		true, // durable
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return nil, err
	}

	return &RabbitPublisher{
		channel:    ch,
		exchange:   exchange,
		routingKey: routingKey,
	}, nil
}

// Publish sends one event. The routing key is the configured prefix plus the
// event type, e.g. "jobs.job.completed".
func (p *RabbitPublisher) Publish(ctx context.Context, body json.RawMessage) error {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(body, &head); err != nil {
		return fmt.Errorf("decode event type: %w", err)
	}
	key := p.routingKey
	if head.Type != "" {
		key += "." + head.Type
	}

	// amqp channels are not safe for concurrent publishing
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.channel.PublishWithContext(ctx,
		p.exchange,
		key,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
		},
	)
}

func (p *RabbitPublisher) Close() error {
	return p.channel.Close()
}
