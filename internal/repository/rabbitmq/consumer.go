package rabbitmq

import (
	"clipqueue/internal/domain/entity"
	"context"
	"encoding/json"
	"log"

	amqp "github.com/rabbitmq/amqp091-go"
)

type EventHandler func(ctx context.Context, event entity.JobEvent) error

// EventConsumer delivers job events from a queue bound to the events
// exchange. Undecodable messages are dropped; handler errors requeue.
type EventConsumer struct {
	channel     *amqp.Channel
	exchange    string
	routingKey  string
	queue       string
	Handler     EventHandler
	prefetchCnt int
}

func NewEventConsumer(conn *amqp.Connection, exchange, routingKey, queue string, handler EventHandler) (*EventConsumer, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, err
	}

	consumer := &EventConsumer{
		channel:     ch,
		exchange:    exchange,
		routingKey:  routingKey,
		queue:       queue,
		Handler:     handler,
		prefetchCnt: 1,
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

	_, err = ch.QueueDeclare(
		queue,
		true,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return nil, err
	}

	if err := ch.QueueBind(
		queue,
		routingKey,
		exchange,
		false,
		nil,
	); err != nil {
		return nil, err
	}

	if err := ch.Qos(consumer.prefetchCnt, 0, false); err != nil {
		return nil, err
	}

	return consumer, nil
}

func (c *EventConsumer) Start(ctx context.Context) error {
	msgs, err := c.channel.Consume(
		c.queue,
		"",
		false,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			log.Println("event consumer shutting down")
			return nil
		case msg, ok := <-msgs:
			if !ok {
				log.Println("RabbitMQ channel closed")
				return nil
			}

			var event entity.JobEvent
			if err := json.Unmarshal(msg.Body, &event); err != nil {
				log.Printf("event consumer: decode %s: %v", msg.RoutingKey, err)
				_ = msg.Nack(false, false)
				continue
			}

			if err := c.Handler(ctx, event); err != nil {
				log.Printf("event consumer: handle %s: %v", event.Type, err)
				_ = msg.Nack(false, true)
				continue
			}
			_ = msg.Ack(false)
		}
	}
}

func (c *EventConsumer) Close() error {
	return c.channel.Close()
}
