package mq

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

func NewConnection(url string) (*amqp.Connection, error) {
	return amqp.Dial(url)
}

// TopicPublisher publishes JSON payloads on a durable topic exchange. Routing keys
// are "<scope>.<key>" when a scope (company) is given, otherwise just "<key>".
type TopicPublisher struct {
	mu       sync.Mutex
	channel  *amqp.Channel
	exchange string
}

func NewTopicPublisher(conn *amqp.Connection, exchange string) (*TopicPublisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, err
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		return nil, err
	}
	return &TopicPublisher{channel: ch, exchange: exchange}, nil
}

func (p *TopicPublisher) Publish(ctx context.Context, scope, key string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	routingKey := key
	if strings.TrimSpace(scope) != "" {
		routingKey = scope + "." + key
	}
	// amqp channels are not safe for concurrent publishes.
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.channel.PublishWithContext(ctx, p.exchange, routingKey, false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
		Timestamp:   time.Now(),
	})
}

func (p *TopicPublisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel != nil {
		_ = p.channel.Close()
		p.channel = nil
	}
}

// TopicConsumer receives every message routed to a topic exchange through a
// server-named exclusive queue, so each process sees its own copy.
type TopicConsumer struct {
	channel  *amqp.Channel
	queue    string
	exchange string
}

func NewTopicConsumer(conn *amqp.Connection, exchange, bindingKey string) (*TopicConsumer, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, err
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		return nil, err
	}
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, err
	}
	if err := ch.QueueBind(q.Name, bindingKey, exchange, false, nil); err != nil {
		_ = ch.Close()
		return nil, err
	}
	return &TopicConsumer{channel: ch, queue: q.Name, exchange: exchange}, nil
}

// Consume blocks until ctx is done or the delivery channel closes. handle is
// called once per message; messages are auto-acked.
func (c *TopicConsumer) Consume(ctx context.Context, handle func(routingKey string, body []byte)) error {
	deliveries, err := c.channel.ConsumeWithContext(ctx, c.queue, "", true, true, false, false, nil)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("amqp delivery channel closed")
			}
			handle(d.RoutingKey, d.Body)
		}
	}
}

func (c *TopicConsumer) Close() {
	if c.channel != nil {
		_ = c.channel.Close()
	}
}
