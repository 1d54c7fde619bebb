package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/streadway/amqp"

	"github.com/unclebandit/campaign-mailer/internal/observability"
)

// AMQPQueue publishes JSON payloads to durable queues named after the topic.
type AMQPQueue struct {
	conn   *amqp.Connection
	pubCh  *amqp.Channel
	mu     sync.Mutex
	logger *observability.Logger
}

func NewAMQPQueue(url string, logger *observability.Logger) (*AMQPQueue, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect to broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open publish channel: %w", err)
	}
	return &AMQPQueue{conn: conn, pubCh: ch, logger: logger}, nil
}

func declare(ch *amqp.Channel, topic string) (amqp.Queue, error) {
	return ch.QueueDeclare(
		topic,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	)
}

func (q *AMQPQueue) Publish(topic string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if _, err := declare(q.pubCh, topic); err != nil {
		return fmt.Errorf("declare queue %s: %w", topic, err)
	}
	err = q.pubCh.Publish("", topic, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}

// Subscribe consumes on a dedicated channel. The handler receives the raw JSON
// body; a failed delivery is requeued once, then dropped.
func (q *AMQPQueue) Subscribe(topic string, handler func(payload any) error) error {
	ch, err := q.conn.Channel()
	if err != nil {
		return fmt.Errorf("open consume channel: %w", err)
	}
	if err := ch.Qos(1, 0, false); err != nil {
		ch.Close()
		return fmt.Errorf("set prefetch: %w", err)
	}
	qd, err := declare(ch, topic)
	if err != nil {
		ch.Close()
		return fmt.Errorf("declare queue %s: %w", topic, err)
	}
	msgs, err := ch.Consume(
		qd.Name,
		"",
		false, // autoAck = false for reliability
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		ch.Close()
		return fmt.Errorf("register consumer: %w", err)
	}

	ctx := observability.WithFields(context.Background(), observability.Field{Key: "topic", Value: topic})
	go func() {
		defer ch.Close()
		for d := range msgs {
			if err := handler(json.RawMessage(d.Body)); err != nil {
				q.logger.WarnWithError(ctx, "delivery handler failed", err)
				d.Nack(false, !d.Redelivered)
				continue
			}
			d.Ack(false)
		}
		q.logger.Info(ctx, "consumer stopped")
	}()
	return nil
}

func (q *AMQPQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pubCh.Close()
	return q.conn.Close()
}
