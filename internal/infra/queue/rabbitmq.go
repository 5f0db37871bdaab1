package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"tg-drip-bot/internal/domain"
	"tg-drip-bot/internal/infra/metrics"
)

// RabbitBroadcastQueue реализует очередь рассылок поверх AMQP.
type RabbitBroadcastQueue struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	queue   string

	// Подписка на доставки создаётся один раз при первом Pop и
	// переиспользуется: каждый вызов Consume регистрирует на брокере
	// нового потребителя, и брошенные потребители копят неподтверждённые
	// сообщения.
	deliveries <-chan amqp.Delivery
	subscribe  func() (<-chan amqp.Delivery, error)
}

// NewRabbitBroadcastQueue подключается к RabbitMQ и объявляет очередь.
func NewRabbitBroadcastQueue(amqpURL, queue string) (*RabbitBroadcastQueue, error) {
	if amqpURL == "" {
		return nil, fmt.Errorf("amqp url пуст")
	}
	if queue == "" {
		return nil, fmt.Errorf("имя очереди пусто")
	}
	conn, err := amqp.Dial(amqpURL)
	if err != nil {
		return nil, fmt.Errorf("подключение к RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("открытие канала: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("объявление очереди: %w", err)
	}
	q := &RabbitBroadcastQueue{conn: conn, channel: ch, queue: queue}
	q.subscribe = func() (<-chan amqp.Delivery, error) {
		if err := ch.Qos(1, 0, false); err != nil {
			return nil, fmt.Errorf("qos: %w", err)
		}
		return ch.Consume(queue, "", false, false, false, false, nil)
	}
	return q, nil
}

// Enqueue публикует задачу в очередь.
func (q *RabbitBroadcastQueue) Enqueue(ctx context.Context, job domain.BroadcastJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	start := time.Now()
	err = q.channel.PublishWithContext(ctx, "", q.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         payload,
	})
	metrics.ObserveNetworkRequest("rabbitmq", "publish", q.queue, start, err)
	if err != nil {
		return fmt.Errorf("publish job: %w", err)
	}
	return nil
}

// Pop блокирующе читает задачу из очереди.
func (q *RabbitBroadcastQueue) Pop(ctx context.Context) (domain.BroadcastJob, error) {
	if q.deliveries == nil {
		deliveries, err := q.subscribe()
		if err != nil {
			return domain.BroadcastJob{}, fmt.Errorf("consume: %w", err)
		}
		q.deliveries = deliveries
	}
	for {
		select {
		case <-ctx.Done():
			return domain.BroadcastJob{}, ctx.Err()
		case delivery, ok := <-q.deliveries:
			if !ok {
				q.deliveries = nil
				return domain.BroadcastJob{}, fmt.Errorf("канал доставки закрыт")
			}
			var job domain.BroadcastJob
			if err := json.Unmarshal(delivery.Body, &job); err != nil {
				_ = delivery.Nack(false, false)
				return domain.BroadcastJob{}, fmt.Errorf("decode job: %w", err)
			}
			if err := delivery.Ack(false); err != nil {
				return domain.BroadcastJob{}, fmt.Errorf("ack: %w", err)
			}
			return job, nil
		}
	}
}

// Close закрывает канал и соединение.
func (q *RabbitBroadcastQueue) Close() error {
	if err := q.channel.Close(); err != nil {
		_ = q.conn.Close()
		return err
	}
	return q.conn.Close()
}
