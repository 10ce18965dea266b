package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/Checker-Finance/settlement/internal/metrics"
	"github.com/Checker-Finance/settlement/pkg/logger"
)

const amqpExchange = "settlement"

// AMQP routes every topic through one durable topic exchange; each consumer
// group owns a durable queue bound to the topic's routing key.
type AMQP struct {
	conn     *amqp.Connection
	mu       sync.Mutex // guards pub; channels are not goroutine-safe
	pub      *amqp.Channel
	prefetch int
}

func NewAMQP(opts Options) (*AMQP, error) {
	conn, err := amqp.Dial(opts.AMQPURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(amqpExchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	return &AMQP{conn: conn, pub: ch, prefetch: opts.MaxInFlight}, nil
}

func (a *AMQP) Driver() string { return "amqp" }

func (a *AMQP) Healthy() error {
	if a.conn == nil || a.conn.IsClosed() {
		return fmt.Errorf("amqp connection closed")
	}
	return nil
}

func (a *AMQP) Publish(ctx context.Context, topic, key string, payload []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	start := time.Now()
	err := a.pub.PublishWithContext(ctx,
		amqpExchange, // exchange
		topic,        // routing key
		false,        // mandatory
		false,        // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Headers:      amqp.Table{headerKey: key},
			Body:         payload,
			Timestamp:    time.Now().UTC(),
		},
	)
	metrics.ObserveDuration(metrics.BusPublishLatency, start, "amqp", topic)
	if err != nil {
		logger.S().Errorw("bus.amqp.publish_failed", "topic", topic, "key", key, "error", err)
		metrics.IncBus("amqp", topic, "publish", "error")
		return err
	}
	metrics.IncBus("amqp", topic, "publish", "ok")
	return nil
}

func (a *AMQP) Subscribe(ctx context.Context, topic, group string, h Handler) error {
	ch, err := a.conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}
	if err := ch.Qos(a.prefetch, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}
	queue := group + "." + topic
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", queue, err)
	}
	if err := ch.QueueBind(queue, topic, amqpExchange, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue %s: %w", queue, err)
	}
	deliveries, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to consume from %s: %w", queue, err)
	}

	go func() {
		defer func() { _ = ch.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					logger.S().Warnw("bus.amqp.channel_closed", "queue", queue)
					return
				}
				delivered := 1
				if d.Redelivered {
					delivered = 2
				}
				key, _ := d.Headers[headerKey].(string)
				metrics.IncBus("amqp", topic, "consume", "ok")
				h(ctx, NewMessage(topic, key, d.Body, delivered,
					func() error { return d.Ack(false) },
					func(delay time.Duration) error {
						time.AfterFunc(delay, func() { _ = d.Nack(false, true) })
						return nil
					},
				))
			}
		}
	}()
	return nil
}

func (a *AMQP) Close() error {
	if a.pub != nil {
		_ = a.pub.Close()
	}
	if a.conn != nil {
		return a.conn.Close()
	}
	return nil
}
