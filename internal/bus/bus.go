// Package bus carries pipeline messages between stages. Every transport
// delivers at-least-once and preserves order per key within a consumer group.
package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrClosed is returned by operations on a closed bus.
var ErrClosed = errors.New("bus closed")

// Message is one delivery. The consumer must call exactly one of Ack or Nak.
type Message struct {
	Topic     string
	Key       string
	Payload   []byte
	Delivered int // 1 on first delivery

	once sync.Once
	ack  func() error
	nak  func(delay time.Duration) error
}

// NewMessage builds a delivery with transport-specific settlement callbacks.
func NewMessage(topic, key string, payload []byte, delivered int, ack func() error, nak func(time.Duration) error) *Message {
	return &Message{Topic: topic, Key: key, Payload: payload, Delivered: delivered, ack: ack, nak: nak}
}

// Ack confirms processing. Later calls to Ack or Nak are ignored.
func (m *Message) Ack() error {
	var err error
	m.once.Do(func() {
		if m.ack != nil {
			err = m.ack()
		}
	})
	return err
}

// Nak asks the transport to redeliver after delay.
func (m *Message) Nak(delay time.Duration) error {
	var err error
	m.once.Do(func() {
		if m.nak != nil {
			err = m.nak(delay)
		}
	})
	return err
}

// Handler receives deliveries. It may return before settling the message.
type Handler func(ctx context.Context, msg *Message)

// Bus is the transport contract shared by NATS, Kafka, RabbitMQ and memory.
type Bus interface {
	Publish(ctx context.Context, topic, key string, payload []byte) error
	// Subscribe starts delivering topic to h until ctx is done. Consumers
	// sharing a group split the topic; distinct groups each see every message.
	Subscribe(ctx context.Context, topic, group string, h Handler) error
	Driver() string
	Healthy() error
	Close() error
}

// Options configure transport construction.
type Options struct {
	NATSURL      string
	NATSStream   string
	KafkaBrokers []string
	AMQPURL      string
	// MaxInFlight bounds unacknowledged deliveries per subscription.
	MaxInFlight int
	AckWait     time.Duration
}

// Open builds the transport named by driver.
func Open(driver string, opts Options) (Bus, error) {
	if opts.MaxInFlight <= 0 {
		opts.MaxInFlight = 256
	}
	if opts.AckWait <= 0 {
		opts.AckWait = 2 * time.Minute
	}
	switch driver {
	case "nats":
		return NewNATS(opts)
	case "kafka":
		return NewKafka(opts)
	case "amqp":
		return NewAMQP(opts)
	case "memory", "":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown bus driver %q", driver)
	}
}
