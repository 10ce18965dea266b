package bus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/Checker-Finance/settlement/internal/metrics"
	"github.com/Checker-Finance/settlement/pkg/logger"
)

const headerKey = "partition_key"

// NATS is a JetStream-backed bus. All settlement topics live on one stream.
type NATS struct {
	nc      *nats.Conn
	js      nats.JetStreamContext
	stream  string
	ackWait time.Duration
	maxAck  int
}

// NewNATS connects and makes sure the stream exists.
func NewNATS(opts Options) (*NATS, error) {
	nc, err := nats.Connect(opts.NATSURL,
		nats.Name("settlement-pipeline"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, err
	}
	stream := opts.NATSStream
	if stream == "" {
		stream = "SETTLEMENT"
	}
	if _, err := js.StreamInfo(stream); errors.Is(err, nats.ErrStreamNotFound) {
		_, err = js.AddStream(&nats.StreamConfig{
			Name:      stream,
			Subjects:  []string{"settlement.>"},
			Storage:   nats.FileStorage,
			Retention: nats.LimitsPolicy,
			MaxAge:    7 * 24 * time.Hour,
		})
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("create stream %s: %w", stream, err)
		}
	} else if err != nil {
		nc.Close()
		return nil, fmt.Errorf("stream info %s: %w", stream, err)
	}
	return &NATS{nc: nc, js: js, stream: stream, ackWait: opts.AckWait, maxAck: opts.MaxInFlight}, nil
}

func (n *NATS) Driver() string { return "nats" }

func (n *NATS) Healthy() error {
	if n.nc == nil || !n.nc.IsConnected() {
		return fmt.Errorf("nats disconnected")
	}
	return n.nc.FlushTimeout(time.Second)
}

func (n *NATS) Publish(ctx context.Context, topic, key string, payload []byte) error {
	msg := &nats.Msg{
		Subject: topic,
		Data:    payload,
		Header: nats.Header{
			headerKey:      []string{key},
			"content_type": []string{"application/json"},
		},
	}

	start := time.Now()
	_, err := n.js.PublishMsg(msg, nats.Context(ctx))
	metrics.ObserveDuration(metrics.BusPublishLatency, start, "nats", topic)
	if err != nil {
		logger.S().Errorw("bus.nats.publish_failed", "subject", topic, "key", key, "error", err)
		metrics.IncBus("nats", topic, "publish", "error")
		return err
	}
	metrics.IncBus("nats", topic, "publish", "ok")
	return nil
}

func durableName(group, topic string) string {
	return strings.NewReplacer(".", "_", "*", "_", ">", "_").Replace(group + "_" + topic)
}

func (n *NATS) Subscribe(ctx context.Context, topic, group string, h Handler) error {
	sub, err := n.js.QueueSubscribe(topic, group, func(m *nats.Msg) {
		delivered := 1
		if meta, err := m.Metadata(); err == nil {
			delivered = int(meta.NumDelivered)
		}
		metrics.IncBus("nats", topic, "consume", "ok")
		h(ctx, NewMessage(topic, m.Header.Get(headerKey), m.Data, delivered,
			func() error { return m.Ack() },
			func(d time.Duration) error { return m.NakWithDelay(d) },
		))
	},
		nats.Durable(durableName(group, topic)),
		nats.ManualAck(),
		nats.AckWait(n.ackWait),
		nats.MaxAckPending(n.maxAck),
		nats.DeliverAll(),
		nats.BindStream(n.stream),
	)
	if err != nil {
		return fmt.Errorf("subscribe %s/%s: %w", topic, group, err)
	}
	go func() {
		<-ctx.Done()
		_ = sub.Drain()
	}()
	return nil
}

func (n *NATS) Close() error {
	if n.nc != nil && n.nc.IsConnected() {
		return n.nc.Drain()
	}
	return nil
}
