package bus

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/IBM/sarama"

	"github.com/Checker-Finance/settlement/internal/metrics"
	"github.com/Checker-Finance/settlement/pkg/logger"
)

// Kafka hashes keys onto partitions, so one eventId always lands on one
// partition and is consumed in order.
type Kafka struct {
	brokers     []string
	producer    sarama.SyncProducer
	groups      []sarama.ConsumerGroup
	maxInFlight int
}

// Redelivered records carry their delivery count and the earliest time they
// may be handled.
const (
	headerDelivery  = "x-delivery"
	headerNotBefore = "x-not-before"
)

func newSaramaConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V3_6_0_0
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	cfg.Producer.Idempotent = true
	cfg.Producer.Partitioner = sarama.NewHashPartitioner
	cfg.Net.MaxOpenRequests = 1
	cfg.Producer.Retry.Max = 5
	cfg.Producer.Retry.Backoff = 250 * time.Millisecond

	cfg.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRange()}
	cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	cfg.Consumer.Group.Session.Timeout = 30 * time.Second
	cfg.Consumer.Group.Heartbeat.Interval = 3 * time.Second
	cfg.Consumer.Return.Errors = true
	return cfg
}

func NewKafka(opts Options) (*Kafka, error) {
	if len(opts.KafkaBrokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}
	producer, err := sarama.NewSyncProducer(opts.KafkaBrokers, newSaramaConfig())
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return &Kafka{brokers: opts.KafkaBrokers, producer: producer, maxInFlight: opts.MaxInFlight}, nil
}

func (k *Kafka) Driver() string { return "kafka" }

func (k *Kafka) Healthy() error {
	if k.producer == nil {
		return ErrClosed
	}
	return nil
}

func (k *Kafka) Publish(ctx context.Context, topic, key string, payload []byte) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	start := time.Now()
	_, _, err := k.producer.SendMessage(&sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(payload),
	})
	metrics.ObserveDuration(metrics.BusPublishLatency, start, "kafka", topic)
	if err != nil {
		logger.S().Errorw("bus.kafka.publish_failed", "topic", topic, "key", key, "error", err)
		metrics.IncBus("kafka", topic, "publish", "error")
		return fmt.Errorf("kafka publish failed: %w", err)
	}
	metrics.IncBus("kafka", topic, "publish", "ok")
	return nil
}

func (k *Kafka) Subscribe(ctx context.Context, topic, group string, h Handler) error {
	cg, err := sarama.NewConsumerGroup(k.brokers, group, newSaramaConfig())
	if err != nil {
		return fmt.Errorf("create kafka consumer group: %w", err)
	}
	k.groups = append(k.groups, cg)

	handler := &claimHandler{
		topic:       topic,
		h:           h,
		maxInFlight: k.maxInFlight,
		republish: func(m *sarama.ProducerMessage) error {
			_, _, err := k.producer.SendMessage(m)
			return err
		},
	}
	go func() {
		for {
			if err := cg.Consume(ctx, []string{topic}, handler); err != nil {
				logger.S().Errorw("bus.kafka.consume_error", "topic", topic, "group", group, "error", err)
				if ctx.Err() != nil {
					return
				}
				time.Sleep(2 * time.Second)
			}
			if ctx.Err() != nil {
				return
			}
		}
	}()
	return nil
}

type claimHandler struct {
	topic       string
	h           Handler
	maxInFlight int
	republish   func(*sarama.ProducerMessage) error
}

func (c *claimHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (c *claimHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (c *claimHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	partition := claim.Partition()
	return c.consume(session.Context(), claim.Messages(), func(offset int64) {
		session.MarkOffset(c.topic, partition, offset, "")
	})
}

// consume hands records to the handler without waiting on earlier ones.
// Offsets are marked in partition order as deliveries settle, so an
// unsettled record is never committed past.
func (c *claimHandler) consume(ctx context.Context, records <-chan *sarama.ConsumerMessage, mark func(offset int64)) error {
	slots := make(chan struct{}, max(c.maxInFlight, 1))
	window := newCommitWindow(mark)
	for {
		select {
		case <-ctx.Done():
			return nil
		case raw, ok := <-records:
			if !ok {
				return nil
			}
			select {
			case slots <- struct{}{}:
			case <-ctx.Done():
				return nil
			}
			window.add(raw.Offset)
			delivered, notBefore := deliveryHeaders(raw.Headers)
			c.dispatch(ctx, raw, delivered, notBefore, func() {
				window.settle(raw.Offset)
				<-slots
			})
		}
	}
}

func (c *claimHandler) dispatch(ctx context.Context, raw *sarama.ConsumerMessage, delivered int, notBefore time.Time, done func()) {
	run := func() {
		if ctx.Err() != nil {
			return
		}
		msg := NewMessage(c.topic, string(raw.Key), raw.Value, delivered,
			func() error { done(); return nil },
			func(d time.Duration) error {
				c.redeliver(ctx, raw, delivered+1, d, done)
				return nil
			})
		metrics.IncBus("kafka", c.topic, "consume", "ok")
		c.h(ctx, msg)
	}
	if wait := time.Until(notBefore); wait > 0 {
		time.AfterFunc(wait, run)
		return
	}
	run()
}

// redeliver appends a copy of the record to its partition and settles the
// original. If the copy cannot be produced the record is redelivered
// in-process and stays uncommitted until it settles.
func (c *claimHandler) redeliver(ctx context.Context, raw *sarama.ConsumerMessage, delivered int, d time.Duration, done func()) {
	notBefore := time.Now().Add(d)
	err := c.republish(&sarama.ProducerMessage{
		Topic: c.topic,
		Key:   sarama.ByteEncoder(raw.Key),
		Value: sarama.ByteEncoder(raw.Value),
		Headers: []sarama.RecordHeader{
			{Key: []byte(headerDelivery), Value: []byte(strconv.Itoa(delivered))},
			{Key: []byte(headerNotBefore), Value: []byte(strconv.FormatInt(notBefore.UnixMilli(), 10))},
		},
	})
	if err != nil {
		logger.S().Warnw("bus.kafka.redeliver_failed", "topic", c.topic, "key", string(raw.Key), "error", err)
		metrics.IncBus("kafka", c.topic, "redeliver", "error")
		c.dispatch(ctx, raw, delivered, notBefore, done)
		return
	}
	metrics.IncBus("kafka", c.topic, "redeliver", "ok")
	done()
}

func deliveryHeaders(headers []*sarama.RecordHeader) (int, time.Time) {
	delivered, notBefore := 1, time.Time{}
	for _, h := range headers {
		if h == nil {
			continue
		}
		switch string(h.Key) {
		case headerDelivery:
			if n, err := strconv.Atoi(string(h.Value)); err == nil && n > 0 {
				delivered = n
			}
		case headerNotBefore:
			if ms, err := strconv.ParseInt(string(h.Value), 10, 64); err == nil {
				notBefore = time.UnixMilli(ms)
			}
		}
	}
	return delivered, notBefore
}

// commitWindow tracks in-flight offsets of one partition and reports the
// next offset to commit once every earlier record has settled.
type commitWindow struct {
	mu      sync.Mutex
	pending []int64
	settled map[int64]bool
	mark    func(next int64)
}

func newCommitWindow(mark func(next int64)) *commitWindow {
	return &commitWindow{settled: make(map[int64]bool), mark: mark}
}

func (w *commitWindow) add(offset int64) {
	w.mu.Lock()
	w.pending = append(w.pending, offset)
	w.mu.Unlock()
}

func (w *commitWindow) settle(offset int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.settled[offset] = true
	next := int64(-1)
	for len(w.pending) > 0 && w.settled[w.pending[0]] {
		delete(w.settled, w.pending[0])
		next = w.pending[0] + 1
		w.pending = w.pending[1:]
	}
	if next >= 0 {
		w.mark(next)
	}
}

func (k *Kafka) Close() error {
	for _, g := range k.groups {
		_ = g.Close()
	}
	if k.producer == nil {
		return nil
	}
	err := k.producer.Close()
	k.producer = nil
	return err
}
