package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Checker-Finance/settlement/internal/metrics"
)

// Memory is an in-process bus used by tests and single-process deployments.
// Each (topic, group) pair is a FIFO queue drained by one goroutine.
type Memory struct {
	mu     sync.RWMutex
	groups map[string]map[string]*memQueue // topic -> group -> queue
	closed bool
	wg     sync.WaitGroup
}

type memQueue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	items   []*memItem
	handler Handler
	closed  bool
}

type memItem struct {
	key       string
	payload   []byte
	delivered int
}

func NewMemory() *Memory {
	return &Memory{groups: make(map[string]map[string]*memQueue)}
}

func (m *Memory) Driver() string { return "memory" }

func (m *Memory) Healthy() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	return nil
}

// Publish enqueues payload for every group subscribed to topic. Messages
// published before any subscription are dropped, as with a plain subject.
func (m *Memory) Publish(_ context.Context, topic, key string, payload []byte) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	for _, q := range m.groups[topic] {
		q.push(&memItem{key: key, payload: append([]byte(nil), payload...), delivered: 1})
	}
	metrics.IncBus("memory", topic, "publish", "ok")
	return nil
}

func (m *Memory) Subscribe(ctx context.Context, topic, group string, h Handler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if m.groups[topic] == nil {
		m.groups[topic] = make(map[string]*memQueue)
	}
	if _, ok := m.groups[topic][group]; ok {
		return fmt.Errorf("memory bus: group %q already consuming %s", group, topic)
	}
	q := &memQueue{handler: h}
	q.cond = sync.NewCond(&q.mu)
	m.groups[topic][group] = q

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.drain(ctx, topic, q)
	}()
	go func() {
		<-ctx.Done()
		q.close()
	}()
	return nil
}

func (m *Memory) drain(ctx context.Context, topic string, q *memQueue) {
	for {
		item, ok := q.pop()
		if !ok {
			return
		}
		it := item
		msg := NewMessage(topic, it.key, it.payload, it.delivered,
			func() error { return nil },
			func(delay time.Duration) error {
				retry := &memItem{key: it.key, payload: it.payload, delivered: it.delivered + 1}
				if delay <= 0 {
					q.push(retry)
					return nil
				}
				time.AfterFunc(delay, func() { q.push(retry) })
				return nil
			})
		metrics.IncBus("memory", topic, "consume", "ok")
		q.handler(ctx, msg)
	}
}

func (q *memQueue) push(it *memItem) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.items = append(q.items, it)
	q.cond.Signal()
}

func (q *memQueue) pop() (*memItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if q.closed {
		return nil, false
	}
	it := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return it, true
}

func (q *memQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
}

func (m *Memory) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	for _, groups := range m.groups {
		for _, q := range groups {
			q.close()
		}
	}
	m.mu.Unlock()
	m.wg.Wait()
	return nil
}
