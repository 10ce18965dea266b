package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collector struct {
	mu   sync.Mutex
	got  []string
	seen []int
}

func (c *collector) add(msg *Message) {
	c.mu.Lock()
	c.got = append(c.got, string(msg.Payload))
	c.seen = append(c.seen, msg.Delivered)
	c.mu.Unlock()
}

func (c *collector) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.got...)
}

func TestMemory_FIFOPerGroup(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b := NewMemory()
	defer b.Close()

	c := &collector{}
	require.NoError(t, b.Subscribe(ctx, "settlement.requests", "intake", func(_ context.Context, m *Message) {
		c.add(m)
		_ = m.Ack()
	}))

	for _, p := range []string{"a", "b", "c"} {
		require.NoError(t, b.Publish(ctx, "settlement.requests", "evt-1", []byte(p)))
	}

	require.Eventually(t, func() bool { return len(c.snapshot()) == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"a", "b", "c"}, c.snapshot())
}

func TestMemory_FanOutAcrossGroups(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b := NewMemory()
	defer b.Close()

	ledger, transfer := &collector{}, &collector{}
	require.NoError(t, b.Subscribe(ctx, "settlement.matched", "ledger", func(_ context.Context, m *Message) { ledger.add(m); _ = m.Ack() }))
	require.NoError(t, b.Subscribe(ctx, "settlement.matched", "transfer", func(_ context.Context, m *Message) { transfer.add(m); _ = m.Ack() }))

	require.NoError(t, b.Publish(ctx, "settlement.matched", "evt-1", []byte("order")))

	require.Eventually(t, func() bool {
		return len(ledger.snapshot()) == 1 && len(transfer.snapshot()) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestMemory_NakRedelivers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b := NewMemory()
	defer b.Close()

	c := &collector{}
	require.NoError(t, b.Subscribe(ctx, "t", "g", func(_ context.Context, m *Message) {
		c.add(m)
		if m.Delivered == 1 {
			_ = m.Nak(time.Millisecond)
			return
		}
		_ = m.Ack()
	}))
	require.NoError(t, b.Publish(ctx, "t", "k", []byte("x")))

	require.Eventually(t, func() bool { return len(c.snapshot()) == 2 }, time.Second, 5*time.Millisecond)
	c.mu.Lock()
	assert.Equal(t, []int{1, 2}, c.seen)
	c.mu.Unlock()
}

func TestMemory_DuplicateGroupRejected(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b := NewMemory()
	defer b.Close()

	noop := func(context.Context, *Message) {}
	require.NoError(t, b.Subscribe(ctx, "t", "g", noop))
	assert.Error(t, b.Subscribe(ctx, "t", "g", noop))
}

func TestMemory_ClosedRejectsPublish(t *testing.T) {
	b := NewMemory()
	require.NoError(t, b.Close())
	assert.ErrorIs(t, b.Publish(context.Background(), "t", "k", nil), ErrClosed)
	assert.ErrorIs(t, b.Healthy(), ErrClosed)
}

func TestMessage_SettlesOnce(t *testing.T) {
	acks, naks := 0, 0
	m := NewMessage("t", "k", nil, 1,
		func() error { acks++; return nil },
		func(time.Duration) error { naks++; return nil })
	require.NoError(t, m.Ack())
	require.NoError(t, m.Nak(0))
	require.NoError(t, m.Ack())
	assert.Equal(t, 1, acks)
	assert.Equal(t, 0, naks)
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open("carrier-pigeon", Options{})
	assert.Error(t, err)
}

func TestOpen_Memory(t *testing.T) {
	b, err := Open("memory", Options{})
	require.NoError(t, err)
	assert.Equal(t, "memory", b.Driver())
	require.NoError(t, b.Close())
}
