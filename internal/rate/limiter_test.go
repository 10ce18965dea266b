package rate

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimiter_AllowsBurst(t *testing.T) {
	lim := New(Config{RequestsPerSecond: 10, Burst: 5})

	allowed := 0
	for i := 0; i < 10; i++ {
		if lim.Allow() {
			allowed++
		}
	}
	assert.Equal(t, 5, allowed)
}

func TestLimiter_Refill(t *testing.T) {
	lim := New(Config{RequestsPerSecond: 100, Burst: 2})
	for lim.Allow() {
	}
	time.Sleep(50 * time.Millisecond)
	assert.True(t, lim.Allow(), "expected token after refill period")
}

func TestLimiter_CooldownHoldsBucketShut(t *testing.T) {
	lim := New(Config{RequestsPerSecond: 1000, Burst: 1, Cooldown: 80 * time.Millisecond})
	require.True(t, lim.Allow())
	require.False(t, lim.Allow())

	time.Sleep(20 * time.Millisecond)
	assert.False(t, lim.Allow(), "refused during cooldown even though tokens refilled")

	time.Sleep(80 * time.Millisecond)
	assert.True(t, lim.Allow())
}

func TestLimiter_WaitRespectsContext(t *testing.T) {
	lim := New(Config{RequestsPerSecond: 0, Burst: 0})
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, lim.Wait(ctx), context.DeadlineExceeded)
}

func TestManager_PerBackendOverrides(t *testing.T) {
	m := NewManager(Config{RequestsPerSecond: 10, Burst: 1})
	m.Configure("custodian", Config{RequestsPerSecond: 10, Burst: 3})

	assert.NotSame(t, m.GetLimiter("ledger"), m.GetLimiter("custodian"))
	assert.Same(t, m.GetLimiter("ledger"), m.GetLimiter("ledger"))

	allowed := 0
	for i := 0; i < 5; i++ {
		if m.GetLimiter("custodian").Allow() {
			allowed++
		}
	}
	assert.Equal(t, 3, allowed)
}

func TestManager_ConcurrentGetLimiter(t *testing.T) {
	m := NewManager(Config{RequestsPerSecond: 10, Burst: 1})
	var wg sync.WaitGroup
	got := make([]*Limiter, 20)
	for i := range got {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got[i] = m.GetLimiter("indexer")
		}(i)
	}
	wg.Wait()
	for _, l := range got {
		assert.Same(t, got[0], l)
	}
}
