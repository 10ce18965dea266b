package rate

import (
	"context"
	"sync"
	"time"
)

// Config defines rate limiting parameters for one external backend.
type Config struct {
	RequestsPerSecond int
	Burst             int
	// Cooldown holds the bucket shut for this long after a request is refused.
	Cooldown time.Duration
}

// Limiter implements a token bucket rate limiter.
type Limiter struct {
	mu        sync.Mutex
	tokens    float64
	last      time.Time
	rate      float64
	burst     float64
	cooldown  time.Duration
	lastBlock time.Time
}

// New creates a new limiter with a full bucket.
func New(cfg Config) *Limiter {
	return &Limiter{
		tokens:   float64(cfg.Burst),
		last:     time.Now(),
		rate:     float64(cfg.RequestsPerSecond),
		burst:    float64(cfg.Burst),
		cooldown: cfg.Cooldown,
	}
}

// Allow takes a token if one is available.
func (l *Limiter) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(l.last).Seconds()
	l.last = now

	l.tokens += elapsed * l.rate
	if l.tokens > l.burst {
		l.tokens = l.burst
	}

	if l.cooldown > 0 && !l.lastBlock.IsZero() && now.Sub(l.lastBlock) < l.cooldown {
		return false
	}

	if l.tokens >= 1 {
		l.tokens--
		return true
	}

	if l.cooldown > 0 {
		l.lastBlock = now
	}
	return false
}

// Wait blocks until a token becomes available or ctx is done.
func (l *Limiter) Wait(ctx context.Context) error {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		if l.Allow() {
			return nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Manager holds per-backend limiters.
type Manager struct {
	mu        sync.RWMutex
	limiters  map[string]*Limiter
	overrides map[string]Config
	defaults  Config
}

func NewManager(defaults Config) *Manager {
	return &Manager{
		limiters:  make(map[string]*Limiter),
		overrides: make(map[string]Config),
		defaults:  defaults,
	}
}

// Configure sets limits for one backend. It replaces any limiter already built for it.
func (m *Manager) Configure(key string, cfg Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.overrides[key] = cfg
	delete(m.limiters, key)
}

func (m *Manager) GetLimiter(key string) *Limiter {
	m.mu.RLock()
	if lim, ok := m.limiters[key]; ok {
		m.mu.RUnlock()
		return lim
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if lim, ok := m.limiters[key]; ok {
		return lim
	}
	cfg, ok := m.overrides[key]
	if !ok {
		cfg = m.defaults
	}
	lim := New(cfg)
	m.limiters[key] = lim
	return lim
}

// Wait ensures rate limit compliance for a given backend.
func (m *Manager) Wait(ctx context.Context, key string) error {
	return m.GetLimiter(key).Wait(ctx)
}
