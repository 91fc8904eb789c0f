// Package ratelimit throttles chat turns per user.
package ratelimit

import (
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config configures rate limiting behavior.
type Config struct {
	// RequestsPerSecond is the sustained number of turns allowed per user.
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	// BurstSize is the maximum number of turns allowed in a burst.
	BurstSize int `yaml:"burst_size"`
	// Enabled controls whether rate limiting is active.
	Enabled bool `yaml:"enabled"`
	// MaxKeys bounds the number of tracked users before idle ones are pruned.
	MaxKeys int `yaml:"max_keys"`
}

// DefaultConfig returns the default rate limit configuration: one turn per
// second with a burst of five.
func DefaultConfig() Config {
	return Config{
		RequestsPerSecond: 1.0,
		BurstSize:         5,
		Enabled:           true,
		MaxKeys:           10000,
	}
}

func (c Config) withDefaults() Config {
	if c.RequestsPerSecond <= 0 {
		c.RequestsPerSecond = 1.0
	}
	if c.BurstSize <= 0 {
		c.BurstSize = int(c.RequestsPerSecond * 2)
		if c.BurstSize < 1 {
			c.BurstSize = 1
		}
	}
	if c.MaxKeys <= 0 {
		c.MaxKeys = 10000
	}
	return c
}

// Limiter manages one token bucket per key.
type Limiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	config   Config
	now      func() time.Time
}

// NewLimiter creates a new rate limiter.
func NewLimiter(config Config) *Limiter {
	return &Limiter{
		limiters: make(map[string]*rate.Limiter),
		config:   config.withDefaults(),
		now:      time.Now,
	}
}

// Enabled reports whether limits are enforced.
func (l *Limiter) Enabled() bool {
	return l != nil && l.config.Enabled
}

// Allow reports whether a turn for key may proceed now and consumes a token if so.
func (l *Limiter) Allow(key string) bool {
	return l.AllowN(key, 1)
}

// AllowN reports whether n turns for key may proceed now.
func (l *Limiter) AllowN(key string, n int) bool {
	if !l.Enabled() || n <= 0 {
		return true
	}
	return l.limiter(key).AllowN(l.now(), n)
}

// WaitTime returns how long to wait before a turn for key would be allowed.
func (l *Limiter) WaitTime(key string) time.Duration {
	if !l.Enabled() {
		return 0
	}
	now := l.now()
	r := l.limiter(key).ReserveN(now, 1)
	if !r.OK() {
		return 0
	}
	delay := r.DelayFrom(now)
	r.CancelAt(now)
	return delay
}

// Reset forgets the state for a key.
func (l *Limiter) Reset(key string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.limiters, key)
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

func (l *Limiter) limiter(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	if lim, ok := l.limiters[key]; ok {
		return lim
	}
	if len(l.limiters) >= l.config.MaxKeys {
		l.prune()
	}
	lim := rate.NewLimiter(rate.Limit(l.config.RequestsPerSecond), l.config.BurstSize)
	l.limiters[key] = lim
	return lim
}

// prune removes keys whose buckets have refilled, i.e. idle users.
// Must be called with l.mu held.
func (l *Limiter) prune() {
	now := l.now()
	for key, lim := range l.limiters {
		if lim.TokensAt(now) >= float64(lim.Burst()) {
			delete(l.limiters, key)
		}
	}
}

// Status is the rate limit state of one key.
type Status struct {
	Key             string        `json:"key"`
	AllowedNow      bool          `json:"allowed_now"`
	TokensRemaining float64       `json:"tokens_remaining"`
	WaitTime        time.Duration `json:"wait_time"`
}

// GetStatus returns the rate limit status for a key without consuming a token.
func (l *Limiter) GetStatus(key string) Status {
	if !l.Enabled() {
		return Status{Key: key, AllowedNow: true}
	}
	tokens := l.limiter(key).TokensAt(l.now())
	return Status{
		Key:             key,
		AllowedNow:      tokens >= 1,
		TokensRemaining: tokens,
		WaitTime:        l.WaitTime(key),
	}
}

// CompositeKey creates a rate limit key from multiple parts.
func CompositeKey(parts ...string) string {
	return strings.Join(parts, ":")
}
