package ratelimit

import (
	"fmt"
	"testing"
	"time"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLimiter(cfg Config) (*Limiter, *fakeClock) {
	clock := &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	l := NewLimiter(cfg)
	l.now = clock.now
	return l, clock
}

func TestLimiter_Burst(t *testing.T) {
	l, _ := newTestLimiter(Config{RequestsPerSecond: 1, BurstSize: 3, Enabled: true})

	for i := 0; i < 3; i++ {
		if !l.Allow("alice") {
			t.Fatalf("request %d should be allowed", i)
		}
	}
	if l.Allow("alice") {
		t.Fatal("request after burst should be denied")
	}
	if !l.Allow("bob") {
		t.Fatal("other keys have their own bucket")
	}
}

func TestLimiter_Refill(t *testing.T) {
	l, clock := newTestLimiter(Config{RequestsPerSecond: 2, BurstSize: 1, Enabled: true})

	if !l.Allow("u") {
		t.Fatal("first request should be allowed")
	}
	if l.Allow("u") {
		t.Fatal("second request should be denied")
	}
	if wait := l.WaitTime("u"); wait != 500*time.Millisecond {
		t.Fatalf("WaitTime = %v, want 500ms", wait)
	}

	clock.advance(500 * time.Millisecond)
	if !l.Allow("u") {
		t.Fatal("request after refill should be allowed")
	}
}

func TestLimiter_WaitTimeDoesNotConsume(t *testing.T) {
	l, _ := newTestLimiter(Config{RequestsPerSecond: 1, BurstSize: 1, Enabled: true})
	if wait := l.WaitTime("u"); wait != 0 {
		t.Fatalf("WaitTime = %v, want 0", wait)
	}
	if !l.Allow("u") {
		t.Fatal("WaitTime must not consume the token")
	}
}

func TestLimiter_Disabled(t *testing.T) {
	l, _ := newTestLimiter(Config{RequestsPerSecond: 1, BurstSize: 1, Enabled: false})
	for i := 0; i < 10; i++ {
		if !l.Allow("u") {
			t.Fatalf("disabled limiter denied request %d", i)
		}
	}
	if l.WaitTime("u") != 0 {
		t.Fatal("disabled limiter should never wait")
	}
	if st := l.GetStatus("u"); !st.AllowedNow {
		t.Fatal("disabled limiter status should allow")
	}

	var nilLimiter *Limiter
	if !nilLimiter.Allow("u") {
		t.Fatal("nil limiter should allow")
	}
}

func TestLimiter_AllowN(t *testing.T) {
	l, _ := newTestLimiter(Config{RequestsPerSecond: 1, BurstSize: 5, Enabled: true})
	if !l.AllowN("u", 5) {
		t.Fatal("AllowN(5) within burst should be allowed")
	}
	if l.AllowN("u", 1) {
		t.Fatal("bucket should be empty")
	}
	if !l.AllowN("u", 0) {
		t.Fatal("AllowN(0) is always allowed")
	}
}

func TestLimiter_ResetAndStatus(t *testing.T) {
	l, _ := newTestLimiter(Config{RequestsPerSecond: 1, BurstSize: 2, Enabled: true})
	l.Allow("u")
	l.Allow("u")

	st := l.GetStatus("u")
	if st.AllowedNow || st.TokensRemaining >= 1 {
		t.Fatalf("status after exhausting = %+v", st)
	}
	if st.WaitTime != time.Second {
		t.Fatalf("status wait = %v, want 1s", st.WaitTime)
	}

	l.Reset("u")
	if !l.Allow("u") {
		t.Fatal("reset should restore the burst")
	}
}

func TestLimiter_PrunesIdleKeys(t *testing.T) {
	l, clock := newTestLimiter(Config{RequestsPerSecond: 1, BurstSize: 1, Enabled: true, MaxKeys: 3})
	for i := 0; i < 3; i++ {
		l.Allow(fmt.Sprintf("user-%d", i))
	}
	if l.Len() != 3 {
		t.Fatalf("Len = %d, want 3", l.Len())
	}

	clock.advance(2 * time.Second)
	l.Allow("user-new")
	if l.Len() != 1 {
		t.Fatalf("Len after prune = %d, want 1", l.Len())
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{Enabled: true}.withDefaults()
	if cfg.RequestsPerSecond != 1 || cfg.BurstSize != 2 || cfg.MaxKeys != 10000 {
		t.Fatalf("defaults = %+v", cfg)
	}
	if def := DefaultConfig(); def.BurstSize != 5 || !def.Enabled {
		t.Fatalf("DefaultConfig = %+v", def)
	}
}

func TestCompositeKey(t *testing.T) {
	if got := CompositeKey("chat", "alice"); got != "chat:alice" {
		t.Fatalf("CompositeKey = %q", got)
	}
}
