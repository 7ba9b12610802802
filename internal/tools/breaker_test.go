package tools

import (
	"testing"
	"time"

	"github.com/pitabwire/sentinel/internal/config"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(cfg config.CircuitBreakerConfig) (*Breaker, *fakeClock, *[]BreakerState) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	var changes []BreakerState
	b := NewBreaker(cfg, func(s BreakerState) { changes = append(changes, s) })
	b.now = clock.now
	b.windowStart = clock.now()
	return b, clock, &changes
}

func TestBreaker_startsClosed(t *testing.T) {
	b, _, _ := newTestBreaker(config.CircuitBreakerConfig{FailureThreshold: 3})
	if s := b.State(); s != BreakerClosed {
		t.Errorf("state = %v, want closed", s)
	}
	if !b.Allow() {
		t.Error("Allow() = false, want true")
	}
}

func TestBreaker_opensAfterConsecutiveFailures(t *testing.T) {
	b, _, changes := newTestBreaker(config.CircuitBreakerConfig{FailureThreshold: 3})

	b.Failure()
	b.Failure()
	b.Success()
	b.Failure()
	b.Failure()
	if s := b.State(); s != BreakerClosed {
		t.Fatalf("state = %v, want closed (success reset the count)", s)
	}

	b.Failure()
	if s := b.State(); s != BreakerOpen {
		t.Fatalf("state = %v, want open", s)
	}
	if b.Allow() {
		t.Error("Allow() = true while open")
	}
	if len(*changes) != 1 || (*changes)[0] != BreakerOpen {
		t.Errorf("changes = %v, want [open]", *changes)
	}
}

func TestBreaker_halfOpenRecovery(t *testing.T) {
	b, clock, changes := newTestBreaker(config.CircuitBreakerConfig{
		FailureThreshold: 1, SuccessThreshold: 2, Timeout: time.Second,
	})

	b.Failure()
	clock.advance(500 * time.Millisecond)
	if b.Allow() {
		t.Fatal("Allow() = true before timeout")
	}

	clock.advance(time.Second)
	if !b.Allow() {
		t.Fatal("Allow() = false after timeout")
	}
	if s := b.State(); s != BreakerHalfOpen {
		t.Fatalf("state = %v, want half-open", s)
	}

	b.Success()
	if s := b.State(); s != BreakerHalfOpen {
		t.Fatalf("state = %v after one trial call, want half-open", s)
	}
	b.Success()
	if s := b.State(); s != BreakerClosed {
		t.Fatalf("state = %v, want closed", s)
	}

	want := []BreakerState{BreakerOpen, BreakerHalfOpen, BreakerClosed}
	if len(*changes) != len(want) {
		t.Fatalf("changes = %v, want %v", *changes, want)
	}
	for i := range want {
		if (*changes)[i] != want[i] {
			t.Errorf("changes[%d] = %v, want %v", i, (*changes)[i], want[i])
		}
	}
}

func TestBreaker_halfOpenFailureReopens(t *testing.T) {
	b, clock, _ := newTestBreaker(config.CircuitBreakerConfig{FailureThreshold: 1, Timeout: time.Second})

	b.Failure()
	clock.advance(2 * time.Second)
	_ = b.Allow()
	b.Failure()
	if s := b.State(); s != BreakerOpen {
		t.Errorf("state = %v, want open", s)
	}
}

func TestBreaker_errorRateTrips(t *testing.T) {
	b, _, _ := newTestBreaker(config.CircuitBreakerConfig{
		FailureThreshold:   100,
		ErrorRateThreshold: 0.5,
		ErrorRateWindow:    time.Minute,
	})

	// Alternate so consecutive failures never exceed one.
	for i := 0; i < 9; i++ {
		if i%2 == 0 {
			b.Failure()
		} else {
			b.Success()
		}
	}
	if s := b.State(); s != BreakerClosed {
		t.Fatalf("state = %v, want closed below sample minimum", s)
	}
	b.Failure() // 10 calls, 6 failures
	if s := b.State(); s != BreakerOpen {
		t.Errorf("state = %v, want open on error rate", s)
	}
}

func TestBreaker_errorRateWindowResets(t *testing.T) {
	b, clock, _ := newTestBreaker(config.CircuitBreakerConfig{
		FailureThreshold:   100,
		ErrorRateThreshold: 0.5,
		ErrorRateWindow:    time.Minute,
	})

	// 9 calls, 4 failures; one more failure would reach 50% of 10.
	for i := 0; i < 9; i++ {
		if i%2 == 0 {
			b.Success()
		} else {
			b.Failure()
		}
	}
	clock.advance(2 * time.Minute)
	b.Failure()
	if s := b.State(); s != BreakerClosed {
		t.Errorf("state = %v, want closed after window reset", s)
	}
}

func TestBreakerState_String(t *testing.T) {
	tests := map[BreakerState]string{
		BreakerClosed:    "closed",
		BreakerOpen:      "open",
		BreakerHalfOpen:  "half-open",
		BreakerState(42): "unknown",
	}
	for s, want := range tests {
		if got := s.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", s, got, want)
		}
	}
}
