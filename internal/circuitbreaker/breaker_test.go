package circuitbreaker

import (
	"errors"
	"sync"
	"testing"
	"time"
)

const apiKey = "http://localhost:4001"

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(threshold int) (*Breaker, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	return New(threshold, 30*time.Second).WithClock(clock.now), clock
}

func trip(b *Breaker, key string, n int) {
	for i := 0; i < n; i++ {
		b.RecordFailure(key)
	}
}

func TestBreaker_AllowWhenClosed(t *testing.T) {
	b, _ := newTestBreaker(3)
	if !b.Allow(apiKey) {
		t.Fatal("expected closed circuit to allow")
	}
}

func TestBreaker_TripsAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(3)

	trip(b, apiKey, 2)
	if !b.Allow(apiKey) {
		t.Fatal("should still allow before threshold")
	}

	b.RecordFailure(apiKey)
	if b.Allow(apiKey) {
		t.Fatal("should be open after 3 failures")
	}
	if b.State(apiKey) != StateOpen {
		t.Fatalf("expected StateOpen, got %v", b.State(apiKey))
	}
}

func TestBreaker_OpenToHalfOpenAfterDuration(t *testing.T) {
	b, clock := newTestBreaker(2)
	trip(b, apiKey, 2)

	clock.advance(29 * time.Second)
	if b.Allow(apiKey) {
		t.Fatal("should stay open before the open duration elapses")
	}

	clock.advance(time.Second)
	if !b.Allow(apiKey) {
		t.Fatal("should admit a probe once the open duration elapses")
	}
	if b.State(apiKey) != StateHalfOpen {
		t.Fatalf("expected StateHalfOpen, got %v", b.State(apiKey))
	}
	if b.Allow(apiKey) {
		t.Fatal("should reject a second call while probing")
	}
}

func TestBreaker_HalfOpenSuccessCloses(t *testing.T) {
	b, clock := newTestBreaker(2)
	trip(b, apiKey, 2)
	clock.advance(time.Minute)
	b.Allow(apiKey)

	b.RecordSuccess(apiKey)
	if b.State(apiKey) != StateClosed {
		t.Fatalf("expected StateClosed after success, got %v", b.State(apiKey))
	}
	if !b.Allow(apiKey) {
		t.Fatal("should allow after recovery")
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b, clock := newTestBreaker(2)
	trip(b, apiKey, 2)
	clock.advance(time.Minute)
	b.Allow(apiKey)

	b.RecordFailure(apiKey)
	if b.State(apiKey) != StateOpen {
		t.Fatalf("expected StateOpen after failed probe, got %v", b.State(apiKey))
	}
	if b.Allow(apiKey) {
		t.Fatal("failed probe should restart the open window")
	}
}

func TestBreaker_SuccessResets(t *testing.T) {
	b, _ := newTestBreaker(3)

	trip(b, apiKey, 2)
	b.RecordSuccess(apiKey)
	b.RecordFailure(apiKey)
	if !b.Allow(apiKey) {
		t.Fatal("should still be closed after reset")
	}
}

func TestBreaker_IndependentKeys(t *testing.T) {
	b, _ := newTestBreaker(2)
	trip(b, apiKey, 2)

	if b.Allow(apiKey) {
		t.Fatal("first server should be open")
	}
	if !b.Allow("http://sandbox.internal:4001") {
		t.Fatal("second server should be closed")
	}
}

func TestBreaker_UnknownKeyIsClosed(t *testing.T) {
	b, _ := newTestBreaker(2)
	if b.State("unknown") != StateClosed {
		t.Fatalf("expected StateClosed for unknown key, got %v", b.State("unknown"))
	}
}

func TestBreaker_Do(t *testing.T) {
	b, _ := newTestBreaker(2)
	errDown := errors.New("connection refused")
	errClient := errors.New("bad request")
	tripping := func(err error) bool { return errors.Is(err, errDown) }

	// Non-tripping errors pass through without counting.
	for i := 0; i < 5; i++ {
		if err := b.Do(apiKey, tripping, func() error { return errClient }); !errors.Is(err, errClient) {
			t.Fatalf("expected errClient, got %v", err)
		}
	}
	if b.State(apiKey) != StateClosed {
		t.Fatalf("client errors must not trip the circuit, got %v", b.State(apiKey))
	}

	for i := 0; i < 2; i++ {
		_ = b.Do(apiKey, tripping, func() error { return errDown })
	}
	called := false
	err := b.Do(apiKey, tripping, func() error { called = true; return nil })
	if !errors.Is(err, ErrOpen) {
		t.Fatalf("expected ErrOpen, got %v", err)
	}
	if called {
		t.Fatal("fn must not run while the circuit is open")
	}
}

func TestBreaker_OnTransitionCallback(t *testing.T) {
	b, _ := newTestBreaker(2)

	var wg sync.WaitGroup
	wg.Add(1)
	var from, to State
	b.OnTransition(func(_ string, f, t State) {
		from, to = f, t
		wg.Done()
	})

	trip(b, apiKey, 2)
	wg.Wait()

	if from != StateClosed || to != StateOpen {
		t.Fatalf("expected closed→open, got %v→%v", from, to)
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		s    State
		want string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half_open"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.s, got, tt.want)
		}
	}
}
