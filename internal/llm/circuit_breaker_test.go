package llm

import (
	"testing"
	"time"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(t *testing.T, maxFailures int) (*CircuitBreaker, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	cb := NewCircuitBreaker(maxFailures, time.Minute)
	cb.now = clock.now
	return cb, clock
}

func TestCircuitBreaker_StartsClosedAndAllows(t *testing.T) {
	cb, _ := newTestBreaker(t, 3)
	if cb.State() != CircuitClosed {
		t.Errorf("State() = %v, want closed", cb.State())
	}
	if !cb.Allow() {
		t.Error("closed circuit should allow requests")
	}
}

func TestCircuitBreaker_OpensAfterMaxFailures(t *testing.T) {
	cb, _ := newTestBreaker(t, 3)
	for range 3 {
		cb.RecordFailure()
	}
	if cb.State() != CircuitOpen {
		t.Errorf("State() = %v, want open", cb.State())
	}
	if cb.Allow() {
		t.Error("open circuit should reject requests")
	}
}

func TestCircuitBreaker_HalfOpenProbe(t *testing.T) {
	cb, clock := newTestBreaker(t, 2)
	cb.RecordFailure()
	cb.RecordFailure()

	clock.advance(59 * time.Second)
	if cb.Allow() {
		t.Fatal("should reject before cooldown")
	}
	clock.advance(time.Second)
	if !cb.Allow() {
		t.Fatal("should allow a probe after cooldown")
	}
	if cb.State() != CircuitHalfOpen {
		t.Fatalf("State() = %v, want half_open", cb.State())
	}
	if cb.Allow() {
		t.Error("only one probe may be in flight")
	}

	cb.RecordSuccess()
	if !cb.Allow() {
		t.Fatal("second probe should be allowed after the first succeeded")
	}
	cb.RecordSuccess()
	if cb.State() != CircuitClosed {
		t.Errorf("State() = %v, want closed after two probe successes", cb.State())
	}
}

func TestCircuitBreaker_ReopensOnProbeFailure(t *testing.T) {
	cb, clock := newTestBreaker(t, 2)
	cb.RecordFailure()
	cb.RecordFailure()
	clock.advance(time.Minute)
	cb.Allow()

	cb.RecordFailure()
	if cb.State() != CircuitOpen {
		t.Errorf("State() = %v, want open", cb.State())
	}
	if cb.Allow() {
		t.Error("cooldown should restart after a failed probe")
	}
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb, _ := newTestBreaker(t, 3)
	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordFailure()
	if cb.State() != CircuitClosed {
		t.Error("expected closed after success reset")
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb, _ := newTestBreaker(t, 2)
	cb.RecordFailure()
	cb.RecordFailure()
	cb.Reset()
	if cb.State() != CircuitClosed || !cb.Allow() {
		t.Error("expected closed and allowing after reset")
	}
}

func TestCircuitBreaker_Defaults(t *testing.T) {
	cb := NewCircuitBreaker(0, 0)
	if cb.maxFailures != 5 || cb.cooldown != 30*time.Second {
		t.Errorf("defaults = (%d, %v), want (5, 30s)", cb.maxFailures, cb.cooldown)
	}
}

func TestCircuitState_String(t *testing.T) {
	tests := map[CircuitState]string{
		CircuitClosed:    "closed",
		CircuitOpen:      "open",
		CircuitHalfOpen:  "half_open",
		CircuitState(42): "unknown",
	}
	for state, want := range tests {
		if got := state.String(); got != want {
			t.Errorf("CircuitState(%d).String() = %q, want %q", int(state), got, want)
		}
	}
}
