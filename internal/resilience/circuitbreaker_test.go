package resilience

import (
	"errors"
	"testing"
	"time"
)

var errProviderDown = errors.New("provider down")

func failing() error { return errProviderDown }
func succeeding() error { return nil }

func TestCircuitBreaker_DefaultTripThreshold(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "extraction"})

	for i := 0; i < 4; i++ {
		_ = cb.Execute(failing)
	}
	if cb.State() != StateClosed {
		t.Fatalf("state = %v after 4 failures, want closed", cb.State())
	}

	_ = cb.Execute(failing)
	if cb.State() != StateOpen {
		t.Fatalf("state = %v after 5 failures, want open", cb.State())
	}
}

func TestCircuitBreaker_ClosedForwardsCalls(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "extraction", MaxFailures: 3})

	called := false
	err := cb.Execute(func() error {
		called = true
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Fatal("closed breaker must forward the call")
	}
}

func TestCircuitBreaker_OpenRejectsCalls(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:         "extraction",
		MaxFailures:  3,
		ResetTimeout: time.Hour,
	})

	for i := 0; i < 3; i++ {
		_ = cb.Execute(failing)
	}
	if cb.State() != StateOpen {
		t.Fatalf("state = %v, want open", cb.State())
	}

	called := false
	err := cb.Execute(func() error {
		called = true
		return nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
	if called {
		t.Fatal("open breaker must not forward the call")
	}
}

func TestCircuitBreaker_SuccessResetsFailureStreak(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "extraction", MaxFailures: 3})

	_ = cb.Execute(failing)
	_ = cb.Execute(failing)
	_ = cb.Execute(succeeding)
	_ = cb.Execute(failing)
	_ = cb.Execute(failing)

	if cb.State() != StateClosed {
		t.Fatalf("state = %v, want closed (streak broken by a success)", cb.State())
	}
}

func TestCircuitBreaker_ProbesAfterResetTimeout(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:         "whisper",
		MaxFailures:  2,
		ResetTimeout: 10 * time.Millisecond,
		HalfOpenMax:  2,
	})

	_ = cb.Execute(failing)
	_ = cb.Execute(failing)
	if cb.State() != StateOpen {
		t.Fatal("expected open")
	}

	time.Sleep(15 * time.Millisecond)
	if cb.State() != StateHalfOpen {
		t.Fatalf("state = %v, want half-open after the reset timeout", cb.State())
	}
}

func TestCircuitBreaker_ClosesAfterSuccessfulProbes(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:         "whisper",
		MaxFailures:  2,
		ResetTimeout: 10 * time.Millisecond,
		HalfOpenMax:  2,
	})

	_ = cb.Execute(failing)
	_ = cb.Execute(failing)
	time.Sleep(15 * time.Millisecond)

	for i := 0; i < 2; i++ {
		if err := cb.Execute(succeeding); err != nil {
			t.Fatalf("probe %d rejected: %v", i, err)
		}
	}
	if cb.State() != StateClosed {
		t.Fatalf("state = %v, want closed after successful probes", cb.State())
	}
}

func TestCircuitBreaker_FailedProbeReopens(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:         "whisper",
		MaxFailures:  2,
		ResetTimeout: 200 * time.Millisecond,
		HalfOpenMax:  3,
	})

	_ = cb.Execute(failing)
	_ = cb.Execute(failing)
	time.Sleep(250 * time.Millisecond)

	if err := cb.Execute(failing); !errors.Is(err, errProviderDown) {
		t.Fatalf("probe error = %v, want the provider error", err)
	}

	// Freshly re-opened: the very next call is rejected without a wait.
	if err := cb.Execute(succeeding); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen right after a failed probe", err)
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:         "extraction",
		MaxFailures:  2,
		ResetTimeout: time.Hour,
	})

	_ = cb.Execute(failing)
	_ = cb.Execute(failing)
	if cb.State() != StateOpen {
		t.Fatal("expected open")
	}

	cb.Reset()
	if cb.State() != StateClosed {
		t.Fatalf("state = %v, want closed after reset", cb.State())
	}
	if err := cb.Execute(succeeding); err != nil {
		t.Fatalf("unexpected error after reset: %v", err)
	}
}

func TestState_String(t *testing.T) {
	cases := []struct {
		state State
		want  string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{State(42), "unknown"},
	}
	for _, tc := range cases {
		if got := tc.state.String(); got != tc.want {
			t.Errorf("State(%d).String() = %q, want %q", tc.state, got, tc.want)
		}
	}
}
