package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

var errBoom = errors.New("boom")

func fail() error { return errBoom }
func ok() error   { return nil }

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cb := New(Config{FailureThreshold: 3, Timeout: time.Hour, Component: "test"})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := cb.Call(ctx, fail); !errors.Is(err, errBoom) {
			t.Fatalf("Call() #%d error = %v, want %v", i, err, errBoom)
		}
	}
	if cb.State() != StateOpen {
		t.Fatalf("State() = %v, want open", cb.State())
	}

	called := false
	err := cb.Call(ctx, func() error { called = true; return nil })
	if !errors.Is(err, ErrOpen) {
		t.Errorf("Call() while open error = %v, want ErrOpen", err)
	}
	if called {
		t.Error("Call() while open invoked fn")
	}
}

func TestCircuitBreaker_SuccessResetsConsecutiveFailures(t *testing.T) {
	cb := New(Config{FailureThreshold: 2, Timeout: time.Hour})
	ctx := context.Background()

	_ = cb.Call(ctx, fail)
	_ = cb.Call(ctx, ok)
	_ = cb.Call(ctx, fail)
	if cb.State() != StateClosed {
		t.Errorf("State() = %v, want closed", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenRecovery(t *testing.T) {
	var mu sync.Mutex
	var transitions []string
	cb := New(Config{
		FailureThreshold: 1,
		SuccessThreshold: 1,
		Timeout:          20 * time.Millisecond,
		OnStateChange: func(from, to State) {
			mu.Lock()
			transitions = append(transitions, from.String()+"->"+to.String())
			mu.Unlock()
		},
	})
	ctx := context.Background()

	_ = cb.Call(ctx, fail)
	time.Sleep(40 * time.Millisecond)
	if cb.State() != StateHalfOpen {
		t.Fatalf("State() after timeout = %v, want half_open", cb.State())
	}
	if err := cb.Call(ctx, ok); err != nil {
		t.Fatalf("half-open Call() error = %v", err)
	}
	if cb.State() != StateClosed {
		t.Errorf("State() after half-open success = %v, want closed", cb.State())
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"closed->open", "open->half_open", "half_open->closed"}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition[%d] = %s, want %s", i, transitions[i], want[i])
		}
	}
}

func TestCircuitBreaker_IsFailureFilter(t *testing.T) {
	ignored := errors.New("client error")
	cb := New(Config{
		FailureThreshold: 1,
		Timeout:          time.Hour,
		IsFailure:        func(err error) bool { return !errors.Is(err, ignored) },
	})
	ctx := context.Background()

	if err := cb.Call(ctx, func() error { return ignored }); !errors.Is(err, ignored) {
		t.Fatalf("Call() error = %v, want %v", err, ignored)
	}
	if cb.State() != StateClosed {
		t.Errorf("State() = %v, want closed: ignored errors must not trip", cb.State())
	}
}

func TestCircuitBreaker_CanceledContext(t *testing.T) {
	cb := New(Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := cb.Call(ctx, ok); !errors.Is(err, context.Canceled) {
		t.Errorf("Call() error = %v, want context.Canceled", err)
	}
}

func TestState_String(t *testing.T) {
	tests := map[State]string{StateClosed: "closed", StateOpen: "open", StateHalfOpen: "half_open", State(9): "unknown"}
	for s, want := range tests {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", int(s), got, want)
		}
	}
}
