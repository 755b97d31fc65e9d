package resilience

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"
)

var errTest = errors.New("test error")

// manualClock is a settable time source for breaker tests.
type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// trip fails n calls in a row.
func trip(cb *CircuitBreaker, n int) {
	for range n {
		_ = cb.Execute(func() error { return errTest })
	}
}

// transitions records OnStateChange calls as "from>to".
type transitions struct {
	mu  sync.Mutex
	got []string
}

func (r *transitions) hook(_ string, from, to State) {
	r.mu.Lock()
	r.got = append(r.got, from.String()+">"+to.String())
	r.mu.Unlock()
}

func (r *transitions) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.got)
}

func TestNewCircuitBreaker_Defaults(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "elevenlabs"})
	if cb.cfg.MaxFailures != 5 || cb.cfg.ResetTimeout != 30*time.Second || cb.cfg.HalfOpenMax != 3 {
		t.Errorf("defaults = %d/%v/%d, want 5/30s/3", cb.cfg.MaxFailures, cb.cfg.ResetTimeout, cb.cfg.HalfOpenMax)
	}
	if cb.State() != StateClosed {
		t.Errorf("initial state = %v, want closed", cb.State())
	}
	if cb.Name() != "elevenlabs" {
		t.Errorf("Name() = %q", cb.Name())
	}
}

func TestCircuitBreaker_Opens(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "tts", MaxFailures: 3, ResetTimeout: time.Hour})

	trip(cb, 2)
	if cb.State() != StateClosed {
		t.Fatalf("state = %v after 2 of 3 failures, want closed", cb.State())
	}
	trip(cb, 1)
	if cb.State() != StateOpen {
		t.Fatalf("state = %v after 3 failures, want open", cb.State())
	}

	called := false
	if err := cb.Execute(func() error { called = true; return nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
	if called {
		t.Error("fn called while open")
	}
}

func TestCircuitBreaker_SuccessClearsStreak(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "tts", MaxFailures: 3})

	trip(cb, 2)
	_ = cb.Execute(func() error { return nil })
	trip(cb, 2)

	if cb.State() != StateClosed {
		t.Fatalf("state = %v, want closed; a success must clear the streak", cb.State())
	}
}

func TestCircuitBreaker_Cancellation(t *testing.T) {
	t.Run("default ignores cancellation", func(t *testing.T) {
		cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "tts", MaxFailures: 1})
		err := cb.Execute(func() error { return fmt.Errorf("synthesize: %w", context.Canceled) })
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("err = %v, want the call's error back", err)
		}
		if cb.State() != StateClosed {
			t.Errorf("state = %v, want closed after a cancelled call", cb.State())
		}
	})

	t.Run("deadline still counts", func(t *testing.T) {
		cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "tts", MaxFailures: 1})
		_ = cb.Execute(func() error { return context.DeadlineExceeded })
		if cb.State() != StateOpen {
			t.Errorf("state = %v, want open after a timeout", cb.State())
		}
	})

	t.Run("custom classifier", func(t *testing.T) {
		errBadInput := errors.New("bad input")
		cb := NewCircuitBreaker(CircuitBreakerConfig{
			Name:        "tts",
			MaxFailures: 1,
			IsFailure:   func(err error) bool { return !errors.Is(err, errBadInput) },
		})
		_ = cb.Execute(func() error { return errBadInput })
		if cb.State() != StateClosed {
			t.Errorf("state = %v, want closed for an uncharged error", cb.State())
		}
	})
}

func TestCircuitBreaker_HalfOpen(t *testing.T) {
	tests := []struct {
		name   string
		probes []error
		want   State
	}{
		{"successful probes close", []error{nil, nil}, StateClosed},
		{"failed probe re-opens", []error{errTest}, StateOpen},
		{"success then failure re-opens", []error{nil, errTest}, StateOpen},
		{"partial probes stay half-open", []error{nil}, StateHalfOpen},
		{"cancelled probe is not charged", []error{context.Canceled, nil, nil}, StateClosed},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			clock := newManualClock()
			cb := NewCircuitBreaker(CircuitBreakerConfig{
				Name:         "tts",
				MaxFailures:  2,
				ResetTimeout: 10 * time.Second,
				HalfOpenMax:  2,
				Now:          clock.Now,
			})
			trip(cb, 2)

			clock.Advance(9 * time.Second)
			if cb.State() != StateOpen {
				t.Fatalf("state = %v before reset timeout, want open", cb.State())
			}
			clock.Advance(2 * time.Second)
			if cb.State() != StateHalfOpen {
				t.Fatalf("state = %v after reset timeout, want half-open", cb.State())
			}

			for _, probe := range tc.probes {
				_ = cb.Execute(func() error { return probe })
			}
			if got := cb.State(); got != tc.want {
				t.Errorf("state = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestCircuitBreaker_ProbeBudget(t *testing.T) {
	clock := newManualClock()
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:         "tts",
		MaxFailures:  1,
		ResetTimeout: time.Second,
		HalfOpenMax:  1,
		Now:          clock.Now,
	})
	trip(cb, 1)
	clock.Advance(2 * time.Second)

	// The single probe is in flight; a concurrent caller is rejected.
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- cb.Execute(func() error { <-release; return nil })
	}()
	for {
		cb.mu.Lock()
		inFlight := cb.probes
		cb.mu.Unlock()
		if inFlight == 1 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if err := cb.Execute(func() error { return nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("second probe err = %v, want ErrCircuitOpen", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("probe: %v", err)
	}
	if cb.State() != StateClosed {
		t.Errorf("state = %v, want closed", cb.State())
	}
}

func TestCircuitBreaker_OnStateChange(t *testing.T) {
	clock := newManualClock()
	var rec transitions
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:          "tts",
		MaxFailures:   1,
		ResetTimeout:  time.Second,
		HalfOpenMax:   1,
		OnStateChange: rec.hook,
		Now:           clock.Now,
	})

	trip(cb, 1)
	clock.Advance(2 * time.Second)
	trip(cb, 1)
	clock.Advance(2 * time.Second)
	_ = cb.Execute(func() error { return nil })
	trip(cb, 1)
	cb.Reset()
	cb.Reset()

	want := []string{
		"closed>open",
		"open>half-open", "half-open>open",
		"open>half-open", "half-open>closed",
		"closed>open",
		"open>closed",
	}
	if got := rec.list(); !slices.Equal(got, want) {
		t.Errorf("transitions = %v, want %v", got, want)
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}
