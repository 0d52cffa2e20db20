package scheduler

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestBreakers_OpensAfterThreshold(t *testing.T) {
	b := NewBreakers(DefaultBreakerSettings(), zerolog.Nop())
	b.Register("mail", BreakerSettings{FailureThreshold: 3, Timeout: time.Hour})

	for i := 0; i < 3; i++ {
		done, err := b.Allow("mail")
		if err != nil {
			t.Fatalf("call %d rejected while closed: %v", i, err)
		}
		done(false)
	}

	if got := b.State("mail"); got != CircuitOpen {
		t.Fatalf("state = %s, want OPEN", got)
	}
	if _, err := b.Allow("mail"); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("expected ErrCircuitOpen, got %v", err)
	}
}

func TestBreakers_SuccessResetsConsecutiveFailures(t *testing.T) {
	b := NewBreakers(BreakerSettings{FailureThreshold: 2, Timeout: time.Hour}, zerolog.Nop())

	report := func(ok bool) {
		done, err := b.Allow("db")
		if err != nil {
			t.Fatalf("unexpected rejection: %v", err)
		}
		done(ok)
	}
	report(false)
	report(true)
	report(false)

	if got := b.State("db"); got != CircuitClosed {
		t.Errorf("state = %s, want CLOSED", got)
	}
}

func TestBreakers_HalfOpenTrial(t *testing.T) {
	var mu sync.Mutex
	var transitions []string

	b := NewBreakers(DefaultBreakerSettings(), zerolog.Nop())
	b.OnStateChange(func(service string, from, to CircuitState) {
		mu.Lock()
		transitions = append(transitions, string(from)+"->"+string(to))
		mu.Unlock()
	})
	b.Register("api", BreakerSettings{FailureThreshold: 1, Timeout: 50 * time.Millisecond})

	done, _ := b.Allow("api")
	done(false)
	if b.State("api") != CircuitOpen {
		t.Fatal("breaker did not open")
	}

	time.Sleep(80 * time.Millisecond)

	// One trial is allowed; a second concurrent one is not.
	trial, err := b.Allow("api")
	if err != nil {
		t.Fatalf("trial call rejected: %v", err)
	}
	if b.State("api") != CircuitHalfOpen {
		t.Errorf("state = %s, want HALF_OPEN", b.State("api"))
	}
	if _, err := b.Allow("api"); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("second trial allowed: %v", err)
	}

	trial(true)
	if got := b.State("api"); got != CircuitClosed {
		t.Errorf("state after successful trial = %s, want CLOSED", got)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"CLOSED->OPEN", "OPEN->HALF_OPEN", "HALF_OPEN->CLOSED"}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d = %s, want %s", i, transitions[i], want[i])
		}
	}
}

func TestBreakers_FailedTrialReopens(t *testing.T) {
	b := NewBreakers(DefaultBreakerSettings(), zerolog.Nop())
	b.Register("api", BreakerSettings{FailureThreshold: 1, Timeout: 30 * time.Millisecond})

	done, _ := b.Allow("api")
	done(false)
	time.Sleep(50 * time.Millisecond)

	trial, err := b.Allow("api")
	if err != nil {
		t.Fatalf("trial call rejected: %v", err)
	}
	trial(false)

	if got := b.State("api"); got != CircuitOpen {
		t.Errorf("state after failed trial = %s, want OPEN", got)
	}
}

func TestBreakers_States(t *testing.T) {
	b := NewBreakers(DefaultBreakerSettings(), zerolog.Nop())
	b.Register("a", BreakerSettings{})
	b.State("b") // created lazily

	states := b.States()
	if len(states) != 2 || states["a"] != CircuitClosed || states["b"] != CircuitClosed {
		t.Errorf("States() = %v", states)
	}
}
