package scheduler

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// CircuitState is the externally visible state of one service breaker.
type CircuitState string

const (
	CircuitClosed   CircuitState = "CLOSED"
	CircuitOpen     CircuitState = "OPEN"
	CircuitHalfOpen CircuitState = "HALF_OPEN"
)

func circuitState(s gobreaker.State) CircuitState {
	switch s {
	case gobreaker.StateOpen:
		return CircuitOpen
	case gobreaker.StateHalfOpen:
		return CircuitHalfOpen
	default:
		return CircuitClosed
	}
}

// BreakerSettings configures one service breaker.
type BreakerSettings struct {
	FailureThreshold uint32        // Consecutive failures that open the circuit
	Timeout          time.Duration // How long the circuit stays open before a trial call
}

// DefaultBreakerSettings returns the settings used for services that were
// never registered explicitly.
func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{
		FailureThreshold: 5,
		Timeout:          30 * time.Second,
	}
}

// Breakers manages per-service circuit breakers.
type Breakers struct {
	mu       sync.Mutex
	defaults BreakerSettings
	breakers map[string]*gobreaker.TwoStepCircuitBreaker
	onChange func(service string, from, to CircuitState)
	logger   zerolog.Logger
}

// NewBreakers creates an empty registry. Services seen for the first time get def.
func NewBreakers(def BreakerSettings, logger zerolog.Logger) *Breakers {
	if def.FailureThreshold == 0 {
		def.FailureThreshold = DefaultBreakerSettings().FailureThreshold
	}
	if def.Timeout <= 0 {
		def.Timeout = DefaultBreakerSettings().Timeout
	}
	return &Breakers{
		defaults: def,
		breakers: make(map[string]*gobreaker.TwoStepCircuitBreaker),
		logger:   logger.With().Str("comp", "breaker").Logger(),
	}
}

// OnStateChange installs a callback invoked on every breaker transition.
func (b *Breakers) OnStateChange(fn func(service string, from, to CircuitState)) {
	b.mu.Lock()
	b.onChange = fn
	b.mu.Unlock()
}

// Register creates (or replaces) the breaker for service.
func (b *Breakers) Register(service string, st BreakerSettings) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.breakers[service] = b.newBreaker(service, st)
}

// get returns the breaker for service, creating one with default settings.
func (b *Breakers) get(service string) *gobreaker.TwoStepCircuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()

	if cb, ok := b.breakers[service]; ok {
		return cb
	}
	cb := b.newBreaker(service, b.defaults)
	b.breakers[service] = cb
	return cb
}

// newBreaker must be called with b.mu held.
func (b *Breakers) newBreaker(service string, st BreakerSettings) *gobreaker.TwoStepCircuitBreaker {
	if st.FailureThreshold == 0 {
		st.FailureThreshold = b.defaults.FailureThreshold
	}
	if st.Timeout <= 0 {
		st.Timeout = b.defaults.Timeout
	}
	threshold := st.FailureThreshold

	return gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:        service,
		MaxRequests: 1, // Single trial call in half-open state
		Interval:    0, // Never clear counts while closed
		Timeout:     st.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.logger.Warn().Str("service", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state change")
			b.mu.Lock()
			fn := b.onChange
			b.mu.Unlock()
			if fn != nil {
				fn(name, circuitState(from), circuitState(to))
			}
		},
	})
}

// Allow asks the service breaker for permission to call the handler. On
// success the caller must report the outcome through done exactly once.
// Short-circuited calls return ErrCircuitOpen.
func (b *Breakers) Allow(service string) (done func(success bool), err error) {
	done, err = b.get(service).Allow()
	if err != nil {
		return nil, fmt.Errorf("%w: service %q: %v", ErrCircuitOpen, service, err)
	}
	return done, nil
}

// State returns the current state of one service breaker.
func (b *Breakers) State(service string) CircuitState {
	return circuitState(b.get(service).State())
}

// States returns the state of every known breaker.
func (b *Breakers) States() map[string]CircuitState {
	b.mu.Lock()
	snapshot := make(map[string]*gobreaker.TwoStepCircuitBreaker, len(b.breakers))
	for name, cb := range b.breakers {
		snapshot[name] = cb
	}
	b.mu.Unlock()

	// State() may fire OnStateChange, which takes b.mu.
	out := make(map[string]CircuitState, len(snapshot))
	for name, cb := range snapshot {
		out[name] = circuitState(cb.State())
	}
	return out
}
