// Package circuitbreaker protects calls to the orchestrator's dependencies
// (NLU, generative backends, tools) and enforces per-route quota windows.
package circuitbreaker

import (
	"errors"
	"log"
	"sync"
	"time"
)

// State represents the circuit breaker state
type State int

const (
	StateClosed   State = iota // Normal operation, requests pass through
	StateOpen                  // Failure threshold exceeded, requests blocked
	StateHalfOpen              // Testing if dependency recovered
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

var (
	ErrCircuitOpen     = errors.New("circuit breaker is open")
	ErrTooManyRequests = errors.New("too many requests in half-open state")
)

// Config holds circuit breaker configuration.
type Config struct {
	Name string

	// MaxProbes bounds requests admitted in half-open state.
	MaxProbes uint32

	// Interval is the cyclic period in closed state for clearing counts.
	Interval time.Duration

	// Cooldown is the open-state duration before probing.
	Cooldown time.Duration

	// ReadyToTrip decides, from a copy of the counts, whether to open.
	ReadyToTrip func(counts Counts) bool

	OnStateChange func(name string, from, to State)
}

// DefaultConfig trips on >50% failures with at least 5 samples.
func DefaultConfig(name string) *Config {
	return &Config{
		Name:      name,
		MaxProbes: 3,
		Interval:  60 * time.Second,
		Cooldown:  30 * time.Second,
		ReadyToTrip: func(c Counts) bool {
			return c.Requests >= 5 && c.FailureRatio() > 0.5
		},
		OnStateChange: func(name string, from, to State) {
			log.Printf("[BREAKER:%s] state change: %s -> %s", name, from, to)
		},
	}
}

// Counts holds request/response counts for the current generation.
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

func (c Counts) FailureRatio() float64 {
	if c.Requests == 0 {
		return 0.0
	}
	return float64(c.TotalFailures) / float64(c.Requests)
}

func (c *Counts) clear() { *c = Counts{} }

func (c *Counts) onSuccess() {
	c.Requests++
	c.TotalSuccesses++
	c.ConsecutiveSuccesses++
	c.ConsecutiveFailures = 0
}

func (c *Counts) onFailure() {
	c.Requests++
	c.TotalFailures++
	c.ConsecutiveFailures++
	c.ConsecutiveSuccesses = 0
}

// CircuitBreaker is a generation-counted closed/open/half-open breaker.
// Results reported against an older generation are ignored, so a slow call
// finishing after a state flip cannot corrupt the fresh counts.
type CircuitBreaker struct {
	cfg *Config

	mu         sync.Mutex
	state      State
	generation uint64
	counts     Counts
	expiry     time.Time
}

func New(cfg *Config) *CircuitBreaker {
	if cfg == nil {
		cfg = DefaultConfig("default")
	}
	return &CircuitBreaker{cfg: cfg, state: StateClosed}
}

func (cb *CircuitBreaker) Name() string { return cb.cfg.Name }

func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	state, _ := cb.currentState(time.Now())
	return state
}

func (cb *CircuitBreaker) Counts() Counts {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.counts
}

// Allow reserves one request slot. On success it returns the generation
// token to hand back to Record.
func (cb *CircuitBreaker) Allow() (uint64, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()
	state, generation := cb.currentState(now)

	if state == StateOpen {
		return generation, ErrCircuitOpen
	}
	if state == StateHalfOpen && cb.counts.Requests >= cb.cfg.MaxProbes {
		return generation, ErrTooManyRequests
	}

	cb.counts.Requests++
	return generation, nil
}

// Record reports the outcome of a request admitted by Allow.
func (cb *CircuitBreaker) Record(generation uint64, success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()
	state, currentGeneration := cb.currentState(now)
	if generation != currentGeneration {
		return // stale result
	}

	if success {
		switch state {
		case StateClosed:
			cb.counts.onSuccess()
		case StateHalfOpen:
			cb.counts.onSuccess()
			if cb.counts.ConsecutiveSuccesses >= cb.cfg.MaxProbes {
				cb.setState(StateClosed, now)
			}
		}
		return
	}

	switch state {
	case StateClosed:
		cb.counts.onFailure()
		if cb.cfg.ReadyToTrip(cb.counts) {
			cb.setState(StateOpen, now)
		}
	case StateHalfOpen:
		cb.setState(StateOpen, now)
	}
}

// Execute runs fn if the breaker allows, recording the outcome.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	gen, err := cb.Allow()
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			cb.Record(gen, false)
			panic(r)
		}
	}()

	err = fn()
	cb.Record(gen, err == nil)
	return err
}

func (cb *CircuitBreaker) currentState(now time.Time) (State, uint64) {
	switch cb.state {
	case StateClosed:
		if !cb.expiry.IsZero() && cb.expiry.Before(now) {
			cb.toNewGeneration(now)
		}
	case StateOpen:
		if cb.expiry.Before(now) {
			cb.setState(StateHalfOpen, now)
		}
	}
	return cb.state, cb.generation
}

func (cb *CircuitBreaker) setState(state State, now time.Time) {
	if cb.state == state {
		return
	}
	prev := cb.state
	cb.state = state
	cb.toNewGeneration(now)

	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.cfg.Name, prev, state)
	}
}

func (cb *CircuitBreaker) toNewGeneration(now time.Time) {
	cb.generation++
	cb.counts.clear()

	switch cb.state {
	case StateClosed:
		if cb.cfg.Interval > 0 {
			cb.expiry = now.Add(cb.cfg.Interval)
		} else {
			cb.expiry = time.Time{}
		}
	case StateOpen:
		cb.expiry = now.Add(cb.cfg.Cooldown)
	default:
		cb.expiry = time.Time{}
	}
}

// ============================================================================
// DEPENDENCY SET
// ============================================================================

// Set holds one breaker per orchestrator dependency plus a registry for
// tools created on demand.
type Set struct {
	NLU     *CircuitBreaker
	Micro   *CircuitBreaker
	Planner *CircuitBreaker
	Deep    *CircuitBreaker

	mu    sync.RWMutex
	tools map[string]*CircuitBreaker

	onChange func(name string, from, to State)
}

// NewSet creates the per-dependency breakers. The NLU breaker trips fast
// (its budget is 80ms, a struggling NLU must not stall the turn path);
// backend breakers tolerate more before opening.
func NewSet(onChange func(name string, from, to State)) *Set {
	mk := func(name string, probes uint32, cooldown time.Duration, trip func(Counts) bool) *CircuitBreaker {
		cfg := DefaultConfig(name)
		cfg.MaxProbes = probes
		cfg.Cooldown = cooldown
		cfg.ReadyToTrip = trip
		if onChange != nil {
			cfg.OnStateChange = onChange
		}
		return New(cfg)
	}

	return &Set{
		NLU: mk("nlu", 3, 10*time.Second, func(c Counts) bool {
			return c.ConsecutiveFailures >= 3
		}),
		Micro: mk("backend-micro", 3, 15*time.Second, func(c Counts) bool {
			return c.Requests >= 5 && c.FailureRatio() > 0.5
		}),
		Planner: mk("backend-planner", 3, 20*time.Second, func(c Counts) bool {
			return c.Requests >= 5 && c.FailureRatio() > 0.5
		}),
		Deep: mk("backend-deep", 1, 30*time.Second, func(c Counts) bool {
			return c.ConsecutiveFailures >= 2
		}),
		tools:    make(map[string]*CircuitBreaker),
		onChange: onChange,
	}
}

// ForRouteName returns the breaker for a backend route name.
func (s *Set) ForRouteName(route string) *CircuitBreaker {
	switch route {
	case "PLANNER":
		return s.Planner
	case "DEEP":
		return s.Deep
	default:
		return s.Micro
	}
}

// Tool returns the breaker for a tool, creating it on first use.
func (s *Set) Tool(name string) *CircuitBreaker {
	s.mu.RLock()
	cb, ok := s.tools[name]
	s.mu.RUnlock()
	if ok {
		return cb
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if cb, ok = s.tools[name]; ok {
		return cb
	}

	cfg := DefaultConfig("tool-" + name)
	cfg.Cooldown = 15 * time.Second
	cfg.ReadyToTrip = func(c Counts) bool { return c.ConsecutiveFailures >= 3 }
	if s.onChange != nil {
		cfg.OnStateChange = s.onChange
	}
	cb = New(cfg)
	s.tools[name] = cb
	return cb
}

// Health reports per-dependency breaker states for /health.
func (s *Set) Health() map[string]string {
	out := map[string]string{
		"nlu":             s.NLU.State().String(),
		"backend-micro":   s.Micro.State().String(),
		"backend-planner": s.Planner.State().String(),
		"backend-deep":    s.Deep.State().String(),
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	for name, cb := range s.tools {
		out["tool-"+name] = cb.State().String()
	}
	return out
}
