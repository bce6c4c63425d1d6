// Package guardian implements admission control for the orchestrator.
// A single background sampler drives a health state machine; the data path
// only ever performs an O(1) lock-free read against the current snapshot.
package guardian

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alicelabs/orchestrator/internal/config"
	"github.com/alicelabs/orchestrator/internal/core"
)

// State is the guardian operating mode.
type State int

const (
	StateNormal State = iota
	StateBrownout
	StateEmergency
	StateLockdown
)

func (s State) String() string {
	switch s {
	case StateNormal:
		return "NORMAL"
	case StateBrownout:
		return "BROWNOUT"
	case StateEmergency:
		return "EMERGENCY"
	case StateLockdown:
		return "LOCKDOWN"
	default:
		return "UNKNOWN"
	}
}

// Decision is the admission verdict for one request.
type Decision int

const (
	Allow Decision = iota
	Degrade
	Reject
)

func (d Decision) String() string {
	switch d {
	case Allow:
		return "ALLOW"
	case Degrade:
		return "DEGRADE"
	case Reject:
		return "REJECT"
	default:
		return "UNKNOWN"
	}
}

// Policy is the admission policy derived from the current state.
type Policy struct {
	AllowDeep         bool    `json:"allow_deep"`
	AllowPlanner      bool    `json:"allow_planner"`
	PlannerDegraded   bool    `json:"planner_degraded"`
	MaxConcurrentDeep int     `json:"max_concurrent_deep"`
	QuotaScalar       float64 `json:"quota_scalar"`
}

func policyFor(s State) Policy {
	switch s {
	case StateNormal:
		return Policy{AllowDeep: true, AllowPlanner: true, MaxConcurrentDeep: 1, QuotaScalar: 1.0}
	case StateBrownout:
		return Policy{AllowDeep: false, AllowPlanner: true, PlannerDegraded: true, QuotaScalar: 0.7}
	default: // EMERGENCY, LOCKDOWN
		return Policy{QuotaScalar: 0.3}
	}
}

// Transition records one state change for the status endpoint.
type Transition struct {
	From    State     `json:"-"`
	To      State     `json:"-"`
	FromStr string    `json:"from"`
	ToStr   string    `json:"to"`
	At      time.Time `json:"at"`
	Reason  string    `json:"reason"`
}

// snapshot is the immutable view published to readers after every sampler
// step. Admit() reads exactly one snapshot, so a single call never observes
// a half-applied transition.
type snapshot struct {
	state     State
	policy    Policy
	enteredAt time.Time
	reasons   []string
	sample    Sample
}

const windowSize = 5

// Guardian is the admission controller. One writer (the sampler loop), many
// lock-free readers.
type Guardian struct {
	cfg     config.GuardianConfig
	sampler Sampler
	logger  *log.Logger

	current atomic.Pointer[snapshot]

	// Sampler-goroutine state; never touched by readers.
	window          []Sample
	belowSince      time.Time
	lockdownSince   time.Time
	lastSampleError error

	mu          sync.Mutex // guards history and the kill ledger
	history     []Transition
	killTimes   []time.Time
	onTransition func(from, to State)
}

// New creates a guardian in NORMAL state. Call Run to start sampling.
func New(cfg config.GuardianConfig, sampler Sampler) *Guardian {
	g := &Guardian{
		cfg:     cfg,
		sampler: sampler,
		logger:  log.New(log.Writer(), "[GUARDIAN] ", log.LstdFlags),
	}
	g.current.Store(&snapshot{
		state:     StateNormal,
		policy:    policyFor(StateNormal),
		enteredAt: time.Now(),
	})
	return g
}

// OnTransition registers a hook invoked after every state change. The
// orchestrator uses it to cancel outstanding DEEP work cooperatively.
func (g *Guardian) OnTransition(fn func(from, to State)) {
	g.mu.Lock()
	g.onTransition = fn
	g.mu.Unlock()
}

// Run drives the sampling loop until ctx is cancelled.
func (g *Guardian) Run(ctx context.Context) {
	interval := g.cfg.SampleInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.Step()
		}
	}
}

// Step performs one sample-and-transition cycle. Exported so tests can drive
// the machine without wall-clock waits.
func (g *Guardian) Step() {
	s, err := g.sampler.Sample()
	if err != nil {
		// Fail safe: keep the current state, note the error.
		g.lastSampleError = err
		g.logger.Printf("⚠️ sample failed, holding state %s: %v", g.State(), err)
		return
	}
	g.lastSampleError = nil
	g.apply(s)
}

// apply runs the transition predicates against one sample. Only called from
// the sampler goroutine.
func (g *Guardian) apply(s Sample) {
	g.window = append(g.window, s)
	if len(g.window) > windowSize {
		g.window = g.window[1:]
	}

	cur := g.current.Load()
	now := s.At

	// Track dwell below the recovery band.
	if s.RAMPct <= g.cfg.RAMRecoverPct && s.CPUPct <= g.cfg.CPURecoverPct {
		if g.belowSince.IsZero() {
			g.belowSince = now
		}
	} else {
		g.belowSince = time.Time{}
	}

	next := cur.state
	reason := ""

	switch cur.state {
	case StateNormal:
		if g.hardBreach(s) {
			// A hard breach escalates straight through brownout.
			next, reason = StateEmergency, g.hardReason(s)
		} else if g.softBreach() {
			next, reason = StateBrownout, g.softReason(s)
		}

	case StateBrownout:
		if g.hardBreach(s) {
			next, reason = StateEmergency, g.hardReason(s)
		} else if g.recovered(now) {
			next, reason = StateNormal, "recover dwell satisfied"
		}

	case StateEmergency:
		if g.killRateExceeded(now) {
			next, reason = StateLockdown, "kill action rate limit exceeded"
		} else if g.recovered(now) {
			next, reason = StateNormal, "recover dwell satisfied"
		}

	case StateLockdown:
		if now.Sub(g.lockdownSince) >= g.cfg.LockdownMaxTTL {
			next, reason = StateNormal, "lockdown ttl expired"
		}
	}

	if next == cur.state {
		// Republish with the fresh sample so status reflects reality.
		g.current.Store(&snapshot{
			state:     cur.state,
			policy:    cur.policy,
			enteredAt: cur.enteredAt,
			reasons:   cur.reasons,
			sample:    s,
		})
		return
	}

	if next == StateLockdown {
		g.lockdownSince = now
	}
	if next == StateNormal {
		g.belowSince = time.Time{}
	}

	g.current.Store(&snapshot{
		state:     next,
		policy:    policyFor(next),
		enteredAt: now,
		reasons:   []string{reason},
		sample:    s,
	})

	g.logger.Printf("🛑 state change: %s -> %s (%s)", cur.state, next, reason)

	g.mu.Lock()
	g.history = append(g.history, Transition{
		From: cur.state, To: next,
		FromStr: cur.state.String(), ToStr: next.String(),
		At: now, Reason: reason,
	})
	if len(g.history) > 50 {
		g.history = g.history[len(g.history)-50:]
	}
	hook := g.onTransition
	g.mu.Unlock()

	if hook != nil {
		hook(cur.state, next)
	}
}

func (g *Guardian) hardBreach(s Sample) bool {
	return s.RAMPct >= g.cfg.RAMHardPct ||
		s.TempC >= g.cfg.TempHardC ||
		(s.BatteryPct > 0 && s.BatteryPct <= g.cfg.BatteryHardPct)
}

func (g *Guardian) hardReason(s Sample) string {
	switch {
	case s.RAMPct >= g.cfg.RAMHardPct:
		return "ram_hard"
	case s.TempC >= g.cfg.TempHardC:
		return "temp_hard"
	default:
		return "battery_hard"
	}
}

// softBreach requires the full window to breach a soft threshold, which is
// the hysteresis that keeps a single spike from flipping state.
func (g *Guardian) softBreach() bool {
	if len(g.window) < windowSize {
		return false
	}
	ramAll, cpuAll := true, true
	for _, s := range g.window {
		if s.RAMPct < g.cfg.RAMSoftPct {
			ramAll = false
		}
		if s.CPUPct < g.cfg.CPUSoftPct {
			cpuAll = false
		}
	}
	return ramAll || cpuAll
}

func (g *Guardian) softReason(s Sample) string {
	if s.RAMPct >= g.cfg.RAMSoftPct {
		return "ram_soft_sustained"
	}
	return "cpu_soft_sustained"
}

func (g *Guardian) recovered(now time.Time) bool {
	return !g.belowSince.IsZero() && now.Sub(g.belowSince) >= g.cfg.RecoverDwell
}

// RecordKill notes one kill action (forced cancellation of backend work).
// EMERGENCY escalates to LOCKDOWN when the configured rate is exceeded.
func (g *Guardian) RecordKill() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.killTimes = append(g.killTimes, time.Now())
}

func (g *Guardian) killRateExceeded(now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	cutoff := now.Add(-g.cfg.LockdownWindow)
	kept := g.killTimes[:0]
	for _, t := range g.killTimes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	g.killTimes = kept
	return len(g.killTimes) > g.cfg.MaxKillsInWindow
}

// State returns the current state.
func (g *Guardian) State() State {
	return g.current.Load().state
}

// Policy returns the current admission policy.
func (g *Guardian) Policy() Policy {
	return g.current.Load().policy
}

// Admit gates one request. O(1), lock-free, reads a single snapshot.
func (g *Guardian) Admit(route core.Route) (Decision, string) {
	snap := g.current.Load()

	switch snap.state {
	case StateNormal:
		return Allow, ""
	case StateBrownout:
		switch route {
		case core.RouteDeep:
			return Reject, "brownout: deep blocked"
		case core.RoutePlanner:
			return Degrade, "brownout: planner degraded"
		default:
			return Allow, ""
		}
	default: // EMERGENCY, LOCKDOWN: only the micro route and cache hits pass
		if route == core.RouteMicro {
			return Allow, ""
		}
		return Reject, snap.state.String() + ": only micro admitted"
	}
}

// Status is the /api/status/guardian payload.
type Status struct {
	State       string       `json:"state"`
	Policy      Policy       `json:"policy"`
	EnteredAt   time.Time    `json:"entered_at"`
	Reasons     []string     `json:"reasons,omitempty"`
	LastSample  Sample       `json:"last_sample"`
	Transitions []Transition `json:"transitions"`
	Thresholds  config.GuardianConfig `json:"thresholds"`
}

// Snapshot returns the full status for the HTTP surface.
func (g *Guardian) Snapshot() Status {
	snap := g.current.Load()

	g.mu.Lock()
	hist := make([]Transition, len(g.history))
	copy(hist, g.history)
	g.mu.Unlock()

	return Status{
		State:       snap.state.String(),
		Policy:      snap.policy,
		EnteredAt:   snap.enteredAt,
		Reasons:     snap.reasons,
		LastSample:  snap.sample,
		Transitions: hist,
		Thresholds:  g.cfg,
	}
}
