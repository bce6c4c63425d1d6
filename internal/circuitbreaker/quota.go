package circuitbreaker

import (
	"sync"
	"time"

	"github.com/alicelabs/orchestrator/internal/core"
)

// QuotaSet enforces per-route sliding-window quotas: a MICRO share cap, a
// planner concurrency bound, and a global DEEP concurrency of one. The
// bandit consults Available before proposing an arm so it never wins an
// unavailable one.
type QuotaSet struct {
	mu sync.Mutex

	// One-minute request windows per route, evicted by wall clock.
	windows map[core.Route][]time.Time

	microMaxShare float64
	plannerMax    int
	deepMax       int

	plannerInFlight int
	deepInFlight    int
}

func NewQuotaSet(microMaxShare float64, plannerMax int) *QuotaSet {
	if plannerMax <= 0 {
		plannerMax = 2
	}
	return &QuotaSet{
		windows:       make(map[core.Route][]time.Time),
		microMaxShare: microMaxShare,
		plannerMax:    plannerMax,
		deepMax:       1,
	}
}

// Acquire reserves a slot on the route. Returns false with a reason when the
// quota is exhausted; on success the caller must Release concurrency-bounded
// routes after the backend call completes.
func (q *QuotaSet) Acquire(route core.Route, lowConfidence bool) (bool, string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	q.evict(now)

	switch route {
	case core.RoutePlanner:
		if q.plannerInFlight >= q.plannerMax {
			return false, "planner concurrency exhausted"
		}
		q.plannerInFlight++
	case core.RouteDeep:
		if q.deepInFlight >= q.deepMax {
			return false, "deep concurrency exhausted"
		}
		q.deepInFlight++
	case core.RouteMicro:
		// The MICRO share cap only binds when NLU confidence is low, so a
		// flood of unparseable turns cannot all short-circuit to the
		// cheapest arm.
		if lowConfidence && q.microMaxShare > 0 {
			total := 0
			for _, w := range q.windows {
				total += len(w)
			}
			micro := len(q.windows[core.RouteMicro])
			if total >= 10 && float64(micro+1)/float64(total+1) > q.microMaxShare {
				return false, "micro share cap reached"
			}
		}
	}

	q.windows[route] = append(q.windows[route], now)
	return true, ""
}

// Release returns a concurrency slot for planner/deep routes.
func (q *QuotaSet) Release(route core.Route) {
	q.mu.Lock()
	defer q.mu.Unlock()

	switch route {
	case core.RoutePlanner:
		if q.plannerInFlight > 0 {
			q.plannerInFlight--
		}
	case core.RouteDeep:
		if q.deepInFlight > 0 {
			q.deepInFlight--
		}
	}
}

// Available reports whether the route could be acquired right now. Used to
// mask bandit arms without consuming a slot.
func (q *QuotaSet) Available(route core.Route) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	switch route {
	case core.RoutePlanner:
		return q.plannerInFlight < q.plannerMax
	case core.RouteDeep:
		return q.deepInFlight < q.deepMax
	default:
		return true
	}
}

// Snapshot returns current window counts and in-flight gauges for the
// status endpoints.
func (q *QuotaSet) Snapshot() map[string]interface{} {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.evict(time.Now())
	return map[string]interface{}{
		"micro_window":      len(q.windows[core.RouteMicro]),
		"planner_window":    len(q.windows[core.RoutePlanner]),
		"deep_window":       len(q.windows[core.RouteDeep]),
		"planner_in_flight": q.plannerInFlight,
		"deep_in_flight":    q.deepInFlight,
		"micro_max_share":   q.microMaxShare,
		"planner_max":       q.plannerMax,
		"deep_max":          q.deepMax,
	}
}

// evict drops window entries older than one minute. Caller holds q.mu.
func (q *QuotaSet) evict(now time.Time) {
	cutoff := now.Add(-time.Minute)
	for route, w := range q.windows {
		kept := w[:0]
		for _, t := range w {
			if t.After(cutoff) {
				kept = append(kept, t)
			}
		}
		q.windows[route] = kept
	}
}
