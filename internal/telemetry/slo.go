package telemetry

import (
	"sort"
	"sync"

	"github.com/alicelabs/orchestrator/internal/core"
)

const sloWindow = 512 // per-route latency samples kept for percentiles

// SLOTracker keeps rolling latency windows per route plus the counters the
// nightly gate consumes. All methods are safe for concurrent use.
type SLOTracker struct {
	mu sync.Mutex

	firstMs map[core.Route]*ring
	fullMs  map[core.Route]*ring

	toolOK     int64
	toolFailed int64

	cacheHits   int64
	cacheTotal  int64
	emergencies int64
}

type ring struct {
	buf  []int64
	next int
	full bool
}

func (r *ring) add(v int64) {
	if len(r.buf) < sloWindow {
		r.buf = append(r.buf, v)
		return
	}
	r.buf[r.next] = v
	r.next = (r.next + 1) % sloWindow
	r.full = true
}

func (r *ring) percentile(p float64) int64 {
	if len(r.buf) == 0 {
		return 0
	}
	sorted := make([]int64, len(r.buf))
	copy(sorted, r.buf)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(p * float64(len(sorted)-1))
	return sorted[idx]
}

func NewSLOTracker() *SLOTracker {
	t := &SLOTracker{
		firstMs: make(map[core.Route]*ring),
		fullMs:  make(map[core.Route]*ring),
	}
	for _, r := range core.Routes {
		t.firstMs[r] = &ring{}
		t.fullMs[r] = &ring{}
	}
	return t
}

// Record folds one completed turn into the windows.
func (t *SLOTracker) Record(turn *core.Turn) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.firstMs[turn.Route].add(turn.E2EFirstMs)
	t.fullMs[turn.Route].add(turn.E2EFullMs)

	for _, tc := range turn.ToolCalls {
		if tc.Class == core.ToolOK {
			t.toolOK++
		} else {
			t.toolFailed++
		}
	}

	t.cacheTotal++
	switch turn.CacheTier {
	case core.TierL1, core.TierL2:
		t.cacheHits++
	}
}

// RecordEmergency counts a guardian EMERGENCY entry (the steady-load gate
// requires zero).
func (t *SLOTracker) RecordEmergency() {
	t.mu.Lock()
	t.emergencies++
	t.mu.Unlock()
}

// RouteStats is the latency snapshot for one route.
type RouteStats struct {
	Route    string `json:"route"`
	P50First int64  `json:"p50_first_ms"`
	P95First int64  `json:"p95_first_ms"`
	P50Full  int64  `json:"p50_full_ms"`
	P95Full  int64  `json:"p95_full_ms"`
	Samples  int    `json:"samples"`
}

// SLOReport is the exported gate input.
type SLOReport struct {
	Routes       []RouteStats `json:"routes"`
	ToolSuccess  float64      `json:"tool_success_rate"`
	CacheHitRate float64      `json:"cache_hit_rate"`
	Emergencies  int64        `json:"emergency_events"`
	Pass         bool         `json:"pass"`
	Violations   []string     `json:"violations,omitempty"`
}

// Report evaluates the SLO gates against the current windows.
func (t *SLOTracker) Report() SLOReport {
	t.mu.Lock()
	defer t.mu.Unlock()

	rep := SLOReport{Pass: true}
	for _, r := range core.Routes {
		first, full := t.firstMs[r], t.fullMs[r]
		rep.Routes = append(rep.Routes, RouteStats{
			Route:    r.String(),
			P50First: first.percentile(0.50),
			P95First: first.percentile(0.95),
			P50Full:  full.percentile(0.50),
			P95Full:  full.percentile(0.95),
			Samples:  len(full.buf),
		})
	}

	check := func(ok bool, msg string) {
		if !ok {
			rep.Pass = false
			rep.Violations = append(rep.Violations, msg)
		}
	}

	micro, planner, deep := rep.Routes[0], rep.Routes[1], rep.Routes[2]
	if micro.Samples > 0 {
		check(micro.P95First <= 250, "micro first-token p95 > 250ms")
	}
	if planner.Samples > 0 {
		check(planner.P95First <= 900, "planner first-token p95 > 900ms")
		check(planner.P95Full <= 1500, "planner full p95 > 1500ms")
	}
	if deep.Samples > 0 {
		check(deep.P95Full <= 3000, "deep full p95 > 3000ms")
	}

	if total := t.toolOK + t.toolFailed; total > 0 {
		rep.ToolSuccess = float64(t.toolOK) / float64(total)
		check(rep.ToolSuccess >= 0.95, "tool success < 95%")
	} else {
		rep.ToolSuccess = 1.0
	}

	if t.cacheTotal > 0 {
		rep.CacheHitRate = float64(t.cacheHits) / float64(t.cacheTotal)
		check(rep.CacheHitRate >= 0.40, "cache hit rate < 40%")
	}

	rep.Emergencies = t.emergencies
	check(t.emergencies == 0, "emergency events under load")

	return rep
}
