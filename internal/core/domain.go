// Package core holds the shared domain types for the orchestrator.
// Components depend on these definitions instead of on each other.
package core

import "time"

// Route identifies a generative backend arm.
type Route int

const (
	RouteMicro Route = iota
	RoutePlanner
	RouteDeep
)

func (r Route) String() string {
	switch r {
	case RouteMicro:
		return "MICRO"
	case RoutePlanner:
		return "PLANNER"
	case RouteDeep:
		return "DEEP"
	default:
		return "UNKNOWN"
	}
}

// Routes lists all arms in a fixed order (bandit indexing depends on it).
var Routes = []Route{RouteMicro, RoutePlanner, RouteDeep}

// ParseRoute maps a wire string back to a Route. Unknown input maps to MICRO,
// the safe arm.
func ParseRoute(s string) Route {
	switch s {
	case "PLANNER":
		return RoutePlanner
	case "DEEP":
		return RouteDeep
	default:
		return RouteMicro
	}
}

// CacheTier labels where a cache lookup was answered.
type CacheTier string

const (
	TierL1     CacheTier = "L1"
	TierL2     CacheTier = "L2"
	TierL3     CacheTier = "L3"
	TierMiss   CacheTier = "MISS"
	TierBypass CacheTier = "BYPASS"
)

// ErrorClass is the closed error taxonomy. Every failure in the system maps
// to exactly one of these.
type ErrorClass string

const (
	ErrClassAuth           ErrorClass = "auth"
	ErrClassValidation     ErrorClass = "validation"
	ErrClassRateLimited    ErrorClass = "rate_limited"
	ErrClassGuardianReject ErrorClass = "guardian_reject"
	ErrClassBreakerOpen    ErrorClass = "breaker_open"
	ErrClassTimeout        ErrorClass = "timeout"
	ErrClassBackend5xx     ErrorClass = "backend_5xx"
	ErrClassSchema         ErrorClass = "schema"
	ErrClassToolFailure    ErrorClass = "tool_failure"
	ErrClassCacheError     ErrorClass = "cache_error"
	ErrClassInternal       ErrorClass = "internal"
)

// ToolClass classifies the outcome of a single tool invocation.
type ToolClass string

const (
	ToolOK      ToolClass = "ok"
	ToolTimeout ToolClass = "timeout"
	Tool5xx     ToolClass = "5xx"
	Tool429     ToolClass = "429"
	ToolSchema  ToolClass = "schema"
	ToolOther   ToolClass = "other"
)

// Deterministic reports whether an error class describes a failure that will
// repeat for the identical input. Only deterministic failures may enter the
// negative cache.
func (c ToolClass) Deterministic() bool {
	return c == ToolSchema || c == Tool429
}

// IntentResult is the NLU gateway output for one utterance.
type IntentResult struct {
	Intent     string            `json:"intent"`
	Confidence float64           `json:"confidence"`
	Slots      map[string]string `json:"slots,omitempty"`
	RouteHint  string            `json:"route_hint,omitempty"`
	MoodScore  float64           `json:"mood_score,omitempty"`
	Source     string            `json:"source"` // "guard", "nlu", "fallback"
}

// TimeSensitive reports whether the intent's answer depends on wall time and
// therefore participates in fingerprint time bucketing.
func (ir IntentResult) TimeSensitive() bool {
	switch ir.Intent {
	case "weather.lookup", "time.now", "news.latest":
		return true
	}
	return false
}

// ToolCall records one tool invocation made while serving a turn.
type ToolCall struct {
	Name  string    `json:"name"`
	Class ToolClass `json:"class"`
	LatMs int64     `json:"lat_ms"`
}

// Plan is the strict planner output contract. Tool and RenderInstruction are
// enum-only; Args is validated per tool.
type Plan struct {
	Intent            string            `json:"intent"`
	Tool              string            `json:"tool"`
	Args              map[string]string `json:"args"`
	RenderInstruction string            `json:"render_instruction"`
	Confidence        float64           `json:"confidence"`
	Reason            string            `json:"reason"`
}

// Turn is the per-request record, exclusively owned by the orchestrator from
// ingress until the telemetry flush.
type Turn struct {
	TraceID   string `json:"trace_id"`
	SessionID string `json:"session_id"`
	Lang      string `json:"lang"`
	Text      string `json:"-"` // raw text never leaves the process unmasked

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	Intent    IntentResult `json:"intent"`
	Route     Route        `json:"route"`
	CacheTier CacheTier    `json:"cache_tier"`

	ToolCalls []ToolCall `json:"tool_calls"`

	// Stage timings in milliseconds, keyed by stage name.
	Stages map[string]int64 `json:"stages"`

	E2EFirstMs int64   `json:"e2e_first_ms"`
	E2EFullMs  int64   `json:"e2e_full_ms"`
	EnergyWh   float64 `json:"energy_wh"`
	RAMPeakMB  RAMPeak `json:"ram_peak_mb"`

	GuardianEntry string `json:"guardian_entry"`
	GuardianExit  string `json:"guardian_exit"`

	PIIMasked bool `json:"pii_masked"`
}

// RAMPeak holds process and system resident memory peaks in MB.
type RAMPeak struct {
	Proc float64 `json:"proc"`
	Sys  float64 `json:"sys"`
}

// MarkStage records elapsed milliseconds for a named pipeline stage.
func (t *Turn) MarkStage(name string, since time.Time) {
	if t.Stages == nil {
		t.Stages = make(map[string]int64, 8)
	}
	t.Stages[name] = time.Since(since).Milliseconds()
}

// ChatRequest is the POST /api/chat body.
type ChatRequest struct {
	V             string   `json:"v"`
	SessionID     string   `json:"session_id"`
	Lang          string   `json:"lang"`
	Message       string   `json:"message"`
	ConsentScopes []string `json:"consent_scopes,omitempty"`
}

// ChatResponse is the POST /api/chat success body.
type ChatResponse struct {
	Text      string    `json:"text"`
	Route     string    `json:"route"`
	CacheTier CacheTier `json:"cache_tier"`
	TraceID   string    `json:"trace_id"`
}

// APIError is the uniform error envelope.
type APIError struct {
	Error APIErrorBody `json:"error"`
}

type APIErrorBody struct {
	Code       ErrorClass `json:"code"`
	Message    string     `json:"message"`
	TraceID    string     `json:"trace_id"`
	RetryAfter int        `json:"retry_after,omitempty"` // seconds
}
