// Package orchestrator owns the turn lifecycle: admission, fingerprinting,
// cache, NLU, routing, dispatch, and the telemetry flush. It is the only
// component that writes to a Turn.
package orchestrator

import (
	"context"
	"errors"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/alicelabs/orchestrator/internal/backend"
	"github.com/alicelabs/orchestrator/internal/cache"
	"github.com/alicelabs/orchestrator/internal/circuitbreaker"
	"github.com/alicelabs/orchestrator/internal/config"
	"github.com/alicelabs/orchestrator/internal/core"
	"github.com/alicelabs/orchestrator/internal/fingerprint"
	"github.com/alicelabs/orchestrator/internal/guardian"
	"github.com/alicelabs/orchestrator/internal/nlu"
	"github.com/alicelabs/orchestrator/internal/planner"
	"github.com/alicelabs/orchestrator/internal/router"
	"github.com/alicelabs/orchestrator/internal/telemetry"
)

// Deps bundles everything the orchestrator coordinates.
type Deps struct {
	Config   *config.Manager
	Guardian *guardian.Guardian
	Canon    *fingerprint.Canonicalizer
	Prints   *fingerprint.Builder
	Cache    *cache.Cache // nil disables caching
	NLU      *nlu.Gateway
	Bandit   *router.Bandit
	Quotas   *circuitbreaker.QuotaSet
	Breakers *circuitbreaker.Set
	Backends *backend.Set
	FastPath *backend.FastPath
	Registry *planner.Registry
	Args     *planner.ArgBuilder
	Executor *planner.Executor
	Recorder *telemetry.Recorder
	Energy   *telemetry.EnergyModel
	SLO      *telemetry.SLOTracker
	Metrics  *telemetry.Metrics
}

type Orchestrator struct {
	d      Deps
	logger *log.Logger

	mu           sync.Mutex
	deepCancels  map[string]context.CancelFunc
	lastToolErrs map[string]bool
}

func New(d Deps) *Orchestrator {
	o := &Orchestrator{
		d:            d,
		logger:       log.New(log.Writer(), "[ORCHESTRATOR] ", log.LstdFlags),
		deepCancels:  make(map[string]context.CancelFunc),
		lastToolErrs: make(map[string]bool),
	}

	// Guardian transitions into EMERGENCY/LOCKDOWN cancel outstanding DEEP
	// work; every forced cancel counts as a kill action.
	d.Guardian.OnTransition(func(from, to guardian.State) {
		if d.Metrics != nil {
			d.Metrics.SetGuardianState(to.String())
		}
		if to == guardian.StateEmergency || to == guardian.StateLockdown {
			if to == guardian.StateEmergency && d.SLO != nil {
				d.SLO.RecordEmergency()
			}
			o.cancelDeepWork()
		}
	})
	return o
}

func (o *Orchestrator) cancelDeepWork() {
	o.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(o.deepCancels))
	for trace, cancel := range o.deepCancels {
		cancels = append(cancels, cancel)
		delete(o.deepCancels, trace)
	}
	o.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
		o.d.Guardian.RecordKill()
	}
	if len(cancels) > 0 {
		o.logger.Printf("🛑 cancelled %d deep generation(s)", len(cancels))
	}
}

// buildResult is the dispatch outcome shared across single-flight waiters.
type buildResult struct {
	Text     string
	SchemaOK bool
	Calls    []core.ToolCall
	FirstMs  int64
	FullMs   int64

	// Failure side.
	TurnErr       *TurnError
	Deterministic bool
	FailClass     core.ErrorClass
}

// HandleTurn serves one chat turn end to end. The returned Turn is complete
// for header decoration regardless of outcome.
func (o *Orchestrator) HandleTurn(ctx context.Context, req core.ChatRequest) (*core.ChatResponse, *core.Turn, *TurnError) {
	cfg := o.d.Config.Current()
	start := time.Now()

	turn := &core.Turn{
		TraceID:       uuid.NewString(),
		SessionID:     req.SessionID,
		Lang:          req.Lang,
		Text:          req.Message,
		StartedAt:     start,
		CacheTier:     core.TierMiss,
		GuardianEntry: o.d.Guardian.State().String(),
	}

	text, terr := o.serve(ctx, cfg, req, turn)

	turn.FinishedAt = time.Now()
	turn.E2EFullMs = turn.FinishedAt.Sub(start).Milliseconds()
	if turn.E2EFirstMs == 0 {
		turn.E2EFirstMs = turn.E2EFullMs
	}
	turn.GuardianExit = o.d.Guardian.State().String()
	turn.RAMPeakMB = processRAMPeak()
	if o.d.Energy != nil {
		turn.EnergyWh = o.d.Energy.EstimateWh(turn.Route, turn.FinishedAt.Sub(start))
	}
	if o.d.Recorder != nil {
		o.d.Recorder.RecordTurn(turn, text)
	}

	if terr != nil {
		return nil, turn, terr
	}
	return &core.ChatResponse{
		Text:      text,
		Route:     turn.Route.String(),
		CacheTier: turn.CacheTier,
		TraceID:   turn.TraceID,
	}, turn, nil
}

func (o *Orchestrator) serve(ctx context.Context, cfg *config.Config, req core.ChatRequest, turn *core.Turn) (string, *TurnError) {
	// NLU and canonicalization run concurrently; both are needed before the
	// cache can be consulted.
	var (
		intent core.IntentResult
		tokens []string
	)
	nluStart := time.Now()
	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		// Parse always returns a usable result; a service failure degrades
		// to the rule fallback.
		intent, _ = o.d.NLU.Parse(egCtx, req.Message, req.Lang)
		return nil
	})
	eg.Go(func() error {
		tokens = o.d.Canon.Tokens(req.Message)
		return nil
	})
	eg.Wait()
	turn.Intent = intent
	turn.MarkStage("nlu", nluStart)

	in := fingerprint.Input{
		Text:   req.Message,
		Intent: intent.Intent,
		Locale: req.Lang,
	}
	if intent.TimeSensitive() {
		in.TimeBucket = o.d.Canon.TimeBucket()
	}
	key := o.d.Prints.Build(in)

	// Cache tiers run before routing: a hit never consumes an arm, which is
	// what keeps cached answers flowing even in EMERGENCY.
	if o.d.Cache != nil && cfg.Cache.Enabled {
		lookupStart := time.Now()
		res := o.d.Cache.Lookup(ctx, key, tokens)
		turn.MarkStage("cache_lookup", lookupStart)

		switch res.Tier {
		case core.TierL1, core.TierL2:
			turn.CacheTier = res.Tier
			turn.Route = core.ParseRoute(res.Entry.Route)
			return res.Entry.Payload, nil
		case core.TierL3:
			turn.CacheTier = core.TierL3
			return "", negativeHit(res.Negative.RetryAfterS)
		}
	}

	route, terr := o.selectRoute(cfg, req, intent)
	if terr != nil {
		return "", terr
	}

	lowConf := nlu.LowConfidence(intent)
	route, terr = o.acquireWithDemotion(route, lowConf)
	if terr != nil {
		return "", terr
	}
	defer o.d.Quotas.Release(route)
	turn.Route = route

	// A Degrade verdict (brownout) flows into the dispatch: the planner runs
	// with reduced context and strict schema only.
	verdict, _ := o.d.Guardian.Admit(route)
	degraded := verdict == guardian.Degrade

	var res *buildResult
	dispatchStart := time.Now()
	if o.d.Cache != nil && cfg.Cache.Enabled {
		v, _, _ := o.d.Cache.DoBuild(key.String(), func() (interface{}, error) {
			return o.dispatch(ctx, cfg, route, degraded, intent, req, turn.TraceID), nil
		})
		res = v.(*buildResult)
	} else {
		res = o.dispatch(ctx, cfg, route, degraded, intent, req, turn.TraceID)
	}
	turn.MarkStage("dispatch", dispatchStart)
	turn.ToolCalls = res.Calls
	turn.E2EFirstMs = time.Since(turn.StartedAt).Milliseconds() - (res.FullMs - res.FirstMs)

	o.noteToolOutcome(req.SessionID, res.Calls)

	if res.TurnErr != nil {
		if res.Deterministic && o.d.Cache != nil && cfg.Cache.Enabled {
			if err := o.d.Cache.StoreNegative(ctx, key, res.FailClass, 0); err != nil {
				o.logger.Printf("⚠️ negative store failed: %v", err)
			}
		}
		o.updateBandit(cfg, intent, req, route, false, res.FullMs)
		return "", res.TurnErr
	}

	if o.d.Cache != nil && cfg.Cache.Enabled && res.SchemaOK {
		level := cache.LevelEasy
		if intent.TimeSensitive() {
			level = cache.LevelTimeBound
		}
		entry := &cache.Entry{
			Intent:   intent.Intent,
			Route:    route.String(),
			Payload:  res.Text,
			Level:    level,
			SchemaOK: true,
			Tokens:   tokens,
		}
		if err := o.d.Cache.Store(ctx, key, entry); err != nil {
			o.logger.Printf("⚠️ cache store skipped: %v", err)
		}
	}

	o.updateBandit(cfg, intent, req, route, true, res.FullMs)
	return res.Text, nil
}

// selectRoute asks the bandit for an arm over the admissible set. A guard
// verdict with an explicit hint overrides the learner: those intents have a
// known-correct arm.
func (o *Orchestrator) selectRoute(cfg *config.Config, req core.ChatRequest, intent core.IntentResult) (core.Route, *TurnError) {
	mask := o.admissible(cfg)

	if intent.Source == "guard" && intent.RouteHint != "" {
		hinted := core.ParseRoute(intent.RouteHint)
		if mask(hinted) {
			return hinted, nil
		}
	}

	rctx := router.Context{
		IntentConfidence: intent.Confidence,
		TextLen:          len(req.Message),
		HasQuestion:      strings.ContainsRune(req.Message, '?'),
		GuardianState:    o.d.Guardian.State().String(),
		LastToolError:    o.lastToolError(req.SessionID),
		RouteHint:        intent.RouteHint,
	}
	route := o.d.Bandit.Choose(rctx, mask)

	if !mask(route) {
		// Everything masked; micro is the arm of last resort, and if even
		// micro is gone the turn cannot be served.
		if !mask(core.RouteMicro) {
			return 0, rejected(strings.ToLower(o.d.Guardian.State().String()), 30)
		}
		route = core.RouteMicro
	}
	return route, nil
}

func (o *Orchestrator) admissible(cfg *config.Config) func(core.Route) bool {
	return func(r core.Route) bool {
		if r == core.RouteDeep && !cfg.Router.DeepEnabled {
			return false
		}
		if d, _ := o.d.Guardian.Admit(r); d == guardian.Reject {
			return false
		}
		if o.d.Breakers.ForRouteName(r.String()).State() == circuitbreaker.StateOpen {
			return false
		}
		return o.d.Quotas.Available(r)
	}
}

// acquireWithDemotion reserves a quota slot, walking DEEP→PLANNER→MICRO when
// a slot is not available. Micro exhaustion is terminal.
func (o *Orchestrator) acquireWithDemotion(route core.Route, lowConfidence bool) (core.Route, *TurnError) {
	for {
		ok, reason := o.d.Quotas.Acquire(route, lowConfidence)
		if ok {
			return route, nil
		}
		if route == core.RouteMicro {
			o.logger.Printf("⚠️ quota rejected micro: %s", reason)
			if o.d.Metrics != nil {
				o.d.Metrics.QuotaRejects.WithLabelValues(route.String()).Inc()
			}
			return 0, quotaExhausted()
		}
		if o.d.Metrics != nil {
			o.d.Metrics.QuotaRejects.WithLabelValues(route.String()).Inc()
		}
		if route == core.RouteDeep {
			route = core.RoutePlanner
		} else {
			route = core.RouteMicro
		}
	}
}

// dispatch runs the chosen arm to completion.
func (o *Orchestrator) dispatch(ctx context.Context, cfg *config.Config, route core.Route, degraded bool, intent core.IntentResult, req core.ChatRequest, traceID string) *buildResult {
	switch route {
	case core.RoutePlanner:
		return o.dispatchPlanner(ctx, cfg, degraded, intent, req)
	case core.RouteDeep:
		return o.dispatchDeep(ctx, intent, req, traceID)
	default:
		return o.dispatchMicro(ctx, intent, req)
	}
}

func (o *Orchestrator) dispatchMicro(ctx context.Context, intent core.IntentResult, req core.ChatRequest) *buildResult {
	// Guard-grade intents answer without inference.
	if text, ok := o.d.FastPath.Answer(intent); ok {
		return &buildResult{Text: text, SchemaOK: true}
	}

	reply, err := o.d.Backends.For(core.RouteMicro).Generate(ctx, backend.Request{
		Text: req.Message, Lang: req.Lang, Intent: intent.Intent, Slots: intent.Slots,
	})
	if err != nil {
		return failedGeneration(err)
	}
	return &buildResult{
		Text: reply.Text, SchemaOK: reply.Text != "",
		FirstMs: reply.FirstMs, FullMs: reply.FullMs,
	}
}

func (o *Orchestrator) dispatchDeep(ctx context.Context, intent core.IntentResult, req core.ChatRequest, traceID string) *buildResult {
	ctx, cancel := context.WithCancel(ctx)
	o.mu.Lock()
	o.deepCancels[traceID] = cancel
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.deepCancels, traceID)
		o.mu.Unlock()
		cancel()
	}()

	reply, err := o.d.Backends.For(core.RouteDeep).Generate(ctx, backend.Request{
		Text: req.Message, Lang: req.Lang, Intent: intent.Intent, Slots: intent.Slots,
	})
	if err != nil {
		return failedGeneration(err)
	}
	return &buildResult{
		Text: reply.Text, SchemaOK: reply.Text != "",
		FirstMs: reply.FirstMs, FullMs: reply.FullMs,
	}
}

// dispatchPlanner generates a plan, validates it against the registry with
// at most one repair, rebuilds arguments deterministically, and executes the
// tool chain. Under brownout the backend runs in reduced-context mode and
// the repair pass is skipped: strict schema only.
func (o *Orchestrator) dispatchPlanner(ctx context.Context, cfg *config.Config, degraded bool, intent core.IntentResult, req core.ChatRequest) *buildResult {
	reply, err := o.d.Backends.For(core.RoutePlanner).Generate(ctx, backend.Request{
		Text: req.Message, Lang: req.Lang, Intent: intent.Intent, Slots: intent.Slots,
		Degraded: degraded,
	})
	if err != nil {
		return failedGeneration(err)
	}

	plan, err := planner.ParsePlan(reply.Raw)
	if err != nil {
		// Malformed model output for this exact input will repeat: negative.
		return &buildResult{
			TurnErr: backendFailed(), Deterministic: true, FailClass: core.ErrClassSchema,
			FullMs: reply.FullMs, FirstMs: reply.FirstMs,
		}
	}
	plan.Intent = intent.Intent

	if !cfg.Backends.ArgsFromModel {
		if tool, ok := o.d.Registry.Tool(plan.Tool); ok {
			plan.Args = o.d.Args.Build(tool, intent, req.Message)
		}
	}

	if err := planner.Validate(plan, o.d.Registry); err != nil {
		if degraded {
			o.logger.Printf("⚠️ plan rejected (degraded, no repair): %v", err)
			return &buildResult{
				TurnErr: backendFailed(), Deterministic: true, FailClass: core.ErrClassSchema,
				FullMs: reply.FullMs, FirstMs: reply.FirstMs,
			}
		}
		repaired, rerr := planner.Repair(plan, o.d.Registry)
		if repaired && rerr != nil && !cfg.Backends.ArgsFromModel {
			// The synonym fix changed the tool name; rebuild the args against
			// the corrected schema and validate once more.
			if tool, ok := o.d.Registry.Tool(plan.Tool); ok {
				plan.Args = o.d.Args.Build(tool, intent, req.Message)
				rerr = planner.Validate(plan, o.d.Registry)
			}
		}
		if rerr != nil {
			o.logger.Printf("⚠️ plan rejected after repair: %v", rerr)
			return &buildResult{
				TurnErr: backendFailed(), Deterministic: true, FailClass: core.ErrClassSchema,
				FullMs: reply.FullMs, FirstMs: reply.FirstMs,
			}
		}
	}

	res, err := o.d.Executor.Execute(ctx, plan)
	if err != nil {
		det := false
		var class core.ErrorClass = core.ErrClassToolFailure
		for _, call := range res.Calls {
			if call.Class.Deterministic() {
				det = true
			}
		}
		return &buildResult{
			TurnErr: backendFailed(), Deterministic: det, FailClass: class,
			Calls: res.Calls, FullMs: reply.FullMs, FirstMs: reply.FirstMs,
		}
	}

	return &buildResult{
		Text:     renderText(plan.RenderInstruction, res.Payload),
		SchemaOK: true,
		Calls:    res.Calls,
		FirstMs:  reply.FirstMs,
		FullMs:   reply.FullMs,
	}
}

func failedGeneration(err error) *buildResult {
	class := core.ErrClassBackend5xx
	if errors.Is(err, context.DeadlineExceeded) {
		class = core.ErrClassTimeout
	}
	return &buildResult{TurnErr: backendFailed(), FailClass: class}
}

// renderText applies the plan's render instruction to the tool payload.
func renderText(instruction, payload string) string {
	switch instruction {
	case "confirm":
		return "Klart! " + payload
	case "card", "list":
		return payload
	default:
		return payload
	}
}

func (o *Orchestrator) updateBandit(cfg *config.Config, intent core.IntentResult, req core.ChatRequest, route core.Route, success bool, fullMs int64) {
	budget := routeBudgetMs(cfg, route)
	energy := 0.0
	if o.d.Energy != nil {
		energy = o.d.Energy.EstimateWh(route, time.Duration(fullMs)*time.Millisecond)
	}
	reward := router.Reward(success, fullMs, budget, energy)

	rctx := router.Context{
		IntentConfidence: intent.Confidence,
		TextLen:          len(req.Message),
		HasQuestion:      strings.ContainsRune(req.Message, '?'),
		GuardianState:    o.d.Guardian.State().String(),
		LastToolError:    o.lastToolError(req.SessionID),
	}
	o.d.Bandit.Update(rctx, route, reward)
	if o.d.Metrics != nil {
		o.d.Metrics.BanditReward.WithLabelValues(route.String()).Observe(reward)
	}
}

func routeBudgetMs(cfg *config.Config, route core.Route) int64 {
	switch route {
	case core.RoutePlanner:
		return cfg.Timeouts.PlannerFull.Milliseconds()
	case core.RouteDeep:
		return cfg.Timeouts.DeepFull.Milliseconds()
	default:
		return cfg.Timeouts.MicroFull.Milliseconds()
	}
}

func (o *Orchestrator) noteToolOutcome(sessionID string, calls []core.ToolCall) {
	if sessionID == "" || len(calls) == 0 {
		return
	}
	failed := false
	for _, c := range calls {
		if c.Class != core.ToolOK {
			failed = true
		}
	}
	o.mu.Lock()
	o.lastToolErrs[sessionID] = failed
	if len(o.lastToolErrs) > 4096 {
		o.lastToolErrs = map[string]bool{sessionID: failed}
	}
	o.mu.Unlock()
}

func (o *Orchestrator) lastToolError(sessionID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastToolErrs[sessionID]
}
