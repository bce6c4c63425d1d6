package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alicelabs/orchestrator/internal/backend"
	"github.com/alicelabs/orchestrator/internal/cache"
	"github.com/alicelabs/orchestrator/internal/circuitbreaker"
	"github.com/alicelabs/orchestrator/internal/config"
	"github.com/alicelabs/orchestrator/internal/core"
	"github.com/alicelabs/orchestrator/internal/fingerprint"
	"github.com/alicelabs/orchestrator/internal/guardian"
	"github.com/alicelabs/orchestrator/internal/infra"
	"github.com/alicelabs/orchestrator/internal/nlu"
	"github.com/alicelabs/orchestrator/internal/planner"
	"github.com/alicelabs/orchestrator/internal/router"
)

type stubSampler struct {
	sample guardian.Sample
}

func (s *stubSampler) Sample() (guardian.Sample, error) {
	out := s.sample
	out.At = time.Now()
	return out, nil
}

type env struct {
	o        *Orchestrator
	g        *guardian.Guardian
	sampler  *stubSampler
	quotas   *circuitbreaker.QuotaSet
	breakers *circuitbreaker.Set
}

type envOpts struct {
	microHandler   http.HandlerFunc
	plannerHandler http.HandlerFunc
	deepHandler    http.HandlerFunc
	toolHandler    http.HandlerFunc
}

func newEnv(t *testing.T, opts envOpts) *env {
	t.Helper()

	mgr, err := config.NewManager(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	cfg := mgr.Current()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	sampler := &stubSampler{sample: guardian.Sample{RAMPct: 40, CPUPct: 30, TempC: 35, BatteryPct: 90}}
	g := guardian.New(cfg.Guardian, sampler)

	serve := func(h http.HandlerFunc) string {
		if h == nil {
			h = func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprint(w, `{"text":"standard svar"}`)
			}
		}
		srv := httptest.NewServer(h)
		t.Cleanup(srv.Close)
		return srv.URL
	}

	toolURL := serve(opts.toolHandler)
	regPath := filepath.Join(t.TempDir(), "tools.yaml")
	require.NoError(t, os.WriteFile(regPath, []byte(fmt.Sprintf(`
version: 1
render_instructions: [plain, confirm]
tools:
  - name: calendar.create
    intents: [calendar.create]
    endpoint: %s
    timeout_ms: 500
    args:
      required: [when]
      optional: [title, with]
  - name: email.send
    intents: [email.send]
    endpoint: %s
    timeout_ms: 500
    args:
      required: [to]
      optional: [subject]
`, toolURL, toolURL)), 0o644))
	registry, err := planner.LoadRegistry(regPath)
	require.NoError(t, err)

	breakers := circuitbreaker.NewSet(nil)
	quotas := circuitbreaker.NewQuotaSet(cfg.Router.MicroMaxShare, cfg.Router.PlannerMaxParallel)

	fixed := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	canon := fingerprint.NewCanonicalizer().WithClock(func() time.Time { return fixed })

	backends := &backend.Set{
		Micro:   backend.NewHTTPBackend("micro", serve(opts.microHandler), cfg.Timeouts.MicroFirst, cfg.Timeouts.MicroFull, breakers.Micro),
		Planner: backend.NewHTTPBackend("planner", serve(opts.plannerHandler), cfg.Timeouts.PlannerFirst, cfg.Timeouts.PlannerFull, breakers.Planner),
		Deep:    backend.NewHTTPBackend("deep", serve(opts.deepHandler), cfg.Timeouts.DeepFirst, cfg.Timeouts.DeepFull, breakers.Deep),
	}

	o := New(Deps{
		Config:   mgr,
		Guardian: g,
		Canon:    canon,
		Prints:   fingerprint.NewBuilder(canon, cfg.Cache.SchemaVersion, cfg.Cache.DepsVersion),
		Cache:    cache.New(infra.NewFromClient(rdb), cfg.Cache),
		NLU:      nlu.NewGateway("", "", cfg.Timeouts.NLU, breakers.NLU),
		Bandit:   router.New(cfg.Router.CanaryShare),
		Quotas:   quotas,
		Breakers: breakers,
		Backends: backends,
		FastPath: backend.NewFastPath().WithClock(func() time.Time { return fixed }),
		Registry: registry,
		Args:     planner.NewArgBuilder(canon),
		Executor: planner.NewExecutor(registry, breakers),
	})
	return &env{o: o, g: g, sampler: sampler, quotas: quotas, breakers: breakers}
}

func chat(session, msg string) core.ChatRequest {
	return core.ChatRequest{V: "1", SessionID: session, Lang: "sv", Message: msg}
}

func TestGreetingServedByFastPath(t *testing.T) {
	e := newEnv(t, envOpts{
		microHandler: func(w http.ResponseWriter, r *http.Request) {
			t.Error("micro backend must not be called for a guard intent")
		},
	})

	resp, turn, terr := e.o.HandleTurn(context.Background(), chat("s1", "Hej Alice!"))
	require.Nil(t, terr)
	assert.Contains(t, resp.Text, "Hej")
	assert.Equal(t, "MICRO", resp.Route)
	assert.Equal(t, core.TierMiss, turn.CacheTier)
	assert.Equal(t, "greeting.hello", turn.Intent.Intent)
}

func TestRepeatTurnHitsL1(t *testing.T) {
	e := newEnv(t, envOpts{})

	_, _, terr := e.o.HandleTurn(context.Background(), chat("s1", "Hej Alice!"))
	require.Nil(t, terr)

	resp, turn, terr := e.o.HandleTurn(context.Background(), chat("s2", "Hej Alice!"))
	require.Nil(t, terr)
	assert.Equal(t, core.TierL1, turn.CacheTier)
	assert.Contains(t, resp.Text, "Hej")
}

func TestTimeNowAnswersFromClock(t *testing.T) {
	e := newEnv(t, envOpts{})

	// 10:00 UTC is 12:00 in Stockholm during DST.
	resp, _, terr := e.o.HandleTurn(context.Background(), chat("s1", "vad är klockan just nu"))
	require.Nil(t, terr)
	assert.Equal(t, "Klockan är 12:00.", resp.Text)
}

func TestPlannerHappyPath(t *testing.T) {
	e := newEnv(t, envOpts{
		plannerHandler: func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"intent":"calendar.create","tool":"calendar.create","args":{},"render_instruction":"confirm","confidence":0.9,"reason":"boka"}`)
		},
		toolHandler: func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"result":"Mötet är bokat imorgon 14:00."}`)
		},
	})

	resp, turn, terr := e.o.HandleTurn(context.Background(), chat("s1", "Boka möte med Anna imorgon kl 14"))
	require.Nil(t, terr)
	assert.Equal(t, "PLANNER", resp.Route)
	assert.Contains(t, resp.Text, "Klart!")
	require.Len(t, turn.ToolCalls, 1)
	assert.Equal(t, core.ToolOK, turn.ToolCalls[0].Class)
}

func TestInvalidPlanFeedsNegativeCache(t *testing.T) {
	e := newEnv(t, envOpts{
		plannerHandler: func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"intent":"email.send","tool":"shell.exec","args":{},"render_instruction":"plain","confidence":0.9,"reason":""}`)
		},
	})

	msg := "maila rapporten till chefen"
	_, _, terr := e.o.HandleTurn(context.Background(), chat("s1", msg))
	require.NotNil(t, terr)

	// Identical input now short-circuits at L3 without touching the backend.
	_, turn, terr := e.o.HandleTurn(context.Background(), chat("s1", msg))
	require.NotNil(t, terr)
	assert.Equal(t, core.TierL3, turn.CacheTier)
	assert.GreaterOrEqual(t, terr.RetryAfter, 30)
}

func TestBrownoutDegradesPlanner(t *testing.T) {
	var gotDegraded atomic.Bool
	e := newEnv(t, envOpts{
		plannerHandler: func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				Degraded bool `json:"degraded"`
			}
			json.NewDecoder(r.Body).Decode(&req)
			gotDegraded.Store(req.Degraded)
			// A tool-name drift the repair pass would normally fix.
			fmt.Fprint(w, `{"intent":"calendar.create","tool":"calendar.create_event","args":{},"render_instruction":"confirm","confidence":0.9,"reason":""}`)
		},
		toolHandler: func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"result":"Bokat."}`)
		},
	})

	// Five sustained soft-threshold samples move NORMAL to BROWNOUT.
	e.sampler.sample = guardian.Sample{RAMPct: 85, CPUPct: 50, TempC: 40, BatteryPct: 90}
	for i := 0; i < 5; i++ {
		e.g.Step()
	}
	require.Equal(t, guardian.StateBrownout, e.g.State())

	// The guard hint still lands on the planner; the degraded flag reaches
	// the backend and the repairable plan is rejected, strict schema only.
	_, _, terr := e.o.HandleTurn(context.Background(), chat("s1", "Boka möte med Anna imorgon kl 14"))
	require.NotNil(t, terr)
	assert.True(t, gotDegraded.Load())
}

func TestRejectionMessageVariesByReason(t *testing.T) {
	assert.Equal(t, msgUnavailable, rejected("lockdown", 30).Message)
	assert.Equal(t, msgOverloaded, rejected("emergency", 30).Message)
	assert.Equal(t, msgOverloaded, rejected("okänd orsak", 30).Message)
}

func TestEmergencyOnlyAdmitsMicro(t *testing.T) {
	e := newEnv(t, envOpts{})

	e.sampler.sample = guardian.Sample{RAMPct: 95, CPUPct: 50, TempC: 40, BatteryPct: 90}
	e.g.Step()
	require.Equal(t, guardian.StateEmergency, e.g.State())

	// An open question would normally be free to route anywhere; under
	// EMERGENCY it must land on micro.
	resp, turn, terr := e.o.HandleTurn(context.Background(), chat("s1", "berätta något långt om rymden?"))
	require.Nil(t, terr)
	assert.Equal(t, core.RouteMicro, turn.Route)
	assert.NotEmpty(t, resp.Text)
}

func TestCacheHitServedDuringEmergency(t *testing.T) {
	e := newEnv(t, envOpts{})

	_, _, terr := e.o.HandleTurn(context.Background(), chat("s1", "Hej Alice!"))
	require.Nil(t, terr)

	e.sampler.sample = guardian.Sample{RAMPct: 95, CPUPct: 50, TempC: 40, BatteryPct: 90}
	e.g.Step()
	require.Equal(t, guardian.StateEmergency, e.g.State())

	_, turn, terr := e.o.HandleTurn(context.Background(), chat("s2", "Hej Alice!"))
	require.Nil(t, terr)
	assert.Equal(t, core.TierL1, turn.CacheTier)
}

func TestEmergencyCancelsDeepWork(t *testing.T) {
	release := make(chan struct{})
	e := newEnv(t, envOpts{
		deepHandler: func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-release:
			case <-r.Context().Done():
			}
		},
	})
	defer close(release)

	done := make(chan *buildResult, 1)
	go func() {
		done <- e.o.dispatchDeep(context.Background(),
			core.IntentResult{Intent: "question.open"}, chat("s1", "djup fråga"), "trace-1")
	}()

	// Let the deep call get in flight, then breach hard.
	time.Sleep(50 * time.Millisecond)
	e.sampler.sample = guardian.Sample{RAMPct: 95, CPUPct: 50, TempC: 40, BatteryPct: 90}
	e.g.Step()

	select {
	case res := <-done:
		require.NotNil(t, res.TurnErr)
	case <-time.After(2 * time.Second):
		t.Fatal("deep generation was not cancelled")
	}
}

func TestAcquireDemotesWhenDeepBusy(t *testing.T) {
	e := newEnv(t, envOpts{})

	ok, _ := e.quotas.Acquire(core.RouteDeep, false)
	require.True(t, ok)
	defer e.quotas.Release(core.RouteDeep)

	route, terr := e.o.acquireWithDemotion(core.RouteDeep, false)
	require.Nil(t, terr)
	assert.Equal(t, core.RoutePlanner, route)
	e.quotas.Release(route)
}

func TestGuardHintOverridesBandit(t *testing.T) {
	e := newEnv(t, envOpts{})
	cfg := e.o.d.Config.Current()

	route, terr := e.o.selectRoute(cfg, chat("s1", "Boka möte imorgon kl 14"),
		core.IntentResult{Intent: "calendar.create", Confidence: 0.92, Source: "guard", RouteHint: "PLANNER"})
	require.Nil(t, terr)
	assert.Equal(t, core.RoutePlanner, route)
}

func TestBackendFailureReturnsDegradedMessage(t *testing.T) {
	e := newEnv(t, envOpts{
		microHandler: func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		},
	})

	// Pin routing to micro so the failing backend is the one exercised.
	e.o.d.Bandit.Quarantine(core.RoutePlanner, true)
	e.o.d.Bandit.Quarantine(core.RouteDeep, true)

	// No guard match and no NLU endpoint: fallback intent, micro fast path
	// does not apply, so the failing micro backend surfaces.
	_, turn, terr := e.o.HandleTurn(context.Background(), chat("s1", "nåt helt oklart"))
	require.NotNil(t, terr)
	assert.Equal(t, core.ErrClassBackend5xx, terr.Class)
	assert.NotEmpty(t, terr.Message)
	assert.NotEmpty(t, turn.TraceID)
}

func TestToolFailureRemembersSession(t *testing.T) {
	e := newEnv(t, envOpts{
		plannerHandler: func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"intent":"calendar.create","tool":"calendar.create","args":{},"render_instruction":"confirm","confidence":0.9,"reason":""}`)
		},
		toolHandler: func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		},
	})

	_, _, terr := e.o.HandleTurn(context.Background(), chat("sess-tools", "Boka möte med Anna imorgon kl 14"))
	require.NotNil(t, terr)
	assert.True(t, e.o.lastToolError("sess-tools"))
}
