package planner

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alicelabs/orchestrator/internal/circuitbreaker"
	"github.com/alicelabs/orchestrator/internal/core"
	"github.com/alicelabs/orchestrator/internal/fingerprint"
)

func writeRegistry(t *testing.T, yaml string) *Registry {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tools.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))
	reg, err := LoadRegistry(path)
	require.NoError(t, err)
	return reg
}

const baseRegistry = `
version: 1
render_instructions: [plain, confirm]
tools:
  - name: calendar.create
    intents: [calendar.create]
    endpoint: http://127.0.0.1:1/calendar
    timeout_ms: 800
    args:
      required: [when]
      optional: [title, with]
  - name: weather.lookup
    intents: [weather.lookup]
    endpoint: http://127.0.0.1:1/weather
    timeout_ms: 600
    args:
      required: [city]
`

func TestLoadRegistryMissingFileFails(t *testing.T) {
	_, err := LoadRegistry(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestLoadRegistryRejectsUnknownFallback(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tools.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
version: 1
render_instructions: [plain]
tools:
  - name: a.tool
    intents: [x]
    endpoint: http://127.0.0.1:1/a
    fallback: b.tool
`), 0o644))
	_, err := LoadRegistry(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown")
}

func validPlan() *core.Plan {
	return &core.Plan{
		Intent:            "calendar.create",
		Tool:              "calendar.create",
		Args:              map[string]string{"when": "2026-08-26T14:00", "with": "Anna"},
		RenderInstruction: "confirm",
		Confidence:        0.9,
	}
}

func TestValidateAcceptsWellFormedPlan(t *testing.T) {
	reg := writeRegistry(t, baseRegistry)
	assert.NoError(t, Validate(validPlan(), reg))
}

func TestValidateRejections(t *testing.T) {
	reg := writeRegistry(t, baseRegistry)

	p := validPlan()
	p.Tool = "shell.exec"
	assert.ErrorIs(t, Validate(p, reg), ErrUnknownTool)

	p = validPlan()
	p.Intent = "weather.lookup"
	assert.ErrorIs(t, Validate(p, reg), ErrToolNotForIntent)

	p = validPlan()
	p.RenderInstruction = "markdown"
	assert.ErrorIs(t, Validate(p, reg), ErrUnknownRender)

	p = validPlan()
	delete(p.Args, "when")
	assert.ErrorIs(t, Validate(p, reg), ErrMissingArg)

	p = validPlan()
	p.Args["cmd"] = "rm -rf /"
	assert.ErrorIs(t, Validate(p, reg), ErrUnknownArg)
}

func TestParsePlanRejectsUnknownField(t *testing.T) {
	_, err := ParsePlan([]byte(`{"intent":"x","tool":"y","args":{},"render_instruction":"plain","confidence":1,"reason":"","extra":"nope"}`))
	assert.ErrorIs(t, err, ErrUnknownField)
}

func TestRepairFixesOneSynonym(t *testing.T) {
	reg := writeRegistry(t, baseRegistry)

	p := validPlan()
	p.Tool = "calendar.create_event"
	p.RenderInstruction = "confirmation"
	repaired, err := Repair(p, reg)
	require.NoError(t, err)
	assert.True(t, repaired)
	assert.Equal(t, "calendar.create", p.Tool)
	assert.Equal(t, "confirm", p.RenderInstruction)
}

func TestRepairDoesNotGuess(t *testing.T) {
	reg := writeRegistry(t, baseRegistry)

	p := validPlan()
	p.Tool = "calendar.make_thing"
	repaired, err := Repair(p, reg)
	assert.False(t, repaired)
	assert.ErrorIs(t, err, ErrUnknownTool)
}

func TestArgBuilderCalendar(t *testing.T) {
	// 2026-08-25 is a Tuesday; "imorgon kl 14" resolves to the 26th.
	fixed := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	canon := fingerprint.NewCanonicalizer().WithClock(func() time.Time { return fixed })
	ab := NewArgBuilder(canon)

	reg := writeRegistry(t, baseRegistry)
	tool, _ := reg.Tool("calendar.create")

	intent := core.IntentResult{Intent: "calendar.create", Slots: map[string]string{"with": "Anna"}}
	args := ab.Build(tool, intent, "Boka möte med Anna imorgon kl 14")

	assert.Equal(t, "2026-08-26T14:00", args["when"])
	assert.Equal(t, "Anna", args["with"])
	_, hasTitle := args["title"]
	assert.False(t, hasTitle)
}

func TestArgBuilderDropsUnknownSlots(t *testing.T) {
	canon := fingerprint.NewCanonicalizer()
	ab := NewArgBuilder(canon)
	reg := writeRegistry(t, baseRegistry)
	tool, _ := reg.Tool("weather.lookup")

	intent := core.IntentResult{Intent: "weather.lookup", Slots: map[string]string{"junk": "x"}}
	args := ab.Build(tool, intent, "vad blir vädret")

	assert.Equal(t, "Stockholm", args["city"])
	_, ok := args["junk"]
	assert.False(t, ok)
}

func execRegistry(t *testing.T, primary, fallback string) *Registry {
	return writeRegistry(t, fmt.Sprintf(`
version: 1
render_instructions: [plain]
tools:
  - name: weather.lookup
    intents: [weather.lookup]
    endpoint: %s
    timeout_ms: 200
    fallback: weather.cached
    args:
      required: [city]
  - name: weather.cached
    intents: [weather.lookup]
    endpoint: %s
    timeout_ms: 200
    args:
      required: [city]
`, primary, fallback))
}

func weatherPlan() *core.Plan {
	return &core.Plan{
		Intent:            "weather.lookup",
		Tool:              "weather.lookup",
		Args:              map[string]string{"city": "Stockholm"},
		RenderInstruction: "plain",
	}
}

func TestExecuteSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"result":"Soligt, 22 grader"}`)
	}))
	defer srv.Close()

	e := NewExecutor(execRegistry(t, srv.URL, srv.URL), circuitbreaker.NewSet(nil))
	res, err := e.Execute(context.Background(), weatherPlan())
	require.NoError(t, err)
	assert.Equal(t, "Soligt, 22 grader", res.Payload)
	require.Len(t, res.Calls, 1)
	assert.Equal(t, core.ToolOK, res.Calls[0].Class)
}

func TestExecuteFallsBackOnce(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer bad.Close()
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"result":"Soligt (cachat)"}`)
	}))
	defer good.Close()

	e := NewExecutor(execRegistry(t, bad.URL, good.URL), circuitbreaker.NewSet(nil))
	res, err := e.Execute(context.Background(), weatherPlan())
	require.NoError(t, err)
	assert.Equal(t, "weather.cached", res.Tool)
	require.Len(t, res.Calls, 2)
	assert.Equal(t, core.Tool5xx, res.Calls[0].Class)
	assert.Equal(t, core.ToolOK, res.Calls[1].Class)
}

func TestExecuteBothFail(t *testing.T) {
	var hits int32
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer bad.Close()

	e := NewExecutor(execRegistry(t, bad.URL, bad.URL), circuitbreaker.NewSet(nil))
	_, err := e.Execute(context.Background(), weatherPlan())
	require.ErrorIs(t, err, ErrToolFailed)
	// Primary plus exactly one fallback hop, never more.
	assert.Equal(t, int32(2), atomic.LoadInt32(&hits))
}

func TestExecuteClassifies429(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	reg := writeRegistry(t, fmt.Sprintf(`
version: 1
render_instructions: [plain]
tools:
  - name: weather.lookup
    intents: [weather.lookup]
    endpoint: %s
    timeout_ms: 200
    args:
      required: [city]
`, srv.URL))
	e := NewExecutor(reg, circuitbreaker.NewSet(nil))
	res, err := e.Execute(context.Background(), weatherPlan())
	require.ErrorIs(t, err, ErrToolFailed)
	require.Len(t, res.Calls, 1)
	assert.Equal(t, core.Tool429, res.Calls[0].Class)
	assert.True(t, res.Calls[0].Class.Deterministic())
}

func TestExecuteTimeoutClass(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
	}))
	defer srv.Close()

	reg := writeRegistry(t, fmt.Sprintf(`
version: 1
render_instructions: [plain]
tools:
  - name: weather.lookup
    intents: [weather.lookup]
    endpoint: %s
    timeout_ms: 50
    args:
      required: [city]
`, srv.URL))
	e := NewExecutor(reg, circuitbreaker.NewSet(nil))
	res, err := e.Execute(context.Background(), weatherPlan())
	require.ErrorIs(t, err, ErrToolFailed)
	require.Len(t, res.Calls, 1)
	assert.Equal(t, core.ToolTimeout, res.Calls[0].Class)
}

func TestExecuteMalformedResponseIsSchema(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `not json`)
	}))
	defer srv.Close()

	reg := writeRegistry(t, fmt.Sprintf(`
version: 1
render_instructions: [plain]
tools:
  - name: weather.lookup
    intents: [weather.lookup]
    endpoint: %s
    timeout_ms: 200
    args:
      required: [city]
`, srv.URL))
	e := NewExecutor(reg, circuitbreaker.NewSet(nil))
	res, err := e.Execute(context.Background(), weatherPlan())
	require.ErrorIs(t, err, ErrToolFailed)
	assert.Equal(t, core.ToolSchema, res.Calls[0].Class)
}
