package backend

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alicelabs/orchestrator/internal/circuitbreaker"
	"github.com/alicelabs/orchestrator/internal/core"
)

func TestGenerateSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"text":"Hej där!"}`)
	}))
	defer srv.Close()

	b := NewHTTPBackend("micro", srv.URL, 250*time.Millisecond, 500*time.Millisecond, circuitbreaker.New(nil))
	reply, err := b.Generate(context.Background(), Request{Text: "hej", Lang: "sv"})
	require.NoError(t, err)
	assert.Equal(t, "Hej där!", reply.Text)
	assert.LessOrEqual(t, reply.FirstMs, reply.FullMs)
}

func TestGenerateFirstTokenBudget(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
		fmt.Fprint(w, `{"text":"för sent"}`)
	}))
	defer srv.Close()

	b := NewHTTPBackend("micro", srv.URL, 50*time.Millisecond, 1*time.Second, circuitbreaker.New(nil))
	_, err := b.Generate(context.Background(), Request{Text: "hej"})
	require.ErrorIs(t, err, ErrFirstTokenBudget)
}

func TestGenerateFullBudget(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		time.Sleep(400 * time.Millisecond)
		fmt.Fprint(w, `{"text":"långsamt"}`)
	}))
	defer srv.Close()

	// Headers arrive instantly, the body does not.
	b := NewHTTPBackend("planner", srv.URL, 200*time.Millisecond, 100*time.Millisecond, circuitbreaker.New(nil))
	_, err := b.Generate(context.Background(), Request{Text: "planera"})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrFirstTokenBudget)
}

func TestGenerate5xxRecordsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cb := circuitbreaker.New(nil)
	b := NewHTTPBackend("micro", srv.URL, 250*time.Millisecond, 500*time.Millisecond, cb)

	for i := 0; i < 6; i++ {
		_, err := b.Generate(context.Background(), Request{Text: "hej"})
		require.Error(t, err)
	}
	assert.Equal(t, circuitbreaker.StateOpen, cb.State())
}

func TestSetFor(t *testing.T) {
	s := &Set{
		Micro:   NewHTTPBackend("micro", "", 0, time.Second, circuitbreaker.New(nil)),
		Planner: NewHTTPBackend("planner", "", 0, time.Second, circuitbreaker.New(nil)),
		Deep:    NewHTTPBackend("deep", "", 0, time.Second, circuitbreaker.New(nil)),
	}
	assert.Equal(t, "micro", s.For(core.RouteMicro).Name())
	assert.Equal(t, "planner", s.For(core.RoutePlanner).Name())
	assert.Equal(t, "deep", s.For(core.RouteDeep).Name())
}

func TestFastPathGreeting(t *testing.T) {
	fp := NewFastPath()
	text, ok := fp.Answer(core.IntentResult{Intent: "greeting.hello"})
	require.True(t, ok)
	assert.Contains(t, text, "Hej")
}

func TestFastPathTime(t *testing.T) {
	// 12:07 UTC is 14:07 in Stockholm during DST.
	fixed := time.Date(2026, 8, 25, 12, 7, 0, 0, time.UTC)
	fp := NewFastPath().WithClock(func() time.Time { return fixed })

	text, ok := fp.Answer(core.IntentResult{Intent: "time.now"})
	require.True(t, ok)
	assert.Equal(t, "Klockan är 14:07.", text)
}

func TestFastPathUnknownIntent(t *testing.T) {
	fp := NewFastPath()
	_, ok := fp.Answer(core.IntentResult{Intent: "question.open"})
	assert.False(t, ok)
}
