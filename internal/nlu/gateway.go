// Package nlu resolves a user turn to an intent. A deterministic Swedish
// regex guard runs first; only unguarded text reaches the external NLU
// service, under a strict latency budget.
package nlu

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/alicelabs/orchestrator/internal/circuitbreaker"
	"github.com/alicelabs/orchestrator/internal/core"
)

const lowConfidence = 0.55

// Gateway calls the NLU service with the guard in front and a rule-based
// fallback behind.
type Gateway struct {
	endpoint string
	xnli     string
	budget   time.Duration
	client   *http.Client
	guard    *Guard
	breaker  *circuitbreaker.CircuitBreaker
	logger   *log.Logger
}

func NewGateway(endpoint, xnliEndpoint string, budget time.Duration, breaker *circuitbreaker.CircuitBreaker) *Gateway {
	if budget <= 0 {
		budget = 80 * time.Millisecond
	}
	return &Gateway{
		endpoint: endpoint,
		xnli:     xnliEndpoint,
		budget:   budget,
		client:   &http.Client{Timeout: budget},
		guard:    NewGuard(),
		breaker:  breaker,
		logger:   log.New(log.Writer(), "[NLU] ", log.LstdFlags),
	}
}

type nluRequest struct {
	V    string `json:"v"`
	Text string `json:"text"`
	Lang string `json:"lang"`
}

type nluResponse struct {
	Intent     string            `json:"intent"`
	Confidence float64           `json:"confidence"`
	Slots      map[string]string `json:"slots"`
	RouteHint  string            `json:"route_hint"`
	MoodScore  float64           `json:"mood_score"`
}

// Parse resolves the intent for one utterance. The input text is never
// mutated. Order: guard → NLU service → rule fallback. Always returns a
// usable IntentResult; the error reports why the service path failed.
func (g *Gateway) Parse(ctx context.Context, text, lang string) (core.IntentResult, error) {
	if res, ok := g.guard.Match(text); ok {
		return res, nil
	}

	res, err := g.callService(ctx, text, lang)
	if err != nil {
		return g.fallback(text), err
	}

	if res.Confidence < lowConfidence && g.xnli != "" {
		if refined, ok := g.entail(ctx, text, res); ok {
			return refined, nil
		}
	}
	return res, nil
}

func (g *Gateway) callService(ctx context.Context, text, lang string) (core.IntentResult, error) {
	if g.endpoint == "" {
		return core.IntentResult{}, fmt.Errorf("nlu endpoint not configured")
	}

	gen, err := g.breaker.Allow()
	if err != nil {
		return core.IntentResult{}, fmt.Errorf("nlu breaker: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, g.budget)
	defer cancel()

	body, _ := json.Marshal(nluRequest{V: "1", Text: text, Lang: lang})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint, bytes.NewReader(body))
	if err != nil {
		g.breaker.Record(gen, false)
		return core.IntentResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		g.breaker.Record(gen, false)
		return core.IntentResult{}, fmt.Errorf("nlu call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		g.breaker.Record(gen, false)
		return core.IntentResult{}, fmt.Errorf("nlu status %d", resp.StatusCode)
	}

	var out nluResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		g.breaker.Record(gen, false)
		return core.IntentResult{}, fmt.Errorf("nlu decode: %w", err)
	}
	g.breaker.Record(gen, true)

	return core.IntentResult{
		Intent:     out.Intent,
		Confidence: out.Confidence,
		Slots:      out.Slots,
		RouteHint:  out.RouteHint,
		MoodScore:  out.MoodScore,
		Source:     "nlu",
	}, nil
}

type entailRequest struct {
	V          string   `json:"v"`
	Text       string   `json:"text"`
	Hypotheses []string `json:"hypotheses"`
}

type entailResponse struct {
	Best  string  `json:"best"`
	Score float64 `json:"score"`
}

// entail asks the XNLI service to confirm a low-confidence intent against
// its nearest alternatives. Best effort: any failure keeps the NLU verdict.
func (g *Gateway) entail(ctx context.Context, text string, res core.IntentResult) (core.IntentResult, bool) {
	ctx, cancel := context.WithTimeout(ctx, g.budget)
	defer cancel()

	body, _ := json.Marshal(entailRequest{V: "1", Text: text, Hypotheses: []string{res.Intent}})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.xnli, bytes.NewReader(body))
	if err != nil {
		return res, false
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return res, false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return res, false
	}

	var out entailResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return res, false
	}
	if out.Best == res.Intent && out.Score > res.Confidence {
		res.Confidence = out.Score
		return res, true
	}
	return res, false
}

// fallback produces a rule-based intent when the service path fails. The
// result is deliberately low-confidence so routing stays conservative.
func (g *Gateway) fallback(text string) core.IntentResult {
	intent := "smalltalk.chat"
	if strings.ContainsRune(text, '?') {
		intent = "question.open"
	}
	return core.IntentResult{
		Intent:     intent,
		Confidence: 0.4,
		Source:     "fallback",
	}
}

// LowConfidence reports whether a result is below the routing threshold.
func LowConfidence(res core.IntentResult) bool {
	return res.Confidence < lowConfidence
}
