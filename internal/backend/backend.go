// Package backend wraps the generative model endpoints. Each arm gets a
// first-token and a full budget; a breaker sits in front of every call.
package backend

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/alicelabs/orchestrator/internal/circuitbreaker"
	"github.com/alicelabs/orchestrator/internal/core"
)

var ErrFirstTokenBudget = errors.New("first token budget exceeded")

// Request is what a backend receives for one turn.
type Request struct {
	Text   string            `json:"text"`
	Lang   string            `json:"lang"`
	Intent string            `json:"intent"`
	Slots  map[string]string `json:"slots,omitempty"`
	// Degraded asks the endpoint for its reduced-context mode (smaller RAG
	// top-K); set during guardian brownout.
	Degraded bool `json:"degraded,omitempty"`
}

// Reply is a completed generation.
type Reply struct {
	Text    string
	Raw     []byte
	FirstMs int64
	FullMs  int64
}

// Backend generates a reply for one turn.
type Backend interface {
	Name() string
	Generate(ctx context.Context, req Request) (*Reply, error)
}

// HTTPBackend calls a model server over HTTP. The response body is read
// incrementally so the first-byte latency can be enforced separately from
// the full budget.
type HTTPBackend struct {
	name        string
	endpoint    string
	firstBudget time.Duration
	fullBudget  time.Duration
	breaker     *circuitbreaker.CircuitBreaker
	client      *http.Client
}

func NewHTTPBackend(name, endpoint string, firstBudget, fullBudget time.Duration, breaker *circuitbreaker.CircuitBreaker) *HTTPBackend {
	return &HTTPBackend{
		name:        name,
		endpoint:    endpoint,
		firstBudget: firstBudget,
		fullBudget:  fullBudget,
		breaker:     breaker,
		client: &http.Client{
			Transport: &http.Transport{
				ResponseHeaderTimeout: firstBudget,
			},
		},
	}
}

func (b *HTTPBackend) Name() string { return b.name }

// Generate runs one completion. The first-byte deadline maps to
// ErrFirstTokenBudget so the caller can distinguish a slow start from a
// slow finish.
func (b *HTTPBackend) Generate(ctx context.Context, req Request) (*Reply, error) {
	if b.endpoint == "" {
		return nil, fmt.Errorf("backend %s: endpoint not configured", b.name)
	}

	gen, err := b.breaker.Allow()
	if err != nil {
		return nil, fmt.Errorf("backend %s: %w", b.name, err)
	}

	ctx, cancel := context.WithTimeout(ctx, b.fullBudget)
	defer cancel()

	body, _ := json.Marshal(req)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint, bytes.NewReader(body))
	if err != nil {
		b.breaker.Record(gen, false)
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := b.client.Do(httpReq)
	if err != nil {
		b.breaker.Record(gen, false)
		if isHeaderTimeout(err) {
			return nil, fmt.Errorf("backend %s: %w", b.name, ErrFirstTokenBudget)
		}
		return nil, fmt.Errorf("backend %s: %w", b.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b.breaker.Record(gen, false)
		return nil, fmt.Errorf("backend %s: status %d", b.name, resp.StatusCode)
	}

	// First byte of the body counts as the first token.
	reader := bufio.NewReader(resp.Body)
	if _, err := reader.Peek(1); err != nil {
		b.breaker.Record(gen, false)
		return nil, fmt.Errorf("backend %s: empty response: %w", b.name, err)
	}
	firstMs := time.Since(start).Milliseconds()

	var raw bytes.Buffer
	if _, err := raw.ReadFrom(reader); err != nil {
		b.breaker.Record(gen, false)
		return nil, fmt.Errorf("backend %s: read: %w", b.name, err)
	}
	fullMs := time.Since(start).Milliseconds()

	var out struct {
		Text string `json:"text"`
	}
	text := ""
	if err := json.Unmarshal(raw.Bytes(), &out); err == nil {
		text = out.Text
	}

	b.breaker.Record(gen, true)
	return &Reply{Text: text, Raw: raw.Bytes(), FirstMs: firstMs, FullMs: fullMs}, nil
}

func isHeaderTimeout(err error) bool {
	var netErr interface{ Timeout() bool }
	return errors.As(err, &netErr) && netErr.Timeout()
}

// Set bundles the three arms, indexed by route.
type Set struct {
	Micro   Backend
	Planner Backend
	Deep    Backend
}

// For returns the backend for a route.
func (s *Set) For(route core.Route) Backend {
	switch route {
	case core.RoutePlanner:
		return s.Planner
	case core.RouteDeep:
		return s.Deep
	default:
		return s.Micro
	}
}
