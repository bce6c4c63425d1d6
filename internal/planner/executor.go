package planner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/alicelabs/orchestrator/internal/circuitbreaker"
	"github.com/alicelabs/orchestrator/internal/core"
)

// ErrToolFailed wraps the terminal failure after the fallback chain is
// exhausted.
var ErrToolFailed = errors.New("tool execution failed")

// ToolResult is what a successful tool invocation produced.
type ToolResult struct {
	Tool    string
	Payload string
	Calls   []core.ToolCall
}

// Executor invokes tools over HTTP under per-tool timeouts and breakers.
// At most one fallback hop is taken per turn.
type Executor struct {
	registry *Registry
	breakers *circuitbreaker.Set
	client   *http.Client
	logger   *log.Logger
}

func NewExecutor(registry *Registry, breakers *circuitbreaker.Set) *Executor {
	return &Executor{
		registry: registry,
		breakers: breakers,
		client:   &http.Client{Timeout: 5 * time.Second},
		logger:   log.New(log.Writer(), "[EXECUTOR] ", log.LstdFlags),
	}
}

// Execute runs the plan's tool. On failure it walks to the tool's fallback,
// once. Every attempt is recorded in the returned calls, including failures.
func (e *Executor) Execute(ctx context.Context, plan *core.Plan) (*ToolResult, error) {
	tool, ok := e.registry.Tool(plan.Tool)
	if !ok {
		return &ToolResult{}, fmt.Errorf("%w: unknown tool %q", ErrToolFailed, plan.Tool)
	}

	var calls []core.ToolCall

	payload, call, err := e.invoke(ctx, tool, plan.Args)
	calls = append(calls, call)
	if err == nil {
		return &ToolResult{Tool: tool.Name, Payload: payload, Calls: calls}, nil
	}

	if tool.Fallback == "" {
		return &ToolResult{Calls: calls}, fmt.Errorf("%w: %s: %v", ErrToolFailed, tool.Name, err)
	}

	fb, ok := e.registry.Tool(tool.Fallback)
	if !ok {
		return &ToolResult{Calls: calls}, fmt.Errorf("%w: %s: %v", ErrToolFailed, tool.Name, err)
	}
	e.logger.Printf("🔄 tool %s failed (%s), trying fallback %s", tool.Name, call.Class, fb.Name)

	payload, call, err = e.invoke(ctx, fb, plan.Args)
	calls = append(calls, call)
	if err != nil {
		return &ToolResult{Calls: calls}, fmt.Errorf("%w: %s and fallback %s: %v", ErrToolFailed, tool.Name, fb.Name, err)
	}
	return &ToolResult{Tool: fb.Name, Payload: payload, Calls: calls}, nil
}

// invoke performs one breaker-guarded HTTP call to a tool endpoint.
func (e *Executor) invoke(ctx context.Context, tool *ToolSpec, args map[string]string) (string, core.ToolCall, error) {
	call := core.ToolCall{Name: tool.Name}
	start := time.Now()
	defer func() { call.LatMs = time.Since(start).Milliseconds() }()

	cb := e.breakers.Tool(tool.Name)
	gen, err := cb.Allow()
	if err != nil {
		call.Class = core.ToolOther
		return "", call, fmt.Errorf("breaker: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, tool.timeout())
	defer cancel()

	body, _ := json.Marshal(map[string]interface{}{"v": "1", "args": args})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tool.Endpoint, bytes.NewReader(body))
	if err != nil {
		cb.Record(gen, false)
		call.Class = core.ToolOther
		return "", call, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		cb.Record(gen, false)
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded {
			call.Class = core.ToolTimeout
		} else {
			call.Class = core.ToolOther
		}
		return "", call, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests:
		cb.Record(gen, false)
		call.Class = core.Tool429
		return "", call, fmt.Errorf("tool %s: 429", tool.Name)
	case resp.StatusCode >= 500:
		cb.Record(gen, false)
		call.Class = core.Tool5xx
		return "", call, fmt.Errorf("tool %s: status %d", tool.Name, resp.StatusCode)
	default:
		cb.Record(gen, false)
		call.Class = core.ToolSchema
		return "", call, fmt.Errorf("tool %s: status %d", tool.Name, resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		cb.Record(gen, false)
		call.Class = core.ToolOther
		return "", call, err
	}

	var out struct {
		Result string `json:"result"`
	}
	if err := json.Unmarshal(raw, &out); err != nil || out.Result == "" {
		cb.Record(gen, false)
		call.Class = core.ToolSchema
		return "", call, fmt.Errorf("tool %s: malformed response", tool.Name)
	}

	cb.Record(gen, true)
	call.Class = core.ToolOK
	return out.Result, call, nil
}
