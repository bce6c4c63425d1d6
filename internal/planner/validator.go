package planner

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/alicelabs/orchestrator/internal/core"
)

var (
	ErrUnknownField     = errors.New("plan contains unknown field")
	ErrUnknownTool      = errors.New("plan names unknown tool")
	ErrToolNotForIntent = errors.New("tool not allowed for intent")
	ErrUnknownRender    = errors.New("unknown render instruction")
	ErrMissingArg       = errors.New("missing required argument")
	ErrUnknownArg       = errors.New("unknown argument key")
)

// repair synonyms: one deliberate misspelling or casing slip the model makes
// often enough to be worth a single bounded correction. Anything outside
// these maps is rejected, never guessed.
var toolSynonyms = map[string]string{
	"calendar.create_event": "calendar.create",
	"calender.create":       "calendar.create",
	"calendar.createevent":  "calendar.create",
	"email.send_mail":       "email.send",
	"weather.get":           "weather.lookup",
	"news.fetch":            "news.latest",
}

var renderSynonyms = map[string]string{
	"text":         "plain",
	"plaintext":    "plain",
	"confirmation": "confirm",
}

// ParsePlan decodes raw planner-backend output strictly: unknown top-level
// fields fail the decode instead of being dropped.
func ParsePlan(raw []byte) (*core.Plan, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()

	var p core.Plan
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnknownField, err)
	}
	return &p, nil
}

// Validate checks a plan against the registry: the tool must exist and be
// allowed for the intent, the render instruction must be in the enum, and
// the argument keys must match the tool's schema exactly.
func Validate(p *core.Plan, reg *Registry) error {
	tool, ok := reg.Tool(p.Tool)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownTool, p.Tool)
	}
	if !tool.allowsIntent(p.Intent) {
		return fmt.Errorf("%w: %q for %q", ErrToolNotForIntent, p.Tool, p.Intent)
	}
	if !reg.ValidRender(p.RenderInstruction) {
		return fmt.Errorf("%w: %q", ErrUnknownRender, p.RenderInstruction)
	}

	for _, req := range tool.Args.Required {
		if _, ok := p.Args[req]; !ok {
			return fmt.Errorf("%w: %q", ErrMissingArg, req)
		}
	}
	for key := range p.Args {
		if !tool.knownArg(key) {
			return fmt.Errorf("%w: %q", ErrUnknownArg, key)
		}
	}
	return nil
}

// Repair applies at most one synonym correction to the tool name and the
// render instruction, then revalidates. The bool reports whether anything
// was changed. A plan that still fails after one repair pass is a schema
// failure; there is no second attempt.
func Repair(p *core.Plan, reg *Registry) (bool, error) {
	repaired := false

	if _, ok := reg.Tool(p.Tool); !ok {
		if fixed, ok := toolSynonyms[p.Tool]; ok {
			p.Tool = fixed
			repaired = true
		}
	}
	if !reg.ValidRender(p.RenderInstruction) {
		if fixed, ok := renderSynonyms[p.RenderInstruction]; ok {
			p.RenderInstruction = fixed
			repaired = true
		}
	}

	return repaired, Validate(p, reg)
}
