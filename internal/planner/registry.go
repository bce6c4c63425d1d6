// Package planner validates planner-backend output against a versioned tool
// registry and executes the resulting tool calls deterministically.
package planner

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// ToolSpec describes one tool the planner may select. Everything the
// executor needs (endpoint, timeout, argument schema, fallback) lives here;
// the model only ever picks the name.
type ToolSpec struct {
	Name     string   `yaml:"name"`
	Intents  []string `yaml:"intents"`
	Endpoint string   `yaml:"endpoint"`

	// TimeoutMS is the per-call budget in milliseconds.
	TimeoutMS int `yaml:"timeout_ms"`

	Args struct {
		Required []string `yaml:"required"`
		Optional []string `yaml:"optional"`
	} `yaml:"args"`

	// Fallback names the tool to try once if this one fails, empty for none.
	Fallback string `yaml:"fallback"`
}

func (t *ToolSpec) timeout() time.Duration {
	return time.Duration(t.TimeoutMS) * time.Millisecond
}

func (t *ToolSpec) allowsIntent(intent string) bool {
	for _, i := range t.Intents {
		if i == intent {
			return true
		}
	}
	return false
}

func (t *ToolSpec) knownArg(key string) bool {
	for _, k := range t.Args.Required {
		if k == key {
			return true
		}
	}
	for _, k := range t.Args.Optional {
		if k == key {
			return true
		}
	}
	return false
}

type registryFile struct {
	Version            int        `yaml:"version"`
	RenderInstructions []string   `yaml:"render_instructions"`
	Tools              []ToolSpec `yaml:"tools"`
}

// Registry is the closed set of tools and render instructions. The planner
// backend's output is rejected unless every enum value resolves here.
type Registry struct {
	Version int

	tools   map[string]*ToolSpec
	renders map[string]struct{}
}

// LoadRegistry reads tools.yaml. The registry is required: a process without
// one cannot validate any plan, so startup must fail loudly.
func LoadRegistry(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("tool registry %s: %w", path, err)
	}

	var file registryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("tool registry %s: %w", path, err)
	}
	if len(file.Tools) == 0 {
		return nil, fmt.Errorf("tool registry %s: no tools defined", path)
	}

	r := &Registry{
		Version: file.Version,
		tools:   make(map[string]*ToolSpec, len(file.Tools)),
		renders: make(map[string]struct{}, len(file.RenderInstructions)),
	}
	for i := range file.Tools {
		t := &file.Tools[i]
		if t.Name == "" || t.Endpoint == "" {
			return nil, fmt.Errorf("tool registry %s: tool %d missing name or endpoint", path, i)
		}
		if t.TimeoutMS <= 0 {
			t.TimeoutMS = 800
		}
		if _, dup := r.tools[t.Name]; dup {
			return nil, fmt.Errorf("tool registry %s: duplicate tool %q", path, t.Name)
		}
		r.tools[t.Name] = t
	}
	for _, ri := range file.RenderInstructions {
		r.renders[ri] = struct{}{}
	}

	// Fallbacks must resolve inside the registry.
	for _, t := range r.tools {
		if t.Fallback != "" {
			if _, ok := r.tools[t.Fallback]; !ok {
				return nil, fmt.Errorf("tool registry %s: tool %q falls back to unknown %q", path, t.Name, t.Fallback)
			}
		}
	}
	return r, nil
}

// Tool resolves a tool by exact name.
func (r *Registry) Tool(name string) (*ToolSpec, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// ValidRender reports whether a render instruction is in the enum.
func (r *Registry) ValidRender(name string) bool {
	_, ok := r.renders[name]
	return ok
}

// ToolNames returns all registered tool names, for status output.
func (r *Registry) ToolNames() []string {
	out := make([]string, 0, len(r.tools))
	for name := range r.tools {
		out = append(out, name)
	}
	return out
}
