// Package tools holds the registry of host-side skills the model may
// invoke. Tool names on the wire are encoded as "<skill>__<action>".
package tools

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/wardenhub/warden-gateway/internal/provider"
)

// NameSeparator joins skill and action in a wire-level tool name.
const NameSeparator = "__"

// Handler executes a tool with parsed arguments.
type Handler func(ctx context.Context, args map[string]any) (string, error)

// Tool is one host-side action with its declared sensitivity tier.
type Tool struct {
	Skill       string
	Action      string
	Description string
	Tier        string // store.TierGreen / TierYellow / TierRed
	Parameters  map[string]any
	Handler     Handler
}

// Name returns the wire-level tool name "<skill>__<action>".
func (t *Tool) Name() string {
	return t.Skill + NameSeparator + t.Action
}

// Type returns the action type string "<skill>.<action>".
func (t *Tool) Type() string {
	return t.Skill + "." + t.Action
}

// SplitName splits a wire-level tool name into skill and action.
func SplitName(name string) (skill, action string, ok bool) {
	skill, action, ok = strings.Cut(name, NameSeparator)
	if !ok || skill == "" || action == "" {
		return "", "", false
	}
	return skill, action, true
}

// Registry holds the available tools.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

// Register adds a tool, replacing any previous tool with the same name.
func (r *Registry) Register(t *Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
}

// Lookup resolves a wire-level tool name.
func (r *Registry) Lookup(name string) (*Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Definitions returns the tool definitions offered to the model.
func (r *Registry) Definitions() []provider.ToolDef {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]provider.ToolDef, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, provider.ToolDef{
			Name:        t.Name(),
			Description: t.Description,
			Parameters:  t.Parameters,
		})
	}
	return out
}

// Execute runs the named tool.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) (string, error) {
	t, ok := r.Lookup(name)
	if !ok {
		return "", fmt.Errorf("unknown tool: %s", name)
	}
	return t.Handler(ctx, args)
}

func stringArg(args map[string]any, key string) (string, error) {
	v, ok := args[key]
	if !ok {
		return "", fmt.Errorf("missing argument %q", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("argument %q must be a string", key)
	}
	return s, nil
}
