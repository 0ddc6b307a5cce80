// Package router maps abstract capabilities to ordered (provider, model)
// fallback chains and routes chat requests through them.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/wardenhub/warden-gateway/internal/config"
	"github.com/wardenhub/warden-gateway/internal/metrics"
	"github.com/wardenhub/warden-gateway/internal/provider"
)

// NoProviderError reports that every fallback slot of a capability failed.
type NoProviderError struct {
	Capability string
}

func (e *NoProviderError) Error() string {
	return fmt.Sprintf("no provider available for capability %q", e.Capability)
}

// Slot is one (provider, model) entry of a fallback chain. Order in the
// chain defines fallback priority.
type Slot struct {
	Provider provider.Client
	Model    string
}

// Router holds the capability fallback chains.
type Router struct {
	chains map[string][]Slot
	logger *slog.Logger
}

// New builds a router from pre-resolved chains. An empty chain is a
// configuration error.
func New(chains map[string][]Slot, logger *slog.Logger) (*Router, error) {
	for capability, chain := range chains {
		if len(chain) == 0 {
			return nil, fmt.Errorf("capability %s has an empty fallback chain", capability)
		}
	}
	return &Router{chains: chains, logger: logger}, nil
}

// NewFromConfig instantiates provider clients from config and assembles the
// capability chains.
func NewFromConfig(cfg *config.Config, logger *slog.Logger) (*Router, error) {
	clients := make(map[string]provider.Client, len(cfg.Providers))
	for _, pc := range cfg.Providers {
		client, err := createClient(pc)
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", pc.Name, err)
		}
		clients[pc.Name] = client
	}

	chains := make(map[string][]Slot, len(cfg.Capabilities))
	for _, cc := range cfg.Capabilities {
		var chain []Slot
		for _, sc := range cc.Chain {
			client, ok := clients[sc.Provider]
			if !ok {
				return nil, fmt.Errorf("capability %s references unknown provider %s", cc.Name, sc.Provider)
			}
			chain = append(chain, Slot{Provider: client, Model: sc.Model})
		}
		chains[cc.Name] = chain
	}
	return New(chains, logger)
}

func createClient(pc config.ProviderConfig) (provider.Client, error) {
	switch pc.Type {
	case "ollama":
		return provider.NewOllamaClient(&provider.OllamaConfig{Name: pc.Name, URL: pc.URL})
	case "openai-compatible":
		return provider.NewOpenAIClient(&provider.OpenAIConfig{
			Name:    pc.Name,
			BaseURL: pc.URL,
			APIKey:  pc.APIKey,
			Models:  pc.Models,
		})
	default:
		return nil, fmt.Errorf("unsupported provider type: %s", pc.Type)
	}
}

// Resolve returns the ordered fallback chain for a capability.
func (r *Router) Resolve(capability string) ([]Slot, error) {
	chain, ok := r.chains[capability]
	if !ok || len(chain) == 0 {
		return nil, &NoProviderError{Capability: capability}
	}
	return chain, nil
}

// Route sends a blocking chat request through the capability's chain,
// trying each slot in order until one succeeds.
func (r *Router) Route(ctx context.Context, capability string, messages []provider.Message, opts *provider.Options) (*provider.ChatResponse, error) {
	chain, err := r.Resolve(capability)
	if err != nil {
		return nil, err
	}
	for _, slot := range chain {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !slot.Provider.IsAvailable(ctx) {
			r.slotFailed(capability, slot, "unavailable")
			continue
		}
		resp, err := slot.Provider.Chat(ctx, slot.Model, messages, opts)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			r.slotFailed(capability, slot, err.Error())
			continue
		}
		return resp, nil
	}
	return nil, &NoProviderError{Capability: capability}
}

// RouteStream is the streaming variant of Route. Fallback is whole-request:
// once a slot has emitted any increment, a mid-flight failure of that slot
// propagates rather than restarting from a different slot.
func (r *Router) RouteStream(ctx context.Context, capability string, messages []provider.Message, opts *provider.Options, fn provider.StreamFunc) (*provider.ChatResponse, error) {
	chain, err := r.Resolve(capability)
	if err != nil {
		return nil, err
	}
	for _, slot := range chain {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !slot.Provider.IsAvailable(ctx) {
			r.slotFailed(capability, slot, "unavailable")
			continue
		}

		emitted := false
		wrapped := func(delta string) {
			emitted = true
			if fn != nil {
				fn(delta)
			}
		}
		resp, err := slot.Provider.ChatStream(ctx, slot.Model, messages, opts, wrapped)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			r.slotFailed(capability, slot, err.Error())
			if emitted {
				return nil, fmt.Errorf("stream from %s cut mid-flight: %w", slot.Provider.Name(), err)
			}
			continue
		}
		return resp, nil
	}
	return nil, &NoProviderError{Capability: capability}
}

// DescribeImage routes an image description through the first slot of the
// capability's chain whose provider implements the extended capability.
func (r *Router) DescribeImage(ctx context.Context, capability, imageB64 string) (string, error) {
	chain, err := r.Resolve(capability)
	if err != nil {
		return "", err
	}
	for _, slot := range chain {
		describer, ok := slot.Provider.(provider.ImageDescriber)
		if !ok {
			continue
		}
		if !slot.Provider.IsAvailable(ctx) {
			r.slotFailed(capability, slot, "unavailable")
			continue
		}
		desc, err := describer.DescribeImage(ctx, slot.Model, imageB64)
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			r.slotFailed(capability, slot, err.Error())
			continue
		}
		return desc, nil
	}
	return "", &NoProviderError{Capability: capability}
}

// ListModels returns the union of models advertised by every provider in
// every chain, sorted by name.
func (r *Router) ListModels(ctx context.Context) []provider.ModelInfo {
	seen := make(map[string]bool)
	var out []provider.ModelInfo
	for _, chain := range r.chains {
		for _, slot := range chain {
			models, err := slot.Provider.ListModels(ctx)
			if err != nil {
				continue
			}
			for _, m := range models {
				if !seen[m.Name] {
					seen[m.Name] = true
					out = append(out, m)
				}
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Capabilities returns the configured capability names, sorted.
func (r *Router) Capabilities() []string {
	out := make([]string, 0, len(r.chains))
	for name := range r.chains {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (r *Router) slotFailed(capability string, slot Slot, reason string) {
	metrics.ProviderFailovers.WithLabelValues(capability, slot.Provider.Name()).Inc()
	if r.logger != nil {
		r.logger.Warn("fallback slot failed",
			"capability", capability,
			"provider", slot.Provider.Name(),
			"model", slot.Model,
			"reason", reason,
		)
	}
}
