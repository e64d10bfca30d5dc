// Package gateway routes completion requests to a provider by model name.
package gateway

import (
	"context"
	"errors"
	"strings"

	"chat-relay/internal/domain"
)

// Provider is implemented by each completion provider integration.
type Provider interface {
	Ready(ctx context.Context, model string) error
	Stream(ctx context.Context, model string, messages []domain.ChatMessage, opts domain.CompletionOptions) (domain.FragmentStream, error)
	Complete(ctx context.Context, model string, messages []domain.ChatMessage, opts domain.CompletionOptions) (domain.Completion, error)
}

// Route sends models starting with Prefix to Provider.
type Route struct {
	Prefix   string
	Provider Provider
}

// Router picks the first route whose prefix matches the model, falling back
// to the default provider. Matching is case-insensitive.
type Router struct {
	fallback Provider
	routes   []Route
}

func NewRouter(fallback Provider, routes ...Route) (*Router, error) {
	if fallback == nil {
		return nil, errors.New("gateway: fallback provider must not be nil")
	}
	r := &Router{fallback: fallback}
	for _, rt := range routes {
		if rt.Provider == nil || strings.TrimSpace(rt.Prefix) == "" {
			return nil, errors.New("gateway: route needs a prefix and a provider")
		}
		r.routes = append(r.routes, Route{Prefix: strings.ToLower(strings.TrimSpace(rt.Prefix)), Provider: rt.Provider})
	}
	return r, nil
}

func (r *Router) providerFor(model string) Provider {
	m := strings.ToLower(model)
	for _, rt := range r.routes {
		if strings.HasPrefix(m, rt.Prefix) {
			return rt.Provider
		}
	}
	return r.fallback
}

func (r *Router) Ready(ctx context.Context, model string) error {
	return r.providerFor(model).Ready(ctx, model)
}

func (r *Router) Stream(ctx context.Context, model string, messages []domain.ChatMessage, opts domain.CompletionOptions) (domain.FragmentStream, error) {
	return r.providerFor(model).Stream(ctx, model, messages, opts)
}

func (r *Router) Complete(ctx context.Context, model string, messages []domain.ChatMessage, opts domain.CompletionOptions) (domain.Completion, error) {
	return r.providerFor(model).Complete(ctx, model, messages, opts)
}
