package invoker

import (
	"fmt"

	"github.com/pario-ai/tenantgate/pkg/config"
)

// Route is a resolved backend and model to try.
type Route struct {
	Backend Backend
	Model   string
}

// Router resolves requested model names to ordered backend+model chains.
type Router struct {
	backends map[string]Backend
	order    []string
	routes   []config.RouteConfig
}

// NewRouter creates a Router over backends keyed by provider name. order
// lists provider names by preference; the first is the default.
func NewRouter(backends map[string]Backend, order []string, routes []config.RouteConfig) *Router {
	return &Router{backends: backends, order: order, routes: routes}
}

// Resolve returns an ordered list of routes for the requested model.
// If the model matches a configured route, the route's targets are returned.
// Otherwise, the first provider is used with the original model name.
func (r *Router) Resolve(requestedModel string) ([]Route, error) {
	if len(r.order) == 0 {
		return nil, fmt.Errorf("no providers configured")
	}

	for _, route := range r.routes {
		if route.Model != requestedModel {
			continue
		}
		var out []Route
		for _, target := range route.Targets {
			b, ok := r.backends[target.Provider]
			if !ok {
				continue
			}
			model := target.Model
			if model == "" {
				model = requestedModel
			}
			out = append(out, Route{Backend: b, Model: model})
		}
		if len(out) == 0 {
			return nil, fmt.Errorf("route %q: all providers unknown", requestedModel)
		}
		return out, nil
	}

	b, ok := r.backends[r.order[0]]
	if !ok {
		return nil, fmt.Errorf("default provider %q has no backend", r.order[0])
	}
	return []Route{{Backend: b, Model: requestedModel}}, nil
}
