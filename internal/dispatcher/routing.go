package dispatcher

import (
	"fmt"

	"github.com/bmatcuk/doublestar/v4"
)

// Route maps a glob pattern over task names to an executor key. Routes are
// evaluated in order; the first match wins.
type Route struct {
	Pattern string `yaml:"pattern"`
	Key     string `yaml:"key"`
}

// Router resolves a task name to an executor key using first-match-wins
// glob routing, falling back to a configured default.
type Router struct {
	routes  []Route
	fallback string
}

func NewRouter(fallback string, routes ...Route) *Router {
	return &Router{routes: routes, fallback: fallback}
}

func (r *Router) Resolve(taskName string) (string, error) {
	for _, route := range r.routes {
		matched, err := doublestar.Match(route.Pattern, taskName)
		if err != nil {
			return "", fmt.Errorf("dispatcher: route pattern %q: %w", route.Pattern, err)
		}
		if matched {
			return route.Key, nil
		}
	}
	return r.fallback, nil
}
