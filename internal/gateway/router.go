package gateway

import (
	"errors"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/meshgate/meshgate/internal/config"
)

// Routing errors.
var (
	// ErrRouteNotFound indicates no route prefix matched the path.
	ErrRouteNotFound = errors.New("no matching route")

	// ErrMethodNotAllowed indicates the route does not accept the
	// method.
	ErrMethodNotAllowed = errors.New("method not allowed")
)

// Router maps request paths to routes by longest prefix. The route
// table is swapped atomically on config reload, so matching never
// blocks behind an update.
type Router struct {
	table         atomic.Pointer[[]config.RouteConfig]
	versionPrefix string
}

// NewRouter creates a router with the given routes and API version
// prefix.
func NewRouter(routes []config.RouteConfig, versionPrefix string) *Router {
	r := &Router{versionPrefix: versionPrefix}
	r.Update(routes)
	return r
}

// Update replaces the route table.
func (r *Router) Update(routes []config.RouteConfig) {
	sorted := make([]config.RouteConfig, len(routes))
	copy(sorted, routes)
	sort.SliceStable(sorted, func(i, j int) bool {
		return len(sorted[i].Prefix) > len(sorted[j].Prefix)
	})
	r.table.Store(&sorted)
}

// Match resolves a method and path to a route. The configured version
// prefix is stripped before matching.
func (r *Router) Match(method, path string) (*config.RouteConfig, error) {
	if r.versionPrefix != "" && strings.HasPrefix(path, r.versionPrefix) {
		path = strings.TrimPrefix(path, r.versionPrefix)
		if path == "" {
			path = "/"
		}
	}

	var matched *config.RouteConfig
	routes := *r.table.Load()
	for i := range routes {
		if strings.HasPrefix(path, routes[i].Prefix) {
			matched = &routes[i]
			break
		}
	}
	if matched == nil {
		return nil, ErrRouteNotFound
	}

	if len(matched.Methods) > 0 {
		allowed := false
		for _, m := range matched.Methods {
			if strings.EqualFold(m, method) {
				allowed = true
				break
			}
		}
		if !allowed {
			return nil, ErrMethodNotAllowed
		}
	}

	return matched, nil
}
