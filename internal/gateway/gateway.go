// Package gateway wires the inbound HTTP pipeline: route matching,
// caller identification, quota enforcement and resilient forwarding.
package gateway

import (
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/meshgate/meshgate/internal/auth"
	"github.com/meshgate/meshgate/internal/observability"
	"github.com/meshgate/meshgate/internal/proxy"
	"github.com/meshgate/meshgate/internal/ratelimit"
)

// Gateway handles one inbound API request end to end. The rate-limit
// chain is swapped atomically on config reload.
type Gateway struct {
	router    *Router
	proxy     *proxy.Proxy
	verifier  *auth.Verifier
	chain     atomic.Pointer[ratelimit.Chain]
	accessLog bool
	logger    observability.Logger
}

// Option is a functional option for the gateway.
type Option func(*Gateway)

// WithVerifier sets the bearer-token verifier. Without one every
// caller is anonymous and keyed by client IP.
func WithVerifier(v *auth.Verifier) Option {
	return func(g *Gateway) {
		g.verifier = v
	}
}

// WithRateLimitChain sets the quota chain.
func WithRateLimitChain(chain *ratelimit.Chain) Option {
	return func(g *Gateway) {
		g.chain.Store(chain)
	}
}

// WithAccessLog enables per-request access logging.
func WithAccessLog(enabled bool) Option {
	return func(g *Gateway) {
		g.accessLog = enabled
	}
}

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(g *Gateway) {
		g.logger = logger
	}
}

// New creates a gateway over a router and proxy.
func New(router *Router, p *proxy.Proxy, opts ...Option) *Gateway {
	g := &Gateway{
		router: router,
		proxy:  p,
		logger: observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// SetRateLimitChain swaps the quota chain, used on config reload.
func (g *Gateway) SetRateLimitChain(chain *ratelimit.Chain) {
	g.chain.Store(chain)
}

// ServeHTTP implements http.Handler.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	g.handle(rec, r)

	if g.accessLog {
		g.logger.Info("request",
			observability.String("method", r.Method),
			observability.String("path", r.URL.Path),
			observability.Int("status", rec.status),
			observability.String("remote", ratelimit.GetClientIP(r)),
			observability.Duration("duration", time.Since(start)))
	}
}

func (g *Gateway) handle(w http.ResponseWriter, r *http.Request) {
	route, err := g.router.Match(r.Method, r.URL.Path)
	if err != nil {
		g.writeRoutingError(w, err)
		return
	}

	identity := auth.AnonymousIdentity()
	if g.verifier != nil {
		identity, err = g.verifier.Authenticate(r)
		if err != nil {
			proxy.WriteError(w, proxy.NewError("unauthorized", http.StatusUnauthorized, "invalid token"))
			return
		}
	}
	r = r.WithContext(auth.ContextWithIdentity(r.Context(), identity))

	if chain := g.chain.Load(); chain != nil {
		callerKey := ratelimit.CallerKey(r, identity.Subject)
		decision := chain.Check(r.Context(), route.Service, callerKey)
		if !decision.Allowed {
			proxy.WriteError(w, proxy.
				NewError(proxy.CodeRateLimited, http.StatusTooManyRequests, "rate limit exceeded").
				WithRetryAfter(decision.RetryAfter))
			return
		}
	}

	g.proxy.Forward(w, r, route)
}

func (g *Gateway) writeRoutingError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrMethodNotAllowed):
		proxy.WriteError(w, proxy.NewError("method_not_allowed", http.StatusMethodNotAllowed, "method not allowed"))
	default:
		proxy.WriteError(w, proxy.NewError("not_found", http.StatusNotFound, "no route for path"))
	}
}

// statusRecorder captures the response status for access logging.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
