package ratelimit

import (
	"context"

	"github.com/meshgate/meshgate/internal/config"
	"github.com/meshgate/meshgate/internal/observability"
	"github.com/meshgate/meshgate/internal/ratelimit/store"
)

// Scope identifies which limit in the chain produced a decision.
type Scope string

const (
	ScopeGlobal  Scope = "global"
	ScopeService Scope = "service"
	ScopeCaller  Scope = "caller"
)

// Decision is a chain verdict. Scope names the limit that rejected the
// request, or the most specific limit consulted when allowed.
type Decision struct {
	*Result
	Scope Scope
}

// Chain evaluates the scope limits in order, broadest first. The first
// scope that rejects short-circuits the chain, so a request denied
// globally never consumes service or caller budget. The caller window
// is keyed by the caller alone and spans every service.
type Chain struct {
	global     Limiter
	service    Limiter
	perService map[string]Limiter
	caller     Limiter
	logger     observability.Logger
}

// NewChain builds a chain from gateway configuration. Scopes with a zero
// request budget are unlimited. Per-service overrides replace the shared
// service-scope limit for the named service only.
func NewChain(
	cfg config.RateLimitConfig,
	services []config.ServiceConfig,
	s store.Store,
	logger observability.Logger,
) *Chain {
	if logger == nil {
		logger = observability.NopLogger()
	}

	c := &Chain{
		global:     limiterFor(cfg.Global, s, logger),
		service:    limiterFor(cfg.Service, s, logger),
		perService: make(map[string]Limiter),
		caller:     limiterFor(cfg.Caller, s, logger),
		logger:     logger,
	}

	for _, svc := range services {
		if svc.RateLimit != nil {
			c.perService[svc.Name] = limiterFor(*svc.RateLimit, s, logger)
		}
	}

	return c
}

func limiterFor(lc config.LimitConfig, s store.Store, logger observability.Logger) Limiter {
	if lc.Requests <= 0 || lc.Window.Duration() <= 0 {
		return NewNoopLimiter()
	}
	return NewFixedWindowLimiter(s, lc.Requests, lc.Window.Duration(), logger)
}

// Check runs the chain for one request. Store failures fail open: the
// request is allowed and the error is logged, so a counter backend
// outage does not take the gateway down with it.
func (c *Chain) Check(ctx context.Context, service, callerKey string) *Decision {
	steps := []struct {
		scope   Scope
		limiter Limiter
		key     string
	}{
		{ScopeGlobal, c.global, "global"},
		{ScopeService, c.serviceLimiter(service), "service:" + service},
		{ScopeCaller, c.caller, "caller:" + callerKey},
	}

	decision := &Decision{Result: &Result{Allowed: true}, Scope: ScopeGlobal}

	for _, step := range steps {
		result, err := step.limiter.Allow(ctx, step.key)
		if err != nil {
			c.logger.Warn("rate limit store unavailable, allowing request",
				observability.String("scope", string(step.scope)),
				observability.String("service", service),
				observability.Error(err))
			recordDecision(string(step.scope), "error")
			continue
		}

		if !result.Allowed {
			recordDecision(string(step.scope), "denied")
			return &Decision{Result: result, Scope: step.scope}
		}

		recordDecision(string(step.scope), "allowed")
		decision = &Decision{Result: result, Scope: step.scope}
	}

	return decision
}

func (c *Chain) serviceLimiter(service string) Limiter {
	if l, ok := c.perService[service]; ok {
		return l
	}
	return c.service
}
