// Package proxy forwards inbound requests to healthy backend instances
// with per-route circuit breaking and bounded retries.
package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/meshgate/meshgate/internal/circuitbreaker"
	"github.com/meshgate/meshgate/internal/config"
	"github.com/meshgate/meshgate/internal/observability"
	"github.com/meshgate/meshgate/internal/registry"
	"github.com/meshgate/meshgate/internal/retry"
)

// hopHeaders are headers that should not be forwarded in either
// direction.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

const defaultUpstreamTimeout = 30 * time.Second

// upstreamStatusError marks a downstream 5xx response so the breaker
// counts it as a failure while the response body still passes through.
type upstreamStatusError struct {
	status int
}

func (e *upstreamStatusError) Error() string {
	return fmt.Sprintf("upstream returned %d", e.status)
}

// Proxy forwards requests to backend services selected through the
// registry. Each route gets its own breaker keyed by
// service|METHOD|prefix.
type Proxy struct {
	registry      *registry.Registry
	breakers      *circuitbreaker.Registry
	retryPolicy   *retry.Policy
	noRetryPolicy *retry.Policy
	client        *http.Client
	versionPrefix string
	logger        observability.Logger
}

// Option is a functional option for configuring the proxy.
type Option func(*Proxy)

// WithLogger sets the logger for the proxy.
func WithLogger(logger observability.Logger) Option {
	return func(p *Proxy) {
		p.logger = logger
	}
}

// WithTransport sets the upstream transport.
func WithTransport(transport http.RoundTripper) Option {
	return func(p *Proxy) {
		p.client.Transport = transport
	}
}

// WithRetryPolicy sets the policy applied to idempotent requests.
func WithRetryPolicy(policy *retry.Policy) Option {
	return func(p *Proxy) {
		p.retryPolicy = policy
	}
}

// WithVersionPrefix sets the API version prefix stripped from the
// outbound path.
func WithVersionPrefix(prefix string) Option {
	return func(p *Proxy) {
		p.versionPrefix = prefix
	}
}

// New creates a proxy over the given registry and breaker table.
func New(reg *registry.Registry, breakers *circuitbreaker.Registry, opts ...Option) *Proxy {
	p := &Proxy{
		registry: reg,
		breakers: breakers,
		client:   &http.Client{Timeout: defaultUpstreamTimeout},
		logger:   observability.NopLogger(),
	}

	for _, opt := range opts {
		opt(p)
	}

	if p.retryPolicy == nil {
		p.retryPolicy = retry.DefaultPolicy().
			WithRetryOn(retry.OnAny(retry.OnNetworkErrors(), retry.On5xx())).
			WithLogger(p.logger)
	}
	p.noRetryPolicy = retry.NoRetryPolicy()

	return p
}

// BreakerKey builds the breaker key for a route and method.
func BreakerKey(service, method, prefix string) string {
	return service + "|" + method + "|" + prefix
}

// Forward proxies the request to a healthy instance of the route's
// service. A fresh instance is picked for every attempt.
func (p *Proxy) Forward(w http.ResponseWriter, r *http.Request, route *config.RouteConfig) {
	start := time.Now()
	ctx := r.Context()

	if d := route.Timeout.Duration(); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	// The body is buffered once so retried attempts can replay it.
	var body []byte
	if r.Body != nil {
		var err error
		body, err = io.ReadAll(r.Body)
		_ = r.Body.Close()
		if err != nil {
			p.writeError(w, route.Service,
				NewError(CodeBadGateway, http.StatusBadGateway, "failed to read request body").WithCause(err))
			return
		}
	}

	policy := p.noRetryPolicy
	if route.Idempotent || retry.IsIdempotentMethod(r.Method) {
		policy = p.retryPolicy
	}

	breaker := p.breakers.GetOrCreate(BreakerKey(route.Service, r.Method, route.Prefix))

	// The retry loop is outermost: every attempt is separately admitted
	// by the breaker, so an open breaker stops the loop mid-flight and a
	// half-open trial issues exactly one downstream call.
	var resp *http.Response
	_, execErr := policy.Do(ctx, func() (int, error) {
		if resp != nil {
			drainAndClose(resp)
			resp = nil
		}

		// An empty healthy set is a routing failure, not an upstream
		// one, and never reaches the breaker.
		instance, err := p.registry.Pick(route.Service)
		if err != nil {
			return 0, err
		}

		err = breaker.Execute(ctx, func() error {
			status, attemptErr := p.attempt(ctx, r, route.Service, instance, body, &resp)
			if attemptErr != nil {
				return attemptErr
			}
			if status >= http.StatusInternalServerError {
				return &upstreamStatusError{status: status}
			}
			return nil
		})
		if err != nil {
			var statusErr *upstreamStatusError
			if errors.As(err, &statusErr) {
				return statusErr.status, err
			}
			return 0, err
		}
		return resp.StatusCode, nil
	})

	switch {
	case execErr == nil:
		p.writeResponse(w, route.Service, resp, start)

	case isUpstreamStatus(execErr) && resp != nil:
		// Downstream 5xx after retries: surfaced verbatim, counted as a
		// breaker failure above.
		p.writeResponse(w, route.Service, resp, start)

	default:
		if resp != nil {
			drainAndClose(resp)
		}
		p.writeError(w, route.Service, p.mapError(execErr))
	}
}

// attempt performs a single upstream call against the given instance.
func (p *Proxy) attempt(ctx context.Context, r *http.Request, service string, instance *registry.ServiceInstance, body []byte, out **http.Response) (int, error) {
	req, err := p.buildUpstreamRequest(ctx, r, instance, body)
	if err != nil {
		return 0, err
	}

	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.Debug("upstream call failed",
			observability.String("service", service),
			observability.String("instance", instance.Addr()),
			observability.Error(err))
		return 0, err
	}

	*out = resp
	return resp.StatusCode, nil
}

// buildUpstreamRequest clones the inbound request for one upstream
// attempt: version prefix stripped, hop-by-hop headers removed,
// X-Forwarded-* injected.
func (p *Proxy) buildUpstreamRequest(ctx context.Context, r *http.Request, instance *registry.ServiceInstance, body []byte) (*http.Request, error) {
	path := r.URL.Path
	if p.versionPrefix != "" && strings.HasPrefix(path, p.versionPrefix) {
		path = strings.TrimPrefix(path, p.versionPrefix)
		if path == "" {
			path = "/"
		}
	}

	target := &url.URL{
		Scheme:   "http",
		Host:     instance.Addr(),
		Path:     path,
		RawQuery: r.URL.RawQuery,
	}

	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, r.Method, target.String(), reader)
	if err != nil {
		return nil, err
	}

	for name, values := range r.Header {
		req.Header[name] = values
	}
	for _, h := range hopHeaders {
		req.Header.Del(h)
	}

	if clientIP, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		if prior := r.Header.Get("X-Forwarded-For"); prior != "" {
			clientIP = prior + ", " + clientIP
		}
		req.Header.Set("X-Forwarded-For", clientIP)
	}
	if r.TLS != nil {
		req.Header.Set("X-Forwarded-Proto", "https")
	} else {
		req.Header.Set("X-Forwarded-Proto", "http")
	}
	req.Header.Set("X-Forwarded-Host", r.Host)

	return req, nil
}

// writeResponse relays the upstream response with hop-by-hop headers
// stripped.
func (p *Proxy) writeResponse(w http.ResponseWriter, service string, resp *http.Response, start time.Time) {
	defer func() { _ = resp.Body.Close() }()

	for name, values := range resp.Header {
		w.Header()[name] = values
	}
	for _, h := range hopHeaders {
		w.Header().Del(h)
	}

	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		p.logger.Debug("response relay interrupted",
			observability.String("service", service),
			observability.Error(err))
	}

	recordRequest(service, resp.StatusCode, time.Since(start))
}

// mapError converts internal failures into client-facing gateway
// errors.
func (p *Proxy) mapError(err error) *Error {
	var openErr *circuitbreaker.OpenError
	switch {
	case errors.As(err, &openErr):
		return NewError(CodeCircuitOpen, http.StatusServiceUnavailable, "service temporarily unavailable").
			WithRetryAfter(openErr.RetryAfter).
			WithCause(err)

	case errors.Is(err, registry.ErrServiceUnavailable):
		return NewError(CodeServiceUnavailable, http.StatusServiceUnavailable, "no healthy instance available").
			WithCause(err)

	case errors.Is(err, context.DeadlineExceeded) || isTimeout(err):
		return NewError(CodeTimeout, http.StatusGatewayTimeout, "upstream request timed out").
			WithCause(err)

	default:
		return NewError(CodeBadGateway, http.StatusBadGateway, "upstream request failed").
			WithCause(err)
	}
}

func (p *Proxy) writeError(w http.ResponseWriter, service string, gwErr *Error) {
	p.logger.Warn("request failed",
		observability.String("service", service),
		observability.String("code", gwErr.Code),
		observability.Error(gwErr.Cause))
	recordGatewayError(service, gwErr.Code)
	WriteError(w, gwErr)
}

func isUpstreamStatus(err error) bool {
	var statusErr *upstreamStatusError
	return errors.As(err, &statusErr)
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// drainAndClose discards any unread body so the underlying connection
// can be reused.
func drainAndClose(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	_ = resp.Body.Close()
}
