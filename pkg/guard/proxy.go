package guard

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/burrowops/burrow/pkg/log"
	"github.com/burrowops/burrow/pkg/metrics"
)

// XErrorHeader marks a 503 response as retryable through the proxy's own
// retry loop.
const XErrorHeader = "X-Rivet-Error"

// ProxyService is the user-facing ingress proxy: it resolves each request
// to a target through the routing function, applies per-actor middleware
// policy, and streams the request to the selected upstream.
type ProxyService struct {
	routing    RoutingFn
	middleware MiddlewareFn
	cacheKey   CacheKeyFn

	routes   *routeCache
	limiters *rateLimiters
	inFlight *inFlightCounters

	client *http.Client
	logger zerolog.Logger
}

// Config wires a ProxyService.
type Config struct {
	// Routing resolves requests to targets. Required.
	Routing RoutingFn

	// Middleware returns per-actor policy. Optional; defaults apply.
	Middleware MiddlewareFn

	// CacheKey computes route cache keys. Optional.
	CacheKey CacheKeyFn
}

// NewProxyService creates the proxy.
func NewProxyService(cfg *Config) *ProxyService {
	cacheKey := cfg.CacheKey
	if cacheKey == nil {
		cacheKey = DefaultCacheKey
	}
	return &ProxyService{
		routing:    cfg.Routing,
		middleware: cfg.Middleware,
		cacheKey:   cacheKey,
		routes:     newRouteCache(),
		limiters:   newRateLimiters(),
		inFlight:   newInFlightCounters(),
		client: &http.Client{
			// Per-attempt timeouts are applied by the retry loop.
			Timeout: 0,
		},
		logger: log.Component("guard"),
	}
}

// ServeHTTP implements http.Handler.
func (p *ProxyService) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if isWebSocketUpgrade(r) {
		p.serveWebSocket(w, r)
		return
	}
	p.serveHTTP(w, r)
}

func (p *ProxyService) serveHTTP(w http.ResponseWriter, r *http.Request) {
	input := routingInputFromRequest(r)

	output, err := p.resolveRoute(r.Context(), input, false)
	if err != nil {
		p.writeError(w, err)
		return
	}

	switch {
	case output.Response != nil:
		writeStructuredResponse(w, output.Response)
		return

	case output.Custom != nil:
		if err := output.Custom.HandleHTTP(w, r); err != nil {
			p.writeError(w, err)
		}
		return
	}

	target := chooseRandomTarget(output.Route.Targets)
	if target == nil {
		p.writeError(w, ErrNoRouteTargets)
		return
	}

	mw := p.middlewareConfig(r.Context(), target, r.Header)
	clientIP := clientIP(r)

	key := limiterKey(target.ActorID, clientIP)
	if !p.limiters.allow(key, mw.RateLimit) {
		p.writeError(w, ErrRateLimit)
		return
	}
	release, ok := p.inFlight.acquire(key, mw.MaxInFlight.Amount)
	if !ok {
		p.writeError(w, ErrRateLimit)
		return
	}
	defer release()

	// Buffer the request body so each retry attempt can resend it. The
	// size is recorded for analytics.
	body, err := io.ReadAll(r.Body)
	if err != nil {
		p.writeError(w, fmt.Errorf("%w: %v", ErrHTTPRequestBuildFailed, err))
		return
	}
	p.logger.Debug().Int("request_body_bytes", len(body)).Str("host", input.Hostname).Msg("proxying request")

	p.proxyWithRetries(w, r, input, target, mw, clientIP, body)
}

func (p *ProxyService) proxyWithRetries(w http.ResponseWriter, r *http.Request, input RoutingInput, target *RouteTarget, mw MiddlewareConfig, clientIP string, body []byte) {
	maxAttempts := mw.Retry.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	deadline := time.Now().Add(mw.Timeout.RequestTimeout)

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			metrics.GuardUpstreamRetriesTotal.Inc()
			time.Sleep(calculateBackoff(attempt-1, mw.Retry.InitialInterval))

			// Re-resolve with cache bypass so a different target may be
			// chosen for the next attempt.
			output, err := p.resolveRoute(r.Context(), input, true)
			if err == nil && output.Route != nil {
				if next := chooseRandomTarget(output.Route.Targets); next != nil {
					target = next
				}
			}
		}

		remaining := time.Until(deadline)
		if mw.Timeout.RequestTimeout > 0 && remaining <= 0 {
			p.writeError(w, ErrRequestTimeout)
			return
		}

		resp, err := p.attemptUpstream(r.Context(), r, target, clientIP, body, remaining)
		if err != nil {
			if errors.Is(err, ErrRequestTimeout) {
				p.writeError(w, err)
				return
			}
			p.logger.Warn().Err(err).Int("attempt", attempt).Str("upstream", target.Host).Msg("upstream attempt failed")
			continue
		}

		if isRetryableResponse(resp) && attempt < maxAttempts {
			_ = resp.Body.Close()
			continue
		}

		p.forwardResponse(w, resp)
		return
	}

	p.writeError(w, ErrRetryAttemptsExceeded)
}

// attemptUpstream performs one proxied request bounded by timeout.
func (p *ProxyService) attemptUpstream(ctx context.Context, r *http.Request, target *RouteTarget, clientIP string, body []byte, timeout time.Duration) (*http.Response, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	req, err := buildProxiedRequest(ctx, r, target, clientIP, body)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrRequestTimeout
		}
		return nil, fmt.Errorf("%w: %v", ErrConnectionError, err)
	}
	return resp, nil
}

// buildProxiedRequest copies method and headers (Host stripped), appends
// the client IP to X-Forwarded-For, and rewrites the URI to the target.
func buildProxiedRequest(ctx context.Context, r *http.Request, target *RouteTarget, clientIP string, body []byte) (*http.Request, error) {
	host := target.Host
	if strings.Contains(host, ":") && !strings.HasPrefix(host, "[") {
		// Bracket bare IPv6 hosts.
		host = "[" + host + "]"
	}

	path := target.Path
	if path == "" {
		path = r.URL.Path
	}

	u := fmt.Sprintf("http://%s:%d%s", host, target.Port, path)
	if r.URL.RawQuery != "" {
		u += "?" + r.URL.RawQuery
	}
	if _, err := url.Parse(u); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHTTPRequestBuildFailed, err)
	}

	req, err := http.NewRequestWithContext(ctx, r.Method, u, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHTTPRequestBuildFailed, err)
	}

	for name, values := range r.Header {
		if strings.EqualFold(name, "Host") {
			continue
		}
		for _, v := range values {
			req.Header.Add(name, v)
		}
	}

	if prior := req.Header.Get("X-Forwarded-For"); prior != "" {
		req.Header.Set("X-Forwarded-For", prior+", "+clientIP)
	} else {
		req.Header.Set("X-Forwarded-For", clientIP)
	}

	return req, nil
}

// isRetryableResponse reports whether the upstream asked to be retried: a
// 503 carrying the retryable-error header.
func isRetryableResponse(resp *http.Response) bool {
	return resp.StatusCode == http.StatusServiceUnavailable && resp.Header.Get(XErrorHeader) != ""
}

// forwardResponse streams the upstream response to the client. Responses
// with a known length have their size recorded; streaming responses are
// copied through without buffering.
func (p *ProxyService) forwardResponse(w http.ResponseWriter, resp *http.Response) {
	defer resp.Body.Close()

	header := w.Header()
	for name, values := range resp.Header {
		for _, v := range values {
			header.Add(name, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	metrics.GuardRequestsTotal.WithLabelValues(statusClass(resp.StatusCode)).Inc()

	if resp.ContentLength >= 0 {
		p.logger.Debug().Int64("response_body_bytes", resp.ContentLength).Msg("forwarding response")
	}
	if _, err := io.Copy(newFlushWriter(w), resp.Body); err != nil {
		p.logger.Debug().Err(err).Msg("response copy interrupted")
	}
}

// flushWriter flushes after every chunk so streaming upstreams (SSE,
// long-poll) reach the client promptly.
type flushWriter struct {
	w http.ResponseWriter
	f http.Flusher
}

func newFlushWriter(w http.ResponseWriter) io.Writer {
	f, _ := w.(http.Flusher)
	return &flushWriter{w: w, f: f}
}

func (fw *flushWriter) Write(b []byte) (int, error) {
	n, err := fw.w.Write(b)
	if fw.f != nil {
		fw.f.Flush()
	}
	return n, err
}

// errorBody is the structured error page Guard itself serves.
type errorBody struct {
	Message string `json:"message"`
	Docs    string `json:"docs,omitempty"`
}

func writeStructuredResponse(w http.ResponseWriter, resp *StructuredResponse) {
	metrics.GuardRequestsTotal.WithLabelValues(statusClass(resp.Status)).Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.Status)
	_ = json.NewEncoder(w).Encode(errorBody{Message: resp.Message, Docs: resp.Docs})
}

// statusClass folds a status code into its metrics label ("2xx", "5xx").
func statusClass(code int) string {
	return fmt.Sprintf("%dxx", code/100)
}

// writeError maps guard errors onto the proxy's status codes with a
// structured body.
func (p *ProxyService) writeError(w http.ResponseWriter, err error) {
	status := http.StatusBadGateway
	switch {
	case errors.Is(err, ErrRateLimit):
		status = http.StatusTooManyRequests
		metrics.GuardRateLimitedTotal.Inc()
	case errors.Is(err, ErrRequestTimeout):
		status = http.StatusGatewayTimeout
	case errors.Is(err, ErrRouteNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ErrHTTPRequestBuildFailed):
		status = http.StatusBadRequest
	case errors.Is(err, ErrNoRouteTargets),
		errors.Is(err, ErrRetryAttemptsExceeded),
		errors.Is(err, ErrUpstreamError),
		errors.Is(err, ErrConnectionError):
		status = http.StatusBadGateway
	case errors.Is(err, ErrWebsocketServiceUnavailable):
		status = http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}

	metrics.GuardRequestsTotal.WithLabelValues(statusClass(status)).Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Message: err.Error()})
}

func routingInputFromRequest(r *http.Request) RoutingInput {
	portType := PortTypeHTTP
	if r.TLS != nil {
		portType = PortTypeHTTPS
	}
	return RoutingInput{
		Hostname: r.Host,
		Path:     r.URL.Path,
		PortType: portType,
		Headers:  r.Header,
	}
}

// clientIP extracts the caller's IP from the connection address.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket") &&
		strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade")
}
