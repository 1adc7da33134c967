package guard

import "errors"

var (
	// ErrRateLimit is returned when the rate or in-flight limiter rejects
	// a request; mapped to HTTP 429.
	ErrRateLimit = errors.New("rate limit exceeded")

	// ErrNoRouteTargets means the routing function returned a route with
	// no targets.
	ErrNoRouteTargets = errors.New("no route targets")

	// ErrRequestTimeout is the end-to-end request timeout; HTTP 504.
	ErrRequestTimeout = errors.New("request timed out")

	// ErrHTTPRequestBuildFailed covers failures assembling the proxied
	// request.
	ErrHTTPRequestBuildFailed = errors.New("failed to build proxied request")

	// ErrUpstreamError is a non-retryable upstream failure; HTTP 502.
	ErrUpstreamError = errors.New("upstream error")

	// ErrRetryAttemptsExceeded means every configured attempt failed;
	// HTTP 502.
	ErrRetryAttemptsExceeded = errors.New("retry attempts exceeded")

	// ErrConnectionError is a failure to reach the upstream at all.
	ErrConnectionError = errors.New("upstream connection error")

	// ErrWebsocketServiceUnavailable marks a retryable websocket handler
	// failure; Guard re-resolves and retries with the still-unaccepted
	// client upgrade.
	ErrWebsocketServiceUnavailable = errors.New("websocket service unavailable")

	// ErrRouteNotFound means the routing function produced no route for
	// the request; HTTP 404.
	ErrRouteNotFound = errors.New("route not found")
)
