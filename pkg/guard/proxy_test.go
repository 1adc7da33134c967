package guard

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func staticRoute(targets ...RouteTarget) RoutingFn {
	return func(ctx context.Context, input RoutingInput) (RoutingOutput, error) {
		return RoutingOutput{Route: &RouteConfig{Targets: targets}}, nil
	}
}

func targetFor(t *testing.T, server *httptest.Server) RouteTarget {
	t.Helper()
	u, err := url.Parse(server.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return RouteTarget{Host: u.Hostname(), Port: port}
}

func TestCalculateBackoff(t *testing.T) {
	initial := 100 * time.Millisecond
	assert.Equal(t, 100*time.Millisecond, calculateBackoff(1, initial))
	assert.Equal(t, 200*time.Millisecond, calculateBackoff(2, initial))
	assert.Equal(t, 800*time.Millisecond, calculateBackoff(4, initial))
}

func TestProxyForwardsRequest(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, "payload", string(body))
		assert.NotEmpty(t, r.Header.Get("X-Forwarded-For"))
		w.Header().Set("X-Upstream", "one")
		fmt.Fprint(w, "response")
	}))
	defer upstream.Close()

	proxy := NewProxyService(&Config{Routing: staticRoute(targetFor(t, upstream))})
	front := httptest.NewServer(proxy)
	defer front.Close()

	resp, err := http.Post(front.URL+"/path", "text/plain", strings.NewReader("payload"))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "one", resp.Header.Get("X-Upstream"))
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "response", string(body))
}

func TestProxyRetriesOnRetryable503(t *testing.T) {
	var flakyCalls, healthyCalls atomic.Int32

	flaky := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flakyCalls.Add(1)
		w.Header().Set(XErrorHeader, "true")
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer flaky.Close()

	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		healthyCalls.Add(1)
		fmt.Fprint(w, "ok")
	}))
	defer healthy.Close()

	// First resolution returns the flaky target; the cache-bypass
	// re-resolution returns the healthy one.
	var resolutions atomic.Int32
	routing := func(ctx context.Context, input RoutingInput) (RoutingOutput, error) {
		if resolutions.Add(1) == 1 {
			return RoutingOutput{Route: &RouteConfig{Targets: []RouteTarget{targetFor(t, flaky)}}}, nil
		}
		return RoutingOutput{Route: &RouteConfig{Targets: []RouteTarget{targetFor(t, healthy)}}}, nil
	}

	proxy := NewProxyService(&Config{Routing: routing})
	front := httptest.NewServer(proxy)
	defer front.Close()

	resp, err := http.Get(front.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(1), flakyCalls.Load())
	assert.Equal(t, int32(1), healthyCalls.Load())
}

func TestProxyNonRetryable503Forwarded(t *testing.T) {
	var calls atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		// 503 without the retryable header passes through untouched.
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer upstream.Close()

	proxy := NewProxyService(&Config{Routing: staticRoute(targetFor(t, upstream))})
	front := httptest.NewServer(proxy)
	defer front.Close()

	resp, err := http.Get(front.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, int32(1), calls.Load())
}

func TestProxyExhaustedRetriesReturns502(t *testing.T) {
	actorID := uuid.New()
	proxy := NewProxyService(&Config{
		// Nothing listens on this port.
		Routing: staticRoute(RouteTarget{ActorID: &actorID, Host: "127.0.0.1", Port: 1}),
		Middleware: func(ctx context.Context, _ uuid.UUID, _ http.Header) (MiddlewareConfig, error) {
			cfg := DefaultMiddlewareConfig()
			cfg.Retry = RetryConfig{MaxAttempts: 2, InitialInterval: time.Millisecond}
			return cfg, nil
		},
	})
	front := httptest.NewServer(proxy)
	defer front.Close()

	resp, err := http.Get(front.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)

	var body errorBody
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.NotEmpty(t, body.Message)
}

func TestStructuredResponse(t *testing.T) {
	routing := func(ctx context.Context, input RoutingInput) (RoutingOutput, error) {
		return RoutingOutput{Response: &StructuredResponse{
			Status:  http.StatusNotFound,
			Message: "actor not found",
			Docs:    "https://docs.example.com/actors",
		}}, nil
	}

	proxy := NewProxyService(&Config{Routing: routing})
	front := httptest.NewServer(proxy)
	defer front.Close()

	resp, err := http.Get(front.URL + "/missing")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	var body errorBody
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "actor not found", body.Message)
	assert.Equal(t, "https://docs.example.com/actors", body.Docs)
}

type customHTTPHandler struct {
	calls atomic.Int32
}

func (h *customHTTPHandler) HandleHTTP(w http.ResponseWriter, r *http.Request) error {
	h.calls.Add(1)
	fmt.Fprint(w, "custom")
	return nil
}

func (h *customHTTPHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) error {
	return nil
}

func TestCustomServeHTTP(t *testing.T) {
	handler := &customHTTPHandler{}
	routing := func(ctx context.Context, input RoutingInput) (RoutingOutput, error) {
		return RoutingOutput{Custom: handler}, nil
	}

	proxy := NewProxyService(&Config{Routing: routing})
	front := httptest.NewServer(proxy)
	defer front.Close()

	resp, err := http.Get(front.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "custom", string(body))
	assert.Equal(t, int32(1), handler.calls.Load())
}

func TestRouteCacheReused(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "ok")
	}))
	defer upstream.Close()

	var resolutions atomic.Int32
	routing := func(ctx context.Context, input RoutingInput) (RoutingOutput, error) {
		resolutions.Add(1)
		return RoutingOutput{Route: &RouteConfig{Targets: []RouteTarget{targetFor(t, upstream)}}}, nil
	}

	proxy := NewProxyService(&Config{Routing: routing})
	front := httptest.NewServer(proxy)
	defer front.Close()

	for i := 0; i < 3; i++ {
		resp, err := http.Get(front.URL + "/same-path")
		require.NoError(t, err)
		_ = resp.Body.Close()
	}
	assert.Equal(t, int32(1), resolutions.Load())
}

func TestRoutingErrorMapsToNotFound(t *testing.T) {
	routing := func(ctx context.Context, input RoutingInput) (RoutingOutput, error) {
		return RoutingOutput{}, ErrRouteNotFound
	}

	proxy := NewProxyService(&Config{Routing: routing})
	front := httptest.NewServer(proxy)
	defer front.Close()

	resp, err := http.Get(front.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRequestTimeoutReturns504(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
	}))
	defer upstream.Close()

	actorID := uuid.New()
	target := targetFor(t, upstream)
	target.ActorID = &actorID

	proxy := NewProxyService(&Config{
		Routing: staticRoute(target),
		Middleware: func(ctx context.Context, _ uuid.UUID, _ http.Header) (MiddlewareConfig, error) {
			cfg := DefaultMiddlewareConfig()
			cfg.Timeout.RequestTimeout = 50 * time.Millisecond
			cfg.Retry = RetryConfig{MaxAttempts: 1, InitialInterval: time.Millisecond}
			return cfg, nil
		},
	})
	front := httptest.NewServer(proxy)
	defer front.Close()

	resp, err := http.Get(front.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusGatewayTimeout, resp.StatusCode)
}
