package guard

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func wsEchoServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := wsUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			msgType, payload, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(msgType, payload); err != nil {
				return
			}
		}
	}))
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func TestWebSocketBridgeEcho(t *testing.T) {
	upstream := wsEchoServer(t)
	defer upstream.Close()

	proxy := NewProxyService(&Config{Routing: staticRoute(targetFor(t, upstream))})
	front := httptest.NewServer(proxy)
	defer front.Close()

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(front.URL)+"/ws", nil)
	require.NoError(t, err)
	if resp != nil {
		_ = resp.Body.Close()
	}
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("ping-pong")))

	msgType, payload, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, msgType)
	assert.Equal(t, []byte("ping-pong"), payload)

	// Binary frames pass through too.
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{0x01, 0x02}))
	msgType, payload, err = conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, msgType)
	assert.Equal(t, []byte{0x01, 0x02}, payload)
}

func TestWebSocketReRoutesOnConnectFailure(t *testing.T) {
	upstream := wsEchoServer(t)
	defer upstream.Close()

	// First resolution points at a dead port; the retry re-resolves to
	// the live echo server.
	var resolutions atomic.Int32
	routing := func(ctx context.Context, input RoutingInput) (RoutingOutput, error) {
		if resolutions.Add(1) == 1 {
			return RoutingOutput{Route: &RouteConfig{Targets: []RouteTarget{{Host: "127.0.0.1", Port: 1}}}}, nil
		}
		return RoutingOutput{Route: &RouteConfig{Targets: []RouteTarget{targetFor(t, upstream)}}}, nil
	}

	proxy := NewProxyService(&Config{Routing: routing})
	front := httptest.NewServer(proxy)
	defer front.Close()

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(front.URL)+"/ws", nil)
	require.NoError(t, err)
	if resp != nil {
		_ = resp.Body.Close()
	}
	defer conn.Close()

	// The client saw one upgrade response and has a live duplex stream.
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("after retry")))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, []byte("after retry"), payload)
	assert.GreaterOrEqual(t, resolutions.Load(), int32(2))
}

func TestWebSocketCloseFrameWhenUpstreamNeverConnects(t *testing.T) {
	proxy := NewProxyService(&Config{
		Routing: staticRoute(RouteTarget{Host: "127.0.0.1", Port: 1}),
	})
	front := httptest.NewServer(proxy)
	defer front.Close()

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(front.URL)+"/ws", nil)
	require.NoError(t, err)
	if resp != nil {
		_ = resp.Body.Close()
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	_, _, err = conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.CloseTryAgainLater, closeErr.Code)
	assert.Contains(t, closeErr.Text, "websocket_service_unavailable")
}

type retryingWSHandler struct {
	calls atomic.Int32
}

func (h *retryingWSHandler) HandleHTTP(w http.ResponseWriter, r *http.Request) error {
	return nil
}

func (h *retryingWSHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) error {
	if h.calls.Add(1) == 1 {
		// Retryable: the upgrade has not been accepted yet.
		return ErrWebsocketServiceUnavailable
	}
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	defer conn.Close()
	_ = conn.WriteMessage(websocket.TextMessage, []byte("served in-process"))
	// Wait for the client to close.
	_, _, _ = conn.ReadMessage()
	return nil
}

func TestCustomServeWebSocketRetry(t *testing.T) {
	handler := &retryingWSHandler{}
	routing := func(ctx context.Context, input RoutingInput) (RoutingOutput, error) {
		return RoutingOutput{Custom: handler}, nil
	}

	proxy := NewProxyService(&Config{Routing: routing})
	front := httptest.NewServer(proxy)
	defer front.Close()

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(front.URL)+"/ws", nil)
	require.NoError(t, err)
	if resp != nil {
		_ = resp.Body.Close()
	}
	defer conn.Close()

	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, []byte("served in-process"), payload)
	assert.Equal(t, int32(2), handler.calls.Load())
}
