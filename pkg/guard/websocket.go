package guard

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/burrowops/burrow/pkg/metrics"
)

const (
	// wsDialTimeout bounds each upstream connect attempt.
	wsDialTimeout = 5 * time.Second

	// wsCloseGrace is how long writes of close frames may take.
	wsCloseGrace = 5 * time.Second
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  32 * 1024,
	WriteBufferSize: 32 * 1024,
	// The routing function already decided this hostname is served here.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// serveWebSocket proxies a client websocket to the routed upstream. The
// client upgrade is accepted once routing and the limiters pass; upstream
// connect failures are then retried against re-resolved targets behind the
// already-accepted client connection. Custom handlers receive the upgrade
// still pending.
func (p *ProxyService) serveWebSocket(w http.ResponseWriter, r *http.Request) {
	input := routingInputFromRequest(r)

	output, err := p.resolveRoute(r.Context(), input, false)
	if err != nil {
		p.writeError(w, err)
		return
	}

	if output.Response != nil {
		writeStructuredResponse(w, output.Response)
		return
	}

	if output.Custom != nil {
		p.serveCustomWebSocket(w, r, input, output.Custom)
		return
	}

	target := chooseRandomTarget(output.Route.Targets)
	if target == nil {
		p.writeError(w, ErrNoRouteTargets)
		return
	}

	mw := p.middlewareConfig(r.Context(), target, r.Header)
	ip := clientIP(r)

	key := limiterKey(target.ActorID, ip)
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

	// Accept the client handshake, then connect upstream with the retry
	// scheme. The client sees a single upgrade response either way; if
	// every upstream attempt fails it receives a close frame with the
	// error reason.
	client, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		p.logger.Warn().Err(err).Msg("client websocket upgrade failed")
		return
	}
	defer client.Close()

	upstream, err := p.dialUpstreamWithRetries(r, input, target, mw)
	if err != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "websocket_service_unavailable")
		_ = client.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsCloseGrace))
		return
	}
	defer upstream.Close()

	bridgeWebSockets(client, upstream)
}

func (p *ProxyService) dialUpstreamWithRetries(r *http.Request, input RoutingInput, target *RouteTarget, mw MiddlewareConfig) (*websocket.Conn, error) {
	maxAttempts := mw.Retry.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	headers := upstreamHandshakeHeaders(r)

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			metrics.GuardUpstreamRetriesTotal.Inc()
			time.Sleep(calculateBackoff(attempt-1, mw.Retry.InitialInterval))

			output, err := p.resolveRoute(r.Context(), input, true)
			if err == nil && output.Route != nil {
				if next := chooseRandomTarget(output.Route.Targets); next != nil {
					target = next
				}
			}
		}

		dialer := websocket.Dialer{HandshakeTimeout: wsDialTimeout}
		path := target.Path
		if path == "" {
			path = r.URL.Path
		}
		u := fmt.Sprintf("ws://%s:%d%s", target.Host, target.Port, path)

		conn, resp, err := dialer.Dial(u, headers)
		if err == nil {
			return conn, nil
		}
		if resp != nil {
			_ = resp.Body.Close()
		}
		p.logger.Warn().Err(err).Int("attempt", attempt).Str("upstream", u).Msg("upstream websocket connect failed")
	}

	return nil, ErrRetryAttemptsExceeded
}

// upstreamHandshakeHeaders carries the client's handshake headers upstream,
// minus the hop-by-hop fields the dialer manages itself.
func upstreamHandshakeHeaders(r *http.Request) http.Header {
	headers := http.Header{}
	for name, values := range r.Header {
		switch {
		case strings.EqualFold(name, "Upgrade"),
			strings.EqualFold(name, "Connection"),
			strings.EqualFold(name, "Sec-Websocket-Key"),
			strings.EqualFold(name, "Sec-Websocket-Version"),
			strings.EqualFold(name, "Sec-Websocket-Extensions"),
			strings.EqualFold(name, "Host"):
			continue
		}
		for _, v := range values {
			headers.Add(name, v)
		}
	}
	return headers
}

// serveCustomWebSocket delegates the still-unaccepted upgrade to an
// in-process handler, retrying on retryable errors by re-resolving the
// route and handing the upgrade to the fresh handler.
func (p *ProxyService) serveCustomWebSocket(w http.ResponseWriter, r *http.Request, input RoutingInput, handler CustomServeHandler) {
	mw := DefaultMiddlewareConfig()

	for attempt := 1; attempt <= mw.Retry.MaxAttempts; attempt++ {
		err := handler.HandleWebSocket(w, r)
		if err == nil {
			return
		}
		if !errors.Is(err, ErrWebsocketServiceUnavailable) {
			p.logger.Warn().Err(err).Msg("custom websocket handler failed")
			return
		}
		if attempt == mw.Retry.MaxAttempts {
			p.writeError(w, ErrWebsocketServiceUnavailable)
			return
		}

		time.Sleep(calculateBackoff(attempt, mw.Retry.InitialInterval))

		output, resolveErr := p.resolveRoute(r.Context(), input, true)
		if resolveErr != nil || output.Custom == nil {
			p.writeError(w, ErrWebsocketServiceUnavailable)
			return
		}
		handler = output.Custom
	}
}

// bridgeWebSockets forwards frames in both directions until either side
// closes. Shutdown is cooperative: a close frame (or read error) on one
// side signals the shared channel so the opposite forwarder stops before
// the connections are torn down.
func bridgeWebSockets(client, upstream *websocket.Conn) {
	shutdown := make(chan struct{})
	var shutdownOnce sync.Once
	closeShutdown := func() {
		shutdownOnce.Do(func() { close(shutdown) })
	}
	done := make(chan struct{}, 2)

	forward := func(src, dst *websocket.Conn) {
		defer func() { done <- struct{}{} }()
		for {
			select {
			case <-shutdown:
				return
			default:
			}

			msgType, payload, err := src.ReadMessage()
			if err != nil {
				// Close frames and dead connections both land here; tell
				// the opposite direction to stop and pass the close on.
				closeShutdown()
				deadline := time.Now().Add(wsCloseGrace)
				msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
				var closeErr *websocket.CloseError
				if errors.As(err, &closeErr) {
					msg = websocket.FormatCloseMessage(closeErr.Code, closeErr.Text)
				}
				_ = dst.WriteControl(websocket.CloseMessage, msg, deadline)
				return
			}

			switch msgType {
			case websocket.TextMessage, websocket.BinaryMessage:
				if err := dst.WriteMessage(msgType, payload); err != nil {
					closeShutdown()
					return
				}
			case websocket.PingMessage, websocket.PongMessage:
				_ = dst.WriteControl(msgType, payload, time.Now().Add(wsCloseGrace))
			}
		}
	}

	go forward(client, upstream)
	go forward(upstream, client)

	<-done
	<-done
}

