/*
Package guard is the user-facing ingress proxy. It resolves each incoming
HTTP or WebSocket request to a target through a dynamic routing function,
applies per-actor rate, concurrency, retry, and timeout policy, and streams
the request to the selected upstream.

# Routing

The routing function returns one of three outputs: a set of targets (one is
chosen uniformly at random and the set is cached by the caller-supplied
cache key for ten minutes), a structured response served directly, or an
in-process custom handler. Between retry attempts the route is re-resolved
with the cache bypassed so a different target may be picked.

# Middleware

Targets carrying an actor ID are subject to the middleware function's
policy: a token-bucket rate limit and an in-flight cap per (actor, client
IP), a retry budget with exponential backoff, and an end-to-end request
timeout. Limiter state lives in TTL caches; in-flight slots are released
through a guard that runs on every exit path, panics included.

# Proxying

HTTP bodies are buffered so attempts can be resent. An attempt is retried
on connect errors and on 503 responses carrying the retryable-error header.
WebSockets accept the client handshake once, then dial the upstream with
the same retry scheme; after both ends connect, a forwarder pair bridges
frames in each direction with a shared cooperative-shutdown channel, and
close frames propagate to the opposite side.
*/
package guard
