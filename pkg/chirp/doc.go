/*
Package chirp is the messaging layer: at-least-once RPC with
acknowledgement, durable tailable message streams, and wildcard fan-out.

Two transports cooperate. The bus (NATS) carries RPC requests with reply
inboxes and ephemeral message publishes; the durable store (Redis) keeps
per-topic streams, per-parameter-vector tails with TTL, and optional
timestamp-scored histories.

# RPC

RPC responses are two-phase: the callee publishes an ack on receipt and the
final ok or error when the handler returns. The ack timeout is fixed and
short; the response timeout is per-endpoint. Ack-before-response lets
long-running services hold a request without triggering the caller's retry
ladder. No-responders statuses and ack timeouts retry with exponential
backoff; everything else propagates.

# Messages

MessageWait writes the durable stream before publishing to the bus. The
order is the correctness anchor: a subscriber that observes the publish and
then consults the tail can never find it missing. Tail keys are written for
every wildcard permutation of the parameters, so a subscriber listening on
any starred subset of the declared wildcard positions finds its variant.

Tail readers resume from an anchor timestamp. An anchor is valid while it
falls inside the tail TTL window, minus a small grace for writer/reader
clock skew; expired anchors are reported so callers know their view may
have gaps.

# Trace filtering

Every outbound envelope carries the caller's trace chain. A reply belongs
to this client when any trace entry carries its parent request ID; the
request ID is used rather than the ray ID because many calls share a ray.
*/
package chirp
