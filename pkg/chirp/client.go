package chirp

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/burrowops/burrow/pkg/log"
	"github.com/burrowops/burrow/pkg/metrics"
)

const (
	// ackTimeout is how long the caller waits for the callee's ack before
	// retrying the publish.
	ackTimeout = 15 * time.Second

	// defaultResponseTimeout bounds the wait for the final response when
	// the endpoint does not override it.
	defaultResponseTimeout = 30 * time.Second

	// rpcMaxAttempts caps the retry ladder for no-responders and ack
	// timeouts.
	rpcMaxAttempts = 5
)

// SharedClient holds the connections shared by every wrapped client in the
// process: the bus, the durable stream store, and the region used for
// subject namespacing.
type SharedClient struct {
	bus    Bus
	stream redis.UniversalClient
	region string
	logger zerolog.Logger
}

// NewSharedClient creates the process-wide chirp client.
func NewSharedClient(bus Bus, stream redis.UniversalClient, region string) *SharedClient {
	return &SharedClient{
		bus:    bus,
		stream: stream,
		region: region,
		logger: log.Component("chirp"),
	}
}

// Region returns the region used for subject namespacing.
func (s *SharedClient) Region() string {
	return s.region
}

// Wrap creates a root client for a new request context: fresh request and
// ray IDs and a single-entry trace.
func (s *SharedClient) Wrap(contextName string) *Client {
	reqID := uuid.New()
	rayID := uuid.New()
	now := time.Now().UnixMilli()
	return &Client{
		shared:      s,
		contextName: contextName,
		reqID:       reqID,
		parentReqID: reqID,
		rayID:       rayID,
		ts:          now,
		trace: []TraceEntry{{
			ContextName: contextName,
			ReqID:       reqID,
			Ts:          now,
		}},
		logger: log.WithRay(s.logger, rayID, reqID),
	}
}

// WrapWith creates a child client that continues an existing ray and
// trace, appending its own entry.
func (s *SharedClient) WrapWith(contextName string, rayID, parentReqID uuid.UUID, trace []TraceEntry) *Client {
	reqID := uuid.New()
	now := time.Now().UnixMilli()
	childTrace := make([]TraceEntry, 0, len(trace)+1)
	childTrace = append(childTrace, trace...)
	childTrace = append(childTrace, TraceEntry{
		ContextName: contextName,
		ReqID:       reqID,
		Ts:          now,
	})
	return &Client{
		shared:      s,
		contextName: contextName,
		reqID:       reqID,
		parentReqID: parentReqID,
		rayID:       rayID,
		ts:          now,
		trace:       childTrace,
		logger:      log.WithRay(s.logger, rayID, reqID),
	}
}

// Client is one request context over the shared connections. Its logger
// carries the context's ray and request IDs so log lines correlate with
// the envelopes it sends.
type Client struct {
	shared      *SharedClient
	contextName string
	reqID       uuid.UUID
	parentReqID uuid.UUID
	rayID       uuid.UUID
	ts          int64
	trace       []TraceEntry
	logger      zerolog.Logger
}

// ReqID returns this context's request ID.
func (c *Client) ReqID() uuid.UUID { return c.reqID }

// ParentReqID returns the request ID replies are filtered against.
func (c *Client) ParentReqID() uuid.UUID { return c.parentReqID }

// RayID returns the correlation group.
func (c *Client) RayID() uuid.UUID { return c.rayID }

// Trace returns the call chain carried on outbound envelopes.
func (c *Client) Trace() []TraceEntry { return c.trace }

// RPCOptions tunes a single call.
type RPCOptions struct {
	// Region overrides the client's region for subject namespacing.
	Region string

	// ResponseTimeout overrides the per-endpoint response timeout.
	ResponseTimeout time.Duration

	// MaxAttempts overrides the retry ladder cap.
	MaxAttempts int
}

// RPC publishes a request and awaits the two-phase response: the callee
// acks receipt, then sends the final ok or error. The reply inbox is
// subscribed before publishing so a fast responder cannot race the
// subscription. No-responders statuses and ack timeouts retry with
// backoff; other failures propagate.
func (c *Client) RPC(ctx context.Context, service string, body []byte, opts RPCOptions) ([]byte, error) {
	region := opts.Region
	if region == "" {
		region = c.shared.region
	}
	responseTimeout := opts.ResponseTimeout
	if responseTimeout <= 0 {
		responseTimeout = defaultResponseTimeout
	}

	env := &RequestEnvelope{
		ReqID: c.reqID,
		RayID: c.rayID,
		Ts:    time.Now().UnixMilli(),
		Trace: c.trace,
		Body:  body,
	}
	frame, err := EncodeRequest(env)
	if err != nil {
		return nil, err
	}

	subject := rpcSubject(region, service)

	start := time.Now()
	defer func() {
		metrics.RPCDuration.WithLabelValues(service).Observe(time.Since(start).Seconds())
	}()

	var result []byte
	attempt := func() error {
		var err error
		result, err = c.rpcAttempt(ctx, subject, frame, responseTimeout)
		if err == nil {
			return nil
		}
		if IsNoResponders(err) || errors.Is(err, ErrRpcAckTimedOut) {
			return err
		}
		return backoff.Permanent(err)
	}

	maxAttempts := uint64(rpcMaxAttempts)
	if opts.MaxAttempts > 0 {
		maxAttempts = uint64(opts.MaxAttempts)
	}
	// WithMaxRetries counts retries after the first attempt.
	bo := backoff.WithContext(backoff.WithMaxRetries(newRPCBackoff(), maxAttempts-1), ctx)
	if err := backoff.Retry(attempt, bo); err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return nil, perm.Err
		}
		return nil, err
	}
	return result, nil
}

func newRPCBackoff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = 5 * time.Second
	bo.MaxElapsedTime = 0
	return bo
}

func (c *Client) rpcAttempt(ctx context.Context, subject string, frame []byte, responseTimeout time.Duration) ([]byte, error) {
	inbox := c.shared.bus.NewInbox()
	replies := make(chan BusMsg, 4)

	sub, err := c.shared.bus.Subscribe(inbox, func(msg BusMsg) {
		select {
		case replies <- msg:
		default:
		}
	})
	if err != nil {
		return nil, err
	}
	defer func() { _ = sub.Unsubscribe() }()

	if err := c.shared.bus.Flush(); err != nil {
		return nil, err
	}
	if err := c.shared.bus.PublishRequest(subject, inbox, frame); err != nil {
		return nil, err
	}

	// Phase one: the ack.
	acked := false
	ackTimer := time.NewTimer(ackTimeout)
	defer ackTimer.Stop()

	for !acked {
		select {
		case msg := <-replies:
			if msg.Status != 0 {
				return nil, &ResponseStatusError{Code: msg.Status}
			}
			resp, err := DecodeResponse(msg.Data)
			if err != nil {
				return nil, err
			}
			switch resp.Kind {
			case ResponseAck:
				acked = true
			case ResponseOk:
				return resp.Body, nil
			case ResponseErr:
				return nil, resp.Err
			}
		case <-ackTimer.C:
			return nil, ErrRpcAckTimedOut
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	// Phase two: the response.
	respTimer := time.NewTimer(responseTimeout)
	defer respTimer.Stop()

	for {
		select {
		case msg := <-replies:
			if msg.Status != 0 {
				continue
			}
			resp, err := DecodeResponse(msg.Data)
			if err != nil {
				return nil, err
			}
			switch resp.Kind {
			case ResponseAck:
				// Redelivered ack; keep waiting.
			case ResponseOk:
				return resp.Body, nil
			case ResponseErr:
				return nil, resp.Err
			}
		case <-respTimer.C:
			return nil, ErrRpcTimedOut
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Handler serves one RPC endpoint.
type Handler func(ctx context.Context, req *RequestEnvelope) ([]byte, error)

// Serve subscribes a handler for a service. The handler's receipt is acked
// immediately; the final ok or error follows when it returns. Returns the
// subscription for teardown.
func (s *SharedClient) Serve(ctx context.Context, service string, handler Handler) (BusSubscription, error) {
	subject := rpcSubject(s.region, service)

	sub, err := s.bus.Subscribe(subject, func(msg BusMsg) {
		if msg.Reply == "" {
			return
		}
		req, err := DecodeRequest(msg.Data)
		if err != nil {
			s.logger.Warn().Err(err).Str("service", service).Msg("dropping undecodable request")
			return
		}

		ack, err := EncodeResponse(&ResponseEnvelope{Kind: ResponseAck})
		if err != nil {
			return
		}
		if err := s.bus.Publish(msg.Reply, ack); err != nil {
			s.logger.Warn().Err(err).Str("service", service).Msg("failed to publish ack")
		}

		go func() {
			resp := &ResponseEnvelope{}
			body, err := handler(ctx, req)
			if err != nil {
				var remote *RemoteError
				if !errors.As(err, &remote) {
					remote = &RemoteError{Ty: "internal", Message: err.Error()}
				}
				resp.Kind = ResponseErr
				resp.Err = remote
			} else {
				resp.Kind = ResponseOk
				resp.Body = body
			}

			frame, err := EncodeResponse(resp)
			if err != nil {
				s.logger.Error().Err(err).Str("service", service).Msg("failed to encode response")
				return
			}
			if err := s.bus.Publish(msg.Reply, frame); err != nil {
				s.logger.Warn().Err(err).Str("service", service).Msg("failed to publish response")
			}
		}()
	})
	if err != nil {
		return nil, err
	}
	if err := s.bus.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return nil, err
	}
	return sub, nil
}
