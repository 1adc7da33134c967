package chirp

import (
	"context"
	"errors"
	"math/rand"
	"sort"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/burrowops/burrow/pkg/metrics"
)

const (
	// streamMaxLen caps each durable topic stream; trimming is
	// approximate, which keeps appends cheap.
	streamMaxLen = 8192

	// historyTrimProbability is the chance a publish trims expired
	// history entries, amortizing cleanup across writers.
	historyTrimProbability = 0.1

	// anchorValidGrace compensates for clock skew between the writer that
	// stamped the tail and the reader that computed the anchor.
	anchorValidGrace = 250 * time.Millisecond

	// publishMaxAttempts bounds the ephemeral publish retry; the durable
	// write has already succeeded by then.
	publishMaxAttempts = 5
)

// Message publishes asynchronously: the durable write and bus publish run
// in a background task and the call returns immediately.
func (c *Client) Message(ctx context.Context, spec *MessageSpec, params []string, body []byte) error {
	if err := spec.validateParams(params); err != nil {
		return err
	}
	go func() {
		if err := c.MessageWait(ctx, spec, params, body); err != nil {
			c.logger.Error().Err(err).Str("message", spec.Name).Msg("background message publish failed")
		}
	}()
	return nil
}

// MessageWait publishes a message, returning once it is durable and
// published. The durable stream write happens before the bus publish, so a
// subscriber that consults the tail after seeing the publish always finds
// the message there.
func (c *Client) MessageWait(ctx context.Context, spec *MessageSpec, params []string, body []byte) error {
	if err := spec.validateParams(params); err != nil {
		return err
	}

	env := &MessageEnvelope{
		ReqID:      uuid.New(),
		RayID:      c.rayID,
		Parameters: params,
		Ts:         time.Now().UnixMilli(),
		Trace:      c.trace,
		Body:       body,
	}
	frame, err := EncodeMessage(env)
	if err != nil {
		return err
	}

	// The caller cannot observe a lost durable write, so this retries
	// forever (until the context dies).
	durable := func() error {
		return c.writeDurable(ctx, spec, params, env.Ts, frame)
	}
	bo := backoff.WithContext(newStreamBackoff(), ctx)
	if err := backoff.Retry(durable, bo); err != nil {
		return err
	}

	publish := func() error {
		return c.shared.bus.Publish(spec.subject(c.shared.region, params), frame)
	}
	pubBo := backoff.WithContext(backoff.WithMaxRetries(newStreamBackoff(), publishMaxAttempts-1), ctx)
	if err := backoff.Retry(publish, pubBo); err != nil {
		return err
	}

	metrics.MessagesPublished.WithLabelValues(spec.Name).Inc()
	return nil
}

func newStreamBackoff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxInterval = 5 * time.Second
	bo.MaxElapsedTime = 0
	return bo
}

func (c *Client) writeDurable(ctx context.Context, spec *MessageSpec, params []string, ts int64, frame []byte) error {
	stream := c.shared.stream

	if err := stream.XAdd(ctx, &redis.XAddArgs{
		Stream: spec.streamKey(),
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]any{"frame": frame},
	}).Err(); err != nil {
		return err
	}

	if spec.TailTTL <= 0 {
		return nil
	}

	for _, variant := range spec.wildcardPermutations(params) {
		if err := stream.Set(ctx, spec.tailKey(variant), frame, spec.TailTTL).Err(); err != nil {
			return err
		}
		if spec.History {
			if err := stream.ZAdd(ctx, spec.historyKey(variant), redis.Z{
				Score:  float64(ts),
				Member: frame,
			}).Err(); err != nil {
				return err
			}
			if rand.Float64() < historyTrimProbability {
				cutoff := time.Now().Add(-spec.TailTTL).UnixMilli()
				if err := stream.ZRemRangeByScore(ctx, spec.historyKey(variant), "-inf", inclusiveScore(cutoff)).Err(); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// exclusiveScore formats a millisecond timestamp as an exclusive redis
// range bound.
func exclusiveScore(ts int64) string {
	return "(" + strconv.FormatInt(ts, 10)
}

func inclusiveScore(ts int64) string {
	return strconv.FormatInt(ts, 10)
}

// Subscription delivers decoded message envelopes.
type Subscription struct {
	C   <-chan *MessageEnvelope
	sub BusSubscription
}

// Unsubscribe tears the subscription down.
func (s *Subscription) Unsubscribe() error {
	return s.sub.Unsubscribe()
}

// Subscribe listens for messages matching the parameter vector; wildcard
// positions may be "*". The subscription is flushed before returning, so a
// publish sequenced after Subscribe is guaranteed to be delivered.
func (c *Client) Subscribe(ctx context.Context, spec *MessageSpec, params []string) (*Subscription, error) {
	if err := spec.validateParams(params); err != nil {
		return nil, err
	}

	ch := make(chan *MessageEnvelope, 64)
	sub, err := c.shared.bus.Subscribe(spec.subject(c.shared.region, params), func(msg BusMsg) {
		env, err := DecodeMessage(msg.Data)
		if err != nil {
			c.logger.Warn().Err(err).Str("message", spec.Name).Msg("dropping undecodable message")
			return
		}
		select {
		case ch <- env:
		default:
		}
	})
	if err != nil {
		return nil, err
	}
	if err := c.shared.bus.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return nil, err
	}
	return &Subscription{C: ch, sub: sub}, nil
}

// TailRead returns the most recent message for the exact parameter vector,
// or nil when none is stored or the tail expired.
func (c *Client) TailRead(ctx context.Context, spec *MessageSpec, params []string) (*MessageEnvelope, error) {
	if err := spec.validateParams(params); err != nil {
		return nil, err
	}
	if spec.TailTTL <= 0 {
		return nil, ErrCannotTailMessage
	}

	raw, err := c.shared.stream.Get(ctx, spec.tailKey(params)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return DecodeMessage(raw)
}

// TailAnchor is a resume point for tail readers.
type TailAnchor struct {
	StartTime int64
}

// NewTailAnchor anchors at startTime milliseconds.
func NewTailAnchor(startTime int64) TailAnchor {
	return TailAnchor{StartTime: startTime}
}

// IsValid reports whether the anchor still falls inside the tail TTL
// window, with a small grace that absorbs writer/reader clock skew.
func (a TailAnchor) IsValid(ttl time.Duration) bool {
	return a.StartTime > time.Now().UnixMilli()-ttl.Milliseconds()-anchorValidGrace.Milliseconds()
}

// TailAnchorSource says where an anchored tail result came from.
type TailAnchorSource string

const (
	TailSourceTail         TailAnchorSource = "tail"
	TailSourceSubscription TailAnchorSource = "subscription"
)

// TailAnchorResponse is the outcome of TailAnchorWait.
type TailAnchorResponse struct {
	// Msg is nil when the anchor expired and no message arrived in time.
	Msg    *MessageEnvelope
	Source TailAnchorSource

	// AnchorExpired is set when the anchor fell outside the TTL window;
	// the caller cannot rely on having seen every message since it.
	AnchorExpired bool
}

// TailAnchorWait subscribes first, then reads the tail: a stored tail newer
// than the anchor is returned immediately, otherwise the next subscribed
// message wins. Subscribing before reading closes the gap where a message
// lands between the two.
func (c *Client) TailAnchorWait(ctx context.Context, spec *MessageSpec, params []string, anchor TailAnchor) (*TailAnchorResponse, error) {
	if spec.TailTTL <= 0 {
		return nil, ErrCannotTailMessage
	}

	sub, err := c.Subscribe(ctx, spec, params)
	if err != nil {
		return nil, err
	}
	defer func() { _ = sub.Unsubscribe() }()

	resp := &TailAnchorResponse{AnchorExpired: !anchor.IsValid(spec.TailTTL)}

	tail, err := c.TailRead(ctx, spec, params)
	if err != nil {
		return nil, err
	}
	if tail != nil && tail.Ts > anchor.StartTime {
		resp.Msg = tail
		resp.Source = TailSourceTail
		return resp, nil
	}

	select {
	case env := <-sub.C:
		resp.Msg = env
		resp.Source = TailSourceSubscription
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// PostLogsBehavior controls whether TailAll's collect phase runs after the
// stored logs are read.
type PostLogsBehavior string

const (
	PostLogsNone             PostLogsBehavior = "none"
	PostLogsReturnIfMessages PostLogsBehavior = "return_if_messages"
	PostLogsReturnAlways     PostLogsBehavior = "return_always"
)

// TailAllConfig tunes TailAll's collect loop.
type TailAllConfig struct {
	// EmptyGrace is how long to wait for a first message when the stored
	// read produced none.
	EmptyGrace time.Duration

	// CollectGrace is how long to keep collecting after the first
	// message.
	CollectGrace time.Duration

	// MessageLimit caps collected messages.
	MessageLimit int

	// UseHistory reads the scored history instead of tails when the spec
	// keeps one.
	UseHistory bool

	// PostLogsBehavior short-circuits the collect phase.
	PostLogsBehavior PostLogsBehavior
}

// TailAllConfigRead reads stored logs and returns without waiting.
func TailAllConfigRead() TailAllConfig {
	return TailAllConfig{
		UseHistory:       true,
		MessageLimit:     1024,
		PostLogsBehavior: PostLogsReturnAlways,
	}
}

// TailAllConfigWait reads stored logs, then waits briefly for stragglers.
func TailAllConfigWait() TailAllConfig {
	return TailAllConfig{
		UseHistory:       true,
		MessageLimit:     1024,
		EmptyGrace:       time.Second,
		CollectGrace:     150 * time.Millisecond,
		PostLogsBehavior: PostLogsReturnIfMessages,
	}
}

// AnchorStatus reports anchor validity for a TailAll call.
type AnchorStatus string

const (
	AnchorStatusValid   AnchorStatus = "valid"
	AnchorStatusExpired AnchorStatus = "expired"
)

// TailAllResponse carries collected messages sorted by timestamp.
type TailAllResponse struct {
	Messages     []*MessageEnvelope
	AnchorStatus AnchorStatus
}

// TailAll subscribes to every parameter vector, reads stored messages
// newer than the anchor (history when configured and available, tails
// otherwise), then optionally collects live messages: up to EmptyGrace for
// a first message, then CollectGrace for stragglers. Results are deduped
// by request ID, capped at MessageLimit, and sorted by timestamp.
func (c *Client) TailAll(ctx context.Context, spec *MessageSpec, paramsList [][]string, anchor TailAnchor, cfg TailAllConfig) (*TailAllResponse, error) {
	if spec.TailTTL <= 0 {
		return nil, ErrCannotTailMessage
	}
	for _, params := range paramsList {
		if err := spec.validateParams(params); err != nil {
			return nil, err
		}
	}
	if cfg.MessageLimit <= 0 {
		cfg.MessageLimit = 1024
	}

	subs := make([]*Subscription, 0, len(paramsList))
	defer func() {
		for _, sub := range subs {
			_ = sub.Unsubscribe()
		}
	}()
	for _, params := range paramsList {
		sub, err := c.Subscribe(ctx, spec, params)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}

	resp := &TailAllResponse{AnchorStatus: AnchorStatusValid}
	if !anchor.IsValid(spec.TailTTL) {
		resp.AnchorStatus = AnchorStatusExpired
	}

	seen := map[uuid.UUID]struct{}{}
	add := func(env *MessageEnvelope) {
		if env == nil || len(resp.Messages) >= cfg.MessageLimit {
			return
		}
		if _, dup := seen[env.ReqID]; dup {
			return
		}
		seen[env.ReqID] = struct{}{}
		resp.Messages = append(resp.Messages, env)
	}

	// Stored phase.
	for _, params := range paramsList {
		if cfg.UseHistory && spec.History {
			raws, err := c.shared.stream.ZRangeByScore(ctx, spec.historyKey(params), &redis.ZRangeBy{
				Min: exclusiveScore(anchor.StartTime),
				Max: "+inf",
			}).Result()
			if err != nil {
				return nil, err
			}
			for _, raw := range raws {
				env, err := DecodeMessage([]byte(raw))
				if err != nil {
					continue
				}
				add(env)
			}
		} else {
			tail, err := c.TailRead(ctx, spec, params)
			if err != nil {
				return nil, err
			}
			if tail != nil && tail.Ts > anchor.StartTime {
				add(tail)
			}
		}
	}

	switch cfg.PostLogsBehavior {
	case PostLogsReturnAlways:
		sortMessages(resp.Messages)
		return resp, nil
	case PostLogsReturnIfMessages:
		if len(resp.Messages) > 0 {
			sortMessages(resp.Messages)
			return resp, nil
		}
	}

	// Collect phase.
	merged := make(chan *MessageEnvelope, 64)
	collectCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	for _, sub := range subs {
		go func(ch <-chan *MessageEnvelope) {
			for {
				select {
				case env := <-ch:
					select {
					case merged <- env:
					case <-collectCtx.Done():
						return
					}
				case <-collectCtx.Done():
					return
				}
			}
		}(sub.C)
	}

	if len(resp.Messages) == 0 && cfg.EmptyGrace > 0 {
		emptyTimer := time.NewTimer(cfg.EmptyGrace)
		select {
		case env := <-merged:
			add(env)
		case <-emptyTimer.C:
		case <-ctx.Done():
			emptyTimer.Stop()
			return nil, ctx.Err()
		}
		emptyTimer.Stop()
	}

	if len(resp.Messages) > 0 && cfg.CollectGrace > 0 {
		collectTimer := time.NewTimer(cfg.CollectGrace)
	collect:
		for len(resp.Messages) < cfg.MessageLimit {
			select {
			case env := <-merged:
				add(env)
			case <-collectTimer.C:
				break collect
			case <-ctx.Done():
				collectTimer.Stop()
				return nil, ctx.Err()
			}
		}
		collectTimer.Stop()
	}

	sortMessages(resp.Messages)
	return resp, nil
}

func sortMessages(msgs []*MessageEnvelope) {
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].Ts < msgs[j].Ts })
}

// MessageWithSubscribe publishes one message and awaits a reply message on
// another subject. The reply subscription is registered and flushed before
// publishing, so the reply cannot land in the gap. With filterTrace set,
// only replies whose trace contains this client's parent request ID are
// accepted.
func (c *Client) MessageWithSubscribe(ctx context.Context, pub *MessageSpec, pubParams []string, body []byte, reply *MessageSpec, replyParams []string, filterTrace bool) (*MessageEnvelope, error) {
	sub, err := c.Subscribe(ctx, reply, replyParams)
	if err != nil {
		return nil, err
	}
	defer func() { _ = sub.Unsubscribe() }()

	if err := c.MessageWait(ctx, pub, pubParams, body); err != nil {
		return nil, err
	}

	for {
		select {
		case env := <-sub.C:
			if filterTrace && !TraceMatches(env.Trace, c.parentReqID) {
				continue
			}
			return env, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// MessageWithResult publishes one message and awaits whichever of the ok
// or error reply messages arrives first, trace-filtered to this caller.
func (c *Client) MessageWithResult(ctx context.Context, pub *MessageSpec, pubParams []string, body []byte, okReply *MessageSpec, okParams []string, errReply *MessageSpec, errParams []string) (*MessageEnvelope, *MessageEnvelope, error) {
	okSub, err := c.Subscribe(ctx, okReply, okParams)
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = okSub.Unsubscribe() }()

	errSub, err := c.Subscribe(ctx, errReply, errParams)
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = errSub.Unsubscribe() }()

	if err := c.MessageWait(ctx, pub, pubParams, body); err != nil {
		return nil, nil, err
	}

	for {
		select {
		case env := <-okSub.C:
			if !TraceMatches(env.Trace, c.parentReqID) {
				continue
			}
			return env, nil, nil
		case env := <-errSub.C:
			if !TraceMatches(env.Trace, c.parentReqID) {
				continue
			}
			return nil, env, nil
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}
	}
}
