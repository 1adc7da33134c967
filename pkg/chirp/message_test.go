package chirp

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var actorEventSpec = &MessageSpec{
	Name: "actor-event",
	Parameters: []Parameter{
		{Name: "env", Wildcard: true},
		{Name: "actor_id"},
	},
	TailTTL: 30 * time.Second,
	History: true,
}

func TestMessageWaitThenTailRead(t *testing.T) {
	shared, _ := newTestShared(t)
	ctx := context.Background()
	client := shared.Wrap("test")

	params := []string{"prod", "a1"}
	require.NoError(t, client.MessageWait(ctx, actorEventSpec, params, []byte(`{"state":"running"}`)))

	tail, err := client.TailRead(ctx, actorEventSpec, params)
	require.NoError(t, err)
	require.NotNil(t, tail)
	assert.Equal(t, []byte(`{"state":"running"}`), tail.Body)
	assert.Equal(t, params, tail.Parameters)

	// The wildcard variant was written too.
	tail, err = client.TailRead(ctx, actorEventSpec, []string{Wildcard, "a1"})
	require.NoError(t, err)
	require.NotNil(t, tail)

	// A foreign vector reads nothing.
	tail, err = client.TailRead(ctx, actorEventSpec, []string{"prod", "other"})
	require.NoError(t, err)
	assert.Nil(t, tail)
}

func TestTailExpires(t *testing.T) {
	shared, mr := newTestShared(t)
	ctx := context.Background()
	client := shared.Wrap("test")

	params := []string{"prod", "a1"}
	require.NoError(t, client.MessageWait(ctx, actorEventSpec, params, []byte(`1`)))

	mr.FastForward(time.Minute)

	tail, err := client.TailRead(ctx, actorEventSpec, params)
	require.NoError(t, err)
	assert.Nil(t, tail)
}

func TestTailReadWithoutTTLRejected(t *testing.T) {
	shared, _ := newTestShared(t)
	client := shared.Wrap("test")

	spec := &MessageSpec{Name: "no-tail", Parameters: []Parameter{{Name: "p"}}}
	_, err := client.TailRead(context.Background(), spec, []string{"x"})
	assert.ErrorIs(t, err, ErrCannotTailMessage)
}

func TestMessageParameterCountValidated(t *testing.T) {
	shared, _ := newTestShared(t)
	client := shared.Wrap("test")

	err := client.MessageWait(context.Background(), actorEventSpec, []string{"only-one"}, nil)
	assert.ErrorIs(t, err, ErrMismatchedMessageParameterCount)
}

func TestSubscribeReceivesPublish(t *testing.T) {
	shared, _ := newTestShared(t)
	ctx := context.Background()
	client := shared.Wrap("test")

	sub, err := client.Subscribe(ctx, actorEventSpec, []string{Wildcard, "a1"})
	require.NoError(t, err)
	defer func() { _ = sub.Unsubscribe() }()

	require.NoError(t, client.MessageWait(ctx, actorEventSpec, []string{"prod", "a1"}, []byte(`"hi"`)))

	select {
	case env := <-sub.C:
		assert.Equal(t, []byte(`"hi"`), env.Body)
		assert.Equal(t, []string{"prod", "a1"}, env.Parameters)
	case <-time.After(time.Second):
		t.Fatal("no message delivered")
	}
}

func TestTailAnchorWaitReturnsStoredTail(t *testing.T) {
	shared, _ := newTestShared(t)
	ctx := context.Background()
	client := shared.Wrap("test")

	params := []string{"prod", "a1"}
	anchor := NewTailAnchor(time.Now().Add(-time.Second).UnixMilli())

	require.NoError(t, client.MessageWait(ctx, actorEventSpec, params, []byte(`1`)))

	resp, err := client.TailAnchorWait(ctx, actorEventSpec, params, anchor)
	require.NoError(t, err)
	require.NotNil(t, resp.Msg)
	assert.Equal(t, TailSourceTail, resp.Source)
	assert.False(t, resp.AnchorExpired)
}

func TestTailAnchorWaitFallsBackToSubscription(t *testing.T) {
	shared, _ := newTestShared(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	client := shared.Wrap("test")

	params := []string{"prod", "a1"}

	// Tail exists but is older than the anchor, so the reader waits.
	require.NoError(t, client.MessageWait(ctx, actorEventSpec, params, []byte(`"old"`)))
	anchor := NewTailAnchor(time.Now().Add(50 * time.Millisecond).UnixMilli())

	done := make(chan *TailAnchorResponse, 1)
	go func() {
		resp, err := client.TailAnchorWait(ctx, actorEventSpec, params, anchor)
		if err == nil {
			done <- resp
		}
	}()

	time.Sleep(200 * time.Millisecond)
	require.NoError(t, client.MessageWait(ctx, actorEventSpec, params, []byte(`"new"`)))

	select {
	case resp := <-done:
		assert.Equal(t, TailSourceSubscription, resp.Source)
		assert.Equal(t, []byte(`"new"`), resp.Msg.Body)
	case <-time.After(2 * time.Second):
		t.Fatal("anchored tail never resolved")
	}
}

func TestTailAllHistoryDedupSorted(t *testing.T) {
	shared, _ := newTestShared(t)
	ctx := context.Background()
	client := shared.Wrap("test")

	p1 := []string{"prod", "a1"}
	p2 := []string{"prod", "a2"}
	anchor := NewTailAnchor(time.Now().Add(-time.Second).UnixMilli())

	require.NoError(t, client.MessageWait(ctx, actorEventSpec, p1, []byte(`1`)))
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, client.MessageWait(ctx, actorEventSpec, p2, []byte(`2`)))
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, client.MessageWait(ctx, actorEventSpec, p1, []byte(`3`)))

	resp, err := client.TailAll(ctx, actorEventSpec, [][]string{p1, p2}, anchor, TailAllConfigRead())
	require.NoError(t, err)
	assert.Equal(t, AnchorStatusValid, resp.AnchorStatus)
	require.Len(t, resp.Messages, 3)

	for i := 1; i < len(resp.Messages); i++ {
		assert.LessOrEqual(t, resp.Messages[i-1].Ts, resp.Messages[i].Ts)
	}
}

func TestTailAllMessageLimit(t *testing.T) {
	shared, _ := newTestShared(t)
	ctx := context.Background()
	client := shared.Wrap("test")

	params := []string{"prod", "a1"}
	anchor := NewTailAnchor(time.Now().Add(-time.Second).UnixMilli())
	for i := 0; i < 5; i++ {
		require.NoError(t, client.MessageWait(ctx, actorEventSpec, params, []byte{byte('0' + i)}))
	}

	cfg := TailAllConfigRead()
	cfg.MessageLimit = 2
	resp, err := client.TailAll(ctx, actorEventSpec, [][]string{params}, anchor, cfg)
	require.NoError(t, err)
	assert.Len(t, resp.Messages, 2)
}

func TestTailAllExpiredAnchorReported(t *testing.T) {
	shared, _ := newTestShared(t)
	ctx := context.Background()
	client := shared.Wrap("test")

	anchor := NewTailAnchor(time.Now().Add(-time.Hour).UnixMilli())
	resp, err := client.TailAll(ctx, actorEventSpec, [][]string{{"prod", "a1"}}, anchor, TailAllConfigRead())
	require.NoError(t, err)
	assert.Equal(t, AnchorStatusExpired, resp.AnchorStatus)
}

var commandSpec = &MessageSpec{
	Name:       "actor-command",
	Parameters: []Parameter{{Name: "actor_id"}},
	TailTTL:    30 * time.Second,
}

var commandReplySpec = &MessageSpec{
	Name:       "actor-command-reply",
	Parameters: []Parameter{{Name: "actor_id"}},
	TailTTL:    30 * time.Second,
}

func TestMessageWithSubscribeTraceFilter(t *testing.T) {
	shared, _ := newTestShared(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	caller := shared.Wrap("caller")

	// The service echoes commands back as replies, continuing the trace.
	serviceSub, err := caller.Subscribe(ctx, commandSpec, []string{"a1"})
	require.NoError(t, err)
	defer func() { _ = serviceSub.Unsubscribe() }()

	go func() {
		for {
			select {
			case cmd := <-serviceSub.C:
				// An unrelated reply first: the caller must skip it.
				stranger := shared.Wrap("stranger")
				_ = stranger.MessageWait(ctx, commandReplySpec, []string{"a1"}, []byte(`"not yours"`))

				responder := shared.WrapWith("service", cmd.RayID, cmd.ReqID, cmd.Trace)
				_ = responder.MessageWait(ctx, commandReplySpec, []string{"a1"}, []byte(`"yours"`))
			case <-ctx.Done():
				return
			}
		}
	}()

	reply, err := caller.MessageWithSubscribe(ctx, commandSpec, []string{"a1"}, []byte(`"do it"`), commandReplySpec, []string{"a1"}, true)
	require.NoError(t, err)
	assert.Equal(t, []byte(`"yours"`), reply.Body)
}
