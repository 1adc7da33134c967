package chirp

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestShared(t *testing.T) (*SharedClient, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewSharedClient(newMemBus(), client, "test-region"), mr
}

func TestRPCRoundTrip(t *testing.T) {
	shared, _ := newTestShared(t)
	ctx := context.Background()

	sub, err := shared.Serve(ctx, "greeter", func(ctx context.Context, req *RequestEnvelope) ([]byte, error) {
		return append([]byte("hello "), req.Body...), nil
	})
	require.NoError(t, err)
	defer func() { _ = sub.Unsubscribe() }()

	client := shared.Wrap("test")
	resp, err := client.RPC(ctx, "greeter", []byte("world"), RPCOptions{})
	require.NoError(t, err)
	assert.Equal(t, []byte("hello world"), resp)
}

func TestRPCRemoteError(t *testing.T) {
	shared, _ := newTestShared(t)
	ctx := context.Background()

	sub, err := shared.Serve(ctx, "broken", func(ctx context.Context, req *RequestEnvelope) ([]byte, error) {
		return nil, &RemoteError{BadRequest: true, Code: "invalid_input"}
	})
	require.NoError(t, err)
	defer func() { _ = sub.Unsubscribe() }()

	client := shared.Wrap("test")
	_, err = client.RPC(ctx, "broken", []byte("x"), RPCOptions{})

	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.True(t, remote.BadRequest)
	assert.Equal(t, "invalid_input", remote.Code)
}

func TestRPCNoResponders(t *testing.T) {
	shared, _ := newTestShared(t)
	ctx := context.Background()

	client := shared.Wrap("test")
	_, err := client.RPC(ctx, "nobody-home", []byte("x"), RPCOptions{MaxAttempts: 1})
	assert.True(t, IsNoResponders(err), "expected no-responders, got %v", err)
}

func TestRPCSlowResponderAckPreventsRetry(t *testing.T) {
	shared, _ := newTestShared(t)
	ctx := context.Background()

	calls := 0
	sub, err := shared.Serve(ctx, "slow", func(ctx context.Context, req *RequestEnvelope) ([]byte, error) {
		calls++
		time.Sleep(100 * time.Millisecond)
		return []byte("done"), nil
	})
	require.NoError(t, err)
	defer func() { _ = sub.Unsubscribe() }()

	client := shared.Wrap("test")
	resp, err := client.RPC(ctx, "slow", nil, RPCOptions{ResponseTimeout: time.Second})
	require.NoError(t, err)
	assert.Equal(t, []byte("done"), resp)
	assert.Equal(t, 1, calls)
}

func TestRPCResponseTimeout(t *testing.T) {
	shared, _ := newTestShared(t)
	ctx := context.Background()

	sub, err := shared.Serve(ctx, "stuck", func(ctx context.Context, req *RequestEnvelope) ([]byte, error) {
		time.Sleep(5 * time.Second)
		return nil, nil
	})
	require.NoError(t, err)
	defer func() { _ = sub.Unsubscribe() }()

	client := shared.Wrap("test")
	_, err = client.RPC(ctx, "stuck", nil, RPCOptions{ResponseTimeout: 50 * time.Millisecond})
	assert.ErrorIs(t, err, ErrRpcTimedOut)
}

func TestWrapWithContinuesTrace(t *testing.T) {
	shared, _ := newTestShared(t)

	parent := shared.Wrap("api")
	child := shared.WrapWith("svc", parent.RayID(), parent.ReqID(), parent.Trace())

	assert.Equal(t, parent.RayID(), child.RayID())
	assert.Equal(t, parent.ReqID(), child.ParentReqID())
	require.Len(t, child.Trace(), 2)
	assert.Equal(t, "api", child.Trace()[0].ContextName)
	assert.Equal(t, "svc", child.Trace()[1].ContextName)
	assert.True(t, TraceMatches(child.Trace(), parent.ReqID()))
}

func TestRPCContextCancelled(t *testing.T) {
	shared, _ := newTestShared(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	client := shared.Wrap("test")
	_, err := client.RPC(ctx, "anything", nil, RPCOptions{MaxAttempts: 1})
	assert.True(t, errors.Is(err, context.Canceled) || IsNoResponders(err))
}
