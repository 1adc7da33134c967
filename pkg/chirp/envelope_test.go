package chirp

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestEnvelopeRoundTrip(t *testing.T) {
	env := &RequestEnvelope{
		ReqID: uuid.New(),
		RayID: uuid.New(),
		Ts:    time.Now().UnixMilli(),
		Trace: []TraceEntry{
			{ContextName: "api", ReqID: uuid.New(), Ts: 1},
			{ContextName: "svc", ReqID: uuid.New(), Ts: 2},
		},
		Body: []byte(`{"op":"get"}`),
	}

	frame, err := EncodeRequest(env)
	require.NoError(t, err)

	got, err := DecodeRequest(frame)
	require.NoError(t, err)
	assert.Equal(t, env.ReqID, got.ReqID)
	assert.Equal(t, env.RayID, got.RayID)
	assert.Equal(t, env.Body, got.Body)
	assert.Len(t, got.Trace, 2)
}

func TestResponseEnvelopeKinds(t *testing.T) {
	for _, kind := range []ResponseKind{ResponseAck, ResponseOk, ResponseErr} {
		env := &ResponseEnvelope{Kind: kind}
		if kind == ResponseErr {
			env.Err = &RemoteError{Ty: "internal", Message: "boom"}
		}
		frame, err := EncodeResponse(env)
		require.NoError(t, err)

		got, err := DecodeResponse(frame)
		require.NoError(t, err)
		assert.Equal(t, kind, got.Kind)
	}
}

func TestDecodeResponseMalformedKind(t *testing.T) {
	frame, err := EncodeResponse(&ResponseEnvelope{Kind: "surprise"})
	require.NoError(t, err)

	_, err = DecodeResponse(frame)
	assert.ErrorIs(t, err, ErrMalformedResponse)
}

func TestDecodeFrameLengthMismatch(t *testing.T) {
	frame, err := EncodeRequest(&RequestEnvelope{ReqID: uuid.New()})
	require.NoError(t, err)

	_, err = DecodeRequest(frame[:len(frame)-1])
	assert.ErrorIs(t, err, ErrDecodeRequest)

	_, err = DecodeRequest([]byte{0x01})
	assert.ErrorIs(t, err, ErrDecodeRequest)
}

func TestTraceMatches(t *testing.T) {
	mine := uuid.New()
	trace := []TraceEntry{
		{ContextName: "a", ReqID: uuid.New()},
		{ContextName: "b", ReqID: mine},
	}
	assert.True(t, TraceMatches(trace, mine))
	assert.False(t, TraceMatches(trace, uuid.New()))
}

func TestWildcardPermutations(t *testing.T) {
	spec := &MessageSpec{
		Name: "actor-event",
		Parameters: []Parameter{
			{Name: "env", Wildcard: true},
			{Name: "actor_id", Wildcard: true},
			{Name: "kind"},
		},
	}

	perms := spec.wildcardPermutations([]string{"prod", "a1", "start"})
	require.Len(t, perms, 4)

	joined := make(map[string]bool, len(perms))
	for _, p := range perms {
		joined[paramKey(p)] = true
	}
	assert.True(t, joined["prod/a1/start"])
	assert.True(t, joined["*/a1/start"])
	assert.True(t, joined["prod/*/start"])
	assert.True(t, joined["*/*/start"])

	// The non-wildcard position never gets starred.
	for key := range joined {
		assert.Equal(t, "start", key[len(key)-len("start"):])
	}
}

func TestValidateParamsCount(t *testing.T) {
	spec := &MessageSpec{Name: "m", Parameters: []Parameter{{Name: "a"}}}
	err := spec.validateParams([]string{"x", "y"})
	assert.ErrorIs(t, err, ErrMismatchedMessageParameterCount)
}

func TestTailAnchorValidity(t *testing.T) {
	ttl := 10 * time.Second
	now := time.Now().UnixMilli()

	assert.True(t, NewTailAnchor(now).IsValid(ttl))
	assert.True(t, NewTailAnchor(now-ttl.Milliseconds()+1000).IsValid(ttl))
	// Outside the window even with the grace applied.
	assert.False(t, NewTailAnchor(now-ttl.Milliseconds()-500).IsValid(ttl))
}
