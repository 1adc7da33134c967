package chirp

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// TraceEntry records one hop in a request's call chain.
type TraceEntry struct {
	ContextName string    `json:"context_name"`
	ReqID       uuid.UUID `json:"req_id"`
	Ts          int64     `json:"ts"`
	RunContext  string    `json:"run_context,omitempty"`
}

// RequestEnvelope is the wire form of an RPC request.
type RequestEnvelope struct {
	ReqID       uuid.UUID    `json:"req_id"`
	RayID       uuid.UUID    `json:"ray_id"`
	Ts          int64        `json:"ts"`
	Trace       []TraceEntry `json:"trace"`
	Body        []byte       `json:"body"`
	Debug       bool         `json:"debug,omitempty"`
	DontLogBody bool         `json:"dont_log_body,omitempty"`
}

// ResponseKind discriminates RPC response envelopes.
type ResponseKind string

const (
	// ResponseAck acknowledges receipt before the real response; it lets
	// long-running callees avoid retry storms.
	ResponseAck ResponseKind = "ack"
	ResponseOk  ResponseKind = "ok"
	ResponseErr ResponseKind = "err"
)

// ResponseEnvelope is the wire form of an RPC response.
type ResponseEnvelope struct {
	Kind ResponseKind `json:"kind"`
	Body []byte       `json:"body,omitempty"`
	Err  *RemoteError `json:"err,omitempty"`
}

// MessageEnvelope is the wire form of a published message.
type MessageEnvelope struct {
	ReqID      uuid.UUID    `json:"req_id"`
	RayID      uuid.UUID    `json:"ray_id"`
	Parameters []string     `json:"parameters"`
	Ts         int64        `json:"ts"`
	Trace      []TraceEntry `json:"trace"`
	Body       []byte       `json:"body"`
}

// The wire framing is a 4-byte big-endian length prefix followed by the
// JSON-encoded envelope.

func encodeFrame(v any, encodeErr error) ([]byte, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", encodeErr, err)
	}
	out := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(out[:4], uint32(len(payload)))
	copy(out[4:], payload)
	return out, nil
}

func decodeFrame(data []byte, v any, decodeErr error) error {
	if len(data) < 4 {
		return fmt.Errorf("%w: frame shorter than length prefix", decodeErr)
	}
	n := binary.BigEndian.Uint32(data[:4])
	if int(n) != len(data)-4 {
		return fmt.Errorf("%w: frame length %d does not match payload %d", decodeErr, n, len(data)-4)
	}
	dec := json.NewDecoder(bytes.NewReader(data[4:]))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", decodeErr, err)
	}
	return nil
}

// EncodeRequest frames an RPC request envelope.
func EncodeRequest(env *RequestEnvelope) ([]byte, error) {
	return encodeFrame(env, ErrEncodeRequest)
}

// DecodeRequest parses an RPC request frame.
func DecodeRequest(data []byte) (*RequestEnvelope, error) {
	var env RequestEnvelope
	if err := decodeFrame(data, &env, ErrDecodeRequest); err != nil {
		return nil, err
	}
	return &env, nil
}

// EncodeResponse frames an RPC response envelope.
func EncodeResponse(env *ResponseEnvelope) ([]byte, error) {
	return encodeFrame(env, ErrEncodeRequest)
}

// DecodeResponse parses an RPC response frame. A decodable envelope with
// an unknown kind fails with ErrMalformedResponse.
func DecodeResponse(data []byte) (*ResponseEnvelope, error) {
	var env ResponseEnvelope
	if err := decodeFrame(data, &env, ErrDecodeResponse); err != nil {
		return nil, err
	}
	switch env.Kind {
	case ResponseAck, ResponseOk, ResponseErr:
		return &env, nil
	}
	return nil, ErrMalformedResponse
}

// EncodeMessage frames a message envelope.
func EncodeMessage(env *MessageEnvelope) ([]byte, error) {
	return encodeFrame(env, ErrEncodeMessage)
}

// DecodeMessage parses a message frame.
func DecodeMessage(data []byte) (*MessageEnvelope, error) {
	var env MessageEnvelope
	if err := decodeFrame(data, &env, ErrDecodeMessage); err != nil {
		return nil, err
	}
	return &env, nil
}

// TraceMatches reports whether any entry of trace carries reqID, which is
// how a subscriber recognizes replies descended from its own request. The
// req id is used rather than the ray id because multiple calls may share a
// ray.
func TraceMatches(trace []TraceEntry, reqID uuid.UUID) bool {
	for _, entry := range trace {
		if entry.ReqID == reqID {
			return true
		}
	}
	return false
}
