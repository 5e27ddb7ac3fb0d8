// Package codec translates between the three supported wire protocols and
// the canonical chat representation.
//
// Decoders are strict by default: malformed structure and unknown roles or
// finish reasons are rejected. Relaxed mode tolerates unknown content blocks
// but still requires every mandatory field.
package codec

import (
	"encoding/json"
	"fmt"

	"github.com/routecodex/routecodex/pkg/protocol"
)

// Protocol identifies a wire protocol.
type Protocol string

const (
	ProtocolOpenAI    Protocol = "openai"
	ProtocolResponses Protocol = "responses"
	ProtocolAnthropic Protocol = "anthropic"
)

// ErrorKind classifies a decode failure.
type ErrorKind string

const (
	ErrMalformed   ErrorKind = "malformed"
	ErrUnsupported ErrorKind = "unsupported"
)

// DecodeError reports why a payload could not be decoded.
type DecodeError struct {
	Kind   ErrorKind
	Path   string
	Detail string
}

func (e *DecodeError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("decode %s at %s: %s", e.Kind, e.Path, e.Detail)
	}
	return fmt.Sprintf("decode %s: %s", e.Kind, e.Detail)
}

func malformed(path, detail string) *DecodeError {
	return &DecodeError{Kind: ErrMalformed, Path: path, Detail: detail}
}

func unsupported(detail string) *DecodeError {
	return &DecodeError{Kind: ErrUnsupported, Detail: detail}
}

// Codec converts between one wire protocol and the canonical form.
type Codec interface {
	Protocol() Protocol

	DecodeRequest(payload []byte) (*protocol.ChatRequest, error)
	EncodeRequest(req *protocol.ChatRequest) ([]byte, error)
	DecodeResponse(payload []byte) (*protocol.ChatResponse, error)
	EncodeResponse(resp *protocol.ChatResponse) ([]byte, error)

	// NewStreamDecoder returns a stateful decoder for this protocol's
	// upstream event stream.
	NewStreamDecoder() StreamDecoder
	// NewStreamEncoder returns a stateful encoder producing this protocol's
	// client-facing SSE event sequence.
	NewStreamEncoder(model string) StreamEncoder
}

// StreamDecoder turns raw SSE data payloads into canonical chunks.
// Feed is called once per SSE event; a single event may yield zero or more
// chunks. Decoders are not safe for concurrent use.
type StreamDecoder interface {
	Feed(event Event) ([]protocol.StreamChunk, error)
}

// StreamEncoder turns canonical chunks into protocol SSE events. Encode is
// called per chunk in order; Finish emits the protocol's terminal events
// (always exactly once per response).
type StreamEncoder interface {
	Encode(chunk protocol.StreamChunk) []Event
	Finish(reason protocol.FinishReason, usage *protocol.Usage) []Event
}

// Event is one server-sent event. Name may be empty for protocols that use
// data-only events (OpenAI chat).
type Event struct {
	Name string
	Data string
}

// rawToolDefinition wraps a provider-native tool schema so it crosses the
// canonical model verbatim. The filtering name is the explicit type when
// present, otherwise the object's single top-level key.
func rawToolDefinition(typ string, raw json.RawMessage) (protocol.ToolDefinition, bool) {
	name := typ
	if name == "" {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(raw, &obj); err != nil || len(obj) != 1 {
			return protocol.ToolDefinition{}, false
		}
		for k := range obj {
			name = k
		}
	}
	return protocol.ToolDefinition{Name: name, Raw: raw}, true
}

// Option configures a codec.
type Option func(*options)

type options struct {
	relaxed bool
}

// WithRelaxed makes decoders accept unknown content blocks instead of
// rejecting them. Required fields are still enforced.
func WithRelaxed() Option {
	return func(o *options) { o.relaxed = true }
}

// ForProtocol returns the codec for p.
func ForProtocol(p Protocol, opts ...Option) (Codec, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	switch p {
	case ProtocolOpenAI:
		return &openAICodec{opts: o}, nil
	case ProtocolResponses:
		return &responsesCodec{opts: o}, nil
	case ProtocolAnthropic:
		return &anthropicCodec{opts: o}, nil
	default:
		return nil, fmt.Errorf("unsupported protocol: %s", p)
	}
}
