// Package compat applies provider-specific request/response adjustments
// that the codec layer cannot express.
//
// A Profile is declarative data: field mappings, header overrides, tool
// restrictions, and text-harvesting rules. The apply functions are pure;
// given identical input and profile they produce identical output, which is
// what makes the round-trip tests possible.
package compat

import (
	"strings"

	"github.com/routecodex/routecodex/pkg/codec"
	"github.com/routecodex/routecodex/pkg/protocol"
)

// FieldMapping moves a value between dot-separated body paths, applied on
// the wire-level JSON body in each direction.
type FieldMapping struct {
	From string
	To   string
}

// Profile describes one provider family's quirks as data. The transport and
// orchestrator iterate the profile; they never branch per provider.
type Profile struct {
	Name string

	// WireProtocol the family speaks upstream.
	WireProtocol codec.Protocol

	// EndpointSuffix is appended to the target's base URL.
	EndpointSuffix string

	// DefaultModel substitutes an empty model field.
	DefaultModel string

	// Headers are set on every outbound request, after auth injection.
	Headers map[string]string

	// AllowedToolPrefixes restricts tool schemas; nil allows everything.
	// Tools left after filtering keep their relative order; when zero
	// remain the tools field is removed entirely.
	AllowedToolPrefixes []string

	// ExtraBody fields are merged into the encoded request body.
	ExtraBody map[string]any

	// DropBodyFields are removed from the encoded request body.
	DropBodyFields []string

	// RequestMappings / ResponseMappings are wire-level field moves.
	RequestMappings  []FieldMapping
	ResponseMappings []FieldMapping

	// HarvestToolCalls enables scanning response text for inline tool-call
	// markup emitted by providers without native tool support.
	HarvestToolCalls bool

	// ReasoningTags are tag names whose content is promoted to reasoning
	// parts, e.g. "reasoning" or "think".
	ReasoningTags []string

	// FinishReasonSubst rewrites nonstandard upstream finish values before
	// canonical mapping, e.g. "stop_sequence" -> "stop".
	FinishReasonSubst map[string]string

	// FlattenContent collapses mixed content arrays to plain text for
	// providers that only accept strings.
	FlattenContent bool
}

// ApplyRequest transforms a canonical request for the profile's provider.
// Order: tool-schema filtering, then flattening; wire-level mappings and
// extra-body fields are applied later by DecorateBody on the encoded form.
func ApplyRequest(p *Profile, req *protocol.ChatRequest) *protocol.ChatRequest {
	out := *req

	if p.AllowedToolPrefixes != nil {
		var kept []protocol.ToolDefinition
		for _, t := range req.Tools {
			if toolAllowed(p.AllowedToolPrefixes, t.Name) {
				kept = append(kept, t)
			}
		}
		out.Tools = kept
		if len(kept) == 0 {
			out.Tools = nil
			if out.ToolChoice != "" && out.ToolChoice != protocol.ToolChoiceNone {
				out.ToolChoice = ""
			}
		}
	}

	if p.DefaultModel != "" && out.Model == "" {
		out.Model = p.DefaultModel
	}

	if p.FlattenContent {
		msgs := make([]protocol.Message, len(out.Messages))
		copy(msgs, out.Messages)
		for i := range msgs {
			msgs[i] = flattenMessage(msgs[i])
		}
		out.Messages = msgs
	}

	return &out
}

func toolAllowed(prefixes []string, name string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

// flattenMessage collapses multi-part text content to a single text part.
// Tool parts and images survive; providers that cannot take them at all
// exclude them via tool filtering instead.
func flattenMessage(msg protocol.Message) protocol.Message {
	var text string
	var rest []protocol.ContentPart
	for _, p := range msg.Parts {
		if p.Type == protocol.PartTypeText {
			text += p.Text
			continue
		}
		rest = append(rest, p)
	}
	var parts []protocol.ContentPart
	if text != "" {
		parts = append(parts, protocol.TextPart(text))
	}
	parts = append(parts, rest...)
	msg.Parts = parts
	return msg
}

// ApplyResponse normalizes an upstream canonical response. Order: tool-call
// harvesting from text, reasoning extraction, then finish-reason fixup
// (the wire-level substitutions in FinishReasonSubst run inside the
// transport before canonical decoding).
func ApplyResponse(p *Profile, resp *protocol.ChatResponse) *protocol.ChatResponse {
	out := *resp
	msg := out.Message

	if p.HarvestToolCalls {
		msg = HarvestToolCalls(msg)
	}

	if len(p.ReasoningTags) > 0 {
		msg = ExtractReasoning(msg, p.ReasoningTags)
	}

	out.Message = msg

	// A harvested tool call overrides the reported finish reason.
	if p.HarvestToolCalls && len(out.Message.ToolCalls()) > 0 && out.FinishReason == protocol.FinishStop {
		out.FinishReason = protocol.FinishToolCall
	}

	return &out
}

// SubstituteFinishReason rewrites a wire finish value per the profile.
func SubstituteFinishReason(p *Profile, wire string) string {
	if repl, ok := p.FinishReasonSubst[wire]; ok {
		return repl
	}
	return wire
}
