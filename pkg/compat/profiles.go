package compat

import (
	"fmt"

	"github.com/routecodex/routecodex/pkg/codec"
)

// Builtin profiles, one per supported provider family. Provider config can
// override individual fields but the family sets the baseline.
var builtin = map[string]*Profile{
	"openai": {
		Name:           "openai",
		WireProtocol:   codec.ProtocolOpenAI,
		EndpointSuffix: "/chat/completions",
	},
	"anthropic": {
		Name:           "anthropic",
		WireProtocol:   codec.ProtocolAnthropic,
		EndpointSuffix: "/v1/messages",
		Headers: map[string]string{
			"anthropic-version": "2023-06-01",
		},
	},
	"glm": {
		Name:           "glm",
		WireProtocol:   codec.ProtocolOpenAI,
		EndpointSuffix: "/chat/completions",
		ReasoningTags:  []string{"think"},
		ResponseMappings: []FieldMapping{
			// GLM reports reasoning in a sibling field the OpenAI codec
			// reads as delta/message reasoning.
			{From: "choices.0.message.reasoning_content", To: "choices.0.message.reasoning"},
		},
		FinishReasonSubst: map[string]string{
			"tool_call": "tool_calls",
		},
	},
	"qwen": {
		Name:           "qwen",
		WireProtocol:   codec.ProtocolOpenAI,
		EndpointSuffix: "/chat/completions",
		Headers: map[string]string{
			"User-Agent":        "QwenCode/1.0 (linux; x64)",
			"X-Goog-Api-Client": "gl-node/20.0.0",
			"Client-Metadata":   "ideType=IDE_UNSPECIFIED,platform=PLATFORM_UNSPECIFIED,pluginType=GEMINI",
		},
		DropBodyFields: []string{"session_id"},
	},
	"iflow": {
		Name:             "iflow",
		WireProtocol:     codec.ProtocolOpenAI,
		EndpointSuffix:   "/chat/completions",
		HarvestToolCalls: true,
		ReasoningTags:    []string{"think", "reasoning"},
	},
	"lmstudio": {
		Name:             "lmstudio",
		WireProtocol:     codec.ProtocolOpenAI,
		EndpointSuffix:   "/chat/completions",
		FlattenContent:   true,
		HarvestToolCalls: true,
		ReasoningTags:    []string{"think"},
	},
	"antigravity": {
		Name:           "antigravity",
		WireProtocol:   codec.ProtocolAnthropic,
		EndpointSuffix: "/v1/messages",
		// The agent endpoint only understands its own search tool; every
		// other client tool schema must be stripped before sending.
		AllowedToolPrefixes: []string{"googleSearch"},
		ExtraBody: map[string]any{
			"requestType": "agent",
		},
		DropBodyFields: []string{"session_id"},
	},
}

// ForType returns a copy of the builtin profile for a provider type so that
// per-provider config overrides never mutate shared state.
func ForType(providerType string) (*Profile, error) {
	p, ok := builtin[providerType]
	if !ok {
		return nil, fmt.Errorf("unknown provider type %q", providerType)
	}
	cp := *p
	if p.Headers != nil {
		cp.Headers = make(map[string]string, len(p.Headers))
		for k, v := range p.Headers {
			cp.Headers[k] = v
		}
	}
	return &cp, nil
}

// Types lists the supported provider families.
func Types() []string {
	out := make([]string, 0, len(builtin))
	for k := range builtin {
		out = append(out, k)
	}
	return out
}
