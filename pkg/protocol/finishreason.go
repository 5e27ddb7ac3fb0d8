package protocol

import "fmt"

// FinishReason is the canonical stop reason.
type FinishReason string

const (
	FinishStop     FinishReason = "stop"
	FinishLength   FinishReason = "length"
	FinishToolCall FinishReason = "tool_call"
	FinishFiltered FinishReason = "filtered"
)

// Wire values per protocol. The mapping is total over the canonical set and
// invertible in both directions.
var (
	openAIFinish = map[FinishReason]string{
		FinishStop:     "stop",
		FinishLength:   "length",
		FinishToolCall: "tool_calls",
		FinishFiltered: "content_filter",
	}
	anthropicFinish = map[FinishReason]string{
		FinishStop:     "end_turn",
		FinishLength:   "max_tokens",
		FinishToolCall: "tool_use",
		FinishFiltered: "stop_sequence",
	}
	responsesFinish = map[FinishReason]string{
		FinishStop:     "completed",
		FinishLength:   "incomplete:max_output_tokens",
		FinishToolCall: "requires_action",
		FinishFiltered: "incomplete:content_filter",
	}

	openAIFinishInv    = invert(openAIFinish)
	anthropicFinishInv = invert(anthropicFinish)
	responsesFinishInv = invert(responsesFinish)
)

func invert(m map[FinishReason]string) map[string]FinishReason {
	out := make(map[string]FinishReason, len(m))
	for k, v := range m {
		out[v] = k
	}
	return out
}

// ToOpenAIFinish maps a canonical finish reason to the OpenAI wire value.
func ToOpenAIFinish(r FinishReason) string { return openAIFinish[r] }

// ToAnthropicFinish maps a canonical finish reason to the Anthropic wire value.
func ToAnthropicFinish(r FinishReason) string { return anthropicFinish[r] }

// ToResponsesFinish maps a canonical finish reason to the Responses wire value.
func ToResponsesFinish(r FinishReason) string { return responsesFinish[r] }

// FromOpenAIFinish maps an OpenAI wire finish reason to canonical form.
func FromOpenAIFinish(s string) (FinishReason, error) {
	if r, ok := openAIFinishInv[s]; ok {
		return r, nil
	}
	return "", fmt.Errorf("unknown openai finish reason %q", s)
}

// FromAnthropicFinish maps an Anthropic stop reason to canonical form.
func FromAnthropicFinish(s string) (FinishReason, error) {
	if r, ok := anthropicFinishInv[s]; ok {
		return r, nil
	}
	return "", fmt.Errorf("unknown anthropic stop reason %q", s)
}

// FromResponsesFinish maps a Responses status to canonical form.
func FromResponsesFinish(s string) (FinishReason, error) {
	if r, ok := responsesFinishInv[s]; ok {
		return r, nil
	}
	return "", fmt.Errorf("unknown responses status %q", s)
}
