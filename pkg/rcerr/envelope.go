package rcerr

import (
	"encoding/json"
	"errors"
)

// openAIEnvelope is the OpenAI-style error body: {"error":{...}}.
type openAIEnvelope struct {
	Error openAIError `json:"error"`
}

type openAIError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
}

// anthropicEnvelope is the Anthropic-style error body.
type anthropicEnvelope struct {
	Type  string         `json:"type"`
	Error anthropicError `json:"error"`
}

type anthropicError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func publicMessage(err error) (kind Kind, msg string) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, e.Message
	}
	// Internal details never leak to clients.
	return KindInternal, "internal error"
}

// OpenAIBody serializes err in the OpenAI error envelope.
func OpenAIBody(err error) []byte {
	kind, msg := publicMessage(err)
	b, _ := json.Marshal(openAIEnvelope{
		Error: openAIError{
			Message: msg,
			Type:    string(kind),
			Code:    string(kind),
		},
	})
	return b
}

// AnthropicBody serializes err in the Anthropic error envelope.
func AnthropicBody(err error) []byte {
	kind, msg := publicMessage(err)
	b, _ := json.Marshal(anthropicEnvelope{
		Type: "error",
		Error: anthropicError{
			Type:    string(kind),
			Message: msg,
		},
	})
	return b
}
