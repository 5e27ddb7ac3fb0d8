// Package protocol defines the canonical, wire-neutral chat representation.
//
// Every inbound request is decoded into these types, routed, transformed,
// and re-encoded for the selected upstream. The codec layer guarantees that
// tool-call arguments are carried as structured data here and stringified
// only at the OpenAI wire boundary.
package protocol

import "encoding/json"

// Role identifies the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Valid reports whether the role is one of the canonical roles.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant, RoleTool:
		return true
	}
	return false
}

// PartType identifies one canonical content part.
type PartType string

const (
	PartTypeText       PartType = "text"
	PartTypeImage      PartType = "image"
	PartTypeToolUse    PartType = "tool_use"
	PartTypeToolResult PartType = "tool_result"
	PartTypeReasoning  PartType = "reasoning"
)

// ToolCall is an assistant request to invoke a tool. Args is always
// structured; the OpenAI codec owns the JSON stringification.
type ToolCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// ToolResult pairs with a prior ToolCall via ToolCallID.
type ToolResult struct {
	ToolCallID string         `json:"tool_call_id"`
	Content    string         `json:"content"`
	Structured map[string]any `json:"structured,omitempty"`
}

// ContentPart is one element of a message's ordered content.
type ContentPart struct {
	Type       PartType    `json:"type"`
	Text       string      `json:"text,omitempty"`
	ImageURL   string      `json:"image_url,omitempty"`
	MediaType  string      `json:"media_type,omitempty"`
	ToolCall   *ToolCall   `json:"tool_call,omitempty"`
	ToolResult *ToolResult `json:"tool_result,omitempty"`
}

// TextPart builds a text content part.
func TextPart(text string) ContentPart {
	return ContentPart{Type: PartTypeText, Text: text}
}

// ReasoningPart builds a reasoning content part.
func ReasoningPart(text string) ContentPart {
	return ContentPart{Type: PartTypeReasoning, Text: text}
}

// Message is one canonical chat turn.
type Message struct {
	Role  Role          `json:"role"`
	Parts []ContentPart `json:"parts"`
}

// Text concatenates the message's text parts.
func (m *Message) Text() string {
	var out string
	for _, p := range m.Parts {
		if p.Type == PartTypeText {
			out += p.Text
		}
	}
	return out
}

// ToolCalls returns the tool-use parts in order.
func (m *Message) ToolCalls() []*ToolCall {
	var calls []*ToolCall
	for i := range m.Parts {
		if m.Parts[i].Type == PartTypeToolUse && m.Parts[i].ToolCall != nil {
			calls = append(calls, m.Parts[i].ToolCall)
		}
	}
	return calls
}

// ToolResults returns the tool-result parts in order.
func (m *Message) ToolResults() []*ToolResult {
	var results []*ToolResult
	for i := range m.Parts {
		if m.Parts[i].Type == PartTypeToolResult && m.Parts[i].ToolResult != nil {
			results = append(results, m.Parts[i].ToolResult)
		}
	}
	return results
}

// HasImage reports whether any part is an image reference.
func (m *Message) HasImage() bool {
	for _, p := range m.Parts {
		if p.Type == PartTypeImage {
			return true
		}
	}
	return false
}

// ToolDefinition describes one tool schema offered to the model. Function
// tools carry Name/Description/Parameters. Provider-native tools (for
// example googleSearch) keep their original wire form in Raw and travel
// through the gateway verbatim; Name then holds the distinguishing key so
// tool filtering still applies.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  map[string]any  `json:"parameters,omitempty"`
	Raw         json.RawMessage `json:"raw,omitempty"`
}

// IsRaw reports whether the tool is a provider-native passthrough schema.
func (t ToolDefinition) IsRaw() bool { return len(t.Raw) > 0 }

// ToolChoice constrains tool selection: "auto", "none", "required", or an
// explicit tool name.
type ToolChoice string

const (
	ToolChoiceAuto     ToolChoice = "auto"
	ToolChoiceNone     ToolChoice = "none"
	ToolChoiceRequired ToolChoice = "required"
)

// ChatRequest is the canonical inbound request.
type ChatRequest struct {
	Model       string           `json:"model"`
	Messages    []Message        `json:"messages"`
	Tools       []ToolDefinition `json:"tools,omitempty"`
	ToolChoice  ToolChoice       `json:"tool_choice,omitempty"`
	Stream      bool             `json:"stream"`
	Temperature *float64         `json:"temperature,omitempty"`
	TopP        *float64         `json:"top_p,omitempty"`
	MaxTokens   *int             `json:"max_tokens,omitempty"`
	// Directives are explicit target selectors extracted from inline
	// markers in user text. The markers are removed before forwarding.
	Directives []Directive `json:"-"`
}

// Usage counts tokens for one exchange.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatResponse is the canonical upstream response.
type ChatResponse struct {
	ID           string       `json:"id"`
	Model        string       `json:"model"`
	Message      Message      `json:"message"`
	FinishReason FinishReason `json:"finish_reason"`
	Usage        Usage        `json:"usage"`
}
