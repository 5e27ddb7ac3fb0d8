package codec

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/routecodex/routecodex/pkg/protocol"
)

// OpenAI Chat Completions wire shapes.

type OpenAIRequest struct {
	Model       string            `json:"model"`
	Messages    []OpenAIMessage   `json:"messages"`
	MaxTokens   *int              `json:"max_tokens,omitempty"`
	Temperature *float64          `json:"temperature,omitempty"`
	TopP        *float64          `json:"top_p,omitempty"`
	Stream      bool              `json:"stream,omitempty"`
	Tools       []json.RawMessage `json:"tools,omitempty"`
	ToolChoice  json.RawMessage   `json:"tool_choice,omitempty"`
}

type OpenAIMessage struct {
	Role       string           `json:"role"`
	Content    json.RawMessage  `json:"content,omitempty"`
	ToolCalls  []OpenAIToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type OpenAIContentPart struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	ImageURL *OpenAIImageURL `json:"image_url,omitempty"`
}

type OpenAIImageURL struct {
	URL string `json:"url"`
}

type OpenAITool struct {
	Type     string             `json:"type"`
	Function OpenAIToolFunction `json:"function"`
}

type OpenAIToolFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type OpenAIToolCall struct {
	Index    *int               `json:"index,omitempty"`
	ID       string             `json:"id,omitempty"`
	Type     string             `json:"type,omitempty"`
	Function OpenAIFunctionCall `json:"function"`
}

type OpenAIFunctionCall struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

type OpenAIResponse struct {
	ID      string         `json:"id"`
	Object  string         `json:"object"`
	Created int64          `json:"created"`
	Model   string         `json:"model"`
	Choices []OpenAIChoice `json:"choices"`
	Usage   OpenAIUsage    `json:"usage"`
	Error   *OpenAIError   `json:"error,omitempty"`
}

type OpenAIChoice struct {
	Index        int           `json:"index"`
	Message      OpenAIMessage `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

type OpenAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type OpenAIError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

type OpenAIStreamResponse struct {
	ID      string               `json:"id"`
	Object  string               `json:"object"`
	Created int64                `json:"created"`
	Model   string               `json:"model"`
	Choices []OpenAIStreamChoice `json:"choices"`
	Usage   *OpenAIUsage         `json:"usage,omitempty"`
	Error   *OpenAIError         `json:"error,omitempty"`
}

type OpenAIStreamChoice struct {
	Index        int         `json:"index"`
	Delta        OpenAIDelta `json:"delta"`
	FinishReason *string     `json:"finish_reason"`
}

type OpenAIDelta struct {
	Role      string           `json:"role,omitempty"`
	Content   string           `json:"content,omitempty"`
	Reasoning string           `json:"reasoning,omitempty"`
	ToolCalls []OpenAIToolCall `json:"tool_calls,omitempty"`
}

type openAICodec struct {
	opts options
}

func (c *openAICodec) Protocol() Protocol { return ProtocolOpenAI }

func (c *openAICodec) DecodeRequest(payload []byte) (*protocol.ChatRequest, error) {
	var wire OpenAIRequest
	if err := json.Unmarshal(payload, &wire); err != nil {
		return nil, malformed("", err.Error())
	}
	if wire.Model == "" {
		return nil, malformed("model", "model is required")
	}
	if len(wire.Messages) == 0 {
		return nil, malformed("messages", "messages must be non-empty")
	}

	req := &protocol.ChatRequest{
		Model:       wire.Model,
		Stream:      wire.Stream,
		Temperature: wire.Temperature,
		TopP:        wire.TopP,
		MaxTokens:   wire.MaxTokens,
	}

	for i, wm := range wire.Messages {
		msg, err := c.decodeMessage(wm, fmt.Sprintf("messages[%d]", i))
		if err != nil {
			return nil, err
		}
		req.Messages = append(req.Messages, msg)
	}

	for i, rawTool := range wire.Tools {
		var t OpenAITool
		if err := json.Unmarshal(rawTool, &t); err != nil {
			return nil, malformed(fmt.Sprintf("tools[%d]", i), err.Error())
		}
		if t.Type == "function" {
			req.Tools = append(req.Tools, protocol.ToolDefinition{
				Name:        t.Function.Name,
				Description: t.Function.Description,
				Parameters:  t.Function.Parameters,
			})
			continue
		}
		// Provider-native tools pass through untouched.
		def, ok := rawToolDefinition(t.Type, rawTool)
		if !ok {
			if c.opts.relaxed {
				continue
			}
			return nil, unsupported(fmt.Sprintf("tools[%d]: unrecognized schema", i))
		}
		req.Tools = append(req.Tools, def)
	}

	if choice, err := decodeOpenAIToolChoice(wire.ToolChoice); err != nil {
		return nil, err
	} else if choice != "" {
		req.ToolChoice = choice
	}

	return req, nil
}

// tool_choice is either a string or {"type":"function","function":{"name":...}}.
func decodeOpenAIToolChoice(raw json.RawMessage) (protocol.ToolChoice, error) {
	if len(raw) == 0 {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return protocol.ToolChoice(s), nil
	}
	var obj struct {
		Function struct {
			Name string `json:"name"`
		} `json:"function"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return "", malformed("tool_choice", err.Error())
	}
	return protocol.ToolChoice(obj.Function.Name), nil
}

func (c *openAICodec) decodeMessage(wm OpenAIMessage, path string) (protocol.Message, error) {
	role := protocol.Role(wm.Role)
	if !role.Valid() {
		return protocol.Message{}, unsupported(fmt.Sprintf("role %q", wm.Role))
	}

	msg := protocol.Message{Role: role}

	if role == protocol.RoleTool {
		var content string
		if len(wm.Content) > 0 {
			if err := json.Unmarshal(wm.Content, &content); err != nil {
				return protocol.Message{}, malformed(path+".content", "tool content must be a string")
			}
		}
		if wm.ToolCallID == "" {
			return protocol.Message{}, malformed(path+".tool_call_id", "tool_call_id is required")
		}
		msg.Parts = append(msg.Parts, protocol.ContentPart{
			Type: protocol.PartTypeToolResult,
			ToolResult: &protocol.ToolResult{
				ToolCallID: wm.ToolCallID,
				Content:    content,
			},
		})
		return msg, nil
	}

	parts, err := c.decodeContent(wm.Content, path+".content")
	if err != nil {
		return protocol.Message{}, err
	}
	msg.Parts = parts

	for i, tc := range wm.ToolCalls {
		call, err := decodeOpenAIToolCall(tc, fmt.Sprintf("%s.tool_calls[%d]", path, i))
		if err != nil {
			return protocol.Message{}, err
		}
		msg.Parts = append(msg.Parts, protocol.ContentPart{
			Type:     protocol.PartTypeToolUse,
			ToolCall: call,
		})
	}

	return msg, nil
}

func (c *openAICodec) decodeContent(raw json.RawMessage, path string) ([]protocol.ContentPart, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		if text == "" {
			return nil, nil
		}
		return []protocol.ContentPart{protocol.TextPart(text)}, nil
	}

	var wireParts []OpenAIContentPart
	if err := json.Unmarshal(raw, &wireParts); err != nil {
		return nil, malformed(path, "content must be a string or array of parts")
	}

	var parts []protocol.ContentPart
	for i, wp := range wireParts {
		switch wp.Type {
		case "text":
			parts = append(parts, protocol.TextPart(wp.Text))
		case "image_url":
			if wp.ImageURL == nil {
				return nil, malformed(fmt.Sprintf("%s[%d].image_url", path, i), "image_url is required")
			}
			parts = append(parts, protocol.ContentPart{
				Type:     protocol.PartTypeImage,
				ImageURL: wp.ImageURL.URL,
			})
		default:
			if !c.opts.relaxed {
				return nil, unsupported(fmt.Sprintf("content part type %q", wp.Type))
			}
		}
	}
	return parts, nil
}

// decodeOpenAIToolCall parses the wire arguments string into structured args.
// Tool-call arguments are carried structured internally; the string form
// exists only on the OpenAI wire.
func decodeOpenAIToolCall(tc OpenAIToolCall, path string) (*protocol.ToolCall, error) {
	args := map[string]any{}
	if tc.Function.Arguments != "" {
		if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
			return nil, malformed(path+".function.arguments", "arguments must be a JSON object string")
		}
	}
	return &protocol.ToolCall{
		ID:   tc.ID,
		Name: tc.Function.Name,
		Args: args,
	}, nil
}

func (c *openAICodec) EncodeRequest(req *protocol.ChatRequest) ([]byte, error) {
	wire := OpenAIRequest{
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stream:      req.Stream,
	}

	for _, msg := range req.Messages {
		wire.Messages = append(wire.Messages, encodeOpenAIMessages(msg)...)
	}

	for _, t := range req.Tools {
		if t.IsRaw() {
			wire.Tools = append(wire.Tools, t.Raw)
			continue
		}
		data, err := json.Marshal(OpenAITool{
			Type: "function",
			Function: OpenAIToolFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
		if err != nil {
			return nil, err
		}
		wire.Tools = append(wire.Tools, data)
	}

	if req.ToolChoice != "" {
		raw, err := encodeOpenAIToolChoice(req.ToolChoice)
		if err != nil {
			return nil, err
		}
		wire.ToolChoice = raw
	}

	return json.Marshal(wire)
}

func encodeOpenAIToolChoice(choice protocol.ToolChoice) (json.RawMessage, error) {
	switch choice {
	case protocol.ToolChoiceAuto, protocol.ToolChoiceNone, protocol.ToolChoiceRequired:
		return json.Marshal(string(choice))
	default:
		return json.Marshal(map[string]any{
			"type": "function",
			"function": map[string]any{
				"name": string(choice),
			},
		})
	}
}

// encodeOpenAIMessages renders one canonical message as OpenAI wire
// messages. Tool results expand into individual role:tool messages.
func encodeOpenAIMessages(msg protocol.Message) []OpenAIMessage {
	if results := msg.ToolResults(); len(results) > 0 {
		out := make([]OpenAIMessage, 0, len(results))
		for _, tr := range results {
			content, _ := json.Marshal(tr.Content)
			out = append(out, OpenAIMessage{
				Role:       "tool",
				Content:    content,
				ToolCallID: tr.ToolCallID,
			})
		}
		return out
	}

	wm := OpenAIMessage{Role: string(msg.Role)}

	var parts []OpenAIContentPart
	textOnly := true
	for _, p := range msg.Parts {
		switch p.Type {
		case protocol.PartTypeText:
			parts = append(parts, OpenAIContentPart{Type: "text", Text: p.Text})
		case protocol.PartTypeImage:
			textOnly = false
			parts = append(parts, OpenAIContentPart{
				Type:     "image_url",
				ImageURL: &OpenAIImageURL{URL: p.ImageURL},
			})
		case protocol.PartTypeReasoning:
			// Reasoning stays internal; OpenAI chat has no wire slot for it.
		}
	}

	if textOnly {
		text := msg.Text()
		if text != "" {
			raw, _ := json.Marshal(text)
			wm.Content = raw
		}
	} else if len(parts) > 0 {
		raw, _ := json.Marshal(parts)
		wm.Content = raw
	}

	// Structured args become a JSON string exactly here (round-trip law:
	// re-decoding yields equal structured arguments).
	for _, tc := range msg.ToolCalls() {
		argsJSON, _ := json.Marshal(tc.Args)
		wm.ToolCalls = append(wm.ToolCalls, OpenAIToolCall{
			ID:   tc.ID,
			Type: "function",
			Function: OpenAIFunctionCall{
				Name:      tc.Name,
				Arguments: string(argsJSON),
			},
		})
	}

	return []OpenAIMessage{wm}
}

func (c *openAICodec) DecodeResponse(payload []byte) (*protocol.ChatResponse, error) {
	var wire OpenAIResponse
	if err := json.Unmarshal(payload, &wire); err != nil {
		return nil, malformed("", err.Error())
	}
	if wire.Error != nil {
		return nil, malformed("error", wire.Error.Message)
	}
	if len(wire.Choices) == 0 {
		return nil, malformed("choices", "no response choices returned")
	}

	choice := wire.Choices[0]
	resp := &protocol.ChatResponse{
		ID:    wire.ID,
		Model: wire.Model,
		Usage: protocol.Usage{
			PromptTokens:     wire.Usage.PromptTokens,
			CompletionTokens: wire.Usage.CompletionTokens,
			TotalTokens:      wire.Usage.TotalTokens,
		},
	}

	msg, err := c.decodeMessage(choice.Message, "choices[0].message")
	if err != nil {
		return nil, err
	}
	msg.Role = protocol.RoleAssistant
	resp.Message = msg

	if choice.FinishReason != "" {
		reason, err := protocol.FromOpenAIFinish(choice.FinishReason)
		if err != nil {
			return nil, unsupported(err.Error())
		}
		resp.FinishReason = reason
	} else {
		resp.FinishReason = protocol.FinishStop
	}

	return resp, nil
}

func (c *openAICodec) EncodeResponse(resp *protocol.ChatResponse) ([]byte, error) {
	wireMsgs := encodeOpenAIMessages(resp.Message)
	wm := OpenAIMessage{Role: "assistant"}
	if len(wireMsgs) > 0 {
		wm = wireMsgs[0]
		wm.Role = "assistant"
	}

	wire := OpenAIResponse{
		ID:      resp.ID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   resp.Model,
		Choices: []OpenAIChoice{{
			Index:        0,
			Message:      wm,
			FinishReason: protocol.ToOpenAIFinish(resp.FinishReason),
		}},
		Usage: OpenAIUsage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}
	return json.Marshal(wire)
}
