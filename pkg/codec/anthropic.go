package codec

import (
	"encoding/json"
	"fmt"

	"github.com/routecodex/routecodex/pkg/protocol"
)

// Anthropic Messages wire shapes.

type AnthropicRequest struct {
	Model       string             `json:"model"`
	Messages    []AnthropicMessage `json:"messages"`
	System      json.RawMessage    `json:"system,omitempty"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature *float64           `json:"temperature,omitempty"`
	TopP        *float64           `json:"top_p,omitempty"`
	Stream      bool               `json:"stream,omitempty"`
	Tools       []json.RawMessage  `json:"tools,omitempty"`
	ToolChoice  *AnthropicChoice   `json:"tool_choice,omitempty"`
}

type AnthropicMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type AnthropicContent struct {
	Type string `json:"type"`

	Text string `json:"text,omitempty"`

	// tool_use
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// tool_result
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`

	// thinking
	Thinking string `json:"thinking,omitempty"`

	// image
	Source *AnthropicImageSource `json:"source,omitempty"`
}

type AnthropicImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

// AnthropicTool is a client function tool. Server tools (web_search and
// friends) carry a non-empty Type and no input_schema; those pass through
// the canonical model as raw definitions.
type AnthropicTool struct {
	Type        string         `json:"type,omitempty"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
}

type AnthropicChoice struct {
	Type string `json:"type"`
	Name string `json:"name,omitempty"`
}

type AnthropicResponse struct {
	ID         string             `json:"id"`
	Type       string             `json:"type"`
	Role       string             `json:"role"`
	Model      string             `json:"model"`
	Content    []AnthropicContent `json:"content"`
	StopReason string             `json:"stop_reason,omitempty"`
	Usage      AnthropicUsage     `json:"usage"`
	Error      *AnthropicError    `json:"error,omitempty"`
}

type AnthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type AnthropicError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

const anthropicDefaultMaxTokens = 4096

type anthropicCodec struct {
	opts options
}

func (c *anthropicCodec) Protocol() Protocol { return ProtocolAnthropic }

func (c *anthropicCodec) DecodeRequest(payload []byte) (*protocol.ChatRequest, error) {
	var wire AnthropicRequest
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
	}
	if wire.MaxTokens > 0 {
		mt := wire.MaxTokens
		req.MaxTokens = &mt
	}

	if system, err := decodeAnthropicSystem(wire.System); err != nil {
		return nil, err
	} else if system != "" {
		req.Messages = append(req.Messages, protocol.Message{
			Role:  protocol.RoleSystem,
			Parts: []protocol.ContentPart{protocol.TextPart(system)},
		})
	}

	for i, wm := range wire.Messages {
		msg, err := c.decodeMessage(wm, fmt.Sprintf("messages[%d]", i))
		if err != nil {
			return nil, err
		}
		req.Messages = append(req.Messages, msg)
	}

	for i, rawTool := range wire.Tools {
		var t AnthropicTool
		if err := json.Unmarshal(rawTool, &t); err != nil {
			return nil, malformed(fmt.Sprintf("tools[%d]", i), err.Error())
		}
		if (t.Type == "" || t.Type == "custom") && t.Name != "" {
			req.Tools = append(req.Tools, protocol.ToolDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.InputSchema,
			})
			continue
		}
		name := t.Name
		if name == "" {
			name = t.Type
		}
		def, ok := rawToolDefinition(name, rawTool)
		if !ok {
			if c.opts.relaxed {
				continue
			}
			return nil, unsupported(fmt.Sprintf("tools[%d]: unrecognized schema", i))
		}
		req.Tools = append(req.Tools, def)
	}

	if wire.ToolChoice != nil {
		switch wire.ToolChoice.Type {
		case "auto":
			req.ToolChoice = protocol.ToolChoiceAuto
		case "any":
			req.ToolChoice = protocol.ToolChoiceRequired
		case "none":
			req.ToolChoice = protocol.ToolChoiceNone
		case "tool":
			req.ToolChoice = protocol.ToolChoice(wire.ToolChoice.Name)
		default:
			return nil, unsupported(fmt.Sprintf("tool_choice type %q", wire.ToolChoice.Type))
		}
	}

	return req, nil
}

// system is a plain string or an array of text blocks.
func decodeAnthropicSystem(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var blocks []AnthropicContent
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return "", malformed("system", "system must be a string or array of text blocks")
	}
	var out string
	for _, b := range blocks {
		out += b.Text
	}
	return out, nil
}

func (c *anthropicCodec) decodeMessage(wm AnthropicMessage, path string) (protocol.Message, error) {
	var role protocol.Role
	switch wm.Role {
	case "user":
		role = protocol.RoleUser
	case "assistant":
		role = protocol.RoleAssistant
	default:
		return protocol.Message{}, unsupported(fmt.Sprintf("role %q", wm.Role))
	}

	msg := protocol.Message{Role: role}

	var text string
	if err := json.Unmarshal(wm.Content, &text); err == nil {
		if text != "" {
			msg.Parts = append(msg.Parts, protocol.TextPart(text))
		}
		return msg, nil
	}

	var blocks []AnthropicContent
	if err := json.Unmarshal(wm.Content, &blocks); err != nil {
		return protocol.Message{}, malformed(path+".content", "content must be a string or array of blocks")
	}

	for i, b := range blocks {
		part, ok, err := c.decodeBlock(b, fmt.Sprintf("%s.content[%d]", path, i))
		if err != nil {
			return protocol.Message{}, err
		}
		if ok {
			msg.Parts = append(msg.Parts, part)
		}
	}

	return msg, nil
}

func (c *anthropicCodec) decodeBlock(b AnthropicContent, path string) (protocol.ContentPart, bool, error) {
	switch b.Type {
	case "text":
		return protocol.TextPart(b.Text), true, nil
	case "thinking":
		return protocol.ReasoningPart(b.Thinking), true, nil
	case "tool_use":
		if b.ID == "" || b.Name == "" {
			return protocol.ContentPart{}, false, malformed(path, "tool_use requires id and name")
		}
		args := b.Input
		if args == nil {
			args = map[string]any{}
		}
		return protocol.ContentPart{
			Type:     protocol.PartTypeToolUse,
			ToolCall: &protocol.ToolCall{ID: b.ID, Name: b.Name, Args: args},
		}, true, nil
	case "tool_result":
		if b.ToolUseID == "" {
			return protocol.ContentPart{}, false, malformed(path, "tool_result requires tool_use_id")
		}
		content, structured := decodeAnthropicToolResultContent(b.Content)
		return protocol.ContentPart{
			Type: protocol.PartTypeToolResult,
			ToolResult: &protocol.ToolResult{
				ToolCallID: b.ToolUseID,
				Content:    content,
				Structured: structured,
			},
		}, true, nil
	case "image":
		if b.Source == nil {
			return protocol.ContentPart{}, false, malformed(path, "image requires source")
		}
		url := b.Source.URL
		if url == "" && b.Source.Data != "" {
			url = fmt.Sprintf("data:%s;base64,%s", b.Source.MediaType, b.Source.Data)
		}
		return protocol.ContentPart{
			Type:      protocol.PartTypeImage,
			ImageURL:  url,
			MediaType: b.Source.MediaType,
		}, true, nil
	default:
		if c.opts.relaxed {
			return protocol.ContentPart{}, false, nil
		}
		return protocol.ContentPart{}, false, unsupported(fmt.Sprintf("content block type %q", b.Type))
	}
}

func decodeAnthropicToolResultContent(raw json.RawMessage) (string, map[string]any) {
	if len(raw) == 0 {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var blocks []AnthropicContent
	if err := json.Unmarshal(raw, &blocks); err == nil {
		var out string
		for _, b := range blocks {
			out += b.Text
		}
		return out, nil
	}
	var structured map[string]any
	if err := json.Unmarshal(raw, &structured); err == nil {
		return "", structured
	}
	return string(raw), nil
}

func (c *anthropicCodec) EncodeRequest(req *protocol.ChatRequest) ([]byte, error) {
	wire := AnthropicRequest{
		Model:       req.Model,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stream:      req.Stream,
		MaxTokens:   anthropicDefaultMaxTokens,
	}
	if req.MaxTokens != nil {
		wire.MaxTokens = *req.MaxTokens
	}

	var systemParts []string
	for _, msg := range req.Messages {
		if msg.Role == protocol.RoleSystem {
			if text := msg.Text(); text != "" {
				systemParts = append(systemParts, text)
			}
			continue
		}
		wm, err := encodeAnthropicMessage(msg)
		if err != nil {
			return nil, err
		}
		wire.Messages = append(wire.Messages, wm)
	}

	if len(systemParts) > 0 {
		system := systemParts[0]
		for _, p := range systemParts[1:] {
			system += "\n\n" + p
		}
		raw, _ := json.Marshal(system)
		wire.System = raw
	}

	for _, t := range req.Tools {
		if t.IsRaw() {
			wire.Tools = append(wire.Tools, t.Raw)
			continue
		}
		data, err := json.Marshal(AnthropicTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.Parameters,
		})
		if err != nil {
			return nil, err
		}
		wire.Tools = append(wire.Tools, data)
	}

	switch req.ToolChoice {
	case "":
	case protocol.ToolChoiceAuto:
		wire.ToolChoice = &AnthropicChoice{Type: "auto"}
	case protocol.ToolChoiceRequired:
		wire.ToolChoice = &AnthropicChoice{Type: "any"}
	case protocol.ToolChoiceNone:
		wire.ToolChoice = &AnthropicChoice{Type: "none"}
	default:
		wire.ToolChoice = &AnthropicChoice{Type: "tool", Name: string(req.ToolChoice)}
	}

	return json.Marshal(wire)
}

func encodeAnthropicMessage(msg protocol.Message) (AnthropicMessage, error) {
	role := "user"
	if msg.Role == protocol.RoleAssistant {
		role = "assistant"
	}

	var blocks []AnthropicContent
	for _, p := range msg.Parts {
		switch p.Type {
		case protocol.PartTypeText:
			blocks = append(blocks, AnthropicContent{Type: "text", Text: p.Text})
		case protocol.PartTypeReasoning:
			// Internal reasoning is not replayed to Anthropic; signatures
			// would be required for thinking blocks.
		case protocol.PartTypeImage:
			blocks = append(blocks, AnthropicContent{
				Type: "image",
				Source: &AnthropicImageSource{
					Type: "url",
					URL:  p.ImageURL,
				},
			})
		case protocol.PartTypeToolUse:
			blocks = append(blocks, AnthropicContent{
				Type:  "tool_use",
				ID:    p.ToolCall.ID,
				Name:  p.ToolCall.Name,
				Input: p.ToolCall.Args,
			})
		case protocol.PartTypeToolResult:
			// Tool results ride user-role messages on the Anthropic wire.
			role = "user"
			content, _ := json.Marshal(p.ToolResult.Content)
			blocks = append(blocks, AnthropicContent{
				Type:      "tool_result",
				ToolUseID: p.ToolResult.ToolCallID,
				Content:   content,
			})
		}
	}

	raw, err := json.Marshal(blocks)
	if err != nil {
		return AnthropicMessage{}, err
	}
	return AnthropicMessage{Role: role, Content: raw}, nil
}

func (c *anthropicCodec) DecodeResponse(payload []byte) (*protocol.ChatResponse, error) {
	var wire AnthropicResponse
	if err := json.Unmarshal(payload, &wire); err != nil {
		return nil, malformed("", err.Error())
	}
	if wire.Error != nil {
		return nil, malformed("error", wire.Error.Message)
	}

	resp := &protocol.ChatResponse{
		ID:    wire.ID,
		Model: wire.Model,
		Usage: protocol.Usage{
			PromptTokens:     wire.Usage.InputTokens,
			CompletionTokens: wire.Usage.OutputTokens,
			TotalTokens:      wire.Usage.InputTokens + wire.Usage.OutputTokens,
		},
	}

	msg := protocol.Message{Role: protocol.RoleAssistant}
	for i, b := range wire.Content {
		part, ok, err := c.decodeBlock(b, fmt.Sprintf("content[%d]", i))
		if err != nil {
			return nil, err
		}
		if ok {
			msg.Parts = append(msg.Parts, part)
		}
	}
	resp.Message = msg

	if wire.StopReason != "" {
		reason, err := protocol.FromAnthropicFinish(wire.StopReason)
		if err != nil {
			return nil, unsupported(err.Error())
		}
		resp.FinishReason = reason
	} else {
		resp.FinishReason = protocol.FinishStop
	}

	return resp, nil
}

func (c *anthropicCodec) EncodeResponse(resp *protocol.ChatResponse) ([]byte, error) {
	wire := AnthropicResponse{
		ID:         resp.ID,
		Type:       "message",
		Role:       "assistant",
		Model:      resp.Model,
		StopReason: protocol.ToAnthropicFinish(resp.FinishReason),
		Usage: AnthropicUsage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}

	for _, p := range resp.Message.Parts {
		switch p.Type {
		case protocol.PartTypeText:
			wire.Content = append(wire.Content, AnthropicContent{Type: "text", Text: p.Text})
		case protocol.PartTypeReasoning:
			wire.Content = append(wire.Content, AnthropicContent{Type: "thinking", Thinking: p.Text})
		case protocol.PartTypeToolUse:
			args := p.ToolCall.Args
			if args == nil {
				args = map[string]any{}
			}
			wire.Content = append(wire.Content, AnthropicContent{
				Type:  "tool_use",
				ID:    p.ToolCall.ID,
				Name:  p.ToolCall.Name,
				Input: args,
			})
		}
	}

	if wire.Content == nil {
		wire.Content = []AnthropicContent{}
	}

	return json.Marshal(wire)
}
