package codec

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/routecodex/routecodex/pkg/protocol"
)

// OpenAI Responses wire shapes. Input items may be messages or standalone
// reasoning / function-call blocks.

type ResponsesRequest struct {
	Model           string            `json:"model"`
	Input           json.RawMessage   `json:"input,omitempty"`
	Messages        json.RawMessage   `json:"messages,omitempty"`
	Instructions    string            `json:"instructions,omitempty"`
	MaxOutputTokens *int              `json:"max_output_tokens,omitempty"`
	Temperature     *float64          `json:"temperature,omitempty"`
	TopP            *float64          `json:"top_p,omitempty"`
	Stream          bool              `json:"stream,omitempty"`
	Tools           []json.RawMessage `json:"tools,omitempty"`
	ToolChoice      json.RawMessage   `json:"tool_choice,omitempty"`
}

type ResponsesTool struct {
	Type        string         `json:"type"`
	Name        string         `json:"name,omitempty"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type ResponsesItem struct {
	Type string `json:"type,omitempty"`

	// message
	Role    string          `json:"role,omitempty"`
	Content json.RawMessage `json:"content,omitempty"`

	// function_call
	ID        string `json:"id,omitempty"`
	CallID    string `json:"call_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`

	// function_call_output
	Output string `json:"output,omitempty"`

	// reasoning
	Summary []ResponsesContentPart `json:"summary,omitempty"`
}

type ResponsesContentPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
}

type ResponsesResponse struct {
	ID                string               `json:"id"`
	Object            string               `json:"object"`
	Model             string               `json:"model"`
	Status            string               `json:"status"`
	Output            []ResponsesItem      `json:"output"`
	Usage             *ResponsesUsage      `json:"usage,omitempty"`
	IncompleteDetails *ResponsesIncomplete `json:"incomplete_details,omitempty"`
	Error             *OpenAIError         `json:"error,omitempty"`
}

type ResponsesUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

type ResponsesIncomplete struct {
	Reason string `json:"reason"`
}

type responsesCodec struct {
	opts options
}

func (c *responsesCodec) Protocol() Protocol { return ProtocolResponses }

func (c *responsesCodec) DecodeRequest(payload []byte) (*protocol.ChatRequest, error) {
	var wire ResponsesRequest
	if err := json.Unmarshal(payload, &wire); err != nil {
		return nil, malformed("", err.Error())
	}
	if wire.Model == "" {
		return nil, malformed("model", "model is required")
	}

	req := &protocol.ChatRequest{
		Model:       wire.Model,
		Stream:      wire.Stream,
		Temperature: wire.Temperature,
		TopP:        wire.TopP,
		MaxTokens:   wire.MaxOutputTokens,
	}

	if wire.Instructions != "" {
		req.Messages = append(req.Messages, protocol.Message{
			Role:  protocol.RoleSystem,
			Parts: []protocol.ContentPart{protocol.TextPart(wire.Instructions)},
		})
	}

	switch {
	case len(wire.Input) > 0:
		msgs, err := c.decodeInput(wire.Input)
		if err != nil {
			return nil, err
		}
		req.Messages = append(req.Messages, msgs...)
	case len(wire.Messages) > 0:
		// The endpoint also accepts a chat-style messages array.
		var chatMsgs []OpenAIMessage
		if err := json.Unmarshal(wire.Messages, &chatMsgs); err != nil {
			return nil, malformed("messages", err.Error())
		}
		oa := openAICodec{opts: c.opts}
		for i, wm := range chatMsgs {
			msg, err := oa.decodeMessage(wm, fmt.Sprintf("messages[%d]", i))
			if err != nil {
				return nil, err
			}
			req.Messages = append(req.Messages, msg)
		}
	default:
		return nil, malformed("input", "input or messages is required")
	}

	if len(req.Messages) == 0 {
		return nil, malformed("input", "input must be non-empty")
	}

	for i, rawTool := range wire.Tools {
		var t ResponsesTool
		if err := json.Unmarshal(rawTool, &t); err != nil {
			return nil, malformed(fmt.Sprintf("tools[%d]", i), err.Error())
		}
		if t.Type == "function" {
			req.Tools = append(req.Tools, protocol.ToolDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			})
			continue
		}
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

// input is a bare string (single user turn) or an array of items.
func (c *responsesCodec) decodeInput(raw json.RawMessage) ([]protocol.Message, error) {
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return []protocol.Message{{
			Role:  protocol.RoleUser,
			Parts: []protocol.ContentPart{protocol.TextPart(text)},
		}}, nil
	}

	var items []ResponsesItem
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, malformed("input", "input must be a string or array of items")
	}

	var msgs []protocol.Message
	for i, item := range items {
		path := fmt.Sprintf("input[%d]", i)
		itemType := item.Type
		if itemType == "" && item.Role != "" {
			itemType = "message"
		}

		switch itemType {
		case "message":
			role := protocol.Role(item.Role)
			if !role.Valid() {
				return nil, unsupported(fmt.Sprintf("role %q", item.Role))
			}
			parts, err := c.decodeItemContent(item.Content, path+".content")
			if err != nil {
				return nil, err
			}
			msgs = append(msgs, protocol.Message{Role: role, Parts: parts})

		case "function_call":
			args := map[string]any{}
			if item.Arguments != "" {
				if err := json.Unmarshal([]byte(item.Arguments), &args); err != nil {
					return nil, malformed(path+".arguments", "arguments must be a JSON object string")
				}
			}
			callID := item.CallID
			if callID == "" {
				callID = item.ID
			}
			msgs = append(msgs, protocol.Message{
				Role: protocol.RoleAssistant,
				Parts: []protocol.ContentPart{{
					Type:     protocol.PartTypeToolUse,
					ToolCall: &protocol.ToolCall{ID: callID, Name: item.Name, Args: args},
				}},
			})

		case "function_call_output":
			if item.CallID == "" {
				return nil, malformed(path+".call_id", "call_id is required")
			}
			msgs = append(msgs, protocol.Message{
				Role: protocol.RoleTool,
				Parts: []protocol.ContentPart{{
					Type: protocol.PartTypeToolResult,
					ToolResult: &protocol.ToolResult{
						ToolCallID: item.CallID,
						Content:    item.Output,
					},
				}},
			})

		case "reasoning":
			var text string
			for _, s := range item.Summary {
				text += s.Text
			}
			msgs = append(msgs, protocol.Message{
				Role:  protocol.RoleAssistant,
				Parts: []protocol.ContentPart{protocol.ReasoningPart(text)},
			})

		default:
			if !c.opts.relaxed {
				return nil, unsupported(fmt.Sprintf("input item type %q", item.Type))
			}
		}
	}

	return msgs, nil
}

func (c *responsesCodec) decodeItemContent(raw json.RawMessage, path string) ([]protocol.ContentPart, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		if text == "" {
			return nil, nil
		}
		return []protocol.ContentPart{protocol.TextPart(text)}, nil
	}

	var parts []ResponsesContentPart
	if err := json.Unmarshal(raw, &parts); err != nil {
		return nil, malformed(path, "content must be a string or array of parts")
	}

	var out []protocol.ContentPart
	for _, p := range parts {
		switch p.Type {
		case "input_text", "output_text", "text":
			out = append(out, protocol.TextPart(p.Text))
		case "input_image":
			out = append(out, protocol.ContentPart{
				Type:     protocol.PartTypeImage,
				ImageURL: p.ImageURL,
			})
		default:
			if !c.opts.relaxed {
				return nil, unsupported(fmt.Sprintf("content part type %q", p.Type))
			}
		}
	}
	return out, nil
}

func (c *responsesCodec) EncodeRequest(req *protocol.ChatRequest) ([]byte, error) {
	wire := ResponsesRequest{
		Model:           req.Model,
		MaxOutputTokens: req.MaxTokens,
		Temperature:     req.Temperature,
		TopP:            req.TopP,
		Stream:          req.Stream,
	}

	var items []ResponsesItem
	for _, msg := range req.Messages {
		if msg.Role == protocol.RoleSystem {
			if wire.Instructions != "" {
				wire.Instructions += "\n\n"
			}
			wire.Instructions += msg.Text()
			continue
		}
		items = append(items, encodeResponsesItems(msg)...)
	}

	raw, err := json.Marshal(items)
	if err != nil {
		return nil, err
	}
	wire.Input = raw

	for _, t := range req.Tools {
		if t.IsRaw() {
			wire.Tools = append(wire.Tools, t.Raw)
			continue
		}
		data, err := json.Marshal(ResponsesTool{
			Type:        "function",
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		})
		if err != nil {
			return nil, err
		}
		wire.Tools = append(wire.Tools, data)
	}

	if req.ToolChoice != "" {
		rawChoice, err := encodeOpenAIToolChoice(req.ToolChoice)
		if err != nil {
			return nil, err
		}
		wire.ToolChoice = rawChoice
	}

	return json.Marshal(wire)
}

func encodeResponsesItems(msg protocol.Message) []ResponsesItem {
	var items []ResponsesItem

	partType := "input_text"
	if msg.Role == protocol.RoleAssistant {
		partType = "output_text"
	}

	var contentParts []ResponsesContentPart
	flushMessage := func() {
		if len(contentParts) == 0 {
			return
		}
		raw, _ := json.Marshal(contentParts)
		items = append(items, ResponsesItem{
			Type:    "message",
			Role:    string(msg.Role),
			Content: raw,
		})
		contentParts = nil
	}

	for _, p := range msg.Parts {
		switch p.Type {
		case protocol.PartTypeText:
			contentParts = append(contentParts, ResponsesContentPart{Type: partType, Text: p.Text})
		case protocol.PartTypeImage:
			contentParts = append(contentParts, ResponsesContentPart{Type: "input_image", ImageURL: p.ImageURL})
		case protocol.PartTypeReasoning:
			flushMessage()
			items = append(items, ResponsesItem{
				Type:    "reasoning",
				Summary: []ResponsesContentPart{{Type: "summary_text", Text: p.Text}},
			})
		case protocol.PartTypeToolUse:
			flushMessage()
			argsJSON, _ := json.Marshal(p.ToolCall.Args)
			items = append(items, ResponsesItem{
				Type:      "function_call",
				CallID:    p.ToolCall.ID,
				Name:      p.ToolCall.Name,
				Arguments: string(argsJSON),
			})
		case protocol.PartTypeToolResult:
			flushMessage()
			items = append(items, ResponsesItem{
				Type:   "function_call_output",
				CallID: p.ToolResult.ToolCallID,
				Output: p.ToolResult.Content,
			})
		}
	}
	flushMessage()

	return items
}

// Status strings carry incomplete reasons as "incomplete:<reason>" in the
// canonical mapping; the wire splits that into status + incomplete_details.
func splitResponsesStatus(s string) (status, reason string) {
	if idx := strings.Index(s, ":"); idx > 0 {
		return s[:idx], s[idx+1:]
	}
	return s, ""
}

func (c *responsesCodec) DecodeResponse(payload []byte) (*protocol.ChatResponse, error) {
	var wire ResponsesResponse
	if err := json.Unmarshal(payload, &wire); err != nil {
		return nil, malformed("", err.Error())
	}
	if wire.Error != nil {
		return nil, malformed("error", wire.Error.Message)
	}

	resp := &protocol.ChatResponse{
		ID:    wire.ID,
		Model: wire.Model,
	}
	if wire.Usage != nil {
		resp.Usage = protocol.Usage{
			PromptTokens:     wire.Usage.InputTokens,
			CompletionTokens: wire.Usage.OutputTokens,
			TotalTokens:      wire.Usage.TotalTokens,
		}
	}

	msg := protocol.Message{Role: protocol.RoleAssistant}
	for i, item := range wire.Output {
		path := fmt.Sprintf("output[%d]", i)
		switch item.Type {
		case "message":
			parts, err := c.decodeItemContent(item.Content, path+".content")
			if err != nil {
				return nil, err
			}
			msg.Parts = append(msg.Parts, parts...)
		case "function_call":
			args := map[string]any{}
			if item.Arguments != "" {
				if err := json.Unmarshal([]byte(item.Arguments), &args); err != nil {
					return nil, malformed(path+".arguments", "arguments must be a JSON object string")
				}
			}
			callID := item.CallID
			if callID == "" {
				callID = item.ID
			}
			msg.Parts = append(msg.Parts, protocol.ContentPart{
				Type:     protocol.PartTypeToolUse,
				ToolCall: &protocol.ToolCall{ID: callID, Name: item.Name, Args: args},
			})
		case "reasoning":
			var text string
			for _, s := range item.Summary {
				text += s.Text
			}
			msg.Parts = append(msg.Parts, protocol.ReasoningPart(text))
		default:
			if !c.opts.relaxed {
				return nil, unsupported(fmt.Sprintf("output item type %q", item.Type))
			}
		}
	}
	resp.Message = msg

	status := wire.Status
	if status == "incomplete" && wire.IncompleteDetails != nil {
		status = "incomplete:" + wire.IncompleteDetails.Reason
	}
	if status != "" {
		reason, err := protocol.FromResponsesFinish(status)
		if err != nil {
			return nil, unsupported(err.Error())
		}
		resp.FinishReason = reason
	} else {
		resp.FinishReason = protocol.FinishStop
	}

	return resp, nil
}

func (c *responsesCodec) EncodeResponse(resp *protocol.ChatResponse) ([]byte, error) {
	status, reason := splitResponsesStatus(protocol.ToResponsesFinish(resp.FinishReason))

	wire := ResponsesResponse{
		ID:     resp.ID,
		Object: "response",
		Model:  resp.Model,
		Status: status,
		Usage: &ResponsesUsage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
			TotalTokens:  resp.Usage.TotalTokens,
		},
		Output: []ResponsesItem{},
	}
	if reason != "" {
		wire.IncompleteDetails = &ResponsesIncomplete{Reason: reason}
	}

	wire.Output = append(wire.Output, encodeResponsesItems(resp.Message)...)

	return json.Marshal(wire)
}
