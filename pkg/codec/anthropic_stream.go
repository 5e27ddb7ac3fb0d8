package codec

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/routecodex/routecodex/pkg/protocol"
)

type AnthropicStreamEvent struct {
	Type         string             `json:"type"`
	Index        int                `json:"index,omitempty"`
	Message      *AnthropicResponse `json:"message,omitempty"`
	ContentBlock *AnthropicContent  `json:"content_block,omitempty"`
	Delta        *AnthropicDelta    `json:"delta,omitempty"`
	Usage        *AnthropicUsage    `json:"usage,omitempty"`
	Error        *AnthropicError    `json:"error,omitempty"`
}

type AnthropicDelta struct {
	Type        string `json:"type,omitempty"`
	Text        string `json:"text,omitempty"`
	Thinking    string `json:"thinking,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
	StopReason  string `json:"stop_reason,omitempty"`
}

// anthropicStreamDecoder consumes the Anthropic event stream, accumulating
// input_json deltas per content block so the stop chunk carries parsed args.
type anthropicStreamDecoder struct {
	tools      map[int]*toolAccum
	usage      protocol.Usage
	finish     protocol.FinishReason
	hasFinish  bool
	doneIssued bool
}

func (d *anthropicStreamDecoder) Feed(event Event) ([]protocol.StreamChunk, error) {
	var ev AnthropicStreamEvent
	if err := json.Unmarshal([]byte(event.Data), &ev); err != nil {
		// Tolerate non-JSON keepalive payloads; real failures arrive as
		// typed error events.
		return nil, nil
	}

	switch ev.Type {
	case "error":
		msg := "stream error"
		if ev.Error != nil {
			msg = ev.Error.Message
		}
		return nil, fmt.Errorf("upstream stream error: %s", msg)

	case "message_start":
		if ev.Message != nil {
			d.usage.PromptTokens = ev.Message.Usage.InputTokens
		}
		return nil, nil

	case "content_block_start":
		if ev.ContentBlock != nil && ev.ContentBlock.Type == "tool_use" {
			if d.tools == nil {
				d.tools = make(map[int]*toolAccum)
			}
			d.tools[ev.Index] = &toolAccum{id: ev.ContentBlock.ID, name: ev.ContentBlock.Name}
			return []protocol.StreamChunk{{
				Type:      protocol.ChunkToolCallStart,
				ToolIndex: ev.Index,
				ToolCall:  &protocol.ToolCall{ID: ev.ContentBlock.ID, Name: ev.ContentBlock.Name},
			}}, nil
		}
		return nil, nil

	case "content_block_delta":
		if ev.Delta == nil {
			return nil, nil
		}
		switch ev.Delta.Type {
		case "text_delta":
			return []protocol.StreamChunk{{Type: protocol.ChunkText, Text: ev.Delta.Text}}, nil
		case "thinking_delta":
			return []protocol.StreamChunk{{Type: protocol.ChunkReasoning, Text: ev.Delta.Thinking}}, nil
		case "input_json_delta":
			if acc, ok := d.tools[ev.Index]; ok {
				acc.args += ev.Delta.PartialJSON
			}
			return []protocol.StreamChunk{{
				Type:      protocol.ChunkToolCallDelta,
				ToolIndex: ev.Index,
				ArgsDelta: ev.Delta.PartialJSON,
			}}, nil
		}
		return nil, nil

	case "content_block_stop":
		if acc, ok := d.tools[ev.Index]; ok {
			delete(d.tools, ev.Index)
			args := map[string]any{}
			if acc.args != "" {
				_ = json.Unmarshal([]byte(acc.args), &args)
			}
			return []protocol.StreamChunk{{
				Type:      protocol.ChunkToolCallStop,
				ToolIndex: ev.Index,
				ToolCall:  &protocol.ToolCall{ID: acc.id, Name: acc.name, Args: args},
			}}, nil
		}
		return nil, nil

	case "message_delta":
		if ev.Usage != nil {
			d.usage.CompletionTokens = ev.Usage.OutputTokens
		}
		if ev.Delta != nil && ev.Delta.StopReason != "" {
			reason, err := protocol.FromAnthropicFinish(ev.Delta.StopReason)
			if err != nil {
				return nil, err
			}
			d.finish = reason
			d.hasFinish = true
		}
		return nil, nil

	case "message_stop":
		if d.doneIssued {
			return nil, nil
		}
		d.doneIssued = true
		reason := d.finish
		if !d.hasFinish {
			reason = protocol.FinishStop
		}
		usage := d.usage
		usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
		return []protocol.StreamChunk{{
			Type:         protocol.ChunkDone,
			FinishReason: reason,
			Usage:        &usage,
		}}, nil
	}

	// ping and unknown event types are ignored.
	return nil, nil
}

// anthropicStreamEncoder renders the Anthropic event sequence:
// message_start, content_block_start/delta/stop per block, message_delta
// with the stop reason, then message_stop.
type anthropicStreamEncoder struct {
	id         string
	model      string
	started    bool
	blockIndex int
	blockOpen  bool
	blockType  string
}

func newAnthropicStreamEncoder(model string) *anthropicStreamEncoder {
	return &anthropicStreamEncoder{
		id:         "msg_" + uuid.NewString(),
		model:      model,
		blockIndex: -1,
	}
}

func anthropicEvent(name string, payload any) Event {
	data, _ := json.Marshal(payload)
	return Event{Name: name, Data: string(data)}
}

func (e *anthropicStreamEncoder) start() []Event {
	if e.started {
		return nil
	}
	e.started = true
	return []Event{anthropicEvent("message_start", AnthropicStreamEvent{
		Type: "message_start",
		Message: &AnthropicResponse{
			ID:      e.id,
			Type:    "message",
			Role:    "assistant",
			Model:   e.model,
			Content: []AnthropicContent{},
		},
	})}
}

func (e *anthropicStreamEncoder) openBlock(blockType string, block AnthropicContent) []Event {
	events := e.closeBlock()
	e.blockIndex++
	e.blockOpen = true
	e.blockType = blockType
	events = append(events, anthropicEvent("content_block_start", AnthropicStreamEvent{
		Type:         "content_block_start",
		Index:        e.blockIndex,
		ContentBlock: &block,
	}))
	return events
}

func (e *anthropicStreamEncoder) closeBlock() []Event {
	if !e.blockOpen {
		return nil
	}
	e.blockOpen = false
	return []Event{anthropicEvent("content_block_stop", AnthropicStreamEvent{
		Type:  "content_block_stop",
		Index: e.blockIndex,
	})}
}

func (e *anthropicStreamEncoder) Encode(chunk protocol.StreamChunk) []Event {
	events := e.start()

	switch chunk.Type {
	case protocol.ChunkText:
		if !e.blockOpen || e.blockType != "text" {
			events = append(events, e.openBlock("text", AnthropicContent{Type: "text"})...)
		}
		events = append(events, anthropicEvent("content_block_delta", AnthropicStreamEvent{
			Type:  "content_block_delta",
			Index: e.blockIndex,
			Delta: &AnthropicDelta{Type: "text_delta", Text: chunk.Text},
		}))

	case protocol.ChunkReasoning:
		if !e.blockOpen || e.blockType != "thinking" {
			events = append(events, e.openBlock("thinking", AnthropicContent{Type: "thinking"})...)
		}
		events = append(events, anthropicEvent("content_block_delta", AnthropicStreamEvent{
			Type:  "content_block_delta",
			Index: e.blockIndex,
			Delta: &AnthropicDelta{Type: "thinking_delta", Thinking: chunk.Text},
		}))

	case protocol.ChunkToolCallStart:
		events = append(events, e.openBlock("tool_use", AnthropicContent{
			Type:  "tool_use",
			ID:    chunk.ToolCall.ID,
			Name:  chunk.ToolCall.Name,
			Input: map[string]any{},
		})...)

	case protocol.ChunkToolCallDelta:
		events = append(events, anthropicEvent("content_block_delta", AnthropicStreamEvent{
			Type:  "content_block_delta",
			Index: e.blockIndex,
			Delta: &AnthropicDelta{Type: "input_json_delta", PartialJSON: chunk.ArgsDelta},
		}))

	case protocol.ChunkToolCallStop:
		events = append(events, e.closeBlock()...)
	}

	return events
}

func (e *anthropicStreamEncoder) Finish(reason protocol.FinishReason, usage *protocol.Usage) []Event {
	events := e.start()
	events = append(events, e.closeBlock()...)

	var wireUsage *AnthropicUsage
	if usage != nil {
		wireUsage = &AnthropicUsage{
			InputTokens:  usage.PromptTokens,
			OutputTokens: usage.CompletionTokens,
		}
	}

	events = append(events,
		anthropicEvent("message_delta", AnthropicStreamEvent{
			Type:  "message_delta",
			Delta: &AnthropicDelta{StopReason: protocol.ToAnthropicFinish(reason)},
			Usage: wireUsage,
		}),
		anthropicEvent("message_stop", AnthropicStreamEvent{Type: "message_stop"}),
	)
	return events
}

func (c *anthropicCodec) NewStreamDecoder() StreamDecoder {
	return &anthropicStreamDecoder{}
}

func (c *anthropicCodec) NewStreamEncoder(model string) StreamEncoder {
	return newAnthropicStreamEncoder(model)
}
