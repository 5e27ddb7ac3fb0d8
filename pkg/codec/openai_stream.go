package codec

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/routecodex/routecodex/pkg/protocol"
)

// openAIStreamDecoder consumes the OpenAI SSE delta stream. Tool-call
// argument fragments are accumulated per index so the final stop chunk
// carries fully parsed structured arguments.
type openAIStreamDecoder struct {
	tools      map[int]*toolAccum
	toolOrder  []int
	finish     protocol.FinishReason
	hasFinish  bool
	usage      *protocol.Usage
	doneIssued bool
}

type toolAccum struct {
	id   string
	name string
	args string
}

func (d *openAIStreamDecoder) Feed(event Event) ([]protocol.StreamChunk, error) {
	if event.Data == "[DONE]" {
		return d.finishChunks(), nil
	}

	var resp OpenAIStreamResponse
	if err := json.Unmarshal([]byte(event.Data), &resp); err != nil {
		// Tolerate non-JSON keepalive payloads the way the upstream SDKs do.
		return nil, nil
	}

	if resp.Error != nil {
		return nil, fmt.Errorf("upstream stream error: %s", resp.Error.Message)
	}

	if resp.Usage != nil {
		d.usage = &protocol.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		}
	}

	if len(resp.Choices) == 0 {
		return nil, nil
	}
	choice := resp.Choices[0]

	var chunks []protocol.StreamChunk

	if choice.Delta.Reasoning != "" {
		chunks = append(chunks, protocol.StreamChunk{
			Type: protocol.ChunkReasoning,
			Text: choice.Delta.Reasoning,
		})
	}

	if choice.Delta.Content != "" {
		chunks = append(chunks, protocol.StreamChunk{
			Type: protocol.ChunkText,
			Text: choice.Delta.Content,
		})
	}

	for _, dc := range choice.Delta.ToolCalls {
		idx := len(d.toolOrder)
		if dc.Index != nil {
			idx = *dc.Index
		} else if dc.ID == "" && len(d.toolOrder) > 0 {
			idx = d.toolOrder[len(d.toolOrder)-1]
		}

		if d.tools == nil {
			d.tools = make(map[int]*toolAccum)
		}

		if dc.ID != "" {
			d.tools[idx] = &toolAccum{id: dc.ID, name: dc.Function.Name}
			d.toolOrder = append(d.toolOrder, idx)
			chunks = append(chunks, protocol.StreamChunk{
				Type:      protocol.ChunkToolCallStart,
				ToolIndex: idx,
				ToolCall:  &protocol.ToolCall{ID: dc.ID, Name: dc.Function.Name},
			})
		}

		if dc.Function.Arguments != "" {
			if acc, ok := d.tools[idx]; ok {
				acc.args += dc.Function.Arguments
			}
			chunks = append(chunks, protocol.StreamChunk{
				Type:      protocol.ChunkToolCallDelta,
				ToolIndex: idx,
				ArgsDelta: dc.Function.Arguments,
			})
		}
	}

	if choice.FinishReason != nil && *choice.FinishReason != "" {
		reason, err := protocol.FromOpenAIFinish(*choice.FinishReason)
		if err != nil {
			return nil, err
		}
		d.finish = reason
		d.hasFinish = true
		chunks = append(chunks, d.toolStops()...)
	}

	return chunks, nil
}

func (d *openAIStreamDecoder) toolStops() []protocol.StreamChunk {
	var chunks []protocol.StreamChunk
	for _, idx := range d.toolOrder {
		acc := d.tools[idx]
		args := map[string]any{}
		if acc.args != "" {
			_ = json.Unmarshal([]byte(acc.args), &args)
		}
		chunks = append(chunks, protocol.StreamChunk{
			Type:      protocol.ChunkToolCallStop,
			ToolIndex: idx,
			ToolCall:  &protocol.ToolCall{ID: acc.id, Name: acc.name, Args: args},
		})
	}
	d.toolOrder = nil
	return chunks
}

func (d *openAIStreamDecoder) finishChunks() []protocol.StreamChunk {
	if d.doneIssued {
		return nil
	}
	d.doneIssued = true
	reason := d.finish
	if !d.hasFinish {
		reason = protocol.FinishStop
	}
	chunks := d.toolStops()
	chunks = append(chunks, protocol.StreamChunk{
		Type:         protocol.ChunkDone,
		FinishReason: reason,
		Usage:        d.usage,
	})
	return chunks
}

// openAIStreamEncoder emits chat.completion.chunk events followed by the
// terminal [DONE].
type openAIStreamEncoder struct {
	id       string
	model    string
	created  int64
	sentRole bool
}

func newOpenAIStreamEncoder(model string) *openAIStreamEncoder {
	return &openAIStreamEncoder{
		id:      "chatcmpl-" + uuid.NewString(),
		model:   model,
		created: time.Now().Unix(),
	}
}

func (e *openAIStreamEncoder) chunk(delta OpenAIDelta, finish *string, usage *OpenAIUsage) Event {
	if !e.sentRole {
		delta.Role = "assistant"
		e.sentRole = true
	}
	resp := OpenAIStreamResponse{
		ID:      e.id,
		Object:  "chat.completion.chunk",
		Created: e.created,
		Model:   e.model,
		Choices: []OpenAIStreamChoice{{Delta: delta, FinishReason: finish}},
		Usage:   usage,
	}
	data, _ := json.Marshal(resp)
	return Event{Data: string(data)}
}

func (e *openAIStreamEncoder) Encode(chunk protocol.StreamChunk) []Event {
	switch chunk.Type {
	case protocol.ChunkText:
		return []Event{e.chunk(OpenAIDelta{Content: chunk.Text}, nil, nil)}
	case protocol.ChunkReasoning:
		return []Event{e.chunk(OpenAIDelta{Reasoning: chunk.Text}, nil, nil)}
	case protocol.ChunkToolCallStart:
		idx := chunk.ToolIndex
		return []Event{e.chunk(OpenAIDelta{ToolCalls: []OpenAIToolCall{{
			Index: &idx,
			ID:    chunk.ToolCall.ID,
			Type:  "function",
			Function: OpenAIFunctionCall{
				Name: chunk.ToolCall.Name,
			},
		}}}, nil, nil)}
	case protocol.ChunkToolCallDelta:
		idx := chunk.ToolIndex
		return []Event{e.chunk(OpenAIDelta{ToolCalls: []OpenAIToolCall{{
			Index: &idx,
			Function: OpenAIFunctionCall{
				Arguments: chunk.ArgsDelta,
			},
		}}}, nil, nil)}
	default:
		// Stops and terminal chunks are rendered by Finish.
		return nil
	}
}

func (e *openAIStreamEncoder) Finish(reason protocol.FinishReason, usage *protocol.Usage) []Event {
	finish := protocol.ToOpenAIFinish(reason)
	var wireUsage *OpenAIUsage
	if usage != nil {
		wireUsage = &OpenAIUsage{
			PromptTokens:     usage.PromptTokens,
			CompletionTokens: usage.CompletionTokens,
			TotalTokens:      usage.TotalTokens,
		}
	}
	return []Event{
		e.chunk(OpenAIDelta{}, &finish, wireUsage),
		{Data: "[DONE]"},
	}
}

func (c *openAICodec) NewStreamDecoder() StreamDecoder {
	return &openAIStreamDecoder{}
}

func (c *openAICodec) NewStreamEncoder(model string) StreamEncoder {
	return newOpenAIStreamEncoder(model)
}
