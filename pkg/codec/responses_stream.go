package codec

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/routecodex/routecodex/pkg/protocol"
)

type ResponsesStreamEvent struct {
	Type     string             `json:"type"`
	Delta    string             `json:"delta,omitempty"`
	Item     *ResponsesItem     `json:"item,omitempty"`
	Response *ResponsesResponse `json:"response,omitempty"`
	Error    *OpenAIError       `json:"error,omitempty"`
}

// responsesStreamDecoder consumes the Responses event stream.
type responsesStreamDecoder struct {
	toolIndex  int
	curTool    *toolAccum
	doneIssued bool
}

func (d *responsesStreamDecoder) Feed(event Event) ([]protocol.StreamChunk, error) {
	var ev ResponsesStreamEvent
	if err := json.Unmarshal([]byte(event.Data), &ev); err != nil {
		return nil, nil
	}

	switch ev.Type {
	case "response.output_text.delta":
		return []protocol.StreamChunk{{Type: protocol.ChunkText, Text: ev.Delta}}, nil

	case "response.reasoning_summary_text.delta":
		return []protocol.StreamChunk{{Type: protocol.ChunkReasoning, Text: ev.Delta}}, nil

	case "response.output_item.added":
		if ev.Item != nil && ev.Item.Type == "function_call" {
			callID := ev.Item.CallID
			if callID == "" {
				callID = ev.Item.ID
			}
			d.curTool = &toolAccum{id: callID, name: ev.Item.Name}
			return []protocol.StreamChunk{{
				Type:      protocol.ChunkToolCallStart,
				ToolIndex: d.toolIndex,
				ToolCall:  &protocol.ToolCall{ID: callID, Name: ev.Item.Name},
			}}, nil
		}
		return nil, nil

	case "response.function_call_arguments.delta":
		if d.curTool != nil {
			d.curTool.args += ev.Delta
		}
		return []protocol.StreamChunk{{
			Type:      protocol.ChunkToolCallDelta,
			ToolIndex: d.toolIndex,
			ArgsDelta: ev.Delta,
		}}, nil

	case "response.output_item.done":
		if d.curTool != nil && ev.Item != nil && ev.Item.Type == "function_call" {
			acc := d.curTool
			d.curTool = nil
			idx := d.toolIndex
			d.toolIndex++
			args := map[string]any{}
			if acc.args != "" {
				_ = json.Unmarshal([]byte(acc.args), &args)
			}
			return []protocol.StreamChunk{{
				Type:      protocol.ChunkToolCallStop,
				ToolIndex: idx,
				ToolCall:  &protocol.ToolCall{ID: acc.id, Name: acc.name, Args: args},
			}}, nil
		}
		return nil, nil

	case "response.failed", "error":
		msg := "stream error"
		if ev.Error != nil && ev.Error.Message != "" {
			msg = ev.Error.Message
		} else if ev.Response != nil && ev.Response.Error != nil {
			msg = ev.Response.Error.Message
		}
		return nil, fmt.Errorf("upstream stream error: %s", msg)

	case "response.completed", "response.incomplete", "response.requires_action":
		if d.doneIssued {
			return nil, nil
		}
		d.doneIssued = true

		reason := protocol.FinishStop
		var usage *protocol.Usage
		if ev.Response != nil {
			status := ev.Response.Status
			if status == "incomplete" && ev.Response.IncompleteDetails != nil {
				status = "incomplete:" + ev.Response.IncompleteDetails.Reason
			}
			if r, err := protocol.FromResponsesFinish(status); err == nil {
				reason = r
			}
			if ev.Response.Usage != nil {
				usage = &protocol.Usage{
					PromptTokens:     ev.Response.Usage.InputTokens,
					CompletionTokens: ev.Response.Usage.OutputTokens,
					TotalTokens:      ev.Response.Usage.TotalTokens,
				}
			}
		}
		return []protocol.StreamChunk{{
			Type:         protocol.ChunkDone,
			FinishReason: reason,
			Usage:        usage,
		}}, nil
	}

	return nil, nil
}

// responsesStreamEncoder renders the Responses event sequence for the
// client, ending with a response.completed (or incomplete) event.
type responsesStreamEncoder struct {
	id      string
	model   string
	started bool
}

func newResponsesStreamEncoder(model string) *responsesStreamEncoder {
	return &responsesStreamEncoder{
		id:    "resp_" + uuid.NewString(),
		model: model,
	}
}

func responsesEvent(name string, payload any) Event {
	data, _ := json.Marshal(payload)
	return Event{Name: name, Data: string(data)}
}

func (e *responsesStreamEncoder) start() []Event {
	if e.started {
		return nil
	}
	e.started = true
	return []Event{responsesEvent("response.created", ResponsesStreamEvent{
		Type: "response.created",
		Response: &ResponsesResponse{
			ID:     e.id,
			Object: "response",
			Model:  e.model,
			Status: "in_progress",
			Output: []ResponsesItem{},
		},
	})}
}

func (e *responsesStreamEncoder) Encode(chunk protocol.StreamChunk) []Event {
	events := e.start()

	switch chunk.Type {
	case protocol.ChunkText:
		events = append(events, responsesEvent("response.output_text.delta", ResponsesStreamEvent{
			Type:  "response.output_text.delta",
			Delta: chunk.Text,
		}))
	case protocol.ChunkReasoning:
		events = append(events, responsesEvent("response.reasoning_summary_text.delta", ResponsesStreamEvent{
			Type:  "response.reasoning_summary_text.delta",
			Delta: chunk.Text,
		}))
	case protocol.ChunkToolCallStart:
		events = append(events, responsesEvent("response.output_item.added", ResponsesStreamEvent{
			Type: "response.output_item.added",
			Item: &ResponsesItem{
				Type:   "function_call",
				CallID: chunk.ToolCall.ID,
				Name:   chunk.ToolCall.Name,
			},
		}))
	case protocol.ChunkToolCallDelta:
		events = append(events, responsesEvent("response.function_call_arguments.delta", ResponsesStreamEvent{
			Type:  "response.function_call_arguments.delta",
			Delta: chunk.ArgsDelta,
		}))
	case protocol.ChunkToolCallStop:
		argsJSON, _ := json.Marshal(chunk.ToolCall.Args)
		events = append(events, responsesEvent("response.output_item.done", ResponsesStreamEvent{
			Type: "response.output_item.done",
			Item: &ResponsesItem{
				Type:      "function_call",
				CallID:    chunk.ToolCall.ID,
				Name:      chunk.ToolCall.Name,
				Arguments: string(argsJSON),
			},
		}))
	}

	return events
}

func (e *responsesStreamEncoder) Finish(reason protocol.FinishReason, usage *protocol.Usage) []Event {
	events := e.start()

	status, incompleteReason := splitResponsesStatus(protocol.ToResponsesFinish(reason))
	resp := &ResponsesResponse{
		ID:     e.id,
		Object: "response",
		Model:  e.model,
		Status: status,
		Output: []ResponsesItem{},
	}
	if incompleteReason != "" {
		resp.IncompleteDetails = &ResponsesIncomplete{Reason: incompleteReason}
	}
	if usage != nil {
		resp.Usage = &ResponsesUsage{
			InputTokens:  usage.PromptTokens,
			OutputTokens: usage.CompletionTokens,
			TotalTokens:  usage.TotalTokens,
		}
	}

	eventName := "response." + status
	events = append(events, responsesEvent(eventName, ResponsesStreamEvent{
		Type:     eventName,
		Response: resp,
	}))
	return events
}

func (c *responsesCodec) NewStreamDecoder() StreamDecoder {
	return &responsesStreamDecoder{}
}

func (c *responsesCodec) NewStreamEncoder(model string) StreamEncoder {
	return newResponsesStreamEncoder(model)
}
