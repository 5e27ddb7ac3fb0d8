package pipeline

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/routecodex/routecodex/pkg/codec"
	"github.com/routecodex/routecodex/pkg/protocol"
	"github.com/routecodex/routecodex/pkg/rcerr"
	"github.com/routecodex/routecodex/pkg/transport"
)

// maxArgsDeltaBytes bounds one simulated input_json delta fragment.
const maxArgsDeltaBytes = 64

// bridge converts the transport outcome into the inbound protocol's shape,
// covering all four stream/non-stream combinations. The terminal event is
// emitted exactly once on every successful streaming path.
func (o *Orchestrator) bridge(ctx context.Context, log *slog.Logger, inCodec codec.Codec, req *protocol.ChatRequest, model string, result *transport.SendResult) (*Result, error) {
	switch {
	case !req.Stream && result.Response != nil:
		body, err := inCodec.EncodeResponse(result.Response)
		if err != nil {
			return nil, rcerr.Wrap(rcerr.KindInternal, "pipeline", "encode response", err)
		}
		return &Result{Body: body}, nil

	case !req.Stream && result.Stream != nil:
		resp, err := aggregateStream(result.Stream, model)
		if err != nil {
			return nil, err
		}
		body, err := inCodec.EncodeResponse(resp)
		if err != nil {
			return nil, rcerr.Wrap(rcerr.KindInternal, "pipeline", "encode aggregated response", err)
		}
		return &Result{Body: body}, nil

	case req.Stream && result.Stream != nil:
		return &Result{Events: o.forwardStream(ctx, log, inCodec, model, result.Stream)}, nil

	default:
		return &Result{Events: o.simulateStream(inCodec, model, result.Response)}, nil
	}
}

// forwardStream relays upstream chunks into the inbound protocol as they
// arrive.
func (o *Orchestrator) forwardStream(ctx context.Context, log *slog.Logger, inCodec codec.Codec, model string, handle *transport.StreamHandle) <-chan codec.Event {
	out := make(chan codec.Event, 16)
	enc := inCodec.NewStreamEncoder(model)

	go func() {
		defer close(out)
		defer handle.Close()

		finish := protocol.FinishStop
		var usage *protocol.Usage

		for chunk := range handle.Chunks() {
			select {
			case <-ctx.Done():
				emitAll(out, encodeStreamError(inCodec.Protocol(),
					rcerr.Wrap(rcerr.KindCancelled, "pipeline", "client cancelled", ctx.Err())))
				return
			default:
			}

			if chunk.Type == protocol.ChunkDone {
				finish = chunk.FinishReason
				usage = chunk.Usage
				continue
			}
			emitAll(out, enc.Encode(chunk))
		}

		if err := handle.Err(); err != nil {
			log.Warn("upstream stream interrupted", "error", err)
			emitAll(out, encodeStreamError(inCodec.Protocol(), err))
			return
		}

		// A stream that ends without a done chunk still terminates cleanly
		// for the client.
		emitAll(out, enc.Finish(finish, usage))
	}()

	return out
}

// simulateStream synthesizes the inbound protocol's event sequence from a
// complete response. Tool-call arguments are split into bounded append-only
// fragments so clients exercise the same accumulation path as with a real
// upstream stream.
func (o *Orchestrator) simulateStream(inCodec codec.Codec, model string, resp *protocol.ChatResponse) <-chan codec.Event {
	out := make(chan codec.Event, 16)
	enc := inCodec.NewStreamEncoder(model)

	go func() {
		defer close(out)

		toolIndex := 0
		for _, part := range resp.Message.Parts {
			switch part.Type {
			case protocol.PartTypeReasoning:
				emitAll(out, enc.Encode(protocol.StreamChunk{
					Type: protocol.ChunkReasoning,
					Text: part.Text,
				}))
			case protocol.PartTypeText:
				emitAll(out, enc.Encode(protocol.StreamChunk{
					Type: protocol.ChunkText,
					Text: part.Text,
				}))
			case protocol.PartTypeToolUse:
				if part.ToolCall == nil {
					continue
				}
				emitAll(out, enc.Encode(protocol.StreamChunk{
					Type:      protocol.ChunkToolCallStart,
					ToolIndex: toolIndex,
					ToolCall:  &protocol.ToolCall{ID: part.ToolCall.ID, Name: part.ToolCall.Name},
				}))
				args, err := json.Marshal(part.ToolCall.Args)
				if err != nil {
					args = []byte("{}")
				}
				for _, frag := range splitBounded(string(args), maxArgsDeltaBytes) {
					emitAll(out, enc.Encode(protocol.StreamChunk{
						Type:      protocol.ChunkToolCallDelta,
						ToolIndex: toolIndex,
						ArgsDelta: frag,
					}))
				}
				emitAll(out, enc.Encode(protocol.StreamChunk{
					Type:      protocol.ChunkToolCallStop,
					ToolIndex: toolIndex,
					ToolCall:  part.ToolCall,
				}))
				toolIndex++
			}
		}

		emitAll(out, enc.Finish(resp.FinishReason, &resp.Usage))
	}()

	return out
}

// aggregateStream drains an upstream stream into a single canonical
// response for clients that asked stream:false.
func aggregateStream(handle *transport.StreamHandle, model string) (*protocol.ChatResponse, error) {
	defer handle.Close()

	var (
		text      string
		reasoning string
		toolStops []protocol.ToolCall
		finish    = protocol.FinishStop
		usage     protocol.Usage
	)

	for chunk := range handle.Chunks() {
		switch chunk.Type {
		case protocol.ChunkText:
			text += chunk.Text
		case protocol.ChunkReasoning:
			reasoning += chunk.Text
		case protocol.ChunkToolCallStop:
			if chunk.ToolCall != nil {
				toolStops = append(toolStops, *chunk.ToolCall)
			}
		case protocol.ChunkDone:
			finish = chunk.FinishReason
			if chunk.Usage != nil {
				usage = *chunk.Usage
			}
		}
	}
	if err := handle.Err(); err != nil {
		return nil, err
	}

	var parts []protocol.ContentPart
	if reasoning != "" {
		parts = append(parts, protocol.ReasoningPart(reasoning))
	}
	if text != "" {
		parts = append(parts, protocol.TextPart(text))
	}
	for i := range toolStops {
		parts = append(parts, protocol.ContentPart{
			Type:     protocol.PartTypeToolUse,
			ToolCall: &toolStops[i],
		})
	}

	return &protocol.ChatResponse{
		Model: model,
		Message: protocol.Message{
			Role:  protocol.RoleAssistant,
			Parts: parts,
		},
		FinishReason: finish,
		Usage:        usage,
	}, nil
}

// encodeStreamError renders a synthetic error event in the inbound
// protocol, followed by the protocol's terminal marker so clients always
// observe stream end.
func encodeStreamError(proto codec.Protocol, err error) []codec.Event {
	switch proto {
	case codec.ProtocolAnthropic:
		return []codec.Event{
			{Name: "error", Data: string(rcerr.AnthropicBody(err))},
			{Name: "message_stop", Data: `{"type":"message_stop"}`},
		}
	case codec.ProtocolResponses:
		var envelope map[string]json.RawMessage
		_ = json.Unmarshal(rcerr.OpenAIBody(err), &envelope)
		body, _ := json.Marshal(map[string]any{
			"type":  "response.failed",
			"error": envelope["error"],
		})
		return []codec.Event{{Name: "response.failed", Data: string(body)}}
	default:
		return []codec.Event{
			{Data: string(rcerr.OpenAIBody(err))},
			{Data: "[DONE]"},
		}
	}
}

func emitAll(out chan<- codec.Event, events []codec.Event) {
	for _, ev := range events {
		out <- ev
	}
}

// splitBounded cuts s into fragments of at most n bytes without splitting
// UTF-8 sequences.
func splitBounded(s string, n int) []string {
	if len(s) <= n {
		return []string{s}
	}
	var parts []string
	current := ""
	for _, r := range s {
		current += string(r)
		if len(current) >= n {
			parts = append(parts, current)
			current = ""
		}
	}
	if current != "" {
		parts = append(parts, current)
	}
	return parts
}
