package codec

import (
	"encoding/json"
	"testing"

	"github.com/routecodex/routecodex/pkg/protocol"
)

func TestResponsesDecodeRequestStringInput(t *testing.T) {
	c := mustCodec(t, ProtocolResponses)

	req, err := c.DecodeRequest([]byte(`{
		"model": "gpt-4o",
		"instructions": "be terse",
		"input": "hello there",
		"max_output_tokens": 50
	}`))
	if err != nil {
		t.Fatalf("DecodeRequest: %v", err)
	}

	if len(req.Messages) != 2 {
		t.Fatalf("messages = %d", len(req.Messages))
	}
	if req.Messages[0].Role != protocol.RoleSystem || req.Messages[0].Text() != "be terse" {
		t.Errorf("instructions turn = %+v", req.Messages[0])
	}
	if req.Messages[1].Role != protocol.RoleUser || req.Messages[1].Text() != "hello there" {
		t.Errorf("user turn = %+v", req.Messages[1])
	}
	if req.MaxTokens == nil || *req.MaxTokens != 50 {
		t.Errorf("max_output_tokens = %v", req.MaxTokens)
	}
}

func TestResponsesDecodeRequestItems(t *testing.T) {
	c := mustCodec(t, ProtocolResponses)

	req, err := c.DecodeRequest([]byte(`{
		"model": "gpt-4o",
		"input": [
			{"type": "message", "role": "user", "content": [
				{"type": "input_text", "text": "search for gophers"}
			]},
			{"type": "function_call", "call_id": "call_9", "name": "search",
			 "arguments": "{\"q\":\"gophers\"}"},
			{"type": "function_call_output", "call_id": "call_9", "output": "found 3"}
		],
		"tools": [{"type": "function", "name": "search", "parameters": {"type": "object"}}]
	}`))
	if err != nil {
		t.Fatalf("DecodeRequest: %v", err)
	}

	var calls []*protocol.ToolCall
	var results []*protocol.ToolResult
	for i := range req.Messages {
		calls = append(calls, req.Messages[i].ToolCalls()...)
		results = append(results, req.Messages[i].ToolResults()...)
	}
	if len(calls) != 1 || calls[0].Name != "search" || calls[0].Args["q"] != "gophers" {
		t.Errorf("calls = %+v", calls)
	}
	if len(results) != 1 || results[0].ToolCallID != "call_9" || results[0].Content != "found 3" {
		t.Errorf("results = %+v", results)
	}
	if len(req.Tools) != 1 {
		t.Errorf("tools = %+v", req.Tools)
	}
}

func TestResponsesDecodeRequestRequiresInput(t *testing.T) {
	c := mustCodec(t, ProtocolResponses)
	if _, err := c.DecodeRequest([]byte(`{"model": "gpt-4o"}`)); err == nil {
		t.Fatal("expected error without input")
	}
}

func TestResponsesEncodeRequestMovesSystemToInstructions(t *testing.T) {
	c := mustCodec(t, ProtocolResponses)

	encoded, err := c.EncodeRequest(&protocol.ChatRequest{
		Model: "gpt-4o",
		Messages: []protocol.Message{
			{Role: protocol.RoleSystem, Parts: []protocol.ContentPart{protocol.TextPart("be terse")}},
			{Role: protocol.RoleUser, Parts: []protocol.ContentPart{protocol.TextPart("hi")}},
		},
	})
	if err != nil {
		t.Fatalf("EncodeRequest: %v", err)
	}

	var wire ResponsesRequest
	if err := json.Unmarshal(encoded, &wire); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if wire.Instructions != "be terse" {
		t.Errorf("instructions = %q", wire.Instructions)
	}
	var items []ResponsesItem
	if err := json.Unmarshal(wire.Input, &items); err != nil {
		t.Fatalf("unmarshal input: %v", err)
	}
	if len(items) != 1 || items[0].Role != "user" {
		t.Errorf("items = %+v", items)
	}
}

func TestResponsesStatusMapping(t *testing.T) {
	c := mustCodec(t, ProtocolResponses)

	resp, err := c.DecodeResponse([]byte(`{
		"id": "resp_1",
		"model": "gpt-4o",
		"status": "incomplete",
		"incomplete_details": {"reason": "max_output_tokens"},
		"output": [
			{"type": "message", "role": "assistant", "content": [
				{"type": "output_text", "text": "truncat"}
			]}
		],
		"usage": {"input_tokens": 5, "output_tokens": 50, "total_tokens": 55}
	}`))
	if err != nil {
		t.Fatalf("DecodeResponse: %v", err)
	}
	if resp.FinishReason != protocol.FinishLength {
		t.Errorf("finish = %q, want length for incomplete:max_output_tokens", resp.FinishReason)
	}
	if resp.Message.Text() != "truncat" {
		t.Errorf("text = %q", resp.Message.Text())
	}
}

func TestResponsesStreamDecoderToolCall(t *testing.T) {
	c := mustCodec(t, ProtocolResponses)
	d := c.NewStreamDecoder()

	feed := func(data string) []protocol.StreamChunk {
		t.Helper()
		chunks, err := d.Feed(Event{Data: data})
		if err != nil {
			t.Fatalf("Feed(%s): %v", data, err)
		}
		return chunks
	}

	chunks := feed(`{"type":"response.output_text.delta","delta":"par"}`)
	if len(chunks) != 1 || chunks[0].Type != protocol.ChunkText || chunks[0].Text != "par" {
		t.Fatalf("text chunks = %+v", chunks)
	}

	feed(`{"type":"response.output_item.added","item":{"type":"function_call","call_id":"call_5","name":"lookup"}}`)
	feed(`{"type":"response.function_call_arguments.delta","delta":"{\"q\":\"x\"}"}`)

	chunks = feed(`{"type":"response.output_item.done","item":{"type":"function_call"}}`)
	var stop *protocol.StreamChunk
	for i := range chunks {
		if chunks[i].Type == protocol.ChunkToolCallStop {
			stop = &chunks[i]
		}
	}
	if stop == nil || stop.ToolCall.Name != "lookup" || stop.ToolCall.Args["q"] != "x" {
		t.Fatalf("stop = %+v", stop)
	}

	chunks = feed(`{"type":"response.completed","response":{"usage":{"input_tokens":2,"output_tokens":3,"total_tokens":5}}}`)
	if len(chunks) != 1 || chunks[0].Type != protocol.ChunkDone {
		t.Fatalf("done chunks = %+v", chunks)
	}
}
