package codec

import (
	"encoding/json"
	"testing"

	"github.com/routecodex/routecodex/pkg/protocol"
)

func TestAnthropicDecodeRequest(t *testing.T) {
	c := mustCodec(t, ProtocolAnthropic)

	payload := []byte(`{
		"model": "claude-sonnet-4",
		"system": "be brief",
		"max_tokens": 1024,
		"messages": [
			{"role": "user", "content": [
				{"type": "text", "text": "describe this"},
				{"type": "image", "source": {"type": "base64", "media_type": "image/png", "data": "aGk="}}
			]}
		],
		"tools": [{"name": "search", "input_schema": {"type": "object"}}],
		"tool_choice": {"type": "any"}
	}`)

	req, err := c.DecodeRequest(payload)
	if err != nil {
		t.Fatalf("DecodeRequest: %v", err)
	}

	if len(req.Messages) != 2 {
		t.Fatalf("messages = %d (system should become a leading system turn)", len(req.Messages))
	}
	if req.Messages[0].Role != protocol.RoleSystem || req.Messages[0].Text() != "be brief" {
		t.Errorf("system turn = %+v", req.Messages[0])
	}
	if !req.Messages[1].HasImage() {
		t.Error("image part lost")
	}
	if req.MaxTokens == nil || *req.MaxTokens != 1024 {
		t.Errorf("max_tokens = %v", req.MaxTokens)
	}
	if req.ToolChoice != protocol.ToolChoiceRequired {
		t.Errorf("tool_choice = %q, want required for anthropic any", req.ToolChoice)
	}
	if len(req.Tools) != 1 || req.Tools[0].Name != "search" {
		t.Errorf("tools = %+v", req.Tools)
	}
}

func TestAnthropicToolUseRoundTrip(t *testing.T) {
	c := mustCodec(t, ProtocolAnthropic)

	payload := []byte(`{
		"model": "claude-sonnet-4",
		"max_tokens": 100,
		"messages": [
			{"role": "user", "content": "weather?"},
			{"role": "assistant", "content": [
				{"type": "tool_use", "id": "toolu_1", "name": "get_weather",
				 "input": {"city": "Oslo"}}
			]},
			{"role": "user", "content": [
				{"type": "tool_result", "tool_use_id": "toolu_1", "content": "sunny"}
			]}
		]
	}`)

	req, err := c.DecodeRequest(payload)
	if err != nil {
		t.Fatalf("DecodeRequest: %v", err)
	}

	calls := req.Messages[1].ToolCalls()
	if len(calls) != 1 || calls[0].Args["city"] != "Oslo" {
		t.Fatalf("tool calls = %+v", calls)
	}
	results := req.Messages[2].ToolResults()
	if len(results) != 1 || results[0].ToolCallID != "toolu_1" || results[0].Content != "sunny" {
		t.Fatalf("tool results = %+v", results)
	}

	encoded, err := c.EncodeRequest(req)
	if err != nil {
		t.Fatalf("EncodeRequest: %v", err)
	}
	back, err := c.DecodeRequest(encoded)
	if err != nil {
		t.Fatalf("re-decode: %v", err)
	}
	if got := back.Messages[1].ToolCalls(); len(got) != 1 || got[0].Args["city"] != "Oslo" {
		t.Errorf("round-tripped calls = %+v", got)
	}
}

func TestAnthropicDecodeResponse(t *testing.T) {
	c := mustCodec(t, ProtocolAnthropic)

	payload := []byte(`{
		"id": "msg_1",
		"type": "message",
		"role": "assistant",
		"model": "claude-sonnet-4",
		"content": [
			{"type": "thinking", "thinking": "let me think"},
			{"type": "text", "text": "sunny"},
			{"type": "tool_use", "id": "toolu_2", "name": "notify", "input": {"level": "info"}}
		],
		"stop_reason": "tool_use",
		"usage": {"input_tokens": 12, "output_tokens": 4}
	}`)

	resp, err := c.DecodeResponse(payload)
	if err != nil {
		t.Fatalf("DecodeResponse: %v", err)
	}
	if resp.FinishReason != protocol.FinishToolCall {
		t.Errorf("finish = %q", resp.FinishReason)
	}
	if resp.Usage.TotalTokens != 16 {
		t.Errorf("total tokens = %d", resp.Usage.TotalTokens)
	}
	if len(resp.Message.Parts) != 3 {
		t.Fatalf("parts = %d", len(resp.Message.Parts))
	}
	if resp.Message.Parts[0].Type != protocol.PartTypeReasoning {
		t.Errorf("first part = %q", resp.Message.Parts[0].Type)
	}
	calls := resp.Message.ToolCalls()
	if len(calls) != 1 || calls[0].Args["level"] != "info" {
		t.Errorf("calls = %+v", calls)
	}
}

func TestAnthropicStreamDecoder(t *testing.T) {
	c := mustCodec(t, ProtocolAnthropic)
	d := c.NewStreamDecoder()

	feed := func(data string) []protocol.StreamChunk {
		t.Helper()
		chunks, err := d.Feed(Event{Data: data})
		if err != nil {
			t.Fatalf("Feed(%s): %v", data, err)
		}
		return chunks
	}

	feed(`{"type":"message_start","message":{"id":"msg_1","usage":{"input_tokens":9}}}`)
	feed(`{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"toolu_1","name":"lookup"}}`)
	feed(`{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"{\"q\":"}}`)
	feed(`{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"\"go\"}"}}`)

	chunks := feed(`{"type":"content_block_stop","index":0}`)
	if len(chunks) != 1 || chunks[0].Type != protocol.ChunkToolCallStop {
		t.Fatalf("stop chunks = %+v", chunks)
	}
	if chunks[0].ToolCall.Args["q"] != "go" {
		t.Errorf("args = %v", chunks[0].ToolCall.Args)
	}

	feed(`{"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":7}}`)
	chunks = feed(`{"type":"message_stop"}`)
	if len(chunks) != 1 || chunks[0].Type != protocol.ChunkDone {
		t.Fatalf("done chunks = %+v", chunks)
	}
	done := chunks[0]
	if done.FinishReason != protocol.FinishToolCall {
		t.Errorf("finish = %q", done.FinishReason)
	}
	if done.Usage == nil || done.Usage.TotalTokens != 16 {
		t.Errorf("usage = %+v", done.Usage)
	}
}

func TestAnthropicStreamEncoderSequence(t *testing.T) {
	c := mustCodec(t, ProtocolAnthropic)
	e := c.NewStreamEncoder("claude-sonnet-4")

	var names []string
	var all []Event
	collect := func(events []Event) {
		all = append(all, events...)
		for _, ev := range events {
			names = append(names, ev.Name)
		}
	}

	collect(e.Encode(protocol.StreamChunk{Type: protocol.ChunkText, Text: "hel"}))
	collect(e.Encode(protocol.StreamChunk{Type: protocol.ChunkText, Text: "lo"}))
	collect(e.Finish(protocol.FinishStop, &protocol.Usage{PromptTokens: 3, CompletionTokens: 2}))

	want := []string{
		"message_start",
		"content_block_start",
		"content_block_delta",
		"content_block_delta",
		"content_block_stop",
		"message_delta",
		"message_stop",
	}
	if len(names) != len(want) {
		t.Fatalf("event names = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("event names = %v, want %v", names, want)
		}
	}

	var delta AnthropicStreamEvent
	if err := json.Unmarshal([]byte(all[len(all)-2].Data), &delta); err != nil {
		t.Fatalf("unmarshal message_delta: %v", err)
	}
	if delta.Delta == nil || delta.Delta.StopReason != "end_turn" {
		t.Errorf("message_delta = %+v", delta.Delta)
	}
	if delta.Usage == nil || delta.Usage.OutputTokens != 2 {
		t.Errorf("usage = %+v", delta.Usage)
	}
}
