package codec

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/routecodex/routecodex/pkg/protocol"
)

func mustCodec(t *testing.T, p Protocol, opts ...Option) Codec {
	t.Helper()
	c, err := ForProtocol(p, opts...)
	if err != nil {
		t.Fatalf("ForProtocol(%s): %v", p, err)
	}
	return c
}

func TestOpenAIDecodeRequest(t *testing.T) {
	c := mustCodec(t, ProtocolOpenAI)

	payload := []byte(`{
		"model": "gpt-4o",
		"messages": [
			{"role": "system", "content": "be brief"},
			{"role": "user", "content": "what is 2+2?"}
		],
		"temperature": 0.2,
		"max_tokens": 100,
		"stream": true
	}`)

	req, err := c.DecodeRequest(payload)
	if err != nil {
		t.Fatalf("DecodeRequest: %v", err)
	}

	if req.Model != "gpt-4o" {
		t.Errorf("model = %q", req.Model)
	}
	if !req.Stream {
		t.Error("stream not carried")
	}
	if req.Temperature == nil || *req.Temperature != 0.2 {
		t.Errorf("temperature = %v", req.Temperature)
	}
	if req.MaxTokens == nil || *req.MaxTokens != 100 {
		t.Errorf("max_tokens = %v", req.MaxTokens)
	}
	if len(req.Messages) != 2 {
		t.Fatalf("messages = %d", len(req.Messages))
	}
	if req.Messages[0].Role != protocol.RoleSystem || req.Messages[0].Text() != "be brief" {
		t.Errorf("system message = %+v", req.Messages[0])
	}
	if req.Messages[1].Role != protocol.RoleUser {
		t.Errorf("user role = %q", req.Messages[1].Role)
	}
}

func TestOpenAIToolCallArgsStayStructured(t *testing.T) {
	c := mustCodec(t, ProtocolOpenAI)

	payload := []byte(`{
		"model": "gpt-4o",
		"messages": [
			{"role": "user", "content": "weather"},
			{"role": "assistant", "tool_calls": [
				{"id": "call_1", "type": "function",
				 "function": {"name": "get_weather", "arguments": "{\"city\":\"Oslo\",\"days\":3}"}}
			]},
			{"role": "tool", "tool_call_id": "call_1", "content": "sunny"}
		]
	}`)

	req, err := c.DecodeRequest(payload)
	if err != nil {
		t.Fatalf("DecodeRequest: %v", err)
	}

	calls := req.Messages[1].ToolCalls()
	if len(calls) != 1 {
		t.Fatalf("tool calls = %d", len(calls))
	}
	if calls[0].Name != "get_weather" {
		t.Errorf("name = %q", calls[0].Name)
	}
	if city, ok := calls[0].Args["city"].(string); !ok || city != "Oslo" {
		t.Errorf("args.city = %v, want structured string", calls[0].Args["city"])
	}
	if days, ok := calls[0].Args["days"].(float64); !ok || days != 3 {
		t.Errorf("args.days = %v", calls[0].Args["days"])
	}

	results := req.Messages[2].ToolResults()
	if len(results) != 1 || results[0].ToolCallID != "call_1" {
		t.Fatalf("tool results = %+v", results)
	}

	// Round trip: args must be stringified on the wire and decode back to
	// equal structured values.
	encoded, err := c.EncodeRequest(req)
	if err != nil {
		t.Fatalf("EncodeRequest: %v", err)
	}
	var wire OpenAIRequest
	if err := json.Unmarshal(encoded, &wire); err != nil {
		t.Fatalf("unmarshal encoded: %v", err)
	}
	var foundArgs string
	for _, m := range wire.Messages {
		for _, tc := range m.ToolCalls {
			foundArgs = tc.Function.Arguments
		}
	}
	if foundArgs == "" {
		t.Fatal("no stringified arguments on the wire")
	}

	back, err := c.DecodeRequest(encoded)
	if err != nil {
		t.Fatalf("re-decode: %v", err)
	}
	backCalls := back.Messages[1].ToolCalls()
	if len(backCalls) != 1 {
		t.Fatalf("re-decoded tool calls = %d", len(backCalls))
	}
	if backCalls[0].Args["city"] != "Oslo" || backCalls[0].Args["days"] != float64(3) {
		t.Errorf("round-tripped args = %v", backCalls[0].Args)
	}
}

func TestOpenAIProviderNativeToolsPassThrough(t *testing.T) {
	c := mustCodec(t, ProtocolOpenAI)

	req, err := c.DecodeRequest([]byte(`{
		"model": "gemini-3-pro",
		"messages": [{"role": "user", "content": "search for Go release notes"}],
		"tools": [
			{"type": "function", "function": {"name": "bash", "parameters": {"type": "object"}}},
			{"googleSearch": {}}
		]
	}`))
	if err != nil {
		t.Fatalf("DecodeRequest: %v", err)
	}
	if len(req.Tools) != 2 {
		t.Fatalf("tools = %+v", req.Tools)
	}
	if req.Tools[0].Name != "bash" || req.Tools[0].IsRaw() {
		t.Errorf("function tool = %+v", req.Tools[0])
	}
	if req.Tools[1].Name != "googleSearch" || !req.Tools[1].IsRaw() {
		t.Fatalf("native tool = %+v", req.Tools[1])
	}

	encoded, err := c.EncodeRequest(req)
	if err != nil {
		t.Fatalf("EncodeRequest: %v", err)
	}
	var wire struct {
		Tools []json.RawMessage `json:"tools"`
	}
	if err := json.Unmarshal(encoded, &wire); err != nil {
		t.Fatalf("unmarshal encoded: %v", err)
	}
	if len(wire.Tools) != 2 {
		t.Fatalf("encoded tools = %d", len(wire.Tools))
	}
	var native map[string]json.RawMessage
	if err := json.Unmarshal(wire.Tools[1], &native); err != nil {
		t.Fatalf("unmarshal native tool: %v", err)
	}
	if _, ok := native["googleSearch"]; !ok || len(native) != 1 {
		t.Errorf("native tool re-encoded as %s", wire.Tools[1])
	}
}

func TestOpenAIDecodeRequestRejectsMultiKeyBareTool(t *testing.T) {
	c := mustCodec(t, ProtocolOpenAI)
	payload := []byte(`{
		"model": "gpt-4o",
		"messages": [{"role": "user", "content": "hi"}],
		"tools": [{"alpha": {}, "beta": {}}]
	}`)

	if _, err := c.DecodeRequest(payload); err == nil {
		t.Fatal("expected decode error for ambiguous tool schema")
	}

	relaxed := mustCodec(t, ProtocolOpenAI, WithRelaxed())
	req, err := relaxed.DecodeRequest(payload)
	if err != nil {
		t.Fatalf("relaxed DecodeRequest: %v", err)
	}
	if len(req.Tools) != 0 {
		t.Errorf("relaxed tools = %+v, want dropped", req.Tools)
	}
}

func TestOpenAIDecodeRequestRejectsUnknownRole(t *testing.T) {
	c := mustCodec(t, ProtocolOpenAI)
	_, err := c.DecodeRequest([]byte(`{
		"model": "gpt-4o",
		"messages": [{"role": "narrator", "content": "hi"}]
	}`))
	if err == nil {
		t.Fatal("expected decode error for unknown role")
	}
	var de *DecodeError
	if !errors.As(err, &de) || de.Kind != ErrUnsupported {
		t.Errorf("error = %v, want unsupported DecodeError", err)
	}
}

func TestOpenAIDecodeResponse(t *testing.T) {
	c := mustCodec(t, ProtocolOpenAI)

	payload := []byte(`{
		"id": "chatcmpl-1",
		"object": "chat.completion",
		"model": "gpt-4o",
		"choices": [{
			"index": 0,
			"message": {"role": "assistant", "content": "4"},
			"finish_reason": "stop"
		}],
		"usage": {"prompt_tokens": 10, "completion_tokens": 1, "total_tokens": 11}
	}`)

	resp, err := c.DecodeResponse(payload)
	if err != nil {
		t.Fatalf("DecodeResponse: %v", err)
	}
	if resp.Message.Text() != "4" {
		t.Errorf("text = %q", resp.Message.Text())
	}
	if resp.FinishReason != protocol.FinishStop {
		t.Errorf("finish = %q", resp.FinishReason)
	}
	if resp.Usage.TotalTokens != 11 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

func TestOpenAIDecodeResponseErrors(t *testing.T) {
	c := mustCodec(t, ProtocolOpenAI)

	if _, err := c.DecodeResponse([]byte(`{"choices": []}`)); err == nil {
		t.Error("expected error for empty choices")
	}
	if _, err := c.DecodeResponse([]byte(`{"error": {"message": "boom"}}`)); err == nil {
		t.Error("expected error for error body")
	}
	if _, err := c.DecodeResponse([]byte(`{
		"choices": [{"message": {"role": "assistant", "content": "x"}, "finish_reason": "exotic"}]
	}`)); err == nil {
		t.Error("expected error for unknown finish reason")
	}
}

func TestOpenAIStreamDecoder(t *testing.T) {
	c := mustCodec(t, ProtocolOpenAI)
	d := c.NewStreamDecoder()

	feed := func(data string) []protocol.StreamChunk {
		t.Helper()
		chunks, err := d.Feed(Event{Data: data})
		if err != nil {
			t.Fatalf("Feed(%s): %v", data, err)
		}
		return chunks
	}

	chunks := feed(`{"choices":[{"delta":{"role":"assistant","content":"Hel"}}]}`)
	if len(chunks) != 1 || chunks[0].Type != protocol.ChunkText || chunks[0].Text != "Hel" {
		t.Fatalf("chunks = %+v", chunks)
	}

	feed(`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_1","function":{"name":"lookup"}}]}}]}`)
	feed(`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"q\":"}}]}}]}`)
	feed(`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"go\"}"}}]}}]}`)

	chunks = feed(`{"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`)
	var stop *protocol.StreamChunk
	for i := range chunks {
		if chunks[i].Type == protocol.ChunkToolCallStop {
			stop = &chunks[i]
		}
	}
	if stop == nil {
		t.Fatal("no tool_call_stop after finish")
	}
	if stop.ToolCall.Name != "lookup" || stop.ToolCall.Args["q"] != "go" {
		t.Errorf("stop call = %+v", stop.ToolCall)
	}

	chunks = feed(`[DONE]`)
	if len(chunks) != 1 || chunks[0].Type != protocol.ChunkDone {
		t.Fatalf("done chunks = %+v", chunks)
	}
	if chunks[0].FinishReason != protocol.FinishToolCall {
		t.Errorf("finish = %q", chunks[0].FinishReason)
	}

	// A second [DONE] must not duplicate the terminal chunk.
	if chunks = feed(`[DONE]`); len(chunks) != 0 {
		t.Errorf("duplicate done chunks = %+v", chunks)
	}
}

func TestOpenAIStreamEncoderTerminal(t *testing.T) {
	c := mustCodec(t, ProtocolOpenAI)
	e := c.NewStreamEncoder("gpt-4o")

	events := e.Encode(protocol.StreamChunk{Type: protocol.ChunkText, Text: "hi"})
	if len(events) != 1 {
		t.Fatalf("events = %d", len(events))
	}
	var first OpenAIStreamResponse
	if err := json.Unmarshal([]byte(events[0].Data), &first); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if first.Choices[0].Delta.Role != "assistant" {
		t.Error("first chunk must carry the assistant role")
	}

	// Done and stop chunks render nothing; Finish owns the terminals.
	if got := e.Encode(protocol.StreamChunk{Type: protocol.ChunkDone}); len(got) != 0 {
		t.Errorf("done rendered %d events", len(got))
	}

	terminal := e.Finish(protocol.FinishStop, &protocol.Usage{TotalTokens: 5})
	if len(terminal) != 2 {
		t.Fatalf("terminal events = %d", len(terminal))
	}
	if terminal[1].Data != "[DONE]" {
		t.Errorf("last event = %q", terminal[1].Data)
	}
}
