package pipeline

import (
	"encoding/json"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/routecodex/routecodex/pkg/codec"
	"github.com/routecodex/routecodex/pkg/protocol"
	"github.com/routecodex/routecodex/pkg/rcerr"
)

func TestSplitBounded(t *testing.T) {
	tests := []struct {
		name string
		in   string
		n    int
		want []string
	}{
		{"fits in one fragment", "short", 64, []string{"short"}},
		{"exact boundary", "abcd", 4, []string{"abcd"}},
		{"splits ascii", "abcdefgh", 3, []string{"abc", "def", "gh"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := splitBounded(tt.in, tt.n)
			if len(got) != len(tt.want) {
				t.Fatalf("fragments = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Fatalf("fragments = %v, want %v", got, tt.want)
				}
			}
		})
	}
}

func TestSplitBoundedKeepsRunesIntact(t *testing.T) {
	in := strings.Repeat("界", 40)
	parts := splitBounded(in, 7)

	var rejoined string
	for _, p := range parts {
		if !utf8.ValidString(p) {
			t.Errorf("fragment %q splits a UTF-8 sequence", p)
		}
		rejoined += p
	}
	if rejoined != in {
		t.Error("fragments do not rejoin to the input")
	}
}

func TestSimulateStream(t *testing.T) {
	c, err := codec.ForProtocol(codec.ProtocolOpenAI)
	if err != nil {
		t.Fatalf("ForProtocol: %v", err)
	}

	resp := &protocol.ChatResponse{
		Model: "test-model",
		Message: protocol.Message{
			Role: protocol.RoleAssistant,
			Parts: []protocol.ContentPart{
				protocol.ReasoningPart("thinking"),
				protocol.TextPart("Here you go."),
				{Type: protocol.PartTypeToolUse, ToolCall: &protocol.ToolCall{
					ID:   "call_1",
					Name: "get_weather",
					Args: map[string]any{"city": strings.Repeat("Oslo ", 30)},
				}},
			},
		},
		FinishReason: protocol.FinishToolCall,
		Usage:        protocol.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}

	o := &Orchestrator{}
	var events []codec.Event
	for ev := range o.simulateStream(c, "test-model", resp) {
		events = append(events, ev)
	}

	if len(events) < 4 {
		t.Fatalf("only %d events", len(events))
	}
	if events[len(events)-1].Data != "[DONE]" {
		t.Errorf("last event = %q", events[len(events)-1].Data)
	}

	// Argument deltas accumulate back to the original JSON.
	var text, args string
	sawBoundedDelta := false
	for _, ev := range events {
		if ev.Data == "[DONE]" {
			continue
		}
		var chunk struct {
			Choices []struct {
				Delta struct {
					Content   string `json:"content"`
					ToolCalls []struct {
						Function struct {
							Arguments string `json:"arguments"`
						} `json:"function"`
					} `json:"tool_calls"`
				} `json:"delta"`
			} `json:"choices"`
		}
		if err := json.Unmarshal([]byte(ev.Data), &chunk); err != nil {
			t.Fatalf("unmarshal %q: %v", ev.Data, err)
		}
		for _, ch := range chunk.Choices {
			text += ch.Delta.Content
			for _, tc := range ch.Delta.ToolCalls {
				args += tc.Function.Arguments
				if len(tc.Function.Arguments) > 0 && len(tc.Function.Arguments) <= maxArgsDeltaBytes+utf8.UTFMax {
					sawBoundedDelta = true
				}
			}
		}
	}

	if text != "Here you go." {
		t.Errorf("text = %q", text)
	}
	var decoded map[string]any
	if err := json.Unmarshal([]byte(args), &decoded); err != nil {
		t.Fatalf("accumulated args %q: %v", args, err)
	}
	if !strings.HasPrefix(decoded["city"].(string), "Oslo") {
		t.Errorf("args = %v", decoded)
	}
	if !sawBoundedDelta {
		t.Error("no argument deltas observed")
	}
}

func TestEncodeStreamError(t *testing.T) {
	err := rcerr.New(rcerr.KindUpstreamUnreachable, "transport", "upstream glm unreachable")

	t.Run("openai", func(t *testing.T) {
		events := encodeStreamError(codec.ProtocolOpenAI, err)
		if len(events) != 2 || events[1].Data != "[DONE]" {
			t.Fatalf("events = %+v", events)
		}
		var body struct {
			Error struct {
				Type string `json:"type"`
			} `json:"error"`
		}
		if err := json.Unmarshal([]byte(events[0].Data), &body); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if body.Error.Type == "" {
			t.Error("error envelope missing type")
		}
	})

	t.Run("anthropic", func(t *testing.T) {
		events := encodeStreamError(codec.ProtocolAnthropic, err)
		if len(events) != 2 {
			t.Fatalf("events = %+v", events)
		}
		if events[0].Name != "error" || events[1].Name != "message_stop" {
			t.Errorf("event names = %q, %q", events[0].Name, events[1].Name)
		}
	})

	t.Run("responses", func(t *testing.T) {
		events := encodeStreamError(codec.ProtocolResponses, err)
		if len(events) != 1 || events[0].Name != "response.failed" {
			t.Fatalf("events = %+v", events)
		}
		var body struct {
			Type  string          `json:"type"`
			Error json.RawMessage `json:"error"`
		}
		if err := json.Unmarshal([]byte(events[0].Data), &body); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if body.Type != "response.failed" || len(body.Error) == 0 {
			t.Errorf("body = %+v", body)
		}
	})
}
