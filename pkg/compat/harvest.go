package compat

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/routecodex/routecodex/pkg/protocol"
)

// Inline tool-call markup emitted by providers without native tool support.
// Three shapes are recognized, scanned in order:
//
//	<tool_calls>[{"name":...,"arguments":{...}}]</tool_calls>
//	```json\n{"name":...,"arguments":{...}}\n```
//	<invoke name="..."><parameter name="k">v</parameter></invoke>
var (
	toolCallsTagRe = regexp.MustCompile(`(?s)<tool_calls>\s*(.*?)\s*</tool_calls>`)
	fencedJSONRe   = regexp.MustCompile("(?s)```(?:json)?\\s*\\n(\\{.*?\\})\\s*\\n```")
	invokeRe       = regexp.MustCompile(`(?s)<invoke\s+name="([^"]+)"\s*>(.*?)</invoke>`)
	parameterRe    = regexp.MustCompile(`(?s)<parameter\s+name="([^"]+)"\s*>(.*?)</parameter>`)
)

type inlineCall struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// HarvestToolCalls scans the message text for inline tool-call markup and
// promotes matches to structured tool-call parts, removing the markup from
// the text. Text without recognizable markup passes through untouched.
func HarvestToolCalls(msg protocol.Message) protocol.Message {
	text := msg.Text()
	if text == "" {
		return msg
	}

	calls, remaining := harvestTagged(text)
	if len(calls) == 0 {
		calls, remaining = harvestFenced(text)
	}
	if len(calls) == 0 {
		calls, remaining = harvestXML(text)
	}
	if len(calls) == 0 {
		return msg
	}

	var parts []protocol.ContentPart
	remaining = strings.TrimSpace(remaining)
	for _, p := range msg.Parts {
		if p.Type == protocol.PartTypeText {
			continue
		}
		parts = append(parts, p)
	}
	if remaining != "" {
		parts = append([]protocol.ContentPart{protocol.TextPart(remaining)}, parts...)
	}
	for i, c := range calls {
		c.ID = harvestedCallID(i)
		parts = append(parts, protocol.ContentPart{
			Type:     protocol.PartTypeToolUse,
			ToolCall: &c,
		})
	}
	msg.Parts = parts
	return msg
}

func harvestedCallID(i int) string {
	return fmt.Sprintf("call_harvested_%d", i)
}

func harvestTagged(text string) ([]protocol.ToolCall, string) {
	m := toolCallsTagRe.FindStringSubmatchIndex(text)
	if m == nil {
		return nil, text
	}
	payload := text[m[2]:m[3]]
	calls := parseInlineCalls(payload)
	if calls == nil {
		return nil, text
	}
	return calls, text[:m[0]] + text[m[1]:]
}

func harvestFenced(text string) ([]protocol.ToolCall, string) {
	m := fencedJSONRe.FindStringSubmatchIndex(text)
	if m == nil {
		return nil, text
	}
	calls := parseInlineCalls(text[m[2]:m[3]])
	if calls == nil {
		return nil, text
	}
	return calls, text[:m[0]] + text[m[1]:]
}

// parseInlineCalls accepts a single object or an array of objects; anything
// without both a name and object arguments is rejected wholesale so that
// ordinary JSON in prose is never mistaken for a call.
func parseInlineCalls(payload string) []protocol.ToolCall {
	var raw []inlineCall
	if err := json.Unmarshal([]byte(payload), &raw); err != nil {
		var one inlineCall
		if err := json.Unmarshal([]byte(payload), &one); err != nil {
			return nil
		}
		raw = []inlineCall{one}
	}
	var calls []protocol.ToolCall
	for _, c := range raw {
		if c.Name == "" {
			return nil
		}
		args := map[string]any{}
		if len(c.Arguments) > 0 {
			if err := json.Unmarshal(c.Arguments, &args); err != nil {
				return nil
			}
		}
		calls = append(calls, protocol.ToolCall{Name: c.Name, Args: args})
	}
	return calls
}

func harvestXML(text string) ([]protocol.ToolCall, string) {
	matches := invokeRe.FindAllStringSubmatchIndex(text, -1)
	if matches == nil {
		return nil, text
	}
	var calls []protocol.ToolCall
	out := text
	for i := len(matches) - 1; i >= 0; i-- {
		m := matches[i]
		name := text[m[2]:m[3]]
		body := text[m[4]:m[5]]
		args := map[string]any{}
		for _, pm := range parameterRe.FindAllStringSubmatch(body, -1) {
			args[pm[1]] = coerceParam(strings.TrimSpace(pm[2]))
		}
		calls = append([]protocol.ToolCall{{Name: name, Args: args}}, calls...)
		out = out[:m[0]] + out[m[1]:]
	}
	return calls, out
}

// coerceParam interprets a parameter value as JSON when it parses as such,
// otherwise keeps the raw string.
func coerceParam(v string) any {
	var parsed any
	if err := json.Unmarshal([]byte(v), &parsed); err == nil {
		switch parsed.(type) {
		case map[string]any, []any, float64, bool, nil:
			return parsed
		}
	}
	return v
}
