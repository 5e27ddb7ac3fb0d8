package compat

import (
	"encoding/json"
	"testing"
)

func TestDecorateBody(t *testing.T) {
	p := &Profile{
		ExtraBody:      map[string]any{"requestType": "agent"},
		DropBodyFields: []string{"session_id"},
	}

	out, err := DecorateBody(p, []byte(`{"model":"m","session_id":"s-1","messages":[]}`))
	if err != nil {
		t.Fatalf("DecorateBody: %v", err)
	}

	var obj map[string]any
	if err := json.Unmarshal(out, &obj); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if obj["requestType"] != "agent" {
		t.Errorf("extra body missing: %v", obj)
	}
	if _, ok := obj["session_id"]; ok {
		t.Error("session_id not dropped")
	}
	if obj["model"] != "m" {
		t.Error("unrelated fields must survive")
	}
}

func TestDecorateBodyNoopWithoutRules(t *testing.T) {
	body := []byte(`{"model":"m"}`)
	out, err := DecorateBody(&Profile{}, body)
	if err != nil {
		t.Fatalf("DecorateBody: %v", err)
	}
	if string(out) != string(body) {
		t.Errorf("body changed: %s", out)
	}
}

func TestMapResponseBodyArrayPath(t *testing.T) {
	// GLM reports reasoning in reasoning_content; the profile moves it to
	// the field the codec reads.
	p, err := ForType("glm")
	if err != nil {
		t.Fatalf("ForType: %v", err)
	}

	body := []byte(`{
		"choices": [{"index": 0, "message": {
			"role": "assistant",
			"content": "4",
			"reasoning_content": "2+2 is 4"
		}}]
	}`)

	out, err := MapResponseBody(p, body)
	if err != nil {
		t.Fatalf("MapResponseBody: %v", err)
	}

	var obj struct {
		Choices []struct {
			Message map[string]any `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(out, &obj); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	msg := obj.Choices[0].Message
	if msg["reasoning"] != "2+2 is 4" {
		t.Errorf("reasoning = %v", msg["reasoning"])
	}
	if _, ok := msg["reasoning_content"]; ok {
		t.Error("source field must be removed")
	}
}

func TestMapResponseBodyMissingPathIsNoop(t *testing.T) {
	p := &Profile{ResponseMappings: []FieldMapping{{From: "a.b.c", To: "x"}}}
	out, err := MapResponseBody(p, []byte(`{"a": 1}`))
	if err != nil {
		t.Fatalf("MapResponseBody: %v", err)
	}
	var obj map[string]any
	_ = json.Unmarshal(out, &obj)
	if obj["a"] != float64(1) {
		t.Errorf("body = %v", obj)
	}
	if _, ok := obj["x"]; ok {
		t.Error("phantom destination created")
	}
}
