package protocol

import (
	"testing"
)

func TestExtractInlineDirectives(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		want     []Directive
		wantText string
	}{
		{
			name:     "no_directives",
			text:     "hello world",
			want:     nil,
			wantText: "hello world",
		},
		{
			name:     "single_directive",
			text:     "<**openai.gpt-4o**> summarize this",
			want:     []Directive{{Provider: "openai", Model: "gpt-4o"}},
			wantText: " summarize this",
		},
		{
			name: "multiple_directives_in_order",
			text: "<**glm.glm-4-plus**> then <**qwen.qwen-max**>",
			want: []Directive{
				{Provider: "glm", Model: "glm-4-plus"},
				{Provider: "qwen", Model: "qwen-max"},
			},
			wantText: " then ",
		},
		{
			name:     "dotted_model_name",
			text:     "<**openai.gpt-4.1**> go",
			want:     []Directive{{Provider: "openai", Model: "gpt-4.1"}},
			wantText: " go",
		},
		{
			name:     "malformed_marker_left_untouched",
			text:     "<**not a directive**> stays",
			want:     nil,
			wantText: "<**not a directive**> stays",
		},
		{
			name:     "missing_model_part",
			text:     "<**openai**> stays",
			want:     nil,
			wantText: "<**openai**> stays",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, text := ExtractInlineDirectives(tt.text)
			if len(got) != len(tt.want) {
				t.Fatalf("directives = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("directive[%d] = %v, want %v", i, got[i], tt.want[i])
				}
			}
			if text != tt.wantText {
				t.Errorf("stripped text = %q, want %q", text, tt.wantText)
			}
		})
	}
}

func TestSplitModelDirective(t *testing.T) {
	tests := []struct {
		model  string
		want   Directive
		wantOK bool
	}{
		{"openai.gpt-4o", Directive{Provider: "openai", Model: "gpt-4o"}, true},
		{"openai.gpt-4.1", Directive{Provider: "openai", Model: "gpt-4.1"}, true},
		{"gpt-4o", Directive{}, false},
		{".gpt-4o", Directive{}, false},
		{"openai.", Directive{}, false},
		{"", Directive{}, false},
	}

	for _, tt := range tests {
		got, ok := SplitModelDirective(tt.model)
		if ok != tt.wantOK || got != tt.want {
			t.Errorf("SplitModelDirective(%q) = %v, %v; want %v, %v",
				tt.model, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestStripDirectives(t *testing.T) {
	req := &ChatRequest{
		Messages: []Message{
			{Role: RoleSystem, Parts: []ContentPart{TextPart("<**openai.gpt-4o**> system text")}},
			{Role: RoleUser, Parts: []ContentPart{TextPart("<**glm.glm-4-plus**> hello")}},
			{Role: RoleAssistant, Parts: []ContentPart{TextPart("previous answer")}},
		},
	}

	count := StripDirectives(req)
	if count != 1 {
		t.Fatalf("count = %d, want 1", count)
	}
	if len(req.Directives) != 1 || req.Directives[0].Target() != "glm.glm-4-plus" {
		t.Errorf("directives = %v", req.Directives)
	}

	// Only user turns are scanned; the system marker stays put.
	if got := req.Messages[0].Text(); got != "<**openai.gpt-4o**> system text" {
		t.Errorf("system text = %q", got)
	}
	if got := req.Messages[1].Text(); got != " hello" {
		t.Errorf("user text = %q", got)
	}
}
