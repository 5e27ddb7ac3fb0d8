package config

import (
	"strings"
	"testing"
	"time"
)

const validYAML = `
server:
  host: 0.0.0.0
  port: 5513
  api_keys:
    - sk-local
  request_timeout: 90s
providers:
  glm:
    type: glm
    base_url: https://open.bigmodel.cn/api/paas/v4
    api_key: ${GLM_API_KEY}
    models:
      glm-4.6:
        max_context_tokens: 128000
  lmstudio:
    type: lmstudio
    base_url: http://localhost:1234/v1
    default_model: qwen3-4b
routing:
  categories:
    default:
      - id: main
        priority: 10
        targets: [glm.glm-4.6]
      - id: spare
        backup: true
        targets: [lmstudio.qwen3-4b]
    coding:
      - id: main
        targets: [glm.glm-4.6]
  health_cooldown: 30s
rate_limit:
  enabled: true
`

func TestParseValidConfig(t *testing.T) {
	t.Setenv("GLM_API_KEY", "glm-secret")

	cfg, err := Parse([]byte(validYAML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if cfg.Server.Host != "0.0.0.0" || cfg.Server.Port != 5513 {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Server.RequestTimeout != 90*time.Second {
		t.Errorf("request_timeout = %v", cfg.Server.RequestTimeout)
	}

	glm := cfg.Providers["glm"]
	if glm.APIKey != "glm-secret" {
		t.Errorf("api_key not expanded: %q", glm.APIKey)
	}
	if glm.Models["glm-4.6"].MaxContextTokens != 128000 {
		t.Errorf("models = %+v", glm.Models)
	}
	if !glm.IsEnabled() {
		t.Error("enabled should default to true")
	}

	pools := cfg.Routing.Categories["default"]
	if len(pools) != 2 || !pools[1].Backup {
		t.Errorf("default pools = %+v", pools)
	}
	if cfg.Routing.HealthCooldown != 30*time.Second {
		t.Errorf("health_cooldown = %v", cfg.Routing.HealthCooldown)
	}
}

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
providers:
  lmstudio:
    type: lmstudio
    base_url: http://localhost:1234/v1
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if cfg.Server.Port != 5513 {
		t.Errorf("default port = %d", cfg.Server.Port)
	}
	if cfg.Server.RequestTimeout != 60*time.Second {
		t.Errorf("default timeout = %v", cfg.Server.RequestTimeout)
	}
	if cfg.Routing.MaxAttempts != 3 {
		t.Errorf("default max_attempts = %d", cfg.Routing.MaxAttempts)
	}
	if cfg.Routing.HealthCooldown != 60*time.Second {
		t.Errorf("default health_cooldown = %v", cfg.Routing.HealthCooldown)
	}
	if cfg.OAuth.Dir == "" {
		t.Error("oauth dir default not applied")
	}
	if !cfg.OAuth.IsInteractive() {
		t.Error("interactive should default to true")
	}
	if cfg.Log.Level != "info" || cfg.Log.Format != "simple" {
		t.Errorf("log defaults = %+v", cfg.Log)
	}
	// Disabled rate limiting gets no defaults.
	if cfg.RateLimit.Requests != 0 {
		t.Errorf("rate_limit.requests = %d", cfg.RateLimit.Requests)
	}
}

func TestRateLimitDefaultsWhenEnabled(t *testing.T) {
	cfg, err := Parse([]byte(`
providers:
  lmstudio:
    type: lmstudio
    base_url: http://localhost:1234/v1
rate_limit:
  enabled: true
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.RateLimit.Requests != 60 || cfg.RateLimit.Window != time.Minute {
		t.Errorf("rate_limit = %+v", cfg.RateLimit)
	}
}

func TestValidateFailures(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "no providers",
			yaml:    `server: {port: 5513}`,
			wantErr: "at least one provider",
		},
		{
			name: "missing type",
			yaml: `
providers:
  x:
    base_url: http://x
`,
			wantErr: "type is required",
		},
		{
			name: "missing base_url",
			yaml: `
providers:
  x:
    type: openai
`,
			wantErr: "base_url is required",
		},
		{
			name: "oauth without token_url",
			yaml: `
providers:
  q:
    type: qwen
    base_url: http://q
    oauth:
      client_id: cid
`,
			wantErr: "oauth.token_url is required",
		},
		{
			name: "malformed routing target",
			yaml: `
providers:
  q:
    type: qwen
    base_url: http://q
routing:
  categories:
    default:
      - targets: [noseparator]
`,
			wantErr: "not provider.model",
		},
		{
			name: "routing target for unknown provider",
			yaml: `
providers:
  q:
    type: qwen
    base_url: http://q
routing:
  categories:
    default:
      - targets: [ghost.model]
`,
			wantErr: "unknown provider",
		},
		{
			name: "warn ratio out of range",
			yaml: `
providers:
  q:
    type: qwen
    base_url: http://q
routing:
  classifier:
    warn_ratio: 1.5
`,
			wantErr: "warn_ratio",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil {
				t.Fatal("expected a validation error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want substring %q", err, tt.wantErr)
			}
		})
	}
}

func TestSplitTarget(t *testing.T) {
	tests := []struct {
		in       string
		provider string
		model    string
		ok       bool
	}{
		{"glm.glm-4.6", "glm", "glm-4.6", true},
		{"lmstudio.qwen/qwen3-4b", "lmstudio", "qwen/qwen3-4b", true},
		{"nodot", "", "", false},
		{".model", "", "", false},
		{"provider.", "", "", false},
	}

	for _, tt := range tests {
		provider, model, ok := SplitTarget(tt.in)
		if provider != tt.provider || model != tt.model || ok != tt.ok {
			t.Errorf("SplitTarget(%q) = (%q, %q, %v)", tt.in, provider, model, ok)
		}
	}
}

func TestExpandEnvVarsInData(t *testing.T) {
	t.Setenv("RC_TEST_KEY", "secret")
	t.Setenv("RC_TEST_PORT", "8080")

	in := map[string]any{
		"plain":   "value",
		"braced":  "${RC_TEST_KEY}",
		"default": "${RC_TEST_MISSING:-fallback}",
		"typed":   "${RC_TEST_PORT}",
		"nested":  map[string]any{"k": "$RC_TEST_KEY"},
		"list":    []any{"${RC_TEST_KEY}"},
		"untyped": 42,
	}

	out, ok := ExpandEnvVarsInData(in).(map[string]any)
	if !ok {
		t.Fatal("expansion changed the top-level shape")
	}

	if out["plain"] != "value" {
		t.Errorf("plain = %v", out["plain"])
	}
	if out["braced"] != "secret" {
		t.Errorf("braced = %v", out["braced"])
	}
	if out["default"] != "fallback" {
		t.Errorf("default = %v", out["default"])
	}
	// Expanded numeric strings become numbers so mapstructure can decode
	// them into int fields.
	if out["typed"] != 8080 {
		t.Errorf("typed = %v (%T)", out["typed"], out["typed"])
	}
	if nested := out["nested"].(map[string]any); nested["k"] != "secret" {
		t.Errorf("nested = %v", nested)
	}
	if list := out["list"].([]any); list[0] != "secret" {
		t.Errorf("list = %v", list)
	}
	if out["untyped"] != 42 {
		t.Errorf("untyped = %v", out["untyped"])
	}
}
