// Package config defines the gateway configuration schema and loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/routecodex/routecodex/pkg/observability"
)

// Config is the root configuration.
type Config struct {
	Server    ServerConfig               `yaml:"server,omitempty" mapstructure:"server"`
	Providers map[string]ProviderConfig  `yaml:"providers,omitempty" mapstructure:"providers"`
	Routing   RoutingConfig              `yaml:"routing,omitempty" mapstructure:"routing"`
	OAuth     OAuthConfig                `yaml:"oauth,omitempty" mapstructure:"oauth"`
	RateLimit RateLimitConfig            `yaml:"rate_limit,omitempty" mapstructure:"rate_limit"`
	Log       LogConfig                  `yaml:"log,omitempty" mapstructure:"log"`
	Tracing   observability.TracerConfig `yaml:"tracing,omitempty" mapstructure:"tracing"`
}

// ServerConfig configures the inbound HTTP surface.
type ServerConfig struct {
	Host string `yaml:"host,omitempty" mapstructure:"host"`
	Port int    `yaml:"port,omitempty" mapstructure:"port"`

	// APIKeys are accepted inbound bearer tokens; empty disables auth.
	APIKeys []string `yaml:"api_keys,omitempty" mapstructure:"api_keys"`

	// RequestTimeout bounds one upstream call.
	RequestTimeout time.Duration `yaml:"request_timeout,omitempty" mapstructure:"request_timeout"`
}

// ProviderKey is one upstream credential; omitted key IDs in a target
// rotate round-robin over the provider's keys.
type ProviderKey struct {
	ID    string `yaml:"id,omitempty" mapstructure:"id"`
	Value string `yaml:"value,omitempty" mapstructure:"value"`
}

// ModelConfig describes one model a provider serves.
type ModelConfig struct {
	MaxContextTokens int `yaml:"max_context_tokens,omitempty" mapstructure:"max_context_tokens"`
}

// ProviderOAuth configures OAuth for a provider.
type ProviderOAuth struct {
	Alias         string   `yaml:"alias,omitempty" mapstructure:"alias"`
	ClientID      string   `yaml:"client_id,omitempty" mapstructure:"client_id"`
	ClientSecret  string   `yaml:"client_secret,omitempty" mapstructure:"client_secret"`
	TokenURL      string   `yaml:"token_url,omitempty" mapstructure:"token_url"`
	DeviceAuthURL string   `yaml:"device_auth_url,omitempty" mapstructure:"device_auth_url"`
	Scopes        []string `yaml:"scopes,omitempty" mapstructure:"scopes"`
}

// ProviderConfig configures one upstream provider.
type ProviderConfig struct {
	// Type is the provider family: openai, anthropic, glm, qwen, iflow,
	// lmstudio, antigravity.
	Type    string `yaml:"type,omitempty" mapstructure:"type"`
	BaseURL string `yaml:"base_url,omitempty" mapstructure:"base_url"`

	// APIKey supports ${VAR} expansion; Keys lists additional credentials.
	APIKey string        `yaml:"api_key,omitempty" mapstructure:"api_key"`
	Keys   []ProviderKey `yaml:"keys,omitempty" mapstructure:"keys"`

	OAuth *ProviderOAuth `yaml:"oauth,omitempty" mapstructure:"oauth"`

	Models map[string]ModelConfig `yaml:"models,omitempty" mapstructure:"models"`

	// DefaultModel substitutes an empty inbound model field.
	DefaultModel string `yaml:"default_model,omitempty" mapstructure:"default_model"`

	Enabled *bool `yaml:"enabled,omitempty" mapstructure:"enabled"`
}

func (p *ProviderConfig) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

// PoolConfig is one priority pool inside a route category.
type PoolConfig struct {
	ID       string   `yaml:"id,omitempty" mapstructure:"id"`
	Priority int      `yaml:"priority,omitempty" mapstructure:"priority"`
	Backup   bool     `yaml:"backup,omitempty" mapstructure:"backup"`
	Targets  []string `yaml:"targets,omitempty" mapstructure:"targets"`
}

// ClassifierConfig mirrors the router's keyword and threshold knobs.
type ClassifierConfig struct {
	LongContextThresholdTokens int      `yaml:"long_context_threshold_tokens,omitempty" mapstructure:"long_context_threshold_tokens"`
	WarnRatio                  float64  `yaml:"warn_ratio,omitempty" mapstructure:"warn_ratio"`
	CodingKeywords             []string `yaml:"coding_keywords,omitempty" mapstructure:"coding_keywords"`
	ThinkingKeywords           []string `yaml:"thinking_keywords,omitempty" mapstructure:"thinking_keywords"`
	SearchKeywords             []string `yaml:"search_keywords,omitempty" mapstructure:"search_keywords"`
}

// RoutingConfig configures classification and pool selection.
type RoutingConfig struct {
	// Categories maps category name to its ordered pools.
	Categories map[string][]PoolConfig `yaml:"categories,omitempty" mapstructure:"categories"`

	Classifier ClassifierConfig `yaml:"classifier,omitempty" mapstructure:"classifier"`

	// PreferModelField gives a provider-prefixed model field precedence
	// over inline directives in user text.
	PreferModelField bool `yaml:"prefer_model_field,omitempty" mapstructure:"prefer_model_field"`

	AllowOverflow bool `yaml:"allow_overflow,omitempty" mapstructure:"allow_overflow"`

	// MaxAttempts bounds candidate fallback per request.
	MaxAttempts int `yaml:"max_attempts,omitempty" mapstructure:"max_attempts"`

	HealthThreshold int           `yaml:"health_threshold,omitempty" mapstructure:"health_threshold"`
	HealthCooldown  time.Duration `yaml:"health_cooldown,omitempty" mapstructure:"health_cooldown"`
}

// OAuthConfig configures the token manager.
type OAuthConfig struct {
	// Dir holds token files; defaults to ~/.routecodex/auth.
	Dir string `yaml:"dir,omitempty" mapstructure:"dir"`

	// Interactive enables device-code flows; headless deployments turn
	// this off and fail fast instead.
	Interactive *bool `yaml:"interactive,omitempty" mapstructure:"interactive"`

	PortalURL string `yaml:"portal_url,omitempty" mapstructure:"portal_url"`
}

func (o *OAuthConfig) IsInteractive() bool {
	return o.Interactive == nil || *o.Interactive
}

// RateLimitConfig configures the sliding-window limiter.
type RateLimitConfig struct {
	Enabled  bool          `yaml:"enabled,omitempty" mapstructure:"enabled"`
	Requests int           `yaml:"requests,omitempty" mapstructure:"requests"`
	Window   time.Duration `yaml:"window,omitempty" mapstructure:"window"`
}

// LogConfig configures logging output.
type LogConfig struct {
	Level  string `yaml:"level,omitempty" mapstructure:"level"`
	Format string `yaml:"format,omitempty" mapstructure:"format"`
	File   string `yaml:"file,omitempty" mapstructure:"file"`
}

// SetDefaults applies defaults across the tree.
func (c *Config) SetDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = envOr("HOST", "127.0.0.1")
	}
	if c.Server.Port == 0 {
		c.Server.Port = envIntOr("PORT", 5513)
	}
	if c.Server.RequestTimeout == 0 {
		c.Server.RequestTimeout = 60 * time.Second
	}

	for name, p := range c.Providers {
		if p.APIKey == "" {
			p.APIKey = GetProviderAPIKey(p.Type)
		}
		c.Providers[name] = p
	}

	if c.Routing.MaxAttempts == 0 {
		c.Routing.MaxAttempts = 3
	}
	if c.Routing.HealthCooldown == 0 {
		c.Routing.HealthCooldown = 60 * time.Second
	}

	if c.OAuth.Dir == "" {
		c.OAuth.Dir = filepath.Join(stateRoot(), "auth")
	}

	if c.RateLimit.Enabled {
		if c.RateLimit.Requests == 0 {
			c.RateLimit.Requests = 60
		}
		if c.RateLimit.Window == 0 {
			c.RateLimit.Window = time.Minute
		}
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "simple"
	}
}

// stateRoot is the on-disk state directory, default ~/.routecodex.
func stateRoot() string {
	if v := os.Getenv("ROUTECODEX_HOME"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".routecodex"
	}
	return filepath.Join(home, ".routecodex")
}

// Validate checks cross-field consistency.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}

	if len(c.Providers) == 0 {
		return fmt.Errorf("at least one provider must be configured")
	}
	for name, p := range c.Providers {
		if p.Type == "" {
			return fmt.Errorf("provider %q: type is required", name)
		}
		if p.BaseURL == "" {
			return fmt.Errorf("provider %q: base_url is required", name)
		}
		if p.OAuth != nil {
			if p.OAuth.TokenURL == "" {
				return fmt.Errorf("provider %q: oauth.token_url is required", name)
			}
			if p.OAuth.ClientID == "" {
				return fmt.Errorf("provider %q: oauth.client_id is required", name)
			}
		}
	}

	for cat, pools := range c.Routing.Categories {
		for _, pool := range pools {
			for _, target := range pool.Targets {
				providerID, _, ok := SplitTarget(target)
				if !ok {
					return fmt.Errorf("routing.%s: target %q is not provider.model", cat, target)
				}
				if _, exists := c.Providers[providerID]; !exists {
					return fmt.Errorf("routing.%s: target %q references unknown provider", cat, target)
				}
			}
		}
	}

	if c.Routing.Classifier.WarnRatio < 0 || c.Routing.Classifier.WarnRatio > 1 {
		return fmt.Errorf("routing.classifier.warn_ratio must be within [0,1]")
	}

	return nil
}

// SplitTarget splits "providerId.modelId"; the model may itself contain
// dots so only the first separator counts.
func SplitTarget(s string) (provider, model string, ok bool) {
	i := strings.Index(s, ".")
	if i <= 0 || i == len(s)-1 {
		return "", "", false
	}
	return s[:i], s[i+1:], true
}
