package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// envRef matches the three reference forms allowed in config values:
// ${VAR}, ${VAR:-default}, and bare $VAR. Names follow the usual
// uppercase-with-underscores convention so model identifiers containing
// `$` are left alone.
var envRef = regexp.MustCompile(`\$\{([A-Z_][A-Z0-9_]*)(?::-(.*?))?\}|\$([A-Z_][A-Z0-9_]*)`)

// expandEnvVars substitutes environment references in one string. An unset
// variable expands to its declared default, or to the empty string.
func expandEnvVars(s string) string {
	if !strings.ContainsRune(s, '$') {
		return s
	}
	return envRef.ReplaceAllStringFunc(s, func(ref string) string {
		groups := envRef.FindStringSubmatch(ref)
		name, fallback := groups[1], groups[2]
		if name == "" {
			name = groups[3]
		}
		if val := os.Getenv(name); val != "" {
			return val
		}
		return fallback
	})
}

// coerceScalar re-types a substituted value so ports, ratios, and feature
// flags coming from the environment land in the config tree as their
// natural types instead of strings.
func coerceScalar(s string) any {
	switch strings.ToLower(s) {
	case "true":
		return true
	case "false":
		return false
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

// ExpandEnvVarsInData walks a decoded YAML tree expanding environment
// references in string values. Only strings a substitution actually
// changed are re-typed; literals keep their original form.
func ExpandEnvVarsInData(data any) any {
	switch v := data.(type) {
	case string:
		if expanded := expandEnvVars(v); expanded != v {
			return coerceScalar(expanded)
		}
		return v

	case map[string]any:
		out := make(map[string]any, len(v))
		for key, value := range v {
			out[key] = ExpandEnvVarsInData(value)
		}
		return out

	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = ExpandEnvVarsInData(item)
		}
		return out

	default:
		return v
	}
}

// LoadEnvFiles loads .env.local then .env; missing files are fine.
func LoadEnvFiles() error {
	for _, file := range []string{".env.local", ".env"} {
		if err := godotenv.Load(file); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to load %s: %w", file, err)
		}
	}
	return nil
}

// GetProviderAPIKey reads the conventional environment variable for a
// provider family.
func GetProviderAPIKey(providerType string) string {
	switch providerType {
	case "openai":
		return os.Getenv("OPENAI_API_KEY")
	case "anthropic":
		return os.Getenv("ANTHROPIC_API_KEY")
	case "glm":
		return os.Getenv("GLM_API_KEY")
	case "qwen":
		return os.Getenv("QWEN_API_KEY")
	case "iflow":
		return os.Getenv("IFLOW_API_KEY")
	default:
		return ""
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOr(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
