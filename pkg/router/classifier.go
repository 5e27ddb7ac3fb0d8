package router

import (
	"strings"

	"github.com/routecodex/routecodex/pkg/protocol"
)

// Category is a route category with its own configured pools.
type Category string

const (
	CategoryDefault     Category = "default"
	CategoryCoding      Category = "coding"
	CategoryThinking    Category = "thinking"
	CategoryTools       Category = "tools"
	CategorySearch      Category = "search"
	CategoryLongContext Category = "longcontext"
	CategoryVision      Category = "vision"
	CategoryBackground  Category = "background"
	CategoryWebSearch   Category = "web_search"
)

// Categories lists every route category in evaluation order.
func Categories() []Category {
	return []Category{
		CategoryDefault, CategoryCoding, CategoryThinking, CategoryTools,
		CategorySearch, CategoryLongContext, CategoryVision,
		CategoryBackground, CategoryWebSearch,
	}
}

// ClassifierConfig carries the keyword lists and thresholds. Zero values
// get the documented defaults from SetDefaults.
type ClassifierConfig struct {
	LongContextThresholdTokens int      `yaml:"long_context_threshold_tokens" mapstructure:"long_context_threshold_tokens"`
	WarnRatio                  float64  `yaml:"warn_ratio" mapstructure:"warn_ratio"`
	CodingKeywords             []string `yaml:"coding_keywords" mapstructure:"coding_keywords"`
	ThinkingKeywords           []string `yaml:"thinking_keywords" mapstructure:"thinking_keywords"`
	SearchKeywords             []string `yaml:"search_keywords" mapstructure:"search_keywords"`
}

func (c *ClassifierConfig) SetDefaults() {
	if c.LongContextThresholdTokens == 0 {
		c.LongContextThresholdTokens = 180000
	}
	if c.WarnRatio == 0 {
		c.WarnRatio = 0.9
	}
	if c.CodingKeywords == nil {
		c.CodingKeywords = []string{
			"apply_patch", "write_file", "edit_file", "read_file",
			"refactor", "unit test", "stack trace", "compile",
		}
	}
	if c.ThinkingKeywords == nil {
		c.ThinkingKeywords = []string{
			"think step by step", "reasoning", "chain of thought", "prove",
		}
	}
	if c.SearchKeywords == nil {
		c.SearchKeywords = []string{
			"search the web", "web search", "look up", "latest news",
		}
	}
}

// Classification is the outcome of classifying one request.
type Classification struct {
	Category Category
	// Directive is set when rule 1 matched; selection bypasses pools.
	Directive *protocol.Directive
	// EstimatedTokens is the prompt estimate computed during
	// classification, reused by the context advisor.
	EstimatedTokens int
	Reason          string
}

// Classifier applies the routing rules in fixed order; first match wins.
type Classifier struct {
	cfg       ClassifierConfig
	estimator *Estimator
}

func NewClassifier(cfg ClassifierConfig, estimator *Estimator) *Classifier {
	cfg.SetDefaults()
	return &Classifier{cfg: cfg, estimator: estimator}
}

// Classify determines the route category for req. Directive extraction must
// already have happened; req.Directives holds inline markers and a
// provider-prefixed model arrives via explicit.
func (c *Classifier) Classify(req *protocol.ChatRequest, explicit *protocol.Directive) Classification {
	est := c.estimator.EstimateRequest(req)

	// Rule 1: explicit target directive bypasses category routing.
	if len(req.Directives) > 0 {
		d := req.Directives[0]
		return Classification{
			Category:        CategoryDefault,
			Directive:       &d,
			EstimatedTokens: est,
			Reason:          "inline directive",
		}
	}
	if explicit != nil {
		return Classification{
			Category:        CategoryDefault,
			Directive:       explicit,
			EstimatedTokens: est,
			Reason:          "model prefix directive",
		}
	}

	// Rule 2: vision.
	for _, msg := range req.Messages {
		if msg.HasImage() {
			return Classification{Category: CategoryVision, EstimatedTokens: est, Reason: "image content"}
		}
	}

	// Rule 3: long context by absolute threshold. The per-target warnRatio
	// check happens in the context advisor, which knows each candidate's
	// window.
	if est >= c.cfg.LongContextThresholdTokens {
		return Classification{Category: CategoryLongContext, EstimatedTokens: est, Reason: "prompt over threshold"}
	}

	text := strings.ToLower(requestText(req))

	// Rule 4: coding, by tool names or content keywords.
	for _, tool := range req.Tools {
		if matchAny(strings.ToLower(tool.Name), c.cfg.CodingKeywords) {
			return Classification{Category: CategoryCoding, EstimatedTokens: est, Reason: "coding tool " + tool.Name}
		}
	}
	if kw := firstMatch(text, c.cfg.CodingKeywords); kw != "" {
		return Classification{Category: CategoryCoding, EstimatedTokens: est, Reason: "coding keyword " + kw}
	}

	// Rule 5: thinking.
	if kw := firstMatch(text, c.cfg.ThinkingKeywords); kw != "" {
		return Classification{Category: CategoryThinking, EstimatedTokens: est, Reason: "thinking keyword " + kw}
	}

	// Rule 6: any tools at all.
	if len(req.Tools) > 0 {
		return Classification{Category: CategoryTools, EstimatedTokens: est, Reason: "tools present"}
	}

	// Rule 7: web search.
	if kw := firstMatch(text, c.cfg.SearchKeywords); kw != "" {
		return Classification{Category: CategoryWebSearch, EstimatedTokens: est, Reason: "search keyword " + kw}
	}

	return Classification{Category: CategoryDefault, EstimatedTokens: est, Reason: "no rule matched"}
}

func requestText(req *protocol.ChatRequest) string {
	var b strings.Builder
	for _, msg := range req.Messages {
		if msg.Role != protocol.RoleUser {
			continue
		}
		b.WriteString(msg.Text())
		b.WriteString("\n")
	}
	return b.String()
}

func matchAny(s string, keywords []string) bool {
	return firstMatch(s, keywords) != ""
}

func firstMatch(s string, keywords []string) string {
	for _, kw := range keywords {
		if strings.Contains(s, strings.ToLower(kw)) {
			return kw
		}
	}
	return ""
}
