package router

import (
	"encoding/json"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/routecodex/routecodex/pkg/protocol"
)

var (
	encodingCache = make(map[string]*tiktoken.Tiktoken)
	cacheMu       sync.RWMutex
)

// Estimator approximates prompt token counts per model family. Counts feed
// routing decisions, not billing, so the BPE encoding is best-effort with a
// character heuristic underneath.
type Estimator struct {
	encoding *tiktoken.Tiktoken
}

// NewEstimator builds an estimator for a model. Unknown models fall back to
// cl100k_base; if even that fails to load the estimator degrades to the
// character heuristic.
func NewEstimator(model string) *Estimator {
	cacheMu.RLock()
	cached, exists := encodingCache[model]
	cacheMu.RUnlock()
	if exists {
		return &Estimator{encoding: cached}
	}

	encoding, err := tiktoken.EncodingForModel(model)
	if err != nil {
		encoding, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return &Estimator{}
		}
	}

	cacheMu.Lock()
	encodingCache[model] = encoding
	cacheMu.Unlock()

	return &Estimator{encoding: encoding}
}

// Count returns the token count for text.
func (e *Estimator) Count(text string) int {
	if e == nil || e.encoding == nil {
		return heuristicCount(text)
	}
	return len(e.encoding.Encode(text, nil, nil))
}

// EstimateRequest counts the whole prompt: message content with per-message
// role overhead, plus tool definitions.
func (e *Estimator) EstimateRequest(req *protocol.ChatRequest) int {
	// <|start|>role|message<|end|> overhead per message, plus reply priming
	const tokensPerMessage = 3
	total := 3

	for _, msg := range req.Messages {
		total += tokensPerMessage
		total += e.Count(string(msg.Role))
		for _, part := range msg.Parts {
			switch part.Type {
			case protocol.PartTypeText, protocol.PartTypeReasoning:
				total += e.Count(part.Text)
			case protocol.PartTypeImage:
				// flat charge; actual vision token cost is model-specific
				total += 1000
			case protocol.PartTypeToolResult:
				if part.ToolResult != nil {
					total += e.Count(part.ToolResult.Content)
				}
			case protocol.PartTypeToolUse:
				if part.ToolCall != nil {
					total += e.Count(part.ToolCall.Name)
					total += 20
				}
			}
		}
	}

	for _, tool := range req.Tools {
		total += e.Count(tool.Name)
		total += e.Count(tool.Description)
		if schema, err := json.Marshal(tool.Parameters); err == nil {
			total += len(schema) / 4
		}
	}

	return total
}

// heuristicCount approximates ~4 ASCII characters per token; CJK and other
// wide scripts run about one token per rune.
func heuristicCount(text string) int {
	ascii := 0
	wide := 0
	for _, r := range text {
		if r >= 0x2E80 {
			wide++
		} else {
			ascii++
		}
	}
	return ascii/4 + wide
}
