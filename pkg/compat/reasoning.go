package compat

import (
	"regexp"
	"strings"
	"sync"

	"github.com/routecodex/routecodex/pkg/protocol"
)

var (
	reasoningReMu    sync.Mutex
	reasoningReCache = map[string]*regexp.Regexp{}
)

func reasoningTagRe(tag string) *regexp.Regexp {
	reasoningReMu.Lock()
	defer reasoningReMu.Unlock()
	if re, ok := reasoningReCache[tag]; ok {
		return re
	}
	re := regexp.MustCompile(`(?s)<` + regexp.QuoteMeta(tag) + `>\s*(.*?)\s*</` + regexp.QuoteMeta(tag) + `>`)
	reasoningReCache[tag] = re
	return re
}

// ExtractReasoning pulls tag-delimited reasoning out of the message text and
// promotes it to a reasoning part ahead of the remaining text. Multiple
// occurrences are joined with blank lines.
func ExtractReasoning(msg protocol.Message, tags []string) protocol.Message {
	text := msg.Text()
	if text == "" {
		return msg
	}

	var reasoning []string
	for _, tag := range tags {
		re := reasoningTagRe(tag)
		for _, m := range re.FindAllStringSubmatch(text, -1) {
			if m[1] != "" {
				reasoning = append(reasoning, m[1])
			}
		}
		text = re.ReplaceAllString(text, "")
	}
	if len(reasoning) == 0 {
		return msg
	}

	var parts []protocol.ContentPart
	parts = append(parts, protocol.ReasoningPart(strings.Join(reasoning, "\n\n")))
	if t := strings.TrimSpace(text); t != "" {
		parts = append(parts, protocol.TextPart(t))
	}
	for _, p := range msg.Parts {
		if p.Type == protocol.PartTypeText || p.Type == protocol.PartTypeReasoning {
			continue
		}
		parts = append(parts, p)
	}
	msg.Parts = parts
	return msg
}
