package protocol

import (
	"regexp"
	"strings"
)

// Directive is an explicit target selector: either a "provider.model" prefix
// in the model field, or an inline "<**provider.model**>" marker in user text.
type Directive struct {
	Provider string
	Model    string
}

// Target renders the directive as "provider.model".
func (d Directive) Target() string { return d.Provider + "." + d.Model }

// Inline directives use a strict grammar: "<**" then "ident.ident" then
// "**>", where ident is letters, digits, '_', '-', or further dots in the
// model part. Markers that do not match are left in the text untouched.
var inlineDirectiveRe = regexp.MustCompile(`<\*\*([A-Za-z0-9_-]+)\.([A-Za-z0-9._-]+)\*\*>`)

// ExtractInlineDirectives scans text for inline directives, returning the
// directives in order of appearance and the text with the markers removed.
func ExtractInlineDirectives(text string) ([]Directive, string) {
	matches := inlineDirectiveRe.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return nil, text
	}

	directives := make([]Directive, 0, len(matches))
	for _, m := range matches {
		directives = append(directives, Directive{Provider: m[1], Model: m[2]})
	}

	stripped := inlineDirectiveRe.ReplaceAllString(text, "")
	stripped = strings.ReplaceAll(stripped, "  ", " ")
	return directives, stripped
}

// SplitModelDirective interprets a "provider.model" model field as an
// explicit directive. Bare model names ("gpt-4") return ok=false. A model
// name containing dots only counts when the prefix is a plausible provider
// identifier (no further qualification needed: the router validates the
// provider against configuration).
func SplitModelDirective(model string) (Directive, bool) {
	idx := strings.Index(model, ".")
	if idx <= 0 || idx == len(model)-1 {
		return Directive{}, false
	}
	return Directive{Provider: model[:idx], Model: model[idx+1:]}, true
}

// StripDirectives extracts inline directives from every user message in the
// request, removes the markers from the text, and records the directives on
// the request. Returns the number of directives found.
func StripDirectives(req *ChatRequest) int {
	count := 0
	for mi := range req.Messages {
		if req.Messages[mi].Role != RoleUser {
			continue
		}
		for pi := range req.Messages[mi].Parts {
			part := &req.Messages[mi].Parts[pi]
			if part.Type != PartTypeText {
				continue
			}
			directives, stripped := ExtractInlineDirectives(part.Text)
			if len(directives) == 0 {
				continue
			}
			part.Text = stripped
			req.Directives = append(req.Directives, directives...)
			count += len(directives)
		}
	}
	return count
}
