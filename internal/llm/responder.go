package llm

import (
	"context"
	"regexp"
	"strings"

	"github.com/kalambet/caddie/internal/knowledge"
	"github.com/kalambet/caddie/internal/storage"
)

// Draft is a candidate reply together with the model's self-reported
// confidence and the source URLs it cited.
type Draft struct {
	Text       string
	Confidence float64
	Citations  []string
}

// Generator abstracts the generation capability for the responder.
type Generator interface {
	Generate(ctx context.Context, prompt string) (Generation, error)
}

// Responder turns conversation history plus retrieved passages into a Draft.
type Responder struct {
	generator Generator
	builder   *PromptBuilder
}

// NewResponder creates a Responder using the given generator and prompt
// builder.
func NewResponder(g Generator, b *PromptBuilder) *Responder {
	return &Responder{generator: g, builder: b}
}

var refPattern = regexp.MustCompile(`<ref>\s*([^<]+?)\s*</ref>`)

// rolePattern matches a fabricated adviser turn the model sometimes appends
// when it tries to continue the dialogue on its own.
var rolePattern = regexp.MustCompile(`(?m)^\s*Advis[eo]r:\s`)

// Draft generates a candidate reply. The returned text keeps the <ref> tags
// stripped out; Citations lists the cited URLs in order of first appearance.
func (r *Responder) Draft(ctx context.Context, history []storage.Message, passages []knowledge.Passage) (Draft, error) {
	prompt := r.builder.Build(history, passages)

	gen, err := r.generator.Generate(ctx, prompt)
	if err != nil {
		return Draft{}, err
	}

	text := trimRolePlay(gen.Text)
	citations := extractCitations(text)
	text = strings.TrimSpace(refPattern.ReplaceAllString(text, ""))

	return Draft{
		Text:       text,
		Confidence: clamp01(gen.Confidence),
		Citations:  citations,
	}, nil
}

// trimRolePlay cuts the reply at the first point where the model starts
// speaking as the adviser.
func trimRolePlay(text string) string {
	if loc := rolePattern.FindStringIndex(text); loc != nil {
		return strings.TrimSpace(text[:loc[0]])
	}
	return strings.TrimSpace(text)
}

// extractCitations pulls the cited URLs out of the draft, deduplicated,
// preserving first-appearance order.
func extractCitations(text string) []string {
	var urls []string
	seen := make(map[string]bool)
	for _, m := range refPattern.FindAllStringSubmatch(text, -1) {
		u := strings.TrimSpace(m[1])
		if u == "" || seen[u] {
			continue
		}
		seen[u] = true
		urls = append(urls, u)
	}
	return urls
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
