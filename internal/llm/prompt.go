package llm

import (
	"fmt"
	"strings"

	"github.com/kalambet/caddie/internal/knowledge"
	"github.com/kalambet/caddie/internal/storage"
)

const defaultTokenBudget = 6000

const systemTemplate = `You are an assistant for frontline advisers. Answer the
adviser's question using only the reference documents below. Be concise and
practical. When a document supports a statement, cite it by wrapping its URL in
<ref></ref> tags immediately after the statement. If the documents do not cover
the question, say so plainly instead of guessing. Never invent personal details
and never address anyone by name.`

// PromptBuilder assembles the text sent to the generation capability from the
// redacted conversation history and the retrieved passages. The assembled
// prompt is kept within a token budget by dropping the oldest history turns
// first; passages and the latest user message are never dropped.
type PromptBuilder struct {
	tokenBudget int
}

// NewPromptBuilder creates a builder with the given token budget. budget <= 0
// uses the default.
func NewPromptBuilder(budget int) *PromptBuilder {
	if budget <= 0 {
		budget = defaultTokenBudget
	}
	return &PromptBuilder{tokenBudget: budget}
}

// EstimateTokens approximates the token count of text. Uses the common
// 4-characters-per-token heuristic, rounded up.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}

// Build renders the full prompt. history must be ordered oldest first; the
// last entry is the message being answered.
func (b *PromptBuilder) Build(history []storage.Message, passages []knowledge.Passage) string {
	var docs strings.Builder
	docs.WriteString("<DOCUMENTS>\n")
	for _, p := range passages {
		fmt.Fprintf(&docs, "<DOCUMENT url=%q title=%q>\n%s\n</DOCUMENT>\n", p.URL, p.Title, p.Text)
	}
	docs.WriteString("</DOCUMENTS>")

	fixed := EstimateTokens(systemTemplate) + EstimateTokens(docs.String())

	kept := history
	for len(kept) > 1 {
		total := fixed
		for _, m := range kept {
			total += EstimateTokens(renderTurn(m))
		}
		if total <= b.tokenBudget {
			break
		}
		kept = kept[1:]
	}

	var sb strings.Builder
	sb.WriteString(systemTemplate)
	sb.WriteString("\n\n")
	sb.WriteString(docs.String())
	sb.WriteString("\n\n<CONVERSATION>\n")
	for _, m := range kept {
		sb.WriteString(renderTurn(m))
		sb.WriteString("\n")
	}
	sb.WriteString("</CONVERSATION>\n\nAssistant:")
	return sb.String()
}

// renderTurn formats one history message. Redacted text is preferred so
// personal data never reaches the generation capability.
func renderTurn(m storage.Message) string {
	text := m.Text
	if m.RedactedText != "" {
		text = m.RedactedText
	}
	switch m.Role {
	case storage.RoleBot:
		return "Assistant: " + text
	case storage.RoleSupervisor:
		return "Assistant: " + text
	default:
		return "Adviser: " + text
	}
}
