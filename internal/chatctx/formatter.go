package chatctx

import (
	"fmt"
	"strings"

	"github.com/MrWong99/lectern/internal/budget"
	"github.com/MrWong99/lectern/pkg/memory"
	"github.com/MrWong99/lectern/pkg/provider/llm"
)

// Section headers of an assembled context.
const (
	headerTranscript = "## Lecture transcript"
	headerExcerpts   = "## Relevant excerpts"
	headerTail       = "## Most recent transcript"
	headerDocuments  = "## Course material"
)

// formatDocuments renders course documents in creation order.
func formatDocuments(docs []memory.Document) string {
	if len(docs) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString(headerDocuments)
	for i, d := range docs {
		fmt.Fprintf(&sb, "\n\n### [%d] %s\n\n", i+1, titleOr(d.Title, d.ID))
		sb.WriteString(strings.TrimSpace(d.Text))
	}
	return sb.String()
}

// formatRetrieved renders hits as numbered quoted excerpts followed by the
// transcript tail. Excerpts from the same source share a number; numbers are
// assigned in rank order of each source's best hit. It returns the text and
// one SourceRef per distinct source.
func formatRetrieved(hits []memory.ChunkResult, tail string) (string, []SourceRef) {
	var (
		sb      strings.Builder
		sources []SourceRef
		number  = make(map[string]int)
	)
	if len(hits) > 0 {
		sb.WriteString(headerExcerpts)
		for _, h := range hits {
			c := h.Chunk
			n, ok := number[c.SourceID]
			if !ok {
				sources = append(sources, SourceRef{ID: c.SourceID, Title: c.Title, ScopeID: c.ScopeID, ScopeType: c.ScopeType})
				n = len(sources)
				number[c.SourceID] = n
			}
			fmt.Fprintf(&sb, "\n\n[%d] %s\n", n, titleOr(c.Title, c.SourceID))
			sb.WriteString(quote(c.Text))
		}
	}
	if tail != "" {
		if sb.Len() > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(headerTail)
		sb.WriteString("\n")
		sb.WriteString(tail)
	}
	return sb.String(), sources
}

// formatTranscript renders a full lecture transcript.
func formatTranscript(full string) string {
	if full == "" {
		return ""
	}
	return headerTranscript + "\n" + full
}

// quote prefixes every line of text with "> ".
func quote(text string) string {
	lines := strings.Split(strings.TrimSpace(text), "\n")
	for i, l := range lines {
		lines[i] = "> " + l
	}
	return strings.Join(lines, "\n")
}

func titleOr(title, fallback string) string {
	if t := strings.TrimSpace(title); t != "" {
		return t
	}
	return fallback
}

// FormatSystemPrompt combines the base instructions with the assembled
// context. The formatter is pure and safe for concurrent use.
func FormatSystemPrompt(base string, c *Context) string {
	var sb strings.Builder
	sb.WriteString(strings.TrimSpace(base))

	if c == nil || c.Text == "" {
		if c != nil && c.Degraded {
			sb.WriteString("\n\nThe course material is temporarily unavailable. Say so if the question depends on it.")
		}
		return sb.String()
	}

	if len(c.Sources) > 0 && c.Strategy == budget.StrategyRetrieve {
		sb.WriteString("\n\nCite excerpts by their number in square brackets, for example [1].")
	}
	if c.Degraded {
		sb.WriteString("\n\nOnly the most recent part of the lecture is available right now. Say so if the question depends on earlier material.")
	}
	sb.WriteString("\n\n")
	sb.WriteString(c.Text)
	return sb.String()
}

// Messages builds the conversation for the model: prior turns followed by
// the current user message.
func Messages(c *Context, query string) []llm.Message {
	var history []memory.Turn
	if c != nil {
		history = c.History
	}
	msgs := make([]llm.Message, 0, len(history)+1)
	for _, t := range history {
		msgs = append(msgs, llm.Message{Role: string(t.Role), Content: t.Content})
	}
	return append(msgs, llm.Message{Role: llm.RoleUser, Content: query})
}
