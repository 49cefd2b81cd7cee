package chat

import (
	"strings"

	"helpdesk_back/articles"
)

// ContextBlock is one bounded excerpt handed to the generator, traceable back
// to its originating article.
type ContextBlock struct {
	ArticleID string
	Title     string
	Score     float64
	Text      string
}

const maxExcerptRunes = 800

// assembleContext turns retrieved articles into context blocks in score order,
// never exceeding budget runes in total. The best article is always included,
// truncated to the remaining budget if necessary; later articles are included
// whole or not at all. Empty retrieval yields an empty slice.
func assembleContext(retrieved []articles.Retrieved, budget int) []ContextBlock {
	if len(retrieved) == 0 || budget <= 0 {
		return []ContextBlock{}
	}

	blocks := make([]ContextBlock, 0, len(retrieved))
	remaining := budget

	for i, item := range retrieved {
		text := buildSnippet(item.Article)
		size := runeLen(text)

		if size > remaining {
			if i > 0 {
				break
			}
			text = truncateAtBoundary(text, remaining)
			if text == "" {
				break
			}
			size = runeLen(text)
		}

		blocks = append(blocks, ContextBlock{
			ArticleID: item.Article.ID,
			Title:     item.Article.Title,
			Score:     item.Score,
			Text:      text,
		})
		remaining -= size
		if remaining <= 0 {
			break
		}
	}

	return blocks
}

// buildSnippet composes title, short description and a bounded excerpt of the
// article body.
func buildSnippet(article articles.Record) string {
	var builder strings.Builder
	builder.WriteString(article.Title)
	if desc := strings.TrimSpace(article.ShortDescription); desc != "" {
		builder.WriteString("\n")
		builder.WriteString(desc)
	}
	if excerpt := truncateAtBoundary(normalizeNewlines(article.Content), maxExcerptRunes); excerpt != "" {
		builder.WriteString("\n")
		builder.WriteString(excerpt)
	}
	return builder.String()
}

func normalizeNewlines(value string) string {
	if value == "" {
		return ""
	}
	replaced := strings.ReplaceAll(value, "\r\n", "\n")
	return strings.ReplaceAll(replaced, "\r", "\n")
}

func runeLen(value string) int {
	return len([]rune(value))
}

// truncateAtBoundary cuts text down to at most maxRunes, backing up to the
// nearest sentence end or whitespace so no word is ever split. A hard cut
// happens only when the window contains no boundary at all.
func truncateAtBoundary(text string, maxRunes int) string {
	text = strings.TrimSpace(text)
	if maxRunes <= 0 {
		return ""
	}
	runes := []rune(text)
	if len(runes) <= maxRunes {
		return text
	}

	cut := findBoundary(runes, maxRunes/2, maxRunes)
	return strings.TrimSpace(string(runes[:cut]))
}

// findBoundary searches backwards in (min, max] for a sentence end, then for
// any whitespace, and falls back to max when neither exists.
func findBoundary(runes []rune, min, max int) int {
	if min < 0 {
		min = 0
	}
	if max > len(runes) {
		max = len(runes)
	}
	if max <= min {
		return max
	}

	sentenceEnds := map[rune]struct{}{'\n': {}, '.': {}, '!': {}, '?': {}, '。': {}, '！': {}, '？': {}}
	for i := max - 1; i >= min; i-- {
		if _, ok := sentenceEnds[runes[i]]; ok {
			return i + 1
		}
	}
	for i := max - 1; i >= min; i-- {
		if runes[i] == ' ' || runes[i] == '\t' {
			return i
		}
	}
	// widen the whitespace search before giving up on a clean cut
	for i := min - 1; i >= 0; i-- {
		if runes[i] == ' ' || runes[i] == '\t' || runes[i] == '\n' {
			return i
		}
	}
	return max
}

// estimateTokenCount approximates prompt size for logging when the provider
// reports no usage.
func estimateTokenCount(text string) int {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return 0
	}
	words := len(strings.Fields(trimmed))
	runes := runeLen(trimmed)
	estimate := words + runes/3
	if estimate < words {
		estimate = words
	}
	return estimate
}
