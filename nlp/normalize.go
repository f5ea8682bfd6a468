// Package nlp provides the text processing used by the enrichment
// pipeline: normalization, language detection, sentiment and toxicity
// scoring, and embedding. Models are pure functions over normalized
// text, each with a declared version tag so annotations record what
// produced them.
package nlp

import (
	"regexp"
	"strings"
)

var (
	urlRe        = regexp.MustCompile(`https?://\S+|www\.\S+`)
	emailRe      = regexp.MustCompile(`\S+@\S+\.\S+`)
	mentionRe    = regexp.MustCompile(`@\w+`)
	whitespaceRe = regexp.MustCompile(`\s+`)
)

// Normalize lowercases text and strips URLs, email addresses and
// @mentions, then collapses runs of whitespace. Deduplication and all
// scoring operate on the normalized form; the raw text is preserved on
// the feedback row.
func Normalize(text string) string {
	t := strings.ToLower(text)
	t = urlRe.ReplaceAllString(t, " ")
	t = emailRe.ReplaceAllString(t, " ")
	t = mentionRe.ReplaceAllString(t, " ")
	t = whitespaceRe.ReplaceAllString(t, " ")
	return strings.TrimSpace(t)
}

// Tokenize splits normalized text into word tokens, dropping
// punctuation.
func Tokenize(text string) []string {
	var tokens []string
	var sb strings.Builder
	for _, r := range text {
		if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '\'' {
			sb.WriteRune(r)
			continue
		}
		if sb.Len() > 0 {
			tokens = append(tokens, sb.String())
			sb.Reset()
		}
	}
	if sb.Len() > 0 {
		tokens = append(tokens, sb.String())
	}
	return tokens
}
