package nlp

// Stopword lists for the languages the detector distinguishes. The
// heuristic only has to separate English from the handful of languages
// that show up in uploads; anything unmatched reports "unknown".
var stopwords = map[string][]string{
	"en": {"the", "and", "is", "are", "was", "this", "that", "with", "for", "not", "have", "you", "but", "they", "very"},
	"es": {"el", "la", "los", "las", "es", "una", "que", "por", "para", "con", "muy", "pero", "este", "esta"},
	"fr": {"le", "la", "les", "est", "une", "que", "pour", "avec", "tres", "mais", "cette", "vous", "nous"},
	"de": {"der", "die", "das", "ist", "ein", "eine", "und", "nicht", "mit", "sehr", "aber", "auch", "ich"},
	"pt": {"o", "os", "as", "um", "uma", "que", "para", "com", "muito", "mas", "esta", "nao", "voce"},
}

// DetectLanguage scores tokenized text against per-language stopword
// lists and returns the best matching ISO 639-1 code. Returns "unknown"
// when no language scores at least two hits, which callers treat as
// pass-through rather than rejection.
func DetectLanguage(normalized string) string {
	tokens := Tokenize(normalized)
	if len(tokens) == 0 {
		return "unknown"
	}

	tokenSet := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		tokenSet[t] = struct{}{}
	}

	best := "unknown"
	bestScore := 1 // require at least two hits
	for lang, words := range stopwords {
		score := 0
		for _, w := range words {
			if _, ok := tokenSet[w]; ok {
				score++
			}
		}
		if score > bestScore {
			best = lang
			bestScore = score
		}
	}
	return best
}
