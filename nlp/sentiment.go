package nlp

import "math"

// SentimentModelVersion tags annotations produced by the built-in
// lexicon scorer.
const SentimentModelVersion = "lexicon-v1"

// neutralBand is the compound score band classified as neutral.
const neutralBand = 0.05

// Sentiment classes.
const (
	SentimentNegative = -1
	SentimentNeutral  = 0
	SentimentPositive = 1
)

// SentimentResult is the outcome of scoring one text.
type SentimentResult struct {
	Class   int     // -1, 0, +1
	Score   float64 // compound polarity in [-1, 1]
	Version string
}

// Valence lexicon. Values roughly follow common polarity lexicons,
// scaled to [-4, 4] before normalization.
var valence = map[string]float64{
	"great": 3.1, "excellent": 3.2, "amazing": 3.0, "awesome": 3.1,
	"good": 1.9, "love": 3.2, "loved": 3.0, "like": 1.5, "best": 3.2,
	"fantastic": 3.0, "perfect": 3.1, "happy": 2.7, "helpful": 1.9,
	"easy": 1.8, "fast": 1.4, "nice": 1.8, "wonderful": 2.7,
	"recommend": 1.7, "satisfied": 2.0, "impressed": 2.2, "works": 1.2,
	"smooth": 1.5, "reliable": 1.9, "intuitive": 1.7, "responsive": 1.5,

	"bad": -2.5, "terrible": -3.1, "awful": -3.0, "horrible": -3.0,
	"hate": -2.7, "hated": -2.7, "worst": -3.1, "broken": -2.2,
	"slow": -1.5, "bug": -1.8, "bugs": -1.8, "buggy": -2.2,
	"crash": -2.4, "crashes": -2.4, "crashed": -2.4, "useless": -2.6,
	"disappointed": -2.2, "disappointing": -2.2, "frustrating": -2.3,
	"frustrated": -2.3, "confusing": -1.8, "expensive": -1.2,
	"poor": -2.1, "fail": -2.3, "fails": -2.3, "failed": -2.3,
	"annoying": -2.0, "unusable": -2.8, "refund": -1.5, "scam": -3.0,
	"waste": -2.4, "wrong": -1.6, "error": -1.7, "errors": -1.7,
	"missing": -1.4, "difficult": -1.6, "unreliable": -2.1,
}

// Negations flip the valence of the following sentiment word.
var negations = map[string]struct{}{
	"not": {}, "no": {}, "never": {}, "cannot": {}, "can't": {},
	"don't": {}, "doesn't": {}, "didn't": {}, "won't": {}, "isn't": {},
	"wasn't": {}, "aren't": {}, "without": {},
}

// Intensifiers scale the valence of the following sentiment word.
var intensifiers = map[string]float64{
	"very": 1.3, "really": 1.3, "extremely": 1.5, "so": 1.2,
	"absolutely": 1.4, "totally": 1.3, "quite": 1.1, "too": 1.2,
	"slightly": 0.8, "somewhat": 0.9, "barely": 0.7,
}

// ScoreSentiment computes a compound polarity score over normalized
// text and classifies it into {-1, 0, +1}. Scores within the neutral
// band classify as neutral.
func ScoreSentiment(normalized string) SentimentResult {
	tokens := Tokenize(normalized)

	var sum float64
	var hits int
	for i, tok := range tokens {
		v, ok := valence[tok]
		if !ok {
			continue
		}
		hits++

		// Look back up to two tokens for negation and intensity.
		scale := 1.0
		negated := false
		for back := 1; back <= 2 && i-back >= 0; back++ {
			prev := tokens[i-back]
			if _, ok := negations[prev]; ok {
				negated = true
			}
			if m, ok := intensifiers[prev]; ok {
				scale *= m
			}
		}
		if negated {
			v = -v * 0.74
		}
		sum += v * scale
	}

	score := normalizeScore(sum, hits)
	class := SentimentNeutral
	switch {
	case score >= neutralBand:
		class = SentimentPositive
	case score <= -neutralBand:
		class = SentimentNegative
	}
	return SentimentResult{Class: class, Score: score, Version: SentimentModelVersion}
}

// normalizeScore maps the valence sum into [-1, 1] with the usual
// alpha damping, so short texts with one strong word do not saturate.
func normalizeScore(sum float64, hits int) float64 {
	if hits == 0 {
		return 0
	}
	const alpha = 15.0
	norm := sum / math.Sqrt(sum*sum+alpha)
	if norm > 1 {
		return 1
	}
	if norm < -1 {
		return -1
	}
	return norm
}
