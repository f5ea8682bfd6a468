package nlp

// ToxicityModelVersion tags toxicity scores from the built-in lexicon.
const ToxicityModelVersion = "toxicity-lexicon-v1"

// Toxic term weights in [0, 1].
var toxicTerms = map[string]float64{
	"idiot": 0.6, "idiots": 0.6, "stupid": 0.5, "moron": 0.65,
	"morons": 0.65, "garbage": 0.45, "trash": 0.45, "crap": 0.4,
	"pathetic": 0.5, "incompetent": 0.45, "liars": 0.6, "liar": 0.6,
	"fraud": 0.6, "scammers": 0.7, "clowns": 0.5, "dumb": 0.5,
	"worthless": 0.55, "disgusting": 0.5, "hate": 0.35,
}

// ScoreToxicity computes a toxicity score in [0, 1] over normalized
// text. Texts with no toxic terms score zero; multiple hits compound
// toward 1 without exceeding it.
func ScoreToxicity(normalized string) float64 {
	tokens := Tokenize(normalized)
	// Complement-product combination keeps the score monotone in hits
	// and bounded by 1.
	clean := 1.0
	for _, tok := range tokens {
		if w, ok := toxicTerms[tok]; ok {
			clean *= 1 - w
		}
	}
	return 1 - clean
}
