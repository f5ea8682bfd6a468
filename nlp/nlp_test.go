package nlp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"Hello  World", "hello world"},
		{"Check https://example.com/page now", "check now"},
		{"mail me at user@example.com please", "mail me at please"},
		{"thanks @support for nothing", "thanks for nothing"},
		{"  padded\t\n text  ", "padded text"},
		{"", ""},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Normalize(tc.in), tc.in)
	}
}

func TestTokenize(t *testing.T) {
	assert.Equal(t, []string{"can't", "log", "in"}, Tokenize("can't log in!"))
	assert.Equal(t, []string{"v2", "api"}, Tokenize("v2 api."))
	assert.Nil(t, Tokenize("..."))
}

func TestDetectLanguage(t *testing.T) {
	assert.Equal(t, "en", DetectLanguage("the app is great and they love it"))
	assert.Equal(t, "es", DetectLanguage("la aplicacion es muy buena para todos"))
	assert.Equal(t, "de", DetectLanguage("das ist sehr gut und ich mag es nicht"))

	// one stopword hit is not enough evidence
	assert.Equal(t, "unknown", DetectLanguage("the quick brown fox"))
	assert.Equal(t, "unknown", DetectLanguage(""))
	assert.Equal(t, "unknown", DetectLanguage("zxcvb qwerty"))
}

func TestScoreSentimentClasses(t *testing.T) {
	pos := ScoreSentiment("this app is great i love it")
	assert.Equal(t, SentimentPositive, pos.Class)
	assert.Greater(t, pos.Score, 0.0)
	assert.Equal(t, SentimentModelVersion, pos.Version)

	neg := ScoreSentiment("terrible experience everything is broken")
	assert.Equal(t, SentimentNegative, neg.Class)
	assert.Less(t, neg.Score, 0.0)

	neutral := ScoreSentiment("the invoice arrived on tuesday")
	assert.Equal(t, SentimentNeutral, neutral.Class)
	assert.Equal(t, 0.0, neutral.Score)
}

func TestScoreSentimentNegation(t *testing.T) {
	plain := ScoreSentiment("the update is good")
	negated := ScoreSentiment("the update is not good")

	assert.Equal(t, SentimentPositive, plain.Class)
	assert.Equal(t, SentimentNegative, negated.Class)
	// negation flips and dampens rather than mirroring
	assert.Less(t, negated.Score, 0.0)
	assert.Greater(t, negated.Score, -plain.Score)
}

func TestScoreSentimentIntensifier(t *testing.T) {
	plain := ScoreSentiment("support was helpful")
	boosted := ScoreSentiment("support was very helpful")
	assert.Greater(t, boosted.Score, plain.Score)
}

func TestScoreSentimentBounded(t *testing.T) {
	res := ScoreSentiment("amazing excellent fantastic perfect best wonderful great love awesome")
	assert.LessOrEqual(t, res.Score, 1.0)
	assert.Greater(t, res.Score, 0.5)
}

func TestScoreToxicity(t *testing.T) {
	assert.Equal(t, 0.0, ScoreToxicity("the report arrived late"))

	single := ScoreToxicity("these people are incompetent")
	assert.InDelta(t, 0.45, single, 1e-9)

	multiple := ScoreToxicity("stupid garbage from incompetent clowns")
	assert.Greater(t, multiple, single)
	assert.Less(t, multiple, 1.0)
}

func TestEmbedDeterministicAndNormalized(t *testing.T) {
	e := NewEmbedder(64)
	a := e.Embed("checkout keeps crashing on ios")
	b := e.Embed("checkout keeps crashing on ios")
	require.Equal(t, a, b)
	require.Len(t, a, 64)

	var norm float64
	for _, v := range a {
		norm += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, norm, 1e-5)
}

func TestEmbedEmptyInputIsZeroVector(t *testing.T) {
	e := NewEmbedder(16)
	vec := e.Embed("")
	require.Len(t, vec, 16)
	for _, v := range vec {
		assert.Equal(t, float32(0), v)
	}
}

func TestEmbedSimilarTextsScoreCloser(t *testing.T) {
	e := NewEmbedder(256)
	base := e.Embed("the checkout page crashes during payment")
	similar := e.Embed("checkout crashes when i try to pay")
	unrelated := e.Embed("please add dark mode to the settings screen")

	dot := func(a, b []float32) float64 {
		var s float64
		for i := range a {
			s += float64(a[i]) * float64(b[i])
		}
		return s
	}
	assert.Greater(t, dot(base, similar), dot(base, unrelated))
}

func TestEmbedderDefaultsDimensions(t *testing.T) {
	assert.Equal(t, 256, NewEmbedder(0).Dimensions())
	assert.Equal(t, 32, NewEmbedder(32).Dimensions())
}

func TestTopKeywords(t *testing.T) {
	texts := []string{
		"checkout crashes on payment",
		"checkout fails during payment",
		"payment screen freezes",
	}
	got := TopKeywords(texts, 3)
	require.Len(t, got, 3)
	assert.Equal(t, "payment", got[0])
	assert.Equal(t, "checkout", got[1])
}

func TestTopKeywordsSkipsStopwordsAndShortTokens(t *testing.T) {
	got := TopKeywords([]string{"the ui is ok"}, 3)
	assert.NotContains(t, got, "the")
	assert.NotContains(t, got, "ui")
	assert.NotContains(t, got, "is")
}
