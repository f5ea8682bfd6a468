package nlp

import (
	"hash/fnv"
	"math"
)

// EmbeddingModelVersion tags embeddings produced by the hashing
// encoder. Bump when the hashing scheme or default dimensionality
// changes; vectors from different versions must not be compared.
const EmbeddingModelVersion = "hash-embed-v1"

// Embedder encodes normalized text into fixed-dimensional vectors via
// feature hashing over unigrams and bigrams. Deterministic, so the
// cluster stage can replay a batch and land on identical vectors.
type Embedder struct {
	dimensions int
}

// NewEmbedder creates an embedder with the given dimensionality.
func NewEmbedder(dimensions int) *Embedder {
	if dimensions < 1 {
		dimensions = 256
	}
	return &Embedder{dimensions: dimensions}
}

// Dimensions returns the output vector length.
func (e *Embedder) Dimensions() int { return e.dimensions }

// Embed encodes normalized text. The result is L2-normalized; the zero
// vector is returned for empty input.
func (e *Embedder) Embed(normalized string) []float32 {
	vec := make([]float32, e.dimensions)
	tokens := Tokenize(normalized)
	if len(tokens) == 0 {
		return vec
	}

	add := func(feature string, weight float32) {
		h := fnv.New64a()
		h.Write([]byte(feature))
		sum := h.Sum64()
		idx := int(sum % uint64(e.dimensions))
		// Second hash bit decides sign, which keeps collisions from
		// biasing the vector positive.
		sign := float32(1)
		if (sum>>32)&1 == 1 {
			sign = -1
		}
		vec[idx] += sign * weight
	}

	for i, tok := range tokens {
		add(tok, 1)
		if i+1 < len(tokens) {
			add(tok+" "+tokens[i+1], 0.5)
		}
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		inv := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= inv
		}
	}
	return vec
}

// TopKeywords returns the most frequent non-stopword tokens of a set of
// normalized texts, used to label spawned topics.
func TopKeywords(texts []string, k int) []string {
	if k < 1 {
		k = 3
	}
	skip := make(map[string]struct{})
	for _, words := range stopwords {
		for _, w := range words {
			skip[w] = struct{}{}
		}
	}

	counts := make(map[string]int)
	for _, t := range texts {
		for _, tok := range Tokenize(t) {
			if _, ok := skip[tok]; ok {
				continue
			}
			if len(tok) < 3 {
				continue
			}
			counts[tok]++
		}
	}

	type kv struct {
		word  string
		count int
	}
	ranked := make([]kv, 0, len(counts))
	for w, c := range counts {
		ranked = append(ranked, kv{w, c})
	}
	for i := 0; i < len(ranked); i++ {
		for j := i + 1; j < len(ranked); j++ {
			if ranked[j].count > ranked[i].count ||
				(ranked[j].count == ranked[i].count && ranked[j].word < ranked[i].word) {
				ranked[i], ranked[j] = ranked[j], ranked[i]
			}
		}
	}
	if len(ranked) > k {
		ranked = ranked[:k]
	}
	out := make([]string, len(ranked))
	for i, r := range ranked {
		out[i] = r.word
	}
	return out
}
