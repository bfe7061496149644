package respcache

import (
	"crypto/md5"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

const digestDim = 16

// Embedder turns prompt text into a fixed-length vector. Equal text must
// always produce equal vectors.
type Embedder interface {
	Embed(text string) ([]float64, error)
	Dim() int
}

// NewEmbedder returns the named embedder. dim applies to token_hash only.
func NewEmbedder(name string, dim int) (Embedder, error) {
	switch name {
	case "", "token_hash":
		return NewTokenHashEmbedder(dim), nil
	case "digest":
		return DigestEmbedder{}, nil
	default:
		return nil, fmt.Errorf("unknown embedder %q", name)
	}
}

// TokenHashEmbedder hashes lower-cased tokens and adjacent token pairs into a
// vector weighted by term frequency and normalised to unit length. Pairs make
// the vector sensitive to word order, and operator symbols count as tokens,
// so "10 - 3" and "3 - 10" land far apart while case, spacing and sentence
// punctuation do not matter.
type TokenHashEmbedder struct {
	dim int
}

func NewTokenHashEmbedder(dim int) TokenHashEmbedder {
	if dim <= 0 {
		dim = 128
	}
	return TokenHashEmbedder{dim: dim}
}

func (e TokenHashEmbedder) Dim() int { return e.dim }

func (e TokenHashEmbedder) Embed(text string) ([]float64, error) {
	vec := make([]float64, e.dim)
	toks := tokenize(text)
	if len(toks) == 0 {
		return vec, nil
	}
	tf := map[string]int{}
	for i, tok := range toks {
		tf[tok]++
		if i > 0 {
			tf[toks[i-1]+" "+tok]++
		}
	}
	total := float64(2*len(toks) - 1)
	for tok, n := range tf {
		idx := int(fnv32(tok) % uint32(e.dim))
		vec[idx] += float64(n) / total
	}
	normalizeL2(vec)
	return vec, nil
}

// DigestEmbedder derives a 16-dim vector from the MD5 digest of the text:
// eight values from big-endian byte pairs scaled to [-1,1], zero padded.
// Identical text scores 1. Different text scores near 0 on average, but with
// only eight informative dimensions an unrelated prompt can still clear a
// high threshold on rare occasions.
type DigestEmbedder struct{}

func (DigestEmbedder) Dim() int { return digestDim }

func (DigestEmbedder) Embed(text string) ([]float64, error) {
	sum := md5.Sum([]byte(text))
	vec := make([]float64, digestDim)
	for i := 0; i+1 < len(sum); i += 2 {
		vec[i/2] = 2*float64(int(sum[i])*256+int(sum[i+1]))/65535.0 - 1
	}
	return vec, nil
}

// CosineSimilarity returns the cosine of the angle between a and b, or 0
// when the lengths differ or either vector is all zeros.
func CosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// tokenize splits lower-cased text into letter/digit runs plus one token per
// operator symbol. Sentence punctuation and spacing are dropped.
func tokenize(text string) []string {
	var toks []string
	var word strings.Builder
	flush := func() {
		if word.Len() > 0 {
			toks = append(toks, word.String())
			word.Reset()
		}
	}
	for _, r := range strings.ToLower(text) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			word.WriteRune(r)
		case isOperator(r):
			flush()
			toks = append(toks, string(r))
		default:
			flush()
		}
	}
	flush()
	return toks
}

func isOperator(r rune) bool {
	return unicode.IsSymbol(r) || strings.ContainsRune("-*/%#&@", r)
}

func fnv32(s string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return h.Sum32()
}

func normalizeL2(vec []float64) {
	var sum float64
	for _, v := range vec {
		sum += v * v
	}
	if sum == 0 {
		return
	}
	norm := math.Sqrt(sum)
	for i := range vec {
		vec[i] /= norm
	}
}
