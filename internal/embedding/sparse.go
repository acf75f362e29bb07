package embedding

import (
	"hash/fnv"
	"regexp"
	"sort"
	"strings"
	"unicode"
)

// SparseVector is a lexical vector of hashed term indices. Indices are
// sorted and unique.
type SparseVector struct {
	Indices []uint32
	Values  []float32
}

// Empty reports whether the vector has no terms.
func (v SparseVector) Empty() bool { return len(v.Indices) == 0 }

// BM25 document-side parameters. IDF is applied by the vector store.
const (
	bm25K1        = 1.2
	bm25B         = 0.75
	bm25AvgDocLen = 256.0
)

var tokenPattern = regexp.MustCompile(`[\p{L}\p{N}_]+`)

var stopWords = buildSet(
	// English
	"a", "an", "and", "are", "as", "at", "be", "by", "for", "from", "in", "is", "it",
	"of", "on", "or", "that", "the", "this", "to", "was", "with",
	// Code noise
	"var", "let", "const", "func", "function", "def", "class", "return", "if", "else",
	"for", "while", "nil", "null", "true", "false", "err", "ctx", "tmp",
)

// SparseEncoder turns text into BM25-weighted term vectors.
type SparseEncoder struct{}

// NewSparseEncoder creates an encoder.
func NewSparseEncoder() *SparseEncoder { return &SparseEncoder{} }

// EncodeDocument weights each term by BM25 term-frequency saturation with
// document length normalisation.
func (SparseEncoder) EncodeDocument(text string) SparseVector {
	tokens := Tokenize(text)
	if len(tokens) == 0 {
		return SparseVector{}
	}
	tf := termCounts(tokens)
	norm := bm25K1 * (1 - bm25B + bm25B*float64(len(tokens))/bm25AvgDocLen)
	return build(tf, func(n int) float32 {
		f := float64(n)
		return float32(f * (bm25K1 + 1) / (f + norm))
	})
}

// EncodeQuery gives every distinct query term weight 1.
func (SparseEncoder) EncodeQuery(text string) SparseVector {
	tf := termCounts(Tokenize(text))
	return build(tf, func(int) float32 { return 1 })
}

// Tokenize splits text with code-aware rules: words are split on
// snake_case and camelCase boundaries, lower-cased, and stop words and
// single characters dropped.
func Tokenize(text string) []string {
	var tokens []string
	for _, word := range tokenPattern.FindAllString(text, -1) {
		for _, part := range strings.Split(word, "_") {
			for _, t := range splitCamel(part) {
				t = strings.ToLower(t)
				if len([]rune(t)) < 2 {
					continue
				}
				if _, stop := stopWords[t]; stop {
					continue
				}
				tokens = append(tokens, t)
			}
		}
	}
	return tokens
}

// splitCamel splits "parseHTTPRequest" into ["parse", "HTTP", "Request"].
func splitCamel(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	runes := []rune(s)
	start := 0
	for i := 1; i < len(runes); i++ {
		if !unicode.IsUpper(runes[i]) {
			continue
		}
		prevLower := unicode.IsLower(runes[i-1]) || unicode.IsDigit(runes[i-1])
		nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
		if prevLower || (nextLower && unicode.IsUpper(runes[i-1])) {
			out = append(out, string(runes[start:i]))
			start = i
		}
	}
	return append(out, string(runes[start:]))
}

func termCounts(tokens []string) map[uint32]int {
	tf := make(map[uint32]int, len(tokens))
	for _, t := range tokens {
		tf[termIndex(t)]++
	}
	return tf
}

// termIndex hashes a term with 32-bit FNV-1a. Collisions merge terms.
func termIndex(term string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(term))
	return h.Sum32()
}

func build(tf map[uint32]int, weight func(int) float32) SparseVector {
	if len(tf) == 0 {
		return SparseVector{}
	}
	v := SparseVector{
		Indices: make([]uint32, 0, len(tf)),
		Values:  make([]float32, 0, len(tf)),
	}
	for idx := range tf {
		v.Indices = append(v.Indices, idx)
	}
	sort.Slice(v.Indices, func(i, j int) bool { return v.Indices[i] < v.Indices[j] })
	for _, idx := range v.Indices {
		v.Values = append(v.Values, weight(tf[idx]))
	}
	return v
}

func buildSet(words ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(words))
	for _, w := range words {
		m[w] = struct{}{}
	}
	return m
}
