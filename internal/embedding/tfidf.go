package embedding

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"sync"
	"unicode"

	"forgekeeper/internal/logging"
)

// =============================================================================
// TF-IDF ENGINE
// =============================================================================

// TFIDF is an incremental TF-IDF embedding engine. Terms are assigned stable
// indices in first-seen order; terms beyond the configured dimensionality are
// feature-hashed into the existing space. Embed never mutates state, so the
// same (vocabulary, text) pair always produces the same vector. Learn is the
// only mutator.
type TFIDF struct {
	mu       sync.RWMutex
	dims     int
	vocab    map[string]int // term -> stable index, first-seen order
	docFreq  map[string]int // term -> number of documents containing it
	docs     int            // documents learned
	newTerms int            // documents since ResetGrowth that grew the vocab
}

// NewTFIDF creates a TF-IDF engine with the given output dimensionality.
func NewTFIDF(dims int) *TFIDF {
	if dims <= 0 {
		dims = 384
	}
	return &TFIDF{
		dims:    dims,
		vocab:   make(map[string]int),
		docFreq: make(map[string]int),
	}
}

// Learn folds one document into the vocabulary and document frequencies.
func (t *TFIDF) Learn(text string) {
	terms := tokenize(text)
	if len(terms) == 0 {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.docs++
	seen := make(map[string]bool, len(terms))
	grew := false
	for _, term := range terms {
		if seen[term] {
			continue
		}
		seen[term] = true
		t.docFreq[term]++
		if _, ok := t.vocab[term]; !ok {
			t.vocab[term] = len(t.vocab)
			grew = true
		}
	}
	if grew {
		t.newTerms++
	}
}

// GrownBy returns how many learned documents introduced new terms since the
// last ResetGrowth.
func (t *TFIDF) GrownBy() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.newTerms
}

// ResetGrowth zeroes the growth counter.
func (t *TFIDF) ResetGrowth() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.newTerms = 0
}

// VocabSize returns the number of known terms.
func (t *TFIDF) VocabSize() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.vocab)
}

// Embed generates an L2-normalized TF-IDF vector for the text. Unknown terms
// still contribute via feature hashing so queries with novel words do not
// embed to zero. Empty or all-stopword text embeds to the zero vector.
func (t *TFIDF) Embed(ctx context.Context, text string) ([]float32, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	terms := tokenize(text)
	vec := make([]float32, t.dims)
	if len(terms) == 0 {
		return vec, nil
	}

	counts := make(map[string]int, len(terms))
	for _, term := range terms {
		counts[term]++
	}

	t.mu.RLock()
	for term, count := range counts {
		tf := float64(count) / float64(len(terms))
		df := t.docFreq[term]
		idf := math.Log(1 + float64(t.docs+1)/float64(df+1))
		dim := t.dimFor(term)
		vec[dim] += float32(tf * idf)
	}
	t.mu.RUnlock()

	normalize(vec)
	return vec, nil
}

// EmbedBatch generates embeddings for multiple texts.
func (t *TFIDF) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	timer := logging.StartTimer(logging.CategoryEmbedding, "TFIDF.EmbedBatch")
	defer timer.StopWithInfo()

	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := t.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

// Dimensions returns the embedding dimensionality.
func (t *TFIDF) Dimensions() int {
	return t.dims
}

// Name returns the engine name.
func (t *TFIDF) Name() string {
	return "tfidf"
}

// dimFor maps a term to an output dimension. Terms with a vocabulary index
// below dims keep their stable slot; everything else (overflow terms and
// terms never learned) is hashed. Caller holds at least a read lock.
func (t *TFIDF) dimFor(term string) int {
	if idx, ok := t.vocab[term]; ok && idx < t.dims {
		return idx
	}
	h := fnv.New32a()
	h.Write([]byte(term))
	return int(h.Sum32() % uint32(t.dims))
}

func normalize(vec []float32) {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return
	}
	mag := float32(math.Sqrt(sum))
	for i := range vec {
		vec[i] /= mag
	}
}

// =============================================================================
// TOKENIZATION
// =============================================================================

var stopwords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true,
	"be": true, "by": true, "for": true, "from": true, "has": true, "he": true,
	"in": true, "is": true, "it": true, "its": true, "of": true, "on": true,
	"or": true, "that": true, "the": true, "to": true, "was": true, "were": true,
	"will": true, "with": true,
}

// tokenize lowercases and splits on non-alphanumeric runes, dropping
// stopwords and single characters.
func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	terms := make([]string, 0, len(fields))
	for _, f := range fields {
		if len(f) < 2 || stopwords[f] {
			continue
		}
		terms = append(terms, f)
	}
	return terms
}
