package embedding

import (
	"context"
	"fmt"
	"math"
	"testing"
)

func TestTFIDFEmbedDeterministic(t *testing.T) {
	t.Parallel()

	engine := NewTFIDF(64)
	engine.Learn("fix the failing unit test in the parser")
	engine.Learn("refactor the config loader for clarity")

	ctx := context.Background()
	a, err := engine.Embed(ctx, "fix the failing parser test")
	if err != nil {
		t.Fatalf("Embed failed: %v", err)
	}
	b, err := engine.Embed(ctx, "fix the failing parser test")
	if err != nil {
		t.Fatalf("Embed failed: %v", err)
	}

	if len(a) != 64 || len(b) != 64 {
		t.Fatalf("expected 64-dim vectors, got %d and %d", len(a), len(b))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("embeddings differ at dim %d: %v != %v", i, a[i], b[i])
		}
	}

	sim, err := CosineSimilarity(a, b)
	if err != nil {
		t.Fatalf("CosineSimilarity failed: %v", err)
	}
	if math.Abs(sim-1.0) > 1e-6 {
		t.Errorf("self-similarity = %v, want 1.0 within 1e-6", sim)
	}
}

func TestTFIDFRelatedTextScoresHigher(t *testing.T) {
	t.Parallel()

	engine := NewTFIDF(128)
	docs := []string{
		"fix the null pointer crash in the request handler",
		"add pagination support to the list endpoint",
		"write integration tests for the database layer",
	}
	for _, d := range docs {
		engine.Learn(d)
	}

	ctx := context.Background()
	query, err := engine.Embed(ctx, "crash in the request handler")
	if err != nil {
		t.Fatalf("Embed query failed: %v", err)
	}

	corpus := make([][]float32, len(docs))
	for i, d := range docs {
		vec, err := engine.Embed(ctx, d)
		if err != nil {
			t.Fatalf("Embed doc %d failed: %v", i, err)
		}
		corpus[i] = vec
	}

	results, err := FindTopK(query, corpus, 3)
	if err != nil {
		t.Fatalf("FindTopK failed: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	if results[0].Index != 0 {
		t.Errorf("expected doc 0 (crash/handler) to rank first, got doc %d", results[0].Index)
	}
	for i := 1; i < len(results); i++ {
		if results[i].Similarity > results[i-1].Similarity {
			t.Errorf("results not sorted: [%d]=%v > [%d]=%v",
				i, results[i].Similarity, i-1, results[i-1].Similarity)
		}
	}
}

func TestTFIDFVocabGrowth(t *testing.T) {
	t.Parallel()

	engine := NewTFIDF(64)
	if engine.GrownBy() != 0 || engine.VocabSize() != 0 {
		t.Fatal("new engine should have empty vocabulary and zero growth")
	}

	engine.Learn("deploy the service to staging")
	if engine.GrownBy() != 1 {
		t.Errorf("GrownBy = %d after first document, want 1", engine.GrownBy())
	}
	sizeAfterFirst := engine.VocabSize()
	if sizeAfterFirst == 0 {
		t.Fatal("vocabulary should be non-empty after learning")
	}

	// Same terms again: document count rises but vocabulary does not grow.
	engine.Learn("deploy the service to staging")
	if engine.GrownBy() != 1 {
		t.Errorf("GrownBy = %d after repeat document, want 1", engine.GrownBy())
	}
	if engine.VocabSize() != sizeAfterFirst {
		t.Errorf("VocabSize changed on repeat document: %d -> %d", sizeAfterFirst, engine.VocabSize())
	}

	engine.Learn("investigate flaky websocket reconnect")
	if engine.GrownBy() != 2 {
		t.Errorf("GrownBy = %d after novel document, want 2", engine.GrownBy())
	}

	engine.ResetGrowth()
	if engine.GrownBy() != 0 {
		t.Errorf("GrownBy = %d after ResetGrowth, want 0", engine.GrownBy())
	}
	if engine.VocabSize() <= sizeAfterFirst {
		t.Error("ResetGrowth should not shrink the vocabulary")
	}
}

func TestTFIDFEmptyTextEmbedsToZero(t *testing.T) {
	t.Parallel()

	engine := NewTFIDF(32)
	engine.Learn("some content to make the engine non-trivial")

	ctx := context.Background()
	for _, text := range []string{"", "   ", "a of the", "! @ # $"} {
		vec, err := engine.Embed(ctx, text)
		if err != nil {
			t.Fatalf("Embed(%q) failed: %v", text, err)
		}
		if len(vec) != 32 {
			t.Fatalf("Embed(%q) returned %d dims, want 32", text, len(vec))
		}
		for i, v := range vec {
			if v != 0 {
				t.Errorf("Embed(%q) dim %d = %v, want 0", text, i, v)
			}
		}
	}
}

func TestTFIDFOverflowVocabularyStillBounded(t *testing.T) {
	t.Parallel()

	engine := NewTFIDF(8)
	for i := 0; i < 50; i++ {
		engine.Learn(fmt.Sprintf("term%dalpha term%dbeta term%dgamma", i, i, i))
	}
	if engine.VocabSize() <= 8 {
		t.Fatalf("expected vocabulary to exceed dimensions, got %d", engine.VocabSize())
	}

	ctx := context.Background()
	vec, err := engine.Embed(ctx, "term42alpha term42beta completely novel words here")
	if err != nil {
		t.Fatalf("Embed failed: %v", err)
	}
	if len(vec) != 8 {
		t.Fatalf("vector length = %d, want 8", len(vec))
	}

	var mag float64
	for _, v := range vec {
		mag += float64(v) * float64(v)
	}
	if math.Abs(mag-1.0) > 1e-5 {
		t.Errorf("overflow vector not L2-normalized: magnitude^2 = %v", mag)
	}
}

func TestTFIDFEmbedBatch(t *testing.T) {
	t.Parallel()

	engine := NewTFIDF(64)
	engine.Learn("alpha beta gamma")

	texts := []string{"alpha beta", "gamma delta", ""}
	vecs, err := engine.EmbedBatch(context.Background(), texts)
	if err != nil {
		t.Fatalf("EmbedBatch failed: %v", err)
	}
	if len(vecs) != len(texts) {
		t.Fatalf("expected %d vectors, got %d", len(texts), len(vecs))
	}
	for i, vec := range vecs {
		if len(vec) != 64 {
			t.Errorf("vector %d has %d dims, want 64", i, len(vec))
		}
	}
}

func TestTFIDFEmbedHonorsCancellation(t *testing.T) {
	t.Parallel()

	engine := NewTFIDF(16)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := engine.Embed(ctx, "anything"); err == nil {
		t.Error("expected error from cancelled context")
	}
}

func TestTokenize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input string
		want  []string
	}{
		{"Fix the Parser", []string{"fix", "parser"}},
		{"retry-with-backoff", []string{"retry", "backoff"}},
		{"a an the of", nil},
		{"", nil},
		{"HTTP 429 rate limit", []string{"http", "429", "rate", "limit"}},
	}
	for _, tt := range tests {
		got := tokenize(tt.input)
		if len(got) != len(tt.want) {
			t.Errorf("tokenize(%q) = %v, want %v", tt.input, got, tt.want)
			continue
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("tokenize(%q)[%d] = %q, want %q", tt.input, i, got[i], tt.want[i])
			}
		}
	}
}
