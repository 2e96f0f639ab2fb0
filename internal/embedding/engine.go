// Package embedding provides vector embedding generation for semantic search
// over episodic memory. Supports two backends: an incremental TF-IDF engine
// (local, deterministic, the default) and Google GenAI (cloud).
package embedding

import (
	"context"
	"fmt"
	"math"

	"forgekeeper/internal/logging"
)

// =============================================================================
// EMBEDDING ENGINE INTERFACE
// =============================================================================

// Engine generates vector embeddings for text.
type Engine interface {
	// Embed generates an embedding for a single text
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the dimensionality of embeddings
	Dimensions() int

	// Name returns the engine name
	Name() string
}

// VocabularyEngine is an optional interface for engines whose output depends
// on a mutable vocabulary. The episodic store feeds every written document
// back through Learn and watches GrownBy to decide when a re-index is due.
type VocabularyEngine interface {
	// Learn folds a document into the vocabulary and document frequencies.
	Learn(text string)

	// GrownBy returns how many vocabulary-growing documents were learned
	// since the last ResetGrowth.
	GrownBy() int

	// ResetGrowth zeroes the growth counter (called after a re-index).
	ResetGrowth()

	// VocabSize returns the current number of known terms.
	VocabSize() int
}

// =============================================================================
// CONFIGURATION & FACTORY
// =============================================================================

// Config holds embedding engine configuration.
type Config struct {
	// Provider: "tfidf" or "genai"
	Provider string `json:"provider"`

	// Dimensions for the TF-IDF engine.
	Dimensions int `json:"dimensions"`

	// GenAI configuration
	GenAIAPIKey string `json:"genai_api_key"`
	GenAIModel  string `json:"genai_model"` // Default: "gemini-embedding-001"
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Provider:   "tfidf",
		Dimensions: 384,
		GenAIModel: "gemini-embedding-001",
	}
}

// NewEngine creates an embedding engine based on configuration.
func NewEngine(cfg Config) (Engine, error) {
	timer := logging.StartTimer(logging.CategoryEmbedding, "NewEngine")
	defer timer.Stop()

	logging.Embedding("Creating embedding engine with provider=%s", cfg.Provider)

	switch cfg.Provider {
	case "tfidf", "":
		dims := cfg.Dimensions
		if dims <= 0 {
			dims = 384
		}
		engine := NewTFIDF(dims)
		logging.Embedding("Embedding engine created: name=%s, dimensions=%d", engine.Name(), engine.Dimensions())
		return engine, nil
	case "genai":
		engine, err := NewGenAIEngine(cfg.GenAIAPIKey, cfg.GenAIModel)
		if err != nil {
			logging.Get(logging.CategoryEmbedding).Error("Failed to create embedding engine: %v", err)
			return nil, err
		}
		logging.Embedding("Embedding engine created: name=%s, dimensions=%d", engine.Name(), engine.Dimensions())
		return engine, nil
	default:
		err := fmt.Errorf("unsupported embedding provider: %s (use 'tfidf' or 'genai')", cfg.Provider)
		logging.Get(logging.CategoryEmbedding).Error("Unsupported embedding provider: %s", cfg.Provider)
		return nil, err
	}
}

// =============================================================================
// COSINE SIMILARITY UTILITY
// =============================================================================

// CosineSimilarity calculates the cosine similarity between two vectors.
// Returns a value between -1 and 1, where 1 means identical, 0 means orthogonal.
func CosineSimilarity(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("vectors must have the same length: %d != %d", len(a), len(b))
	}

	var dotProduct, aMagnitude, bMagnitude float64
	for i := 0; i < len(a); i++ {
		dotProduct += float64(a[i] * b[i])
		aMagnitude += float64(a[i] * a[i])
		bMagnitude += float64(b[i] * b[i])
	}

	if aMagnitude == 0 || bMagnitude == 0 {
		return 0, nil
	}

	return dotProduct / (math.Sqrt(aMagnitude) * math.Sqrt(bMagnitude)), nil
}

// SimilarityResult represents a similarity search result.
type SimilarityResult struct {
	Index      int
	Similarity float64
}

// FindTopK returns the indices of the top K most similar vectors to the
// query, by cosine similarity, descending. Vectors with mismatched
// dimensions are skipped.
func FindTopK(query []float32, corpus [][]float32, k int) ([]SimilarityResult, error) {
	timer := logging.StartTimer(logging.CategoryEmbedding, "FindTopK")
	defer timer.Stop()

	if k <= 0 {
		k = 10
	}

	results := make([]SimilarityResult, 0, len(corpus))
	skipped := 0
	for i, vec := range corpus {
		similarity, err := CosineSimilarity(query, vec)
		if err != nil {
			skipped++
			continue
		}
		results = append(results, SimilarityResult{Index: i, Similarity: similarity})
	}
	if skipped > 0 {
		logging.Get(logging.CategoryEmbedding).Warn("FindTopK: skipped %d vectors due to dimension mismatch", skipped)
	}

	// Partial selection sort; corpus sizes here stay small.
	for i := 0; i < len(results) && i < k; i++ {
		for j := i + 1; j < len(results); j++ {
			if results[j].Similarity > results[i].Similarity {
				results[i], results[j] = results[j], results[i]
			}
		}
	}
	if len(results) > k {
		results = results[:k]
	}

	logging.EmbeddingDebug("FindTopK: returning %d of %d candidates", len(results), len(corpus))
	return results, nil
}
