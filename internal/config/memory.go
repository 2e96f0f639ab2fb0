package config

// MemoryConfig configures the memory substrate.
type MemoryConfig struct {
	// EmbeddingDimensions is the fixed episode vector length.
	EmbeddingDimensions int `yaml:"embedding_dimensions"`

	// ReembedInterval triggers a background re-index after this many new
	// vocabulary-growing writes.
	ReembedInterval int `yaml:"reembed_interval"`

	// SearchTopN is the default episodic search result count (hard cap 20).
	SearchTopN int `yaml:"search_top_n"`

	// SearchMinScore drops weaker-than-this matches from search results.
	SearchMinScore float64 `yaml:"search_min_score"`
}
