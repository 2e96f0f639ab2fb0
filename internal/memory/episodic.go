package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"forgekeeper/internal/contextlog"
	"forgekeeper/internal/embedding"
	"forgekeeper/internal/logging"
	"forgekeeper/internal/types"
)

// searchTopNCap is the hard ceiling on search results.
const searchTopNCap = 20

// EpisodicStore holds completed-session episodes with embeddings and
// serves similarity search over them. Writes grow the shared vocabulary;
// when enough writes accumulate with new terms, every stored vector is
// re-embedded in the background under the latest vocabulary so stored
// vectors and queries stay comparable. The rebuild runs single-flight
// and restarts when a write lands mid-rebuild.
type EpisodicStore struct {
	mu       sync.RWMutex
	journal  *journal
	engine   embedding.Engine
	episodes []types.Episode

	vocabVersion       int
	writesSinceReindex int
	writeGen           uint64

	reembedInterval int
	defaultTopN     int
	minScore        float64

	reindexFlight singleflight.Group
	rebuilds      sync.WaitGroup
}

// OpenEpisodicStore loads the episodic store from dir. Stored episodes
// re-teach the vocabulary in their original write order, so the engine's
// term indices come back identical to the run that wrote them.
func OpenEpisodicStore(dir string, engine embedding.Engine, opts Options, events *contextlog.Log) (*EpisodicStore, error) {
	opts = opts.withDefaults()
	path := filepath.Join(dir, "episodes.jsonl")
	s := &EpisodicStore{
		journal:         newJournal(path, "episodes", events),
		engine:          engine,
		reembedInterval: opts.ReembedInterval,
		defaultTopN:     opts.DefaultTopN,
		minScore:        opts.MinScore,
	}

	err := readLines(path, func(line []byte) {
		var ep types.Episode
		if json.Unmarshal(line, &ep) == nil {
			s.episodes = append(s.episodes, ep)
		}
	})
	if err != nil {
		return nil, err
	}

	if vocab, ok := engine.(embedding.VocabularyEngine); ok {
		for i := range s.episodes {
			vocab.Learn(s.episodes[i].SearchText())
			if s.episodes[i].VocabVersion > s.vocabVersion {
				s.vocabVersion = s.episodes[i].VocabVersion
			}
		}
		vocab.ResetGrowth()
	}

	logging.Memory("Episodic store opened: %d episodes, vocab version %d", len(s.episodes), s.vocabVersion)
	return s, nil
}

// Write persists one episode: assigns id and timestamp, teaches the
// vocabulary its text, embeds it under the current vocabulary, and
// appends it. Triggers a background re-embed when enough writes with
// new vocabulary have accumulated.
func (s *EpisodicStore) Write(ctx context.Context, ep *types.Episode) error {
	if ep == nil || ep.Task == "" {
		return fmt.Errorf("episode task cannot be empty")
	}
	if ep.ID == "" {
		ep.ID = uuid.NewString()
	}
	if ep.Timestamp.IsZero() {
		ep.Timestamp = time.Now().UTC()
	}

	if vocab, ok := s.engine.(embedding.VocabularyEngine); ok {
		vocab.Learn(ep.SearchText())
	}
	vec, err := s.engine.Embed(ctx, ep.SearchText())
	if err != nil {
		return fmt.Errorf("failed to embed episode: %w", err)
	}
	ep.Embedding = vec

	s.mu.Lock()
	ep.VocabVersion = s.vocabVersion
	s.episodes = append(s.episodes, *ep)
	s.writesSinceReindex++
	s.writeGen++
	jerr := s.journal.append(*ep)
	start := s.shouldReindexLocked()
	s.mu.Unlock()
	if jerr != nil {
		return jerr
	}

	logging.MemoryDebug("Episode written: id=%s type=%s success=%v", ep.ID, ep.TaskType, ep.Success)

	if start {
		s.rebuilds.Add(1)
		go func() {
			defer s.rebuilds.Done()
			if err := s.Reindex(); err != nil {
				logging.MemoryWarn("Background re-embed failed: %v", err)
			}
		}()
	}
	return nil
}

// shouldReindexLocked reports whether accumulated writes plus vocabulary
// growth warrant a re-embed. Caller holds mu.
func (s *EpisodicStore) shouldReindexLocked() bool {
	if s.writesSinceReindex < s.reembedInterval {
		return false
	}
	vocab, ok := s.engine.(embedding.VocabularyEngine)
	return ok && vocab.GrownBy() > 0
}

// SearchOptions filter and bound an episode search.
type SearchOptions struct {
	// TopN caps results; zero means the store default, and anything
	// above 20 is clamped to 20.
	TopN int
	// MinScore drops results below this cosine similarity; zero means
	// the store default.
	MinScore float64
	// TaskType, when set, restricts results to one task type.
	TaskType types.TaskType
	// Success, when set, restricts results by outcome.
	Success *bool
}

// Search embeds the query under the current vocabulary and returns the
// most similar episodes, best first.
func (s *EpisodicStore) Search(ctx context.Context, query string, opts SearchOptions) ([]types.ScoredEpisode, error) {
	if query == "" {
		return nil, fmt.Errorf("search query cannot be empty")
	}
	topN := opts.TopN
	if topN <= 0 {
		topN = s.defaultTopN
	}
	if topN > searchTopNCap {
		topN = searchTopNCap
	}
	minScore := opts.MinScore
	if minScore <= 0 {
		minScore = s.minScore
	}

	qvec, err := s.engine.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	s.mu.RLock()
	candidates := make([]types.Episode, len(s.episodes))
	copy(candidates, s.episodes)
	s.mu.RUnlock()

	scored := make([]types.ScoredEpisode, 0, len(candidates))
	for _, ep := range candidates {
		if opts.TaskType != "" && ep.TaskType != opts.TaskType {
			continue
		}
		if opts.Success != nil && ep.Success != *opts.Success {
			continue
		}
		score, err := embedding.CosineSimilarity(qvec, ep.Embedding)
		if err != nil {
			continue
		}
		if score < minScore {
			continue
		}
		scored = append(scored, types.ScoredEpisode{Episode: ep, Score: score})
	}

	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].Episode.Timestamp.After(scored[j].Episode.Timestamp)
	})
	if len(scored) > topN {
		scored = scored[:topN]
	}

	logging.MemoryDebug("Episode search: %d/%d results (topN=%d minScore=%.2f)",
		len(scored), len(candidates), topN, minScore)
	return scored, nil
}

// All returns every episode, oldest first.
func (s *EpisodicStore) All() []types.Episode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.Episode, len(s.episodes))
	copy(out, s.episodes)
	return out
}

// Count returns the number of stored episodes.
func (s *EpisodicStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.episodes)
}

// Pending reports episodes queued by degraded writes.
func (s *EpisodicStore) Pending() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.journal.pending()
}

// VocabVersion returns the current vocabulary version. It increments on
// every completed re-embed.
func (s *EpisodicStore) VocabVersion() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.vocabVersion
}

// Reindex re-embeds every stored episode under the latest vocabulary and
// bumps the vocabulary version. Concurrent callers collapse into one
// rebuild; a write landing mid-rebuild restarts it so the committed
// vectors always reflect every episode present at commit time.
func (s *EpisodicStore) Reindex() error {
	_, err, _ := s.reindexFlight.Do("reindex", func() (any, error) {
		return nil, s.rebuild()
	})
	return err
}

func (s *EpisodicStore) rebuild() error {
	for {
		s.mu.RLock()
		gen := s.writeGen
		texts := make([]string, len(s.episodes))
		for i := range s.episodes {
			texts[i] = s.episodes[i].SearchText()
		}
		s.mu.RUnlock()

		if len(texts) == 0 {
			return nil
		}

		timer := logging.StartTimer(logging.CategoryMemory, "reembed_all")
		vectors, err := s.engine.EmbedBatch(context.Background(), texts)
		if err != nil {
			timer.Stop()
			return fmt.Errorf("re-embed failed: %w", err)
		}

		s.mu.Lock()
		if s.writeGen != gen {
			s.mu.Unlock()
			timer.Stop()
			logging.MemoryDebug("Re-embed restarted: writes landed mid-rebuild")
			continue
		}

		s.vocabVersion++
		for i := range s.episodes {
			s.episodes[i].Embedding = vectors[i]
			s.episodes[i].VocabVersion = s.vocabVersion
		}
		s.writesSinceReindex = 0
		if vocab, ok := s.engine.(embedding.VocabularyEngine); ok {
			vocab.ResetGrowth()
		}

		records := make([]any, len(s.episodes))
		for i := range s.episodes {
			records[i] = s.episodes[i]
		}
		version := s.vocabVersion
		count := len(s.episodes)
		rewriteErr := s.journal.rewrite(records)
		s.mu.Unlock()
		timer.Stop()

		// A failed rewrite degrades durability, not correctness: the
		// in-memory vectors are already consistent under the new
		// version, and the next successful rewrite catches the file up.
		if rewriteErr != nil {
			logging.MemoryWarn("Re-embed persisted partially: %v", rewriteErr)
		}
		logging.Memory("Re-embedded %d episodes under vocab version %d", count, version)
		return nil
	}
}

// Close waits for any in-flight background rebuild.
func (s *EpisodicStore) Close() error {
	s.rebuilds.Wait()
	return nil
}
