package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/nextlevelbuilder/telepersona/internal/cache"
	"github.com/nextlevelbuilder/telepersona/internal/store"
)

// Service implements the semantic memory subsystem: add with near-duplicate
// replacement, and similarity-ranked retrieval for prompt injection.
type Service struct {
	cache    *cache.Cache
	embedder Embedder // nil when no embedding provider is configured

	dedupThreshold     float64
	retrievalThreshold float64
	topK               int
	log                *slog.Logger
}

func NewService(c *cache.Cache, embedder Embedder, dedup, retrieval float64, topK int, log *slog.Logger) *Service {
	return &Service{
		cache:              c,
		embedder:           embedder,
		dedupThreshold:     dedup,
		retrievalThreshold: retrieval,
		topK:               topK,
		log:                log,
	}
}

// Add stores a memory. When an embedding is available and an existing memory
// is a near duplicate (cosine >= dedup threshold), that one old memory is
// deleted first; at most one replacement per add. An embedding failure never
// loses the memory, it is stored unranked.
func (s *Service) Add(ctx context.Context, userID int64, content, source string) store.Memory {
	content = strings.TrimSpace(content)

	var embedding []float32
	if s.embedder != nil {
		var err error
		embedding, err = s.embedder.Embed(ctx, content)
		if err != nil {
			s.log.Warn("memory embedding failed, storing without vector",
				"user_id", userID, "error", err)
			embedding = nil
		}
	}

	if embedding != nil {
		bestIdx, bestSim := -1, 0.0
		for i, m := range s.cache.Memories(userID) {
			if m.Embedding == nil {
				continue
			}
			if sim := Cosine(embedding, m.Embedding); sim >= s.dedupThreshold && sim > bestSim {
				bestIdx, bestSim = i, sim
			}
		}
		if bestIdx >= 0 {
			s.cache.DeleteMemoryAt(userID, bestIdx)
			s.log.Debug("replaced near-duplicate memory",
				"user_id", userID, "similarity", bestSim)
		}
	}

	return s.cache.AddMemory(userID, content, source, embedding)
}

// List returns the user's memories in insertion order.
func (s *Service) List(userID int64) []store.Memory {
	return s.cache.Memories(userID)
}

// DeleteAt removes the memory at a 0-based index.
func (s *Service) DeleteAt(userID int64, index int) bool {
	return s.cache.DeleteMemoryAt(userID, index)
}

// Clear removes all of the user's memories.
func (s *Service) Clear(userID int64) {
	s.cache.ClearMemories(userID)
}

// Relevant selects the memories worth injecting for a query: embedded ones
// scored by cosine, thresholded and capped at top-K, plus every memory that
// has no embedding. Without a query or embedder, everything is returned.
func (s *Service) Relevant(ctx context.Context, userID int64, query string) []store.Memory {
	memories := s.cache.Memories(userID)
	if len(memories) == 0 {
		return nil
	}

	hasEmbedded := false
	for _, m := range memories {
		if m.Embedding != nil {
			hasEmbedded = true
			break
		}
	}
	if query == "" || s.embedder == nil || !hasEmbedded {
		return memories
	}

	queryEmb, err := s.embedder.Embed(ctx, query)
	if err != nil {
		s.log.Warn("query embedding failed, returning all memories",
			"user_id", userID, "error", err)
		return memories
	}

	type scored struct {
		mem store.Memory
		sim float64
	}
	var ranked []scored
	var unembedded []store.Memory
	for _, m := range memories {
		if m.Embedding == nil {
			unembedded = append(unembedded, m)
			continue
		}
		if sim := Cosine(queryEmb, m.Embedding); sim >= s.retrievalThreshold {
			ranked = append(ranked, scored{m, sim})
		}
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].sim > ranked[j].sim })
	if len(ranked) > s.topK {
		ranked = ranked[:s.topK]
	}

	out := make([]store.Memory, 0, len(ranked)+len(unembedded))
	for _, r := range ranked {
		out = append(out, r.mem)
	}
	return append(out, unembedded...)
}

// FormatForPrompt renders the retrieval result as a system prompt block.
// Empty string means nothing to inject.
func (s *Service) FormatForPrompt(ctx context.Context, userID int64, query string) string {
	memories := s.Relevant(ctx, userID, query)
	if len(memories) == 0 {
		return ""
	}

	var b strings.Builder
	if query != "" {
		b.WriteString("User memories (relevant to current conversation):\n")
	} else {
		b.WriteString("User memories (use these to personalize responses):\n")
	}
	for i, m := range memories {
		fmt.Fprintf(&b, "%d. %s\n", i+1, m.Content)
	}
	return b.String()
}
