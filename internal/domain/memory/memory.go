// Package memory is the session-scoped vector memory behind the
// remember/recall tools. Items live in process, partitioned by session id;
// recall never crosses sessions.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/clinrag/clinrag/internal/platform/errs"
)

// DefaultCap bounds items per session; the oldest item is evicted first.
const DefaultCap = 256

// DefaultTopK bounds recall results when the caller does not say otherwise.
const DefaultTopK = 3

// Embedder is the slice of the embedding client this store needs.
type Embedder interface {
	EmbedText(ctx context.Context, text string) ([]float32, error)
}

// Item is one recalled memory with its similarity to the query.
type Item struct {
	Text       string    `json:"text"`
	Similarity float64   `json:"similarity"`
	CreatedAt  time.Time `json:"created_at"`
}

// Stats summarizes one session's memory.
type Stats struct {
	Count    int        `json:"count"`
	Capacity int        `json:"capacity"`
	OldestAt *time.Time `json:"oldest_at,omitempty"`
	NewestAt *time.Time `json:"newest_at,omitempty"`
}

type entry struct {
	text      string
	vec       []float32
	createdAt time.Time
}

// Store holds per-session memory items with their embeddings.
type Store struct {
	mu       sync.RWMutex
	embedder Embedder
	cap      int
	sessions map[string][]entry
	logger   zerolog.Logger
	now      func() time.Time
}

func NewStore(embedder Embedder, capacity int, logger zerolog.Logger) *Store {
	if capacity <= 0 {
		capacity = DefaultCap
	}
	return &Store{
		embedder: embedder,
		cap:      capacity,
		sessions: map[string][]entry{},
		logger:   logger,
		now:      time.Now,
	}
}

// Remember embeds text and appends it to the session, evicting the oldest
// item when the session is at capacity.
func (s *Store) Remember(ctx context.Context, sessionID, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return errs.Inputf("memory text must not be empty")
	}

	vec, err := s.embedder.EmbedText(ctx, text)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	entries := append(s.sessions[sessionID], entry{text: text, vec: vec, createdAt: s.now()})
	if len(entries) > s.cap {
		entries = entries[len(entries)-s.cap:]
	}
	s.sessions[sessionID] = entries
	return nil
}

// Recall returns the session's topK items most similar to the query, sorted
// by similarity descending. Ties keep insertion order.
func (s *Store) Recall(ctx context.Context, sessionID, query string, topK int) ([]Item, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, errs.Inputf("query must not be empty")
	}
	if topK <= 0 {
		topK = DefaultTopK
	}

	vec, err := s.embedder.EmbedText(ctx, query)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	entries := s.sessions[sessionID]
	items := make([]Item, len(entries))
	for i, e := range entries {
		items[i] = Item{Text: e.text, Similarity: cosine(vec, e.vec), CreatedAt: e.createdAt}
	}
	s.mu.RUnlock()

	sort.SliceStable(items, func(i, j int) bool { return items[i].Similarity > items[j].Similarity })
	if len(items) > topK {
		items = items[:topK]
	}
	return items, nil
}

// Stats reports the session's item count and capacity.
func (s *Store) Stats(sessionID string) Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := s.sessions[sessionID]
	st := Stats{Count: len(entries), Capacity: s.cap}
	if len(entries) > 0 {
		oldest, newest := entries[0].createdAt, entries[len(entries)-1].createdAt
		st.OldestAt, st.NewestAt = &oldest, &newest
	}
	return st
}

// Clear drops every item of the session.
func (s *Store) Clear(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
}

// cosine on already L2-normalized vectors reduces to the dot product; a
// zero vector yields 0.
func cosine(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot
}
