// Package memory gives each persisted memory category its own semantics on
// top of the shared SQLite store: similarity recall for long-term and entity
// memory, a recency window for short-term memory, and the kickoff task output
// log viewed as a resettable category.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/basket/go-crew/internal/persistence"
)

// Category is the behavior every category exposes to the reset coordinator.
type Category interface {
	Category() persistence.Category
	Clear(ctx context.Context) (int64, error)
	Count(ctx context.Context) (int, error)
}

// Item is the caller-facing input for a memory write.
type Item struct {
	Key       string
	Content   string
	Metadata  map[string]string
	Embedding []float32
	Score     float64
}

// Query selects entries within one category.
type Query struct {
	Text      string    // ranked by the Scorer or matched as a substring
	Embedding []float32 // similarity search; takes precedence over Text
	Limit     int
	MinScore  float64 // drop long-term entries below this quality score
}

// Scorer ranks a long-term entry against a free-text query. Higher is more
// relevant; entries scoring <= 0 are dropped.
type Scorer func(query string, entry persistence.MemoryEntry) float64

// ContentKey is the default long-term key: a stable digest of the content.
func ContentKey(content string) string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(content))
}

// Set bundles the four categories around one store.
type Set struct {
	LongTerm  *LongTerm
	ShortTerm *ShortTerm
	Entity    *Entity
	Kickoff   *KickoffOutputs
}

// NewSet builds every category over store.
func NewSet(store *persistence.Store) *Set {
	return &Set{
		LongTerm:  NewLongTerm(store, nil),
		ShortTerm: NewShortTerm(store, DefaultWindowConfig()),
		Entity:    NewEntity(store),
		Kickoff:   NewKickoffOutputs(store),
	}
}

// Categories returns the categories in reset order.
func (s *Set) Categories() []Category {
	return []Category{s.LongTerm, s.ShortTerm, s.Entity, s.Kickoff}
}

// LongTerm holds cross-run lessons with a quality score.
type LongTerm struct {
	store  *persistence.Store
	scorer Scorer
}

// NewLongTerm returns the long-term category. A nil scorer falls back to
// case-insensitive term overlap.
func NewLongTerm(store *persistence.Store, scorer Scorer) *LongTerm {
	if scorer == nil {
		scorer = TermOverlap
	}
	return &LongTerm{store: store, scorer: scorer}
}

func (m *LongTerm) Category() persistence.Category { return persistence.CategoryLongTerm }

func (m *LongTerm) Write(ctx context.Context, it Item) (persistence.MemoryEntry, error) {
	if it.Key == "" {
		it.Key = ContentKey(it.Content)
	}
	return m.store.WriteMemory(ctx, entryFrom(persistence.CategoryLongTerm, it))
}

// Query ranks entries by embedding similarity when q.Embedding is set, by the
// Scorer when q.Text is set, and by stored quality score otherwise.
func (m *LongTerm) Query(ctx context.Context, q Query) ([]persistence.MemoryEntry, error) {
	if len(q.Embedding) > 0 {
		out, err := m.store.QueryMemories(ctx, persistence.MemoryQuery{
			Category:  persistence.CategoryLongTerm,
			Embedding: q.Embedding,
			Limit:     q.Limit,
		})
		if err != nil {
			return nil, err
		}
		return minScore(out, q.MinScore), nil
	}
	if strings.TrimSpace(q.Text) == "" {
		out, err := m.store.QueryMemories(ctx, persistence.MemoryQuery{
			Category: persistence.CategoryLongTerm,
			Order:    persistence.OrderScore,
		})
		if err != nil {
			return nil, err
		}
		return limit(minScore(out, q.MinScore), q.Limit), nil
	}

	all, err := m.store.QueryMemories(ctx, persistence.MemoryQuery{Category: persistence.CategoryLongTerm})
	if err != nil {
		return nil, err
	}
	all = minScore(all, q.MinScore)
	type ranked struct {
		entry persistence.MemoryEntry
		rank  float64
	}
	hits := make([]ranked, 0, len(all))
	for _, e := range all {
		if r := m.scorer(q.Text, e); r > 0 {
			hits = append(hits, ranked{entry: e, rank: r})
		}
	}
	// all is newest first, so the stable sort keeps recency as the tiebreak.
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].rank > hits[j].rank })
	out := make([]persistence.MemoryEntry, len(hits))
	for i, h := range hits {
		out[i] = h.entry
	}
	return limit(out, q.Limit), nil
}

func (m *LongTerm) Clear(ctx context.Context) (int64, error) {
	return m.store.ClearMemories(ctx, persistence.CategoryLongTerm)
}

func (m *LongTerm) Count(ctx context.Context) (int, error) {
	return m.store.CountMemories(ctx, persistence.CategoryLongTerm)
}

// ShortTerm holds the current run's working notes.
type ShortTerm struct {
	store  *persistence.Store
	window WindowConfig
}

func NewShortTerm(store *persistence.Store, window WindowConfig) *ShortTerm {
	return &ShortTerm{store: store, window: window}
}

func (m *ShortTerm) Category() persistence.Category { return persistence.CategoryShortTerm }

func (m *ShortTerm) Write(ctx context.Context, it Item) (persistence.MemoryEntry, error) {
	return m.store.WriteMemory(ctx, entryFrom(persistence.CategoryShortTerm, it))
}

// Query returns matching entries newest first, or by similarity when
// q.Embedding is set.
func (m *ShortTerm) Query(ctx context.Context, q Query) ([]persistence.MemoryEntry, error) {
	return m.store.QueryMemories(ctx, persistence.MemoryQuery{
		Category:  persistence.CategoryShortTerm,
		Contains:  strings.TrimSpace(q.Text),
		Embedding: q.Embedding,
		Limit:     q.Limit,
	})
}

// Window returns the most recent entries that fit the configured budget,
// oldest first.
func (m *ShortTerm) Window(ctx context.Context) (WindowResult, error) {
	all, err := m.store.QueryMemories(ctx, persistence.MemoryQuery{
		Category: persistence.CategoryShortTerm,
		Order:    persistence.OrderOldest,
	})
	if err != nil {
		return WindowResult{}, err
	}
	return BuildWindow(all, m.window), nil
}

func (m *ShortTerm) Clear(ctx context.Context) (int64, error) {
	return m.store.ClearMemories(ctx, persistence.CategoryShortTerm)
}

func (m *ShortTerm) Count(ctx context.Context) (int, error) {
	return m.store.CountMemories(ctx, persistence.CategoryShortTerm)
}

// ErrEntityNameRequired is returned when an entity write has no name.
var ErrEntityNameRequired = errors.New("entity name is required")

// Entity holds facts about named entities; the key is the entity name.
type Entity struct {
	store *persistence.Store
}

func NewEntity(store *persistence.Store) *Entity {
	return &Entity{store: store}
}

func (m *Entity) Category() persistence.Category { return persistence.CategoryEntity }

func (m *Entity) Write(ctx context.Context, it Item) (persistence.MemoryEntry, error) {
	if strings.TrimSpace(it.Key) == "" {
		return persistence.MemoryEntry{}, ErrEntityNameRequired
	}
	return m.store.WriteMemory(ctx, entryFrom(persistence.CategoryEntity, it))
}

// Lookup returns every fact recorded for one entity, newest first.
func (m *Entity) Lookup(ctx context.Context, name string, limit int) ([]persistence.MemoryEntry, error) {
	return m.store.QueryMemories(ctx, persistence.MemoryQuery{
		Category: persistence.CategoryEntity,
		Key:      name,
		Limit:    limit,
	})
}

// Query matches entity names or facts by substring, or by similarity when
// q.Embedding is set.
func (m *Entity) Query(ctx context.Context, q Query) ([]persistence.MemoryEntry, error) {
	return m.store.QueryMemories(ctx, persistence.MemoryQuery{
		Category:  persistence.CategoryEntity,
		Contains:  strings.TrimSpace(q.Text),
		Embedding: q.Embedding,
		Limit:     q.Limit,
	})
}

func (m *Entity) Clear(ctx context.Context) (int64, error) {
	return m.store.ClearMemories(ctx, persistence.CategoryEntity)
}

func (m *Entity) Count(ctx context.Context) (int, error) {
	return m.store.CountMemories(ctx, persistence.CategoryEntity)
}

// TermOverlap scores an entry by the fraction of query terms found in its
// key or content, weighted by its stored quality score when one is set.
func TermOverlap(query string, e persistence.MemoryEntry) float64 {
	terms := strings.Fields(strings.ToLower(query))
	if len(terms) == 0 {
		return 0
	}
	hay := strings.ToLower(e.Key + " " + e.Content)
	hits := 0
	for _, t := range terms {
		if strings.Contains(hay, t) {
			hits++
		}
	}
	r := float64(hits) / float64(len(terms))
	if e.Score > 0 {
		r *= 1 + e.Score
	}
	return r
}

func entryFrom(c persistence.Category, it Item) persistence.MemoryEntry {
	return persistence.MemoryEntry{
		Category:  c,
		Key:       it.Key,
		Content:   it.Content,
		Metadata:  it.Metadata,
		Embedding: it.Embedding,
		Score:     it.Score,
	}
}

func minScore(in []persistence.MemoryEntry, min float64) []persistence.MemoryEntry {
	if min <= 0 {
		return in
	}
	out := in[:0]
	for _, e := range in {
		if e.Score >= min {
			out = append(out, e)
		}
	}
	return out
}

func limit(in []persistence.MemoryEntry, n int) []persistence.MemoryEntry {
	if n > 0 && len(in) > n {
		return in[:n]
	}
	return in
}
