package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// MemoryOrder selects the ordering of a non-embedding memory query.
type MemoryOrder int

const (
	// OrderRecent returns newest entries first.
	OrderRecent MemoryOrder = iota
	// OrderOldest returns entries in insertion order.
	OrderOldest
	// OrderScore returns the highest stored score first, newest first on ties.
	OrderScore
)

// MemoryQuery is the storage-level filter shared by every memory category.
// Category-specific ranking lives in internal/memory.
type MemoryQuery struct {
	Category Category
	Key      string    // exact key match
	Contains string    // substring match on key or content
	Since    time.Time // created at or after
	Limit    int       // 0 means no limit, except for embedding queries (default 10)

	// Embedding switches the query to similarity ranking.
	Embedding []float32
	Order     MemoryOrder
}

const defaultKNN = 10

// WriteMemory persists one memory entry and returns it with its id and
// timestamp assigned.
func (s *Store) WriteMemory(ctx context.Context, m MemoryEntry) (MemoryEntry, error) {
	c := m.Category
	if !c.IsMemory() {
		return MemoryEntry{}, writeErr(string(c), fmt.Errorf("not a memory category: %q", c))
	}
	if strings.TrimSpace(m.Content) == "" {
		return MemoryEntry{}, writeErr(c.Table(), errors.New("content is required"))
	}
	if s.vecDims > 0 && len(m.Embedding) > 0 && len(m.Embedding) != s.vecDims {
		return MemoryEntry{}, writeErr(c.Table(), fmt.Errorf("embedding has %d dimensions, index expects %d", len(m.Embedding), s.vecDims))
	}
	metadata, err := encodeMetadata(m.Metadata)
	if err != nil {
		return MemoryEntry{}, writeErr(c.Table(), err)
	}
	m.CreatedAt = s.now().UTC()

	var blob any
	if len(m.Embedding) > 0 {
		blob = serializeFloat32(m.Embedding)
	}

	err = s.withWriteTx(ctx, c, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, fmt.Sprintf(`
			INSERT INTO %s (key, content, metadata, embedding, score, created_at)
			VALUES (?, ?, ?, ?, ?, ?);
		`, c.Table()), m.Key, m.Content, metadata, blob, m.Score, formatTimestamp(m.CreatedAt))
		if err != nil {
			return fmt.Errorf("insert memory: %w", err)
		}
		if m.ID, err = res.LastInsertId(); err != nil {
			return fmt.Errorf("read memory id: %w", err)
		}
		if s.vecDims > 0 && blob != nil {
			if _, err := tx.ExecContext(ctx, fmt.Sprintf(`INSERT INTO %s(rowid, embedding) VALUES (?, ?);`, c.vecTable()), m.ID, blob); err != nil {
				return fmt.Errorf("index embedding: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return MemoryEntry{}, writeErr(c.Table(), err)
	}
	return m, nil
}

// QueryMemories returns the entries of one category matching q.
func (s *Store) QueryMemories(ctx context.Context, q MemoryQuery) ([]MemoryEntry, error) {
	c := q.Category
	if !c.IsMemory() {
		return nil, readErr(string(c), fmt.Errorf("not a memory category: %q", c))
	}
	l := s.lockFor(c)
	l.RLock()
	defer l.RUnlock()

	if len(q.Embedding) > 0 {
		out, err := s.similarMemories(ctx, q)
		if err != nil {
			return nil, readErr(c.Table(), err)
		}
		return out, nil
	}

	where, args := memoryFilter(q)
	order := "created_at DESC, id DESC"
	switch q.Order {
	case OrderOldest:
		order = "id ASC"
	case OrderScore:
		order = "score DESC, created_at DESC, id DESC"
	}
	stmt := fmt.Sprintf(`SELECT %s FROM %s%s ORDER BY %s`, memoryColumns, c.Table(), where, order)
	if q.Limit > 0 {
		stmt += " LIMIT ?"
		args = append(args, q.Limit)
	}
	out, err := s.scanMemories(ctx, c, stmt, args...)
	if err != nil {
		return nil, readErr(c.Table(), err)
	}
	return out, nil
}

func (s *Store) similarMemories(ctx context.Context, q MemoryQuery) ([]MemoryEntry, error) {
	k := q.Limit
	if k <= 0 {
		k = defaultKNN
	}
	var candidates []MemoryEntry
	var err error
	if s.vecDims > 0 && len(q.Embedding) == s.vecDims {
		// Over-fetch so post-filters still leave up to k hits.
		fetch := k
		if q.Key != "" || q.Contains != "" || !q.Since.IsZero() {
			fetch = k * 4
		}
		candidates, err = s.knnMemories(ctx, q.Category, q.Embedding, fetch)
		if err != nil {
			return nil, err
		}
		candidates = filterMemories(candidates, q)
	} else {
		where, args := memoryFilter(q)
		stmt := fmt.Sprintf(`SELECT %s FROM %s%s ORDER BY id ASC`, memoryColumns, q.Category.Table(), where)
		candidates, err = s.scanMemories(ctx, q.Category, stmt, args...)
		if err != nil {
			return nil, err
		}
		for i := range candidates {
			candidates[i].Similarity = cosineSimilarity(q.Embedding, candidates[i].Embedding)
		}
		sort.SliceStable(candidates, func(i, j int) bool {
			return candidates[i].Similarity > candidates[j].Similarity
		})
	}
	if len(candidates) > k {
		candidates = candidates[:k]
	}
	return candidates, nil
}

// CountMemories returns the number of entries in a category.
func (s *Store) CountMemories(ctx context.Context, c Category) (int, error) {
	if !c.IsMemory() {
		return 0, readErr(string(c), fmt.Errorf("not a memory category: %q", c))
	}
	l := s.lockFor(c)
	l.RLock()
	defer l.RUnlock()

	var n int
	if err := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s;`, c.Table())).Scan(&n); err != nil {
		return 0, readErr(c.Table(), err)
	}
	return n, nil
}

// ClearMemories deletes every entry of one category, including its vector
// index rows, in a single transaction.
func (s *Store) ClearMemories(ctx context.Context, c Category) (int64, error) {
	if !c.IsMemory() {
		return 0, writeErr(string(c), fmt.Errorf("not a memory category: %q", c))
	}
	var n int64
	err := s.withWriteTx(ctx, c, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s;`, c.Table()))
		if err != nil {
			return fmt.Errorf("delete memories: %w", err)
		}
		n, _ = res.RowsAffected()
		if s.vecDims > 0 {
			if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s;`, c.vecTable())); err != nil {
				return fmt.Errorf("delete vector index: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, writeErr(c.Table(), err)
	}
	return n, nil
}

func memoryFilter(q MemoryQuery) (string, []any) {
	var clauses []string
	var args []any
	if q.Key != "" {
		clauses = append(clauses, "key = ?")
		args = append(args, q.Key)
	}
	if q.Contains != "" {
		like := "%" + q.Contains + "%"
		clauses = append(clauses, "(key LIKE ? OR content LIKE ?)")
		args = append(args, like, like)
	}
	if !q.Since.IsZero() {
		clauses = append(clauses, "created_at >= ?")
		args = append(args, formatTimestamp(q.Since))
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func filterMemories(in []MemoryEntry, q MemoryQuery) []MemoryEntry {
	out := in[:0]
	needle := strings.ToLower(q.Contains)
	for _, m := range in {
		if q.Key != "" && m.Key != q.Key {
			continue
		}
		if needle != "" && !strings.Contains(strings.ToLower(m.Key), needle) && !strings.Contains(strings.ToLower(m.Content), needle) {
			continue
		}
		if !q.Since.IsZero() && m.CreatedAt.Before(q.Since) {
			continue
		}
		out = append(out, m)
	}
	return out
}

func (s *Store) scanMemories(ctx context.Context, c Category, stmt string, args ...any) ([]MemoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("query memories: %w", err)
	}
	defer rows.Close()

	out := []MemoryEntry{}
	for rows.Next() {
		m, err := decodeMemory(c, rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("memory rows: %w", err)
	}
	return out, nil
}
