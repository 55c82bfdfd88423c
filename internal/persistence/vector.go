package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"sync"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
)

var vecOnce sync.Once

// enableVectorExtension registers sqlite-vec for every connection opened
// afterwards by the sqlite3 driver.
func enableVectorExtension() {
	vecOnce.Do(sqlite_vec.Auto)
}

// ensureVectorTablesTx creates one vec0 table per memory category and indexes
// any stored embeddings of the configured width that are not indexed yet.
func (s *Store) ensureVectorTablesTx(ctx context.Context, tx *sql.Tx) error {
	if s.vecDims == 0 {
		return nil
	}
	for _, c := range MemoryCategories {
		create := fmt.Sprintf(`CREATE VIRTUAL TABLE IF NOT EXISTS %s USING vec0(embedding float[%d]);`, c.vecTable(), s.vecDims)
		if _, err := tx.ExecContext(ctx, create); err != nil {
			return fmt.Errorf("create %s: %w", c.vecTable(), err)
		}
		backfill := fmt.Sprintf(`
			INSERT INTO %[1]s(rowid, embedding)
			SELECT id, embedding FROM %[2]s
			WHERE embedding IS NOT NULL AND length(embedding) = ?
			  AND id NOT IN (SELECT rowid FROM %[1]s);
		`, c.vecTable(), c.Table())
		if _, err := tx.ExecContext(ctx, backfill, s.vecDims*4); err != nil {
			return fmt.Errorf("backfill %s: %w", c.vecTable(), err)
		}
	}
	return nil
}

// VectorVersion reports the loaded sqlite-vec version, or "" when the index is
// disabled.
func (s *Store) VectorVersion(ctx context.Context) (string, error) {
	if s.vecDims == 0 {
		return "", nil
	}
	var v string
	if err := s.db.QueryRowContext(ctx, `SELECT vec_version();`).Scan(&v); err != nil {
		return "", readErr("vec_version", err)
	}
	return v, nil
}

// knnMemories runs a vec0 KNN query and joins the hits back to their rows.
func (s *Store) knnMemories(ctx context.Context, c Category, embedding []float32, k int) ([]MemoryEntry, error) {
	query := fmt.Sprintf(`
		SELECT m.id, m.key, m.content, m.metadata, m.embedding, m.score, m.created_at, v.distance
		FROM %s v
		INNER JOIN %s m ON m.id = v.rowid
		WHERE v.embedding MATCH ?
			AND v.k = ?
		ORDER BY v.distance
	`, c.vecTable(), c.Table())
	rows, err := s.db.QueryContext(ctx, query, serializeFloat32(embedding), k)
	if err != nil {
		return nil, fmt.Errorf("knn query: %w", err)
	}
	defer rows.Close()

	out := []MemoryEntry{}
	for rows.Next() {
		var distance float64
		m, err := decodeMemory(c, func(dest ...any) error {
			return rows.Scan(append(dest, &distance)...)
		})
		if err != nil {
			return nil, fmt.Errorf("scan knn hit: %w", err)
		}
		m.Similarity = 1.0 / (1.0 + distance)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("knn rows: %w", err)
	}
	return out, nil
}

// cosineSimilarity is the fallback ranking when the vec0 index is disabled.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
