package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
)

const (
	// v1 schema: task output log and the three memory tables.
	schemaVersionV1  = 1
	schemaChecksumV1 = "gcr-v1-2026-10-19-task-outputs"

	// v2 schema: memory embeddings, long-term score, task output supersede marker.
	schemaVersionV2  = 2
	schemaChecksumV2 = "gcr-v2-2026-10-19-memory-embeddings"

	schemaVersionLatest  = schemaVersionV2
	schemaChecksumLatest = schemaChecksumV2

	busyRetries = 5
)

// LatestSchemaVersion is the schema version Open migrates to.
const LatestSchemaVersion = schemaVersionLatest

// Options tune a Store at construction time.
type Options struct {
	// VectorDimensions enables the sqlite-vec KNN index for memory embeddings.
	// Zero disables the index; similarity queries then fall back to an
	// in-process cosine scan.
	VectorDimensions int

	Logger *slog.Logger
}

// Store is the single file-resident database shared by the task output log
// and the memory categories. It is safe for concurrent use; writes are
// serialized per category and the underlying connection pool holds a single
// connection.
type Store struct {
	db      *sql.DB
	path    string
	logger  *slog.Logger
	vecDims int

	locks map[Category]*sync.RWMutex
	now   func() time.Time
}

func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".gocrew", "crew.db")
}

// Open opens (creating if needed) the database at path and runs the idempotent
// schema initialization exactly once for this handle.
func Open(path string, opts Options) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, schemaErr(path, fmt.Errorf("create db directory: %w", err))
		}
	}
	if opts.VectorDimensions < 0 {
		return nil, schemaErr(path, fmt.Errorf("vector dimensions must be >= 0, got %d", opts.VectorDimensions))
	}
	if opts.VectorDimensions > 0 {
		enableVectorExtension()
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, schemaErr(path, fmt.Errorf("open sqlite3: %w", err))
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	store := &Store{
		db:      db,
		path:    path,
		logger:  logger,
		vecDims: opts.VectorDimensions,
		locks:   make(map[Category]*sync.RWMutex, len(AllCategories)),
		now:     time.Now,
	}
	for _, c := range AllCategories {
		store.locks[c] = &sync.RWMutex{}
	}

	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, schemaErr(path, err)
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, schemaErr(path, err)
	}
	return store, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

// Path returns the database file path the store was opened with.
func (s *Store) Path() string {
	return s.path
}

// VectorDimensions returns the configured embedding width, 0 when the
// sqlite-vec index is disabled.
func (s *Store) VectorDimensions() int {
	return s.vecDims
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) lockFor(c Category) *sync.RWMutex {
	if l, ok := s.locks[c]; ok {
		return l
	}
	// Unknown categories never reach the database, but callers still get a
	// usable lock rather than a nil dereference.
	return &sync.RWMutex{}
}

// withWriteTx runs fn in a transaction while holding the category's exclusive
// lock. SQLITE_BUSY contention is retried with bounded backoff; any other
// failure rolls the transaction back so readers never observe partial writes.
func (s *Store) withWriteTx(ctx context.Context, c Category, fn func(tx *sql.Tx) error) error {
	l := s.lockFor(c)
	l.Lock()
	defer l.Unlock()

	return retryOnBusy(ctx, busyRetries, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()
		if err := fn(tx); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, using exponential
// backoff with bounded jitter. maxRetries=5 gives ~3s total wait on top of the
// driver's busy_timeout (5s).
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// isSQLiteBusy checks if an error is a SQLite BUSY (5) or LOCKED (6) error.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	if s.path == ":memory:" {
		pragma = pragma[1:]
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersionLatest {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersionLatest)
	}

	versionChecksums := map[int]string{
		schemaVersionV1: schemaChecksumV1,
		schemaVersionV2: schemaChecksumV2,
	}
	if maxVersion != 0 {
		var existingChecksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, maxVersion).Scan(&existingChecksum); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if want := versionChecksums[maxVersion]; existingChecksum != want {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", maxVersion, existingChecksum, want)
		}
	}

	// Already current: only the vector index may need to catch up with a
	// newly configured dimension.
	if maxVersion == schemaVersionLatest {
		if err := s.ensureVectorTablesTx(ctx, tx); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration tx: %w", err)
		}
		return nil
	}

	tableStatements := []string{
		`CREATE TABLE IF NOT EXISTS task_outputs (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id TEXT NOT NULL,
			kickoff_id TEXT NOT NULL,
			task_index INTEGER NOT NULL DEFAULT 0,
			description TEXT NOT NULL DEFAULT '',
			expected_output TEXT NOT NULL DEFAULT '',
			raw_output TEXT NOT NULL DEFAULT '',
			inputs JSON NOT NULL DEFAULT '{}',
			output_schema TEXT NOT NULL DEFAULT '',
			was_replayed INTEGER NOT NULL DEFAULT 0,
			supersedes INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			UNIQUE(kickoff_id, task_id)
		);`,
		`CREATE TABLE IF NOT EXISTS long_term_memories (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			key TEXT NOT NULL,
			content TEXT NOT NULL,
			metadata JSON NOT NULL DEFAULT '{}',
			embedding BLOB,
			score REAL NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS short_term_memories (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			key TEXT NOT NULL,
			content TEXT NOT NULL,
			metadata JSON NOT NULL DEFAULT '{}',
			embedding BLOB,
			score REAL NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS entity_memories (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			key TEXT NOT NULL,
			content TEXT NOT NULL,
			metadata JSON NOT NULL DEFAULT '{}',
			embedding BLOB,
			score REAL NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS audit_log (
			audit_id INTEGER PRIMARY KEY AUTOINCREMENT,
			trace_id TEXT,
			action TEXT NOT NULL,
			decision TEXT NOT NULL,
			subject TEXT,
			reason TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
	}
	for _, stmt := range tableStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}

	// v1 databases predate these columns.
	alterStatements := []struct {
		stmt string
		desc string
	}{
		{stmt: `ALTER TABLE task_outputs ADD COLUMN supersedes INTEGER NOT NULL DEFAULT 0;`, desc: "task_outputs.supersedes"},
		{stmt: `ALTER TABLE long_term_memories ADD COLUMN embedding BLOB;`, desc: "long_term_memories.embedding"},
		{stmt: `ALTER TABLE long_term_memories ADD COLUMN score REAL NOT NULL DEFAULT 0;`, desc: "long_term_memories.score"},
		{stmt: `ALTER TABLE short_term_memories ADD COLUMN embedding BLOB;`, desc: "short_term_memories.embedding"},
		{stmt: `ALTER TABLE short_term_memories ADD COLUMN score REAL NOT NULL DEFAULT 0;`, desc: "short_term_memories.score"},
		{stmt: `ALTER TABLE entity_memories ADD COLUMN embedding BLOB;`, desc: "entity_memories.embedding"},
		{stmt: `ALTER TABLE entity_memories ADD COLUMN score REAL NOT NULL DEFAULT 0;`, desc: "entity_memories.score"},
	}
	for _, a := range alterStatements {
		if _, err := tx.ExecContext(ctx, a.stmt); err != nil && !strings.Contains(err.Error(), "duplicate column name") {
			return fmt.Errorf("add %s: %w", a.desc, err)
		}
	}

	indexStatements := []string{
		`CREATE INDEX IF NOT EXISTS idx_task_outputs_task_id ON task_outputs(task_id, seq);`,
		`CREATE INDEX IF NOT EXISTS idx_long_term_key ON long_term_memories(key);`,
		`CREATE INDEX IF NOT EXISTS idx_short_term_created ON short_term_memories(created_at DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_entity_key ON entity_memories(key);`,
	}
	for _, stmt := range indexStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration index: %w", err)
		}
	}

	if err := s.ensureVectorTablesTx(ctx, tx); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO schema_migrations (version, checksum)
		VALUES (?, ?);
	`, schemaVersionLatest, schemaChecksumLatest); err != nil {
		return fmt.Errorf("insert schema migration ledger: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	s.logger.Info("schema migrated", "from", maxVersion, "to", schemaVersionLatest, "checksum", schemaChecksumLatest)
	return nil
}

// SchemaVersion returns the highest applied migration version.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var v int
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&v); err != nil {
		return 0, readErr("schema_migrations", err)
	}
	return v, nil
}

// Backup creates an online-consistent copy of the database using VACUUM INTO.
func (s *Store) Backup(ctx context.Context, destPath string) error {
	if destPath == "" {
		return fmt.Errorf("backup destination path required")
	}
	if _, err := os.Stat(destPath); err == nil {
		return fmt.Errorf("backup destination already exists: %s", destPath)
	}
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return fmt.Errorf("create backup directory: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?;`, destPath); err != nil {
		return writeErr(destPath, fmt.Errorf("backup (VACUUM INTO): %w", err))
	}
	return nil
}
