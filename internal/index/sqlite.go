package index

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// DefaultDBPath is the default on-disk index location.
const DefaultDBPath = "~/.rolescope/index.db"

// SQLiteIndex implements Index on a single SQLite database file.
// Pass ":memory:" as the path for an ephemeral index.
type SQLiteIndex struct {
	db   *sql.DB
	path string
}

// NewSQLite opens (or creates) a SQLite-backed index at path.
func NewSQLite(path string) (*SQLiteIndex, error) {
	if path == "" {
		path = ExpandPath(DefaultDBPath)
	}

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating index directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening index database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging index database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("setting pragma %q: %w", p, err)
		}
	}

	idx := &SQLiteIndex{db: db, path: path}
	if err := idx.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running index migrations: %w", err)
	}
	return idx, nil
}

// migrate creates the vectors table if it does not exist.
func (s *SQLiteIndex) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS vectors (
			collection TEXT NOT NULL,
			role_id    TEXT NOT NULL,
			vector     BLOB NOT NULL,
			dimensions INTEGER NOT NULL,
			metadata   TEXT NOT NULL DEFAULT '{}',
			updated_at TEXT NOT NULL DEFAULT (datetime('now')),
			PRIMARY KEY (collection, role_id)
		);
		CREATE INDEX IF NOT EXISTS idx_vectors_collection ON vectors(collection);
	`)
	return err
}

// Upsert inserts or replaces the vector for roleID in collection.
func (s *SQLiteIndex) Upsert(ctx context.Context, collection, roleID string, vector []float32, metadata map[string]string) error {
	if collection == "" {
		return errors.New("collection is required")
	}
	if roleID == "" {
		return errors.New("role ID is required")
	}
	if len(vector) == 0 {
		return fmt.Errorf("empty vector for role %q", roleID)
	}

	var existing int
	err := s.db.QueryRowContext(ctx,
		"SELECT dimensions FROM vectors WHERE collection = ? LIMIT 1", collection,
	).Scan(&existing)
	switch {
	case err == sql.ErrNoRows:
		// first vector in this collection
	case err != nil:
		return fmt.Errorf("checking collection dimensions: %w", err)
	case existing != len(vector):
		return fmt.Errorf("dimension mismatch in collection %q: have %d, got %d", collection, existing, len(vector))
	}

	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("encoding metadata for role %q: %w", roleID, err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO vectors (collection, role_id, vector, dimensions, metadata, updated_at)
		 VALUES (?, ?, ?, ?, ?, datetime('now'))
		 ON CONFLICT(collection, role_id) DO UPDATE SET
		   vector = excluded.vector,
		   dimensions = excluded.dimensions,
		   metadata = excluded.metadata,
		   updated_at = excluded.updated_at`,
		collection, roleID, float32ToBytes(vector), len(vector), string(metaJSON),
	)
	if err != nil {
		return fmt.Errorf("storing vector for role %q: %w", roleID, err)
	}
	return nil
}

// Query performs an exact cosine-similarity scan over the collection.
// Exact (not approximate) search keeps ranking fully deterministic; role
// corpora are small enough that a linear scan is not a bottleneck.
func (s *SQLiteIndex) Query(ctx context.Context, collection string, vector []float32, topK int, excludeID string) ([]Result, error) {
	if topK <= 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT role_id, vector, metadata FROM vectors
		 WHERE collection = ? AND role_id != ?
		 ORDER BY role_id`,
		collection, excludeID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying collection %q: %w", collection, err)
	}
	defer rows.Close()

	var candidates []Result
	for rows.Next() {
		var roleID, metaJSON string
		var blob []byte
		if err := rows.Scan(&roleID, &blob, &metaJSON); err != nil {
			return nil, fmt.Errorf("scanning vector row: %w", err)
		}

		var meta map[string]string
		if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
			return nil, fmt.Errorf("decoding metadata for role %q: %w", roleID, err)
		}

		candidates = append(candidates, Result{
			RoleID:   roleID,
			Score:    Score(cosineSimilarity(vector, bytesToFloat32(blob))),
			Metadata: meta,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return rankResults(candidates, topK), nil
}

// Count returns the number of vectors stored in collection.
func (s *SQLiteIndex) Count(ctx context.Context, collection string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM vectors WHERE collection = ?", collection,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting collection %q: %w", collection, err)
	}
	return n, nil
}

// Collections lists collection names in ascending order.
func (s *SQLiteIndex) Collections(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT DISTINCT collection FROM vectors ORDER BY collection")
	if err != nil {
		return nil, fmt.Errorf("listing collections: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scanning collection name: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// DropCollection removes a collection and all of its vectors.
func (s *SQLiteIndex) DropCollection(ctx context.Context, collection string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM vectors WHERE collection = ?", collection)
	if err != nil {
		return fmt.Errorf("dropping collection %q: %w", collection, err)
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteIndex) Close() error {
	return s.db.Close()
}

// ExpandPath expands a leading ~ to the user home directory.
func ExpandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}
