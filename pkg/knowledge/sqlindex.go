package knowledge

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

var schemaV1 = `
CREATE TABLE IF NOT EXISTS chunks (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	base       TEXT NOT NULL,
	source     TEXT NOT NULL,
	text       TEXT NOT NULL,
	vector     BLOB NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_chunks_base ON chunks(base);
`

// SQLStore keeps knowledge bases in SQLite. Search is a linear scan of the
// base, which is adequate for the thousands of chunks a research desk keeps.
type SQLStore struct {
	db *sql.DB
}

// Open opens or creates the knowledge database at path.
func Open(path string) (*SQLStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create knowledge dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schemaV1); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply knowledge schema: %w", err)
	}
	return &SQLStore{db: db}, nil
}

// Close closes the database.
func (s *SQLStore) Close() error { return s.db.Close() }

// Add stores a chunk and returns its id.
func (s *SQLStore) Add(ctx context.Context, c Chunk) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO chunks (base, source, text, vector, created_at) VALUES (?, ?, ?, ?, ?)",
		c.Base, c.Source, c.Text, encodeVector(c.Vector), time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return 0, fmt.Errorf("insert chunk: %w", err)
	}
	return res.LastInsertId()
}

// Bases lists knowledge bases with their chunk counts.
func (s *SQLStore) Bases(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT base, COUNT(*) FROM chunks GROUP BY base")
	if err != nil {
		return nil, fmt.Errorf("list bases: %w", err)
	}
	defer rows.Close()
	out := make(map[string]int)
	for rows.Next() {
		var base string
		var n int
		if err := rows.Scan(&base, &n); err != nil {
			return nil, err
		}
		out[base] = n
	}
	return out, rows.Err()
}

// Base returns the Index for one knowledge base.
func (s *SQLStore) Base(name string) Index {
	return &baseIndex{store: s, base: name}
}

type baseIndex struct {
	store *SQLStore
	base  string
}

func (b *baseIndex) Search(ctx context.Context, vector []float32, k int) ([]Match, error) {
	rows, err := b.store.db.QueryContext(ctx,
		"SELECT id, source, text, vector FROM chunks WHERE base = ?", b.base)
	if err != nil {
		return nil, fmt.Errorf("query chunks: %w", err)
	}
	defer rows.Close()

	var chunks []Chunk
	for rows.Next() {
		c := Chunk{Base: b.base}
		var blob []byte
		if err := rows.Scan(&c.ID, &c.Source, &c.Text, &blob); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		c.Vector = decodeVector(blob)
		chunks = append(chunks, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return rank(chunks, vector, k), nil
}

// encodeVector packs float32s little-endian.
func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(b []byte) []float32 {
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return v
}
