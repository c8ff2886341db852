// SPDX-FileCopyrightText: © 2025 Brisby authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package catalog keeps the node's own shared files searchable locally.
package catalog

import (
	"database/sql"
	"errors"
	"strings"

	"github.com/fxamacker/cbor/v2"
	_ "modernc.org/sqlite"

	"github.com/newtgeyser/brisby/chunk"
	"github.com/newtgeyser/brisby/wire"
)

// ErrNotFound is returned for content hashes not in the catalog.
var ErrNotFound = errors.New("catalog: file not found")

// Catalog is a local full-text index over the manifests this node
// shares or has downloaded.
type Catalog struct {
	db *sql.DB
}

// Open opens or creates the catalog database at path.
func Open(path string) (*Catalog, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	c := &Catalog{db: db}
	if err := c.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

func (c *Catalog) migrate() error {
	if _, err := c.db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return err
	}
	_, err := c.db.Exec(`
CREATE TABLE IF NOT EXISTS files (
	content_hash BLOB PRIMARY KEY,
	filename TEXT NOT NULL,
	keywords TEXT NOT NULL,
	size INTEGER NOT NULL,
	chunk_count INTEGER NOT NULL,
	created_at INTEGER NOT NULL,
	manifest BLOB NOT NULL
);

CREATE VIRTUAL TABLE IF NOT EXISTS files_fts USING fts5(
	filename,
	keywords,
	content='files',
	content_rowid='rowid'
);

CREATE TRIGGER IF NOT EXISTS files_ai AFTER INSERT ON files BEGIN
	INSERT INTO files_fts(rowid, filename, keywords)
	VALUES (new.rowid, new.filename, new.keywords);
END;

CREATE TRIGGER IF NOT EXISTS files_ad AFTER DELETE ON files BEGIN
	INSERT INTO files_fts(files_fts, rowid, filename, keywords)
	VALUES ('delete', old.rowid, old.filename, old.keywords);
END;

CREATE TRIGGER IF NOT EXISTS files_au AFTER UPDATE ON files BEGIN
	INSERT INTO files_fts(files_fts, rowid, filename, keywords)
	VALUES ('delete', old.rowid, old.filename, old.keywords);
	INSERT INTO files_fts(rowid, filename, keywords)
	VALUES (new.rowid, new.filename, new.keywords);
END;
`)
	return err
}

// Close closes the database.
func (c *Catalog) Close() error {
	return c.db.Close()
}

// Add inserts or replaces a manifest.
func (c *Catalog) Add(m *chunk.Manifest) error {
	blob, err := cbor.Marshal(m)
	if err != nil {
		return err
	}
	_, err = c.db.Exec(`
INSERT INTO files (content_hash, filename, keywords, size, chunk_count, created_at, manifest)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(content_hash) DO UPDATE SET
	filename = excluded.filename,
	keywords = excluded.keywords,
	size = excluded.size,
	chunk_count = excluded.chunk_count,
	created_at = excluded.created_at,
	manifest = excluded.manifest
`, m.ContentHash.Bytes(), m.FileName, strings.Join(m.Keywords, " "),
		int64(m.Size), int64(m.ChunkCount()), int64(m.CreatedAt), blob)
	return err
}

// Get returns the manifest for a content hash, or ErrNotFound.
func (c *Catalog) Get(h chunk.Hash) (*chunk.Manifest, error) {
	var blob []byte
	err := c.db.QueryRow("SELECT manifest FROM files WHERE content_hash = ?", h.Bytes()).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	m := new(chunk.Manifest)
	if err := cbor.Unmarshal(blob, m); err != nil {
		return nil, err
	}
	return m, nil
}

// Remove deletes a manifest, reporting whether it was present.
func (c *Catalog) Remove(h chunk.Hash) (bool, error) {
	res, err := c.db.Exec("DELETE FROM files WHERE content_hash = ?", h.Bytes())
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// List returns every manifest, newest first.
func (c *Catalog) List() ([]*chunk.Manifest, error) {
	rows, err := c.db.Query("SELECT manifest FROM files ORDER BY created_at DESC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*chunk.Manifest
	for rows.Next() {
		var blob []byte
		if err := rows.Scan(&blob); err != nil {
			return nil, err
		}
		m := new(chunk.Manifest)
		if err := cbor.Unmarshal(blob, m); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Search runs a local full-text query over filenames and keywords.
func (c *Catalog) Search(query string, maxResults uint32) ([]wire.SearchResult, error) {
	tokens := chunk.ExtractKeywords(query)
	for i, tok := range tokens {
		tokens[i] = `"` + tok + `"`
	}
	match := strings.Join(tokens, " OR ")
	if match == "" {
		return nil, nil
	}
	if maxResults == 0 {
		maxResults = 50
	}

	rows, err := c.db.Query(`
SELECT f.content_hash, f.filename, f.size, f.chunk_count, bm25(files_fts) AS rank
FROM files_fts
JOIN files f ON f.rowid = files_fts.rowid
WHERE files_fts MATCH ?
ORDER BY rank
LIMIT ?
`, match, int64(maxResults))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []wire.SearchResult
	for rows.Next() {
		var (
			hashBytes  []byte
			filename   string
			size       int64
			chunkCount int64
			rank       float64
		)
		if err := rows.Scan(&hashBytes, &filename, &size, &chunkCount, &rank); err != nil {
			return nil, err
		}
		h, err := chunk.HashFromBytes(hashBytes)
		if err != nil {
			return nil, err
		}
		out = append(out, wire.SearchResult{
			ContentHash: h,
			FileName:    filename,
			Size:        uint64(size),
			ChunkCount:  uint32(chunkCount),
			Score:       float32(-rank),
		})
	}
	return out, rows.Err()
}
