// SPDX-FileCopyrightText: © 2025 Brisby authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package indexer implements the federated search index provider: a
// durable, full-text-searchable table of publications with TTL expiry.
package indexer

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/newtgeyser/brisby/chunk"
	"github.com/newtgeyser/brisby/transport"
	"github.com/newtgeyser/brisby/wire"
)

const (
	// MaxTTL caps publication lifetimes.
	MaxTTL = 24 * time.Hour

	// DefaultMaxResults applies when a search names no limit.
	DefaultMaxResults = 50

	// HardMaxResults caps any search.
	HardMaxResults = 200

	// maxPublishersPerResult trims the publisher list returned with
	// each result, most recent first.
	maxPublishersPerResult = 8
)

var (
	// ErrMalformed rejects publications failing validation.
	ErrMalformed = errors.New("indexer: malformed publication")

	// ErrTooLarge rejects publications exceeding limits.
	ErrTooLarge = errors.New("indexer: publication too large")

	// ErrRateLimited names the overloaded-writer-queue condition. The
	// Service drops such publications without a response and does not
	// return this error.
	ErrRateLimited = errors.New("indexer: rate limited")
)

// Entry is one publisher's claim that a file is available.
type Entry struct {
	ContentHash chunk.Hash
	FileName    string
	Keywords    []string
	Size        uint64
	ChunkCount  uint32
	Publisher   transport.Address
	TTL         uint32
}

// Index is the durable publication table with its full-text projection.
// Writes are serialized by the Service's writer queue; reads may run
// concurrently.
type Index struct {
	db    *sql.DB
	clock func() time.Time
}

// OpenIndex opens or creates the index database at path. The clock is
// injected so TTL expiry is testable; nil means time.Now.
func OpenIndex(path string, clock func() time.Time) (*Index, error) {
	if clock == nil {
		clock = time.Now
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	idx := &Index{db: db, clock: clock}
	if err := idx.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return idx, nil
}

func (x *Index) migrate() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := x.db.Exec(p); err != nil {
			return err
		}
	}
	_, err := x.db.Exec(`
CREATE TABLE IF NOT EXISTS entries (
	content_hash BLOB PRIMARY KEY,
	filename TEXT NOT NULL,
	keywords TEXT NOT NULL,
	size INTEGER NOT NULL,
	chunk_count INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS publishers (
	content_hash BLOB NOT NULL,
	address TEXT NOT NULL,
	published_at INTEGER NOT NULL,
	ttl INTEGER NOT NULL,
	PRIMARY KEY (content_hash, address),
	FOREIGN KEY (content_hash) REFERENCES entries(content_hash) ON DELETE CASCADE
);

CREATE VIRTUAL TABLE IF NOT EXISTS entries_fts USING fts5(
	filename,
	keywords,
	content='entries',
	content_rowid='rowid'
);

CREATE TRIGGER IF NOT EXISTS entries_ai AFTER INSERT ON entries BEGIN
	INSERT INTO entries_fts(rowid, filename, keywords)
	VALUES (new.rowid, new.filename, new.keywords);
END;

CREATE TRIGGER IF NOT EXISTS entries_ad AFTER DELETE ON entries BEGIN
	INSERT INTO entries_fts(entries_fts, rowid, filename, keywords)
	VALUES ('delete', old.rowid, old.filename, old.keywords);
END;

CREATE TRIGGER IF NOT EXISTS entries_au AFTER UPDATE ON entries BEGIN
	INSERT INTO entries_fts(entries_fts, rowid, filename, keywords)
	VALUES ('delete', old.rowid, old.filename, old.keywords);
	INSERT INTO entries_fts(rowid, filename, keywords)
	VALUES (new.rowid, new.filename, new.keywords);
END;

CREATE INDEX IF NOT EXISTS idx_publishers_expiry ON publishers(published_at, ttl);
`)
	return err
}

// Close closes the database.
func (x *Index) Close() error {
	return x.db.Close()
}

// Validate checks an entry against the publication rules: a plausible
// size for its chunk count and a TTL within MaxTTL.
func (e *Entry) Validate() error {
	if e.FileName == "" || e.ChunkCount == 0 {
		return ErrMalformed
	}
	minSize := uint64(e.ChunkCount-1)*chunk.Size + 1
	maxSize := uint64(e.ChunkCount) * chunk.Size
	if e.Size < minSize || e.Size > maxSize {
		return fmt.Errorf("%w: size %d impossible for %d chunks", ErrMalformed, e.Size, e.ChunkCount)
	}
	if time.Duration(e.TTL)*time.Second > MaxTTL {
		return fmt.Errorf("%w: ttl %ds exceeds maximum", ErrTooLarge, e.TTL)
	}
	return nil
}

// Upsert inserts or refreshes the entry keyed by (content hash,
// publisher), stamping published_at from the index clock. Only the
// Service writer goroutine calls this.
func (x *Index) Upsert(e *Entry) error {
	if err := e.Validate(); err != nil {
		return err
	}
	now := x.clock().Unix()
	tx, err := x.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
INSERT INTO entries (content_hash, filename, keywords, size, chunk_count)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(content_hash) DO UPDATE SET
	filename = excluded.filename,
	keywords = excluded.keywords,
	size = excluded.size,
	chunk_count = excluded.chunk_count
`, e.ContentHash.Bytes(), e.FileName, strings.Join(e.Keywords, " "), int64(e.Size), int64(e.ChunkCount))
	if err != nil {
		return err
	}

	_, err = tx.Exec(`
INSERT INTO publishers (content_hash, address, published_at, ttl)
VALUES (?, ?, ?, ?)
ON CONFLICT(content_hash, address) DO UPDATE SET
	published_at = excluded.published_at,
	ttl = excluded.ttl
`, e.ContentHash.Bytes(), string(e.Publisher), now, int64(e.TTL))
	if err != nil {
		return err
	}
	return tx.Commit()
}

// sanitizeQuery reduces a user query to alphanumeric tokens joined for
// FTS5 so query syntax can never be injected. An empty result means
// nothing to match.
func sanitizeQuery(query string) string {
	tokens := chunk.ExtractKeywords(query)
	for i, tok := range tokens {
		tokens[i] = `"` + tok + `"`
	}
	return strings.Join(tokens, " OR ")
}

// Search returns ranked matches: best full-text relevance first, then
// more distinct live publishers, then most recent publication. Each
// result carries up to 8 publishers, most recent first.
func (x *Index) Search(query string, maxResults uint32) ([]wire.SearchResult, error) {
	if maxResults == 0 {
		maxResults = DefaultMaxResults
	}
	if maxResults > HardMaxResults {
		maxResults = HardMaxResults
	}
	match := sanitizeQuery(query)
	if match == "" {
		return nil, nil
	}
	now := x.clock().Unix()

	rows, err := x.db.Query(`
SELECT
	e.content_hash,
	e.filename,
	e.size,
	e.chunk_count,
	fts.rank,
	COUNT(p.address) AS publishers,
	MAX(p.published_at) AS freshest
FROM (
	SELECT rowid, bm25(entries_fts) AS rank
	FROM entries_fts
	WHERE entries_fts MATCH ?
	LIMIT -1
) fts
JOIN entries e ON e.rowid = fts.rowid
JOIN publishers p ON p.content_hash = e.content_hash
	AND p.published_at + p.ttl >= ?
GROUP BY e.content_hash
ORDER BY fts.rank ASC, publishers DESC, freshest DESC
LIMIT ?
`, match, now, int64(maxResults))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []wire.SearchResult
	for rows.Next() {
		var (
			hashBytes  []byte
			filename   string
			size       int64
			chunkCount int64
			rank       float64
			publishers int64
			freshest   int64
		)
		if err := rows.Scan(&hashBytes, &filename, &size, &chunkCount, &rank, &publishers, &freshest); err != nil {
			return nil, err
		}
		h, err := chunk.HashFromBytes(hashBytes)
		if err != nil {
			return nil, err
		}
		results = append(results, wire.SearchResult{
			ContentHash: h,
			FileName:    filename,
			Size:        uint64(size),
			ChunkCount:  uint32(chunkCount),
			// bm25 ranks are negative; negate so higher is better.
			Score: float32(-rank),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range results {
		seeders, err := x.livePublishers(results[i].ContentHash, now)
		if err != nil {
			return nil, err
		}
		results[i].Seeders = seeders
	}
	return results, nil
}

func (x *Index) livePublishers(h chunk.Hash, now int64) ([]transport.Address, error) {
	rows, err := x.db.Query(`
SELECT address FROM publishers
WHERE content_hash = ? AND published_at + ttl >= ?
ORDER BY published_at DESC
LIMIT ?
`, h.Bytes(), now, maxPublishersPerResult)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []transport.Address
	for rows.Next() {
		var addr string
		if err := rows.Scan(&addr); err != nil {
			return nil, err
		}
		out = append(out, transport.Address(addr))
	}
	return out, rows.Err()
}

// Purge removes expired publishers and entries left with none,
// returning the number of rows removed.
func (x *Index) Purge() (int, error) {
	now := x.clock().Unix()
	tx, err := x.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	res, err := tx.Exec("DELETE FROM publishers WHERE published_at + ttl < ?", now)
	if err != nil {
		return 0, err
	}
	expired, _ := res.RowsAffected()

	res, err = tx.Exec("DELETE FROM entries WHERE content_hash NOT IN (SELECT DISTINCT content_hash FROM publishers)")
	if err != nil {
		return 0, err
	}
	orphaned, _ := res.RowsAffected()

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return int(expired + orphaned), nil
}

// Stats summarizes the index contents.
type Stats struct {
	Entries   uint64
	TotalSize uint64
}

// Stat returns index statistics.
func (x *Index) Stat() (Stats, error) {
	var s Stats
	err := x.db.QueryRow("SELECT COUNT(*), COALESCE(SUM(size), 0) FROM entries").Scan(&s.Entries, &s.TotalSize)
	return s, err
}
