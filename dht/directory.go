// SPDX-FileCopyrightText: © 2025 Brisby authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package dht holds the experimental peer directory the transfer
// engine may consult for seeder discovery. Only the storage side is
// implemented; the overlay routing stays out of the core.
package dht

import (
	"sort"
	"sync"
	"time"

	"github.com/newtgeyser/brisby/chunk"
	"github.com/newtgeyser/brisby/transport"
)

// DefaultMaxPerKey bounds how many seeder records are kept per content
// hash.
const DefaultMaxPerKey = 20

// Record is one seeder's claim to serve (some chunks of) a file.
type Record struct {
	Address transport.Address

	// Bitmap marks the chunk indices the seeder claims to hold; an
	// empty bitmap claims the whole file.
	Bitmap []byte

	LastSeen time.Time
}

// Directory is an in-memory map from content hash to known seeders,
// bounded per key, freshest entries retained.
type Directory struct {
	mu        sync.Mutex
	entries   map[chunk.Hash][]Record
	maxPerKey int
	clock     func() time.Time
}

// NewDirectory creates a Directory. maxPerKey defaults when zero; the
// clock is injected for staleness tests, nil means time.Now.
func NewDirectory(maxPerKey int, clock func() time.Time) *Directory {
	if maxPerKey <= 0 {
		maxPerKey = DefaultMaxPerKey
	}
	if clock == nil {
		clock = time.Now
	}
	return &Directory{
		entries:   make(map[chunk.Hash][]Record),
		maxPerKey: maxPerKey,
		clock:     clock,
	}
}

// Store adds or refreshes a seeder record. When the key is full the
// oldest record is displaced, but only by a fresher one.
func (d *Directory) Store(h chunk.Hash, rec Record) {
	if rec.LastSeen.IsZero() {
		rec.LastSeen = d.clock()
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	records := d.entries[h]
	for i := range records {
		if records[i].Address == rec.Address {
			records[i] = rec
			return
		}
	}
	if len(records) < d.maxPerKey {
		d.entries[h] = append(records, rec)
		return
	}
	oldest := 0
	for i := range records {
		if records[i].LastSeen.Before(records[oldest].LastSeen) {
			oldest = i
		}
	}
	if records[oldest].LastSeen.Before(rec.LastSeen) {
		records[oldest] = rec
	}
}

// Seeders returns the known seeder addresses for a content hash,
// freshest first. It satisfies the leecher's PeerDirectory interface.
func (d *Directory) Seeders(h chunk.Hash) []transport.Address {
	d.mu.Lock()
	defer d.mu.Unlock()

	records := append([]Record(nil), d.entries[h]...)
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].LastSeen.After(records[j].LastSeen)
	})
	out := make([]transport.Address, 0, len(records))
	for _, r := range records {
		out = append(out, r.Address)
	}
	return out
}

// Expire drops records not seen within maxAge and keys left empty.
func (d *Directory) Expire(maxAge time.Duration) {
	cutoff := d.clock().Add(-maxAge)
	d.mu.Lock()
	defer d.mu.Unlock()

	for h, records := range d.entries {
		kept := records[:0]
		for _, r := range records {
			if !r.LastSeen.Before(cutoff) {
				kept = append(kept, r)
			}
		}
		if len(kept) == 0 {
			delete(d.entries, h)
		} else {
			d.entries[h] = kept
		}
	}
}
