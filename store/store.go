// SPDX-FileCopyrightText: © 2025 Brisby authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package store implements the content-addressed chunk store and the
// durable manifest library.
package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/op/go-logging.v1"

	"github.com/newtgeyser/brisby/chunk"
	"github.com/newtgeyser/brisby/core/log"
)

var (
	// ErrNotFound is returned by Get for chunks not in the store.
	ErrNotFound = errors.New("store: chunk not found")

	// ErrHashMismatch is returned by Put when the bytes do not hash to
	// the given key.
	ErrHashMismatch = errors.New("store: bytes do not match hash")
)

const (
	chunksDir = "chunks"
	dirMode   = 0700
	fileMode  = 0600
)

// Store is a content-addressed blob store holding each chunk at most
// once, keyed by its BLAKE3 hash. Writes are write-then-rename atomic:
// a concurrent reader sees either the whole chunk or ErrNotFound.
type Store struct {
	root string
	log  *logging.Logger
}

// New creates a Store rooted at dir, creating the directory layout as
// needed.
func New(dir string, logBackend *log.Backend) (*Store, error) {
	s := &Store{
		root: dir,
		log:  logBackend.GetLogger("store"),
	}
	if err := os.MkdirAll(filepath.Join(dir, chunksDir), dirMode); err != nil {
		return nil, err
	}
	return s, nil
}

// chunkPath shards chunks across 256 directories by the first hash byte.
func (s *Store) chunkPath(h chunk.Hash) string {
	hexed := h.String()
	return filepath.Join(s.root, chunksDir, hexed[:2], hexed[2:])
}

// Put writes the chunk iff the bytes hash to h. Storing an already
// present chunk is a no-op; concurrent writers of the same chunk all
// observe success.
func (s *Store) Put(h chunk.Hash, data []byte) error {
	if chunk.Sum(data) != h {
		return ErrHashMismatch
	}
	path := s.chunkPath(h)
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), dirMode); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp.*")
	if err != nil {
		return err
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()
	if _, err := tmp.Write(data); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return err
	}
	s.log.Debugf("stored chunk %s (%d bytes)", h, len(data))
	return nil
}

// Get returns the chunk bytes, or ErrNotFound.
func (s *Store) Get(h chunk.Hash) ([]byte, error) {
	data, err := os.ReadFile(s.chunkPath(h))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	// A chunk that does not hash to its name is on-disk corruption.
	if chunk.Sum(data) != h {
		return nil, fmt.Errorf("store: corrupt chunk %s: %w", h, ErrHashMismatch)
	}
	return data, nil
}

// Has reports whether the chunk is present.
func (s *Store) Has(h chunk.Hash) bool {
	_, err := os.Stat(s.chunkPath(h))
	return err == nil
}
