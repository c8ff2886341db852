// SPDX-FileCopyrightText: © 2025 Brisby authors
// SPDX-License-Identifier: AGPL-3.0-only

package catalog

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/newtgeyser/brisby/chunk"
)

func newTestCatalog(t *testing.T) *Catalog {
	t.Helper()
	c, err := Open(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func manifestNamed(name string, seed byte) *chunk.Manifest {
	m := &chunk.Manifest{
		FileName:  name,
		Keywords:  chunk.ExtractKeywords(name),
		Size:      1234,
		Chunks:    []chunk.Ref{{Index: 0, Hash: chunk.Sum([]byte{seed}), Size: 1234}},
		CreatedAt: uint64(1000 + int(seed)),
	}
	m.ContentHash = chunk.ContentHash(m.Chunks)
	return m
}

func TestAddGetRemove(t *testing.T) {
	t.Parallel()
	c := newTestCatalog(t)

	m := manifestNamed("holiday_photos.zip", 1)
	require.NoError(t, c.Add(m))

	got, err := c.Get(m.ContentHash)
	require.NoError(t, err)
	assert.Equal(t, m.FileName, got.FileName)
	assert.Equal(t, m.Chunks, got.Chunks)

	removed, err := c.Remove(m.ContentHash)
	require.NoError(t, err)
	assert.True(t, removed)
	_, err = c.Get(m.ContentHash)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListNewestFirst(t *testing.T) {
	t.Parallel()
	c := newTestCatalog(t)

	require.NoError(t, c.Add(manifestNamed("older.txt", 1)))
	require.NoError(t, c.Add(manifestNamed("newer.txt", 2)))

	all, err := c.List()
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "newer.txt", all[0].FileName)
}

func TestLocalSearch(t *testing.T) {
	t.Parallel()
	c := newTestCatalog(t)

	require.NoError(t, c.Add(manifestNamed("vacation_video.mkv", 1)))
	require.NoError(t, c.Add(manifestNamed("tax_return.pdf", 2)))

	results, err := c.Search("vacation", 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "vacation_video.mkv", results[0].FileName)

	results, err = c.Search("nothing-matches-this", 10)
	require.NoError(t, err)
	assert.Empty(t, results)
}
