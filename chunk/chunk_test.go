// SPDX-FileCopyrightText: © 2025 Brisby authors
// SPDX-License-Identifier: AGPL-3.0-only

package chunk

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mapSink map[Hash][]byte

func (s mapSink) Put(h Hash, data []byte) error {
	s[h] = append([]byte(nil), data...)
	return nil
}

func (s mapSink) Get(h Hash) ([]byte, error) {
	data, ok := s[h]
	if !ok {
		return nil, os.ErrNotExist
	}
	return data, nil
}

func writeTempFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0600))
	return path
}

func TestSplitBoundaries(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name      string
		inputSize int
		wantCnt   int
	}{
		{"empty", 0, 0},
		{"one byte", 1, 1},
		{"just under", Size - 1, 1},
		{"exact", Size, 1},
		{"just over", Size + 1, 2},
		{"two exact", 2 * Size, 2},
		{"two and change", 2*Size + 1000, 3},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			data := bytes.Repeat([]byte{0x5a}, tc.inputSize)
			var total int
			var count int
			err := Split(bytes.NewReader(data), func(ref Ref, chunkData []byte) error {
				assert.Equal(t, uint32(count), ref.Index)
				assert.Equal(t, ref.Size, uint32(len(chunkData)))
				if count < tc.wantCnt-1 {
					assert.Equal(t, uint32(Size), ref.Size)
				}
				assert.Equal(t, Sum(chunkData), ref.Hash)
				total += len(chunkData)
				count++
				return nil
			})
			require.NoError(t, err)
			assert.Equal(t, tc.wantCnt, count)
			assert.Equal(t, tc.inputSize, total)
		})
	}
}

func TestFileRoundTrip(t *testing.T) {
	t.Parallel()

	data := bytes.Repeat([]byte{0x42}, 2*Size+1000)
	path := writeTempFile(t, "roundtrip.bin", data)

	sink := make(mapSink)
	m, err := File(path, sink)
	require.NoError(t, err)

	assert.Equal(t, uint64(len(data)), m.Size)
	assert.Len(t, m.Chunks, 3)
	assert.True(t, m.Verify())

	out := filepath.Join(t.TempDir(), "out.bin")
	require.NoError(t, Assemble(m, sink, out))

	got, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, got))
}

func TestFileDeterministic(t *testing.T) {
	t.Parallel()

	data := bytes.Repeat([]byte{0x17}, Size+17)
	pathA := writeTempFile(t, "a.bin", data)
	pathB := writeTempFile(t, "b.bin", data)

	mA, err := File(pathA, make(mapSink))
	require.NoError(t, err)
	mB, err := File(pathB, make(mapSink))
	require.NoError(t, err)

	assert.Equal(t, mA.ContentHash, mB.ContentHash)
	assert.Equal(t, mA.Chunks, mB.Chunks)
}

func TestContentHashPureFunctionOfChunkHashes(t *testing.T) {
	t.Parallel()

	data := bytes.Repeat([]byte{0x01}, Size+5)
	path := writeTempFile(t, "pure.bin", data)
	m, err := File(path, make(mapSink))
	require.NoError(t, err)

	// Metadata does not influence the content hash.
	clone := *m
	clone.FileName = "renamed.bin"
	clone.Keywords = []string{"renamed"}
	assert.Equal(t, ContentHash(m.Chunks), ContentHash(clone.Chunks))
	assert.Equal(t, m.ContentHash, clone.ContentHash)

	// Reordering chunk hashes does.
	swapped := append([]Ref(nil), m.Chunks...)
	swapped[0].Hash, swapped[1].Hash = swapped[1].Hash, swapped[0].Hash
	assert.NotEqual(t, ContentHash(m.Chunks), ContentHash(swapped))
}

func TestManifestVerifyRejectsBadSizes(t *testing.T) {
	t.Parallel()

	data := bytes.Repeat([]byte{0x33}, Size+100)
	path := writeTempFile(t, "sizes.bin", data)
	m, err := File(path, make(mapSink))
	require.NoError(t, err)
	require.True(t, m.Verify())

	badSize := *m
	badSize.Size++
	assert.False(t, badSize.Verify())

	badChunk := *m
	badChunk.Chunks = append([]Ref(nil), m.Chunks...)
	badChunk.Chunks[0].Size--
	assert.False(t, badChunk.Verify())

	badHash := *m
	badHash.ContentHash[0] ^= 0xff
	assert.False(t, badHash.Verify())
}

func TestAssembleDetectsCorruptChunk(t *testing.T) {
	t.Parallel()

	data := bytes.Repeat([]byte{0x66}, Size+50)
	path := writeTempFile(t, "corrupt.bin", data)
	sink := make(mapSink)
	m, err := File(path, sink)
	require.NoError(t, err)

	// Corrupt the stored bytes of the second chunk without touching the
	// manifest.
	sink[m.Chunks[1].Hash][0] ^= 0xff

	out := filepath.Join(t.TempDir(), "out.bin")
	err = Assemble(m, sink, out)
	assert.ErrorIs(t, err, ErrCorrupt)
	_, statErr := os.Stat(out)
	assert.True(t, os.IsNotExist(statErr))
}

func TestVerifyChunk(t *testing.T) {
	t.Parallel()

	data := []byte("some chunk bytes")
	h := Sum(data)
	assert.True(t, VerifyChunk(h, data))
	assert.False(t, VerifyChunk(h, append(data, 'x')))
}

func TestExtractKeywords(t *testing.T) {
	t.Parallel()

	keywords := ExtractKeywords("Big_Buck-Bunny.1080p.mkv")
	assert.Contains(t, keywords, "big")
	assert.Contains(t, keywords, "buck")
	assert.Contains(t, keywords, "bunny")
	assert.Contains(t, keywords, "1080p")
	assert.Contains(t, keywords, "mkv")

	// Single-rune tokens are dropped.
	assert.Equal(t, []string{"ab"}, ExtractKeywords("a.b.ab"))
}

func TestDetectMimeType(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "application/pdf", DetectMimeType("report.pdf"))
	assert.Equal(t, "video/x-matroska", DetectMimeType("movie.MKV"))
	assert.Equal(t, "", DetectMimeType("no-extension"))
	assert.Equal(t, "", DetectMimeType("weird.xyz"))
}
