// SPDX-FileCopyrightText: © 2025 Brisby authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package chunk implements deterministic file chunking and the
// hash-linked manifests used to coordinate and verify transfers.
package chunk

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/zeebo/blake3"
)

// Size is the chunk size in bytes. Every chunk of a file is exactly
// this long except the final one, which may be shorter.
const Size = 256 * 1024

// HashSize is the length of a BLAKE3 content hash.
const HashSize = 32

// Hash is a 32 byte BLAKE3 digest identifying a chunk or a file.
type Hash [HashSize]byte

// Sum computes the Hash of the given bytes.
func Sum(data []byte) Hash {
	return blake3.Sum256(data)
}

// String returns the hex representation of the hash.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// Bytes returns the hash as a byte slice.
func (h Hash) Bytes() []byte {
	return h[:]
}

// HashFromBytes converts a byte slice into a Hash.
func HashFromBytes(b []byte) (Hash, error) {
	var h Hash
	if len(b) != HashSize {
		return h, fmt.Errorf("chunk: invalid hash length %d", len(b))
	}
	copy(h[:], b)
	return h, nil
}

// ParseHash parses a hex-encoded content hash.
func ParseHash(s string) (Hash, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return Hash{}, err
	}
	return HashFromBytes(b)
}

// Ref describes one chunk of a file.
type Ref struct {
	// Index is the 0-based position of the chunk within the file.
	Index uint32 `cbor:"index"`

	// Hash is the BLAKE3 digest of the chunk bytes.
	Hash Hash `cbor:"hash"`

	// Size is the chunk length in bytes.
	Size uint32 `cbor:"size"`
}

// Manifest is the hash-linked description of a file. Its ContentHash is
// derived purely from the ordered chunk hashes and is the public
// identity of the file.
type Manifest struct {
	ContentHash Hash     `cbor:"content_hash"`
	FileName    string   `cbor:"filename"`
	Size        uint64   `cbor:"size"`
	MimeType    string   `cbor:"mime_type,omitempty"`
	Chunks      []Ref    `cbor:"chunks"`
	Keywords    []string `cbor:"keywords"`
	CreatedAt   uint64   `cbor:"created_at"`
}

// ChunkCount returns the number of chunks in the manifest.
func (m *Manifest) ChunkCount() uint32 {
	return uint32(len(m.Chunks))
}

// Verify recomputes the manifest content hash from the chunk hashes and
// checks the size and per-chunk size invariants. It does not read any
// chunk bytes.
func (m *Manifest) Verify() bool {
	var total uint64
	for i, ref := range m.Chunks {
		if ref.Index != uint32(i) {
			return false
		}
		if i != len(m.Chunks)-1 && ref.Size != Size {
			return false
		}
		if ref.Size > Size {
			return false
		}
		total += uint64(ref.Size)
	}
	if total != m.Size {
		return false
	}
	return ContentHash(m.Chunks) == m.ContentHash
}

// ContentHash derives the file identity from the ordered chunk hashes.
func ContentHash(chunks []Ref) Hash {
	h := blake3.New()
	for _, ref := range chunks {
		h.Write(ref.Hash[:])
	}
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

// VerifyChunk checks chunk bytes against their expected hash.
func VerifyChunk(expected Hash, data []byte) bool {
	return Sum(data) == expected
}

// Sink receives chunks as they are split off. The chunk store satisfies
// this interface.
type Sink interface {
	Put(h Hash, data []byte) error
}

// Split reads r to EOF, invoking fn once per chunk in index order. The
// final chunk may be shorter than Size; a chunk is never empty.
func Split(r io.Reader, fn func(ref Ref, data []byte) error) error {
	buf := make([]byte, Size)
	var index uint32
	for {
		n, err := io.ReadFull(r, buf)
		if err == io.EOF {
			return nil
		}
		if err != nil && err != io.ErrUnexpectedEOF {
			return err
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		ref := Ref{
			Index: index,
			Hash:  Sum(data),
			Size:  uint32(n),
		}
		if ferr := fn(ref, data); ferr != nil {
			return ferr
		}
		index++
		if err == io.ErrUnexpectedEOF {
			return nil
		}
	}
}

// File splits the file at path into chunks, stores every chunk in the
// sink and returns the resulting manifest. Chunking is a pure function
// of the file bytes: two nodes splitting the same file produce the same
// manifest. Chunks already stored before a failure remain in the sink;
// retrying is safe because stores are idempotent.
func File(path string, sink Sink) (*Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	name := filepath.Base(path)
	m := &Manifest{
		FileName:  name,
		MimeType:  DetectMimeType(name),
		Keywords:  ExtractKeywords(name),
		CreatedAt: uint64(time.Now().Unix()),
	}
	err = Split(f, func(ref Ref, data []byte) error {
		if perr := sink.Put(ref.Hash, data); perr != nil {
			return perr
		}
		m.Chunks = append(m.Chunks, ref)
		m.Size += uint64(ref.Size)
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.ContentHash = ContentHash(m.Chunks)
	return m, nil
}

// Source yields stored chunk bytes by hash. The chunk store satisfies
// this interface.
type Source interface {
	Get(h Hash) ([]byte, error)
}

// ErrCorrupt is returned by Assemble when the reassembled file does not
// hash to the manifest content hash.
var ErrCorrupt = errors.New("chunk: reassembled file does not match manifest")

// Assemble streams the manifest's chunks from src into the file at path
// in index order. The output is written to a temporary sibling and
// renamed into place, so a concurrent reader sees either the whole file
// or nothing. Every chunk is re-hashed on the way out and the manifest
// content hash is re-derived; any mismatch aborts with ErrCorrupt and
// leaves no output file behind.
func Assemble(m *Manifest, src Source, path string) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp.*")
	if err != nil {
		return err
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	var refs []Ref
	for _, want := range m.Chunks {
		data, err := src.Get(want.Hash)
		if err != nil {
			return fmt.Errorf("chunk: missing chunk %d: %w", want.Index, err)
		}
		got := Ref{Index: want.Index, Hash: Sum(data), Size: uint32(len(data))}
		if got.Hash != want.Hash || got.Size != want.Size {
			return ErrCorrupt
		}
		if _, err := tmp.Write(data); err != nil {
			return err
		}
		refs = append(refs, got)
	}
	if ContentHash(refs) != m.ContentHash {
		return ErrCorrupt
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// ExtractKeywords derives searchable keywords from a filename: split on
// anything that is not an ASCII letter or digit, drop tokens shorter
// than two runes, lowercase the rest.
func ExtractKeywords(filename string) []string {
	fields := strings.FieldsFunc(filename, func(r rune) bool {
		return !isAlphanumeric(r)
	})
	keywords := make([]string, 0, len(fields))
	for _, f := range fields {
		if len([]rune(f)) < 2 {
			continue
		}
		keywords = append(keywords, strings.ToLower(f))
	}
	return keywords
}

func isAlphanumeric(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
}

// DetectMimeType guesses a MIME type from the file extension, returning
// the empty string when the extension is unknown.
func DetectMimeType(filename string) string {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(filename), "."))
	switch ext {
	case "txt":
		return "text/plain"
	case "html", "htm":
		return "text/html"
	case "css":
		return "text/css"
	case "js":
		return "application/javascript"
	case "json":
		return "application/json"
	case "xml":
		return "application/xml"
	case "pdf":
		return "application/pdf"
	case "zip":
		return "application/zip"
	case "gz", "gzip":
		return "application/gzip"
	case "tar":
		return "application/x-tar"
	case "png":
		return "image/png"
	case "jpg", "jpeg":
		return "image/jpeg"
	case "gif":
		return "image/gif"
	case "webp":
		return "image/webp"
	case "svg":
		return "image/svg+xml"
	case "mp3":
		return "audio/mpeg"
	case "mp4":
		return "video/mp4"
	case "webm":
		return "video/webm"
	case "mkv":
		return "video/x-matroska"
	case "avi":
		return "video/x-msvideo"
	default:
		return ""
	}
}
