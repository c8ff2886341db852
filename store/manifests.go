// SPDX-FileCopyrightText: © 2025 Brisby authors
// SPDX-License-Identifier: AGPL-3.0-only

package store

import (
	"errors"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"
	"gopkg.in/op/go-logging.v1"

	"github.com/newtgeyser/brisby/chunk"
	"github.com/newtgeyser/brisby/core/log"
)

const manifestsBucket = "manifests"

// ErrNoManifest is returned when a manifest is not in the library.
var ErrNoManifest = errors.New("store: manifest not found")

// ManifestLibrary is the durable set of manifests a node knows about,
// keyed by content hash. The seeder serves from it across restarts.
type ManifestLibrary struct {
	db  *bolt.DB
	log *logging.Logger
}

// OpenManifestLibrary opens or creates the manifest database at path.
func OpenManifestLibrary(path string, logBackend *log.Backend) (*ManifestLibrary, error) {
	db, err := bolt.Open(path, fileMode, nil)
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, berr := tx.CreateBucketIfNotExists([]byte(manifestsBucket))
		return berr
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &ManifestLibrary{
		db:  db,
		log: logBackend.GetLogger("manifests"),
	}, nil
}

// Put inserts or replaces the manifest.
func (l *ManifestLibrary) Put(m *chunk.Manifest) error {
	blob, err := cbor.Marshal(m)
	if err != nil {
		return err
	}
	return l.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(manifestsBucket)).Put(m.ContentHash.Bytes(), blob)
	})
}

// Get returns the manifest for the given content hash, or ErrNoManifest.
func (l *ManifestLibrary) Get(h chunk.Hash) (*chunk.Manifest, error) {
	var m *chunk.Manifest
	err := l.db.View(func(tx *bolt.Tx) error {
		blob := tx.Bucket([]byte(manifestsBucket)).Get(h.Bytes())
		if blob == nil {
			return ErrNoManifest
		}
		m = new(chunk.Manifest)
		return cbor.Unmarshal(blob, m)
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// Remove deletes the manifest, reporting whether it was present.
func (l *ManifestLibrary) Remove(h chunk.Hash) (bool, error) {
	present := false
	err := l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(manifestsBucket))
		if b.Get(h.Bytes()) == nil {
			return nil
		}
		present = true
		return b.Delete(h.Bytes())
	})
	return present, err
}

// List returns every manifest in the library.
func (l *ManifestLibrary) List() ([]*chunk.Manifest, error) {
	var out []*chunk.Manifest
	err := l.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(manifestsBucket)).ForEach(func(_, blob []byte) error {
			m := new(chunk.Manifest)
			if uerr := cbor.Unmarshal(blob, m); uerr != nil {
				return uerr
			}
			out = append(out, m)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Close closes the underlying database.
func (l *ManifestLibrary) Close() error {
	return l.db.Close()
}
