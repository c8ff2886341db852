// SPDX-FileCopyrightText: © 2025 Brisby authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package node wires the store, the transfer engines and the index
// client into one peer. The transport implementation is injected at
// construction; everything else is built from the configuration.
package node

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/fxamacker/cbor/v2"
	"gopkg.in/op/go-logging.v1"

	"github.com/newtgeyser/brisby/catalog"
	"github.com/newtgeyser/brisby/chunk"
	"github.com/newtgeyser/brisby/config"
	"github.com/newtgeyser/brisby/core/log"
	"github.com/newtgeyser/brisby/dht"
	indexclient "github.com/newtgeyser/brisby/indexer/client"
	"github.com/newtgeyser/brisby/leecher"
	"github.com/newtgeyser/brisby/seeder"
	"github.com/newtgeyser/brisby/store"
	"github.com/newtgeyser/brisby/transport"
	"github.com/newtgeyser/brisby/wire"
)

// ErrNoManifest is returned when a download is requested for a content
// hash whose manifest this node does not hold.
var ErrNoManifest = errors.New("node: manifest not known, import it first")

// Node is one brisby peer: it can share, seed, search and download.
type Node struct {
	cfg        *config.Config
	logBackend *log.Backend
	log        *logging.Logger

	store     *store.Store
	library   *store.ManifestLibrary
	catalog   *catalog.Catalog
	transport transport.Transport
	directory *dht.Directory

	seeder  *seeder.Seeder
	leecher *leecher.Leecher
	index   *indexclient.Client
}

// New builds a Node from the configuration and the injected transport.
func New(cfg *config.Config, trans transport.Transport) (*Node, error) {
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, err
	}
	logBackend, err := log.New(cfg.Logging.File, cfg.Logging.Level, cfg.Logging.Disable)
	if err != nil {
		return nil, err
	}

	n := &Node{
		cfg:        cfg,
		logBackend: logBackend,
		log:        logBackend.GetLogger("node"),
		transport:  trans,
		directory:  dht.NewDirectory(0, nil),
	}
	if n.store, err = store.New(cfg.ChunksDir(), logBackend); err != nil {
		return nil, err
	}
	if n.library, err = store.OpenManifestLibrary(cfg.ManifestsPath(), logBackend); err != nil {
		return nil, err
	}
	if n.catalog, err = catalog.Open(cfg.CatalogPath()); err != nil {
		n.library.Close()
		return nil, err
	}

	if len(cfg.Providers) > 0 {
		providers := make([]transport.Address, 0, len(cfg.Providers))
		for _, p := range cfg.Providers {
			providers = append(providers, transport.Address(p.Address))
		}
		n.index, err = indexclient.New(indexclient.Config{
			Transport:  trans,
			LogBackend: logBackend,
			Providers:  providers,
			Timeout:    cfg.Transfer.Timeout(),
		})
		if err != nil {
			n.close()
			return nil, err
		}
	}

	n.leecher, err = leecher.New(leecher.Config{
		Store:       n.store,
		Transport:   trans,
		LogBackend:  logBackend,
		Directory:   n.directory,
		Concurrency: cfg.Transfer.MaxInflight,
		Timeout:     cfg.Transfer.Timeout(),
		Attempts:    cfg.Transfer.MaxAttempts,
	})
	if err != nil {
		n.close()
		return nil, err
	}

	seederCfg := seeder.Config{
		Store:       n.store,
		Library:     n.library,
		Transport:   trans,
		LogBackend:  logBackend,
		TTL:         uint32(cfg.Seeding.PublishTTLSecs),
		MaxInflight: cfg.Seeding.MaxInflight,
	}
	if n.index != nil {
		seederCfg.Publisher = n.index
	}
	n.seeder, err = seeder.New(seederCfg)
	if err != nil {
		n.close()
		return nil, err
	}
	return n, nil
}

// LocalAddress returns the node's anonymous address.
func (n *Node) LocalAddress() transport.Address {
	return n.transport.LocalAddress()
}

// StartSeeding begins serving the manifest library and republishing it
// to the configured providers.
func (n *Node) StartSeeding() {
	n.seeder.Start()
}

// Shutdown halts the engines and closes the databases.
func (n *Node) Shutdown() {
	n.seeder.Halt()
	n.close()
}

func (n *Node) close() {
	if n.library != nil {
		n.library.Close()
	}
	if n.catalog != nil {
		n.catalog.Close()
	}
}

// Share chunks the file into the store and records its manifest in the
// library and catalog. The file is served once seeding starts.
func (n *Node) Share(path string) (*chunk.Manifest, error) {
	m, err := chunk.File(path, n.store)
	if err != nil {
		return nil, err
	}
	if err := n.library.Put(m); err != nil {
		return nil, err
	}
	if err := n.catalog.Add(m); err != nil {
		return nil, err
	}
	n.log.Noticef("sharing %s as %s (%d chunks)", m.FileName, m.ContentHash, m.ChunkCount())
	return m, nil
}

// Publish announces one manifest to the configured providers now,
// independent of the seeder's republish loop.
func (n *Node) Publish(ctx context.Context, m *chunk.Manifest) error {
	if n.index == nil {
		return indexclient.ErrNoProviders
	}
	return n.index.Publish(ctx, m, uint32(n.cfg.Seeding.PublishTTLSecs))
}

// Search queries the configured providers and remembers every returned
// seeder in the peer directory for later downloads.
func (n *Node) Search(ctx context.Context, query string, maxResults uint32) ([]wire.SearchResult, error) {
	if n.index == nil {
		return nil, indexclient.ErrNoProviders
	}
	results, err := n.index.Search(ctx, query, maxResults)
	if err != nil {
		return nil, err
	}
	for _, r := range results {
		for _, s := range r.Seeders {
			n.directory.Store(r.ContentHash, dht.Record{Address: s})
		}
	}
	return results, nil
}

// Download fetches the file described by the manifest into path, using
// the given seeders plus any the peer directory knows.
func (n *Node) Download(ctx context.Context, m *chunk.Manifest, seeders []transport.Address, path string) error {
	return n.leecher.Fetch(ctx, m, seeders, path)
}

// DownloadByHash fetches a file whose manifest is already in the
// catalog, using seeders learned from searches.
func (n *Node) DownloadByHash(ctx context.Context, h chunk.Hash, path string) error {
	m, err := n.catalog.Get(h)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			return ErrNoManifest
		}
		return err
	}
	return n.Download(ctx, m, n.directory.Seeders(h), path)
}

// List returns the catalog contents, newest first.
func (n *Node) List() ([]*chunk.Manifest, error) {
	return n.catalog.List()
}

// ExportManifest writes a manifest to path so it can be shared out of
// band; a peer imports it to download without a manifest exchange
// protocol.
func (n *Node) ExportManifest(h chunk.Hash, path string) error {
	m, err := n.catalog.Get(h)
	if err != nil {
		return err
	}
	blob, err := cbor.Marshal(m)
	if err != nil {
		return err
	}
	return os.WriteFile(path, blob, 0600)
}

// ImportManifest reads a manifest file produced by ExportManifest into
// the catalog.
func (n *Node) ImportManifest(path string) (*chunk.Manifest, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	m := new(chunk.Manifest)
	if err := cbor.Unmarshal(blob, m); err != nil {
		return nil, fmt.Errorf("node: parsing manifest: %w", err)
	}
	if !m.Verify() {
		return nil, fmt.Errorf("node: manifest failed verification")
	}
	if err := n.catalog.Add(m); err != nil {
		return nil, err
	}
	return m, nil
}

// Progress reports how many of the manifest's chunks are already in
// the local store.
func (n *Node) Progress(m *chunk.Manifest) (have, total int) {
	total = len(m.Chunks)
	for _, ref := range m.Chunks {
		if n.store.Has(ref.Hash) {
			have++
		}
	}
	return have, total
}
