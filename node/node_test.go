// SPDX-FileCopyrightText: © 2025 Brisby authors
// SPDX-License-Identifier: AGPL-3.0-only

package node

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/newtgeyser/brisby/chunk"
	"github.com/newtgeyser/brisby/config"
	"github.com/newtgeyser/brisby/core/log"
	"github.com/newtgeyser/brisby/indexer"
	"github.com/newtgeyser/brisby/transport"
	"github.com/newtgeyser/brisby/transport/mocknet"
)

func newLogBackend(t *testing.T) *log.Backend {
	t.Helper()
	logBackend, err := log.New("", "DEBUG", true)
	require.NoError(t, err)
	return logBackend
}

func startProvider(t *testing.T, net *mocknet.Network, addr transport.Address) {
	t.Helper()
	idx, err := indexer.OpenIndex(filepath.Join(t.TempDir(), "index.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })
	svc, err := indexer.NewService(indexer.ServiceConfig{
		Index:      idx,
		Transport:  net.NewNode(addr),
		LogBackend: newLogBackend(t),
	})
	require.NoError(t, err)
	svc.Start()
	t.Cleanup(svc.Halt)
}

func newNode(t *testing.T, net *mocknet.Network, addr transport.Address, providers ...string) *Node {
	t.Helper()
	cfg := &config.Config{
		DataDir: t.TempDir(),
		Logging: &config.Logging{Disable: true, Level: "DEBUG"},
		Transfer: &config.Transfer{
			RequestTimeoutSecs: 2,
		},
	}
	for _, p := range providers {
		cfg.Providers = append(cfg.Providers, config.Provider{Name: p, Address: p})
	}
	n, err := New(cfg, net.NewNode(addr))
	require.NoError(t, err)
	t.Cleanup(n.Shutdown)
	return n
}

func TestShareSearchDownloadFlow(t *testing.T) {
	t.Parallel()
	net := mocknet.New(newLogBackend(t))
	startProvider(t, net, "provider-1")
	startProvider(t, net, "provider-2")

	publisher := newNode(t, net, "node-pub", "provider-1", "provider-2")
	downloader := newNode(t, net, "node-dl", "provider-1", "provider-2")

	// Share and publish a file on the first node.
	data := bytes.Repeat([]byte{0xA5}, 2*chunk.Size+4321)
	src := filepath.Join(t.TempDir(), "brisby-report-2025.pdf")
	require.NoError(t, os.WriteFile(src, data, 0600))

	m, err := publisher.Share(src)
	require.NoError(t, err)
	publisher.StartSeeding()
	require.NoError(t, publisher.Publish(context.Background(), m))

	// The second node finds it on both providers, merged to one entry
	// naming the publisher as seeder.
	results, err := downloader.Search(context.Background(), "brisby report", 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, m.ContentHash, results[0].ContentHash)
	assert.Contains(t, results[0].Seeders, transport.Address("node-pub"))

	// The manifest travels out of band.
	manifestPath := filepath.Join(t.TempDir(), "report.manifest")
	require.NoError(t, publisher.ExportManifest(m.ContentHash, manifestPath))
	imported, err := downloader.ImportManifest(manifestPath)
	require.NoError(t, err)
	assert.Equal(t, m.ContentHash, imported.ContentHash)

	// Download by hash: seeders come from the search, the manifest
	// from the catalog.
	out := filepath.Join(t.TempDir(), "downloaded.pdf")
	require.NoError(t, downloader.DownloadByHash(context.Background(), m.ContentHash, out))

	got, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, got))

	have, total := downloader.Progress(m)
	assert.Equal(t, total, have)
}

func TestDownloadByHashWithoutManifest(t *testing.T) {
	t.Parallel()
	net := mocknet.New(newLogBackend(t))
	n := newNode(t, net, "node-a")

	err := n.DownloadByHash(context.Background(), chunk.Sum([]byte("unknown")), filepath.Join(t.TempDir(), "x"))
	assert.ErrorIs(t, err, ErrNoManifest)
}

func TestImportManifestRejectsTampered(t *testing.T) {
	t.Parallel()
	net := mocknet.New(newLogBackend(t))
	n := newNode(t, net, "node-a")

	data := bytes.Repeat([]byte{0x0F}, 4096)
	src := filepath.Join(t.TempDir(), "file.bin")
	require.NoError(t, os.WriteFile(src, data, 0600))
	m, err := n.Share(src)
	require.NoError(t, err)

	// Tamper with the manifest before export.
	m.Size++
	require.NoError(t, n.catalog.Add(m))
	manifestPath := filepath.Join(t.TempDir(), "bad.manifest")
	require.NoError(t, n.ExportManifest(m.ContentHash, manifestPath))

	other := newNode(t, net, "node-b")
	_, err = other.ImportManifest(manifestPath)
	assert.Error(t, err)
}

func TestSeederRepublishKeepsEntryAlive(t *testing.T) {
	t.Parallel()
	net := mocknet.New(newLogBackend(t))

	// A provider purging aggressively, with a short-TTL publisher that
	// republishes at TTL/2.
	idx, err := indexer.OpenIndex(filepath.Join(t.TempDir(), "index.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })
	svc, err := indexer.NewService(indexer.ServiceConfig{
		Index:         idx,
		Transport:     net.NewNode("provider-1"),
		LogBackend:    newLogBackend(t),
		PurgeInterval: 50 * time.Millisecond,
	})
	require.NoError(t, err)
	svc.Start()
	t.Cleanup(svc.Halt)

	cfg := &config.Config{
		DataDir: t.TempDir(),
		Logging: &config.Logging{Disable: true, Level: "DEBUG"},
		Seeding: &config.Seeding{PublishTTLSecs: 1},
		Providers: []config.Provider{
			{Name: "provider-1", Address: "provider-1"},
		},
	}
	n, err := New(cfg, net.NewNode("node-pub"))
	require.NoError(t, err)
	t.Cleanup(n.Shutdown)

	data := bytes.Repeat([]byte{0x3C}, 2000)
	src := filepath.Join(t.TempDir(), "renewing-doc.txt")
	require.NoError(t, os.WriteFile(src, data, 0600))
	_, err = n.Share(src)
	require.NoError(t, err)
	n.StartSeeding()

	// Well past the initial TTL the entry is still discoverable,
	// because the seeder keeps republishing.
	time.Sleep(2500 * time.Millisecond)
	results, err := n.Search(context.Background(), "renewing", 10)
	require.NoError(t, err)
	assert.Len(t, results, 1)
}
