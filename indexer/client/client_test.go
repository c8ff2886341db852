// SPDX-FileCopyrightText: © 2025 Brisby authors
// SPDX-License-Identifier: AGPL-3.0-only

package client

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/newtgeyser/brisby/chunk"
	"github.com/newtgeyser/brisby/core/log"
	"github.com/newtgeyser/brisby/indexer"
	"github.com/newtgeyser/brisby/transport"
	"github.com/newtgeyser/brisby/transport/mocknet"
	"github.com/newtgeyser/brisby/wire"
)

func newLogBackend(t *testing.T) *log.Backend {
	t.Helper()
	logBackend, err := log.New("", "DEBUG", true)
	require.NoError(t, err)
	return logBackend
}

func startProvider(t *testing.T, net *mocknet.Network, addr transport.Address) *indexer.Service {
	t.Helper()
	logBackend := newLogBackend(t)
	idx, err := indexer.OpenIndex(t.TempDir()+"/index.db", nil)
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })

	svc, err := indexer.NewService(indexer.ServiceConfig{
		Index:      idx,
		Transport:  net.NewNode(addr),
		LogBackend: logBackend,
	})
	require.NoError(t, err)
	svc.Start()
	t.Cleanup(svc.Halt)
	return svc
}

func testManifest(seed byte) *chunk.Manifest {
	m := &chunk.Manifest{
		FileName: "brisby-report-2025.pdf",
		MimeType: "application/pdf",
		Keywords: []string{"report", "brisby"},
		Size:     2*chunk.Size + 777,
		Chunks: []chunk.Ref{
			{Index: 0, Hash: chunk.Sum([]byte{seed, 0}), Size: chunk.Size},
			{Index: 1, Hash: chunk.Sum([]byte{seed, 1}), Size: chunk.Size},
			{Index: 2, Hash: chunk.Sum([]byte{seed, 2}), Size: 777},
		},
	}
	m.ContentHash = chunk.ContentHash(m.Chunks)
	return m
}

func newClient(t *testing.T, net *mocknet.Network, addr transport.Address, providers []transport.Address) *Client {
	t.Helper()
	c, err := New(Config{
		Transport:      net.NewNode(addr),
		LogBackend:     newLogBackend(t),
		Providers:      providers,
		Timeout:        time.Second,
		SearchDeadline: 2 * time.Second,
	})
	require.NoError(t, err)
	return c
}

func TestPublishAndSearchMergesProviders(t *testing.T) {
	t.Parallel()
	net := mocknet.New(newLogBackend(t))
	startProvider(t, net, "provider-1")
	startProvider(t, net, "provider-2")

	m := testManifest(1)

	// Two different seeders publish the same file, one to each
	// provider.
	seederA := newClient(t, net, "seeder-a", []transport.Address{"provider-1"})
	seederB := newClient(t, net, "seeder-b", []transport.Address{"provider-2"})
	require.NoError(t, seederA.Publish(context.Background(), m, 3600))
	require.NoError(t, seederB.Publish(context.Background(), m, 3600))

	searcher := newClient(t, net, "searcher", []transport.Address{"provider-1", "provider-2"})
	results, err := searcher.Search(context.Background(), "brisby", 10)
	require.NoError(t, err)

	// One merged entry with the union of both publisher addresses.
	require.Len(t, results, 1)
	assert.Equal(t, m.ContentHash, results[0].ContentHash)
	assert.ElementsMatch(t,
		[]transport.Address{"seeder-a", "seeder-b"}, results[0].Seeders)
}

func TestPublishSucceedsWithOneProviderDown(t *testing.T) {
	t.Parallel()
	net := mocknet.New(newLogBackend(t))
	startProvider(t, net, "provider-1")
	// provider-dead is never attached to the network.

	c := newClient(t, net, "seeder-a", []transport.Address{"provider-dead", "provider-1"})
	m := testManifest(2)

	outcomes := c.PublishEntry(context.Background(), &wire.PublishRequest{
		ContentHash:      m.ContentHash,
		FileName:         m.FileName,
		Keywords:         m.Keywords,
		Size:             m.Size,
		ChunkCount:       m.ChunkCount(),
		PublisherAddress: "seeder-a",
		TTL:              3600,
	})
	require.Len(t, outcomes, 2)
	assert.Error(t, outcomes[0].Err)
	assert.NoError(t, outcomes[1].Err)

	// The aggregate publish succeeds on one acknowledgement.
	assert.NoError(t, c.Publish(context.Background(), m, 3600))
}

func TestPublishFailsWhenAllProvidersDown(t *testing.T) {
	t.Parallel()
	net := mocknet.New(newLogBackend(t))

	c := newClient(t, net, "seeder-a", []transport.Address{"gone-1", "gone-2"})
	err := c.Publish(context.Background(), testManifest(3), 3600)
	assert.ErrorIs(t, err, ErrAllProvidersFailed)
}

func TestSearchToleratesOneProviderDown(t *testing.T) {
	t.Parallel()
	net := mocknet.New(newLogBackend(t))
	startProvider(t, net, "provider-1")

	m := testManifest(4)
	pub := newClient(t, net, "seeder-a", []transport.Address{"provider-1"})
	require.NoError(t, pub.Publish(context.Background(), m, 3600))

	c := newClient(t, net, "searcher", []transport.Address{"provider-1", "provider-dead"})
	results, err := c.Search(context.Background(), "report", 10)
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestPublishRejectionSurfaced(t *testing.T) {
	t.Parallel()
	net := mocknet.New(newLogBackend(t))
	startProvider(t, net, "provider-1")

	c := newClient(t, net, "seeder-a", []transport.Address{"provider-1"})
	outcomes := c.PublishEntry(context.Background(), &wire.PublishRequest{
		ContentHash:      chunk.Sum([]byte("bad")),
		FileName:         "bad.bin",
		Keywords:         []string{"bad"},
		Size:             1, // impossible for 3 chunks
		ChunkCount:       3,
		PublisherAddress: "seeder-a",
		TTL:              3600,
	})
	require.Len(t, outcomes, 1)
	var rerr *RemoteError
	require.ErrorAs(t, outcomes[0].Err, &rerr)
	assert.Equal(t, wire.CodeMalformed, rerr.Code)
}

func TestVersionMismatchSurfacedUnchanged(t *testing.T) {
	t.Parallel()
	net := mocknet.New(newLogBackend(t))
	startProvider(t, net, "provider-1")

	c := newClient(t, net, "searcher", []transport.Address{"provider-1"})

	// A client speaking a future protocol version gets the provider's
	// supported version back and surfaces it untouched.
	env := wire.NewEnvelope(nextRequestID())
	env.Version = 2
	env.SearchRequest = &wire.SearchRequest{Query: "anything", MaxResults: 1}
	resp, err := c.roundTrip(context.Background(), "provider-1", env)
	require.NoError(t, err)

	er, ok := resp.Body().(*wire.ErrorResponse)
	require.True(t, ok)
	assert.Equal(t, wire.CodeVersionMismatch, er.Code)
	require.NotNil(t, er.SupportedVersion)
	assert.Equal(t, wire.CurrentVersion, *er.SupportedVersion)
}
