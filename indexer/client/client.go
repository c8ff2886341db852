// SPDX-FileCopyrightText: © 2025 Brisby authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package client implements the index client: it publishes to several
// index providers in parallel and merges their search results.
package client

import (
	"context"
	cryptorand "crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/newtgeyser/brisby/chunk"
	"github.com/newtgeyser/brisby/core/log"
	"github.com/newtgeyser/brisby/transport"
	"github.com/newtgeyser/brisby/wire"
)

const (
	// DefaultTimeout is the per-provider reply timeout.
	DefaultTimeout = 30 * time.Second

	// DefaultSearchDeadline bounds a whole fan-out search.
	DefaultSearchDeadline = 45 * time.Second
)

var (
	// ErrNoProviders is returned when the client has no providers
	// configured.
	ErrNoProviders = errors.New("indexclient: no providers configured")

	// ErrAllProvidersFailed is returned when no provider answered.
	ErrAllProvidersFailed = errors.New("indexclient: all providers failed")
)

var requestIDCtr = func() *uint64 {
	var b [8]byte
	if _, err := cryptorand.Read(b[:]); err != nil {
		panic(err)
	}
	ctr := binary.LittleEndian.Uint64(b[:])
	return &ctr
}()

func nextRequestID() uint64 {
	return atomic.AddUint64(requestIDCtr, 1)
}

// Config bundles the client's dependencies.
type Config struct {
	Transport  transport.Transport
	LogBackend *log.Backend

	// Providers are the index provider addresses to fan out to.
	Providers []transport.Address

	// Timeout and SearchDeadline default when zero.
	Timeout        time.Duration
	SearchDeadline time.Duration
}

// Client talks to the configured index providers.
type Client struct {
	cfg Config
	log *logging.Logger
}

// New constructs a Client.
func New(cfg Config) (*Client, error) {
	if cfg.Transport == nil {
		return nil, errors.New("indexclient: transport is required")
	}
	if len(cfg.Providers) == 0 {
		return nil, ErrNoProviders
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.SearchDeadline == 0 {
		cfg.SearchDeadline = DefaultSearchDeadline
	}
	return &Client{
		cfg: cfg,
		log: cfg.LogBackend.GetLogger("indexclient"),
	}, nil
}

// Outcome is the per-provider result of a publish fan-out.
type Outcome struct {
	Provider transport.Address
	Err      error
}

// Publish announces the manifest to every provider in parallel. It
// satisfies the seeder's Publisher interface. It waits for every
// provider's outcome and succeeds if at least one acknowledged.
func (c *Client) Publish(ctx context.Context, m *chunk.Manifest, ttl uint32) error {
	outcomes := c.PublishEntry(ctx, &wire.PublishRequest{
		ContentHash:      m.ContentHash,
		FileName:         m.FileName,
		Keywords:         m.Keywords,
		Size:             m.Size,
		ChunkCount:       m.ChunkCount(),
		PublisherAddress: c.cfg.Transport.LocalAddress(),
		TTL:              ttl,
	})
	for _, o := range outcomes {
		if o.Err == nil {
			return nil
		}
	}
	return fmt.Errorf("%w: %v", ErrAllProvidersFailed, outcomes[0].Err)
}

// PublishEntry sends the publication to every provider and reports the
// per-provider outcomes.
func (c *Client) PublishEntry(ctx context.Context, req *wire.PublishRequest) []Outcome {
	outcomes := make([]Outcome, len(c.cfg.Providers))
	var wg sync.WaitGroup
	for i, provider := range c.cfg.Providers {
		wg.Add(1)
		go func(i int, provider transport.Address) {
			defer wg.Done()
			outcomes[i] = Outcome{
				Provider: provider,
				Err:      c.publishOne(ctx, provider, req),
			}
		}(i, provider)
	}
	wg.Wait()
	return outcomes
}

func (c *Client) publishOne(ctx context.Context, provider transport.Address, req *wire.PublishRequest) error {
	requestID := nextRequestID()
	env := wire.NewEnvelope(requestID)
	env.PublishRequest = req
	resp, err := c.roundTrip(ctx, provider, env)
	if err != nil {
		return err
	}
	switch body := resp.Body().(type) {
	case *wire.PublishResponse:
		if !body.Ok {
			return fmt.Errorf("indexclient: provider %s rejected publication: %s", provider, body.Error)
		}
		c.log.Debugf("published to %s", provider)
		return nil
	case *wire.ErrorResponse:
		return remoteError(provider, body)
	default:
		return fmt.Errorf("indexclient: unexpected response body %T from %s", body, provider)
	}
}

// Search fans the query out to every provider under one global
// deadline, then merges: entries are deduplicated on content hash with
// their seeder sets unioned and the best score kept.
func (c *Client) Search(ctx context.Context, query string, maxResults uint32) ([]wire.SearchResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.SearchDeadline)
	defer cancel()

	type providerResult struct {
		results []wire.SearchResult
		err     error
	}
	resCh := make(chan providerResult, len(c.cfg.Providers))
	for _, provider := range c.cfg.Providers {
		go func(provider transport.Address) {
			results, err := c.searchOne(ctx, provider, query, maxResults)
			if err != nil {
				c.log.Warningf("search via %s: %v", provider, err)
			}
			resCh <- providerResult{results: results, err: err}
		}(provider)
	}

	merged := make(map[chunk.Hash]*wire.SearchResult)
	var order []chunk.Hash
	answered := 0
	var lastErr error
	for range c.cfg.Providers {
		pr := <-resCh
		if pr.err != nil {
			lastErr = pr.err
			continue
		}
		answered++
		for _, r := range pr.results {
			have, ok := merged[r.ContentHash]
			if !ok {
				cp := r
				merged[r.ContentHash] = &cp
				order = append(order, r.ContentHash)
				continue
			}
			have.Seeders = unionSeeders(have.Seeders, r.Seeders)
			if r.Score > have.Score {
				have.Score = r.Score
			}
		}
	}
	if answered == 0 {
		if lastErr != nil {
			return nil, fmt.Errorf("%w: %v", ErrAllProvidersFailed, lastErr)
		}
		return nil, ErrAllProvidersFailed
	}

	out := make([]wire.SearchResult, 0, len(order))
	for _, h := range order {
		out = append(out, *merged[h])
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return len(out[i].Seeders) > len(out[j].Seeders)
	})
	if maxResults > 0 && uint32(len(out)) > maxResults {
		out = out[:maxResults]
	}
	return out, nil
}

func (c *Client) searchOne(ctx context.Context, provider transport.Address, query string, maxResults uint32) ([]wire.SearchResult, error) {
	requestID := nextRequestID()
	env := wire.NewEnvelope(requestID)
	env.SearchRequest = &wire.SearchRequest{Query: query, MaxResults: maxResults}
	resp, err := c.roundTrip(ctx, provider, env)
	if err != nil {
		return nil, err
	}
	switch body := resp.Body().(type) {
	case *wire.SearchResponse:
		return body.Results, nil
	case *wire.ErrorResponse:
		return nil, remoteError(provider, body)
	default:
		return nil, fmt.Errorf("indexclient: unexpected response body %T from %s", body, provider)
	}
}

func (c *Client) roundTrip(ctx context.Context, provider transport.Address, env *wire.Envelope) (*wire.Envelope, error) {
	blob, err := env.Marshal()
	if err != nil {
		return nil, err
	}
	reply, err := c.cfg.Transport.SendWithReply(ctx, provider, blob, c.cfg.Timeout)
	if err != nil {
		return nil, err
	}
	resp, err := wire.Decode(reply)
	if err != nil {
		return nil, err
	}
	if resp.RequestID != env.RequestID {
		return nil, fmt.Errorf("indexclient: request id mismatch from %s", provider)
	}
	return resp, nil
}

// RemoteError is a provider-reported protocol error, surfaced to the
// caller unchanged.
type RemoteError struct {
	Provider         transport.Address
	Code             uint32
	Message          string
	SupportedVersion *uint8
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("indexclient: provider %s error %d: %s", e.Provider, e.Code, e.Message)
}

func remoteError(provider transport.Address, body *wire.ErrorResponse) error {
	return &RemoteError{
		Provider:         provider,
		Code:             body.Code,
		Message:          body.Message,
		SupportedVersion: body.SupportedVersion,
	}
}

func unionSeeders(a, b []transport.Address) []transport.Address {
	seen := make(map[transport.Address]bool, len(a)+len(b))
	out := make([]transport.Address, 0, len(a)+len(b))
	for _, s := range a {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	for _, s := range b {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
