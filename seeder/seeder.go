// SPDX-FileCopyrightText: © 2025 Brisby authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package seeder implements the engine that serves chunk requests from
// the local store and keeps the node's publications fresh.
package seeder

import (
	"context"
	"errors"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/newtgeyser/brisby/chunk"
	"github.com/newtgeyser/brisby/core/log"
	"github.com/newtgeyser/brisby/core/worker"
	"github.com/newtgeyser/brisby/internal/instrument"
	"github.com/newtgeyser/brisby/store"
	"github.com/newtgeyser/brisby/transport"
	"github.com/newtgeyser/brisby/wire"
)

const (
	// DefaultMaxInflight bounds concurrent responses globally; excess
	// requests are dropped.
	DefaultMaxInflight = 64

	// DefaultMaxInflightPerPeer bounds concurrent responses sharing one
	// reply-token id prefix. The peer identity is not known; the prefix
	// is a best-effort proxy (see peerKey).
	DefaultMaxInflightPerPeer = 4

	// DefaultTTL is the publication lifetime requested on publish.
	DefaultTTL = 24 * 60 * 60
)

// Publisher announces manifests to index providers. The index client
// satisfies this interface.
type Publisher interface {
	Publish(ctx context.Context, m *chunk.Manifest, ttl uint32) error
}

// Config bundles the seeder's dependencies.
type Config struct {
	Store     *store.Store
	Library   *store.ManifestLibrary
	Transport transport.Transport

	// Publisher is optional; when set the seeder publishes its library
	// on startup and republishes every TTL/2 seconds.
	Publisher Publisher

	LogBackend *log.Backend

	// TTL in seconds for publications; DefaultTTL when zero.
	TTL uint32

	// MaxInflight and MaxInflightPerPeer default when zero.
	MaxInflight        int
	MaxInflightPerPeer int
}

// Seeder serves chunk requests. It is stateless across requests apart
// from the rate-limit accounting.
type Seeder struct {
	worker.Worker

	cfg Config
	log *logging.Logger

	inflight chan struct{}

	peerMu  sync.Mutex
	perPeer map[uint64]int
	peerCap int
}

// New constructs a Seeder. Call Start to begin serving.
func New(cfg Config) (*Seeder, error) {
	if cfg.Store == nil || cfg.Library == nil || cfg.Transport == nil {
		return nil, errors.New("seeder: store, library and transport are required")
	}
	if cfg.TTL == 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.MaxInflight == 0 {
		cfg.MaxInflight = DefaultMaxInflight
	}
	if cfg.MaxInflightPerPeer == 0 {
		cfg.MaxInflightPerPeer = DefaultMaxInflightPerPeer
	}
	return &Seeder{
		cfg:      cfg,
		log:      cfg.LogBackend.GetLogger("seeder"),
		inflight: make(chan struct{}, cfg.MaxInflight),
		perPeer:  make(map[uint64]int),
		peerCap:  cfg.MaxInflightPerPeer,
	}, nil
}

// Start launches the serve loop and, when a Publisher is configured,
// the republish loop.
func (s *Seeder) Start() {
	ctx := s.HaltContext()
	s.Go(func() { s.serveWorker(ctx) })
	if s.cfg.Publisher != nil {
		s.Go(func() { s.publishAll(ctx) })
		// Republish at half the TTL so entries never lapse at the
		// providers.
		interval := time.Duration(s.cfg.TTL) * time.Second / 2
		s.Periodic(interval, func() { s.publishAll(ctx) })
	}
}

func (s *Seeder) serveWorker(ctx context.Context) {
	for {
		msg, err := s.cfg.Transport.Recv(ctx)
		if err != nil {
			return
		}
		// Without a reply token a response reaches no one.
		if msg.ReplyToken == nil {
			continue
		}
		if !s.admit(msg) {
			instrument.RequestsDropped.Inc()
			continue
		}
		go func(msg *transport.Message) {
			defer s.release(msg)
			s.onMessage(msg)
		}(msg)
	}
}

// peerKey approximates the requester identity by the high bits of the
// reply token id. The transport mints that id, so how well the prefix
// separates requesters depends on the transport's token allocation.
// DoS resistant only in aggregate.
func peerKey(msg *transport.Message) uint64 {
	return msg.ReplyToken.ID() >> 16
}

func (s *Seeder) admit(msg *transport.Message) bool {
	select {
	case s.inflight <- struct{}{}:
	default:
		return false
	}
	key := peerKey(msg)
	s.peerMu.Lock()
	defer s.peerMu.Unlock()
	if s.perPeer[key] >= s.peerCap {
		<-s.inflight
		return false
	}
	s.perPeer[key]++
	return true
}

func (s *Seeder) release(msg *transport.Message) {
	key := peerKey(msg)
	s.peerMu.Lock()
	s.perPeer[key]--
	if s.perPeer[key] <= 0 {
		delete(s.perPeer, key)
	}
	s.peerMu.Unlock()
	<-s.inflight
}

func (s *Seeder) onMessage(msg *transport.Message) {
	env, err := wire.Decode(msg.Payload)
	if err != nil {
		var verr *wire.VersionError
		if errors.As(err, &verr) {
			s.log.Debugf("rejecting version %d envelope", verr.Got)
			s.reply(msg.ReplyToken, wire.NewVersionMismatch(env.RequestID))
			return
		}
		s.log.Debugf("malformed envelope: %v", err)
		s.reply(msg.ReplyToken, wire.NewError(0, wire.CodeMalformed, "malformed envelope"))
		return
	}

	switch body := env.Body().(type) {
	case *wire.ChunkRequest:
		s.reply(msg.ReplyToken, s.handleChunkRequest(env.RequestID, body))
	case *wire.PingRequest:
		resp := wire.NewEnvelope(env.RequestID)
		resp.PingResponse = &wire.PingResponse{Address: s.cfg.Transport.LocalAddress()}
		s.reply(msg.ReplyToken, resp)
	case nil:
		// Unknown body variant from a newer peer; forward compatible.
		s.log.Debugf("ignoring envelope with unknown body, request id %d", env.RequestID)
	default:
		s.log.Debugf("ignoring unexpected body %T, request id %d", body, env.RequestID)
	}
}

func (s *Seeder) handleChunkRequest(requestID uint64, req *wire.ChunkRequest) *wire.Envelope {
	m, err := s.cfg.Library.Get(req.ContentHash)
	if err != nil {
		return wire.NewError(requestID, wire.CodeNotServing, "not serving this file")
	}
	if req.ChunkIndex >= m.ChunkCount() {
		return wire.NewError(requestID, wire.CodeNotServing, "chunk index out of range")
	}
	ref := m.Chunks[req.ChunkIndex]
	data, err := s.cfg.Store.Get(ref.Hash)
	if err != nil {
		s.log.Errorf("reading chunk %d of %s: %v", req.ChunkIndex, req.ContentHash, err)
		return wire.NewError(requestID, wire.CodeInternal, "chunk read failure")
	}
	instrument.ChunksServed.Inc()
	resp := wire.NewEnvelope(requestID)
	resp.ChunkResponse = &wire.ChunkResponse{
		ContentHash: req.ContentHash,
		ChunkIndex:  req.ChunkIndex,
		Data:        data,
		ChunkHash:   ref.Hash,
	}
	return resp
}

func (s *Seeder) reply(token *transport.ReplyToken, env *wire.Envelope) {
	blob, err := env.Marshal()
	if err != nil {
		s.log.Errorf("marshaling response: %v", err)
		return
	}
	if err := s.cfg.Transport.Reply(token, blob); err != nil {
		s.log.Warningf("sending response: %v", err)
	}
}

func (s *Seeder) publishAll(ctx context.Context) {
	manifests, err := s.cfg.Library.List()
	if err != nil {
		s.log.Errorf("listing manifests: %v", err)
		return
	}
	for _, m := range manifests {
		if err := s.cfg.Publisher.Publish(ctx, m, s.cfg.TTL); err != nil {
			s.log.Warningf("publishing %s: %v", m.ContentHash, err)
		}
	}
}
