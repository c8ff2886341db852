// SPDX-FileCopyrightText: © 2025 Brisby authors
// SPDX-License-Identifier: AGPL-3.0-only

package indexer

import (
	"context"
	"errors"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/newtgeyser/brisby/core/log"
	"github.com/newtgeyser/brisby/core/worker"
	"github.com/newtgeyser/brisby/internal/instrument"
	"github.com/newtgeyser/brisby/transport"
	"github.com/newtgeyser/brisby/wire"
)

const (
	defaultWriteQueueDepth = 256
	defaultPurgeInterval   = time.Minute
)

// ServiceConfig bundles the index provider's dependencies.
type ServiceConfig struct {
	Index      *Index
	Transport  transport.Transport
	LogBackend *log.Backend

	// WriteQueueDepth bounds the writer queue; publications beyond it
	// are dropped. Defaults when zero.
	WriteQueueDepth int

	// PurgeInterval is how often expired entries are removed. Defaults
	// to one minute.
	PurgeInterval time.Duration
}

type writeReq struct {
	entry *Entry
	errCh chan error
}

// Service answers publish and search requests over the transport. All
// writes funnel through a single writer goroutine; reads run
// concurrently against database snapshots.
type Service struct {
	worker.Worker

	cfg ServiceConfig
	log *logging.Logger

	writeCh chan *writeReq
}

// NewService constructs a Service. Call Start to begin serving.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Index == nil || cfg.Transport == nil {
		return nil, errors.New("indexer: index and transport are required")
	}
	if cfg.WriteQueueDepth == 0 {
		cfg.WriteQueueDepth = defaultWriteQueueDepth
	}
	if cfg.PurgeInterval == 0 {
		cfg.PurgeInterval = defaultPurgeInterval
	}
	return &Service{
		cfg:     cfg,
		log:     cfg.LogBackend.GetLogger("indexer"),
		writeCh: make(chan *writeReq, cfg.WriteQueueDepth),
	}, nil
}

// Start launches the serve, writer and purge loops.
func (s *Service) Start() {
	ctx := s.HaltContext()
	s.Go(func() { s.serveWorker(ctx) })
	s.Go(s.writeWorker)
	s.Periodic(s.cfg.PurgeInterval, s.purge)
}

func (s *Service) serveWorker(ctx context.Context) {
	for {
		msg, err := s.cfg.Transport.Recv(ctx)
		if err != nil {
			return
		}
		if msg.ReplyToken == nil {
			continue
		}
		go s.onMessage(msg)
	}
}

func (s *Service) onMessage(msg *transport.Message) {
	env, err := wire.Decode(msg.Payload)
	if err != nil {
		var verr *wire.VersionError
		if errors.As(err, &verr) {
			s.reply(msg.ReplyToken, wire.NewVersionMismatch(env.RequestID))
			return
		}
		s.reply(msg.ReplyToken, wire.NewError(0, wire.CodeMalformed, "malformed envelope"))
		return
	}

	switch body := env.Body().(type) {
	case *wire.PublishRequest:
		if resp := s.handlePublish(env.RequestID, body); resp != nil {
			s.reply(msg.ReplyToken, resp)
		}
	case *wire.SearchRequest:
		s.reply(msg.ReplyToken, s.handleSearch(env.RequestID, body))
	case *wire.PingRequest:
		resp := wire.NewEnvelope(env.RequestID)
		resp.PingResponse = &wire.PingResponse{Address: s.cfg.Transport.LocalAddress()}
		s.reply(msg.ReplyToken, resp)
	case nil:
		s.log.Debugf("ignoring envelope with unknown body, request id %d", env.RequestID)
	default:
		s.log.Debugf("ignoring unexpected body %T, request id %d", body, env.RequestID)
	}
}

// handlePublish validates and enqueues the publication for the writer.
// A nil return means the request was dropped under load, per the
// resource error policy, or that the service halted before the write
// completed.
func (s *Service) handlePublish(requestID uint64, req *wire.PublishRequest) *wire.Envelope {
	entry := &Entry{
		ContentHash: req.ContentHash,
		FileName:    req.FileName,
		Keywords:    req.Keywords,
		Size:        req.Size,
		ChunkCount:  req.ChunkCount,
		Publisher:   req.PublisherAddress,
		TTL:         req.TTL,
	}
	if err := entry.Validate(); err != nil {
		s.log.Debugf("rejecting publication of %s: %v", req.FileName, err)
		code := wire.CodeMalformed
		if errors.Is(err, ErrTooLarge) {
			code = wire.CodeTooLarge
		}
		return wire.NewError(requestID, code, err.Error())
	}

	w := &writeReq{entry: entry, errCh: make(chan error, 1)}
	select {
	case s.writeCh <- w:
	default:
		s.log.Warningf("writer queue full, dropping publication of %s", req.FileName)
		return nil
	}

	select {
	case err := <-w.errCh:
		resp := wire.NewEnvelope(requestID)
		if err != nil {
			s.log.Errorf("storing publication: %v", err)
			resp.PublishResponse = &wire.PublishResponse{Ok: false, Error: err.Error()}
		} else {
			instrument.Publications.Inc()
			resp.PublishResponse = &wire.PublishResponse{Ok: true}
		}
		return resp
	case <-s.HaltCh():
		return nil
	}
}

func (s *Service) handleSearch(requestID uint64, req *wire.SearchRequest) *wire.Envelope {
	instrument.SearchQueries.Inc()
	results, err := s.cfg.Index.Search(req.Query, req.MaxResults)
	if err != nil {
		s.log.Errorf("search %q: %v", req.Query, err)
		return wire.NewError(requestID, wire.CodeInternal, "search failure")
	}
	s.log.Debugf("search %q: %d results", req.Query, len(results))
	resp := wire.NewEnvelope(requestID)
	resp.SearchResponse = &wire.SearchResponse{Results: results}
	return resp
}

func (s *Service) writeWorker() {
	for {
		select {
		case <-s.HaltCh():
			return
		case w := <-s.writeCh:
			w.errCh <- s.cfg.Index.Upsert(w.entry)
		}
	}
}

func (s *Service) purge() {
	removed, err := s.cfg.Index.Purge()
	if err != nil {
		s.log.Errorf("purge: %v", err)
		return
	}
	if removed > 0 {
		instrument.EntriesPurged.Add(float64(removed))
		s.log.Noticef("purged %d expired rows", removed)
	}
}

func (s *Service) reply(token *transport.ReplyToken, env *wire.Envelope) {
	blob, err := env.Marshal()
	if err != nil {
		s.log.Errorf("marshaling response: %v", err)
		return
	}
	if err := s.cfg.Transport.Reply(token, blob); err != nil {
		s.log.Warningf("sending response: %v", err)
	}
}
