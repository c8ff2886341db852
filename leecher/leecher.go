// SPDX-FileCopyrightText: © 2025 Brisby authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package leecher implements the download engine: many concurrent chunk
// requests over a slow, lossy transport, with per-chunk verification,
// retry, seeder reputation and automatic resume.
package leecher

import (
	"context"
	cryptorand "crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/newtgeyser/brisby/chunk"
	"github.com/newtgeyser/brisby/core/log"
	"github.com/newtgeyser/brisby/core/queue"
	"github.com/newtgeyser/brisby/internal/instrument"
	"github.com/newtgeyser/brisby/store"
	"github.com/newtgeyser/brisby/transport"
	"github.com/newtgeyser/brisby/wire"
)

const (
	// DefaultConcurrency bounds the number of in-flight chunk requests.
	DefaultConcurrency = 64

	// DefaultTimeout is the per-chunk reply timeout.
	DefaultTimeout = 30 * time.Second

	// DefaultAttempts is the maximum number of attempts per chunk.
	DefaultAttempts = 5

	// DefaultBanThreshold is the consecutive-failure count that bans a
	// seeder.
	DefaultBanThreshold = 3
)

var (
	// ErrExhaustedRetries is returned when a chunk failed on every
	// allowed attempt.
	ErrExhaustedRetries = errors.New("leecher: exhausted retries")

	// ErrCorruptReassembly is returned when the reassembled file does
	// not hash to the manifest content hash.
	ErrCorruptReassembly = errors.New("leecher: corrupt reassembly")

	// ErrNoSeeders is returned when no candidate seeders are known.
	ErrNoSeeders = errors.New("leecher: no candidate seeders")
)

// requestIDCtr is seeded from system randomness so request-id prefixes
// do not collide across sessions.
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

// PeerDirectory is an optional source of additional seeders for a
// content hash, e.g. the experimental DHT. The engine consults it once
// at download start.
type PeerDirectory interface {
	Seeders(h chunk.Hash) []transport.Address
}

// Config bundles the engine's dependencies.
type Config struct {
	Store      *store.Store
	Transport  transport.Transport
	LogBackend *log.Backend

	// Directory is optional extra seeder discovery.
	Directory PeerDirectory

	// Concurrency, Timeout, Attempts and BanThreshold default when
	// zero.
	Concurrency  int
	Timeout      time.Duration
	Attempts     int
	BanThreshold int

	// Rand is the selection randomness source; tests inject a seeded
	// one for reproducible schedules.
	Rand *rand.Rand
}

// Leecher drives downloads. It is safe to run multiple downloads from
// one Leecher concurrently; each Fetch owns its own state.
type Leecher struct {
	cfg Config
	log *logging.Logger

	// randMu guards cfg.Rand, which concurrent downloads share.
	randMu sync.Mutex
}

// New constructs a Leecher.
func New(cfg Config) (*Leecher, error) {
	if cfg.Store == nil || cfg.Transport == nil {
		return nil, errors.New("leecher: store and transport are required")
	}
	if cfg.Concurrency == 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Attempts == 0 {
		cfg.Attempts = DefaultAttempts
	}
	if cfg.BanThreshold == 0 {
		cfg.BanThreshold = DefaultBanThreshold
	}
	if cfg.Rand == nil {
		var b [8]byte
		if _, err := cryptorand.Read(b[:]); err != nil {
			return nil, err
		}
		cfg.Rand = rand.New(rand.NewSource(int64(binary.LittleEndian.Uint64(b[:]))))
	}
	return &Leecher{
		cfg: cfg,
		log: cfg.LogBackend.GetLogger("leecher"),
	}, nil
}

// seederStats is the per-seeder reputation the scheduler selects on.
type seederStats struct {
	addr        transport.Address
	successes   int
	failures    int
	consecutive int
	banned      bool
	lastUsed    uint64
	joined      int
}

func (s *seederStats) weight() float64 {
	return float64(s.successes+1) / float64(s.failures+1)
}

// fetchResult is a completion event delivered to the scheduler loop.
type fetchResult struct {
	index  uint32
	seeder transport.Address
	data   []byte
	err    error
}

// download is the state owned by a single Fetch call. All mutation
// happens on the scheduler goroutine; fetch goroutines only send
// completion events.
type download struct {
	l *Leecher

	manifest *chunk.Manifest
	pending  *queue.PriorityQueue
	inflight map[uint32]transport.Address
	attempts map[uint32]int
	stats    map[transport.Address]*seederStats
	order    []transport.Address
	results  chan fetchResult
	useCtr   uint64
	needed   int
}

// Fetch downloads the file described by m from the candidate seeders
// into path. Chunks already in the store are not requested again, so a
// cancelled download resumes automatically. On cancellation partial
// chunks are kept.
func (l *Leecher) Fetch(ctx context.Context, m *chunk.Manifest, seeders []transport.Address, path string) error {
	if l.cfg.Directory != nil {
		seeders = append(append([]transport.Address(nil), seeders...), l.cfg.Directory.Seeders(m.ContentHash)...)
	}
	d := &download{
		l:        l,
		manifest: m,
		pending:  queue.New(),
		inflight: make(map[uint32]transport.Address),
		attempts: make(map[uint32]int),
		stats:    make(map[transport.Address]*seederStats),
		results:  make(chan fetchResult, l.cfg.Concurrency),
	}
	for _, s := range seeders {
		if _, ok := d.stats[s]; ok {
			continue
		}
		d.stats[s] = &seederStats{addr: s, joined: len(d.order)}
		d.order = append(d.order, s)
	}
	if len(d.stats) == 0 {
		return ErrNoSeeders
	}

	// Resume: a chunk already in the store is not needed.
	for _, ref := range m.Chunks {
		if !l.cfg.Store.Has(ref.Hash) {
			d.pending.Enqueue(uint64(ref.Index), ref.Index)
			d.needed++
		}
	}
	l.log.Noticef("fetching %s: %d of %d chunks needed", m.ContentHash, d.needed, len(m.Chunks))

	if d.needed > 0 {
		if err := d.run(ctx); err != nil {
			return err
		}
	}

	if err := chunk.Assemble(m, l.cfg.Store, path); err != nil {
		if errors.Is(err, chunk.ErrCorrupt) {
			return fmt.Errorf("%w: %s", ErrCorruptReassembly, m.ContentHash)
		}
		return err
	}
	l.log.Noticef("fetched %s into %s", m.ContentHash, path)
	return nil
}

// run is the scheduler loop: fill the in-flight window from the pending
// queue lowest index first, then wait for one completion event, updating
// reputation and retry state.
func (d *download) run(ctx context.Context) error {
	innerCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer wg.Wait()
	defer cancel()

	for d.needed > 0 {
		for len(d.inflight) < d.l.cfg.Concurrency && d.pending.Len() > 0 {
			// Cancellation is checked before every spawn.
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			index := d.pending.Dequeue().Value.(uint32)
			seeder := d.selectSeeder()
			d.attempts[index]++
			d.inflight[index] = seeder
			st := d.stats[seeder]
			d.useCtr++
			st.lastUsed = d.useCtr

			wg.Add(1)
			go func(index uint32, seeder transport.Address) {
				defer wg.Done()
				d.fetchChunk(innerCtx, index, seeder)
			}(index, seeder)
		}

		select {
		case <-ctx.Done():
			// Outstanding requests are abandoned; their reply tokens
			// die with innerCtx. Stored chunks stay for resume.
			return ctx.Err()
		case res := <-d.results:
			if err := d.onResult(res); err != nil {
				return err
			}
		}
	}
	return nil
}

// selectSeeder picks among non-banned seeders with probability
// proportional to (successes+1)/(failures+1), walking candidates in
// least-recently-used order. When every seeder is banned, the one with
// the fewest consecutive failures is unbanned to allow recovery.
func (d *download) selectSeeder() transport.Address {
	candidates := make([]*seederStats, 0, len(d.order))
	for _, addr := range d.order {
		if st := d.stats[addr]; !st.banned {
			candidates = append(candidates, st)
		}
	}
	if len(candidates) == 0 {
		var best *seederStats
		for _, addr := range d.order {
			st := d.stats[addr]
			if best == nil || st.consecutive < best.consecutive {
				best = st
			}
		}
		best.banned = false
		best.consecutive = 0
		d.l.log.Warningf("all seeders banned, unbanning %s", best.addr)
		candidates = append(candidates, best)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].lastUsed != candidates[j].lastUsed {
			return candidates[i].lastUsed < candidates[j].lastUsed
		}
		return candidates[i].joined < candidates[j].joined
	})

	total := 0.0
	for _, st := range candidates {
		total += st.weight()
	}
	d.l.randMu.Lock()
	r := d.l.cfg.Rand.Float64() * total
	d.l.randMu.Unlock()
	for _, st := range candidates {
		r -= st.weight()
		if r < 0 {
			return st.addr
		}
	}
	return candidates[len(candidates)-1].addr
}

// fetchChunk performs one attempt off the scheduler goroutine and
// reports the outcome as a completion event.
func (d *download) fetchChunk(ctx context.Context, index uint32, seeder transport.Address) {
	requestID := nextRequestID()
	env := wire.NewEnvelope(requestID)
	env.ChunkRequest = &wire.ChunkRequest{
		ContentHash: d.manifest.ContentHash,
		ChunkIndex:  index,
	}
	blob, err := env.Marshal()
	if err != nil {
		d.report(fetchResult{index: index, seeder: seeder, err: err})
		return
	}

	reply, err := d.l.cfg.Transport.SendWithReply(ctx, seeder, blob, d.l.cfg.Timeout)
	if err != nil {
		d.report(fetchResult{index: index, seeder: seeder, err: err})
		return
	}
	data, err := d.verifyReply(requestID, index, reply)
	d.report(fetchResult{index: index, seeder: seeder, data: data, err: err})
}

func (d *download) report(res fetchResult) {
	select {
	case d.results <- res:
	default:
		// The scheduler already returned; drop the event.
	}
}

// verifyReply checks everything about a chunk response: the envelope,
// the request-id echo, the addressed file and index, the seeder's
// claimed chunk hash against the manifest, and the data against the
// hash. A chunk whose bytes do not verify is never stored.
func (d *download) verifyReply(requestID uint64, index uint32, reply []byte) ([]byte, error) {
	env, err := wire.Decode(reply)
	if err != nil {
		return nil, err
	}
	if env.RequestID != requestID {
		return nil, fmt.Errorf("leecher: request id mismatch: %d != %d", env.RequestID, requestID)
	}
	switch body := env.Body().(type) {
	case *wire.ChunkResponse:
		if body.ContentHash != d.manifest.ContentHash {
			return nil, errors.New("leecher: response for wrong file")
		}
		if body.ChunkIndex != index {
			return nil, fmt.Errorf("leecher: response for wrong chunk %d", body.ChunkIndex)
		}
		want := d.manifest.Chunks[index].Hash
		if body.ChunkHash != want {
			return nil, fmt.Errorf("leecher: chunk %d hash mismatch", index)
		}
		if !chunk.VerifyChunk(want, body.Data) {
			return nil, fmt.Errorf("leecher: chunk %d bytes do not verify", index)
		}
		return body.Data, nil
	case *wire.ErrorResponse:
		return nil, fmt.Errorf("leecher: seeder error %d: %s", body.Code, body.Message)
	default:
		return nil, fmt.Errorf("leecher: unexpected response body %T", body)
	}
}

// onResult applies one completion event: reputation accounting, retry
// scheduling, ban handling.
func (d *download) onResult(res fetchResult) error {
	delete(d.inflight, res.index)
	st := d.stats[res.seeder]

	if res.err == nil {
		if err := d.l.cfg.Store.Put(d.manifest.Chunks[res.index].Hash, res.data); err != nil {
			return err
		}
		st.successes++
		st.consecutive = 0
		d.needed--
		instrument.ChunksFetched.Inc()
		return nil
	}

	st.failures++
	st.consecutive++
	if !st.banned && st.consecutive >= d.l.cfg.BanThreshold {
		st.banned = true
		instrument.SeedersBanned.Inc()
		d.l.log.Warningf("banning seeder %s after %d consecutive failures", st.addr, st.consecutive)
	}

	reason := "transport"
	if errors.Is(res.err, transport.ErrTimeout) {
		reason = "timeout"
	}
	d.l.log.Debugf("chunk %d attempt %d via %s failed: %v", res.index, d.attempts[res.index], res.seeder, res.err)
	instrument.ChunkRetries.WithLabelValues(reason).Inc()

	if d.attempts[res.index] >= d.l.cfg.Attempts {
		return fmt.Errorf("%w: chunk %d failed %d times, last error: %v",
			ErrExhaustedRetries, res.index, d.attempts[res.index], res.err)
	}
	d.pending.Enqueue(uint64(res.index), res.index)
	return nil
}
