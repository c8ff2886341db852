// SPDX-FileCopyrightText: © 2025 Brisby authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package mocknet is an in-process transport satisfying the same
// contract as a real mixnet adapter: anonymous request/response with
// single-use reply tokens, plus configurable latency and loss for
// exercising retry paths in tests.
package mocknet

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/newtgeyser/brisby/core/log"
	"github.com/newtgeyser/brisby/transport"
)

const inboxDepth = 1024

// LossFunc decides whether a delivery is dropped. from and to are the
// mock's internal knowledge; a real mixnet never exposes them.
type LossFunc func(from, to transport.Address, payload []byte) bool

type pendingReply struct {
	ch   chan []byte
	from transport.Address
}

// Network is a mock mixnet connecting any number of in-process nodes.
type Network struct {
	mu      sync.Mutex
	nodes   map[transport.Address]*Node
	pending map[uint64]*pendingReply

	latency time.Duration
	loss    LossFunc

	tokenCtr uint64
	log      *logging.Logger
}

// New creates an empty mock network.
func New(logBackend *log.Backend) *Network {
	return &Network{
		nodes:   make(map[transport.Address]*Node),
		pending: make(map[uint64]*pendingReply),
		log:     logBackend.GetLogger("mocknet"),
	}
}

// SetLatency sets the one-way delivery delay.
func (n *Network) SetLatency(d time.Duration) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.latency = d
}

// SetLoss installs a drop decision function, or nil for lossless
// delivery.
func (n *Network) SetLoss(fn LossFunc) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.loss = fn
}

// NewNode attaches a node with the given address to the network.
func (n *Network) NewNode(addr transport.Address) *Node {
	n.mu.Lock()
	defer n.mu.Unlock()
	node := &Node{
		net:   n,
		addr:  addr,
		inbox: make(chan *transport.Message, inboxDepth),
	}
	n.nodes[addr] = node
	return node
}

// deliver hands a message to dest's inbox after the configured latency,
// unless the loss function drops it. A full inbox also drops; the
// transport is best effort.
func (n *Network) deliver(from, to transport.Address, msg *transport.Message) error {
	n.mu.Lock()
	dest, ok := n.nodes[to]
	latency := n.latency
	loss := n.loss
	n.mu.Unlock()
	if !ok {
		return transport.ErrUnroutable
	}
	if loss != nil && loss(from, to, msg.Payload) {
		n.log.Debugf("dropping %d byte message toward %s", len(msg.Payload), to)
		return nil
	}
	if latency == 0 {
		dest.enqueue(msg)
		return nil
	}
	time.AfterFunc(latency, func() { dest.enqueue(msg) })
	return nil
}

// Node is one endpoint of the mock network.
type Node struct {
	net  *Network
	addr transport.Address

	inbox chan *transport.Message
}

var _ transport.Transport = (*Node)(nil)

func (m *Node) enqueue(msg *transport.Message) {
	select {
	case m.inbox <- msg:
	default:
		m.net.log.Warningf("%s: inbox full, dropping message", m.addr)
	}
}

// LocalAddress returns the node's address on the mock network.
func (m *Node) LocalAddress() transport.Address {
	return m.addr
}

// SendWithReply sends payload toward dest with a fresh reply token and
// blocks for the matching reply.
func (m *Node) SendWithReply(ctx context.Context, dest transport.Address, payload []byte, timeout time.Duration) ([]byte, error) {
	id := atomic.AddUint64(&m.net.tokenCtr, 1)
	p := &pendingReply{
		ch:   make(chan []byte, 1),
		from: m.addr,
	}
	m.net.mu.Lock()
	m.net.pending[id] = p
	m.net.mu.Unlock()

	msg := &transport.Message{
		Payload:    append([]byte(nil), payload...),
		ReplyToken: transport.NewReplyToken(id, m.net),
	}
	if err := m.net.deliver(m.addr, dest, msg); err != nil {
		m.discard(id)
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case reply := <-p.ch:
		return reply, nil
	case <-timer.C:
		m.discard(id)
		return nil, transport.ErrTimeout
	case <-ctx.Done():
		m.discard(id)
		return nil, ctx.Err()
	}
}

// discard forgets a pending reply token.
func (m *Node) discard(id uint64) {
	m.net.mu.Lock()
	delete(m.net.pending, id)
	m.net.mu.Unlock()
}

// SendOneway is fire-and-forget without a reply token.
func (m *Node) SendOneway(dest transport.Address, payload []byte) error {
	return m.net.deliver(m.addr, dest, &transport.Message{
		Payload: append([]byte(nil), payload...),
	})
}

// Reply answers through a reply token. The token is consumed by the
// first use; later uses and unknown tokens are silently discarded, as
// are replies whose requester already timed out.
func (m *Node) Reply(token *transport.ReplyToken, payload []byte) error {
	if token == nil || token.Network() != m.net {
		return nil
	}
	m.net.mu.Lock()
	p, ok := m.net.pending[token.ID()]
	delete(m.net.pending, token.ID())
	latency := m.net.latency
	loss := m.net.loss
	m.net.mu.Unlock()
	if !ok {
		return nil
	}
	if loss != nil && loss(m.addr, p.from, payload) {
		m.net.log.Debugf("dropping %d byte reply from %s", len(payload), m.addr)
		return nil
	}
	reply := append([]byte(nil), payload...)
	if latency == 0 {
		p.ch <- reply
		return nil
	}
	time.AfterFunc(latency, func() { p.ch <- reply })
	return nil
}

// Recv blocks for the next inbound message.
func (m *Node) Recv(ctx context.Context) (*transport.Message, error) {
	select {
	case msg := <-m.inbox:
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
