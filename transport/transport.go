// SPDX-FileCopyrightText: © 2025 Brisby authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package transport defines the capability interface the core consumes
// from an anonymizing mixnet. A concrete mixnet adapter and the
// in-process mock in transport/mocknet both satisfy it; the
// implementation is wired at construction time.
package transport

import (
	"context"
	"errors"
	"time"
)

// Address is a node's stable anonymous receive address. It carries no
// routing information a peer could use to deanonymize the node; only
// the transport knows how to reach it.
type Address string

// ReplyToken is an opaque single-use handle supplied with an inbound
// request. It lets the receiver answer without learning the requester's
// address. Only the transport constructs reply tokens; the first
// response through a token consumes it and later uses are discarded.
type ReplyToken struct {
	id  uint64
	net interface{}
}

// NewReplyToken is used by transport implementations to mint tokens.
// Application code never calls this.
func NewReplyToken(id uint64, net interface{}) *ReplyToken {
	return &ReplyToken{id: id, net: net}
}

// ID returns the token's opaque identifier. Implementations use it to
// correlate the reply with the pending request; applications may use a
// prefix of it as a best-effort requester identity for rate limiting.
func (t *ReplyToken) ID() uint64 {
	return t.id
}

// Network returns the implementation-private handle the token was
// minted with.
func (t *ReplyToken) Network() interface{} {
	return t.net
}

// Message is an inbound message. ReplyToken is nil for one-way sends;
// when present the handler must use it to respond, since responding any
// other way reaches no one.
type Message struct {
	Payload    []byte
	ReplyToken *ReplyToken
}

// Errors surfaced by transport implementations. The transport is
// unreliable, unordered, and high latency; only a reply timeout
// distinguishes loss from slowness.
var (
	ErrTimeout        = errors.New("transport: reply timeout")
	ErrConnectionLost = errors.New("transport: connection lost")
	ErrEncoding       = errors.New("transport: encoding failure")
	ErrUnroutable     = errors.New("transport: destination unroutable")
	ErrHalted         = errors.New("transport: halted")
)

// Transport is the anonymous request/response fabric.
//
// Guarantees the core relies on: a peer answering SendWithReply cannot
// learn the sender's address; reply tokens are single use; delivery is
// best effort with possible duplication and no ordering between calls.
type Transport interface {
	// LocalAddress returns the node's anonymous receive address.
	LocalAddress() Address

	// SendWithReply sends payload anonymously toward dest along with a
	// fresh single-use reply token, then blocks until the matching
	// reply arrives, the timeout expires (ErrTimeout), or ctx is
	// cancelled.
	SendWithReply(ctx context.Context, dest Address, payload []byte, timeout time.Duration) ([]byte, error)

	// SendOneway is unreliable fire-and-forget.
	SendOneway(dest Address, payload []byte) error

	// Reply answers an inbound message through its reply token. A
	// token that was already used is silently discarded.
	Reply(token *ReplyToken, payload []byte) error

	// Recv blocks for the next inbound message.
	Recv(ctx context.Context) (*Message, error)
}
