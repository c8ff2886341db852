// SPDX-FileCopyrightText: © 2025 Brisby authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package wire implements the versioned CBOR envelope that frames every
// on-wire payload.
package wire

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/newtgeyser/brisby/chunk"
	"github.com/newtgeyser/brisby/transport"
)

// CurrentVersion is the protocol version this node speaks.
const CurrentVersion uint8 = 1

// Stable error codes carried by ErrorResponse.
const (
	CodeVersionMismatch uint32 = 1
	CodeMalformed       uint32 = 2
	CodeNotServing      uint32 = 3
	CodeInternal        uint32 = 4
	CodeRateLimited     uint32 = 5
	CodeTooLarge        uint32 = 6
)

// SearchRequest asks an index provider for ranked matches.
type SearchRequest struct {
	Query      string `cbor:"query"`
	MaxResults uint32 `cbor:"max_results"`
}

// SearchResult is one ranked match from an index provider.
type SearchResult struct {
	ContentHash chunk.Hash          `cbor:"content_hash"`
	FileName    string              `cbor:"filename"`
	Size        uint64              `cbor:"size"`
	ChunkCount  uint32              `cbor:"chunk_count"`
	Seeders     []transport.Address `cbor:"seeders"`
	Score       float32             `cbor:"score"`
}

// SearchResponse carries the provider's matches.
type SearchResponse struct {
	Results []SearchResult `cbor:"results"`
}

// PublishRequest announces a file to an index provider.
type PublishRequest struct {
	ContentHash      chunk.Hash        `cbor:"content_hash"`
	FileName         string            `cbor:"filename"`
	Keywords         []string          `cbor:"keywords"`
	Size             uint64            `cbor:"size"`
	ChunkCount       uint32            `cbor:"chunk_count"`
	PublisherAddress transport.Address `cbor:"publisher_address"`
	TTL              uint32            `cbor:"ttl"`
}

// PublishResponse acknowledges (or rejects) a publication.
type PublishResponse struct {
	Ok    bool   `cbor:"ok"`
	Error string `cbor:"error,omitempty"`
}

// ChunkRequest asks a seeder for one chunk of a file. The reply token
// is carried by the transport, not the envelope.
type ChunkRequest struct {
	ContentHash chunk.Hash `cbor:"content_hash"`
	ChunkIndex  uint32     `cbor:"chunk_index"`
}

// ChunkResponse carries chunk bytes along with the hash the seeder
// claims for them; the receiver verifies both.
type ChunkResponse struct {
	ContentHash chunk.Hash `cbor:"content_hash"`
	ChunkIndex  uint32     `cbor:"chunk_index"`
	Data        []byte     `cbor:"data"`
	ChunkHash   chunk.Hash `cbor:"chunk_hash"`
}

// PingRequest probes a peer for liveness.
type PingRequest struct{}

// PingResponse is the answer to a PingRequest.
type PingResponse struct {
	Address transport.Address `cbor:"address"`
}

// ErrorResponse reports a protocol-level failure.
type ErrorResponse struct {
	Code             uint32 `cbor:"code"`
	Message          string `cbor:"message"`
	SupportedVersion *uint8 `cbor:"supported_version,omitempty"`
}

// Envelope frames every on-wire payload. Exactly one body field is set;
// unknown body variants from newer peers decode to an envelope with no
// body set and are ignored by handlers.
type Envelope struct {
	Version   uint8  `cbor:"version"`
	RequestID uint64 `cbor:"request_id"`

	SearchRequest   *SearchRequest   `cbor:"search_request,omitempty"`
	SearchResponse  *SearchResponse  `cbor:"search_response,omitempty"`
	PublishRequest  *PublishRequest  `cbor:"publish_request,omitempty"`
	PublishResponse *PublishResponse `cbor:"publish_response,omitempty"`
	ChunkRequest    *ChunkRequest    `cbor:"chunk_request,omitempty"`
	ChunkResponse   *ChunkResponse   `cbor:"chunk_response,omitempty"`
	PingRequest     *PingRequest     `cbor:"ping_request,omitempty"`
	PingResponse    *PingResponse    `cbor:"ping_response,omitempty"`
	ErrorResponse   *ErrorResponse   `cbor:"error_response,omitempty"`
}

// Body returns the set body variant, or nil for an empty or unknown
// body.
func (e *Envelope) Body() interface{} {
	switch {
	case e.SearchRequest != nil:
		return e.SearchRequest
	case e.SearchResponse != nil:
		return e.SearchResponse
	case e.PublishRequest != nil:
		return e.PublishRequest
	case e.PublishResponse != nil:
		return e.PublishResponse
	case e.ChunkRequest != nil:
		return e.ChunkRequest
	case e.ChunkResponse != nil:
		return e.ChunkResponse
	case e.PingRequest != nil:
		return e.PingRequest
	case e.PingResponse != nil:
		return e.PingResponse
	case e.ErrorResponse != nil:
		return e.ErrorResponse
	default:
		return nil
	}
}

// VersionError is returned by Decode when the peer speaks another
// protocol version.
type VersionError struct {
	Got       uint8
	Supported uint8
}

func (e *VersionError) Error() string {
	return fmt.Sprintf("wire: version mismatch: got %d, supported %d", e.Got, e.Supported)
}

// Marshal encodes the envelope.
func (e *Envelope) Marshal() ([]byte, error) {
	return cbor.Marshal(e)
}

// Decode parses an envelope and enforces the version policy: any
// version other than CurrentVersion is rejected with a *VersionError.
// The decoded envelope is still returned alongside the error so the
// handler can echo the requester's request id in its ErrorResponse.
func Decode(b []byte) (*Envelope, error) {
	e := new(Envelope)
	if err := cbor.Unmarshal(b, e); err != nil {
		return nil, fmt.Errorf("wire: malformed envelope: %w", err)
	}
	if e.Version != CurrentVersion {
		return e, &VersionError{Got: e.Version, Supported: CurrentVersion}
	}
	return e, nil
}

// NewEnvelope returns an envelope stamped with the current version.
func NewEnvelope(requestID uint64) *Envelope {
	return &Envelope{
		Version:   CurrentVersion,
		RequestID: requestID,
	}
}

// NewError builds an ErrorResponse envelope.
func NewError(requestID uint64, code uint32, message string) *Envelope {
	e := NewEnvelope(requestID)
	e.ErrorResponse = &ErrorResponse{Code: code, Message: message}
	return e
}

// NewVersionMismatch builds the ErrorResponse sent to peers speaking
// another version.
func NewVersionMismatch(requestID uint64) *Envelope {
	supported := CurrentVersion
	e := NewEnvelope(requestID)
	e.ErrorResponse = &ErrorResponse{
		Code:             CodeVersionMismatch,
		Message:          "unsupported protocol version",
		SupportedVersion: &supported,
	}
	return e
}
