// Package p2p provides the downloader's view of the peer-to-peer layer:
// per-peer header/body clients, peer handles with reputation scores, and a
// session-scoped pool with pluggable selection. Connection management,
// discovery and transport encryption live in the network collaborator
// behind the Backend interface.
package p2p

import (
	"context"
	"errors"

	"github.com/calder-eth/calder/core/types"
)

// Client errors. These are the only failure kinds a request surfaces;
// callers classify them with errors.Is.
var (
	ErrTimeout          = errors.New("p2p: request timed out")
	ErrPeerDisconnected = errors.New("p2p: peer disconnected")
	ErrInvalidResponse  = errors.New("p2p: invalid response format")
)

// HeaderRequest describes a batch of headers to fetch: a starting block
// number, a count, and a direction.
type HeaderRequest struct {
	Origin  uint64 // first block number
	Amount  int    // number of headers requested
	Reverse bool   // walk toward lower numbers
}

// HeaderClient requests batches of headers. Implementations must be safe
// for concurrent use across logical requests.
type HeaderClient interface {
	RequestHeaders(ctx context.Context, req HeaderRequest) ([]*types.Header, error)
}

// BodyClient requests block bodies by header hash. Implementations must be
// safe for concurrent use across logical requests.
type BodyClient interface {
	RequestBodies(ctx context.Context, hashes []types.Hash) ([]*types.Body, error)
}

// Backend is the raw per-peer transport supplied by the network
// collaborator. Peer wraps it with response shape checks and fault
// accounting.
type Backend interface {
	RequestHeaders(ctx context.Context, req HeaderRequest) ([]*types.Header, error)
	RequestBodies(ctx context.Context, hashes []types.Hash) ([]*types.Body, error)
}

// BadPeerReporter receives peers whose score fell below the ban threshold.
// The network collaborator implements it to disconnect or blacklist.
type BadPeerReporter interface {
	ReportBadPeer(id string, reason string)
}
