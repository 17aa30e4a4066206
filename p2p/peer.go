package p2p

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/holiman/uint256"

	"github.com/calder-eth/calder/core/types"
)

// Cap is a peer capability bitmask.
type Cap uint8

const (
	CapHeaders Cap = 1 << iota // peer serves header requests
	CapBodies                  // peer serves body requests
)

// Fault classifies a misbehavior attributable to one peer's response.
type Fault int

const (
	FaultTimeout Fault = iota
	FaultDisconnect
	FaultInvalidResponse
	FaultBadHeader
	FaultBadBody
)

// String returns the fault name used in logs and bad-peer reports.
func (f Fault) String() string {
	switch f {
	case FaultTimeout:
		return "timeout"
	case FaultDisconnect:
		return "disconnect"
	case FaultInvalidResponse:
		return "invalid_response"
	case FaultBadHeader:
		return "bad_header"
	case FaultBadBody:
		return "bad_body"
	default:
		return fmt.Sprintf("fault(%d)", int(f))
	}
}

// faultDeltas maps fault kinds to score adjustments.
var faultDeltas = map[Fault]int64{
	FaultTimeout:         -15,
	FaultDisconnect:      -10,
	FaultInvalidResponse: -20,
	FaultBadHeader:       -25,
	FaultBadBody:         -25,
}

// Tip is a peer-announced chain head.
type Tip struct {
	Hash   types.Hash
	Number uint64
	TD     *uint256.Int // announced total difficulty, nil if unknown
}

// Peer is an opaque handle to one connected peer. It implements
// HeaderClient and BodyClient over the collaborator-supplied Backend,
// adding response shape checks and reputation side effects. The score is
// held in an atomic so concurrent fault reports never lose updates.
type Peer struct {
	id      string
	caps    Cap
	backend Backend

	score atomic.Int64

	tipMu sync.RWMutex
	tip   Tip

	// onFault is installed by the owning pool at registration time.
	onFault func(*Peer, Fault)
}

// NewPeer wraps a backend transport in a peer handle.
func NewPeer(id string, caps Cap, backend Backend) *Peer {
	p := &Peer{id: id, caps: caps, backend: backend}
	p.score.Store(initialScore)
	return p
}

// ID returns the peer's unique identifier.
func (p *Peer) ID() string { return p.id }

// Has reports whether the peer advertises the given capability.
func (p *Peer) Has(c Cap) bool { return p.caps&c == c }

// Score returns the peer's current reputation score.
func (p *Peer) Score() int64 { return p.score.Load() }

// SetTip records a peer-announced chain head.
func (p *Peer) SetTip(hash types.Hash, number uint64, td *uint256.Int) {
	p.tipMu.Lock()
	defer p.tipMu.Unlock()
	if number < p.tip.Number {
		return
	}
	p.tip = Tip{Hash: hash, Number: number, TD: td}
}

// Tip returns the peer's last announced chain head.
func (p *Peer) Tip() Tip {
	p.tipMu.RLock()
	defer p.tipMu.RUnlock()
	return p.tip
}

// RequestHeaders fetches a header batch from the peer, classifying
// transport failures and rejecting malformed responses. Timeouts and
// malformed responses count against the peer's reputation.
func (p *Peer) RequestHeaders(ctx context.Context, req HeaderRequest) ([]*types.Header, error) {
	headers, err := p.backend.RequestHeaders(ctx, req)
	if err != nil {
		return nil, p.classify(err)
	}
	if len(headers) == 0 || len(headers) > req.Amount {
		p.fault(FaultInvalidResponse)
		return nil, fmt.Errorf("%w: %d headers for request of %d",
			ErrInvalidResponse, len(headers), req.Amount)
	}
	for i, h := range headers {
		if h == nil || h.Number == nil {
			p.fault(FaultInvalidResponse)
			return nil, fmt.Errorf("%w: nil header at index %d", ErrInvalidResponse, i)
		}
	}
	return headers, nil
}

// RequestBodies fetches bodies for the given header hashes. The response
// must contain exactly one body per hash, in order.
func (p *Peer) RequestBodies(ctx context.Context, hashes []types.Hash) ([]*types.Body, error) {
	bodies, err := p.backend.RequestBodies(ctx, hashes)
	if err != nil {
		return nil, p.classify(err)
	}
	if len(bodies) != len(hashes) {
		p.fault(FaultInvalidResponse)
		return nil, fmt.Errorf("%w: %d bodies for %d hashes",
			ErrInvalidResponse, len(bodies), len(hashes))
	}
	for i, b := range bodies {
		if b == nil {
			p.fault(FaultInvalidResponse)
			return nil, fmt.Errorf("%w: nil body at index %d", ErrInvalidResponse, i)
		}
	}
	return bodies, nil
}

// classify maps a backend error onto the client taxonomy and applies the
// matching reputation penalty.
func (p *Peer) classify(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrTimeout):
		p.fault(FaultTimeout)
		return fmt.Errorf("%w: %s", ErrTimeout, p.id)
	case errors.Is(err, context.Canceled):
		return err
	case errors.Is(err, ErrPeerDisconnected):
		p.fault(FaultDisconnect)
		return fmt.Errorf("%w: %s", ErrPeerDisconnected, p.id)
	default:
		p.fault(FaultInvalidResponse)
		return fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
}

// fault applies the score delta for a fault and notifies the owning pool.
func (p *Peer) fault(f Fault) {
	p.addScore(faultDeltas[f])
	if p.onFault != nil {
		p.onFault(p, f)
	}
}

// addScore atomically adjusts the score, clamping to [minScore, maxScore].
func (p *Peer) addScore(delta int64) int64 {
	for {
		old := p.score.Load()
		next := old + delta
		if next > maxScore {
			next = maxScore
		}
		if next < minScore {
			next = minScore
		}
		if p.score.CompareAndSwap(old, next) {
			return next
		}
	}
}
