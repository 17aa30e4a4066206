package p2p

import (
	"errors"
	"sync"

	"github.com/holiman/uint256"

	"github.com/calder-eth/calder/core/types"
	"github.com/calder-eth/calder/log"
)

// Reputation score bounds. New peers start at initialScore; a peer whose
// score reaches banScore is removed from selection and reported to the
// network collaborator.
const (
	initialScore int64 = 100
	maxScore     int64 = 200
	minScore     int64 = -100
	banScore     int64 = 0
)

// Pool errors.
var (
	ErrPoolClosed = errors.New("p2p: peer pool closed")
	ErrPeerExists = errors.New("p2p: peer already registered")
	ErrNoPeers    = errors.New("p2p: no peers available")
	ErrNoEligible = errors.New("p2p: no eligible peer for request")
)

// SelectionPolicy chooses one peer from the eligible candidates. The
// pipeline treats it as a swappable strategy object; candidates are never
// empty.
type SelectionPolicy interface {
	Pick(candidates []*Peer) *Peer
}

// BestScorePolicy picks the highest-scored candidate, breaking ties toward
// the highest announced head. It is the default policy.
type BestScorePolicy struct{}

// Pick implements SelectionPolicy.
func (BestScorePolicy) Pick(candidates []*Peer) *Peer {
	var best *Peer
	for _, p := range candidates {
		if best == nil {
			best = p
			continue
		}
		if p.Score() > best.Score() {
			best = p
		} else if p.Score() == best.Score() && p.Tip().Number > best.Tip().Number {
			best = p
		}
	}
	return best
}

// Pool is a session-scoped peer registry. It owns reputation bookkeeping,
// per-peer cooldowns measured in completed batches, and peer selection.
// Create one per sync session and Close it at Complete or Error so test
// runs stay isolated and deterministic.
type Pool struct {
	mu       sync.RWMutex
	peers    map[string]*Peer
	cooldown map[string]int // batches a peer remains excluded
	banned   map[string]bool
	closed   bool

	policy   SelectionPolicy
	reporter BadPeerReporter
	lg       *log.Logger
}

// NewPool creates an empty pool. A nil policy falls back to
// BestScorePolicy; a nil reporter disables bad-peer reporting; a nil
// logger falls back to the package default.
func NewPool(policy SelectionPolicy, reporter BadPeerReporter, lg *log.Logger) *Pool {
	if policy == nil {
		policy = BestScorePolicy{}
	}
	if lg == nil {
		lg = log.Default()
	}
	return &Pool{
		peers:    make(map[string]*Peer),
		cooldown: make(map[string]int),
		banned:   make(map[string]bool),
		policy:   policy,
		reporter: reporter,
		lg:       lg.Module("p2p"),
	}
}

// Register adds a peer to the pool and installs the pool's fault hook on
// it so transport-level penalties feed the ban bookkeeping.
func (pl *Pool) Register(p *Peer) error {
	pl.mu.Lock()
	defer pl.mu.Unlock()

	if pl.closed {
		return ErrPoolClosed
	}
	if _, ok := pl.peers[p.id]; ok {
		return ErrPeerExists
	}
	p.onFault = pl.handleFault
	pl.peers[p.id] = p
	pl.lg.Debug("peer registered", "peer", p.id, "caps", int(p.caps))
	return nil
}

// Unregister removes a peer from the pool.
func (pl *Pool) Unregister(id string) {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	delete(pl.peers, id)
	delete(pl.cooldown, id)
	delete(pl.banned, id)
}

// Close tears the pool down, releasing all peer handles. Further
// registrations fail with ErrPoolClosed.
func (pl *Pool) Close() {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	pl.closed = true
	pl.peers = make(map[string]*Peer)
	pl.cooldown = make(map[string]int)
}

// Len returns the number of registered peers, banned or not.
func (pl *Pool) Len() int {
	pl.mu.RLock()
	defer pl.mu.RUnlock()
	return len(pl.peers)
}

// Select picks a peer advertising the required capabilities, skipping
// banned or cooling-down peers and any ID in exclude. Returns ErrNoPeers
// when the pool is empty and ErrNoEligible when peers exist but none
// qualifies.
func (pl *Pool) Select(need Cap, exclude map[string]struct{}) (*Peer, error) {
	pl.mu.RLock()
	defer pl.mu.RUnlock()

	if len(pl.peers) == 0 {
		return nil, ErrNoPeers
	}
	var candidates []*Peer
	for id, p := range pl.peers {
		if !p.Has(need) || pl.banned[id] || pl.cooldown[id] > 0 {
			continue
		}
		if _, skip := exclude[id]; skip {
			continue
		}
		candidates = append(candidates, p)
	}
	if len(candidates) == 0 {
		return nil, ErrNoEligible
	}
	return pl.policy.Pick(candidates), nil
}

// Penalize applies the fault's score delta to a peer on behalf of the
// pipeline (consensus failures are attributed here, not by the client).
func (pl *Pool) Penalize(id string, f Fault) {
	pl.mu.RLock()
	p, ok := pl.peers[id]
	pl.mu.RUnlock()
	if !ok {
		return
	}
	p.addScore(faultDeltas[f])
	pl.handleFault(p, f)
}

// Exclude removes a peer from selection for the next n completed batches.
func (pl *Pool) Exclude(id string, n int) {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	if _, ok := pl.peers[id]; !ok {
		return
	}
	if n > pl.cooldown[id] {
		pl.cooldown[id] = n
	}
	pl.lg.Debug("peer excluded", "peer", id, "batches", n)
}

// Excluded reports whether a peer is currently cooling down.
func (pl *Pool) Excluded(id string) bool {
	pl.mu.RLock()
	defer pl.mu.RUnlock()
	return pl.cooldown[id] > 0
}

// Tick signals that one batch completed, advancing every cooldown by one.
func (pl *Pool) Tick() {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	for id, n := range pl.cooldown {
		if n <= 1 {
			delete(pl.cooldown, id)
		} else {
			pl.cooldown[id] = n - 1
		}
	}
}

// UpdateTip records an announced chain head for a registered peer.
// Announcements arrive between sessions too, so this works on banned and
// cooling-down peers; staleness is handled by the peer itself.
func (pl *Pool) UpdateTip(id string, hash types.Hash, number uint64, td *uint256.Int) {
	pl.mu.RLock()
	p, ok := pl.peers[id]
	pl.mu.RUnlock()
	if !ok {
		return
	}
	p.SetTip(hash, number, td)
}

// Tips snapshots the announced tips of all non-banned peers.
func (pl *Pool) Tips() map[string]Tip {
	pl.mu.RLock()
	defer pl.mu.RUnlock()
	tips := make(map[string]Tip, len(pl.peers))
	for id, p := range pl.peers {
		if pl.banned[id] {
			continue
		}
		tips[id] = p.Tip()
	}
	return tips
}

// handleFault checks a peer's score against the ban threshold after any
// penalty and reports newly banned peers to the network collaborator.
func (pl *Pool) handleFault(p *Peer, f Fault) {
	if p.Score() > banScore {
		return
	}
	pl.mu.Lock()
	already := pl.banned[p.id]
	pl.banned[p.id] = true
	pl.mu.Unlock()
	if already {
		return
	}
	pl.lg.Warn("peer banned", "peer", p.id, "fault", f.String(), "score", p.Score())
	if pl.reporter != nil {
		pl.reporter.ReportBadPeer(p.id, f.String())
	}
}
