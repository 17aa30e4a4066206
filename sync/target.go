package sync

import (
	"errors"

	"github.com/holiman/uint256"

	"github.com/calder-eth/calder/core/types"
	"github.com/calder-eth/calder/p2p"
)

// Target resolver errors.
var (
	// ErrNoPeersAvailable means the peer set was empty when resolving.
	ErrNoPeersAvailable = errors.New("sync: no peers available to resolve target")

	// ErrTargetBehindLocal means no announced tip exceeds the local tip.
	// It is not fatal; callers treat it as the idle condition.
	ErrTargetBehindLocal = errors.New("sync: best announced tip is behind local tip")
)

// Target is the resolved sync destination.
type Target struct {
	Hash   types.Hash
	Number uint64
}

// TargetStrategy selects a sync target from peer-announced tips. The exact
// heuristic for disagreeing peers is deliberately pluggable; the tips
// slice is never empty.
type TargetStrategy interface {
	Resolve(localTip uint64, tips []p2p.Tip) Target
}

// HighestTipStrategy picks the numerically highest announced tip.
type HighestTipStrategy struct{}

// Resolve implements TargetStrategy.
func (HighestTipStrategy) Resolve(localTip uint64, tips []p2p.Tip) Target {
	var best p2p.Tip
	for _, t := range tips {
		if t.Number > best.Number {
			best = t
		}
	}
	return Target{Hash: best.Hash, Number: best.Number}
}

// WeightedTipStrategy groups identical announcements and weights each
// group by cumulative total difficulty, so a majority of heavy peers wins
// over a single outlier claiming a taller chain. Tips without a TD count
// with weight one, degrading to majority-by-count. Ties break toward the
// greater height. This is the default strategy.
type WeightedTipStrategy struct{}

// Resolve implements TargetStrategy.
func (WeightedTipStrategy) Resolve(localTip uint64, tips []p2p.Tip) Target {
	type group struct {
		tip    p2p.Tip
		weight *uint256.Int
	}
	groups := make(map[types.Hash]*group)
	for _, t := range tips {
		g, ok := groups[t.Hash]
		if !ok {
			g = &group{tip: t, weight: new(uint256.Int)}
			groups[t.Hash] = g
		}
		if t.TD != nil {
			g.weight.Add(g.weight, t.TD)
		} else {
			g.weight.AddUint64(g.weight, 1)
		}
	}

	var best *group
	for _, g := range groups {
		switch {
		case best == nil:
			best = g
		case g.weight.Cmp(best.weight) > 0:
			best = g
		case g.weight.Cmp(best.weight) == 0 && g.tip.Number > best.tip.Number:
			best = g
		}
	}
	return Target{Hash: best.tip.Hash, Number: best.tip.Number}
}

// ResolveTarget snapshots the pool's announced tips and applies the
// strategy (WeightedTipStrategy when nil). It fails with
// ErrNoPeersAvailable on an empty peer set and reports
// ErrTargetBehindLocal when the chosen tip does not exceed localTip.
func ResolveTarget(pool *p2p.Pool, localTip uint64, strategy TargetStrategy) (Target, error) {
	snapshot := pool.Tips()
	if len(snapshot) == 0 {
		return Target{}, ErrNoPeersAvailable
	}
	tips := make([]p2p.Tip, 0, len(snapshot))
	for _, t := range snapshot {
		tips = append(tips, t)
	}
	if strategy == nil {
		strategy = WeightedTipStrategy{}
	}
	target := strategy.Resolve(localTip, tips)
	if target.Number <= localTip {
		return target, ErrTargetBehindLocal
	}
	return target, nil
}
