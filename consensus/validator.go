// Package consensus implements the pure validation rules the downloader
// applies to headers and bodies fetched from the network. Nothing here
// performs I/O or mutates shared state; every function is safe to call
// from any goroutine.
package consensus

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/calder-eth/calder/core/types"
)

// MaxClockDrift is how far a header timestamp may run ahead of local
// wall-clock time before it is rejected.
const MaxClockDrift = 15 * time.Second

// maxDifficultyShift bounds per-block difficulty movement to 1/8 of the
// parent's value. The exact fork rule lives in the execution layer; at
// this boundary the check only needs to reject absurd jumps.
const maxDifficultyShift = 8

// Validation errors.
var (
	ErrInvalidParent          = errors.New("consensus: header does not extend parent")
	ErrInvalidTimestamp       = errors.New("consensus: invalid header timestamp")
	ErrInvalidDifficulty      = errors.New("consensus: invalid header difficulty")
	ErrBodyCommitmentMismatch = errors.New("consensus: body commitment mismatch")
)

// ValidateHeader checks that header correctly extends parent: strictly
// increasing block number, parent hash linkage, timestamp ordering and a
// plausible difficulty. It never inspects state.
func ValidateHeader(header, parent *types.Header) error {
	if header == nil || header.Number == nil {
		return fmt.Errorf("%w: nil header or number", ErrInvalidParent)
	}
	if parent == nil || parent.Number == nil {
		return fmt.Errorf("%w: nil parent", ErrInvalidParent)
	}

	want := new(big.Int).Add(parent.Number, big.NewInt(1))
	if header.Number.Cmp(want) != 0 {
		return fmt.Errorf("%w: block %v follows %v", ErrInvalidParent,
			header.Number, parent.Number)
	}
	if header.ParentHash != parent.Hash() {
		return fmt.Errorf("%w: block %d parent hash %s, want %s", ErrInvalidParent,
			header.NumberU64(), header.ParentHash.Hex(), parent.Hash().Hex())
	}

	if header.Time <= parent.Time {
		return fmt.Errorf("%w: block %d time %d not after parent time %d",
			ErrInvalidTimestamp, header.NumberU64(), header.Time, parent.Time)
	}
	if max := uint64(time.Now().Add(MaxClockDrift).Unix()); header.Time > max {
		return fmt.Errorf("%w: block %d time %d too far in the future",
			ErrInvalidTimestamp, header.NumberU64(), header.Time)
	}

	return validateDifficulty(header, parent)
}

// validateDifficulty rejects missing, negative, or implausibly adjusted
// difficulty values. Zero difficulty is accepted only when the parent's is
// also zero (post-merge chains).
func validateDifficulty(header, parent *types.Header) error {
	diff := header.Difficulty
	if diff == nil || diff.Sign() < 0 {
		return fmt.Errorf("%w: block %d difficulty missing or negative",
			ErrInvalidDifficulty, header.NumberU64())
	}
	pdiff := parent.Difficulty
	if pdiff == nil || pdiff.Sign() == 0 {
		if diff.Sign() != 0 {
			return fmt.Errorf("%w: block %d difficulty %v on zero-difficulty chain",
				ErrInvalidDifficulty, header.NumberU64(), diff)
		}
		return nil
	}
	if diff.Sign() == 0 {
		return fmt.Errorf("%w: block %d zero difficulty after %v",
			ErrInvalidDifficulty, header.NumberU64(), pdiff)
	}
	shift := new(big.Int).Div(pdiff, big.NewInt(maxDifficultyShift))
	delta := new(big.Int).Sub(diff, pdiff)
	if delta.Abs(delta).Cmp(shift) > 0 {
		return fmt.Errorf("%w: block %d difficulty %v moved more than %v from parent %v",
			ErrInvalidDifficulty, header.NumberU64(), diff, shift, pdiff)
	}
	return nil
}

// ValidateBody recomputes the body's commitment roots and compares them to
// the values the header declares. A mismatch on any root fails with
// ErrBodyCommitmentMismatch naming the diverging commitment.
func ValidateBody(header *types.Header, body *types.Body) error {
	if body == nil {
		body = &types.Body{}
	}
	if got := types.CalcTxRoot(body.Transactions); got != header.TxHash {
		return fmt.Errorf("%w: block %d tx root %s, header declares %s",
			ErrBodyCommitmentMismatch, header.NumberU64(), got.Hex(), header.TxHash.Hex())
	}
	if got := types.CalcUncleRoot(body.Uncles); got != header.UncleHash {
		return fmt.Errorf("%w: block %d uncle root %s, header declares %s",
			ErrBodyCommitmentMismatch, header.NumberU64(), got.Hex(), header.UncleHash.Hex())
	}
	if header.WithdrawalsHash != nil {
		if got := types.WithdrawalsRoot(body.Withdrawals); got != *header.WithdrawalsHash {
			return fmt.Errorf("%w: block %d withdrawals root %s, header declares %s",
				ErrBodyCommitmentMismatch, header.NumberU64(), got.Hex(), header.WithdrawalsHash.Hex())
		}
	} else if len(body.Withdrawals) > 0 {
		return fmt.Errorf("%w: block %d carries withdrawals without a header commitment",
			ErrBodyCommitmentMismatch, header.NumberU64())
	}
	return nil
}

// ValidateHeaderChain validates a batch of headers against parent and each
// other. It returns the index of the first offending header so a failure
// is always attributable to a specific position, never to the batch as a
// whole. A nil parent skips the boundary check for the first header.
func ValidateHeaderChain(headers []*types.Header, parent *types.Header) (int, error) {
	for i, h := range headers {
		if parent != nil {
			if err := ValidateHeader(h, parent); err != nil {
				return i, err
			}
		} else if h == nil || h.Number == nil {
			return i, fmt.Errorf("%w: nil header or number", ErrInvalidParent)
		}
		parent = h
	}
	return len(headers), nil
}
