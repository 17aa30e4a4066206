package sync

import (
	"fmt"

	"github.com/calder-eth/calder/core/types"
)

// ValidatedSegment is a contiguous, ordered run of (header, body) pairs
// that passed hash-chain and commitment validation. A segment is handed to
// the import collaborator exactly once; the pipeline keeps no reference
// after emission. Full state-transition validation has not happened yet.
type ValidatedSegment struct {
	Headers []*types.Header
	Bodies  []*types.Body
}

// Len returns the number of pairs in the segment.
func (s *ValidatedSegment) Len() int { return len(s.Headers) }

// First returns the first block number of the segment.
func (s *ValidatedSegment) First() uint64 {
	if len(s.Headers) == 0 {
		return 0
	}
	return s.Headers[0].NumberU64()
}

// Last returns the last block number of the segment.
func (s *ValidatedSegment) Last() uint64 {
	if len(s.Headers) == 0 {
		return 0
	}
	return s.Headers[len(s.Headers)-1].NumberU64()
}

// String implements fmt.Stringer.
func (s *ValidatedSegment) String() string {
	return fmt.Sprintf("segment[%d,%d]", s.First(), s.Last())
}
