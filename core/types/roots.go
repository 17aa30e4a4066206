package types

import (
	"github.com/ethereum/go-ethereum/rlp"

	"github.com/calder-eth/calder/crypto"
)

// Commitment root derivation. Roots are linear hash commitments over the
// ordered list contents: keccak256 of the concatenated per-item digests.
// An empty list always commits to EmptyRootHash.

// CalcTxRoot computes the transaction commitment root for a body.
func CalcTxRoot(txs []*Transaction) Hash {
	if len(txs) == 0 {
		return EmptyRootHash
	}
	var payload []byte
	for _, tx := range txs {
		h := tx.Hash()
		payload = append(payload, h[:]...)
	}
	return BytesToHash(crypto.Keccak256(payload))
}

// CalcUncleRoot computes the commitment root over a body's uncle headers.
func CalcUncleRoot(uncles []*Header) Hash {
	if len(uncles) == 0 {
		return EmptyRootHash
	}
	var payload []byte
	for _, u := range uncles {
		h := u.Hash()
		payload = append(payload, h[:]...)
	}
	return BytesToHash(crypto.Keccak256(payload))
}

// WithdrawalsRoot computes the commitment root over a body's withdrawals.
func WithdrawalsRoot(withdrawals []*Withdrawal) Hash {
	if len(withdrawals) == 0 {
		return EmptyRootHash
	}
	var payload []byte
	for _, w := range withdrawals {
		enc, err := rlp.EncodeToBytes(w)
		if err != nil {
			continue
		}
		payload = append(payload, enc...)
	}
	return BytesToHash(crypto.Keccak256(payload))
}
