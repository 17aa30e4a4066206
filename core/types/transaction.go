package types

import (
	"math/big"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/rlp"

	"github.com/calder-eth/calder/crypto"
)

// Transaction is a single transaction as carried in a block body. The
// downloader treats transactions as opaque payloads; only their hashes
// participate in body commitment checks.
type Transaction struct {
	Nonce    uint64
	GasPrice *big.Int
	Gas      uint64
	To       *Address `rlp:"nil"`
	Value    *big.Int
	Data     []byte
	V, R, S  *big.Int

	// Cached hash (not serialized).
	hash atomic.Pointer[Hash]
}

// Hash returns the keccak256 hash of the RLP-encoded transaction.
func (tx *Transaction) Hash() Hash {
	if cached := tx.hash.Load(); cached != nil {
		return *cached
	}
	enc, err := rlp.EncodeToBytes(tx)
	if err != nil {
		return Hash{}
	}
	hash := BytesToHash(crypto.Keccak256(enc))
	tx.hash.Store(&hash)
	return hash
}

// Cost returns gas * gasPrice + value, treating nil components as zero.
func (tx *Transaction) Cost() *big.Int {
	total := new(big.Int)
	if tx.GasPrice != nil {
		total.Mul(tx.GasPrice, new(big.Int).SetUint64(tx.Gas))
	}
	if tx.Value != nil {
		total.Add(total, tx.Value)
	}
	return total
}
