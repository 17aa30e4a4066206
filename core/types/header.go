package types

import (
	"math/big"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/rlp"

	"github.com/calder-eth/calder/crypto"
)

// EmptyRootHash is the commitment root of an empty list.
var EmptyRootHash = BytesToHash(crypto.Keccak256(nil))

// Header represents a block header. A header is immutable once it has
// passed validation; code that needs to modify one must work on a copy.
type Header struct {
	ParentHash  Hash
	UncleHash   Hash
	Coinbase    Address
	Root        Hash
	TxHash      Hash
	ReceiptHash Hash
	Difficulty  *big.Int
	Number      *big.Int
	GasLimit    uint64
	GasUsed     uint64
	Time        uint64
	Extra       []byte
	MixDigest   Hash
	Nonce       BlockNonce

	// EIP-1559
	BaseFee *big.Int `rlp:"optional"`

	// EIP-4895: beacon chain push withdrawals
	WithdrawalsHash *Hash `rlp:"optional"`

	// Cached hash (not serialized).
	hash atomic.Pointer[Hash]
}

// Hash returns the keccak256 hash of the RLP-encoded header.
func (h *Header) Hash() Hash {
	if cached := h.hash.Load(); cached != nil {
		return *cached
	}
	enc, err := rlp.EncodeToBytes(h)
	if err != nil {
		// Headers built from the wire or from fixtures always encode;
		// a failure here means a nil big.Int snuck in.
		return Hash{}
	}
	hash := BytesToHash(crypto.Keccak256(enc))
	h.hash.Store(&hash)
	return hash
}

// NumberU64 returns the block number as a uint64, treating nil as zero.
func (h *Header) NumberU64() uint64 {
	if h.Number == nil {
		return 0
	}
	return h.Number.Uint64()
}

// CopyHeader creates a deep copy of a header.
func CopyHeader(h *Header) *Header {
	if h == nil {
		return nil
	}
	cp := &Header{
		ParentHash:  h.ParentHash,
		UncleHash:   h.UncleHash,
		Coinbase:    h.Coinbase,
		Root:        h.Root,
		TxHash:      h.TxHash,
		ReceiptHash: h.ReceiptHash,
		GasLimit:    h.GasLimit,
		GasUsed:     h.GasUsed,
		Time:        h.Time,
		MixDigest:   h.MixDigest,
		Nonce:       h.Nonce,
	}
	if h.Difficulty != nil {
		cp.Difficulty = new(big.Int).Set(h.Difficulty)
	}
	if h.Number != nil {
		cp.Number = new(big.Int).Set(h.Number)
	}
	if h.BaseFee != nil {
		cp.BaseFee = new(big.Int).Set(h.BaseFee)
	}
	if len(h.Extra) > 0 {
		cp.Extra = append([]byte(nil), h.Extra...)
	}
	if h.WithdrawalsHash != nil {
		wh := *h.WithdrawalsHash
		cp.WithdrawalsHash = &wh
	}
	return cp
}
