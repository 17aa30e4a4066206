package types

// Withdrawal represents a validator withdrawal pushed from the beacon
// chain (EIP-4895).
type Withdrawal struct {
	Index          uint64
	ValidatorIndex uint64
	Address        Address
	Amount         uint64 // in Gwei
}

// Body contains the transactions and auxiliary data of a block. A body is
// associated to exactly one header through the commitment roots the header
// declares.
type Body struct {
	Transactions []*Transaction
	Uncles       []*Header
	Withdrawals  []*Withdrawal
}

// CopyWithdrawal returns a copy of a withdrawal.
func CopyWithdrawal(w *Withdrawal) *Withdrawal {
	if w == nil {
		return nil
	}
	cp := *w
	return &cp
}
