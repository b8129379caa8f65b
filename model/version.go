package model

import "fmt"

// TxnIndex identifies a transaction by its position within the block.
// Indices are dense in [0, numTxns) and fixed for the lifetime of the block.
type TxnIndex uint32

// Incarnation counts the execution attempts of a single transaction.
// Incarnation 0 is the first, optimistic attempt; each abort bumps the
// incarnation by exactly one before the transaction may run again.
type Incarnation uint32

// Version identifies one speculative execution attempt: the pair of a
// transaction index and the incarnation that produced (or is producing)
// its output.
type Version struct {
	TxnIndex    TxnIndex
	Incarnation Incarnation
}

func (v Version) String() string {
	return fmt.Sprintf("(%d, %d)", v.TxnIndex, v.Incarnation)
}
