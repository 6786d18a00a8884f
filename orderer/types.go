package orderer

import (
	"cmp"
	"strconv"
)

// TxnIndex is the logical timestamp assigned to a transaction when it is
// added to an orderer. Indices start at 0, strictly increase with insertion
// order and are never reused.
type TxnIndex uint64

// Transaction is the capability the orderer consumes. Both sets are static
// hints supplied by the caller; duplicates are ignored.
type Transaction[K comparable] interface {
	ReadSet() []K
	WriteSet() []K
}

// Direction records which end of a batch a selected transaction may occupy
// relative to the other selected transactions.
type Direction uint8

const (
	// Front transactions have no earlier active reader of anything they
	// write, so they may run ahead of earlier transactions.
	Front Direction = iota
	// Back transactions have no earlier active writer of anything they
	// read, so they may run behind earlier transactions.
	Back
)

func (d Direction) String() string {
	switch d {
	case Front:
		return "front"
	case Back:
		return "back"
	default:
		return "direction(" + strconv.Itoa(int(d)) + ")"
	}
}

// BatchOrderer hands out batches of transactions that are free of
// read-after-write hazards in the order they are returned.
type BatchOrderer[T any] interface {
	AddTransactions(txns ...T)
	CountActiveTransactions() int
	IsEmpty() bool
	CountSelected() int
	// CommitPrefixFunc removes the count lowest-ordered selected
	// transactions and passes them to fn before any further bookkeeping.
	CommitPrefixFunc(count int, fn func(batch []T) error) error
	CommitPrefix(count int) []T
}

// WindowedBatchOrderer additionally keeps the writes of recently committed
// transactions until they are explicitly forgotten.
type WindowedBatchOrderer[T any] interface {
	BatchOrderer[T]
	ForgetPrefix(count int)
	WindowSize() int
}

func txnIndexComparator(a, b interface{}) int {
	ai, aOK := a.(TxnIndex)
	bi, bOK := b.(TxnIndex)
	if !aOK || !bOK {
		panic("not a TxnIndex")
	}
	return cmp.Compare(ai, bi)
}

func asTxnIndex(v interface{}) TxnIndex {
	idx, _ := v.(TxnIndex)
	return idx
}

// uniqueKeys drops repeated keys, keeping the first occurrence order.
func uniqueKeys[K comparable](keys []K) []K {
	uniq := make([]K, 0, len(keys))
	seen := make(map[K]struct{}, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		uniq = append(uniq, k)
	}
	return uniq
}
