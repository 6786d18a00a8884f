// Package orderer groups transactions into batches that a parallel executor
// can run without coordination, using only their declared read and write
// sets.
//
// An Orderer is owned by a single goroutine. It performs no I/O, holds no
// locks and never blocks; callers that need concurrent producers must
// serialize access themselves.
package orderer

import (
	"log/slog"

	"github.com/cockroachdb/errors"
)

type txnRecord[K comparable, T Transaction[K]] struct {
	txn      T
	readSet  []K
	writeSet []K
	selected bool

	// read-set keys still written by earlier active transactions
	pendingWriteTableRequests int
	// write-set keys still read by earlier active transactions
	pendingReadTableRequests int
	// write-table releases and write-set keys waiting on the window
	pendingRecentWriteDependencies int
}

// Orderer is the sequential dynamic Aria-style batch orderer. Transactions
// are selected as soon as their declared sets no longer conflict with an
// earlier active transaction, and committed in prefixes of the selected set.
//
// A transaction is selected Back once no earlier active transaction writes
// a key it reads. A transaction that writes something is selected Front once
// no earlier active transaction reads a key it writes. Read-only
// transactions always wait for Back.
type Orderer[K comparable, T Transaction[K]] struct {
	nextIndex       TxnIndex
	activeTxnsCount int
	txns            map[TxnIndex]*txnRecord[K, T]

	// writeReservations is keyed by write sets, readReservations by read sets.
	writeReservations *reservationTable[K]
	readReservations  *reservationTable[K]
	selected          *selectedSet

	// window is nil when the orderer was built without one.
	window *window[K]

	log *slog.Logger
}

// WindowedOrderer is an Orderer that also remembers the writes of committed
// transactions until ForgetPrefix retires them. A transaction that writes a
// remembered key, or that waited on the release of one, is not selected
// until the key is forgotten.
type WindowedOrderer[K comparable, T Transaction[K]] struct {
	Orderer[K, T]
}

var (
	_ BatchOrderer[Transaction[string]]         = (*Orderer[string, Transaction[string]])(nil)
	_ WindowedBatchOrderer[Transaction[string]] = (*WindowedOrderer[string, Transaction[string]])(nil)
)

func newOrderer[K comparable, T Transaction[K]](opts []Option) Orderer[K, T] {
	o := newOptions(opts)
	return Orderer[K, T]{
		txns:              make(map[TxnIndex]*txnRecord[K, T]),
		writeReservations: newReservationTable[K](),
		readReservations:  newReservationTable[K](),
		selected:          newSelectedSet(),
		log:               o.log,
	}
}

// NewWithoutWindow returns an orderer that only tracks active transactions.
func NewWithoutWindow[K comparable, T Transaction[K]](opts ...Option) *Orderer[K, T] {
	o := newOrderer[K, T](opts)
	return &o
}

// NewWithWindow returns an orderer that tracks committed writes until they
// are forgotten.
func NewWithWindow[K comparable, T Transaction[K]](opts ...Option) *WindowedOrderer[K, T] {
	o := &WindowedOrderer[K, T]{Orderer: newOrderer[K, T](opts)}
	o.window = newWindow[K]()
	return o
}

// AddTransactions inserts txns in order. Each one is either selected
// immediately or left pending until the transactions it conflicts with are
// committed.
func (o *Orderer[K, T]) AddTransactions(txns ...T) {
	for _, txn := range txns {
		o.Add(txn)
	}
}

// Add inserts a single transaction and returns the index assigned to it.
func (o *Orderer[K, T]) Add(txn T) TxnIndex {
	idx := o.nextIndex
	o.nextIndex++

	rec := &txnRecord[K, T]{
		txn:      txn,
		readSet:  uniqueKeys(txn.ReadSet()),
		writeSet: uniqueKeys(txn.WriteSet()),
	}
	o.txns[idx] = rec
	o.activeTxnsCount++

	o.writeReservations.makeReservations(idx, rec.writeSet)
	o.readReservations.makeReservations(idx, rec.readSet)

	if o.window != nil {
		for _, key := range rec.writeSet {
			if o.window.addDependent(key, idx) {
				rec.pendingRecentWriteDependencies++
			}
		}
	}

	if rec.pendingRecentWriteDependencies == 0 {
		switch {
		case o.writeReservations.areAllSatisfied(idx, rec.readSet):
			o.selectTxn(idx, rec, Back)
			return idx
		case len(rec.writeSet) > 0 && o.readReservations.areAllSatisfied(idx, rec.writeSet):
			o.selectTxn(idx, rec, Front)
			return idx
		}
	}

	rec.pendingWriteTableRequests = o.writeReservations.makeRequests(idx, rec.readSet)
	rec.pendingReadTableRequests = o.readReservations.makeRequests(idx, rec.writeSet)
	return idx
}

// CountActiveTransactions returns the number of added transactions that
// have not been committed yet.
func (o *Orderer[K, T]) CountActiveTransactions() int {
	return o.activeTxnsCount
}

func (o *Orderer[K, T]) IsEmpty() bool {
	return o.activeTxnsCount == 0
}

// CountSelected returns how many transactions can be committed right now.
func (o *Orderer[K, T]) CountSelected() int {
	return o.selected.len()
}

// CommitPrefix commits the count lowest-ordered selected transactions and
// returns them in batch order.
func (o *Orderer[K, T]) CommitPrefix(count int) []T {
	var out []T
	_ = o.CommitPrefixFunc(count, func(batch []T) error {
		out = batch
		return nil
	})
	return out
}

// CommitPrefixFunc commits the count lowest-ordered selected transactions.
// fn receives the batch before the orderer releases any reservation, so it
// can forward the batch to an executor without waiting for the cascade. The
// error returned by fn is returned as is; the batch is committed either way.
//
// count must not exceed CountSelected; violating that is a caller bug and
// panics.
func (o *Orderer[K, T]) CommitPrefixFunc(count int, fn func(batch []T) error) error {
	if count < 0 || count > o.selected.len() {
		panic(errors.AssertionFailedf("commit prefix of %d with %d selected transactions", count, o.selected.len()))
	}

	idxs := make([]TxnIndex, 0, count)
	recs := make([]*txnRecord[K, T], 0, count)
	batch := make([]T, 0, count)
	for range count {
		e, _ := o.selected.popFirst()
		rec := o.txns[e.idx]
		idxs = append(idxs, e.idx)
		recs = append(recs, rec)
		batch = append(batch, rec.txn)
	}

	err := fn(batch)
	if count == 0 {
		return err
	}

	o.activeTxnsCount -= count
	for _, idx := range idxs {
		delete(o.txns, idx)
	}

	if o.window != nil {
		for i, rec := range recs {
			o.window.record(idxs[i], rec.writeSet)
		}
	}

	// Every write release must land before any read release: a write-table
	// satisfaction can add a recent write dependency that the read-table
	// selection test has to see.
	var notes []notification[K]
	for i, rec := range recs {
		notes = o.writeReservations.removeReservations(idxs[i], rec.writeSet, notes)
	}
	for _, n := range notes {
		o.satisfyPendingWriteTableRequest(n.idx, n.key)
	}

	notes = notes[:0]
	for i, rec := range recs {
		notes = o.readReservations.removeReservations(idxs[i], rec.readSet, notes)
	}
	for _, n := range notes {
		o.satisfyPendingReadTableRequest(n.idx)
	}

	o.log.Debug("committed prefix",
		slog.Int("count", count),
		slog.Int("active", o.activeTxnsCount),
		slog.Int("selected", o.selected.len()),
	)
	return err
}

// pending returns the record of idx if it is still waiting to be selected.
// Committed transactions can still be notified through stale requests; they
// no longer have a record.
func (o *Orderer[K, T]) pending(idx TxnIndex) (*txnRecord[K, T], bool) {
	rec, ok := o.txns[idx]
	if !ok || rec.selected {
		return nil, false
	}
	return rec, true
}

func (o *Orderer[K, T]) selectTxn(idx TxnIndex, rec *txnRecord[K, T], dir Direction) {
	rec.selected = true
	o.selected.add(dir, idx)
}

func (o *Orderer[K, T]) satisfyPendingWriteTableRequest(idx TxnIndex, key K) {
	rec, ok := o.pending(idx)
	if !ok {
		return
	}
	rec.pendingWriteTableRequests--

	if o.window != nil && o.window.addDependent(key, idx) {
		rec.pendingRecentWriteDependencies++
		return
	}
	if rec.pendingWriteTableRequests == 0 && rec.pendingRecentWriteDependencies == 0 {
		o.selectTxn(idx, rec, Back)
	}
}

func (o *Orderer[K, T]) satisfyPendingReadTableRequest(idx TxnIndex) {
	rec, ok := o.pending(idx)
	if !ok {
		return
	}
	rec.pendingReadTableRequests--

	if rec.pendingReadTableRequests != 0 || rec.pendingRecentWriteDependencies != 0 {
		return
	}
	if rec.pendingWriteTableRequests == 0 {
		o.selectTxn(idx, rec, Back)
		return
	}
	o.selectTxn(idx, rec, Front)
}

// ForgetPrefix retires the count oldest committed transactions from the
// window and selects the transactions that were only waiting on them.
//
// count must not exceed WindowSize; violating that is a caller bug and
// panics.
func (o *WindowedOrderer[K, T]) ForgetPrefix(count int) {
	if count < 0 || count > o.window.size() {
		panic(errors.AssertionFailedf("forget prefix of %d with window of %d", count, o.window.size()))
	}
	if count == 0 {
		return
	}
	for _, idx := range o.window.forget(count) {
		o.resolveRecentWriteDependency(idx)
	}

	oldest, ok := o.window.oldest()
	o.log.Debug("forgot prefix",
		slog.Int("count", count),
		slog.Int("window", o.window.size()),
		slog.Bool("remembered", ok),
		slog.Uint64("oldest", uint64(oldest)),
		slog.Int("selected", o.selected.len()),
	)
}

// WindowSize returns the number of committed transactions not yet forgotten.
func (o *WindowedOrderer[K, T]) WindowSize() int {
	return o.window.size()
}

func (o *Orderer[K, T]) resolveRecentWriteDependency(idx TxnIndex) {
	rec, ok := o.pending(idx)
	if !ok {
		return
	}
	rec.pendingRecentWriteDependencies--
	if rec.pendingRecentWriteDependencies != 0 {
		return
	}

	switch {
	case rec.pendingWriteTableRequests == 0:
		o.selectTxn(idx, rec, Back)
	case rec.pendingReadTableRequests == 0 && len(rec.writeSet) > 0:
		o.selectTxn(idx, rec, Front)
	}
}
