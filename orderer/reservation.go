package orderer

import (
	"github.com/emirpasic/gods/sets/treeset"
)

// notification tells a waiting transaction that every earlier holder of key
// has released it.
type notification[K comparable] struct {
	idx TxnIndex
	key K
}

// reservationTable indexes which transactions hold a key and which are
// waiting for the earlier holders of that key to go away. Holders are added
// in increasing index order, so a waiter never gains a new earlier holder
// after it has been registered.
type reservationTable[K comparable] struct {
	reservations map[K]*treeset.Set // key -> holder TxnIndex
	requests     map[K]*treeset.Set // key -> waiter TxnIndex
}

func newReservationTable[K comparable]() *reservationTable[K] {
	return &reservationTable[K]{
		reservations: make(map[K]*treeset.Set),
		requests:     make(map[K]*treeset.Set),
	}
}

func firstIndex(s *treeset.Set) (TxnIndex, bool) {
	it := s.Iterator()
	if !it.First() {
		return 0, false
	}
	return asTxnIndex(it.Value()), true
}

func (t *reservationTable[K]) makeReservations(idx TxnIndex, keys []K) {
	for _, key := range keys {
		holders, ok := t.reservations[key]
		if !ok {
			holders = treeset.NewWith(txnIndexComparator)
			t.reservations[key] = holders
		}
		holders.Add(idx)
	}
}

// heldBefore reports whether key has a holder with an index smaller than idx.
func (t *reservationTable[K]) heldBefore(idx TxnIndex, key K) bool {
	holders, ok := t.reservations[key]
	if !ok {
		return false
	}
	first, ok := firstIndex(holders)
	return ok && first < idx
}

// makeRequests registers idx as a waiter on every key that still has an
// earlier holder and returns how many such keys there were.
func (t *reservationTable[K]) makeRequests(idx TxnIndex, keys []K) int {
	outstanding := 0
	for _, key := range keys {
		if !t.heldBefore(idx, key) {
			continue
		}
		waiters, ok := t.requests[key]
		if !ok {
			waiters = treeset.NewWith(txnIndexComparator)
			t.requests[key] = waiters
		}
		waiters.Add(idx)
		outstanding++
	}
	return outstanding
}

func (t *reservationTable[K]) areAllSatisfied(idx TxnIndex, keys []K) bool {
	for _, key := range keys {
		if t.heldBefore(idx, key) {
			return false
		}
	}
	return true
}

// removeReservations releases idx's hold on keys and appends a notification
// to out for every waiter left without an earlier holder. Notified waiters
// are removed from the request side.
func (t *reservationTable[K]) removeReservations(idx TxnIndex, keys []K, out []notification[K]) []notification[K] {
	for _, key := range keys {
		holders, ok := t.reservations[key]
		if !ok {
			continue
		}
		holders.Remove(idx)
		bound, held := firstIndex(holders)
		if !held {
			delete(t.reservations, key)
		}

		waiters, ok := t.requests[key]
		if !ok {
			continue
		}
		start := len(out)
		it := waiters.Iterator()
		for it.Next() {
			w := asTxnIndex(it.Value())
			if held && w > bound {
				break
			}
			out = append(out, notification[K]{idx: w, key: key})
		}
		for _, n := range out[start:] {
			waiters.Remove(n.idx)
		}
		if waiters.Empty() {
			delete(t.requests, key)
		}
	}
	return out
}

func (t *reservationTable[K]) isEmpty() bool {
	return len(t.reservations) == 0 && len(t.requests) == 0
}
