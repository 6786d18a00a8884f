package orderer

// recentWriteInfo tracks a key written by committed transactions that are
// still inside the window.
type recentWriteInfo struct {
	// count is the number of remembered committed transactions that wrote
	// the key.
	count int
	// dependents holds one entry per registered dependency, so an index can
	// appear more than once.
	dependents []TxnIndex
}

type committedWrites[K comparable] struct {
	idx      TxnIndex
	writeSet []K
}

// window is the trailing history of committed writes.
type window[K comparable] struct {
	recentWrites map[K]*recentWriteInfo
	committed    []committedWrites[K] // oldest first
}

func newWindow[K comparable]() *window[K] {
	return &window[K]{
		recentWrites: make(map[K]*recentWriteInfo),
	}
}

func (w *window[K]) size() int {
	return len(w.committed)
}

// addDependent registers idx as blocked on key being forgotten. It reports
// false when key is not a recent write.
func (w *window[K]) addDependent(key K, idx TxnIndex) bool {
	info, ok := w.recentWrites[key]
	if !ok {
		return false
	}
	info.dependents = append(info.dependents, idx)
	return true
}

func (w *window[K]) record(idx TxnIndex, writeSet []K) {
	w.committed = append(w.committed, committedWrites[K]{idx: idx, writeSet: writeSet})
	for _, key := range writeSet {
		info, ok := w.recentWrites[key]
		if !ok {
			info = &recentWriteInfo{}
			w.recentWrites[key] = info
		}
		info.count++
	}
}

// forget retires the count oldest committed transactions and returns the
// dependents of every key that is no longer written by anything in the
// window, in a deterministic order.
func (w *window[K]) forget(count int) []TxnIndex {
	var resolved []TxnIndex
	for _, c := range w.committed[:count] {
		for _, key := range c.writeSet {
			info := w.recentWrites[key]
			info.count--
			if info.count > 0 {
				continue
			}
			delete(w.recentWrites, key)
			resolved = append(resolved, info.dependents...)
		}
	}
	clear(w.committed[:count])
	w.committed = w.committed[count:]
	return resolved
}

func (w *window[K]) oldest() (TxnIndex, bool) {
	if len(w.committed) == 0 {
		return 0, false
	}
	return w.committed[0].idx, true
}
