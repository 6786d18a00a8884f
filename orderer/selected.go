package orderer

import (
	"cmp"

	"github.com/emirpasic/gods/sets/treeset"
)

type selectedEntry struct {
	dir Direction
	idx TxnIndex
}

// selectedComparator orders Front entries before Back entries. Front entries
// pop newest first and Back entries oldest first, which keeps every reader
// of a key ahead of every writer of that key within one batch.
func selectedComparator(a, b interface{}) int {
	ea, aOK := a.(selectedEntry)
	eb, bOK := b.(selectedEntry)
	if !aOK || !bOK {
		panic("not a selected entry")
	}
	if ea.dir != eb.dir {
		return cmp.Compare(ea.dir, eb.dir)
	}
	if ea.dir == Front {
		return cmp.Compare(eb.idx, ea.idx)
	}
	return cmp.Compare(ea.idx, eb.idx)
}

type selectedSet struct {
	set *treeset.Set
}

func newSelectedSet() *selectedSet {
	return &selectedSet{set: treeset.NewWith(selectedComparator)}
}

func (s *selectedSet) add(dir Direction, idx TxnIndex) {
	s.set.Add(selectedEntry{dir: dir, idx: idx})
}

func (s *selectedSet) len() int {
	return s.set.Size()
}

func (s *selectedSet) popFirst() (selectedEntry, bool) {
	it := s.set.Iterator()
	if !it.First() {
		return selectedEntry{}, false
	}
	e, _ := it.Value().(selectedEntry)
	s.set.Remove(e)
	return e, true
}
