package store

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/emirpasic/gods/maps/treemap"
)

// VersionedValue represents a single committed version in MVCC storage.
type VersionedValue struct {
	TS        uint64
	Value     []byte
	Tombstone bool
}

func byteSliceComparator(a, b interface{}) int {
	ab, okA := a.([]byte)
	bb, okB := b.([]byte)
	switch {
	case okA && okB:
		return bytes.Compare(ab, bb)
	case okA:
		return 1
	case okB:
		return -1
	default:
		return 0
	}
}

func withinBoundsKey(k, start, end []byte) bool {
	if start != nil && bytes.Compare(k, start) < 0 {
		return false
	}
	if end != nil && bytes.Compare(k, end) > 0 {
		return false
	}
	return true
}

// mvccStore is an in-memory MVCC implementation backed by a treemap for
// deterministic iteration order and range scans.
type mvccStore struct {
	tree         *treemap.Map // key []byte -> []VersionedValue
	mtx          sync.RWMutex
	log          *slog.Logger
	lastCommitTS uint64
}

// NewMVCCStore creates a new in-memory MVCC store.
func NewMVCCStore() MVCCStore {
	return &mvccStore{
		tree: treemap.NewWith(byteSliceComparator),
		log: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelWarn,
		})),
	}
}

var _ MVCCStore = (*mvccStore)(nil)

// ---- helpers guarded by caller locks ----

func latestVisible(vs []VersionedValue, ts uint64) (VersionedValue, bool) {
	for i := len(vs) - 1; i >= 0; i-- {
		if vs[i].TS <= ts {
			return vs[i], true
		}
	}
	return VersionedValue{}, false
}

func visibleValue(versions []VersionedValue, ts uint64) ([]byte, bool) {
	ver, ok := latestVisible(versions, ts)
	if !ok || ver.Tombstone {
		return nil, false
	}
	return ver.Value, true
}

func (s *mvccStore) versionsLocked(key []byte) []VersionedValue {
	v, ok := s.tree.Get(key)
	if !ok {
		return nil
	}
	versions, _ := v.([]VersionedValue)
	return versions
}

func (s *mvccStore) appendVersionLocked(key []byte, ver VersionedValue) {
	versions := s.versionsLocked(key)
	if n := len(versions); n > 0 && versions[n-1].TS == ver.TS {
		versions[n-1] = ver
	} else {
		versions = append(versions, ver)
	}
	s.tree.Put(bytes.Clone(key), versions)
	if ver.TS > s.lastCommitTS {
		s.lastCommitTS = ver.TS
	}
}

func (s *mvccStore) checkCommitTSLocked(commitTS uint64) error {
	if commitTS < s.lastCommitTS {
		return errors.Wrapf(ErrStaleCommitTS, "commit ts %d, last %d", commitTS, s.lastCommitTS)
	}
	return nil
}

// ---- MVCCStore methods ----

func (s *mvccStore) GetAt(_ context.Context, key []byte, ts uint64) ([]byte, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	val, ok := visibleValue(s.versionsLocked(key), ts)
	if !ok {
		return nil, ErrKeyNotFound
	}
	return bytes.Clone(val), nil
}

func (s *mvccStore) ExistsAt(_ context.Context, key []byte, ts uint64) (bool, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	_, ok := visibleValue(s.versionsLocked(key), ts)
	return ok, nil
}

func (s *mvccStore) ScanAt(_ context.Context, start []byte, end []byte, limit int, ts uint64) ([]*KVPair, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	if limit <= 0 {
		return []*KVPair{}, nil
	}

	result := make([]*KVPair, 0, min(limit, s.tree.Size()))
	s.tree.Each(func(key interface{}, value interface{}) {
		if len(result) >= limit {
			return
		}
		k, ok := key.([]byte)
		if !ok || !withinBoundsKey(k, start, end) {
			return
		}

		versions, _ := value.([]VersionedValue)
		val, ok := visibleValue(versions, ts)
		if !ok {
			return
		}

		result = append(result, &KVPair{
			Key:   bytes.Clone(k),
			Value: bytes.Clone(val),
		})
	})

	return result, nil
}

func (s *mvccStore) PutAt(ctx context.Context, key []byte, value []byte, commitTS uint64) error {
	return s.ApplyMutations(ctx, []*KVPairMutation{{Op: OpTypePut, Key: key, Value: value}}, commitTS)
}

func (s *mvccStore) DeleteAt(ctx context.Context, key []byte, commitTS uint64) error {
	return s.ApplyMutations(ctx, []*KVPairMutation{{Op: OpTypeDelete, Key: key}}, commitTS)
}

func (s *mvccStore) LatestCommitTS(_ context.Context, key []byte) (uint64, bool, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	versions := s.versionsLocked(key)
	if len(versions) == 0 {
		return 0, false, nil
	}
	return versions[len(versions)-1].TS, true, nil
}

func (s *mvccStore) LastCommitTS() uint64 {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	return s.lastCommitTS
}

func (s *mvccStore) ApplyMutations(ctx context.Context, mutations []*KVPairMutation, commitTS uint64) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if err := s.checkCommitTSLocked(commitTS); err != nil {
		return err
	}
	for _, mut := range mutations {
		if mut.Op != OpTypePut && mut.Op != OpTypeDelete {
			return errors.WithStack(ErrUnknownOp)
		}
	}

	for _, mut := range mutations {
		ver := VersionedValue{TS: commitTS}
		if mut.Op == OpTypeDelete {
			ver.Tombstone = true
		} else {
			ver.Value = bytes.Clone(mut.Value)
		}
		s.appendVersionLocked(mut.Key, ver)
		s.log.DebugContext(ctx, "apply mutation",
			slog.String("key", string(mut.Key)),
			slog.Uint64("commit_ts", commitTS),
			slog.Bool("delete", ver.Tombstone),
		)
	}
	return nil
}

func (s *mvccStore) Compact(ctx context.Context, minTS uint64) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	var drop [][]byte
	removed := 0
	s.tree.Each(func(key interface{}, value interface{}) {
		k, _ := key.([]byte)
		versions, _ := value.([]VersionedValue)

		// keep the newest version visible at minTS and everything after it
		keep := 0
		for i := len(versions) - 1; i >= 0; i-- {
			if versions[i].TS <= minTS {
				keep = i
				break
			}
		}
		if keep == len(versions)-1 && versions[keep].Tombstone && versions[keep].TS <= minTS {
			drop = append(drop, k)
			removed += len(versions)
			return
		}
		if keep > 0 {
			removed += keep
			s.tree.Put(k, append([]VersionedValue(nil), versions[keep:]...))
		}
	})
	for _, k := range drop {
		s.tree.Remove(k)
	}

	s.log.DebugContext(ctx, "compact",
		slog.Uint64("min_ts", minTS),
		slog.Int("removed_versions", removed),
		slog.Int("dropped_keys", len(drop)),
	)
	return nil
}

func (s *mvccStore) Close() error {
	return nil
}
