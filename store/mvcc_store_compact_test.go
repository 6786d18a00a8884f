package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func put(key, value string) *KVPairMutation {
	return &KVPairMutation{Op: OpTypePut, Key: []byte(key), Value: []byte(value)}
}

func del(key string) *KVPairMutation {
	return &KVPairMutation{Op: OpTypeDelete, Key: []byte(key)}
}

func TestMVCCStore_Compact(t *testing.T) {
	ctx := context.Background()

	// one batch per commit timestamp, as the executor writes them
	batches := [][]*KVPairMutation{
		1: {put("a", "a1"), put("b", "b1"), put("c", "c1")},
		2: {put("a", "a2"), del("b")},
		3: {put("a", "a3"), put("d", "d3")},
		4: {del("c")},
	}

	cases := []struct {
		name      string
		minTS     uint64
		versions  map[string]int
		readsAt   uint64
		wantReads map[string]string
	}{
		{
			name:      "before first version",
			minTS:     0,
			versions:  map[string]int{"a": 3, "b": 2, "c": 2, "d": 1},
			readsAt:   1,
			wantReads: map[string]string{"a": "a1", "b": "b1", "c": "c1"},
		},
		{
			name:      "mid history",
			minTS:     2,
			versions:  map[string]int{"a": 2, "c": 2, "d": 1},
			readsAt:   2,
			wantReads: map[string]string{"a": "a2", "c": "c1"},
		},
		{
			name:      "latest",
			minTS:     4,
			versions:  map[string]int{"a": 1, "d": 1},
			readsAt:   4,
			wantReads: map[string]string{"a": "a3", "d": "d3"},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			st := newTestMVCCStore(t)
			for ts, muts := range batches {
				if len(muts) > 0 {
					require.NoError(t, st.ApplyMutations(ctx, muts, uint64(ts)))
				}
			}

			require.NoError(t, st.Compact(ctx, tc.minTS))

			require.Equal(t, len(tc.versions), st.tree.Size())
			for k, n := range tc.versions {
				assert.Len(t, st.versionsLocked([]byte(k)), n, k)
			}

			kvs, err := st.ScanAt(ctx, nil, nil, 10, tc.readsAt)
			require.NoError(t, err)
			got := map[string]string{}
			for _, kv := range kvs {
				got[string(kv.Key)] = string(kv.Value)
			}
			assert.Equal(t, tc.wantReads, got)
			assert.Equal(t, uint64(4), st.LastCommitTS())
		})
	}
}

func TestMVCCStore_Compact_ReadsBelowMinTSMiss(t *testing.T) {
	ctx := context.Background()
	st := newTestMVCCStore(t)

	require.NoError(t, st.PutAt(ctx, []byte("k"), []byte("v1"), 1))
	require.NoError(t, st.PutAt(ctx, []byte("k"), []byte("v3"), 3))
	require.NoError(t, st.Compact(ctx, 3))

	_, err := st.GetAt(ctx, []byte("k"), 2)
	require.ErrorIs(t, err, ErrKeyNotFound)

	v, err := st.GetAt(ctx, []byte("k"), 3)
	require.NoError(t, err)
	assert.Equal(t, []byte("v3"), v)
}

func TestMVCCStore_Compact_KeepsNewerTombstone(t *testing.T) {
	ctx := context.Background()
	st := newTestMVCCStore(t)

	require.NoError(t, st.PutAt(ctx, []byte("k"), []byte("v"), 1))
	require.NoError(t, st.DeleteAt(ctx, []byte("k"), 4))
	require.NoError(t, st.Compact(ctx, 3))

	v, err := st.GetAt(ctx, []byte("k"), 3)
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), v)

	ok, err := st.ExistsAt(ctx, []byte("k"), 4)
	require.NoError(t, err)
	assert.False(t, ok)
}
