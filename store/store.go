package store

import (
	"context"

	"github.com/cockroachdb/errors"
)

var ErrKeyNotFound = errors.New("not found")
var ErrUnknownOp = errors.New("unknown op")
var ErrStaleCommitTS = errors.New("commit ts older than last commit")

type KVPair struct {
	Key   []byte
	Value []byte
}

// OpType describes a mutation kind.
type OpType int

const (
	OpTypePut OpType = iota
	OpTypeDelete
)

// KVPairMutation is a single write produced by an executed transaction.
type KVPairMutation struct {
	Op    OpType
	Key   []byte
	Value []byte
}

// MVCCStore is a timestamp-explicit multi-version store. Every batch of
// transactions reads at one snapshot timestamp and commits at the next, so
// several writers may share a commit timestamp; the later write of a key at
// the same timestamp replaces the earlier one.
type MVCCStore interface {
	// GetAt returns the newest version whose commit timestamp is <= ts.
	GetAt(ctx context.Context, key []byte, ts uint64) ([]byte, error)
	// ExistsAt reports whether a visible, non-tombstone version exists at ts.
	ExistsAt(ctx context.Context, key []byte, ts uint64) (bool, error)
	// ScanAt returns live keys in [start, end] visible at ts, in key order.
	ScanAt(ctx context.Context, start []byte, end []byte, limit int, ts uint64) ([]*KVPair, error)
	// PutAt commits a value at commitTS.
	PutAt(ctx context.Context, key []byte, value []byte, commitTS uint64) error
	// DeleteAt commits a tombstone at commitTS.
	DeleteAt(ctx context.Context, key []byte, commitTS uint64) error
	// LatestCommitTS returns the commit timestamp of the newest version.
	// The boolean reports whether the key has any version.
	LatestCommitTS(ctx context.Context, key []byte) (uint64, bool, error)
	// ApplyMutations appends the mutations in order at commitTS.
	// It returns ErrStaleCommitTS if commitTS is older than LastCommitTS.
	ApplyMutations(ctx context.Context, mutations []*KVPairMutation, commitTS uint64) error
	// LastCommitTS returns the highest commit timestamp applied.
	LastCommitTS() uint64
	// Compact removes versions that no read at or after minTS can observe.
	Compact(ctx context.Context, minTS uint64) error
	Close() error
}
