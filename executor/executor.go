// Package executor runs ordered batches of transactions in parallel against
// an MVCC store.
//
// All transactions of a batch read the snapshot left by the previous batch
// and their writes are committed together at the next timestamp. Because an
// ordered batch never lets a transaction read a key written before it in
// the batch, this produces the same state as running the batch serially.
package executor

import (
	"context"
	"log/slog"

	"github.com/bootjp/txnorder/internal"
	"github.com/bootjp/txnorder/orderer"
	"github.com/bootjp/txnorder/store"
	"github.com/cockroachdb/errors"
	"github.com/spaolacci/murmur3"
	"golang.org/x/sync/errgroup"
)

var (
	ErrUndeclaredRead  = errors.New("read outside declared read set")
	ErrUndeclaredWrite = errors.New("write outside declared write set")
	ErrReadAfterWrite  = errors.New("read after write within batch")
)

// View is the read-only snapshot handed to an executing transaction.
type View interface {
	// Get returns store.ErrKeyNotFound when the key has no live value.
	Get(ctx context.Context, key string) ([]byte, error)
}

// Write is a single mutation produced by a transaction.
type Write struct {
	Key    string
	Value  []byte
	Delete bool
}

// Txn is a transaction the executor can run. Its declared sets are what the
// orderer schedules on; Execute must stay within them.
type Txn interface {
	orderer.Transaction[string]
	Execute(ctx context.Context, view View) ([]Write, error)
}

// Result summarises one applied batch.
type Result struct {
	CommitTS uint64
	Txns     int
	Writes   int
}

type Executor struct {
	st       store.MVCCStore
	workers  int
	shards   int
	validate bool
	log      *slog.Logger
}

func New(st store.MVCCStore, opts ...Option) *Executor {
	o := newOptions(opts)
	return &Executor{
		st:       st,
		workers:  o.workers,
		shards:   o.shards,
		validate: o.validate,
		log:      o.log,
	}
}

// ExecuteBatch runs batch and commits its writes. Either every write of the
// batch is handed to the store or, if a transaction fails, none is.
func (e *Executor) ExecuteBatch(ctx context.Context, batch []Txn) (Result, error) {
	if len(batch) == 0 {
		return Result{}, nil
	}
	if e.validate {
		if err := ValidateBatch[string](batch); err != nil {
			return Result{}, err
		}
	}

	snapshotTS := e.st.LastCommitTS()
	commitTS := snapshotTS + 1

	writes := make([][]Write, len(batch))
	eg, egctx := errgroup.WithContext(ctx)
	eg.SetLimit(e.workers)
	for i, txn := range batch {
		eg.Go(func() error {
			ws, err := e.executeTxn(egctx, txn, snapshotTS)
			if err != nil {
				return errors.Wrapf(err, "batch position %d", i)
			}
			writes[i] = ws
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return Result{}, errors.WithStack(err)
	}

	shards, n, err := e.partition(writes)
	if err != nil {
		return Result{}, err
	}
	if err := e.apply(ctx, shards, commitTS); err != nil {
		return Result{}, err
	}

	e.log.DebugContext(ctx, "executed batch",
		slog.Int("txns", len(batch)),
		slog.Int("writes", n),
		slog.Uint64("commit_ts", commitTS),
	)
	return Result{CommitTS: commitTS, Txns: len(batch), Writes: n}, nil
}

func (e *Executor) executeTxn(ctx context.Context, txn Txn, snapshotTS uint64) ([]Write, error) {
	view := newSnapshotView(e.st, snapshotTS, txn.ReadSet())
	ws, err := txn.Execute(ctx, view)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	declared := keySet(txn.WriteSet())
	for _, w := range ws {
		if _, ok := declared[w.Key]; !ok {
			return nil, errors.Wrapf(ErrUndeclaredWrite, "key %q", w.Key)
		}
	}
	return ws, nil
}

// partition groups writes by key hash. Each shard keeps batch order, so the
// last write of a key in the batch is the one that survives.
func (e *Executor) partition(writes [][]Write) ([][]*store.KVPairMutation, int, error) {
	shards := make([][]*store.KVPairMutation, e.shards)
	n := 0
	for _, ws := range writes {
		for _, w := range ws {
			i, err := e.shardOf(w.Key)
			if err != nil {
				return nil, 0, err
			}
			mut := &store.KVPairMutation{Op: store.OpTypePut, Key: []byte(w.Key), Value: w.Value}
			if w.Delete {
				mut.Op = store.OpTypeDelete
				mut.Value = nil
			}
			shards[i] = append(shards[i], mut)
			n++
		}
	}
	return shards, n, nil
}

func (e *Executor) shardOf(key string) (int, error) {
	return internal.WithStacks(internal.Uint64ToInt(murmur3.Sum64([]byte(key)) % uint64(e.shards)))
}

func (e *Executor) apply(ctx context.Context, shards [][]*store.KVPairMutation, commitTS uint64) error {
	eg, egctx := errgroup.WithContext(ctx)
	for _, muts := range shards {
		if len(muts) == 0 {
			continue
		}
		eg.Go(func() error {
			return errors.WithStack(e.st.ApplyMutations(egctx, muts, commitTS))
		})
	}
	return errors.WithStack(eg.Wait())
}

// ValidateBatch reports ErrReadAfterWrite if a transaction reads a key that
// a transaction placed before it in batch writes.
func ValidateBatch[K comparable, T orderer.Transaction[K]](batch []T) error {
	written := make(map[K]int)
	for i, txn := range batch {
		for _, k := range txn.ReadSet() {
			if w, ok := written[k]; ok {
				return errors.Wrapf(ErrReadAfterWrite, "key %v written at position %d and read at %d", k, w, i)
			}
		}
		for _, k := range txn.WriteSet() {
			written[k] = i
		}
	}
	return nil
}

func keySet(keys []string) map[string]struct{} {
	m := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		m[k] = struct{}{}
	}
	return m
}

type snapshotView struct {
	st      store.MVCCStore
	ts      uint64
	readSet map[string]struct{}
}

func newSnapshotView(st store.MVCCStore, ts uint64, readSet []string) *snapshotView {
	return &snapshotView{st: st, ts: ts, readSet: keySet(readSet)}
}

func (v *snapshotView) Get(ctx context.Context, key string) ([]byte, error) {
	if _, ok := v.readSet[key]; !ok {
		return nil, errors.Wrapf(ErrUndeclaredRead, "key %q", key)
	}
	return internal.WithStacks(v.st.GetAt(ctx, []byte(key), v.ts))
}
