package pipeline

import (
	"context"
	"fmt"
	"strconv"
	"testing"

	"github.com/bootjp/txnorder/executor"
	"github.com/bootjp/txnorder/store"
	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// incrTxn adds one to the integer stored under each of its keys.
type incrTxn struct {
	keys []string
}

func (t incrTxn) ReadSet() []string  { return t.keys }
func (t incrTxn) WriteSet() []string { return t.keys }

func (t incrTxn) Execute(ctx context.Context, view executor.View) ([]executor.Write, error) {
	out := make([]executor.Write, 0, len(t.keys))
	for _, k := range t.keys {
		n := 0
		v, err := view.Get(ctx, k)
		switch {
		case errors.Is(err, store.ErrKeyNotFound):
		case err != nil:
			return nil, err
		default:
			if n, err = strconv.Atoi(string(v)); err != nil {
				return nil, errors.WithStack(err)
			}
		}
		out = append(out, executor.Write{Key: k, Value: []byte(strconv.Itoa(n + 1))})
	}
	return out, nil
}

var errBoom = errors.New("boom")

type failTxn struct{}

func (failTxn) ReadSet() []string  { return nil }
func (failTxn) WriteSet() []string { return []string{"fail"} }
func (failTxn) Execute(context.Context, executor.View) ([]executor.Write, error) {
	return nil, errBoom
}

func newTestPipeline(t *testing.T, opts ...Option) (*Pipeline, store.MVCCStore) {
	t.Helper()
	st := store.NewMVCCStore()
	p, err := New(st, executor.New(st), opts...)
	require.NoError(t, err)
	return p, st
}

func startRun(ctx context.Context, p *Pipeline) <-chan error {
	done := make(chan error, 1)
	go func() {
		done <- p.Run(ctx)
	}()
	return done
}

func readCounter(t *testing.T, st store.MVCCStore, key string) int {
	t.Helper()
	v, err := st.GetAt(context.Background(), []byte(key), st.LastCommitTS())
	require.NoError(t, err)
	n, err := strconv.Atoi(string(v))
	require.NoError(t, err)
	return n
}

func TestPipeline_ConcurrentProducersLoseNoUpdate(t *testing.T) {
	ctx := context.Background()
	p, st := newTestPipeline(t, WithMaxBatchSize(7))
	done := startRun(ctx, p)

	const producers, perProducer, nKeys = 4, 50, 5
	eg, egctx := errgroup.WithContext(ctx)
	for w := range producers {
		eg.Go(func() error {
			for i := range perProducer {
				a := fmt.Sprintf("k%d", (w+i)%nKeys)
				b := fmt.Sprintf("k%d", (w+2*i+1)%nKeys)
				if err := p.Submit(egctx, incrTxn{keys: []string{a, b}}); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, eg.Wait())
	p.Close()
	require.NoError(t, <-done)

	// Each transaction adds one per distinct key, so the total is fixed.
	want := 0
	for w := range producers {
		for i := range perProducer {
			if (w+i)%nKeys == (w+2*i+1)%nKeys {
				want++
			} else {
				want += 2
			}
		}
	}
	got := 0
	for k := range nKeys {
		got += readCounter(t, st, fmt.Sprintf("k%d", k))
	}
	assert.Equal(t, want, got)

	stats := p.Stats()
	assert.Equal(t, uint64(producers*perProducer), stats.Submitted)
	assert.Equal(t, uint64(producers*perProducer), stats.Committed)
	assert.Zero(t, stats.Failed)
	assert.Zero(t, stats.Pending())
	assert.Positive(t, stats.Batches)
}

func TestPipeline_ConflictingTransactionsInOneSubmit(t *testing.T) {
	ctx := context.Background()
	p, st := newTestPipeline(t)
	done := startRun(ctx, p)

	require.NoError(t, p.Submit(ctx, incrTxn{keys: []string{"a"}}, incrTxn{keys: []string{"a"}}))
	p.Close()
	require.NoError(t, <-done)
	assert.Equal(t, 2, readCounter(t, st, "a"))
}

func TestPipeline_FailedBatchIsCounted(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	p, st := newTestPipeline(t, WithRegisterer(reg), WithMaxBatchSize(1))
	done := startRun(ctx, p)

	require.NoError(t, p.Submit(ctx, failTxn{}, incrTxn{keys: []string{"ok"}}))
	p.Close()
	require.NoError(t, <-done)

	stats := p.Stats()
	assert.Equal(t, uint64(1), stats.Failed)
	assert.Equal(t, uint64(1), stats.Committed)
	assert.Equal(t, 1, readCounter(t, st, "ok"))

	assert.InDelta(t, 1, testutil.ToFloat64(p.metrics.batches.WithLabelValues(outcomeFailed)), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(p.metrics.batches.WithLabelValues(outcomeOK)), 0)
	assert.InDelta(t, 0, testutil.ToFloat64(p.metrics.active), 0)

	// two outcomes for each counter, the histogram and the gauge
	assert.Equal(t, 6, testutil.CollectAndCount(reg))
}

func TestPipeline_RegistersMetricsOnce(t *testing.T) {
	reg := prometheus.NewRegistry()
	newTestPipeline(t, WithRegisterer(reg))

	st := store.NewMVCCStore()
	_, err := New(st, executor.New(st), WithRegisterer(reg))
	require.Error(t, err)
}

func TestPipeline_SubmitAfterClose(t *testing.T) {
	p, _ := newTestPipeline(t)
	p.Close()
	p.Close()

	err := p.Submit(context.Background(), incrTxn{keys: []string{"a"}})
	require.ErrorIs(t, err, ErrClosed)
	require.NoError(t, p.Run(context.Background()))
}

func TestPipeline_SubmitHonoursContext(t *testing.T) {
	p, _ := newTestPipeline(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// nothing is running, so the hand-over can never happen
	err := p.Submit(ctx, incrTxn{keys: []string{"a"}})
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, p.Stats().Submitted)
	require.NoError(t, p.Submit(ctx))
}

func TestPipeline_RunStopsOnCancel(t *testing.T) {
	p, _ := newTestPipeline(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := startRun(ctx, p)
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

// putTxn blindly writes value under key.
type putTxn struct {
	key   string
	value string
}

func (t putTxn) ReadSet() []string  { return nil }
func (t putTxn) WriteSet() []string { return []string{t.key} }
func (t putTxn) Execute(context.Context, executor.View) ([]executor.Write, error) {
	return []executor.Write{{Key: t.key, Value: []byte(t.value)}}, nil
}

func readString(t *testing.T, st store.MVCCStore, key string) string {
	t.Helper()
	v, err := st.GetAt(context.Background(), []byte(key), st.LastCommitTS())
	require.NoError(t, err)
	return string(v)
}

func TestPipeline_WindowHoldsBackWritersOfRecentBatch(t *testing.T) {
	ctx := context.Background()
	p, st := newTestPipeline(t)

	p.add([]executor.Txn{putTxn{key: "a", value: "1"}})
	require.NoError(t, p.step(ctx))
	require.Equal(t, 1, p.orderer.WindowSize())

	p.add([]executor.Txn{putTxn{key: "a", value: "2"}, putTxn{key: "b", value: "1"}})
	// a is still remembered, so only the writer of b is free
	require.Equal(t, 1, p.orderer.CountSelected())

	// committing b pushes the first batch out of the window
	require.NoError(t, p.step(ctx))
	require.Equal(t, "1", readString(t, st, "b"))
	require.Equal(t, "1", readString(t, st, "a"))
	require.Equal(t, 1, p.orderer.WindowSize())
	require.Equal(t, 1, p.orderer.CountSelected())

	require.NoError(t, p.step(ctx))
	require.True(t, p.orderer.IsEmpty())
	assert.Equal(t, "2", readString(t, st, "a"))
	assert.Equal(t, uint64(3), p.Stats().Batches)
}

func TestPipeline_WindowDepth(t *testing.T) {
	ctx := context.Background()

	cases := []struct {
		name string
		// selected right after the second writer of a is added
		wantSelected int
		// steps needed to commit it
		wantSteps int
	}{
		{name: "zero", wantSelected: 1, wantSteps: 1},
		{name: "one", wantSelected: 0, wantSteps: 2},
		{name: "two", wantSelected: 0, wantSteps: 2},
	}
	for depth, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p, st := newTestPipeline(t, WithWindowDepth(depth))

			p.add([]executor.Txn{putTxn{key: "a", value: "1"}})
			require.NoError(t, p.step(ctx))
			require.Equal(t, min(depth, 1), len(p.windowBatches))

			p.add([]executor.Txn{putTxn{key: "a", value: "2"}})
			require.Equal(t, tc.wantSelected, p.orderer.CountSelected())

			steps := 0
			for !p.orderer.IsEmpty() {
				require.NoError(t, p.step(ctx))
				steps++
			}
			assert.Equal(t, tc.wantSteps, steps)
			assert.Equal(t, "2", readString(t, st, "a"))
		})
	}
}
