// Package pipeline feeds transactions from concurrent producers through a
// windowed orderer into an executor.
//
// The orderer is single-owner, so every orderer call happens on the
// goroutine running Run. Producers hand transactions over with Submit.
//
// The orderer's window holds the most recent committed batches (see
// WithWindowDepth): a writer of a key they wrote waits until they are
// forgotten, one batch per later commit.
package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/bootjp/txnorder/executor"
	"github.com/bootjp/txnorder/orderer"
	"github.com/bootjp/txnorder/store"
	"github.com/cockroachdb/errors"
)

var ErrClosed = errors.New("pipeline closed")

// Stats is a point-in-time snapshot of the pipeline counters.
type Stats struct {
	Submitted uint64
	Batches   uint64
	Committed uint64
	Failed    uint64
}

// Pending returns how many submitted transactions have not been committed.
func (s Stats) Pending() uint64 {
	return s.Submitted - s.Committed - s.Failed
}

type Pipeline struct {
	orderer  *orderer.WindowedOrderer[string, executor.Txn]
	exec     *executor.Executor
	st       store.MVCCStore
	maxBatch int

	windowDepth int
	// sizes of the committed batches still in the window, oldest first
	windowBatches []int

	// unbuffered: a successful send means Run has taken the transactions
	submitCh  chan []executor.Txn
	closed    chan struct{}
	closeOnce sync.Once

	submitted atomic.Uint64
	batches   atomic.Uint64
	committed atomic.Uint64
	failed    atomic.Uint64

	metrics *metrics
	log     *slog.Logger
}

func New(st store.MVCCStore, exec *executor.Executor, opts ...Option) (*Pipeline, error) {
	o := newOptions(opts)
	m := newMetrics()
	if err := m.register(o.registerer); err != nil {
		return nil, err
	}
	return &Pipeline{
		orderer:     orderer.NewWithWindow[string, executor.Txn](orderer.WithLogger(o.log)),
		exec:        exec,
		st:          st,
		maxBatch:    o.maxBatchSize,
		windowDepth: o.windowDepth,
		submitCh:    make(chan []executor.Txn),
		closed:      make(chan struct{}),
		metrics:     m,
		log:         o.log,
	}, nil
}

// Submit hands txns to the pipeline. It blocks until Run accepts them, ctx
// is done or the pipeline is closed. Transactions accepted by Submit are
// ordered in the order given.
func (p *Pipeline) Submit(ctx context.Context, txns ...executor.Txn) error {
	if len(txns) == 0 {
		return nil
	}
	select {
	case <-p.closed:
		return errors.WithStack(ErrClosed)
	default:
	}

	select {
	case p.submitCh <- txns:
		return nil
	case <-p.closed:
		return errors.WithStack(ErrClosed)
	case <-ctx.Done():
		return errors.WithStack(ctx.Err())
	}
}

// Close stops accepting submissions. Run finishes the transactions it has
// already accepted and then returns nil.
func (p *Pipeline) Close() {
	p.closeOnce.Do(func() {
		close(p.closed)
	})
}

func (p *Pipeline) Stats() Stats {
	// outcomes first, so Submitted never trails them
	s := Stats{
		Failed:    p.failed.Load(),
		Committed: p.committed.Load(),
		Batches:   p.batches.Load(),
	}
	s.Submitted = p.submitted.Load()
	return s
}

// Run owns the orderer until ctx is done or the pipeline is closed and
// drained. A batch whose execution fails is logged and counted, and its
// transactions are not retried.
func (p *Pipeline) Run(ctx context.Context) error {
	for {
		if p.orderer.IsEmpty() {
			select {
			case txns := <-p.submitCh:
				p.add(txns)
			case <-p.closed:
				if !p.absorb() {
					p.log.InfoContext(ctx, "pipeline drained", slog.Uint64("batches", p.batches.Load()))
					return nil
				}
			case <-ctx.Done():
				return errors.WithStack(ctx.Err())
			}
		}

		p.absorb()
		if err := ctx.Err(); err != nil {
			return errors.WithStack(err)
		}
		if err := p.step(ctx); err != nil {
			return err
		}
	}
}

// absorb adds every submission that is ready without blocking and reports
// whether there was any.
func (p *Pipeline) absorb() bool {
	got := false
	for {
		select {
		case txns := <-p.submitCh:
			p.add(txns)
			got = true
		default:
			return got
		}
	}
}

func (p *Pipeline) add(txns []executor.Txn) {
	// counted here, before any of them can be committed
	p.submitted.Add(uint64(len(txns)))
	p.orderer.AddTransactions(txns...)
	p.metrics.active.Set(float64(p.orderer.CountActiveTransactions()))
}

func (p *Pipeline) step(ctx context.Context) error {
	if p.orderer.CountSelected() > 0 {
		p.commitBatch(ctx)
		return nil
	}
	if len(p.windowBatches) > 0 {
		p.forgetOldest(ctx)
		return nil
	}
	if p.orderer.IsEmpty() {
		return nil
	}
	return errors.AssertionFailedf("orderer stalled with %d active transactions", p.orderer.CountActiveTransactions())
}

func (p *Pipeline) commitBatch(ctx context.Context) {
	n := min(p.maxBatch, p.orderer.CountSelected())

	var res executor.Result
	err := p.orderer.CommitPrefixFunc(n, func(batch []executor.Txn) error {
		var err error
		res, err = p.exec.ExecuteBatch(ctx, batch)
		return err
	})

	p.batches.Add(1)
	p.metrics.observeBatch(n, err != nil)
	p.metrics.active.Set(float64(p.orderer.CountActiveTransactions()))
	if err != nil {
		p.failed.Add(uint64(n))
		p.log.WarnContext(ctx, "batch failed",
			slog.Int("size", n),
			slog.Any("error", err),
		)
	} else {
		p.committed.Add(uint64(n))
		p.log.DebugContext(ctx, "batch committed",
			slog.Int("size", n),
			slog.Uint64("commit_ts", res.CommitTS),
			slog.Int("writes", res.Writes),
		)
	}

	p.windowBatches = append(p.windowBatches, n)
	for len(p.windowBatches) > p.windowDepth {
		p.forgetOldest(ctx)
	}

	// Every later batch reads at or after the current commit timestamp.
	if err := p.st.Compact(ctx, p.st.LastCommitTS()); err != nil {
		p.log.WarnContext(ctx, "compact failed", slog.Any("error", err))
	}
}

func (p *Pipeline) forgetOldest(ctx context.Context) {
	n := p.windowBatches[0]
	p.windowBatches = p.windowBatches[1:]
	p.orderer.ForgetPrefix(n)
	p.log.DebugContext(ctx, "batch forgotten",
		slog.Int("size", n),
		slog.Int("window", p.orderer.WindowSize()),
	)
}
