package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"strconv"
	"time"

	"github.com/bootjp/txnorder/executor"
	"github.com/bootjp/txnorder/pipeline"
	"github.com/bootjp/txnorder/store"
	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spaolacci/murmur3"
	"golang.org/x/sync/errgroup"
)

var (
	txns      = flag.Int("txns", 10000, "Number of transactions to generate")
	keys      = flag.Int("keys", 64, "Number of accounts")
	batch     = flag.Int("batch", 256, "Maximum batch size")
	workers   = flag.Int("workers", 8, "Executor workers per batch")
	producers = flag.Int("producers", 4, "Concurrent submitters")
	auditPct  = flag.Int("audit", 2, "Percentage of transactions that audit every account")
	seed      = flag.Uint64("seed", 1, "Workload seed")
	verbose   = flag.Bool("v", false, "Log every batch")
)

const (
	initialBalance = 1000
	maxTransfer    = 10
	seedTS         = 1
)

func init() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))
}

type config struct {
	txns      int
	keys      int
	batch     int
	workers   int
	producers int
	auditPct  int
	seed      uint64
	verbose   bool
}

func main() {
	flag.Parse()

	cfg := config{
		txns:      *txns,
		keys:      *keys,
		batch:     *batch,
		workers:   *workers,
		producers: *producers,
		auditPct:  *auditPct,
		seed:      *seed,
		verbose:   *verbose,
	}
	if err := run(context.Background(), cfg); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func account(i int) string {
	return fmt.Sprintf("acct/%04d", i)
}

func run(ctx context.Context, cfg config) error {
	if cfg.keys < 2 || cfg.producers < 1 {
		return errors.Newf("need at least two accounts and one producer, got %d and %d", cfg.keys, cfg.producers)
	}

	level := slog.LevelInfo
	if cfg.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

	st := store.NewMVCCStore()
	defer func() { _ = st.Close() }()
	for i := range cfg.keys {
		if err := st.PutAt(ctx, []byte(account(i)), []byte(strconv.Itoa(initialBalance)), seedTS); err != nil {
			return errors.WithStack(err)
		}
	}
	supply := cfg.keys * initialBalance

	reg := prometheus.NewRegistry()
	ex := executor.New(st, executor.WithWorkers(cfg.workers), executor.WithLogger(logger))
	p, err := pipeline.New(st, ex,
		pipeline.WithMaxBatchSize(cfg.batch),
		pipeline.WithRegisterer(reg),
		pipeline.WithLogger(logger),
	)
	if err != nil {
		return err
	}

	start := time.Now()
	if err := drive(ctx, p, cfg, supply); err != nil {
		return err
	}

	stats := p.Stats()
	slog.Info("workload finished",
		slog.Int("txns", cfg.txns),
		slog.Uint64("batches", stats.Batches),
		slog.Uint64("committed", stats.Committed),
		slog.Uint64("failed", stats.Failed),
		slog.Duration("elapsed", time.Since(start)),
	)

	// an audit fails its batch only when it observes a torn snapshot
	if stats.Failed > 0 {
		return errors.Newf("%d transactions failed", stats.Failed)
	}
	return verify(ctx, st, cfg.keys, supply)
}

type runner interface {
	Submit(ctx context.Context, txns ...executor.Txn) error
	Run(ctx context.Context) error
	Close()
}

// drive runs p while the producers submit the workload. A failing Run
// cancels the producers, which could otherwise block in Submit forever.
func drive(ctx context.Context, p runner, cfg config, supply int) error {
	submitCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	runDone := make(chan error, 1)
	go func() {
		err := p.Run(ctx)
		if err != nil {
			cancel()
		}
		runDone <- err
	}()

	eg, egctx := errgroup.WithContext(submitCtx)
	for w := range cfg.producers {
		eg.Go(func() error {
			rng := rand.New(rand.NewPCG(cfg.seed, uint64(w)))
			for i := w; i < cfg.txns; i += cfg.producers {
				if err := p.Submit(egctx, generate(rng, cfg, supply)); err != nil {
					return err
				}
			}
			return nil
		})
	}
	submitErr := eg.Wait()
	p.Close()
	if err := <-runDone; err != nil {
		return err
	}
	return submitErr
}

func generate(rng *rand.Rand, cfg config, supply int) executor.Txn {
	if rng.IntN(100) < cfg.auditPct {
		return newAudit(cfg.keys, supply)
	}
	from := rng.IntN(cfg.keys)
	to := rng.IntN(cfg.keys - 1)
	if to >= from {
		to++
	}
	return transfer{from: account(from), to: account(to), amount: 1 + rng.IntN(maxTransfer)}
}

// verify checks that every account survived and no money was created or
// lost, and logs a checksum of the final state.
func verify(ctx context.Context, st store.MVCCStore, n int, supply int) error {
	ts := st.LastCommitTS()
	for i := range n {
		ok, err := st.ExistsAt(ctx, []byte(account(i)), ts)
		if err != nil {
			return errors.WithStack(err)
		}
		if !ok {
			return errors.Newf("account %s missing at %d", account(i), ts)
		}
	}

	kvs, err := st.ScanAt(ctx, []byte(account(0)), []byte(account(n-1)), n, ts)
	if err != nil {
		return errors.WithStack(err)
	}

	h := murmur3.New64()
	total := 0
	for _, kv := range kvs {
		b, err := strconv.Atoi(string(kv.Value))
		if err != nil {
			return errors.Wrapf(err, "balance of %s", kv.Key)
		}
		total += b
		_, _ = h.Write(kv.Key)
		_, _ = h.Write(kv.Value)
	}
	if total != supply {
		return errors.Newf("total balance %d, want %d", total, supply)
	}

	auditTS, audited, err := st.LatestCommitTS(ctx, []byte(auditKey))
	if err != nil {
		return errors.WithStack(err)
	}

	slog.Info("state verified",
		slog.Int("accounts", len(kvs)),
		slog.Int("total", total),
		slog.String("checksum", fmt.Sprintf("%016x", h.Sum64())),
		slog.Uint64("commit_ts", ts),
		slog.Bool("audited", audited),
		slog.Uint64("last_audit_ts", auditTS),
	)
	return nil
}
