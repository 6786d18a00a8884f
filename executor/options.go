package executor

import (
	"log/slog"
	"os"
)

const (
	defaultWorkers = 8
	defaultShards  = 4
)

type options struct {
	workers  int
	shards   int
	validate bool
	log      *slog.Logger
}

type Option func(*options)

// WithWorkers bounds how many transactions of a batch execute at once.
func WithWorkers(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.workers = n
		}
	}
}

// WithShards sets how many partitions apply a batch's writes concurrently.
func WithShards(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.shards = n
		}
	}
}

// WithValidation makes ExecuteBatch reject batches that contain a
// read-after-write hazard before running them.
func WithValidation(enabled bool) Option {
	return func(o *options) {
		o.validate = enabled
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.log = l
		}
	}
}

func newOptions(opts []Option) options {
	o := options{
		workers: defaultWorkers,
		shards:  defaultShards,
		log: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelWarn,
		})),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
