package pipeline

import (
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	defaultMaxBatchSize = 256
	defaultWindowDepth  = 1
)

type options struct {
	maxBatchSize int
	windowDepth  int
	registerer   prometheus.Registerer
	log          *slog.Logger
}

type Option func(*options)

// WithMaxBatchSize caps how many selected transactions are committed and
// executed as one batch.
func WithMaxBatchSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxBatchSize = n
		}
	}
}

// WithWindowDepth sets how many committed batches stay in the orderer's
// window. A transaction writing a key written by one of them is not selected
// until that batch is forgotten. Zero forgets every batch once it has run.
func WithWindowDepth(n int) Option {
	return func(o *options) {
		if n >= 0 {
			o.windowDepth = n
		}
	}
}

// WithRegisterer registers the pipeline metrics on r. Without it the
// metrics are still maintained but not exported.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(o *options) {
		o.registerer = r
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
		maxBatchSize: defaultMaxBatchSize,
		windowDepth:  defaultWindowDepth,
		log: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelWarn,
		})),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
