package orderer

import (
	"log/slog"
	"os"
)

type options struct {
	log *slog.Logger
}

// Option configures an orderer.
type Option func(*options)

// WithLogger replaces the default JSON logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.log = l
		}
	}
}

func newOptions(opts []Option) options {
	o := options{
		log: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelWarn,
		})),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
