package internal

import "github.com/cockroachdb/errors"

// WithStacks attaches a stack trace to err while passing t through, for
// wrapping two-value returns in one line.
func WithStacks[T any](t T, err error) (T, error) {
	//nolint:wrapcheck
	return t, errors.WithStackDepth(err, 1)
}
