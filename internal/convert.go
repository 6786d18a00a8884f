package internal

import (
	"math"

	"github.com/cockroachdb/errors"
)

var ErrIntOverflow = errors.New("value overflows int")

func Uint64ToInt(u uint64) (int, error) {
	if u > math.MaxInt64 {
		return 0, errors.WithStack(ErrIntOverflow)
	}
	return int(u), nil
}
