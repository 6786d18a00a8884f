package main

import (
	"context"
	"strconv"

	"github.com/bootjp/txnorder/executor"
	"github.com/cockroachdb/errors"
)

var errTornSnapshot = errors.New("audit observed a torn snapshot")

func readBalance(ctx context.Context, view executor.View, key string) (int, error) {
	v, err := view.Get(ctx, key)
	if err != nil {
		return 0, errors.Wrapf(err, "read %s", key)
	}
	b, err := strconv.Atoi(string(v))
	if err != nil {
		return 0, errors.Wrapf(err, "balance of %s", key)
	}
	return b, nil
}

// transfer moves amount from one account to another. It never overdraws:
// a short balance moves what is left.
type transfer struct {
	from   string
	to     string
	amount int
}

func (t transfer) ReadSet() []string  { return []string{t.from, t.to} }
func (t transfer) WriteSet() []string { return []string{t.from, t.to} }

func (t transfer) Execute(ctx context.Context, view executor.View) ([]executor.Write, error) {
	from, err := readBalance(ctx, view, t.from)
	if err != nil {
		return nil, err
	}
	to, err := readBalance(ctx, view, t.to)
	if err != nil {
		return nil, err
	}
	amount := min(t.amount, from)
	return []executor.Write{
		{Key: t.from, Value: []byte(strconv.Itoa(from - amount))},
		{Key: t.to, Value: []byte(strconv.Itoa(to + amount))},
	}, nil
}

const auditKey = "audit/last"

// audit reads every account and records the total. The total only matches
// the supply if no transfer of the same batch was visible to it.
type audit struct {
	accounts []string
	supply   int
}

func newAudit(n int, supply int) audit {
	accounts := make([]string, 0, n)
	for i := range n {
		accounts = append(accounts, account(i))
	}
	return audit{accounts: accounts, supply: supply}
}

func (a audit) ReadSet() []string  { return a.accounts }
func (a audit) WriteSet() []string { return []string{auditKey} }

func (a audit) Execute(ctx context.Context, view executor.View) ([]executor.Write, error) {
	total := 0
	for _, k := range a.accounts {
		b, err := readBalance(ctx, view, k)
		if err != nil {
			return nil, err
		}
		total += b
	}
	if total != a.supply {
		return nil, errors.Wrapf(errTornSnapshot, "total %d, supply %d", total, a.supply)
	}
	return []executor.Write{{Key: auditKey, Value: []byte(strconv.Itoa(total))}}, nil
}
