//go:build integration

package ledger

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/genmeter/internal/testutil"
)

func newPostgresLedger(t *testing.T) (*Ledger, func()) {
	t.Helper()
	db, cleanup := testutil.PGTest(t)
	return New(NewPostgresStore(db)), cleanup
}

func TestPostgres_DeductScenario(t *testing.T) {
	l, cleanup := newPostgresLedger(t)
	defer cleanup()
	ctx := context.Background()

	_, err := l.CreateAccount(ctx, "acct_pg", TierFree, "")
	require.NoError(t, err)
	_, err = l.Credit(ctx, "acct_pg", BucketCrypto, 10, "seed:c")
	require.NoError(t, err)
	_, err = l.Credit(ctx, "acct_pg", BucketPack, 15, "seed:p")
	require.NoError(t, err)
	_, err = l.store.Update(ctx, "acct_pg", func(a *Account) (*Entry, error) {
		a.Balances.Tier = 5
		return nil, nil
	})
	require.NoError(t, err)

	for _, step := range []struct {
		amount int64
		want   Balances
	}{
		{7, Balances{0, 8, 15}},
		{12, Balances{0, 0, 11}},
		{15, Balances{0, 0, -4}},
	} {
		b, err := l.Deduct(ctx, "acct_pg", step.amount, DeductOptions{})
		require.NoError(t, err)
		assert.Equal(t, step.want, b)
	}

	entries, err := l.GetHistory(ctx, "acct_pg", 10)
	require.NoError(t, err)
	assert.Len(t, entries, 5)
}

func TestPostgres_ConcurrentDeductions(t *testing.T) {
	l, cleanup := newPostgresLedger(t)
	defer cleanup()
	ctx := context.Background()

	_, err := l.CreateAccount(ctx, "acct_cc", TierFree, "")
	require.NoError(t, err)
	_, err = l.Credit(ctx, "acct_cc", BucketPack, 50, "seed")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Deduct(ctx, "acct_cc", 2, DeductOptions{})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	acct, err := l.GetAccount(ctx, "acct_cc")
	require.NoError(t, err)
	assert.Equal(t, int64(-30), acct.Balances.Pack)
}

func TestPostgres_CreditIdempotentAndRefill(t *testing.T) {
	l, cleanup := newPostgresLedger(t)
	defer cleanup()
	ctx := context.Background()

	_, err := l.CreateAccount(ctx, "acct_r", TierBasic, "0x00000000000000000000000000000000000000aa")
	require.NoError(t, err)

	_, _, err = l.CreditByWallet(ctx, "0x00000000000000000000000000000000000000AA", BucketCrypto, 9, "0xt:1")
	require.NoError(t, err)
	_, err = l.Credit(ctx, "acct_r", BucketCrypto, 9, "0xt:1")
	assert.ErrorIs(t, err, ErrDuplicateCredit)

	n, err := l.RefillDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	ok, err := l.Refill(ctx, "acct_r")
	require.NoError(t, err)
	assert.False(t, ok)

	acct, err := l.GetAccount(ctx, "acct_r")
	require.NoError(t, err)
	assert.Equal(t, Balances{Tier: 500, Crypto: 9}, acct.Balances)
}
