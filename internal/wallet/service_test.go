package wallet

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/rider-agent/internal/api"
	"github.com/example/rider-agent/internal/logging"
	"github.com/example/rider-agent/internal/models"
	"github.com/example/rider-agent/internal/query"
	"github.com/example/rider-agent/internal/testutil/fakeapi"
	"github.com/example/rider-agent/internal/tokenstore"
)

func newTestWallet(t *testing.T) (*Service, *fakeapi.Server, *query.Cache) {
	t.Helper()
	srv := fakeapi.New(t)
	tokens := tokenstore.NewMemoryStore()
	require.NoError(t, tokens.SaveAuthToken(context.Background(), srv.IssueTokens()))
	cache := query.New(time.Minute)
	svc := NewService(api.New(srv.URL(), nil, tokens, logging.Discard()), cache, logging.Discard())
	t.Cleanup(svc.Close)
	return svc, srv, cache
}

func TestWithdrawRefreshesBalance(t *testing.T) {
	ctx := context.Background()
	svc, srv, _ := newTestWallet(t)
	srv.Credit(500000)

	bal, err := svc.Balance(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(500000), bal.Balance)
	_, err = svc.Balance(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, srv.Calls("wallet.balance"))

	tx, err := svc.Withdraw(ctx, 200000)
	require.NoError(t, err)
	assert.Equal(t, models.TxWithdrew, tx.Type)
	assert.Equal(t, models.TxPending, tx.Status)

	bal, err = svc.Balance(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(300000), bal.Balance)
	assert.Equal(t, int64(200000), bal.Pending)

	page, err := svc.Transactions(ctx)
	require.NoError(t, err)
	require.Len(t, page.Transactions, 2)
	assert.Equal(t, tx.ID, page.Transactions[0].ID)

	sum, err := svc.Summary(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(500000), sum.TotalEarnings)
	assert.Equal(t, int64(200000), sum.TotalWithdrawn)
}

func TestWithdrawErrors(t *testing.T) {
	ctx := context.Background()
	svc, srv, _ := newTestWallet(t)
	srv.Credit(1000)

	_, err := svc.Withdraw(ctx, 0)
	assert.ErrorIs(t, err, ErrInvalidAmount)
	assert.Zero(t, srv.Calls("wallet.withdraw"))

	_, err = svc.Withdraw(ctx, 5000)
	require.Error(t, err)
	assert.True(t, api.IsCode(err, api.CodeInsufficientBalance))
	assert.Equal(t, "Your wallet balance is too low for this withdrawal.", api.UserMessage(err))
}

func TestCompletedOrdersInvalidateWallet(t *testing.T) {
	ctx := context.Background()
	svc, srv, cache := newTestWallet(t)

	_, err := svc.Balance(ctx)
	require.NoError(t, err)
	srv.Credit(120000)

	cache.Invalidate(query.KeyCompletedOrders)
	bal, err := svc.Balance(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(120000), bal.Balance)
	assert.Equal(t, 2, srv.Calls("wallet.balance"))
}
