package escrow

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nkolo/marketpay/internal/ledger"
	"github.com/nkolo/marketpay/internal/money"
)

// These tests wire the escrow service to the real in-memory ledger so the
// whole money path is exercised end to end: hold, release, refund, split,
// and the balances each leaves behind.

func newLifecycleFixture(t *testing.T) (*Service, *ledger.Ledger) {
	t.Helper()
	led := ledger.New(ledger.NewMemoryStore(), nil)
	svc := NewService(NewMemoryStore(), led, testPolicy(), nil).WithArbiters("arbiter_1")
	return svc, led
}

func balance(t *testing.T, led *ledger.Ledger, userID string) int64 {
	t.Helper()
	w, err := led.BalanceOf(context.Background(), userID, "XAF")
	require.NoError(t, err)
	return w.Available
}

func TestLifecycle_ConfirmPaysSellerAndPlatform(t *testing.T) {
	svc, led := newLifecycleFixture(t)
	ctx := context.Background()

	e, err := svc.Create(ctx, CreateRequest{
		OrderID: "ord_l1", CustomerID: "cust_1", SellerID: "seller_1",
		Currency: "XAF", TotalAmount: 10000,
	})
	require.NoError(t, err)
	require.Equal(t, int64(10000), balance(t, led, ledger.AccountEscrow))

	_, err = svc.ConfirmDelivery(ctx, e.ID)
	require.NoError(t, err)

	require.Equal(t, int64(0), balance(t, led, ledger.AccountEscrow))
	require.Equal(t, int64(9000), balance(t, led, "seller_1"))
	require.Equal(t, int64(1000), balance(t, led, ledger.AccountPlatform))

	// Replaying the confirmation moves nothing.
	_, err = svc.ConfirmDelivery(ctx, e.ID)
	require.NoError(t, err)
	require.Equal(t, int64(9000), balance(t, led, "seller_1"))
}

func TestLifecycle_RefundReturnsEverything(t *testing.T) {
	svc, led := newLifecycleFixture(t)
	ctx := context.Background()

	e, err := svc.Create(ctx, CreateRequest{
		OrderID: "ord_l2", CustomerID: "cust_1", SellerID: "seller_1",
		Currency: "XAF", TotalAmount: 10000,
	})
	require.NoError(t, err)

	_, err = svc.Refund(ctx, e.ID, "out of stock")
	require.NoError(t, err)

	require.Equal(t, int64(0), balance(t, led, ledger.AccountEscrow))
	require.Equal(t, int64(10000), balance(t, led, "cust_1"))
	require.Equal(t, int64(0), balance(t, led, "seller_1"))
	require.Equal(t, int64(0), balance(t, led, ledger.AccountPlatform))
}

func TestLifecycle_SplitResolutionBalances(t *testing.T) {
	svc, led := newLifecycleFixture(t)
	ctx := context.Background()

	e, err := svc.Create(ctx, CreateRequest{
		OrderID: "ord_l3", CustomerID: "cust_1", SellerID: "seller_1",
		Currency: "XAF", TotalAmount: 10000,
	})
	require.NoError(t, err)

	_, err = svc.OpenDispute(ctx, e.ID, "half the shipment missing", "cust_1")
	require.NoError(t, err)

	_, err = svc.ResolveDispute(ctx, e.ID,
		Outcome{Kind: SplitSettlement, Ratio: money.MustRate("0.5")}, "arbiter_1")
	require.NoError(t, err)

	require.Equal(t, int64(0), balance(t, led, ledger.AccountEscrow))
	require.Equal(t, int64(4500), balance(t, led, "seller_1"))
	require.Equal(t, int64(5000), balance(t, led, "cust_1"))
	require.Equal(t, int64(500), balance(t, led, ledger.AccountPlatform))

	// Projection must agree with a full replay of the entries.
	for _, user := range []string{"seller_1", "cust_1", ledger.AccountPlatform, ledger.AccountEscrow} {
		projected, replayed, err := led.VerifyProjection(ctx, user, "XAF")
		require.NoError(t, err)
		require.Equal(t, replayed, projected, "projection drift for %s", user)
	}
}

func TestLifecycle_ConcurrentConfirmAndRefund(t *testing.T) {
	svc, led := newLifecycleFixture(t)
	ctx := context.Background()

	e, err := svc.Create(ctx, CreateRequest{
		OrderID: "ord_l4", CustomerID: "cust_1", SellerID: "seller_1",
		Currency: "XAF", TotalAmount: 10000,
	})
	require.NoError(t, err)

	var wg sync.WaitGroup
	var confirmErr, refundErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, confirmErr = svc.ConfirmDelivery(ctx, e.ID)
	}()
	go func() {
		defer wg.Done()
		_, refundErr = svc.Refund(ctx, e.ID, "racing cancel")
	}()
	wg.Wait()

	// Exactly one wins; the loser sees the guard error.
	if confirmErr == nil {
		require.ErrorIs(t, refundErr, ErrEscrowNotHeld)
		require.Equal(t, int64(9000), balance(t, led, "seller_1"))
		require.Equal(t, int64(0), balance(t, led, "cust_1"))
	} else {
		require.NoError(t, refundErr)
		require.ErrorIs(t, confirmErr, ErrEscrowNotHeld)
		require.Equal(t, int64(10000), balance(t, led, "cust_1"))
		require.Equal(t, int64(0), balance(t, led, "seller_1"))
	}
	require.Equal(t, int64(0), balance(t, led, ledger.AccountEscrow))
}
