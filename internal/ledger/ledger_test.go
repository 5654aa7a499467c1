package ledger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLedger() *Ledger {
	return New(NewMemoryStore(), nil)
}

func holdEntries(escrowID string, total int64) []*Entry {
	return []*Entry{
		{UserID: AccountClearing, Currency: "XAF", Amount: -total, Type: TypePayment, EscrowID: escrowID},
		{UserID: AccountEscrow, Currency: "XAF", Amount: total, Type: TypePayment, EscrowID: escrowID},
	}
}

func TestAppend_CommitsBalancedBatch(t *testing.T) {
	l := newTestLedger()
	ctx := context.Background()

	batch, err := l.Append(ctx, "esc_1:hold", holdEntries("esc_1", 10000))
	require.NoError(t, err)
	require.Len(t, batch.Entries, 2)

	escrow, err := l.BalanceOf(ctx, AccountEscrow, "XAF")
	require.NoError(t, err)
	assert.Equal(t, int64(10000), escrow.Available)

	clearing, err := l.BalanceOf(ctx, AccountClearing, "XAF")
	require.NoError(t, err)
	assert.Equal(t, int64(-10000), clearing.Available)
}

func TestAppend_DuplicateKeyReplaysOriginal(t *testing.T) {
	l := newTestLedger()
	ctx := context.Background()

	first, err := l.Append(ctx, "esc_1:hold", holdEntries("esc_1", 10000))
	require.NoError(t, err)

	// Retry with the same key: no new effects, original batch returned.
	second, err := l.Append(ctx, "esc_1:hold", holdEntries("esc_1", 10000))
	require.NoError(t, err)
	assert.Equal(t, first.Key, second.Key)
	require.Len(t, second.Entries, 2)
	assert.Equal(t, first.Entries[0].ID, second.Entries[0].ID)

	escrow, _ := l.BalanceOf(ctx, AccountEscrow, "XAF")
	assert.Equal(t, int64(10000), escrow.Available, "replay must not double-apply")
}

func TestAppend_RejectsUnbalancedEscrowBatch(t *testing.T) {
	l := newTestLedger()

	_, err := l.Append(context.Background(), "esc_bad:hold", []*Entry{
		{UserID: AccountClearing, Currency: "XAF", Amount: -10000, Type: TypePayment, EscrowID: "esc_bad"},
		{UserID: AccountEscrow, Currency: "XAF", Amount: 9000, Type: TypePayment, EscrowID: "esc_bad"},
	})
	assert.ErrorIs(t, err, ErrUnbalancedEntrySet)
}

func TestAppend_RejectsMixedCurrencyForOneEscrow(t *testing.T) {
	l := newTestLedger()

	_, err := l.Append(context.Background(), "esc_mix:hold", []*Entry{
		{UserID: AccountClearing, Currency: "XAF", Amount: -100, Type: TypePayment, EscrowID: "esc_mix"},
		{UserID: AccountEscrow, Currency: "USD", Amount: 100, Type: TypePayment, EscrowID: "esc_mix"},
	})
	assert.ErrorIs(t, err, ErrMixedCurrency)
}

func TestAppend_RejectsInvalidEntries(t *testing.T) {
	l := newTestLedger()
	ctx := context.Background()

	_, err := l.Append(ctx, "k1", []*Entry{
		{UserID: "", Currency: "XAF", Amount: 1, Type: TypePayment},
	})
	assert.ErrorIs(t, err, ErrInvalidEntry)

	_, err = l.Append(ctx, "k2", []*Entry{
		{UserID: "u1", Currency: "nope", Amount: 1, Type: TypePayment},
	})
	assert.ErrorIs(t, err, ErrInvalidEntry)

	_, err = l.Append(ctx, "k3", []*Entry{
		{UserID: "u1", Currency: "XAF", Amount: 0, Type: TypePayment},
	})
	assert.ErrorIs(t, err, ErrInvalidEntry)

	_, err = l.Append(ctx, "k4", nil)
	assert.ErrorIs(t, err, ErrEmptyBatch)

	_, err = l.Append(ctx, "", holdEntries("esc_x", 10))
	assert.ErrorIs(t, err, ErrInvalidEntry)
}

func TestAppend_RejectsOverdraft(t *testing.T) {
	l := newTestLedger()
	ctx := context.Background()

	// Escrow account holds nothing yet; releasing from it must fail whole-batch.
	_, err := l.Append(ctx, "esc_2:release", []*Entry{
		{UserID: AccountEscrow, Currency: "XAF", Amount: -5000, Type: TypeRelease, EscrowID: "esc_2"},
		{UserID: "seller_1", Currency: "XAF", Amount: 5000, Type: TypeRelease, EscrowID: "esc_2"},
	})
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	// Nothing partial became visible.
	seller, _ := l.BalanceOf(ctx, "seller_1", "XAF")
	assert.Equal(t, int64(0), seller.Available)
}

func TestAppend_FrozenWalletRejectsBatch(t *testing.T) {
	l := newTestLedger()
	ctx := context.Background()

	require.NoError(t, l.HoldFunds(ctx, "esc_3", "XAF", 1000))
	require.NoError(t, l.Freeze(ctx, "seller_1", "XAF"))

	err := l.ReleaseFunds(ctx, "esc_3", "seller_1", "XAF", 900, 100)
	assert.ErrorIs(t, err, ErrWalletFrozen)

	require.NoError(t, l.Unfreeze(ctx, "seller_1", "XAF"))
	require.NoError(t, l.ReleaseFunds(ctx, "esc_3", "seller_1", "XAF", 900, 100))
}

func TestEscrowLegs_FullLifecycle(t *testing.T) {
	l := newTestLedger()
	ctx := context.Background()

	require.NoError(t, l.HoldFunds(ctx, "esc_4", "XAF", 10000))
	require.NoError(t, l.ReleaseFunds(ctx, "esc_4", "seller_1", "XAF", 9000, 1000))

	seller, _ := l.BalanceOf(ctx, "seller_1", "XAF")
	assert.Equal(t, int64(9000), seller.Available)

	platform, _ := l.BalanceOf(ctx, AccountPlatform, "XAF")
	assert.Equal(t, int64(1000), platform.Available)

	escrow, _ := l.BalanceOf(ctx, AccountEscrow, "XAF")
	assert.Equal(t, int64(0), escrow.Available)

	entries, err := l.EntriesByEscrow(ctx, "esc_4")
	require.NoError(t, err)
	assert.Len(t, entries, 5)
}

func TestReleaseFunds_Idempotent(t *testing.T) {
	l := newTestLedger()
	ctx := context.Background()

	require.NoError(t, l.HoldFunds(ctx, "esc_5", "XAF", 10000))
	require.NoError(t, l.ReleaseFunds(ctx, "esc_5", "seller_1", "XAF", 9000, 1000))
	// Second release replays the original batch: same ledger effect as once.
	require.NoError(t, l.ReleaseFunds(ctx, "esc_5", "seller_1", "XAF", 9000, 1000))

	seller, _ := l.BalanceOf(ctx, "seller_1", "XAF")
	assert.Equal(t, int64(9000), seller.Available)
}

func TestRefundFunds(t *testing.T) {
	l := newTestLedger()
	ctx := context.Background()

	require.NoError(t, l.HoldFunds(ctx, "esc_6", "XAF", 7500))
	require.NoError(t, l.RefundFunds(ctx, "esc_6", "cust_1", "XAF", 7500))

	cust, _ := l.BalanceOf(ctx, "cust_1", "XAF")
	assert.Equal(t, int64(7500), cust.Available)

	escrow, _ := l.BalanceOf(ctx, AccountEscrow, "XAF")
	assert.Equal(t, int64(0), escrow.Available)
}

func TestSettleSplit(t *testing.T) {
	l := newTestLedger()
	ctx := context.Background()

	require.NoError(t, l.HoldFunds(ctx, "esc_7", "XAF", 10000))
	require.NoError(t, l.SettleSplit(ctx, "esc_7", "seller_1", "cust_1", "XAF", 4500, 5000, 500))

	seller, _ := l.BalanceOf(ctx, "seller_1", "XAF")
	cust, _ := l.BalanceOf(ctx, "cust_1", "XAF")
	platform, _ := l.BalanceOf(ctx, AccountPlatform, "XAF")
	escrow, _ := l.BalanceOf(ctx, AccountEscrow, "XAF")

	assert.Equal(t, int64(4500), seller.Available)
	assert.Equal(t, int64(5000), cust.Available)
	assert.Equal(t, int64(500), platform.Available)
	assert.Equal(t, int64(0), escrow.Available)
}

func TestVerifyProjection_MatchesReplay(t *testing.T) {
	l := newTestLedger()
	ctx := context.Background()

	// Several lifecycles against the same wallets.
	require.NoError(t, l.HoldFunds(ctx, "esc_a", "XAF", 10000))
	require.NoError(t, l.ReleaseFunds(ctx, "esc_a", "seller_1", "XAF", 9000, 1000))
	require.NoError(t, l.HoldFunds(ctx, "esc_b", "XAF", 4000))
	require.NoError(t, l.RefundFunds(ctx, "esc_b", "cust_1", "XAF", 4000))
	require.NoError(t, l.HoldFunds(ctx, "esc_c", "XAF", 6000))
	require.NoError(t, l.SettleSplit(ctx, "esc_c", "seller_1", "cust_1", "XAF", 2700, 3000, 300))

	for _, w := range []struct{ user, currency string }{
		{"seller_1", "XAF"},
		{"cust_1", "XAF"},
		{AccountPlatform, "XAF"},
		{AccountEscrow, "XAF"},
		{AccountClearing, "XAF"},
	} {
		projected, replayed, err := l.VerifyProjection(ctx, w.user, w.currency)
		require.NoError(t, err)
		assert.Equal(t, replayed, projected,
			"projection drift for %s/%s", w.user, w.currency)
	}
}

func TestBalanceOf_UnknownWalletIsZero(t *testing.T) {
	l := newTestLedger()

	w, err := l.BalanceOf(context.Background(), "nobody", "XAF")
	require.NoError(t, err)
	assert.Equal(t, int64(0), w.Available)
	assert.False(t, w.Frozen)
}

func TestHistory_MostRecentFirst(t *testing.T) {
	l := newTestLedger()
	ctx := context.Background()

	require.NoError(t, l.HoldFunds(ctx, "esc_h1", "XAF", 100))
	require.NoError(t, l.RefundFunds(ctx, "esc_h1", "cust_1", "XAF", 100))
	require.NoError(t, l.HoldFunds(ctx, "esc_h2", "XAF", 200))
	require.NoError(t, l.RefundFunds(ctx, "esc_h2", "cust_1", "XAF", 200))

	entries, err := l.History(ctx, "cust_1", "XAF", 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "esc_h2", entries[0].EscrowID)
}

func TestHistoryPage_WalksAllEntriesWithoutOverlap(t *testing.T) {
	l := newTestLedger()
	ctx := context.Background()

	for _, esc := range []string{"esc_p1", "esc_p2", "esc_p3"} {
		require.NoError(t, l.HoldFunds(ctx, esc, "XAF", 100))
		require.NoError(t, l.RefundFunds(ctx, esc, "cust_1", "XAF", 100))
	}

	page1, cursor, more, err := l.HistoryPage(ctx, "cust_1", "XAF", "", 2)
	require.NoError(t, err)
	require.Len(t, page1, 2)
	require.True(t, more)
	require.NotEmpty(t, cursor)

	page2, cursor2, more2, err := l.HistoryPage(ctx, "cust_1", "XAF", cursor, 2)
	require.NoError(t, err)
	require.Len(t, page2, 1)
	assert.False(t, more2)
	assert.Empty(t, cursor2)

	seen := map[string]bool{}
	for _, e := range append(page1, page2...) {
		assert.False(t, seen[e.ID], "entry %s appeared twice", e.ID)
		seen[e.ID] = true
	}
	assert.Len(t, seen, 3)
}

func TestHistoryPage_RejectsMalformedCursor(t *testing.T) {
	l := newTestLedger()

	_, _, _, err := l.HistoryPage(context.Background(), "cust_1", "XAF", "not-base64!!!", 10)
	require.Error(t, err)
}
