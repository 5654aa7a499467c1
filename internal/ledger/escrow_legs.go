package ledger

import (
	"context"
)

// Escrow-facing operations. Each builds one balanced batch keyed by the
// escrow id plus a leg suffix, so a retried transition replays the original
// batch instead of moving money twice. These methods satisfy the escrow
// package's LedgerService interface.

// HoldFunds captures a payment into the escrow holding account. No user
// wallet is credited until release or refund.
func (l *Ledger) HoldFunds(ctx context.Context, escrowID, currency string, total int64) error {
	_, err := l.Append(ctx, escrowID+":hold", []*Entry{
		{UserID: AccountClearing, Currency: currency, Amount: -total, Type: TypePayment, EscrowID: escrowID},
		{UserID: AccountEscrow, Currency: currency, Amount: total, Type: TypePayment, EscrowID: escrowID},
	})
	return err
}

// VoidHold reverses a hold whose escrow record could not be created,
// returning the captured funds to clearing. Compensating entries, not
// deletion: the hold batch stays on the books.
func (l *Ledger) VoidHold(ctx context.Context, escrowID, currency string, total int64) error {
	_, err := l.Append(ctx, escrowID+":hold:void", []*Entry{
		{UserID: AccountEscrow, Currency: currency, Amount: -total, Type: TypeReversal, EscrowID: escrowID},
		{UserID: AccountClearing, Currency: currency, Amount: total, Type: TypeReversal, EscrowID: escrowID},
	})
	return err
}

// ReleaseFunds pays the seller and the platform commission out of escrow.
func (l *Ledger) ReleaseFunds(ctx context.Context, escrowID, sellerID, currency string, sellerAmount, commissionAmount int64) error {
	entries := []*Entry{
		{UserID: AccountEscrow, Currency: currency, Amount: -(sellerAmount + commissionAmount), Type: TypeRelease, EscrowID: escrowID},
		{UserID: sellerID, Currency: currency, Amount: sellerAmount, Type: TypeRelease, EscrowID: escrowID},
	}
	if commissionAmount > 0 {
		entries = append(entries, &Entry{
			UserID: AccountPlatform, Currency: currency, Amount: commissionAmount, Type: TypeCommission, EscrowID: escrowID,
		})
	}
	_, err := l.Append(ctx, escrowID+":release", entries)
	return err
}

// RefundFunds returns the full hold to the customer. Seller and platform get
// nothing.
func (l *Ledger) RefundFunds(ctx context.Context, escrowID, customerID, currency string, total int64) error {
	_, err := l.Append(ctx, escrowID+":refund", []*Entry{
		{UserID: AccountEscrow, Currency: currency, Amount: -total, Type: TypeRefund, EscrowID: escrowID},
		{UserID: customerID, Currency: currency, Amount: total, Type: TypeRefund, EscrowID: escrowID},
	})
	return err
}

// SettleSplit distributes a disputed escrow between seller, customer and
// platform in one batch. Zero legs are omitted.
func (l *Ledger) SettleSplit(ctx context.Context, escrowID, sellerID, customerID, currency string, sellerAmount, customerAmount, commissionAmount int64) error {
	total := sellerAmount + customerAmount + commissionAmount
	entries := []*Entry{
		{UserID: AccountEscrow, Currency: currency, Amount: -total, Type: TypeRelease, EscrowID: escrowID},
	}
	if sellerAmount > 0 {
		entries = append(entries, &Entry{
			UserID: sellerID, Currency: currency, Amount: sellerAmount, Type: TypeRelease, EscrowID: escrowID,
		})
	}
	if customerAmount > 0 {
		entries = append(entries, &Entry{
			UserID: customerID, Currency: currency, Amount: customerAmount, Type: TypeRefund, EscrowID: escrowID,
		})
	}
	if commissionAmount > 0 {
		entries = append(entries, &Entry{
			UserID: AccountPlatform, Currency: currency, Amount: commissionAmount, Type: TypeCommission, EscrowID: escrowID,
		})
	}
	_, err := l.Append(ctx, escrowID+":resolve", entries)
	return err
}
