//go:build integration

package orders

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"testing"
	"time"

	_ "github.com/lib/pq"
)

func setupTestDB(t *testing.T) (*PostgresStore, func()) {
	t.Helper()

	dbURL := os.Getenv("POSTGRES_URL")
	if dbURL == "" {
		t.Skip("POSTGRES_URL not set, skipping integration test")
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	if err := db.Ping(); err != nil {
		t.Fatalf("connect to database: %v", err)
	}

	store := NewPostgresStore(db)
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	cleanup := func() {
		_, _ = db.Exec(`DROP TABLE IF EXISTS draft_orders`)
		_ = db.Close()
	}
	return store, cleanup
}

func draftOrder(id string, expires time.Time) *Order {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &Order{
		ID:          id,
		CustomerID:  "cust_1",
		SellerID:    "seller_1",
		Currency:    "XAF",
		TotalAmount: 10000,
		Description: "50kg cement",
		Status:      StatusDraft,
		ExpiresAt:   expires.Truncate(time.Microsecond),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func TestPostgresCreateAndGet(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	if err := store.Create(ctx, draftOrder("ord_pg_1", time.Now().UTC().Add(48*time.Hour))); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := store.Get(ctx, "ord_pg_1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusDraft || got.TotalAmount != 10000 || got.Description != "50kg cement" {
		t.Errorf("unexpected order: %+v", got)
	}
}

func TestPostgresTransition_PayAndDedupe(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	o := draftOrder("ord_pg_2", time.Now().UTC().Add(48*time.Hour))
	if err := store.Create(ctx, o); err != nil {
		t.Fatalf("create: %v", err)
	}

	now := time.Now().UTC().Truncate(time.Microsecond)
	o.Status = StatusPaid
	o.TransactionID = "txn_pg_1"
	o.EscrowID = "esc_pg_1"
	o.PaidAt = &now
	o.UpdatedAt = now
	if err := store.Transition(ctx, o, StatusDraft); err != nil {
		t.Fatalf("transition: %v", err)
	}

	// Webhook deliveries dedupe through the transaction index.
	byTxn, err := store.GetByTransaction(ctx, "txn_pg_1")
	if err != nil {
		t.Fatalf("get by transaction: %v", err)
	}
	if byTxn.ID != "ord_pg_2" || byTxn.Status != StatusPaid {
		t.Errorf("unexpected order by txn: %+v", byTxn)
	}

	// Losing a compare-and-set reports stale, not silent success.
	stale := draftOrder("ord_pg_2", o.ExpiresAt)
	stale.Status = StatusCancelled
	if err := store.Transition(ctx, stale, StatusDraft); !errors.Is(err, ErrStaleStatus) {
		t.Fatalf("stale transition error = %v, want ErrStaleStatus", err)
	}
}

func TestPostgresListDueForExpiry(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	if err := store.Create(ctx, draftOrder("ord_pg_old", time.Now().UTC().Add(-time.Hour))); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.Create(ctx, draftOrder("ord_pg_fresh", time.Now().UTC().Add(time.Hour))); err != nil {
		t.Fatalf("create: %v", err)
	}
	paid := draftOrder("ord_pg_paid", time.Now().UTC().Add(-time.Hour))
	if err := store.Create(ctx, paid); err != nil {
		t.Fatalf("create: %v", err)
	}
	now := time.Now().UTC()
	paid.Status = StatusPaid
	paid.TransactionID = "txn_pg_paid"
	paid.PaidAt = &now
	paid.UpdatedAt = now
	if err := store.Transition(ctx, paid, StatusDraft); err != nil {
		t.Fatalf("transition: %v", err)
	}

	due, err := store.ListDueForExpiry(ctx, time.Now().UTC(), 10)
	if err != nil {
		t.Fatalf("list due: %v", err)
	}
	if len(due) != 1 || due[0].ID != "ord_pg_old" {
		t.Errorf("due = %v, want only ord_pg_old", due)
	}
}
