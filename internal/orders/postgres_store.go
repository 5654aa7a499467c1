package orders

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PostgresStore implements Store with PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed order store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the draft_orders table. Production uses goose migrations.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS draft_orders (
			id             VARCHAR(36)  PRIMARY KEY,
			customer_id    VARCHAR(64)  NOT NULL,
			seller_id      VARCHAR(64)  NOT NULL,
			currency       CHAR(3)      NOT NULL,
			total_amount   BIGINT       NOT NULL CHECK (total_amount > 0),
			description    TEXT,
			status         VARCHAR(16)  NOT NULL,
			transaction_id VARCHAR(128),
			escrow_id      VARCHAR(36),
			expires_at     TIMESTAMPTZ  NOT NULL,
			paid_at        TIMESTAMPTZ,
			created_at     TIMESTAMPTZ  NOT NULL,
			updated_at     TIMESTAMPTZ  NOT NULL
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_orders_txn ON draft_orders(transaction_id)
			WHERE transaction_id IS NOT NULL;
		CREATE INDEX IF NOT EXISTS idx_orders_expiry ON draft_orders(expires_at)
			WHERE status = 'draft';
		CREATE INDEX IF NOT EXISTS idx_orders_customer ON draft_orders(customer_id);
		CREATE INDEX IF NOT EXISTS idx_orders_seller ON draft_orders(seller_id);
	`)
	return err
}

const orderColumns = `
	SELECT id, customer_id, seller_id, currency, total_amount,
		COALESCE(description, ''), status,
		COALESCE(transaction_id, ''), COALESCE(escrow_id, ''),
		expires_at, paid_at, created_at, updated_at
	FROM draft_orders
`

func (p *PostgresStore) Create(ctx context.Context, o *Order) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO draft_orders (
			id, customer_id, seller_id, currency, total_amount, description,
			status, transaction_id, escrow_id, expires_at, paid_at,
			created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,NULLIF($6,''),$7,NULLIF($8,''),NULLIF($9,''),$10,$11,$12,$13)
	`,
		o.ID, o.CustomerID, o.SellerID, o.Currency, o.TotalAmount, o.Description,
		string(o.Status), o.TransactionID, o.EscrowID, o.ExpiresAt, o.PaidAt,
		o.CreatedAt, o.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Order, error) {
	return p.getWhere(ctx, "id = $1", id)
}

func (p *PostgresStore) GetByTransaction(ctx context.Context, transactionID string) (*Order, error) {
	return p.getWhere(ctx, "transaction_id = $1", transactionID)
}

func (p *PostgresStore) Transition(ctx context.Context, o *Order, from Status) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE draft_orders SET
			status = $2, transaction_id = NULLIF($3,''), escrow_id = NULLIF($4,''),
			paid_at = $5, updated_at = $6
		WHERE id = $1 AND status = $7
	`,
		o.ID, string(o.Status), o.TransactionID, o.EscrowID,
		o.PaidAt, o.UpdatedAt, string(from),
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, gerr := p.Get(ctx, o.ID); gerr != nil {
			return gerr
		}
		return ErrStaleStatus
	}
	return nil
}

func (p *PostgresStore) ListByParty(ctx context.Context, userID string, limit int) ([]*Order, error) {
	rows, err := p.db.QueryContext(ctx, orderColumns+`
		WHERE customer_id = $1 OR seller_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOrders(rows)
}

func (p *PostgresStore) ListDueForExpiry(ctx context.Context, before time.Time, limit int) ([]*Order, error) {
	rows, err := p.db.QueryContext(ctx, orderColumns+`
		WHERE status = 'draft' AND expires_at < $1
		ORDER BY expires_at
		LIMIT $2
	`, before, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOrders(rows)
}

func (p *PostgresStore) getWhere(ctx context.Context, where string, arg any) (*Order, error) {
	row := p.db.QueryRowContext(ctx, orderColumns+" WHERE "+where, arg)
	o, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("order query: %w", err)
	}
	return o, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*Order, error) {
	o := &Order{}
	var status string
	err := row.Scan(
		&o.ID, &o.CustomerID, &o.SellerID, &o.Currency, &o.TotalAmount,
		&o.Description, &status, &o.TransactionID, &o.EscrowID,
		&o.ExpiresAt, &o.PaidAt, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	o.Status = Status(status)
	return o, nil
}

func scanOrders(rows *sql.Rows) ([]*Order, error) {
	var result []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, o)
	}
	return result, rows.Err()
}
