package escrow

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PostgresStore implements Store with PostgreSQL. The Transition method's
// WHERE status = $from clause is the row-level compare-and-set that makes
// concurrent transitions lose cleanly instead of corrupting state.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the escrows table. Production uses goose migrations.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS escrows (
			id                 VARCHAR(36)  PRIMARY KEY,
			order_id           VARCHAR(36)  NOT NULL,
			customer_id        VARCHAR(64)  NOT NULL,
			seller_id          VARCHAR(64)  NOT NULL,
			currency           CHAR(3)      NOT NULL,
			total_amount       BIGINT       NOT NULL CHECK (total_amount > 0),
			commission_rate    VARCHAR(16)  NOT NULL,
			commission_amount  BIGINT       NOT NULL CHECK (commission_amount >= 0),
			seller_amount      BIGINT       NOT NULL CHECK (seller_amount >= 0),
			status             VARCHAR(16)  NOT NULL,
			resolution         VARCHAR(16),
			refund_reason      TEXT,
			held_since         TIMESTAMPTZ  NOT NULL,
			auto_release_at    TIMESTAMPTZ,
			dispute_reason     TEXT,
			dispute_raised_by  VARCHAR(64),
			dispute_opened_at  TIMESTAMPTZ,
			dispute_resolved_by VARCHAR(64),
			dispute_resolved_at TIMESTAMPTZ,
			dispute_ratio      VARCHAR(16),
			closed_at          TIMESTAMPTZ,
			created_at         TIMESTAMPTZ  NOT NULL,
			updated_at         TIMESTAMPTZ  NOT NULL,
			CONSTRAINT chk_escrow_amounts CHECK (seller_amount + commission_amount = total_amount)
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_escrows_order ON escrows(order_id);
		CREATE INDEX IF NOT EXISTS idx_escrows_due ON escrows(auto_release_at)
			WHERE status = 'held' AND auto_release_at IS NOT NULL;
		CREATE INDEX IF NOT EXISTS idx_escrows_customer ON escrows(customer_id);
		CREATE INDEX IF NOT EXISTS idx_escrows_seller ON escrows(seller_id);
	`)
	return err
}

func (p *PostgresStore) Create(ctx context.Context, e *Escrow) error {
	d := disputeColumns(e)
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO escrows (
			id, order_id, customer_id, seller_id, currency,
			total_amount, commission_rate, commission_amount, seller_amount,
			status, resolution, refund_reason, held_since, auto_release_at,
			dispute_reason, dispute_raised_by, dispute_opened_at,
			dispute_resolved_by, dispute_resolved_at, dispute_ratio,
			closed_at, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,NULLIF($11,''),NULLIF($12,''),$13,$14,
			NULLIF($15,''),NULLIF($16,''),$17,NULLIF($18,''),$19,NULLIF($20,''),$21,$22,$23)
	`,
		e.ID, e.OrderID, e.CustomerID, e.SellerID, e.Currency,
		e.TotalAmount, e.CommissionRate, e.CommissionAmount, e.SellerAmount,
		string(e.Status), string(e.Resolution), e.RefundReason, e.HeldSince, e.AutoReleaseAt,
		d.reason, d.raisedBy, d.openedAt, d.resolvedBy, d.resolvedAt, d.ratio,
		e.ClosedAt, e.CreatedAt, e.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Escrow, error) {
	return p.getWhere(ctx, "id = $1", id)
}

func (p *PostgresStore) GetByOrder(ctx context.Context, orderID string) (*Escrow, error) {
	return p.getWhere(ctx, "order_id = $1", orderID)
}

func (p *PostgresStore) Transition(ctx context.Context, e *Escrow, from Status) error {
	d := disputeColumns(e)
	res, err := p.db.ExecContext(ctx, `
		UPDATE escrows SET
			status = $2, resolution = NULLIF($3,''), refund_reason = NULLIF($4,''),
			auto_release_at = $5,
			dispute_reason = NULLIF($6,''), dispute_raised_by = NULLIF($7,''),
			dispute_opened_at = $8, dispute_resolved_by = NULLIF($9,''),
			dispute_resolved_at = $10, dispute_ratio = NULLIF($11,''),
			closed_at = $12, updated_at = $13
		WHERE id = $1 AND status = $14
	`,
		e.ID, string(e.Status), string(e.Resolution), e.RefundReason,
		e.AutoReleaseAt,
		d.reason, d.raisedBy, d.openedAt, d.resolvedBy, d.resolvedAt, d.ratio,
		e.ClosedAt, e.UpdatedAt, string(from),
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Distinguish a lost race from a missing row.
		if _, gerr := p.Get(ctx, e.ID); gerr != nil {
			return gerr
		}
		return ErrStaleStatus
	}
	return nil
}

func (p *PostgresStore) ListByParty(ctx context.Context, userID string, limit int) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, selectColumns+`
		WHERE customer_id = $1 OR seller_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEscrows(rows)
}

func (p *PostgresStore) ListDueForRelease(ctx context.Context, before time.Time, limit int) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, selectColumns+`
		WHERE status = 'held' AND auto_release_at IS NOT NULL AND auto_release_at <= $1
		ORDER BY auto_release_at
		LIMIT $2
	`, before, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEscrows(rows)
}

const selectColumns = `
	SELECT id, order_id, customer_id, seller_id, currency,
		total_amount, commission_rate, commission_amount, seller_amount,
		status, COALESCE(resolution, ''), COALESCE(refund_reason, ''),
		held_since, auto_release_at,
		COALESCE(dispute_reason, ''), COALESCE(dispute_raised_by, ''),
		dispute_opened_at, COALESCE(dispute_resolved_by, ''),
		dispute_resolved_at, COALESCE(dispute_ratio, ''),
		closed_at, created_at, updated_at
	FROM escrows
`

func (p *PostgresStore) getWhere(ctx context.Context, where string, arg any) (*Escrow, error) {
	row := p.db.QueryRowContext(ctx, selectColumns+" WHERE "+where, arg)
	e, err := scanEscrow(row)
	if err == sql.ErrNoRows {
		return nil, ErrEscrowNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("escrow query: %w", err)
	}
	return e, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEscrow(row rowScanner) (*Escrow, error) {
	e := &Escrow{}
	var status, resolution string
	var disputeReason, disputeRaisedBy, disputeResolvedBy, disputeRatio string
	var disputeOpenedAt, disputeResolvedAt sql.NullTime

	err := row.Scan(
		&e.ID, &e.OrderID, &e.CustomerID, &e.SellerID, &e.Currency,
		&e.TotalAmount, &e.CommissionRate, &e.CommissionAmount, &e.SellerAmount,
		&status, &resolution, &e.RefundReason,
		&e.HeldSince, &e.AutoReleaseAt,
		&disputeReason, &disputeRaisedBy,
		&disputeOpenedAt, &disputeResolvedBy,
		&disputeResolvedAt, &disputeRatio,
		&e.ClosedAt, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	e.Status = Status(status)
	e.Resolution = Resolution(resolution)
	if disputeOpenedAt.Valid {
		d := &Dispute{
			Reason:     disputeReason,
			RaisedBy:   disputeRaisedBy,
			OpenedAt:   disputeOpenedAt.Time,
			ResolvedBy: disputeResolvedBy,
			Ratio:      disputeRatio,
		}
		if disputeResolvedAt.Valid {
			d.ResolvedAt = &disputeResolvedAt.Time
		}
		e.Dispute = d
	}
	return e, nil
}

func scanEscrows(rows *sql.Rows) ([]*Escrow, error) {
	var result []*Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

type disputeCols struct {
	reason, raisedBy, resolvedBy, ratio string
	openedAt, resolvedAt                *time.Time
}

func disputeColumns(e *Escrow) disputeCols {
	var d disputeCols
	if e.Dispute != nil {
		d.reason = e.Dispute.Reason
		d.raisedBy = e.Dispute.RaisedBy
		opened := e.Dispute.OpenedAt
		d.openedAt = &opened
		d.resolvedBy = e.Dispute.ResolvedBy
		d.resolvedAt = e.Dispute.ResolvedAt
		d.ratio = e.Dispute.Ratio
	}
	return d
}
