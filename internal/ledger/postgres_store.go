package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"sort"

	"github.com/lib/pq"

	"github.com/nkolo/marketpay/internal/pagination"
)

// PostgresStore implements Store with PostgreSQL.
//
// Idempotency rides on the primary key of ledger_batches: a replayed key hits
// the unique violation, the transaction rolls back untouched, and the
// original batch is read back. Wallet rows are locked FOR UPDATE in a stable
// order so concurrent batches touching the same wallets serialize instead of
// deadlocking.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the ledger tables. Production deployments run goose
// migrations instead; this keeps tests and dev mode self-contained.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS wallets (
			user_id     VARCHAR(64)  NOT NULL,
			currency    CHAR(3)      NOT NULL,
			available   BIGINT       NOT NULL DEFAULT 0,
			frozen      BOOLEAN      NOT NULL DEFAULT FALSE,
			updated_at  TIMESTAMPTZ  NOT NULL DEFAULT NOW(),
			PRIMARY KEY (user_id, currency)
		);

		CREATE TABLE IF NOT EXISTS ledger_batches (
			key         VARCHAR(128) PRIMARY KEY,
			created_at  TIMESTAMPTZ  NOT NULL DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS ledger_entries (
			id          VARCHAR(36)  PRIMARY KEY,
			batch_key   VARCHAR(128) NOT NULL REFERENCES ledger_batches(key),
			user_id     VARCHAR(64)  NOT NULL,
			currency    CHAR(3)      NOT NULL,
			amount      BIGINT       NOT NULL,
			type        VARCHAR(20)  NOT NULL,
			escrow_id   VARCHAR(36),
			created_at  TIMESTAMPTZ  NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_ledger_entries_escrow ON ledger_entries(escrow_id);
		CREATE INDEX IF NOT EXISTS idx_ledger_entries_wallet ON ledger_entries(user_id, currency, created_at DESC);
	`)
	return err
}

func (p *PostgresStore) AppendBatch(ctx context.Context, batch *Batch) (*Batch, bool, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO ledger_batches (key, created_at) VALUES ($1, $2)
	`, batch.Key, batch.CreatedAt)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			// Duplicate idempotency key: replay the committed batch.
			existing, gerr := p.GetBatch(ctx, batch.Key)
			if gerr != nil {
				return nil, false, gerr
			}
			return existing, true, nil
		}
		return nil, false, fmt.Errorf("insert batch: %w", err)
	}

	// Lock touched wallets in stable order and apply the projection.
	type walletRef struct{ userID, currency string }
	deltas := make(map[walletRef]int64)
	for _, e := range batch.Entries {
		deltas[walletRef{e.UserID, e.Currency}] += e.Amount
	}
	refs := make([]walletRef, 0, len(deltas))
	for ref := range deltas {
		refs = append(refs, ref)
	}
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].userID != refs[j].userID {
			return refs[i].userID < refs[j].userID
		}
		return refs[i].currency < refs[j].currency
	})

	for _, ref := range refs {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO wallets (user_id, currency) VALUES ($1, $2)
			ON CONFLICT (user_id, currency) DO NOTHING
		`, ref.userID, ref.currency)
		if err != nil {
			return nil, false, fmt.Errorf("ensure wallet: %w", err)
		}

		var available int64
		var frozen bool
		err = tx.QueryRowContext(ctx, `
			SELECT available, frozen FROM wallets
			WHERE user_id = $1 AND currency = $2
			FOR UPDATE
		`, ref.userID, ref.currency).Scan(&available, &frozen)
		if err != nil {
			return nil, false, fmt.Errorf("lock wallet: %w", err)
		}
		if frozen {
			return nil, false, ErrWalletFrozen
		}
		if available+deltas[ref] < 0 && !overdraftAllowed(ref.userID) {
			return nil, false, ErrInsufficientFunds
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE wallets
			SET available = available + $3, updated_at = NOW()
			WHERE user_id = $1 AND currency = $2
		`, ref.userID, ref.currency, deltas[ref])
		if err != nil {
			return nil, false, fmt.Errorf("update wallet: %w", err)
		}
	}

	for _, e := range batch.Entries {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO ledger_entries (id, batch_key, user_id, currency, amount, type, escrow_id, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8)
		`, e.ID, e.BatchKey, e.UserID, e.Currency, e.Amount, string(e.Type), e.EscrowID, e.CreatedAt)
		if err != nil {
			return nil, false, fmt.Errorf("insert entry: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("commit: %w", err)
	}
	return batch, false, nil
}

func (p *PostgresStore) GetBatch(ctx context.Context, key string) (*Batch, error) {
	batch := &Batch{Key: key}
	err := p.db.QueryRowContext(ctx, `
		SELECT created_at FROM ledger_batches WHERE key = $1
	`, key).Scan(&batch.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrBatchNotFound
	}
	if err != nil {
		return nil, err
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT id, user_id, currency, amount, type, COALESCE(escrow_id, ''), created_at
		FROM ledger_entries WHERE batch_key = $1 ORDER BY id
	`, key)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		e := &Entry{BatchKey: key}
		var typ string
		if err := rows.Scan(&e.ID, &e.UserID, &e.Currency, &e.Amount, &typ, &e.EscrowID, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Type = EntryType(typ)
		batch.Entries = append(batch.Entries, e)
	}
	return batch, rows.Err()
}

func (p *PostgresStore) GetWallet(ctx context.Context, userID, currency string) (*Wallet, error) {
	w := &Wallet{UserID: userID, Currency: currency}
	err := p.db.QueryRowContext(ctx, `
		SELECT available, frozen, updated_at FROM wallets
		WHERE user_id = $1 AND currency = $2
	`, userID, currency).Scan(&w.Available, &w.Frozen, &w.UpdatedAt)
	if err == sql.ErrNoRows {
		return &Wallet{UserID: userID, Currency: currency}, nil
	}
	if err != nil {
		return nil, err
	}
	return w, nil
}

func (p *PostgresStore) SetFrozen(ctx context.Context, userID, currency string, frozen bool) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO wallets (user_id, currency, frozen) VALUES ($1, $2, $3)
		ON CONFLICT (user_id, currency) DO UPDATE SET frozen = $3, updated_at = NOW()
	`, userID, currency, frozen)
	return err
}

func (p *PostgresStore) Entries(ctx context.Context, userID, currency string, before *pagination.Cursor, limit int) ([]*Entry, error) {
	query := `
		SELECT id, batch_key, user_id, currency, amount, type, COALESCE(escrow_id, ''), created_at
		FROM ledger_entries
		WHERE user_id = $1 AND currency = $2`
	args := []any{userID, currency}
	if before != nil {
		query += ` AND (created_at, id) < ($3, $4)`
		args = append(args, before.CreatedAt, before.ID)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEntries(rows)
}

func (p *PostgresStore) EntriesByEscrow(ctx context.Context, escrowID string) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, batch_key, user_id, currency, amount, type, COALESCE(escrow_id, ''), created_at
		FROM ledger_entries
		WHERE escrow_id = $1
		ORDER BY created_at
	`, escrowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEntries(rows)
}

func (p *PostgresStore) ReplayBalance(ctx context.Context, userID, currency string) (int64, error) {
	var sum int64
	err := p.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM ledger_entries
		WHERE user_id = $1 AND currency = $2
	`, userID, currency).Scan(&sum)
	return sum, err
}

func scanEntries(rows *sql.Rows) ([]*Entry, error) {
	var result []*Entry
	for rows.Next() {
		e := &Entry{}
		var typ string
		if err := rows.Scan(&e.ID, &e.BatchKey, &e.UserID, &e.Currency, &e.Amount, &typ, &e.EscrowID, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Type = EntryType(typ)
		result = append(result, e)
	}
	return result, rows.Err()
}
