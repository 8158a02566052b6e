package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PostgresLedger applies transfer batches inside one serializable
// transaction. The account_balances CHECK (balance >= 0) constraint backs up
// the conditional debit.
type PostgresLedger struct {
	db *sql.DB
}

// NewPostgresLedger creates a PostgreSQL-backed Transferer.
func NewPostgresLedger(db *sql.DB) *PostgresLedger {
	return &PostgresLedger{db: db}
}

func (p *PostgresLedger) Apply(ctx context.Context, reference string, transfers []Transfer) error {
	if err := Validate(transfers); err != nil {
		return err
	}

	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	for i, t := range transfers {
		if t.Amount == 0 {
			continue
		}
		asset := AssetOrNative(t.Asset)

		res, err := tx.ExecContext(ctx, `
			UPDATE account_balances SET balance = balance - $1, updated_at = $2
			WHERE account = $3 AND asset = $4 AND balance >= $1`,
			t.Amount, now, t.From, asset,
		)
		if err != nil {
			return fmt.Errorf("debit %s: %w", t.From, err)
		}
		rows, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if rows == 0 {
			return fmt.Errorf("%w: transfer %d from %s", ErrInsufficientBalance, i, t.From)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO account_balances (account, asset, balance, updated_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (account, asset) DO UPDATE SET
				balance    = account_balances.balance + EXCLUDED.balance,
				updated_at = EXCLUDED.updated_at`,
			t.To, asset, t.Amount, now,
		); err != nil {
			return fmt.Errorf("credit %s: %w", t.To, err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO ledger_entries (reference, from_account, to_account, asset, amount, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			reference, t.From, t.To, asset, t.Amount, now,
		); err != nil {
			return fmt.Errorf("record entry: %w", err)
		}
	}

	return tx.Commit()
}

// Balance reads the balance of account in asset; missing rows are zero.
func (p *PostgresLedger) Balance(ctx context.Context, account, asset string) (int64, error) {
	var bal int64
	err := p.db.QueryRowContext(ctx,
		`SELECT balance FROM account_balances WHERE account = $1 AND asset = $2`,
		account, AssetOrNative(asset),
	).Scan(&bal)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return bal, err
}

var _ Transferer = (*PostgresLedger)(nil)
