package fees

import (
	"context"
	"database/sql"
	"time"
)

// PostgresBook books fees in the fee_records table.
type PostgresBook struct {
	db *sql.DB
}

// NewPostgresBook creates a PostgreSQL-backed fee manager.
func NewPostgresBook(db *sql.DB) *PostgresBook {
	return &PostgresBook{db: db}
}

func (p *PostgresBook) CollectFee(ctx context.Context, escrowID, reference string, amount int64) error {
	if amount <= 0 {
		return nil
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO fee_records (escrow_id, reference, amount, recorded_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (reference) DO NOTHING`,
		escrowID, reference, amount, time.Now().UTC(),
	)
	return err
}

// TotalForEscrow sums the fees booked against escrowID.
func (p *PostgresBook) TotalForEscrow(ctx context.Context, escrowID string) (int64, error) {
	var total sql.NullInt64
	err := p.db.QueryRowContext(ctx,
		`SELECT SUM(amount) FROM fee_records WHERE escrow_id = $1`, escrowID,
	).Scan(&total)
	if err != nil {
		return 0, err
	}
	return total.Int64, nil
}

var _ Manager = (*PostgresBook)(nil)
