package escrow

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/lib/pq"

	"github.com/offerhub/escrowd/internal/pagination"
)

// PostgresStore persists escrow data in PostgreSQL. Milestones and their
// history are stored as JSONB alongside the record so a load is one row.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const escrowColumns = `id, client, freelancer, arbitrator, asset, amount,
		       state, dispute_result, timeout_secs, fee_manager, fee_bps, dispute_fee_bps,
		       milestones, milestone_history,
		       released_amount, refunded_amount, freelancer_paid, fee_collected, net_amount,
		       version, created_at, funded_at, disputed_at, resolved_at, released_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, e *Escrow) error {
	milestonesJSON, historyJSON, err := encodeMilestones(e)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO escrows (`+escrowColumns+`) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11, $12,
			$13, $14,
			$15, $16, $17, $18, $19,
			$20, $21, $22, $23, $24, $25, $26
		)`,
		e.ID, e.Client, e.Freelancer, nullString(e.Arbitrator), nullString(e.Asset), e.Amount,
		string(e.State), string(e.DisputeResult), nullInt64(e.TimeoutSecs), e.FeeManager, int64(e.FeeBps), int64(e.DisputeFeeBps),
		milestonesJSON, historyJSON,
		e.ReleasedAmount, e.RefundedAmount, e.FreelancerPaid, e.FeeCollected, e.NetAmount,
		e.Version, e.CreatedAt, nullTime(e.FundedAt), nullTime(e.DisputedAt), nullTime(e.ResolvedAt), nullTime(e.ReleasedAt), e.UpdatedAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return fmt.Errorf("%w: id %s already exists", ErrInvalidRequest, e.ID)
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Escrow, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE id = $1`, id)

	e, err := scanEscrow(row)
	if err == sql.ErrNoRows {
		return nil, ErrEscrowNotFound
	}
	return e, err
}

// Update writes e if the stored version is e.Version-1.
func (p *PostgresStore) Update(ctx context.Context, e *Escrow) error {
	milestonesJSON, historyJSON, err := encodeMilestones(e)
	if err != nil {
		return err
	}
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrows SET
			arbitrator = $1, state = $2, dispute_result = $3,
			milestones = $4, milestone_history = $5,
			released_amount = $6, refunded_amount = $7, freelancer_paid = $8,
			fee_collected = $9, net_amount = $10, version = $11,
			funded_at = $12, disputed_at = $13, resolved_at = $14, released_at = $15, updated_at = $16
		WHERE id = $17 AND version = $18`,
		nullString(e.Arbitrator), string(e.State), string(e.DisputeResult),
		milestonesJSON, historyJSON,
		e.ReleasedAmount, e.RefundedAmount, e.FreelancerPaid,
		e.FeeCollected, e.NetAmount, e.Version,
		nullTime(e.FundedAt), nullTime(e.DisputedAt), nullTime(e.ResolvedAt), nullTime(e.ReleasedAt), e.UpdatedAt,
		e.ID, e.Version-1,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows > 0 {
		return nil
	}

	var exists bool
	if err := p.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM escrows WHERE id = $1)`, e.ID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrEscrowNotFound
	}
	return ErrVersionConflict
}

func (p *PostgresStore) ListByPrincipal(ctx context.Context, principal string, limit int, after *pagination.Cursor) ([]*Escrow, error) {
	return p.list(ctx, `(client = $3 OR freelancer = $3 OR arbitrator = $3)`, limit, after, principal)
}

func (p *PostgresStore) ListOpen(ctx context.Context, limit int, after *pagination.Cursor) ([]*Escrow, error) {
	return p.list(ctx, `state IN ('created', 'funded', 'disputed')`, limit, after)
}

// list runs a keyset-paged query. $1 and $2 are the cursor; filter args start
// at $3.
func (p *PostgresStore) list(ctx context.Context, filter string, limit int, after *pagination.Cursor, args ...interface{}) ([]*Escrow, error) {
	var at interface{}
	var id string
	if after != nil {
		at, id = after.CreatedAt, after.ID
	}
	query := `
		SELECT ` + escrowColumns + `
		FROM escrows
		WHERE ` + filter + `
		  AND ($1::timestamptz IS NULL OR (created_at, id) < ($1, $2))
		ORDER BY created_at DESC, id DESC
		LIMIT ` + strconv.Itoa(limit)

	rows, err := p.db.QueryContext(ctx, query, append([]interface{}{at, id}, args...)...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

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

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEscrow(s scanner) (*Escrow, error) {
	e := &Escrow{}
	var (
		arbitrator, asset                            sql.NullString
		state, disputeResult                         string
		timeoutSecs                                  sql.NullInt64
		feeBps, disputeFeeBps                        int64
		milestonesJSON, historyJSON                  []byte
		fundedAt, disputedAt, resolvedAt, releasedAt sql.NullTime
	)

	err := s.Scan(
		&e.ID, &e.Client, &e.Freelancer, &arbitrator, &asset, &e.Amount,
		&state, &disputeResult, &timeoutSecs, &e.FeeManager, &feeBps, &disputeFeeBps,
		&milestonesJSON, &historyJSON,
		&e.ReleasedAmount, &e.RefundedAmount, &e.FreelancerPaid, &e.FeeCollected, &e.NetAmount,
		&e.Version, &e.CreatedAt, &fundedAt, &disputedAt, &resolvedAt, &releasedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	e.Arbitrator = arbitrator.String
	e.Asset = asset.String
	e.State = State(state)
	e.DisputeResult = DisputeResult(disputeResult)
	e.FeeBps = uint32(feeBps)
	e.DisputeFeeBps = uint32(disputeFeeBps)
	if timeoutSecs.Valid {
		v := timeoutSecs.Int64
		e.TimeoutSecs = &v
	}
	e.FundedAt = timePtr(fundedAt)
	e.DisputedAt = timePtr(disputedAt)
	e.ResolvedAt = timePtr(resolvedAt)
	e.ReleasedAt = timePtr(releasedAt)

	if len(milestonesJSON) > 0 {
		if err := json.Unmarshal(milestonesJSON, &e.Milestones); err != nil {
			return nil, fmt.Errorf("decode milestones for %s: %w", e.ID, err)
		}
	}
	if len(historyJSON) > 0 {
		if err := json.Unmarshal(historyJSON, &e.History); err != nil {
			return nil, fmt.Errorf("decode milestone history for %s: %w", e.ID, err)
		}
	}
	return e, nil
}

func encodeMilestones(e *Escrow) ([]byte, []byte, error) {
	ms := e.Milestones
	if ms == nil {
		ms = []Milestone{}
	}
	milestonesJSON, err := json.Marshal(ms)
	if err != nil {
		return nil, nil, fmt.Errorf("encode milestones: %w", err)
	}
	historyJSON, err := json.Marshal(e.History)
	if err != nil {
		return nil, nil, fmt.Errorf("encode milestone history: %w", err)
	}
	return milestonesJSON, historyJSON, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

var _ Store = (*PostgresStore)(nil)
