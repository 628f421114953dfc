package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"MarketSettle/internal/money"
	"MarketSettle/internal/settlement"
)

// AttemptStore is the Postgres implementation of settlement.AttemptStore.
type AttemptStore struct {
	db *sql.DB
}

func NewAttemptStore(db *sql.DB) *AttemptStore {
	return &AttemptStore{db: db}
}

const attemptColumns = `id, nft_key, buyer_key, seller_key, symbol, amount::text,
	state, detail, created_at, updated_at`

func (s *AttemptStore) Create(ctx context.Context, a settlement.Attempt) error {
	if a.UpdatedAt.IsZero() {
		a.UpdatedAt = a.CreatedAt
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settle.settlement_attempts
		 (id, nft_key, buyer_key, seller_key, symbol, amount, state, detail, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6::numeric, $7, $8, $9, $10)`,
		a.ID, a.NftKey, a.BuyerKey, a.SellerKey, a.Amount.Symbol(), a.Amount.String(),
		string(a.State), a.Detail, a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert attempt: %w", err)
	}
	return nil
}

func (s *AttemptStore) Latest(ctx context.Context, nftKey string) (settlement.Attempt, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+attemptColumns+` FROM settle.settlement_attempts
		 WHERE nft_key = $1 ORDER BY created_at DESC LIMIT 1`, nftKey)
	a, err := scanAttempt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return settlement.Attempt{}, false, nil
	}
	if err != nil {
		return settlement.Attempt{}, false, err
	}
	return a, true, nil
}

func (s *AttemptStore) UpdateState(ctx context.Context, id string, state settlement.AttemptState, detail string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE settle.settlement_attempts
		 SET state = $2, detail = $3, updated_at = $4 WHERE id = $1`,
		id, string(state), detail, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("update attempt state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("attempt %s not found", id)
	}
	return nil
}

func (s *AttemptStore) ListUnresolved(ctx context.Context, olderThan time.Time, limit int) ([]settlement.Attempt, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+attemptColumns+` FROM settle.settlement_attempts
		 WHERE state = $1 AND updated_at <= $2
		 ORDER BY updated_at ASC LIMIT $3`,
		string(settlement.StateLegsSent), olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("query unresolved attempts: %w", err)
	}
	defer rows.Close()
	return collectAttempts(rows)
}

func (s *AttemptStore) ListRecent(ctx context.Context, limit int) ([]settlement.Attempt, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+attemptColumns+` FROM settle.settlement_attempts
		 ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent attempts: %w", err)
	}
	defer rows.Close()
	return collectAttempts(rows)
}

func collectAttempts(rows *sql.Rows) ([]settlement.Attempt, error) {
	var attempts []settlement.Attempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

func scanAttempt(row rowScanner) (settlement.Attempt, error) {
	var a settlement.Attempt
	var symbol, amount, state string
	err := row.Scan(
		&a.ID, &a.NftKey, &a.BuyerKey, &a.SellerKey, &symbol, &amount,
		&state, &a.Detail, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return settlement.Attempt{}, err
	}
	a.State = settlement.AttemptState(state)
	if a.Amount, err = money.Parse(symbol, amount); err != nil {
		return settlement.Attempt{}, err
	}
	return a, nil
}
