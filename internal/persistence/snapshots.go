package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"MarketSettle/internal/money"
	"MarketSettle/internal/snapshot"
)

// SnapshotStore is the Postgres implementation of snapshot.Recorder. Rows are
// append-only; nothing here updates or deletes.
type SnapshotStore struct {
	db *sql.DB
}

func NewSnapshotStore(db *sql.DB) *SnapshotStore {
	return &SnapshotStore{db: db}
}

// Record writes all given rows in one multi-row INSERT, so both sides of a
// transfer hit the trail in a single statement.
func (s *SnapshotStore) Record(ctx context.Context, snaps ...snapshot.Snapshot) error {
	if len(snaps) == 0 {
		return nil
	}

	query := `INSERT INTO settle.account_snapshots
		 (key, account_key, action, symbol, amount,
		  pre_available, post_available, pre_locked, post_locked,
		  txn_ref, operator, ip, user_agent, created_at)
		 VALUES `

	values := make([]string, 0, len(snaps))
	args := make([]interface{}, 0, len(snaps)*14)

	for i, snap := range snaps {
		if snap.Key == "" {
			snap.Key = uuid.NewString()
		}
		base := i * 14
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d::numeric, $%d::numeric, $%d::numeric, $%d::numeric, $%d::numeric, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7,
			base+8, base+9, base+10, base+11, base+12, base+13, base+14,
		))
		args = append(args,
			snap.Key, snap.AccountKey, string(snap.Action), snap.Symbol, snap.Amount.String(),
			snap.PreAvailable.String(), snap.PostAvailable.String(),
			snap.PreLocked.String(), snap.PostLocked.String(),
			snap.TxnRef, snap.Operator, snap.IP, snap.UserAgent, snap.CreatedAt,
		)
	}

	query += strings.Join(values, ", ")

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("insert %d snapshots: %w", len(snaps), err)
	}
	return nil
}

func (s *SnapshotStore) History(ctx context.Context, accountKey string, limit int) ([]snapshot.Snapshot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, account_key, action, symbol, amount::text,
		        pre_available::text, post_available::text, pre_locked::text, post_locked::text,
		        txn_ref, operator, ip, user_agent, created_at
		 FROM settle.account_snapshots
		 WHERE account_key = $1
		 ORDER BY created_at DESC
		 LIMIT $2`, accountKey, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var snaps []snapshot.Snapshot
	for rows.Next() {
		var snap snapshot.Snapshot
		var action, amount, preAvail, postAvail, preLock, postLock string
		if err := rows.Scan(
			&snap.Key, &snap.AccountKey, &action, &snap.Symbol, &amount,
			&preAvail, &postAvail, &preLock, &postLock,
			&snap.TxnRef, &snap.Operator, &snap.IP, &snap.UserAgent, &snap.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		snap.Action = snapshot.Action(action)
		if snap.Amount, err = money.Parse(snap.Symbol, amount); err != nil {
			return nil, err
		}
		if snap.PreAvailable, err = money.Parse(snap.Symbol, preAvail); err != nil {
			return nil, err
		}
		if snap.PostAvailable, err = money.Parse(snap.Symbol, postAvail); err != nil {
			return nil, err
		}
		if snap.PreLocked, err = money.Parse(snap.Symbol, preLock); err != nil {
			return nil, err
		}
		if snap.PostLocked, err = money.Parse(snap.Symbol, postLock); err != nil {
			return nil, err
		}
		snaps = append(snaps, snap)
	}
	return snaps, rows.Err()
}
