package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"MarketSettle/internal/ledger"
	"MarketSettle/internal/money"
)

// AccountStore is the Postgres implementation of ledger.Store.
type AccountStore struct {
	db *sql.DB
}

func NewAccountStore(db *sql.DB) *AccountStore {
	return &AccountStore{db: db}
}

const accountColumns = `key, owner_key, symbol, type, address,
	available::text, locked::text, external_key, nonce, removed, created_at, updated_at`

func (s *AccountStore) GetAccount(ctx context.Context, key string) (ledger.Account, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM settle.accounts WHERE key = $1 AND NOT removed`, key)
	return scanAccount(row)
}

func (s *AccountStore) GetAccountByOwner(ctx context.Context, ownerKey, symbol string) (ledger.Account, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM settle.accounts
		 WHERE owner_key = $1 AND symbol = $2 AND NOT removed`, ownerKey, symbol)
	return scanAccount(row)
}

func (s *AccountStore) GetMasterAccount(ctx context.Context, symbol string) (ledger.Account, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM settle.accounts
		 WHERE symbol = $1 AND type = $2 AND NOT removed`, symbol, string(ledger.TypeMaster))
	acct, err := scanAccount(row)
	if errors.Is(err, ledger.ErrAccountNotFound) {
		return ledger.Account{}, ledger.ErrMasterAccountNotFound
	}
	return acct, err
}

func (s *AccountStore) GetKeyStore(ctx context.Context, accountKey string) (ledger.KeyStore, error) {
	var ks ledger.KeyStore
	err := s.db.QueryRowContext(ctx,
		`SELECT account_key, encrypted_key, salt FROM settle.account_keystores WHERE account_key = $1`,
		accountKey,
	).Scan(&ks.AccountKey, &ks.EncryptedKey, &ks.Salt)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.KeyStore{}, ledger.ErrAccountNotFound
	}
	if err != nil {
		return ledger.KeyStore{}, fmt.Errorf("get keystore: %w", err)
	}
	return ks, nil
}

// CreateAccount inserts the account and its keystore in one transaction. The
// one-master-per-currency rule is the partial unique index
// accounts_one_master_per_symbol; a violation surfaces as
// ledger.ErrMasterAccountExists so racing initializers lose cleanly.
func (s *AccountStore) CreateAccount(ctx context.Context, acct ledger.Account, ks ledger.KeyStore) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create account: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO settle.accounts
		 (key, owner_key, symbol, type, address, available, locked, external_key, nonce, removed, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6::numeric, $7::numeric, $8, $9, FALSE, $10, $11)`,
		acct.Key, acct.OwnerKey, acct.Symbol, string(acct.Type), acct.Address,
		acct.Available.String(), acct.Locked.String(), acct.ExternalKey, acct.Nonce,
		acct.CreatedAt, acct.UpdatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			if pqErr.Constraint == "accounts_one_master_per_symbol" {
				return ledger.ErrMasterAccountExists
			}
			return fmt.Errorf("account exists for owner %s symbol %s: %w", acct.OwnerKey, acct.Symbol, err)
		}
		return fmt.Errorf("insert account: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO settle.account_keystores (account_key, encrypted_key, salt) VALUES ($1, $2, $3)`,
		ks.AccountKey, ks.EncryptedKey, ks.Salt,
	)
	if err != nil {
		return fmt.Errorf("insert keystore: %w", err)
	}

	return tx.Commit()
}

func (s *AccountStore) UpdateBalances(ctx context.Context, key string, available, locked money.Amount) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE settle.accounts
		 SET available = $2::numeric, locked = $3::numeric, updated_at = $4
		 WHERE key = $1 AND NOT removed`,
		key, available.String(), locked.String(), time.Now(),
	)
	if err != nil {
		return fmt.Errorf("update balances: %w", err)
	}
	return requireOneRow(res, key)
}

func (s *AccountStore) UpdateNonce(ctx context.Context, key string, nonce uint64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE settle.accounts SET nonce = $2, updated_at = $3 WHERE key = $1 AND NOT removed`,
		key, nonce, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("update nonce: %w", err)
	}
	return requireOneRow(res, key)
}

func (s *AccountStore) ListAccounts(ctx context.Context, limit, offset int) ([]ledger.Account, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+accountColumns+` FROM settle.accounts
		 WHERE NOT removed ORDER BY created_at LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	var accts []ledger.Account
	for rows.Next() {
		acct, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accts = append(accts, acct)
	}
	return accts, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAccount(row rowScanner) (ledger.Account, error) {
	var (
		acct                 ledger.Account
		typ, available, lock string
	)
	err := row.Scan(
		&acct.Key, &acct.OwnerKey, &acct.Symbol, &typ, &acct.Address,
		&available, &lock, &acct.ExternalKey, &acct.Nonce, &acct.Removed,
		&acct.CreatedAt, &acct.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Account{}, ledger.ErrAccountNotFound
	}
	if err != nil {
		return ledger.Account{}, fmt.Errorf("scan account: %w", err)
	}
	acct.Type = ledger.AccountType(typ)
	if acct.Available, err = money.Parse(acct.Symbol, available); err != nil {
		return ledger.Account{}, err
	}
	if acct.Locked, err = money.Parse(acct.Symbol, lock); err != nil {
		return ledger.Account{}, err
	}
	return acct, nil
}

func requireOneRow(res sql.Result, key string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("account %s: %w", key, ledger.ErrAccountNotFound)
	}
	return nil
}
