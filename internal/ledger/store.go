package ledger

import (
	"context"

	"MarketSettle/internal/money"
)

// Store is the persistence contract for accounts. Implementations return
// ErrAccountNotFound / ErrMasterAccountNotFound for missing rows and
// ErrMasterAccountExists when the one-master-per-currency constraint is
// violated (enforced by the storage layer, not a check-then-create).
type Store interface {
	GetAccount(ctx context.Context, key string) (Account, error)
	GetAccountByOwner(ctx context.Context, ownerKey, symbol string) (Account, error)
	GetMasterAccount(ctx context.Context, symbol string) (Account, error)
	GetKeyStore(ctx context.Context, accountKey string) (KeyStore, error)
	CreateAccount(ctx context.Context, acct Account, ks KeyStore) error
	UpdateBalances(ctx context.Context, key string, available, locked money.Amount) error
	UpdateNonce(ctx context.Context, key string, nonce uint64) error
	ListAccounts(ctx context.Context, limit, offset int) ([]Account, error)
}
