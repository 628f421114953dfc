package ledger

import (
	"time"

	"MarketSettle/internal/money"
)

// AccountType distinguishes the treasury, platform users, and external
// counterparties.
type AccountType string

const (
	TypeMaster   AccountType = "MASTER"
	TypePrime    AccountType = "PRIME"
	TypeExternal AccountType = "EXTERNAL"
)

// MasterOwnerKey is the sentinel owner of the per-currency treasury account.
const MasterOwnerKey = "MASTER"

// Account is one (owner, currency) balance record. Available and locked
// balances are a local cache of the external coin ledger; available is only
// mutated from confirmed gateway transfers, never optimistically, and
// 0 <= locked <= available holds at every observable point.
type Account struct {
	Key         string
	OwnerKey    string
	Symbol      string
	Type        AccountType
	Address     string
	Available   money.Amount
	Locked      money.Amount
	ExternalKey string
	Nonce       uint64 // cached; the gateway's copy is authoritative
	Removed     bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Spendable is the balance a purchase or bid may claim: available minus
// whatever is already locked under other bids.
func (a Account) Spendable() money.Amount {
	return a.Available.Sub(a.Locked)
}

// KeyStore is the credential material needed to sign an outgoing transfer.
// It is fetched separately from the balance view and never embedded in it.
type KeyStore struct {
	AccountKey   string
	EncryptedKey string // base64 secretbox ciphertext
	Salt         string // hex salt for key derivation
}
