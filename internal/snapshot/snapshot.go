// Package snapshot defines the append-only audit trail of balance changes.
// One row is written per account side of every ledger-affecting event, using
// the external gateway's reported pre/post balances as ground truth. Rows are
// never mutated; per-account history is replayable for reconciliation.
package snapshot

import (
	"context"
	"time"

	"MarketSettle/internal/money"
)

// Action identifies what moved the balance.
type Action string

const (
	ActionMint       Action = "MINT"
	ActionBidLock    Action = "BID_LOCK"
	ActionBidUnlock  Action = "BID_UNLOCK"
	ActionNftBought  Action = "NFT_BOUGHT"
	ActionNftSold    Action = "NFT_SOLD"
	ActionNftRoyalty Action = "NFT_ROYALTY"
	ActionReconcile  Action = "RECONCILE"
)

// Snapshot is one immutable audit record.
type Snapshot struct {
	Key           string
	AccountKey    string
	Action        Action
	Symbol        string
	Amount        money.Amount
	PreAvailable  money.Amount
	PostAvailable money.Amount
	PreLocked     money.Amount
	PostLocked    money.Amount
	TxnRef        string // external-ledger transaction key, empty for local-only events
	Operator      string
	IP            string
	UserAgent     string
	CreatedAt     time.Time
}

// Meta carries actor identity and client metadata into snapshot rows.
type Meta struct {
	Operator  string
	IP        string
	UserAgent string
	TxnRef    string
}

// Recorder appends audit rows and reads per-account history. Record writes
// all given rows in one batch; both sides of a transfer land together.
type Recorder interface {
	Record(ctx context.Context, snaps ...Snapshot) error
	History(ctx context.Context, accountKey string, limit int) ([]Snapshot, error)
}
