package settlement

import (
	"context"
	"time"

	"MarketSettle/internal/money"
)

// AttemptState tracks how far a settlement got, making scheduler re-entry
// after a crash safe: an attempt stuck in StateLegsSent may have moved money
// and must be resolved against the gateway before the NFT is touched again.
type AttemptState string

const (
	StatePending   AttemptState = "PENDING"
	StateLegsSent  AttemptState = "LEGS_SENT"
	StateCompleted AttemptState = "COMPLETED"
	StateFailed    AttemptState = "FAILED"
)

// Attempt is one settlement attempt for one NFT.
type Attempt struct {
	ID        string
	NftKey    string
	BuyerKey  string
	SellerKey string
	Amount    money.Amount
	State     AttemptState
	Detail    string // leg context for manual reconciliation
	CreatedAt time.Time
	UpdatedAt time.Time
}

// AttemptStore persists settlement attempts.
type AttemptStore interface {
	Create(ctx context.Context, a Attempt) error
	// Latest returns the most recent attempt for an NFT; ok is false when
	// none exists.
	Latest(ctx context.Context, nftKey string) (a Attempt, ok bool, err error)
	UpdateState(ctx context.Context, id string, state AttemptState, detail string) error
	// ListUnresolved returns LEGS_SENT attempts older than the cutoff.
	ListUnresolved(ctx context.Context, olderThan time.Time, limit int) ([]Attempt, error)
	ListRecent(ctx context.Context, limit int) ([]Attempt, error)
}
