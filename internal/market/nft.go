// Package market holds the settlement-relevant slice of the NFT marketplace:
// the on-market item, its top-bid escrow claim, and the history rows written
// when ownership changes hands.
package market

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"MarketSettle/internal/money"
)

// PriceType distinguishes fixed-price listings from auctions.
type PriceType string

const (
	PriceFixed   PriceType = "FIXED"
	PriceAuction PriceType = "AUCTION"
)

var (
	ErrNftNotFound     = errors.New("nft not found")
	ErrItemNotOnMarket = errors.New("item not on market")
	ErrNotAnAuction    = errors.New("item is not an auction")
	ErrBidTooLow       = errors.New("bid does not beat current top bid")
	ErrAuctionEnded    = errors.New("auction has ended")
)

// Bid is the transient escrow claim of the current highest bidder. Exactly
// one active top bid exists per NFT at a time.
type Bid struct {
	UserKey  string
	Symbol   string
	Price    money.Amount
	PlacedAt time.Time
}

// LastPurchase summarizes the most recent sale, displayed on the item.
type LastPurchase struct {
	UserKey string
	Price   money.Amount
	Type    PriceType
	At      time.Time
}

// NFT carries only the fields settlement needs; the rest of the item record
// belongs to the out-of-process marketplace API.
type NFT struct {
	Key          string
	Symbol       string
	Price        money.Amount
	RoyaltyRate  decimal.Decimal
	CreatorKey   string
	OwnerKey     string
	OnMarket     bool
	PriceType    PriceType
	AuctionEnd   time.Time
	TopBid       *Bid
	LastPurchase *LastPurchase
	UpdatedAt    time.Time
}

// OwnershipRecord is one entry of an item's ownership history.
type OwnershipRecord struct {
	NftKey   string
	OwnerKey string
	Price    money.Amount
	At       time.Time
}

// SaleRecord is the sale log row appended on settlement.
type SaleRecord struct {
	NftKey        string
	SellerKey     string
	BuyerKey      string
	Price         money.Amount
	CommissionFee money.Amount
	RoyaltyFee    money.Amount
	At            time.Time
}

// Store is the persistence contract for NFTs. Update replaces the settlement
// fields of one item atomically by key.
type Store interface {
	Get(ctx context.Context, key string) (NFT, error)
	// ExpiredAuctions returns on-market auctions with auction_end <= now,
	// soonest-expired first, at most limit rows.
	ExpiredAuctions(ctx context.Context, now time.Time, limit int) ([]NFT, error)
	Update(ctx context.Context, nft NFT) error
	AppendOwnership(ctx context.Context, rec OwnershipRecord) error
	AppendSale(ctx context.Context, rec SaleRecord) error
}
