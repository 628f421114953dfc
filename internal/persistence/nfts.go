package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"MarketSettle/internal/market"
	"MarketSettle/internal/money"
)

// NftStore is the Postgres implementation of market.Store. The top bid is
// embedded in the nfts row so bid replacement and settlement updates are one
// atomic update-by-key.
type NftStore struct {
	db *sql.DB
}

func NewNftStore(db *sql.DB) *NftStore {
	return &NftStore{db: db}
}

const nftColumns = `key, symbol, price::text, royalty_rate::text, creator_key, owner_key,
	on_market, price_type, auction_end,
	top_bid_user, top_bid_price::text, top_bid_at,
	last_buyer, last_price::text, last_price_type, last_purchase_at, updated_at`

// Create inserts a new item row. Items originate in the marketplace API;
// this seeds the settlement-relevant mirror of one.
func (s *NftStore) Create(ctx context.Context, nft market.NFT) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settle.nfts
		 (key, symbol, price, royalty_rate, creator_key, owner_key,
		  on_market, price_type, auction_end, updated_at)
		 VALUES ($1, $2, $3::numeric, $4::numeric, $5, $6, $7, $8, $9, $10)`,
		nft.Key, nft.Symbol, nft.Price.String(), nft.RoyaltyRate.String(),
		nft.CreatorKey, nft.OwnerKey, nft.OnMarket, string(nft.PriceType),
		nft.AuctionEnd, nft.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert nft: %w", err)
	}
	return nil
}

func (s *NftStore) Get(ctx context.Context, key string) (market.NFT, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+nftColumns+` FROM settle.nfts WHERE key = $1`, key)
	return scanNft(row)
}

func (s *NftStore) ExpiredAuctions(ctx context.Context, now time.Time, limit int) ([]market.NFT, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+nftColumns+` FROM settle.nfts
		 WHERE on_market AND price_type = $1 AND auction_end <= $2
		 ORDER BY auction_end ASC
		 LIMIT $3`, string(market.PriceAuction), now, limit)
	if err != nil {
		return nil, fmt.Errorf("query expired auctions: %w", err)
	}
	defer rows.Close()

	var nfts []market.NFT
	for rows.Next() {
		nft, err := scanNft(rows)
		if err != nil {
			return nil, err
		}
		nfts = append(nfts, nft)
	}
	return nfts, rows.Err()
}

func (s *NftStore) Update(ctx context.Context, nft market.NFT) error {
	var topUser, topPrice sql.NullString
	var topAt sql.NullTime
	if nft.TopBid != nil {
		topUser = sql.NullString{String: nft.TopBid.UserKey, Valid: true}
		topPrice = sql.NullString{String: nft.TopBid.Price.String(), Valid: true}
		topAt = sql.NullTime{Time: nft.TopBid.PlacedAt, Valid: true}
	}
	var lastBuyer, lastPrice, lastType sql.NullString
	var lastAt sql.NullTime
	if nft.LastPurchase != nil {
		lastBuyer = sql.NullString{String: nft.LastPurchase.UserKey, Valid: true}
		lastPrice = sql.NullString{String: nft.LastPurchase.Price.String(), Valid: true}
		lastType = sql.NullString{String: string(nft.LastPurchase.Type), Valid: true}
		lastAt = sql.NullTime{Time: nft.LastPurchase.At, Valid: true}
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE settle.nfts SET
		   price = $2::numeric, royalty_rate = $3::numeric, owner_key = $4,
		   on_market = $5, price_type = $6, auction_end = $7,
		   top_bid_user = $8, top_bid_price = $9::numeric, top_bid_at = $10,
		   last_buyer = $11, last_price = $12::numeric, last_price_type = $13, last_purchase_at = $14,
		   updated_at = $15
		 WHERE key = $1`,
		nft.Key, nft.Price.String(), nft.RoyaltyRate.String(), nft.OwnerKey,
		nft.OnMarket, string(nft.PriceType), nft.AuctionEnd,
		topUser, topPrice, topAt,
		lastBuyer, lastPrice, lastType, lastAt,
		time.Now(),
	)
	if err != nil {
		return fmt.Errorf("update nft: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("nft %s: %w", nft.Key, market.ErrNftNotFound)
	}
	return nil
}

func (s *NftStore) AppendOwnership(ctx context.Context, rec market.OwnershipRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settle.nft_ownership (nft_key, owner_key, price, at)
		 VALUES ($1, $2, $3::numeric, $4)`,
		rec.NftKey, rec.OwnerKey, rec.Price.String(), rec.At,
	)
	if err != nil {
		return fmt.Errorf("insert ownership record: %w", err)
	}
	return nil
}

func (s *NftStore) AppendSale(ctx context.Context, rec market.SaleRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settle.nft_sales
		 (nft_key, seller_key, buyer_key, price, commission_fee, royalty_fee, at)
		 VALUES ($1, $2, $3, $4::numeric, $5::numeric, $6::numeric, $7)`,
		rec.NftKey, rec.SellerKey, rec.BuyerKey,
		rec.Price.String(), rec.CommissionFee.String(), rec.RoyaltyFee.String(), rec.At,
	)
	if err != nil {
		return fmt.Errorf("insert sale record: %w", err)
	}
	return nil
}

func scanNft(row rowScanner) (market.NFT, error) {
	var nft market.NFT
	var price, royalty, priceType string
	var topUser, topPrice sql.NullString
	var topAt sql.NullTime
	var lastBuyer, lastPrice, lastType sql.NullString
	var lastAt sql.NullTime

	err := row.Scan(
		&nft.Key, &nft.Symbol, &price, &royalty, &nft.CreatorKey, &nft.OwnerKey,
		&nft.OnMarket, &priceType, &nft.AuctionEnd,
		&topUser, &topPrice, &topAt,
		&lastBuyer, &lastPrice, &lastType, &lastAt, &nft.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return market.NFT{}, market.ErrNftNotFound
	}
	if err != nil {
		return market.NFT{}, fmt.Errorf("scan nft: %w", err)
	}

	nft.PriceType = market.PriceType(priceType)
	if nft.Price, err = money.Parse(nft.Symbol, price); err != nil {
		return market.NFT{}, err
	}
	if nft.RoyaltyRate, err = decimal.NewFromString(royalty); err != nil {
		return market.NFT{}, fmt.Errorf("parse royalty rate: %w", err)
	}

	if topUser.Valid && topPrice.Valid {
		bidPrice, err := money.Parse(nft.Symbol, topPrice.String)
		if err != nil {
			return market.NFT{}, err
		}
		nft.TopBid = &market.Bid{
			UserKey:  topUser.String,
			Symbol:   nft.Symbol,
			Price:    bidPrice,
			PlacedAt: topAt.Time,
		}
	}
	if lastBuyer.Valid && lastPrice.Valid {
		lp, err := money.Parse(nft.Symbol, lastPrice.String)
		if err != nil {
			return market.NFT{}, err
		}
		nft.LastPurchase = &market.LastPurchase{
			UserKey: lastBuyer.String,
			Price:   lp,
			Type:    market.PriceType(lastType.String),
			At:      lastAt.Time,
		}
	}
	return nft, nil
}
