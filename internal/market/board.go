package market

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"MarketSettle/internal/keylock"
	"MarketSettle/internal/ledger"
	"MarketSettle/internal/snapshot"
)

// Board serializes bid placement per NFT. Replacing the top bid locks the new
// bidder's escrow and unlocks the previous bidder's inside one critical
// section keyed on the NFT, so no interleaving can leave both or neither
// escrow locked.
type Board struct {
	store  Store
	ledger *ledger.Service
	locks  *keylock.KeyedMutex
	log    zerolog.Logger
	now    func() time.Time
}

func NewBoard(store Store, ledgerSvc *ledger.Service, log zerolog.Logger) *Board {
	return &Board{
		store:  store,
		ledger: ledgerSvc,
		locks:  keylock.New(),
		log:    log,
		now:    time.Now,
	}
}

// PlaceBid makes bid the NFT's top bid. The new bidder's escrow is locked
// first; the previous bidder's escrow is then released, and a failure
// releasing it rolls the new lock back so the board never holds two escrows
// for one item.
func (b *Board) PlaceBid(ctx context.Context, nftKey string, bid Bid, meta snapshot.Meta) error {
	b.locks.Lock(nftKey)
	defer b.locks.Unlock(nftKey)

	nft, err := b.store.Get(ctx, nftKey)
	if err != nil {
		return err
	}
	if !nft.OnMarket {
		return ErrItemNotOnMarket
	}
	if nft.PriceType != PriceAuction {
		return ErrNotAnAuction
	}
	if !b.now().Before(nft.AuctionEnd) {
		return ErrAuctionEnded
	}

	floor := nft.Price
	if nft.TopBid != nil {
		floor = nft.TopBid.Price
	}
	if bid.Price.Cmp(floor) <= 0 && nft.TopBid != nil {
		return fmt.Errorf("bid %s against top bid %s: %w", bid.Price, floor, ErrBidTooLow)
	}
	if bid.Price.Cmp(floor) < 0 {
		return fmt.Errorf("bid %s below asking price %s: %w", bid.Price, floor, ErrBidTooLow)
	}

	bidder, err := b.ledger.GetAccountByOwner(ctx, bid.UserKey, nft.Symbol)
	if err != nil {
		return err
	}

	if _, err := b.ledger.LockAmount(ctx, bidder.Key, bid.Price, meta); err != nil {
		return err
	}

	prev := nft.TopBid
	var prevAcct ledger.Account
	if prev != nil {
		prevAcct, err = b.ledger.GetAccountByOwner(ctx, prev.UserKey, nft.Symbol)
		if err == nil {
			_, err = b.ledger.UnlockAmount(ctx, prevAcct.Key, prev.Price, meta)
		}
		if err != nil {
			// Keep the single-escrow guarantee: back out the new lock.
			if _, rbErr := b.ledger.UnlockAmount(ctx, bidder.Key, bid.Price, meta); rbErr != nil {
				b.log.Error().Err(rbErr).
					Str("nft", nftKey).
					Str("account", bidder.Key).
					Msg("rollback of replacement bid lock failed")
			}
			return fmt.Errorf("release previous bid escrow: %w", err)
		}
	}

	bid.PlacedAt = b.now()
	nft.TopBid = &bid
	if err := b.store.Update(ctx, nft); err != nil {
		// The stored bid still names the previous bidder: restore the escrow
		// state it describes before surfacing the failure.
		if prev != nil {
			if _, rbErr := b.ledger.LockAmount(ctx, prevAcct.Key, prev.Price, meta); rbErr != nil {
				b.log.Error().Err(rbErr).
					Str("nft", nftKey).
					Str("account", prevAcct.Key).
					Msg("restore of previous bid escrow failed")
			}
		}
		if _, rbErr := b.ledger.UnlockAmount(ctx, bidder.Key, bid.Price, meta); rbErr != nil {
			b.log.Error().Err(rbErr).
				Str("nft", nftKey).
				Str("account", bidder.Key).
				Msg("rollback of replacement bid lock failed")
		}
		return fmt.Errorf("persist top bid: %w", err)
	}

	b.log.Info().
		Str("nft", nftKey).
		Str("bidder", bid.UserKey).
		Str("price", bid.Price.String()).
		Msg("top bid replaced")

	return nil
}

// WithdrawTopBid releases the current top bid's escrow and clears it, used by
// market-off and cancellation flows.
func (b *Board) WithdrawTopBid(ctx context.Context, nftKey string, meta snapshot.Meta) error {
	b.locks.Lock(nftKey)
	defer b.locks.Unlock(nftKey)

	nft, err := b.store.Get(ctx, nftKey)
	if err != nil {
		return err
	}
	if nft.TopBid == nil {
		return nil
	}

	acct, err := b.ledger.GetAccountByOwner(ctx, nft.TopBid.UserKey, nft.Symbol)
	if err != nil {
		return err
	}
	if _, err := b.ledger.UnlockAmount(ctx, acct.Key, nft.TopBid.Price, meta); err != nil {
		return err
	}

	nft.TopBid = nil
	return b.store.Update(ctx, nft)
}
