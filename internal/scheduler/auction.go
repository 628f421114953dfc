// Package scheduler drives time-based auction settlement. It is the only
// component that initiates settlement autonomously; everything else in the
// system is request-driven.
package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"MarketSettle/internal/gateway"
	"MarketSettle/internal/ledger"
	"MarketSettle/internal/market"
	"MarketSettle/internal/notification"
	"MarketSettle/internal/observability"
	"MarketSettle/internal/settlement"
	"MarketSettle/internal/snapshot"
)

// Operator recorded on snapshot rows written by scheduler-driven settlement.
const Operator = "scheduler"

// Allocator is the settlement engine seam.
type Allocator interface {
	Allocate(ctx context.Context, nft market.NFT, buyerKey, sellerKey string, meta snapshot.Meta) (settlement.Allocation, error)
}

// Notifier is the fire-and-forget notification seam.
type Notifier interface {
	Publish(ctx context.Context, evt notification.Event) error
}

// Config tunes the scheduler.
type Config struct {
	Interval time.Duration // tick interval, default 2m
	PageSize int           // expired auctions processed per tick, default 50
}

// Scheduler finds expired on-market auctions every tick and settles them,
// soonest-expired first, bounded per tick by PageSize.
type Scheduler struct {
	cfg      Config
	nfts     market.Store
	engine   Allocator
	ledger   *ledger.Service
	attempts settlement.AttemptStore
	notifier Notifier
	log      zerolog.Logger
	metrics  *observability.Metrics
	now      func() time.Time
}

func New(cfg Config, nfts market.Store, engine Allocator, ledgerSvc *ledger.Service, attempts settlement.AttemptStore, notifier Notifier, log zerolog.Logger, metrics *observability.Metrics) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Minute
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 50
	}
	return &Scheduler{
		cfg:      cfg,
		nfts:     nfts,
		engine:   engine,
		ledger:   ledgerSvc,
		attempts: attempts,
		notifier: notifier,
		log:      log,
		metrics:  metrics,
		now:      time.Now,
	}
}

// Run ticks until ctx is cancelled. The first tick fires immediately.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick settles one page of expired auctions. A failure on one NFT aborts
// that NFT only; it stays on market and is reconsidered next tick.
func (s *Scheduler) Tick(ctx context.Context) {
	start := time.Now()
	now := s.now()

	expired, err := s.nfts.ExpiredAuctions(ctx, now, s.cfg.PageSize)
	if err != nil {
		s.log.Error().Err(err).Msg("expired auction scan failed")
		return
	}
	if s.metrics != nil {
		s.metrics.ExpiredBacklog.Set(float64(len(expired)))
	}

	for _, nft := range expired {
		if err := s.settleOne(ctx, nft.Key); err != nil {
			s.log.Error().Err(err).Str("nft", nft.Key).Msg("auction settlement failed")
		}
	}

	if s.metrics != nil {
		s.metrics.SchedulerTickDuration.Observe(time.Since(start).Seconds())
	}
}

func (s *Scheduler) settleOne(ctx context.Context, nftKey string) error {
	// Re-fetch and re-validate: a manual market-off or buy may have raced the
	// scan. Fail closed and skip for this tick.
	nft, err := s.nfts.Get(ctx, nftKey)
	if err != nil {
		return err
	}
	if !nft.OnMarket {
		s.skip("not_on_market")
		return market.ErrItemNotOnMarket
	}
	if nft.PriceType != market.PriceAuction {
		s.skip("not_an_auction")
		return market.ErrNotAnAuction
	}
	if nft.AuctionEnd.After(s.now()) {
		s.skip("not_expired")
		return nil
	}

	if nft.TopBid == nil {
		return s.closeNoSale(ctx, nft)
	}

	// A prior attempt with unresolved legs may already have moved money.
	// Quarantine the NFT until reconciliation settles the question.
	if prev, ok, err := s.attempts.Latest(ctx, nft.Key); err != nil {
		return err
	} else if ok && prev.State == settlement.StateLegsSent {
		if s.metrics != nil {
			s.metrics.AuctionsQuarantined.Inc()
		}
		s.log.Warn().
			Str("nft", nft.Key).
			Str("attempt", prev.ID).
			Msg("auction quarantined: prior attempt has unresolved legs")
		return nil
	}

	bid := *nft.TopBid
	attempt := settlement.Attempt{
		ID:        uuid.NewString(),
		NftKey:    nft.Key,
		BuyerKey:  bid.UserKey,
		SellerKey: nft.OwnerKey,
		Amount:    bid.Price,
		State:     settlement.StatePending,
		CreatedAt: s.now(),
	}
	if err := s.attempts.Create(ctx, attempt); err != nil {
		return err
	}

	// The sale settles at the winning bid, not the listing price.
	sale := nft
	sale.Price = bid.Price

	meta := snapshot.Meta{Operator: Operator}

	if err := s.attempts.UpdateState(ctx, attempt.ID, settlement.StateLegsSent, ""); err != nil {
		return err
	}
	alloc, err := s.engine.Allocate(ctx, sale, bid.UserKey, nft.OwnerKey, meta)
	if err != nil {
		s.resolveFailedAttempt(ctx, attempt.ID, err)
		return err
	}

	// The escrow placed at bid time is released now that the funds have
	// actually moved through the gateway.
	if _, err := s.ledger.UnlockAmount(ctx, alloc.BuyerAccount.Key, bid.Price, meta); err != nil {
		s.attemptDetail(ctx, attempt.ID, settlement.StateLegsSent, "escrow release failed: "+err.Error())
		return err
	}

	now := s.now()
	prevOwner := nft.OwnerKey
	nft.OwnerKey = bid.UserKey
	nft.OnMarket = false
	nft.TopBid = nil
	nft.LastPurchase = &market.LastPurchase{
		UserKey: bid.UserKey,
		Price:   bid.Price,
		Type:    market.PriceAuction,
		At:      now,
	}
	if err := s.nfts.Update(ctx, nft); err != nil {
		s.attemptDetail(ctx, attempt.ID, settlement.StateLegsSent, "ownership update failed: "+err.Error())
		return err
	}

	if err := s.nfts.AppendOwnership(ctx, market.OwnershipRecord{
		NftKey:   nft.Key,
		OwnerKey: bid.UserKey,
		Price:    bid.Price,
		At:       now,
	}); err != nil {
		s.log.Error().Err(err).Str("nft", nft.Key).Msg("ownership history append failed")
	}
	if err := s.nfts.AppendSale(ctx, market.SaleRecord{
		NftKey:        nft.Key,
		SellerKey:     prevOwner,
		BuyerKey:      bid.UserKey,
		Price:         bid.Price,
		CommissionFee: alloc.CommissionFee,
		RoyaltyFee:    alloc.RoyaltyFee,
		At:            now,
	}); err != nil {
		s.log.Error().Err(err).Str("nft", nft.Key).Msg("sale log append failed")
	}

	if err := s.attempts.UpdateState(ctx, attempt.ID, settlement.StateCompleted, ""); err != nil {
		s.log.Error().Err(err).Str("attempt", attempt.ID).Msg("attempt completion write failed")
	}

	s.notify(ctx, notification.Event{
		Kind:       "auction_settled",
		NftKey:     nft.Key,
		BuyerKey:   bid.UserKey,
		SellerKey:  prevOwner,
		Symbol:     nft.Symbol,
		Price:      bid.Price.String(),
		Commission: alloc.CommissionFee.String(),
		Royalty:    alloc.RoyaltyFee.String(),
		BuyerTxn:   alloc.BuyerTxn.TransactionKey,
		SellerTxn:  alloc.SellerTxn.TransactionKey,
		At:         now,
	})

	if s.metrics != nil {
		s.metrics.AuctionsSettled.Inc()
	}
	s.log.Info().
		Str("nft", nft.Key).
		Str("winner", bid.UserKey).
		Str("price", bid.Price.String()).
		Msg("auction settled")

	return nil
}

// closeNoSale ends an expired auction that drew no bids: terminal, no sale,
// no balance movement, no audit rows.
func (s *Scheduler) closeNoSale(ctx context.Context, nft market.NFT) error {
	nft.OnMarket = false
	if err := s.nfts.Update(ctx, nft); err != nil {
		return err
	}

	s.notify(ctx, notification.Event{
		Kind:   "auction_expired",
		NftKey: nft.Key,
		Symbol: nft.Symbol,
		At:     s.now(),
	})

	if s.metrics != nil {
		s.metrics.AuctionsExpiredNoSale.Inc()
	}
	s.log.Info().Str("nft", nft.Key).Msg("auction expired with no bids")
	return nil
}

// resolveFailedAttempt decides the attempt state after Allocate failed. A
// definite rejection of the first leg, or a validation error raised before
// any gateway call, means no money moved and retrying next tick is safe.
// Everything else, including failures the scheduler cannot classify, leaves
// the attempt in LEGS_SENT for reconciliation: the only safe assumption
// about an unrecognized error is that money may already have moved.
func (s *Scheduler) resolveFailedAttempt(ctx context.Context, attemptID string, err error) {
	var legErr *settlement.LegError
	if errors.As(err, &legErr) {
		definite := !errors.Is(err, gateway.ErrGatewayIndeterminate)
		if legErr.Leg == settlement.LegBuyer && definite {
			s.attemptDetail(ctx, attemptID, settlement.StateFailed, err.Error())
			return
		}
		s.attemptDetail(ctx, attemptID, settlement.StateLegsSent, err.Error())
		return
	}
	if isPreLegValidation(err) {
		s.attemptDetail(ctx, attemptID, settlement.StateFailed, err.Error())
		return
	}
	s.attemptDetail(ctx, attemptID, settlement.StateLegsSent, err.Error())
}

// isPreLegValidation recognizes the errors Allocate raises before its first
// gateway call. Only these justify a terminal FAILED state.
func isPreLegValidation(err error) bool {
	return errors.Is(err, ledger.ErrAccountNotFound) ||
		errors.Is(err, ledger.ErrMasterAccountNotFound) ||
		errors.Is(err, ledger.ErrInsufficientFunds) ||
		errors.Is(err, settlement.ErrFeesExceedPrice)
}

func (s *Scheduler) attemptDetail(ctx context.Context, id string, state settlement.AttemptState, detail string) {
	if err := s.attempts.UpdateState(ctx, id, state, detail); err != nil {
		s.log.Error().Err(err).Str("attempt", id).Msg("attempt state write failed")
	}
}

func (s *Scheduler) notify(ctx context.Context, evt notification.Event) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Publish(ctx, evt); err != nil {
		// Fire and forget: notification failures never unwind a settlement.
		s.log.Warn().Err(err).Str("nft", evt.NftKey).Str("kind", evt.Kind).Msg("notification publish failed")
	}
}

func (s *Scheduler) skip(reason string) {
	if s.metrics != nil {
		s.metrics.AuctionsSkipped.WithLabelValues(reason).Inc()
	}
}
