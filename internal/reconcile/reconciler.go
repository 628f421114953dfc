// Package reconcile periodically re-aligns the local balance cache with the
// external coin ledger, which is the single source of truth, and resolves
// settlement attempts whose legs timed out with unknown outcome.
package reconcile

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"MarketSettle/internal/gateway"
	"MarketSettle/internal/ledger"
	"MarketSettle/internal/money"
	"MarketSettle/internal/observability"
	"MarketSettle/internal/settlement"
	"MarketSettle/internal/snapshot"
)

// Config tunes the reconciler.
type Config struct {
	Interval     time.Duration // default 10m
	PageSize     int           // accounts compared per pass, default 200
	AttemptGrace time.Duration // how long LEGS_SENT may stand before resolution, default 5m
}

// Reconciler compares local accounts against gateway wallets and adopts the
// gateway's number on any discrepancy, leaving a RECONCILE audit row.
type Reconciler struct {
	cfg      Config
	accounts ledger.Store
	svc      *ledger.Service
	gw       gateway.CoinGateway
	attempts settlement.AttemptStore
	log      zerolog.Logger
	metrics  *observability.Metrics
	now      func() time.Time
}

func New(cfg Config, accounts ledger.Store, svc *ledger.Service, gw gateway.CoinGateway, attempts settlement.AttemptStore, log zerolog.Logger, metrics *observability.Metrics) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Minute
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 200
	}
	if cfg.AttemptGrace <= 0 {
		cfg.AttemptGrace = 5 * time.Minute
	}
	return &Reconciler{
		cfg:      cfg,
		accounts: accounts,
		svc:      svc,
		gw:       gw,
		attempts: attempts,
		log:      log,
		metrics:  metrics,
		now:      time.Now,
	}
}

// Run ticks until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.Pass(ctx)
		}
	}
}

// Pass runs one reconciliation sweep.
func (r *Reconciler) Pass(ctx context.Context) {
	if r.metrics != nil {
		r.metrics.ReconcileRuns.Inc()
	}
	r.reconcileBalances(ctx)
	r.resolveAttempts(ctx)
}

func (r *Reconciler) reconcileBalances(ctx context.Context) {
	offset := 0
	for {
		accts, err := r.accounts.ListAccounts(ctx, r.cfg.PageSize, offset)
		if err != nil {
			r.log.Error().Err(err).Msg("account page scan failed")
			return
		}
		if len(accts) == 0 {
			return
		}

		for _, acct := range accts {
			r.reconcileOne(ctx, acct)
		}

		if len(accts) < r.cfg.PageSize {
			return
		}
		offset += len(accts)
	}
}

func (r *Reconciler) reconcileOne(ctx context.Context, acct ledger.Account) {
	// Accounts provisioned through the gateway carry its wallet key; the
	// direct lookup survives an address re-derivation. Older rows fall back
	// to the address path.
	var w gateway.Wallet
	var err error
	if acct.ExternalKey != "" {
		w, err = r.gw.GetWalletByKey(ctx, acct.ExternalKey)
	} else {
		w, err = r.gw.GetWallet(ctx, acct.Symbol, acct.Address)
	}
	if err != nil {
		r.log.Warn().Err(err).Str("account", acct.Key).Msg("gateway wallet lookup failed")
		return
	}

	authoritative := money.FromDecimal(acct.Symbol, w.Balance)
	if authoritative.Equal(acct.Available) {
		return
	}

	r.log.Warn().
		Str("account", acct.Key).
		Str("local", acct.Available.String()).
		Str("gateway", authoritative.String()).
		Msg("balance discrepancy, adopting gateway value")

	pre := acct.Available
	updated, err := r.svc.ApplyConfirmedBalance(ctx, acct.Key, authoritative)
	if err != nil {
		r.log.Error().Err(err).Str("account", acct.Key).Msg("balance correction failed")
		return
	}

	if err := r.svc.RecordSnapshot(ctx, snapshot.Snapshot{
		AccountKey:    acct.Key,
		Action:        snapshot.ActionReconcile,
		Symbol:        acct.Symbol,
		Amount:        authoritative.Sub(pre),
		PreAvailable:  pre,
		PostAvailable: authoritative,
		PreLocked:     acct.Locked,
		PostLocked:    updated.Locked,
		Operator:      "reconciler",
		CreatedAt:     r.now(),
	}); err != nil {
		r.log.Error().Err(err).Str("account", acct.Key).Msg("reconcile snapshot write failed")
	}

	if r.metrics != nil {
		r.metrics.ReconcileDiscrepancies.Inc()
	}
}

// resolveAttempts inspects LEGS_SENT settlement attempts past the grace
// period. If the gateway has no transaction for the NFT, no leg landed and
// the attempt is marked failed so the scheduler may retry. If transactions
// exist, money moved without the bookkeeping completing; that needs an
// operator, so the attempt stays put and is flagged loudly.
func (r *Reconciler) resolveAttempts(ctx context.Context) {
	cutoff := r.now().Add(-r.cfg.AttemptGrace)
	stale, err := r.attempts.ListUnresolved(ctx, cutoff, r.cfg.PageSize)
	if err != nil {
		r.log.Error().Err(err).Msg("unresolved attempt scan failed")
		return
	}

	for _, att := range stale {
		txns, err := r.gw.FindTransactions(ctx, gateway.TxnQuery{Notes: "nft:" + att.NftKey})
		if err != nil {
			r.log.Warn().Err(err).Str("attempt", att.ID).Msg("gateway transaction lookup failed")
			continue
		}

		if len(txns) == 0 {
			if err := r.attempts.UpdateState(ctx, att.ID, settlement.StateFailed,
				"no gateway transactions found, safe to retry"); err != nil {
				r.log.Error().Err(err).Str("attempt", att.ID).Msg("attempt state write failed")
				continue
			}
			if r.metrics != nil {
				r.metrics.AttemptsResolved.WithLabelValues("failed").Inc()
			}
			r.log.Info().Str("attempt", att.ID).Str("nft", att.NftKey).
				Msg("indeterminate attempt resolved: no legs landed")
			continue
		}

		if r.metrics != nil {
			r.metrics.AttemptsResolved.WithLabelValues("landed").Inc()
		}
		r.log.Error().
			Str("attempt", att.ID).
			Str("nft", att.NftKey).
			Int("gateway_txns", len(txns)).
			Msg("attempt has landed legs but incomplete bookkeeping: manual reconciliation required")
	}
}
