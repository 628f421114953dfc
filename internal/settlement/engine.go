// Package settlement orchestrates the multi-leg coin transfer of an NFT sale:
// buyer to treasury, treasury to creator (royalty), treasury to seller
// (remainder after commission and royalty). There is no automatic
// compensation: a mid-sequence gateway failure leaves completed legs standing
// and surfaces a LegError carrying enough context for manual reconciliation.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"MarketSettle/internal/gateway"
	"MarketSettle/internal/ledger"
	"MarketSettle/internal/market"
	"MarketSettle/internal/money"
	"MarketSettle/internal/observability"
	"MarketSettle/internal/snapshot"
	"MarketSettle/internal/wallet"
)

// Leg indices, in send order. Buyer funds move first so the treasury is never
// short when paying out; the seller's remainder goes last so a mid-sequence
// failure cannot over-pay.
const (
	LegBuyer   = 1
	LegRoyalty = 2
	LegSeller  = 3
)

func legName(leg int) string {
	switch leg {
	case LegBuyer:
		return "buyer"
	case LegRoyalty:
		return "royalty"
	case LegSeller:
		return "seller"
	}
	return "unknown"
}

// LegError wraps a gateway failure on one leg. Earlier legs have completed
// and stand; the caller decides between retry-next-tick and manual repair.
type LegError struct {
	Leg    int
	NftKey string
	Sender string
	Amount money.Amount
	Err    error
}

func (e *LegError) Error() string {
	return fmt.Sprintf("settlement leg %d (%s) for nft %s, amount %s: %v",
		e.Leg, legName(e.Leg), e.NftKey, e.Amount, e.Err)
}

func (e *LegError) Unwrap() error { return e.Err }

// ErrFeesExceedPrice rejects a sale whose commission plus royalty would leave
// a negative seller remainder. Raised before any gateway call.
var ErrFeesExceedPrice = errors.New("fees exceed sale price")

// PostSettlementError marks a failure after every transfer leg has landed.
// The funds moved in full; callers must treat the sale as settled and never
// re-run it.
type PostSettlementError struct {
	NftKey string
	Err    error
}

func (e *PostSettlementError) Error() string {
	return fmt.Sprintf("post-settlement bookkeeping for nft %s: %v", e.NftKey, e.Err)
}

func (e *PostSettlementError) Unwrap() error { return e.Err }

// Allocation is the result of a fully settled sale.
type Allocation struct {
	BuyerTxn      gateway.TransferResult
	RoyaltyTxn    *gateway.TransferResult // nil when no royalty was due
	SellerTxn     gateway.TransferResult
	CommissionFee money.Amount
	RoyaltyFee    money.Amount
	BuyerAccount  ledger.Account
	SellerAccount ledger.Account
}

// Config holds the engine's global settings.
type Config struct {
	// CommissionRate is the platform commission applied to every sale.
	CommissionRate decimal.Decimal
	// Passphrase unlocks account keystores for signing.
	Passphrase string
}

// Engine executes the three-leg settlement.
type Engine struct {
	ledger  *ledger.Service
	gw      gateway.CoinGateway
	nonces  *gateway.NonceSource
	cfg     Config
	log     zerolog.Logger
	metrics *observability.Metrics
}

func NewEngine(ledgerSvc *ledger.Service, gw gateway.CoinGateway, nonces *gateway.NonceSource, cfg Config, log zerolog.Logger, metrics *observability.Metrics) *Engine {
	return &Engine{
		ledger:  ledgerSvc,
		gw:      gw,
		nonces:  nonces,
		cfg:     cfg,
		log:     log,
		metrics: metrics,
	}
}

// Allocate settles the sale of nft from seller to buyer at nft.Price.
//
// Exactly three legs, in order, each independently signed and snapshotted:
//  1. buyer -> master: full price
//  2. master -> creator: price * royaltyRate, skipped when zero. The royalty
//     is computed on the original price, not the post-commission remainder.
//  3. master -> seller: price - commission - royalty
//
// Validation errors surface before any gateway call with no side effects.
func (e *Engine) Allocate(ctx context.Context, nft market.NFT, buyerKey, sellerKey string, meta snapshot.Meta) (Allocation, error) {
	start := time.Now()
	symbol := nft.Symbol
	price := nft.Price

	buyer, err := e.ledger.GetAccountByOwner(ctx, buyerKey, symbol)
	if err != nil {
		return Allocation{}, e.fail("buyer_account", err)
	}
	seller, err := e.ledger.GetAccountByOwner(ctx, sellerKey, symbol)
	if err != nil {
		return Allocation{}, e.fail("seller_account", err)
	}
	creator, err := e.ledger.GetAccountByOwner(ctx, nft.CreatorKey, symbol)
	if err != nil {
		return Allocation{}, e.fail("creator_account", err)
	}
	master, err := e.ledger.GetMasterAccount(ctx, symbol)
	if err != nil {
		return Allocation{}, e.fail("master_account", err)
	}

	if buyer.Spendable().Cmp(price) < 0 {
		e.countFailure("insufficient_funds")
		return Allocation{}, fmt.Errorf("buyer %s spendable %s below price %s: %w",
			buyerKey, buyer.Spendable(), price, ledger.ErrInsufficientFunds)
	}

	commissionFee := price.MulRate(e.cfg.CommissionRate)
	royaltyFee := price.MulRate(nft.RoyaltyRate)
	remainder := price.Sub(commissionFee).Sub(royaltyFee)
	if remainder.IsNegative() {
		e.countFailure("fee_overflow")
		return Allocation{}, fmt.Errorf("commission %s plus royalty %s against price %s: %w",
			commissionFee, royaltyFee, price, ErrFeesExceedPrice)
	}

	logCtx := e.log.With().
		Str("nft", nft.Key).
		Str("buyer", buyerKey).
		Str("seller", sellerKey).
		Str("price", price.String()).
		Str("commission", commissionFee.String()).
		Str("royalty", royaltyFee.String()).
		Logger()

	alloc := Allocation{CommissionFee: commissionFee, RoyaltyFee: royaltyFee}

	// Leg 1: buyer -> master, full price.
	alloc.BuyerTxn, err = e.sendLeg(ctx, legInput{
		leg:             LegBuyer,
		nftKey:          nft.Key,
		sender:          buyer,
		recipient:       master,
		amount:          price,
		senderAction:    snapshot.ActionNftBought,
		recipientAction: snapshot.ActionNftBought,
		meta:            meta,
	})
	if err != nil {
		logCtx.Error().Err(err).Int("leg", LegBuyer).Msg("settlement aborted")
		return Allocation{}, err
	}

	// Leg 2: master -> creator, royalty on the original price.
	if royaltyFee.IsPositive() {
		res, err := e.sendLeg(ctx, legInput{
			leg:             LegRoyalty,
			nftKey:          nft.Key,
			sender:          master,
			recipient:       creator,
			amount:          royaltyFee,
			senderAction:    snapshot.ActionNftRoyalty,
			recipientAction: snapshot.ActionNftRoyalty,
			meta:            meta,
		})
		if err != nil {
			// Leg 1 stands. Fail forward; reconciliation is manual.
			logCtx.Error().Err(err).Int("leg", LegRoyalty).
				Str("buyer_txn", alloc.BuyerTxn.TransactionKey).
				Msg("settlement aborted after buyer leg")
			return Allocation{}, err
		}
		alloc.RoyaltyTxn = &res
	}

	// Leg 3: master -> seller, the net proceeds.
	alloc.SellerTxn, err = e.sendLeg(ctx, legInput{
		leg:             LegSeller,
		nftKey:          nft.Key,
		sender:          master,
		recipient:       seller,
		amount:          remainder,
		senderAction:    snapshot.ActionNftSold,
		recipientAction: snapshot.ActionNftSold,
		meta:            meta,
	})
	if err != nil {
		logCtx.Error().Err(err).Int("leg", LegSeller).
			Str("buyer_txn", alloc.BuyerTxn.TransactionKey).
			Msg("settlement aborted before seller payout")
		return Allocation{}, err
	}

	// All three legs have landed; from here on any failure must not look
	// like one that permits a re-run.
	alloc.BuyerAccount, err = e.ledger.GetAccount(ctx, buyer.Key)
	if err != nil {
		return Allocation{}, &PostSettlementError{NftKey: nft.Key, Err: err}
	}
	alloc.SellerAccount, err = e.ledger.GetAccount(ctx, seller.Key)
	if err != nil {
		return Allocation{}, &PostSettlementError{NftKey: nft.Key, Err: err}
	}

	if e.metrics != nil {
		e.metrics.SettlementDuration.Observe(time.Since(start).Seconds())
	}
	logCtx.Info().
		Str("buyer_txn", alloc.BuyerTxn.TransactionKey).
		Str("seller_txn", alloc.SellerTxn.TransactionKey).
		Msg("sale settled")

	return alloc, nil
}

type legInput struct {
	leg             int
	nftKey          string
	sender          ledger.Account
	recipient       ledger.Account
	amount          money.Amount
	senderAction    snapshot.Action
	recipientAction snapshot.Action
	meta            snapshot.Meta
}

// sendLeg signs and submits one transfer, then writes both audit rows from
// the gateway's reported balances and reconciles the local cache to them.
// The nonce is read fresh under the sender address's lock for every leg.
func (e *Engine) sendLeg(ctx context.Context, in legInput) (gateway.TransferResult, error) {
	ks, err := e.ledger.GetKeyStore(ctx, in.sender.Key)
	if err != nil {
		return gateway.TransferResult{}, e.legError(in, err)
	}
	priv, err := wallet.DecryptKeyWithSalt(ks.EncryptedKey, e.cfg.Passphrase, ks.Salt)
	if err != nil {
		return gateway.TransferResult{}, e.legError(in, err)
	}

	symbol := in.sender.Symbol
	var res gateway.TransferResult
	var usedNonce uint64
	err = e.nonces.WithNonce(ctx, symbol, in.sender.Address, func(nonce uint64) error {
		usedNonce = nonce
		msg := gateway.TransferMessage(symbol, in.sender.Address, in.recipient.Address, in.amount.String(), nonce)
		var sendErr error
		res, sendErr = e.gw.SendTransfer(ctx, gateway.TransferRequest{
			Symbol:    symbol,
			Sender:    in.sender.Address,
			Recipient: in.recipient.Address,
			Amount:    in.amount.Decimal(),
			Nonce:     nonce,
			Signature: wallet.SignMessage(priv, msg),
			Notes:     "nft:" + in.nftKey,
			Fee:       decimal.Zero,
		})
		return sendErr
	})
	if err != nil {
		e.countLeg(in.leg, "error")
		if errors.Is(err, gateway.ErrGatewayIndeterminate) {
			e.countFailure("indeterminate")
		} else {
			e.countFailure("gateway")
		}
		return gateway.TransferResult{}, e.legError(in, err)
	}
	e.countLeg(in.leg, "ok")

	if err := e.ledger.CacheNonce(ctx, in.sender.Key, usedNonce); err != nil {
		e.log.Error().Err(err).Str("account", in.sender.Key).Msg("nonce cache update failed")
	}

	// Audit rows use the gateway's numbers, never local arithmetic. Both
	// sides of the leg land in one batch.
	if err := e.ledger.RecordSnapshot(ctx,
		legSnapshot(in.sender, in.senderAction, in.amount, res.SenderWallet, res.TransactionKey, in.meta),
		legSnapshot(in.recipient, in.recipientAction, in.amount, res.RecipientWallet, res.TransactionKey, in.meta),
	); err != nil {
		e.log.Error().Err(err).
			Str("txn", res.TransactionKey).
			Msg("settlement snapshot write failed")
	}

	if _, err := e.ledger.ApplyConfirmedBalance(ctx, in.sender.Key, money.FromDecimal(symbol, res.SenderWallet.PostBalance)); err != nil {
		e.log.Error().Err(err).Str("account", in.sender.Key).Msg("sender cache update failed")
	}
	if _, err := e.ledger.ApplyConfirmedBalance(ctx, in.recipient.Key, money.FromDecimal(symbol, res.RecipientWallet.PostBalance)); err != nil {
		e.log.Error().Err(err).Str("account", in.recipient.Key).Msg("recipient cache update failed")
	}

	return res, nil
}

func legSnapshot(acct ledger.Account, action snapshot.Action, amount money.Amount, view gateway.WalletView, txnKey string, meta snapshot.Meta) snapshot.Snapshot {
	symbol := acct.Symbol
	return snapshot.Snapshot{
		AccountKey:    acct.Key,
		Action:        action,
		Symbol:        symbol,
		Amount:        amount,
		PreAvailable:  money.FromDecimal(symbol, view.PreBalance),
		PostAvailable: money.FromDecimal(symbol, view.PostBalance),
		PreLocked:     acct.Locked,
		PostLocked:    acct.Locked,
		TxnRef:        txnKey,
		Operator:      meta.Operator,
		IP:            meta.IP,
		UserAgent:     meta.UserAgent,
		CreatedAt:     time.Now(),
	}
}

func (e *Engine) legError(in legInput, err error) error {
	return &LegError{
		Leg:    in.leg,
		NftKey: in.nftKey,
		Sender: in.sender.Key,
		Amount: in.amount,
		Err:    err,
	}
}

func (e *Engine) fail(reason string, err error) error {
	e.countFailure(reason)
	return err
}

func (e *Engine) countFailure(reason string) {
	if e.metrics != nil {
		e.metrics.SettlementsFailed.WithLabelValues(reason).Inc()
	}
}

func (e *Engine) countLeg(leg int, result string) {
	if e.metrics != nil {
		e.metrics.SettlementLegs.WithLabelValues(legName(leg), result).Inc()
	}
}
