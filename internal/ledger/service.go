package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"MarketSettle/internal/keylock"
	"MarketSettle/internal/money"
	"MarketSettle/internal/observability"
	"MarketSettle/internal/snapshot"
)

// Service owns account balance mutations. Every mutation for a given account
// key runs inside that key's critical section, so interleaved lock/unlock
// calls cannot break the locked <= available invariant.
type Service struct {
	store    Store
	recorder snapshot.Recorder
	locks    *keylock.KeyedMutex
	log      zerolog.Logger
	metrics  *observability.Metrics
	now      func() time.Time
}

func NewService(store Store, recorder snapshot.Recorder, log zerolog.Logger, metrics *observability.Metrics) *Service {
	return &Service{
		store:    store,
		recorder: recorder,
		locks:    keylock.New(),
		log:      log,
		metrics:  metrics,
		now:      time.Now,
	}
}

// GetAccount returns the balance view for an account key.
func (s *Service) GetAccount(ctx context.Context, key string) (Account, error) {
	return s.store.GetAccount(ctx, key)
}

// GetAccountByOwner returns the account for one (owner, currency) pair.
func (s *Service) GetAccountByOwner(ctx context.Context, ownerKey, symbol string) (Account, error) {
	return s.store.GetAccountByOwner(ctx, ownerKey, symbol)
}

// GetMasterAccount returns the treasury account for a currency.
func (s *Service) GetMasterAccount(ctx context.Context, symbol string) (Account, error) {
	return s.store.GetMasterAccount(ctx, symbol)
}

// GetKeyStore returns the signing credential material for an account.
func (s *Service) GetKeyStore(ctx context.Context, accountKey string) (KeyStore, error) {
	return s.store.GetKeyStore(ctx, accountKey)
}

// LockAmount earmarks amount against a pending bid or offer. Fails with
// ErrInsufficientAvailableBalance when the new locked total would exceed the
// available balance; the check runs inside the per-account critical section.
func (s *Service) LockAmount(ctx context.Context, accountKey string, amount money.Amount, meta snapshot.Meta) (Account, error) {
	if amount.IsNegative() {
		return Account{}, fmt.Errorf("lock amount %s is negative", amount)
	}

	s.locks.Lock(accountKey)
	defer s.locks.Unlock(accountKey)

	acct, err := s.store.GetAccount(ctx, accountKey)
	if err != nil {
		s.countLock("not_found")
		return Account{}, err
	}

	newLocked := acct.Locked.Add(amount)
	if newLocked.Cmp(acct.Available) > 0 {
		s.countLock("insufficient")
		return Account{}, fmt.Errorf("lock %s on account %s: %w",
			amount, accountKey, ErrInsufficientAvailableBalance)
	}

	preLocked := acct.Locked
	if err := s.store.UpdateBalances(ctx, accountKey, acct.Available, newLocked); err != nil {
		return Account{}, fmt.Errorf("persist lock: %w", err)
	}
	acct.Locked = newLocked

	s.record(ctx, acct, snapshot.ActionBidLock, amount, acct.Available, acct.Available, preLocked, newLocked, meta)
	s.countLock("ok")

	s.log.Debug().
		Str("account", accountKey).
		Str("amount", amount.String()).
		Str("locked", newLocked.String()).
		Msg("escrow locked")

	return acct, nil
}

// UnlockAmount releases amount of escrow. An unlock larger than the current
// locked balance fails closed with ErrOverUnlock; the locked balance never
// goes negative.
func (s *Service) UnlockAmount(ctx context.Context, accountKey string, amount money.Amount, meta snapshot.Meta) (Account, error) {
	if amount.IsNegative() {
		return Account{}, fmt.Errorf("unlock amount %s is negative", amount)
	}

	s.locks.Lock(accountKey)
	defer s.locks.Unlock(accountKey)

	acct, err := s.store.GetAccount(ctx, accountKey)
	if err != nil {
		s.countUnlock("not_found")
		return Account{}, err
	}

	if amount.Cmp(acct.Locked) > 0 {
		s.countUnlock("over_unlock")
		return Account{}, fmt.Errorf("unlock %s with locked %s on account %s: %w",
			amount, acct.Locked, accountKey, ErrOverUnlock)
	}

	preLocked := acct.Locked
	newLocked := acct.Locked.Sub(amount)
	if err := s.store.UpdateBalances(ctx, accountKey, acct.Available, newLocked); err != nil {
		return Account{}, fmt.Errorf("persist unlock: %w", err)
	}
	acct.Locked = newLocked

	s.record(ctx, acct, snapshot.ActionBidUnlock, amount, acct.Available, acct.Available, preLocked, newLocked, meta)
	s.countUnlock("ok")

	s.log.Debug().
		Str("account", accountKey).
		Str("amount", amount.String()).
		Str("locked", newLocked.String()).
		Msg("escrow unlocked")

	return acct, nil
}

// ApplyConfirmedBalance reconciles the local available-balance cache to a
// balance the gateway has confirmed. This is the only path that moves the
// available balance; the gateway's number is adopted verbatim.
func (s *Service) ApplyConfirmedBalance(ctx context.Context, accountKey string, postAvailable money.Amount) (Account, error) {
	s.locks.Lock(accountKey)
	defer s.locks.Unlock(accountKey)

	acct, err := s.store.GetAccount(ctx, accountKey)
	if err != nil {
		return Account{}, err
	}

	locked := acct.Locked
	if locked.Cmp(postAvailable) > 0 {
		// The gateway says less money exists than we hold in escrow. Clamp so
		// the invariant survives; reconciliation reporting handles the rest.
		s.log.Warn().
			Str("account", accountKey).
			Str("locked", locked.String()).
			Str("post_available", postAvailable.String()).
			Msg("confirmed balance below locked escrow, clamping locked")
		locked = postAvailable
	}

	if err := s.store.UpdateBalances(ctx, accountKey, postAvailable, locked); err != nil {
		return Account{}, fmt.Errorf("persist confirmed balance: %w", err)
	}
	acct.Available = postAvailable
	acct.Locked = locked

	if s.metrics != nil {
		s.metrics.LedgerCacheWrites.Inc()
	}
	return acct, nil
}

// CacheNonce records the last nonce used on the account's external address.
// The gateway stays authoritative; the cached value survives restarts and
// shows where a stuck transfer left off without a gateway lookup.
func (s *Service) CacheNonce(ctx context.Context, accountKey string, nonce uint64) error {
	return s.store.UpdateNonce(ctx, accountKey, nonce)
}

// RecordSnapshot writes audit rows through the recorder as one batch.
func (s *Service) RecordSnapshot(ctx context.Context, snaps ...snapshot.Snapshot) error {
	if s.recorder == nil || len(snaps) == 0 {
		return nil
	}
	if err := s.recorder.Record(ctx, snaps...); err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.SnapshotRowsWritten.Add(float64(len(snaps)))
	}
	return nil
}

func (s *Service) record(ctx context.Context, acct Account, action snapshot.Action, amount, preAvail, postAvail, preLocked, postLocked money.Amount, meta snapshot.Meta) {
	if s.recorder == nil {
		return
	}
	snap := snapshot.Snapshot{
		AccountKey:    acct.Key,
		Action:        action,
		Symbol:        acct.Symbol,
		Amount:        amount,
		PreAvailable:  preAvail,
		PostAvailable: postAvail,
		PreLocked:     preLocked,
		PostLocked:    postLocked,
		TxnRef:        meta.TxnRef,
		Operator:      meta.Operator,
		IP:            meta.IP,
		UserAgent:     meta.UserAgent,
		CreatedAt:     s.now(),
	}
	if err := s.recorder.Record(ctx, snap); err != nil {
		// The balance write already landed; a missing audit row is an
		// operational problem, not a reason to unwind the balance change.
		s.log.Error().Err(err).
			Str("account", acct.Key).
			Str("action", string(action)).
			Msg("audit snapshot write failed")
	} else if s.metrics != nil {
		s.metrics.SnapshotRowsWritten.Inc()
	}
}

func (s *Service) countLock(result string) {
	if s.metrics != nil {
		s.metrics.LedgerLocks.WithLabelValues(result).Inc()
	}
}

func (s *Service) countUnlock(result string) {
	if s.metrics != nil {
		s.metrics.LedgerUnlocks.WithLabelValues(result).Inc()
	}
}
