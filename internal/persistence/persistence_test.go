package persistence_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"MarketSettle/internal/ledger"
	"MarketSettle/internal/market"
	"MarketSettle/internal/money"
	"MarketSettle/internal/persistence"
	"MarketSettle/internal/settlement"
	"MarketSettle/internal/snapshot"
	"MarketSettle/internal/testutil"
)

func mst(t *testing.T, s string) money.Amount {
	t.Helper()
	amt, err := money.Parse(money.NativeSymbol, s)
	if err != nil {
		t.Fatalf("parse amount %q: %v", s, err)
	}
	return amt
}

func testAccount(owner string, typ ledger.AccountType, available money.Amount) ledger.Account {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return ledger.Account{
		Key:       uuid.NewString(),
		OwnerKey:  owner,
		Symbol:    money.NativeSymbol,
		Type:      typ,
		Address:   "addr-" + uuid.NewString(),
		Available: available,
		Locked:    money.Zero(money.NativeSymbol),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestAccountStoreRoundTrip(t *testing.T) {
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	if err := persistence.NewMigrator(db, "../../migrations", zerolog.Nop()).Up(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	store := persistence.NewAccountStore(db)

	acct := testAccount("alice", ledger.TypePrime, mst(t, "100"))
	ks := ledger.KeyStore{AccountKey: acct.Key, EncryptedKey: "ZW5j", Salt: "abcd"}
	if err := store.CreateAccount(ctx, acct, ks); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := store.GetAccount(ctx, acct.Key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.Available.Equal(acct.Available) || got.OwnerKey != "alice" {
		t.Errorf("got %+v, want available 100 owned by alice", got)
	}

	byOwner, err := store.GetAccountByOwner(ctx, "alice", money.NativeSymbol)
	if err != nil {
		t.Fatalf("get by owner: %v", err)
	}
	if byOwner.Key != acct.Key {
		t.Errorf("by-owner key = %s, want %s", byOwner.Key, acct.Key)
	}

	gotKs, err := store.GetKeyStore(ctx, acct.Key)
	if err != nil {
		t.Fatalf("get keystore: %v", err)
	}
	if gotKs.EncryptedKey != ks.EncryptedKey || gotKs.Salt != ks.Salt {
		t.Errorf("keystore = %+v, want %+v", gotKs, ks)
	}

	if err := store.UpdateBalances(ctx, acct.Key, mst(t, "80"), mst(t, "20")); err != nil {
		t.Fatalf("update balances: %v", err)
	}
	got, _ = store.GetAccount(ctx, acct.Key)
	if !got.Available.Equal(mst(t, "80")) || !got.Locked.Equal(mst(t, "20")) {
		t.Errorf("balances = %s/%s, want 80/20", got.Available, got.Locked)
	}

	if err := store.UpdateNonce(ctx, acct.Key, 7); err != nil {
		t.Fatalf("update nonce: %v", err)
	}
	got, _ = store.GetAccount(ctx, acct.Key)
	if got.Nonce != 7 {
		t.Errorf("cached nonce = %d, want 7", got.Nonce)
	}

	if _, err := store.GetAccount(ctx, uuid.NewString()); !errors.Is(err, ledger.ErrAccountNotFound) {
		t.Errorf("missing account err = %v, want ErrAccountNotFound", err)
	}
}

func TestOneMasterPerSymbol(t *testing.T) {
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	if err := persistence.NewMigrator(db, "../../migrations", zerolog.Nop()).Up(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	store := persistence.NewAccountStore(db)

	first := testAccount(ledger.MasterOwnerKey, ledger.TypeMaster, mst(t, "1000"))
	if err := store.CreateAccount(ctx, first, ledger.KeyStore{AccountKey: first.Key}); err != nil {
		t.Fatalf("first master: %v", err)
	}

	// The unique index decides, not an application-level existence check.
	second := testAccount(ledger.MasterOwnerKey, ledger.TypeMaster, mst(t, "0"))
	err := store.CreateAccount(ctx, second, ledger.KeyStore{AccountKey: second.Key})
	if !errors.Is(err, ledger.ErrMasterAccountExists) {
		t.Fatalf("second master err = %v, want ErrMasterAccountExists", err)
	}

	got, err := store.GetMasterAccount(ctx, money.NativeSymbol)
	if err != nil {
		t.Fatalf("get master: %v", err)
	}
	if got.Key != first.Key {
		t.Errorf("master = %s, want first %s", got.Key, first.Key)
	}
}

func TestBalanceInvariantEnforcedBySchema(t *testing.T) {
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	if err := persistence.NewMigrator(db, "../../migrations", zerolog.Nop()).Up(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	store := persistence.NewAccountStore(db)

	acct := testAccount("alice", ledger.TypePrime, mst(t, "100"))
	if err := store.CreateAccount(ctx, acct, ledger.KeyStore{AccountKey: acct.Key}); err != nil {
		t.Fatalf("create: %v", err)
	}

	// locked > available must be rejected at the storage layer too.
	if err := store.UpdateBalances(ctx, acct.Key, mst(t, "100"), mst(t, "150")); err == nil {
		t.Error("want check constraint violation for locked > available")
	}
}

func TestSnapshotStoreHistory(t *testing.T) {
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	if err := persistence.NewMigrator(db, "../../migrations", zerolog.Nop()).Up(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	store := persistence.NewSnapshotStore(db)

	base := time.Now().UTC().Truncate(time.Microsecond)
	actions := []snapshot.Action{snapshot.ActionMint, snapshot.ActionBidLock, snapshot.ActionBidUnlock}
	for i, action := range actions {
		err := store.Record(ctx, snapshot.Snapshot{
			AccountKey:    "acct-1",
			Action:        action,
			Symbol:        money.NativeSymbol,
			Amount:        mst(t, "5"),
			PreAvailable:  mst(t, "100"),
			PostAvailable: mst(t, "100"),
			PreLocked:     mst(t, "0"),
			PostLocked:    mst(t, "5"),
			Operator:      "test",
			CreatedAt:     base.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("record %s: %v", action, err)
		}
	}

	rows, err := store.History(ctx, "acct-1", 2)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(rows))
	}
	if rows[0].Action != snapshot.ActionBidUnlock || rows[1].Action != snapshot.ActionBidLock {
		t.Errorf("order = %s, %s; want newest first", rows[0].Action, rows[1].Action)
	}
}

func TestSnapshotStoreBatchInsert(t *testing.T) {
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	if err := persistence.NewMigrator(db, "../../migrations", zerolog.Nop()).Up(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	store := persistence.NewSnapshotStore(db)

	now := time.Now().UTC().Truncate(time.Microsecond)
	side := func(acct string, action snapshot.Action) snapshot.Snapshot {
		return snapshot.Snapshot{
			AccountKey:    acct,
			Action:        action,
			Symbol:        money.NativeSymbol,
			Amount:        mst(t, "100"),
			PreAvailable:  mst(t, "500"),
			PostAvailable: mst(t, "400"),
			PreLocked:     mst(t, "0"),
			PostLocked:    mst(t, "0"),
			TxnRef:        "txn-1",
			Operator:      "test",
			CreatedAt:     now,
		}
	}

	// Both sides of a transfer land in one statement.
	if err := store.Record(ctx, side("acct-a", snapshot.ActionNftBought), side("acct-b", snapshot.ActionNftBought)); err != nil {
		t.Fatalf("batch record: %v", err)
	}

	for _, acct := range []string{"acct-a", "acct-b"} {
		rows, err := store.History(ctx, acct, 10)
		if err != nil {
			t.Fatalf("history %s: %v", acct, err)
		}
		if len(rows) != 1 {
			t.Fatalf("%s rows = %d, want 1", acct, len(rows))
		}
		if rows[0].TxnRef != "txn-1" {
			t.Errorf("%s txn ref = %q, want txn-1", acct, rows[0].TxnRef)
		}
	}

	if err := store.Record(ctx); err != nil {
		t.Errorf("empty batch: %v", err)
	}
}

func TestNftStoreExpiredAuctions(t *testing.T) {
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	if err := persistence.NewMigrator(db, "../../migrations", zerolog.Nop()).Up(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	store := persistence.NewNftStore(db)

	now := time.Now().UTC().Truncate(time.Microsecond)
	add := func(key string, end time.Time, onMarket bool, priceType market.PriceType) {
		t.Helper()
		err := store.Create(ctx, market.NFT{
			Key:        key,
			Symbol:     money.NativeSymbol,
			Price:      mst(t, "10"),
			CreatorKey: "creator",
			OwnerKey:   "seller",
			OnMarket:   onMarket,
			PriceType:  priceType,
			AuctionEnd: end,
			UpdatedAt:  now,
		})
		if err != nil {
			t.Fatalf("create %s: %v", key, err)
		}
	}

	add("later", now.Add(-time.Minute), true, market.PriceAuction)
	add("sooner", now.Add(-time.Hour), true, market.PriceAuction)
	add("future", now.Add(time.Hour), true, market.PriceAuction)
	add("fixed", now.Add(-time.Hour), true, market.PriceFixed)
	add("off-market", now.Add(-time.Hour), false, market.PriceAuction)

	expired, err := store.ExpiredAuctions(ctx, now, 10)
	if err != nil {
		t.Fatalf("expired auctions: %v", err)
	}
	if len(expired) != 2 {
		t.Fatalf("expired = %d, want 2", len(expired))
	}
	if expired[0].Key != "sooner" || expired[1].Key != "later" {
		t.Errorf("order = %s, %s; want soonest-expired first", expired[0].Key, expired[1].Key)
	}
}

func TestNftStoreTopBidRoundTrip(t *testing.T) {
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	if err := persistence.NewMigrator(db, "../../migrations", zerolog.Nop()).Up(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	store := persistence.NewNftStore(db)

	now := time.Now().UTC().Truncate(time.Microsecond)
	nft := market.NFT{
		Key:        "nft-1",
		Symbol:     money.NativeSymbol,
		Price:      mst(t, "10"),
		CreatorKey: "creator",
		OwnerKey:   "seller",
		OnMarket:   true,
		PriceType:  market.PriceAuction,
		AuctionEnd: now.Add(time.Hour),
		UpdatedAt:  now,
	}
	if err := store.Create(ctx, nft); err != nil {
		t.Fatalf("create: %v", err)
	}

	nft.TopBid = &market.Bid{
		UserKey:  "alice",
		Symbol:   money.NativeSymbol,
		Price:    mst(t, "30"),
		PlacedAt: now,
	}
	if err := store.Update(ctx, nft); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, err := store.Get(ctx, "nft-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.TopBid == nil || got.TopBid.UserKey != "alice" || !got.TopBid.Price.Equal(mst(t, "30")) {
		t.Errorf("top bid = %+v, want alice at 30", got.TopBid)
	}

	got.TopBid = nil
	if err := store.Update(ctx, got); err != nil {
		t.Fatalf("clear top bid: %v", err)
	}
	got, _ = store.Get(ctx, "nft-1")
	if got.TopBid != nil {
		t.Errorf("top bid = %+v, want cleared", got.TopBid)
	}
}

func TestAttemptStoreLifecycle(t *testing.T) {
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	if err := persistence.NewMigrator(db, "../../migrations", zerolog.Nop()).Up(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	store := persistence.NewAttemptStore(db)

	now := time.Now().UTC().Truncate(time.Microsecond)
	attempt := settlement.Attempt{
		ID:        uuid.NewString(),
		NftKey:    "nft-1",
		BuyerKey:  "alice",
		SellerKey: "bob",
		Amount:    mst(t, "30"),
		State:     settlement.StatePending,
		CreatedAt: now,
	}
	if err := store.Create(ctx, attempt); err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, ok, err := store.Latest(ctx, "other-nft"); err != nil || ok {
		t.Fatalf("latest for unknown nft = ok %v err %v, want none", ok, err)
	}

	got, ok, err := store.Latest(ctx, "nft-1")
	if err != nil || !ok {
		t.Fatalf("latest: ok %v err %v", ok, err)
	}
	if got.State != settlement.StatePending || !got.Amount.Equal(mst(t, "30")) {
		t.Errorf("latest = %+v, want PENDING at 30", got)
	}

	if err := store.UpdateState(ctx, attempt.ID, settlement.StateLegsSent, "leg 2 timed out"); err != nil {
		t.Fatalf("update state: %v", err)
	}

	unresolved, err := store.ListUnresolved(ctx, time.Now().Add(time.Minute), 10)
	if err != nil {
		t.Fatalf("list unresolved: %v", err)
	}
	if len(unresolved) != 1 || unresolved[0].Detail != "leg 2 timed out" {
		t.Errorf("unresolved = %+v, want the stale LEGS_SENT attempt", unresolved)
	}

	if err := store.UpdateState(ctx, attempt.ID, settlement.StateCompleted, ""); err != nil {
		t.Fatalf("complete: %v", err)
	}
	unresolved, _ = store.ListUnresolved(ctx, time.Now().Add(time.Minute), 10)
	if len(unresolved) != 0 {
		t.Errorf("unresolved after completion = %d, want 0", len(unresolved))
	}
}
