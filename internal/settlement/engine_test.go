package settlement_test

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"MarketSettle/internal/gateway"
	"MarketSettle/internal/ledger"
	"MarketSettle/internal/market"
	"MarketSettle/internal/money"
	"MarketSettle/internal/settlement"
	"MarketSettle/internal/snapshot"
	"MarketSettle/internal/testutil"
)

const passphrase = "test-passphrase"

type settleEnv struct {
	ledger   *ledger.Service
	gw       *testutil.FakeGateway
	recorder *testutil.MemSnapshotRecorder
	engine   *settlement.Engine

	master  ledger.Account
	buyer   ledger.Account
	seller  ledger.Account
	creator ledger.Account
}

func mst(t *testing.T, s string) money.Amount {
	t.Helper()
	amt, err := money.Parse(money.NativeSymbol, s)
	if err != nil {
		t.Fatalf("parse amount %q: %v", s, err)
	}
	return amt
}

func rate(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// setup provisions a treasury with supply, a funded buyer, and empty seller
// and creator accounts, all with real signing keys so every leg is verified
// end to end.
func setup(t *testing.T) *settleEnv {
	t.Helper()
	ctx := context.Background()

	store := testutil.NewMemAccountStore()
	recorder := testutil.NewMemSnapshotRecorder()
	gw := testutil.NewFakeGateway()
	ledgerSvc := ledger.NewService(store, recorder, zerolog.Nop(), nil)
	prov := ledger.NewProvisioner(store, gw, recorder, passphrase, zerolog.Nop())

	master, err := prov.InitMasterAccount(ctx, money.NativeSymbol, mst(t, "1000"), snapshot.Meta{Operator: "test"})
	if err != nil {
		t.Fatalf("init master: %v", err)
	}

	mkAccount := func(owner string) ledger.Account {
		acct, err := prov.CreateAccount(ctx, owner, money.NativeSymbol, ledger.TypePrime)
		if err != nil {
			t.Fatalf("create account %s: %v", owner, err)
		}
		return acct
	}
	buyer := mkAccount("buyer")
	seller := mkAccount("seller")
	creator := mkAccount("creator")

	gw.Fund(money.NativeSymbol, buyer.Address, rate("500"))
	if _, err := ledgerSvc.ApplyConfirmedBalance(ctx, buyer.Key, mst(t, "500")); err != nil {
		t.Fatalf("fund buyer cache: %v", err)
	}

	engine := settlement.NewEngine(ledgerSvc, gw, gateway.NewNonceSource(gw, nil), settlement.Config{
		CommissionRate: rate("0.025"),
		Passphrase:     passphrase,
	}, zerolog.Nop(), nil)

	return &settleEnv{
		ledger:   ledgerSvc,
		gw:       gw,
		recorder: recorder,
		engine:   engine,
		master:   master,
		buyer:    buyer,
		seller:   seller,
		creator:  creator,
	}
}

func (e *settleEnv) nft(t *testing.T, price string, royaltyRate string) market.NFT {
	t.Helper()
	return market.NFT{
		Key:         "nft-1",
		Symbol:      money.NativeSymbol,
		Price:       mst(t, price),
		RoyaltyRate: rate(royaltyRate),
		CreatorKey:  "creator",
		OwnerKey:    "seller",
		OnMarket:    true,
		PriceType:   market.PriceFixed,
	}
}

func (e *settleEnv) countAction(action snapshot.Action) int {
	n := 0
	for _, s := range e.recorder.All() {
		if s.Action == action {
			n++
		}
	}
	return n
}

func TestAllocateThreeLegs(t *testing.T) {
	env := setup(t)
	ctx := context.Background()

	// Price 100, commission 2.5%, royalty 1%: buyer pays 100, creator gets
	// 1, seller nets 96.5, treasury keeps 2.5.
	alloc, err := env.engine.Allocate(ctx, env.nft(t, "100", "0.01"), "buyer", "seller", snapshot.Meta{Operator: "test"})
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}

	if !alloc.CommissionFee.Equal(mst(t, "2.5")) {
		t.Errorf("commission = %s, want 2.5", alloc.CommissionFee)
	}
	if !alloc.RoyaltyFee.Equal(mst(t, "1")) {
		t.Errorf("royalty = %s, want 1", alloc.RoyaltyFee)
	}
	if alloc.RoyaltyTxn == nil {
		t.Error("royalty leg must have run")
	}

	sym := money.NativeSymbol
	checks := []struct {
		name    string
		address string
		want    string
	}{
		{"buyer", env.buyer.Address, "400"},
		{"seller", env.seller.Address, "96.5"},
		{"creator", env.creator.Address, "1"},
		{"master", env.master.Address, "1002.5"},
	}
	for _, c := range checks {
		got := money.FromDecimal(sym, env.gw.Balance(sym, c.address))
		if !got.Equal(mst(t, c.want)) {
			t.Errorf("%s gateway balance = %s, want %s", c.name, got, c.want)
		}
	}

	// Local caches follow the gateway's post balances.
	buyer, _ := env.ledger.GetAccount(ctx, env.buyer.Key)
	if !buyer.Available.Equal(mst(t, "400")) {
		t.Errorf("buyer cached available = %s, want 400", buyer.Available)
	}
	seller, _ := env.ledger.GetAccount(ctx, env.seller.Key)
	if !seller.Available.Equal(mst(t, "96.5")) {
		t.Errorf("seller cached available = %s, want 96.5", seller.Available)
	}

	// Two audit rows per leg, one per side.
	if n := env.countAction(snapshot.ActionNftBought); n != 2 {
		t.Errorf("NFT_BOUGHT rows = %d, want 2", n)
	}
	if n := env.countAction(snapshot.ActionNftRoyalty); n != 2 {
		t.Errorf("NFT_ROYALTY rows = %d, want 2", n)
	}
	if n := env.countAction(snapshot.ActionNftSold); n != 2 {
		t.Errorf("NFT_SOLD rows = %d, want 2", n)
	}
}

func TestAllocateConservesValue(t *testing.T) {
	env := setup(t)
	ctx := context.Background()

	// A price that does not divide evenly: the rounding residue stays in the
	// treasury, never minted or burned.
	if _, err := env.engine.Allocate(ctx, env.nft(t, "33.33333333", "0.01"), "buyer", "seller", snapshot.Meta{}); err != nil {
		t.Fatalf("allocate: %v", err)
	}

	sym := money.NativeSymbol
	total := env.gw.Balance(sym, env.buyer.Address).
		Add(env.gw.Balance(sym, env.seller.Address)).
		Add(env.gw.Balance(sym, env.creator.Address)).
		Add(env.gw.Balance(sym, env.master.Address))
	if !total.Equal(rate("1500")) {
		t.Errorf("total supply = %s, want 1500", total)
	}
}

func TestAllocateSkipsZeroRoyalty(t *testing.T) {
	env := setup(t)
	ctx := context.Background()

	alloc, err := env.engine.Allocate(ctx, env.nft(t, "100", "0"), "buyer", "seller", snapshot.Meta{})
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}

	if alloc.RoyaltyTxn != nil {
		t.Error("zero royalty must skip the royalty leg")
	}
	if got := money.FromDecimal(money.NativeSymbol, env.gw.Balance(money.NativeSymbol, env.seller.Address)); !got.Equal(mst(t, "97.5")) {
		t.Errorf("seller balance = %s, want 97.5", got)
	}
	if n := env.countAction(snapshot.ActionNftRoyalty); n != 0 {
		t.Errorf("NFT_ROYALTY rows = %d, want 0", n)
	}
}

func TestAllocateInsufficientSpendable(t *testing.T) {
	env := setup(t)
	ctx := context.Background()

	// Locked escrow reduces what a purchase may claim even though the raw
	// available balance covers the price.
	if _, err := env.ledger.LockAmount(ctx, env.buyer.Key, mst(t, "450"), snapshot.Meta{}); err != nil {
		t.Fatalf("lock: %v", err)
	}

	before := len(env.gw.Transactions())
	_, err := env.engine.Allocate(ctx, env.nft(t, "100", "0.01"), "buyer", "seller", snapshot.Meta{})
	if !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("err = %v, want ErrInsufficientFunds", err)
	}
	if after := len(env.gw.Transactions()); after != before {
		t.Errorf("validation failure must not touch the gateway: %d transfers sent", after-before)
	}
}

func TestAllocateFailsForwardOnMidLegError(t *testing.T) {
	env := setup(t)
	ctx := context.Background()

	env.gw.TransferHook = func(call int, req gateway.TransferRequest) error {
		if call == 2 {
			return &gateway.Error{Status: 500, Code: "INTERNAL", Msg: "boom"}
		}
		return nil
	}

	_, err := env.engine.Allocate(ctx, env.nft(t, "100", "0.01"), "buyer", "seller", snapshot.Meta{})

	var legErr *settlement.LegError
	if !errors.As(err, &legErr) {
		t.Fatalf("err = %v, want *LegError", err)
	}
	if legErr.Leg != settlement.LegRoyalty {
		t.Errorf("failed leg = %d, want %d", legErr.Leg, settlement.LegRoyalty)
	}
	if legErr.NftKey != "nft-1" {
		t.Errorf("leg error nft = %q, want nft-1", legErr.NftKey)
	}

	// No compensation: the buyer leg stands.
	sym := money.NativeSymbol
	if got := money.FromDecimal(sym, env.gw.Balance(sym, env.buyer.Address)); !got.Equal(mst(t, "400")) {
		t.Errorf("buyer balance = %s, want 400 (leg 1 stands)", got)
	}
	if got := money.FromDecimal(sym, env.gw.Balance(sym, env.master.Address)); !got.Equal(mst(t, "1100")) {
		t.Errorf("master balance = %s, want 1100 (payouts never ran)", got)
	}
	if got := env.gw.Balance(sym, env.seller.Address); !got.IsZero() {
		t.Errorf("seller balance = %s, want 0", got)
	}

	if n := env.countAction(snapshot.ActionNftBought); n != 2 {
		t.Errorf("NFT_BOUGHT rows = %d, want 2 (completed leg is audited)", n)
	}
	if n := env.countAction(snapshot.ActionNftSold); n != 0 {
		t.Errorf("NFT_SOLD rows = %d, want 0", n)
	}
}

func TestAllocateIndeterminateLegSurfaces(t *testing.T) {
	env := setup(t)
	ctx := context.Background()

	env.gw.TransferHook = func(call int, req gateway.TransferRequest) error {
		if call == 3 {
			return gateway.ErrGatewayIndeterminate
		}
		return nil
	}

	_, err := env.engine.Allocate(ctx, env.nft(t, "100", "0.01"), "buyer", "seller", snapshot.Meta{})

	var legErr *settlement.LegError
	if !errors.As(err, &legErr) {
		t.Fatalf("err = %v, want *LegError", err)
	}
	if legErr.Leg != settlement.LegSeller {
		t.Errorf("failed leg = %d, want %d", legErr.Leg, settlement.LegSeller)
	}
	if !errors.Is(err, gateway.ErrGatewayIndeterminate) {
		t.Error("indeterminate outcome must stay visible through the leg error")
	}
}

func TestAllocateMissingCreatorAccount(t *testing.T) {
	env := setup(t)
	ctx := context.Background()

	nft := env.nft(t, "100", "0.01")
	nft.CreatorKey = "nobody"

	before := len(env.gw.Transactions())
	_, err := env.engine.Allocate(ctx, nft, "buyer", "seller", snapshot.Meta{})
	if !errors.Is(err, ledger.ErrAccountNotFound) {
		t.Fatalf("err = %v, want ErrAccountNotFound", err)
	}
	if after := len(env.gw.Transactions()); after != before {
		t.Error("account resolution failure must not move money")
	}
}

func TestAllocateFeesExceedPrice(t *testing.T) {
	env := setup(t)
	ctx := context.Background()

	// 2.5% commission + 99% royalty: the seller remainder would go negative.
	_, err := env.engine.Allocate(ctx, env.nft(t, "100", "0.99"), "buyer", "seller", snapshot.Meta{})
	if !errors.Is(err, settlement.ErrFeesExceedPrice) {
		t.Fatalf("allocate error = %v, want ErrFeesExceedPrice", err)
	}
	if len(env.gw.Transactions()) != 1 { // the setup mint only
		t.Error("fee overflow must be caught before any leg is sent")
	}
}

// flakyAccountStore fails reads of one account after a set number of calls,
// the way a dropped connection can hit the tail of a settlement.
type flakyAccountStore struct {
	*testutil.MemAccountStore
	key    string
	failOn int
	calls  int
}

func (s *flakyAccountStore) GetAccount(ctx context.Context, key string) (ledger.Account, error) {
	if key == s.key {
		s.calls++
		if s.calls >= s.failOn {
			return ledger.Account{}, errors.New("connection reset")
		}
	}
	return s.MemAccountStore.GetAccount(ctx, key)
}

func TestAllocateRefreshFailureIsPostSettlement(t *testing.T) {
	ctx := context.Background()

	store := &flakyAccountStore{MemAccountStore: testutil.NewMemAccountStore()}
	recorder := testutil.NewMemSnapshotRecorder()
	gw := testutil.NewFakeGateway()
	ledgerSvc := ledger.NewService(store, recorder, zerolog.Nop(), nil)
	prov := ledger.NewProvisioner(store, gw, recorder, passphrase, zerolog.Nop())

	if _, err := prov.InitMasterAccount(ctx, money.NativeSymbol, mst(t, "1000"), snapshot.Meta{Operator: "test"}); err != nil {
		t.Fatalf("init master: %v", err)
	}
	buyer, err := prov.CreateAccount(ctx, "buyer", money.NativeSymbol, ledger.TypePrime)
	if err != nil {
		t.Fatalf("create buyer: %v", err)
	}
	if _, err := prov.CreateAccount(ctx, "seller", money.NativeSymbol, ledger.TypePrime); err != nil {
		t.Fatalf("create seller: %v", err)
	}
	if _, err := prov.CreateAccount(ctx, "creator", money.NativeSymbol, ledger.TypePrime); err != nil {
		t.Fatalf("create creator: %v", err)
	}
	gw.Fund(money.NativeSymbol, buyer.Address, rate("500"))
	if _, err := ledgerSvc.ApplyConfirmedBalance(ctx, buyer.Key, mst(t, "500")); err != nil {
		t.Fatalf("fund buyer cache: %v", err)
	}

	engine := settlement.NewEngine(ledgerSvc, gw, gateway.NewNonceSource(gw, nil), settlement.Config{
		CommissionRate: rate("0.025"),
		Passphrase:     passphrase,
	}, zerolog.Nop(), nil)

	// Fail the buyer's post-settlement refresh. The only earlier read of the
	// buyer by key is the leg-1 cache update.
	store.key = buyer.Key
	store.failOn = 2

	before := len(gw.Transactions())
	_, err = engine.Allocate(ctx, market.NFT{
		Key:         "nft-1",
		Symbol:      money.NativeSymbol,
		Price:       mst(t, "100"),
		RoyaltyRate: rate("0.01"),
		CreatorKey:  "creator",
		OwnerKey:    "seller",
		OnMarket:    true,
		PriceType:   market.PriceFixed,
	}, "buyer", "seller", snapshot.Meta{Operator: "test"})

	// Money moved in full, so the failure must not look like one that
	// permits a re-run.
	var postErr *settlement.PostSettlementError
	if !errors.As(err, &postErr) {
		t.Fatalf("allocate error = %v, want PostSettlementError", err)
	}
	var legErr *settlement.LegError
	if errors.As(err, &legErr) {
		t.Errorf("error also classified as a leg failure: %v", err)
	}
	if got := len(gw.Transactions()) - before; got != 3 {
		t.Errorf("gateway transfers = %d, want all 3 legs landed", got)
	}
}

func TestAllocateCachesSenderNonces(t *testing.T) {
	env := setup(t)
	ctx := context.Background()

	if _, err := env.engine.Allocate(ctx, env.nft(t, "100", "0.01"), "buyer", "seller", snapshot.Meta{}); err != nil {
		t.Fatalf("allocate: %v", err)
	}

	buyer, err := env.ledger.GetAccount(ctx, env.buyer.Key)
	if err != nil {
		t.Fatalf("get buyer: %v", err)
	}
	if buyer.Nonce != 1 {
		t.Errorf("buyer cached nonce = %d, want 1 after its single leg", buyer.Nonce)
	}
	master, err := env.ledger.GetAccount(ctx, env.master.Key)
	if err != nil {
		t.Fatalf("get master: %v", err)
	}
	if master.Nonce != 2 {
		t.Errorf("master cached nonce = %d, want 2 after royalty and seller legs", master.Nonce)
	}
}
