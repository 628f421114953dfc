package query_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"MarketSettle/internal/ledger"
	"MarketSettle/internal/money"
	"MarketSettle/internal/query"
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

func newQueryServer(t *testing.T) (*httptest.Server, *testutil.MemAccountStore, *testutil.MemSnapshotRecorder, *testutil.MemAttemptStore) {
	t.Helper()
	accounts := testutil.NewMemAccountStore()
	recorder := testutil.NewMemSnapshotRecorder()
	attempts := testutil.NewMemAttemptStore()

	mux := http.NewServeMux()
	query.NewService(accounts, recorder, attempts, zerolog.Nop()).RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return srv, accounts, recorder, attempts
}

func TestAccountEndpoint(t *testing.T) {
	srv, accounts, _, _ := newQueryServer(t)
	err := accounts.CreateAccount(context.Background(), ledger.Account{
		Key:       "acct-1",
		OwnerKey:  "alice",
		Symbol:    money.NativeSymbol,
		Type:      ledger.TypePrime,
		Address:   "addr-1",
		Available: mst(t, "100"),
		Locked:    mst(t, "30"),
	}, ledger.KeyStore{AccountKey: "acct-1"})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	resp, err := http.Get(srv.URL + "/ops/accounts/acct-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var view struct {
		OwnerKey  string `json:"owner_key"`
		Available string `json:"available"`
		Locked    string `json:"locked"`
		Spendable string `json:"spendable"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&view); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if view.OwnerKey != "alice" {
		t.Errorf("owner = %q, want alice", view.OwnerKey)
	}
	if view.Available != "100.00000000" || view.Locked != "30.00000000" || view.Spendable != "70.00000000" {
		t.Errorf("balances = %s/%s/%s, want 100/30/70 at fixed precision",
			view.Available, view.Locked, view.Spendable)
	}
}

func TestAccountNotFound(t *testing.T) {
	srv, _, _, _ := newQueryServer(t)

	resp, err := http.Get(srv.URL + "/ops/accounts/missing")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestHistoryEndpoint(t *testing.T) {
	srv, _, recorder, _ := newQueryServer(t)
	ctx := context.Background()
	for _, action := range []snapshot.Action{snapshot.ActionBidLock, snapshot.ActionBidUnlock} {
		err := recorder.Record(ctx, snapshot.Snapshot{
			AccountKey:    "acct-1",
			Action:        action,
			Symbol:        money.NativeSymbol,
			Amount:        mst(t, "5"),
			PreAvailable:  mst(t, "100"),
			PostAvailable: mst(t, "100"),
			PreLocked:     mst(t, "0"),
			PostLocked:    mst(t, "5"),
			CreatedAt:     time.Now(),
		})
		if err != nil {
			t.Fatalf("seed snapshot: %v", err)
		}
	}

	resp, err := http.Get(srv.URL + "/ops/accounts/acct-1/history?limit=1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()

	var rows []struct {
		Action string `json:"action"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("rows = %d, want limit of 1", len(rows))
	}
	if rows[0].Action != string(snapshot.ActionBidUnlock) {
		t.Errorf("newest action = %s, want BID_UNLOCK", rows[0].Action)
	}
}

func TestSettlementsEndpoint(t *testing.T) {
	srv, _, _, attempts := newQueryServer(t)
	err := attempts.Create(context.Background(), settlement.Attempt{
		ID:        "attempt-1",
		NftKey:    "nft-1",
		BuyerKey:  "alice",
		SellerKey: "bob",
		Amount:    mst(t, "30"),
		State:     settlement.StateCompleted,
		CreatedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("seed attempt: %v", err)
	}

	resp, err := http.Get(srv.URL + "/ops/settlements")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()

	var rows []struct {
		NftKey string `json:"nft_key"`
		State  string `json:"state"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(rows) != 1 || rows[0].NftKey != "nft-1" || rows[0].State != "COMPLETED" {
		t.Errorf("rows = %+v, want one COMPLETED attempt for nft-1", rows)
	}
}
