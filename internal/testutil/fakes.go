package testutil

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"MarketSettle/internal/gateway"
	"MarketSettle/internal/ledger"
	"MarketSettle/internal/market"
	"MarketSettle/internal/money"
	"MarketSettle/internal/settlement"
	"MarketSettle/internal/snapshot"
)

// MemAccountStore is an in-memory ledger.Store.
type MemAccountStore struct {
	mu        sync.Mutex
	accounts  map[string]ledger.Account
	keystores map[string]ledger.KeyStore
}

func NewMemAccountStore() *MemAccountStore {
	return &MemAccountStore{
		accounts:  make(map[string]ledger.Account),
		keystores: make(map[string]ledger.KeyStore),
	}
}

func (s *MemAccountStore) GetAccount(ctx context.Context, key string) (ledger.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accounts[key]
	if !ok || acct.Removed {
		return ledger.Account{}, ledger.ErrAccountNotFound
	}
	return acct, nil
}

func (s *MemAccountStore) GetAccountByOwner(ctx context.Context, ownerKey, symbol string) (ledger.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, acct := range s.accounts {
		if acct.OwnerKey == ownerKey && acct.Symbol == symbol && !acct.Removed {
			return acct, nil
		}
	}
	return ledger.Account{}, ledger.ErrAccountNotFound
}

func (s *MemAccountStore) GetMasterAccount(ctx context.Context, symbol string) (ledger.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, acct := range s.accounts {
		if acct.Type == ledger.TypeMaster && acct.Symbol == symbol && !acct.Removed {
			return acct, nil
		}
	}
	return ledger.Account{}, ledger.ErrMasterAccountNotFound
}

func (s *MemAccountStore) GetKeyStore(ctx context.Context, accountKey string) (ledger.KeyStore, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ks, ok := s.keystores[accountKey]
	if !ok {
		return ledger.KeyStore{}, ledger.ErrAccountNotFound
	}
	return ks, nil
}

func (s *MemAccountStore) CreateAccount(ctx context.Context, acct ledger.Account, ks ledger.KeyStore) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if acct.Type == ledger.TypeMaster {
		for _, existing := range s.accounts {
			if existing.Type == ledger.TypeMaster && existing.Symbol == acct.Symbol && !existing.Removed {
				return ledger.ErrMasterAccountExists
			}
		}
	}
	s.accounts[acct.Key] = acct
	s.keystores[acct.Key] = ks
	return nil
}

func (s *MemAccountStore) UpdateBalances(ctx context.Context, key string, available, locked money.Amount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accounts[key]
	if !ok || acct.Removed {
		return ledger.ErrAccountNotFound
	}
	acct.Available = available
	acct.Locked = locked
	acct.UpdatedAt = time.Now()
	s.accounts[key] = acct
	return nil
}

func (s *MemAccountStore) UpdateNonce(ctx context.Context, key string, nonce uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accounts[key]
	if !ok || acct.Removed {
		return ledger.ErrAccountNotFound
	}
	acct.Nonce = nonce
	s.accounts[key] = acct
	return nil
}

func (s *MemAccountStore) ListAccounts(ctx context.Context, limit, offset int) ([]ledger.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.accounts))
	for k, acct := range s.accounts {
		if !acct.Removed {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	var out []ledger.Account
	for i, k := range keys {
		if i < offset {
			continue
		}
		if len(out) >= limit {
			break
		}
		out = append(out, s.accounts[k])
	}
	return out, nil
}

// MemSnapshotRecorder is an in-memory snapshot.Recorder.
type MemSnapshotRecorder struct {
	mu        sync.Mutex
	snapshots []snapshot.Snapshot
	// RecordErr, when set, fails every Record call.
	RecordErr error
}

func NewMemSnapshotRecorder() *MemSnapshotRecorder {
	return &MemSnapshotRecorder{}
}

func (r *MemSnapshotRecorder) Record(ctx context.Context, snaps ...snapshot.Snapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.RecordErr != nil {
		return r.RecordErr
	}
	r.snapshots = append(r.snapshots, snaps...)
	return nil
}

func (r *MemSnapshotRecorder) History(ctx context.Context, accountKey string, limit int) ([]snapshot.Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []snapshot.Snapshot
	for i := len(r.snapshots) - 1; i >= 0 && len(out) < limit; i-- {
		if r.snapshots[i].AccountKey == accountKey {
			out = append(out, r.snapshots[i])
		}
	}
	return out, nil
}

// All returns every recorded snapshot in write order.
func (r *MemSnapshotRecorder) All() []snapshot.Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]snapshot.Snapshot, len(r.snapshots))
	copy(out, r.snapshots)
	return out
}

// ForAccount returns the snapshots of one account in write order.
func (r *MemSnapshotRecorder) ForAccount(accountKey string) []snapshot.Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []snapshot.Snapshot
	for _, s := range r.snapshots {
		if s.AccountKey == accountKey {
			out = append(out, s)
		}
	}
	return out
}

// MemNftStore is an in-memory market.Store.
type MemNftStore struct {
	mu        sync.Mutex
	nfts      map[string]market.NFT
	Ownership []market.OwnershipRecord
	Sales     []market.SaleRecord
	// UpdateErr, when set, fails every Update call.
	UpdateErr error
}

func NewMemNftStore() *MemNftStore {
	return &MemNftStore{nfts: make(map[string]market.NFT)}
}

func (s *MemNftStore) Put(nft market.NFT) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nfts[nft.Key] = nft
}

func (s *MemNftStore) Get(ctx context.Context, key string) (market.NFT, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	nft, ok := s.nfts[key]
	if !ok {
		return market.NFT{}, market.ErrNftNotFound
	}
	return nft, nil
}

func (s *MemNftStore) ExpiredAuctions(ctx context.Context, now time.Time, limit int) ([]market.NFT, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []market.NFT
	for _, nft := range s.nfts {
		if nft.OnMarket && nft.PriceType == market.PriceAuction && !nft.AuctionEnd.After(now) {
			out = append(out, nft)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AuctionEnd.Before(out[j].AuctionEnd) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemNftStore) Update(ctx context.Context, nft market.NFT) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.UpdateErr != nil {
		return s.UpdateErr
	}
	if _, ok := s.nfts[nft.Key]; !ok {
		return market.ErrNftNotFound
	}
	s.nfts[nft.Key] = nft
	return nil
}

func (s *MemNftStore) AppendOwnership(ctx context.Context, rec market.OwnershipRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Ownership = append(s.Ownership, rec)
	return nil
}

func (s *MemNftStore) AppendSale(ctx context.Context, rec market.SaleRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Sales = append(s.Sales, rec)
	return nil
}

// MemAttemptStore is an in-memory settlement.AttemptStore.
type MemAttemptStore struct {
	mu       sync.Mutex
	attempts []settlement.Attempt
}

func NewMemAttemptStore() *MemAttemptStore {
	return &MemAttemptStore{}
}

func (s *MemAttemptStore) Create(ctx context.Context, a settlement.Attempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.UpdatedAt.IsZero() {
		a.UpdatedAt = a.CreatedAt
	}
	s.attempts = append(s.attempts, a)
	return nil
}

func (s *MemAttemptStore) Latest(ctx context.Context, nftKey string) (settlement.Attempt, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.attempts) - 1; i >= 0; i-- {
		if s.attempts[i].NftKey == nftKey {
			return s.attempts[i], true, nil
		}
	}
	return settlement.Attempt{}, false, nil
}

func (s *MemAttemptStore) UpdateState(ctx context.Context, id string, state settlement.AttemptState, detail string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.attempts {
		if s.attempts[i].ID == id {
			s.attempts[i].State = state
			s.attempts[i].Detail = detail
			s.attempts[i].UpdatedAt = time.Now()
			return nil
		}
	}
	return fmt.Errorf("attempt %s not found", id)
}

func (s *MemAttemptStore) ListUnresolved(ctx context.Context, olderThan time.Time, limit int) ([]settlement.Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []settlement.Attempt
	for _, a := range s.attempts {
		if a.State == settlement.StateLegsSent && !a.UpdatedAt.After(olderThan) {
			out = append(out, a)
		}
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemAttemptStore) ListRecent(ctx context.Context, limit int) ([]settlement.Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []settlement.Attempt
	for i := len(s.attempts) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.attempts[i])
	}
	return out, nil
}

// States returns the current state of every attempt in creation order.
func (s *MemAttemptStore) States() []settlement.AttemptState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]settlement.AttemptState, len(s.attempts))
	for i, a := range s.attempts {
		out[i] = a.State
	}
	return out
}

type fakeWallet struct {
	key     string
	symbol  string
	address string
	balance decimal.Decimal
	nonce   uint64
}

// FakeGateway is an in-memory gateway.CoinGateway. It keeps real per-wallet
// balances and nonces, verifies ed25519 signatures against the sender address
// (the hex public key), and rejects reused nonces the way the real service
// does, so transfer sequencing bugs surface in unit tests.
type FakeGateway struct {
	mu         sync.Mutex
	wallets    map[string]*fakeWallet
	lastWallet map[string]string // symbol -> most recently created address; mint target
	txns       []gateway.Transaction
	seq        int

	// TransferHook, when set, runs before each transfer is applied. A non-nil
	// return aborts the leg with that error; the wallet state is untouched.
	TransferHook func(call int, req gateway.TransferRequest) error

	transferCalls int
}

func NewFakeGateway() *FakeGateway {
	return &FakeGateway{
		wallets:    make(map[string]*fakeWallet),
		lastWallet: make(map[string]string),
	}
}

func walletID(symbol, address string) string { return symbol + "/" + address }

func (g *FakeGateway) CreateWallet(ctx context.Context, symbol, address string) (gateway.Wallet, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	id := walletID(symbol, address)
	if _, ok := g.wallets[id]; ok {
		return gateway.Wallet{}, &gateway.Error{Status: 409, Code: "WALLET_EXISTS", Msg: address}
	}
	g.seq++
	w := &fakeWallet{
		key:     fmt.Sprintf("wallet-%d", g.seq),
		symbol:  symbol,
		address: address,
		balance: decimal.Zero,
	}
	g.wallets[id] = w
	g.lastWallet[symbol] = address
	return w.view(), nil
}

func (g *FakeGateway) GetWallet(ctx context.Context, symbol, address string) (gateway.Wallet, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	w, ok := g.wallets[walletID(symbol, address)]
	if !ok {
		return gateway.Wallet{}, &gateway.Error{Status: 404, Code: "WALLET_NOT_FOUND", Msg: address}
	}
	return w.view(), nil
}

func (g *FakeGateway) GetWalletByKey(ctx context.Context, key string) (gateway.Wallet, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, w := range g.wallets {
		if w.key == key {
			return w.view(), nil
		}
	}
	return gateway.Wallet{}, &gateway.Error{Status: 404, Code: "WALLET_NOT_FOUND", Msg: key}
}

func (g *FakeGateway) GetNonce(ctx context.Context, symbol, address string) (uint64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	w, ok := g.wallets[walletID(symbol, address)]
	if !ok {
		return 0, &gateway.Error{Status: 404, Code: "WALLET_NOT_FOUND", Msg: address}
	}
	return w.nonce, nil
}

func (g *FakeGateway) SendTransfer(ctx context.Context, req gateway.TransferRequest) (gateway.TransferResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.transferCalls++
	if g.TransferHook != nil {
		if err := g.TransferHook(g.transferCalls, req); err != nil {
			return gateway.TransferResult{}, err
		}
	}

	sender, ok := g.wallets[walletID(req.Symbol, req.Sender)]
	if !ok {
		return gateway.TransferResult{}, &gateway.Error{Status: 404, Code: "WALLET_NOT_FOUND", Msg: req.Sender}
	}
	recipient, ok := g.wallets[walletID(req.Symbol, req.Recipient)]
	if !ok {
		return gateway.TransferResult{}, &gateway.Error{Status: 404, Code: "WALLET_NOT_FOUND", Msg: req.Recipient}
	}

	if req.Nonce != sender.nonce+1 {
		return gateway.TransferResult{}, &gateway.Error{
			Status: 409, Code: "NONCE_CONFLICT",
			Msg: fmt.Sprintf("expected nonce %d, got %d", sender.nonce+1, req.Nonce),
		}
	}

	if err := verifyTransferSignature(req); err != nil {
		return gateway.TransferResult{}, err
	}

	if sender.balance.Cmp(req.Amount) < 0 {
		return gateway.TransferResult{}, &gateway.Error{Status: 422, Code: "INSUFFICIENT_FUNDS", Msg: req.Sender}
	}

	senderPre := sender.balance
	recipientPre := recipient.balance
	sender.balance = sender.balance.Sub(req.Amount)
	recipient.balance = recipient.balance.Add(req.Amount)
	sender.nonce = req.Nonce

	g.seq++
	txnKey := fmt.Sprintf("txn-%d", g.seq)
	g.txns = append(g.txns, gateway.Transaction{
		Key:       txnKey,
		Symbol:    req.Symbol,
		Sender:    req.Sender,
		Recipient: req.Recipient,
		Amount:    req.Amount,
		Nonce:     req.Nonce,
		Notes:     req.Notes,
	})

	return gateway.TransferResult{
		SenderWallet: gateway.WalletView{
			Address:     sender.address,
			PreBalance:  senderPre,
			PostBalance: sender.balance,
			Amount:      req.Amount.Neg(),
		},
		RecipientWallet: gateway.WalletView{
			Address:     recipient.address,
			PreBalance:  recipientPre,
			PostBalance: recipient.balance,
			Amount:      req.Amount,
		},
		TransactionKey: txnKey,
	}, nil
}

func (g *FakeGateway) Mint(ctx context.Context, symbol string, amount decimal.Decimal, notes string) (gateway.TransferResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	address, ok := g.lastWallet[symbol]
	if !ok {
		return gateway.TransferResult{}, &gateway.Error{Status: 404, Code: "WALLET_NOT_FOUND", Msg: symbol}
	}
	w := g.wallets[walletID(symbol, address)]

	pre := w.balance
	w.balance = w.balance.Add(amount)

	g.seq++
	txnKey := fmt.Sprintf("txn-%d", g.seq)
	g.txns = append(g.txns, gateway.Transaction{
		Key:       txnKey,
		Symbol:    symbol,
		Recipient: address,
		Amount:    amount,
		Notes:     notes,
	})

	return gateway.TransferResult{
		RecipientWallet: gateway.WalletView{
			Address:     address,
			PreBalance:  pre,
			PostBalance: w.balance,
			Amount:      amount,
		},
		TransactionKey: txnKey,
	}, nil
}

func (g *FakeGateway) FindTransactions(ctx context.Context, q gateway.TxnQuery) ([]gateway.Transaction, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []gateway.Transaction
	for _, txn := range g.txns {
		if q.Symbol != "" && txn.Symbol != q.Symbol {
			continue
		}
		if q.Sender != "" && txn.Sender != q.Sender {
			continue
		}
		if q.Notes != "" && !strings.Contains(txn.Notes, q.Notes) {
			continue
		}
		out = append(out, txn)
	}
	return out, nil
}

// InjectTransaction records a settled transfer directly, for tests that need
// gateway history without driving a signed transfer through.
func (g *FakeGateway) InjectTransaction(txn gateway.Transaction) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if txn.Key == "" {
		g.seq++
		txn.Key = fmt.Sprintf("txn-%d", g.seq)
	}
	g.txns = append(g.txns, txn)
}

// Fund credits a wallet directly, bypassing nonce and signature checks.
func (g *FakeGateway) Fund(symbol, address string, amount decimal.Decimal) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if w, ok := g.wallets[walletID(symbol, address)]; ok {
		w.balance = w.balance.Add(amount)
	}
}

// Balance returns a wallet's current balance.
func (g *FakeGateway) Balance(symbol, address string) decimal.Decimal {
	g.mu.Lock()
	defer g.mu.Unlock()
	if w, ok := g.wallets[walletID(symbol, address)]; ok {
		return w.balance
	}
	return decimal.Zero
}

// Transactions returns every settled transfer in order.
func (g *FakeGateway) Transactions() []gateway.Transaction {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]gateway.Transaction, len(g.txns))
	copy(out, g.txns)
	return out
}

func (w *fakeWallet) view() gateway.Wallet {
	return gateway.Wallet{
		Key:     w.key,
		Symbol:  w.symbol,
		Address: w.address,
		Balance: w.balance,
		Nonce:   w.nonce,
	}
}

func verifyTransferSignature(req gateway.TransferRequest) error {
	pub, err := hex.DecodeString(req.Sender)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return &gateway.Error{Status: 400, Code: "BAD_ADDRESS", Msg: req.Sender}
	}
	sig, err := hex.DecodeString(req.Signature)
	if err != nil {
		return &gateway.Error{Status: 400, Code: "BAD_SIGNATURE", Msg: "signature is not hex"}
	}
	// The signature covers the amount at the currency's fixed precision,
	// matching what the real service verifies.
	amount := money.FromDecimal(req.Symbol, req.Amount).String()
	msg := gateway.TransferMessage(req.Symbol, req.Sender, req.Recipient, amount, req.Nonce)
	if !ed25519.Verify(ed25519.PublicKey(pub), []byte(msg), sig) {
		return &gateway.Error{Status: 400, Code: "BAD_SIGNATURE", Msg: "verification failed"}
	}
	return nil
}
