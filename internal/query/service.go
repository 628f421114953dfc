// Package query serves the read side of the settlement core on the ops HTTP
// mux: account views, per-account audit history, and recent settlement
// attempts. These exist for reconciliation and support tooling; the public
// marketplace API lives out of process.
package query

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"MarketSettle/internal/ledger"
	"MarketSettle/internal/money"
	"MarketSettle/internal/settlement"
	"MarketSettle/internal/snapshot"
)

const defaultHistoryLimit = 100

// Service answers read-only settlement queries.
type Service struct {
	accounts ledger.Store
	history  snapshot.Recorder
	attempts settlement.AttemptStore
	log      zerolog.Logger
}

func NewService(accounts ledger.Store, history snapshot.Recorder, attempts settlement.AttemptStore, log zerolog.Logger) *Service {
	return &Service{
		accounts: accounts,
		history:  history,
		attempts: attempts,
		log:      log,
	}
}

// Account returns the balance view for one account key.
func (s *Service) Account(ctx context.Context, key string) (ledger.Account, error) {
	return s.accounts.GetAccount(ctx, key)
}

// History returns the newest audit rows for one account.
func (s *Service) History(ctx context.Context, accountKey string, limit int) ([]snapshot.Snapshot, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	return s.history.History(ctx, accountKey, limit)
}

// RecentAttempts returns the latest settlement attempts across all NFTs.
func (s *Service) RecentAttempts(ctx context.Context, limit int) ([]settlement.Attempt, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	return s.attempts.ListRecent(ctx, limit)
}

// RegisterRoutes mounts the query endpoints on the ops mux.
func (s *Service) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ops/accounts/{key}", s.handleAccount)
	mux.HandleFunc("GET /ops/accounts/{key}/history", s.handleHistory)
	mux.HandleFunc("GET /ops/settlements", s.handleAttempts)
}

type accountView struct {
	Key       string       `json:"key"`
	OwnerKey  string       `json:"owner_key"`
	Symbol    string       `json:"symbol"`
	Type      string       `json:"type"`
	Address   string       `json:"address"`
	Available money.Amount `json:"available"`
	Locked    money.Amount `json:"locked"`
	Spendable money.Amount `json:"spendable"`
}

func (s *Service) handleAccount(w http.ResponseWriter, r *http.Request) {
	acct, err := s.Account(r.Context(), r.PathValue("key"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, accountView{
		Key:       acct.Key,
		OwnerKey:  acct.OwnerKey,
		Symbol:    acct.Symbol,
		Type:      string(acct.Type),
		Address:   acct.Address,
		Available: acct.Available,
		Locked:    acct.Locked,
		Spendable: acct.Spendable(),
	})
}

type historyRow struct {
	Action        string       `json:"action"`
	Amount        money.Amount `json:"amount"`
	PreAvailable  money.Amount `json:"pre_available"`
	PostAvailable money.Amount `json:"post_available"`
	PreLocked     money.Amount `json:"pre_locked"`
	PostLocked    money.Amount `json:"post_locked"`
	TxnRef        string       `json:"txn_ref,omitempty"`
	Operator      string       `json:"operator,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
}

func (s *Service) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	rows, err := s.History(r.Context(), r.PathValue("key"), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}

	out := make([]historyRow, 0, len(rows))
	for _, snap := range rows {
		out = append(out, historyRow{
			Action:        string(snap.Action),
			Amount:        snap.Amount,
			PreAvailable:  snap.PreAvailable,
			PostAvailable: snap.PostAvailable,
			PreLocked:     snap.PreLocked,
			PostLocked:    snap.PostLocked,
			TxnRef:        snap.TxnRef,
			Operator:      snap.Operator,
			CreatedAt:     snap.CreatedAt,
		})
	}
	s.writeJSON(w, out)
}

type attemptView struct {
	ID        string       `json:"id"`
	NftKey    string       `json:"nft_key"`
	BuyerKey  string       `json:"buyer_key"`
	SellerKey string       `json:"seller_key"`
	Amount    money.Amount `json:"amount"`
	State     string       `json:"state"`
	Detail    string       `json:"detail,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

func (s *Service) handleAttempts(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	attempts, err := s.RecentAttempts(r.Context(), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}

	out := make([]attemptView, 0, len(attempts))
	for _, a := range attempts {
		out = append(out, attemptView{
			ID:        a.ID,
			NftKey:    a.NftKey,
			BuyerKey:  a.BuyerKey,
			SellerKey: a.SellerKey,
			Amount:    a.Amount,
			State:     string(a.State),
			Detail:    a.Detail,
			CreatedAt: a.CreatedAt,
			UpdatedAt: a.UpdatedAt,
		})
	}
	s.writeJSON(w, out)
}

func (s *Service) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error().Err(err).Msg("response encode failed")
	}
}

func (s *Service) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, ledger.ErrAccountNotFound) {
		status = http.StatusNotFound
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
