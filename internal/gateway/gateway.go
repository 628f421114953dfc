// Package gateway is the client side of the external coin-ledger service.
// The gateway is the single source of truth for balances; local account
// records are a cache reconciled against it.
package gateway

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

// WalletView is one side of a gateway transfer result. Pre/post balances are
// the gateway's authoritative numbers and feed the audit trail verbatim.
type WalletView struct {
	Address     string          `json:"address"`
	PreBalance  decimal.Decimal `json:"pre_balance"`
	PostBalance decimal.Decimal `json:"post_balance"`
	Amount      decimal.Decimal `json:"amount"`
}

// Wallet is the gateway's view of an address.
type Wallet struct {
	Key     string          `json:"key"`
	Symbol  string          `json:"symbol"`
	Address string          `json:"address"`
	Balance decimal.Decimal `json:"balance"`
	Nonce   uint64          `json:"nonce"`
}

// TransferRequest is one signed leg between two addresses.
type TransferRequest struct {
	Symbol     string          `json:"symbol"`
	Sender     string          `json:"sender"`
	Recipient  string          `json:"recipient"`
	Amount     decimal.Decimal `json:"amount"`
	Nonce      uint64          `json:"nonce"`
	Signature  string          `json:"signature"`
	Notes      string          `json:"notes,omitempty"`
	FeeAddress string          `json:"fee_address,omitempty"`
	Fee        decimal.Decimal `json:"fee"`
}

// TransferResult is the atomic unit the gateway guarantees.
type TransferResult struct {
	SenderWallet    WalletView `json:"sender_wallet"`
	RecipientWallet WalletView `json:"recipient_wallet"`
	TransactionKey  string     `json:"transaction_key"`
}

// Transaction is a settled gateway transaction, used to resolve legs whose
// outcome is unknown after a timeout.
type Transaction struct {
	Key       string          `json:"key"`
	Symbol    string          `json:"symbol"`
	Sender    string          `json:"sender"`
	Recipient string          `json:"recipient"`
	Amount    decimal.Decimal `json:"amount"`
	Nonce     uint64          `json:"nonce"`
	Notes     string          `json:"notes"`
}

// TxnQuery filters GET /transactions.
type TxnQuery struct {
	Symbol string
	Sender string
	Notes  string
}

// CoinGateway is the consumed contract of the external coin-ledger service.
type CoinGateway interface {
	CreateWallet(ctx context.Context, symbol, address string) (Wallet, error)
	GetWallet(ctx context.Context, symbol, address string) (Wallet, error)
	GetWalletByKey(ctx context.Context, key string) (Wallet, error)
	GetNonce(ctx context.Context, symbol, address string) (uint64, error)
	SendTransfer(ctx context.Context, req TransferRequest) (TransferResult, error)
	Mint(ctx context.Context, symbol string, amount decimal.Decimal, notes string) (TransferResult, error)
	FindTransactions(ctx context.Context, q TxnQuery) ([]Transaction, error)
}

// TransferMessage builds the deterministic string that gets signed for a
// transfer. The gateway verifies the signature over these exact bytes, so the
// concatenation must never change: symbol:sender:recipient:amount:nonce, with
// the amount rendered at the currency's full fixed precision.
func TransferMessage(symbol, sender, recipient, amount string, nonce uint64) string {
	return fmt.Sprintf("%s:%s:%s:%s:%d", symbol, sender, recipient, amount, nonce)
}
