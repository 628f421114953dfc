package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"MarketSettle/internal/gateway"
	"MarketSettle/internal/money"
	"MarketSettle/internal/snapshot"
	"MarketSettle/internal/wallet"
)

// Provisioner creates accounts: a keypair and keystore locally, a wallet on
// the external ledger, and the account row. One provisioner exists per
// process, constructed at the entry point with the keystore passphrase.
type Provisioner struct {
	store      Store
	gw         gateway.CoinGateway
	recorder   snapshot.Recorder
	passphrase string
	log        zerolog.Logger
	now        func() time.Time
}

func NewProvisioner(store Store, gw gateway.CoinGateway, recorder snapshot.Recorder, passphrase string, log zerolog.Logger) *Provisioner {
	return &Provisioner{
		store:      store,
		gw:         gw,
		recorder:   recorder,
		passphrase: passphrase,
		log:        log,
		now:        time.Now,
	}
}

// CreateAccount provisions one (owner, currency) account.
func (p *Provisioner) CreateAccount(ctx context.Context, ownerKey, symbol string, typ AccountType) (Account, error) {
	address, priv, err := wallet.NewKeyPair()
	if err != nil {
		return Account{}, err
	}
	salt, err := wallet.NewSalt()
	if err != nil {
		return Account{}, err
	}
	encrypted, err := wallet.EncryptKeyWithSalt(priv, p.passphrase, salt)
	if err != nil {
		return Account{}, err
	}

	w, err := p.gw.CreateWallet(ctx, symbol, address)
	if err != nil {
		return Account{}, fmt.Errorf("create gateway wallet: %w", err)
	}

	now := p.now()
	acct := Account{
		Key:         uuid.NewString(),
		OwnerKey:    ownerKey,
		Symbol:      symbol,
		Type:        typ,
		Address:     address,
		Available:   money.Zero(symbol),
		Locked:      money.Zero(symbol),
		ExternalKey: w.Key,
		Nonce:       w.Nonce,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	ks := KeyStore{
		AccountKey:   acct.Key,
		EncryptedKey: encrypted,
		Salt:         salt,
	}

	if err := p.store.CreateAccount(ctx, acct, ks); err != nil {
		return Account{}, err
	}

	p.log.Info().
		Str("account", acct.Key).
		Str("owner", ownerKey).
		Str("symbol", symbol).
		Str("type", string(typ)).
		Msg("account created")

	return acct, nil
}

// InitMasterAccount creates the treasury account for a currency and mints its
// initial supply. Exactly one master account may exist per currency; the
// storage layer's unique constraint decides races between concurrent inits,
// not an application-level existence check.
func (p *Provisioner) InitMasterAccount(ctx context.Context, symbol string, initialSupply money.Amount, meta snapshot.Meta) (Account, error) {
	acct, err := p.CreateAccount(ctx, MasterOwnerKey, symbol, TypeMaster)
	if err != nil {
		if errors.Is(err, ErrMasterAccountExists) {
			return Account{}, err
		}
		return Account{}, fmt.Errorf("provision master account: %w", err)
	}

	if initialSupply.IsZero() {
		return acct, nil
	}

	res, err := p.gw.Mint(ctx, symbol, initialSupply.Decimal(), "initial supply")
	if err != nil {
		return Account{}, fmt.Errorf("mint initial supply: %w", err)
	}

	post := money.FromDecimal(symbol, res.RecipientWallet.PostBalance)
	if err := p.store.UpdateBalances(ctx, acct.Key, post, money.Zero(symbol)); err != nil {
		return Account{}, fmt.Errorf("persist minted balance: %w", err)
	}
	acct.Available = post

	if p.recorder != nil {
		err := p.recorder.Record(ctx, snapshot.Snapshot{
			AccountKey:    acct.Key,
			Action:        snapshot.ActionMint,
			Symbol:        symbol,
			Amount:        initialSupply,
			PreAvailable:  money.FromDecimal(symbol, res.RecipientWallet.PreBalance),
			PostAvailable: post,
			PreLocked:     money.Zero(symbol),
			PostLocked:    money.Zero(symbol),
			TxnRef:        res.TransactionKey,
			Operator:      meta.Operator,
			IP:            meta.IP,
			UserAgent:     meta.UserAgent,
			CreatedAt:     p.now(),
		})
		if err != nil {
			p.log.Error().Err(err).Str("account", acct.Key).Msg("mint snapshot write failed")
		}
	}

	p.log.Info().
		Str("symbol", symbol).
		Str("supply", initialSupply.String()).
		Msg("master account initialized")

	return acct, nil
}
