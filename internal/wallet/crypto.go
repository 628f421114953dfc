// Package wallet is the wallet-crypto collaborator: keystore encryption and
// transfer-message signing. Key derivation and signature verification live in
// the external coin ledger; this package only prepares material for it.
package wallet

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/crypto/scrypt"
)

const (
	scryptN  = 32768
	scryptR  = 8
	scryptP  = 1
	keyLen   = 32
	nonceLen = 24
	saltLen  = 16
)

var errDecrypt = errors.New("wallet: keystore decryption failed")

// NewKeyPair generates an ed25519 keypair; the hex public key doubles as the
// chain-style address.
func NewKeyPair() (address string, priv ed25519.PrivateKey, err error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", nil, fmt.Errorf("generate keypair: %w", err)
	}
	return hex.EncodeToString(pub), priv, nil
}

// NewSalt returns a fresh random hex salt for keystore encryption.
func NewSalt() (string, error) {
	salt := make([]byte, saltLen)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	return hex.EncodeToString(salt), nil
}

// EncryptKeyWithSalt seals a private key under a secret derived from the
// process passphrase and the account's salt. The result is the base64
// ciphertext stored in the account keystore.
func EncryptKeyWithSalt(priv ed25519.PrivateKey, passphrase, salt string) (string, error) {
	sealKey, err := deriveKey(passphrase, salt)
	if err != nil {
		return "", err
	}

	var nonce [nonceLen]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := secretbox.Seal(nonce[:], priv, &nonce, sealKey)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// DecryptKeyWithSalt opens a keystore ciphertext back into the private key.
func DecryptKeyWithSalt(encryptedKey, passphrase, salt string) (ed25519.PrivateKey, error) {
	sealKey, err := deriveKey(passphrase, salt)
	if err != nil {
		return nil, err
	}

	sealed, err := base64.StdEncoding.DecodeString(encryptedKey)
	if err != nil {
		return nil, fmt.Errorf("decode keystore: %w", err)
	}
	if len(sealed) < nonceLen {
		return nil, errDecrypt
	}

	var nonce [nonceLen]byte
	copy(nonce[:], sealed[:nonceLen])

	plain, ok := secretbox.Open(nil, sealed[nonceLen:], &nonce, sealKey)
	if !ok {
		return nil, errDecrypt
	}
	if len(plain) != ed25519.PrivateKeySize {
		return nil, errDecrypt
	}
	return ed25519.PrivateKey(plain), nil
}

// SignMessage signs the deterministic transfer message and returns the hex
// signature the gateway verifies.
func SignMessage(priv ed25519.PrivateKey, message string) string {
	return hex.EncodeToString(ed25519.Sign(priv, []byte(message)))
}

func deriveKey(passphrase, salt string) (*[keyLen]byte, error) {
	rawSalt, err := hex.DecodeString(salt)
	if err != nil {
		return nil, fmt.Errorf("decode salt: %w", err)
	}
	derived, err := scrypt.Key([]byte(passphrase), rawSalt, scryptN, scryptR, scryptP, keyLen)
	if err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	var key [keyLen]byte
	copy(key[:], derived)
	return &key, nil
}
