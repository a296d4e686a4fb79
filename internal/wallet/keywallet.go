package wallet

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	secpecdsa "github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"golang.org/x/crypto/sha3"

	"peergate/internal/auth"
)

// KeyWallet signs and verifies with a local secp256k1 key. Signatures are
// DER-encoded ECDSA over the SHA3-256 digest of the input.
//
// Payment internalization here trusts the envelope's embedded amount, which
// is suitable for tests and local deployments; production deployments supply
// a Wallet backed by a real ledger client.
type KeyWallet struct {
	priv     *secp256k1.PrivateKey
	identity auth.Identity
}

// paymentEnvelope is the minimal blob shape KeyWallet internalizes.
type paymentEnvelope struct {
	Satoshis uint64 `json:"satoshis"`
	TxID     string `json:"txid"`
}

func NewKeyWallet(priv *secp256k1.PrivateKey) (*KeyWallet, error) {
	if priv == nil {
		return nil, errors.New("nil private key")
	}
	id, err := auth.IdentityFromBytes(priv.PubKey().SerializeCompressed())
	if err != nil {
		return nil, err
	}
	return &KeyWallet{priv: priv, identity: id}, nil
}

// GenerateKeyWallet creates a wallet around a fresh random key.
func GenerateKeyWallet() (*KeyWallet, error) {
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}
	return NewKeyWallet(priv)
}

func (w *KeyWallet) IdentityKey() auth.Identity {
	return w.identity
}

func (w *KeyWallet) Sign(data []byte) ([]byte, error) {
	digest := sha3.Sum256(data)
	sig := secpecdsa.Sign(w.priv, digest[:])
	return sig.Serialize(), nil
}

func (w *KeyWallet) Verify(identity auth.Identity, data, sig []byte) bool {
	pub, err := secp256k1.ParsePubKey(identity.Bytes())
	if err != nil {
		return false
	}
	parsed, err := secpecdsa.ParseDERSignature(sig)
	if err != nil {
		return false
	}
	digest := sha3.Sum256(data)
	return parsed.Verify(digest[:], pub)
}

func (w *KeyWallet) InternalizePayment(blob json.RawMessage) (Receipt, error) {
	var env paymentEnvelope
	if err := json.Unmarshal(blob, &env); err != nil {
		return Receipt{}, fmt.Errorf("bad payment envelope: %w", err)
	}
	if env.Satoshis == 0 {
		return Receipt{Accepted: false}, nil
	}
	return Receipt{Accepted: true, Satoshis: env.Satoshis, Reference: env.TxID}, nil
}
