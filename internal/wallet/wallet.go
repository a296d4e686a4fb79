// Package wallet defines the key-custody capability the engine depends on
// and a secp256k1 implementation of it. The engine itself never touches key
// material; it only calls through this interface.
package wallet

import (
	"encoding/json"

	"peergate/internal/auth"
)

// Receipt is the wallet's verdict on a payment blob: whether the ledger
// accepted it, the confirmed amount in satoshis, and an opaque reference
// (typically a transaction id).
type Receipt struct {
	Accepted  bool   `json:"accepted"`
	Satoshis  uint64 `json:"satoshis"`
	Reference string `json:"reference,omitempty"`
}

// Wallet is the capability interface consumed by the engine. Sign and
// InternalizePayment may be slow (key custody, ledger I/O); callers must not
// hold internal locks across these calls.
type Wallet interface {
	// IdentityKey is this wallet's public identity.
	IdentityKey() auth.Identity

	// Sign produces a signature over data with the identity-holder's
	// private key.
	Sign(data []byte) ([]byte, error)

	// Verify reports whether sig is a valid signature over data by the
	// holder of identity.
	Verify(identity auth.Identity, data, sig []byte) bool

	// InternalizePayment hands an opaque payment blob to the ledger side
	// for final acceptance and amount confirmation.
	InternalizePayment(blob json.RawMessage) (Receipt, error)
}
