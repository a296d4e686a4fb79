package auth

import (
	"bytes"
	"encoding/hex"
	"fmt"
)

// IdentityKeySize is the length of a compressed secp256k1 public key.
const IdentityKeySize = 33

// UnknownIdentity is the reserved sentinel attached to pass-through requests
// when unauthenticated access is explicitly permitted by policy.
const UnknownIdentity = "unknown"

// Identity is a peer's public verification key. Immutable once parsed;
// compared by exact byte equality.
type Identity struct {
	key [IdentityKeySize]byte
}

func ParseIdentity(s string) (Identity, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return Identity{}, fmt.Errorf("bad identity key: %w", err)
	}
	if len(raw) != IdentityKeySize {
		return Identity{}, fmt.Errorf("bad identity key length: %d", len(raw))
	}
	if raw[0] != 0x02 && raw[0] != 0x03 {
		return Identity{}, fmt.Errorf("bad identity key prefix: %#x", raw[0])
	}
	var id Identity
	copy(id.key[:], raw)
	return id, nil
}

// IdentityFromBytes builds an Identity from a raw compressed public key.
func IdentityFromBytes(raw []byte) (Identity, error) {
	return ParseIdentity(hex.EncodeToString(raw))
}

func (id Identity) Bytes() []byte {
	out := make([]byte, IdentityKeySize)
	copy(out, id.key[:])
	return out
}

// Hex returns the canonical lowercase hex encoding.
func (id Identity) Hex() string {
	return hex.EncodeToString(id.key[:])
}

func (id Identity) Equal(other Identity) bool {
	return bytes.Equal(id.key[:], other.key[:])
}

func (id Identity) IsZero() bool {
	return id.key == [IdentityKeySize]byte{}
}

func (id Identity) String() string {
	if id.IsZero() {
		return UnknownIdentity
	}
	return id.Hex()
}
