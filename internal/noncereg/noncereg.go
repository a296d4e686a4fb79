// Package noncereg tracks consumed nonces to prevent replay. It is the
// foundational primitive under both the handshake and the payment verifier.
//
// Handshake nonces and payment nonces occupy disjoint namespaces: each
// Registry instance owns exactly one namespace and there is no API to look a
// nonce up across registries.
package noncereg

import (
	"crypto/rand"
	"encoding/hex"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

const (
	// NamespaceAuth holds nonces from the authentication handshake.
	NamespaceAuth = "auth"
	// NamespacePayment holds nonces embedded in payment artifacts.
	NamespacePayment = "payment"
)

// DefaultRetention is how long a consumed nonce stays recorded. It must be
// longer than any legitimate retry window in the deployment; 24h is far
// beyond what any client retry policy reaches.
const DefaultRetention = 24 * time.Hour

// Registry records consumed nonces for a single namespace. Consumption is
// first-use-wins: concurrent attempts on the same nonce yield exactly one
// success.
type Registry struct {
	namespace string
	seen      *gocache.Cache
}

// New creates a registry for one namespace. retention bounds memory by
// expiring records after the given window; zero means DefaultRetention.
func New(namespace string, retention time.Duration) *Registry {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Registry{
		namespace: namespace,
		seen:      gocache.New(retention, retention/4),
	}
}

func (r *Registry) Namespace() string {
	return r.namespace
}

// Consume records the nonce on first use and reports whether this call was
// the first. A repeat returns false with no mutation. gocache.Add performs
// the check-and-set under its lock, which carries the one-success guarantee.
func (r *Registry) Consume(nonce string) bool {
	if nonce == "" {
		return false
	}
	return r.seen.Add(nonce, struct{}{}, gocache.DefaultExpiration) == nil
}

// Seen reports whether a nonce has been consumed, without consuming it.
func (r *Registry) Seen(nonce string) bool {
	_, ok := r.seen.Get(nonce)
	return ok
}

// NewNonce returns a fresh 32-byte random nonce, hex encoded.
func NewNonce() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return hex.EncodeToString(raw), nil
}
