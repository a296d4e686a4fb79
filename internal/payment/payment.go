// Package payment validates micropayment artifacts against the authenticated
// identity and the priced resource, then delegates final acceptance to the
// wallet/ledger collaborator.
//
// The anti-fraud core is the derivation binding: a payment is only accepted
// when its derivation prefix was computed for exactly this identity and this
// resource, so an artifact captured in another context never verifies here.
package payment

import (
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"peergate/internal/auth"
	"peergate/internal/metrics"
	"peergate/internal/noncereg"
	"peergate/internal/session"
	"peergate/internal/wallet"
)

// ProtocolVersion is the payment side-channel version.
const ProtocolVersion = "1.0"

const (
	bindingSeparator = ":"
	// identityPrefixLen is how many hex characters of the identity key go
	// into the derivation binding. 16 characters (8 bytes) is ample to
	// make cross-identity replay infeasible while keeping prefixes short.
	identityPrefixLen = 16
)

// Artifact is one payment attempt: the derivation prefix binding it to an
// identity and resource, the claimed amount, a fresh payment-namespace
// nonce, and an opaque transaction blob handed unexamined to the wallet.
type Artifact struct {
	DerivationPrefix string          `json:"derivationPrefix"`
	Satoshis         uint64          `json:"satoshis"`
	Nonce            string          `json:"nonce"`
	Transaction      json.RawMessage `json:"transaction"`
}

// Terms is what a 402 rejection carries: the price and the prefix the payer
// must derive the payment for.
type Terms struct {
	SatoshisRequired uint64 `json:"satoshisRequired"`
	DerivationPrefix string `json:"derivationPrefix"`
}

// Result is a successful verification: the confirmed amount and the wallet's
// opaque transaction reference.
type Result struct {
	Accepted     bool   `json:"accepted"`
	SatoshisPaid uint64 `json:"satoshisPaid"`
	TxReference  string `json:"txReference,omitempty"`
}

// Binding computes the derivation binding for a resource and identity. It is
// deterministic, computed fresh on every verification, and never stored.
func Binding(resourceID string, identity auth.Identity) string {
	return resourceID + bindingSeparator + identity.Hex()[:identityPrefixLen]
}

// ParseArtifact decodes a payment artifact from its wire form.
func ParseArtifact(data []byte) (Artifact, error) {
	var a Artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return Artifact{}, auth.ErrMalformedPayment
	}
	if a.DerivationPrefix == "" || a.Nonce == "" || len(a.Transaction) == 0 {
		return Artifact{}, auth.ErrMalformedPayment
	}
	return a, nil
}

type Options struct {
	Wallet wallet.Wallet
	// Nonces must be the payment-namespace registry; handshake nonces are
	// never consulted or consumed here.
	Nonces  *noncereg.Registry
	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

type Verifier struct {
	wallet  wallet.Wallet
	nonces  *noncereg.Registry
	metrics *metrics.Metrics
	log     *zap.Logger
}

func NewVerifier(opts Options) *Verifier {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New(nil)
	}
	return &Verifier{
		wallet:  opts.Wallet,
		nonces:  opts.Nonces,
		metrics: opts.Metrics,
		log:     opts.Logger,
	}
}

// RequestTerms builds the 402 payload for a priced resource. Callers must
// not invoke this (or Verify) for zero-priced resources.
func (v *Verifier) RequestTerms(resourceID string, identity auth.Identity, price uint64) Terms {
	return Terms{
		SatoshisRequired: price,
		DerivationPrefix: Binding(resourceID, identity),
	}
}

// Verify runs the full acceptance algorithm. The checks run cheapest-first:
// authentication, derivation binding, nonce freshness, and only then the
// wallet's ledger-side internalization. Binding mismatch and nonce replay
// deliberately surface as the same error so a probing client cannot tell
// which check failed.
func (v *Verifier) Verify(artifact Artifact, sess *session.Session, resourceID string, price uint64) (Result, error) {
	if sess == nil || !sess.Authenticated() {
		// Payment without authentication is never accepted: there is no
		// identity to bind it to.
		v.metrics.PaymentsRejected.WithLabelValues(auth.CodeAuthRequired).Inc()
		return Result{}, auth.ErrSessionNotFound
	}

	expected := Binding(resourceID, sess.PeerIdentity)
	if artifact.DerivationPrefix != expected {
		v.metrics.PaymentsRejected.WithLabelValues(auth.CodeInvalidPrefix).Inc()
		v.log.Debug("derivation binding mismatch",
			zap.String("resource", resourceID),
			zap.String("peer", sess.PeerIdentity.Hex()[:8]))
		return Result{}, auth.ErrInvalidPrefix
	}

	if !v.nonces.Consume(artifact.Nonce) {
		v.metrics.NonceReplays.WithLabelValues(noncereg.NamespacePayment).Inc()
		v.metrics.PaymentsRejected.WithLabelValues(auth.CodeInvalidPrefix).Inc()
		return Result{}, auth.ErrInvalidPrefix
	}

	receipt, err := v.wallet.InternalizePayment(artifact.Transaction)
	if err != nil {
		v.metrics.PaymentsRejected.WithLabelValues(auth.CodePaymentInternal).Inc()
		return Result{}, fmt.Errorf("%w: %s", auth.ErrPaymentRejected, err)
	}
	if !receipt.Accepted {
		v.metrics.PaymentsRejected.WithLabelValues(auth.CodePaymentInternal).Inc()
		return Result{}, auth.ErrPaymentRejected
	}
	if receipt.Satoshis < price {
		v.metrics.PaymentsRejected.WithLabelValues(auth.CodePaymentRequired).Inc()
		return Result{}, auth.ErrPaymentInsufficient
	}

	v.metrics.PaymentsAccepted.Inc()
	v.metrics.SatoshisAccepted.Add(float64(receipt.Satoshis))
	v.log.Info("payment accepted",
		zap.String("resource", resourceID),
		zap.Uint64("satoshis", receipt.Satoshis),
		zap.String("peer", sess.PeerIdentity.Hex()[:8]))
	return Result{
		Accepted:     true,
		SatoshisPaid: receipt.Satoshis,
		TxReference:  receipt.Reference,
	}, nil
}
