// Package handshake drives the mutual-authentication state machine.
//
// A session moves IDLE -> CHALLENGED -> AUTHENTICATED, or to TERMINATED on
// any signature failure. The responder verifies the initiator's signature on
// the first general message covering the session's nonce pair, so no session
// reaches the authenticated state without two independently verified
// signatures, one per direction.
package handshake

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"peergate/internal/auth"
	"peergate/internal/metrics"
	"peergate/internal/noncereg"
	"peergate/internal/session"
	"peergate/internal/wallet"
)

// DefaultIdleTimeout is how long a session may stay inactive before the
// store treats it as expired.
const DefaultIdleTimeout = time.Hour

// CertificateCarrier lets certificates ride inside the handshake itself: the
// responder may embed credentials in its initialResponse and the initiator
// validates them before the session authenticates. The standalone
// certificateRequest/certificateResponse flow remains available for
// post-handshake exchange.
type CertificateCarrier interface {
	// Offer returns the credentials to embed in an initialResponse
	// answering req.
	Offer(req auth.RequestedCertificates) []auth.Certificate

	// Accept validates certificates a peer presented and attaches the
	// verified set to the session. On failure the session is evicted and
	// an error returned.
	Accept(sess *session.Session, certs []auth.Certificate) error
}

type Options struct {
	Wallet   wallet.Wallet
	Sessions *session.Store
	// Nonces must be the registry for the auth namespace. Payment nonces
	// live in their own registry and are never consulted here.
	Nonces  *noncereg.Registry
	Metrics *metrics.Metrics

	// CertificatesToRequest, when set, is embedded in every
	// initialResponse so the peer knows which credentials to present.
	CertificatesToRequest *auth.RequestedCertificates

	IdleTimeout time.Duration
	Logger      *zap.Logger
}

type Engine struct {
	wallet   wallet.Wallet
	sessions *session.Store
	nonces   *noncereg.Registry
	metrics  *metrics.Metrics
	certsReq *auth.RequestedCertificates
	carrier  CertificateCarrier
	maxIdle  time.Duration
	log      *zap.Logger

	// pending tracks nonces of handshakes this side initiated, with their
	// creation time so abandoned attempts age out with the idle timeout.
	mu      sync.Mutex
	pending map[string]time.Time
}

func New(opts Options) *Engine {
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New(nil)
	}
	return &Engine{
		wallet:   opts.Wallet,
		sessions: opts.Sessions,
		nonces:   opts.Nonces,
		metrics:  opts.Metrics,
		certsReq: opts.CertificatesToRequest,
		maxIdle:  opts.IdleTimeout,
		log:      opts.Logger,
		pending:  make(map[string]time.Time),
	}
}

func (e *Engine) IdleTimeout() time.Duration {
	return e.maxIdle
}

// UseCertificateCarrier wires inline certificate carriage. Called once during
// assembly, before the engine serves traffic.
func (e *Engine) UseCertificateCarrier(c CertificateCarrier) {
	e.carrier = c
}

// HandleInitial processes a peer's initial message and produces the signed
// initialResponse. The nonce is consumed before any cryptographic work so a
// replayed initial is rejected on the cheap path.
func (e *Engine) HandleInitial(msg auth.AuthMessage) (auth.AuthMessage, error) {
	peerIdentity, err := auth.ParseIdentity(msg.IdentityKey)
	if err != nil {
		return auth.AuthMessage{}, auth.ErrProtocolMalformed
	}
	peerNonceRaw, err := auth.DecodeNonce(msg.Nonce)
	if err != nil {
		return auth.AuthMessage{}, auth.ErrProtocolMalformed
	}
	if !e.nonces.Consume(msg.Nonce) {
		e.metrics.NonceReplays.WithLabelValues(noncereg.NamespaceAuth).Inc()
		e.log.Debug("replayed initial nonce", zap.String("identity", peerIdentity.Hex()[:8]))
		return auth.AuthMessage{}, auth.ErrReplayedNonce
	}

	sessionNonce, err := noncereg.NewNonce()
	if err != nil {
		return auth.AuthMessage{}, err
	}
	sess, created := e.sessions.Create(msg.Nonce, sessionNonce, peerIdentity)
	if !created {
		// A concurrent identical initial lost the nonce race before this
		// point, so an existing entry means the peer re-initiated with a
		// fresh nonce while an older challenge was still live.
		sessionNonce = sess.SessionNonce
	}

	sessionNonceRaw, err := auth.DecodeNonce(sessionNonce)
	if err != nil {
		return auth.AuthMessage{}, err
	}
	sig, err := e.wallet.Sign(auth.HandshakeSigInput(peerNonceRaw, sessionNonceRaw))
	if err != nil {
		e.sessions.Evict(msg.Nonce, peerIdentity)
		return auth.AuthMessage{}, err
	}

	reply := auth.AuthMessage{
		Version:               auth.Version,
		MessageType:           auth.MsgTypeInitialResponse,
		IdentityKey:           e.wallet.IdentityKey().Hex(),
		Nonce:                 sessionNonce,
		YourNonce:             msg.Nonce,
		Signature:             auth.EncodeSignature(sig),
		RequestedCertificates: e.certsReq,
	}
	if e.carrier != nil && msg.RequestedCertificates != nil {
		reply.Certificates = e.carrier.Offer(*msg.RequestedCertificates)
	}
	return reply, nil
}

// Initiate builds the initial message for a handshake this side starts and
// records the nonce for the binding check on the response.
func (e *Engine) Initiate() (auth.AuthMessage, error) {
	nonce, err := noncereg.NewNonce()
	if err != nil {
		return auth.AuthMessage{}, err
	}
	now := time.Now()
	e.mu.Lock()
	for n, at := range e.pending {
		if now.Sub(at) > e.maxIdle {
			delete(e.pending, n)
		}
	}
	e.pending[nonce] = now
	e.mu.Unlock()
	return auth.AuthMessage{
		Version:               auth.Version,
		MessageType:           auth.MsgTypeInitial,
		IdentityKey:           e.wallet.IdentityKey().Hex(),
		Nonce:                 nonce,
		RequestedCertificates: e.certsReq,
	}, nil
}

// HandleInitialResponse verifies the responder's reply to an initial this
// side sent. On success the session is authenticated and a confirming
// general message is returned so the responder can verify this side's
// identity symmetrically. On any failure all handshake state for the nonce
// is discarded.
func (e *Engine) HandleInitialResponse(msg auth.AuthMessage) (*session.Session, auth.AuthMessage, error) {
	responderIdentity, err := auth.ParseIdentity(msg.IdentityKey)
	if err != nil {
		return nil, auth.AuthMessage{}, auth.ErrProtocolMalformed
	}
	responderNonceRaw, err := auth.DecodeNonce(msg.Nonce)
	if err != nil {
		return nil, auth.AuthMessage{}, auth.ErrProtocolMalformed
	}
	ownNonceRaw, err := auth.DecodeNonce(msg.YourNonce)
	if err != nil {
		return nil, auth.AuthMessage{}, auth.ErrProtocolMalformed
	}

	// Binding check: the echoed nonce must be one this side actually sent,
	// which rejects substitution of a response from another exchange. An
	// abandoned attempt older than the idle timeout no longer binds.
	e.mu.Lock()
	startedAt, pendingOK := e.pending[msg.YourNonce]
	delete(e.pending, msg.YourNonce)
	e.mu.Unlock()
	if !pendingOK || time.Since(startedAt) > e.maxIdle {
		return nil, auth.AuthMessage{}, auth.ErrBindingMismatch
	}

	sig, err := auth.DecodeSignature(msg.Signature)
	if err != nil {
		return nil, auth.AuthMessage{}, auth.ErrProtocolMalformed
	}
	if !e.wallet.Verify(responderIdentity, auth.HandshakeSigInput(ownNonceRaw, responderNonceRaw), sig) {
		e.metrics.AuthRejections.WithLabelValues(auth.CodeAuthInvalid).Inc()
		return nil, auth.AuthMessage{}, auth.ErrSignatureInvalid
	}

	sess, _ := e.sessions.Create(msg.Nonce, msg.YourNonce, responderIdentity)
	if len(msg.Certificates) > 0 && e.carrier != nil {
		// Credentials carried inline are validated before the session
		// authenticates; a bad set fails the whole handshake.
		if err := e.carrier.Accept(sess, msg.Certificates); err != nil {
			return nil, auth.AuthMessage{}, err
		}
	}
	sess.Authenticate()
	e.metrics.HandshakesCompleted.Inc()
	e.log.Info("handshake authenticated",
		zap.String("peer", responderIdentity.Hex()[:8]))

	confirmSig, err := e.wallet.Sign(auth.GeneralSigInput(ownNonceRaw, responderNonceRaw, nil))
	if err != nil {
		return sess, auth.AuthMessage{}, nil
	}
	confirm := auth.AuthMessage{
		Version:     auth.Version,
		MessageType: auth.MsgTypeGeneral,
		IdentityKey: e.wallet.IdentityKey().Hex(),
		Nonce:       msg.YourNonce,
		YourNonce:   msg.Nonce,
		Signature:   auth.EncodeSignature(confirmSig),
	}
	return sess, confirm, nil
}

// VerifyGeneral checks an authenticated application-level message against
// its session. The session must already exist for the stated nonce pair and
// identity; a general message never creates one. The first verified general
// message supplies the initiator-direction signature and completes mutual
// authentication on the responder side.
func (e *Engine) VerifyGeneral(msg auth.AuthMessage) (*session.Session, error) {
	peerIdentity, err := auth.ParseIdentity(msg.IdentityKey)
	if err != nil {
		return nil, auth.ErrProtocolMalformed
	}
	nonceRaw, err := auth.DecodeNonce(msg.Nonce)
	if err != nil {
		return nil, auth.ErrProtocolMalformed
	}
	yourNonceRaw, err := auth.DecodeNonce(msg.YourNonce)
	if err != nil {
		return nil, auth.ErrProtocolMalformed
	}

	sess, ok := e.sessions.Find(msg.Nonce, peerIdentity, e.maxIdle)
	if !ok {
		e.metrics.AuthRejections.WithLabelValues(auth.CodeAuthRequired).Inc()
		return nil, auth.ErrSessionNotFound
	}
	if msg.YourNonce != sess.SessionNonce {
		e.metrics.AuthRejections.WithLabelValues(auth.CodeAuthInvalid).Inc()
		return nil, auth.ErrBindingMismatch
	}
	sig, err := auth.DecodeSignature(msg.Signature)
	if err != nil {
		return nil, auth.ErrProtocolMalformed
	}
	if !e.wallet.Verify(peerIdentity, auth.GeneralSigInput(nonceRaw, yourNonceRaw, msg.Payload), sig) {
		e.sessions.Evict(msg.Nonce, peerIdentity)
		e.metrics.AuthRejections.WithLabelValues(auth.CodeAuthInvalid).Inc()
		e.log.Debug("general signature rejected, session terminated",
			zap.String("peer", peerIdentity.Hex()[:8]))
		return nil, auth.ErrSignatureInvalid
	}

	if !sess.Authenticated() {
		sess.Authenticate()
		e.metrics.HandshakesCompleted.Inc()
		e.log.Info("handshake authenticated",
			zap.String("peer", peerIdentity.Hex()[:8]))
	} else {
		sess.Touch()
	}
	return sess, nil
}

// SignGeneral builds a signed general message for an established session,
// used by the initiator side of a peer connection.
func (e *Engine) SignGeneral(sess *session.Session, payload []byte) (auth.AuthMessage, error) {
	// Both sides store SessionNonce as their own nonce and PeerNonce as
	// the peer's, so the same construction serves either direction.
	ownNonceRaw, err := auth.DecodeNonce(sess.SessionNonce)
	if err != nil {
		return auth.AuthMessage{}, err
	}
	peerNonceRaw, err := auth.DecodeNonce(sess.PeerNonce)
	if err != nil {
		return auth.AuthMessage{}, err
	}
	sig, err := e.wallet.Sign(auth.GeneralSigInput(ownNonceRaw, peerNonceRaw, payload))
	if err != nil {
		return auth.AuthMessage{}, err
	}
	return auth.AuthMessage{
		Version:     auth.Version,
		MessageType: auth.MsgTypeGeneral,
		IdentityKey: e.wallet.IdentityKey().Hex(),
		Nonce:       sess.SessionNonce,
		YourNonce:   sess.PeerNonce,
		Signature:   auth.EncodeSignature(sig),
		Payload:     payload,
	}, nil
}
