// Package router is the engine's single entry point. It classifies an
// inbound abstract message, dispatches it to the handshake engine,
// certificate exchange or payment verifier, and produces an outbound reply,
// a pass-through authentication context, or a structured rejection.
package router

import (
	"errors"

	"go.uber.org/zap"

	"peergate/internal/auth"
	"peergate/internal/certs"
	"peergate/internal/handshake"
	"peergate/internal/payment"
	"peergate/internal/session"
)

// Request describes what the caller knows about the inbound message's
// destination: the logical resource and its declared price. Payment carries
// the artifact the transport adapter extracted, if any.
type Request struct {
	Message    auth.AuthMessage
	ResourceID string
	Price      uint64
	Payment    *payment.Artifact
}

// Context is the authenticated context handed to business logic for general
// messages that pass every check.
type Context struct {
	// IdentityKey is the peer's identity in hex, or "unknown" for
	// policy-permitted unauthenticated pass-through.
	IdentityKey   string
	Authenticated bool
	Certificates  []auth.Certificate
	Payment       *payment.Result
	Session       *session.Session
}

// Decision is the router's verdict. Exactly one of Reply, Context or Err is
// meaningful; Terms accompanies a payment-required Err.
type Decision struct {
	Reply   *auth.AuthMessage
	Context *Context
	Err     error
	Terms   *payment.Terms
}

type Options struct {
	Handshake *handshake.Engine
	Certs     *certs.Exchange
	Payments  *payment.Verifier

	// AllowUnauthenticated passes session-less general messages through
	// with the reserved "unknown" identity instead of rejecting them.
	// Priced resources still require authentication regardless: a payment
	// cannot be bound to an unknown identity.
	AllowUnauthenticated bool

	Logger *zap.Logger
}

type Router struct {
	handshake *handshake.Engine
	certs     *certs.Exchange
	payments  *payment.Verifier
	allowAnon bool
	log       *zap.Logger
}

func New(opts Options) *Router {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Router{
		handshake: opts.Handshake,
		certs:     opts.Certs,
		payments:  opts.Payments,
		allowAnon: opts.AllowUnauthenticated,
		log:       opts.Logger,
	}
}

// Route is the single synchronous decision function.
func (r *Router) Route(req Request) Decision {
	msg := req.Message
	switch msg.MessageType {
	case auth.MsgTypeInitial:
		reply, err := r.handshake.HandleInitial(msg)
		if err != nil {
			return Decision{Err: err}
		}
		return Decision{Reply: &reply}

	case auth.MsgTypeInitialResponse:
		_, confirm, err := r.handshake.HandleInitialResponse(msg)
		if err != nil {
			return Decision{Err: err}
		}
		if confirm.MessageType == "" {
			return Decision{}
		}
		return Decision{Reply: &confirm}

	case auth.MsgTypeCertificateRequest:
		reply, err := r.certs.HandleRequest(msg)
		if err != nil {
			return Decision{Err: err}
		}
		return Decision{Reply: &reply}

	case auth.MsgTypeCertificateResponse:
		if err := r.certs.HandleResponse(msg); err != nil {
			return Decision{Err: err}
		}
		return Decision{}

	case auth.MsgTypeGeneral:
		return r.routeGeneral(req)

	default:
		return Decision{Err: auth.ErrProtocolMalformed}
	}
}

func (r *Router) routeGeneral(req Request) Decision {
	msg := req.Message
	if msg.IdentityKey == "" && msg.Nonce == "" && msg.Signature == "" {
		// No authentication was attempted at all.
		if r.allowAnon && req.Price == 0 {
			return Decision{Context: &Context{IdentityKey: auth.UnknownIdentity}}
		}
		return Decision{Err: auth.ErrSessionNotFound}
	}

	sess, err := r.handshake.VerifyGeneral(msg)
	if err != nil {
		if errors.Is(err, auth.ErrSessionNotFound) && r.allowAnon && req.Price == 0 {
			r.log.Debug("unauthenticated pass-through", zap.String("resource", req.ResourceID))
			return Decision{Context: &Context{IdentityKey: auth.UnknownIdentity}}
		}
		return Decision{Err: err}
	}

	ctx := &Context{
		IdentityKey:   sess.PeerIdentity.Hex(),
		Authenticated: true,
		Certificates:  sess.Certificates(),
		Session:       sess,
	}

	// Zero-priced resources bypass the payment verifier entirely.
	if req.Price == 0 {
		return Decision{Context: ctx}
	}

	if req.Payment == nil {
		terms := r.payments.RequestTerms(req.ResourceID, sess.PeerIdentity, req.Price)
		return Decision{Err: auth.ErrPaymentInsufficient, Terms: &terms}
	}

	result, err := r.payments.Verify(*req.Payment, sess, req.ResourceID, req.Price)
	if err != nil {
		if errors.Is(err, auth.ErrPaymentInsufficient) {
			terms := r.payments.RequestTerms(req.ResourceID, sess.PeerIdentity, req.Price)
			return Decision{Err: err, Terms: &terms}
		}
		return Decision{Err: err}
	}
	ctx.Payment = &result
	return Decision{Context: ctx}
}
