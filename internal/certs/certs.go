// Package certs implements the optional certificate exchange sub-protocol:
// requesting, presenting and validating signed attestations during or after
// the handshake. A session may be authenticated without certificates;
// certificates only gate certificate-protected resources, which the caller's
// business logic checks against the session's attached set.
package certs

import (
	"sort"
	"strings"

	"go.uber.org/zap"

	"peergate/internal/auth"
	"peergate/internal/handshake"
	"peergate/internal/session"
	"peergate/internal/wallet"
)

// Validator is the external collaborator that judges a single certificate
// against the originally requested certifier and field sets.
type Validator interface {
	Validate(cert auth.Certificate, requiredCertifiers []string, requiredFields []string) bool
}

// Event is delivered when a peer's certificates pass validation. Events are
// pulled from a channel rather than invoking a hook inside the protocol
// critical path.
type Event struct {
	Identity     auth.Identity
	Certificates []auth.Certificate
}

type Options struct {
	Engine    *handshake.Engine
	Sessions  *session.Store
	Validator Validator

	// Requested constrains which certifiers and fields this side accepts.
	Requested *auth.RequestedCertificates

	// Presentable are this side's own certificates, offered when a peer
	// sends a certificateRequest.
	Presentable []auth.Certificate

	// EventBuffer sizes the received-certificates channel; 0 means 16.
	EventBuffer int

	Logger *zap.Logger
}

type Exchange struct {
	engine      *handshake.Engine
	sessions    *session.Store
	validator   Validator
	requested   *auth.RequestedCertificates
	presentable []auth.Certificate
	events      chan Event
	log         *zap.Logger
}

func New(opts Options) *Exchange {
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 16
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Exchange{
		engine:      opts.Engine,
		sessions:    opts.Sessions,
		validator:   opts.Validator,
		requested:   opts.Requested,
		presentable: opts.Presentable,
		events:      make(chan Event, opts.EventBuffer),
		log:         opts.Logger,
	}
}

// Events is the stream of validated certificate arrivals. When no consumer
// keeps up the oldest event is dropped, never the protocol goroutine.
func (x *Exchange) Events() <-chan Event {
	return x.events
}

// HandleRequest answers a peer's certificateRequest with this side's
// presentable certificates, disclosing only the requested fields.
func (x *Exchange) HandleRequest(msg auth.AuthMessage) (auth.AuthMessage, error) {
	sess, err := x.engine.VerifyGeneral(generalView(msg))
	if err != nil {
		return auth.AuthMessage{}, err
	}
	var offered []auth.Certificate
	if msg.RequestedCertificates != nil {
		offered = Disclose(x.presentable, *msg.RequestedCertificates)
	}
	reply, err := x.engine.SignGeneral(sess, nil)
	if err != nil {
		return auth.AuthMessage{}, err
	}
	reply.MessageType = auth.MsgTypeCertificateResponse
	reply.Certificates = offered
	return reply, nil
}

// HandleResponse validates a peer's certificateResponse and attaches the
// verified set to the session. Validation failure evicts the session
// (certificate invalidation per the session lifecycle).
func (x *Exchange) HandleResponse(msg auth.AuthMessage) error {
	sess, err := x.engine.VerifyGeneral(generalView(msg))
	if err != nil {
		return err
	}
	return x.Accept(sess, msg.Certificates)
}

// Offer returns the presentable credentials answering req, for embedding in
// an initialResponse.
func (x *Exchange) Offer(req auth.RequestedCertificates) []auth.Certificate {
	return Disclose(x.presentable, req)
}

// Accept validates certificates presented by the session's peer, whether
// inline in the handshake or through a certificateResponse, and attaches the
// verified set. A bad set evicts the session.
func (x *Exchange) Accept(sess *session.Session, certificates []auth.Certificate) error {
	if x.requested == nil {
		// Nothing was requested; an unsolicited set is not validated
		// against any policy and is ignored.
		return nil
	}
	for _, cert := range certificates {
		if cert.Subject != sess.PeerIdentity.Hex() {
			x.evict(sess)
			return auth.ErrCertificateInvalid
		}
		required, requested := x.requested.Types[cert.Type]
		if !requested {
			x.evict(sess)
			return auth.ErrCertificateInvalid
		}
		if !x.validator.Validate(cert, x.requested.Certifiers, required) {
			x.evict(sess)
			return auth.ErrCertificateInvalid
		}
	}
	sess.SetCertificates(certificates)
	x.log.Info("certificates received",
		zap.String("peer", sess.PeerIdentity.Hex()[:8]),
		zap.Int("count", len(certificates)))
	ev := Event{Identity: sess.PeerIdentity, Certificates: certificates}
	for {
		select {
		case x.events <- ev:
			return nil
		default:
			select {
			case <-x.events:
			default:
			}
		}
	}
}

// BuildRequest produces a certificateRequest for an established session.
func (x *Exchange) BuildRequest(sess *session.Session) (auth.AuthMessage, error) {
	msg, err := x.engine.SignGeneral(sess, nil)
	if err != nil {
		return auth.AuthMessage{}, err
	}
	msg.MessageType = auth.MsgTypeCertificateRequest
	msg.RequestedCertificates = x.requested
	return msg, nil
}

func (x *Exchange) evict(sess *session.Session) {
	x.sessions.Evict(sess.PeerNonce, sess.PeerIdentity)
}

// certificate messages carry the same nonce pair and signature as general
// messages; VerifyGeneral only accepts the general tag.
func generalView(msg auth.AuthMessage) auth.AuthMessage {
	msg.MessageType = auth.MsgTypeGeneral
	return msg
}

// Disclose selects, from this side's presentable credentials, the ones that
// answer the request: requested type, acceptable certifier, and carrying
// every requested field. The signature covers exactly the fields a
// credential was issued with, so selective disclosure happens at issuance
// time: a subject holds narrowly-issued credential variants and presents the
// smallest one that satisfies the request.
func Disclose(certs []auth.Certificate, req auth.RequestedCertificates) []auth.Certificate {
	acceptable := make(map[string]struct{}, len(req.Certifiers))
	for _, c := range req.Certifiers {
		acceptable[strings.ToLower(c)] = struct{}{}
	}
	var out []auth.Certificate
	for _, cert := range certs {
		if _, ok := acceptable[strings.ToLower(cert.Certifier)]; !ok {
			continue
		}
		wanted, ok := req.Types[cert.Type]
		if !ok {
			continue
		}
		complete := true
		for _, f := range wanted {
			if cert.Fields[f] == "" {
				complete = false
				break
			}
		}
		if complete {
			out = append(out, cert)
		}
	}
	return out
}

// WalletValidator verifies certificate signatures with a wallet and enforces
// the certifier and field policy. The certifier signs the canonical byte
// encoding of the disclosed certificate, so the signature covers exactly the
// fields revealed.
type WalletValidator struct {
	Wallet wallet.Wallet
}

func (v WalletValidator) Validate(cert auth.Certificate, requiredCertifiers []string, requiredFields []string) bool {
	certifier, err := auth.ParseIdentity(cert.Certifier)
	if err != nil {
		return false
	}
	allowed := false
	for _, c := range requiredCertifiers {
		if strings.EqualFold(c, cert.Certifier) {
			allowed = true
			break
		}
	}
	if !allowed {
		return false
	}
	for _, f := range requiredFields {
		if cert.Fields[f] == "" {
			return false
		}
	}
	sig, err := auth.DecodeSignature(cert.Signature)
	if err != nil {
		return false
	}
	return v.Wallet.Verify(certifier, SigInput(cert), sig)
}

// SigInput is the canonical byte encoding a certifier signs: type, subject,
// certifier, then fields in sorted order.
func SigInput(cert auth.Certificate) []byte {
	keys := make([]string, 0, len(cert.Fields))
	for k := range cert.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(cert.Type)
	b.WriteByte('\n')
	b.WriteString(cert.Subject)
	b.WriteByte('\n')
	b.WriteString(cert.Certifier)
	for _, k := range keys {
		b.WriteByte('\n')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(cert.Fields[k])
	}
	return []byte(b.String())
}

// Issue signs a certificate with the certifier's wallet, producing a
// credential the subject can later present. Issuing with a restricted field
// map is how a subject obtains a narrow variant for selective disclosure.
func Issue(certifier wallet.Wallet, certType string, subject auth.Identity, fields map[string]string) (auth.Certificate, error) {
	cert := auth.Certificate{
		Type:      certType,
		Subject:   subject.Hex(),
		Certifier: certifier.IdentityKey().Hex(),
		Fields:    fields,
	}
	sig, err := certifier.Sign(SigInput(cert))
	if err != nil {
		return auth.Certificate{}, err
	}
	cert.Signature = auth.EncodeSignature(sig)
	return cert, nil
}
