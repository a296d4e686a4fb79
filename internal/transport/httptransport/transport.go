// Package httptransport adapts the abstract message protocol to HTTP.
//
// Non-general messages (handshake and certificate exchange) are POSTed as
// JSON to the well-known auth endpoint. General requests are ordinary HTTP
// requests carrying the auth fields as headers; their signature covers the
// session nonce pair plus a canonical digest of the request itself.
package httptransport

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"golang.org/x/crypto/sha3"

	"peergate/internal/auth"
	"peergate/internal/engine"
	"peergate/internal/payment"
	"peergate/internal/router"
)

// PriceFunc declares the price of a request in satoshis. Returning 0 marks
// the request free: the payment verifier is never invoked for it.
type PriceFunc func(r *http.Request) uint64

// maxBodySize bounds buffered request bodies for signature checking.
const maxBodySize = 1 << 20

type Options struct {
	Engine  *engine.Engine
	Pricing PriceFunc
	Logger  *zap.Logger
}

type Transport struct {
	engine  *engine.Engine
	pricing PriceFunc
	log     *zap.Logger
}

func New(opts Options) *Transport {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Pricing == nil {
		opts.Pricing = func(*http.Request) uint64 { return 0 }
	}
	return &Transport{
		engine:  opts.Engine,
		pricing: opts.Pricing,
		log:     opts.Logger,
	}
}

// Routes returns the protocol endpoint router, mounted by the caller at /.
func (t *Transport) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post(WellKnownAuthPath, t.handleWellKnown)
	return r
}

// WellKnown is the handshake endpoint handler for callers that register
// routes themselves.
func (t *Transport) WellKnown() http.HandlerFunc {
	return t.handleWellKnown
}

// handleWellKnown processes handshake and certificate messages.
func (t *Transport) handleWellKnown(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, auth.MaxMessageSize+1))
	if err != nil {
		writeError(w, auth.ErrProtocolMalformed, nil)
		return
	}
	msg, err := auth.DecodeMessage(body)
	if err != nil {
		writeError(w, err, nil)
		return
	}
	if msg.MessageType == auth.MsgTypeGeneral {
		// General messages travel as normal requests through the
		// middleware, never through this endpoint.
		writeError(w, auth.ErrProtocolMalformed, nil)
		return
	}

	decision := t.engine.Router.Route(router.Request{Message: msg})
	if decision.Err != nil {
		writeError(w, decision.Err, decision.Terms)
		return
	}
	if decision.Reply == nil {
		w.WriteHeader(http.StatusOK)
		return
	}
	setAuthHeaders(w, *decision.Reply)
	writeJSON(w, http.StatusOK, decision.Reply)
}

// Middleware authenticates (and, for priced resources, meters) every
// request before handing it to the next handler with an attached context.
func (t *Transport) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == WellKnownAuthPath {
			t.handleWellKnown(w, r)
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
		if err != nil {
			writeError(w, auth.ErrProtocolMalformed, nil)
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		target := r.URL.RequestURI()
		msg := auth.AuthMessage{
			Version:     r.Header.Get(HeaderVersion),
			MessageType: auth.MsgTypeGeneral,
			IdentityKey: r.Header.Get(HeaderIdentityKey),
			Nonce:       r.Header.Get(HeaderNonce),
			YourNonce:   r.Header.Get(HeaderYourNonce),
			Signature:   r.Header.Get(HeaderSignature),
			Payload:     RequestPayload(r.Method, target, body),
		}

		req := router.Request{
			Message:    msg,
			ResourceID: ResourceID(r.Method, target),
			Price:      t.pricing(r),
		}
		if raw := r.Header.Get(HeaderPayment); raw != "" {
			artifact, err := payment.ParseArtifact([]byte(raw))
			if err != nil {
				writeError(w, err, nil)
				return
			}
			req.Payment = &artifact
		}

		decision := t.engine.Router.Route(req)
		if decision.Err != nil {
			writeError(w, decision.Err, decision.Terms)
			return
		}
		if decision.Context == nil {
			// The router never replies to a general message with a
			// protocol message in the HTTP adapter.
			writeError(w, auth.ErrProtocolMalformed, nil)
			return
		}

		if decision.Context.Payment != nil {
			w.Header().Set(HeaderPaymentSatoshisPaid,
				strconv.FormatUint(decision.Context.Payment.SatoshisPaid, 10))
		}
		ctx := context.WithValue(r.Context(), authContextKey{}, decision.Context)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequestPayload is the canonical byte string a general HTTP request's
// signature covers, alongside the session nonce pair: method, request target
// (path with query) and a SHA3-256 digest of the body. Both sides compute it
// independently.
func RequestPayload(method, target string, body []byte) []byte {
	digest := sha3.Sum256(body)
	return []byte(method + "\n" + target + "\n" + hex.EncodeToString(digest[:]))
}

// ResourceID is the logical endpoint identifier used in derivation bindings.
// The target includes the query string, so query variants of an endpoint
// bind and price independently.
func ResourceID(method, target string) string {
	return method + " " + target
}

type authContextKey struct{}

// FromContext returns the authentication context the middleware attached.
func FromContext(ctx context.Context) (*router.Context, bool) {
	c, ok := ctx.Value(authContextKey{}).(*router.Context)
	return c, ok
}

// IdentityFromContext returns the peer identity in hex, or "unknown".
func IdentityFromContext(ctx context.Context) string {
	if c, ok := FromContext(ctx); ok {
		return c.IdentityKey
	}
	return auth.UnknownIdentity
}

// PaymentFromContext returns the verified payment result, if any.
func PaymentFromContext(ctx context.Context) *payment.Result {
	if c, ok := FromContext(ctx); ok {
		return c.Payment
	}
	return nil
}

// CertificatesFromContext returns the session's verified certificates.
func CertificatesFromContext(ctx context.Context) []auth.Certificate {
	if c, ok := FromContext(ctx); ok {
		return c.Certificates
	}
	return nil
}

type errorBody struct {
	Status           string `json:"status"`
	Code             string `json:"code"`
	Description      string `json:"description"`
	SatoshisRequired uint64 `json:"satoshisRequired,omitempty"`
	DerivationPrefix string `json:"derivationPrefix,omitempty"`
}

func writeError(w http.ResponseWriter, err error, terms *payment.Terms) {
	var perr *auth.ProtocolError
	if !errors.As(err, &perr) {
		perr = auth.ErrServerMisconfigured
	}
	body := errorBody{
		Status:      "error",
		Code:        perr.Code,
		Description: perr.Reason,
	}
	if terms != nil {
		body.Code = auth.CodePaymentRequired
		body.Description = "A payment is required to complete this request."
		body.SatoshisRequired = terms.SatoshisRequired
		body.DerivationPrefix = terms.DerivationPrefix
		w.Header().Set(HeaderPaymentVersion, payment.ProtocolVersion)
		w.Header().Set(HeaderPaymentSatoshisRequired, strconv.FormatUint(terms.SatoshisRequired, 10))
		w.Header().Set(HeaderPaymentDerivationPrefix, terms.DerivationPrefix)
		writeJSON(w, http.StatusPaymentRequired, body)
		return
	}
	writeJSON(w, perr.Status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func setAuthHeaders(w http.ResponseWriter, msg auth.AuthMessage) {
	w.Header().Set(HeaderVersion, msg.Version)
	w.Header().Set(HeaderMessageType, msg.MessageType)
	w.Header().Set(HeaderIdentityKey, msg.IdentityKey)
	if msg.Nonce != "" {
		w.Header().Set(HeaderNonce, msg.Nonce)
	}
	if msg.YourNonce != "" {
		w.Header().Set(HeaderYourNonce, msg.YourNonce)
	}
	if msg.Signature != "" {
		w.Header().Set(HeaderSignature, msg.Signature)
	}
}
