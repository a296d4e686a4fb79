// Package engine assembles the protocol components into one unit: nonce
// registries (one per namespace), session store, handshake engine,
// certificate exchange, payment verifier and message router.
package engine

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"peergate/internal/auth"
	"peergate/internal/certs"
	"peergate/internal/handshake"
	"peergate/internal/metrics"
	"peergate/internal/noncereg"
	"peergate/internal/payment"
	"peergate/internal/router"
	"peergate/internal/session"
	"peergate/internal/wallet"
)

type Options struct {
	Wallet wallet.Wallet

	// AllowUnauthenticated permits pass-through of session-less general
	// messages with the reserved "unknown" identity. Defaults to false:
	// the policy choice must be explicit.
	AllowUnauthenticated bool

	CertificatesToRequest *auth.RequestedCertificates
	PresentableCerts      []auth.Certificate
	CertificateValidator  certs.Validator

	IdleTimeout    time.Duration
	NonceRetention time.Duration

	Registry prometheus.Registerer
	Logger   *zap.Logger
}

type Engine struct {
	Router   *router.Router
	Sessions *session.Store
	Certs    *certs.Exchange
	Payments *payment.Verifier
	Metrics  *metrics.Metrics

	handshake *handshake.Engine
	idle      time.Duration
	log       *zap.Logger
	stop      chan struct{}
}

func New(opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = handshake.DefaultIdleTimeout
	}
	if opts.NonceRetention < opts.IdleTimeout {
		opts.NonceRetention = noncereg.DefaultRetention
	}

	m := metrics.New(opts.Registry)
	sessions := session.NewStore()
	authNonces := noncereg.New(noncereg.NamespaceAuth, opts.NonceRetention)
	payNonces := noncereg.New(noncereg.NamespacePayment, opts.NonceRetention)

	hs := handshake.New(handshake.Options{
		Wallet:                opts.Wallet,
		Sessions:              sessions,
		Nonces:                authNonces,
		Metrics:               m,
		CertificatesToRequest: opts.CertificatesToRequest,
		IdleTimeout:           opts.IdleTimeout,
		Logger:                opts.Logger,
	})

	validator := opts.CertificateValidator
	if validator == nil {
		validator = certs.WalletValidator{Wallet: opts.Wallet}
	}
	exchange := certs.New(certs.Options{
		Engine:      hs,
		Sessions:    sessions,
		Validator:   validator,
		Requested:   opts.CertificatesToRequest,
		Presentable: opts.PresentableCerts,
		Logger:      opts.Logger,
	})
	hs.UseCertificateCarrier(exchange)

	verifier := payment.NewVerifier(payment.Options{
		Wallet:  opts.Wallet,
		Nonces:  payNonces,
		Metrics: m,
		Logger:  opts.Logger,
	})

	rt := router.New(router.Options{
		Handshake:            hs,
		Certs:                exchange,
		Payments:             verifier,
		AllowUnauthenticated: opts.AllowUnauthenticated,
		Logger:               opts.Logger,
	})

	return &Engine{
		Router:    rt,
		Sessions:  sessions,
		Certs:     exchange,
		Payments:  verifier,
		Metrics:   m,
		handshake: hs,
		idle:      opts.IdleTimeout,
		log:       opts.Logger,
		stop:      make(chan struct{}),
	}
}

// Handshake exposes the state machine for peer-initiated (client-side) use.
func (e *Engine) Handshake() *handshake.Engine {
	return e.handshake
}

// StartEvictor launches the idle-session sweep. Abandoned handshakes stay
// CHALLENGED until this removes them.
func (e *Engine) StartEvictor(interval time.Duration) {
	if interval <= 0 {
		interval = e.idle / 4
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n := e.Sessions.EvictIdle(e.idle); n > 0 {
					e.Metrics.SessionsEvicted.Add(float64(n))
					e.log.Debug("evicted idle sessions", zap.Int("count", n))
				}
			case <-e.stop:
				return
			}
		}
	}()
}

// Close stops the evictor.
func (e *Engine) Close() {
	close(e.stop)
}
