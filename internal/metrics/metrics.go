// Package metrics exposes protocol outcome counters.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	HandshakesCompleted prometheus.Counter
	AuthRejections      *prometheus.CounterVec
	NonceReplays        *prometheus.CounterVec
	PaymentsAccepted    prometheus.Counter
	PaymentsRejected    *prometheus.CounterVec
	SatoshisAccepted    prometheus.Counter
	SessionsEvicted     prometheus.Counter
}

// New registers peergate counters with reg. Pass nil to keep the metrics
// unregistered (library use, tests).
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		HandshakesCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "peergate_handshakes_completed_total",
			Help: "Mutual handshakes that reached the authenticated state.",
		}),
		AuthRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "peergate_auth_rejections_total",
			Help: "Authentication rejections by wire code.",
		}, []string{"code"}),
		NonceReplays: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "peergate_nonce_replays_total",
			Help: "Replayed nonces blocked, by namespace.",
		}, []string{"namespace"}),
		PaymentsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "peergate_payments_accepted_total",
			Help: "Payment artifacts accepted end to end.",
		}),
		PaymentsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "peergate_payments_rejected_total",
			Help: "Payment artifacts rejected, by wire code.",
		}, []string{"code"}),
		SatoshisAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "peergate_satoshis_accepted_total",
			Help: "Total confirmed satoshis across accepted payments.",
		}),
		SessionsEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "peergate_sessions_evicted_total",
			Help: "Sessions evicted after the idle timeout.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.HandshakesCompleted,
			m.AuthRejections,
			m.NonceReplays,
			m.PaymentsAccepted,
			m.PaymentsRejected,
			m.SatoshisAccepted,
			m.SessionsEvicted,
		)
	}
	return m
}
