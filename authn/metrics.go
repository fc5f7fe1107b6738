package authn

import "github.com/prometheus/client_golang/prometheus"

// Refresh outcomes, used as the "outcome" label.
const (
	OutcomeSuccess         = "success"
	OutcomeReplayed        = "replayed"
	OutcomeNetworkError    = "network_error"
	OutcomeRejected        = "rejected"
	OutcomeInvalidResponse = "invalid_response"
	OutcomeServerError     = "server_error"
	OutcomeNoCredentials   = "no_credentials"
	OutcomeDepthExceeded   = "depth_exceeded"
	OutcomeAuthEndpoint    = "auth_endpoint"
	OutcomeCanceled        = "canceled"
	OutcomeNotReplayable   = "not_replayable"
)

// Metrics counts Authenticator decisions.
type Metrics struct {
	decisions *prometheus.CounterVec
}

// NewMetrics creates the counters and registers them with reg, if non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pature",
			Name:      "token_refresh_total",
			Help:      "Decisions taken by the token re-authenticator after a 401, by outcome.",
		}, []string{"outcome"}),
	}
	if reg != nil {
		reg.MustRegister(m.decisions)
	}
	return m
}

// Decisions exposes the counter vector (tests and custom registries).
func (m *Metrics) Decisions() *prometheus.CounterVec { return m.decisions }

func (m *Metrics) observe(outcome string) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(outcome).Inc()
}
