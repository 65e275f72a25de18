package smtpd

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mailgrove/smtpd/dkim"
	"github.com/mailgrove/smtpd/spf"
)

// Metrics groups the Prometheus collectors the ambient stack registers for one Server.
// Registration happens at construction (NewMetrics); serving them over HTTP is left to the
// embedder, consistent with the framework never opening an HTTP listener of its own.
type Metrics struct {
	Registry *prometheus.Registry

	ConnectionsAccepted prometheus.Counter
	ConnectionsRejected prometheus.Counter
	CommandsProcessed   *prometheus.CounterVec
	MessagesReceived    prometheus.Counter
	AuthFailures        prometheus.Counter
	SPFResults          *prometheus.CounterVec
	DKIMResults         *prometheus.CounterVec
}

// NewMetrics constructs and registers a fresh set of collectors under their own registry, so
// multiple Server instances in the same process do not collide on metric names.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		ConnectionsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "smtpd_connections_accepted_total",
			Help: "Total number of accepted TCP connections.",
		}),
		ConnectionsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "smtpd_connections_rejected_total",
			Help: "Total number of connections rejected by rate limiting or the concurrency cap.",
		}),
		CommandsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smtpd_commands_processed_total",
			Help: "Total number of SMTP commands processed, labeled by verb.",
		}, []string{"verb"}),
		MessagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "smtpd_messages_received_total",
			Help: "Total number of messages accepted via on_email.",
		}),
		AuthFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "smtpd_auth_failures_total",
			Help: "Total number of AUTH attempts rejected by on_auth.",
		}),
		SPFResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smtpd_spf_results_total",
			Help: "Total number of SPF evaluations, labeled by result.",
		}, []string{"result"}),
		DKIMResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smtpd_dkim_results_total",
			Help: "Total number of DKIM verifications, labeled by outcome.",
		}, []string{"result"}),
	}
	reg.MustRegister(
		m.ConnectionsAccepted,
		m.ConnectionsRejected,
		m.CommandsProcessed,
		m.MessagesReceived,
		m.AuthFailures,
		m.SPFResults,
		m.DKIMResults,
	)
	return m
}

// RecordSPFResult increments the SPF counter for result.Code. Handlers that run their own
// spf.CheckHost from on_mail_cmd call this explicitly; the protocol engine never runs SPF
// itself, since the policy domain (HELO name vs envelope sender, which mechanisms to trust)
// is the embedder's call.
func (m *Metrics) RecordSPFResult(result spf.Result) {
	m.SPFResults.WithLabelValues(string(result.Code)).Inc()
}

// RecordDKIMResult increments the DKIM counter for a verification outcome.
func (m *Metrics) RecordDKIMResult(result dkim.VerifyResult) {
	label := "fail"
	if result.Valid {
		label = "pass"
	}
	m.DKIMResults.WithLabelValues(label).Inc()
}
