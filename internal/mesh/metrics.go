package mesh

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespaceWeft = "weft"
	subsystemSync = "sync"

	labelReason = "reason"
	labelRole   = "role"
)

// Metrics collects sync counters for every coordinator of a node.
// A nil *Metrics records nothing.
type Metrics struct {
	requestsSent      prometheus.Counter
	requestsCancelled *prometheus.CounterVec
	requestsRejected  *prometheus.CounterVec
	responsesSent     prometheus.Counter
	literalsSent      prometheus.Counter
	literalsReceived  prometheus.Counter
	opsFetched        prometheus.Counter
	activeRequests    *prometheus.GaugeVec
}

// NewMetrics registers the sync collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		requestsSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespaceWeft,
			Subsystem: subsystemSync,
			Name:      "requests_sent_total",
			Help:      "the number of history requests sent to peers",
		}),
		requestsCancelled: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespaceWeft,
			Subsystem: subsystemSync,
			Name:      "requests_cancelled_total",
			Help:      "the number of requests cancelled, by side and reason",
		}, []string{labelRole, labelReason}),
		requestsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespaceWeft,
			Subsystem: subsystemSync,
			Name:      "requests_rejected_total",
			Help:      "the number of requests rejected, by side and reason",
		}, []string{labelRole, labelReason}),
		responsesSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespaceWeft,
			Subsystem: subsystemSync,
			Name:      "responses_sent_total",
			Help:      "the number of responses sent to peers",
		}),
		literalsSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespaceWeft,
			Subsystem: subsystemSync,
			Name:      "literals_sent_total",
			Help:      "the number of literals streamed to peers",
		}),
		literalsReceived: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespaceWeft,
			Subsystem: subsystemSync,
			Name:      "literals_received_total",
			Help:      "the number of literals received from peers",
		}),
		opsFetched: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespaceWeft,
			Subsystem: subsystemSync,
			Name:      "ops_fetched_total",
			Help:      "the number of ops validated and saved from peers",
		}),
		activeRequests: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespaceWeft,
			Subsystem: subsystemSync,
			Name:      "active_requests",
			Help:      "the number of requests in flight, by side",
		}, []string{labelRole}),
	}
}

const (
	rolePuller = "puller"
	roleServer = "server"
)

func (m *Metrics) RequestSent() {
	if m == nil {
		return
	}
	m.requestsSent.Inc()
	m.activeRequests.WithLabelValues(rolePuller).Inc()
}

func (m *Metrics) RequestDone(role string) {
	if m == nil {
		return
	}
	m.activeRequests.WithLabelValues(role).Dec()
}

func (m *Metrics) RequestCancelled(role string, reason CancelReason) {
	if m == nil {
		return
	}
	m.requestsCancelled.With(prometheus.Labels{labelRole: role, labelReason: string(reason)}).Inc()
}

func (m *Metrics) RequestRejected(role string, reason RejectReason) {
	if m == nil {
		return
	}
	m.requestsRejected.With(prometheus.Labels{labelRole: role, labelReason: string(reason)}).Inc()
}

func (m *Metrics) ResponseStarted() {
	if m == nil {
		return
	}
	m.responsesSent.Inc()
	m.activeRequests.WithLabelValues(roleServer).Inc()
}

func (m *Metrics) LiteralSent() {
	if m == nil {
		return
	}
	m.literalsSent.Inc()
}

func (m *Metrics) LiteralReceived() {
	if m == nil {
		return
	}
	m.literalsReceived.Inc()
}

func (m *Metrics) OpFetched() {
	if m == nil {
		return
	}
	m.opsFetched.Inc()
}
