package infra

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "txflow"

// Metrics groups the collectors updated by a Client
type Metrics struct {
	EndorsementResponses *prometheus.CounterVec
	Transactions         *prometheus.CounterVec
	StageLatency         *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them with reg unless reg is nil
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EndorsementResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "endorsement_responses_total",
			Help:      "Endorsement responses received, by endorser and status code.",
		}, []string{"endorser", "status"}),
		Transactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "transactions_total",
			Help:      "Transactions by terminal outcome.",
		}, []string{"outcome"}),
		StageLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "stage_latency_seconds",
			Help:      "Latency of each pipeline stage.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
		}, []string{"stage"}),
	}

	if reg != nil {
		reg.MustRegister(m.EndorsementResponses, m.Transactions, m.StageLatency)
	}
	return m
}

func (m *Metrics) AddResponse(r *EndorsementResponse) {
	m.EndorsementResponses.WithLabelValues(r.Endorser, strconv.Itoa(int(r.Status))).Inc()
}

func (m *Metrics) AddOutcome(o Outcome) {
	m.Transactions.WithLabelValues(o.String()).Inc()
}

// ObserveTimes exports the stages a transaction went through
func (m *Metrics) ObserveTimes(tk *TimeKeeper) {
	if d := tk.EndorseLatency(); d > 0 {
		m.StageLatency.WithLabelValues("endorse").Observe(d.Seconds())
	}
	if d := tk.SubmitLatency(); d > 0 {
		m.StageLatency.WithLabelValues("submit").Observe(d.Seconds())
	}
	if d := tk.OrderCommitLatency(); d > 0 {
		m.StageLatency.WithLabelValues("order_commit").Observe(d.Seconds())
	}
	if d := tk.TotalLatency(); d > 0 {
		m.StageLatency.WithLabelValues("total").Observe(d.Seconds())
	}
}
