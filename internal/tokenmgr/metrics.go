package tokenmgr

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics instruments the refresh engine. All methods are nil-receiver safe
// so instrumentation stays optional.
type Metrics struct {
	tokenReads     *prometheus.CounterVec
	refreshes      *prometheus.CounterVec
	lockContention prometheus.Counter
}

// NewMetrics registers the refresh engine collectors with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		tokenReads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "token_reads_total",
			Help: "Access token read attempts by outcome",
		}, []string{"outcome"}),
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "token_refreshes_total",
			Help: "Credential refresh attempts by outcome",
		}, []string{"outcome"}),
		lockContention: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "refresh_lock_contention_total",
			Help: "Times the refresh lock was already held by a peer",
		}),
	}
	reg.MustRegister(m.tokenReads, m.refreshes, m.lockContention)
	return m
}

func (m *Metrics) observeRead(outcome string) {
	if m == nil {
		return
	}
	m.tokenReads.WithLabelValues(outcome).Inc()
}

func (m *Metrics) observeRefresh(outcome string) {
	if m == nil {
		return
	}
	m.refreshes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) observeLockContention() {
	if m == nil {
		return
	}
	m.lockContention.Inc()
}
