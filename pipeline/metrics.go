package pipeline

import (
	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	outcomeOK     = "ok"
	outcomeFailed = "failed"
)

type metrics struct {
	batches   *prometheus.CounterVec
	committed *prometheus.CounterVec
	batchSize prometheus.Histogram
	active    prometheus.Gauge
}

func newMetrics() *metrics {
	return &metrics{
		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "txnorder_batches_total",
			Help: "Total number of batches committed by the orderer",
		}, []string{"outcome"}),
		committed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "txnorder_committed_txns_total",
			Help: "Total number of transactions committed by the orderer",
		}, []string{"outcome"}),
		batchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "txnorder_batch_size",
			Help:    "Number of transactions per committed batch",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "txnorder_active_txns",
			Help: "Transactions added to the orderer and not yet committed",
		}),
	}
}

func (m *metrics) register(r prometheus.Registerer) error {
	if r == nil {
		return nil
	}
	for _, c := range []prometheus.Collector{m.batches, m.committed, m.batchSize, m.active} {
		if err := r.Register(c); err != nil {
			return errors.WithStack(err)
		}
	}
	return nil
}

func (m *metrics) observeBatch(size int, failed bool) {
	outcome := outcomeOK
	if failed {
		outcome = outcomeFailed
	}
	m.batches.WithLabelValues(outcome).Inc()
	m.committed.WithLabelValues(outcome).Add(float64(size))
	m.batchSize.Observe(float64(size))
}
