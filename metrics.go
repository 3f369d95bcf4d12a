package apitally

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// metricsRegistry resolves where agent metrics go. Without a registerer a
// private registry is used so /metrics still works.
func metricsRegistry(reg prometheus.Registerer) (prometheus.Registerer, prometheus.Gatherer) {
	if reg == nil {
		private := prometheus.NewRegistry()
		return private, private
	}
	gatherer, _ := reg.(prometheus.Gatherer)
	return reg, gatherer
}

// registerAgentMetrics registers gauges describing the agent's queues.
func registerAgentMetrics(c *Client, reg prometheus.Registerer) {
	collectors := []prometheus.Collector{
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "apitally",
			Name:      "sync_queued_payloads",
			Help:      "Sync payloads awaiting delivery to the hub",
		}, func() float64 { return float64(c.syncer.QueuedPayloads()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "apitally",
			Name:      "requestlog_pending_items",
			Help:      "Request log items not yet written to a batch file",
		}, func() float64 { return float64(c.requestLog.PendingItems()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "apitally",
			Name:      "requestlog_ready_files",
			Help:      "Request log batch files awaiting delivery",
		}, func() float64 { return float64(c.requestLog.ReadyFiles()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "apitally",
			Name:      "spans_dropped_total",
			Help:      "Spans discarded because a trace exceeded the per-request cap",
		}, func() float64 { return float64(c.spans.DroppedSpans()) }),
	}
	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			c.logger.Debug("agent metric not registered", zap.Error(err))
		}
	}
}
