package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts pool and cleanup operations by outcome.
type Metrics struct {
	poolOperations    *prometheus.CounterVec
	cleanupOperations *prometheus.CounterVec
}

// NewMetrics registers the operation counters with registerer.
func NewMetrics(registerer prometheus.Registerer) (*Metrics, error) {
	metrics := &Metrics{
		poolOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "envpool",
			Name:      "pool_operations_total",
			Help:      "Pool operations by operation and status.",
		}, []string{"operation", "status"}),
		cleanupOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "envpool",
			Name:      "cleanup_operations_total",
			Help:      "Cleanup steps by operation, resource type and status.",
		}, []string{"operation", "resource_type", "status"}),
	}
	for _, collector := range []prometheus.Collector{metrics.poolOperations, metrics.cleanupOperations} {
		if err := registerer.Register(collector); err != nil {
			return nil, err
		}
	}
	return metrics, nil
}

func (metrics *Metrics) countPool(operation string, status string) {
	if metrics == nil {
		return
	}
	metrics.poolOperations.WithLabelValues(operation, status).Inc()
}

func (metrics *Metrics) countCleanup(operation string, resourceType string, status string) {
	if metrics == nil {
		return
	}
	metrics.cleanupOperations.WithLabelValues(operation, resourceType, status).Inc()
}
