package session

import (
	"github.com/prometheus/client_golang/prometheus"
)

// SessionMetrics tracks edit session activity
type SessionMetrics struct {
	opLatency         *prometheus.HistogramVec
	outcomes          *prometheus.CounterVec
	geometryRequests  *prometheus.CounterVec
	syncFailures      *prometheus.CounterVec
	busyRejections    prometheus.Counter
	schemaViolations  prometheus.Counter
	selectionsChanged prometheus.Counter
}

// NewSessionMetrics initializes metrics and registers them on reg when it is not nil
func NewSessionMetrics(reg prometheus.Registerer) *SessionMetrics {
	m := &SessionMetrics{
		opLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "geoedit_operation_latency_seconds",
			Help:    "Edit operation latency, geometry acquisition included",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 16),
		}, []string{"operation"}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "geoedit_operations_total",
			Help: "Edit operations by result",
		}, []string{"operation", "result"}),
		geometryRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "geoedit_geometry_requests_total",
			Help: "Interactive geometry requests by kind",
		}, []string{"kind"}),
		syncFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "geoedit_sync_failures_total",
			Help: "Remote pushes that failed after a local mutation",
		}, []string{"store"}),
		busyRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "geoedit_busy_rejections_total",
			Help: "Mutating operations rejected while another was running",
		}),
		schemaViolations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "geoedit_schema_violations_total",
			Help: "Features rejected by template or layer schema",
		}),
		selectionsChanged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "geoedit_selection_changes_total",
			Help: "Hit-test selections made or cleared",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.opLatency, m.outcomes, m.geometryRequests, m.syncFailures,
			m.busyRejections, m.schemaViolations, m.selectionsChanged)
	}
	return m
}
