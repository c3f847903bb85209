package reconcile

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// Cluster health metrics
	nodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "meshadm",
			Subsystem: "cluster",
			Name:      "nodes_total",
			Help:      "Number of roster nodes by role",
		},
		[]string{"cluster", "role"},
	)

	nodesReady = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "meshadm",
			Subsystem: "cluster",
			Name:      "nodes_ready",
			Help:      "Number of nodes reporting a true Ready condition by role",
		},
		[]string{"cluster", "role"},
	)

	cniHealthy = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "meshadm",
			Subsystem: "cluster",
			Name:      "cni_healthy",
			Help:      "Whether the CNI DaemonSet has every scheduled pod ready (1) or not (0)",
		},
		[]string{"cluster"},
	)

	// Reconcile loop metrics
	remediationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "meshadm",
			Subsystem: "reconcile",
			Name:      "remediations_total",
			Help:      "Total number of network reattachments by node and result",
		},
		[]string{"cluster", "node", "result"},
	)

	passDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "meshadm",
			Subsystem: "reconcile",
			Name:      "pass_duration_seconds",
			Help:      "Duration of a reconcile pass in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
		},
		[]string{"cluster"},
	)
)

func init() {
	prometheus.MustRegister(
		nodesTotal,
		nodesReady,
		cniHealthy,
		remediationsTotal,
		passDuration,
	)
}

// recordNodeCountsMetric records per-role readiness gauges.
func recordNodeCountsMetric(cluster, role string, total, ready int) {
	nodesTotal.WithLabelValues(cluster, role).Set(float64(total))
	nodesReady.WithLabelValues(cluster, role).Set(float64(ready))
}

// recordCNIHealthMetric records the CNI DaemonSet health.
func recordCNIHealthMetric(cluster string, healthy bool) {
	if healthy {
		cniHealthy.WithLabelValues(cluster).Set(1)
	} else {
		cniHealthy.WithLabelValues(cluster).Set(0)
	}
}

// recordRemediationMetric records one remediation outcome.
func recordRemediationMetric(cluster, node, result string) {
	remediationsTotal.WithLabelValues(cluster, node, result).Inc()
}

// recordPassDurationMetric records how long a full pass took.
func recordPassDurationMetric(cluster string, duration float64) {
	passDuration.WithLabelValues(cluster).Observe(duration)
}

func (r *Reconciler) recordNodeCounts(role string, total, ready int) {
	if r.enableMetrics {
		recordNodeCountsMetric(r.cfg.ClusterName, role, total, ready)
	}
}

func (r *Reconciler) recordCNIHealth(healthy bool) {
	if r.enableMetrics {
		recordCNIHealthMetric(r.cfg.ClusterName, healthy)
	}
}

func (r *Reconciler) recordRemediation(node, result string) {
	if r.enableMetrics {
		recordRemediationMetric(r.cfg.ClusterName, node, result)
	}
}

func (r *Reconciler) recordPassDuration(duration float64) {
	if r.enableMetrics {
		recordPassDurationMetric(r.cfg.ClusterName, duration)
	}
}
