package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Pool metrics
	PoolVMs = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "flotilla_pool_vms",
			Help: "Number of pooled VMs by lifecycle status",
		},
		[]string{"status"},
	)

	PoolClaimsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flotilla_pool_claims_total",
			Help: "Total number of pool claim attempts by outcome (hit = warm VM handed out, miss = pool empty)",
		},
		[]string{"outcome"},
	)

	// Provisioning metrics
	ProvisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flotilla_provisions_total",
			Help: "Total number of instance provisioning attempts by outcome",
		},
		[]string{"outcome"},
	)

	ProvisionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "flotilla_provision_duration_seconds",
			Help:    "Time from create request to started instance in seconds",
			Buckets: []float64{15, 30, 60, 120, 240, 480, 900},
		},
	)

	AllocationWait = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "flotilla_allocation_wait_seconds",
			Help:    "Time spent polling for an instance network allocation in seconds",
			Buckets: []float64{10, 20, 30, 60, 90, 120, 180},
		},
	)

	// Node selection metrics
	CandidateNodes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "flotilla_candidate_nodes",
			Help: "Number of viable compute nodes after the last ranking pass",
		},
	)

	BlacklistedNodes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "flotilla_blacklisted_nodes",
			Help: "Number of compute nodes currently blacklisted",
		},
	)

	// Deployment metrics
	DeploysTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flotilla_deploys_total",
			Help: "Total number of agent deployments by mode and outcome",
		},
		[]string{"mode", "outcome"},
	)

	DeployDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "flotilla_deploy_duration_seconds",
			Help:    "Agent deployment duration in seconds by mode",
			Buckets: []float64{30, 60, 120, 240, 480, 900},
		},
		[]string{"mode"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flotilla_api_requests_total",
			Help: "Total number of admin API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "flotilla_api_request_duration_seconds",
			Help:    "Admin API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(PoolVMs)
	prometheus.MustRegister(PoolClaimsTotal)
	prometheus.MustRegister(ProvisionsTotal)
	prometheus.MustRegister(ProvisionDuration)
	prometheus.MustRegister(AllocationWait)
	prometheus.MustRegister(CandidateNodes)
	prometheus.MustRegister(BlacklistedNodes)
	prometheus.MustRegister(DeploysTotal)
	prometheus.MustRegister(DeployDuration)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
