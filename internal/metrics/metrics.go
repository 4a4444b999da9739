// Package metrics registers the operator's Prometheus series against
// controller-runtime's own metrics registry, matching spec §ambient stack.
// Series names and labels mirror the original operator's metrics.py.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"sigs.k8s.io/controller-runtime/pkg/metrics"
)

var (
	MachinesTotal = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "nio_machines_total",
		Help: "Total number of managed machines",
	}, []string{"namespace"})

	MachinesDiscoverable = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "nio_machines_discoverable",
		Help: "Number of discoverable machines",
	}, []string{"namespace"})

	MachinesWithConfiguration = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "nio_machines_with_configuration",
		Help: "Number of machines with applied configuration",
	}, []string{"namespace"})

	ConfigurationsTotal = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "nio_configurations_total",
		Help: "Total number of NixOS configurations",
	}, []string{"namespace"})

	ConfigurationsApplied = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nio_configurations_applied_total",
		Help: "Total number of successful configuration applications",
	}, []string{"namespace", "machine"})

	ConfigurationsFailed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nio_configurations_failed_total",
		Help: "Total number of failed configuration applications",
	}, []string{"namespace", "machine", "reason"})

	ReconcileDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "nio_reconcile_duration_seconds",
		Help:    "Time spent reconciling configurations",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600},
	}, []string{"namespace", "configuration"})

	ReconcileErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nio_reconcile_errors_total",
		Help: "Total number of reconciliation errors",
	}, []string{"namespace", "configuration", "error_type"})

	SSHConnectionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nio_ssh_connections_total",
		Help: "Total number of SSH connection attempts",
	}, []string{"namespace", "machine", "result"})

	SSHConnectionDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "nio_ssh_connection_duration_seconds",
		Help:    "Time to establish SSH connections",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"namespace", "machine"})

	GitClonesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nio_git_clones_total",
		Help: "Total number of Git clone operations",
	}, []string{"namespace", "repository", "result"})

	GitCloneDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "nio_git_clone_duration_seconds",
		Help:    "Time to clone Git repositories",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300},
	}, []string{"namespace", "repository"})

	NixosBuildsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nio_nixos_builds_total",
		Help: "Total number of NixOS builds",
	}, []string{"namespace", "machine", "build_type", "result"})

	NixosBuildDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "nio_nixos_build_duration_seconds",
		Help:    "Time to build and apply NixOS configurations",
		Buckets: []float64{60, 300, 600, 1200, 1800, 3600, 7200},
	}, []string{"namespace", "machine", "build_type"})

	RetriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nio_retries_total",
		Help: "Total number of operation retries",
	}, []string{"operation", "attempt"})

	RetriesExhausted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nio_retries_exhausted_total",
		Help: "Total number of operations that exhausted all retries",
	}, []string{"operation"})

	ErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nio_errors_total",
		Help: "Total number of errors by type",
	}, []string{"error_type", "component"})

	ValidationErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nio_validation_errors_total",
		Help: "Total number of input validation errors",
	}, []string{"validation_type", "field"})
)

func init() {
	metrics.Registry.MustRegister(
		MachinesTotal,
		MachinesDiscoverable,
		MachinesWithConfiguration,
		ConfigurationsTotal,
		ConfigurationsApplied,
		ConfigurationsFailed,
		ReconcileDuration,
		ReconcileErrors,
		SSHConnectionsTotal,
		SSHConnectionDuration,
		GitClonesTotal,
		GitCloneDuration,
		NixosBuildsTotal,
		NixosBuildDuration,
		RetriesTotal,
		RetriesExhausted,
		ErrorsTotal,
		ValidationErrors,
	)
}

// RecordSSHConnection mirrors record_ssh_connection: increments the result
// counter, and the duration histogram only on success.
func RecordSSHConnection(namespace, machine string, success bool, durationSeconds float64) {
	result := "failure"
	if success {
		result = "success"
	}
	SSHConnectionsTotal.WithLabelValues(namespace, machine, result).Inc()
	if success {
		SSHConnectionDuration.WithLabelValues(namespace, machine).Observe(durationSeconds)
	}
}

// RecordGitClone mirrors record_git_clone.
func RecordGitClone(namespace, repository string, success bool, durationSeconds float64) {
	result := "failure"
	if success {
		result = "success"
	}
	GitClonesTotal.WithLabelValues(namespace, repository, result).Inc()
	if success {
		GitCloneDuration.WithLabelValues(namespace, repository).Observe(durationSeconds)
	}
}

// RecordNixosBuild mirrors record_nixos_build.
func RecordNixosBuild(namespace, machine, buildType string, success bool, durationSeconds float64) {
	result := "failure"
	if success {
		result = "success"
	}
	NixosBuildsTotal.WithLabelValues(namespace, machine, buildType, result).Inc()
	if success {
		NixosBuildDuration.WithLabelValues(namespace, machine, buildType).Observe(durationSeconds)
	}
}
