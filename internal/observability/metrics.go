package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics of a rollout run.
// It uses a custom registry to avoid polluting the global default.
type Metrics struct {
	Registry *prometheus.Registry

	// Pipeline metrics
	StepDuration   *prometheus.HistogramVec
	StepTotal      *prometheus.CounterVec
	MutationsTotal *prometheus.CounterVec
	RolloutPhase   *prometheus.GaugeVec
	RolloutOutcome *prometheus.GaugeVec

	// Verification metrics
	VerifyDuration *prometheus.HistogramVec
	PollIterations *prometheus.CounterVec

	// Migration metrics
	MigrationDuration prometheus.Histogram

	// Notification metrics
	NotificationFailures *prometheus.CounterVec

	// Report sink metrics
	ReportSendDuration prometheus.Histogram
	ReportSizeBytes    *prometheus.HistogramVec
	ReportSendTotal    *prometheus.CounterVec
	TransportRetries   prometheus.Counter
}

// NewMetrics creates a new Metrics instance with all Prometheus metrics
// registered on a custom registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	// Verification and migration waits run up to the rollout timeout.
	waitBuckets := prometheus.ExponentialBuckets(1, 2, 10)

	m := &Metrics{
		Registry: reg,

		StepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "deployer_step_duration_seconds",
			Help:    "Duration of rollout pipeline steps in seconds.",
			Buckets: waitBuckets,
		}, []string{"step"}),
		StepTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "deployer_step_total",
			Help: "Total number of pipeline steps by result.",
		}, []string{"step", "result"}),
		MutationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "deployer_mutations_total",
			Help: "Total number of mutating cluster calls issued.",
		}, []string{"operation"}),
		RolloutPhase: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "deployer_rollout_phase",
			Help: "Current rollout phase (1 = active, 0 = inactive).",
		}, []string{"phase"}),
		RolloutOutcome: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "deployer_rollout_outcome",
			Help: "Final rollout outcome (1 = this outcome).",
		}, []string{"outcome"}),

		VerifyDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "deployer_verify_duration_seconds",
			Help:    "Duration of convergence checks in seconds.",
			Buckets: waitBuckets,
		}, []string{"check"}),
		PollIterations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "deployer_poll_iterations_total",
			Help: "Total number of poll iterations by check.",
		}, []string{"check"}),

		MigrationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "deployer_migration_duration_seconds",
			Help:    "Duration of the migration job from submission to terminal status.",
			Buckets: waitBuckets,
		}),

		NotificationFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "deployer_notification_failures_total",
			Help: "Total number of notification deliveries that failed.",
		}, []string{"channel"}),

		ReportSendDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "deployer_report_send_duration_seconds",
			Help:    "Duration of rollout report uploads in seconds.",
			Buckets: prometheus.DefBuckets,
		}),
		ReportSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "deployer_report_size_bytes",
			Help:    "Size of rollout reports in bytes.",
			Buckets: prometheus.ExponentialBuckets(256, 4, 8),
		}, []string{"type"}),
		ReportSendTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "deployer_report_send_total",
			Help: "Total number of rollout report upload attempts.",
		}, []string{"status"}),
		TransportRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "deployer_transport_retries_total",
			Help: "Total number of report upload retry attempts.",
		}),
	}

	// Register all metrics with the custom registry.
	reg.MustRegister(
		m.StepDuration,
		m.StepTotal,
		m.MutationsTotal,
		m.RolloutPhase,
		m.RolloutOutcome,
		m.VerifyDuration,
		m.PollIterations,
		m.MigrationDuration,
		m.NotificationFailures,
		m.ReportSendDuration,
		m.ReportSizeBytes,
		m.ReportSendTotal,
		m.TransportRetries,
	)

	return m
}

// SetActive sets the gauge of active to 1 and every other listed label to 0.
func SetActive(g *prometheus.GaugeVec, active string, all []string) {
	for _, v := range all {
		if v == active {
			g.WithLabelValues(v).Set(1)
		} else {
			g.WithLabelValues(v).Set(0)
		}
	}
}
