package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/verisol/verify-api/pkg/models"
	"github.com/verisol/verify-api/pkg/store"
)

// Metrics holds the Prometheus instruments for the verification service
type Metrics struct {
	SubmissionsTotal *prometheus.CounterVec
	ConflictsTotal   prometheus.Counter
	ThrottledTotal   *prometheus.CounterVec
	VerificationsRun *prometheus.CounterVec
	InFlight         prometheus.Gauge
}

// New registers the service instruments on the given registry
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SubmissionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "verify_api_submissions_total",
			Help: "Verification submissions by mode and result",
		}, []string{"mode", "result"}),
		ConflictsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "verify_api_dedup_conflicts_total",
			Help: "Submissions answered from an existing job record",
		}),
		ThrottledTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "verify_api_throttled_total",
			Help: "Requests rejected by an admission gate",
		}, []string{"gate"}),
		VerificationsRun: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "verify_api_verifications_total",
			Help: "Completed verifier runs by outcome",
		}, []string{"outcome"}),
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "verify_api_verifications_in_flight",
			Help: "Verifier runs currently executing",
		}),
	}

	reg.MustRegister(m.SubmissionsTotal, m.ConflictsTotal, m.ThrottledTotal, m.VerificationsRun, m.InFlight)
	return m
}

// StoreCollector exports job-record gauges straight from the store
type StoreCollector struct {
	store store.Store

	jobsDesc     *prometheus.Desc
	verifiedDesc *prometheus.Desc
}

// NewStoreCollector creates a collector backed by the record store
func NewStoreCollector(s store.Store) *StoreCollector {
	return &StoreCollector{
		store: s,
		jobsDesc: prometheus.NewDesc(
			"verify_api_jobs",
			"Job records by status",
			[]string{"status"}, nil),
		verifiedDesc: prometheus.NewDesc(
			"verify_api_verified_programs",
			"Stored outcomes with a verified result",
			nil, nil),
	}
}

// Describe implements prometheus.Collector
func (c *StoreCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.jobsDesc
	ch <- c.verifiedDesc
}

// Collect implements prometheus.Collector
func (c *StoreCollector) Collect(ch chan<- prometheus.Metric) {
	jm, err := c.store.GetJobMetrics()
	if err != nil {
		return
	}

	for _, status := range []models.JobStatus{
		models.JobStatusPending, models.JobStatusRunning,
		models.JobStatusCompleted, models.JobStatusFailed,
	} {
		ch <- prometheus.MustNewConstMetric(c.jobsDesc, prometheus.GaugeValue,
			float64(jm.JobsByStatus[status]), string(status))
	}
	ch <- prometheus.MustNewConstMetric(c.verifiedDesc, prometheus.GaugeValue,
		float64(jm.VerifiedCount))
}
