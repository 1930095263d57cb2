package cases

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the case service.
type Metrics struct {
	SubmitsTotal  *prometheus.CounterVec
	RunsTotal     *prometheus.CounterVec
	RunDuration   *prometheus.HistogramVec
	RecordsStored *prometheus.CounterVec
}

// NewMetrics registers and returns case service metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SubmitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quarry_submits_total",
			Help: "Total narrative submissions by result.",
		}, []string{"result"}),
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quarry_runs_total",
			Help: "Total extraction runs by final status.",
		}, []string{"status"}),
		RunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "quarry_run_duration_seconds",
			Help:    "Duration of extraction runs including storage, in seconds.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10), // 1s .. ~512s
		}, []string{"status"}),
		RecordsStored: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quarry_records_stored_total",
			Help: "Total extracted records stored by category.",
		}, []string{"category"}),
	}

	reg.MustRegister(
		m.SubmitsTotal,
		m.RunsTotal,
		m.RunDuration,
		m.RecordsStored,
	)

	return m
}
