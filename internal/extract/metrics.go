package extract

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the extraction engine.
type Metrics struct {
	RunsTotal      prometheus.Counter
	RunDuration    *prometheus.HistogramVec
	RunLLMTime     *prometheus.HistogramVec
	RunTokensIn    prometheus.Histogram
	RunTokensOut   prometheus.Histogram
	TriageTotal    *prometheus.CounterVec
	BranchesTotal  *prometheus.CounterVec
	BranchAttempts *prometheus.HistogramVec
	BranchRecords  *prometheus.HistogramVec
	LLMCallsTotal  *prometheus.CounterVec
	LLMTokensIn    prometheus.Counter
	LLMTokensOut   prometheus.Counter
	LLMDuration    *prometheus.HistogramVec
}

// NewMetrics registers and returns extraction metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RunsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quarry_extraction_runs_total",
			Help: "Total extraction runs completed.",
		}),
		RunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "quarry_extraction_run_duration_seconds",
			Help:    "Wall-clock duration of extraction runs in seconds.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10), // 1s .. ~512s
		}, []string{"model"}),
		RunLLMTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "quarry_extraction_run_llm_time_seconds",
			Help:    "Summed LLM time per extraction run in seconds.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10), // 1s .. ~512s
		}, []string{"model"}),
		RunTokensIn: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "quarry_extraction_run_tokens_input",
			Help:    "Input tokens consumed per extraction run.",
			Buckets: prometheus.ExponentialBuckets(100, 2, 12), // 100 .. ~409600
		}),
		RunTokensOut: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "quarry_extraction_run_tokens_output",
			Help:    "Output tokens consumed per extraction run.",
			Buckets: prometheus.ExponentialBuckets(100, 2, 12), // 100 .. ~409600
		}),
		TriageTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quarry_triage_decisions_total",
			Help: "Triage gate decisions by category and decision.",
		}, []string{"category", "decision"}),
		BranchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quarry_branches_total",
			Help: "Terminal branch decisions by category.",
		}, []string{"category", "decision"}),
		BranchAttempts: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "quarry_branch_attempts",
			Help:    "Generation attempts per branch.",
			Buckets: prometheus.LinearBuckets(0, 1, MaxRetryBudget+1), // 0 .. 10
		}, []string{"category"}),
		BranchRecords: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "quarry_branch_records",
			Help:    "Records produced per branch.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10), // 1 .. 512
		}, []string{"category"}),
		LLMCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quarry_llm_calls_total",
			Help: "Total generation calls by stage and status.",
		}, []string{"stage", "status"}),
		LLMTokensIn: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quarry_llm_tokens_input_total",
			Help: "Total LLM input tokens consumed.",
		}),
		LLMTokensOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quarry_llm_tokens_output_total",
			Help: "Total LLM output tokens consumed.",
		}),
		LLMDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "quarry_llm_call_duration_seconds",
			Help:    "Duration of individual generation calls in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 8), // 0.5s .. ~64s
		}, []string{"stage"}),
	}

	reg.MustRegister(
		m.RunsTotal,
		m.RunDuration,
		m.RunLLMTime,
		m.RunTokensIn,
		m.RunTokensOut,
		m.TriageTotal,
		m.BranchesTotal,
		m.BranchAttempts,
		m.BranchRecords,
		m.LLMCallsTotal,
		m.LLMTokensIn,
		m.LLMTokensOut,
		m.LLMDuration,
	)

	return m
}

// Hooks returns an EngineHooks that updates the corresponding metrics.
func (m *Metrics) Hooks() EngineHooks {
	return EngineHooks{
		OnLLMCall: func(stage Stage, _ Category, inputTokens, outputTokens int, duration float64, failed bool) {
			status := "success"
			if failed {
				status = "error"
			}
			m.LLMCallsTotal.WithLabelValues(string(stage), status).Inc()
			m.LLMTokensIn.Add(float64(inputTokens))
			m.LLMTokensOut.Add(float64(outputTokens))
			m.LLMDuration.WithLabelValues(string(stage)).Observe(duration)
		},
		OnTriage: func(c Category, d GateDecision) {
			m.TriageTotal.WithLabelValues(string(c), string(d)).Inc()
		},
		OnBranch: func(r BranchReport) {
			m.BranchesTotal.WithLabelValues(string(r.Category), string(r.Decision)).Inc()
			m.BranchAttempts.WithLabelValues(string(r.Category)).Observe(float64(r.Attempts))
			m.BranchRecords.WithLabelValues(string(r.Category)).Observe(float64(r.Records))
		},
		OnComplete: func(e *CompleteEvent) {
			m.RunsTotal.Inc()
			m.RunDuration.WithLabelValues(e.Model).Observe(e.Duration)
			m.RunLLMTime.WithLabelValues(e.Model).Observe(e.LLMTime)
			m.RunTokensIn.Observe(float64(e.InputTokens))
			m.RunTokensOut.Observe(float64(e.OutputTokens))
		},
	}
}
