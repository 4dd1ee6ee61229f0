package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus instruments for the pipeline
type Metrics struct {
	// Session lifecycle
	SessionsStarted   prometheus.Counter
	SessionsCompleted prometheus.Counter
	SessionsFailed    prometheus.Counter
	SessionDuration   prometheus.Histogram

	// Pipeline stages, labeled by stage name
	// (fusion, preprocess, train, forecast, detect, persist)
	StageDuration *prometheus.HistogramVec
	StageErrors   *prometheus.CounterVec

	// Model training, labeled by model kind
	ModelsTrained *prometheus.CounterVec
	ModelsFailed  *prometheus.CounterVec

	// Warning detection, labeled by warning type
	WarningsDetected *prometheus.CounterVec

	// Data fusion
	RowsFused        prometheus.Counter
	SeriesCacheHits  prometheus.Counter
	SeriesCacheMiss  prometheus.Counter
	SimulationsRun   *prometheus.CounterVec
	ForecastsCreated prometheus.Counter
}

// New creates all metrics and registers them with the default registry.
func New() *Metrics {
	return NewWith(prometheus.DefaultRegisterer)
}

// NewWith registers the metrics with reg. Tests pass a fresh registry so
// instruments do not collide across instances.
func NewWith(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		SessionsStarted: f.NewCounter(prometheus.CounterOpts{
			Name: "rsv_sessions_started_total",
			Help: "Total number of prediction sessions started",
		}),
		SessionsCompleted: f.NewCounter(prometheus.CounterOpts{
			Name: "rsv_sessions_completed_total",
			Help: "Number of prediction sessions that reached COMPLETED",
		}),
		SessionsFailed: f.NewCounter(prometheus.CounterOpts{
			Name: "rsv_sessions_failed_total",
			Help: "Number of prediction sessions that reached FAILED",
		}),
		SessionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "rsv_session_duration_seconds",
			Help:    "End-to-end prediction session duration",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),

		StageDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rsv_stage_duration_seconds",
				Help:    "Duration of each pipeline stage",
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
			},
			[]string{"stage"},
		),
		StageErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rsv_stage_errors_total",
				Help: "Number of pipeline stage failures",
			},
			[]string{"stage"},
		),

		ModelsTrained: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rsv_models_trained_total",
				Help: "Number of model candidates trained successfully",
			},
			[]string{"kind"},
		),
		ModelsFailed: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rsv_models_failed_total",
				Help: "Number of model candidates that failed training",
			},
			[]string{"kind"},
		),

		WarningsDetected: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rsv_warnings_detected_total",
				Help: "Number of warnings emitted by detection rules",
			},
			[]string{"type"},
		),

		RowsFused: f.NewCounter(prometheus.CounterOpts{
			Name: "rsv_rows_fused_total",
			Help: "Number of measurement rows merged by data fusion",
		}),
		SeriesCacheHits: f.NewCounter(prometheus.CounterOpts{
			Name: "rsv_series_cache_hits_total",
			Help: "Number of series loads served from the LRU cache",
		}),
		SeriesCacheMiss: f.NewCounter(prometheus.CounterOpts{
			Name: "rsv_series_cache_misses_total",
			Help: "Number of series loads that went to storage",
		}),
		SimulationsRun: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rsv_simulations_run_total",
				Help: "Number of extraction simulations executed",
			},
			[]string{"scenario"},
		),
		ForecastsCreated: f.NewCounter(prometheus.CounterOpts{
			Name: "rsv_forecasts_created_total",
			Help: "Number of forecasts generated and published",
		}),
	}
}
