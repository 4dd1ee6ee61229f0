package reservoir

import "time"

// SourceCategory classifies where an uploaded series came from.
type SourceCategory string

const (
	SourceHistorical SourceCategory = "historical"
	SourceRealTime   SourceCategory = "real_time"
	SourceSynthetic  SourceCategory = "synthetic"
)

// DataSource is an immutable reference to one uploaded, already-processed
// time series. The pipeline reads it but never mutates it.
type DataSource struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	Category       SourceCategory `json:"category"`
	TimeRangeStart time.Time      `json:"time_range_start"`
	TimeRangeEnd   time.Time      `json:"time_range_end"`
	Processed      bool           `json:"processed"`
	UploadedBy     string         `json:"uploaded_by"`
	CreatedAt      time.Time      `json:"created_at"`
}

// SessionState is the prediction session state machine.
//
// PENDING → PROCESSING → {COMPLETED | FAILED}. Both terminal states are
// final; a failed session requires a new session, never a retry in place.
type SessionState string

const (
	SessionPending    SessionState = "pending"
	SessionProcessing SessionState = "processing"
	SessionCompleted  SessionState = "completed"
	SessionFailed     SessionState = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s SessionState) Terminal() bool {
	return s == SessionCompleted || s == SessionFailed
}

// ModelMetrics holds test-split error metrics for one trained candidate.
type ModelMetrics struct {
	MSE  float64 `json:"mse"`
	RMSE float64 `json:"rmse"`
	MAE  float64 `json:"mae"`
	R2   float64 `json:"r2"`
}

// TrainingInfo summarizes the data a forecast's model was fitted on.
type TrainingInfo struct {
	TrainSamples int      `json:"train_samples"`
	TestSamples  int      `json:"test_samples"`
	Features     []string `json:"features"`
}

// SessionResult is the aggregated outcome persisted when a session
// completes. Written exactly once, on the PROCESSING → COMPLETED transition.
type SessionResult struct {
	ModelsTrained []string                `json:"models_trained"`
	BestModel     string                  `json:"best_model"`
	ModelMetrics  map[string]ModelMetrics `json:"model_metrics"`
	HorizonDays   int                     `json:"horizon_days"`
	FinalForecast float64                 `json:"final_forecast"`
	Trend         string                  `json:"trend"` // "declining" or "stable_or_increasing"
	WarningCount  int                     `json:"warning_count"`
}

// PredictionSession is one complete invocation of the predictive-analysis
// pipeline. Append-only: once terminal, result fields never change.
type PredictionSession struct {
	ID            string       `json:"id"`
	Name          string       `json:"name"`
	Description   string       `json:"description,omitempty"`
	DataSourceIDs []string     `json:"data_source_ids"`
	State         SessionState `json:"state"`

	Result      *SessionResult `json:"result,omitempty"`
	ForecastIDs []string       `json:"forecast_ids,omitempty"`
	WarningIDs  []string       `json:"warning_ids,omitempty"`

	StartedAt       time.Time  `json:"started_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	DurationSeconds int        `json:"duration_seconds,omitempty"`
	ErrorMessage    string     `json:"error_message,omitempty"`
	CreatedBy       string     `json:"created_by"`
}

// ForecastState is the forecast lifecycle.
type ForecastState string

const (
	ForecastDraft     ForecastState = "draft"
	ForecastPublished ForecastState = "published"
	ForecastArchived  ForecastState = "archived"
)

// ForecastPoint is one step of a horizon projection with its confidence band.
type ForecastPoint struct {
	Date  time.Time `json:"date"`
	Value float64   `json:"value"`
	Lower float64   `json:"lower"`
	Upper float64   `json:"upper"`
}

// Forecast is the horizon projection produced by one session's best model.
// It belongs to exactly one session and is immutable after publication
// except for the draft → published → archived lifecycle.
type Forecast struct {
	ID          string `json:"id"`
	SessionID   string `json:"session_id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`

	ModelKind   string             `json:"model_kind"`
	ModelParams map[string]float64 `json:"model_params,omitempty"`
	Training    TrainingInfo       `json:"training"`
	Metrics     ModelMetrics       `json:"metrics"`

	Points      []ForecastPoint `json:"points"`
	HorizonDays int             `json:"horizon_days"`

	State       ForecastState `json:"state"`
	GeneratedAt time.Time     `json:"generated_at"`
	PublishedAt *time.Time    `json:"published_at,omitempty"`
	CreatedBy   string        `json:"created_by"`
}

// WarningType identifies which detection rule fired.
type WarningType string

const (
	WarningProductionDecline WarningType = "production_decline"
	WarningLowProduction     WarningType = "low_production"
	WarningHighVolatility    WarningType = "high_volatility"
)

// Severity grades a warning. Immutable after creation.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Warning is a structured operational warning derived from a forecast.
// It always references a forecast that existed at creation time and mutates
// only through acknowledgment, which is monotonic false → true.
type Warning struct {
	ID         string      `json:"id"`
	ForecastID string      `json:"forecast_id"`
	Type       WarningType `json:"type"`
	Severity   Severity    `json:"severity"`

	Title       string `json:"title"`
	Description string `json:"description"`

	// TriggerConditions records the numeric values and thresholds that
	// fired the rule, for audit.
	TriggerConditions  map[string]float64 `json:"trigger_conditions"`
	RecommendedActions []string           `json:"recommended_actions,omitempty"`

	PredictedOccurrence *time.Time `json:"predicted_occurrence_date,omitempty"`
	ConfidenceScore     float64    `json:"confidence_score"`

	Acknowledged   bool       `json:"acknowledged"`
	AcknowledgedBy string     `json:"acknowledged_by,omitempty"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// SimulationParams configure a deterministic decline-curve scenario.
type SimulationParams struct {
	ProductionMultiplier float64 `json:"production_multiplier,omitempty"`
	DeclineRate          float64 `json:"decline_rate,omitempty"`
	SimulationDays       int     `json:"simulation_days,omitempty"`
	RecoveryFactor       float64 `json:"estimated_recovery_factor,omitempty"`
}

// SimulationResult is a pure function of the scenario parameters and the
// base production rate. No learned component.
type SimulationResult struct {
	Scenario             string    `json:"scenario"`
	DailyRates           []float64 `json:"daily_production_rates"`
	CumulativeProduction float64   `json:"cumulative_production"`
	AverageDailyRate     float64   `json:"average_daily_rate"`
	FinalRate            float64   `json:"final_rate"`
	RecoveryFactor       float64   `json:"recovery_factor"`
}

// ExtractionSimulation is the comparison-baseline scenario run. It shares
// the session state machine but none of the learned pipeline.
type ExtractionSimulation struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	Scenario     string            `json:"scenario"`
	Params       SimulationParams  `json:"parameters"`
	State        SessionState      `json:"state"`
	StartedAt    *time.Time        `json:"started_at,omitempty"`
	CompletedAt  *time.Time        `json:"completed_at,omitempty"`
	ErrorMessage string            `json:"error_message,omitempty"`
	Result       *SimulationResult `json:"result,omitempty"`
	CreatedBy    string            `json:"created_by"`
}
