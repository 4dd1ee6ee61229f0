// Package api defines the request and status payloads external callers
// exchange with the pipeline. The HTTP layer that carries them lives
// outside this module.
package api

import (
	"fmt"

	"github.com/petrosight/reservoir/internal/model"
	"github.com/petrosight/reservoir/internal/preprocess"
	"github.com/petrosight/reservoir/internal/reservoir"
	"github.com/petrosight/reservoir/internal/warning"
)

// MaxHorizonDays bounds the forecast horizon (ten years of daily steps).
const MaxHorizonDays = 3650

// AnalysisRequest is the single payload that starts a prediction session.
type AnalysisRequest struct {
	SessionName   string   `json:"session_name"`
	Description   string   `json:"description,omitempty"`
	DataSourceIDs []string `json:"data_source_ids"`

	// Preprocessing defaults to preprocess.DefaultConfig when nil.
	Preprocessing *preprocess.Config `json:"preprocessing_config,omitempty"`

	// Models maps each requested kind to its hyperparameters.
	Models model.Configs `json:"model_configs"`

	// TargetColumn defaults to "production_rate".
	TargetColumn string `json:"target_column,omitempty"`

	ForecastHorizonDays int `json:"forecast_horizon_days"`

	// PredictionStd is the fractional confidence-band width; zero means
	// the engine default.
	PredictionStd float64 `json:"prediction_std,omitempty"`

	// Thresholds defaults to warning.DefaultThresholds when nil.
	Thresholds *warning.Thresholds `json:"warning_thresholds,omitempty"`

	// Requester is the owning actor recorded on the session.
	Requester string `json:"requester,omitempty"`
}

// DefaultTargetColumn is the series column forecasts are built over.
const DefaultTargetColumn = "production_rate"

// Validate rejects malformed requests before a session is created.
func (r *AnalysisRequest) Validate() error {
	if r.SessionName == "" {
		return fmt.Errorf("session_name is required")
	}
	if len(r.DataSourceIDs) == 0 {
		return fmt.Errorf("at least one data source id is required")
	}
	if r.ForecastHorizonDays < 1 || r.ForecastHorizonDays > MaxHorizonDays {
		return fmt.Errorf("forecast_horizon_days must be in [1, %d]", MaxHorizonDays)
	}
	if err := r.Models.Validate(); err != nil {
		return err
	}
	if r.PredictionStd < 0 {
		return fmt.Errorf("prediction_std must be non-negative")
	}
	return nil
}

// Target returns the effective target column.
func (r *AnalysisRequest) Target() string {
	if r.TargetColumn == "" {
		return DefaultTargetColumn
	}
	return r.TargetColumn
}

// SessionStatus is the externally pollable view of a session. Sub-step
// progress is observational only; the state field is the source of truth.
type SessionStatus struct {
	SessionID       string                 `json:"session_id"`
	State           reservoir.SessionState `json:"state"`
	ProgressPercent int                    `json:"progress_percent"`
	StatusMessage   string                 `json:"status_message"`
	ForecastID      string                 `json:"forecast_id,omitempty"`
	WarningIDs      []string               `json:"warning_ids,omitempty"`
	Error           string                 `json:"error,omitempty"`
}
