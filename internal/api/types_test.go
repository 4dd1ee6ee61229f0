package api

import (
	"strings"
	"testing"

	"github.com/petrosight/reservoir/internal/model"
)

func validRequest() AnalysisRequest {
	return AnalysisRequest{
		SessionName:   "field review",
		DataSourceIDs: []string{"src-1"},
		Models: model.Configs{
			TreeEnsemble: &model.TreeEnsembleConfig{Estimators: 50, Seed: 42},
		},
		ForecastHorizonDays: 30,
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*AnalysisRequest)
		wantErr string
	}{
		{
			name:   "valid request",
			mutate: func(r *AnalysisRequest) {},
		},
		{
			name:    "missing session name",
			mutate:  func(r *AnalysisRequest) { r.SessionName = "" },
			wantErr: "session_name",
		},
		{
			name:    "no data sources",
			mutate:  func(r *AnalysisRequest) { r.DataSourceIDs = nil },
			wantErr: "data source",
		},
		{
			name:    "zero horizon",
			mutate:  func(r *AnalysisRequest) { r.ForecastHorizonDays = 0 },
			wantErr: "forecast_horizon_days",
		},
		{
			name:    "horizon above maximum",
			mutate:  func(r *AnalysisRequest) { r.ForecastHorizonDays = MaxHorizonDays + 1 },
			wantErr: "forecast_horizon_days",
		},
		{
			name:   "horizon at maximum",
			mutate: func(r *AnalysisRequest) { r.ForecastHorizonDays = MaxHorizonDays },
		},
		{
			name:    "no models configured",
			mutate:  func(r *AnalysisRequest) { r.Models = model.Configs{} },
			wantErr: "model kind",
		},
		{
			name: "invalid model config",
			mutate: func(r *AnalysisRequest) {
				r.Models.TreeEnsemble = &model.TreeEnsembleConfig{Estimators: 0}
			},
			wantErr: "n_estimators",
		},
		{
			name:    "negative prediction std",
			mutate:  func(r *AnalysisRequest) { r.PredictionStd = -0.1 },
			wantErr: "prediction_std",
		},
		{
			name:   "zero prediction std means default",
			mutate: func(r *AnalysisRequest) { r.PredictionStd = 0 },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validRequest()
			tt.mutate(&req)
			err := req.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatal("Expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Error %q should mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestTarget(t *testing.T) {
	req := validRequest()
	if got := req.Target(); got != DefaultTargetColumn {
		t.Errorf("Default target %q, want %q", got, DefaultTargetColumn)
	}
	req.TargetColumn = "water_cut"
	if got := req.Target(); got != "water_cut" {
		t.Errorf("Target %q, want water_cut", got)
	}
}
