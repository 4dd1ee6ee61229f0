// Package forecast rolls a fitted model forward over a horizon, emitting
// point forecasts with symmetric confidence bands.
package forecast

import (
	"context"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/petrosight/reservoir/internal/model"
	"github.com/petrosight/reservoir/internal/reservoir"
)

// DefaultPredictionStd is the default fractional band width.
const DefaultPredictionStd = 0.1

// Request describes one rollout.
type Request struct {
	Model model.Model

	// InitialWindow holds the most recent observed target values in model
	// space, one lag window regardless of model kind. Every slot is a past
	// target value, so the rollout can shift each prediction in without
	// mixing units.
	InitialWindow []float64

	// HorizonDays is the number of daily steps to project.
	HorizonDays int

	// PredictionStd is the fractional uncertainty per step; the band is
	// prediction ± 1.96 × PredictionStd × |prediction|. Zero means the
	// default of 0.1.
	PredictionStd float64

	// Start anchors the forecast dates; the first point lands at
	// Start + 1 day.
	Start time.Time

	// Scale and Offset map model-space predictions back to original
	// units (value = raw×Scale + Offset). Zero Scale means identity.
	Scale  float64
	Offset float64
}

// Engine performs the autoregressive rollout.
//
// The rollout is deliberately simple: one-step prediction re-injected into
// the rolling window, no re-training mid-horizon, and no projection of
// exogenous features. Uncertainty therefore does not widen with the step
// index; the band is a fixed fraction of each prediction.
type Engine struct {
	logger *zap.Logger
}

// New creates an Engine.
func New(logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{logger: logger.With(zap.String("component", "forecast"))}
}

// Run projects HorizonDays points. Each step predicts the next value,
// appends it to the rolling window, and drops the oldest entry.
// Returns *reservoir.ForecastError on empty or non-finite output.
func (e *Engine) Run(ctx context.Context, req Request) ([]reservoir.ForecastPoint, error) {
	if req.HorizonDays < 1 {
		return nil, &reservoir.ForecastError{Step: 0, Reason: "horizon must be at least 1 day"}
	}
	if req.Model == nil {
		return nil, &reservoir.ForecastError{Step: 0, Reason: "no model provided"}
	}
	if len(req.InitialWindow) != req.Model.WindowSize() {
		return nil, &reservoir.ForecastError{
			Step:   0,
			Reason: "initial window does not match the model's input size",
		}
	}

	std := req.PredictionStd
	if std == 0 {
		std = DefaultPredictionStd
	}
	scale := req.Scale
	if scale == 0 {
		scale = 1
	}

	window := append([]float64(nil), req.InitialWindow...)
	points := make([]reservoir.ForecastPoint, 0, req.HorizonDays)

	for step := 0; step < req.HorizonDays; step++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		raw, err := req.Model.Predict(window)
		if err != nil {
			return nil, &reservoir.ForecastError{Step: step + 1, Reason: err.Error()}
		}
		if math.IsNaN(raw) || math.IsInf(raw, 0) {
			return nil, &reservoir.ForecastError{Step: step + 1, Reason: "model produced a non-finite value"}
		}

		value := raw*scale + req.Offset
		band := 1.96 * std * math.Abs(value)

		points = append(points, reservoir.ForecastPoint{
			Date:  req.Start.AddDate(0, 0, step+1),
			Value: value,
			Lower: value - band,
			Upper: value + band,
		})

		// Roll the window: drop oldest, append the raw (model-space)
		// prediction.
		copy(window, window[1:])
		window[len(window)-1] = raw
	}

	e.logger.Info("forecast generated",
		zap.String("model", string(req.Model.Kind())),
		zap.Int("horizon_days", req.HorizonDays),
		zap.Float64("final_value", points[len(points)-1].Value))

	return points, nil
}
