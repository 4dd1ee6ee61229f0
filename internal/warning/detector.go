// Package warning evaluates a forecast against configurable thresholds and
// synthesizes structured operational warnings.
package warning

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"

	"github.com/petrosight/reservoir/internal/reservoir"
)

// Thresholds configures the three detection rules.
type Thresholds struct {
	// ProductionDecline is the fractional average per-step change below
	// which the decline rule fires.
	ProductionDecline float64 `json:"production_decline_threshold"`

	// LowProduction is the absolute floor; the rule fires when the
	// forecast minimum drops below it.
	LowProduction float64 `json:"low_production_threshold"`

	// HighVolatility is the absolute standard-deviation ceiling; the
	// rule fires when forecast volatility exceeds it.
	HighVolatility float64 `json:"high_volatility_threshold"`
}

// DefaultThresholds returns the standard operating thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		ProductionDecline: -0.1,
		LowProduction:     100,
		HighVolatility:    50,
	}
}

// Fixed rule confidences, chosen per rule rather than estimated.
const (
	declineConfidence    = 0.85
	lowProdConfidence    = 0.75
	volatilityConfidence = 0.65
)

// Detector evaluates the rules. They are independent: any subset may fire
// for the same forecast.
type Detector struct {
	logger *zap.Logger
}

// New creates a Detector.
func New(logger *zap.Logger) *Detector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Detector{logger: logger.With(zap.String("component", "warning"))}
}

// Detect runs all rules over a forecast's points and returns zero or more
// warnings referencing forecastID. Severity and confidence are fixed per
// rule; trigger values and thresholds are recorded for audit.
func (d *Detector) Detect(forecastID string, points []reservoir.ForecastPoint, th Thresholds, now time.Time) []*reservoir.Warning {
	var warnings []*reservoir.Warning
	if len(points) == 0 {
		return warnings
	}

	values := make([]float64, len(points))
	for i, p := range points {
		values[i] = p.Value
	}

	if w := d.declineRule(forecastID, points, values, th, now); w != nil {
		warnings = append(warnings, w)
	}
	if w := d.lowProductionRule(forecastID, points, values, th, now); w != nil {
		warnings = append(warnings, w)
	}
	if w := d.volatilityRule(forecastID, points, values, th, now); w != nil {
		warnings = append(warnings, w)
	}

	for _, w := range warnings {
		d.logger.Info("warning raised",
			zap.String("forecast_id", forecastID),
			zap.String("type", string(w.Type)),
			zap.String("severity", string(w.Severity)))
	}

	return warnings
}

// declineRule fires when the average per-step change across the forecast is
// at or below the decline threshold.
func (d *Detector) declineRule(forecastID string, points []reservoir.ForecastPoint, values []float64, th Thresholds, now time.Time) *reservoir.Warning {
	if len(values) < 2 {
		return nil
	}

	declineRate := (values[len(values)-1] - values[0]) / float64(len(values))
	if declineRate > th.ProductionDecline {
		return nil
	}

	first := points[0].Date
	return &reservoir.Warning{
		ID:         uuid.NewString(),
		ForecastID: forecastID,
		Type:       reservoir.WarningProductionDecline,
		Severity:   reservoir.SeverityHigh,
		Title:      "Significant Production Decline Predicted",
		Description: fmt.Sprintf(
			"Production is forecasted to decline by %.2f per day on average over the forecast period.",
			-declineRate),
		TriggerConditions: map[string]float64{
			"decline_rate": declineRate,
			"threshold":    th.ProductionDecline,
		},
		RecommendedActions: []string{
			"Review well performance data",
			"Consider artificial lift optimization",
			"Evaluate reservoir pressure maintenance options",
		},
		PredictedOccurrence: &first,
		ConfidenceScore:     declineConfidence,
		CreatedAt:           now,
	}
}

// lowProductionRule fires when the forecast minimum drops below the floor,
// dated at the step where the minimum occurs.
func (d *Detector) lowProductionRule(forecastID string, points []reservoir.ForecastPoint, values []float64, th Thresholds, now time.Time) *reservoir.Warning {
	minIdx := 0
	for i, v := range values {
		if v < values[minIdx] {
			minIdx = i
		}
	}
	minValue := values[minIdx]
	if minValue >= th.LowProduction {
		return nil
	}

	when := points[minIdx].Date
	return &reservoir.Warning{
		ID:         uuid.NewString(),
		ForecastID: forecastID,
		Type:       reservoir.WarningLowProduction,
		Severity:   reservoir.SeverityMedium,
		Title:      "Low Production Rate Predicted",
		Description: fmt.Sprintf(
			"Production rate is forecasted to drop to %.2f, below the %.2f threshold.",
			minValue, th.LowProduction),
		TriggerConditions: map[string]float64{
			"min_production": minValue,
			"threshold":      th.LowProduction,
		},
		RecommendedActions: []string{
			"Monitor well conditions closely",
			"Consider workover operations",
			"Review reservoir management strategy",
		},
		PredictedOccurrence: &when,
		ConfidenceScore:     lowProdConfidence,
		CreatedAt:           now,
	}
}

// volatilityRule fires on forecasts longer than 5 points whose population
// standard deviation exceeds the ceiling.
func (d *Detector) volatilityRule(forecastID string, points []reservoir.ForecastPoint, values []float64, th Thresholds, now time.Time) *reservoir.Warning {
	if len(values) <= 5 {
		return nil
	}

	volatility := stat.PopStdDev(values, nil)
	if volatility <= th.HighVolatility {
		return nil
	}

	first := points[0].Date
	return &reservoir.Warning{
		ID:         uuid.NewString(),
		ForecastID: forecastID,
		Type:       reservoir.WarningHighVolatility,
		Severity:   reservoir.SeverityLow,
		Title:      "High Production Volatility Predicted",
		Description: fmt.Sprintf(
			"Production shows high volatility (std %.2f) which may indicate operational issues.",
			volatility),
		TriggerConditions: map[string]float64{
			"volatility": volatility,
			"threshold":  th.HighVolatility,
		},
		RecommendedActions: []string{
			"Investigate equipment stability",
			"Review operational procedures",
			"Consider flow assurance measures",
		},
		PredictedOccurrence: &first,
		ConfidenceScore:     volatilityConfidence,
		CreatedAt:           now,
	}
}
