// Package simulate runs deterministic decline-curve extraction scenarios.
// A scenario is a pure function of its parameters and the base production
// rate; it carries no learned component and serves only as a comparison
// baseline next to model forecasts.
package simulate

import (
	"fmt"
	"strings"

	"gonum.org/v1/gonum/stat"

	"github.com/petrosight/reservoir/internal/reservoir"
)

// Scenario labels with their default parameters.
const (
	ScenarioAggressive   = "aggressive"
	ScenarioConservative = "conservative"
	ScenarioStandard     = "standard"
)

const defaultRecoveryFactor = 0.35

// scenarioDefaults returns multiplier and decline rate for a scenario label.
// Unknown labels fall back to the standard scenario.
func scenarioDefaults(scenario string) (multiplier, decline float64) {
	switch strings.ToLower(scenario) {
	case ScenarioAggressive:
		return 1.3, 0.15
	case ScenarioConservative:
		return 0.9, 0.05
	default:
		return 1.0, 0.10
	}
}

// Run produces the daily-rate series and cumulative total for a scenario.
// The daily rate is base × multiplier × (1 − decline × day/365), clamped at
// zero. Explicit parameters override scenario defaults.
func Run(scenario string, baseProduction float64, params reservoir.SimulationParams) (*reservoir.SimulationResult, error) {
	if baseProduction <= 0 {
		return nil, fmt.Errorf("base production must be positive, got %.2f", baseProduction)
	}

	multiplier, decline := scenarioDefaults(scenario)
	if params.ProductionMultiplier > 0 {
		multiplier = params.ProductionMultiplier
	}
	if params.DeclineRate > 0 {
		decline = params.DeclineRate
	}
	days := params.SimulationDays
	if days <= 0 {
		days = 365
	}
	recovery := params.RecoveryFactor
	if recovery <= 0 {
		recovery = defaultRecoveryFactor
	}

	rates := make([]float64, days)
	cumulative := 0.0
	for day := 0; day < days; day++ {
		rate := baseProduction * multiplier * (1 - decline*float64(day)/365)
		if rate < 0 {
			rate = 0
		}
		rates[day] = rate
		cumulative += rate
	}

	return &reservoir.SimulationResult{
		Scenario:             strings.ToLower(scenario),
		DailyRates:           rates,
		CumulativeProduction: cumulative,
		AverageDailyRate:     stat.Mean(rates, nil),
		FinalRate:            rates[days-1],
		RecoveryFactor:       recovery,
	}, nil
}
