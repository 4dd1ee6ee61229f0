package simulate

import (
	"math"
	"testing"

	"github.com/petrosight/reservoir/internal/reservoir"
)

func TestRunScenarioDefaults(t *testing.T) {
	tests := []struct {
		scenario       string
		wantMultiplier float64
		wantDecline    float64
	}{
		{"aggressive", 1.3, 0.15},
		{"conservative", 0.9, 0.05},
		{"standard", 1.0, 0.10},
		{"unknown", 1.0, 0.10},
		{"AGGRESSIVE", 1.3, 0.15},
	}

	for _, tt := range tests {
		t.Run(tt.scenario, func(t *testing.T) {
			result, err := Run(tt.scenario, 1000, reservoir.SimulationParams{SimulationDays: 10})
			if err != nil {
				t.Fatalf("Run: %v", err)
			}

			// Day 0 carries no decline yet.
			want := 1000 * tt.wantMultiplier
			if math.Abs(result.DailyRates[0]-want) > 1e-9 {
				t.Errorf("Day 0 rate: expected %f, got %f", want, result.DailyRates[0])
			}

			want = 1000 * tt.wantMultiplier * (1 - tt.wantDecline*9.0/365)
			if math.Abs(result.DailyRates[9]-want) > 1e-9 {
				t.Errorf("Day 9 rate: expected %f, got %f", want, result.DailyRates[9])
			}
		})
	}
}

func TestRunDefaultsTo365Days(t *testing.T) {
	result, err := Run("standard", 500, reservoir.SimulationParams{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(result.DailyRates) != 365 {
		t.Errorf("Expected 365 days, got %d", len(result.DailyRates))
	}
	if result.RecoveryFactor != 0.35 {
		t.Errorf("Expected default recovery factor 0.35, got %f", result.RecoveryFactor)
	}
}

func TestRunParameterOverrides(t *testing.T) {
	result, err := Run("standard", 100, reservoir.SimulationParams{
		ProductionMultiplier: 2.0,
		DeclineRate:          0.5,
		SimulationDays:       3,
		RecoveryFactor:       0.6,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if math.Abs(result.DailyRates[0]-200) > 1e-9 {
		t.Errorf("Override multiplier ignored: %f", result.DailyRates[0])
	}
	want := 100 * 2.0 * (1 - 0.5*2.0/365)
	if math.Abs(result.DailyRates[2]-want) > 1e-9 {
		t.Errorf("Override decline ignored: expected %f, got %f", want, result.DailyRates[2])
	}
	if result.RecoveryFactor != 0.6 {
		t.Errorf("Override recovery factor ignored: %f", result.RecoveryFactor)
	}
}

func TestRunClampsNegativeRates(t *testing.T) {
	// A decline rate above 1/year drives late rates negative; they clamp
	// to zero instead.
	result, err := Run("standard", 100, reservoir.SimulationParams{
		DeclineRate:    5,
		SimulationDays: 365,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	last := result.DailyRates[len(result.DailyRates)-1]
	if last != 0 {
		t.Errorf("Late rates should clamp to zero, got %f", last)
	}
	for i, r := range result.DailyRates {
		if r < 0 {
			t.Fatalf("Day %d rate negative: %f", i, r)
		}
	}
}

func TestRunAggregates(t *testing.T) {
	result, err := Run("standard", 100, reservoir.SimulationParams{SimulationDays: 4})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	var sum float64
	for _, r := range result.DailyRates {
		sum += r
	}
	if math.Abs(result.CumulativeProduction-sum) > 1e-9 {
		t.Errorf("Cumulative should equal the sum of daily rates")
	}
	if math.Abs(result.AverageDailyRate-sum/4) > 1e-9 {
		t.Errorf("Average mismatch: %f vs %f", result.AverageDailyRate, sum/4)
	}
	if result.FinalRate != result.DailyRates[3] {
		t.Errorf("Final rate should be the last day's rate")
	}
	if result.Scenario != "standard" {
		t.Errorf("Scenario label should be normalized, got %q", result.Scenario)
	}
}

func TestRunRejectsNonPositiveBase(t *testing.T) {
	if _, err := Run("standard", 0, reservoir.SimulationParams{}); err == nil {
		t.Error("Expected error for zero base production")
	}
	if _, err := Run("standard", -10, reservoir.SimulationParams{}); err == nil {
		t.Error("Expected error for negative base production")
	}
}

func TestRunDeterministic(t *testing.T) {
	a, err := Run("aggressive", 750, reservoir.SimulationParams{SimulationDays: 30})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	b, _ := Run("aggressive", 750, reservoir.SimulationParams{SimulationDays: 30})

	if a.CumulativeProduction != b.CumulativeProduction {
		t.Error("Simulation should be deterministic")
	}
	for i := range a.DailyRates {
		if a.DailyRates[i] != b.DailyRates[i] {
			t.Fatalf("Day %d differs between runs", i)
		}
	}
}
