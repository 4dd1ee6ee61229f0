package model

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/petrosight/reservoir/internal/reservoir"
	"github.com/petrosight/reservoir/internal/series"
)

// syntheticFrame builds a gently declining production series with a day
// feature, enough rows for both model families.
func syntheticFrame(n int) *series.Frame {
	f := series.New("production_rate", "day")
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		rate := 1000 - 0.5*float64(i) + 3*math.Sin(float64(i)/7)
		f.AppendRow(start.AddDate(0, 0, i), "src-1", reservoir.SourceHistorical, map[string]float64{
			"production_rate": rate,
			"day":             float64(i),
		})
	}
	return f
}

func testConfigs() Configs {
	tree := TreeEnsembleConfig{Estimators: 20, MaxDepth: 6, Seed: 42}
	seq := SequenceConfig{HiddenUnits: 8, Epochs: 20, Lookback: 10, Dropout: 0.1, LearningRate: 0.01, Seed: 42}
	return Configs{TreeEnsemble: &tree, Sequence: &seq}
}

func TestTrainBothCandidates(t *testing.T) {
	trainer := NewTrainer(nil)
	out, err := trainer.Train(context.Background(), syntheticFrame(120), "production_rate", testConfigs())
	if err != nil {
		t.Fatalf("Train: %v", err)
	}

	if len(out.Candidates) != 2 {
		t.Fatalf("Expected 2 candidates, got %d (failures: %v)", len(out.Candidates), out.Failures)
	}
	if out.Candidates[0].Kind != KindTreeEnsemble || out.Candidates[1].Kind != KindSequenceModel {
		t.Errorf("Training order should be tree_ensemble then sequence_model, got %v then %v",
			out.Candidates[0].Kind, out.Candidates[1].Kind)
	}
	if len(out.Features) != 1 || out.Features[0] != "day" {
		t.Errorf("Features should exclude the target, got %v", out.Features)
	}

	for _, c := range out.Candidates {
		m := c.Metrics
		if math.IsNaN(m.MSE) || math.IsNaN(m.RMSE) || math.IsNaN(m.MAE) || math.IsNaN(m.R2) {
			t.Errorf("%s: non-finite metrics %+v", c.Kind, m)
		}
		if m.MSE < 0 {
			t.Errorf("%s: negative MSE %f", c.Kind, m.MSE)
		}
		if math.Abs(m.RMSE-math.Sqrt(m.MSE)) > 1e-9 {
			t.Errorf("%s: RMSE should be sqrt(MSE)", c.Kind)
		}
		if len(c.InitialWindow) != c.Model.WindowSize() {
			t.Errorf("%s: initial window %d does not match window size %d",
				c.Kind, len(c.InitialWindow), c.Model.WindowSize())
		}
		if c.TrainSamples == 0 || c.TestSamples == 0 {
			t.Errorf("%s: empty split %d/%d", c.Kind, c.TrainSamples, c.TestSamples)
		}
	}
}

func TestTrainChronologicalSplit(t *testing.T) {
	// 130 rows minus the 30-step lag leave 100 windows to split.
	tree := TreeEnsembleConfig{Estimators: 5, MaxDepth: 4, Seed: 1}
	out, err := NewTrainer(nil).Train(context.Background(), syntheticFrame(130), "production_rate",
		Configs{TreeEnsemble: &tree})
	if err != nil {
		t.Fatalf("Train: %v", err)
	}

	c := out.Candidates[0]
	if c.TrainSamples != 80 || c.TestSamples != 20 {
		t.Errorf("Expected 80/20 split over 100 windows, got %d/%d", c.TrainSamples, c.TestSamples)
	}
}

func TestTreeEnsembleWindowIsTargetHistory(t *testing.T) {
	frame := syntheticFrame(120)
	tree := TreeEnsembleConfig{Estimators: 5, MaxDepth: 4, Seed: 1}
	out, err := NewTrainer(nil).Train(context.Background(), frame, "production_rate",
		Configs{TreeEnsemble: &tree})
	if err != nil {
		t.Fatalf("Train: %v", err)
	}

	c := out.Candidates[0]
	target, _ := frame.Column("production_rate")

	// Every window slot holds a recent target value, not a feature row.
	// A feature-row window would break the forecast rollout, which shifts
	// each prediction into the tail of the window.
	if len(c.InitialWindow) != c.Model.WindowSize() {
		t.Fatalf("Initial window %d does not match window size %d",
			len(c.InitialWindow), c.Model.WindowSize())
	}
	tail := target[len(target)-len(c.InitialWindow):]
	for i, v := range c.InitialWindow {
		if v != tail[i] {
			t.Fatalf("Window slot %d = %f, want target value %f", i, v, tail[i])
		}
	}
}

func TestTrainUnknownTarget(t *testing.T) {
	_, err := NewTrainer(nil).Train(context.Background(), syntheticFrame(50), "missing", testConfigs())
	if err == nil {
		t.Fatal("Expected error for unknown target column")
	}
}

func TestTrainNoConfigs(t *testing.T) {
	_, err := NewTrainer(nil).Train(context.Background(), syntheticFrame(50), "production_rate", Configs{})
	if err == nil {
		t.Fatal("Expected error for empty model configuration")
	}
}

func TestTrainPartialFailure(t *testing.T) {
	// 12 rows: the tree can fit, but a 10-step lookback leaves too few
	// windows for the sequence model.
	tree := TreeEnsembleConfig{Estimators: 5, MaxDepth: 3, Seed: 1}
	seq := SequenceConfig{HiddenUnits: 4, Epochs: 5, Lookback: 10, Dropout: 0, LearningRate: 0.01, Seed: 1}

	out, err := NewTrainer(nil).Train(context.Background(), syntheticFrame(12), "production_rate",
		Configs{TreeEnsemble: &tree, Sequence: &seq})
	if err != nil {
		t.Fatalf("Train should tolerate one failing candidate: %v", err)
	}

	if len(out.Candidates) != 1 || out.Candidates[0].Kind != KindTreeEnsemble {
		t.Fatalf("Expected only the tree candidate, got %+v", out.Candidates)
	}
	if _, ok := out.Failures[string(KindSequenceModel)]; !ok {
		t.Error("Sequence failure should be recorded")
	}
	var trainErr *reservoir.TrainingError
	if !errors.As(out.Failures[string(KindSequenceModel)], &trainErr) {
		t.Errorf("Failure should be a TrainingError, got %v", out.Failures[string(KindSequenceModel)])
	}
}

func TestTrainAllModelsFailed(t *testing.T) {
	seq := SequenceConfig{HiddenUnits: 4, Epochs: 5, Lookback: 60, Dropout: 0, LearningRate: 0.01, Seed: 1}

	_, err := NewTrainer(nil).Train(context.Background(), syntheticFrame(20), "production_rate",
		Configs{Sequence: &seq})
	var allFailed *reservoir.AllModelsFailedError
	if !errors.As(err, &allFailed) {
		t.Fatalf("Expected AllModelsFailedError, got %v", err)
	}
	if len(allFailed.Causes) != 1 {
		t.Errorf("Expected one cause, got %d", len(allFailed.Causes))
	}
}

func TestTreeEnsembleDeterministicBySeed(t *testing.T) {
	frame := syntheticFrame(80)
	target, _ := frame.Column("production_rate")
	days, _ := frame.Column("day")

	X := make([][]float64, frame.Len())
	for i := range X {
		X[i] = []float64{days[i]}
	}

	fit := func(seed int64) []float64 {
		m := NewTreeEnsemble(TreeEnsembleConfig{Estimators: 10, MaxDepth: 5, Seed: seed})
		if err := m.Fit(X, target); err != nil {
			t.Fatalf("Fit: %v", err)
		}
		preds := make([]float64, 5)
		for i := range preds {
			p, err := m.Predict([]float64{float64(80 + i)})
			if err != nil {
				t.Fatalf("Predict: %v", err)
			}
			preds[i] = p
		}
		return preds
	}

	a, b := fit(7), fit(7)
	for i := range a {
		if a[i] != b[i] {
			t.Errorf("Same seed should reproduce predictions: %f vs %f", a[i], b[i])
		}
	}
}

func TestSequenceModelDeterministicBySeed(t *testing.T) {
	target := make([]float64, 60)
	for i := range target {
		target[i] = 100 + 5*math.Sin(float64(i)/5)
	}
	X, y := BuildWindows(target, 8)

	fit := func() float64 {
		m := NewSequenceModel(SequenceConfig{HiddenUnits: 6, Epochs: 15, Lookback: 8, Dropout: 0.2, LearningRate: 0.01, Seed: 3})
		if err := m.Fit(X, y); err != nil {
			t.Fatalf("Fit: %v", err)
		}
		p, err := m.Predict(target[len(target)-8:])
		if err != nil {
			t.Fatalf("Predict: %v", err)
		}
		return p
	}

	if a, b := fit(), fit(); a != b {
		t.Errorf("Same seed should reproduce predictions: %f vs %f", a, b)
	}
}

func TestBuildWindows(t *testing.T) {
	target := []float64{1, 2, 3, 4, 5}
	X, y := BuildWindows(target, 2)

	if len(X) != 3 || len(y) != 3 {
		t.Fatalf("Expected 3 windows, got %d/%d", len(X), len(y))
	}
	if X[0][0] != 1 || X[0][1] != 2 || y[0] != 3 {
		t.Errorf("First window wrong: %v -> %f", X[0], y[0])
	}
	if X[2][0] != 3 || X[2][1] != 4 || y[2] != 5 {
		t.Errorf("Last window wrong: %v -> %f", X[2], y[2])
	}
}

func TestConfigsValidate(t *testing.T) {
	tests := []struct {
		name    string
		configs Configs
		wantErr bool
	}{
		{"empty", Configs{}, true},
		{"valid tree", Configs{TreeEnsemble: &TreeEnsembleConfig{Estimators: 10}}, false},
		{"zero estimators", Configs{TreeEnsemble: &TreeEnsembleConfig{}}, true},
		{"bad dropout", Configs{Sequence: &SequenceConfig{Lookback: 5, Epochs: 5, Dropout: 1.0}}, true},
		{"bad lookback", Configs{Sequence: &SequenceConfig{Lookback: 0, Epochs: 5}}, true},
		{"valid sequence", Configs{Sequence: &SequenceConfig{Lookback: 5, Epochs: 5, Dropout: 0.2}}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.configs.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
