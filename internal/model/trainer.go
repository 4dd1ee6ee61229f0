package model

import (
	"context"
	"fmt"
	"math"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"

	"github.com/petrosight/reservoir/internal/reservoir"
	"github.com/petrosight/reservoir/internal/series"
)

// Candidate is one fitted model with its hold-out metrics and the rolling
// window the forecast engine should start from.
type Candidate struct {
	Kind          Kind
	Model         Model
	Metrics       reservoir.ModelMetrics
	InitialWindow []float64
	TrainSamples  int
	TestSamples   int
}

// Output is the full training result. Candidates keeps training order so a
// tie on MSE resolves to the first-trained model; Failures records each
// skipped kind's cause.
type Output struct {
	Candidates []Candidate
	Failures   map[string]error
	Features   []string
}

// Trainer fits every configured model kind on a chronological 80/20 split
// of the preprocessed series and scores each on the held-out tail.
//
// The split is chronological rather than shuffled: the first 80% of rows
// train, the last 20% test. This keeps evaluation honest for time series
// and is deterministic regardless of seed; seeds only fix model-internal
// randomness (bootstrap resampling, weight init, dropout).
type Trainer struct {
	logger *zap.Logger
}

// NewTrainer creates a Trainer.
func NewTrainer(logger *zap.Logger) *Trainer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Trainer{logger: logger.With(zap.String("component", "trainer"))}
}

// Train fits all requested kinds against the target column. A single
// candidate's failure is recorded and skipped; only when every candidate
// fails does Train return *reservoir.AllModelsFailedError.
func (t *Trainer) Train(ctx context.Context, frame *series.Frame, target string, cfgs Configs) (*Output, error) {
	if err := cfgs.Validate(); err != nil {
		return nil, fmt.Errorf("invalid model configs: %w", err)
	}

	targetCol, err := frame.Column(target)
	if err != nil {
		return nil, fmt.Errorf("target column: %w", err)
	}

	features := make([]string, 0, len(frame.Columns()))
	for _, c := range frame.Columns() {
		if c != target {
			features = append(features, c)
		}
	}

	out := &Output{Failures: make(map[string]error)}
	out.Features = features

	if cfgs.TreeEnsemble != nil {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		cand, err := t.trainTreeEnsemble(targetCol, *cfgs.TreeEnsemble)
		if err != nil {
			trainErr := &reservoir.TrainingError{Kind: string(KindTreeEnsemble), Err: err}
			t.logger.Warn("candidate failed, continuing",
				zap.String("kind", string(KindTreeEnsemble)), zap.Error(err))
			out.Failures[string(KindTreeEnsemble)] = trainErr
		} else {
			out.Candidates = append(out.Candidates, *cand)
		}
	}

	if cfgs.Sequence != nil {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		cand, err := t.trainSequence(targetCol, *cfgs.Sequence)
		if err != nil {
			trainErr := &reservoir.TrainingError{Kind: string(KindSequenceModel), Err: err}
			t.logger.Warn("candidate failed, continuing",
				zap.String("kind", string(KindSequenceModel)), zap.Error(err))
			out.Failures[string(KindSequenceModel)] = trainErr
		} else {
			out.Candidates = append(out.Candidates, *cand)
		}
	}

	if len(out.Candidates) == 0 {
		causes := make(map[string]error, len(out.Failures))
		for k, v := range out.Failures {
			causes[k] = v
		}
		return nil, &reservoir.AllModelsFailedError{Causes: causes}
	}

	for _, c := range out.Candidates {
		t.logger.Info("candidate trained",
			zap.String("kind", string(c.Kind)),
			zap.Float64("mse", c.Metrics.MSE),
			zap.Float64("r2", c.Metrics.R2),
			zap.Int("train_samples", c.TrainSamples),
			zap.Int("test_samples", c.TestSamples))
	}

	return out, nil
}

// ensembleLookback is the lag-window width for the tree ensemble. Training
// on recent target values keeps every window slot the same unit, so the
// forecast rollout can shift a prediction in without corrupting the input.
const ensembleLookback = 30

func (t *Trainer) trainTreeEnsemble(target []float64, cfg TreeEnsembleConfig) (*Candidate, error) {
	lookback := ensembleLookback
	if max := len(target) - 5; lookback > max {
		lookback = max
	}
	if lookback < 1 {
		return nil, fmt.Errorf("need at least 6 rows, have %d", len(target))
	}

	X, y := BuildWindows(target, lookback)
	if len(X) < 5 {
		return nil, fmt.Errorf("series too short for lookback %d: %d windows", lookback, len(X))
	}

	split := trainSize(len(X))
	m := NewTreeEnsemble(cfg)
	if err := m.Fit(X[:split], y[:split]); err != nil {
		return nil, err
	}

	metrics, err := evaluate(m, X[split:], y[split:])
	if err != nil {
		return nil, err
	}

	return &Candidate{
		Kind:          KindTreeEnsemble,
		Model:         m,
		Metrics:       *metrics,
		InitialWindow: append([]float64(nil), target[len(target)-lookback:]...),
		TrainSamples:  split,
		TestSamples:   len(X) - split,
	}, nil
}

func (t *Trainer) trainSequence(target []float64, cfg SequenceConfig) (*Candidate, error) {
	lookback := cfg.Lookback
	if lookback < 1 {
		lookback = DefaultSequenceConfig().Lookback
	}

	X, y := BuildWindows(target, lookback)
	if len(X) < 5 {
		return nil, fmt.Errorf("series too short for lookback %d: %d windows", lookback, len(X))
	}

	split := trainSize(len(X))
	m := NewSequenceModel(cfg)
	if err := m.Fit(X[:split], y[:split]); err != nil {
		return nil, err
	}

	metrics, err := evaluate(m, X[split:], y[split:])
	if err != nil {
		return nil, err
	}

	return &Candidate{
		Kind:          KindSequenceModel,
		Model:         m,
		Metrics:       *metrics,
		InitialWindow: append([]float64(nil), target[len(target)-lookback:]...),
		TrainSamples:  split,
		TestSamples:   len(X) - split,
	}, nil
}

// trainSize returns the chronological 80% cut, always leaving at least one
// test sample.
func trainSize(n int) int {
	split := int(float64(n) * 0.8)
	if split < 1 {
		split = 1
	}
	if split >= n {
		split = n - 1
	}
	return split
}

// evaluate computes MSE, RMSE, MAE, and R² of the fitted model on a test
// split.
func evaluate(m Model, X [][]float64, y []float64) (*reservoir.ModelMetrics, error) {
	if len(X) == 0 {
		return nil, fmt.Errorf("empty test split")
	}

	preds := make([]float64, len(X))
	for i, row := range X {
		p, err := m.Predict(row)
		if err != nil {
			return nil, err
		}
		if !finite(p) {
			return nil, fmt.Errorf("non-finite prediction on test sample %d", i)
		}
		preds[i] = p
	}

	var sse, sae float64
	for i := range preds {
		d := preds[i] - y[i]
		sse += d * d
		sae += math.Abs(d)
	}
	n := float64(len(preds))
	mse := sse / n
	mae := sae / n

	mean := stat.Mean(y, nil)
	var sst float64
	for _, v := range y {
		d := v - mean
		sst += d * d
	}
	r2 := 0.0
	if sst > 0 {
		r2 = 1 - sse/sst
	}

	return &reservoir.ModelMetrics{
		MSE:  mse,
		RMSE: math.Sqrt(mse),
		MAE:  mae,
		R2:   r2,
	}, nil
}
