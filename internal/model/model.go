// Package model implements the candidate forecasting models and the trainer
// that fits and scores them on a chronological hold-out split.
package model

import (
	"fmt"
	"math"
)

// Kind names a supported model family.
type Kind string

const (
	KindTreeEnsemble  Kind = "tree_ensemble"
	KindSequenceModel Kind = "sequence_model"
)

// Model is the uniform capability every candidate exposes: fit on rows of
// inputs with a scalar target, then predict the next value from a rolling
// window. The forecast engine stays agnostic to the model family behind it.
type Model interface {
	Kind() Kind

	// Fit trains on aligned input rows and targets.
	Fit(X [][]float64, y []float64) error

	// Predict returns the next value given the most recent window of
	// inputs. The window length must equal WindowSize.
	Predict(window []float64) (float64, error)

	// WindowSize is the input length Predict expects, the lag-window
	// width the model was trained with.
	WindowSize() int

	// Params reports the effective hyperparameters for audit.
	Params() map[string]float64
}

// TreeEnsembleConfig holds hyperparameters for the bagged-trees model.
type TreeEnsembleConfig struct {
	Estimators int   `json:"n_estimators"`
	MaxDepth   int   `json:"max_depth"`
	Seed       int64 `json:"random_state"`
}

// DefaultTreeEnsembleConfig returns the baseline ensemble configuration.
func DefaultTreeEnsembleConfig() TreeEnsembleConfig {
	return TreeEnsembleConfig{
		Estimators: 100,
		MaxDepth:   0, // 0 means unbounded (capped internally)
		Seed:       42,
	}
}

// SequenceConfig holds hyperparameters for the autoregressive sequence model.
type SequenceConfig struct {
	HiddenUnits  int     `json:"hidden_units"`
	Epochs       int     `json:"epochs"`
	Lookback     int     `json:"lookback"`
	Dropout      float64 `json:"dropout_rate"`
	LearningRate float64 `json:"learning_rate"`
	Seed         int64   `json:"random_state"`
}

// DefaultSequenceConfig returns the baseline sequence configuration.
func DefaultSequenceConfig() SequenceConfig {
	return SequenceConfig{
		HiddenUnits:  50,
		Epochs:       50,
		Lookback:     60,
		Dropout:      0.2,
		LearningRate: 0.01,
		Seed:         42,
	}
}

// Configs maps each requested model kind to its hyperparameters. A nil
// entry means the kind is not requested. Training order is fixed:
// tree_ensemble first, sequence_model second; ties on test MSE keep the
// first-trained model.
type Configs struct {
	TreeEnsemble *TreeEnsembleConfig `json:"tree_ensemble,omitempty"`
	Sequence     *SequenceConfig     `json:"sequence_model,omitempty"`
}

// Validate rejects an empty or malformed configuration set.
func (c Configs) Validate() error {
	if c.TreeEnsemble == nil && c.Sequence == nil {
		return fmt.Errorf("at least one model kind must be configured")
	}
	if c.TreeEnsemble != nil && c.TreeEnsemble.Estimators < 1 {
		return fmt.Errorf("tree_ensemble: n_estimators must be >= 1")
	}
	if c.Sequence != nil {
		if c.Sequence.Lookback < 1 {
			return fmt.Errorf("sequence_model: lookback must be >= 1")
		}
		if c.Sequence.Dropout < 0 || c.Sequence.Dropout >= 1 {
			return fmt.Errorf("sequence_model: dropout_rate must be in [0, 1)")
		}
		if c.Sequence.Epochs < 1 {
			return fmt.Errorf("sequence_model: epochs must be >= 1")
		}
	}
	return nil
}

// finite reports whether v is a usable number.
func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
