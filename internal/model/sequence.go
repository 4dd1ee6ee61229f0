package model

import (
	"fmt"
	"math"
	"math/rand"
)

// SequenceModel is an autoregressive one-hidden-layer network trained by
// stochastic gradient descent over sliding lookback windows of the target.
// Inverted dropout regularizes the hidden layer during training only.
// Deterministic for a fixed seed.
type SequenceModel struct {
	cfg SequenceConfig

	w1 [][]float64 // hidden × lookback
	b1 []float64
	w2 []float64 // hidden
	b2 float64

	fitted bool
}

// NewSequenceModel creates an untrained sequence model.
func NewSequenceModel(cfg SequenceConfig) *SequenceModel {
	def := DefaultSequenceConfig()
	if cfg.HiddenUnits < 1 {
		cfg.HiddenUnits = def.HiddenUnits
	}
	if cfg.Epochs < 1 {
		cfg.Epochs = def.Epochs
	}
	if cfg.Lookback < 1 {
		cfg.Lookback = def.Lookback
	}
	if cfg.LearningRate <= 0 {
		cfg.LearningRate = def.LearningRate
	}
	return &SequenceModel{cfg: cfg}
}

func (m *SequenceModel) Kind() Kind { return KindSequenceModel }

func (m *SequenceModel) WindowSize() int { return m.cfg.Lookback }

func (m *SequenceModel) Params() map[string]float64 {
	return map[string]float64{
		"hidden_units":  float64(m.cfg.HiddenUnits),
		"epochs":        float64(m.cfg.Epochs),
		"lookback":      float64(m.cfg.Lookback),
		"dropout_rate":  m.cfg.Dropout,
		"learning_rate": m.cfg.LearningRate,
		"random_state":  float64(m.cfg.Seed),
	}
}

// BuildWindows slices the target series into (window, next-value) pairs of
// length lookback. Returns empty slices when the series is too short.
func BuildWindows(target []float64, lookback int) (X [][]float64, y []float64) {
	for i := lookback; i < len(target); i++ {
		X = append(X, target[i-lookback:i])
		y = append(y, target[i])
	}
	return X, y
}

// Fit trains the network. X rows must have length equal to the configured
// lookback.
func (m *SequenceModel) Fit(X [][]float64, y []float64) error {
	if len(X) == 0 || len(X) != len(y) {
		return fmt.Errorf("degenerate training input: %d windows, %d targets", len(X), len(y))
	}
	lookback := m.cfg.Lookback
	for i, w := range X {
		if len(w) != lookback {
			return fmt.Errorf("window %d has length %d, expected %d", i, len(w), lookback)
		}
		for _, v := range w {
			if !finite(v) {
				return fmt.Errorf("non-finite value in window %d", i)
			}
		}
		if !finite(y[i]) {
			return fmt.Errorf("non-finite target at window %d", i)
		}
	}

	hidden := m.cfg.HiddenUnits
	rng := rand.New(rand.NewSource(m.cfg.Seed))

	scale := 1.0 / math.Sqrt(float64(lookback))
	m.w1 = make([][]float64, hidden)
	m.b1 = make([]float64, hidden)
	for h := 0; h < hidden; h++ {
		m.w1[h] = make([]float64, lookback)
		for j := range m.w1[h] {
			m.w1[h][j] = (rng.Float64()*2 - 1) * scale
		}
	}
	m.w2 = make([]float64, hidden)
	hScale := 1.0 / math.Sqrt(float64(hidden))
	for h := range m.w2 {
		m.w2[h] = (rng.Float64()*2 - 1) * hScale
	}
	m.b2 = 0

	lr := m.cfg.LearningRate
	keep := 1 - m.cfg.Dropout

	act := make([]float64, hidden)
	mask := make([]float64, hidden)

	for epoch := 0; epoch < m.cfg.Epochs; epoch++ {
		for s := range X {
			// Forward pass with inverted dropout on the hidden layer.
			for h := 0; h < hidden; h++ {
				z := m.b1[h]
				for j, v := range X[s] {
					z += m.w1[h][j] * v
				}
				act[h] = math.Tanh(z)

				mask[h] = 1
				if m.cfg.Dropout > 0 {
					if rng.Float64() < m.cfg.Dropout {
						mask[h] = 0
					} else {
						mask[h] = 1 / keep
					}
				}
				act[h] *= mask[h]
			}

			out := m.b2
			for h := 0; h < hidden; h++ {
				out += m.w2[h] * act[h]
			}

			// Backward pass, squared-error loss.
			dOut := out - y[s]
			for h := 0; h < hidden; h++ {
				dAct := dOut * m.w2[h]
				m.w2[h] -= lr * dOut * act[h]

				// tanh' through the dropout mask
				raw := 0.0
				if mask[h] != 0 {
					raw = act[h] / mask[h]
				}
				dZ := dAct * mask[h] * (1 - raw*raw)
				for j, v := range X[s] {
					m.w1[h][j] -= lr * dZ * v
				}
				m.b1[h] -= lr * dZ
			}
			m.b2 -= lr * dOut
		}
	}

	for h := 0; h < hidden; h++ {
		if !finite(m.w2[h]) || !finite(m.b1[h]) {
			return fmt.Errorf("training diverged: non-finite weights")
		}
		for j := range m.w1[h] {
			if !finite(m.w1[h][j]) {
				return fmt.Errorf("training diverged: non-finite weights")
			}
		}
	}

	m.fitted = true
	return nil
}

// Predict runs a forward pass without dropout.
func (m *SequenceModel) Predict(window []float64) (float64, error) {
	if !m.fitted {
		return 0, fmt.Errorf("sequence model is not fitted")
	}
	if len(window) != m.cfg.Lookback {
		return 0, fmt.Errorf("window has length %d, model expects %d", len(window), m.cfg.Lookback)
	}

	out := m.b2
	for h := 0; h < m.cfg.HiddenUnits; h++ {
		z := m.b1[h]
		for j, v := range window {
			z += m.w1[h][j] * v
		}
		out += m.w2[h] * math.Tanh(z)
	}
	return out, nil
}
