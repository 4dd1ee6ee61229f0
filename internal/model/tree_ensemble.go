package model

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
)

// TreeEnsemble is a bagged ensemble of variance-minimizing regression trees
// with per-split random feature subsets. Deterministic for a fixed seed.
type TreeEnsemble struct {
	cfg      TreeEnsembleConfig
	trees    []*treeNode
	features int
	fitted   bool
}

// NewTreeEnsemble creates an untrained ensemble.
func NewTreeEnsemble(cfg TreeEnsembleConfig) *TreeEnsemble {
	if cfg.Estimators < 1 {
		cfg.Estimators = DefaultTreeEnsembleConfig().Estimators
	}
	return &TreeEnsemble{cfg: cfg}
}

func (e *TreeEnsemble) Kind() Kind { return KindTreeEnsemble }

func (e *TreeEnsemble) WindowSize() int { return e.features }

func (e *TreeEnsemble) Params() map[string]float64 {
	return map[string]float64{
		"n_estimators": float64(e.cfg.Estimators),
		"max_depth":    float64(e.cfg.MaxDepth),
		"random_state": float64(e.cfg.Seed),
	}
}

// Fit grows cfg.Estimators trees, each on a bootstrap resample of the rows.
func (e *TreeEnsemble) Fit(X [][]float64, y []float64) error {
	if len(X) == 0 || len(X) != len(y) {
		return fmt.Errorf("degenerate training input: %d rows, %d targets", len(X), len(y))
	}
	for i, row := range X {
		for _, v := range row {
			if !finite(v) {
				return fmt.Errorf("non-finite feature value in row %d", i)
			}
		}
		if !finite(y[i]) {
			return fmt.Errorf("non-finite target value in row %d", i)
		}
	}

	e.features = len(X[0])

	maxDepth := e.cfg.MaxDepth
	if maxDepth <= 0 {
		maxDepth = 25
	}
	// Random feature subset size per split, sqrt(d) as in standard bagging.
	mtry := int(math.Sqrt(float64(e.features)))
	if mtry < 1 {
		mtry = 1
	}

	rng := rand.New(rand.NewSource(e.cfg.Seed))
	e.trees = make([]*treeNode, 0, e.cfg.Estimators)

	for t := 0; t < e.cfg.Estimators; t++ {
		idx := make([]int, len(X))
		for i := range idx {
			idx[i] = rng.Intn(len(X))
		}
		e.trees = append(e.trees, growTree(X, y, idx, maxDepth, mtry, rng))
	}

	e.fitted = true
	return nil
}

// Predict averages the trees' responses for one input row.
func (e *TreeEnsemble) Predict(window []float64) (float64, error) {
	if !e.fitted {
		return 0, fmt.Errorf("tree ensemble is not fitted")
	}
	if len(window) != e.features {
		return 0, fmt.Errorf("input has %d values, model expects %d", len(window), e.features)
	}

	sum := 0.0
	for _, t := range e.trees {
		sum += t.predict(window)
	}
	return sum / float64(len(e.trees)), nil
}

type treeNode struct {
	feature   int
	threshold float64
	left      *treeNode
	right     *treeNode
	value     float64
	leaf      bool
}

func growTree(X [][]float64, y []float64, idx []int, depth, mtry int, rng *rand.Rand) *treeNode {
	if depth == 0 || len(idx) < 2 || constantTarget(y, idx) {
		return &treeNode{leaf: true, value: meanAt(y, idx)}
	}

	feature, threshold, ok := bestSplit(X, y, idx, mtry, rng)
	if !ok {
		return &treeNode{leaf: true, value: meanAt(y, idx)}
	}

	var left, right []int
	for _, i := range idx {
		if X[i][feature] <= threshold {
			left = append(left, i)
		} else {
			right = append(right, i)
		}
	}
	if len(left) == 0 || len(right) == 0 {
		return &treeNode{leaf: true, value: meanAt(y, idx)}
	}

	return &treeNode{
		feature:   feature,
		threshold: threshold,
		left:      growTree(X, y, left, depth-1, mtry, rng),
		right:     growTree(X, y, right, depth-1, mtry, rng),
	}
}

// bestSplit scans a random subset of features for the threshold minimizing
// the summed squared error of the two children.
func bestSplit(X [][]float64, y []float64, idx []int, mtry int, rng *rand.Rand) (int, float64, bool) {
	features := len(X[0])
	perm := rng.Perm(features)
	candidates := perm[:mtry]

	bestSSE := math.Inf(1)
	bestFeature := -1
	bestThreshold := 0.0

	vals := make([]float64, 0, len(idx))
	for _, f := range candidates {
		vals = vals[:0]
		for _, i := range idx {
			vals = append(vals, X[i][f])
		}
		sort.Float64s(vals)

		for k := 0; k+1 < len(vals); k++ {
			if vals[k] == vals[k+1] {
				continue
			}
			threshold := (vals[k] + vals[k+1]) / 2

			sse := splitSSE(X, y, idx, f, threshold)
			if sse < bestSSE {
				bestSSE = sse
				bestFeature = f
				bestThreshold = threshold
			}
		}
	}

	return bestFeature, bestThreshold, bestFeature >= 0
}

func splitSSE(X [][]float64, y []float64, idx []int, feature int, threshold float64) float64 {
	var sumL, sumR float64
	var nL, nR int
	for _, i := range idx {
		if X[i][feature] <= threshold {
			sumL += y[i]
			nL++
		} else {
			sumR += y[i]
			nR++
		}
	}
	if nL == 0 || nR == 0 {
		return math.Inf(1)
	}
	meanL := sumL / float64(nL)
	meanR := sumR / float64(nR)

	var sse float64
	for _, i := range idx {
		if X[i][feature] <= threshold {
			d := y[i] - meanL
			sse += d * d
		} else {
			d := y[i] - meanR
			sse += d * d
		}
	}
	return sse
}

func (n *treeNode) predict(row []float64) float64 {
	for !n.leaf {
		if row[n.feature] <= n.threshold {
			n = n.left
		} else {
			n = n.right
		}
	}
	return n.value
}

func meanAt(y []float64, idx []int) float64 {
	sum := 0.0
	for _, i := range idx {
		sum += y[i]
	}
	return sum / float64(len(idx))
}

func constantTarget(y []float64, idx []int) bool {
	first := y[idx[0]]
	for _, i := range idx[1:] {
		if y[i] != first {
			return false
		}
	}
	return true
}
