// Package preprocess cleans and transforms a fused measurement series:
// missing-value fill, IQR outlier removal, per-column standardization, and
// time-derived feature columns.
package preprocess

import (
	"math"
	"sort"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"

	"github.com/petrosight/reservoir/internal/reservoir"
	"github.com/petrosight/reservoir/internal/series"
)

// Config selects which cleaning steps run. All steps default to enabled.
type Config struct {
	FillMissing        bool `json:"fill_missing"`
	RemoveOutliers     bool `json:"remove_outliers"`
	Normalize          bool `json:"normalize"`
	CreateTimeFeatures bool `json:"create_time_features"`
}

// DefaultConfig returns the standard cleaning configuration.
func DefaultConfig() Config {
	return Config{
		FillMissing:        true,
		RemoveOutliers:     true,
		Normalize:          true,
		CreateTimeFeatures: true,
	}
}

// Scaler holds the fitted standardization parameters per column so the
// target column can be reported back in original units.
type Scaler struct {
	means map[string]float64
	stds  map[string]float64
}

// Params returns the fitted mean and standard deviation for a column.
func (s *Scaler) Params(column string) (mean, std float64, ok bool) {
	if s == nil {
		return 0, 1, false
	}
	mean, okM := s.means[column]
	std, okS := s.stds[column]
	if !okM || !okS {
		return 0, 1, false
	}
	return mean, std, true
}

// InverseTransform maps a standardized value back to original units. For
// columns the scaler never fit, the value is returned unchanged.
func (s *Scaler) InverseTransform(column string, value float64) float64 {
	mean, std, ok := s.Params(column)
	if !ok {
		return value
	}
	return value*std + mean
}

// Result is the cleaned, feature-augmented series plus fitted scaling.
type Result struct {
	Frame  *series.Frame
	Scaler *Scaler
}

// Preprocessor runs the configured cleaning steps in a fixed order:
// fill, outlier removal, normalization, time features.
type Preprocessor struct {
	logger *zap.Logger
}

// New creates a Preprocessor.
func New(logger *zap.Logger) *Preprocessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Preprocessor{logger: logger.With(zap.String("component", "preprocess"))}
}

// Run cleans the frame in place and returns it with the fitted scaler.
// Returns *reservoir.InsufficientDataError when fewer than 2 rows survive
// outlier removal.
func (p *Preprocessor) Run(frame *series.Frame, cfg Config) (*Result, error) {
	before := frame.Len()

	if cfg.FillMissing {
		fillMissing(frame)
	}

	if cfg.RemoveOutliers {
		removeOutliers(frame)
		if frame.Len() < 2 {
			return nil, &reservoir.InsufficientDataError{Rows: frame.Len()}
		}
	}

	var scaler *Scaler
	if cfg.Normalize {
		scaler = normalize(frame)
	}

	if cfg.CreateTimeFeatures {
		addTimeFeatures(frame)
	}

	p.logger.Info("preprocessing complete",
		zap.Int("rows_in", before),
		zap.Int("rows_out", frame.Len()),
		zap.Int("columns", len(frame.Columns())))

	return &Result{Frame: frame, Scaler: scaler}, nil
}

// fillMissing forward-fills each column, then back-fills any remaining
// leading gaps.
func fillMissing(frame *series.Frame) {
	for _, name := range frame.Columns() {
		col, _ := frame.Column(name)

		last := math.NaN()
		for i, v := range col {
			if math.IsNaN(v) {
				col[i] = last
			} else {
				last = v
			}
		}

		next := math.NaN()
		for i := len(col) - 1; i >= 0; i-- {
			if math.IsNaN(col[i]) {
				col[i] = next
			} else {
				next = col[i]
			}
		}
	}
}

// removeOutliers drops rows where any column value falls outside
// [Q1 − 1.5·IQR, Q3 + 1.5·IQR], with quartiles computed per column over the
// whole series.
func removeOutliers(frame *series.Frame) {
	type bounds struct {
		lo, hi float64
		valid  bool
	}

	cols := frame.Columns()
	limits := make(map[string]bounds, len(cols))
	for _, name := range cols {
		col, _ := frame.Column(name)
		q1, q3, ok := quartiles(col)
		if !ok {
			limits[name] = bounds{}
			continue
		}
		iqr := q3 - q1
		limits[name] = bounds{lo: q1 - 1.5*iqr, hi: q3 + 1.5*iqr, valid: true}
	}

	frame.Filter(func(row int) bool {
		for _, name := range cols {
			b := limits[name]
			if !b.valid {
				continue
			}
			col, _ := frame.Column(name)
			v := col[row]
			if math.IsNaN(v) {
				continue
			}
			if v < b.lo || v > b.hi {
				return false
			}
		}
		return true
	})
}

// quartiles computes Q1 and Q3 over the finite values of a column with
// linear interpolation between order statistics.
func quartiles(col []float64) (q1, q3 float64, ok bool) {
	finite := make([]float64, 0, len(col))
	for _, v := range col {
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			finite = append(finite, v)
		}
	}
	if len(finite) < 2 {
		return 0, 0, false
	}
	sort.Float64s(finite)
	q1 = stat.Quantile(0.25, stat.LinInterp, finite, nil)
	q3 = stat.Quantile(0.75, stat.LinInterp, finite, nil)
	return q1, q3, true
}

// normalize standardizes each column to zero mean and unit variance and
// returns the fitted parameters. Constant columns are left untouched.
func normalize(frame *series.Frame) *Scaler {
	scaler := &Scaler{
		means: make(map[string]float64),
		stds:  make(map[string]float64),
	}

	for _, name := range frame.Columns() {
		col, _ := frame.Column(name)

		mean, std := stat.MeanStdDev(col, nil)
		if math.IsNaN(mean) || math.IsNaN(std) || std == 0 {
			continue
		}

		for i, v := range col {
			col[i] = (v - mean) / std
		}
		scaler.means[name] = mean
		scaler.stds[name] = std
	}

	return scaler
}

// addTimeFeatures derives hour/day/month/year columns from the timestamp
// axis. Existing columns with those names are left alone.
func addTimeFeatures(frame *series.Frame) {
	n := frame.Len()
	hours := make([]float64, n)
	days := make([]float64, n)
	months := make([]float64, n)
	years := make([]float64, n)
	for i, ts := range frame.Timestamps {
		hours[i] = float64(ts.Hour())
		days[i] = float64(ts.Day())
		months[i] = float64(int(ts.Month()))
		years[i] = float64(ts.Year())
	}

	ordered := []struct {
		name string
		vals []float64
	}{
		{"hour", hours}, {"day", days}, {"month", months}, {"year", years},
	}
	for _, f := range ordered {
		if !frame.HasColumn(f.name) {
			frame.AddColumn(f.name, f.vals)
		}
	}
}
