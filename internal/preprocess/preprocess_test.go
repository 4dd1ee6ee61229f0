package preprocess

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/petrosight/reservoir/internal/reservoir"
	"github.com/petrosight/reservoir/internal/series"
)

func day(n int) time.Time {
	return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, n)
}

func frameOf(values []float64) *series.Frame {
	f := series.New("production_rate")
	for i, v := range values {
		row := map[string]float64{}
		if !math.IsNaN(v) {
			row["production_rate"] = v
		}
		f.AppendRow(day(i), "src-1", reservoir.SourceHistorical, row)
	}
	return f
}

func TestFillMissing(t *testing.T) {
	nan := math.NaN()
	f := frameOf([]float64{nan, 100, nan, nan, 96, 95})

	res, err := New(nil).Run(f, Config{FillMissing: true})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	rate, _ := res.Frame.Column("production_rate")
	want := []float64{100, 100, 100, 100, 96, 95}
	for i, v := range want {
		if rate[i] != v {
			t.Errorf("Row %d: expected %f, got %f", i, v, rate[i])
		}
	}
}

func TestRemoveOutliers(t *testing.T) {
	// 10 well-behaved points plus one far outlier.
	f := frameOf([]float64{100, 101, 99, 100, 102, 98, 100, 101, 99, 100, 5000})

	res, err := New(nil).Run(f, Config{RemoveOutliers: true})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if res.Frame.Len() != 10 {
		t.Fatalf("Expected the outlier dropped, got %d rows", res.Frame.Len())
	}
	rate, _ := res.Frame.Column("production_rate")
	for _, v := range rate {
		if v > 200 {
			t.Errorf("Outlier survived: %f", v)
		}
	}
}

func TestRemoveOutliersIdempotentOnCleanData(t *testing.T) {
	clean := []float64{100, 101, 99, 100, 102, 98, 100, 101}
	f := frameOf(clean)

	p := New(nil)
	res, err := p.Run(f, Config{RemoveOutliers: true})
	if err != nil {
		t.Fatalf("First pass: %v", err)
	}
	n := res.Frame.Len()

	res, err = p.Run(res.Frame, Config{RemoveOutliers: true})
	if err != nil {
		t.Fatalf("Second pass: %v", err)
	}
	if res.Frame.Len() != n {
		t.Errorf("Second pass changed row count: %d -> %d", n, res.Frame.Len())
	}
}

func TestRemoveOutliersIdempotentAfterFiltering(t *testing.T) {
	// The first pass drops the outlier; the second pass must leave the
	// filtered frame unchanged even though its quartiles have shifted.
	f := frameOf([]float64{100, 101, 99, 100, 102, 98, 100, 101, 99, 100, 5000})

	p := New(nil)
	res, err := p.Run(f, Config{RemoveOutliers: true})
	if err != nil {
		t.Fatalf("First pass: %v", err)
	}
	if res.Frame.Len() != 10 {
		t.Fatalf("Expected the outlier dropped, got %d rows", res.Frame.Len())
	}
	first, _ := res.Frame.Column("production_rate")

	res2, err := p.Run(res.Frame, Config{RemoveOutliers: true})
	if err != nil {
		t.Fatalf("Second pass: %v", err)
	}
	if res2.Frame.Len() != res.Frame.Len() {
		t.Fatalf("Second pass changed row count: %d -> %d", res.Frame.Len(), res2.Frame.Len())
	}
	second, _ := res2.Frame.Column("production_rate")
	for i := range first {
		if second[i] != first[i] {
			t.Errorf("Row %d changed on second pass: %f -> %f", i, first[i], second[i])
		}
	}
}

func TestInsufficientDataAfterOutlierRemoval(t *testing.T) {
	f := frameOf([]float64{100})

	_, err := New(nil).Run(f, Config{RemoveOutliers: true})
	var insufficient *reservoir.InsufficientDataError
	if !errors.As(err, &insufficient) {
		t.Fatalf("Expected InsufficientDataError, got %v", err)
	}
}

func TestNormalize(t *testing.T) {
	f := frameOf([]float64{90, 100, 110, 95, 105})

	res, err := New(nil).Run(f, Config{Normalize: true})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	rate, _ := res.Frame.Column("production_rate")
	var sum float64
	for _, v := range rate {
		sum += v
	}
	if math.Abs(sum/float64(len(rate))) > 1e-9 {
		t.Errorf("Standardized mean should be ~0, got %f", sum/float64(len(rate)))
	}

	mean, std, ok := res.Scaler.Params("production_rate")
	if !ok {
		t.Fatal("Scaler should have fitted the target column")
	}
	if math.Abs(mean-100) > 1e-9 {
		t.Errorf("Expected mean 100, got %f", mean)
	}
	if std <= 0 {
		t.Errorf("Expected positive std, got %f", std)
	}
	got := res.Scaler.InverseTransform("production_rate", rate[0])
	if math.Abs(got-90) > 1e-9 {
		t.Errorf("InverseTransform should recover 90, got %f", got)
	}
}

func TestNormalizeSkipsConstantColumn(t *testing.T) {
	f := frameOf([]float64{100, 100, 100, 100})

	res, err := New(nil).Run(f, Config{Normalize: true})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	rate, _ := res.Frame.Column("production_rate")
	for _, v := range rate {
		if v != 100 {
			t.Errorf("Constant column should be untouched, got %f", v)
		}
	}
	if _, _, ok := res.Scaler.Params("production_rate"); ok {
		t.Error("Scaler should not report params for a constant column")
	}
}

func TestTimeFeatures(t *testing.T) {
	f := frameOf([]float64{100, 99, 98})

	res, err := New(nil).Run(f, Config{CreateTimeFeatures: true})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	cols := res.Frame.Columns()
	want := []string{"production_rate", "hour", "day", "month", "year"}
	if len(cols) != len(want) {
		t.Fatalf("Expected columns %v, got %v", want, cols)
	}
	for i, c := range want {
		if cols[i] != c {
			t.Errorf("Column %d: expected %s, got %s (order must be deterministic)", i, c, cols[i])
		}
	}

	years, _ := res.Frame.Column("year")
	if years[0] != 2026 {
		t.Errorf("Expected year 2026, got %f", years[0])
	}
	days, _ := res.Frame.Column("day")
	if days[2] != 3 {
		t.Errorf("Expected day 3, got %f", days[2])
	}
}

func TestDefaultConfigRunsAllSteps(t *testing.T) {
	nan := math.NaN()
	f := frameOf([]float64{100, nan, 99, 101, 100, 98, 102, 99, 100, 101})

	res, err := New(nil).Run(f, DefaultConfig())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if !res.Frame.HasColumn("year") {
		t.Error("Time features missing")
	}
	rate, _ := res.Frame.Column("production_rate")
	for i, v := range rate {
		if math.IsNaN(v) {
			t.Errorf("Row %d still NaN after fill", i)
		}
	}
	if res.Scaler == nil {
		t.Error("Scaler missing")
	}
}
