// Package series holds the columnar time-series frame the pipeline stages
// pass between each other. Rows are aligned by index across all columns;
// missing values are NaN.
package series

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/petrosight/reservoir/internal/reservoir"
)

// Frame is an ordered set of numeric columns over a shared timestamp axis,
// with per-row provenance tags attached by data fusion.
type Frame struct {
	Timestamps []time.Time
	columns    []string
	data       map[string][]float64

	// Provenance, one entry per row.
	SourceIDs        []string
	SourceCategories []reservoir.SourceCategory
}

// New creates an empty frame with the given column order.
func New(columns ...string) *Frame {
	f := &Frame{
		columns: append([]string(nil), columns...),
		data:    make(map[string][]float64, len(columns)),
	}
	for _, c := range columns {
		f.data[c] = nil
	}
	return f
}

// Len returns the row count.
func (f *Frame) Len() int { return len(f.Timestamps) }

// Columns returns the column names in order.
func (f *Frame) Columns() []string {
	return append([]string(nil), f.columns...)
}

// HasColumn reports whether the named column exists.
func (f *Frame) HasColumn(name string) bool {
	_, ok := f.data[name]
	return ok
}

// Column returns the backing slice for a column. Callers must not resize it.
func (f *Frame) Column(name string) ([]float64, error) {
	col, ok := f.data[name]
	if !ok {
		return nil, fmt.Errorf("unknown column %q", name)
	}
	return col, nil
}

// AddColumn appends a new column. The slice length must match the row count.
func (f *Frame) AddColumn(name string, values []float64) error {
	if _, exists := f.data[name]; exists {
		return fmt.Errorf("column %q already exists", name)
	}
	if len(values) != f.Len() {
		return fmt.Errorf("column %q has %d values, frame has %d rows", name, len(values), f.Len())
	}
	f.columns = append(f.columns, name)
	f.data[name] = values
	return nil
}

// SetColumn replaces an existing column's values in place.
func (f *Frame) SetColumn(name string, values []float64) error {
	if _, ok := f.data[name]; !ok {
		return fmt.Errorf("unknown column %q", name)
	}
	if len(values) != f.Len() {
		return fmt.Errorf("column %q has %d values, frame has %d rows", name, len(values), f.Len())
	}
	f.data[name] = values
	return nil
}

// AppendRow adds one row. values must cover every column.
func (f *Frame) AppendRow(ts time.Time, sourceID string, category reservoir.SourceCategory, values map[string]float64) error {
	for _, c := range f.columns {
		v, ok := values[c]
		if !ok {
			v = math.NaN()
		}
		f.data[c] = append(f.data[c], v)
	}
	f.Timestamps = append(f.Timestamps, ts)
	f.SourceIDs = append(f.SourceIDs, sourceID)
	f.SourceCategories = append(f.SourceCategories, category)
	return nil
}

// Append concatenates another frame. Columns missing on either side are
// filled with NaN so the union of columns survives.
func (f *Frame) Append(other *Frame) {
	for _, c := range other.columns {
		if !f.HasColumn(c) {
			pad := make([]float64, f.Len())
			for i := range pad {
				pad[i] = math.NaN()
			}
			f.columns = append(f.columns, c)
			f.data[c] = pad
		}
	}

	n := other.Len()
	for _, c := range f.columns {
		src, ok := other.data[c]
		if !ok {
			src = nil
		}
		for i := 0; i < n; i++ {
			if src == nil {
				f.data[c] = append(f.data[c], math.NaN())
			} else {
				f.data[c] = append(f.data[c], src[i])
			}
		}
	}
	f.Timestamps = append(f.Timestamps, other.Timestamps...)
	f.SourceIDs = append(f.SourceIDs, other.SourceIDs...)
	f.SourceCategories = append(f.SourceCategories, other.SourceCategories...)
}

// SortByTimestamp orders rows ascending by timestamp. The sort is stable so
// rows with equal timestamps keep their source order.
func (f *Frame) SortByTimestamp() {
	idx := make([]int, f.Len())
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return f.Timestamps[idx[a]].Before(f.Timestamps[idx[b]])
	})

	f.reorder(idx)
}

// Filter keeps only the rows for which keep returns true, preserving order.
func (f *Frame) Filter(keep func(row int) bool) {
	idx := make([]int, 0, f.Len())
	for i := 0; i < f.Len(); i++ {
		if keep(i) {
			idx = append(idx, i)
		}
	}
	f.reorder(idx)
}

func (f *Frame) reorder(idx []int) {
	ts := make([]time.Time, len(idx))
	ids := make([]string, len(idx))
	cats := make([]reservoir.SourceCategory, len(idx))
	for i, j := range idx {
		ts[i] = f.Timestamps[j]
		ids[i] = f.SourceIDs[j]
		cats[i] = f.SourceCategories[j]
	}
	f.Timestamps = ts
	f.SourceIDs = ids
	f.SourceCategories = cats

	for _, c := range f.columns {
		col := f.data[c]
		out := make([]float64, len(idx))
		for i, j := range idx {
			out[i] = col[j]
		}
		f.data[c] = out
	}
}

// Clone returns a deep copy.
func (f *Frame) Clone() *Frame {
	out := &Frame{
		Timestamps:       append([]time.Time(nil), f.Timestamps...),
		columns:          append([]string(nil), f.columns...),
		data:             make(map[string][]float64, len(f.columns)),
		SourceIDs:        append([]string(nil), f.SourceIDs...),
		SourceCategories: append([]reservoir.SourceCategory(nil), f.SourceCategories...),
	}
	for _, c := range f.columns {
		out.data[c] = append([]float64(nil), f.data[c]...)
	}
	return out
}

// Row returns the values of every column at a row, in column order.
func (f *Frame) Row(i int) []float64 {
	out := make([]float64, len(f.columns))
	for j, c := range f.columns {
		out[j] = f.data[c][i]
	}
	return out
}
