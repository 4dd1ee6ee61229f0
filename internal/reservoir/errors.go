package reservoir

import (
	"fmt"
	"sort"
	"strings"
)

// Error taxonomy for the pipeline. A TrainingError for a single model kind
// is recoverable while at least one other candidate trains; every other
// error aborts the session and transitions it to FAILED.

// NoDataError means no usable source rows were resolved.
type NoDataError struct {
	Reason string
}

func (e *NoDataError) Error() string {
	return fmt.Sprintf("no data: %s", e.Reason)
}

// InsufficientDataError means too little data survived cleaning to fit
// any model.
type InsufficientDataError struct {
	Rows int
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("insufficient data: %d rows remain after cleaning (need at least 2)", e.Rows)
}

// TrainingError wraps a single candidate's fit failure, tagged with the
// offending model kind.
type TrainingError struct {
	Kind string
	Err  error
}

func (e *TrainingError) Error() string {
	return fmt.Sprintf("training %s: %v", e.Kind, e.Err)
}

func (e *TrainingError) Unwrap() error { return e.Err }

// AllModelsFailedError means every requested candidate failed to fit.
// Fatal for the session.
type AllModelsFailedError struct {
	Causes map[string]error
}

func (e *AllModelsFailedError) Error() string {
	kinds := make([]string, 0, len(e.Causes))
	for kind := range e.Causes {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)

	parts := make([]string, 0, len(kinds))
	for _, kind := range kinds {
		parts = append(parts, fmt.Sprintf("%s: %v", kind, e.Causes[kind]))
	}
	return fmt.Sprintf("all models failed to train (%s)", strings.Join(parts, "; "))
}

// ForecastError means the rollout produced empty or non-finite output.
type ForecastError struct {
	Step   int
	Reason string
}

func (e *ForecastError) Error() string {
	return fmt.Sprintf("forecast failed at step %d: %s", e.Step, e.Reason)
}

// PersistenceError means the final atomic write failed after a successful
// pipeline run. The session must report FAILED, never a silent success.
type PersistenceError struct {
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persisting session result: %v", e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
