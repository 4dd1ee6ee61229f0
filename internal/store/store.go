// Package store defines the persistence contracts the pipeline reads and
// writes, with in-memory and Postgres implementations plus a Redis-backed
// status store for live progress polling. Storage technology stays behind
// these interfaces; the pipeline never depends on a concrete backend.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/petrosight/reservoir/internal/api"
	"github.com/petrosight/reservoir/internal/reservoir"
	"github.com/petrosight/reservoir/internal/series"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// ErrTerminal is returned on an attempt to transition a session that is
// already COMPLETED or FAILED.
var ErrTerminal = errors.New("session is already terminal")

// SourceStore reads uploaded data sources and their measurement series.
// Sources are read-only to the pipeline; PutSource exists for seeding by
// upload tooling and tests.
type SourceStore interface {
	GetSource(ctx context.Context, id string) (*reservoir.DataSource, error)
	ListSources(ctx context.Context) ([]*reservoir.DataSource, error)
	PutSource(ctx context.Context, src *reservoir.DataSource, frame *series.Frame) error

	// LoadSeries satisfies fusion.SeriesLoader.
	LoadSeries(ctx context.Context, sourceID string) (*series.Frame, error)
}

// Commit is the atomic completion write: the forecast, its warnings, and
// the aggregated session result land together or not at all.
type Commit struct {
	SessionID   string
	Result      reservoir.SessionResult
	Forecast    *reservoir.Forecast
	Warnings    []*reservoir.Warning
	CompletedAt time.Time
	Duration    time.Duration
}

// SessionStore persists prediction sessions through their state machine.
type SessionStore interface {
	CreateSession(ctx context.Context, s *reservoir.PredictionSession) error
	GetSession(ctx context.Context, id string) (*reservoir.PredictionSession, error)
	ListSessions(ctx context.Context, limit int) ([]*reservoir.PredictionSession, error)

	// MarkSessionProcessing transitions PENDING → PROCESSING.
	MarkSessionProcessing(ctx context.Context, id string) error

	// CommitSessionResult transitions PROCESSING → COMPLETED atomically
	// with the forecast and warning writes. Returns PersistenceError
	// semantics to the caller via a plain error; the orchestrator wraps.
	CommitSessionResult(ctx context.Context, c Commit) error

	// FailSession transitions to FAILED with a human-readable message.
	FailSession(ctx context.Context, id, message string, at time.Time) error
}

// ForecastStore reads and manages forecast lifecycle after creation.
type ForecastStore interface {
	GetForecast(ctx context.Context, id string) (*reservoir.Forecast, error)
	ListRecentForecasts(ctx context.Context, since time.Time, limit int) ([]*reservoir.Forecast, error)

	// ArchiveForecast transitions published → archived.
	ArchiveForecast(ctx context.Context, id string) error
}

// WarningStore reads warnings and handles acknowledgment, the only mutation
// warnings admit. Acknowledging twice is a no-op, never an error.
type WarningStore interface {
	GetWarning(ctx context.Context, id string) (*reservoir.Warning, error)
	ListWarningsByForecast(ctx context.Context, forecastID string) ([]*reservoir.Warning, error)
	ListUnacknowledged(ctx context.Context, limit int) ([]*reservoir.Warning, error)

	AcknowledgeWarning(ctx context.Context, id, actor string, at time.Time) error
	AcknowledgeWarnings(ctx context.Context, ids []string, actor string, at time.Time) error
}

// SimulationStore persists extraction-simulation runs.
type SimulationStore interface {
	CreateSimulation(ctx context.Context, sim *reservoir.ExtractionSimulation) error
	GetSimulation(ctx context.Context, id string) (*reservoir.ExtractionSimulation, error)
	StartSimulation(ctx context.Context, id string, at time.Time) error
	CompleteSimulation(ctx context.Context, id string, result *reservoir.SimulationResult, at time.Time) error
	FailSimulation(ctx context.Context, id, message string, at time.Time) error
}

// Store aggregates every persistence contract one backend provides.
type Store interface {
	SourceStore
	SessionStore
	ForecastStore
	WarningStore
	SimulationStore

	Close() error
}

// StatusStore keeps the live, externally pollable progress of running
// sessions. It is advisory: the session record remains the source of truth
// for terminal state.
type StatusStore interface {
	SetStatus(ctx context.Context, status api.SessionStatus) error
	GetStatus(ctx context.Context, sessionID string) (api.SessionStatus, error)
	Close() error
}
