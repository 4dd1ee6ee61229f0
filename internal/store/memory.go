package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/petrosight/reservoir/internal/api"
	"github.com/petrosight/reservoir/internal/reservoir"
	"github.com/petrosight/reservoir/internal/series"
)

// MemoryStore is the in-process backend for tests and single-node
// deployments. One mutex guards all tables so the commit write is atomic
// with respect to every reader.
type MemoryStore struct {
	mu          sync.RWMutex
	sources     map[string]*reservoir.DataSource
	frames      map[string]*series.Frame
	sessions    map[string]*reservoir.PredictionSession
	forecasts   map[string]*reservoir.Forecast
	warnings    map[string]*reservoir.Warning
	simulations map[string]*reservoir.ExtractionSimulation
	statuses    map[string]api.SessionStatus
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sources:     make(map[string]*reservoir.DataSource),
		frames:      make(map[string]*series.Frame),
		sessions:    make(map[string]*reservoir.PredictionSession),
		forecasts:   make(map[string]*reservoir.Forecast),
		warnings:    make(map[string]*reservoir.Warning),
		simulations: make(map[string]*reservoir.ExtractionSimulation),
		statuses:    make(map[string]api.SessionStatus),
	}
}

func (m *MemoryStore) GetSource(ctx context.Context, id string) (*reservoir.DataSource, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	src, ok := m.sources[id]
	if !ok {
		return nil, fmt.Errorf("source %s: %w", id, ErrNotFound)
	}
	cp := *src
	return &cp, nil
}

func (m *MemoryStore) ListSources(ctx context.Context) ([]*reservoir.DataSource, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*reservoir.DataSource, 0, len(m.sources))
	for _, src := range m.sources {
		cp := *src
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) PutSource(ctx context.Context, src *reservoir.DataSource, frame *series.Frame) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *src
	m.sources[src.ID] = &cp
	if frame != nil {
		m.frames[src.ID] = frame.Clone()
	}
	return nil
}

func (m *MemoryStore) LoadSeries(ctx context.Context, sourceID string) (*series.Frame, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	frame, ok := m.frames[sourceID]
	if !ok {
		return nil, fmt.Errorf("series for source %s: %w", sourceID, ErrNotFound)
	}
	return frame.Clone(), nil
}

func (m *MemoryStore) CreateSession(ctx context.Context, s *reservoir.PredictionSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[s.ID]; exists {
		return fmt.Errorf("session %s already exists", s.ID)
	}
	cp := *s
	m.sessions[s.ID] = &cp
	return nil
}

func (m *MemoryStore) GetSession(ctx context.Context, id string) (*reservoir.PredictionSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) ListSessions(ctx context.Context, limit int) ([]*reservoir.PredictionSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*reservoir.PredictionSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		cp := *s
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) MarkSessionProcessing(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if s.State.Terminal() {
		return fmt.Errorf("session %s: %w", id, ErrTerminal)
	}
	s.State = reservoir.SessionProcessing
	return nil
}

func (m *MemoryStore) CommitSessionResult(ctx context.Context, c Commit) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[c.SessionID]
	if !ok {
		return fmt.Errorf("session %s: %w", c.SessionID, ErrNotFound)
	}
	if s.State.Terminal() {
		return fmt.Errorf("session %s: %w", c.SessionID, ErrTerminal)
	}

	fc := *c.Forecast
	m.forecasts[fc.ID] = &fc
	for _, w := range c.Warnings {
		cp := *w
		m.warnings[cp.ID] = &cp
	}

	result := c.Result
	completed := c.CompletedAt
	s.State = reservoir.SessionCompleted
	s.Result = &result
	s.ForecastIDs = []string{fc.ID}
	s.WarningIDs = warningIDs(c.Warnings)
	s.CompletedAt = &completed
	s.DurationSeconds = int(c.Duration.Seconds())
	return nil
}

func (m *MemoryStore) FailSession(ctx context.Context, id, message string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if s.State.Terminal() {
		return fmt.Errorf("session %s: %w", id, ErrTerminal)
	}
	s.State = reservoir.SessionFailed
	s.ErrorMessage = message
	s.CompletedAt = &at
	s.DurationSeconds = int(at.Sub(s.StartedAt).Seconds())
	return nil
}

func (m *MemoryStore) GetForecast(ctx context.Context, id string) (*reservoir.Forecast, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	f, ok := m.forecasts[id]
	if !ok {
		return nil, fmt.Errorf("forecast %s: %w", id, ErrNotFound)
	}
	cp := *f
	return &cp, nil
}

func (m *MemoryStore) ListRecentForecasts(ctx context.Context, since time.Time, limit int) ([]*reservoir.Forecast, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*reservoir.Forecast, 0)
	for _, f := range m.forecasts {
		if f.GeneratedAt.Before(since) {
			continue
		}
		cp := *f
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GeneratedAt.After(out[j].GeneratedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ArchiveForecast(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, ok := m.forecasts[id]
	if !ok {
		return fmt.Errorf("forecast %s: %w", id, ErrNotFound)
	}
	if f.State != reservoir.ForecastPublished {
		return fmt.Errorf("forecast %s is %s, only published forecasts can be archived", id, f.State)
	}
	f.State = reservoir.ForecastArchived
	return nil
}

func (m *MemoryStore) GetWarning(ctx context.Context, id string) (*reservoir.Warning, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	w, ok := m.warnings[id]
	if !ok {
		return nil, fmt.Errorf("warning %s: %w", id, ErrNotFound)
	}
	cp := *w
	return &cp, nil
}

func (m *MemoryStore) ListWarningsByForecast(ctx context.Context, forecastID string) ([]*reservoir.Warning, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*reservoir.Warning, 0)
	for _, w := range m.warnings {
		if w.ForecastID != forecastID {
			continue
		}
		cp := *w
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) ListUnacknowledged(ctx context.Context, limit int) ([]*reservoir.Warning, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*reservoir.Warning, 0)
	for _, w := range m.warnings {
		if w.Acknowledged {
			continue
		}
		cp := *w
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) AcknowledgeWarning(ctx context.Context, id, actor string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acknowledgeLocked(id, actor, at)
}

func (m *MemoryStore) AcknowledgeWarnings(ctx context.Context, ids []string, actor string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Validate the whole batch first so a bad id leaves nothing acknowledged.
	for _, id := range ids {
		if _, ok := m.warnings[id]; !ok {
			return fmt.Errorf("warning %s: %w", id, ErrNotFound)
		}
	}
	for _, id := range ids {
		if err := m.acknowledgeLocked(id, actor, at); err != nil {
			return err
		}
	}
	return nil
}

// acknowledgeLocked requires m.mu held for writing. Re-acknowledging keeps
// the original actor and timestamp.
func (m *MemoryStore) acknowledgeLocked(id, actor string, at time.Time) error {
	w, ok := m.warnings[id]
	if !ok {
		return fmt.Errorf("warning %s: %w", id, ErrNotFound)
	}
	if w.Acknowledged {
		return nil
	}
	w.Acknowledged = true
	w.AcknowledgedBy = actor
	w.AcknowledgedAt = &at
	return nil
}

func (m *MemoryStore) CreateSimulation(ctx context.Context, sim *reservoir.ExtractionSimulation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.simulations[sim.ID]; exists {
		return fmt.Errorf("simulation %s already exists", sim.ID)
	}
	cp := *sim
	m.simulations[sim.ID] = &cp
	return nil
}

func (m *MemoryStore) GetSimulation(ctx context.Context, id string) (*reservoir.ExtractionSimulation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sim, ok := m.simulations[id]
	if !ok {
		return nil, fmt.Errorf("simulation %s: %w", id, ErrNotFound)
	}
	cp := *sim
	return &cp, nil
}

func (m *MemoryStore) StartSimulation(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sim, ok := m.simulations[id]
	if !ok {
		return fmt.Errorf("simulation %s: %w", id, ErrNotFound)
	}
	if sim.State.Terminal() {
		return fmt.Errorf("simulation %s: %w", id, ErrTerminal)
	}
	sim.State = reservoir.SessionProcessing
	sim.StartedAt = &at
	return nil
}

func (m *MemoryStore) CompleteSimulation(ctx context.Context, id string, result *reservoir.SimulationResult, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sim, ok := m.simulations[id]
	if !ok {
		return fmt.Errorf("simulation %s: %w", id, ErrNotFound)
	}
	if sim.State.Terminal() {
		return fmt.Errorf("simulation %s: %w", id, ErrTerminal)
	}
	cp := *result
	sim.State = reservoir.SessionCompleted
	sim.Result = &cp
	sim.CompletedAt = &at
	return nil
}

func (m *MemoryStore) FailSimulation(ctx context.Context, id, message string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sim, ok := m.simulations[id]
	if !ok {
		return fmt.Errorf("simulation %s: %w", id, ErrNotFound)
	}
	if sim.State.Terminal() {
		return fmt.Errorf("simulation %s: %w", id, ErrTerminal)
	}
	sim.State = reservoir.SessionFailed
	sim.ErrorMessage = message
	sim.CompletedAt = &at
	return nil
}

// SetStatus lets MemoryStore double as a StatusStore for single-node runs.
func (m *MemoryStore) SetStatus(ctx context.Context, status api.SessionStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses[status.SessionID] = status
	return nil
}

func (m *MemoryStore) GetStatus(ctx context.Context, sessionID string) (api.SessionStatus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status, ok := m.statuses[sessionID]
	if !ok {
		return api.SessionStatus{}, fmt.Errorf("status for session %s: %w", sessionID, ErrNotFound)
	}
	return status, nil
}

func (m *MemoryStore) Close() error { return nil }

var (
	_ Store       = (*MemoryStore)(nil)
	_ StatusStore = (*MemoryStore)(nil)
)

func warningIDs(ws []*reservoir.Warning) []string {
	if len(ws) == 0 {
		return nil
	}
	ids := make([]string, len(ws))
	for i, w := range ws {
		ids[i] = w.ID
	}
	return ids
}
