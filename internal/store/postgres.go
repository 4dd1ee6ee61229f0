package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/petrosight/reservoir/internal/reservoir"
	"github.com/petrosight/reservoir/internal/series"
)

// PostgresStore is the durable backend.
//
// Schema:
//
//	CREATE TABLE reservoir_sources (
//	  id VARCHAR(64) PRIMARY KEY,
//	  name TEXT NOT NULL,
//	  category VARCHAR(32) NOT NULL,
//	  time_range_start TIMESTAMPTZ NOT NULL,
//	  time_range_end TIMESTAMPTZ NOT NULL,
//	  processed BOOLEAN NOT NULL,
//	  uploaded_by TEXT NOT NULL,
//	  created_at TIMESTAMPTZ NOT NULL
//	);
//
//	CREATE TABLE reservoir_measurements (
//	  source_id VARCHAR(64) NOT NULL REFERENCES reservoir_sources(id),
//	  ts TIMESTAMPTZ NOT NULL,
//	  vals JSONB NOT NULL,
//	  PRIMARY KEY (source_id, ts)
//	);
//
//	CREATE TABLE reservoir_sessions (
//	  id VARCHAR(64) PRIMARY KEY,
//	  name TEXT NOT NULL,
//	  description TEXT NOT NULL DEFAULT '',
//	  data_source_ids TEXT[] NOT NULL,
//	  state VARCHAR(16) NOT NULL,
//	  result JSONB,
//	  forecast_ids TEXT[],
//	  warning_ids TEXT[],
//	  started_at TIMESTAMPTZ NOT NULL,
//	  completed_at TIMESTAMPTZ,
//	  duration_seconds INT NOT NULL DEFAULT 0,
//	  error_message TEXT NOT NULL DEFAULT '',
//	  created_by TEXT NOT NULL
//	);
//	CREATE INDEX idx_reservoir_sessions_started ON reservoir_sessions(started_at DESC);
//
//	CREATE TABLE reservoir_forecasts (
//	  id VARCHAR(64) PRIMARY KEY,
//	  session_id VARCHAR(64) NOT NULL REFERENCES reservoir_sessions(id),
//	  name TEXT NOT NULL,
//	  description TEXT NOT NULL DEFAULT '',
//	  model_kind VARCHAR(32) NOT NULL,
//	  model_params JSONB,
//	  training JSONB NOT NULL,
//	  metrics JSONB NOT NULL,
//	  points JSONB NOT NULL,
//	  horizon_days INT NOT NULL,
//	  state VARCHAR(16) NOT NULL,
//	  generated_at TIMESTAMPTZ NOT NULL,
//	  published_at TIMESTAMPTZ,
//	  created_by TEXT NOT NULL
//	);
//	CREATE INDEX idx_reservoir_forecasts_generated ON reservoir_forecasts(generated_at DESC);
//
//	CREATE TABLE reservoir_warnings (
//	  id VARCHAR(64) PRIMARY KEY,
//	  forecast_id VARCHAR(64) NOT NULL REFERENCES reservoir_forecasts(id),
//	  type VARCHAR(32) NOT NULL,
//	  severity VARCHAR(16) NOT NULL,
//	  title TEXT NOT NULL,
//	  description TEXT NOT NULL,
//	  trigger_conditions JSONB NOT NULL,
//	  recommended_actions JSONB,
//	  predicted_occurrence TIMESTAMPTZ,
//	  confidence_score DOUBLE PRECISION NOT NULL,
//	  acknowledged BOOLEAN NOT NULL DEFAULT FALSE,
//	  acknowledged_by TEXT NOT NULL DEFAULT '',
//	  acknowledged_at TIMESTAMPTZ,
//	  created_at TIMESTAMPTZ NOT NULL
//	);
//	CREATE INDEX idx_reservoir_warnings_unacked ON reservoir_warnings(created_at) WHERE NOT acknowledged;
//
//	CREATE TABLE reservoir_simulations (
//	  id VARCHAR(64) PRIMARY KEY,
//	  name TEXT NOT NULL,
//	  scenario VARCHAR(32) NOT NULL,
//	  params JSONB NOT NULL,
//	  state VARCHAR(16) NOT NULL,
//	  started_at TIMESTAMPTZ,
//	  completed_at TIMESTAMPTZ,
//	  error_message TEXT NOT NULL DEFAULT '',
//	  result JSONB,
//	  created_by TEXT NOT NULL
//	);
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to Postgres and verifies the connection.
func NewPostgresStore(connStr string) (*PostgresStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping failed: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (p *PostgresStore) GetSource(ctx context.Context, id string) (*reservoir.DataSource, error) {
	query := `
		SELECT id, name, category, time_range_start, time_range_end, processed, uploaded_by, created_at
		FROM reservoir_sources
		WHERE id = $1
	`
	var src reservoir.DataSource
	err := p.pool.QueryRow(ctx, query, id).Scan(
		&src.ID, &src.Name, &src.Category,
		&src.TimeRangeStart, &src.TimeRangeEnd,
		&src.Processed, &src.UploadedBy, &src.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("source %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres query failed: %w", err)
	}
	return &src, nil
}

func (p *PostgresStore) ListSources(ctx context.Context) ([]*reservoir.DataSource, error) {
	query := `
		SELECT id, name, category, time_range_start, time_range_end, processed, uploaded_by, created_at
		FROM reservoir_sources
		ORDER BY created_at
	`
	rows, err := p.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres query failed: %w", err)
	}
	defer rows.Close()

	var out []*reservoir.DataSource
	for rows.Next() {
		var src reservoir.DataSource
		if err := rows.Scan(
			&src.ID, &src.Name, &src.Category,
			&src.TimeRangeStart, &src.TimeRangeEnd,
			&src.Processed, &src.UploadedBy, &src.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("postgres scan failed: %w", err)
		}
		out = append(out, &src)
	}
	return out, rows.Err()
}

func (p *PostgresStore) PutSource(ctx context.Context, src *reservoir.DataSource, frame *series.Frame) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO reservoir_sources (id, name, category, time_range_start, time_range_end, processed, uploaded_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
		  name = EXCLUDED.name, category = EXCLUDED.category,
		  time_range_start = EXCLUDED.time_range_start, time_range_end = EXCLUDED.time_range_end,
		  processed = EXCLUDED.processed
	`, src.ID, src.Name, src.Category, src.TimeRangeStart, src.TimeRangeEnd, src.Processed, src.UploadedBy, src.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres source insert failed: %w", err)
	}

	if frame != nil {
		if _, err := tx.Exec(ctx, `DELETE FROM reservoir_measurements WHERE source_id = $1`, src.ID); err != nil {
			return fmt.Errorf("postgres measurement delete failed: %w", err)
		}
		cols := frame.Columns()
		for i := 0; i < frame.Len(); i++ {
			// NaN is not representable in JSON, so missing values
			// are simply absent keys. LoadSeries restores them.
			vals := make(map[string]float64, len(cols))
			row := frame.Row(i)
			for j, c := range cols {
				if !math.IsNaN(row[j]) {
					vals[c] = row[j]
				}
			}
			doc, err := json.Marshal(vals)
			if err != nil {
				return fmt.Errorf("failed to marshal measurement row: %w", err)
			}
			if _, err := tx.Exec(ctx, `
				INSERT INTO reservoir_measurements (source_id, ts, vals)
				VALUES ($1, $2, $3)
			`, src.ID, frame.Timestamps[i], doc); err != nil {
				return fmt.Errorf("postgres measurement insert failed: %w", err)
			}
		}
	}

	return tx.Commit(ctx)
}

func (p *PostgresStore) LoadSeries(ctx context.Context, sourceID string) (*series.Frame, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT ts, vals
		FROM reservoir_measurements
		WHERE source_id = $1
		ORDER BY ts
	`, sourceID)
	if err != nil {
		return nil, fmt.Errorf("postgres query failed: %w", err)
	}
	defer rows.Close()

	type record struct {
		ts   time.Time
		vals map[string]float64
	}
	var (
		records []record
		columns []string
		seen    = map[string]bool{}
	)
	for rows.Next() {
		var (
			ts  time.Time
			doc []byte
		)
		if err := rows.Scan(&ts, &doc); err != nil {
			return nil, fmt.Errorf("postgres scan failed: %w", err)
		}
		vals := map[string]float64{}
		if err := json.Unmarshal(doc, &vals); err != nil {
			return nil, fmt.Errorf("failed to unmarshal measurement row: %w", err)
		}
		for c := range vals {
			if !seen[c] {
				seen[c] = true
				columns = append(columns, c)
			}
		}
		records = append(records, record{ts: ts, vals: vals})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres rows failed: %w", err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("series for source %s: %w", sourceID, ErrNotFound)
	}

	frame := series.New(columns...)
	for _, r := range records {
		if err := frame.AppendRow(r.ts, sourceID, "", r.vals); err != nil {
			return nil, err
		}
	}
	return frame, nil
}

func (p *PostgresStore) CreateSession(ctx context.Context, s *reservoir.PredictionSession) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO reservoir_sessions (id, name, description, data_source_ids, state, started_at, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, s.ID, s.Name, s.Description, s.DataSourceIDs, s.State, s.StartedAt, s.CreatedBy)
	if err != nil {
		return fmt.Errorf("postgres session insert failed: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetSession(ctx context.Context, id string) (*reservoir.PredictionSession, error) {
	s, err := scanSession(p.pool.QueryRow(ctx, sessionSelect+` WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres query failed: %w", err)
	}
	return s, nil
}

func (p *PostgresStore) ListSessions(ctx context.Context, limit int) ([]*reservoir.PredictionSession, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.pool.Query(ctx, sessionSelect+` ORDER BY started_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres query failed: %w", err)
	}
	defer rows.Close()

	var out []*reservoir.PredictionSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres scan failed: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

const sessionSelect = `
	SELECT id, name, description, data_source_ids, state, result,
	       forecast_ids, warning_ids, started_at, completed_at,
	       duration_seconds, error_message, created_by
	FROM reservoir_sessions`

func scanSession(row pgx.Row) (*reservoir.PredictionSession, error) {
	var (
		s          reservoir.PredictionSession
		resultDoc  []byte
		sourceIDs  []string
		forecasts  []string
		warningIDs []string
	)
	err := row.Scan(
		&s.ID, &s.Name, &s.Description, &sourceIDs, &s.State, &resultDoc,
		&forecasts, &warningIDs, &s.StartedAt, &s.CompletedAt,
		&s.DurationSeconds, &s.ErrorMessage, &s.CreatedBy,
	)
	if err != nil {
		return nil, err
	}
	s.DataSourceIDs = sourceIDs
	s.ForecastIDs = forecasts
	s.WarningIDs = warningIDs
	if len(resultDoc) > 0 {
		var result reservoir.SessionResult
		if err := json.Unmarshal(resultDoc, &result); err != nil {
			return nil, fmt.Errorf("failed to unmarshal session result: %w", err)
		}
		s.Result = &result
	}
	return &s, nil
}

func (p *PostgresStore) MarkSessionProcessing(ctx context.Context, id string) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE reservoir_sessions
		SET state = $2
		WHERE id = $1 AND state NOT IN ($3, $4)
	`, id, reservoir.SessionProcessing, reservoir.SessionCompleted, reservoir.SessionFailed)
	if err != nil {
		return fmt.Errorf("postgres session update failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return p.sessionGuardError(ctx, id)
	}
	return nil
}

// CommitSessionResult writes the forecast, its warnings, and the session
// completion in one transaction. The state guard on the session UPDATE keeps
// terminal sessions immutable even if two workers race.
func (p *PostgresStore) CommitSessionResult(ctx context.Context, c Commit) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	f := c.Forecast
	modelParams, err := json.Marshal(f.ModelParams)
	if err != nil {
		return fmt.Errorf("failed to marshal model params: %w", err)
	}
	training, err := json.Marshal(f.Training)
	if err != nil {
		return fmt.Errorf("failed to marshal training info: %w", err)
	}
	metrics, err := json.Marshal(f.Metrics)
	if err != nil {
		return fmt.Errorf("failed to marshal metrics: %w", err)
	}
	points, err := json.Marshal(f.Points)
	if err != nil {
		return fmt.Errorf("failed to marshal forecast points: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO reservoir_forecasts (id, session_id, name, description, model_kind, model_params,
		                                 training, metrics, points, horizon_days, state,
		                                 generated_at, published_at, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, f.ID, f.SessionID, f.Name, f.Description, f.ModelKind, modelParams,
		training, metrics, points, f.HorizonDays, f.State,
		f.GeneratedAt, f.PublishedAt, f.CreatedBy)
	if err != nil {
		return fmt.Errorf("postgres forecast insert failed: %w", err)
	}

	for _, w := range c.Warnings {
		conditions, err := json.Marshal(w.TriggerConditions)
		if err != nil {
			return fmt.Errorf("failed to marshal trigger conditions: %w", err)
		}
		actions, err := json.Marshal(w.RecommendedActions)
		if err != nil {
			return fmt.Errorf("failed to marshal recommended actions: %w", err)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO reservoir_warnings (id, forecast_id, type, severity, title, description,
			                                trigger_conditions, recommended_actions, predicted_occurrence,
			                                confidence_score, acknowledged, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, FALSE, $11)
		`, w.ID, w.ForecastID, w.Type, w.Severity, w.Title, w.Description,
			conditions, actions, w.PredictedOccurrence, w.ConfidenceScore, w.CreatedAt)
		if err != nil {
			return fmt.Errorf("postgres warning insert failed: %w", err)
		}
	}

	resultDoc, err := json.Marshal(c.Result)
	if err != nil {
		return fmt.Errorf("failed to marshal session result: %w", err)
	}
	tag, err := tx.Exec(ctx, `
		UPDATE reservoir_sessions
		SET state = $2, result = $3, forecast_ids = $4, warning_ids = $5,
		    completed_at = $6, duration_seconds = $7
		WHERE id = $1 AND state = $8
	`, c.SessionID, reservoir.SessionCompleted, resultDoc,
		[]string{f.ID}, warningIDs(c.Warnings),
		c.CompletedAt, int(c.Duration.Seconds()), reservoir.SessionProcessing)
	if err != nil {
		return fmt.Errorf("postgres session update failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return p.sessionGuardError(ctx, c.SessionID)
	}

	return tx.Commit(ctx)
}

func (p *PostgresStore) FailSession(ctx context.Context, id, message string, at time.Time) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE reservoir_sessions
		SET state = $2, error_message = $3, completed_at = $4,
		    duration_seconds = GREATEST(0, EXTRACT(EPOCH FROM ($4 - started_at)))::int
		WHERE id = $1 AND state NOT IN ($5, $6)
	`, id, reservoir.SessionFailed, message, at, reservoir.SessionCompleted, reservoir.SessionFailed)
	if err != nil {
		return fmt.Errorf("postgres session update failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return p.sessionGuardError(ctx, id)
	}
	return nil
}

// sessionGuardError distinguishes a missing session from one whose state
// guard rejected the update.
func (p *PostgresStore) sessionGuardError(ctx context.Context, id string) error {
	var state reservoir.SessionState
	err := p.pool.QueryRow(ctx, `SELECT state FROM reservoir_sessions WHERE id = $1`, id).Scan(&state)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("postgres query failed: %w", err)
	}
	return fmt.Errorf("session %s: %w", id, ErrTerminal)
}

func (p *PostgresStore) GetForecast(ctx context.Context, id string) (*reservoir.Forecast, error) {
	f, err := scanForecast(p.pool.QueryRow(ctx, forecastSelect+` WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("forecast %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres query failed: %w", err)
	}
	return f, nil
}

func (p *PostgresStore) ListRecentForecasts(ctx context.Context, since time.Time, limit int) ([]*reservoir.Forecast, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.pool.Query(ctx, forecastSelect+` WHERE generated_at >= $1 ORDER BY generated_at DESC LIMIT $2`, since, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres query failed: %w", err)
	}
	defer rows.Close()

	var out []*reservoir.Forecast
	for rows.Next() {
		f, err := scanForecast(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres scan failed: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

const forecastSelect = `
	SELECT id, session_id, name, description, model_kind, model_params,
	       training, metrics, points, horizon_days, state,
	       generated_at, published_at, created_by
	FROM reservoir_forecasts`

func scanForecast(row pgx.Row) (*reservoir.Forecast, error) {
	var (
		f                                 reservoir.Forecast
		params, training, metrics, points []byte
	)
	err := row.Scan(
		&f.ID, &f.SessionID, &f.Name, &f.Description, &f.ModelKind, &params,
		&training, &metrics, &points, &f.HorizonDays, &f.State,
		&f.GeneratedAt, &f.PublishedAt, &f.CreatedBy,
	)
	if err != nil {
		return nil, err
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &f.ModelParams); err != nil {
			return nil, fmt.Errorf("failed to unmarshal model params: %w", err)
		}
	}
	if err := json.Unmarshal(training, &f.Training); err != nil {
		return nil, fmt.Errorf("failed to unmarshal training info: %w", err)
	}
	if err := json.Unmarshal(metrics, &f.Metrics); err != nil {
		return nil, fmt.Errorf("failed to unmarshal metrics: %w", err)
	}
	if err := json.Unmarshal(points, &f.Points); err != nil {
		return nil, fmt.Errorf("failed to unmarshal forecast points: %w", err)
	}
	return &f, nil
}

func (p *PostgresStore) ArchiveForecast(ctx context.Context, id string) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE reservoir_forecasts
		SET state = $2
		WHERE id = $1 AND state = $3
	`, id, reservoir.ForecastArchived, reservoir.ForecastPublished)
	if err != nil {
		return fmt.Errorf("postgres forecast update failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var state reservoir.ForecastState
		err := p.pool.QueryRow(ctx, `SELECT state FROM reservoir_forecasts WHERE id = $1`, id).Scan(&state)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("forecast %s: %w", id, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("postgres query failed: %w", err)
		}
		return fmt.Errorf("forecast %s is %s, only published forecasts can be archived", id, state)
	}
	return nil
}

func (p *PostgresStore) GetWarning(ctx context.Context, id string) (*reservoir.Warning, error) {
	w, err := scanWarning(p.pool.QueryRow(ctx, warningSelect+` WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("warning %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres query failed: %w", err)
	}
	return w, nil
}

func (p *PostgresStore) ListWarningsByForecast(ctx context.Context, forecastID string) ([]*reservoir.Warning, error) {
	return p.queryWarnings(ctx, warningSelect+` WHERE forecast_id = $1 ORDER BY id`, forecastID)
}

func (p *PostgresStore) ListUnacknowledged(ctx context.Context, limit int) ([]*reservoir.Warning, error) {
	if limit <= 0 {
		limit = 100
	}
	return p.queryWarnings(ctx, warningSelect+` WHERE NOT acknowledged ORDER BY created_at LIMIT $1`, limit)
}

func (p *PostgresStore) queryWarnings(ctx context.Context, query string, args ...any) ([]*reservoir.Warning, error) {
	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres query failed: %w", err)
	}
	defer rows.Close()

	var out []*reservoir.Warning
	for rows.Next() {
		w, err := scanWarning(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres scan failed: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

const warningSelect = `
	SELECT id, forecast_id, type, severity, title, description,
	       trigger_conditions, recommended_actions, predicted_occurrence,
	       confidence_score, acknowledged, acknowledged_by, acknowledged_at, created_at
	FROM reservoir_warnings`

func scanWarning(row pgx.Row) (*reservoir.Warning, error) {
	var (
		w                   reservoir.Warning
		conditions, actions []byte
	)
	err := row.Scan(
		&w.ID, &w.ForecastID, &w.Type, &w.Severity, &w.Title, &w.Description,
		&conditions, &actions, &w.PredictedOccurrence,
		&w.ConfidenceScore, &w.Acknowledged, &w.AcknowledgedBy, &w.AcknowledgedAt, &w.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(conditions, &w.TriggerConditions); err != nil {
		return nil, fmt.Errorf("failed to unmarshal trigger conditions: %w", err)
	}
	if len(actions) > 0 {
		if err := json.Unmarshal(actions, &w.RecommendedActions); err != nil {
			return nil, fmt.Errorf("failed to unmarshal recommended actions: %w", err)
		}
	}
	return &w, nil
}

// AcknowledgeWarning is idempotent: the WHERE guard makes the second call a
// no-op that keeps the original actor and timestamp.
func (p *PostgresStore) AcknowledgeWarning(ctx context.Context, id, actor string, at time.Time) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE reservoir_warnings
		SET acknowledged = TRUE, acknowledged_by = $2, acknowledged_at = $3
		WHERE id = $1 AND NOT acknowledged
	`, id, actor, at)
	if err != nil {
		return fmt.Errorf("postgres warning update failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := p.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM reservoir_warnings WHERE id = $1)`, id).Scan(&exists); err != nil {
			return fmt.Errorf("postgres query failed: %w", err)
		}
		if !exists {
			return fmt.Errorf("warning %s: %w", id, ErrNotFound)
		}
	}
	return nil
}

// AcknowledgeWarnings applies the batch in one transaction so a failure
// partway through the list leaves no warning acknowledged.
func (p *PostgresStore) AcknowledgeWarnings(ctx context.Context, ids []string, actor string, at time.Time) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, id := range ids {
		tag, err := tx.Exec(ctx, `
			UPDATE reservoir_warnings
			SET acknowledged = TRUE, acknowledged_by = $2, acknowledged_at = $3
			WHERE id = $1 AND NOT acknowledged
		`, id, actor, at)
		if err != nil {
			return fmt.Errorf("postgres warning update failed: %w", err)
		}
		if tag.RowsAffected() == 0 {
			var exists bool
			if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM reservoir_warnings WHERE id = $1)`, id).Scan(&exists); err != nil {
				return fmt.Errorf("postgres query failed: %w", err)
			}
			if !exists {
				return fmt.Errorf("warning %s: %w", id, ErrNotFound)
			}
		}
	}

	return tx.Commit(ctx)
}

func (p *PostgresStore) CreateSimulation(ctx context.Context, sim *reservoir.ExtractionSimulation) error {
	params, err := json.Marshal(sim.Params)
	if err != nil {
		return fmt.Errorf("failed to marshal simulation params: %w", err)
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO reservoir_simulations (id, name, scenario, params, state, started_at, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, sim.ID, sim.Name, sim.Scenario, params, sim.State, sim.StartedAt, sim.CreatedBy)
	if err != nil {
		return fmt.Errorf("postgres simulation insert failed: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetSimulation(ctx context.Context, id string) (*reservoir.ExtractionSimulation, error) {
	var (
		sim               reservoir.ExtractionSimulation
		params, resultDoc []byte
	)
	err := p.pool.QueryRow(ctx, `
		SELECT id, name, scenario, params, state, started_at, completed_at, error_message, result, created_by
		FROM reservoir_simulations
		WHERE id = $1
	`, id).Scan(
		&sim.ID, &sim.Name, &sim.Scenario, &params, &sim.State,
		&sim.StartedAt, &sim.CompletedAt, &sim.ErrorMessage, &resultDoc, &sim.CreatedBy,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("simulation %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres query failed: %w", err)
	}
	if err := json.Unmarshal(params, &sim.Params); err != nil {
		return nil, fmt.Errorf("failed to unmarshal simulation params: %w", err)
	}
	if len(resultDoc) > 0 {
		var result reservoir.SimulationResult
		if err := json.Unmarshal(resultDoc, &result); err != nil {
			return nil, fmt.Errorf("failed to unmarshal simulation result: %w", err)
		}
		sim.Result = &result
	}
	return &sim, nil
}

func (p *PostgresStore) StartSimulation(ctx context.Context, id string, at time.Time) error {
	return p.updateSimulation(ctx, id, `
		UPDATE reservoir_simulations
		SET state = $2, started_at = $3
		WHERE id = $1 AND state NOT IN ($4, $5)
	`, reservoir.SessionProcessing, at, reservoir.SessionCompleted, reservoir.SessionFailed)
}

func (p *PostgresStore) CompleteSimulation(ctx context.Context, id string, result *reservoir.SimulationResult, at time.Time) error {
	resultDoc, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal simulation result: %w", err)
	}
	return p.updateSimulation(ctx, id, `
		UPDATE reservoir_simulations
		SET state = $2, result = $3, completed_at = $4
		WHERE id = $1 AND state NOT IN ($5, $6)
	`, reservoir.SessionCompleted, resultDoc, at, reservoir.SessionCompleted, reservoir.SessionFailed)
}

func (p *PostgresStore) FailSimulation(ctx context.Context, id, message string, at time.Time) error {
	return p.updateSimulation(ctx, id, `
		UPDATE reservoir_simulations
		SET state = $2, error_message = $3, completed_at = $4
		WHERE id = $1 AND state NOT IN ($5, $6)
	`, reservoir.SessionFailed, message, at, reservoir.SessionCompleted, reservoir.SessionFailed)
}

func (p *PostgresStore) updateSimulation(ctx context.Context, id, query string, args ...any) error {
	all := append([]any{id}, args...)
	tag, err := p.pool.Exec(ctx, query, all...)
	if err != nil {
		return fmt.Errorf("postgres simulation update failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var state reservoir.SessionState
		err := p.pool.QueryRow(ctx, `SELECT state FROM reservoir_simulations WHERE id = $1`, id).Scan(&state)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("simulation %s: %w", id, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("postgres query failed: %w", err)
		}
		return fmt.Errorf("simulation %s: %w", id, ErrTerminal)
	}
	return nil
}

func (p *PostgresStore) Close() error {
	p.pool.Close()
	return nil
}

var _ Store = (*PostgresStore)(nil)
