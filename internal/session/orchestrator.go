// Package session drives the prediction pipeline end to end: data fusion,
// preprocessing, model training, forecasting, warning detection, and the
// atomic persistence of the outcome, all under one session state machine.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/petrosight/reservoir/internal/api"
	"github.com/petrosight/reservoir/internal/forecast"
	"github.com/petrosight/reservoir/internal/fusion"
	"github.com/petrosight/reservoir/internal/metrics"
	"github.com/petrosight/reservoir/internal/model"
	"github.com/petrosight/reservoir/internal/preprocess"
	"github.com/petrosight/reservoir/internal/reservoir"
	"github.com/petrosight/reservoir/internal/series"
	"github.com/petrosight/reservoir/internal/simulate"
	"github.com/petrosight/reservoir/internal/store"
	"github.com/petrosight/reservoir/internal/warning"
	"github.com/petrosight/reservoir/pkg/otel"
)

// ErrRateLimited is returned when session admission exceeds the configured
// rate.
var ErrRateLimited = errors.New("session rate limit exceeded")

// Progress checkpoints written to the status store as stages finish.
const (
	progressCreated    = 0
	progressFused      = 10
	progressPrepared   = 30
	progressTrained    = 50
	progressForecasted = 70
	progressDetected   = 85
	progressPersisting = 95
	progressDone       = 100
)

// Config tunes session admission and concurrency.
type Config struct {
	// Workers bounds how many sessions run the pipeline at once.
	Workers int

	// SessionsPerMinute and SessionBurst feed the admission limiter.
	SessionsPerMinute float64
	SessionBurst      int

	// SeriesCacheSize and SeriesCacheTTL size the loader cache shared by
	// all sessions.
	SeriesCacheSize int
	SeriesCacheTTL  time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Workers:           4,
		SessionsPerMinute: 60,
		SessionBurst:      10,
		SeriesCacheSize:   128,
		SeriesCacheTTL:    10 * time.Minute,
	}
}

// Orchestrator owns the pipeline stages and the session state machine.
type Orchestrator struct {
	store   store.Store
	status  store.StatusStore
	fuser   *fusion.Fuser
	loader  *fusion.CachingLoader
	pre     *preprocess.Preprocessor
	trainer *model.Trainer
	engine  *forecast.Engine
	det     *warning.Detector

	metrics *metrics.Metrics
	logger  *zap.Logger

	limiter *rate.Limiter
	slots   chan struct{}
	wg      sync.WaitGroup

	now func() time.Time
}

// Task is a handle on a running session.
type Task struct {
	SessionID string

	done chan struct{}
	err  error
}

// Wait blocks until the session reaches a terminal state or ctx is
// cancelled. A nil return means COMPLETED; the error of a FAILED session is
// returned as-is.
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// New creates an Orchestrator over the given backend.
func New(st store.Store, status store.StatusStore, m *metrics.Metrics, logger *zap.Logger, cfg Config) (*Orchestrator, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "session"))

	if cfg.Workers < 1 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.SessionsPerMinute <= 0 {
		cfg.SessionsPerMinute = DefaultConfig().SessionsPerMinute
	}
	if cfg.SessionBurst < 1 {
		cfg.SessionBurst = DefaultConfig().SessionBurst
	}
	if cfg.SeriesCacheSize < 1 {
		cfg.SeriesCacheSize = DefaultConfig().SeriesCacheSize
	}
	if cfg.SeriesCacheTTL <= 0 {
		cfg.SeriesCacheTTL = DefaultConfig().SeriesCacheTTL
	}

	loader, err := fusion.NewCachingLoader(st, cfg.SeriesCacheSize, cfg.SeriesCacheTTL)
	if err != nil {
		return nil, fmt.Errorf("creating series cache: %w", err)
	}
	loader.Instrument(m.SeriesCacheHits, m.SeriesCacheMiss)

	return &Orchestrator{
		store:   st,
		status:  status,
		fuser:   fusion.New(loader, logger),
		loader:  loader,
		pre:     preprocess.New(logger),
		trainer: model.NewTrainer(logger),
		engine:  forecast.New(logger),
		det:     warning.New(logger),
		metrics: m,
		logger:  logger,
		limiter: rate.NewLimiter(rate.Limit(cfg.SessionsPerMinute/60.0), cfg.SessionBurst),
		slots:   make(chan struct{}, cfg.Workers),
		now:     time.Now,
	}, nil
}

// Start validates the request, persists a PENDING session, and launches the
// pipeline asynchronously. The returned task resolves when the session is
// terminal.
func (o *Orchestrator) Start(ctx context.Context, req api.AnalysisRequest) (*Task, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("invalid analysis request: %w", err)
	}
	if !o.limiter.Allow() {
		return nil, ErrRateLimited
	}

	sess := &reservoir.PredictionSession{
		ID:            uuid.NewString(),
		Name:          req.SessionName,
		Description:   req.Description,
		DataSourceIDs: append([]string(nil), req.DataSourceIDs...),
		State:         reservoir.SessionPending,
		StartedAt:     o.now().UTC(),
		CreatedBy:     req.Requester,
	}
	if err := o.store.CreateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}

	o.metrics.SessionsStarted.Inc()
	o.publishStatus(api.SessionStatus{
		SessionID:       sess.ID,
		State:           reservoir.SessionPending,
		ProgressPercent: progressCreated,
		StatusMessage:   "session created",
	})
	o.logger.Info("session created",
		zap.String("session_id", sess.ID),
		zap.String("name", sess.Name),
		zap.Int("sources", len(sess.DataSourceIDs)))

	task := &Task{SessionID: sess.ID, done: make(chan struct{})}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer close(task.done)

		o.slots <- struct{}{}
		defer func() { <-o.slots }()

		// The session outlives the request that started it.
		task.err = o.run(context.WithoutCancel(ctx), sess, req)
	}()

	return task, nil
}

// Status returns the live progress of a session, falling back to the
// durable session record when no status entry exists.
func (o *Orchestrator) Status(ctx context.Context, sessionID string) (api.SessionStatus, error) {
	status, err := o.status.GetStatus(ctx, sessionID)
	if err == nil {
		return status, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return api.SessionStatus{}, err
	}

	sess, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		return api.SessionStatus{}, err
	}
	status = api.SessionStatus{
		SessionID:  sess.ID,
		State:      sess.State,
		WarningIDs: sess.WarningIDs,
		Error:      sess.ErrorMessage,
	}
	if len(sess.ForecastIDs) > 0 {
		status.ForecastID = sess.ForecastIDs[0]
	}
	if sess.State.Terminal() {
		status.ProgressPercent = progressDone
	}
	return status, nil
}

// Close waits for in-flight sessions to finish.
func (o *Orchestrator) Close() {
	o.wg.Wait()
}

// run executes the pipeline for one session and records the terminal state.
func (o *Orchestrator) run(ctx context.Context, sess *reservoir.PredictionSession, req api.AnalysisRequest) error {
	ctx, span := otel.StartSpan(ctx, "session", "session.run",
		otel.SessionAttributes(sess.ID, req.Requester, len(req.DataSourceIDs))...)
	defer span.End()

	started := o.now()
	logger := o.logger.With(zap.String("session_id", sess.ID))

	if err := o.store.MarkSessionProcessing(ctx, sess.ID); err != nil {
		otel.RecordError(span, err, "transition to processing")
		return o.fail(ctx, sess.ID, started, err)
	}
	logger.Info("session processing")

	outcome, err := o.execute(ctx, sess, req, logger)
	if err != nil {
		otel.RecordError(span, err, "pipeline")
		return o.fail(ctx, sess.ID, started, err)
	}

	completed := o.now().UTC()
	commit := store.Commit{
		SessionID:   sess.ID,
		Result:      outcome.result,
		Forecast:    outcome.forecast,
		Warnings:    outcome.warnings,
		CompletedAt: completed,
		Duration:    completed.Sub(started.UTC()),
	}
	o.publishStatus(api.SessionStatus{
		SessionID:       sess.ID,
		State:           reservoir.SessionProcessing,
		ProgressPercent: progressPersisting,
		StatusMessage:   "persisting results",
	})
	if err := o.store.CommitSessionResult(ctx, commit); err != nil {
		perr := &reservoir.PersistenceError{Err: err}
		otel.RecordError(span, perr, "commit")
		return o.fail(ctx, sess.ID, started, perr)
	}

	best := outcome.result.ModelMetrics[outcome.result.BestModel]
	span.SetAttributes(otel.ModelAttributes(outcome.result.BestModel, best.MSE, best.R2)...)
	span.SetAttributes(otel.ForecastAttributes(outcome.forecast.ID,
		outcome.result.HorizonDays, len(outcome.warnings))...)
	otel.AddEvent(span, "result committed")

	o.metrics.SessionsCompleted.Inc()
	o.metrics.SessionDuration.Observe(commit.Duration.Seconds())
	o.metrics.ForecastsCreated.Inc()
	o.publishStatus(api.SessionStatus{
		SessionID:       sess.ID,
		State:           reservoir.SessionCompleted,
		ProgressPercent: progressDone,
		StatusMessage:   "completed",
		ForecastID:      outcome.forecast.ID,
		WarningIDs:      warningIDs(outcome.warnings),
	})
	logger.Info("session completed",
		zap.String("best_model", outcome.result.BestModel),
		zap.Int("horizon_days", outcome.result.HorizonDays),
		zap.Int("warnings", outcome.result.WarningCount),
		zap.Duration("duration", commit.Duration))
	return nil
}

type outcome struct {
	result   reservoir.SessionResult
	forecast *reservoir.Forecast
	warnings []*reservoir.Warning
}

// execute runs the pure pipeline stages and assembles the commit payload.
func (o *Orchestrator) execute(ctx context.Context, sess *reservoir.PredictionSession, req api.AnalysisRequest, logger *zap.Logger) (*outcome, error) {
	// Stage 1: resolve and fuse sources.
	sources := make([]*reservoir.DataSource, 0, len(req.DataSourceIDs))
	for _, id := range req.DataSourceIDs {
		src, err := o.store.GetSource(ctx, id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, &reservoir.NoDataError{Reason: fmt.Sprintf("source %s not found", id)}
			}
			return nil, err
		}
		sources = append(sources, src)
	}

	var fused *series.Frame
	if err := o.stage(ctx, "fusion", func() error {
		var err error
		fused, err = o.fuser.Fuse(ctx, sources)
		return err
	}); err != nil {
		return nil, err
	}
	o.metrics.RowsFused.Add(float64(fused.Len()))
	o.progress(sess.ID, progressFused, "sources fused")

	// Stage 2: preprocess.
	cfg := preprocess.DefaultConfig()
	if req.Preprocessing != nil {
		cfg = *req.Preprocessing
	}
	var prepared *preprocess.Result
	if err := o.stage(ctx, "preprocess", func() error {
		var err error
		prepared, err = o.pre.Run(fused, cfg)
		return err
	}); err != nil {
		return nil, err
	}
	target := req.Target()
	if !prepared.Frame.HasColumn(target) {
		return nil, &reservoir.NoDataError{Reason: fmt.Sprintf("target column %q missing from fused series", target)}
	}
	o.progress(sess.ID, progressPrepared, "series preprocessed")

	// Stage 3: train candidates.
	var trained *model.Output
	if err := o.stage(ctx, "train", func() error {
		var err error
		trained, err = o.trainer.Train(ctx, prepared.Frame, target, req.Models)
		return err
	}); err != nil {
		return nil, err
	}
	for kind := range trained.Failures {
		o.metrics.ModelsFailed.WithLabelValues(kind).Inc()
	}
	for _, c := range trained.Candidates {
		o.metrics.ModelsTrained.WithLabelValues(string(c.Kind)).Inc()
	}
	best := bestCandidate(trained.Candidates)
	o.progress(sess.ID, progressTrained, "models trained")
	logger.Info("best model selected",
		zap.String("kind", string(best.Kind)),
		zap.Float64("mse", best.Metrics.MSE))

	// Stage 4: forecast with the best candidate, reporting in original
	// units when the target was standardized.
	mean, std, fitted := prepared.Scaler.Params(target)
	freq := forecast.Request{
		Model:         best.Model,
		InitialWindow: best.InitialWindow,
		HorizonDays:   req.ForecastHorizonDays,
		PredictionStd: req.PredictionStd,
		Start:         sess.StartedAt,
	}
	if fitted {
		freq.Scale = std
		freq.Offset = mean
	}
	var points []reservoir.ForecastPoint
	if err := o.stage(ctx, "forecast", func() error {
		var err error
		points, err = o.engine.Run(ctx, freq)
		return err
	}); err != nil {
		return nil, err
	}
	o.progress(sess.ID, progressForecasted, "forecast generated")

	now := o.now().UTC()
	fc := &reservoir.Forecast{
		ID:          uuid.NewString(),
		SessionID:   sess.ID,
		Name:        fmt.Sprintf("%s forecast", sess.Name),
		ModelKind:   string(best.Kind),
		ModelParams: best.Model.Params(),
		Training: reservoir.TrainingInfo{
			TrainSamples: best.TrainSamples,
			TestSamples:  best.TestSamples,
			Features:     trained.Features,
		},
		Metrics:     best.Metrics,
		Points:      points,
		HorizonDays: req.ForecastHorizonDays,
		State:       reservoir.ForecastPublished,
		GeneratedAt: now,
		PublishedAt: &now,
		CreatedBy:   req.Requester,
	}

	// Stage 5: detect warnings.
	th := warning.DefaultThresholds()
	if req.Thresholds != nil {
		th = *req.Thresholds
	}
	var warnings []*reservoir.Warning
	if err := o.stage(ctx, "detect", func() error {
		warnings = o.det.Detect(fc.ID, points, th, o.now().UTC())
		return nil
	}); err != nil {
		return nil, err
	}
	for _, w := range warnings {
		o.metrics.WarningsDetected.WithLabelValues(string(w.Type)).Inc()
	}
	o.progress(sess.ID, progressDetected, "warnings evaluated")

	result := reservoir.SessionResult{
		ModelsTrained: candidateKinds(trained.Candidates),
		BestModel:     string(best.Kind),
		ModelMetrics:  metricsByKind(trained.Candidates),
		HorizonDays:   req.ForecastHorizonDays,
		FinalForecast: points[len(points)-1].Value,
		Trend:         trend(points),
		WarningCount:  len(warnings),
	}

	return &outcome{result: result, forecast: fc, warnings: warnings}, nil
}

// fail records the FAILED terminal state. The original pipeline error is
// returned so callers waiting on the task observe the cause.
func (o *Orchestrator) fail(ctx context.Context, sessionID string, started time.Time, cause error) error {
	at := o.now().UTC()
	if err := o.store.FailSession(ctx, sessionID, cause.Error(), at); err != nil {
		o.logger.Error("failed to record session failure",
			zap.String("session_id", sessionID), zap.Error(err))
	}
	o.metrics.SessionsFailed.Inc()
	o.metrics.SessionDuration.Observe(at.Sub(started.UTC()).Seconds())
	o.publishStatus(api.SessionStatus{
		SessionID:       sessionID,
		State:           reservoir.SessionFailed,
		ProgressPercent: progressDone,
		StatusMessage:   "failed",
		Error:           cause.Error(),
	})
	o.logger.Warn("session failed",
		zap.String("session_id", sessionID), zap.Error(cause))
	return cause
}

// stage times one pipeline stage and records its outcome.
func (o *Orchestrator) stage(ctx context.Context, name string, fn func() error) error {
	_, span := otel.StartSpan(ctx, "session", "session."+name)
	defer span.End()

	start := o.now()
	err := fn()
	o.metrics.StageDuration.WithLabelValues(name).Observe(o.now().Sub(start).Seconds())
	if err != nil {
		o.metrics.StageErrors.WithLabelValues(name).Inc()
		otel.RecordError(span, err, name)
	}
	return err
}

// progress publishes a checkpoint. Best effort: the session keeps running
// if the status store is down.
func (o *Orchestrator) progress(sessionID string, percent int, message string) {
	o.publishStatus(api.SessionStatus{
		SessionID:       sessionID,
		State:           reservoir.SessionProcessing,
		ProgressPercent: percent,
		StatusMessage:   message,
	})
}

func (o *Orchestrator) publishStatus(status api.SessionStatus) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := o.status.SetStatus(ctx, status); err != nil {
		o.logger.Warn("status update failed",
			zap.String("session_id", status.SessionID), zap.Error(err))
	}
}

// RunSimulation executes a deterministic extraction scenario under the
// shared state machine and persists the outcome.
func (o *Orchestrator) RunSimulation(ctx context.Context, name, scenario string, baseProduction float64, params reservoir.SimulationParams, creator string) (*reservoir.ExtractionSimulation, error) {
	sim := &reservoir.ExtractionSimulation{
		ID:        uuid.NewString(),
		Name:      name,
		Scenario:  scenario,
		Params:    params,
		State:     reservoir.SessionPending,
		CreatedBy: creator,
	}
	if err := o.store.CreateSimulation(ctx, sim); err != nil {
		return nil, fmt.Errorf("creating simulation: %w", err)
	}

	startedAt := o.now().UTC()
	if err := o.store.StartSimulation(ctx, sim.ID, startedAt); err != nil {
		return nil, err
	}

	result, err := simulate.Run(scenario, baseProduction, params)
	if err != nil {
		at := o.now().UTC()
		if ferr := o.store.FailSimulation(ctx, sim.ID, err.Error(), at); ferr != nil {
			o.logger.Error("failed to record simulation failure",
				zap.String("simulation_id", sim.ID), zap.Error(ferr))
		}
		return nil, err
	}

	completedAt := o.now().UTC()
	if err := o.store.CompleteSimulation(ctx, sim.ID, result, completedAt); err != nil {
		return nil, err
	}
	o.metrics.SimulationsRun.WithLabelValues(result.Scenario).Inc()
	o.logger.Info("simulation completed",
		zap.String("simulation_id", sim.ID),
		zap.String("scenario", result.Scenario),
		zap.Float64("cumulative", result.CumulativeProduction))

	return o.store.GetSimulation(ctx, sim.ID)
}

func bestCandidate(cands []model.Candidate) *model.Candidate {
	best := &cands[0]
	for i := 1; i < len(cands); i++ {
		if cands[i].Metrics.MSE < best.Metrics.MSE {
			best = &cands[i]
		}
	}
	return best
}

func candidateKinds(cands []model.Candidate) []string {
	kinds := make([]string, len(cands))
	for i, c := range cands {
		kinds[i] = string(c.Kind)
	}
	return kinds
}

func metricsByKind(cands []model.Candidate) map[string]reservoir.ModelMetrics {
	out := make(map[string]reservoir.ModelMetrics, len(cands))
	for _, c := range cands {
		out[string(c.Kind)] = c.Metrics
	}
	return out
}

// trend compares the forecast's endpoints.
func trend(points []reservoir.ForecastPoint) string {
	if points[len(points)-1].Value < points[0].Value {
		return "declining"
	}
	return "stable_or_increasing"
}

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
