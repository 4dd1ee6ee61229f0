package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/petrosight/reservoir/internal/api"
	"github.com/petrosight/reservoir/internal/metrics"
	"github.com/petrosight/reservoir/internal/model"
	"github.com/petrosight/reservoir/internal/reservoir"
	"github.com/petrosight/reservoir/internal/series"
	"github.com/petrosight/reservoir/internal/store"
)

func newTestOrchestrator(t *testing.T, st *store.MemoryStore, cfg Config) *Orchestrator {
	t.Helper()
	m := metrics.NewWith(prometheus.NewRegistry())
	o, err := New(st, st, m, nil, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(o.Close)
	return o
}

// seedSource stores a processed source with n daily rows of gently
// declining production.
func seedSource(t *testing.T, st *store.MemoryStore, id string, n int) {
	t.Helper()
	frame := series.New("production_rate")
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		err := frame.AppendRow(base.AddDate(0, 0, i), id, reservoir.SourceHistorical,
			map[string]float64{"production_rate": 1000 - 0.5*float64(i)})
		if err != nil {
			t.Fatalf("AppendRow: %v", err)
		}
	}
	src := &reservoir.DataSource{
		ID:        id,
		Name:      id,
		Category:  reservoir.SourceHistorical,
		Processed: true,
		CreatedAt: base,
	}
	if err := st.PutSource(context.Background(), src, frame); err != nil {
		t.Fatalf("PutSource: %v", err)
	}
}

func testRequest(sources ...string) api.AnalysisRequest {
	return api.AnalysisRequest{
		SessionName:   "well decline analysis",
		DataSourceIDs: sources,
		Models: model.Configs{
			TreeEnsemble: &model.TreeEnsembleConfig{Estimators: 20, MaxDepth: 6, Seed: 42},
		},
		ForecastHorizonDays: 15,
		Requester:           "tester",
	}
}

func TestSessionEndToEnd(t *testing.T) {
	st := store.NewMemoryStore()
	seedSource(t, st, "well-a", 100)
	seedSource(t, st, "well-b", 100)
	o := newTestOrchestrator(t, st, DefaultConfig())

	ctx := context.Background()
	task, err := o.Start(ctx, testRequest("well-a", "well-b"))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := task.Wait(waitCtx); err != nil {
		t.Fatalf("Session failed: %v", err)
	}

	sess, err := st.GetSession(ctx, task.SessionID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if sess.State != reservoir.SessionCompleted {
		t.Fatalf("Expected completed, got %s", sess.State)
	}
	if sess.Result == nil {
		t.Fatal("Result missing")
	}
	if sess.Result.BestModel != "tree_ensemble" {
		t.Errorf("Expected tree_ensemble, got %s", sess.Result.BestModel)
	}
	if sess.Result.HorizonDays != 15 {
		t.Errorf("Expected horizon 15, got %d", sess.Result.HorizonDays)
	}
	if len(sess.ForecastIDs) != 1 {
		t.Fatalf("Expected 1 forecast id, got %d", len(sess.ForecastIDs))
	}
	if sess.CompletedAt == nil {
		t.Error("CompletedAt missing")
	}

	fc, err := st.GetForecast(ctx, sess.ForecastIDs[0])
	if err != nil {
		t.Fatalf("GetForecast: %v", err)
	}
	if fc.State != reservoir.ForecastPublished {
		t.Errorf("Expected published, got %s", fc.State)
	}
	if len(fc.Points) != 15 {
		t.Errorf("Expected 15 points, got %d", len(fc.Points))
	}
	if fc.SessionID != sess.ID {
		t.Errorf("Forecast references session %s, want %s", fc.SessionID, sess.ID)
	}

	// Forecast dates run daily from the day after the session started.
	if !fc.Points[0].Date.Equal(sess.StartedAt.AddDate(0, 0, 1)) {
		t.Errorf("First forecast date %v, want %v", fc.Points[0].Date, sess.StartedAt.AddDate(0, 0, 1))
	}
	for i := 1; i < len(fc.Points); i++ {
		if !fc.Points[i].Date.Equal(fc.Points[i-1].Date.AddDate(0, 0, 1)) {
			t.Errorf("Point %d not one day after point %d", i, i-1)
		}
	}
	for _, p := range fc.Points {
		if p.Lower > p.Value || p.Value > p.Upper {
			t.Errorf("Band does not bracket value: [%f, %f, %f]", p.Lower, p.Value, p.Upper)
		}
	}

	status, err := o.Status(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.State != reservoir.SessionCompleted || status.ProgressPercent != 100 {
		t.Errorf("Status not terminal: %s at %d%%", status.State, status.ProgressPercent)
	}
	if status.ForecastID != fc.ID {
		t.Errorf("Status forecast id %s, want %s", status.ForecastID, fc.ID)
	}
}

func TestSessionSpanCarriesModelAndForecastAttributes(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	st := store.NewMemoryStore()
	seedSource(t, st, "well-a", 100)
	o := newTestOrchestrator(t, st, DefaultConfig())

	ctx := context.Background()
	task, err := o.Start(ctx, testRequest("well-a"))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := task.Wait(waitCtx); err != nil {
		t.Fatalf("Session failed: %v", err)
	}

	var run sdktrace.ReadOnlySpan
	for _, s := range recorder.Ended() {
		if s.Name() == "session.run" {
			run = s
		}
	}
	if run == nil {
		t.Fatal("No session.run span recorded")
	}

	attrs := make(map[string]string, len(run.Attributes()))
	for _, kv := range run.Attributes() {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	if attrs["model.kind"] != "tree_ensemble" {
		t.Errorf("model.kind = %q, want tree_ensemble (attrs: %v)", attrs["model.kind"], attrs)
	}
	if _, ok := attrs["model.mse"]; !ok {
		t.Error("model.mse attribute missing")
	}
	if attrs["forecast.id"] == "" {
		t.Error("forecast.id attribute missing")
	}
	if attrs["forecast.horizon_days"] != "15" {
		t.Errorf("forecast.horizon_days = %q, want 15", attrs["forecast.horizon_days"])
	}
	if _, ok := attrs["warning.count"]; !ok {
		t.Error("warning.count attribute missing")
	}

	events := run.Events()
	found := false
	for _, ev := range events {
		if ev.Name == "result committed" {
			found = true
		}
	}
	if !found {
		t.Error("result committed event missing from session span")
	}
}

func TestSessionFailsOnMissingSource(t *testing.T) {
	st := store.NewMemoryStore()
	o := newTestOrchestrator(t, st, DefaultConfig())

	ctx := context.Background()
	task, err := o.Start(ctx, testRequest("no-such-source"))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	err = task.Wait(waitCtx)
	var noData *reservoir.NoDataError
	if !errors.As(err, &noData) {
		t.Fatalf("Expected NoDataError, got %v", err)
	}

	sess, gerr := st.GetSession(ctx, task.SessionID)
	if gerr != nil {
		t.Fatalf("GetSession: %v", gerr)
	}
	if sess.State != reservoir.SessionFailed {
		t.Errorf("Expected failed, got %s", sess.State)
	}
	if sess.ErrorMessage == "" {
		t.Error("Error message missing on failed session")
	}
	if sess.Result != nil {
		t.Error("Failed session should carry no result")
	}

	status, serr := o.Status(ctx, sess.ID)
	if serr != nil {
		t.Fatalf("Status: %v", serr)
	}
	if status.State != reservoir.SessionFailed || status.Error == "" {
		t.Errorf("Status should report the failure: %+v", status)
	}
}

func TestSessionFailsOnUnprocessedSource(t *testing.T) {
	st := store.NewMemoryStore()
	seedSource(t, st, "well-a", 50)
	ctx := context.Background()

	raw, _ := st.GetSource(ctx, "well-a")
	raw.Processed = false
	frame, _ := st.LoadSeries(ctx, "well-a")
	st.PutSource(ctx, raw, frame)

	o := newTestOrchestrator(t, st, DefaultConfig())
	task, err := o.Start(ctx, testRequest("well-a"))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	err = task.Wait(waitCtx)
	var noData *reservoir.NoDataError
	if !errors.As(err, &noData) {
		t.Fatalf("Expected NoDataError, got %v", err)
	}
}

func TestStartRejectsInvalidRequest(t *testing.T) {
	st := store.NewMemoryStore()
	o := newTestOrchestrator(t, st, DefaultConfig())

	req := testRequest("well-a")
	req.ForecastHorizonDays = 0
	if _, err := o.Start(context.Background(), req); err == nil {
		t.Fatal("Expected validation error")
	}

	sessions, _ := st.ListSessions(context.Background(), 0)
	if len(sessions) != 0 {
		t.Errorf("Rejected request should not create a session, found %d", len(sessions))
	}
}

func TestStartRateLimited(t *testing.T) {
	st := store.NewMemoryStore()
	seedSource(t, st, "well-a", 50)
	cfg := DefaultConfig()
	cfg.SessionsPerMinute = 60
	cfg.SessionBurst = 1
	o := newTestOrchestrator(t, st, cfg)

	ctx := context.Background()
	task, err := o.Start(ctx, testRequest("well-a"))
	if err != nil {
		t.Fatalf("First Start: %v", err)
	}

	if _, err := o.Start(ctx, testRequest("well-a")); !errors.Is(err, ErrRateLimited) {
		t.Errorf("Expected ErrRateLimited, got %v", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := task.Wait(waitCtx); err != nil {
		t.Errorf("Admitted session should complete: %v", err)
	}
}

func TestRunSimulation(t *testing.T) {
	st := store.NewMemoryStore()
	o := newTestOrchestrator(t, st, DefaultConfig())

	ctx := context.Background()
	sim, err := o.RunSimulation(ctx, "q3 drawdown", "conservative", 500,
		reservoir.SimulationParams{SimulationDays: 30}, "tester")
	if err != nil {
		t.Fatalf("RunSimulation: %v", err)
	}

	if sim.State != reservoir.SessionCompleted {
		t.Fatalf("Expected completed, got %s", sim.State)
	}
	if sim.Result == nil || sim.Result.Scenario != "conservative" {
		t.Fatalf("Result missing or wrong scenario: %+v", sim.Result)
	}
	if len(sim.Result.DailyRates) != 30 {
		t.Errorf("Expected 30 daily rates, got %d", len(sim.Result.DailyRates))
	}
	if sim.Result.CumulativeProduction <= 0 {
		t.Errorf("Cumulative production should be positive, got %f", sim.Result.CumulativeProduction)
	}

	stored, err := st.GetSimulation(ctx, sim.ID)
	if err != nil {
		t.Fatalf("GetSimulation: %v", err)
	}
	if stored.State != reservoir.SessionCompleted {
		t.Errorf("Stored simulation not completed: %s", stored.State)
	}
}

func TestRunSimulationRejectsBadInput(t *testing.T) {
	st := store.NewMemoryStore()
	o := newTestOrchestrator(t, st, DefaultConfig())

	_, err := o.RunSimulation(context.Background(), "bad", "standard", -1,
		reservoir.SimulationParams{}, "tester")
	if err == nil {
		t.Fatal("Expected error for non-positive base production")
	}
}
