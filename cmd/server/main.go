package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/petrosight/reservoir/internal/api"
	"github.com/petrosight/reservoir/internal/config"
	"github.com/petrosight/reservoir/internal/metrics"
	"github.com/petrosight/reservoir/internal/reservoir"
	"github.com/petrosight/reservoir/internal/session"
	"github.com/petrosight/reservoir/internal/store"
	"github.com/petrosight/reservoir/pkg/otel"
)

type server struct {
	orchestrator *session.Orchestrator
	store        store.Store
	logger       *zap.Logger
	metricsAuth  struct {
		enabled  bool
		user     string
		password string
	}
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		os.Stderr.WriteString("logger: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer logger.Sync()

	ctx := context.Background()

	// Tracing is optional; without a collector endpoint the global no-op
	// tracer stays in place.
	if cfg.OTelEndpoint != "" {
		otelCfg := otel.DefaultConfig(cfg.ServiceName)
		otelCfg.CollectorEndpoint = cfg.OTelEndpoint
		otelCfg.Environment = cfg.Environment
		otelCfg.SamplingRate = cfg.SamplingRate
		tp, err := otel.InitTracer(ctx, otelCfg)
		if err != nil {
			logger.Fatal("failed to init tracing", zap.Error(err))
		}
		defer otel.Shutdown(ctx, tp)
	}

	var st store.Store
	switch cfg.StoreBackend {
	case "memory":
		st = store.NewMemoryStore()
	case "postgres":
		st, err = store.NewPostgresStore(cfg.PostgresConn)
		if err != nil {
			logger.Fatal("failed to create postgres store", zap.Error(err))
		}
	}
	defer st.Close()

	var status store.StatusStore
	switch cfg.StatusBackend {
	case "redis":
		status, err = store.NewRedisStatusStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.StatusTTL)
		if err != nil {
			logger.Fatal("failed to create redis status store", zap.Error(err))
		}
		defer status.Close()
	default:
		if mem, ok := st.(*store.MemoryStore); ok {
			status = mem
		} else {
			status = store.NewMemoryStore()
		}
	}

	m := metrics.New()
	orchestrator, err := session.New(st, status, m, logger, cfg.Session)
	if err != nil {
		logger.Fatal("failed to create orchestrator", zap.Error(err))
	}

	srv := &server{
		orchestrator: orchestrator,
		store:        st,
		logger:       logger,
	}
	srv.metricsAuth.enabled = cfg.MetricsUser != ""
	srv.metricsAuth.user = cfg.MetricsUser
	srv.metricsAuth.password = cfg.MetricsPass

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/sessions", srv.handleSessions)
	mux.HandleFunc("/v1/sessions/", srv.handleSessionByID)
	mux.HandleFunc("/v1/sources", srv.handleSources)
	mux.HandleFunc("/v1/forecasts", srv.handleForecasts)
	mux.HandleFunc("/v1/forecasts/", srv.handleForecastByID)
	mux.HandleFunc("/v1/warnings", srv.handleWarnings)
	mux.HandleFunc("/v1/warnings/", srv.handleWarningByID)
	mux.HandleFunc("/v1/simulations", srv.handleSimulations)
	mux.Handle("/metrics", srv.metricsHandler())
	mux.HandleFunc("/health", handleHealth)

	httpServer := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	go func() {
		logger.Info("starting server", zap.String("addr", cfg.ListenAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server shutdown error", zap.Error(err))
	}
	orchestrator.Close()

	logger.Info("server stopped")
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}

// handleSessions starts a session (POST) or lists recent ones (GET).
func (s *server) handleSessions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			http.Error(w, "Failed to read body", http.StatusBadRequest)
			return
		}
		var req api.AnalysisRequest
		if err := json.Unmarshal(body, &req); err != nil {
			http.Error(w, "Invalid JSON", http.StatusBadRequest)
			return
		}

		task, err := s.orchestrator.Start(r.Context(), req)
		if errors.Is(err, session.ErrRateLimited) {
			w.Header().Set("Retry-After", "10")
			http.Error(w, "Too many requests", http.StatusTooManyRequests)
			return
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		respondJSON(w, http.StatusAccepted, map[string]string{"session_id": task.SessionID})

	case http.MethodGet:
		limit := queryInt(r, "limit", 50)
		sessions, err := s.store.ListSessions(r.Context(), limit)
		if err != nil {
			s.internalError(w, "list sessions", err)
			return
		}
		respondJSON(w, http.StatusOK, sessions)

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleSessionByID serves /v1/sessions/{id} and /v1/sessions/{id}/status.
func (s *server) handleSessionByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/v1/sessions/")
	id, sub, _ := strings.Cut(rest, "/")
	if id == "" {
		http.Error(w, "Session id required", http.StatusBadRequest)
		return
	}

	switch sub {
	case "":
		sess, err := s.store.GetSession(r.Context(), id)
		if err != nil {
			s.notFoundOr500(w, "get session", err)
			return
		}
		respondJSON(w, http.StatusOK, sess)
	case "status":
		status, err := s.orchestrator.Status(r.Context(), id)
		if err != nil {
			s.notFoundOr500(w, "get status", err)
			return
		}
		respondJSON(w, http.StatusOK, status)
	default:
		http.Error(w, "Not found", http.StatusNotFound)
	}
}

// handleSources lists registered data sources.
func (s *server) handleSources(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	sources, err := s.store.ListSources(r.Context())
	if err != nil {
		s.internalError(w, "list sources", err)
		return
	}
	respondJSON(w, http.StatusOK, sources)
}

// handleForecasts lists forecasts generated in the last `hours` (default 24).
func (s *server) handleForecasts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	hours := queryInt(r, "hours", 24)
	limit := queryInt(r, "limit", 50)
	since := time.Now().UTC().Add(-time.Duration(hours) * time.Hour)
	forecasts, err := s.store.ListRecentForecasts(r.Context(), since, limit)
	if err != nil {
		s.internalError(w, "list forecasts", err)
		return
	}
	respondJSON(w, http.StatusOK, forecasts)
}

// handleForecastByID serves /v1/forecasts/{id} and POST .../archive.
func (s *server) handleForecastByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/forecasts/")
	id, sub, _ := strings.Cut(rest, "/")
	if id == "" {
		http.Error(w, "Forecast id required", http.StatusBadRequest)
		return
	}

	switch {
	case sub == "" && r.Method == http.MethodGet:
		fc, err := s.store.GetForecast(r.Context(), id)
		if err != nil {
			s.notFoundOr500(w, "get forecast", err)
			return
		}
		respondJSON(w, http.StatusOK, fc)
	case sub == "warnings" && r.Method == http.MethodGet:
		warnings, err := s.store.ListWarningsByForecast(r.Context(), id)
		if err != nil {
			s.internalError(w, "list warnings", err)
			return
		}
		respondJSON(w, http.StatusOK, warnings)
	case sub == "archive" && r.Method == http.MethodPost:
		if err := s.store.ArchiveForecast(r.Context(), id); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				http.Error(w, "Not found", http.StatusNotFound)
				return
			}
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleWarnings lists unacknowledged warnings or bulk-acknowledges.
func (s *server) handleWarnings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		limit := queryInt(r, "limit", 100)
		warnings, err := s.store.ListUnacknowledged(r.Context(), limit)
		if err != nil {
			s.internalError(w, "list warnings", err)
			return
		}
		respondJSON(w, http.StatusOK, warnings)

	case http.MethodPost:
		var req struct {
			WarningIDs []string `json:"warning_ids"`
			Actor      string   `json:"acknowledged_by"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid JSON", http.StatusBadRequest)
			return
		}
		if len(req.WarningIDs) == 0 {
			http.Error(w, "warning_ids is required", http.StatusBadRequest)
			return
		}
		err := s.store.AcknowledgeWarnings(r.Context(), req.WarningIDs, req.Actor, time.Now().UTC())
		if err != nil {
			s.notFoundOr500(w, "acknowledge warnings", err)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleWarningByID serves GET /v1/warnings/{id} and POST .../acknowledge.
func (s *server) handleWarningByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/warnings/")
	id, sub, _ := strings.Cut(rest, "/")
	if id == "" {
		http.Error(w, "Warning id required", http.StatusBadRequest)
		return
	}

	switch {
	case sub == "" && r.Method == http.MethodGet:
		warn, err := s.store.GetWarning(r.Context(), id)
		if err != nil {
			s.notFoundOr500(w, "get warning", err)
			return
		}
		respondJSON(w, http.StatusOK, warn)
	case sub == "acknowledge" && r.Method == http.MethodPost:
		var req struct {
			Actor string `json:"acknowledged_by"`
		}
		if r.ContentLength > 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, "Invalid JSON", http.StatusBadRequest)
				return
			}
		}
		if err := s.store.AcknowledgeWarning(r.Context(), id, req.Actor, time.Now().UTC()); err != nil {
			s.notFoundOr500(w, "acknowledge warning", err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleSimulations runs an extraction scenario synchronously.
func (s *server) handleSimulations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		Name           string                     `json:"name"`
		Scenario       string                     `json:"scenario"`
		BaseProduction float64                    `json:"base_production"`
		Params         reservoir.SimulationParams `json:"parameters"`
		Requester      string                     `json:"requester"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	sim, err := s.orchestrator.RunSimulation(r.Context(), req.Name, req.Scenario, req.BaseProduction, req.Params, req.Requester)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	respondJSON(w, http.StatusOK, sim)
}

func (s *server) metricsHandler() http.Handler {
	handler := promhttp.Handler()

	if !s.metricsAuth.enabled {
		return handler
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != s.metricsAuth.user || pass != s.metricsAuth.password {
			w.Header().Set("WWW-Authenticate", `Basic realm="Metrics"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		handler.ServeHTTP(w, r)
	})
}

func (s *server) internalError(w http.ResponseWriter, op string, err error) {
	s.logger.Error(op, zap.Error(err))
	http.Error(w, "Internal server error", http.StatusInternalServerError)
}

func (s *server) notFoundOr500(w http.ResponseWriter, op string, err error) {
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}
	s.internalError(w, op, err)
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func queryInt(r *http.Request, key string, defaultValue int) int {
	if value := r.URL.Query().Get(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}
