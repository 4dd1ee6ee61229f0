// resctl is the operator CLI: it runs a full prediction session locally
// against CSV measurements, executes extraction scenarios, and polls a
// running server for session status.
package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/petrosight/reservoir/internal/api"
	"github.com/petrosight/reservoir/internal/metrics"
	"github.com/petrosight/reservoir/internal/model"
	"github.com/petrosight/reservoir/internal/reservoir"
	"github.com/petrosight/reservoir/internal/series"
	"github.com/petrosight/reservoir/internal/session"
	"github.com/petrosight/reservoir/internal/store"
)

var verbose bool

func main() {
	rootCmd := &cobra.Command{
		Use:   "resctl",
		Short: "Reservoir prediction pipeline control tool",
		Long: `Operator tool for the reservoir prediction pipeline.
Runs local analysis sessions from CSV data, executes extraction scenarios,
and queries a running server for session status.`,
	}

	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "Verbose logging")

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(simulateCmd())
	rootCmd.AddCommand(statusCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// runCmd executes a full prediction session locally against a CSV file.
func runCmd() *cobra.Command {
	var (
		csvPath     string
		target      string
		horizonDays int
		seed        int64
		timeoutSec  int
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a prediction session against a local CSV file",
		Long: `Loads measurements from a CSV file (first column: RFC 3339 timestamp,
remaining columns: numeric measurements), runs the full pipeline against an
in-memory store, and prints the session outcome.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), time.Duration(timeoutSec)*time.Second)
			defer cancel()

			frame, err := loadCSV(csvPath)
			if err != nil {
				return fmt.Errorf("failed to load CSV: %w", err)
			}
			if !frame.HasColumn(target) {
				return fmt.Errorf("CSV has no %q column (columns: %s)", target, strings.Join(frame.Columns(), ", "))
			}
			fmt.Printf("Loaded %d rows, %d columns from %s\n", frame.Len(), len(frame.Columns()), csvPath)

			logger := zap.NewNop()
			if verbose {
				logger, err = zap.NewDevelopment()
				if err != nil {
					return err
				}
			}

			st := store.NewMemoryStore()
			src := &reservoir.DataSource{
				ID:             "local-csv",
				Name:           csvPath,
				Category:       reservoir.SourceHistorical,
				TimeRangeStart: frame.Timestamps[0],
				TimeRangeEnd:   frame.Timestamps[frame.Len()-1],
				Processed:      true,
				CreatedAt:      time.Now().UTC(),
			}
			if err := st.PutSource(ctx, src, frame); err != nil {
				return err
			}

			orchestrator, err := session.New(st, st, metrics.New(), logger, session.DefaultConfig())
			if err != nil {
				return err
			}

			treeCfg := model.DefaultTreeEnsembleConfig()
			seqCfg := model.DefaultSequenceConfig()
			treeCfg.Seed = seed
			seqCfg.Seed = seed

			task, err := orchestrator.Start(ctx, api.AnalysisRequest{
				SessionName:   "resctl run",
				DataSourceIDs: []string{src.ID},
				Models: model.Configs{
					TreeEnsemble: &treeCfg,
					Sequence:     &seqCfg,
				},
				TargetColumn:        target,
				ForecastHorizonDays: horizonDays,
				Requester:           "resctl",
			})
			if err != nil {
				return err
			}
			if err := task.Wait(ctx); err != nil {
				return fmt.Errorf("session failed: %w", err)
			}

			sess, err := st.GetSession(ctx, task.SessionID)
			if err != nil {
				return err
			}

			fmt.Printf("\n=== Session %s ===\n", sess.ID)
			fmt.Printf("State: %s\n", sess.State)
			fmt.Printf("Best model: %s\n", sess.Result.BestModel)
			for kind, m := range sess.Result.ModelMetrics {
				fmt.Printf("  %s: mse=%.4f rmse=%.4f mae=%.4f r2=%.4f\n", kind, m.MSE, m.RMSE, m.MAE, m.R2)
			}
			fmt.Printf("Horizon: %d days\n", sess.Result.HorizonDays)
			fmt.Printf("Final forecast: %.2f (%s)\n", sess.Result.FinalForecast, sess.Result.Trend)
			fmt.Printf("Warnings: %d\n", sess.Result.WarningCount)

			for _, wid := range sess.WarningIDs {
				warn, err := st.GetWarning(ctx, wid)
				if err != nil {
					return err
				}
				fmt.Printf("  [%s] %s: %s\n", warn.Severity, warn.Type, warn.Title)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&csvPath, "csv", "f", "", "CSV file with measurements (required)")
	cmd.Flags().StringVarP(&target, "target", "t", api.DefaultTargetColumn, "Target column to forecast")
	cmd.Flags().IntVar(&horizonDays, "horizon", 30, "Forecast horizon in days")
	cmd.Flags().Int64Var(&seed, "seed", 42, "Random seed for model training")
	cmd.Flags().IntVar(&timeoutSec, "timeout", 300, "Overall timeout in seconds")
	cmd.MarkFlagRequired("csv")

	return cmd
}

// simulateCmd runs one extraction scenario and prints the decline curve
// summary.
func simulateCmd() *cobra.Command {
	var (
		scenario       string
		baseProduction float64
		days           int
		asJSON         bool
	)

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run an extraction scenario",
		Long: `Runs a deterministic decline-curve scenario (aggressive, conservative,
or standard) and prints the production summary.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			st := store.NewMemoryStore()
			orchestrator, err := session.New(st, st, metrics.New(), zap.NewNop(), session.DefaultConfig())
			if err != nil {
				return err
			}

			sim, err := orchestrator.RunSimulation(ctx, "resctl simulate", scenario, baseProduction,
				reservoir.SimulationParams{SimulationDays: days}, "resctl")
			if err != nil {
				return err
			}

			if asJSON {
				return json.NewEncoder(os.Stdout).Encode(sim)
			}

			r := sim.Result
			fmt.Printf("=== Scenario: %s ===\n", r.Scenario)
			fmt.Printf("Days simulated: %d\n", len(r.DailyRates))
			fmt.Printf("Cumulative production: %.2f\n", r.CumulativeProduction)
			fmt.Printf("Average daily rate: %.2f\n", r.AverageDailyRate)
			fmt.Printf("Final rate: %.2f\n", r.FinalRate)
			fmt.Printf("Recovery factor: %.2f\n", r.RecoveryFactor)
			return nil
		},
	}

	cmd.Flags().StringVarP(&scenario, "scenario", "s", "standard", "Scenario: aggressive, conservative, or standard")
	cmd.Flags().Float64VarP(&baseProduction, "base", "b", 1000, "Base daily production rate")
	cmd.Flags().IntVar(&days, "days", 365, "Days to simulate")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print raw JSON")

	return cmd
}

// statusCmd polls a running server for session status.
func statusCmd() *cobra.Command {
	var (
		serverURL string
		sessionID string
		watch     bool
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Query a running server for session status",
		RunE: func(cmd *cobra.Command, args []string) error {
			for {
				status, err := fetchStatus(serverURL, sessionID)
				if err != nil {
					return err
				}
				fmt.Printf("%s  %3d%%  %-12s %s\n", status.SessionID, status.ProgressPercent, status.State, status.StatusMessage)
				if status.Error != "" {
					fmt.Printf("  error: %s\n", status.Error)
				}
				if !watch || status.State.Terminal() {
					return nil
				}
				time.Sleep(2 * time.Second)
			}
		},
	}

	cmd.Flags().StringVar(&serverURL, "server", "http://localhost:8080", "Server base URL")
	cmd.Flags().StringVar(&sessionID, "session-id", "", "Session id (required)")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "Poll until the session is terminal")
	cmd.MarkFlagRequired("session-id")

	return cmd
}

func fetchStatus(serverURL, sessionID string) (*api.SessionStatus, error) {
	url := fmt.Sprintf("%s/v1/sessions/%s/status", strings.TrimSuffix(serverURL, "/"), sessionID)
	resp, err := http.Get(url)
	if err != nil {
		return nil, fmt.Errorf("status request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var status api.SessionStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("failed to decode status: %w", err)
	}
	return &status, nil
}

// loadCSV reads a measurement series. The first column must be an RFC 3339
// timestamp; every other column is numeric, empty cells becoming missing
// values.
func loadCSV(path string) (*series.Frame, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("reading header: %w", err)
	}
	if len(header) < 2 {
		return nil, fmt.Errorf("need a timestamp column plus at least one measurement column")
	}

	frame := series.New(header[1:]...)
	line := 1
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line+1, err)
		}
		line++

		ts, err := time.Parse(time.RFC3339, record[0])
		if err != nil {
			return nil, fmt.Errorf("line %d: bad timestamp %q: %w", line, record[0], err)
		}

		values := make(map[string]float64, len(header)-1)
		for i, col := range header[1:] {
			cell := strings.TrimSpace(record[i+1])
			if cell == "" {
				continue
			}
			v, err := strconv.ParseFloat(cell, 64)
			if err != nil {
				return nil, fmt.Errorf("line %d: bad value %q in column %s: %w", line, cell, col, err)
			}
			values[col] = v
		}
		if err := frame.AppendRow(ts, "", "", values); err != nil {
			return nil, err
		}
	}

	if frame.Len() == 0 {
		return nil, fmt.Errorf("no data rows in %s", path)
	}
	frame.SortByTimestamp()
	return frame, nil
}
