// Command dagtrail starts the workflow traceability engine: a libSQL-backed
// run store, the DAG tracker, the asynchronous event capture pipeline and a
// Prometheus metrics endpoint.
//
// Usage:
//
//	go run ./cmd/dagtrail -db dagtrail.db
//	go run ./cmd/dagtrail -db dagtrail.db -metrics-addr :9102 -sample-rate 0.5
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dagtrail/dagtrail/internal/branch"
	"github.com/dagtrail/dagtrail/internal/capture"
	"github.com/dagtrail/dagtrail/internal/engine"
	"github.com/dagtrail/dagtrail/internal/expressions"
	"github.com/dagtrail/dagtrail/internal/janitor"
	"github.com/dagtrail/dagtrail/internal/logging"
	"github.com/dagtrail/dagtrail/internal/query"
	"github.com/dagtrail/dagtrail/internal/retry"
	"github.com/dagtrail/dagtrail/internal/service"
	"github.com/dagtrail/dagtrail/internal/store"
	"github.com/dagtrail/dagtrail/internal/streaming"
	"github.com/dagtrail/dagtrail/internal/tracker"
	"github.com/dagtrail/dagtrail/internal/validation"
	"github.com/dagtrail/dagtrail/pkg/schema"
)

func main() {
	dbPath := flag.String("db", "dagtrail.db", "libSQL database path")
	metricsAddr := flag.String("metrics-addr", ":9102", "Prometheus metrics listen address (empty to disable)")
	sampleRate := flag.Float64("sample-rate", 1.0, "Fraction of non-critical events to keep (0,1]")
	retention := flag.Duration("retention", 30*24*time.Hour, "How long terminal runs are kept")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(logging.NewCorrelationHandler(
		slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}),
	))
	slog.SetDefault(logger)

	if err := run(logger, *dbPath, *metricsAddr, *sampleRate, *retention); err != nil {
		logger.Error("dagtrail exited with error", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger, dbPath, metricsAddr string, sampleRate float64, retention time.Duration) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.NewLibSQLStore(dbPath)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.Migrate(ctx); err != nil {
		return err
	}

	hub := streaming.NewMemoryHub()
	defer hub.Close()

	runFSM := engine.NewRunFSM(st, hub)
	nodeFSM := engine.NewNodeFSM(st)

	jq := expressions.NewGoJQEngine()
	celEngine, err := expressions.NewCELEngine()
	if err != nil {
		return err
	}
	exprEngine := expressions.NewExprEngine()

	summarizer := tracker.NewSummarizer(st, jq, logger, tracker.SummarizerConfig{})
	trk := tracker.New(st, nodeFSM, runFSM, hub, summarizer, logger, tracker.DefaultConfig())
	defer trk.Close()

	pipeline := capture.NewPipeline(st, hub, logger, capture.PipelineConfig{SampleRate: sampleRate})
	defer pipeline.Close()

	validator, err := validation.NewPlanValidator()
	if err != nil {
		return err
	}

	analyzer := retry.NewAnalyzer(st, exprEngine, logger, retry.DefaultConfig())
	branches := branch.NewManager(st, runFSM, logger)
	queries := query.NewService(st, branches, celEngine, logger)
	runs := service.NewRunService(st, trk, pipeline, runFSM, validator, analyzer, hub, logger)

	// Audit persisted statuses against the replayed state history before
	// accepting new work. A mismatch means a writer bypassed the tracker.
	if err := auditRuns(ctx, runs, queries, logger); err != nil {
		return err
	}

	jan := janitor.New(st, logger, janitor.Config{Retention: retention})
	if err := jan.Start(ctx); err != nil {
		return err
	}
	defer jan.Stop()

	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Addr: metricsAddr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server failed", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
		logger.Info("metrics listening", "addr", metricsAddr)
	}

	logger.Info("dagtrail started", "db", dbPath, "sample_rate", sampleRate)
	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

// auditRuns compares each live run's stored statuses against the state
// replayed from its transition history. Runs caught mid-execution with a
// mismatch are paused for operator inspection; anything else is logged.
func auditRuns(ctx context.Context, runs *service.RunService, queries *query.Service, logger *slog.Logger) error {
	live, err := queries.Runs(ctx, store.RunFilter{})
	if err != nil {
		return err
	}
	for _, r := range live {
		if r.Status.IsTerminal() {
			continue
		}
		replayed, err := queries.ReplayState(ctx, r.ID)
		if err != nil {
			return err
		}
		if replayed.RunStatus == r.Status {
			continue
		}
		logger.Error("stored run status disagrees with state history",
			"run_id", r.ID, "stored", r.Status, "replayed", replayed.RunStatus)
		if r.Status == schema.RunStatusExecuting {
			if err := runs.PauseRun(ctx, r.ID, "state audit mismatch"); err != nil {
				logger.Error("failed to pause inconsistent run", "run_id", r.ID, "error", err)
			}
		}
	}
	return nil
}
