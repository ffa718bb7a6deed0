package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fiskala/regtruth/internal/extract"
	"github.com/fiskala/regtruth/internal/model"
	"github.com/fiskala/regtruth/internal/monitoring"
	"github.com/fiskala/regtruth/internal/orchestrator"
	"github.com/fiskala/regtruth/internal/queue"
	"github.com/fiskala/regtruth/internal/resilience"
	"github.com/fiskala/regtruth/internal/scout"
	"github.com/fiskala/regtruth/internal/server"
	"github.com/fiskala/regtruth/pkg/ollama"
)

var (
	workerSpoolDir string
	workerPort     int
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the ingestion pipeline worker",
	Long:  "Consumes evidence files from the spool directory, runs them through scout, routing, admission and extraction, and exposes the admin API.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initGovernance(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		broker := queue.NewBroker(cfg.Pipeline.QueueDepth)
		dlq := queue.NewDLQ()

		sc := scout.New(scout.Config{
			MinContentChars:   cfg.Scout.MinContentChars,
			MaxContentChars:   cfg.Scout.MaxContentChars,
			BoilerplateCutoff: cfg.Scout.BoilerplateCutoff,
			CharsPerToken:     cfg.Scout.CharsPerToken,
		})

		timeout := time.Duration(cfg.Ollama.TimeoutSecs) * time.Second
		local := ollama.NewClient(
			ollama.WithBaseURL(cfg.Ollama.LocalBaseURL),
			ollama.WithModel(cfg.Ollama.Model),
			ollama.WithTimeout(timeout),
		)
		var cloud ollama.Client
		if cfg.Ollama.CloudBaseURL != "" {
			cloud = ollama.NewClient(
				ollama.WithBaseURL(cfg.Ollama.CloudBaseURL),
				ollama.WithAPIKey(cfg.Ollama.CloudAPIKey),
				ollama.WithModel(cfg.Ollama.CloudModel),
				ollama.WithTimeout(timeout),
			)
		}

		stageWorkers := make(map[model.Stage]int, len(cfg.Pipeline.StageWorkers))
		for name, n := range cfg.Pipeline.StageWorkers {
			stageWorkers[model.Stage(name)] = n
		}

		orch := orchestrator.New(
			orchestrator.Config{
				StageWorkers: stageWorkers,
				QueueDepth:   cfg.Pipeline.QueueDepth,
				Retry: resilience.FromPipelineConfig(
					cfg.Pipeline.MaxAttempts,
					cfg.Pipeline.InitialBackoffMs,
					cfg.Pipeline.MaxBackoffMs,
				),
			},
			broker, dlq, sc,
			env.Tracker, env.Ledger, env.Recorder, env.Sink,
			extract.New(local, cloud),
			extract.NewOCR(local, cfg.Ollama.Model),
			nil,
		)

		collector := monitoring.NewCollector(env.Tracker, env.Ledger, broker, dlq, cfg.Budget.GlobalDailyTokens)
		alerter := monitoring.NewAlerter(cfg.Monitoring)
		checker := monitoring.NewChecker(collector, alerter, cfg.Monitoring)

		handler := server.New(server.Config{
			Tracker:   env.Tracker,
			Ledger:    env.Ledger,
			Decisions: env.Store.Decisions(),
			Collector: collector,
			Cancels:   orch.Cancels(),
		})

		port := workerPort
		if port == 0 {
			port = cfg.Server.Port
		}
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		}

		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error { return orch.Run(ctx) })
		g.Go(func() error {
			checker.Run(ctx)
			return nil
		})
		g.Go(func() error { return spoolLoop(ctx, orch, workerSpoolDir) })
		g.Go(func() error { return housekeeping(ctx, env) })
		g.Go(func() error {
			<-ctx.Done()
			zap.L().Info("shutting down worker server")
			_ = srv.Shutdown(context.Background())
			return nil
		})
		g.Go(func() error {
			zap.L().Info("starting worker admin server", zap.Int("port", port))
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return eris.Wrap(err, "worker server listen")
			}
			return nil
		})

		err = g.Wait()
		if err != nil && ctx.Err() != nil {
			// Shutdown path, not a failure.
			return nil
		}
		return err
	},
}

// spoolLoop scans the spool directory for evidence JSON files and submits
// them to the pipeline. Processed files get a .done suffix so a crashed
// worker resumes without resubmitting; the sentinel stage dedups by content
// hash anyway.
func spoolLoop(ctx context.Context, orch *orchestrator.Orchestrator, dir string) error {
	if dir == "" {
		zap.L().Info("no spool directory configured, accepting no file input")
		<-ctx.Done()
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return eris.Wrapf(err, "create spool dir %s", dir)
	}

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := drainSpool(ctx, orch, dir); err != nil {
				zap.L().Error("spool scan failed", zap.Error(err))
			}
		}
	}
}

func drainSpool(ctx context.Context, orch *orchestrator.Orchestrator, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return eris.Wrapf(err, "read spool dir %s", dir)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(dir, entry.Name())

		data, err := os.ReadFile(path)
		if err != nil {
			zap.L().Error("read spool file", zap.String("path", path), zap.Error(err))
			continue
		}

		var ev model.Evidence
		if err := json.Unmarshal(data, &ev); err != nil {
			zap.L().Error("parse spool file", zap.String("path", path), zap.Error(err))
			_ = os.Rename(path, path+".bad")
			continue
		}
		if ev.SourceSlug == "" || ev.Content == "" {
			zap.L().Error("spool file missing source_slug or content", zap.String("path", path))
			_ = os.Rename(path, path+".bad")
			continue
		}

		runID, err := orch.Submit(ctx, ev)
		if err != nil {
			return eris.Wrapf(err, "submit %s", path)
		}
		zap.L().Info("submitted evidence",
			zap.String("path", path),
			zap.String("run_id", runID),
			zap.String("source", ev.SourceSlug),
		)
		_ = os.Rename(path, path+".done")
	}
	return nil
}

// housekeeping periodically flushes the budget snapshot and sweeps source
// pauses so expiries do not wait for the next read.
func housekeeping(ctx context.Context, env *govEnv) error {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			saveCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			if err := env.Store.Budget().Save(saveCtx, env.Ledger.Snapshot()); err != nil {
				zap.L().Error("flush budget snapshot", zap.Error(err))
			}
			if err := env.Tracker.Sweep(saveCtx); err != nil {
				zap.L().Error("sweep source health", zap.Error(err))
			}
			cancel()
		}
	}
}

func init() {
	workerCmd.Flags().StringVar(&workerSpoolDir, "spool", "spool", "directory scanned for evidence JSON files")
	workerCmd.Flags().IntVar(&workerPort, "port", 0, "admin server port (default from config)")
	rootCmd.AddCommand(workerCmd)
}
