// Command comfyworker claims tasks from the job store and executes them
// against a locally spawned inference server.
//
// Usage:
//
//	comfyworker -config worker.yaml -db farm.db
//	comfyworker -config worker.yaml -db farm.db -once
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "modernc.org/sqlite"

	"github.com/doubletwisted/comfyfarm/executor"
	"github.com/doubletwisted/comfyfarm/farm"
)

func main() {
	configPath := flag.String("config", "", "path to worker.yaml config file (required)")
	dbPath := flag.String("db", "farm.db", "job store database path")
	workerName := flag.String("worker", "", "worker name (default: hostname)")
	once := flag.Bool("once", false, "exit when the queue is empty instead of waiting")
	claimInterval := flag.Duration("claim-interval", 5*time.Second, "how often to check for pending tasks")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	var level slog.Level
	switch *logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, *configPath, *dbPath, *workerName, *once, *claimInterval); err != nil {
		logger.Error("comfyworker: fatal", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, configPath, dbPath, workerName string,
	once bool, claimInterval time.Duration) error {

	if configPath == "" {
		flag.Usage()
		os.Exit(2)
	}
	cfg, err := executor.LoadConfigFile(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if workerName == "" {
		workerName, _ = os.Hostname()
		if workerName == "" {
			workerName = "worker"
		}
	}

	store, err := farm.Open(dbPath, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	logger.Info("worker started", "name", workerName, "db", dbPath)

	for {
		if ctx.Err() != nil {
			return nil
		}

		ct, err := store.ClaimTask(ctx, workerName)
		if err != nil {
			return err
		}
		if ct == nil {
			if once {
				logger.Info("queue empty, exiting")
				return nil
			}
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(claimInterval):
			}
			continue
		}

		runTask(ctx, logger, cfg, store, ct)
	}
}

func runTask(ctx context.Context, logger *slog.Logger, cfg *executor.Config, store *farm.Store, ct *farm.ClaimedTask) {
	taskLogger := logger.With("job_id", ct.JobID, "task", ct.Task.Index)
	taskLogger.Info("task claimed",
		"job", ct.JobName,
		"items", ct.Task.ItemCount,
		"item_start", ct.Task.ItemStart)

	runCfg := *cfg
	if ct.OutputDirectory != "" {
		runCfg.OutputDirectory = ct.OutputDirectory
	}

	e := executor.New(&runCfg, taskLogger, executor.WithProgress(func(overall float64, message string) {
		if err := store.ReportProgress(ctx, ct.JobID, ct.Task.Index, overall, message); err != nil {
			taskLogger.Warn("progress report failed", "error", err)
		}
	}))

	out := e.Run(ctx, executor.Task{
		Graph:      ct.Task.Graph,
		ItemStart:  ct.Task.ItemStart,
		ItemCount:  ct.Task.ItemCount,
		BatchCount: ct.BatchCount,
		VarySeeds:  ct.VarySeeds,
	})

	// The run context may already be cancelled; the outcome still has to
	// land in the store.
	reportCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := store.ReportOutcome(reportCtx, ct.JobID, ct.Task.Index, toResult(out)); err != nil {
		taskLogger.Error("outcome report failed", "error", err)
	}
}

func toResult(out executor.Outcome) farm.TaskResult {
	switch out.State {
	case executor.StateSucceeded:
		return farm.TaskResult{Status: farm.TaskSucceeded}
	case executor.StateCancelled:
		return farm.TaskResult{Status: farm.TaskCancelled}
	default:
		return farm.TaskResult{
			Status:      farm.TaskFailed,
			FailureKind: string(out.Kind),
			Detail:      out.Detail,
		}
	}
}
