// Command comfysubmit decomposes a workflow into a batch job and submits it.
//
// Usage:
//
//	comfysubmit -workflow graph.json -batch 20 -chunk 4 -vary-seeds -db farm.db
//	comfysubmit -workflow graph.json -batch 20 -chunk 4 -deadline
//	comfysubmit -workflow graph.json -batch 10 -chunk 2 -no-submit
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	_ "modernc.org/sqlite"

	"github.com/doubletwisted/comfyfarm/farm"
	"github.com/doubletwisted/comfyfarm/plan"
	"github.com/doubletwisted/comfyfarm/workflow"
)

func main() {
	workflowPath := flag.String("workflow", "", "path to the workflow JSON file, or - for stdin (required)")
	batch := flag.Int("batch", 1, "number of items to render")
	chunk := flag.Int("chunk", 1, "items per task")
	varySeeds := flag.Bool("vary-seeds", false, "redraw seed fields per item")
	name := flag.String("name", "", "job name (generated when empty)")
	priority := flag.Int("priority", 50, "job priority 0-100")
	pool := flag.String("pool", "none", "farm pool")
	group := flag.String("group", "none", "farm group")
	department := flag.String("department", "", "department tag")
	comment := flag.String("comment", "", "job comment")
	outputDir := flag.String("output", "", "output directory the workers render into")
	noSubmit := flag.Bool("no-submit", false, "plan and validate only, submit nothing")
	skipLocal := flag.Bool("skip-local", false, "mark the job so the submitting host skips its own local run")

	dbPath := flag.String("db", "farm.db", "job store database path")
	useDeadline := flag.Bool("deadline", false, "submit through deadlinecommand instead of the job store")
	deadlineCmd := flag.String("deadline-command", "", "path to deadlinecommand (auto-detected when empty)")

	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	logger := newLogger(*logLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := plan.FarmConfig{
		JobName:            *name,
		Priority:           *priority,
		Pool:               *pool,
		Group:              *group,
		Department:         *department,
		Comment:            *comment,
		OutputDirectory:    *outputDir,
		Bypass:             *noSubmit,
		SkipLocalExecution: *skipLocal,
	}

	if err := run(ctx, logger, *workflowPath, *batch, *chunk, *varySeeds, cfg,
		*dbPath, *useDeadline, *deadlineCmd); err != nil {
		logger.Error("comfysubmit: fatal", "error", err)
		os.Exit(1)
	}
}

func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}

func run(ctx context.Context, logger *slog.Logger, workflowPath string, batch, chunk int,
	varySeeds bool, cfg plan.FarmConfig, dbPath string, useDeadline bool, deadlineCmd string) error {

	if workflowPath == "" {
		fmt.Fprintln(os.Stderr, "usage: comfysubmit -workflow <file> [-batch N] [-chunk N] [flags]")
		os.Exit(2)
	}

	var data []byte
	var err error
	if workflowPath == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(workflowPath)
	}
	if err != nil {
		return fmt.Errorf("read workflow: %w", err)
	}
	g, err := workflow.Decode(data)
	if err != nil {
		return err
	}
	logger.Info("workflow loaded", "path", workflowPath, "summary", workflow.Describe(g))

	for _, w := range workflow.Validate(g) {
		logger.Warn("workflow check", "warning", w)
	}

	g, bypassed := workflow.Bypass(g)
	if bypassed > 0 {
		logger.Info("submission nodes bypassed", "count", bypassed)
	}

	tasks, err := plan.Plan(g, batch, chunk, varySeeds)
	if err != nil {
		return err
	}
	jd, err := plan.Build(tasks, cfg)
	if err != nil {
		return err
	}
	logger.Info("job planned",
		"name", jd.Name,
		"tasks", len(jd.Tasks),
		"batch_count", jd.BatchCount,
		"chunk_size", jd.ChunkSize,
		"vary_seeds", jd.VarySeeds)

	if jd.Bypass {
		fmt.Printf("planned %d tasks for %q, submission skipped\n", len(jd.Tasks), jd.Name)
		return nil
	}

	transport, cleanup, err := pickTransport(logger, dbPath, useDeadline, deadlineCmd)
	if err != nil {
		return err
	}
	defer cleanup()

	jobID, err := transport.Submit(ctx, jd)
	if err != nil {
		return err
	}
	fmt.Println(jobID)
	return nil
}

func pickTransport(logger *slog.Logger, dbPath string, useDeadline bool, deadlineCmd string) (farm.Transport, func(), error) {
	if useDeadline {
		cmd := deadlineCmd
		if cmd == "" {
			var err error
			cmd, err = farm.FindCommand()
			if err != nil {
				return nil, nil, err
			}
		}
		return &farm.CommandTransport{Command: cmd, Logger: logger}, func() {}, nil
	}

	store, err := farm.Open(dbPath, logger)
	if err != nil {
		return nil, nil, err
	}
	return store, func() { store.Close() }, nil
}
