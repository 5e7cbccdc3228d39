// Package executor runs one planned task on a worker host: it launches the
// inference server, waits for readiness, queues the task's workflow once per
// chunk item, follows execution through the history endpoint and classifies
// the outcome. The server process is torn down on every exit path.
package executor

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/doubletwisted/comfyfarm/plan"
	"github.com/doubletwisted/comfyfarm/workflow"
)

// Task is the unit of work handed to the executor: the workflow to run and
// the item range it covers within the job.
type Task struct {
	Graph      workflow.Graph
	ItemStart  int
	ItemCount  int
	BatchCount int

	// VarySeeds makes the executor redraw seed fields for the second and
	// later items of the chunk; the first item runs the graph as planned.
	VarySeeds bool
}

// ProgressFunc receives job-global progress updates in [0,100].
type ProgressFunc func(overall float64, message string)

// serverHandle is what the run loop needs from the spawned process.
type serverHandle interface {
	Exited() bool
	Stop(grace time.Duration)

	// Progress is the current item's sampling percentage as parsed from
	// the server's output; ResetProgress rewinds it before each prompt.
	Progress() float64
	ResetProgress()
}

// Executor supervises task runs against a locally spawned inference server.
// Not safe for concurrent Run calls.
type Executor struct {
	cfg        *Config
	logger     *slog.Logger
	onProgress ProgressFunc

	state State

	// Seams replaced in tests.
	startServer   func(cfg *Config, port int, logger *slog.Logger) (serverHandle, error)
	newClient     func(port int) *Client
	probeInterval time.Duration
}

// Option customises an Executor.
type Option func(*Executor)

// WithProgress installs a progress callback.
func WithProgress(fn ProgressFunc) Option {
	return func(e *Executor) { e.onProgress = fn }
}

// New builds an executor. The config should have defaults applied.
func New(cfg *Config, logger *slog.Logger, opts ...Option) *Executor {
	e := &Executor{
		cfg:    cfg,
		logger: logger,
		state:  StatePending,
		startServer: func(cfg *Config, port int, logger *slog.Logger) (serverHandle, error) {
			return StartServer(cfg, port, logger)
		},
		newClient:     NewClient,
		probeInterval: time.Second,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// State returns the current run state.
func (e *Executor) State() State { return e.state }

func (e *Executor) setState(s State) {
	if s == e.state {
		return
	}
	e.logger.Info("executor state", "from", e.state, "to", s)
	e.state = s
}

func (e *Executor) report(overall float64, message string) {
	if e.onProgress != nil {
		e.onProgress(overall, message)
	}
}

// Run executes one task end to end and returns its terminal outcome. The
// spawned server is always stopped before Run returns, whatever the path
// out. Cancelling ctx yields a Cancelled outcome, never a Failed one.
func (e *Executor) Run(ctx context.Context, task Task) (out Outcome) {
	defer func() { e.setState(out.State) }()

	if task.ItemCount < 1 || task.BatchCount < 1 {
		return Failure(FailExecution,
			fmt.Sprintf("bad item range: count=%d batch=%d", task.ItemCount, task.BatchCount))
	}
	if len(task.Graph) == 0 {
		return Failure(FailExecution, "empty workflow graph")
	}

	e.setState(StateServerStarting)
	port, err := FindPort(e.cfg.BasePort, e.cfg.PortSearchRange)
	if err != nil {
		return Failure(FailServerStartup, err.Error())
	}

	proc, err := e.startServer(e.cfg, port, e.logger)
	if err != nil {
		return Failure(FailServerStartup, err.Error())
	}
	defer proc.Stop(e.cfg.GracePeriod)

	client := e.newClient(port)
	if out, ok := e.waitReady(ctx, client, proc); !ok {
		return out
	}
	e.setState(StateServerReady)

	start := time.Now()
	tr := NewTranslator(task.ItemStart, task.ItemCount, task.BatchCount)

	for item := 0; item < task.ItemCount; item++ {
		g := task.Graph
		if item > 0 && task.VarySeeds {
			g = task.Graph.Clone()
			plan.VarySeeds(g, item)
		}

		e.report(tr.Overall(item, 0),
			fmt.Sprintf("rendering item %d/%d", item+1, task.ItemCount))

		proc.ResetProgress()
		promptID, err := client.QueuePrompt(ctx, g)
		if err != nil {
			if ctx.Err() != nil {
				return Cancelled()
			}
			if errors.Is(err, ErrWorkflowRejected) {
				return Failure(FailWorkflowRejected, err.Error())
			}
			return Failure(FailExecution, err.Error())
		}
		if e.state == StateServerReady {
			e.setState(StateSubmitted)
		}
		e.logger.Info("prompt queued", "prompt_id", promptID, "item", item)

		entry, out, ok := e.awaitPrompt(ctx, client, proc, promptID, tr, item, task.ItemCount)
		if !ok {
			return out
		}

		if !e.outputsPresent(entry, start) {
			return Failure(FailOutputMissing,
				fmt.Sprintf("prompt %s completed but produced no outputs", promptID))
		}

		e.report(tr.Overall(item, 100),
			fmt.Sprintf("item %d/%d done", item+1, task.ItemCount))
	}

	return Succeeded()
}

// waitReady polls the server until it answers or the startup timeout runs
// out, backing off exponentially up to the poll interval. An early process
// exit fails immediately instead of burning the whole timeout.
func (e *Executor) waitReady(ctx context.Context, client *Client, proc serverHandle) (Outcome, bool) {
	deadline := time.Now().Add(e.cfg.StartupTimeout)
	wait := e.probeInterval
	for {
		if ctx.Err() != nil {
			return Cancelled(), false
		}
		if proc.Exited() {
			return Failure(FailServerStartup, "server process exited during startup"), false
		}
		if client.Ready(ctx) {
			return Outcome{}, true
		}
		if time.Now().After(deadline) {
			return Failure(FailServerStartup,
				fmt.Sprintf("server not ready after %s", e.cfg.StartupTimeout)), false
		}
		if err := sleepCtx(ctx, wait); err != nil {
			return Cancelled(), false
		}
		wait *= 2
		if wait > e.cfg.PollInterval {
			wait = e.cfg.PollInterval
		}
	}
}

// awaitPrompt polls history until the prompt finishes, reporting step-level
// progress between polls. Returns the final entry on success; otherwise the
// outcome to return from Run.
func (e *Executor) awaitPrompt(ctx context.Context, client *Client, proc serverHandle, promptID string,
	tr *Translator, item, itemCount int) (*HistoryEntry, Outcome, bool) {

	deadline := time.Now().Add(e.cfg.ExecutionTimeout)
	lastReported := -1.0
	for {
		if err := sleepCtx(ctx, e.cfg.PollInterval); err != nil {
			return nil, Cancelled(), false
		}

		if overall := tr.Overall(item, proc.Progress()); overall > lastReported {
			lastReported = overall
			e.report(overall, fmt.Sprintf("rendering item %d/%d", item+1, itemCount))
		}

		entry, err := client.History(ctx, promptID)
		if err != nil {
			if ctx.Err() != nil {
				return nil, Cancelled(), false
			}
			// Transient; the server may be busy. The exit check below
			// catches the non-transient case.
			e.logger.Warn("history poll failed", "prompt_id", promptID, "error", err)
		}

		if entry != nil && e.state == StateSubmitted {
			e.setState(StateRunning)
		}

		if entry != nil && entry.Done() {
			if entry.Errored() {
				return nil, Failure(FailExecution, entry.ErrorDetail()), false
			}
			return entry, Outcome{}, true
		}

		if proc.Exited() {
			return nil, Failure(FailExecution, "server process exited during execution"), false
		}
		if time.Now().After(deadline) {
			return nil, Failure(FailExecution,
				fmt.Sprintf("prompt %s not finished after %s", promptID, e.cfg.ExecutionTimeout)), false
		}
	}
}

// outputsPresent decides whether a completed prompt actually produced
// something. With an output directory configured the filesystem is the
// authority: a workflow whose save node is disabled "completes" on the
// server without writing anything. Otherwise the history outputs are the
// only signal.
func (e *Executor) outputsPresent(entry *HistoryEntry, since time.Time) bool {
	if e.cfg.OutputDirectory != "" {
		return e.outputsAppeared(since)
	}
	return len(entry.Outputs) > 0
}

// outputsAppeared checks the output directory for at least one file
// modified at or after the task started.
func (e *Executor) outputsAppeared(since time.Time) bool {
	found := false
	filepath.WalkDir(e.cfg.OutputDirectory, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if !info.ModTime().Before(since.Truncate(time.Second)) {
			found = true
			return filepath.SkipAll
		}
		return nil
	})
	return found
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
