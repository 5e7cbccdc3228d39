package executor

// State is the executor's position in a task run. Transitions only move
// forward through the happy path (Pending → ServerStarting → ServerReady →
// Submitted → Running → Succeeded); any state may jump to Failed or, on
// context cancellation, to Cancelled.
type State string

const (
	StatePending        State = "pending"
	StateServerStarting State = "server_starting"
	StateServerReady    State = "server_ready"
	StateSubmitted      State = "submitted"
	StateRunning        State = "running"
	StateSucceeded      State = "succeeded"
	StateFailed         State = "failed"
	StateCancelled      State = "cancelled"
)

// Terminal reports whether the state is final.
func (s State) Terminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateCancelled:
		return true
	}
	return false
}

// FailureKind classifies why a task failed. Cancellation is not a failure
// kind; a cancelled task carries State Cancelled and no kind.
type FailureKind string

const (
	// FailServerStartup means the inference server did not become ready
	// within the configured startup timeout.
	FailServerStartup FailureKind = "ServerStartupTimeout"

	// FailWorkflowRejected means the server refused the workflow at queue
	// time (validation error before any execution).
	FailWorkflowRejected FailureKind = "WorkflowRejected"

	// FailExecution means the server accepted the workflow but a node
	// errored during execution.
	FailExecution FailureKind = "ExecutionError"

	// FailOutputMissing means execution reported success but no output file
	// appeared in the output directory.
	FailOutputMissing FailureKind = "OutputMissing"
)

// Outcome is the terminal result of one task run.
type Outcome struct {
	State State

	// Kind and Detail are set only when State is Failed.
	Kind   FailureKind
	Detail string
}

// Succeeded is a convenience for the happy-path outcome.
func Succeeded() Outcome { return Outcome{State: StateSucceeded} }

// Failure builds a failed outcome with its classification.
func Failure(kind FailureKind, detail string) Outcome {
	return Outcome{State: StateFailed, Kind: kind, Detail: detail}
}

// Cancelled is the outcome for a run stopped by context cancellation.
func Cancelled() Outcome { return Outcome{State: StateCancelled} }
