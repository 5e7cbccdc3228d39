// Package farm is the boundary to the render-management system. The core
// only needs two capabilities from it: handing over a planned job
// (Transport) and receiving per-task progress and outcomes from workers
// (Reporter). Store implements both on a local SQLite database;
// CommandTransport implements Transport against a Deadline-style external
// submission command.
package farm

import (
	"context"

	"github.com/doubletwisted/comfyfarm/plan"
)

// Transport hands a planned job to the farm and returns the farm's job
// identifier. Submission is all-or-nothing: on error no partial job exists.
type Transport interface {
	Submit(ctx context.Context, jd *plan.JobDescriptor) (jobID string, err error)
}

// Reporter receives per-task execution reports from workers. Progress is a
// job-global percentage in [0,100]; outcomes are terminal and reported once.
type Reporter interface {
	ReportProgress(ctx context.Context, jobID string, taskIndex int, progress float64, message string) error
	ReportOutcome(ctx context.Context, jobID string, taskIndex int, res TaskResult) error
}

// TaskStatus is the farm-visible life cycle of one task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskSucceeded TaskStatus = "succeeded"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// Terminal reports whether the status is final.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskSucceeded, TaskFailed, TaskCancelled:
		return true
	}
	return false
}

// TaskResult is a terminal outcome as the farm records it. FailureKind and
// Detail are kept verbatim for diagnosis; both empty on success and on
// cancellation.
type TaskResult struct {
	Status      TaskStatus
	FailureKind string
	Detail      string
}
