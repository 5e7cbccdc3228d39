package plan

import (
	"fmt"

	"github.com/doubletwisted/comfyfarm/idgen"
)

// Priority range accepted by the farm.
const (
	MinPriority = 0
	MaxPriority = 100
)

// noneValue is what the submission form sends for an unset pool or group.
const noneValue = "none"

// FarmConfig carries the farm-facing job settings supplied by the
// submitting side.
type FarmConfig struct {
	JobName         string
	Priority        int
	Pool            string
	Group           string
	Department      string
	Comment         string
	OutputDirectory string

	// Bypass means the caller intends not to submit the job. The builder
	// still returns a fully-formed descriptor; acting on the flag is the
	// caller's decision.
	Bypass bool

	// SkipLocalExecution asks the submitting host to interrupt its own
	// local run of the workflow after submission.
	SkipLocalExecution bool
}

// JobDescriptor is a complete submittable job: farm metadata plus the
// ordered task sequence. Never mutated after Build; ownership transfers to
// the farm transport on submit.
type JobDescriptor struct {
	Name            string
	Priority        int
	Pool            string
	Group           string
	Department      string
	Comment         string
	OutputDirectory string

	BatchCount int
	ChunkSize  int
	VarySeeds  bool

	Tasks []TaskDescriptor

	Bypass             bool
	SkipLocalExecution bool
}

var jobName = idgen.Prefixed("comfyui-", idgen.NanoID(8))

// Build assembles a job descriptor from a planned task sequence. Pure
// assembly plus validation: the task sequence is taken as planned, the
// priority is range-checked, and an absent job name is replaced with a
// generated identifier. A pool or group of "none" is normalized to empty,
// which the farm treats as unassigned.
func Build(tasks []TaskDescriptor, cfg FarmConfig) (*JobDescriptor, error) {
	if len(tasks) == 0 {
		return nil, fmt.Errorf("%w: no tasks to build a job from", ErrInvalidParameter)
	}
	if cfg.Priority < MinPriority || cfg.Priority > MaxPriority {
		return nil, fmt.Errorf("%w: priority %d outside [%d, %d]",
			ErrInvalidParameter, cfg.Priority, MinPriority, MaxPriority)
	}

	name := cfg.JobName
	if name == "" {
		name = jobName()
	}

	batchCount := 0
	for _, t := range tasks {
		batchCount += t.ItemCount
	}

	jd := &JobDescriptor{
		Name:            name,
		Priority:        cfg.Priority,
		Pool:            normalizeNone(cfg.Pool),
		Group:           normalizeNone(cfg.Group),
		Department:      cfg.Department,
		Comment:         cfg.Comment,
		OutputDirectory: cfg.OutputDirectory,

		BatchCount: batchCount,
		ChunkSize:  tasks[0].ItemCount,
		VarySeeds:  tasks[0].VarySeeds,

		Tasks: tasks,

		Bypass:             cfg.Bypass,
		SkipLocalExecution: cfg.SkipLocalExecution,
	}
	return jd, nil
}

func normalizeNone(s string) string {
	if s == noneValue {
		return ""
	}
	return s
}
