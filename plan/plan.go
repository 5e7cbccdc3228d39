// Package plan turns one workflow graph plus batch parameters into an
// ordered sequence of farm-distributable task descriptors, and assembles
// those into a submittable job definition.
package plan

import (
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/doubletwisted/comfyfarm/workflow"
)

// Parameter ranges, matching the submission form limits.
const (
	MinBatchCount = 1
	MaxBatchCount = 100
	MinChunkSize  = 1
	MaxChunkSize  = 16
)

// MaxSeed is the largest seed value the inference engine accepts.
const MaxSeed = 2147483647

// TaskDescriptor is one unit of farm-distributable work: a workflow variant
// plus the item range it covers. Immutable once created.
type TaskDescriptor struct {
	// Index is the 0-based position within the job. Dense and unique.
	Index int

	// Graph is this task's own deep copy of the source graph, with seed
	// fields overwritten when seed variation is on.
	Graph workflow.Graph

	// ItemStart and ItemCount give the half-open item range
	// [ItemStart, ItemStart+ItemCount) this task renders.
	ItemStart int
	ItemCount int

	// VarySeeds records whether seed variation was applied, so the worker
	// knows to re-vary seeds for the extra items inside its chunk.
	VarySeeds bool
}

// Plan decomposes a batch into tasks. batchCount items are split into
// ceil(batchCount/chunkSize) tasks; the last task may cover fewer items but
// never zero. Each task receives its own graph clone. With varySeeds on,
// every seed field located in the graph is overwritten per task with an
// independent draw from [0, MaxSeed].
//
// Task partitioning is deterministic; seed values are not — each planning
// call folds the current time and the task index into the draw source.
func Plan(g workflow.Graph, batchCount, chunkSize int, varySeeds bool) ([]TaskDescriptor, error) {
	return planAt(g, batchCount, chunkSize, varySeeds, uint64(time.Now().UnixNano()))
}

// planAt is Plan with an explicit epoch, split out for tests.
func planAt(g workflow.Graph, batchCount, chunkSize int, varySeeds bool, epoch uint64) ([]TaskDescriptor, error) {
	if batchCount < MinBatchCount || batchCount > MaxBatchCount {
		return nil, fmt.Errorf("%w: batch count %d outside [%d, %d]",
			ErrInvalidParameter, batchCount, MinBatchCount, MaxBatchCount)
	}
	if chunkSize < MinChunkSize || chunkSize > MaxChunkSize {
		return nil, fmt.Errorf("%w: chunk size %d outside [%d, %d]",
			ErrInvalidParameter, chunkSize, MinChunkSize, MaxChunkSize)
	}
	if len(g) == 0 {
		return nil, ErrEmptyWorkflow
	}

	seeds := workflow.Locate(g)

	numTasks := (batchCount + chunkSize - 1) / chunkSize
	tasks := make([]TaskDescriptor, 0, numTasks)
	for i := 0; i < numTasks; i++ {
		start := i * chunkSize
		end := start + chunkSize
		if end > batchCount {
			end = batchCount
		}

		tg := g.Clone()
		if varySeeds && len(seeds) > 0 {
			applySeeds(tg, seeds, rand.New(rand.NewPCG(epoch, uint64(i))))
		}

		tasks = append(tasks, TaskDescriptor{
			Index:     i,
			Graph:     tg,
			ItemStart: start,
			ItemCount: end - start,
			VarySeeds: varySeeds,
		})
	}
	return tasks, nil
}

// applySeeds overwrites every located seed field with a fresh draw.
func applySeeds(g workflow.Graph, seeds []workflow.SeedField, rng *rand.Rand) {
	for _, sf := range seeds {
		node := g[sf.NodeID]
		node.Inputs[sf.Field] = workflow.Int(rng.Int64N(MaxSeed + 1))
		g[sf.NodeID] = node
	}
}

// Seed control modes a node can request through its control_after_generate
// input. Unknown or absent values fall back to randomize.
const (
	seedControlField = "control_after_generate"

	SeedControlFixed     = "fixed"
	SeedControlIncrement = "increment"
	SeedControlDecrement = "decrement"
	SeedControlRandomize = "randomize"
)

// VarySeeds advances every seed field of a graph in place for the item-th
// render of a chunk, honoring each node's control_after_generate input:
// fixed keeps the planned seed, increment and decrement offset it by the
// item index (wrapping within [0, MaxSeed]), anything else redraws. Returns
// the number of fields changed. The graph must already be a task-private
// clone of the planned graph; offsets are relative to the planned seed, so
// callers pass the chunk-local item index.
func VarySeeds(g workflow.Graph, item int) int {
	seeds := workflow.Locate(g)
	if len(seeds) == 0 {
		return 0
	}
	rng := rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), uint64(item)))
	n := 0
	for _, sf := range seeds {
		node := g[sf.NodeID]
		cur, _ := node.Inputs[sf.Field].AsInt()
		var next int64
		switch seedControl(node) {
		case SeedControlFixed:
			continue
		case SeedControlIncrement:
			next = wrapSeed(cur + int64(item))
		case SeedControlDecrement:
			next = wrapSeed(cur - int64(item))
		default:
			next = rng.Int64N(MaxSeed + 1)
		}
		node.Inputs[sf.Field] = workflow.Int(next)
		g[sf.NodeID] = node
		n++
	}
	return n
}

func seedControl(n workflow.Node) string {
	if v, ok := n.Inputs[seedControlField]; ok {
		if s, ok := v.AsString(); ok {
			return s
		}
	}
	return SeedControlRandomize
}

// wrapSeed keeps a seed inside [0, MaxSeed], wrapping at both ends.
func wrapSeed(s int64) int64 {
	const span = int64(MaxSeed) + 1
	s %= span
	if s < 0 {
		s += span
	}
	return s
}
