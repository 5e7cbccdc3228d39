package workflow

import "fmt"

// Node types that write results to disk or screen.
var outputNodeTypes = map[string]bool{
	"SaveImage":    true,
	"PreviewImage": true,
	"SaveVideo":    true,
}

// Node types that load a model checkpoint.
var checkpointNodeTypes = map[string]bool{
	"CheckpointLoaderSimple": true,
	"CheckpointLoader":       true,
	"UNETLoader":             true,
}

// Node types that perform farm submission themselves. They are bypassed
// before the graph ships to a worker so a task cannot re-submit itself.
var submitNodeTypes = map[string]bool{
	"DeadlineSubmit":    true,
	"SaveAndSubmitNode": true,
}

// Validate runs advisory checks over a graph and returns human-readable
// warnings. A workflow without an output node will "complete" on the server
// without writing anything, which the executor later reports as a missing
// output — warning at submit time is cheaper.
func Validate(g Graph) []string {
	var hasOutput, hasCheckpoint bool
	for _, node := range g {
		if outputNodeTypes[node.ClassType] {
			hasOutput = true
		}
		if checkpointNodeTypes[node.ClassType] {
			hasCheckpoint = true
		}
	}

	var warnings []string
	if !hasOutput {
		warnings = append(warnings, "no output node found (SaveImage, PreviewImage or SaveVideo)")
	}
	if !hasCheckpoint {
		warnings = append(warnings, "no checkpoint loader found")
	}
	return warnings
}

// Bypass returns a copy of the graph with every submission node's bypass
// input forced on, and the number of nodes it touched. The input graph is
// not modified.
func Bypass(g Graph) (Graph, int) {
	out := g.Clone()
	n := 0
	for _, id := range out.NodeIDs() {
		node := out[id]
		if !submitNodeTypes[node.ClassType] {
			continue
		}
		if node.Inputs == nil {
			node.Inputs = make(map[string]Value, 1)
		}
		node.Inputs["bypass"] = Bool(true)
		out[id] = node
		n++
	}
	return out, n
}

// HasOutputNode reports whether the graph contains at least one node that
// produces output artifacts.
func HasOutputNode(g Graph) bool {
	for _, node := range g {
		if outputNodeTypes[node.ClassType] {
			return true
		}
	}
	return false
}

// Describe returns a short one-line summary for logs.
func Describe(g Graph) string {
	return fmt.Sprintf("%d nodes, %d seed fields", len(g), len(Locate(g)))
}
