package workflow

import (
	"sort"
	"strings"
)

// SeedField identifies a (node, field) pair whose value is seed-like.
type SeedField struct {
	NodeID string
	Field  string
}

// IsSeedName reports whether a field name belongs to the seed vocabulary:
// "seed", "noise_seed", or any name ending in "_seed".
func IsSeedName(name string) bool {
	return name == "seed" || name == "noise_seed" || strings.HasSuffix(name, "_seed")
}

// Locate finds every seed-like field in the graph: the name matches the seed
// vocabulary and the value is an integer scalar. Fields wired to another
// node's output never match, no matter their name — overwriting a reference
// would sever a connection the author made on purpose.
//
// The result is ordered by ascending node id, then field name, so repeated
// calls on the same graph are identical.
func Locate(g Graph) []SeedField {
	var fields []SeedField
	for _, id := range g.NodeIDs() {
		node := g[id]
		names := make([]string, 0, len(node.Inputs))
		for name := range node.Inputs {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			if !IsSeedName(name) {
				continue
			}
			if _, ok := node.Inputs[name].AsInt(); !ok {
				continue
			}
			fields = append(fields, SeedField{NodeID: id, Field: name})
		}
	}
	return fields
}
