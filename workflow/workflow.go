// Package workflow models ComfyUI-style compute graphs: a mapping from node
// identifier to a typed node whose input fields are either literal scalars or
// references to another node's output. The package decodes both the UI prompt
// format (object keyed by node id) and the API export formats, and provides
// the seed-field locator used by batch planning.
package workflow

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
)

// Graph is a workflow graph keyed by node identifier.
type Graph map[string]Node

// Node is one compute node: a type tag plus named input fields.
type Node struct {
	ClassType string           `json:"class_type"`
	Inputs    map[string]Value `json:"inputs,omitempty"`
	Meta      json.RawMessage  `json:"_meta,omitempty"`
}

// Value is one input field: either a literal scalar (number, string, bool)
// or a reference to another node's output, encoded as a two-element array
// [nodeID, outputIndex]. The raw JSON is kept verbatim so that cloning and
// re-encoding a graph is lossless.
type Value struct {
	raw json.RawMessage
}

// Int builds an integer scalar value.
func Int(n int64) Value {
	return Value{raw: json.RawMessage(strconv.FormatInt(n, 10))}
}

// String builds a string scalar value.
func String(s string) Value {
	b, _ := json.Marshal(s)
	return Value{raw: b}
}

// Bool builds a boolean scalar value.
func Bool(b bool) Value {
	return Value{raw: json.RawMessage(strconv.FormatBool(b))}
}

// Ref builds a reference to another node's output.
func Ref(nodeID string, output int) Value {
	b, _ := json.Marshal([2]any{nodeID, output})
	return Value{raw: b}
}

// MarshalJSON returns the raw field JSON unchanged.
func (v Value) MarshalJSON() ([]byte, error) {
	if v.raw == nil {
		return []byte("null"), nil
	}
	return v.raw, nil
}

// UnmarshalJSON stores the raw field JSON verbatim.
func (v *Value) UnmarshalJSON(b []byte) error {
	v.raw = append(v.raw[:0:0], b...)
	return nil
}

// IsRef reports whether the value is a reference to another node's output.
// A reference is a two-element array whose first element is a node id string.
func (v Value) IsRef() bool {
	var parts []json.RawMessage
	if err := json.Unmarshal(v.raw, &parts); err != nil {
		return false
	}
	if len(parts) != 2 {
		return false
	}
	var node string
	if err := json.Unmarshal(parts[0], &node); err != nil {
		return false
	}
	var output int
	return json.Unmarshal(parts[1], &output) == nil
}

// AsInt returns the value as an integer scalar. It reports false for
// references, non-numeric scalars and numbers with a fractional part.
func (v Value) AsInt() (int64, bool) {
	if v.IsRef() {
		return 0, false
	}
	dec := json.NewDecoder(bytes.NewReader(v.raw))
	dec.UseNumber()
	var val any
	if err := dec.Decode(&val); err != nil {
		return 0, false
	}
	num, ok := val.(json.Number)
	if !ok {
		return 0, false
	}
	n, err := num.Int64()
	if err != nil {
		return 0, false
	}
	return n, true
}

// AsString returns the value as a string scalar. It reports false for
// references and non-string scalars.
func (v Value) AsString() (string, bool) {
	if v.IsRef() {
		return "", false
	}
	var s string
	if err := json.Unmarshal(v.raw, &s); err != nil {
		return "", false
	}
	return s, true
}

// Clone returns a value with its own backing storage.
func (v Value) Clone() Value {
	return Value{raw: append(json.RawMessage(nil), v.raw...)}
}

// Equal reports byte equality of the underlying JSON.
func (v Value) Equal(o Value) bool {
	return bytes.Equal(v.raw, o.raw)
}

// Clone deep-copies the graph. Task planning hands every task its own copy
// so a seed overwrite on one task can never alias into another.
func (g Graph) Clone() Graph {
	out := make(Graph, len(g))
	for id, n := range g {
		cn := Node{ClassType: n.ClassType}
		if n.Inputs != nil {
			cn.Inputs = make(map[string]Value, len(n.Inputs))
			for k, v := range n.Inputs {
				cn.Inputs[k] = v.Clone()
			}
		}
		if n.Meta != nil {
			cn.Meta = append(json.RawMessage(nil), n.Meta...)
		}
		out[id] = cn
	}
	return out
}

// Equal reports whether two graphs encode to identical JSON. Map keys are
// marshaled in sorted order, so this is a stable structural comparison.
func (g Graph) Equal(o Graph) bool {
	a, err := json.Marshal(g)
	if err != nil {
		return false
	}
	b, err := json.Marshal(o)
	if err != nil {
		return false
	}
	return bytes.Equal(a, b)
}

// NodeIDs returns all node identifiers in stable order: numeric ids sort
// numerically, everything else lexically after them.
func (g Graph) NodeIDs() []string {
	ids := make([]string, 0, len(g))
	for id := range g {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		ni, erri := strconv.Atoi(ids[i])
		nj, errj := strconv.Atoi(ids[j])
		if erri == nil && errj == nil {
			return ni < nj
		}
		if erri == nil {
			return true
		}
		if errj == nil {
			return false
		}
		return ids[i] < ids[j]
	})
	return ids
}

// Decode parses serialized workflow data. Three on-disk shapes exist:
//
//   - UI prompt format: object keyed by node id (the native shape)
//   - API export: object with a "nodes" array of node objects carrying "id"
//   - legacy API list: array of [id, class_type, inputs] triples
//
// The two API shapes are normalized to the UI shape.
func Decode(data []byte) (Graph, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("decode workflow: empty input")
	}

	if trimmed[0] == '[' {
		return decodeTripleList(trimmed)
	}

	var probe struct {
		Nodes json.RawMessage `json:"nodes"`
	}
	if err := json.Unmarshal(trimmed, &probe); err != nil {
		return nil, fmt.Errorf("decode workflow: %w", err)
	}
	if len(probe.Nodes) > 0 && bytes.TrimSpace(probe.Nodes)[0] == '[' {
		return decodeNodeArray(probe.Nodes)
	}

	var g Graph
	if err := json.Unmarshal(trimmed, &g); err != nil {
		return nil, fmt.Errorf("decode workflow: %w", err)
	}
	return g, nil
}

func decodeTripleList(data []byte) (Graph, error) {
	var triples [][]json.RawMessage
	if err := json.Unmarshal(data, &triples); err != nil {
		return nil, fmt.Errorf("decode workflow list: %w", err)
	}
	g := make(Graph, len(triples))
	for i, t := range triples {
		if len(t) < 3 {
			return nil, fmt.Errorf("decode workflow list: entry %d has %d elements, want 3", i, len(t))
		}
		id, err := decodeNodeID(t[0])
		if err != nil {
			return nil, fmt.Errorf("decode workflow list: entry %d: %w", i, err)
		}
		var n Node
		if err := json.Unmarshal(t[1], &n.ClassType); err != nil {
			return nil, fmt.Errorf("decode workflow list: entry %d class_type: %w", i, err)
		}
		if err := json.Unmarshal(t[2], &n.Inputs); err != nil {
			return nil, fmt.Errorf("decode workflow list: entry %d inputs: %w", i, err)
		}
		g[id] = n
	}
	return g, nil
}

func decodeNodeArray(data []byte) (Graph, error) {
	var nodes []struct {
		ID json.RawMessage `json:"id"`
		Node
	}
	if err := json.Unmarshal(data, &nodes); err != nil {
		return nil, fmt.Errorf("decode workflow nodes: %w", err)
	}
	g := make(Graph, len(nodes))
	for i, n := range nodes {
		id, err := decodeNodeID(n.ID)
		if err != nil {
			return nil, fmt.Errorf("decode workflow nodes: entry %d: %w", i, err)
		}
		g[id] = n.Node
	}
	return g, nil
}

// decodeNodeID accepts both string and numeric node identifiers.
func decodeNodeID(raw json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var n int64
	if err := json.Unmarshal(raw, &n); err == nil {
		return strconv.FormatInt(n, 10), nil
	}
	return "", fmt.Errorf("node id %s is neither string nor integer", raw)
}

// Encode serializes the graph in the UI prompt format.
func (g Graph) Encode() ([]byte, error) {
	return json.Marshal(g)
}
