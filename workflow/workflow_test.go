package workflow

import (
	"bytes"
	"testing"
)

const uiPrompt = `{
	"3": {"class_type": "KSampler", "inputs": {"seed": 42, "steps": 20, "model": ["4", 0]}},
	"4": {"class_type": "CheckpointLoaderSimple", "inputs": {"ckpt_name": "sd_xl_base.safetensors"}},
	"9": {"class_type": "SaveImage", "inputs": {"images": ["3", 0], "filename_prefix": "out"}}
}`

func TestDecodeUIPrompt(t *testing.T) {
	g, err := Decode([]byte(uiPrompt))
	if err != nil {
		t.Fatal(err)
	}
	if len(g) != 3 {
		t.Fatalf("got %d nodes, want 3", len(g))
	}
	if g["3"].ClassType != "KSampler" {
		t.Fatalf("node 3 class = %q", g["3"].ClassType)
	}
	seed, ok := g["3"].Inputs["seed"].AsInt()
	if !ok || seed != 42 {
		t.Fatalf("seed = %d/%v, want 42", seed, ok)
	}
}

func TestDecodeNodeArray(t *testing.T) {
	data := `{"nodes": [
		{"id": 3, "class_type": "KSampler", "inputs": {"seed": 7}},
		{"id": "9", "class_type": "SaveImage", "inputs": {"images": ["3", 0]}}
	]}`
	g, err := Decode([]byte(data))
	if err != nil {
		t.Fatal(err)
	}
	if len(g) != 2 {
		t.Fatalf("got %d nodes, want 2", len(g))
	}
	if g["3"].ClassType != "KSampler" || g["9"].ClassType != "SaveImage" {
		t.Fatalf("classes = %q/%q", g["3"].ClassType, g["9"].ClassType)
	}
}

func TestDecodeTripleList(t *testing.T) {
	data := `[
		[3, "KSampler", {"seed": 7}],
		["9", "SaveImage", {"images": ["3", 0]}]
	]`
	g, err := Decode([]byte(data))
	if err != nil {
		t.Fatal(err)
	}
	if len(g) != 2 {
		t.Fatalf("got %d nodes, want 2", len(g))
	}
	if seed, ok := g["3"].Inputs["seed"].AsInt(); !ok || seed != 7 {
		t.Fatalf("seed = %d/%v", seed, ok)
	}
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"empty", ""},
		{"whitespace", "  \n"},
		{"not json", "nonsense"},
		{"short triple", `[[3, "KSampler"]]`},
		{"bad node id", `[[true, "KSampler", {}]]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Decode([]byte(tt.data)); err == nil {
				t.Fatal("expected decode error")
			}
		})
	}
}

func TestEncodeRoundTrip(t *testing.T) {
	g, err := Decode([]byte(uiPrompt))
	if err != nil {
		t.Fatal(err)
	}
	data, err := g.Encode()
	if err != nil {
		t.Fatal(err)
	}
	g2, err := Decode(data)
	if err != nil {
		t.Fatal(err)
	}
	if !g.Equal(g2) {
		t.Fatal("graph changed across encode/decode")
	}
}

func TestValueIsRef(t *testing.T) {
	tests := []struct {
		name string
		v    Value
		want bool
	}{
		{"reference", Ref("4", 0), true},
		{"int scalar", Int(42), false},
		{"string scalar", String("4"), false},
		{"bool scalar", Bool(true), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.v.IsRef(); got != tt.want {
				t.Fatalf("IsRef = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestValueAsInt(t *testing.T) {
	if n, ok := Int(123).AsInt(); !ok || n != 123 {
		t.Fatalf("Int(123).AsInt = %d/%v", n, ok)
	}
	if _, ok := String("123").AsInt(); ok {
		t.Fatal("string scalar should not read as int")
	}
	if _, ok := Ref("3", 0).AsInt(); ok {
		t.Fatal("reference should not read as int")
	}

	var frac Value
	if err := frac.UnmarshalJSON([]byte("1.5")); err != nil {
		t.Fatal(err)
	}
	if _, ok := frac.AsInt(); ok {
		t.Fatal("fractional number should not read as int")
	}
}

func TestValueAsString(t *testing.T) {
	if s, ok := String("randomize").AsString(); !ok || s != "randomize" {
		t.Fatalf("AsString = %q/%v", s, ok)
	}
	if _, ok := Int(5).AsString(); ok {
		t.Fatal("int scalar should not read as string")
	}
	if _, ok := Ref("3", 0).AsString(); ok {
		t.Fatal("reference should not read as string")
	}
}

func TestGraphCloneNoAliasing(t *testing.T) {
	g, err := Decode([]byte(uiPrompt))
	if err != nil {
		t.Fatal(err)
	}
	c := g.Clone()

	node := c["3"]
	node.Inputs["seed"] = Int(999)
	c["3"] = node

	orig, _ := g["3"].Inputs["seed"].AsInt()
	if orig != 42 {
		t.Fatalf("clone mutation leaked into original: seed = %d", orig)
	}
	if g.Equal(c) {
		t.Fatal("graphs should differ after clone mutation")
	}
}

func TestNodeIDsOrder(t *testing.T) {
	g := Graph{
		"10":    {ClassType: "A"},
		"2":     {ClassType: "B"},
		"alpha": {ClassType: "C"},
		"1":     {ClassType: "D"},
	}
	got := g.NodeIDs()
	want := []string{"1", "2", "10", "alpha"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("NodeIDs = %v, want %v", got, want)
		}
	}
}

func TestLocate(t *testing.T) {
	data := `{
		"1": {"class_type": "KSampler", "inputs": {"seed": 42, "steps": 20}},
		"2": {"class_type": "SamplerCustom", "inputs": {"noise_seed": 7}},
		"3": {"class_type": "Custom", "inputs": {"my_seed": 1, "other": "x"}},
		"4": {"class_type": "Wired", "inputs": {"seed": ["1", 0]}},
		"5": {"class_type": "Stringy", "inputs": {"seed": "42"}}
	}`
	g, err := Decode([]byte(data))
	if err != nil {
		t.Fatal(err)
	}

	got := Locate(g)
	want := []SeedField{
		{NodeID: "1", Field: "seed"},
		{NodeID: "2", Field: "noise_seed"},
		{NodeID: "3", Field: "my_seed"},
	}
	if len(got) != len(want) {
		t.Fatalf("Locate = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Locate[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestLocateStable(t *testing.T) {
	g, err := Decode([]byte(uiPrompt))
	if err != nil {
		t.Fatal(err)
	}
	a := Locate(g)
	b := Locate(g)
	if len(a) != len(b) {
		t.Fatal("repeated Locate differs in length")
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("repeated Locate differs at %d: %v vs %v", i, a[i], b[i])
		}
	}
}

func TestIsSeedName(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"seed", true},
		{"noise_seed", true},
		{"my_seed", true},
		{"rand_seed", true},
		{"seeds", false},
		{"seedling", false},
		{"steps", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := IsSeedName(tt.name); got != tt.want {
			t.Errorf("IsSeedName(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestValidate(t *testing.T) {
	full, err := Decode([]byte(uiPrompt))
	if err != nil {
		t.Fatal(err)
	}
	if w := Validate(full); len(w) != 0 {
		t.Fatalf("complete graph warned: %v", w)
	}

	bare := Graph{"1": {ClassType: "KSampler"}}
	w := Validate(bare)
	if len(w) != 2 {
		t.Fatalf("bare graph warnings = %v, want output + checkpoint", w)
	}
}

func TestBypass(t *testing.T) {
	data := `{
		"1": {"class_type": "KSampler", "inputs": {"seed": 1}},
		"2": {"class_type": "DeadlineSubmit", "inputs": {"bypass": false}},
		"3": {"class_type": "SaveAndSubmitNode"}
	}`
	g, err := Decode([]byte(data))
	if err != nil {
		t.Fatal(err)
	}

	out, n := Bypass(g)
	if n != 2 {
		t.Fatalf("bypassed %d nodes, want 2", n)
	}
	for _, id := range []string{"2", "3"} {
		raw, err := out[id].Inputs["bypass"].MarshalJSON()
		if err != nil || !bytes.Equal(raw, []byte("true")) {
			t.Fatalf("node %s bypass = %s (err %v), want true", id, raw, err)
		}
	}
	// Original untouched.
	raw, _ := g["2"].Inputs["bypass"].MarshalJSON()
	if !bytes.Equal(raw, []byte("false")) {
		t.Fatalf("original graph mutated: bypass = %s", raw)
	}
}

func TestHasOutputNode(t *testing.T) {
	g, err := Decode([]byte(uiPrompt))
	if err != nil {
		t.Fatal(err)
	}
	if !HasOutputNode(g) {
		t.Fatal("graph with SaveImage should have output node")
	}
	if HasOutputNode(Graph{"1": {ClassType: "KSampler"}}) {
		t.Fatal("graph without save nodes should not")
	}
}
