package canonjson_test

import (
	"strings"
	"testing"

	"github.com/chainlog-io/chainlog/pkg/canonjson"
)

func TestMarshal_sortsKeys(t *testing.T) {
	b, err := canonjson.Marshal(map[string]any{"b": 2, "a": 1, "c": 3})
	if err != nil {
		t.Fatal(err)
	}
	if got := string(b); got != `{"a":1,"b":2,"c":3}` {
		t.Errorf("got %s", got)
	}
}

func TestMarshal_sortsNestedKeys(t *testing.T) {
	v := map[string]any{
		"outer": []any{
			map[string]any{"z": true, "a": false},
		},
	}
	b, err := canonjson.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	if got := string(b); got != `{"outer":[{"a":false,"z":true}]}` {
		t.Errorf("got %s", got)
	}
}

func TestMarshal_compact(t *testing.T) {
	b, err := canonjson.Marshal(map[string]any{"a": []any{1, 2}, "b": "x y"})
	if err != nil {
		t.Fatal(err)
	}
	got := string(b)
	if strings.Contains(got, ": ") || strings.Contains(got, ", ") {
		t.Errorf("expected compact separators, got %s", got)
	}
}

func TestMarshal_structAndMapAgree(t *testing.T) {
	type rec struct {
		Zulu  string `json:"zulu"`
		Alpha int    `json:"alpha"`
	}
	fromStruct, err := canonjson.Marshal(rec{Zulu: "z", Alpha: 7})
	if err != nil {
		t.Fatal(err)
	}
	fromMap, err := canonjson.Marshal(map[string]any{"zulu": "z", "alpha": 7})
	if err != nil {
		t.Fatal(err)
	}
	if string(fromStruct) != string(fromMap) {
		t.Errorf("struct %s != map %s", fromStruct, fromMap)
	}
}

func TestSumHex_deterministicAcrossKeyOrder(t *testing.T) {
	a := map[string]any{"b": 2, "a": map[string]any{"y": 2, "x": 1}}
	b := map[string]any{"a": map[string]any{"x": 1, "y": 2}, "b": 2}

	ha, _, err := canonjson.SumHex(a)
	if err != nil {
		t.Fatal(err)
	}
	hb, _, err := canonjson.SumHex(b)
	if err != nil {
		t.Fatal(err)
	}
	if ha != hb {
		t.Errorf("expected same hash, got %s vs %s", ha, hb)
	}
	if len(ha) != 64 {
		t.Errorf("expected 64 hex chars, got %d", len(ha))
	}
}

func TestSumHex_changesWithContent(t *testing.T) {
	ha, _, _ := canonjson.SumHex(map[string]any{"a": 1})
	hb, _, _ := canonjson.SumHex(map[string]any{"a": 2})
	if ha == hb {
		t.Errorf("expected different hashes")
	}
}
