package avro

import (
	"encoding/json"
	"reflect"
	"strings"
	"testing"
)

func TestParseJSON(t *testing.T) {
	got, err := ParseJSON([]byte(`{"a":1,"b":1.5,"c":[true,null,"x"],"d":{"e":-3},"f":1.8e308,"g":1e2}`))
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]any{
		"a": int64(1),
		"b": 1.5,
		"c": []any{true, nil, "x"},
		"d": map[string]any{"e": int64(-3)},
		"f": json.Number("1.8e308"),
		"g": 100.0,
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ParseJSON = %#v", got)
	}
	if _, err := ParseJSON([]byte(`{"a":`)); err == nil {
		t.Error("expected a parse error")
	}

	r := NewRegistry()
	if r.Get("double").IsValid(got.(map[string]any)["f"]) {
		t.Error("an out of range double must not validate")
	}
}

func TestJSONSchema(t *testing.T) {
	r := NewRegistry()
	node := define(t, r, map[string]any{"type": "record", "name": "Node", "fields": []any{
		map[string]any{"name": "value", "type": "int"},
		map[string]any{"name": "tags", "type": map[string]any{"type": "map", "values": "string"}},
		map[string]any{"name": "next", "type": []any{"Node", "null"}},
		map[string]any{"name": "secret", "type": "string", "readable": false},
	}})
	s := JSONSchema(node)
	if s.Ref != "#/$defs/Node" {
		t.Errorf("ref = %q", s.Ref)
	}
	def, ok := s.Definitions["Node"]
	if !ok {
		t.Fatalf("missing definition: %#v", s.Definitions)
	}
	if def.Properties.Len() != 3 {
		t.Errorf("properties = %d, want 3", def.Properties.Len())
	}
	value, _ := def.Properties.Get("value")
	if value.Type != "integer" || value.Maximum != "2147483647" {
		t.Errorf("value = %#v", value)
	}
	next, _ := def.Properties.Get("next")
	if len(next.AnyOf) != 2 || next.AnyOf[0].Ref != "#/$defs/Node" {
		t.Errorf("next = %#v", next)
	}
	if !reflect.DeepEqual(def.Required, []string{"value", "tags"}) {
		t.Errorf("required = %v", def.Required)
	}
	b, err := json.Marshal(s)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(b), `"additionalProperties":{"type":"string"}`) {
		t.Errorf("map values missing: %s", b)
	}

	// Only field level optional unions are unboxed, matching ExportJSON.
	scores := define(t, r, map[string]any{"type": "record", "name": "Scores", "fields": []any{
		map[string]any{"name": "values", "type": map[string]any{"type": "array", "items": []any{"int", "null"}}},
	}}).(*RecordType)
	exported, err := scores.ExportJSON(map[string]any{"values": []any{int64(1), nil}})
	if err != nil {
		t.Fatal(err)
	}
	if want := map[string]any{"values": []any{map[string]any{"int": int64(1)}, nil}}; !reflect.DeepEqual(exported, want) {
		t.Fatalf("exported = %#v", exported)
	}
	values, _ := JSONSchema(scores).Definitions["Scores"].Properties.Get("values")
	items := values.Items
	if items == nil || len(items.AnyOf) != 2 {
		t.Fatalf("items = %#v", items)
	}
	boxed := items.AnyOf[0]
	if _, ok := boxed.Properties.Get("int"); boxed.Type != "object" || !ok || !reflect.DeepEqual(boxed.Required, []string{"int"}) {
		t.Errorf("int member = %#v", boxed)
	}
	if items.AnyOf[1].Type != "null" {
		t.Errorf("null member = %#v", items.AnyOf[1])
	}
}

func TestReadSchemas(t *testing.T) {
	const doc = `
type: record
name: Point
fields:
  - {name: x, type: int}
  - {name: y, type: int, default: 0}
---
- type: record
  name: Segment
  fields:
    - {name: from, type: Point}
    - {name: to, type: Point}
- {type: array, items: Segment}
`
	schemas, err := ReadSchemas(strings.NewReader(doc))
	if err != nil {
		t.Fatal(err)
	}
	if len(schemas) != 3 {
		t.Fatalf("got %d schemas", len(schemas))
	}
	r := NewRegistry()
	for _, s := range schemas {
		define(t, r, s)
	}
	seg := r.Get("array<Segment>")
	if seg == nil {
		t.Fatal("array<Segment> not registered")
	}
	v, err := seg.Coerce([]any{map[string]any{"from": map[string]any{"x": 1}, "to": map[string]any{"x": 2, "y": 3}}})
	if err != nil {
		t.Fatal(err)
	}
	got, err := seg.DumpJSON(v)
	if err != nil {
		t.Fatal(err)
	}
	want := []any{map[string]any{
		"from": map[string]any{"x": int64(1), "y": int64(0)},
		"to":   map[string]any{"x": int64(2), "y": int64(3)},
	}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("dump = %#v", got)
	}
}
