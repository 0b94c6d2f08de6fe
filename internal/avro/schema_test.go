package avro

import (
	"testing"
)

func TestName(t *testing.T) {
	tests := []struct {
		schema Schema
		want   string
	}{
		{nil, "null"},
		{"int", "int"},
		{map[string]any{"type": "string"}, "string"},
		{"Point", "Point"},
		{map[string]any{"type": "array", "items": "int"}, "array<int>"},
		{map[string]any{"type": "map", "values": "string"}, "map<string>"},
		{[]any{"int", "null"}, "union<int,null>"},
		{[]any{map[string]any{"type": "array", "items": "Point"}, "null"}, "union<array<Point>,null>"},
		{map[string]any{"type": "record", "name": "Point", "fields": []any{}}, "Point"},
	}
	for _, tt := range tests {
		got, err := Name(tt.schema)
		if err != nil {
			t.Errorf("Name(%v) failed: %v", tt.schema, err)
			continue
		}
		if got != tt.want {
			t.Errorf("Name(%v) = %q, want %q", tt.schema, got, tt.want)
		}
	}

	t.Run("Unnamed", func(t *testing.T) {
		for _, s := range []Schema{42, map[string]any{"fields": []any{}}} {
			if _, err := Name(s); !IsBadSchema(err) {
				t.Errorf("Name(%v) = %v, want BadSchema", s, err)
			}
		}
	})
}

func TestMemberName(t *testing.T) {
	tests := []struct {
		schema Schema
		want   string
	}{
		{"int", "int"},
		{"Point", "Point"},
		{map[string]any{"type": "array", "items": "int"}, "array"},
		{map[string]any{"type": "map", "values": "int"}, "map"},
	}
	for _, tt := range tests {
		got, err := MemberName(tt.schema)
		if err != nil || got != tt.want {
			t.Errorf("MemberName(%v) = %q, %v; want %q", tt.schema, got, err, tt.want)
		}
	}
	if _, err := MemberName([]any{"int", "null"}); !IsBadSchema(err) {
		t.Errorf("nested union: got %v, want BadSchema", err)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		schema Schema
		want   string
	}{
		{nil, "null"},
		{"double", "double"},
		{"Point", "Point"},
		{map[string]any{"type": "record", "name": "Point"}, "record"},
		{map[string]any{"type": "array", "items": "int"}, "array"},
		{[]any{"int"}, "union"},
	}
	for _, tt := range tests {
		got, err := Classify(tt.schema)
		if err != nil || got != tt.want {
			t.Errorf("Classify(%v) = %q, %v; want %q", tt.schema, got, err, tt.want)
		}
	}
	if _, err := Classify(3.5); !IsBadSchema(err) {
		t.Errorf("Classify(3.5) = %v, want BadSchema", err)
	}
}
