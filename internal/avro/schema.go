package avro

import (
	"slices"
	"strings"
)

// Schema is the declaration of a type: nil, a string, a map[string]any, a
// []any or an already compiled Type.
type Schema = any

// Kind is the structural category of a Type.
type Kind string

const (
	KindNull    Kind = "null"
	KindBoolean Kind = "boolean"
	KindInt     Kind = "int"
	KindLong    Kind = "long"
	KindFloat   Kind = "float"
	KindDouble  Kind = "double"
	KindString  Kind = "string"
	KindArray   Kind = "array"
	KindMap     Kind = "map"
	KindUnion   Kind = "union"
	KindRecord  Kind = "record"
)

var primitiveKinds = []Kind{KindNull, KindBoolean, KindInt, KindLong, KindFloat, KindDouble, KindString}

// IsPrimitiveKind reports whether k is one of the primitive kinds.
func IsPrimitiveKind(k Kind) bool {
	return slices.Contains(primitiveKinds, k)
}

// IsPrimitive reports whether s declares a primitive type, either by name or
// as a map whose "type" is a primitive name.
func IsPrimitive(s Schema) bool {
	if s == nil {
		return true
	}
	switch v := s.(type) {
	case string:
		return IsPrimitiveKind(Kind(v))
	case map[string]any:
		t, ok := v["type"].(string)
		return ok && IsPrimitiveKind(Kind(t))
	}
	return false
}

func primitiveName(s Schema) string {
	switch v := s.(type) {
	case nil:
		return string(KindNull)
	case string:
		return v
	case map[string]any:
		t, _ := v["type"].(string)
		return t
	}
	return ""
}

// IsName reports whether s is a bare type name.
func IsName(s Schema) bool {
	_, ok := s.(string)
	return ok
}

// IsTyped reports whether s is a map with a "type" attribute.
func IsTyped(s Schema) bool {
	m, ok := s.(map[string]any)
	if !ok {
		return false
	}
	_, ok = m["type"]
	return ok
}

// IsNamed reports whether s is a map carrying its own name.
func IsNamed(s Schema) bool {
	m, ok := s.(map[string]any)
	if !ok {
		return false
	}
	name, ok := m["name"].(string)
	return ok && name != ""
}

// IsUnion reports whether s declares a union.
func IsUnion(s Schema) bool {
	_, ok := asList(s)
	return ok
}

// IsArray reports whether s declares an array.
func IsArray(s Schema) bool {
	return typeTag(s) == string(KindArray)
}

// IsMap reports whether s declares a map.
func IsMap(s Schema) bool {
	return typeTag(s) == string(KindMap)
}

func typeTag(s Schema) string {
	m, ok := s.(map[string]any)
	if !ok {
		return ""
	}
	t, _ := m["type"].(string)
	return t
}

func asList(s Schema) ([]any, bool) {
	switch v := s.(type) {
	case []any:
		return v, true
	case []string:
		out := make([]any, len(v))
		for i, m := range v {
			out[i] = m
		}
		return out, true
	case []Type:
		out := make([]any, len(v))
		for i, m := range v {
			out[i] = m
		}
		return out, true
	}
	return nil, false
}

// Name returns the canonical name of a schema. Arrays, maps and unions get
// synthesized names such as "array<int>" or "union<string,null>".
func Name(s Schema) (string, error) {
	switch {
	case IsPrimitive(s):
		return primitiveName(s), nil
	case IsName(s):
		return s.(string), nil
	}
	if t, ok := s.(Type); ok {
		return t.Name(), nil
	}
	if IsNamed(s) {
		return s.(map[string]any)["name"].(string), nil
	}
	if members, ok := asList(s); ok {
		names := make([]string, len(members))
		for i, m := range members {
			n, err := Name(m)
			if err != nil {
				return "", err
			}
			names[i] = n
		}
		return "union<" + strings.Join(names, ",") + ">", nil
	}
	if IsArray(s) {
		item, err := Name(s.(map[string]any)["items"])
		if err != nil {
			return "", err
		}
		return "array<" + item + ">", nil
	}
	if IsMap(s) {
		value, err := Name(s.(map[string]any)["values"])
		if err != nil {
			return "", err
		}
		return "map<" + value + ">", nil
	}
	return "", badSchema("cannot name", s)
}

// MemberName returns the name a schema contributes as a union member. Arrays
// and maps are reduced to their bare tag so a union holds at most one of each.
func MemberName(s Schema) (string, error) {
	if t, ok := s.(Type); ok {
		switch t.Kind() {
		case KindUnion:
			return "", badSchema("unions may not immediately contain other unions", s)
		case KindArray, KindMap:
			return string(t.Kind()), nil
		}
		return t.Name(), nil
	}
	switch {
	case IsUnion(s):
		return "", badSchema("unions may not immediately contain other unions", s)
	case IsArray(s):
		return string(KindArray), nil
	case IsMap(s):
		return string(KindMap), nil
	}
	return Name(s)
}

// Classify returns the tag used to pick the compiler for a schema: the
// primitive name, the bare name, the "type" attribute or "union".
func Classify(s Schema) (string, error) {
	switch {
	case IsPrimitive(s):
		return primitiveName(s), nil
	case IsName(s):
		return s.(string), nil
	case IsTyped(s):
		if t, ok := s.(map[string]any)["type"].(string); ok {
			return t, nil
		}
	case IsUnion(s):
		return string(KindUnion), nil
	}
	if t, ok := s.(Type); ok {
		return string(t.Kind()), nil
	}
	return "", badSchema("cannot classify", s)
}

// simplify returns the schema a compiled type is referred to by from inside
// another schema: the name for records and primitives, the full schema
// otherwise.
func simplify(t Type) Schema {
	switch t.Kind() {
	case KindArray, KindMap, KindUnion:
		return t.Schema()
	}
	return t.Name()
}
