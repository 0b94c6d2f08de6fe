// Package model layers models over compiled record types: field sugar,
// nullable-by-default fields, validators, indexes and lifecycle hooks.
package model

import (
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/weaver/Toji/internal/avro"
	"github.com/weaver/Toji/internal/errors"
)

// Catalog holds the models of an application and the registry their types
// are compiled in.
type Catalog struct {
	reg  *avro.Registry
	keys KeyGen

	mu     sync.RWMutex
	models map[string]*Model
}

// NewCatalog returns a catalog with a fresh registry. Besides the primitive
// names, fields may use String, Number, Boolean, Int and Long.
func NewCatalog() *Catalog {
	reg := avro.NewRegistry()
	for alias, target := range map[string]string{
		"String":  "string",
		"Number":  "double",
		"Boolean": "boolean",
		"Int":     "int",
		"Long":    "long",
	} {
		if err := reg.Alias(alias, target); err != nil {
			panic(err)
		}
	}
	return &Catalog{reg: reg, keys: KSIDKeys{}, models: map[string]*Model{}}
}

// Registry returns the underlying type registry.
func (c *Catalog) Registry() *avro.Registry { return c.reg }

// SetKeyGen changes how ids of new records are generated.
func (c *Catalog) SetKeyGen(k KeyGen) { c.keys = k }

// NewID returns a fresh record id.
func (c *Catalog) NewID() string { return c.keys.NewID() }

// Model returns a declared model or nil.
func (c *Catalog) Model(name string) *Model {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.models[name]
}

// Models returns the declared models sorted by name.
func (c *Catalog) Models() []*Model {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Model, 0, len(c.models))
	for _, m := range c.models {
		out = append(out, m)
	}
	slices.SortFunc(out, func(a, b *Model) int { return strings.Compare(a.Name(), b.Name()) })
	return out
}

// ModelOf returns the model of a record.
func (c *Catalog) ModelOf(rec *avro.Record) (*Model, error) {
	if m := c.Model(rec.Type().Name()); m != nil && m.rt == rec.Type() {
		return m, nil
	}
	return nil, errors.Newf(errors.KindName, "no model for `%s`", rec.Type().Name())
}

// Spec declares one field of a model. Type is a type name or alias, a
// *Model, an avro.Type, or one of ArrayOf, Union, Group, Ref, ArrayRef,
// ObjectID and Field.
type Spec struct {
	Name string
	Type any
}

// F is shorthand for a Spec.
func F(name string, t any) Spec { return Spec{Name: name, Type: t} }

type objectID struct{}

// ObjectID declares the primary key field: a required string holding the
// record id.
var ObjectID = objectID{}

type arrayOf struct{ items any }

// ArrayOf declares an array of t.
func ArrayOf(t any) any { return arrayOf{items: t} }

type unionOf []any

// Union declares a union of the given types.
func Union(types ...any) any { return unionOf(types) }

type group []Spec

// Group declares an inline record. It is compiled as a model named
// "Parent.field".
func Group(fields ...Spec) any { return group(fields) }

type ref struct {
	target any
	array  bool
}

// Ref declares a field holding the id of a record of type t.
func Ref(t any) any { return ref{target: t} }

// ArrayRef declares a field holding ids of records of type t.
func ArrayRef(t any) any { return ref{target: t, array: true} }

// Field declares a field with options.
type Field struct {
	// Type of the field, string when only References is set.
	Type any
	// References makes the field a reference to records of this type.
	References any
	Default    any
	// Hidden fields are not exported.
	Hidden bool
	// Protected fields are neither exported nor mass assigned.
	Protected bool
	// ReadOnly fields are not mass assigned.
	ReadOnly bool
	// Required fields are not wrapped in a union with null.
	Required bool
}

// Type declares a record model with the given fields, compiled in order.
// Without an ObjectID field the record id is a virtual attribute. Declaring
// an existing model again with the same fields returns it.
func (c *Catalog) Type(name string, fields ...Spec) (*Model, error) {
	decls := make([]any, 0, len(fields))
	pk := ""
	for _, s := range fields {
		fs, isPK, err := c.fieldSchema(name, s)
		if err != nil {
			return nil, err
		}
		if isPK {
			if pk != "" {
				return nil, errors.Newf(errors.KindBadSchema, "`%s` declares two primary keys", name)
			}
			pk = s.Name
		}
		decls = append(decls, fs)
	}
	s := map[string]any{"type": "record", "name": name, "fields": decls}
	if pk != "" {
		s["primary_key"] = pk
	}
	return c.Define(s)
}

// Define wraps a record schema, or an already compiled record type, in a
// model. A string "primary_key" attribute selects the primary key field.
func (c *Catalog) Define(s avro.Schema) (*Model, error) {
	t, err := c.reg.Define(s)
	if err != nil {
		return nil, err
	}
	rt, ok := t.(*avro.RecordType)
	if !ok {
		return nil, errors.Newf(errors.KindBadSchema, "`%s` is not a record", t.Name())
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if m, ok := c.models[rt.Name()]; ok && m.rt == rt {
		return m, nil
	}
	m := newModel(c, rt)
	if schema, ok := rt.Schema().(map[string]any); ok {
		if pk, ok := schema["primary_key"].(string); ok && pk != "" {
			if err := m.setPrimaryKey(pk); err != nil {
				if uerr := c.reg.Undef(rt.Name(), rt); uerr != nil {
					return nil, fmt.Errorf("%w; rolling back `%s`: %w", err, rt.Name(), uerr)
				}
				return nil, err
			}
		}
	}
	c.models[rt.Name()] = m
	return m, nil
}

// fieldSchema converts a Spec to a field declaration. Ordinary fields become
// nullable.
func (c *Catalog) fieldSchema(parent string, s Spec) (map[string]any, bool, error) {
	if s.Name == "" {
		return nil, false, errors.Newf(errors.KindBadSchema, "`%s` has a field without name", parent)
	}
	fs := map[string]any{"name": s.Name}
	t := s.Type
	required := false
	if f, ok := t.(Field); ok {
		t = f.Type
		required = f.Required
		if f.Hidden {
			fs["readable"] = false
		}
		if f.Protected {
			fs["protected"] = true
		}
		if f.ReadOnly {
			fs["writable"] = false
		}
		if f.Default != nil {
			fs["default"] = f.Default
		}
		if f.References != nil {
			array := false
			if a, ok := t.(arrayOf); ok {
				array = true
				t = a.items
			}
			t = ref{target: f.References, array: array}
		}
	}
	if a, ok := t.(arrayOf); ok {
		if r, ok := a.items.(ref); ok && !r.array {
			t = ref{target: r.target, array: true}
		}
	}

	var schema avro.Schema
	switch x := t.(type) {
	case nil:
		return nil, false, errors.Newf(errors.KindBadSchema, "empty type for `%s.%s`", parent, s.Name)
	case objectID:
		fs["type"] = string(avro.KindString)
		return fs, true, nil
	case ref:
		name, err := c.typeName(x.target)
		if err != nil {
			return nil, false, err
		}
		fs["references"] = name
		schema = string(avro.KindString)
		if x.array {
			schema = map[string]any{"type": "array", "items": string(avro.KindString)}
		}
	default:
		var err error
		if schema, err = c.schemaOf(parent+"."+s.Name, t); err != nil {
			return nil, false, err
		}
	}
	if !required {
		schema = nullable(schema)
	}
	fs["type"] = schema
	return fs, false, nil
}

// schemaOf converts a field type to a schema, declaring groups on the way.
func (c *Catalog) schemaOf(path string, t any) (avro.Schema, error) {
	switch x := t.(type) {
	case string:
		return c.reg.Resolve(x)
	case *Model:
		return x.Name(), nil
	case avro.Type:
		return x.Name(), nil
	case arrayOf:
		items, err := c.schemaOf(path, x.items)
		if err != nil {
			return nil, err
		}
		return map[string]any{"type": "array", "items": items}, nil
	case unionOf:
		members := make([]any, 0, len(x))
		for _, m := range x {
			s, err := c.schemaOf(path, m)
			if err != nil {
				return nil, err
			}
			members = append(members, s)
		}
		return members, nil
	case group:
		m, err := c.Type(path, x...)
		if err != nil {
			return nil, err
		}
		return m.Name(), nil
	case map[string]any, []any:
		return x, nil
	}
	return nil, errors.Newf(errors.KindBadSchema, "bad field spec for `%s`: %v", path, t)
}

func (c *Catalog) typeName(t any) (string, error) {
	switch x := t.(type) {
	case string:
		return c.reg.Resolve(x)
	case *Model:
		return x.Name(), nil
	case avro.Type:
		return x.Name(), nil
	}
	return "", errors.Newf(errors.KindBadSchema, "cannot reference %v", t)
}

// nullable adds null to a schema unless it already accepts it.
func nullable(s avro.Schema) avro.Schema {
	if l, ok := s.([]any); ok {
		if slices.Contains(l, any(string(avro.KindNull))) {
			return l
		}
		return append(slices.Clone(l), string(avro.KindNull))
	}
	if s == string(avro.KindNull) {
		return s
	}
	return []any{s, string(avro.KindNull)}
}
