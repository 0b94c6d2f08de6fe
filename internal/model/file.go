package model

import (
	"fmt"
	"maps"
	"os"

	"github.com/weaver/Toji/internal/avro"
	"github.com/weaver/Toji/internal/errors"
)

// LoadFile compiles the schemas of a YAML or JSON file and wraps every record
// they declare at the top level in a model. Record fields are nullable unless
// they are the primary key or carry "required: true", the same as fields
// declared with Type. Field attributes declare constraints on new models:
// "unique: true" a unique index, "index: true" a plain index, "not_null:
// true" and "not_empty: true" the matching validators.
func (c *Catalog) LoadFile(path string) ([]*Model, error) {
	f, err := os.Open(path) //nolint:gosec // path comes from the configuration
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	schemas, err := avro.ReadSchemas(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	var out []*Model
	for _, s := range schemas {
		s, err := c.fileSchema(s)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		m, ok := s.(map[string]any)
		if !ok || m["type"] != string(avro.KindRecord) {
			if _, err := c.reg.Define(s); err != nil {
				return nil, fmt.Errorf("%s: %w", path, err)
			}
			continue
		}
		name, _ := m["name"].(string)
		fresh := c.Model(name) == nil
		md, err := c.Define(s)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		if fresh {
			if err := md.declare(); err != nil {
				return nil, fmt.Errorf("%s: %w", path, err)
			}
		}
		out = append(out, md)
	}
	return out, nil
}

// fileSchema rewrites the record declarations found in s so their fields
// follow the catalog rules.
func (c *Catalog) fileSchema(s avro.Schema) (avro.Schema, error) {
	switch x := s.(type) {
	case []any:
		out := make([]any, len(x))
		for i, member := range x {
			m, err := c.fileSchema(member)
			if err != nil {
				return nil, err
			}
			out[i] = m
		}
		return out, nil
	case map[string]any:
		out := maps.Clone(x)
		var err error
		switch x["type"] {
		case string(avro.KindArray):
			out["items"], err = c.fileSchema(x["items"])
		case string(avro.KindMap):
			out["values"], err = c.fileSchema(x["values"])
		case string(avro.KindRecord):
			out["fields"], err = c.fileFields(x)
		}
		if err != nil {
			return nil, err
		}
		return out, nil
	}
	return s, nil
}

func (c *Catalog) fileFields(record map[string]any) ([]any, error) {
	name, _ := record["name"].(string)
	pk, _ := record["primary_key"].(string)
	fields, ok := record["fields"].([]any)
	if !ok {
		return nil, errors.Newf(errors.KindBadSchema, "`%s` has no field list", name)
	}
	out := make([]any, 0, len(fields))
	for _, f := range fields {
		decl, ok := f.(map[string]any)
		if !ok {
			return nil, errors.Newf(errors.KindBadSchema, "bad field in `%s`: %v", name, f)
		}
		fieldName, _ := decl["name"].(string)
		t, err := c.fileSchema(decl["type"])
		if err != nil {
			return nil, err
		}
		required := decl["required"] == true || (pk != "" && fieldName == pk)
		fs, _, err := c.fieldSchema(name, Spec{Name: fieldName, Type: Field{Type: t, Required: required}})
		if err != nil {
			return nil, err
		}
		for k, v := range decl {
			if k != "name" && k != "type" && k != "required" {
				fs[k] = v
			}
		}
		out = append(out, fs)
	}
	return out, nil
}

// declare applies the constraint attributes of the fields of m.
func (m *Model) declare() error {
	for _, f := range m.rt.Fields() {
		name := f.Name()
		var err error
		switch {
		case f.Attr("unique") == true:
			err = m.ValidatesUniquenessOf("", name)
		case f.Attr("index") == true:
			err = m.Index(name, nil)
		}
		if err != nil {
			return err
		}
		switch {
		case f.Attr("not_empty") == true:
			err = m.ValidatesNotEmpty("", name)
		case f.Attr("not_null") == true:
			err = m.ValidatesNotNull("", name)
		}
		if err != nil {
			return err
		}
	}
	return nil
}
