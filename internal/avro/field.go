package avro

import (
	"github.com/weaver/Toji/internal/errors"
)

// Field is a named slot of a record type. A field is bound to exactly one
// record when the record is compiled.
type Field struct {
	name   string
	schema map[string]any
	record *RecordType
	typ    Type
}

// NewField creates an unbound field from its schema. The schema map is
// copied.
func NewField(s map[string]any) (*Field, error) {
	name, _ := s["name"].(string)
	if name == "" {
		return nil, badSchema("missing required `name`", s)
	}
	return &Field{name: name, schema: copyMap(s)}, nil
}

func toField(s any) (*Field, error) {
	switch v := s.(type) {
	case *Field:
		return v, nil
	case map[string]any:
		return NewField(v)
	}
	return nil, badSchema("expected field schema", s)
}

func (f *Field) bind(rt *RecordType, r *Registry) error {
	if f.record != nil {
		return badSchema("field is already bound to `"+f.record.name+"`", f.schema)
	}
	t, err := r.define(f.schema["type"])
	if err != nil {
		return err
	}
	f.typ = t
	f.record = rt
	f.schema["type"] = simplify(t)
	if ref, ok := f.schema["references"].(Type); ok {
		f.schema["references"] = ref.Name()
	}
	return nil
}

// Name returns the field name.
func (f *Field) Name() string { return f.name }

// FullName returns "Record.field".
func (f *Field) FullName() string {
	if f.record == nil {
		return f.name
	}
	return f.record.name + "." + f.name
}

// Record returns the owning record type, nil while unbound.
func (f *Field) Record() *RecordType { return f.record }

// Type returns the resolved value type.
func (f *Field) Type() Type { return f.typ }

// Schema returns the normalized field schema.
func (f *Field) Schema() map[string]any { return f.schema }

// Attr returns a schema attribute.
func (f *Field) Attr(key string) any { return f.schema[key] }

// Default returns a deep copy of the declared default.
func (f *Field) Default() (any, bool) {
	v, ok := f.schema["default"]
	if !ok {
		return nil, false
	}
	return deepCopy(v), true
}

// Protected fields are neither exported nor mass assigned.
func (f *Field) Protected() bool {
	return f.schema["protected"] == true
}

// Readable reports whether the field is part of the exported form.
func (f *Field) Readable() bool {
	return f.schema["readable"] != false && !f.Protected()
}

// Writable reports whether mass assignment may set the field.
func (f *Field) Writable() bool {
	return f.schema["writable"] != false && !f.Protected()
}

// References returns the name of the referenced record type, if any.
func (f *Field) References() string {
	s, _ := f.schema["references"].(string)
	return s
}

// IsRef reports whether the field holds the id of a single record.
func (f *Field) IsRef() bool {
	return f.typ != nil && f.References() != "" && Base(f.typ).Kind() != KindArray
}

// IsArrayRef reports whether the field holds a list of record ids.
func (f *Field) IsArrayRef() bool {
	return f.typ != nil && f.References() != "" && Base(f.typ).Kind() == KindArray
}

// ChangeType replaces the field's type, e.g. to strip null from a union.
func (f *Field) ChangeType(t Type) {
	f.typ = t
	f.schema["type"] = simplify(t)
}

// Base returns the only non-null member of an optional union, or t itself.
func Base(t Type) Type {
	if u, ok := t.(*UnionType); ok {
		if p, ok := u.Primary(); ok {
			return p
		}
	}
	return t
}

func (f *Field) wrap(err error) error {
	if err == nil || !errors.IsValidation(err) {
		return err
	}
	return NewInvalidField(f, err)
}

func (f *Field) defaultValue() any {
	v, ok := f.Default()
	if !ok {
		return nil
	}
	return f.assign(v)
}

// assign coerces v for storage on an instance. Values that cannot be coerced
// are kept as is and reported later by validation.
func (f *Field) assign(v any) any {
	switch {
	case f.IsRef():
		if _, ok := v.(*Record); ok {
			return v
		}
	case f.IsArrayRef():
		if l, ok := toList(v); ok {
			out := make([]any, len(l))
			copy(out, l)
			return out
		}
	}
	c, err := f.typ.Coerce(v)
	if err != nil {
		return v
	}
	return c
}

// Validate checks v against the field type. A referenced record may be given
// as an instance, which is validated in place.
func (f *Field) Validate(v any) error {
	switch {
	case f.IsRef():
		if rec, ok := v.(*Record); ok {
			return f.wrap(f.validateRef(rec))
		}
	case f.IsArrayRef():
		if l, ok := toList(v); ok {
			for _, item := range l {
				if rec, ok := item.(*Record); ok {
					if err := f.validateRef(rec); err != nil {
						return f.wrap(err)
					}
				} else if _, ok := item.(string); !ok {
					return f.wrap(NewInvalid(f.FullName(), "expected reference", item))
				}
			}
			return nil
		}
	}
	return f.wrap(f.typ.Validate(v))
}

func (f *Field) validateRef(rec *Record) error {
	if rec.Type().Name() != f.References() {
		return NewInvalid(f.FullName(), "expected `"+f.References()+"`", rec)
	}
	return rec.Type().Validate(rec)
}

// LoadJSON converts the stored value. An absent value falls back to the
// default.
func (f *Field) LoadJSON(v any, present bool) (any, error) {
	if !present {
		return f.defaultValue(), nil
	}
	out, err := f.typ.LoadJSON(v)
	return out, f.wrap(err)
}

// DumpJSON converts v to its stored form. Referenced instances are replaced
// by their ids.
func (f *Field) DumpJSON(v any) (any, error) {
	switch {
	case f.IsRef():
		if rec, ok := v.(*Record); ok {
			id, err := f.refID(rec)
			if err != nil {
				return nil, err
			}
			v = id
		}
	case f.IsArrayRef():
		if l, ok := toList(v); ok {
			ids := make([]any, len(l))
			for i, item := range l {
				if rec, ok := item.(*Record); ok {
					id, err := f.refID(rec)
					if err != nil {
						return nil, err
					}
					item = id
				}
				ids[i] = item
			}
			v = ids
		}
	}
	out, err := f.typ.DumpJSON(v)
	return out, f.wrap(err)
}

func (f *Field) refID(rec *Record) (string, error) {
	id := rec.ID()
	if id == "" {
		return "", NewInvalidField(f, NewInvalid(f.FullName(), "referenced record has no id", rec))
	}
	return id, nil
}

// ExportJSON converts v to its public form. Optional values are not boxed
// and referenced instances are exported through their own type.
func (f *Field) ExportJSON(v any) (any, error) {
	switch {
	case f.IsRef():
		if rec, ok := v.(*Record); ok {
			return rec.Type().ExportJSON(rec)
		}
	case f.IsArrayRef():
		if l, ok := toList(v); ok {
			out := make([]any, len(l))
			for i, item := range l {
				if rec, ok := item.(*Record); ok {
					x, err := rec.Type().ExportJSON(rec)
					if err != nil {
						return nil, err
					}
					item = x
				}
				out[i] = item
			}
			return out, nil
		}
	}
	if u, ok := f.typ.(*UnionType); ok {
		if _, ok := u.Primary(); ok {
			out, err := u.unbox(v, Type.ExportJSON)
			return out, f.wrap(err)
		}
	}
	out, err := f.typ.ExportJSON(v)
	return out, f.wrap(err)
}
