package avro

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"

	"github.com/weaver/Toji/internal/errors"
)

// RecordType is a named type with an ordered list of fields. Its instances
// are *Record values.
type RecordType struct {
	name    string
	decl    map[string]any
	schema  map[string]any
	fields  []*Field
	byName  map[string]*Field
	virtual []string
	pk      string
	reg     *Registry
}

func declareRecord(name string, s Schema) (compilable, error) {
	m, ok := s.(map[string]any)
	if !ok {
		return nil, badSchema("expected record schema", s)
	}
	if _, ok := m["fields"]; !ok {
		return nil, badSchema("missing required `fields`", s)
	}
	return &RecordType{
		name:   name,
		decl:   deepCopy(m).(map[string]any),
		schema: copyMap(m),
	}, nil
}

func fieldList(v any) ([]any, bool) {
	switch l := v.(type) {
	case []map[string]any:
		out := make([]any, len(l))
		for i, f := range l {
			out[i] = f
		}
		return out, true
	case []*Field:
		out := make([]any, len(l))
		for i, f := range l {
			out[i] = f
		}
		return out, true
	}
	return asList(v)
}

func (rt *RecordType) compile(r *Registry) error {
	decls, ok := fieldList(rt.schema["fields"])
	if !ok {
		return badSchema("expected a list of fields", rt.schema["fields"])
	}
	rt.reg = r
	rt.fields = make([]*Field, 0, len(decls))
	rt.byName = make(map[string]*Field, len(decls))
	normalized := make([]any, 0, len(decls))
	for _, d := range decls {
		f, err := toField(d)
		if err != nil {
			return err
		}
		if _, dup := rt.byName[f.name]; dup {
			return badSchema("duplicate field `"+f.name+"` in `"+rt.name+"`", d)
		}
		if err := f.bind(rt, r); err != nil {
			return err
		}
		rt.fields = append(rt.fields, f)
		rt.byName[f.name] = f
		normalized = append(normalized, f.schema)
	}
	rt.schema["type"] = string(KindRecord)
	rt.schema["name"] = rt.name
	rt.schema["fields"] = normalized
	return nil
}

func (rt *RecordType) Name() string   { return rt.name }
func (rt *RecordType) Kind() Kind     { return KindRecord }
func (rt *RecordType) Schema() Schema { return rt.schema }

// Registry returns the registry the type was compiled in.
func (rt *RecordType) Registry() *Registry { return rt.reg }

// Fields returns the fields in declaration order.
func (rt *RecordType) Fields() []*Field { return slices.Clone(rt.fields) }

// Field returns the named field or nil.
func (rt *RecordType) Field(name string) *Field { return rt.byName[name] }

// DefineVirtual declares an attribute that instances carry but that is never
// part of the schema, the stored form or the exported form.
func (rt *RecordType) DefineVirtual(name string) error {
	if _, ok := rt.byName[name]; ok {
		return badSchema("virtual attribute shadows field `"+name+"`", name)
	}
	if !slices.Contains(rt.virtual, name) {
		rt.virtual = append(rt.virtual, name)
	}
	return nil
}

// IsVirtual reports whether name was declared with DefineVirtual.
func (rt *RecordType) IsVirtual(name string) bool {
	return slices.Contains(rt.virtual, name)
}

// SetPrimaryKey makes a string field hold the record id instead of the
// virtual id slot.
func (rt *RecordType) SetPrimaryKey(name string) error {
	if _, ok := rt.byName[name]; !ok {
		return badSchema("no field called `"+name+"`", rt.schema)
	}
	rt.pk = name
	return nil
}

// PrimaryKey returns the primary key field name, "" when the id is virtual.
func (rt *RecordType) PrimaryKey() string { return rt.pk }

// New constructs an instance by mass assignment: writable fields take their
// value from init, the others their default.
func (rt *RecordType) New(init map[string]any) *Record {
	rec := &Record{typ: rt, values: make(map[string]any, len(rt.fields))}
	for _, f := range rt.fields {
		if v, ok := init[f.name]; ok && f.Writable() {
			rec.values[f.name] = f.assign(v)
			continue
		}
		rec.values[f.name] = f.defaultValue()
	}
	for _, name := range rt.virtual {
		if v, ok := init[name]; ok {
			rec.values[name] = v
		}
	}
	return rec
}

func (rt *RecordType) values(v any) (map[string]any, error) {
	switch x := v.(type) {
	case *Record:
		if x.typ != rt {
			return nil, NewInvalid(rt.name, "expected `"+rt.name+"`", v)
		}
		return x.values, nil
	case map[string]any:
		return x, nil
	}
	return nil, NewInvalid(rt.name, "expected `"+rt.name+"`", v)
}

// IsValid reports whether v is an instance of this type or a plain map.
func (rt *RecordType) IsValid(v any) bool {
	_, err := rt.values(v)
	return err == nil
}

func (rt *RecordType) Validate(v any) error {
	values, err := rt.values(v)
	if err != nil {
		return err
	}
	for _, f := range rt.fields {
		if err := f.Validate(values[f.name]); err != nil {
			return err
		}
	}
	return nil
}

// ValidateAll collects every validation problem of v into errs. Fields
// already present in errs are skipped. Non-validation errors are returned.
func (rt *RecordType) ValidateAll(v any, errs Errors) error {
	values, err := rt.values(v)
	if err != nil {
		errs.Add("", errors.Message(err))
		return nil
	}
	for _, f := range rt.fields {
		if errs.Has(f.name) {
			continue
		}
		if err := f.Validate(values[f.name]); err != nil {
			if !errors.IsValidation(err) {
				return err
			}
			errs.Add(f.name, errors.Message(err))
		}
	}
	return nil
}

func (rt *RecordType) Coerce(v any) (any, error) {
	switch x := v.(type) {
	case *Record:
		if x.typ == rt {
			return x, nil
		}
	case map[string]any:
		return rt.New(x), nil
	}
	return nil, NewInvalid(rt.name, "expected `"+rt.name+"`", v)
}

func (rt *RecordType) LoadJSON(v any) (any, error) {
	if rec, ok := v.(*Record); ok && rec.typ == rt {
		return rec, nil
	}
	m, ok := toMap(v)
	if !ok {
		return nil, NewInvalid(rt.name, "expected `"+rt.name+"`", v)
	}
	rec := &Record{typ: rt, values: make(map[string]any, len(rt.fields))}
	for _, f := range rt.fields {
		raw, present := m[f.name]
		val, err := f.LoadJSON(raw, present)
		if err != nil {
			return nil, err
		}
		rec.values[f.name] = val
	}
	return rec, nil
}

func (rt *RecordType) DumpJSON(v any) (any, error) {
	values, err := rt.values(v)
	if err != nil {
		return nil, err
	}
	out := make(map[string]any, len(rt.fields))
	for _, f := range rt.fields {
		x, err := f.DumpJSON(values[f.name])
		if err != nil {
			return nil, err
		}
		out[f.name] = x
	}
	return out, nil
}

func (rt *RecordType) ExportJSON(v any) (any, error) {
	values, err := rt.values(v)
	if err != nil {
		return nil, err
	}
	out := make(map[string]any, len(rt.fields))
	for _, f := range rt.fields {
		if !f.Readable() {
			continue
		}
		x, err := f.ExportJSON(values[f.name])
		if err != nil {
			return nil, err
		}
		out[f.name] = x
	}
	return out, nil
}

// Marshal encodes the stored form of rec.
func (rt *RecordType) Marshal(rec *Record) ([]byte, error) {
	d, err := rt.DumpJSON(rec)
	if err != nil {
		return nil, err
	}
	return json.Marshal(d)
}

// Unmarshal decodes a stored record.
func (rt *RecordType) Unmarshal(data []byte) (*Record, error) {
	v, err := ParseJSON(data)
	if err != nil {
		return nil, err
	}
	rec, err := rt.LoadJSON(v)
	if err != nil {
		return nil, err
	}
	return rec.(*Record), nil
}

// Record is an instance of a RecordType.
type Record struct {
	typ    *RecordType
	values map[string]any
	id     string
	errs   Errors
}

// Type returns the record type.
func (r *Record) Type() *RecordType { return r.typ }

// Get returns a field or virtual attribute value.
func (r *Record) Get(name string) any { return r.values[name] }

// Set assigns a field or virtual attribute directly, bypassing the writable
// and protected checks of mass assignment.
func (r *Record) Set(name string, v any) error {
	if f := r.typ.byName[name]; f != nil {
		r.values[name] = f.assign(v)
		return nil
	}
	if r.typ.IsVirtual(name) {
		r.values[name] = v
		return nil
	}
	return NewInvalid(r.typ.name, "no field called `"+name+"`", v)
}

// Attr mass assigns the writable fields and virtual attributes present in
// values.
func (r *Record) Attr(values map[string]any) {
	for _, f := range r.typ.fields {
		if v, ok := values[f.name]; ok && f.Writable() {
			r.values[f.name] = f.assign(v)
		}
	}
	for _, name := range r.typ.virtual {
		if v, ok := values[name]; ok {
			r.values[name] = v
		}
	}
}

// Values returns a shallow copy of the attributes.
func (r *Record) Values() map[string]any { return maps.Clone(r.values) }

// ID returns the record identifier, "" when unsaved.
func (r *Record) ID() string {
	if r.typ.pk != "" {
		s, _ := r.values[r.typ.pk].(string)
		return s
	}
	return r.id
}

// SetID sets the record identifier.
func (r *Record) SetID(id string) {
	if r.typ.pk != "" {
		r.values[r.typ.pk] = id
		return
	}
	r.id = id
}

// Errors returns the errors collected by the last validation.
func (r *Record) Errors() Errors { return r.errs }

// SetErrors replaces the collected errors.
func (r *Record) SetErrors(errs Errors) { r.errs = errs }

// DumpJSON returns the stored form.
func (r *Record) DumpJSON() (map[string]any, error) {
	d, err := r.typ.DumpJSON(r)
	if err != nil {
		return nil, err
	}
	return d.(map[string]any), nil
}

// ExportJSON returns the public form.
func (r *Record) ExportJSON() (map[string]any, error) {
	d, err := r.typ.ExportJSON(r)
	if err != nil {
		return nil, err
	}
	return d.(map[string]any), nil
}

// MarshalJSON encodes the public form.
func (r *Record) MarshalJSON() ([]byte, error) {
	d, err := r.ExportJSON()
	if err != nil {
		return nil, err
	}
	return json.Marshal(d)
}

func (r *Record) String() string {
	if d, err := r.DumpJSON(); err == nil {
		if b, err := json.Marshal(d); err == nil {
			return "#<" + r.typ.name + " " + string(b) + ">"
		}
	}
	return fmt.Sprintf("#<%s %v>", r.typ.name, r.values)
}

// Errors maps field names to validation messages. Object level messages use
// the empty name.
type Errors map[string][]string

// Add appends a message for a field.
func (e Errors) Add(field, msg string) {
	e[field] = append(e[field], msg)
}

// Has reports whether a field has messages.
func (e Errors) Has(field string) bool {
	return len(e[field]) > 0
}

// Merge appends every message of other.
func (e Errors) Merge(other Errors) {
	for k, msgs := range other {
		e[k] = append(e[k], msgs...)
	}
}

// Fields returns the names with messages, sorted, object level first.
func (e Errors) Fields() []string {
	return slices.Sorted(maps.Keys(e))
}
