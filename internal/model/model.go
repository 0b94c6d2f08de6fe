package model

import (
	"context"
	stderrors "errors"
	"fmt"
	"slices"

	"github.com/weaver/Toji/internal/avro"
	"github.com/weaver/Toji/internal/errors"
	"github.com/weaver/Toji/internal/idx"
)

const (
	msgNotNull  = "expected non-null value"
	msgNotEmpty = "expected non-empty value"
	msgRequired = "missing required value"
)

// Validator checks the value of a field or virtual attribute. Object level
// validators receive the record as v. Returned errors become validation
// messages, except kinded errors outside the validation kinds which abort
// validation.
type Validator func(v any, rec *avro.Record) error

// Event names a lifecycle hook point.
type Event int

const (
	BeforeValidation Event = iota
	BeforeSave
	AfterSave
	AfterLoad
	BeforeRemove
)

func (e Event) String() string {
	switch e {
	case BeforeValidation:
		return "beforeValidation"
	case BeforeSave:
		return "beforeSave"
	case AfterSave:
		return "afterSave"
	case AfterLoad:
		return "afterLoad"
	case BeforeRemove:
		return "beforeRemove"
	}
	return fmt.Sprintf("Event(%d)", int(e))
}

// Hook runs at a lifecycle event. creating is true when the record is being
// created and false otherwise.
type Hook func(ctx context.Context, rec *avro.Record, creating bool) error

// Model is a record type with validation, indexes and hooks. Declarations
// are expected at setup time, before the model is used concurrently.
type Model struct {
	cat        *Catalog
	rt         *avro.RecordType
	indexes    *idx.Set
	validators map[string][]Validator
	order      []string
	hooks      map[Event][]Hook
}

func newModel(c *Catalog, rt *avro.RecordType) *Model {
	return &Model{
		cat:        c,
		rt:         rt,
		indexes:    idx.NewSet(rt),
		validators: map[string][]Validator{},
		hooks:      map[Event][]Hook{},
	}
}

func (m *Model) Name() string                  { return m.rt.Name() }
func (m *Model) Type() *avro.RecordType        { return m.rt }
func (m *Model) Schema() avro.Schema           { return m.rt.Schema() }
func (m *Model) Indexes() *idx.Set             { return m.indexes }
func (m *Model) Catalog() *Catalog             { return m.cat }
func (m *Model) Field(name string) *avro.Field { return m.rt.Field(name) }

// New constructs a record by mass assignment.
func (m *Model) New(init map[string]any) *avro.Record {
	return m.rt.New(init)
}

// Key returns the storage key of rec, "" when it has no id.
func (m *Model) Key(rec *avro.Record) string {
	if rec.ID() == "" {
		return ""
	}
	return Key(m.Name(), rec.ID())
}

// NewKey returns a storage key with a fresh id.
func (m *Model) NewKey() string {
	return Key(m.Name(), m.cat.NewID())
}

// Load decodes a stored record and assigns the id from its key.
func (m *Model) Load(data []byte, key string) (*avro.Record, error) {
	_, id, err := ParseKey(key)
	if err != nil {
		return nil, err
	}
	rec, err := m.rt.Unmarshal(data)
	if err != nil {
		return nil, err
	}
	rec.SetID(id)
	return rec, nil
}

func (m *Model) setPrimaryKey(name string) error {
	if err := m.rt.SetPrimaryKey(name); err != nil {
		return err
	}
	m.Validates(func(v any, _ *avro.Record) error {
		if avro.IsEmpty(v) {
			return errors.New(errors.KindInvalid, msgRequired)
		}
		return nil
	}, name)
	return nil
}

// Virtual declares attributes that records carry but never store or export.
func (m *Model) Virtual(names ...string) error {
	for _, name := range names {
		if err := m.rt.DefineVirtual(name); err != nil {
			return err
		}
	}
	return nil
}

// ensure declares name as a virtual attribute unless it is a field.
func (m *Model) ensure(name string) {
	if name != "" && m.rt.Field(name) == nil {
		_ = m.rt.DefineVirtual(name)
	}
}

// Validates adds a validator for each named field or virtual attribute, or
// for the whole record when no name is given. Unknown names are declared as
// virtual attributes.
func (m *Model) Validates(fn Validator, names ...string) *Model {
	if len(names) == 0 {
		names = []string{""}
	}
	for _, name := range names {
		m.ensure(name)
		if !slices.Contains(m.order, name) {
			m.order = append(m.order, name)
		}
		m.validators[name] = append(m.validators[name], fn)
	}
	return m
}

// withoutNull installs check on names and removes null from their types.
func (m *Model) withoutNull(check func(any) bool, fallback, message string, names []string) error {
	if message == "" {
		message = fallback
	}
	for _, name := range names {
		m.Validates(func(v any, _ *avro.Record) error {
			if !check(v) {
				return errors.New(errors.KindInvalid, message)
			}
			return nil
		}, name)
		f := m.rt.Field(name)
		if f == nil {
			continue
		}
		u, ok := f.Type().(*avro.UnionType)
		if !ok || !u.HasNull() {
			continue
		}
		t, err := u.Without(m.cat.reg, string(avro.KindNull))
		if err != nil {
			return err
		}
		f.ChangeType(t)
	}
	return nil
}

// ValidatesNotNull makes the named fields reject null. message replaces the
// default "expected non-null value".
func (m *Model) ValidatesNotNull(message string, names ...string) error {
	return m.withoutNull(func(v any) bool { return v != nil }, msgNotNull, message, names)
}

// ValidatesNotEmpty makes the named fields reject null, empty strings and
// empty containers.
func (m *Model) ValidatesNotEmpty(message string, names ...string) error {
	return m.withoutNull(func(v any) bool { return !avro.IsEmpty(v) }, msgNotEmpty, message, names)
}

// ValidatesUniquenessOf declares a unique index on each named field.
func (m *Model) ValidatesUniquenessOf(message string, names ...string) error {
	for _, name := range names {
		if _, err := m.indexes.AddUnique(name, message, nil); err != nil {
			return err
		}
	}
	return nil
}

// UniqueBy declares a unique index whose value is computed by derive.
func (m *Model) UniqueBy(name, message string, derive idx.Derive) error {
	_, err := m.indexes.AddUnique(name, message, derive)
	return err
}

// Index declares a plain index on a field.
func (m *Model) Index(name string, derive idx.Derive) error {
	_, err := m.indexes.AddIndex(name, "", derive)
	return err
}

// On registers a lifecycle hook.
func (m *Model) On(e Event, h Hook) *Model {
	m.hooks[e] = append(m.hooks[e], h)
	return m
}

func (m *Model) BeforeValidation(h Hook) *Model { return m.On(BeforeValidation, h) }
func (m *Model) BeforeSave(h Hook) *Model       { return m.On(BeforeSave, h) }
func (m *Model) AfterSave(h Hook) *Model        { return m.On(AfterSave, h) }
func (m *Model) AfterLoad(h Hook) *Model        { return m.On(AfterLoad, h) }
func (m *Model) BeforeRemove(h Hook) *Model     { return m.On(BeforeRemove, h) }

// Emit runs the hooks of e in registration order, stopping at the first
// error.
func (m *Model) Emit(ctx context.Context, e Event, rec *avro.Record, creating bool) error {
	for _, h := range m.hooks[e] {
		if err := h(ctx, rec, creating); err != nil {
			return fmt.Errorf("%s hook of %s: %w", e, m.Name(), err)
		}
	}
	return nil
}

// message returns the validation message carried by err. ok is false for
// errors that must abort validation.
func message(err error) (string, bool) {
	var k errors.Kinded
	if stderrors.As(err, &k) && !errors.IsValidation(err) {
		return "", false
	}
	return errors.Message(err), true
}

// ValidateAll checks rec and returns every problem found, keyed by field.
// Validators run first; fields that already failed are not checked again
// against their type.
func (m *Model) ValidateAll(rec *avro.Record) (avro.Errors, error) {
	errs := avro.Errors{}
	if rec.Type() != m.rt {
		errs.Add("", "expected `"+m.Name()+"`")
		return errs, nil
	}
	for _, name := range m.order {
		var v any = rec
		if name != "" {
			v = rec.Get(name)
		}
		for _, fn := range m.validators[name] {
			if err := fn(v, rec); err != nil {
				msg, ok := message(err)
				if !ok {
					return nil, err
				}
				errs.Add(name, msg)
			}
		}
	}
	if err := m.rt.ValidateAll(rec, errs); err != nil {
		return nil, err
	}
	return errs, nil
}

// Validate runs ValidateAll, stores the result on rec and reports whether
// rec is valid.
func (m *Model) Validate(rec *avro.Record) (bool, error) {
	errs, err := m.ValidateAll(rec)
	if err != nil {
		return false, err
	}
	rec.SetErrors(errs)
	return len(errs) == 0, nil
}

// IsValid is Validate for callers that only need the verdict.
func (m *Model) IsValid(rec *avro.Record) bool {
	ok, err := m.Validate(rec)
	return ok && err == nil
}

// FirstError converts the first collected message of rec to an error, nil
// when rec has none.
func (m *Model) FirstError(rec *avro.Record) error {
	errs := rec.Errors()
	if len(errs) == 0 {
		return nil
	}
	name := errs.Fields()[0]
	msg := errs[name][0]
	if f := m.rt.Field(name); f != nil {
		return avro.NewInvalidField(f, errors.New(errors.KindInvalid, msg))
	}
	if name == "" {
		return errors.Newf(errors.KindInvalid, "%s: %s", m.Name(), msg).WithReason(msg)
	}
	return errors.Newf(errors.KindInvalidField, "%s.%s: %s", m.Name(), name, msg).
		WithReason(msg).
		WithDetail("field", m.Name()+"."+name)
}
