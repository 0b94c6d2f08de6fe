package avro

import (
	"slices"
)

// UnionType holds exactly one of its member types. Non-null values are boxed
// as {"member": value} in the storage form.
type UnionType struct {
	name    string
	decl    []any
	schema  []any
	members []member
	byName  map[string]int
}

type member struct {
	name string
	typ  Type
}

func declareUnion(name string, s Schema) (compilable, error) {
	l, ok := asList(s)
	if !ok {
		return nil, badSchema("expected union schema", s)
	}
	if len(l) == 0 {
		return nil, badSchema("empty union", s)
	}
	return &UnionType{name: name, decl: slices.Clone(l)}, nil
}

func (u *UnionType) compile(r *Registry) error {
	u.byName = make(map[string]int, len(u.decl))
	u.members = make([]member, 0, len(u.decl))
	u.schema = make([]any, 0, len(u.decl))
	for _, ms := range u.decl {
		name, err := MemberName(ms)
		if err != nil {
			return err
		}
		if _, dup := u.byName[name]; dup {
			return badSchema("duplicate union member `"+name+"`", u.decl)
		}
		t, err := r.define(ms)
		if err != nil {
			return err
		}
		if t.Kind() == KindUnion {
			return badSchema("unions may not immediately contain other unions", u.decl)
		}
		u.byName[name] = len(u.members)
		u.members = append(u.members, member{name: name, typ: t})
		u.schema = append(u.schema, simplify(t))
	}
	return nil
}

func (u *UnionType) Name() string   { return u.name }
func (u *UnionType) Kind() Kind     { return KindUnion }
func (u *UnionType) Schema() Schema { return u.schema }

// Members returns the member types in declaration order.
func (u *UnionType) Members() []Type {
	out := make([]Type, len(u.members))
	for i, m := range u.members {
		out[i] = m.typ
	}
	return out
}

// Member returns the member boxed under name.
func (u *UnionType) Member(name string) (Type, bool) {
	i, ok := u.byName[name]
	if !ok {
		return nil, false
	}
	return u.members[i].typ, true
}

// HasNull reports whether null is a member.
func (u *UnionType) HasNull() bool {
	_, ok := u.byName[string(KindNull)]
	return ok
}

// Primary returns the only non-null member, if there is exactly one.
func (u *UnionType) Primary() (Type, bool) {
	var found Type
	for _, m := range u.members {
		if m.typ.Kind() == KindNull {
			continue
		}
		if found != nil {
			return nil, false
		}
		found = m.typ
	}
	return found, found != nil
}

// Without returns the union minus the named member, collapsing to the plain
// member type when only one remains.
func (u *UnionType) Without(r *Registry, name string) (Type, error) {
	i, ok := u.byName[name]
	if !ok {
		return u, nil
	}
	if len(u.members) == 1 {
		return nil, badSchema("cannot remove the last union member", u.schema)
	}
	if len(u.members) == 2 {
		return u.members[1-i].typ, nil
	}
	rest := make([]any, 0, len(u.members)-1)
	for j, m := range u.members {
		if j != i {
			rest = append(rest, simplify(m.typ))
		}
	}
	return r.Define(rest)
}

// scan resolves the member a value belongs to and returns its unboxed
// payload: null goes to the null member, a single-key map is a box, and a
// bare value is matched by its native type name then by the first member
// accepting it.
func (u *UnionType) scan(v any) (member, any, error) {
	if v == nil {
		i, ok := u.byName[string(KindNull)]
		if !ok {
			return member{}, nil, u.unexpected(v)
		}
		return u.members[i], nil, nil
	}
	if box, ok := v.(map[string]any); ok {
		if len(box) != 1 {
			return member{}, nil, NewInvalid(u.name, "expected a single-key boxed value", v)
		}
		for k, payload := range box {
			i, ok := u.byName[k]
			if !ok {
				return member{}, nil, NewInvalid(u.name, "unknown member `"+k+"`", v)
			}
			return u.members[i], payload, nil
		}
	}
	if i, ok := u.byName[nativeName(v)]; ok {
		return u.members[i], v, nil
	}
	for _, m := range u.members {
		if m.typ.IsValid(v) {
			return m, v, nil
		}
	}
	return member{}, nil, u.unexpected(v)
}

// unexpected reports the error of the only non-null member when there is one
// so optional fields read like their plain type.
func (u *UnionType) unexpected(v any) error {
	if p, ok := u.Primary(); ok {
		if err := p.Validate(v); err != nil {
			return err
		}
	}
	return NewInvalid(u.name, "unexpected value", v)
}

func (u *UnionType) IsValid(v any) bool {
	m, payload, err := u.scan(v)
	return err == nil && m.typ.IsValid(payload)
}

func (u *UnionType) Validate(v any) error {
	m, payload, err := u.scan(v)
	if err != nil {
		return err
	}
	return m.typ.Validate(payload)
}

// Coerce accepts boxed and bare values alike. Unlike scan, a map whose only
// key is not a member name is treated as a bare value.
func (u *UnionType) Coerce(v any) (any, error) {
	if box, ok := v.(map[string]any); ok && len(box) == 1 {
		for k, payload := range box {
			if i, ok := u.byName[k]; ok {
				return u.members[i].typ.Coerce(payload)
			}
		}
	}
	if v == nil {
		if !u.HasNull() {
			return nil, u.unexpected(v)
		}
		return nil, nil
	}
	if i, ok := u.byName[nativeName(v)]; ok {
		return u.members[i].typ.Coerce(v)
	}
	for _, m := range u.members {
		if m.typ.IsValid(v) {
			return m.typ.Coerce(v)
		}
	}
	return nil, u.unexpected(v)
}

func (u *UnionType) LoadJSON(v any) (any, error) {
	m, payload, err := u.scan(v)
	if err != nil {
		return nil, err
	}
	return m.typ.LoadJSON(payload)
}

func (u *UnionType) DumpJSON(v any) (any, error) {
	return u.box(v, Type.DumpJSON)
}

func (u *UnionType) ExportJSON(v any) (any, error) {
	return u.box(v, Type.ExportJSON)
}

func (u *UnionType) box(v any, serialize func(Type, any) (any, error)) (any, error) {
	m, payload, err := u.scan(v)
	if err != nil {
		return nil, err
	}
	out, err := serialize(m.typ, payload)
	if err != nil {
		return nil, err
	}
	if m.typ.Kind() == KindNull {
		return nil, nil
	}
	return map[string]any{m.name: out}, nil
}

// unbox serializes v through its member without boxing.
func (u *UnionType) unbox(v any, serialize func(Type, any) (any, error)) (any, error) {
	m, payload, err := u.scan(v)
	if err != nil {
		return nil, err
	}
	return serialize(m.typ, payload)
}
