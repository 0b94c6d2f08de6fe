package avro

// ArrayType is a sequence of items of one type. Instances are plain []any.
type ArrayType struct {
	name   string
	schema map[string]any
	items  Type
}

// MapType is a string-keyed map of values of one type. Instances are plain
// map[string]any.
type MapType struct {
	name   string
	schema map[string]any
	values Type
}

func declareArray(name string, s Schema) (compilable, error) {
	m, ok := s.(map[string]any)
	if !ok {
		return nil, badSchema("expected array schema", s)
	}
	if _, ok := m["items"]; !ok {
		return nil, badSchema("missing required `items`", s)
	}
	return &ArrayType{name: name, schema: copyMap(m)}, nil
}

func declareMap(name string, s Schema) (compilable, error) {
	m, ok := s.(map[string]any)
	if !ok {
		return nil, badSchema("expected map schema", s)
	}
	if _, ok := m["values"]; !ok {
		return nil, badSchema("missing required `values`", s)
	}
	return &MapType{name: name, schema: copyMap(m)}, nil
}

func (a *ArrayType) compile(r *Registry) error {
	items, err := r.define(a.schema["items"])
	if err != nil {
		return err
	}
	a.items = items
	a.schema["items"] = simplify(items)
	return nil
}

func (a *ArrayType) Name() string   { return a.name }
func (a *ArrayType) Kind() Kind     { return KindArray }
func (a *ArrayType) Schema() Schema { return a.schema }

// Items returns the item type.
func (a *ArrayType) Items() Type { return a.items }

func (a *ArrayType) IsValid(v any) bool {
	_, ok := toList(v)
	return ok
}

func (a *ArrayType) Validate(v any) error {
	l, ok := toList(v)
	if !ok {
		return NewInvalid(a.name, "expected array", v)
	}
	for _, item := range l {
		if err := a.items.Validate(item); err != nil {
			return err
		}
	}
	return nil
}

func (a *ArrayType) each(v any, fn func(any) (any, error)) (any, error) {
	l, ok := toList(v)
	if !ok {
		return nil, NewInvalid(a.name, "expected array", v)
	}
	out := make([]any, len(l))
	for i, item := range l {
		x, err := fn(item)
		if err != nil {
			return nil, err
		}
		out[i] = x
	}
	return out, nil
}

func (a *ArrayType) Coerce(v any) (any, error)     { return a.each(v, a.items.Coerce) }
func (a *ArrayType) LoadJSON(v any) (any, error)   { return a.each(v, a.items.LoadJSON) }
func (a *ArrayType) DumpJSON(v any) (any, error)   { return a.each(v, a.items.DumpJSON) }
func (a *ArrayType) ExportJSON(v any) (any, error) { return a.each(v, a.items.ExportJSON) }

func (m *MapType) compile(r *Registry) error {
	values, err := r.define(m.schema["values"])
	if err != nil {
		return err
	}
	m.values = values
	m.schema["values"] = simplify(values)
	return nil
}

func (m *MapType) Name() string   { return m.name }
func (m *MapType) Kind() Kind     { return KindMap }
func (m *MapType) Schema() Schema { return m.schema }

// Values returns the value type.
func (m *MapType) Values() Type { return m.values }

func (m *MapType) IsValid(v any) bool {
	_, ok := toMap(v)
	return ok
}

func (m *MapType) Validate(v any) error {
	obj, ok := toMap(v)
	if !ok {
		return NewInvalid(m.name, "expected map", v)
	}
	for _, val := range obj {
		if err := m.values.Validate(val); err != nil {
			return err
		}
	}
	return nil
}

func (m *MapType) each(v any, fn func(any) (any, error)) (any, error) {
	obj, ok := toMap(v)
	if !ok {
		return nil, NewInvalid(m.name, "expected map", v)
	}
	out := make(map[string]any, len(obj))
	for k, val := range obj {
		x, err := fn(val)
		if err != nil {
			return nil, err
		}
		out[k] = x
	}
	return out, nil
}

func (m *MapType) Coerce(v any) (any, error)     { return m.each(v, m.values.Coerce) }
func (m *MapType) LoadJSON(v any) (any, error)   { return m.each(v, m.values.LoadJSON) }
func (m *MapType) DumpJSON(v any) (any, error)   { return m.each(v, m.values.DumpJSON) }
func (m *MapType) ExportJSON(v any) (any, error) { return m.each(v, m.values.ExportJSON) }

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
