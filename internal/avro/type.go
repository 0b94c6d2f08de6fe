package avro

// Type is a compiled schema. Every kind dispatches through the same methods.
type Type interface {
	// Name is the canonical name, unique within a Registry.
	Name() string
	Kind() Kind
	// Schema is the normalized declaration. Nested named types are replaced
	// by their names.
	Schema() Schema

	IsValid(v any) bool
	// Validate returns the first structural error found in v.
	Validate(v any) error
	// Coerce converts a runtime value into the canonical runtime form, e.g.
	// any Go integer into int64 or a map into a *Record.
	Coerce(v any) (any, error)

	// LoadJSON converts the storage form into a runtime value.
	LoadJSON(v any) (any, error)
	// DumpJSON converts a runtime value into the storage form.
	DumpJSON(v any) (any, error)
	// ExportJSON converts a runtime value into the public form.
	ExportJSON(v any) (any, error)
}

type compilable interface {
	Type
	compile(r *Registry) error
}

type declareFunc func(name string, s Schema) (compilable, error)
