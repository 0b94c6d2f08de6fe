package avro

import (
	"reflect"
	"slices"
	"sync"

	"github.com/weaver/Toji/internal/errors"
)

// Registry owns the mapping from type names to compiled Types.
type Registry struct {
	mu      sync.RWMutex
	types   map[string]Type
	complex map[string]declareFunc
	aliases map[string]string

	// journal lists the registrations made by the Define in progress, in
	// order, so a failure can roll all of them back.
	journal []Type
}

// NewRegistry returns a registry seeded with the primitive types.
func NewRegistry() *Registry {
	r := &Registry{
		types: make(map[string]Type, len(primitives)),
		complex: map[string]declareFunc{
			string(KindArray):  declareArray,
			string(KindMap):    declareMap,
			string(KindUnion):  declareUnion,
			string(KindRecord): declareRecord,
		},
		aliases: map[string]string{},
	}
	for _, p := range primitives {
		r.types[p.Name()] = p
	}
	return r
}

// Define compiles a schema and registers it. Defining a name that already
// exists returns the existing type; a record declaration that differs from
// the registered one is a NameError.
func (r *Registry) Define(s Schema) (Type, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.journal = r.journal[:0]
	t, err := r.define(s)
	r.journal = r.journal[:0]
	return t, err
}

// MustDefine is Define for package-level schemas known to be correct.
func (r *Registry) MustDefine(s Schema) Type {
	t, err := r.Define(s)
	if err != nil {
		panic(err)
	}
	return t
}

// Get looks up a type by name or alias without compiling anything.
func (r *Registry) Get(name string) Type {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.types[r.aliased(name)]
}

// Resolve returns the canonical name of a schema after alias substitution.
func (r *Registry) Resolve(s Schema) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.resolve(s)
}

// Alias makes name resolve to the canonical name of target.
func (r *Registry) Alias(name string, target Schema) error {
	canonical, err := Name(target)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.aliases[name] = r.aliased(canonical)
	return nil
}

// Names returns the sorted names of all registered types.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.types))
	for n := range r.types {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// Undef removes a registration. The type must be the one registered.
func (r *Registry) Undef(name string, t Type) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.undef(name, t)
}

func (r *Registry) aliased(name string) string {
	if a, ok := r.aliases[name]; ok {
		return a
	}
	return name
}

func (r *Registry) resolve(s Schema) (string, error) {
	name, err := Name(s)
	if err != nil {
		return "", err
	}
	return r.aliased(name), nil
}

func (r *Registry) define(s Schema) (Type, error) {
	if t, ok := s.(Type); ok {
		if existing, ok := r.types[t.Name()]; ok {
			return existing, nil
		}
		s = t.Schema()
	}
	name, err := r.resolve(s)
	if err != nil {
		return nil, err
	}
	if existing, ok := r.types[name]; ok {
		if err := checkRedefine(existing, s); err != nil {
			return nil, err
		}
		return existing, nil
	}
	tag, err := Classify(s)
	if err != nil {
		return nil, err
	}
	declare, ok := r.complex[tag]
	if !ok {
		return nil, badSchema("no type class for `"+tag+"`", s)
	}
	t, err := declare(name, s)
	if err != nil {
		return nil, err
	}
	mark := len(r.journal)
	r.types[name] = t
	r.journal = append(r.journal, t)
	if err := t.compile(r); err != nil {
		if uerr := r.rollback(mark); uerr != nil {
			return nil, uerr
		}
		return nil, err
	}
	return t, nil
}

// rollback undefines, newest first, every type registered since mark,
// including the derived types compiled along the way.
func (r *Registry) rollback(mark int) error {
	for i := len(r.journal) - 1; i >= mark; i-- {
		t := r.journal[i]
		if err := r.undef(t.Name(), t); err != nil {
			return err
		}
	}
	r.journal = r.journal[:mark]
	return nil
}

func (r *Registry) undef(name string, t Type) error {
	existing, ok := r.types[name]
	if !ok {
		return nil
	}
	if existing != t {
		return nameError(name, "type doesn't match registered type", t.Schema())
	}
	delete(r.types, name)
	return nil
}

// checkRedefine rejects a record declaration reusing a registered name with
// different content. References by name and structural schemas always match.
func checkRedefine(existing Type, s Schema) error {
	m, ok := s.(map[string]any)
	if !ok || !IsNamed(s) || IsPrimitive(s) {
		return nil
	}
	if rt, ok := existing.(*RecordType); ok {
		if reflect.DeepEqual(rt.decl, m) || reflect.DeepEqual(rt.schema, m) {
			return nil
		}
	}
	return nameError(existing.Name(), "cannot redefine type", s)
}

// IsNameError reports whether err is a registry naming conflict.
func IsNameError(err error) bool {
	return errors.IsKind(err, errors.KindName)
}

// IsBadSchema reports whether err is a schema declaration error.
func IsBadSchema(err error) bool {
	return errors.IsKind(err, errors.KindBadSchema)
}
