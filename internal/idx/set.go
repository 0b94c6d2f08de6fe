package idx

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/weaver/Toji/internal/avro"
)

// Set is the collection of indexes declared for one record type.
type Set struct {
	typ     *avro.RecordType
	indexes []*Index
	byName  map[string]*Index
}

// NewSet returns an empty set for rt.
func NewSet(rt *avro.RecordType) *Set {
	return &Set{typ: rt, byName: map[string]*Index{}}
}

// Type returns the indexed record type.
func (s *Set) Type() *avro.RecordType { return s.typ }

func (s *Set) IsEmpty() bool { return len(s.indexes) == 0 }

// Indexes returns the indexes in declaration order.
func (s *Set) Indexes() []*Index { return slices.Clone(s.indexes) }

// Add registers ix. Index names must be distinct.
func (s *Set) Add(ix *Index) error {
	if _, ok := s.byName[ix.name]; ok {
		return fmt.Errorf("duplicate index: %s", ix.name)
	}
	s.indexes = append(s.indexes, ix)
	s.byName[ix.name] = ix
	return nil
}

// AddUnique declares and registers a unique index.
func (s *Set) AddUnique(field, message string, derive Derive) (*Index, error) {
	ix, err := NewUnique(s.typ, field, message, derive)
	if err != nil {
		return nil, err
	}
	return ix, s.Add(ix)
}

// AddIndex declares and registers a plain index.
func (s *Set) AddIndex(field, message string, derive Derive) (*Index, error) {
	ix, err := NewIndex(s.typ, field, message, derive)
	if err != nil {
		return nil, err
	}
	return ix, s.Add(ix)
}

// Get returns the index with the given full name.
func (s *Set) Get(name string) *Index { return s.byName[name] }

// Unique returns the unique index over field.
func (s *Set) Unique(field string) *Index {
	return s.byName["%"+s.typ.Name()+"."+field]
}

// Index returns the plain index over field.
func (s *Set) Index(field string) *Index {
	return s.byName["#"+s.typ.Name()+"."+field]
}

// Calculate returns every entry of rec stored under key.
func (s *Set) Calculate(rec *avro.Record, key string) (map[string]string, error) {
	out := make(map[string]string, len(s.indexes))
	for _, ix := range s.indexes {
		if err := ix.Calculate(rec, key, out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Match returns the index an entry key belongs to.
func (s *Set) Match(entry string) *Index {
	name, _, _ := strings.Cut(entry, "{")
	return s.byName[name]
}

// AddErrors reports conflicting entries as validation messages: under the
// indexed field when the entry is recognized, at the object level otherwise.
func (s *Set) AddErrors(conflicts map[string]string, errs avro.Errors) {
	for _, entry := range slices.Sorted(maps.Keys(conflicts)) {
		if ix := s.Match(entry); ix != nil {
			if !slices.Contains(errs[ix.field.Name()], ix.message) {
				errs.Add(ix.field.Name(), ix.message)
			}
			continue
		}
		errs.Add("", fmt.Sprintf("duplicate index entry %q", entry))
	}
}
