// Package idx keeps secondary index entries consistent with the records they
// are derived from.
//
// An entry maps a derived key to the primary key of its record:
//
//	%Type.field{value}     unique index
//	#Type.field{value}KEY  plain index
package idx

import (
	"context"
	"fmt"
	"iter"
	"strconv"
	"strings"

	"github.com/weaver/Toji/internal/avro"
	"github.com/weaver/Toji/internal/kv"
)

// Derive computes the indexed value from a record instead of reading the
// field. Returning the record itself indexes its own id.
type Derive func(rec *avro.Record) any

// Index is a unique or plain index over one field of a record type.
type Index struct {
	name    string
	field   *avro.Field
	unique  bool
	message string
	derive  Derive
}

func newIndex(sigil string, rt *avro.RecordType, fieldName, message, fallback string, derive Derive) (*Index, error) {
	f := rt.Field(fieldName)
	if f == nil {
		return nil, avro.NewInvalid(rt.Name(), "no field called `"+fieldName+"`", fieldName)
	}
	if derive == nil && !avro.IsPrimitiveKind(avro.Base(f.Type()).Kind()) {
		return nil, avro.NewInvalidField(f, avro.NewInvalid(f.FullName(), "only primitive types are indexable", f.Schema()["type"]))
	}
	if message == "" {
		message = fallback
	}
	return &Index{
		name:    sigil + f.FullName(),
		field:   f,
		unique:  sigil == "%",
		message: message,
		derive:  derive,
	}, nil
}

// NewUnique declares a unique index. message is reported on conflicts and
// defaults to "duplicate value".
func NewUnique(rt *avro.RecordType, field, message string, derive Derive) (*Index, error) {
	return newIndex("%", rt, field, message, "duplicate value", derive)
}

// NewIndex declares a plain index.
func NewIndex(rt *avro.RecordType, field, message string, derive Derive) (*Index, error) {
	return newIndex("#", rt, field, message, "index error", derive)
}

func (ix *Index) Name() string       { return ix.name }
func (ix *Index) Field() *avro.Field { return ix.field }
func (ix *Index) IsUnique() bool     { return ix.unique }
func (ix *Index) Message() string    { return ix.message }

// Entry returns the entry key for an indexed value and a primary key.
func (ix *Index) Entry(value, key string) string {
	if ix.unique {
		return ix.name + "{" + value + "}"
	}
	return ix.name + "{" + value + "}" + key
}

// Value returns the indexed value of rec, ok is false when the value is null.
func (ix *Index) Value(rec *avro.Record, key string) (string, bool, error) {
	v := rec.Get(ix.field.Name())
	if ix.derive != nil {
		d := ix.derive(rec)
		switch {
		case d == rec:
			v = selfID(rec, key)
		case isPrimitive(d):
			v = d
		}
	}
	if v == nil {
		return "", false, nil
	}
	s, err := formatValue(v)
	if err != nil {
		return "", false, avro.NewInvalidField(ix.field, err)
	}
	return s, true, nil
}

// Calculate adds the entries of rec stored under key to out.
func (ix *Index) Calculate(rec *avro.Record, key string, out map[string]string) error {
	v, ok, err := ix.Value(rec, key)
	if err != nil {
		return err
	}
	if !ok {
		if ix.unique {
			return avro.NewInvalidField(ix.field, avro.NewInvalid(ix.field.FullName(), "unique index requires non-null value", nil))
		}
		return nil
	}
	out[ix.Entry(v, key)] = key
	return nil
}

// Prefix returns the key prefix of every entry, or of the entries for value
// when one is given.
func (ix *Index) Prefix(value ...any) (string, error) {
	if len(value) == 0 {
		return ix.name + "{", nil
	}
	s, err := formatValue(value[0])
	if err != nil {
		return "", err
	}
	return ix.name + "{" + s + "}", nil
}

// Scan yields the entries of the index, restricted to value when given.
func (ix *Index) Scan(ctx context.Context, store kv.Store, value ...any) iter.Seq2[kv.Pair, error] {
	prefix, err := ix.Prefix(value...)
	if err != nil {
		return func(yield func(kv.Pair, error) bool) { yield(kv.Pair{}, err) }
	}
	return kv.Scan(ctx, store, prefix)
}

// All returns every entry of the index mapped to its primary key.
func (ix *Index) All(ctx context.Context, store kv.Store) (map[string]string, error) {
	out := map[string]string{}
	for p, err := range ix.Scan(ctx, store) {
		if err != nil {
			return nil, err
		}
		out[p.Key] = string(p.Value)
	}
	return out, nil
}

// Lookup returns the primary keys indexed under value, in entry order.
func (ix *Index) Lookup(ctx context.Context, store kv.Store, value any) ([]string, error) {
	var keys []string
	for p, err := range ix.Scan(ctx, store, value) {
		if err != nil {
			return nil, err
		}
		keys = append(keys, string(p.Value))
	}
	return keys, nil
}

func selfID(rec *avro.Record, key string) any {
	if id := rec.ID(); id != "" {
		return id
	}
	if _, id, ok := strings.Cut(key, "/"); ok {
		return id
	}
	return nil
}

func isPrimitive(v any) bool {
	switch v.(type) {
	case string, bool, int, int32, int64, float32, float64:
		return true
	}
	return false
}

// formatValue renders a primitive the way it appears between the braces of
// an entry key.
func formatValue(v any) (string, error) {
	switch x := v.(type) {
	case string:
		return x, nil
	case bool:
		return strconv.FormatBool(x), nil
	case int:
		return strconv.Itoa(x), nil
	case int32:
		return strconv.FormatInt(int64(x), 10), nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32), nil
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), nil
	case *avro.Record:
		if id := x.ID(); id != "" {
			return id, nil
		}
	}
	return "", avro.NewInvalid("index", fmt.Sprintf("cannot index %T", v), v)
}
