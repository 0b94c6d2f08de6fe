package storage

import (
	"context"
	"reflect"
	"slices"

	"github.com/weaver/Toji/internal/avro"
	"github.com/weaver/Toji/internal/errors"
	"github.com/weaver/Toji/internal/kv"
	"github.com/weaver/Toji/internal/model"
)

// Query selects records of one model. Without an indexed Where clause it
// scans every record of the model in key order.
type Query struct {
	s       *Storage
	m       *model.Model
	filters []func(*avro.Record) bool
	where   []cond
	offset  int
	limit   int
	err     error
}

type cond struct {
	field *avro.Field
	value any
}

// Find starts a query over the records of m.
func (s *Storage) Find(m *model.Model) *Query {
	return &Query{s: s, m: m}
}

// Filter keeps the records accepted by fn.
func (q *Query) Filter(fn func(*avro.Record) bool) *Query {
	q.filters = append(q.filters, fn)
	return q
}

// Where keeps the records whose field equals value. A field with an index is
// looked up through it.
func (q *Query) Where(field string, value any) *Query {
	f := q.m.Field(field)
	if f == nil {
		q.err = errors.Newf(errors.KindInvalid, "`%s` has no field `%s`", q.m.Name(), field)
		return q
	}
	if value != nil {
		v, err := f.Type().Coerce(value)
		if err != nil {
			q.err = avro.NewInvalidField(f, err)
			return q
		}
		value = v
	}
	q.where = append(q.where, cond{field: f, value: value})
	return q
}

// Offset skips the first n matches.
func (q *Query) Offset(n int) *Query {
	q.offset = n
	return q
}

// Limit stops after n matches. Zero means no limit.
func (q *Query) Limit(n int) *Query {
	q.limit = n
	return q
}

func (q *Query) match(rec *avro.Record) bool {
	for _, c := range q.where {
		if !reflect.DeepEqual(rec.Get(c.field.Name()), c.value) {
			return false
		}
	}
	for _, fn := range q.filters {
		if !fn(rec) {
			return false
		}
	}
	return true
}

// candidates returns the keys an index narrows the query to, ok is false
// when no Where clause is indexed.
func (q *Query) candidates(ctx context.Context) ([]string, bool, error) {
	set := q.m.Indexes()
	for _, c := range q.where {
		if c.value == nil {
			continue
		}
		ix := set.Unique(c.field.Name())
		if ix == nil {
			ix = set.Index(c.field.Name())
		}
		if ix == nil {
			continue
		}
		keys, err := ix.Lookup(ctx, q.s.store, c.value)
		if err != nil {
			return nil, false, err
		}
		slices.Sort(keys)
		return slices.Compact(keys), true, nil
	}
	return nil, false, nil
}

// Each calls fn for every match in key order, stopping at the first error.
func (q *Query) Each(ctx context.Context, fn func(*avro.Record) error) error {
	if q.err != nil {
		return q.err
	}
	skipped, n := 0, 0
	visit := func(key string, data []byte) (bool, error) {
		rec, err := q.s.load(ctx, q.m, key, data)
		if err != nil {
			return false, err
		}
		if !q.match(rec) {
			return true, nil
		}
		if skipped < q.offset {
			skipped++
			return true, nil
		}
		if err := fn(rec); err != nil {
			return false, err
		}
		n++
		return q.limit == 0 || n < q.limit, nil
	}

	keys, indexed, err := q.candidates(ctx)
	if err != nil {
		return err
	}
	if indexed {
		found, err := q.s.store.GetBulk(ctx, keys)
		if err != nil {
			return err
		}
		for _, key := range keys {
			data, ok := found[key]
			if !ok {
				continue
			}
			more, err := visit(key, data)
			if err != nil || !more {
				return err
			}
		}
		return nil
	}
	for p, err := range kv.Scan(ctx, q.s.store, q.m.Name()+"/") {
		if err != nil {
			return err
		}
		more, err := visit(p.Key, p.Value)
		if err != nil || !more {
			return err
		}
	}
	return nil
}

// All returns every match.
func (q *Query) All(ctx context.Context) ([]*avro.Record, error) {
	var out []*avro.Record
	err := q.Each(ctx, func(rec *avro.Record) error {
		out = append(out, rec)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// One returns the first match, or a NoRecord error.
func (q *Query) One(ctx context.Context) (*avro.Record, error) {
	var found *avro.Record
	err := q.Limit(1).Each(ctx, func(rec *avro.Record) error {
		found = rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, errors.Newf(errors.KindNoRecord, "no `%s` matches", q.m.Name())
	}
	return found, nil
}
