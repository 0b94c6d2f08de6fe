// Package storage persists model records in a kv.Store, keeping their index
// entries up to date.
package storage

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"github.com/weaver/Toji/internal/avro"
	"github.com/weaver/Toji/internal/errors"
	"github.com/weaver/Toji/internal/idx"
	"github.com/weaver/Toji/internal/kv"
	"github.com/weaver/Toji/internal/model"
)

// DefaultLoadConcurrency bounds the creates Load runs at once.
const DefaultLoadConcurrency = 8

// Storage stores the records of the models of a catalog.
type Storage struct {
	store kv.Store
	cat   *model.Catalog
	mgr   *idx.Manager
	log   *slog.Logger

	loadLimit int
}

// Option configures a Storage.
type Option func(*options)

type options struct {
	log       *slog.Logger
	metrics   *idx.Metrics
	attempts  int
	loadLimit int
}

// WithLogger sets the logger, slog.Default() otherwise.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithMetrics sets the index metrics.
func WithMetrics(m *idx.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithCreateAttempts sets how many generated keys Create tries.
func WithCreateAttempts(n int) Option {
	return func(o *options) { o.attempts = n }
}

// WithLoadConcurrency sets how many records Load creates concurrently.
func WithLoadConcurrency(n int) Option {
	return func(o *options) { o.loadLimit = n }
}

// New returns a Storage over store for the models of cat.
func New(store kv.Store, cat *model.Catalog, opts ...Option) *Storage {
	o := options{log: slog.Default(), attempts: idx.DefaultAttempts, loadLimit: DefaultLoadConcurrency}
	for _, opt := range opts {
		opt(&o)
	}
	mgr := idx.NewManager(store, o.log, o.metrics)
	mgr.SetAttempts(o.attempts)
	if o.loadLimit <= 0 {
		o.loadLimit = DefaultLoadConcurrency
	}
	return &Storage{store: store, cat: cat, mgr: mgr, log: o.log, loadLimit: o.loadLimit}
}

// Store returns the underlying store.
func (s *Storage) Store() kv.Store { return s.store }

// Catalog returns the catalog records are resolved against.
func (s *Storage) Catalog() *model.Catalog { return s.cat }

// Compact reclaims store space when the backend supports it.
func (s *Storage) Compact() error {
	c, ok := s.store.(kv.Compacter)
	if !ok {
		s.log.Debug("store does not compact", "store", fmt.Sprintf("%T", s.store))
		return nil
	}
	return c.Compact()
}

// Close closes the underlying store.
func (s *Storage) Close() error { return s.store.Close() }

// prepare runs the hooks and validation preceding a write.
func (s *Storage) prepare(ctx context.Context, m *model.Model, rec *avro.Record, creating bool) error {
	if err := m.Emit(ctx, model.BeforeValidation, rec, creating); err != nil {
		return err
	}
	ok, err := m.Validate(rec)
	if err != nil {
		return err
	}
	if !ok {
		return m.FirstError(rec)
	}
	return m.Emit(ctx, model.BeforeSave, rec, creating)
}

// write encodes rec and applies it with its index entries in one batch.
func (s *Storage) write(ctx context.Context, m *model.Model, rec *avro.Record, kind kv.OpKind, key string, entries map[string]string, stale []string) error {
	data, err := m.Type().Marshal(rec)
	if err != nil {
		return err
	}
	ops := make([]kv.Op, 0, 1+len(entries)+len(stale))
	ops = append(ops, kv.Op{Kind: kind, Key: key, Value: data})
	for _, e := range lo.Keys(entries) {
		ops = append(ops, kv.Op{Kind: kv.OpClaim, Key: e, Value: []byte(entries[e])})
	}
	for _, e := range stale {
		ops = append(ops, kv.Op{Kind: kv.OpDelete, Key: e})
	}
	return s.store.Apply(ctx, ops)
}

// failed turns an index conflict into validation messages on rec.
func (s *Storage) failed(m *model.Model, rec *avro.Record, err error) error {
	var conflict *kv.ConflictError
	if !stderrors.As(err, &conflict) {
		return err
	}
	errs := avro.Errors{}
	errs.Merge(rec.Errors())
	m.Indexes().AddErrors(conflict.Keys, errs)
	rec.SetErrors(errs)
	return m.FirstError(rec)
}

// Create stores a new record and returns its key. A record without id gets a
// generated one, retried when it collides with an existing record.
func (s *Storage) Create(ctx context.Context, rec *avro.Record) (string, error) {
	m, err := s.cat.ModelOf(rec)
	if err != nil {
		return "", err
	}
	generated := rec.ID() == ""
	if generated {
		rec.SetID(s.cat.NewID())
	}
	key, err := s.create(ctx, m, rec, generated)
	if err != nil {
		if generated {
			rec.SetID("")
		}
		return "", err
	}
	if err := m.Emit(ctx, model.AfterSave, rec, true); err != nil {
		return key, err
	}
	s.log.Debug("created", "key", key)
	return key, nil
}

func (s *Storage) create(ctx context.Context, m *model.Model, rec *avro.Record, generated bool) (string, error) {
	if err := s.prepare(ctx, m, rec, true); err != nil {
		return "", err
	}
	set := m.Indexes()
	if !generated {
		key := m.Key(rec)
		err := s.mgr.PrepareAdd(ctx, set, rec, key, func(entries map[string]string) error {
			return s.write(ctx, m, rec, kv.OpAdd, key, entries, nil)
		})
		if err != nil {
			return "", s.failed(m, rec, err)
		}
		return key, nil
	}
	first := true
	newKey := func() string {
		if !first {
			rec.SetID(s.cat.NewID())
		}
		first = false
		return m.Key(rec)
	}
	key, err := s.mgr.Create(ctx, set, rec, newKey, func(key string, entries map[string]string) error {
		return s.write(ctx, m, rec, kv.OpAdd, key, entries, nil)
	})
	if err != nil {
		return "", s.failed(m, rec, err)
	}
	return key, nil
}

// Replace overwrites a stored record, moving its index entries.
func (s *Storage) Replace(ctx context.Context, rec *avro.Record) error {
	m, err := s.cat.ModelOf(rec)
	if err != nil {
		return err
	}
	key := m.Key(rec)
	if key == "" {
		return errors.Newf(errors.KindNoRecord, "cannot replace a `%s` without id", m.Name())
	}
	if err := s.prepare(ctx, m, rec, false); err != nil {
		return err
	}
	err = s.mgr.PrepareReplace(ctx, m.Indexes(), rec, key, func(entries map[string]string, stale []string) error {
		return s.write(ctx, m, rec, kv.OpReplace, key, entries, stale)
	})
	if err != nil {
		return s.failed(m, rec, err)
	}
	return m.Emit(ctx, model.AfterSave, rec, false)
}

// Save creates rec when it has no id and replaces it otherwise.
func (s *Storage) Save(ctx context.Context, rec *avro.Record) error {
	if rec.ID() == "" {
		_, err := s.Create(ctx, rec)
		return err
	}
	return s.Replace(ctx, rec)
}

// Get loads the record stored under key.
func (s *Storage) Get(ctx context.Context, key string) (*avro.Record, error) {
	typeName, _, err := model.ParseKey(key)
	if err != nil {
		return nil, err
	}
	m := s.cat.Model(typeName)
	if m == nil {
		return nil, errors.Newf(errors.KindName, "no model for `%s`", typeName)
	}
	data, err := s.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	return s.load(ctx, m, key, data)
}

func (s *Storage) load(ctx context.Context, m *model.Model, key string, data []byte) (*avro.Record, error) {
	rec, err := m.Load(data, key)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", key, err)
	}
	if err := m.Emit(ctx, model.AfterLoad, rec, false); err != nil {
		return nil, err
	}
	return rec, nil
}

// FindByID loads the record of m with the given id.
func (s *Storage) FindByID(ctx context.Context, m *model.Model, id string) (*avro.Record, error) {
	return s.Get(ctx, model.Key(m.Name(), id))
}

// Remove deletes a stored record and its index entries.
func (s *Storage) Remove(ctx context.Context, rec *avro.Record) error {
	m, err := s.cat.ModelOf(rec)
	if err != nil {
		return err
	}
	key := m.Key(rec)
	if key == "" {
		return errors.Newf(errors.KindNoRecord, "cannot remove a `%s` without id", m.Name())
	}
	if err := m.Emit(ctx, model.BeforeRemove, rec, false); err != nil {
		return err
	}
	return s.mgr.PrepareRemove(ctx, m.Indexes(), key, func(stale []string) error {
		ops := make([]kv.Op, 0, 1+len(stale))
		ops = append(ops, kv.Op{Kind: kv.OpRemove, Key: key})
		for _, e := range stale {
			ops = append(ops, kv.Op{Kind: kv.OpDelete, Key: e})
		}
		return s.store.Apply(ctx, ops)
	})
}

// RemoveKey loads and removes the record stored under key.
func (s *Storage) RemoveKey(ctx context.Context, key string) error {
	rec, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	return s.Remove(ctx, rec)
}

// Load creates every record concurrently and returns their keys in order.
// The first failure is returned; records created before it stay stored.
func (s *Storage) Load(ctx context.Context, recs ...*avro.Record) ([]string, error) {
	keys := make([]string, len(recs))
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(s.loadLimit)
	for i, rec := range recs {
		eg.Go(func() error {
			key, err := s.Create(ctx, rec)
			if err != nil {
				return err
			}
			keys[i] = key
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return keys, nil
}

// Include replaces the ids held by the named reference fields of rec with the
// records they point to. Ids without a stored record are kept as is.
func (s *Storage) Include(ctx context.Context, rec *avro.Record, fields ...string) error {
	var keys []string
	for _, name := range fields {
		f := rec.Type().Field(name)
		if f == nil || f.References() == "" {
			return errors.Newf(errors.KindInvalidField, "%s.%s is not a reference", rec.Type().Name(), name).
				WithReason("not a reference")
		}
		for _, id := range refIDs(rec.Get(name)) {
			keys = append(keys, model.Key(f.References(), id))
		}
	}
	keys = lo.Uniq(keys)
	if len(keys) == 0 {
		return nil
	}
	found, err := s.store.GetBulk(ctx, keys)
	if err != nil {
		return err
	}
	var mu sync.Mutex
	loaded := make(map[string]*avro.Record, len(found))
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(s.loadLimit)
	for key, data := range found {
		eg.Go(func() error {
			typeName, _, err := model.ParseKey(key)
			if err != nil {
				return err
			}
			m := s.cat.Model(typeName)
			if m == nil {
				return errors.Newf(errors.KindName, "no model for `%s`", typeName)
			}
			r, err := s.load(egCtx, m, key, data)
			if err != nil {
				return err
			}
			mu.Lock()
			loaded[key] = r
			mu.Unlock()
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}
	for _, name := range fields {
		f := rec.Type().Field(name)
		resolve := func(v any) any {
			if id, ok := v.(string); ok {
				if r, ok := loaded[model.Key(f.References(), id)]; ok {
					return r
				}
			}
			return v
		}
		v := rec.Get(name)
		if f.IsArrayRef() {
			l, ok := v.([]any)
			if !ok {
				continue
			}
			out := make([]any, len(l))
			for i, item := range l {
				out[i] = resolve(item)
			}
			v = out
		} else {
			v = resolve(v)
		}
		if err := rec.Set(name, v); err != nil {
			return err
		}
	}
	return nil
}

// refIDs returns the ids held by a reference value.
func refIDs(v any) []string {
	switch x := v.(type) {
	case string:
		return []string{x}
	case []any:
		var ids []string
		for _, item := range x {
			if id, ok := item.(string); ok {
				ids = append(ids, id)
			}
		}
		return ids
	}
	return nil
}

// ValidateIndex validates rec and checks its unique entries against the
// store, storing every message on rec. The check is advisory: a concurrent
// write may still claim an entry first.
func (s *Storage) ValidateIndex(ctx context.Context, rec *avro.Record) (bool, error) {
	m, err := s.cat.ModelOf(rec)
	if err != nil {
		return false, err
	}
	errs, err := m.ValidateAll(rec)
	if err != nil {
		return false, err
	}
	if err := s.mgr.Validate(ctx, m.Indexes(), rec, m.Key(rec), errs); err != nil {
		return false, err
	}
	rec.SetErrors(errs)
	return len(errs) == 0, nil
}
