package storage

import (
	"context"
	stderrors "errors"
	"reflect"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/crypto/bcrypt"

	"github.com/weaver/Toji/internal/avro"
	"github.com/weaver/Toji/internal/errors"
	"github.com/weaver/Toji/internal/idx"
	"github.com/weaver/Toji/internal/kv"
	"github.com/weaver/Toji/internal/model"
)

const taken = "oops, it's already taken"

type fixture struct {
	cat     *model.Catalog
	account *model.Model
	store   kv.Store
	s       *Storage
}

func setup(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	cat := model.NewCatalog()
	account, err := cat.Type("Account",
		model.F("username", "String"),
		model.F("email", "String"),
		model.F("age", "Int"))
	if err != nil {
		t.Fatalf("Type failed: %v", err)
	}
	if err := account.ValidatesNotEmpty("", "username"); err != nil {
		t.Fatal(err)
	}
	if err := account.ValidatesUniquenessOf(taken, "username"); err != nil {
		t.Fatal(err)
	}
	if err := account.Index("age", nil); err != nil {
		t.Fatal(err)
	}
	store, err := OpenStore(BackendMemory, "", nil)
	if err != nil {
		t.Fatal(err)
	}
	opts = append([]Option{WithMetrics(idx.NewMetrics(prometheus.NewRegistry()))}, opts...)
	s := New(store, cat, opts...)
	t.Cleanup(func() { _ = s.Close() })
	return &fixture{cat: cat, account: account, store: store, s: s}
}

func (f *fixture) create(t *testing.T, init map[string]any) (*avro.Record, string) {
	t.Helper()
	rec := f.account.New(init)
	key, err := f.s.Create(t.Context(), rec)
	if err != nil {
		t.Fatalf("Create(%v) failed: %v", init, err)
	}
	return rec, key
}

func (f *fixture) entry(t *testing.T, key string) string {
	t.Helper()
	v, err := f.store.Get(t.Context(), key)
	if stderrors.Is(err, kv.ErrNoRecord) {
		return ""
	}
	if err != nil {
		t.Fatal(err)
	}
	return string(v)
}

func usernames(recs []*avro.Record) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i], _ = r.Get("username").(string)
	}
	return out
}

// seqKeys hands out ids in order and repeats the last one.
type seqKeys struct {
	mu  sync.Mutex
	ids []string
	i   int
}

func (k *seqKeys) NewID() string {
	k.mu.Lock()
	defer k.mu.Unlock()
	id := k.ids[min(k.i, len(k.ids)-1)]
	k.i++
	return id
}

func TestStorage(t *testing.T) {
	t.Run("CreateAndGet", func(t *testing.T) {
		f := setup(t)
		rec, key := f.create(t, map[string]any{"username": "bob", "age": 30})
		if !strings.HasPrefix(key, "Account/") || key != "Account/"+rec.ID() {
			t.Fatalf("key = %q, id = %q", key, rec.ID())
		}
		got, err := f.s.Get(t.Context(), key)
		if err != nil {
			t.Fatal(err)
		}
		if got.ID() != rec.ID() || got.Get("username") != "bob" || got.Get("age") != int64(30) {
			t.Errorf("got %v", got)
		}
		if e := f.entry(t, "%Account.username{bob}"); e != key {
			t.Errorf("unique entry = %q", e)
		}
		if e := f.entry(t, "#Account.age{30}"+key); e != key {
			t.Errorf("index entry = %q", e)
		}
		again, err := f.s.FindByID(t.Context(), f.account, rec.ID())
		if err != nil || again.Get("username") != "bob" {
			t.Errorf("FindByID = %v, %v", again, err)
		}
	})

	t.Run("GetErrors", func(t *testing.T) {
		f := setup(t)
		if _, err := f.s.Get(t.Context(), "Account/nope"); !stderrors.Is(err, kv.ErrNoRecord) {
			t.Errorf("missing: %v", err)
		}
		if _, err := f.s.Get(t.Context(), "Nope/x"); !errors.IsKind(err, errors.KindName) {
			t.Errorf("unknown model: %v", err)
		}
		if _, err := f.s.Get(t.Context(), "bad"); !errors.IsKind(err, errors.KindInvalid) {
			t.Errorf("bad key: %v", err)
		}
	})

	t.Run("UniqueConflict", func(t *testing.T) {
		f := setup(t)
		f.create(t, map[string]any{"username": "bob"})
		dup := f.account.New(map[string]any{"username": "bob"})
		_, err := f.s.Create(t.Context(), dup)
		if !errors.IsKind(err, errors.KindInvalidField) {
			t.Fatalf("err = %v", err)
		}
		if errors.Message(err) != taken {
			t.Errorf("message = %q", errors.Message(err))
		}
		if want := (avro.Errors{"username": {taken}}); !reflect.DeepEqual(dup.Errors(), want) {
			t.Errorf("errors = %v", dup.Errors())
		}
		if dup.ID() != "" {
			t.Errorf("failed record kept id %q", dup.ID())
		}
		all, err := f.s.Find(f.account).All(t.Context())
		if err != nil || len(all) != 1 {
			t.Errorf("All = %d records, %v", len(all), err)
		}
	})

	t.Run("ValidationFailure", func(t *testing.T) {
		f := setup(t)
		rec := f.account.New(map[string]any{"username": ""})
		_, err := f.s.Create(t.Context(), rec)
		if !errors.IsKind(err, errors.KindInvalidField) || errors.Message(err) != "expected non-empty value" {
			t.Fatalf("err = %v", err)
		}
		if n := f.store.(interface{ Len() int }).Len(); n != 0 {
			t.Errorf("store has %d keys", n)
		}
	})

	t.Run("ReplaceMovesEntries", func(t *testing.T) {
		f := setup(t)
		rec, key := f.create(t, map[string]any{"username": "bob", "age": 30})
		if err := rec.Set("username", "robert"); err != nil {
			t.Fatal(err)
		}
		if err := rec.Set("age", nil); err != nil {
			t.Fatal(err)
		}
		if err := f.s.Save(t.Context(), rec); err != nil {
			t.Fatal(err)
		}
		if e := f.entry(t, "%Account.username{bob}"); e != "" {
			t.Errorf("stale entry = %q", e)
		}
		if e := f.entry(t, "#Account.age{30}"+key); e != "" {
			t.Errorf("stale index entry = %q", e)
		}
		if e := f.entry(t, "%Account.username{robert}"); e != key {
			t.Errorf("new entry = %q", e)
		}
		f.create(t, map[string]any{"username": "bob"})
	})

	t.Run("ReplaceConflict", func(t *testing.T) {
		f := setup(t)
		f.create(t, map[string]any{"username": "alice"})
		rec, key := f.create(t, map[string]any{"username": "bob"})
		if err := rec.Set("username", "alice"); err != nil {
			t.Fatal(err)
		}
		if err := f.s.Replace(t.Context(), rec); !errors.IsKind(err, errors.KindInvalidField) {
			t.Fatalf("err = %v", err)
		}
		got, err := f.s.Get(t.Context(), key)
		if err != nil || got.Get("username") != "bob" {
			t.Errorf("stored = %v, %v", got, err)
		}
	})

	t.Run("ReplaceMissing", func(t *testing.T) {
		f := setup(t)
		rec := f.account.New(map[string]any{"username": "ghost"})
		if err := f.s.Replace(t.Context(), rec); !errors.IsKind(err, errors.KindNoRecord) {
			t.Errorf("no id: %v", err)
		}
		rec.SetID("ghost")
		if err := f.s.Save(t.Context(), rec); !stderrors.Is(err, kv.ErrNoRecord) {
			t.Errorf("not stored: %v", err)
		}
	})

	t.Run("ExplicitID", func(t *testing.T) {
		f := setup(t)
		rec := f.account.New(map[string]any{"username": "bob"})
		rec.SetID("fixed")
		key, err := f.s.Create(t.Context(), rec)
		if err != nil || key != "Account/fixed" {
			t.Fatalf("Create = %q, %v", key, err)
		}
		dup := f.account.New(map[string]any{"username": "other"})
		dup.SetID("fixed")
		if _, err := f.s.Create(t.Context(), dup); !stderrors.Is(err, kv.ErrDuplicateRecord) {
			t.Errorf("err = %v", err)
		}
		if dup.ID() != "fixed" {
			t.Errorf("id = %q", dup.ID())
		}
	})

	t.Run("Remove", func(t *testing.T) {
		f := setup(t)
		rec, key := f.create(t, map[string]any{"username": "bob", "age": 3})
		if err := f.s.Remove(t.Context(), rec); err != nil {
			t.Fatal(err)
		}
		if _, err := f.s.Get(t.Context(), key); !stderrors.Is(err, kv.ErrNoRecord) {
			t.Errorf("Get after remove: %v", err)
		}
		if n := f.store.(interface{ Len() int }).Len(); n != 0 {
			t.Errorf("store has %d keys left", n)
		}
		if err := f.s.Remove(t.Context(), rec); !stderrors.Is(err, kv.ErrNoRecord) {
			t.Errorf("second remove: %v", err)
		}
		f.create(t, map[string]any{"username": "bob"})
		if err := f.s.RemoveKey(t.Context(), "Account/nope"); !stderrors.Is(err, kv.ErrNoRecord) {
			t.Errorf("RemoveKey: %v", err)
		}
	})
}

func TestCreateRetry(t *testing.T) {
	t.Run("Collision", func(t *testing.T) {
		f := setup(t)
		f.cat.SetKeyGen(&seqKeys{ids: []string{"a", "a", "b"}})
		f.create(t, map[string]any{"username": "first"})
		rec, key := f.create(t, map[string]any{"username": "second"})
		if key != "Account/b" || rec.ID() != "b" {
			t.Errorf("key = %q, id = %q", key, rec.ID())
		}
		got, err := f.s.Get(t.Context(), "Account/a")
		if err != nil || got.Get("username") != "first" {
			t.Errorf("Account/a = %v, %v", got, err)
		}
	})

	t.Run("Exhausted", func(t *testing.T) {
		f := setup(t, WithCreateAttempts(3))
		f.cat.SetKeyGen(&seqKeys{ids: []string{"a"}})
		f.create(t, map[string]any{"username": "first"})
		rec := f.account.New(map[string]any{"username": "second"})
		_, err := f.s.Create(t.Context(), rec)
		if !errors.IsKind(err, errors.KindDuplicateRecord) || !strings.Contains(err.Error(), "after 3 attempts") {
			t.Fatalf("err = %v", err)
		}
		if rec.ID() != "" {
			t.Errorf("id = %q", rec.ID())
		}
		if e := f.entry(t, "%Account.username{second}"); e != "" {
			t.Errorf("entry leaked: %q", e)
		}
	})
}

func TestQuery(t *testing.T) {
	f := setup(t)
	f.cat.SetKeyGen(&seqKeys{ids: []string{"1", "2", "3", "4", "5"}})
	for i, name := range []string{"alice", "bob", "carol", "dave", "erin"} {
		f.create(t, map[string]any{"username": name, "age": 20 + 10*(i%2)})
	}
	ctx := t.Context()

	all, err := f.s.Find(f.account).All(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got := usernames(all); !reflect.DeepEqual(got, []string{"alice", "bob", "carol", "dave", "erin"}) {
		t.Errorf("All = %v", got)
	}

	one, err := f.s.Find(f.account).Where("username", "carol").One(ctx)
	if err != nil || one.ID() != "3" {
		t.Errorf("One = %v, %v", one, err)
	}

	thirty, err := f.s.Find(f.account).Where("age", 30).All(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got := usernames(thirty); !reflect.DeepEqual(got, []string{"bob", "dave"}) {
		t.Errorf("age 30 = %v", got)
	}

	filtered, err := f.s.Find(f.account).
		Filter(func(r *avro.Record) bool { return strings.Contains(r.Get("username").(string), "a") }).
		Offset(1).
		Limit(2).
		All(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got := usernames(filtered); !reflect.DeepEqual(got, []string{"carol", "dave"}) {
		t.Errorf("filtered = %v", got)
	}

	if _, err := f.s.Find(f.account).Where("username", "zed").One(ctx); !errors.IsKind(err, errors.KindNoRecord) {
		t.Errorf("no match: %v", err)
	}
	if _, err := f.s.Find(f.account).Where("nope", 1).All(ctx); !errors.IsKind(err, errors.KindInvalid) {
		t.Errorf("unknown field: %v", err)
	}
	if _, err := f.s.Find(f.account).Where("age", "old").All(ctx); !errors.IsKind(err, errors.KindInvalidField) {
		t.Errorf("bad value: %v", err)
	}

	stop := stderrors.New("stop")
	n := 0
	err = f.s.Find(f.account).Each(ctx, func(*avro.Record) error {
		n++
		if n == 2 {
			return stop
		}
		return nil
	})
	if !stderrors.Is(err, stop) || n != 2 {
		t.Errorf("Each = %v after %d", err, n)
	}
}

func TestLoad(t *testing.T) {
	f := setup(t, WithLoadConcurrency(3))
	names := []string{"a1", "a2", "a3", "a4", "a5", "a6", "a7"}
	recs := make([]*avro.Record, len(names))
	for i, n := range names {
		recs[i] = f.account.New(map[string]any{"username": n})
	}
	keys, err := f.s.Load(t.Context(), recs...)
	if err != nil {
		t.Fatal(err)
	}
	seen := map[string]bool{}
	for i, key := range keys {
		if key == "" || seen[key] || key != "Account/"+recs[i].ID() {
			t.Errorf("key %d = %q", i, key)
		}
		seen[key] = true
	}
	all, err := f.s.Find(f.account).All(t.Context())
	if err != nil || len(all) != len(names) {
		t.Errorf("All = %d, %v", len(all), err)
	}

	dups := []*avro.Record{
		f.account.New(map[string]any{"username": "same"}),
		f.account.New(map[string]any{"username": "same"}),
	}
	if _, err := f.s.Load(t.Context(), dups...); !errors.IsKind(err, errors.KindInvalidField) {
		t.Errorf("duplicate load: %v", err)
	}
}

func TestValidateIndex(t *testing.T) {
	f := setup(t)
	bob, _ := f.create(t, map[string]any{"username": "bob"})
	ctx := t.Context()

	ok, err := f.s.ValidateIndex(ctx, bob)
	if err != nil || !ok {
		t.Errorf("stored record: %v, %v (%v)", ok, err, bob.Errors())
	}
	other := f.account.New(map[string]any{"username": "bob"})
	ok, err = f.s.ValidateIndex(ctx, other)
	if err != nil || ok {
		t.Fatalf("duplicate: %v, %v", ok, err)
	}
	if want := (avro.Errors{"username": {taken}}); !reflect.DeepEqual(other.Errors(), want) {
		t.Errorf("errors = %v", other.Errors())
	}
	empty := f.account.New(map[string]any{"username": ""})
	ok, err = f.s.ValidateIndex(ctx, empty)
	if err != nil || ok {
		t.Fatalf("empty: %v, %v", ok, err)
	}
	if want := (avro.Errors{"username": {"expected non-empty value"}}); !reflect.DeepEqual(empty.Errors(), want) {
		t.Errorf("errors = %v", empty.Errors())
	}
	fresh := f.account.New(map[string]any{"username": "carol"})
	if ok, err := f.s.ValidateIndex(ctx, fresh); err != nil || !ok {
		t.Errorf("fresh: %v, %v", ok, err)
	}
}

func TestInclude(t *testing.T) {
	f := setup(t)
	item, err := f.cat.Type("Item", model.F("title", "String"))
	if err != nil {
		t.Fatal(err)
	}
	list, err := f.cat.Type("List",
		model.F("name", "String"),
		model.F("first", model.Ref(item)),
		model.F("items", model.ArrayOf(model.Ref(item))))
	if err != nil {
		t.Fatal(err)
	}
	ctx := t.Context()
	a := item.New(map[string]any{"title": "A"})
	b := item.New(map[string]any{"title": "B"})
	if _, err := f.s.Load(ctx, a, b); err != nil {
		t.Fatal(err)
	}
	l := list.New(map[string]any{
		"name":  "todo",
		"first": a.ID(),
		"items": []any{a.ID(), b.ID(), "missing"},
	})
	key, err := f.s.Create(ctx, l)
	if err != nil {
		t.Fatal(err)
	}
	got, err := f.s.Get(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if got.Get("first") != a.ID() {
		t.Fatalf("first = %#v", got.Get("first"))
	}
	if err := f.s.Include(ctx, got, "first", "items"); err != nil {
		t.Fatal(err)
	}
	first, ok := got.Get("first").(*avro.Record)
	if !ok || first.Get("title") != "A" {
		t.Fatalf("first = %#v", got.Get("first"))
	}
	items := got.Get("items").([]any)
	if len(items) != 3 {
		t.Fatalf("items = %#v", items)
	}
	if r, ok := items[1].(*avro.Record); !ok || r.Get("title") != "B" {
		t.Errorf("items[1] = %#v", items[1])
	}
	if items[2] != "missing" {
		t.Errorf("items[2] = %#v", items[2])
	}
	exported, err := got.ExportJSON()
	if err != nil {
		t.Fatal(err)
	}
	if want := map[string]any{"title": "A"}; !reflect.DeepEqual(exported["first"], want) {
		t.Errorf("exported first = %#v", exported["first"])
	}
	if err := f.s.Save(ctx, got); err != nil {
		t.Fatalf("saving included record: %v", err)
	}
	raw, err := f.store.Get(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(raw), `"first":{"string":"`+a.ID()+`"}`) {
		t.Errorf("stored = %s", raw)
	}
	if err := f.s.Include(ctx, got, "name"); !errors.IsKind(err, errors.KindInvalidField) {
		t.Errorf("non reference: %v", err)
	}

	// A null array of references stays null.
	sparse := list.New(map[string]any{"name": "sparse", "first": b.ID()})
	sparseKey, err := f.s.Create(ctx, sparse)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.s.Include(ctx, sparse, "first", "items"); err != nil {
		t.Fatal(err)
	}
	if v := sparse.Get("items"); v != nil {
		t.Fatalf("items = %#v, want nil", v)
	}
	if err := f.s.Save(ctx, sparse); err != nil {
		t.Fatal(err)
	}
	raw, err = f.store.Get(ctx, sparseKey)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(raw), `"items":null`) {
		t.Errorf("stored = %s", raw)
	}
}

func TestHooks(t *testing.T) {
	f := setup(t)
	user, err := f.cat.Type("User",
		model.F("username", "String"),
		model.F("hash", model.Field{Type: "String", Hidden: true}))
	if err != nil {
		t.Fatal(err)
	}
	user.Validates(func(v any, _ *avro.Record) error {
		if s, ok := v.(string); ok && len(s) < 6 {
			return stderrors.New("too short")
		}
		return nil
	}, "password")

	var mu sync.Mutex
	var events []string
	record := func(e model.Event) model.Hook {
		return func(_ context.Context, _ *avro.Record, creating bool) error {
			mu.Lock()
			defer mu.Unlock()
			name := e.String()
			if creating {
				name += "*"
			}
			events = append(events, name)
			return nil
		}
	}
	for _, e := range []model.Event{model.BeforeValidation, model.AfterSave, model.AfterLoad, model.BeforeRemove} {
		user.On(e, record(e))
	}
	user.BeforeSave(func(_ context.Context, rec *avro.Record, creating bool) error {
		pw, _ := rec.Get("password").(string)
		if pw == "" {
			return nil
		}
		h, err := bcrypt.GenerateFromPassword([]byte(pw), bcrypt.MinCost)
		if err != nil {
			return err
		}
		if err := rec.Set("hash", string(h)); err != nil {
			return err
		}
		return rec.Set("password", nil)
	})
	ctx := t.Context()

	short := user.New(map[string]any{"username": "bob", "password": "abc"})
	if _, err := f.s.Create(ctx, short); !errors.IsKind(err, errors.KindInvalidField) || errors.Message(err) != "too short" {
		t.Fatalf("short password: %v", err)
	}

	rec := user.New(map[string]any{"username": "bob", "password": "hunter22"})
	key, err := f.s.Create(ctx, rec)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Get("password") != nil {
		t.Errorf("password kept: %#v", rec.Get("password"))
	}
	got, err := f.s.Get(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	hash, _ := got.Get("hash").(string)
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte("hunter22")); err != nil {
		t.Errorf("hash mismatch: %v", err)
	}
	exported, _ := got.ExportJSON()
	if want := map[string]any{"username": "bob"}; !reflect.DeepEqual(exported, want) {
		t.Errorf("export = %#v", exported)
	}
	if err := f.s.Save(ctx, got); err != nil {
		t.Fatal(err)
	}
	if err := f.s.Remove(ctx, got); err != nil {
		t.Fatal(err)
	}
	want := []string{
		"beforeValidation*",
		"beforeValidation*", "afterSave*",
		"afterLoad",
		"beforeValidation", "afterSave",
		"beforeRemove",
	}
	if !reflect.DeepEqual(events, want) {
		t.Errorf("events = %v", events)
	}

	failing := user.New(map[string]any{"username": "carol"})
	user.BeforeSave(func(context.Context, *avro.Record, bool) error { return stderrors.New("refused") })
	if _, err := f.s.Create(ctx, failing); err == nil || !strings.Contains(err.Error(), "refused") {
		t.Errorf("hook error: %v", err)
	}
	if failing.ID() != "" {
		t.Errorf("id = %q", failing.ID())
	}
}

func TestOpenStore(t *testing.T) {
	for _, backend := range Backends {
		t.Run(backend, func(t *testing.T) {
			dir := t.TempDir()
			s, err := OpenStore(backend, dir, nil)
			if err != nil {
				t.Fatal(err)
			}
			if err := s.Set(t.Context(), "k", []byte("v")); err != nil {
				t.Fatal(err)
			}
			if err := s.Close(); err != nil {
				t.Fatal(err)
			}
			if backend == BackendMemory {
				return
			}
			s, err = OpenStore(backend, dir, nil)
			if err != nil {
				t.Fatal(err)
			}
			defer func() { _ = s.Close() }()
			v, err := s.Get(t.Context(), "k")
			if err != nil || string(v) != "v" {
				t.Errorf("reopened = %q, %v", v, err)
			}
		})
	}
	if _, err := OpenStore("nope", t.TempDir(), nil); err == nil {
		t.Error("unknown backend should fail")
	}
	if _, err := OpenStore(BackendBolt, "", nil); err == nil {
		t.Error("missing dir should fail")
	}
}
