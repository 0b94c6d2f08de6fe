package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/weaver/Toji/internal/avro"
	"github.com/weaver/Toji/internal/config"
	"github.com/weaver/Toji/internal/idx"
	"github.com/weaver/Toji/internal/kv"
	"github.com/weaver/Toji/internal/model"
	"github.com/weaver/Toji/internal/storage"
)

// maxLine bounds the size of a record read by put.
const maxLine = 16 << 20

type app struct {
	cfg        *config.Config
	log        *slog.Logger
	in         io.Reader
	out        io.Writer
	jsonSchema bool

	st      *storage.Storage
	metrics *prometheus.Registry
}

func (a *app) run(ctx context.Context, args []string) error {
	cmd, args := args[0], args[1:]
	switch cmd {
	case "schema":
		return a.schema(args)
	case "watch":
		return a.watch(ctx, args)
	case "put", "get", "rm", "dump", "compact":
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
	if err := a.open(); err != nil {
		return err
	}
	switch cmd {
	case "put":
		if len(args) != 1 {
			return errors.New("put takes exactly one type name")
		}
		return a.put(ctx, args[0])
	case "get":
		return a.get(ctx, args)
	case "rm":
		for _, key := range args {
			if err := a.st.RemoveKey(ctx, key); err != nil {
				return err
			}
			a.log.InfoContext(ctx, "removed", "key", key)
		}
		return nil
	case "compact":
		if err := a.st.Compact(); err != nil {
			return err
		}
		a.log.InfoContext(ctx, "store compacted", "backend", a.cfg.Backend)
		return nil
	default:
		prefix := ""
		if len(args) > 0 {
			prefix = args[0]
		}
		return a.dump(ctx, prefix)
	}
}

// open compiles the configured schemas and opens the store.
func (a *app) open() error {
	if a.st != nil {
		return nil
	}
	keys, err := model.NewKeyGen(a.cfg.KeyStrategy)
	if err != nil {
		return err
	}
	cat := model.NewCatalog()
	cat.SetKeyGen(keys)
	for _, path := range a.cfg.Schemas {
		if _, err := cat.LoadFile(path); err != nil {
			return err
		}
	}
	store, err := storage.OpenStore(a.cfg.Backend, a.cfg.DataDir, a.log)
	if err != nil {
		return err
	}
	opts := []storage.Option{
		storage.WithLogger(a.log),
		storage.WithCreateAttempts(a.cfg.CreateAttempts),
	}
	if a.cfg.Metrics {
		a.metrics = prometheus.NewRegistry()
		opts = append(opts, storage.WithMetrics(idx.NewMetrics(a.metrics)))
	}
	a.st = storage.New(store, cat, opts...)
	a.log.Debug("store opened", "backend", a.cfg.Backend, "dir", a.cfg.DataDir, "models", len(cat.Models()))
	return nil
}

// close reports the index counters and closes the store.
func (a *app) close(ctx context.Context) error {
	if a.st == nil {
		return nil
	}
	if a.metrics != nil {
		families, err := a.metrics.Gather()
		if err != nil {
			a.log.WarnContext(ctx, "failed to gather metrics", "err", err)
		}
		for _, mf := range families {
			for _, m := range mf.GetMetric() {
				a.log.InfoContext(ctx, "metric", "name", mf.GetName(), "value", m.GetCounter().GetValue())
			}
		}
	}
	return a.st.Close()
}

func compile(paths []string) ([]*model.Model, error) {
	if len(paths) == 0 {
		return nil, errors.New("no schema file given")
	}
	cat := model.NewCatalog()
	var out []*model.Model
	for _, path := range paths {
		models, err := cat.LoadFile(path)
		if err != nil {
			return nil, err
		}
		out = append(out, models...)
	}
	return out, nil
}

func (a *app) schema(paths []string) error {
	models, err := compile(paths)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	for _, m := range models {
		var v any = m.Schema()
		if a.jsonSchema {
			v = avro.JSONSchema(m.Type())
		}
		if err := enc.Encode(v); err != nil {
			return err
		}
	}
	return nil
}

// put creates one record per line of input. An "id" member sets the record
// id when the type has no field of that name.
func (a *app) put(ctx context.Context, name string) error {
	m := a.st.Catalog().Model(name)
	if m == nil {
		return fmt.Errorf("no type called %q", name)
	}
	sc := bufio.NewScanner(a.in)
	sc.Buffer(make([]byte, 64*1024), maxLine)
	for n := 1; sc.Scan(); n++ {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		v, err := avro.ParseJSON(line)
		if err != nil {
			return fmt.Errorf("line %d: %w", n, err)
		}
		obj, ok := v.(map[string]any)
		if !ok {
			return fmt.Errorf("line %d: expected a JSON object", n)
		}
		rec := m.New(obj)
		if id, ok := obj["id"].(string); ok && m.Field("id") == nil {
			rec.SetID(id)
		}
		key, err := a.st.Create(ctx, rec)
		if err != nil {
			return fmt.Errorf("line %d: %w", n, err)
		}
		if _, err := fmt.Fprintln(a.out, key); err != nil {
			return err
		}
	}
	return sc.Err()
}

func (a *app) get(ctx context.Context, keys []string) error {
	enc := json.NewEncoder(a.out)
	for _, key := range keys {
		rec, err := a.st.Get(ctx, key)
		if err != nil {
			return err
		}
		v, err := rec.ExportJSON()
		if err != nil {
			return err
		}
		if _, ok := v["id"]; !ok {
			v["id"] = rec.ID()
		}
		if err := enc.Encode(v); err != nil {
			return err
		}
	}
	return nil
}

func (a *app) dump(ctx context.Context, prefix string) error {
	for p, err := range kv.Scan(ctx, a.st.Store(), prefix) {
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(a.out, "%s\t%s\n", p.Key, p.Value); err != nil {
			return err
		}
	}
	return nil
}

// watch recompiles the schema files into a fresh catalog on every write
// until ctx is canceled.
func (a *app) watch(ctx context.Context, paths []string) error {
	report := func() {
		models, err := compile(paths)
		if err != nil {
			a.log.ErrorContext(ctx, "schemas failed to compile", "err", err)
			return
		}
		a.log.InfoContext(ctx, "schemas compiled", "models", len(models))
	}
	report()
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = w.Close() }()
	// Editors replace files on save, so the directories are watched.
	watched := map[string]bool{}
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return err
		}
		watched[abs] = true
		if err := w.Add(filepath.Dir(abs)); err != nil {
			return err
		}
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-w.Events:
			if !ok {
				return nil
			}
			if watched[event.Name] && (event.Has(fsnotify.Write) || event.Has(fsnotify.Create)) {
				a.log.DebugContext(ctx, "schema changed", "path", event.Name)
				report()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			a.log.WarnContext(ctx, "error watching schemas", "err", err)
		}
	}
}
