// Package jsonldb implements the default kv.Store: an ordered table held in
// memory and journaled to a JSONL file.
//
// The first line of the file is a header. Every following line records one
// write, either {"k":key,"v":value} or {"k":key,"d":true} for a deletion.
// Loading replays the journal; Compact rewrites it with only live rows.
package jsonldb

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/weaver/Toji/internal/kv"
)

const formatVersion = 1

type header struct {
	Format  string `json:"format"`
	Version int    `json:"version"`
}

type entry struct {
	Key     string `json:"k"`
	Value   string `json:"v,omitempty"`
	Deleted bool   `json:"d,omitempty"`
}

type row struct {
	key   string
	value []byte
}

// Table is an ordered key/value table. Values must be valid UTF-8, which
// covers the JSON documents and keys stored by the index manager.
type Table struct {
	path string
	mu   sync.RWMutex
	rows []row
	f    *os.File
}

var (
	_ kv.Store     = (*Table)(nil)
	_ kv.Compacter = (*Table)(nil)
)

// NewTable loads the table at path, creating the file when missing. An empty
// path keeps the table in memory only.
func NewTable(path string) (*Table, error) {
	t := &Table{path: path}
	if path == "" {
		return t, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory for %s: %w", path, err)
	}
	if err := t.load(); err != nil {
		return nil, err
	}
	if err := t.open(); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Table) load() error {
	f, err := os.Open(t.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to open table file %s: %w", t.path, err)
	}
	defer func() {
		_ = f.Close()
	}()

	live := map[string][]byte{}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 64*1024*1024)
	first := true
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if first {
			first = false
			var h header
			if err := json.Unmarshal(line, &h); err != nil {
				return fmt.Errorf("failed to unmarshal header in %s: %w", t.path, err)
			}
			if h.Version != formatVersion {
				return fmt.Errorf("unsupported table version %d in %s", h.Version, t.path)
			}
			continue
		}
		var e entry
		if err := json.Unmarshal(line, &e); err != nil {
			return fmt.Errorf("failed to unmarshal row in %s: %w", t.path, err)
		}
		if e.Deleted {
			delete(live, e.Key)
		} else {
			live[e.Key] = []byte(e.Value)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read table file %s: %w", t.path, err)
	}

	t.rows = make([]row, 0, len(live))
	for k, v := range live {
		t.rows = append(t.rows, row{key: k, value: v})
	}
	slices.SortFunc(t.rows, func(a, b row) int { return strings.Compare(a.key, b.key) })
	return nil
}

// open prepares the append handle, writing the header to a new file.
func (t *Table) open() error {
	f, err := os.OpenFile(t.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open table file for append: %w", err)
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return err
	}
	if st.Size() == 0 {
		if err := writeHeader(f); err != nil {
			_ = f.Close()
			return err
		}
	}
	t.f = f
	return nil
}

func writeHeader(f *os.File) error {
	data, err := json.Marshal(header{Format: "toji-kv", Version: formatVersion})
	if err != nil {
		return fmt.Errorf("failed to marshal header: %w", err)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	return nil
}

// find returns the index of the first row with key >= key.
func (t *Table) find(key string) (int, bool) {
	i := sort.Search(len(t.rows), func(i int) bool { return t.rows[i].key >= key })
	return i, i < len(t.rows) && t.rows[i].key == key
}

// Len returns the number of live rows.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.rows)
}

func (t *Table) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	i, ok := t.find(key)
	if !ok {
		return nil, fmt.Errorf("%w: %q", kv.ErrNoRecord, key)
	}
	return slices.Clone(t.rows[i].value), nil
}

func (t *Table) Set(ctx context.Context, key string, value []byte) error {
	return kv.Single(ctx, t, kv.OpSet, key, value)
}

func (t *Table) Add(ctx context.Context, key string, value []byte) error {
	return kv.Single(ctx, t, kv.OpAdd, key, value)
}

func (t *Table) Replace(ctx context.Context, key string, value []byte) error {
	return kv.Single(ctx, t, kv.OpReplace, key, value)
}

func (t *Table) Remove(ctx context.Context, key string) error {
	return kv.Single(ctx, t, kv.OpRemove, key, nil)
}

func (t *Table) GetBulk(ctx context.Context, keys []string) (map[string][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string][]byte, len(keys))
	for _, k := range keys {
		if i, ok := t.find(k); ok {
			out[k] = slices.Clone(t.rows[i].value)
		}
	}
	return out, nil
}

func (t *Table) Generate(ctx context.Context, start string) iter.Seq2[kv.Pair, error] {
	return kv.Paged(ctx, start, func(from string, exclusive bool, n int) ([]kv.Pair, error) {
		t.mu.RLock()
		defer t.mu.RUnlock()
		i, ok := t.find(from)
		if ok && exclusive {
			i++
		}
		end := min(i+n, len(t.rows))
		page := make([]kv.Pair, 0, end-i)
		for _, r := range t.rows[i:end] {
			page = append(page, kv.Pair{Key: r.key, Value: slices.Clone(r.value)})
		}
		return page, nil
	})
}

// Apply validates ops against the current rows, appends the resulting writes
// to the journal and only then updates memory.
func (t *Table) Apply(ctx context.Context, ops []kv.Op) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, op := range ops {
		if op.Kind != kv.OpRemove && op.Kind != kv.OpDelete && !utf8.Valid(op.Value) {
			return fmt.Errorf("value for %q is not valid UTF-8", op.Key)
		}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	st := &staging{t: t, writes: map[string]*[]byte{}}
	if err := kv.ApplyOps(st, ops); err != nil {
		return err
	}
	keys := slices.Sorted(maps.Keys(st.writes))
	if t.path != "" {
		if t.f == nil {
			return fmt.Errorf("table %s is closed", t.path)
		}
		if err := t.journal(keys, st.writes); err != nil {
			return err
		}
	}
	for _, k := range keys {
		v := st.writes[k]
		i, ok := t.find(k)
		switch {
		case v == nil && ok:
			t.rows = slices.Delete(t.rows, i, i+1)
		case v == nil:
		case ok:
			t.rows[i].value = *v
		default:
			t.rows = slices.Insert(t.rows, i, row{key: k, value: *v})
		}
	}
	return nil
}

func (t *Table) journal(keys []string, writes map[string]*[]byte) error {
	var buf []byte
	for _, k := range keys {
		e := entry{Key: k, Deleted: writes[k] == nil}
		if !e.Deleted {
			e.Value = string(*writes[k])
		}
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("failed to marshal row: %w", err)
		}
		buf = append(append(buf, data...), '\n')
	}
	if _, err := t.f.Write(buf); err != nil {
		return fmt.Errorf("failed to write row: %w", err)
	}
	return nil
}

// Compact rewrites the journal with only the live rows.
func (t *Table) Compact() error {
	if t.path == "" {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	tmp := t.path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create table file: %w", err)
	}
	defer func() {
		_ = f.Close()
		_ = os.Remove(tmp)
	}()
	if err := writeHeader(f); err != nil {
		return err
	}
	writer := bufio.NewWriter(f)
	for _, r := range t.rows {
		data, err := json.Marshal(entry{Key: r.key, Value: string(r.value)})
		if err != nil {
			return fmt.Errorf("failed to marshal row: %w", err)
		}
		if _, err := writer.Write(data); err != nil {
			return fmt.Errorf("failed to write row: %w", err)
		}
		if err := writer.WriteByte('\n'); err != nil {
			return fmt.Errorf("failed to write newline: %w", err)
		}
	}
	if err := writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush writer: %w", err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	if t.f == nil {
		return fmt.Errorf("table %s is closed", t.path)
	}
	err = t.f.Close()
	t.f = nil
	if err == nil {
		if err = os.Rename(tmp, t.path); err != nil {
			err = fmt.Errorf("failed to replace table file: %w", err)
		}
	}
	// The journal is reopened even when the swap failed so later writes
	// still reach the file.
	if oerr := t.open(); oerr != nil {
		return errors.Join(err, oerr)
	}
	return err
}

func (t *Table) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.f == nil {
		return nil
	}
	err := t.f.Close()
	t.f = nil
	return err
}

// staging is the kv.Txn of a batch: reads see earlier writes of the batch.
type staging struct {
	t      *Table
	writes map[string]*[]byte
}

func (s *staging) Get(key string) ([]byte, bool, error) {
	if v, ok := s.writes[key]; ok {
		if v == nil {
			return nil, false, nil
		}
		return *v, true, nil
	}
	i, ok := s.t.find(key)
	if !ok {
		return nil, false, nil
	}
	return s.t.rows[i].value, true, nil
}

func (s *staging) Put(key string, value []byte) error {
	v := slices.Clone(value)
	if v == nil {
		v = []byte{}
	}
	s.writes[key] = &v
	return nil
}

func (s *staging) Delete(key string) error {
	s.writes[key] = nil
	return nil
}
