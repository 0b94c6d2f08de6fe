// Package kv defines the ordered key/value store contract that records and
// index entries are written to, plus badger and bbolt backed stores.
package kv

import (
	"context"
	"fmt"
	"iter"
	"maps"
	"slices"
	"strings"

	"github.com/weaver/Toji/internal/errors"
)

var (
	// ErrDuplicateRecord is returned when adding a key that exists.
	ErrDuplicateRecord = errors.New(errors.KindDuplicateRecord, "duplicate record")
	// ErrNoRecord is returned when reading, replacing or removing a key that
	// does not exist.
	ErrNoRecord = errors.New(errors.KindNoRecord, "no record")
	// ErrEmptyKey is returned for operations on the empty key.
	ErrEmptyKey = errors.New(errors.KindInternal, "empty key")
)

// Store is an ordered string-keyed byte store. Implementations must be safe
// for concurrent use.
type Store interface {
	// Get returns the value stored under key or ErrNoRecord.
	Get(ctx context.Context, key string) ([]byte, error)
	// Set stores value under key unconditionally.
	Set(ctx context.Context, key string, value []byte) error
	// Add stores value under a key that must not exist.
	Add(ctx context.Context, key string, value []byte) error
	// Replace stores value under a key that must exist.
	Replace(ctx context.Context, key string, value []byte) error
	// Remove deletes a key that must exist.
	Remove(ctx context.Context, key string) error
	// GetBulk returns the values of the keys that exist.
	GetBulk(ctx context.Context, keys []string) (map[string][]byte, error)
	// Generate yields the pairs with keys >= start in key order. Each call
	// starts a new sequence; writes made while iterating may or may not be
	// observed.
	Generate(ctx context.Context, start string) iter.Seq2[Pair, error]
	// Apply performs ops atomically: either every op succeeds or none is
	// applied.
	Apply(ctx context.Context, ops []Op) error
	Close() error
}

// Pair is a key and its value.
type Pair struct {
	Key   string
	Value []byte
}

// OpKind selects the semantics of an Op.
type OpKind int

const (
	// OpSet writes unconditionally.
	OpSet OpKind = iota
	// OpAdd requires the key to be absent.
	OpAdd
	// OpReplace requires the key to exist.
	OpReplace
	// OpRemove requires the key to exist.
	OpRemove
	// OpDelete removes the key if present.
	OpDelete
	// OpClaim writes the key if it is absent or already holds the same value.
	// Failed claims are reported together in a *ConflictError.
	OpClaim
)

func (k OpKind) String() string {
	switch k {
	case OpSet:
		return "set"
	case OpAdd:
		return "add"
	case OpReplace:
		return "replace"
	case OpRemove:
		return "remove"
	case OpDelete:
		return "delete"
	case OpClaim:
		return "claim"
	}
	return fmt.Sprintf("OpKind(%d)", int(k))
}

// Op is a single write in a batch.
type Op struct {
	Kind  OpKind
	Key   string
	Value []byte
}

// ConflictError lists claimed keys held by another value, mapped to the value
// found in the store.
type ConflictError struct {
	Keys map[string]string
}

func (e *ConflictError) Error() string {
	keys := slices.Sorted(maps.Keys(e.Keys))
	return "conflicting keys: " + strings.Join(keys, ", ")
}

// Kind implements errors.Kinded.
func (e *ConflictError) Kind() errors.Kind {
	return errors.KindConflict
}

// Compacter is implemented by stores that can reclaim the space held by
// overwritten and deleted values.
type Compacter interface {
	Compact() error
}

// Txn is the view of a backend transaction used by ApplyOps.
type Txn interface {
	Get(key string) ([]byte, bool, error)
	Put(key string, value []byte) error
	Delete(key string) error
}

// ApplyOps checks every precondition first and only then writes, so a failed
// batch leaves txn untouched.
func ApplyOps(txn Txn, ops []Op) error {
	var conflicts map[string]string
	for _, op := range ops {
		if op.Key == "" {
			return ErrEmptyKey
		}
		if op.Kind == OpSet || op.Kind == OpDelete {
			continue
		}
		cur, found, err := txn.Get(op.Key)
		if err != nil {
			return err
		}
		switch op.Kind {
		case OpAdd:
			if found {
				return fmt.Errorf("%w: %q", ErrDuplicateRecord, op.Key)
			}
		case OpReplace, OpRemove:
			if !found {
				return fmt.Errorf("%w: %q", ErrNoRecord, op.Key)
			}
		case OpClaim:
			if found && string(cur) != string(op.Value) {
				if conflicts == nil {
					conflicts = map[string]string{}
				}
				conflicts[op.Key] = string(cur)
			}
		}
	}
	if conflicts != nil {
		return &ConflictError{Keys: conflicts}
	}
	for _, op := range ops {
		var err error
		switch op.Kind {
		case OpRemove, OpDelete:
			err = txn.Delete(op.Key)
		default:
			err = txn.Put(op.Key, op.Value)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// Single runs one op through Apply.
func Single(ctx context.Context, s Store, kind OpKind, key string, value []byte) error {
	return s.Apply(ctx, []Op{{Kind: kind, Key: key, Value: value}})
}

// TakeWhile stops seq at the first pair rejected by keep.
func TakeWhile(seq iter.Seq2[Pair, error], keep func(Pair) bool) iter.Seq2[Pair, error] {
	return func(yield func(Pair, error) bool) {
		for p, err := range seq {
			if err != nil {
				yield(p, err)
				return
			}
			if !keep(p) || !yield(p, nil) {
				return
			}
		}
	}
}

// HasPrefix matches pairs whose key starts with prefix.
func HasPrefix(prefix string) func(Pair) bool {
	return func(p Pair) bool {
		return strings.HasPrefix(p.Key, prefix)
	}
}

// Scan yields the pairs whose key starts with prefix.
func Scan(ctx context.Context, s Store, prefix string) iter.Seq2[Pair, error] {
	return TakeWhile(s.Generate(ctx, prefix), HasPrefix(prefix))
}

// Collect drains seq into a map.
func Collect(seq iter.Seq2[Pair, error]) (map[string][]byte, error) {
	out := map[string][]byte{}
	for p, err := range seq {
		if err != nil {
			return nil, err
		}
		out[p.Key] = p.Value
	}
	return out, nil
}

// pageSize bounds how many pairs a backend reads per transaction while
// generating.
const pageSize = 128

// Paged turns a page reader into a Generate sequence. read returns up to n
// pairs with keys >= start, or > start when exclusive. Each page is read in
// its own transaction.
func Paged(ctx context.Context, start string, read func(start string, exclusive bool, n int) ([]Pair, error)) iter.Seq2[Pair, error] {
	return func(yield func(Pair, error) bool) {
		cursor, exclusive := start, false
		for {
			if err := ctx.Err(); err != nil {
				yield(Pair{}, err)
				return
			}
			page, err := read(cursor, exclusive, pageSize)
			if err != nil {
				yield(Pair{}, err)
				return
			}
			for _, p := range page {
				if !yield(p, nil) {
					return
				}
			}
			if len(page) < pageSize {
				return
			}
			cursor, exclusive = page[len(page)-1].Key, true
		}
	}
}

