package kv

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"

	"github.com/dgraph-io/badger/v3"
)

// Badger is a Store backed by a badger database.
type Badger struct {
	db *badger.DB
}

// badgerConflictRetries bounds retries of a batch that lost an optimistic
// transaction race.
const badgerConflictRetries = 3

// OpenBadger opens a badger database in dir, or an in-memory one when dir is
// empty.
func OpenBadger(dir string, log *slog.Logger) (*Badger, error) {
	if log == nil {
		log = slog.Default()
	}
	var opts badger.Options
	if dir == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(dir)
	}
	opts = opts.WithLogger(badgerLogger{log.With("store", "badger")}).WithLoggingLevel(badger.WARNING)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}
	return &Badger{db: db}, nil
}

// Compact rewrites value log files until badger finds nothing worth
// rewriting.
func (s *Badger) Compact() error {
	for {
		err := s.db.RunValueLogGC(0.5)
		switch {
		case errors.Is(err, badger.ErrNoRewrite), errors.Is(err, badger.ErrGCInMemoryMode):
			return nil
		case err != nil:
			return fmt.Errorf("failed to collect value log: %w", err)
		}
	}
}

func (s *Badger) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []byte
	err := s.db.View(func(txn *badger.Txn) error {
		v, found, err := badgerTxn{txn}.Get(key)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("%w: %q", ErrNoRecord, key)
		}
		out = v
		return nil
	})
	return out, err
}

func (s *Badger) Set(ctx context.Context, key string, value []byte) error {
	return Single(ctx, s, OpSet, key, value)
}

func (s *Badger) Add(ctx context.Context, key string, value []byte) error {
	return Single(ctx, s, OpAdd, key, value)
}

func (s *Badger) Replace(ctx context.Context, key string, value []byte) error {
	return Single(ctx, s, OpReplace, key, value)
}

func (s *Badger) Remove(ctx context.Context, key string) error {
	return Single(ctx, s, OpRemove, key, nil)
}

func (s *Badger) GetBulk(ctx context.Context, keys []string) (map[string][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make(map[string][]byte, len(keys))
	err := s.db.View(func(txn *badger.Txn) error {
		for _, key := range keys {
			v, found, err := badgerTxn{txn}.Get(key)
			if err != nil {
				return err
			}
			if found {
				out[key] = v
			}
		}
		return nil
	})
	return out, err
}

func (s *Badger) Generate(ctx context.Context, start string) iter.Seq2[Pair, error] {
	return Paged(ctx, start, func(from string, exclusive bool, n int) ([]Pair, error) {
		var page []Pair
		err := s.db.View(func(txn *badger.Txn) error {
			it := txn.NewIterator(badger.DefaultIteratorOptions)
			defer it.Close()
			for it.Seek([]byte(from)); it.Valid() && len(page) < n; it.Next() {
				item := it.Item()
				k := string(item.KeyCopy(nil))
				if exclusive && k == from {
					continue
				}
				v, err := item.ValueCopy(nil)
				if err != nil {
					return err
				}
				page = append(page, Pair{Key: k, Value: v})
			}
			return nil
		})
		return page, err
	})
}

func (s *Badger) Apply(ctx context.Context, ops []Op) error {
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := s.db.Update(func(txn *badger.Txn) error {
			return ApplyOps(badgerTxn{txn}, ops)
		})
		if errors.Is(err, badger.ErrConflict) && attempt < badgerConflictRetries {
			continue
		}
		return err
	}
}

func (s *Badger) Close() error {
	return s.db.Close()
}

type badgerTxn struct {
	txn *badger.Txn
}

func (t badgerTxn) Get(key string) ([]byte, bool, error) {
	item, err := t.txn.Get([]byte(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	v, err := item.ValueCopy(nil)
	return v, err == nil, err
}

func (t badgerTxn) Put(key string, value []byte) error {
	return t.txn.Set([]byte(key), value)
}

func (t badgerTxn) Delete(key string) error {
	return t.txn.Delete([]byte(key))
}

// badgerLogger routes badger's printf style logging to slog.
type badgerLogger struct {
	log *slog.Logger
}

func (l badgerLogger) Errorf(format string, args ...any) {
	l.log.Error(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l badgerLogger) Warningf(format string, args ...any) {
	l.log.Warn(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l badgerLogger) Infof(format string, args ...any) {
	l.log.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l badgerLogger) Debugf(format string, args ...any) {
	l.log.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}
