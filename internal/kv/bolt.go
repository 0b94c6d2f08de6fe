package kv

import (
	"bytes"
	"context"
	"fmt"
	"iter"
	"slices"
	"time"

	"go.etcd.io/bbolt"
)

var boltBucket = []byte("toji")

// Bolt is a Store backed by a single bbolt bucket.
type Bolt struct {
	db *bbolt.DB
}

// OpenBolt opens or creates the database file at path.
func OpenBolt(path string) (*Bolt, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("could not open %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(boltBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("could not create bucket: %w", err)
	}
	return &Bolt{db: db}, nil
}

func (s *Bolt) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		v, found, _ := boltTxn{tx.Bucket(boltBucket)}.Get(key)
		if !found {
			return fmt.Errorf("%w: %q", ErrNoRecord, key)
		}
		out = v
		return nil
	})
	return out, err
}

func (s *Bolt) Set(ctx context.Context, key string, value []byte) error {
	return Single(ctx, s, OpSet, key, value)
}

func (s *Bolt) Add(ctx context.Context, key string, value []byte) error {
	return Single(ctx, s, OpAdd, key, value)
}

func (s *Bolt) Replace(ctx context.Context, key string, value []byte) error {
	return Single(ctx, s, OpReplace, key, value)
}

func (s *Bolt) Remove(ctx context.Context, key string) error {
	return Single(ctx, s, OpRemove, key, nil)
}

func (s *Bolt) GetBulk(ctx context.Context, keys []string) (map[string][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make(map[string][]byte, len(keys))
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := boltTxn{tx.Bucket(boltBucket)}
		for _, key := range keys {
			if v, found, _ := b.Get(key); found {
				out[key] = v
			}
		}
		return nil
	})
	return out, err
}

func (s *Bolt) Generate(ctx context.Context, start string) iter.Seq2[Pair, error] {
	return Paged(ctx, start, func(from string, exclusive bool, n int) ([]Pair, error) {
		var page []Pair
		err := s.db.View(func(tx *bbolt.Tx) error {
			c := tx.Bucket(boltBucket).Cursor()
			for k, v := c.Seek([]byte(from)); k != nil && len(page) < n; k, v = c.Next() {
				if exclusive && bytes.Equal(k, []byte(from)) {
					continue
				}
				page = append(page, Pair{Key: string(k), Value: slices.Clone(v)})
			}
			return nil
		})
		return page, err
	})
}

func (s *Bolt) Apply(ctx context.Context, ops []Op) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return ApplyOps(boltTxn{tx.Bucket(boltBucket)}, ops)
	})
}

func (s *Bolt) Close() error {
	return s.db.Close()
}

type boltTxn struct {
	b *bbolt.Bucket
}

// Get copies the value since bbolt memory is only valid within the
// transaction.
func (t boltTxn) Get(key string) ([]byte, bool, error) {
	v := t.b.Get([]byte(key))
	if v == nil {
		return nil, false, nil
	}
	return slices.Clone(v), true, nil
}

func (t boltTxn) Put(key string, value []byte) error {
	return t.b.Put([]byte(key), value)
}

func (t boltTxn) Delete(key string) error {
	return t.b.Delete([]byte(key))
}
