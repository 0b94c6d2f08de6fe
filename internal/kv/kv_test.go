package kv_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/weaver/Toji/internal/kv"
	"github.com/weaver/Toji/internal/kv/kvtest"
)

func TestBadger(t *testing.T) {
	kvtest.Run(t, func(t *testing.T) kv.Store {
		s, err := kv.OpenBadger("", nil)
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestBadgerDir(t *testing.T) {
	dir := t.TempDir()
	s, err := kv.OpenBadger(dir, nil)
	require.NoError(t, err)
	require.NoError(t, s.Set(t.Context(), "k", []byte("v")))
	require.NoError(t, s.Close())

	s, err = kv.OpenBadger(dir, nil)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	v, err := s.Get(t.Context(), "k")
	require.NoError(t, err)
	require.Equal(t, []byte("v"), v)
}

func TestBolt(t *testing.T) {
	kvtest.Run(t, func(t *testing.T) kv.Store {
		s, err := kv.OpenBolt(filepath.Join(t.TempDir(), "toji.db"))
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestTakeWhile(t *testing.T) {
	seq := func(yield func(kv.Pair, error) bool) {
		for _, k := range []string{"a/1", "a/2", "b/1", "a/3"} {
			if !yield(kv.Pair{Key: k}, nil) {
				return
			}
		}
	}
	var got []string
	for p, err := range kv.TakeWhile(seq, kv.HasPrefix("a/")) {
		require.NoError(t, err)
		got = append(got, p.Key)
	}
	require.Equal(t, []string{"a/1", "a/2"}, got)
}

func TestConflictError(t *testing.T) {
	err := &kv.ConflictError{Keys: map[string]string{"b": "2", "a": "1"}}
	require.Equal(t, "conflicting keys: a, b", err.Error())
}
