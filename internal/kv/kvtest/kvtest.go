// Package kvtest holds the conformance suite every kv.Store must pass.
package kvtest

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weaver/Toji/internal/kv"
)

// Run exercises open's store. open is called once per subtest and must return
// an empty store.
func Run(t *testing.T, open func(t *testing.T) kv.Store) {
	ctx := context.Background()

	t.Run("GetSetRemove", func(t *testing.T) {
		s := open(t)
		_, err := s.Get(ctx, "a")
		require.ErrorIs(t, err, kv.ErrNoRecord)

		require.NoError(t, s.Set(ctx, "a", []byte("1")))
		v, err := s.Get(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, []byte("1"), v)

		require.NoError(t, s.Set(ctx, "a", []byte("2")))
		v, err = s.Get(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, []byte("2"), v)

		require.NoError(t, s.Remove(ctx, "a"))
		require.ErrorIs(t, s.Remove(ctx, "a"), kv.ErrNoRecord)
		_, err = s.Get(ctx, "a")
		require.ErrorIs(t, err, kv.ErrNoRecord)
	})

	t.Run("AddReplace", func(t *testing.T) {
		s := open(t)
		require.ErrorIs(t, s.Replace(ctx, "k", []byte("x")), kv.ErrNoRecord)
		require.NoError(t, s.Add(ctx, "k", []byte("x")))
		require.ErrorIs(t, s.Add(ctx, "k", []byte("y")), kv.ErrDuplicateRecord)
		require.NoError(t, s.Replace(ctx, "k", []byte("z")))
		v, err := s.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, []byte("z"), v)
		require.ErrorIs(t, s.Set(ctx, "", []byte("x")), kv.ErrEmptyKey)
	})

	t.Run("GetBulk", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.Set(ctx, "a", []byte("1")))
		require.NoError(t, s.Set(ctx, "c", []byte("3")))
		got, err := s.GetBulk(ctx, []string{"a", "b", "c"})
		require.NoError(t, err)
		assert.Equal(t, map[string][]byte{"a": []byte("1"), "c": []byte("3")}, got)
	})

	t.Run("Generate", func(t *testing.T) {
		s := open(t)
		// Enough keys to span several pages.
		var want []string
		for i := range 300 {
			k := fmt.Sprintf("T/%04d", i)
			want = append(want, k)
			require.NoError(t, s.Set(ctx, k, []byte(k)))
		}
		require.NoError(t, s.Set(ctx, "A", []byte("before")))
		require.NoError(t, s.Set(ctx, "U", []byte("after")))

		var got []string
		for p, err := range kv.Scan(ctx, s, "T/") {
			require.NoError(t, err)
			assert.Equal(t, p.Key, string(p.Value))
			got = append(got, p.Key)
		}
		assert.Equal(t, want, got)

		var first []string
		for p, err := range s.Generate(ctx, "T/0298") {
			require.NoError(t, err)
			first = append(first, p.Key)
		}
		assert.Equal(t, []string{"T/0298", "T/0299", "U"}, first)

		n := 0
		for _, err := range s.Generate(ctx, "") {
			require.NoError(t, err)
			n++
			if n == 5 {
				break
			}
		}
		assert.Equal(t, 5, n)

		all, err := kv.Collect(kv.Scan(ctx, s, "T/01"))
		require.NoError(t, err)
		assert.Len(t, all, 100)
	})

	t.Run("Apply", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.Set(ctx, "%T.f{a}", []byte("T/1")))
		require.NoError(t, s.Set(ctx, "T/1", []byte("{}")))

		err := s.Apply(ctx, []kv.Op{
			{Kind: kv.OpAdd, Key: "T/2", Value: []byte("{}")},
			{Kind: kv.OpClaim, Key: "%T.f{a}", Value: []byte("T/2")},
			{Kind: kv.OpClaim, Key: "%T.f{b}", Value: []byte("T/2")},
		})
		var conflict *kv.ConflictError
		require.True(t, errors.As(err, &conflict), "got %v", err)
		assert.Equal(t, map[string]string{"%T.f{a}": "T/1"}, conflict.Keys)
		_, err = s.Get(ctx, "T/2")
		require.ErrorIs(t, err, kv.ErrNoRecord, "a failed batch must not write")
		_, err = s.Get(ctx, "%T.f{b}")
		require.ErrorIs(t, err, kv.ErrNoRecord, "a failed batch must not write")

		err = s.Apply(ctx, []kv.Op{
			{Kind: kv.OpAdd, Key: "T/1", Value: []byte("{}")},
			{Kind: kv.OpSet, Key: "x", Value: []byte("x")},
		})
		require.ErrorIs(t, err, kv.ErrDuplicateRecord)
		_, err = s.Get(ctx, "x")
		require.ErrorIs(t, err, kv.ErrNoRecord)

		require.NoError(t, s.Apply(ctx, []kv.Op{
			{Kind: kv.OpReplace, Key: "T/1", Value: []byte(`{"f":"b"}`)},
			{Kind: kv.OpClaim, Key: "%T.f{b}", Value: []byte("T/1")},
			{Kind: kv.OpClaim, Key: "#T.g{1}T/1", Value: []byte("T/1")},
			{Kind: kv.OpDelete, Key: "%T.f{a}"},
			{Kind: kv.OpDelete, Key: "missing"},
		}))
		got, err := kv.Collect(s.Generate(ctx, ""))
		require.NoError(t, err)
		assert.Equal(t, map[string][]byte{
			"#T.g{1}T/1": []byte("T/1"),
			"%T.f{b}":    []byte("T/1"),
			"T/1":        []byte(`{"f":"b"}`),
		}, got)

		// Claiming an entry already held by the same value succeeds.
		require.NoError(t, s.Apply(ctx, []kv.Op{{Kind: kv.OpClaim, Key: "%T.f{b}", Value: []byte("T/1")}}))
		require.ErrorIs(t, s.Apply(ctx, []kv.Op{{Kind: kv.OpRemove, Key: "nope"}}), kv.ErrNoRecord)
	})

	t.Run("Canceled", func(t *testing.T) {
		s := open(t)
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		require.ErrorIs(t, s.Set(cctx, "a", []byte("1")), context.Canceled)
		for _, err := range s.Generate(cctx, "") {
			require.ErrorIs(t, err, context.Canceled)
		}
	})
}
