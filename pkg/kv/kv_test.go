package kv

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(t.TempDir(), Options{RetryLimit: 3})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSetGetClear(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	err := store.Update(ctx, func(tx *Tx) error {
		return tx.Set([]byte("a"), []byte("1"))
	})
	require.NoError(t, err)

	err = store.View(ctx, func(tx *Tx) error {
		v, err := tx.Get([]byte("a"))
		require.NoError(t, err)
		assert.Equal(t, []byte("1"), v)

		missing, err := tx.Get([]byte("zzz"))
		require.NoError(t, err)
		assert.Nil(t, missing)
		return nil
	})
	require.NoError(t, err)

	err = store.Update(ctx, func(tx *Tx) error {
		return tx.Clear([]byte("a"))
	})
	require.NoError(t, err)

	err = store.View(ctx, func(tx *Tx) error {
		v, err := tx.Get([]byte("a"))
		require.NoError(t, err)
		assert.Nil(t, v)
		return nil
	})
	require.NoError(t, err)
}

func TestRangeOrderLimitReverse(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	err := store.Update(ctx, func(tx *Tx) error {
		for i := 0; i < 10; i++ {
			key := []byte(fmt.Sprintf("k%02d", i))
			if err := tx.Set(key, []byte{byte(i)}); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	err = store.View(ctx, func(tx *Tx) error {
		kvs, err := tx.Range([]byte("k02"), []byte("k07"), RangeOptions{})
		require.NoError(t, err)
		require.Len(t, kvs, 5)
		assert.Equal(t, []byte("k02"), kvs[0].Key)
		assert.Equal(t, []byte("k06"), kvs[4].Key)

		limited, err := tx.Range([]byte("k00"), []byte("k99"), RangeOptions{Limit: 3})
		require.NoError(t, err)
		require.Len(t, limited, 3)
		assert.Equal(t, []byte("k00"), limited[0].Key)

		reversed, err := tx.Range([]byte("k00"), []byte("k99"), RangeOptions{Limit: 2, Reverse: true})
		require.NoError(t, err)
		require.Len(t, reversed, 2)
		assert.Equal(t, []byte("k09"), reversed[0].Key)
		assert.Equal(t, []byte("k08"), reversed[1].Key)
		return nil
	})
	require.NoError(t, err)
}

func TestClearRange(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	err := store.Update(ctx, func(tx *Tx) error {
		for _, k := range []string{"p/a", "p/b", "p/c", "q/a"} {
			if err := tx.Set([]byte(k), []byte("v")); err != nil {
				return err
			}
		}
		return tx.ClearRange([]byte("p/"), []byte("p0"))
	})
	require.NoError(t, err)

	err = store.View(ctx, func(tx *Tx) error {
		kvs, err := tx.Range([]byte("p"), []byte("r"), RangeOptions{})
		require.NoError(t, err)
		require.Len(t, kvs, 1)
		assert.Equal(t, []byte("q/a"), kvs[0].Key)
		return nil
	})
	require.NoError(t, err)
}

func TestMutateAdd(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	key := []byte("counter")
	for i := 0; i < 3; i++ {
		err := store.Update(ctx, func(tx *Tx) error {
			return tx.AddInt64(key, 5)
		})
		require.NoError(t, err)
	}
	err := store.Update(ctx, func(tx *Tx) error {
		return tx.AddInt64(key, -3)
	})
	require.NoError(t, err)

	err = store.View(ctx, func(tx *Tx) error {
		n, err := tx.GetInt64(key)
		require.NoError(t, err)
		assert.Equal(t, int64(12), n)
		return nil
	})
	require.NoError(t, err)
}

func TestMutateByteMinMaxCompareAndClear(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	err := store.Update(ctx, func(tx *Tx) error {
		require.NoError(t, tx.Mutate(MutationByteMax, []byte("m"), []byte("b")))
		require.NoError(t, tx.Mutate(MutationByteMax, []byte("m"), []byte("a")))
		v, err := tx.Get([]byte("m"))
		require.NoError(t, err)
		assert.Equal(t, []byte("b"), v)

		require.NoError(t, tx.Mutate(MutationByteMin, []byte("m"), []byte("a")))
		v, err = tx.Get([]byte("m"))
		require.NoError(t, err)
		assert.Equal(t, []byte("a"), v)

		// Mismatched compare leaves the value.
		require.NoError(t, tx.Mutate(MutationCompareAndClear, []byte("m"), []byte("x")))
		v, err = tx.Get([]byte("m"))
		require.NoError(t, err)
		assert.Equal(t, []byte("a"), v)

		require.NoError(t, tx.Mutate(MutationCompareAndClear, []byte("m"), []byte("a")))
		v, err = tx.Get([]byte("m"))
		require.NoError(t, err)
		assert.Nil(t, v)
		return nil
	})
	require.NoError(t, err)
}

func TestVersionstampMonotonic(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	var first, second, third [10]byte
	err := store.Update(ctx, func(tx *Tx) error {
		var err error
		first, err = tx.Versionstamp()
		require.NoError(t, err)
		second, err = tx.Versionstamp()
		require.NoError(t, err)
		return nil
	})
	require.NoError(t, err)

	err = store.Update(ctx, func(tx *Tx) error {
		var err error
		third, err = tx.Versionstamp()
		return err
	})
	require.NoError(t, err)

	// Same commit shares a prefix; the counter orders within it.
	assert.Equal(t, first[:8], second[:8])
	assert.Less(t, string(first[:]), string(second[:]))
	// Later commits order after earlier ones.
	assert.Less(t, string(second[:]), string(third[:]))
}

func TestRetryableErrorRetries(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	attempts := 0
	err := store.Update(ctx, func(tx *Tx) error {
		attempts++
		if attempts < 3 {
			return fmt.Errorf("simulated conflict: %w", ErrRetryable)
		}
		return tx.Set([]byte("r"), []byte("ok"))
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestNonRetryableErrorPropagates(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	boom := errors.New("boom")
	attempts := 0
	err := store.Update(ctx, func(tx *Tx) error {
		attempts++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, attempts)
}
