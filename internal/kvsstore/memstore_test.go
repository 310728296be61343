package kvsstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemStorePointInTimeRead(t *testing.T) {
	ctx := context.Background()
	m := NewMemStore()
	require.NoError(t, m.EnsureTable(ctx, "t"))

	require.NoError(t, m.Put(ctx, "t", "k", 10, []byte("v10")))
	require.NoError(t, m.Put(ctx, "t", "k", 20, []byte("v20")))

	v, err := m.Get(ctx, "t", "k", 15)
	require.NoError(t, err)
	assert.Equal(t, []byte("v10"), v.Value)
	assert.Equal(t, int64(10), v.Timestamp)

	v, err = m.Get(ctx, "t", "k", 20)
	require.NoError(t, err)
	assert.Equal(t, []byte("v20"), v.Value)

	v, err = m.Get(ctx, "t", "k", 25)
	require.NoError(t, err)
	assert.Equal(t, []byte("v20"), v.Value)

	_, err = m.Get(ctx, "t", "k", 5)
	assert.ErrorIs(t, err, ErrNotFound, "a read before the first version must miss")
}

func TestMemStoreDeleteIsTombstone(t *testing.T) {
	ctx := context.Background()
	m := NewMemStore()
	require.NoError(t, m.EnsureTable(ctx, "t"))

	require.NoError(t, m.Put(ctx, "t", "k", 10, []byte("v10")))
	require.NoError(t, m.Delete(ctx, "t", "k", 20))

	_, err := m.Get(ctx, "t", "k", 25)
	assert.ErrorIs(t, err, ErrNotFound)

	v, err := m.Get(ctx, "t", "k", 15)
	require.NoError(t, err)
	assert.Equal(t, []byte("v10"), v.Value, "reads before the tombstone must still see the earlier version")
}

func TestMemStoreUnknownTable(t *testing.T) {
	ctx := context.Background()
	m := NewMemStore()

	err := m.Put(ctx, "nope", "k", 1, []byte("v"))
	assert.ErrorIs(t, err, ErrUnknownTable)

	_, err = m.Get(ctx, "nope", "k", 1)
	assert.ErrorIs(t, err, ErrUnknownTable)
}

func TestMemStoreLockHolderRoundTrip(t *testing.T) {
	ctx := context.Background()
	m := NewMemStore()

	holder, err := m.ReadLockHolder(ctx, "t", "k")
	require.NoError(t, err)
	assert.Empty(t, holder)

	require.NoError(t, m.WriteLockHolder(ctx, "t", "k", "g1#g1/100/1"))
	holder, err = m.ReadLockHolder(ctx, "t", "k")
	require.NoError(t, err)
	assert.Equal(t, "g1#g1/100/1", holder)

	require.NoError(t, m.WriteLockHolder(ctx, "t", "k", ""))
	holder, err = m.ReadLockHolder(ctx, "t", "k")
	require.NoError(t, err)
	assert.Empty(t, holder, "an empty holder clears the persisted lock")
}

func TestMemStorePutOverwritesSameTimestamp(t *testing.T) {
	ctx := context.Background()
	m := NewMemStore()
	require.NoError(t, m.EnsureTable(ctx, "t"))

	require.NoError(t, m.Put(ctx, "t", "k", 10, []byte("first")))
	require.NoError(t, m.Put(ctx, "t", "k", 10, []byte("second")))

	v, err := m.Get(ctx, "t", "k", 10)
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), v.Value)
}
