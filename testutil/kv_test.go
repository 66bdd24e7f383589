package testutil

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Energinet-DataHub/opengeh-edi-sub024/errors"
)

func TestMemoryKV_RevisionSemantics(t *testing.T) {
	kv := NewMemoryKV()
	ctx := context.Background()

	rev, err := kv.Create(ctx, "k", []byte("v1"))
	require.NoError(t, err)

	_, err = kv.Create(ctx, "k", []byte("v2"))
	assert.ErrorIs(t, err, errors.ErrKeyExists)

	entry, err := kv.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), entry.Value)
	assert.Equal(t, rev, entry.Revision)

	rev2, err := kv.Update(ctx, "k", []byte("v2"), rev)
	require.NoError(t, err)
	assert.Greater(t, rev2, rev)

	_, err = kv.Update(ctx, "k", []byte("v3"), rev)
	assert.ErrorIs(t, err, errors.ErrRevisionMismatch)

	_, err = kv.Get(ctx, "missing")
	assert.ErrorIs(t, err, errors.ErrKeyNotFound)
}

func TestMemoryKV_KeysFilter(t *testing.T) {
	kv := NewMemoryKV()
	ctx := context.Background()

	for _, k := range []string{"job.c1.e1.a1", "job.c1.e1.a2", "job.c2.e1.a1", "idx.a1"} {
		_, err := kv.Put(ctx, k, []byte("{}"))
		require.NoError(t, err)
	}

	keys, err := kv.Keys(ctx, "job.c1.e1.>")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"job.c1.e1.a1", "job.c1.e1.a2"}, keys)

	all, err := kv.Keys(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestMemoryKV_FailureInjection(t *testing.T) {
	kv := NewMemoryKV()
	ctx := context.Background()

	kv.FailNext = 1
	_, err := kv.Put(ctx, "k", []byte("v"))
	assert.Error(t, err)

	_, err = kv.Put(ctx, "k", []byte("v"))
	assert.NoError(t, err)
}
