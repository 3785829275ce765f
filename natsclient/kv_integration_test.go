//go:build integration

package natsclient

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/entitystream/errors"
)

func TestDeleteRevisionKeepsNewerWrites(t *testing.T) {
	ctx := context.Background()
	tc := NewTestClient(t, WithJetStream())

	bucket, err := tc.CreateKVBucket(ctx, "delete_revision_test")
	require.NoError(t, err)
	kv := tc.Client.NewKVStore(bucket)

	_, err = kv.Put(ctx, "record", []byte("v1"))
	require.NoError(t, err)
	stale, err := kv.Get(ctx, "record")
	require.NoError(t, err)

	_, err = kv.Put(ctx, "record", []byte("v2"))
	require.NoError(t, err)

	// A delete pinned to the old revision loses to the newer write.
	err = kv.DeleteRevision(ctx, "record", stale.Revision)
	assert.ErrorIs(t, err, errors.ErrRevisionConflict)

	current, err := kv.Get(ctx, "record")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), current.Value)

	require.NoError(t, kv.DeleteRevision(ctx, "record", current.Revision))
	_, err = kv.Get(ctx, "record")
	assert.ErrorIs(t, err, errors.ErrEntityNotFound)
}
