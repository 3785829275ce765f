//go:build integration

package store

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/entitystream/entity"
	"github.com/c360/entitystream/errors"
	"github.com/c360/entitystream/natsclient"
)

func newKVStore(t *testing.T) *KV {
	t.Helper()
	tc := natsclient.NewTestClient(t, natsclient.WithJetStream())
	s, err := NewKV(context.Background(), tc.Client, slog.Default())
	require.NoError(t, err)
	return s
}

func TestKVUpsertAndGet(t *testing.T) {
	ctx := context.Background()
	s := newKVStore(t)

	delta := clusterDelta(t, "prod-kafka", t0)
	created, err := s.UpsertEntity(ctx, delta)
	require.NoError(t, err)
	assert.Equal(t, t0, created.CreatedAt)

	got, err := s.GetEntity(ctx, delta.GUID)
	require.NoError(t, err)
	assert.Equal(t, created.GUID, got.GUID)
	assert.Equal(t, "prod-kafka", got.Tags["kafka.cluster.name"].Value)

	_, err = s.GetEntity(ctx, entity.GUID("bWlzc2luZw"))
	assert.ErrorIs(t, err, errors.ErrEntityNotFound)
}

func TestKVConcurrentUpsertsMergeAllTags(t *testing.T) {
	ctx := context.Background()
	s := newKVStore(t)

	base := clusterDelta(t, "prod-kafka", t0)

	// Concurrent writers each contribute a distinct tag; CAS retry must keep
	// every one of them.
	var wg sync.WaitGroup
	tagNames := []string{"tag.a", "tag.b", "tag.c", "tag.d", "tag.e"}
	for i, name := range tagNames {
		wg.Add(1)
		go func(i int, name string) {
			defer wg.Done()
			delta := clusterDelta(t, "prod-kafka", t0.Add(time.Duration(i)*time.Second))
			delta.Tags[name] = entity.TagValue{Value: "set"}
			_, err := s.UpsertEntity(ctx, delta)
			assert.NoError(t, err)
		}(i, name)
	}
	wg.Wait()

	got, err := s.GetEntity(ctx, base.GUID)
	require.NoError(t, err)
	for _, name := range tagNames {
		assert.Contains(t, got.Tags, name)
	}
}

func TestKVRelationshipRefresh(t *testing.T) {
	ctx := context.Background()
	s := newKVStore(t)

	ttl := time.Hour
	first, err := s.UpsertRelationship(ctx, relationshipDelta(t, t0, ttl))
	require.NoError(t, err)

	t2 := t0.Add(30 * time.Minute)
	refreshed, err := s.UpsertRelationship(ctx, relationshipDelta(t, t2, ttl))
	require.NoError(t, err)

	assert.Equal(t, first.CreatedAt, refreshed.CreatedAt)
	assert.Equal(t, t2.Add(ttl), refreshed.ExpiresAt)

	// The refresh pushed expiry out; a sweep at the original deadline keeps it.
	removed, err := s.ExpireOlderThan(ctx, t0.Add(ttl).Add(time.Minute))
	require.NoError(t, err)
	assert.Zero(t, removed.Relationships)
}

func TestKVLookupAndExpiry(t *testing.T) {
	ctx := context.Background()
	s := newKVStore(t)

	live := clusterDelta(t, "prod-kafka", time.Now())
	_, err := s.UpsertEntity(ctx, live)
	require.NoError(t, err)

	stale := clusterDelta(t, "stale-kafka", time.Now().Add(-10*24*time.Hour))
	_, err = s.UpsertEntity(ctx, stale)
	require.NoError(t, err)

	found, err := s.Lookup(ctx, "INFRA", "MESSAGE_QUEUE_CLUSTER",
		map[string]string{"kafka.cluster.name": "prod-kafka"})
	require.NoError(t, err)
	assert.Equal(t, live.GUID, found.GUID)

	removed, err := s.ExpireOlderThan(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, removed.Entities)

	_, err = s.GetEntity(ctx, stale.GUID)
	assert.ErrorIs(t, err, errors.ErrEntityNotFound)
	_, err = s.GetEntity(ctx, live.GUID)
	assert.NoError(t, err)
}
