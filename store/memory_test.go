package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/entitystream/entity"
	"github.com/c360/entitystream/errors"
)

var t0 = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

func clusterDelta(t *testing.T, identifier string, observedAt time.Time) entity.Delta {
	t.Helper()
	guid, err := entity.EncodeGUID(42, "INFRA", "MESSAGE_QUEUE_CLUSTER", identifier)
	require.NoError(t, err)
	return entity.Delta{
		GUID:       guid,
		AccountID:  42,
		Domain:     "INFRA",
		Type:       "MESSAGE_QUEUE_CLUSTER",
		Name:       identifier,
		Tags:       map[string]entity.TagValue{"kafka.cluster.name": {Value: identifier}},
		ObservedAt: observedAt,
		TTL:        8 * 24 * time.Hour,
	}
}

func TestUpsertEntityCreatesThenMerges(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	delta := clusterDelta(t, "prod-kafka", t0)
	created, err := s.UpsertEntity(ctx, delta)
	require.NoError(t, err)
	assert.Equal(t, t0, created.CreatedAt)
	assert.Equal(t, t0.Add(8*24*time.Hour), created.ExpiresAt)

	later := clusterDelta(t, "prod-kafka", t0.Add(time.Hour))
	later.Tags["kafka.version"] = entity.TagValue{Value: "3.7"}
	merged, err := s.UpsertEntity(ctx, later)
	require.NoError(t, err)

	assert.Equal(t, t0, merged.CreatedAt, "createdAt is immutable")
	assert.Equal(t, t0.Add(time.Hour), merged.LastSeenAt)
	assert.Equal(t, "3.7", merged.Tags["kafka.version"].Value)
	assert.Equal(t, "prod-kafka", merged.Tags["kafka.cluster.name"].Value)

	entities, _ := s.Counts()
	assert.Equal(t, 1, entities, "upsert is idempotent on GUID")
}

func TestUpsertEntityIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	delta := clusterDelta(t, "prod-kafka", t0)
	first, err := s.UpsertEntity(ctx, delta)
	require.NoError(t, err)
	second, err := s.UpsertEntity(ctx, delta)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestStaleDeltaDoesNotClobber(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	fresh := clusterDelta(t, "prod-kafka", t0.Add(time.Hour))
	_, err := s.UpsertEntity(ctx, fresh)
	require.NoError(t, err)

	stale := clusterDelta(t, "prod-kafka", t0)
	stale.Tags["kafka.cluster.name"] = entity.TagValue{Value: "old-name"}
	result, err := s.UpsertEntity(ctx, stale)
	require.NoError(t, err)

	assert.Equal(t, "prod-kafka", result.Tags["kafka.cluster.name"].Value,
		"older observation must not overwrite newer tag value")
	assert.Equal(t, t0.Add(time.Hour), result.LastSeenAt)
}

func TestGetEntity(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	delta := clusterDelta(t, "prod-kafka", t0)
	_, err := s.UpsertEntity(ctx, delta)
	require.NoError(t, err)

	got, err := s.GetEntity(ctx, delta.GUID)
	require.NoError(t, err)
	assert.Equal(t, delta.GUID, got.GUID)

	_, err = s.GetEntity(ctx, entity.GUID("bogus"))
	assert.ErrorIs(t, err, errors.ErrEntityNotFound)
}

func TestReturnedEntityIsACopy(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	delta := clusterDelta(t, "prod-kafka", t0)
	got, err := s.UpsertEntity(ctx, delta)
	require.NoError(t, err)

	got.Tags["kafka.cluster.name"] = entity.Tag{Value: "tampered"}

	again, err := s.GetEntity(ctx, delta.GUID)
	require.NoError(t, err)
	assert.Equal(t, "prod-kafka", again.Tags["kafka.cluster.name"].Value)
}

func relationshipDelta(t *testing.T, observedAt time.Time, ttl time.Duration) entity.RelationshipDelta {
	t.Helper()
	source, err := entity.EncodeGUID(42, "INFRA", "MESSAGE_QUEUE_CLUSTER", "prod-kafka")
	require.NoError(t, err)
	target, err := entity.EncodeGUID(42, "INFRA", "MESSAGE_QUEUE_BROKER", "prod-kafka:3")
	require.NoError(t, err)
	return entity.RelationshipDelta{
		Type:       entity.RelationshipContains,
		Source:     source,
		Target:     target,
		ObservedAt: observedAt,
		TTL:        ttl,
	}
}

func TestUpsertRelationshipRefreshesExpiry(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	ttl := 24 * time.Hour
	first, err := s.UpsertRelationship(ctx, relationshipDelta(t, t0, ttl))
	require.NoError(t, err)
	assert.Equal(t, t0.Add(ttl), first.ExpiresAt)

	t2 := t0.Add(2 * time.Hour)
	refreshed, err := s.UpsertRelationship(ctx, relationshipDelta(t, t2, ttl))
	require.NoError(t, err)

	assert.Equal(t, t0, refreshed.CreatedAt)
	assert.Equal(t, t2.Add(ttl), refreshed.ExpiresAt, "re-observation extends expiry")

	_, rels := s.Counts()
	assert.Equal(t, 1, rels, "same (type, source, target) stays one record")
}

func TestLookupExactlyOne(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	delta := clusterDelta(t, "prod-kafka", time.Now())
	_, err := s.UpsertEntity(ctx, delta)
	require.NoError(t, err)

	found, err := s.Lookup(ctx, "INFRA", "MESSAGE_QUEUE_CLUSTER",
		map[string]string{"kafka.cluster.name": "prod-kafka"})
	require.NoError(t, err)
	assert.Equal(t, delta.GUID, found.GUID)
}

func TestLookupZeroMatches(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	_, err := s.Lookup(ctx, "INFRA", "MESSAGE_QUEUE_CLUSTER",
		map[string]string{"kafka.cluster.name": "missing"})
	assert.ErrorIs(t, err, errors.ErrEntityNotFound)
}

func TestLookupAmbiguous(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	now := time.Now()

	for _, name := range []string{"prod-kafka", "prod-kafka-dr"} {
		delta := clusterDelta(t, name, now)
		// Both clusters carry the same environment tag.
		delta.Tags["env"] = entity.TagValue{Value: "prod"}
		_, err := s.UpsertEntity(ctx, delta)
		require.NoError(t, err)
	}

	_, err := s.Lookup(ctx, "INFRA", "MESSAGE_QUEUE_CLUSTER", map[string]string{"env": "prod"})
	assert.ErrorIs(t, err, errors.ErrAmbiguousLookup)
}

func TestLookupIgnoresExpiredEntities(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	delta := clusterDelta(t, "prod-kafka", time.Now().Add(-10*24*time.Hour))
	_, err := s.UpsertEntity(ctx, delta)
	require.NoError(t, err)

	_, err = s.Lookup(ctx, "INFRA", "MESSAGE_QUEUE_CLUSTER",
		map[string]string{"kafka.cluster.name": "prod-kafka"})
	assert.ErrorIs(t, err, errors.ErrEntityNotFound, "expired entity is invisible to lookup")
}

func TestExpireOlderThan(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	_, err := s.UpsertEntity(ctx, clusterDelta(t, "old-cluster", t0))
	require.NoError(t, err)
	_, err = s.UpsertEntity(ctx, clusterDelta(t, "live-cluster", t0.Add(7*24*time.Hour)))
	require.NoError(t, err)
	_, err = s.UpsertRelationship(ctx, relationshipDelta(t, t0, time.Hour))
	require.NoError(t, err)

	removed, err := s.ExpireOlderThan(ctx, t0.Add(9*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, removed.Entities)
	assert.Equal(t, 1, removed.Relationships)

	entities, rels := s.Counts()
	assert.Equal(t, 1, entities)
	assert.Equal(t, 0, rels)
}
