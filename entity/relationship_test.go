package entity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func brokerContainsDelta(observedAt time.Time, ttl time.Duration) RelationshipDelta {
	source, _ := EncodeGUID(42, "INFRA", "MESSAGE_QUEUE_CLUSTER", "prod-kafka")
	target, _ := EncodeGUID(42, "INFRA", "MESSAGE_QUEUE_BROKER", "prod-kafka:1")
	return RelationshipDelta{
		Type:       RelationshipContains,
		Source:     source,
		Target:     target,
		ObservedAt: observedAt,
		TTL:        ttl,
	}
}

func TestRelationshipTypeValid(t *testing.T) {
	assert.True(t, RelationshipContains.Valid())
	assert.True(t, RelationshipConsumesFrom.Valid())
	assert.False(t, RelationshipType("FRIENDS_WITH").Valid())
}

func TestRelationshipKeyIsDirectional(t *testing.T) {
	d := brokerContainsDelta(t0, time.Hour)
	reversed := d
	reversed.Source, reversed.Target = d.Target, d.Source
	assert.NotEqual(t, d.Key(), reversed.Key())
}

func TestRefreshAdvancesExpiry(t *testing.T) {
	t1 := t0
	t2 := t0.Add(5 * time.Minute)

	r := NewRelationship(brokerContainsDelta(t1, time.Hour))
	require.Equal(t, t1.Add(time.Hour), r.ExpiresAt)

	r.Refresh(brokerContainsDelta(t2, time.Hour))
	assert.Equal(t, t1, r.CreatedAt)
	assert.Equal(t, t2, r.LastSeenAt)
	assert.Equal(t, t2.Add(time.Hour), r.ExpiresAt)
}

func TestRefreshIgnoresOlderObservation(t *testing.T) {
	t2 := t0.Add(5 * time.Minute)

	r := NewRelationship(brokerContainsDelta(t2, time.Hour))
	r.Refresh(brokerContainsDelta(t0, time.Hour))

	assert.Equal(t, t2, r.LastSeenAt)
	assert.Equal(t, t2.Add(time.Hour), r.ExpiresAt)
}

func TestRelationshipExpired(t *testing.T) {
	r := NewRelationship(brokerContainsDelta(t0, time.Minute))
	assert.False(t, r.Expired(t0.Add(30*time.Second)))
	assert.True(t, r.Expired(t0.Add(2*time.Minute)))
}
