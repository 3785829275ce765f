// Package store persists entities and relationships. Backends share the same
// merge semantics: upserts are idempotent, older observations never clobber
// newer state, and TTL expiry is enforced by an explicit sweep rather than by
// the backend's own key expiration, so expired records can be counted and
// logged on the way out.
package store

import (
	"context"
	"time"

	"github.com/c360/entitystream/entity"
)

// Store is the persistence interface the pipeline writes through
type Store interface {
	// UpsertEntity applies a synthesis delta: create on first observation,
	// merge on re-observation. Returns the resulting record.
	UpsertEntity(ctx context.Context, delta entity.Delta) (*entity.Entity, error)

	// GetEntity fetches an entity by GUID, ErrEntityNotFound if absent
	GetEntity(ctx context.Context, guid entity.GUID) (*entity.Entity, error)

	// UpsertRelationship applies a relationship delta: create on first
	// observation, refresh expiry on re-observation.
	UpsertRelationship(ctx context.Context, delta entity.RelationshipDelta) (*entity.Relationship, error)

	// Lookup finds the single live entity of domain/type whose tags carry the
	// given values. Returns ErrEntityNotFound for zero matches and
	// ErrAmbiguousLookup for more than one.
	Lookup(ctx context.Context, domain, entityType string, tags map[string]string) (*entity.Entity, error)

	// ExpireOlderThan removes entities and relationships whose TTL elapsed
	// before now and reports how many were removed.
	ExpireOlderThan(ctx context.Context, now time.Time) (Expired, error)
}

// Expired reports the outcome of a TTL sweep
type Expired struct {
	Entities      int
	Relationships int
}

// tagsMatch reports whether the entity carries every wanted tag value,
// ignoring tags whose own TTL elapsed.
func tagsMatch(e *entity.Entity, tags map[string]string, now time.Time) bool {
	for name, want := range tags {
		got, ok := e.TagString(name, now)
		if !ok || got != want {
			return false
		}
	}
	return true
}
