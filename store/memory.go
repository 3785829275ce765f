package store

import (
	"context"
	"sync"
	"time"

	"github.com/c360/entitystream/entity"
	"github.com/c360/entitystream/errors"
)

// Memory is an in-process Store for tests and single-node deployments
type Memory struct {
	mu            sync.RWMutex
	entities      map[entity.GUID]*entity.Entity
	relationships map[string]*entity.Relationship
}

// NewMemory creates an empty in-memory store
func NewMemory() *Memory {
	return &Memory{
		entities:      make(map[entity.GUID]*entity.Entity),
		relationships: make(map[string]*entity.Relationship),
	}
}

// UpsertEntity applies a delta under the store lock
func (m *Memory) UpsertEntity(_ context.Context, delta entity.Delta) (*entity.Entity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.entities[delta.GUID]
	if !ok {
		created := entity.New(delta)
		m.entities[delta.GUID] = created
		return copyEntity(created), nil
	}

	existing.Merge(delta)
	return copyEntity(existing), nil
}

// GetEntity fetches an entity by GUID
func (m *Memory) GetEntity(_ context.Context, guid entity.GUID) (*entity.Entity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entities[guid]
	if !ok {
		return nil, errors.ErrEntityNotFound
	}
	return copyEntity(e), nil
}

// UpsertRelationship applies a relationship delta
func (m *Memory) UpsertRelationship(_ context.Context, delta entity.RelationshipDelta) (*entity.Relationship, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := delta.Key()
	existing, ok := m.relationships[key]
	if !ok {
		created := entity.NewRelationship(delta)
		m.relationships[key] = created
		out := *created
		return &out, nil
	}

	existing.Refresh(delta)
	out := *existing
	return &out, nil
}

// Lookup scans for the single live entity matching domain, type, and tags
func (m *Memory) Lookup(_ context.Context, domain, entityType string, tags map[string]string) (*entity.Entity, error) {
	now := time.Now()

	m.mu.RLock()
	defer m.mu.RUnlock()

	var found *entity.Entity
	for _, e := range m.entities {
		if e.Domain != domain || e.Type != entityType || e.Expired(now) {
			continue
		}
		if !tagsMatch(e, tags, now) {
			continue
		}
		if found != nil {
			return nil, errors.ErrAmbiguousLookup
		}
		found = e
	}

	if found == nil {
		return nil, errors.ErrEntityNotFound
	}
	return copyEntity(found), nil
}

// ExpireOlderThan removes expired entities and relationships
func (m *Memory) ExpireOlderThan(_ context.Context, now time.Time) (Expired, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var removed Expired
	for guid, e := range m.entities {
		if e.Expired(now) {
			delete(m.entities, guid)
			removed.Entities++
		}
	}
	for key, r := range m.relationships {
		if r.Expired(now) {
			delete(m.relationships, key)
			removed.Relationships++
		}
	}
	return removed, nil
}

// Counts returns the number of stored entities and relationships
func (m *Memory) Counts() (entities, relationships int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entities), len(m.relationships)
}

// copyEntity returns a deep copy so callers cannot mutate stored state
func copyEntity(e *entity.Entity) *entity.Entity {
	out := *e
	out.Tags = make(map[string]entity.Tag, len(e.Tags))
	for name, tag := range e.Tags {
		out.Tags[name] = tag
	}
	return &out
}
