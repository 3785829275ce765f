package entity

import (
	"fmt"
	"time"
)

// RelationshipType enumerates the directed relationship kinds the engine can
// emit.
type RelationshipType string

// Known relationship types. Structural relationships (CONTAINS, HOSTS)
// typically carry long TTLs; behavioral ones (CONSUMES_FROM, PRODUCES_TO)
// carry short TTLs and expire quickly once the activity stops.
const (
	RelationshipContains     RelationshipType = "CONTAINS"
	RelationshipHosts        RelationshipType = "HOSTS"
	RelationshipConsumesFrom RelationshipType = "CONSUMES_FROM"
	RelationshipProducesTo   RelationshipType = "PRODUCES_TO"
	RelationshipOperatesIn   RelationshipType = "OPERATES_IN"
	RelationshipManages      RelationshipType = "MANAGES"
)

var knownRelationshipTypes = map[RelationshipType]struct{}{
	RelationshipContains:     {},
	RelationshipHosts:        {},
	RelationshipConsumesFrom: {},
	RelationshipProducesTo:   {},
	RelationshipOperatesIn:   {},
	RelationshipManages:      {},
}

// Valid reports whether t is a member of the fixed enumeration
func (t RelationshipType) Valid() bool {
	_, ok := knownRelationshipTypes[t]
	return ok
}

// RelationshipDelta is the output of a relationship rule firing. Relationships
// are directional and keyed by (type, source, target); re-observation
// refreshes expiry rather than duplicating the record.
type RelationshipDelta struct {
	Type       RelationshipType `json:"type"`
	Source     GUID             `json:"source"`
	Target     GUID             `json:"target"`
	ObservedAt time.Time        `json:"observed_at"`
	TTL        time.Duration    `json:"ttl"`
}

// Key returns the store key identifying this relationship
func (d RelationshipDelta) Key() string {
	return fmt.Sprintf("%s.%s.%s", d.Type, d.Source, d.Target)
}

// Relationship is a stored, directed, TTL-bound edge between two entities
type Relationship struct {
	Type       RelationshipType `json:"type"`
	Source     GUID             `json:"source"`
	Target     GUID             `json:"target"`
	CreatedAt  time.Time        `json:"created_at"`
	LastSeenAt time.Time        `json:"last_seen_at"`
	ExpiresAt  time.Time        `json:"expires_at"`
}

// Expired reports whether the relationship's TTL has elapsed at now
func (r *Relationship) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && now.After(r.ExpiresAt)
}

// Key returns the store key identifying this relationship
func (r *Relationship) Key() string {
	return fmt.Sprintf("%s.%s.%s", r.Type, r.Source, r.Target)
}

// NewRelationship builds a relationship record from a delta
func NewRelationship(d RelationshipDelta) *Relationship {
	return &Relationship{
		Type:       d.Type,
		Source:     d.Source,
		Target:     d.Target,
		CreatedAt:  d.ObservedAt,
		LastSeenAt: d.ObservedAt,
		ExpiresAt:  d.ObservedAt.Add(d.TTL),
	}
}

// Refresh applies a re-observation: expiresAt tracks the newest observation
func (r *Relationship) Refresh(d RelationshipDelta) {
	if d.ObservedAt.Before(r.LastSeenAt) {
		return
	}
	r.LastSeenAt = d.ObservedAt
	r.ExpiresAt = d.ObservedAt.Add(d.TTL)
}
