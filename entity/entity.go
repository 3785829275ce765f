// Package entity defines the entity data model: stable GUIDs, entity and
// relationship records, and the deltas the synthesis and relationship engines
// emit toward the store.
package entity

import (
	"time"
)

// TagValue is a tag as carried on a delta. TTL of zero means the tag lives as
// long as the entity itself.
type TagValue struct {
	Value string        `json:"value"`
	TTL   time.Duration `json:"ttl,omitempty"`
}

// Tag is a tag as held on a stored entity. A zero ExpiresAt means the tag
// never expires independently of the entity.
type Tag struct {
	Value     string    `json:"value"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// Expired reports whether the tag's own TTL has elapsed at now
func (t Tag) Expired(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && now.After(t.ExpiresAt)
}

// Delta is the output of a successful synthesis match. Applying a delta
// creates the entity if absent, otherwise merges tags and bumps the lifecycle
// timestamps. Deltas are idempotent: applying the same delta twice leaves the
// entity identical apart from lastSeenAt/expiresAt advancing.
type Delta struct {
	GUID       GUID                `json:"guid"`
	AccountID  int64               `json:"account_id"`
	Domain     string              `json:"domain"`
	Type       string              `json:"type"`
	Name       string              `json:"name"`
	Tags       map[string]TagValue `json:"tags,omitempty"`
	ObservedAt time.Time           `json:"observed_at"`

	// TTL is the per-type entity expiration: expiresAt = observedAt + TTL.
	TTL time.Duration `json:"ttl"`
}

// Entity is a stored entity record. Domain and Type are immutable after
// creation; Name and Tags are mutable.
type Entity struct {
	GUID      GUID           `json:"guid"`
	AccountID int64          `json:"account_id"`
	Domain    string         `json:"domain"`
	Type      string         `json:"type"`
	Name      string         `json:"name"`
	Tags      map[string]Tag `json:"tags,omitempty"`

	CreatedAt  time.Time `json:"created_at"`
	LastSeenAt time.Time `json:"last_seen_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Expired reports whether the entity's expiration time has passed at now
func (e *Entity) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

// TagString returns the value of the named tag, ignoring expired tags
func (e *Entity) TagString(name string, now time.Time) (string, bool) {
	tag, ok := e.Tags[name]
	if !ok || tag.Expired(now) {
		return "", false
	}
	return tag.Value, true
}

// New builds an entity record from a delta, used on first observation
func New(d Delta) *Entity {
	e := &Entity{
		GUID:       d.GUID,
		AccountID:  d.AccountID,
		Domain:     d.Domain,
		Type:       d.Type,
		Name:       d.Name,
		Tags:       make(map[string]Tag, len(d.Tags)),
		CreatedAt:  d.ObservedAt,
		LastSeenAt: d.ObservedAt,
		ExpiresAt:  d.ObservedAt.Add(d.TTL),
	}
	for name, tv := range d.Tags {
		e.Tags[name] = newTag(tv, d.ObservedAt)
	}
	return e
}

// Merge applies a delta to an existing entity record: new tag values overwrite
// old, tags absent from the delta are kept unless their own TTL has elapsed,
// and lastSeenAt/expiresAt advance. Deltas observed before the entity's
// current lastSeenAt only contribute tags the entity does not already carry,
// so an older event can never clobber a newer value.
func (e *Entity) Merge(d Delta) {
	stale := d.ObservedAt.Before(e.LastSeenAt)

	if e.Tags == nil {
		e.Tags = make(map[string]Tag, len(d.Tags))
	}
	for name, tv := range d.Tags {
		if existing, ok := e.Tags[name]; ok && stale && !existing.Expired(d.ObservedAt) {
			continue
		}
		e.Tags[name] = newTag(tv, d.ObservedAt)
	}

	if stale {
		return
	}

	// Drop tags whose individual TTL elapsed before this observation.
	for name, tag := range e.Tags {
		if _, refreshed := d.Tags[name]; refreshed {
			continue
		}
		if tag.Expired(d.ObservedAt) {
			delete(e.Tags, name)
		}
	}

	if d.Name != "" {
		e.Name = d.Name
	}
	e.LastSeenAt = d.ObservedAt
	e.ExpiresAt = d.ObservedAt.Add(d.TTL)
}

func newTag(tv TagValue, observedAt time.Time) Tag {
	tag := Tag{Value: tv.Value}
	if tv.TTL > 0 {
		tag.ExpiresAt = observedAt.Add(tv.TTL)
	}
	return tag
}
