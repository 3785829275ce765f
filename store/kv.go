package store

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/entitystream/entity"
	"github.com/c360/entitystream/errors"
	"github.com/c360/entitystream/natsclient"
)

// Bucket names for the KV-backed store
const (
	EntityBucket       = "entitystream_entities"
	RelationshipBucket = "entitystream_relationships"
)

// KV is a Store backed by NATS JetStream KV buckets. Concurrent upserts for
// the same key are serialized with CAS retry, so two pipeline instances
// merging into one entity never lose tags. GUIDs are base64url and therefore
// valid KV keys as-is.
type KV struct {
	entities      *natsclient.KVStore
	relationships *natsclient.KVStore
	logger        *slog.Logger
}

// NewKV creates the buckets if absent and returns the store
func NewKV(ctx context.Context, client *natsclient.Client, logger *slog.Logger) (*KV, error) {
	if client == nil {
		return nil, errors.WrapInvalid(nil, "KV", "NewKV", "nats client cannot be nil")
	}

	entityBucket, err := client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
		Bucket:      EntityBucket,
		Description: "Synthesized entity records",
		History:     1,
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "KV", "NewKV", "create entity bucket")
	}

	relBucket, err := client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
		Bucket:      RelationshipBucket,
		Description: "Discovered entity relationships",
		History:     1,
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "KV", "NewKV", "create relationship bucket")
	}

	return &KV{
		entities:      client.NewKVStore(entityBucket),
		relationships: client.NewKVStore(relBucket),
		logger:        logger,
	}, nil
}

// UpsertEntity applies a delta with a CAS read-modify-write
func (s *KV) UpsertEntity(ctx context.Context, delta entity.Delta) (*entity.Entity, error) {
	var result *entity.Entity

	err := s.entities.UpdateWithRetry(ctx, string(delta.GUID), func(current []byte) ([]byte, error) {
		var record *entity.Entity
		if len(current) == 0 {
			record = entity.New(delta)
		} else {
			record = &entity.Entity{}
			if err := json.Unmarshal(current, record); err != nil {
				return nil, errors.WrapFatal(err, "KV", "UpsertEntity", "unmarshal stored entity")
			}
			record.Merge(delta)
		}
		result = record
		return json.Marshal(record)
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "KV", "UpsertEntity", "upsert "+string(delta.GUID))
	}
	return result, nil
}

// GetEntity fetches an entity by GUID
func (s *KV) GetEntity(ctx context.Context, guid entity.GUID) (*entity.Entity, error) {
	entry, err := s.entities.Get(ctx, string(guid))
	if err != nil {
		return nil, err
	}

	var record entity.Entity
	if err := json.Unmarshal(entry.Value, &record); err != nil {
		return nil, errors.WrapFatal(err, "KV", "GetEntity", "unmarshal stored entity")
	}
	return &record, nil
}

// UpsertRelationship applies a relationship delta with a CAS read-modify-write
func (s *KV) UpsertRelationship(ctx context.Context, delta entity.RelationshipDelta) (*entity.Relationship, error) {
	var result *entity.Relationship

	err := s.relationships.UpdateWithRetry(ctx, delta.Key(), func(current []byte) ([]byte, error) {
		var record *entity.Relationship
		if len(current) == 0 {
			record = entity.NewRelationship(delta)
		} else {
			record = &entity.Relationship{}
			if err := json.Unmarshal(current, record); err != nil {
				return nil, errors.WrapFatal(err, "KV", "UpsertRelationship", "unmarshal stored relationship")
			}
			record.Refresh(delta)
		}
		result = record
		return json.Marshal(record)
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "KV", "UpsertRelationship", "upsert "+delta.Key())
	}
	return result, nil
}

// Lookup scans the entity bucket for the single live match. The scan is
// linear in bucket size; deployments with large entity counts should run the
// Redis backend, which maintains domain/type indexes.
func (s *KV) Lookup(ctx context.Context, domain, entityType string, tags map[string]string) (*entity.Entity, error) {
	now := time.Now()

	keys, err := s.entities.Keys(ctx)
	if err != nil {
		return nil, err
	}

	var found *entity.Entity
	for _, key := range keys {
		record, err := s.GetEntity(ctx, entity.GUID(key))
		if err != nil {
			if errors.Is(err, errors.ErrEntityNotFound) {
				continue // deleted between Keys and Get
			}
			return nil, err
		}
		if record.Domain != domain || record.Type != entityType || record.Expired(now) {
			continue
		}
		if !tagsMatch(record, tags, now) {
			continue
		}
		if found != nil {
			return nil, errors.ErrAmbiguousLookup
		}
		found = record
	}

	if found == nil {
		return nil, errors.ErrEntityNotFound
	}
	return found, nil
}

// ExpireOlderThan sweeps both buckets for expired records. Deletes are
// revision-conditional: an upsert landing between the expiry check and the
// delete wins, and the refreshed record stays.
func (s *KV) ExpireOlderThan(ctx context.Context, now time.Time) (Expired, error) {
	var removed Expired

	entityKeys, err := s.entities.Keys(ctx)
	if err != nil {
		return removed, err
	}
	for _, key := range entityKeys {
		entry, err := s.entities.Get(ctx, key)
		if err != nil {
			if errors.Is(err, errors.ErrEntityNotFound) {
				continue
			}
			return removed, err
		}
		var record entity.Entity
		if err := json.Unmarshal(entry.Value, &record); err != nil {
			return removed, errors.WrapFatal(err, "KV", "ExpireOlderThan", "unmarshal stored entity")
		}
		if !record.Expired(now) {
			continue
		}
		if err := s.entities.DeleteRevision(ctx, key, entry.Revision); err != nil {
			if errors.Is(err, errors.ErrRevisionConflict) || errors.Is(err, errors.ErrEntityNotFound) {
				continue // refreshed or removed under the sweep
			}
			return removed, err
		}
		removed.Entities++
		s.logger.Debug("entity expired", "guid", key, "expires_at", record.ExpiresAt)
	}

	relKeys, err := s.relationships.Keys(ctx)
	if err != nil {
		return removed, err
	}
	for _, key := range relKeys {
		entry, err := s.relationships.Get(ctx, key)
		if err != nil {
			if errors.Is(err, errors.ErrEntityNotFound) {
				continue
			}
			return removed, err
		}
		var record entity.Relationship
		if err := json.Unmarshal(entry.Value, &record); err != nil {
			return removed, errors.WrapFatal(err, "KV", "ExpireOlderThan", "unmarshal stored relationship")
		}
		if !record.Expired(now) {
			continue
		}
		if err := s.relationships.DeleteRevision(ctx, key, entry.Revision); err != nil {
			if errors.Is(err, errors.ErrRevisionConflict) || errors.Is(err, errors.ErrEntityNotFound) {
				continue
			}
			return removed, err
		}
		removed.Relationships++
		s.logger.Debug("relationship expired", "key", key, "expires_at", record.ExpiresAt)
	}

	return removed, nil
}
