package store

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/c360/entitystream/entity"
	"github.com/c360/entitystream/errors"
	"github.com/c360/entitystream/pkg/retry"
)

// Redis key layout
const (
	entityKeyPrefix       = "entity:"
	relationshipKeyPrefix = "rel:"
	entityIndexPrefix     = "entities:" // set of GUIDs per domain/type
)

// Redis is a Store backed by Redis. Entities and relationships are JSON
// values; a set per domain/type indexes entities so Lookup avoids scanning
// the whole keyspace. Concurrent upserts are serialized with WATCH-based
// optimistic transactions.
type Redis struct {
	client *redis.Client
	logger *slog.Logger
}

// NewRedis wraps an existing Redis client
func NewRedis(client *redis.Client, logger *slog.Logger) (*Redis, error) {
	if client == nil {
		return nil, errors.WrapInvalid(nil, "Redis", "NewRedis", "redis client cannot be nil")
	}
	return &Redis{client: client, logger: logger}, nil
}

// Ping verifies connectivity
func (s *Redis) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return errors.WrapTransient(err, "Redis", "Ping", "ping redis")
	}
	return nil
}

func entityKey(guid entity.GUID) string {
	return entityKeyPrefix + string(guid)
}

func entityIndexKey(domain, entityType string) string {
	return entityIndexPrefix + domain + "/" + entityType
}

// UpsertEntity applies a delta inside a WATCH transaction, retrying on
// concurrent modification.
func (s *Redis) UpsertEntity(ctx context.Context, delta entity.Delta) (*entity.Entity, error) {
	key := entityKey(delta.GUID)
	var result *entity.Entity

	err := retry.Do(ctx, retry.Quick(), func() error {
		txErr := s.client.Watch(ctx, func(tx *redis.Tx) error {
			current, err := tx.Get(ctx, key).Bytes()
			var record *entity.Entity
			switch {
			case err == nil:
				record = &entity.Entity{}
				if err := json.Unmarshal(current, record); err != nil {
					return retry.NonRetryable(errors.WrapFatal(err, "Redis", "UpsertEntity", "unmarshal stored entity"))
				}
				record.Merge(delta)
			case errors.Is(err, redis.Nil):
				record = entity.New(delta)
			default:
				return err
			}

			data, err := json.Marshal(record)
			if err != nil {
				return retry.NonRetryable(errors.WrapFatal(err, "Redis", "UpsertEntity", "marshal entity"))
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, data, 0)
				pipe.SAdd(ctx, entityIndexKey(record.Domain, record.Type), string(record.GUID))
				return nil
			})
			if err != nil {
				return err
			}
			result = record
			return nil
		}, key)

		if errors.Is(txErr, redis.TxFailedErr) {
			s.logger.Debug("redis upsert conflict, retrying", "key", key)
			return txErr
		}
		if txErr != nil {
			return retry.NonRetryable(txErr)
		}
		return nil
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "Redis", "UpsertEntity", "upsert "+string(delta.GUID))
	}
	return result, nil
}

// GetEntity fetches an entity by GUID
func (s *Redis) GetEntity(ctx context.Context, guid entity.GUID) (*entity.Entity, error) {
	data, err := s.client.Get(ctx, entityKey(guid)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, errors.ErrEntityNotFound
		}
		return nil, errors.WrapTransient(err, "Redis", "GetEntity", "get "+string(guid))
	}

	var record entity.Entity
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, errors.WrapFatal(err, "Redis", "GetEntity", "unmarshal stored entity")
	}
	return &record, nil
}

// UpsertRelationship applies a relationship delta inside a WATCH transaction
func (s *Redis) UpsertRelationship(ctx context.Context, delta entity.RelationshipDelta) (*entity.Relationship, error) {
	key := relationshipKeyPrefix + delta.Key()
	var result *entity.Relationship

	err := retry.Do(ctx, retry.Quick(), func() error {
		txErr := s.client.Watch(ctx, func(tx *redis.Tx) error {
			current, err := tx.Get(ctx, key).Bytes()
			var record *entity.Relationship
			switch {
			case err == nil:
				record = &entity.Relationship{}
				if err := json.Unmarshal(current, record); err != nil {
					return retry.NonRetryable(errors.WrapFatal(err, "Redis", "UpsertRelationship",
						"unmarshal stored relationship"))
				}
				record.Refresh(delta)
			case errors.Is(err, redis.Nil):
				record = entity.NewRelationship(delta)
			default:
				return err
			}

			data, err := json.Marshal(record)
			if err != nil {
				return retry.NonRetryable(errors.WrapFatal(err, "Redis", "UpsertRelationship", "marshal relationship"))
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, data, 0)
				return nil
			})
			if err != nil {
				return err
			}
			result = record
			return nil
		}, key)

		if errors.Is(txErr, redis.TxFailedErr) {
			return txErr
		}
		if txErr != nil {
			return retry.NonRetryable(txErr)
		}
		return nil
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "Redis", "UpsertRelationship", "upsert "+delta.Key())
	}
	return result, nil
}

// Lookup resolves candidates through the domain/type index set
func (s *Redis) Lookup(ctx context.Context, domain, entityType string, tags map[string]string) (*entity.Entity, error) {
	now := time.Now()

	guids, err := s.client.SMembers(ctx, entityIndexKey(domain, entityType)).Result()
	if err != nil {
		return nil, errors.WrapTransient(err, "Redis", "Lookup", "read index")
	}

	var found *entity.Entity
	for _, guid := range guids {
		record, err := s.GetEntity(ctx, entity.GUID(guid))
		if err != nil {
			if errors.Is(err, errors.ErrEntityNotFound) {
				// Index entry outlived the record; repaired by the next sweep.
				continue
			}
			return nil, err
		}
		if record.Expired(now) || !tagsMatch(record, tags, now) {
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

// ExpireOlderThan sweeps entities and relationships with SCAN. Each delete
// runs under the same WATCH discipline as the upserts, so an upsert landing
// between the expiry check and the delete wins and the refreshed record stays.
func (s *Redis) ExpireOlderThan(ctx context.Context, now time.Time) (Expired, error) {
	var removed Expired

	iter := s.client.Scan(ctx, 0, entityKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		expired, err := s.expireEntity(ctx, iter.Val(), now)
		if err != nil {
			return removed, err
		}
		if expired {
			removed.Entities++
		}
	}
	if err := iter.Err(); err != nil {
		return removed, errors.WrapTransient(err, "Redis", "ExpireOlderThan", "scan entities")
	}

	iter = s.client.Scan(ctx, 0, relationshipKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		expired, err := s.expireRelationship(ctx, iter.Val(), now)
		if err != nil {
			return removed, err
		}
		if expired {
			removed.Relationships++
		}
	}
	if err := iter.Err(); err != nil {
		return removed, errors.WrapTransient(err, "Redis", "ExpireOlderThan", "scan relationships")
	}

	return removed, nil
}

func (s *Redis) expireEntity(ctx context.Context, key string, now time.Time) (bool, error) {
	var expired bool

	txErr := s.client.Watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return nil
			}
			return err
		}
		var record entity.Entity
		if err := json.Unmarshal(data, &record); err != nil {
			return errors.WrapFatal(err, "Redis", "expireEntity", "unmarshal stored entity")
		}
		if !record.Expired(now) {
			return nil
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			pipe.SRem(ctx, entityIndexKey(record.Domain, record.Type), string(record.GUID))
			return nil
		})
		if err != nil {
			return err
		}
		expired = true
		return nil
	}, key)

	if errors.Is(txErr, redis.TxFailedErr) {
		// Upserted between the expiry check and the delete; keep it.
		return false, nil
	}
	if txErr != nil {
		return false, errors.WrapTransient(txErr, "Redis", "ExpireOlderThan", "delete entity")
	}
	return expired, nil
}

func (s *Redis) expireRelationship(ctx context.Context, key string, now time.Time) (bool, error) {
	var expired bool

	txErr := s.client.Watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return nil
			}
			return err
		}
		var record entity.Relationship
		if err := json.Unmarshal(data, &record); err != nil {
			return errors.WrapFatal(err, "Redis", "expireRelationship", "unmarshal stored relationship")
		}
		if !record.Expired(now) {
			return nil
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			return nil
		})
		if err != nil {
			return err
		}
		expired = true
		return nil
	}, key)

	if errors.Is(txErr, redis.TxFailedErr) {
		return false, nil
	}
	if txErr != nil {
		return false, errors.WrapTransient(txErr, "Redis", "ExpireOlderThan", "delete relationship")
	}
	return expired, nil
}
