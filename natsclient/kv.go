package natsclient

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/entitystream/errors"
	"github.com/c360/entitystream/pkg/retry"
)

// KVEntry wraps a KV entry with its revision for CAS operations
type KVEntry struct {
	Key      string
	Value    []byte
	Revision uint64
}

// KVOptions configures KV operation behavior
type KVOptions struct {
	Retry        retry.Config
	Timeout      time.Duration
	MaxValueSize int
}

// DefaultKVOptions returns defaults tuned for contended entity keys
func DefaultKVOptions() KVOptions {
	return KVOptions{
		Retry:        retry.Quick(),
		Timeout:      5 * time.Second,
		MaxValueSize: 1024 * 1024,
	}
}

// KVStore provides KV operations with built-in CAS retry
type KVStore struct {
	bucket  jetstream.KeyValue
	options KVOptions
	logger  *slog.Logger
}

// NewKVStore wraps a KV bucket with the client's logger
func (c *Client) NewKVStore(bucket jetstream.KeyValue, opts ...func(*KVOptions)) *KVStore {
	options := DefaultKVOptions()
	for _, opt := range opts {
		opt(&options)
	}
	return &KVStore{
		bucket:  bucket,
		options: options,
		logger:  c.logger,
	}
}

func (kv *KVStore) applyTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if kv.options.Timeout > 0 {
		return context.WithTimeout(ctx, kv.options.Timeout)
	}
	return ctx, func() {}
}

// Get retrieves a value with its revision for CAS operations
func (kv *KVStore) Get(ctx context.Context, key string) (*KVEntry, error) {
	ctx, cancel := kv.applyTimeout(ctx)
	defer cancel()

	entry, err := kv.bucket.Get(ctx, key)
	if err != nil {
		if IsKVNotFoundError(err) {
			return nil, errors.ErrEntityNotFound
		}
		return nil, errors.WrapTransient(err, "KVStore", "Get", "get "+key)
	}

	return &KVEntry{
		Key:      key,
		Value:    entry.Value(),
		Revision: entry.Revision(),
	}, nil
}

// Put creates or updates a key without revision check (last writer wins)
func (kv *KVStore) Put(ctx context.Context, key string, value []byte) (uint64, error) {
	ctx, cancel := kv.applyTimeout(ctx)
	defer cancel()

	rev, err := kv.bucket.Put(ctx, key, value)
	if err != nil {
		return 0, errors.WrapTransient(err, "KVStore", "Put", "put "+key)
	}
	return rev, nil
}

// Delete removes a key
func (kv *KVStore) Delete(ctx context.Context, key string) error {
	ctx, cancel := kv.applyTimeout(ctx)
	defer cancel()

	if err := kv.bucket.Delete(ctx, key); err != nil {
		if IsKVNotFoundError(err) {
			return errors.ErrEntityNotFound
		}
		return errors.WrapTransient(err, "KVStore", "Delete", "delete "+key)
	}
	return nil
}

// DeleteRevision removes a key only while it is still at the given revision.
// Returns ErrRevisionConflict when the key was written since, so callers can
// keep records that were refreshed under them.
func (kv *KVStore) DeleteRevision(ctx context.Context, key string, revision uint64) error {
	ctx, cancel := kv.applyTimeout(ctx)
	defer cancel()

	if err := kv.bucket.Delete(ctx, key, jetstream.LastRevision(revision)); err != nil {
		if IsKVNotFoundError(err) {
			return errors.ErrEntityNotFound
		}
		if IsKVConflictError(err) {
			return errors.ErrRevisionConflict
		}
		return errors.WrapTransient(err, "KVStore", "DeleteRevision", "delete "+key)
	}
	return nil
}

// Keys lists all keys in the bucket
func (kv *KVStore) Keys(ctx context.Context) ([]string, error) {
	keys, err := kv.bucket.Keys(ctx)
	if err != nil {
		if IsKVNotFoundError(err) {
			return nil, nil
		}
		return nil, errors.WrapTransient(err, "KVStore", "Keys", "list keys")
	}
	return keys, nil
}

// UpdateWithRetry performs a CAS read-modify-write with automatic retry on
// revision conflicts. updateFn receives nil when the key does not exist and
// returns the new value to store.
func (kv *KVStore) UpdateWithRetry(ctx context.Context, key string,
	updateFn func(current []byte) ([]byte, error)) error {

	ctx, cancel := kv.applyTimeout(ctx)
	defer cancel()

	err := retry.Do(ctx, kv.options.Retry, func() error {
		var currentValue []byte
		var revision uint64

		entry, err := kv.Get(ctx, key)
		switch {
		case err == nil:
			currentValue = entry.Value
			revision = entry.Revision
		case errors.Is(err, errors.ErrEntityNotFound):
			// Key absent: create below with revision 0.
		default:
			return err
		}

		newValue, err := updateFn(currentValue)
		if err != nil {
			return retry.NonRetryable(err)
		}

		if kv.options.MaxValueSize > 0 && len(newValue) > kv.options.MaxValueSize {
			return retry.NonRetryable(errors.WrapInvalid(nil, "KVStore", "UpdateWithRetry",
				"value exceeds maximum size"))
		}

		if revision == 0 {
			_, err = kv.bucket.Create(ctx, key, newValue)
		} else {
			_, err = kv.bucket.Update(ctx, key, newValue, revision)
		}
		if err == nil {
			return nil
		}
		if IsKVConflictError(err) {
			kv.logger.Debug("kv cas conflict, retrying", "key", key)
			return errors.ErrRevisionConflict
		}
		return errors.WrapTransient(err, "KVStore", "UpdateWithRetry", "write "+key)
	})

	if err != nil && errors.Is(err, errors.ErrRevisionConflict) {
		return errors.WrapTransient(errors.ErrRevisionConflict, "KVStore", "UpdateWithRetry",
			"cas retries exhausted for "+key)
	}
	return err
}

// Watch creates a watcher for key changes. The watcher lives until the
// context is cancelled, so no timeout is applied.
func (kv *KVStore) Watch(ctx context.Context, pattern string) (jetstream.KeyWatcher, error) {
	watcher, err := kv.bucket.Watch(ctx, pattern)
	if err != nil {
		return nil, errors.WrapTransient(err, "KVStore", "Watch", "watch "+pattern)
	}
	return watcher, nil
}

// IsKVNotFoundError checks whether an error indicates a missing key
func IsKVNotFoundError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrNoKeysFound) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "key not found") || strings.Contains(msg, "10037")
}

// IsKVConflictError checks whether an error indicates a CAS conflict
func IsKVConflictError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, jetstream.ErrKeyExists) || errors.Is(err, errors.ErrRevisionConflict) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "wrong last sequence") ||
		strings.Contains(msg, "10071") ||
		strings.Contains(msg, "key exists") ||
		strings.Contains(msg, "10058")
}
