package natsclient

import (
	"context"
	stderrors "errors"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/saacpsi/psistreams/errors"
	"github.com/saacpsi/psistreams/pkg/retry"
)

// KVEntry is a value with its revision
type KVEntry struct {
	Key      string
	Value    []byte
	Revision uint64
}

// KVOptions tunes KVStore operations
type KVOptions struct {
	Timeout      time.Duration // per-operation timeout
	MaxValueSize int           // bytes; 0 disables the check
	Retry        retry.Config  // applied to transient failures of Put
}

func defaultKVOptions() KVOptions {
	return KVOptions{
		Timeout:      5 * time.Second,
		MaxValueSize: 1024 * 1024,
		Retry:        retry.Quick(),
	}
}

// KVStore wraps a bucket with typed errors and timeouts
type KVStore struct {
	bucket  jetstream.KeyValue
	options KVOptions
	logger  *slog.Logger
}

// NewKVStore wraps bucket
func (c *Client) NewKVStore(bucket jetstream.KeyValue, opts ...func(*KVOptions)) *KVStore {
	options := defaultKVOptions()
	for _, opt := range opts {
		opt(&options)
	}
	return &KVStore{bucket: bucket, options: options, logger: c.logger}
}

func (kv *KVStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if kv.options.Timeout > 0 {
		return context.WithTimeout(ctx, kv.options.Timeout)
	}
	return ctx, func() {}
}

// Get returns the value and revision of key
func (kv *KVStore) Get(ctx context.Context, key string) (*KVEntry, error) {
	ctx, cancel := kv.withTimeout(ctx)
	defer cancel()

	entry, err := kv.bucket.Get(ctx, key)
	if err != nil {
		if IsKVNotFoundError(err) {
			return nil, ErrKVKeyNotFound
		}
		return nil, errors.WrapTransient(err, "KVStore", "Get", "get "+key)
	}
	return &KVEntry{Key: key, Value: entry.Value(), Revision: entry.Revision()}, nil
}

// Put writes key unconditionally, retrying transient failures
func (kv *KVStore) Put(ctx context.Context, key string, value []byte) (uint64, error) {
	if err := kv.checkSize(value); err != nil {
		return 0, err
	}
	return retry.DoWithResult(ctx, kv.options.Retry, func() (uint64, error) {
		opCtx, cancel := kv.withTimeout(ctx)
		defer cancel()
		rev, err := kv.bucket.Put(opCtx, key, value)
		if err != nil {
			return 0, errors.WrapTransient(err, "KVStore", "Put", "put "+key)
		}
		return rev, nil
	})
}

// Create writes key only if it does not exist; ErrKVKeyExists otherwise
func (kv *KVStore) Create(ctx context.Context, key string, value []byte) (uint64, error) {
	if err := kv.checkSize(value); err != nil {
		return 0, err
	}
	ctx, cancel := kv.withTimeout(ctx)
	defer cancel()

	rev, err := kv.bucket.Create(ctx, key, value)
	if err != nil {
		if IsKVConflictError(err) {
			return 0, ErrKVKeyExists
		}
		return 0, errors.WrapTransient(err, "KVStore", "Create", "create "+key)
	}
	return rev, nil
}

// Delete removes key; ErrKVKeyNotFound when absent
func (kv *KVStore) Delete(ctx context.Context, key string) error {
	ctx, cancel := kv.withTimeout(ctx)
	defer cancel()

	if _, err := kv.bucket.Get(ctx, key); err != nil {
		if IsKVNotFoundError(err) {
			return ErrKVKeyNotFound
		}
		return errors.WrapTransient(err, "KVStore", "Delete", "get "+key)
	}
	if err := kv.bucket.Delete(ctx, key); err != nil {
		return errors.WrapTransient(err, "KVStore", "Delete", "delete "+key)
	}
	return nil
}

// Keys lists the live keys of the bucket
func (kv *KVStore) Keys(ctx context.Context) ([]string, error) {
	ctx, cancel := kv.withTimeout(ctx)
	defer cancel()

	keys, err := kv.bucket.Keys(ctx)
	if err != nil {
		if stderrors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, errors.WrapTransient(err, "KVStore", "Keys", "list keys")
	}
	return keys, nil
}

// Watch streams updates for keys matching pattern, starting with current values.
// The watcher lives until ctx is cancelled or Stop is called.
func (kv *KVStore) Watch(ctx context.Context, pattern string) (jetstream.KeyWatcher, error) {
	watcher, err := kv.bucket.Watch(ctx, pattern)
	if err != nil {
		return nil, errors.WrapTransient(err, "KVStore", "Watch", "watch "+pattern)
	}
	return watcher, nil
}

func (kv *KVStore) checkSize(value []byte) error {
	if kv.options.MaxValueSize > 0 && len(value) > kv.options.MaxValueSize {
		return errors.WrapInvalid(errors.ErrFrameTooLarge, "KVStore", "checkSize", "validate value size")
	}
	return nil
}

// IsKVNotFoundError reports whether err means the key is absent
func IsKVNotFoundError(err error) bool {
	if err == nil {
		return false
	}
	if stderrors.Is(err, ErrKVKeyNotFound) || stderrors.Is(err, jetstream.ErrKeyNotFound) || stderrors.Is(err, jetstream.ErrKeyDeleted) {
		return true
	}
	return strings.Contains(err.Error(), "key not found")
}

// IsKVConflictError reports whether err is a create/update conflict
func IsKVConflictError(err error) bool {
	if err == nil {
		return false
	}
	if stderrors.Is(err, ErrKVKeyExists) || stderrors.Is(err, ErrKVRevisionMismatch) || stderrors.Is(err, jetstream.ErrKeyExists) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "wrong last sequence") || strings.Contains(msg, "key exists")
}

// KV errors
var (
	ErrKVKeyNotFound      = stderrors.New("kv: key not found")
	ErrKVKeyExists        = stderrors.New("kv: key already exists")
	ErrKVRevisionMismatch = stderrors.New("kv: revision mismatch")
)
