//go:build integration

package natsclient

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKVStoreLifecycle(t *testing.T) {
	tc := NewTestClient(t, WithKVBuckets("processes"))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	bucket, err := tc.Client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{Bucket: "processes"})
	require.NoError(t, err)
	kv := tc.Client.NewKVStore(bucket)

	_, err = kv.Create(ctx, "camera", []byte(`{"name":"camera"}`))
	require.NoError(t, err)

	_, err = kv.Create(ctx, "camera", []byte(`{}`))
	assert.ErrorIs(t, err, ErrKVKeyExists)

	entry, err := kv.Get(ctx, "camera")
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"camera"}`, string(entry.Value))

	keys, err := kv.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"camera"}, keys)

	require.NoError(t, kv.Delete(ctx, "camera"))
	assert.ErrorIs(t, kv.Delete(ctx, "camera"), ErrKVKeyNotFound)

	_, err = kv.Get(ctx, "camera")
	assert.ErrorIs(t, err, ErrKVKeyNotFound)
}

func TestKVStoreWatch(t *testing.T) {
	tc := NewTestClient(t, WithJetStream())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	bucket, err := tc.Client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{Bucket: "watched"})
	require.NoError(t, err)
	kv := tc.Client.NewKVStore(bucket)

	watcher, err := kv.Watch(ctx, ">")
	require.NoError(t, err)
	defer watcher.Stop()

	// initial values are terminated by a nil entry
	first := <-watcher.Updates()
	assert.Nil(t, first)

	_, err = kv.Put(ctx, "a", []byte("1"))
	require.NoError(t, err)

	select {
	case entry := <-watcher.Updates():
		require.NotNil(t, entry)
		assert.Equal(t, "a", entry.Key())
		assert.Equal(t, jetstream.KeyValuePut, entry.Operation())
	case <-ctx.Done():
		t.Fatal("no update received")
	}
}
