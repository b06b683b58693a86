// Package syncutil provides per-key critical sections with bounded memory.
package syncutil

import (
	"context"
	"hash/fnv"
)

// DefaultShards is the shard count used by NewKeyedLock when n <= 0.
const DefaultShards = 256

// KeyedLock serializes work per key using a fixed pool of channel-backed
// locks. Keys that hash to the same shard share a lock, so unrelated keys
// may occasionally wait on each other; memory use does not grow with the
// number of keys.
type KeyedLock struct {
	shards []chan struct{}
}

// NewKeyedLock creates a lock pool with n shards.
func NewKeyedLock(n int) *KeyedLock {
	if n <= 0 {
		n = DefaultShards
	}
	k := &KeyedLock{shards: make([]chan struct{}, n)}
	for i := range k.shards {
		k.shards[i] = make(chan struct{}, 1)
	}
	return k
}

// Lock blocks until the key's shard is free or ctx is done. The returned
// function releases the lock and must be called exactly once.
func (k *KeyedLock) Lock(ctx context.Context, key string) (func(), error) {
	ch := k.shard(key)
	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (k *KeyedLock) shard(key string) chan struct{} {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return k.shards[h.Sum32()%uint32(len(k.shards))]
}
