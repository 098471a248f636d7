// Package syncutil serializes work per key (order id, subscription id).
package syncutil

import (
	"context"
	"hash/fnv"
	"sync"
)

const shardCount = 256

// KeyLock is a fixed pool of channel-based mutexes selected by key hash.
// Memory stays bounded no matter how many keys are seen; two keys that share
// a shard serialize with each other, which is safe but slower.
type KeyLock struct {
	shards [shardCount]chan struct{}
	once   sync.Once
}

// NewKeyLock creates a KeyLock. The zero value is also usable.
func NewKeyLock() *KeyLock {
	k := &KeyLock{}
	k.init()
	return k
}

func (k *KeyLock) init() {
	k.once.Do(func() {
		for i := range k.shards {
			k.shards[i] = make(chan struct{}, 1)
			k.shards[i] <- struct{}{}
		}
	})
}

// Lock acquires the lock for key, giving up when ctx is done. The returned
// unlock function must be called exactly once.
func (k *KeyLock) Lock(ctx context.Context, key string) (func(), error) {
	k.init()
	ch := k.shards[shardIdx(key)]

	select {
	case <-ch:
		var once sync.Once
		return func() { once.Do(func() { ch <- struct{}{} }) }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Do runs fn while holding the lock for key.
func (k *KeyLock) Do(ctx context.Context, key string, fn func() error) error {
	unlock, err := k.Lock(ctx, key)
	if err != nil {
		return err
	}
	defer unlock()
	return fn()
}

func shardIdx(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % shardCount
}
