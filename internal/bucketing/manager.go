package bucketing

import (
	"hash"
	"sync"

	"github.com/spaolacci/murmur3"
)

// ShardManager maps keys onto a fixed number of shards with murmur3. The mapping is stable
// for a given shard count, so a key always lands on the same lock or partition.
type ShardManager struct {
	shards     int
	hasherPool sync.Pool
}

func NewShardManager(shards int) *ShardManager {
	if shards <= 0 {
		shards = 1
	}
	sm := &ShardManager{shards: shards}

	// Create pool of hash functions to avoid allocation overhead
	sm.hasherPool = sync.Pool{
		New: func() interface{} {
			return murmur3.New64()
		},
	}

	return sm
}

// ShardFor returns the shard for key (0 to shards-1)
func (sm *ShardManager) ShardFor(key string) int {
	return int(sm.getHash(key) % uint64(sm.shards))
}

func (sm *ShardManager) Shards() int {
	return sm.shards
}

func (sm *ShardManager) getHash(key string) uint64 {
	hasher := sm.hasherPool.Get().(hash.Hash64)
	defer sm.hasherPool.Put(hasher)

	hasher.Reset()
	hasher.Write([]byte(key))
	return hasher.Sum64()
}
