package store

import (
	"strings"
	"sync"
	"time"

	"github.com/1NF3RM0/MyBot/internal/analysis/indicator"
)

const defaultShardCount = 32

// SnapshotCache 按 symbol@interval 分片缓存最近一次指标快照，供合约监控读取。
type SnapshotCache struct {
	shards []snapshotShard
	maxAge time.Duration
	now    func() time.Time
}

type snapshotShard struct {
	mu   sync.RWMutex
	data map[string]cachedSnapshot
}

type cachedSnapshot struct {
	snap     indicator.Snapshot
	storedAt time.Time
}

// NewSnapshotCache maxAge<=0 表示不过期。
func NewSnapshotCache(maxAge time.Duration) *SnapshotCache {
	return newSnapshotCache(defaultShardCount, maxAge)
}

func newSnapshotCache(shards int, maxAge time.Duration) *SnapshotCache {
	if shards <= 0 {
		shards = 1
	}
	out := &SnapshotCache{
		shards: make([]snapshotShard, shards),
		maxAge: maxAge,
		now:    time.Now,
	}
	for i := range out.shards {
		out.shards[i] = snapshotShard{data: make(map[string]cachedSnapshot)}
	}
	return out
}

func (c *SnapshotCache) shardFor(key string) *snapshotShard {
	idx := hashKey(key) % uint32(len(c.shards))
	return &c.shards[idx]
}

func cacheKey(symbol, interval string) string {
	return strings.ToUpper(strings.TrimSpace(symbol)) + "@" + interval
}

func (c *SnapshotCache) Put(snap indicator.Snapshot) {
	if snap.Symbol == "" {
		return
	}
	k := cacheKey(snap.Symbol, snap.Interval)
	sh := c.shardFor(k)
	sh.mu.Lock()
	sh.data[k] = cachedSnapshot{snap: snap, storedAt: c.now()}
	sh.mu.Unlock()
}

// Get 返回缓存快照；过期或不存在时 ok=false。
func (c *SnapshotCache) Get(symbol, interval string) (indicator.Snapshot, bool) {
	k := cacheKey(symbol, interval)
	sh := c.shardFor(k)
	sh.mu.RLock()
	entry, ok := sh.data[k]
	sh.mu.RUnlock()
	if !ok {
		return indicator.Snapshot{}, false
	}
	if c.maxAge > 0 && c.now().Sub(entry.storedAt) > c.maxAge {
		return indicator.Snapshot{}, false
	}
	return entry.snap, true
}

func (c *SnapshotCache) Len() int {
	n := 0
	for i := range c.shards {
		sh := &c.shards[i]
		sh.mu.RLock()
		n += len(sh.data)
		sh.mu.RUnlock()
	}
	return n
}

func hashKey(s string) uint32 {
	const (
		offset32 = 2166136261
		prime32  = 16777619
	)
	var h uint32 = offset32
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= prime32
	}
	return h
}
