package cache

import (
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"
)

// cacheShard 缓存分片
type cacheShard struct {
	items   map[string]*LRUNode
	lruList *LRUList
	mutex   sync.Mutex
}

// LRUCache 带TTL的分片LRU缓存，可并发使用
type LRUCache struct {
	shards  []*cacheShard
	config  *CacheConfig
	now     func() time.Time
	running int32
	stopCh  chan struct{}
	wg      sync.WaitGroup

	hits        int64
	misses      int64
	evictions   int64
	expirations int64
}

// NewLRUCache 创建新的LRU缓存
func NewLRUCache(config *CacheConfig) *LRUCache {
	if config == nil {
		config = DefaultCacheConfig()
	}
	if config.ShardCount <= 0 {
		config.ShardCount = 1
	}

	c := &LRUCache{
		shards: make([]*cacheShard, config.ShardCount),
		config: config,
		now:    time.Now,
		stopCh: make(chan struct{}),
	}
	for i := range c.shards {
		c.shards[i] = &cacheShard{
			items:   make(map[string]*LRUNode),
			lruList: NewLRUList(),
		}
	}
	return c
}

// getShard 根据key获取对应的分片
func (c *LRUCache) getShard(key string) *cacheShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return c.shards[h.Sum32()%uint32(len(c.shards))]
}

// Get 获取缓存项，过期项视为不存在并立即移除
func (c *LRUCache) Get(key string) (interface{}, bool) {
	shard := c.getShard(key)
	shard.mutex.Lock()
	defer shard.mutex.Unlock()

	node, ok := shard.items[key]
	if !ok {
		atomic.AddInt64(&c.misses, 1)
		return nil, false
	}
	if node.Item.IsExpired(c.now()) {
		shard.lruList.RemoveNode(node)
		delete(shard.items, key)
		atomic.AddInt64(&c.expirations, 1)
		atomic.AddInt64(&c.misses, 1)
		return nil, false
	}

	shard.lruList.MoveToHead(node)
	atomic.AddInt64(&c.hits, 1)
	return node.Item.Value, true
}

// Set 设置缓存项，ttl<=0时使用默认TTL
func (c *LRUCache) Set(key string, value interface{}, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.config.DefaultTTL
	}
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = c.now().Add(ttl)
	}

	shard := c.getShard(key)
	shard.mutex.Lock()
	defer shard.mutex.Unlock()

	if node, ok := shard.items[key]; ok {
		node.Item.Value = value
		node.Item.ExpiresAt = expiresAt
		shard.lruList.MoveToHead(node)
		return
	}

	if c.config.MaxSize > 0 && shard.lruList.Size() >= c.config.MaxSize {
		if tail := shard.lruList.RemoveTail(); tail != nil {
			delete(shard.items, tail.Item.Key)
			atomic.AddInt64(&c.evictions, 1)
		}
	}

	node := &LRUNode{Item: &CacheItem{Key: key, Value: value, ExpiresAt: expiresAt}}
	shard.items[key] = node
	shard.lruList.AddToHead(node)
}

// Delete 删除缓存项
func (c *LRUCache) Delete(key string) bool {
	shard := c.getShard(key)
	shard.mutex.Lock()
	defer shard.mutex.Unlock()

	node, ok := shard.items[key]
	if !ok {
		return false
	}
	shard.lruList.RemoveNode(node)
	delete(shard.items, key)
	return true
}

// Size 获取缓存条目数（含尚未清理的过期项）
func (c *LRUCache) Size() int {
	total := 0
	for _, shard := range c.shards {
		shard.mutex.Lock()
		total += len(shard.items)
		shard.mutex.Unlock()
	}
	return total
}

// EvictExpired 清理所有过期项，返回清理数量
func (c *LRUCache) EvictExpired() int {
	now := c.now()
	removed := 0
	for _, shard := range c.shards {
		shard.mutex.Lock()
		for key, node := range shard.items {
			if node.Item.IsExpired(now) {
				shard.lruList.RemoveNode(node)
				delete(shard.items, key)
				removed++
			}
		}
		shard.mutex.Unlock()
	}
	atomic.AddInt64(&c.expirations, int64(removed))
	return removed
}

// GetStats 获取统计信息
func (c *LRUCache) GetStats() CacheStats {
	return CacheStats{
		Items:       int64(c.Size()),
		Hits:        atomic.LoadInt64(&c.hits),
		Misses:      atomic.LoadInt64(&c.misses),
		Evictions:   atomic.LoadInt64(&c.evictions),
		Expirations: atomic.LoadInt64(&c.expirations),
	}
}

// Start 启动后台过期清理
func (c *LRUCache) Start() {
	if !atomic.CompareAndSwapInt32(&c.running, 0, 1) {
		return
	}
	if c.config.CleanupInterval <= 0 {
		return
	}
	c.wg.Add(1)
	go c.cleanupWorker()
}

// Stop 停止后台清理
func (c *LRUCache) Stop() {
	if !atomic.CompareAndSwapInt32(&c.running, 1, 0) {
		return
	}
	close(c.stopCh)
	c.wg.Wait()
}

// IsRunning 是否正在运行
func (c *LRUCache) IsRunning() bool {
	return atomic.LoadInt32(&c.running) == 1
}

func (c *LRUCache) cleanupWorker() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.EvictExpired()
		}
	}
}
