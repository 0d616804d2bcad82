package cache

import (
	"time"
)

// CacheItem 缓存项
type CacheItem struct {
	Key       string
	Value     interface{}
	ExpiresAt time.Time
}

// IsExpired 检查是否过期
func (item *CacheItem) IsExpired(now time.Time) bool {
	if item.ExpiresAt.IsZero() {
		return false
	}
	return now.After(item.ExpiresAt)
}

// CacheConfig 缓存配置
type CacheConfig struct {
	MaxSize         int           `json:"max_size"`         // 每个分片的最大条目数
	DefaultTTL      time.Duration `json:"default_ttl"`      // 默认TTL，0表示不过期
	CleanupInterval time.Duration `json:"cleanup_interval"` // 过期清理间隔
	ShardCount      int           `json:"shard_count"`      // 分片数量(减少锁竞争)
}

// DefaultCacheConfig 默认缓存配置
func DefaultCacheConfig() *CacheConfig {
	return &CacheConfig{
		MaxSize:         10000,
		DefaultTTL:      time.Minute,
		CleanupInterval: time.Minute,
		ShardCount:      16,
	}
}

// CacheStats 缓存统计信息
type CacheStats struct {
	Items       int64 `json:"items"`
	Hits        int64 `json:"hits"`
	Misses      int64 `json:"misses"`
	Evictions   int64 `json:"evictions"`
	Expirations int64 `json:"expirations"`
}

// LRUNode LRU链表节点
type LRUNode struct {
	Item *CacheItem
	Prev *LRUNode
	Next *LRUNode
}

// LRUList LRU双向链表
type LRUList struct {
	head *LRUNode
	tail *LRUNode
	size int
}

// NewLRUList 创建新的LRU链表
func NewLRUList() *LRUList {
	head := &LRUNode{}
	tail := &LRUNode{}
	head.Next = tail
	tail.Prev = head

	return &LRUList{
		head: head,
		tail: tail,
	}
}

// AddToHead 添加节点到头部
func (l *LRUList) AddToHead(node *LRUNode) {
	node.Prev = l.head
	node.Next = l.head.Next
	l.head.Next.Prev = node
	l.head.Next = node
	l.size++
}

// RemoveNode 移除节点
func (l *LRUList) RemoveNode(node *LRUNode) {
	node.Prev.Next = node.Next
	node.Next.Prev = node.Prev
	node.Prev = nil
	node.Next = nil
	l.size--
}

// RemoveTail 移除尾部节点
func (l *LRUList) RemoveTail() *LRUNode {
	if l.size == 0 {
		return nil
	}
	last := l.tail.Prev
	l.RemoveNode(last)
	return last
}

// MoveToHead 移动节点到头部
func (l *LRUList) MoveToHead(node *LRUNode) {
	l.RemoveNode(node)
	l.AddToHead(node)
}

// Size 获取链表大小
func (l *LRUList) Size() int {
	return l.size
}
