package cache

import (
	"errors"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"
)

const (
	maxShardCount      = 256
	minShardCapacity   = 8
	cleanupSampleCount = 20
)

var (
	ErrCacheIsNotFound = errors.New("cache is not found")
	ErrCacheWasExpired = errors.New("cache was expired")
)

type Hasher[K comparable] func(K) uint64

type EvictCallback func(any, any)

type Cache[K comparable, V any] interface {
	Get(K) (V, error)
	Set(K, V)
	Delete(K)
	Len() int
	Stop()
}

type entry[K comparable, V any] struct {
	key        K
	value      V
	expiresAt  int64 // nanoseconds, 0 never expires
	prev, next *entry[K, V]
}

type cacheShard[K comparable, V any] struct {
	sync.Mutex
	items      map[K]*entry[K, V]
	head, tail *entry[K, V]
	capacity   int
	evictFn    EvictCallback
}

// ShardedLRU spreads keys over a power-of-two number of LRU shards.
// The effective capacity is the requested capacity rounded up to a
// multiple of the shard count.
type ShardedLRU[K comparable, V any] struct {
	*options
	nowUnixNano int64
	hasher      Hasher[K]
	shardMask   uint64
	closeOnce   sync.Once
	closeCh     chan struct{}
	shards      []*cacheShard[K, V]
}

func New[K comparable, V any](hashFunc Hasher[K], opt ...Option) Cache[K, V] {
	opts := newOptions(opt...)

	if hashFunc == nil {
		panic("hashFunc is required for sharded cache")
	}

	shardCount := shardCountFor(opts.capacity)
	shardCap := (opts.capacity + shardCount - 1) / shardCount

	c := &ShardedLRU[K, V]{
		options:     opts,
		hasher:      hashFunc,
		shardMask:   uint64(shardCount - 1),
		nowUnixNano: time.Now().UnixNano(),
		closeCh:     make(chan struct{}),
		shards:      make([]*cacheShard[K, V], shardCount),
	}

	for i := range shardCount {
		c.shards[i] = newShard[K, V](shardCap, opts.evictFn)
	}

	if opts.bgCheckInterval > 0 && opts.expiration > 0 {
		go c.bgCleanup()
	}
	// use fast time instead of go time.Now()
	if opts.timeUnixNanoFn == nil {
		opts.timeUnixNanoFn = func() int64 { return atomic.LoadInt64(&c.nowUnixNano) }
		go c.updateTimeTicker()
	}

	return c
}

// shardCountFor returns the largest power of two that keeps at least
// minShardCapacity entries per shard, clamped to [1, maxShardCount].
func shardCountFor(capacity int) int {
	n := 1
	for n < maxShardCount && (n*2)*minShardCapacity <= capacity {
		n *= 2
	}
	return n
}

func newShard[K comparable, V any](cap int, evictFn EvictCallback) *cacheShard[K, V] {
	s := &cacheShard[K, V]{
		items:    make(map[K]*entry[K, V], cap),
		capacity: cap,
		head:     &entry[K, V]{}, // Sentinel Head
		tail:     &entry[K, V]{}, // Sentinel Tail
		evictFn:  evictFn,
	}
	s.head.next = s.tail
	s.tail.prev = s.head
	return s
}

func (c *ShardedLRU[K, V]) shard(key K) *cacheShard[K, V] {
	return c.shards[c.hasher(key)&c.shardMask]
}

func (c *ShardedLRU[K, V]) expiresAt() int64 {
	if c.expiration <= 0 {
		return 0
	}
	return c.timeUnixNanoFn() + c.expiration.Nanoseconds()
}

func (c *ShardedLRU[K, V]) Get(key K) (V, error) {
	shard := c.shard(key)

	shard.Lock()
	defer shard.Unlock()

	entry, exists := shard.items[key]
	if !exists {
		var zero V
		return zero, ErrCacheIsNotFound
	}

	if entry.expiresAt > 0 && c.timeUnixNanoFn() >= entry.expiresAt {
		if c.deleteExpiredCacheOnGet {
			shard.removeNode(entry)
		}
		var zero V
		return zero, ErrCacheWasExpired
	}

	if c.updateCacheExpirationOnGet {
		entry.expiresAt = c.expiresAt()
	}

	shard.moveToHead(entry)

	return entry.value, nil
}

func (c *ShardedLRU[K, V]) Set(key K, value V) {
	shard := c.shard(key)

	shard.Lock()
	defer shard.Unlock()

	if node, exists := shard.items[key]; exists {
		node.value = value
		node.expiresAt = c.expiresAt()
		shard.moveToHead(node)
		return
	}

	newEntry := &entry[K, V]{
		key:       key,
		value:     value,
		expiresAt: c.expiresAt(),
	}

	if len(shard.items) >= shard.capacity {
		shard.removeOldest()
	}

	shard.items[key] = newEntry
	shard.addToHead(newEntry)
}

func (c *ShardedLRU[K, V]) Delete(key K) {
	shard := c.shard(key)

	shard.Lock()
	defer shard.Unlock()

	if entry, exists := shard.items[key]; exists {
		shard.removeNode(entry)
	}
}

func (c *ShardedLRU[K, V]) Len() int {
	var n int
	for _, shard := range c.shards {
		shard.Lock()
		n += len(shard.items)
		shard.Unlock()
	}
	return n
}

func (c *ShardedLRU[K, V]) updateTimeTicker() {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-c.closeCh:
			return
		case <-ticker.C:
			atomic.StoreInt64(&c.nowUnixNano, time.Now().UnixNano())
		}
	}
}

func (c *ShardedLRU[K, V]) bgCleanup() {
	interval := c.bgCheckInterval
	timer := time.NewTimer(interval)
	defer timer.Stop()
	for {
		select {
		case <-c.closeCh:
			return
		case <-timer.C:
			c.cleanupCycle()
			timer.Reset(interval)
		}
	}
}

func (c *ShardedLRU[K, V]) cleanupCycle() {
	timeNow := c.timeUnixNanoFn()

	for _, shard := range c.shards {
		shard.Lock()
		cleanCount := 0
		for _, entry := range shard.items {
			if cleanCount >= cleanupSampleCount {
				break
			}
			if entry.expiresAt > 0 && timeNow >= entry.expiresAt {
				shard.removeNode(entry)
			}
			cleanCount++
		}
		shard.Unlock()
	}
}

func (c *ShardedLRU[K, V]) Stop() {
	c.closeOnce.Do(func() { close(c.closeCh) })
}

func (s *cacheShard[K, V]) addToHead(n *entry[K, V]) {
	n.prev = s.head
	n.next = s.head.next
	s.head.next.prev = n
	s.head.next = n
}

func (s *cacheShard[K, V]) removeNode(n *entry[K, V]) {
	n.prev.next = n.next
	n.next.prev = n.prev
	n.prev = nil
	n.next = nil

	delete(s.items, n.key)

	if s.evictFn != nil {
		s.evictFn(n.key, n.value)
	}
}

func (s *cacheShard[K, V]) moveToHead(n *entry[K, V]) {
	n.prev.next = n.next
	n.next.prev = n.prev

	s.addToHead(n)
}

func (s *cacheShard[K, V]) removeOldest() {
	oldest := s.tail.prev
	if oldest != s.head {
		s.removeNode(oldest)
	}
}

func StringHasher(s string) uint64 {
	h := fnv.New64a()
	h.Write(unsafe.Slice(unsafe.StringData(s), len(s)))
	return h.Sum64()
}

func NewStringCache[V any](opt ...Option) Cache[string, V] {
	return New[string, V](StringHasher, opt...)
}
