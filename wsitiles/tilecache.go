package wsitiles

import (
	"container/list"
	"fmt"
	"sync"
)

// TileCacheKey identifies one encoded tile. Composite equality over
// all five fields.
type TileCacheKey struct {
	SlideID string
	Level   int
	X       int
	Y       int
	Quality int
}

func (k TileCacheKey) String() string {
	return fmt.Sprintf("%s/%d/%d/%d@%d", k.SlideID, k.Level, k.X, k.Y, k.Quality)
}

type tileCacheEntry struct {
	key   TileCacheKey
	bytes []byte
}

// TileCache is a size-bounded LRU of encoded tile bytes. A single
// mutex guards the list and the running byte total; entries are short
// byte buffers, so there is nothing worth overlapping.
type TileCache struct {
	mu sync.Mutex

	entries   map[TileCacheKey]*list.Element
	evictList *list.List
	totalSize int64

	byteCapacity int64
	maxEntries   int
}

// NewTileCache constructs a TileCache with the given byte capacity and
// max entry count (defaults: 100 MiB / 10000 entries).
func NewTileCache(byteCapacity int64, maxEntries int) *TileCache {
	if byteCapacity <= 0 {
		byteCapacity = DefaultCacheTilesBytes
	}
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	return &TileCache{
		entries:      make(map[TileCacheKey]*list.Element),
		evictList:    list.New(),
		byteCapacity: byteCapacity,
		maxEntries:   maxEntries,
	}
}

// Get returns the cached bytes for key and records LRU access.
func (c *TileCache) Get(key TileCacheKey) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	c.evictList.MoveToFront(elem)
	return elem.Value.(*tileCacheEntry).bytes, true
}

// Put inserts bytes under key, then evicts least-recently-used entries
// until both the byte-capacity and max-entries bounds hold.
func (c *TileCache) Put(key TileCacheKey, value []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key]; ok {
		old := elem.Value.(*tileCacheEntry)
		c.totalSize -= int64(len(old.bytes))
		old.bytes = value
		c.totalSize += int64(len(value))
		c.evictList.MoveToFront(elem)
	} else {
		elem := c.evictList.PushFront(&tileCacheEntry{key: key, bytes: value})
		c.entries[key] = elem
		c.totalSize += int64(len(value))
	}

	for c.totalSize > c.byteCapacity || len(c.entries) > c.maxEntries {
		back := c.evictList.Back()
		if back == nil {
			break
		}
		c.evictList.Remove(back)
		ent := back.Value.(*tileCacheEntry)
		delete(c.entries, ent.key)
		c.totalSize -= int64(len(ent.bytes))
	}
}

// Len returns the current entry count, for tests and metrics.
func (c *TileCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// TotalSize returns the current running byte total, for tests
// asserting that it equals the sum of cached entry lengths.
func (c *TileCache) TotalSize() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totalSize
}
