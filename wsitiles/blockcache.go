package wsitiles

import (
	"context"
	"strconv"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// BlockCache wraps a RangeReader, presenting the same interface while
// amortizing remote latency over fixed-size blocks. WSI parsing issues
// many small scattered reads (header, IFD entries, tile-offset arrays);
// per-read remote round-trips would be prohibitive.
//
// Concurrency-correctness rests entirely on singleflight.Group: at most
// one fetch per block index is ever in flight, and singleflight's own
// bookkeeping removes the in-flight entry before waking waiters.
// singleflight.Group never caches a result itself, so a failed fetch
// never becomes sticky; the next reader for the same block becomes the
// new leader.
type BlockCache struct {
	inner     RangeReader
	blockSize int64

	mu    sync.RWMutex
	cache *lru.Cache[int64, []byte]

	group   singleflight.Group
	metrics *Metrics
	logger  *zap.SugaredLogger
	slideID string
}

// NewBlockCache wraps inner with a block cache of the given block size
// and block capacity.
func NewBlockCache(inner RangeReader, blockSize int64, capacity int, metrics *Metrics, logger *zap.SugaredLogger) (*BlockCache, error) {
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}
	if capacity <= 0 {
		capacity = DefaultCacheBlocks
	}
	cache, err := lru.New[int64, []byte](capacity)
	if err != nil {
		return nil, err
	}
	return &BlockCache{
		inner:     inner,
		blockSize: blockSize,
		cache:     cache,
		metrics:   metrics,
		logger:    logger,
		slideID:   inner.Identifier(),
	}, nil
}

// Size delegates to the wrapped RangeReader.
func (b *BlockCache) Size() int64 { return b.inner.Size() }

// Identifier delegates to the wrapped RangeReader.
func (b *BlockCache) Identifier() string { return b.inner.Identifier() }

// ReadExactAt reads [offset, offset+length) by composing one or more
// cached blocks.
func (b *BlockCache) ReadExactAt(ctx context.Context, offset, length int64) ([]byte, error) {
	size := b.inner.Size()
	if offset+length > size {
		return nil, newRangeOutOfBoundsError(uint64(offset), uint64(length), uint64(size))
	}
	if length == 0 {
		return []byte{}, nil
	}

	startBlock := offset / b.blockSize
	endBlock := (offset + length - 1) / b.blockSize

	// A read inside a single block is a zero-copy slice of the cached
	// block.
	if startBlock == endBlock {
		block, err := b.getBlock(ctx, startBlock)
		if err != nil {
			return nil, err
		}
		lo := offset - startBlock*b.blockSize
		return block[lo : lo+length : lo+length], nil
	}

	out := make([]byte, 0, length)
	for idx := startBlock; idx <= endBlock; idx++ {
		block, err := b.getBlock(ctx, idx)
		if err != nil {
			return nil, err
		}

		blockStart := idx * b.blockSize
		lo := int64(0)
		if offset > blockStart {
			lo = offset - blockStart
		}
		hi := int64(len(block))
		blockEnd := blockStart + int64(len(block))
		if offset+length < blockEnd {
			hi = offset + length - blockStart
		}
		out = append(out, block[lo:hi]...)
	}
	return out, nil
}

// getBlock returns the cached bytes for block idx, fetching it through
// the wrapped reader on a cache miss. Concurrent callers for the same
// idx share one fetch.
func (b *BlockCache) getBlock(ctx context.Context, idx int64) ([]byte, error) {
	b.mu.RLock()
	block, ok := b.cache.Peek(idx)
	b.mu.RUnlock()
	if ok {
		b.metrics.blockCacheHit(b.slideID)
		return block, nil
	}

	b.metrics.blockCacheMiss(b.slideID)
	key := strconv.FormatInt(idx, 10)

	v, err, _ := b.group.Do(key, func() (interface{}, error) {
		b.mu.RLock()
		block, ok := b.cache.Peek(idx)
		b.mu.RUnlock()
		if ok {
			return block, nil
		}

		blockStart := idx * b.blockSize
		size := b.inner.Size()
		blockLen := b.blockSize
		if blockStart+blockLen > size {
			blockLen = size - blockStart
		}

		tracker := b.metrics.startBucketRequest(b.slideID)
		data, err := b.inner.ReadExactAt(ctx, blockStart, blockLen)
		if err != nil {
			tracker.finish("error")
			return nil, err
		}
		tracker.finish("ok")

		b.mu.Lock()
		b.cache.Add(idx, data)
		n := b.cache.Len()
		b.mu.Unlock()
		b.metrics.setBlockCacheEntries(b.slideID, n)

		return data, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}
