package wsitiles

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingReader wraps a MemRangeReader and counts calls to ReadExactAt
// so tests can assert exactly how many remote fetches a path costs.
type countingReader struct {
	*MemRangeReader
	reads int64
}

func newCountingReader(id string, data []byte) *countingReader {
	return &countingReader{MemRangeReader: NewMemRangeReader(id, data)}
}

func (c *countingReader) ReadExactAt(ctx context.Context, offset, length int64) ([]byte, error) {
	atomic.AddInt64(&c.reads, 1)
	return c.MemRangeReader.ReadExactAt(ctx, offset, length)
}

func (c *countingReader) count() int64 { return atomic.LoadInt64(&c.reads) }

func makeData(n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = byte(i)
	}
	return out
}

func TestBlockCacheZeroLengthReadSkipsInner(t *testing.T) {
	inner := newCountingReader("s", makeData(1000))
	bc, err := NewBlockCache(inner, 100, 10, nil, nil)
	require.NoError(t, err)

	out, err := bc.ReadExactAt(context.Background(), 0, 0)
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.Equal(t, int64(0), inner.count())
}

func TestBlockCacheOutOfBounds(t *testing.T) {
	inner := newCountingReader("s", makeData(100))
	bc, err := NewBlockCache(inner, 50, 10, nil, nil)
	require.NoError(t, err)

	_, err = bc.ReadExactAt(context.Background(), 90, 50)
	require.Error(t, err)
	var ioErr *IoError
	require.ErrorAs(t, err, &ioErr)
	assert.Equal(t, IoRangeOutOfBounds, ioErr.Kind)
}

func TestBlockCacheSpanningTwoBlocksReadsOnceThenCaches(t *testing.T) {
	data := makeData(200)
	inner := newCountingReader("s", data)
	bc, err := NewBlockCache(inner, 100, 10, nil, nil)
	require.NoError(t, err)

	out, err := bc.ReadExactAt(context.Background(), 50, 100) // spans block 0 and block 1
	require.NoError(t, err)
	assert.Equal(t, data[50:150], out)
	assert.Equal(t, int64(2), inner.count())

	// Repeating the same read hits the cache for both blocks.
	out2, err := bc.ReadExactAt(context.Background(), 50, 100)
	require.NoError(t, err)
	assert.Equal(t, out, out2)
	assert.Equal(t, int64(2), inner.count())
}

func TestBlockCacheLRUEvictsLeastRecentlyUsed(t *testing.T) {
	data := makeData(500)
	inner := newCountingReader("s", data)
	bc, err := NewBlockCache(inner, 100, 2, nil, nil)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = bc.ReadExactAt(ctx, 0, 10) // block 0
	require.NoError(t, err)
	_, err = bc.ReadExactAt(ctx, 100, 10) // block 1
	require.NoError(t, err)
	_, err = bc.ReadExactAt(ctx, 200, 10) // block 2, evicts block 0 (capacity 2)
	require.NoError(t, err)
	assert.Equal(t, int64(3), inner.count())

	// Block 0 was evicted: re-reading it costs one more inner read.
	_, err = bc.ReadExactAt(ctx, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(4), inner.count())
}

// 10 concurrent readers of the same block must cause exactly one inner
// read.
func TestBlockCacheSingleflightCollapsesConcurrentReads(t *testing.T) {
	data := makeData(1000)
	inner := newCountingReader("s", data)
	bc, err := NewBlockCache(inner, 1000, 10, nil, nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([][]byte, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, err := bc.ReadExactAt(context.Background(), 0, 100)
			require.NoError(t, err)
			results[i] = out
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(1), inner.count())
	for _, r := range results {
		assert.Equal(t, data[:100], r)
	}
}

// failOnceReader fails its first ReadExactAt with a connection error and
// serves every later read from the wrapped MemRangeReader.
type failOnceReader struct {
	*MemRangeReader
	failed int32
}

func (f *failOnceReader) ReadExactAt(ctx context.Context, offset, length int64) ([]byte, error) {
	if atomic.CompareAndSwapInt32(&f.failed, 0, 1) {
		return nil, newConnectionError("transient failure", nil)
	}
	return f.MemRangeReader.ReadExactAt(ctx, offset, length)
}

func TestBlockCacheDoesNotCacheErrors(t *testing.T) {
	inner := &failOnceReader{MemRangeReader: NewMemRangeReader("s", makeData(10))}
	bc, err := NewBlockCache(inner, 5, 10, nil, nil)
	require.NoError(t, err)

	// A read beyond the object size fails the bounds check without
	// reaching the cache.
	_, err = bc.ReadExactAt(context.Background(), 100, 5)
	require.Error(t, err)

	// The first fetch of block 0 fails in the inner reader. That failure
	// must not poison the cache: the next read of the same block fetches
	// again and succeeds.
	_, err = bc.ReadExactAt(context.Background(), 0, 5)
	require.Error(t, err)

	out, err := bc.ReadExactAt(context.Background(), 0, 5)
	require.NoError(t, err)
	assert.Equal(t, makeData(10)[:5], out)
}
