package wsitiles

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// SlideSource opens the backing RangeReader for a slide_id. The
// S3-backed implementation resolves slide_id to a bucket key; tests
// use one that serves from an in-memory map.
type SlideSource interface {
	Open(ctx context.Context, slideID string) (RangeReader, error)
}

// SlideRegistry memoizes opened SlideReaders so the expensive open
// (header parse, IFD walk, tile-offset arrays) happens at most once
// per slide over a bounded period.
//
// Cache-miss opens are deduplicated with singleflight.Group, the same
// concurrency primitive BlockCache uses: at most one opener per
// slide_id, and a failed open never populates the cache, so a fresh
// open attempt is made by the next caller rather than replaying a
// cached error.
type SlideRegistry struct {
	source SlideSource
	config Config

	cache *lru.Cache[string, SlideReader]
	group singleflight.Group

	metrics *Metrics
	logger  *zap.SugaredLogger
}

// NewSlideRegistry constructs a registry with the given slide-cache
// capacity (default 100).
func NewSlideRegistry(source SlideSource, cfg Config, metrics *Metrics, logger *zap.SugaredLogger) (*SlideRegistry, error) {
	capacity := cfg.CacheSlides
	if capacity <= 0 {
		capacity = DefaultCacheSlides
	}
	cache, err := lru.New[string, SlideReader](capacity)
	if err != nil {
		return nil, err
	}
	return &SlideRegistry{source: source, config: cfg, cache: cache, metrics: metrics, logger: logger}, nil
}

// GetSlide returns the shared SlideReader for slideID, opening it on
// a cache miss.
func (s *SlideRegistry) GetSlide(ctx context.Context, slideID string) (SlideReader, error) {
	if reader, ok := s.cache.Get(slideID); ok {
		s.metrics.slideOpen("hit")
		return reader, nil
	}

	v, err, _ := s.group.Do(slideID, func() (interface{}, error) {
		if reader, ok := s.cache.Get(slideID); ok {
			return reader, nil
		}

		reader, err := s.openSlide(ctx, slideID)
		if err != nil {
			s.metrics.slideOpen("error")
			return nil, err
		}

		s.cache.Add(slideID, reader)
		s.metrics.slideOpen("miss")
		return reader, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(SlideReader), nil
}

// openSlide performs the full open path: open the backing RangeReader,
// wrap it in a per-slide BlockCache, detect
// format, and construct the matching SlideReader. A per-slide
// BlockCache is used rather than a shared one because tile requests
// within a slide share IFD metadata and neighboring tile rows;
// cross-slide sharing has no locality benefit.
func (s *SlideRegistry) openSlide(ctx context.Context, slideID string) (SlideReader, error) {
	raw, err := s.source.Open(ctx, slideID)
	if err != nil {
		return nil, err
	}

	cached, err := NewBlockCache(raw, s.config.BlockSize, s.config.CacheBlocks, s.metrics, s.logger)
	if err != nil {
		return nil, err
	}

	return openSlideReader(ctx, cached)
}

// S3SlideSource resolves a slide_id to an object key under a single
// configured bucket.
type S3SlideSource struct {
	Bucket   string
	Region   string
	Endpoint string
	KeyFunc  func(slideID string) string
}

func (s *S3SlideSource) Open(ctx context.Context, slideID string) (RangeReader, error) {
	key := slideID
	if s.KeyFunc != nil {
		key = s.KeyFunc(slideID)
	}
	return NewS3RangeReader(ctx, s.Bucket, key, s.Region, s.Endpoint)
}

// SlideInfo is one entry of SlideLister.List's result.
type SlideInfo struct {
	ID           string    `json:"id"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"last_modified"`
}

// SlideLister is the optional listing half of the slide source
// interface. Not every SlideSource needs to support it; the HTTP
// /slides route degrades to 501 when the configured source doesn't.
type SlideLister interface {
	List(ctx context.Context, prefix string, limit int) (slides []SlideInfo, nextToken string, err error)
}

// List implements SlideLister against the configured S3 bucket with one
// ListObjectsV2 call. It returns the first page under prefix and the
// page's continuation token as nextToken; it takes no token, so it does
// not resume from a later page.
func (s *S3SlideSource) List(ctx context.Context, prefix string, limit int) ([]SlideInfo, string, error) {
	region := s.Region
	if region == "" {
		region = DefaultS3Region
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, "", newConnectionError(err.Error(), err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if s.Endpoint != "" {
			o.BaseEndpoint = aws.String(s.Endpoint)
			o.UsePathStyle = true
		}
	})

	input := &s3.ListObjectsV2Input{Bucket: aws.String(s.Bucket)}
	if prefix != "" {
		input.Prefix = aws.String(prefix)
	}
	if limit > 0 {
		input.MaxKeys = aws.Int32(int32(limit))
	}

	out, err := client.ListObjectsV2(ctx, input)
	if err != nil {
		return nil, "", classifyS3Error(s.Bucket, err)
	}

	slides := make([]SlideInfo, 0, len(out.Contents))
	for _, obj := range out.Contents {
		info := SlideInfo{ID: aws.ToString(obj.Key)}
		if obj.Size != nil {
			info.Size = *obj.Size
		}
		if obj.LastModified != nil {
			info.LastModified = *obj.LastModified
		}
		slides = append(slides, info)
	}

	next := ""
	if out.NextContinuationToken != nil {
		next = *out.NextContinuationToken
	}
	return slides, next, nil
}
