package wsitiles

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// RangeReader reads byte ranges from a remote object and must be safely
// callable from multiple goroutines concurrently.
type RangeReader interface {
	ReadExactAt(ctx context.Context, offset, length int64) ([]byte, error)
	Size() int64
	Identifier() string
}

// S3RangeReader reads a single S3(-compatible) object by byte range.
// Construction performs one HEAD request to learn the object size; all
// subsequent reads are ranged GETs.
type S3RangeReader struct {
	client *s3.Client
	bucket string
	key    string
	size   int64
}

// NewS3RangeReader opens key in bucket, issuing the one HEAD request
// that establishes Size(). endpoint, when non-empty, forces path-style
// addressing for MinIO/compatible services.
func NewS3RangeReader(ctx context.Context, bucket, key, region, endpoint string) (*S3RangeReader, error) {
	if region == "" {
		region = DefaultS3Region
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, newConnectionError(fmt.Sprintf("loading AWS config: %v", err), err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})

	r := &S3RangeReader{client: client, bucket: bucket, key: key}

	head, err := client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, classifyS3Error(bucket+"/"+key, err)
	}
	if head.ContentLength != nil {
		r.size = *head.ContentLength
	}

	return r, nil
}

// ReadExactAt implements RangeReader. len == 0 returns without network I/O.
func (r *S3RangeReader) ReadExactAt(ctx context.Context, offset, length int64) ([]byte, error) {
	if length == 0 {
		return []byte{}, nil
	}
	if offset+length > r.size {
		return nil, newRangeOutOfBoundsError(uint64(offset), uint64(length), uint64(r.size))
	}

	byteRange := fmt.Sprintf("bytes=%d-%d", offset, offset+length-1)
	out, err := r.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(r.bucket),
		Key:    aws.String(r.key),
		Range:  aws.String(byteRange),
	})
	if err != nil {
		return nil, classifyS3Error(r.Identifier(), err)
	}
	defer out.Body.Close()

	buf, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, newConnectionError(fmt.Sprintf("reading response body: %v", err), err)
	}
	return buf, nil
}

// Size returns the object's total byte length, learned at construction.
func (r *S3RangeReader) Size() int64 { return r.size }

// Identifier returns a stable string for logging and cache keys.
func (r *S3RangeReader) Identifier() string { return r.bucket + "/" + r.key }

func classifyS3Error(key string, err error) error {
	// HeadObject models a missing key as types.NotFound; GetObject as
	// types.NoSuchKey.
	var notFound *types.NotFound
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &notFound) || errors.As(err, &noSuchKey) {
		return newNotFoundError(key, err)
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return newS3Error(fmt.Sprintf("%s: %s: %s", key, apiErr.ErrorCode(), apiErr.ErrorMessage()), err)
	}
	return newConnectionError(fmt.Sprintf("%s: %v", key, err), err)
}

// MemRangeReader is an in-memory RangeReader used by tests.
type MemRangeReader struct {
	id   string
	data []byte
}

// NewMemRangeReader wraps data as a RangeReader identified by id.
func NewMemRangeReader(id string, data []byte) *MemRangeReader {
	return &MemRangeReader{id: id, data: data}
}

func (m *MemRangeReader) ReadExactAt(_ context.Context, offset, length int64) ([]byte, error) {
	if length == 0 {
		return []byte{}, nil
	}
	size := int64(len(m.data))
	if offset+length > size {
		return nil, newRangeOutOfBoundsError(uint64(offset), uint64(length), uint64(size))
	}
	out := make([]byte, length)
	copy(out, m.data[offset:offset+length])
	return out, nil
}

func (m *MemRangeReader) Size() int64        { return int64(len(m.data)) }
func (m *MemRangeReader) Identifier() string { return m.id }
