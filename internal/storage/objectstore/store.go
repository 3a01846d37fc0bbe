package objectstore

import (
	"context"
	"io"
)

// Store abstracts the S3-compatible storage the pipeline writes
// bundles to.
type Store interface {
	Put(ctx context.Context, bucket, key string, body io.Reader, size int64, contentType string) error
	// Copy duplicates an object within the store; relocation is a copy
	// followed by a delete of the source.
	Copy(ctx context.Context, bucket, srcKey, dstKey string) error
	Delete(ctx context.Context, bucket, key string) error
}
