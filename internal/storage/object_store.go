package storage

import (
	"context"
	"io"
)

// ObjectStore is the artifact publication target. The combined results file
// is published with PutObject; preview folders with UploadDir.
type ObjectStore interface {
	PutObject(ctx context.Context, bucket, key string, data io.Reader) error

	UploadDir(ctx context.Context, bucket, prefix, src string) error
}
