// Package blob stores opaque binary content in an S3-compatible bucket,
// content-addressed by SHA-256.
package blob

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
)

// UploadResult describes a stored object.
type UploadResult struct {
	Bucket    string `json:"bucket"`
	Key       string `json:"s3_key"`
	ETag      string `json:"etag"`
	SHA256    string `json:"sha256"`
	SizeBytes int64  `json:"size"`
}

// Store is the object-store surface the pipeline consumes.
type Store interface {
	Upload(ctx context.Context, data []byte, mime string) (*UploadResult, error)
	Download(ctx context.Context, key string) ([]byte, error)
	Close() error
}

func contentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func readAll(r io.Reader) ([]byte, error) {
	return io.ReadAll(r)
}
