package storage

import "context"

// ObjectStore is the two-bucket object storage surface the upload pipeline
// depends on. PresignPut hands the client a capability to upload bytes
// directly, bypassing this process and its request-size ceiling. Get is used
// only by the extraction worker; Put only by ownership migration. Delete is
// best-effort at the call sites that tolerate stale temp objects.
type ObjectStore interface {
	PresignPut(ctx context.Context, bucket, key, contentType string, sizeBytes int64) (string, map[string]string, error)
	Put(ctx context.Context, bucket, key string, data []byte, contentType string) error
	Get(ctx context.Context, bucket, key string) ([]byte, error)
	Delete(ctx context.Context, bucket, key string) error
}
