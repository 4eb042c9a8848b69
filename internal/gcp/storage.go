package gcp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
)

// ObjectStore provides byte-blob access to a single GCS bucket. Handlers
// receive it as an injected dependency; there is no package-level client.
type ObjectStore struct {
	client *storage.Client
	bucket string
}

// NewObjectStore wraps an existing storage client for one bucket.
func NewObjectStore(client *storage.Client, bucket string) *ObjectStore {
	return &ObjectStore{client: client, bucket: bucket}
}

// Bucket returns the bucket name this store writes to.
func (s *ObjectStore) Bucket() string {
	return s.bucket
}

// Get reads the full contents of an object.
func (s *ObjectStore) Get(ctx context.Context, key string) ([]byte, error) {
	reader, err := s.client.Bucket(s.bucket).Object(key).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open gs://%s/%s: %w", s.bucket, key, err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read gs://%s/%s: %w", s.bucket, key, err)
	}
	return data, nil
}

// Put writes an object, retrying transient failures with exponential backoff.
// Writes are conditional on the object not existing: a precondition failure is
// treated as success, since all derived artifacts live under a content-hash
// prefix and identical keys hold identical bytes.
func (s *ObjectStore) Put(ctx context.Context, key string, data []byte, contentType, cacheControl string) error {
	const maxRetries = 4
	backoff := 1 * time.Second
	var lastErr error

	for i := 0; i < maxRetries; i++ {
		err := s.putOnce(ctx, key, data, contentType, cacheControl)
		if err == nil {
			return nil
		}
		var gerr *googleapi.Error
		if errors.As(err, &gerr) && gerr.Code == 412 {
			// Object already exists with these bytes.
			return nil
		}
		lastErr = err
		slog.Warn("Upload failed, will retry.",
			"gcsObject", key,
			"attempt", i+1,
			"maxRetries", maxRetries,
			"backoff", backoff.String(),
			"error", err,
		)
		select {
		case <-time.After(backoff):
			backoff *= 2
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("upload for gs://%s/%s failed after all retries: %w", s.bucket, key, lastErr)
}

func (s *ObjectStore) putOnce(ctx context.Context, key string, data []byte, contentType, cacheControl string) error {
	writeCtx, cancel := context.WithTimeout(ctx, 50*time.Second)
	defer cancel()

	writer := s.client.Bucket(s.bucket).Object(key).If(storage.Conditions{DoesNotExist: true}).NewWriter(writeCtx)
	writer.ContentType = contentType
	writer.CacheControl = cacheControl

	if _, err := io.Copy(writer, bytes.NewReader(data)); err != nil {
		_ = writer.Close()
		return fmt.Errorf("io.Copy to GCS failed: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to finalize GCS write: %w", err)
	}
	return nil
}

// DeleteMany removes a set of objects. Missing objects are not an error.
func (s *ObjectStore) DeleteMany(ctx context.Context, keys []string) error {
	for _, key := range keys {
		err := s.client.Bucket(s.bucket).Object(key).Delete(ctx)
		if err != nil && err != storage.ErrObjectNotExist {
			return fmt.Errorf("failed to delete gs://%s/%s: %w", s.bucket, key, err)
		}
	}
	return nil
}
