package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// GCSStore implements ObjectStore on Google Cloud Storage.
type GCSStore struct {
	client *storage.Client
	bucket string
}

// NewGCSStore builds a GCS client. An empty credentialsFile falls back to
// application default credentials.
func NewGCSStore(ctx context.Context, bucket, credentialsFile string) (*GCSStore, error) {
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return nil, errors.New("gcs bucket is required")
	}
	opts := []option.ClientOption{option.WithScopes(storage.ScopeReadWrite)}
	if path := strings.TrimSpace(credentialsFile); path != "" {
		opts = append(opts, option.WithCredentialsFile(path))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("init gcs client: %w", err)
	}
	return &GCSStore{client: client, bucket: bucket}, nil
}

// Put uploads an object.
func (g *GCSStore) Put(ctx context.Context, key string, r io.Reader, _ int64, contentType string) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()
	w := g.client.Bucket(g.bucket).Object(key).NewWriter(ctx)
	w.ContentType = contentType
	if _, err := io.Copy(w, r); err != nil {
		_ = w.Close()
		return fmt.Errorf("write gcs object: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close gcs writer: %w", err)
	}
	return nil
}

// PresignGet generates a V4 signed GET URL.
func (g *GCSStore) PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error) {
	handle := g.client.Bucket(g.bucket)
	if _, err := handle.Object(key).Attrs(ctx); err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return "", ErrObjectNotFound
		}
		return "", fmt.Errorf("gcs object attrs: %w", err)
	}
	url, err := handle.SignedURL(key, &storage.SignedURLOptions{
		Method:  "GET",
		Expires: time.Now().Add(expiry),
		Scheme:  storage.SigningSchemeV4,
	})
	if err != nil {
		return "", fmt.Errorf("sign gcs url: %w", err)
	}
	return url, nil
}

// Delete removes an object. Missing objects are not an error.
func (g *GCSStore) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := g.client.Bucket(g.bucket).Object(key).Delete(ctx); err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("delete gcs object %q: %w", key, err)
	}
	return nil
}
