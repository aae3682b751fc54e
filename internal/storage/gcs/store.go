// Package gcs persists resume tokens as objects in Google Cloud Storage.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"

	"github.com/catalogcrawl/catalogcrawl/internal/crawl"
)

// TokenStore writes one object per session under sessions/<id>/latest.json.
type TokenStore struct {
	client *storage.Client
	bucket string
}

// NewTokenStore creates a client and verifies the bucket is reachable, so
// misconfiguration fails at startup instead of at the first checkpoint.
// Authentication uses Application Default Credentials.
func NewTokenStore(ctx context.Context, bucket string) (*TokenStore, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create GCS client: %w", err)
	}
	if _, err := client.Bucket(bucket).Attrs(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("get GCS bucket %q attributes: %w", bucket, err)
	}
	return &TokenStore{client: client, bucket: bucket}, nil
}

// SaveToken uploads the token, replacing the prior object.
func (s *TokenStore) SaveToken(ctx context.Context, sessionID string, token []byte) error {
	w := s.client.Bucket(s.bucket).Object(objectName(sessionID)).NewWriter(ctx)
	w.ContentType = "application/json"
	if _, err := w.Write(token); err != nil {
		_ = w.Close()
		return fmt.Errorf("write token object: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finalize token object: %w", err)
	}
	return nil
}

// LoadToken downloads the session's latest token.
func (s *TokenStore) LoadToken(ctx context.Context, sessionID string) ([]byte, error) {
	r, err := s.client.Bucket(s.bucket).Object(objectName(sessionID)).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, crawl.ErrTokenNotFound
		}
		return nil, fmt.Errorf("open token object: %w", err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read token object: %w", err)
	}
	return data, nil
}

// Close releases the underlying client.
func (s *TokenStore) Close() error {
	return s.client.Close()
}

func objectName(sessionID string) string {
	return "sessions/" + sessionID + "/latest.json"
}
