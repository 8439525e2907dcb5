// Copyright (c) The Thumbgate Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package gcsutil implements the thumbnail cache store on a Google Cloud
// Storage bucket.
package gcsutil

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/openarchive/thumbgate/lib/thumbproxy"
)

var _ thumbproxy.CacheStore = (*Store)(nil)

// Store implements the [thumbproxy.CacheStore] interface on a GCS bucket.
type Store struct {
	client *storage.Client
	bucket *storage.BucketHandle
}

// NewStore creates a store targeting the specified bucket. The client signs
// retrieval URLs with its own credentials, so they must belong to a service
// account.
func NewStore(ctx context.Context, bucket string, opts ...option.ClientOption) (*Store, error) {
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create GCS client: %w", err)
	}
	return &Store{client: client, bucket: client.Bucket(bucket)}, nil
}

// Exists reports whether an object with the given key is present in the
// bucket. A missing object is (false, nil); any other failure propagates.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.bucket.Object(key).Attrs(ctx)
	if err == nil {
		return true, nil
	}
	if isNotFound(err) {
		return false, nil
	}
	return false, fmt.Errorf("attrs %q: %w", key, err)
}

// SignedURL returns a V4-signed GET URL for the object with the given key,
// valid for ttl. It does not check that the object exists.
func (s *Store) SignedURL(_ context.Context, key string, ttl time.Duration) (string, error) {
	u, err := s.bucket.SignedURL(key, &storage.SignedURLOptions{
		Scheme:  storage.SigningSchemeV4,
		Method:  http.MethodGet,
		Expires: time.Now().Add(ttl),
	})
	if err != nil {
		return "", fmt.Errorf("sign %q: %w", key, err)
	}
	return u, nil
}

// Close closes the underlying GCS client and releases resources.
func (s *Store) Close() error { return s.client.Close() }

// isNotFound reports whether err indicates that the object does not exist.
func isNotFound(err error) bool {
	if errors.Is(err, storage.ErrObjectNotExist) {
		return true
	}
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusNotFound
}
