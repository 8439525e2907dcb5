// Copyright (c) The Thumbgate Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package s3util implements the thumbnail cache store on an S3 bucket.
package s3util

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/openarchive/thumbgate/lib/thumbproxy"
)

var _ thumbproxy.CacheStore = (*Store)(nil)

// Store implements the [thumbproxy.CacheStore] interface on an S3 bucket.
type Store struct {
	// Client is the S3 client used to reach the bucket. Must be non-nil.
	Client *s3.Client

	// Bucket is the name of the bucket holding cached thumbnails.
	Bucket string

	initOnce sync.Once
	head     headAPI
	signer   signAPI
}

// headAPI and signAPI are the slices of the S3 surface the store touches,
// separated so tests can substitute fakes.
type headAPI interface {
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

type signAPI interface {
	PresignGetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

func (s *Store) init() {
	s.initOnce.Do(func() {
		if s.head == nil {
			s.head = s.Client
		}
		if s.signer == nil && s.Client != nil {
			s.signer = s3.NewPresignClient(s.Client)
		}
	})
}

// Exists reports whether an object with the given key is present in the
// bucket, using a metadata-only lookup. A missing object is (false, nil);
// any other failure from S3 propagates as an error so the caller can tell
// "not cached" apart from "cannot reach the cache".
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	s.init()
	_, err := s.head.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return true, nil
	}
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return false, nil
	}
	return false, fmt.Errorf("head %q: %w", key, err)
}

// SignedURL returns a presigned GET URL for the object with the given key,
// valid for ttl. It does not check that the object exists.
func (s *Store) SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	s.init()
	req, err := s.signer.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", fmt.Errorf("presign %q: %w", key, err)
	}
	return req.URL, nil
}

// BucketRegion reports the region hosting the specified bucket.
func BucketRegion(ctx context.Context, bucket string) (string, error) {
	// The lookup works from any region, it just needs somewhere to start.
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion("us-east-1"))
	if err != nil {
		return "", err
	}
	return manager.GetBucketRegion(ctx, s3.NewFromConfig(cfg), bucket)
}
