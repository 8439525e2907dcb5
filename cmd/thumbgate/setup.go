// Copyright (c) The Thumbgate Authors
// SPDX-License-Identifier: BSD-3-Clause

package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/creachadair/command"
	"google.golang.org/api/option"
	"tailscale.com/tsweb"

	"github.com/openarchive/thumbgate/lib/backfill"
	"github.com/openarchive/thumbgate/lib/gcsutil"
	"github.com/openarchive/thumbgate/lib/itemapi"
	"github.com/openarchive/thumbgate/lib/s3util"
	"github.com/openarchive/thumbgate/lib/thumbproxy"
)

// initStore initializes the cache store selected by the bucket flags.
// Exactly one of --s3-bucket or --gcs-bucket must be set. The cleanup
// function must be called when the store is no longer needed.
func initStore(env *command.Env) (_ thumbproxy.CacheStore, cleanup func() error, _ error) {
	switch {
	case flags.S3Bucket != "" && flags.GCSBucket != "":
		return nil, nil, env.Usagef("you must provide only one bucket flag (--s3-bucket or --gcs-bucket)")

	case flags.S3Bucket != "":
		vprintf("S3 cache bucket: %s", flags.S3Bucket)
		client, err := initS3Client(env)
		if err != nil {
			return nil, nil, fmt.Errorf("initialize S3 client: %w", err)
		}
		return &s3util.Store{Client: client, Bucket: flags.S3Bucket}, noErr, nil

	case flags.GCSBucket != "":
		vprintf("GCS cache bucket: %s", flags.GCSBucket)
		var opts []option.ClientOption
		if flags.GCSKeyFile != "" {
			opts = append(opts, option.WithCredentialsFile(flags.GCSKeyFile))
		}
		store, err := gcsutil.NewStore(env.Context(), flags.GCSBucket, opts...)
		if err != nil {
			return nil, nil, fmt.Errorf("initialize GCS client: %w", err)
		}
		return store, store.Close, nil

	default:
		return nil, nil, env.Usagef("you must provide a bucket (--s3-bucket or --gcs-bucket)")
	}
}

// initS3Client initializes an Amazon S3 client for the cache bucket.
func initS3Client(env *command.Env) (*s3.Client, error) {
	region := flags.S3Region
	if region == "" {
		var err error
		region, err = s3util.BucketRegion(env.Context(), flags.S3Bucket)
		if err != nil {
			return nil, fmt.Errorf("resolve region for bucket %q: %w", flags.S3Bucket, err)
		}
	}
	vprintf("S3 region: %s", region)

	cfg, err := config.LoadDefaultConfig(env.Context(), config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	opts := []func(*s3.Options){}
	if flags.S3Endpoint != "" {
		vprintf("S3 endpoint URL: %s", flags.S3Endpoint)
		opts = append(opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(flags.S3Endpoint)
		})
	}
	if flags.S3PathStyle {
		vprintf("S3 path-style URLs enabled")
		opts = append(opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}
	return s3.NewFromConfig(cfg, opts...), nil
}

// initResolver initializes the item metadata API client. The access token
// comes from --api-key or, failing that, $THUMBGATE_API_KEY.
func initResolver(env *command.Env) (*itemapi.Client, error) {
	if flags.APIURL == "" {
		return nil, env.Usagef("you must provide an --api-url")
	}
	key := flags.APIKey
	if key == "" {
		key = os.Getenv("THUMBGATE_API_KEY")
	}
	if key == "" {
		return nil, env.Usagef("you must provide an --api-key (or set THUMBGATE_API_KEY)")
	}
	return &itemapi.Client{
		BaseURL:   strings.TrimSuffix(flags.APIURL, "/"),
		AuthToken: key,
		Logf:      vprintf,
	}, nil
}

// initQueue initializes the backfill queue, if one is configured. It returns
// nil without error when --queue-url is empty, and the gateway serves misses
// without signaling for backfill.
func initQueue(env *command.Env) (thumbproxy.BackfillQueue, error) {
	if flags.QueueURL == "" {
		vprintf("no --queue-url set, backfill disabled")
		return nil, nil
	}
	cfgOpts := []func(*config.LoadOptions) error{}
	if flags.S3Region != "" {
		cfgOpts = append(cfgOpts, config.WithRegion(flags.S3Region))
	}
	cfg, err := config.LoadDefaultConfig(env.Context(), cfgOpts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	vprintf("backfill queue: %s", flags.QueueURL)
	return &backfill.Queue{
		Client:   sqs.NewFromConfig(cfg),
		QueueURL: flags.QueueURL,
	}, nil
}

// makeHandler returns an HTTP handler that dispatches thumbnail requests to
// the proxy and serves the health check and debug endpoints.
func makeHandler(proxy http.Handler) http.HandlerFunc {
	mux := http.NewServeMux()
	tsweb.Debugger(mux)
	start := time.Now()
	return func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		if strings.HasPrefix(path, "/debug/") {
			mux.ServeHTTP(w, r)
			return
		}
		if r.Method == http.MethodGet || r.Method == http.MethodHead {
			if strings.HasPrefix(path, "/thumb/") {
				proxy.ServeHTTP(w, r)
				return
			}
			if path == "/health" {
				w.Header().Set("Content-Type", "application/json")
				json.NewEncoder(w).Encode(map[string]any{
					"message":   "OK",
					"uptime":    time.Since(start).Seconds(),
					"timestamp": time.Now().UnixMilli(),
				})
				return
			}
		}
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	}
}

// noErr is a cleanup function for stores with nothing to release.
func noErr() error { return nil }
