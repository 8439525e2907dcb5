// Copyright (c) The Thumbgate Authors
// SPDX-License-Identifier: BSD-3-Clause

// Program thumbgate is an image-thumbnail delivery gateway. It serves item
// thumbnails out of an object-store cache, proxying the contributor's own
// copy on a cache miss and signaling a queue so the miss gets backfilled.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/creachadair/command"
	"github.com/creachadair/flax"
)

var flags struct {
	S3Bucket    string `flag:"s3-bucket,S3 bucket holding cached thumbnails"`
	S3Region    string `flag:"s3-region,S3 region (default: resolved from the bucket)"`
	S3Endpoint  string `flag:"s3-endpoint,Custom S3 endpoint URL"`
	S3PathStyle bool   `flag:"s3-path-style,Use S3 path-style addressing"`
	GCSBucket   string `flag:"gcs-bucket,GCS bucket holding cached thumbnails"`
	GCSKeyFile  string `flag:"gcs-key-file,Path of a GCS service account key file"`
	KeyPrefix   string `flag:"key-prefix,Prefix to prepend to cache store keys"`
	APIURL      string `flag:"api-url,Base URL of the item metadata API"`
	APIKey      string `flag:"api-key,Access token for the item metadata API (default $THUMBGATE_API_KEY)"`
	QueueURL    string `flag:"queue-url,SQS queue URL for cache backfill requests (empty: backfill disabled)"`
	Verbose     bool   `flag:"v,Enable verbose logging"`
	DebugLog    bool   `flag:"debug-requests,Log each request handled by the gateway (noisy)"`
}

func main() {
	root := &command.C{
		Name:  filepath.Base(os.Args[0]),
		Usage: "[options] command [args...]\nhelp [command]",
		Help: `Serve item thumbnails from an object-store cache.

On a cache hit, the image is streamed from the store via a signed URL.
On a miss, the contributor's copy is resolved through the item metadata
API and proxied live, and a backfill request is queued so the cache has
the image next time.`,

		SetFlags: command.Flags(flax.MustBind, &flags),
		Commands: []*command.C{
			{
				Name:     "serve",
				Help:     "Run the thumbnail gateway service.",
				SetFlags: command.Flags(flax.MustBind, &serveFlags),
				Run:      command.Adapt(runServe),
			},
			{
				Name:  "exists",
				Usage: "<item-id>",
				Help:  "Probe the cache store for an item's thumbnail.",
				Run:   command.Adapt(runExists),
			},
			{
				Name:  "resolve",
				Usage: "<item-id>",
				Help:  "Resolve an item's upstream image URL via the metadata API.",
				Run:   command.Adapt(runResolve),
			},
			command.HelpCommand(nil),
			command.VersionCommand(),
		},
	}
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	command.RunOrFail(root.NewEnv(nil).SetContext(ctx), os.Args[1:])
}

func vprintf(msg string, args ...any) {
	if flags.Verbose {
		log.Printf(msg, args...)
	}
}
