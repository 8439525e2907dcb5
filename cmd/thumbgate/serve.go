// Copyright (c) The Thumbgate Authors
// SPDX-License-Identifier: BSD-3-Clause

package main

import (
	"context"
	"errors"
	"expvar"
	"log"
	"net/http"
	"time"

	"github.com/creachadair/command"
	"github.com/creachadair/taskgroup"

	"github.com/openarchive/thumbgate/lib/thumbproxy"
)

var serveFlags struct {
	HTTP          string `flag:"http,default=:3000,Service address (host:port)"`
	BackfillTasks int    `flag:"backfill-tasks,default=16,Maximum concurrent backfill dispatches"`
}

func runServe(env *command.Env) error {
	store, closeStore, err := initStore(env)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeStore(); err != nil {
			log.Printf("WARNING: close cache store: %v", err)
		}
	}()

	resolver, err := initResolver(env)
	if err != nil {
		return err
	}
	queue, err := initQueue(env)
	if err != nil {
		return err
	}

	proxy := &thumbproxy.Server{
		Store:        store,
		Resolver:     resolver,
		Queue:        queue,
		KeyPrefix:    flags.KeyPrefix,
		MaxBackfills: serveFlags.BackfillTasks,
		Logf:         log.Printf,
		LogRequests:  flags.DebugLog,
	}
	expvar.Publish("thumbproxy", proxy.Metrics())

	srv := &http.Server{
		Addr:    serveFlags.HTTP,
		Handler: makeHandler(proxy),

		// Bound how long a client may dribble out its request line.
		ReadHeaderTimeout: 3 * time.Second,
	}

	ctx, cancel := context.WithCancel(env.Context())
	defer cancel()
	g := taskgroup.New(cancel)
	g.Go(func() error {
		err := srv.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Run(func() {
		<-ctx.Done()
		vprintf("stopping gateway server")
		sctx, scancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer scancel()
		srv.Shutdown(sctx)
	})

	log.Printf("thumbgate listening at %s", serveFlags.HTTP)
	err = g.Wait()

	// Let pending backfill dispatches drain before exiting.
	if cerr := proxy.Close(); cerr != nil {
		log.Printf("WARNING: close gateway: %v", cerr)
	}
	return err
}
