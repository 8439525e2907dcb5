// Copyright (c) The Thumbgate Authors
// SPDX-License-Identifier: BSD-3-Clause

package main

import (
	"fmt"
	"log"
	"path"
	"time"

	"github.com/creachadair/command"

	"github.com/openarchive/thumbgate/lib/thumbproxy"
)

// runExists probes the cache store for the given item and, on a hit, prints
// a signed retrieval URL for it.
func runExists(env *command.Env, id string) error {
	if !thumbproxy.ValidID(id) {
		return env.Usagef("invalid item ID %q", id)
	}
	store, closeStore, err := initStore(env)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeStore(); err != nil {
			log.Printf("WARNING: close cache store: %v", err)
		}
	}()

	key := path.Join(flags.KeyPrefix, thumbproxy.CacheKey(id))
	ok, err := store.Exists(env.Context(), key)
	if err != nil {
		return err
	} else if !ok {
		return fmt.Errorf("no cached thumbnail for %s (key %q)", id, key)
	}
	signed, err := store.SignedURL(env.Context(), key, 15*time.Minute)
	if err != nil {
		return err
	}
	fmt.Println(signed)
	return nil
}

// runResolve resolves the given item's image URL via the metadata API and
// prints it.
func runResolve(env *command.Env, id string) error {
	if !thumbproxy.ValidID(id) {
		return env.Usagef("invalid item ID %q", id)
	}
	resolver, err := initResolver(env)
	if err != nil {
		return err
	}
	url, ok, err := resolver.Resolve(env.Context(), id)
	if err != nil {
		return err
	} else if !ok {
		return fmt.Errorf("no image URL found for %s", id)
	}
	fmt.Println(url)
	return nil
}
