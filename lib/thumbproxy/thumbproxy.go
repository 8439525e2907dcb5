// Copyright (c) The Thumbgate Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package thumbproxy implements the thumbnail gateway: an HTTP handler that
// serves item thumbnails out of an object-store cache, falling back to a live
// proxy of the contributor's own copy on a cache miss. Misses are reported to
// a backfill queue so an out-of-band worker can populate the cache.
package thumbproxy

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"io"
	"net/http"
	"path"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/creachadair/taskgroup"
	"golang.org/x/sync/semaphore"
)

// Cache lifetimes reported to downstream caches. Proxied images have not been
// size-optimized, so they must not be cached as long as the canonical copy.
const (
	longCacheSeconds  = 60 * 60 * 24 * 30 // cache hits: 30 days
	shortCacheSeconds = 60 * 60           // proxied misses: 1 hour
)

const (
	defaultFetchTimeout    = 10 * time.Second
	defaultBackfillTimeout = 30 * time.Second
	defaultSignedURLTTL    = 15 * time.Minute
	defaultUserAgent       = "Thumbgate Image Proxy"
)

// CacheStore is the interface to the object store holding cached thumbnails
// (such as S3 or GCS).
type CacheStore interface {
	// Exists reports whether an object with the given key is present in the
	// store. A missing object is (false, nil); an error means the store could
	// not be consulted at all.
	Exists(ctx context.Context, key string) (bool, error)

	// SignedURL returns a time-bounded URL from which the object with the
	// given key can be fetched. It does not check that the object exists.
	SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// URLResolver maps an item ID to the contributor's image URL via the item
// metadata API. A lookup that completes but finds no usable URL reports
// ok == false with a nil error.
type URLResolver interface {
	Resolve(ctx context.Context, itemID string) (url string, ok bool, err error)
}

// BackfillQueue accepts requests to ingest an item's image into the cache
// store. Enqueued work is performed out-of-band; the gateway never waits for
// the result.
type BackfillQueue interface {
	Enqueue(ctx context.Context, itemID, imageURL string) error
}

// Server is an HTTP handler serving GET /thumb/{item-id} requests. The caller
// must populate Store and Resolver; the other fields are optional.
//
// A Server dispatches backfill requests on goroutines detached from the
// request that triggered them. Call Close to wait for pending dispatches
// before shutting down.
type Server struct {
	// Store is the object store holding cached thumbnails. Must be non-nil.
	Store CacheStore

	// Resolver maps item IDs to contributor image URLs. Must be non-nil.
	Resolver URLResolver

	// Queue receives cache backfill requests. If nil, misses are served
	// without signaling for backfill.
	Queue BackfillQueue

	// KeyPrefix, if non-empty, is prepended to each cache key, with an
	// intervening slash.
	KeyPrefix string

	// Client is the HTTP client used to fetch from the store and from
	// contributors. If nil, http.DefaultClient is used.
	Client *http.Client

	// UserAgent is sent on upstream fetches. If empty, a default is used.
	UserAgent string

	// FetchTimeout bounds each upstream fetch, independent of the inbound
	// request. If zero, a 10-second default is used.
	FetchTimeout time.Duration

	// SignedURLTTL is the validity period requested for signed retrieval
	// URLs. If zero, a 15-minute default is used.
	SignedURLTTL time.Duration

	// MaxBackfills, if positive, limits the number of backfill dispatches in
	// flight at once; further requests are dropped (and counted) rather than
	// delaying the response. If zero or negative, the default is
	// [runtime.NumCPU].
	MaxBackfills int

	// Logf, if non-nil, is used to write log messages. If nil, logs are
	// discarded.
	Logf func(string, ...any)

	// LogRequests, if true, enables detailed (but noisy) debug logging of
	// all requests handled by the gateway. Logs are written to Logf.
	LogRequests bool

	// Tracks detached backfill dispatches.
	initOnce sync.Once
	tasks    *taskgroup.Group
	start    func(taskgroup.Task)
	sema     *semaphore.Weighted

	reqCount        expvar.Int // total requests received
	badRequest      expvar.Int // requests with a malformed item ID
	cacheHit        expvar.Int // item found in the cache store
	cacheMiss       expvar.Int // item not found in the cache store
	storeError      expvar.Int // cache store lookup or signing failures
	resolveError    expvar.Int // metadata API failures
	resolveMiss     expvar.Int // metadata lookups with no usable image URL
	fetchError      expvar.Int // upstream fetches that did not complete
	badStatus       expvar.Int // upstream responses with a non-200 translated status
	badContent      expvar.Int // upstream responses with an unacceptable content type
	backfillSent    expvar.Int // backfill messages successfully enqueued
	backfillError   expvar.Int // backfill enqueues that failed (logged only)
	backfillDropped expvar.Int // backfill dispatches dropped at the concurrency limit
	relayBytes      expvar.Int // total body bytes relayed to clients
	relayError      expvar.Int // relays interrupted before the body was complete
}

func (s *Server) init() {
	s.initOnce.Do(func() {
		nt := s.MaxBackfills
		if nt <= 0 {
			nt = runtime.NumCPU()
		}
		s.tasks, s.start = taskgroup.New(nil).Limit(nt)
		s.sema = semaphore.NewWeighted(int64(nt))
	})
}

// ValidID reports whether id has the exact shape of an item identifier:
// 32 lowercase hexadecimal characters.
func ValidID(id string) bool {
	if len(id) != 32 {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// ParseItemID extracts the item ID from a request path of the exact form
// "/thumb/{id}". It reports false for any other path shape, including extra
// path segments or a trailing slash.
func ParseItemID(path string) (string, bool) {
	id, ok := strings.CutPrefix(path, "/thumb/")
	if !ok || !ValidID(id) {
		return "", false
	}
	return id, true
}

// CacheKey returns the object-store key for the given item ID. The first four
// characters of the ID become directory levels, to keep any one prefix from
// holding an enormous list of objects:
//
//	223ea5040640813b6c8204d1e0778d30 → 2/2/3/e/223ea5040640813b6c8204d1e0778d30.jpg
//
// Argument validation is weak here because the ID was already checked by
// ParseItemID.
func CacheKey(id string) string {
	return id[0:1] + "/" + id[1:2] + "/" + id[2:3] + "/" + id[3:4] + "/" + id + ".jpg"
}

// makeKey assembles a complete storage key for the item, including the key
// prefix if one is defined.
func (s *Server) makeKey(id string) string {
	return path.Join(s.KeyPrefix, CacheKey(id))
}

// ServeHTTP implements the gateway request pipeline: validate the ID, check
// the cache store, and serve either the cached copy or a live proxy of the
// contributor's image.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.init()
	s.reqCount.Add(1)

	id, ok := ParseItemID(r.URL.Path)
	if !ok {
		s.badRequest.Add(1)
		s.sendError(w, r.URL.Path, http.StatusBadRequest, errors.New("bad item ID"))
		return
	}

	ctx := r.Context()
	start := time.Now()
	s.vlogf("tp B GET %q", id)

	exists, err := s.Store.Exists(ctx, s.makeKey(id))
	if err != nil {
		s.storeError.Add(1)
		s.sendError(w, id, http.StatusBadGateway, fmt.Errorf("cache store lookup: %w", err))
		return
	}
	if exists {
		s.cacheHit.Add(1)
		s.serveFromCache(ctx, w, id)
	} else {
		s.cacheMiss.Add(1)
		s.proxyFromContributor(ctx, w, id)
	}
	s.vlogf("tp E GET %q hit=%v, %v elapsed", id, exists, time.Since(start))
}

// serveFromCache streams the cached thumbnail via a signed retrieval URL.
// The store is our own backend, so any failure here is a gateway fault (502).
func (s *Server) serveFromCache(ctx context.Context, w http.ResponseWriter, id string) {
	setCacheHeaders(w.Header(), longCacheSeconds)

	signed, err := s.Store.SignedURL(ctx, s.makeKey(id), s.signedURLTTL())
	if err != nil {
		s.storeError.Add(1)
		s.sendError(w, id, http.StatusBadGateway, fmt.Errorf("sign retrieval URL: %w", err))
		return
	}

	resp, cancel, err := s.fetchUpstream(ctx, signed)
	if err != nil {
		s.fetchError.Add(1)
		s.sendError(w, id, http.StatusBadGateway, fmt.Errorf("fetch cached object: %w", err))
		return
	}
	defer cancel()
	defer resp.Body.Close()

	status := TranslateStatus(resp.StatusCode)
	if status != http.StatusOK {
		s.badStatus.Add(1)
		s.sendError(w, id, status, fmt.Errorf("status %d from cache store", resp.StatusCode))
		return
	}
	copyAllowedHeaders(w.Header(), resp.Header)
	w.WriteHeader(http.StatusOK)
	s.relay(w, resp.Body, id)
}

// proxyFromContributor resolves the contributor's image URL through the
// metadata API, signals backfill, and streams the image to the client. The
// contributor's server is outside our control, so fetch failures are reported
// as 404 rather than a gateway fault.
func (s *Server) proxyFromContributor(ctx context.Context, w http.ResponseWriter, id string) {
	imageURL, ok, err := s.Resolver.Resolve(ctx, id)
	if err != nil {
		s.resolveError.Add(1)
		s.sendError(w, id, http.StatusBadGateway, fmt.Errorf("item metadata lookup: %w", err))
		return
	}
	if !ok {
		s.resolveMiss.Add(1)
		s.sendError(w, id, http.StatusNotFound, errors.New("no image URL found"))
		return
	}

	// Side effect to make the image be in the cache next time; the response
	// does not wait for it.
	s.dispatchBackfill(ctx, id, imageURL)

	setCacheHeaders(w.Header(), shortCacheSeconds)

	resp, cancel, err := s.fetchUpstream(ctx, imageURL)
	if err != nil {
		s.fetchError.Add(1)
		s.sendError(w, id, http.StatusNotFound, fmt.Errorf("fetch %s: %w", imageURL, err))
		return
	}
	defer cancel()
	defer resp.Body.Close()

	status := TranslateStatus(resp.StatusCode)
	if status != http.StatusOK {
		s.badStatus.Add(1)
		s.sendError(w, id, status, fmt.Errorf("status %d from contributor", resp.StatusCode))
		return
	}
	if !AcceptableContentType(resp.Header) {
		s.badContent.Add(1)
		s.sendError(w, id, http.StatusNotFound,
			fmt.Errorf("unacceptable content type %q from contributor", resp.Header.Get("Content-Type")))
		return
	}
	copyAllowedHeaders(w.Header(), resp.Header)
	w.WriteHeader(http.StatusOK)
	s.relay(w, resp.Body, id)
}

// dispatchBackfill enqueues a backfill request for id on a detached task.
// The task survives cancellation of the originating request but carries its
// own timeout. If the concurrency limit is reached, the request is dropped.
func (s *Server) dispatchBackfill(ctx context.Context, id, imageURL string) {
	if s.Queue == nil {
		return
	}
	if !s.sema.TryAcquire(1) {
		s.backfillDropped.Add(1)
		s.logf("tp backfill %s dropped: too many in flight", id)
		return
	}
	bctx := context.WithoutCancel(ctx)
	s.start(func() error {
		defer s.sema.Release(1)
		sctx, cancel := context.WithTimeout(bctx, defaultBackfillTimeout)
		defer cancel()

		if err := s.Queue.Enqueue(sctx, id, imageURL); err != nil {
			s.backfillError.Add(1)
			s.logf("tp backfill %s failed: %v", id, err)
			return nil
		}
		s.backfillSent.Add(1)
		s.vlogf("tp backfill %s queued (%s)", id, imageURL)
		return nil
	})
}

// relay copies the upstream body to the client. An interrupted copy usually
// means the client went away; it is counted but not treated as a fault.
func (s *Server) relay(w http.ResponseWriter, body io.Reader, id string) {
	nw, err := io.Copy(w, body)
	s.relayBytes.Add(nw)
	if err != nil {
		s.relayError.Add(1)
		s.vlogf("tp relay %s interrupted after %d bytes: %v", id, nw, err)
	}
}

// sendError logs the failure and ends the response with a bare status code.
// Every terminal path funnels through here or through relay, so no request
// writes a status more than once.
func (s *Server) sendError(w http.ResponseWriter, id string, code int, err error) {
	s.logf("tp sending %d for %q: %v", code, id, err)
	w.WriteHeader(code)
}

// Close waits until all detached backfill dispatches are complete.
func (s *Server) Close() error {
	s.init()
	return s.tasks.Wait()
}

// Metrics returns a map of gateway metrics. The caller is responsible for
// publishing these metrics.
func (s *Server) Metrics() *expvar.Map {
	m := new(expvar.Map)
	m.Set("request", &s.reqCount)
	m.Set("bad_request", &s.badRequest)
	m.Set("cache_hit", &s.cacheHit)
	m.Set("cache_miss", &s.cacheMiss)
	m.Set("store_error", &s.storeError)
	m.Set("resolve_error", &s.resolveError)
	m.Set("resolve_miss", &s.resolveMiss)
	m.Set("fetch_error", &s.fetchError)
	m.Set("bad_status", &s.badStatus)
	m.Set("bad_content", &s.badContent)
	m.Set("backfill_sent", &s.backfillSent)
	m.Set("backfill_error", &s.backfillError)
	m.Set("backfill_dropped", &s.backfillDropped)
	m.Set("relay_bytes", &s.relayBytes)
	m.Set("relay_error", &s.relayError)
	return m
}

func (s *Server) signedURLTTL() time.Duration {
	if s.SignedURLTTL > 0 {
		return s.SignedURLTTL
	}
	return defaultSignedURLTTL
}

func (s *Server) logf(msg string, args ...any) {
	if s.Logf != nil {
		s.Logf(msg, args...)
	}
}

func (s *Server) vlogf(msg string, args ...any) {
	if s.LogRequests {
		s.logf(msg, args...)
	}
}
