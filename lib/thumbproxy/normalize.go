// Copyright (c) The Thumbgate Authors
// SPDX-License-Identifier: BSD-3-Clause

package thumbproxy

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/creachadair/mds/mapset"
)

// allowedHeaders are the only upstream response headers passed through to the
// client. Contributors and the store set all sorts of weird headers, and we
// do not want to leak them.
var allowedHeaders = mapset.New("Content-Type", "Last-Modified")

// TranslateStatus maps an upstream status code into the gateway's public
// contract: 200, 404, or 502.
func TranslateStatus(status int) int {
	switch status {
	case http.StatusOK:
		return http.StatusOK
	case http.StatusNotFound, http.StatusGone:
		// A 410 is reported as 404 because the contributor could correct the
		// item's metadata later, meaning the resource is not permanently gone.
		return http.StatusNotFound
	default:
		// Other upstream failures are "bad gateway" errors; we do not own them.
		return http.StatusBadGateway
	}
}

// AcceptableContentType reports whether the upstream Content-Type plausibly
// denotes an image.
func AcceptableContentType(h http.Header) bool {
	ct := h.Get("Content-Type")
	return ct != "" && (strings.HasPrefix(ct, "image") || strings.HasSuffix(ct, "octet-stream"))
}

// setCacheHeaders tells downstream caches (including the CDN) how long to
// keep the response around.
func setCacheHeaders(h http.Header, seconds int) {
	h.Set("Cache-Control", "public, max-age="+strconv.Itoa(seconds))
	h.Set("Expires", time.Now().Add(time.Duration(seconds)*time.Second).UTC().Format(http.TimeFormat))
}

// copyAllowedHeaders copies the allowlisted headers from src to dst, dropping
// everything else.
func copyAllowedHeaders(dst, src http.Header) {
	for name := range src {
		if allowedHeaders.Has(http.CanonicalHeaderKey(name)) {
			dst.Set(name, src.Get(name))
		}
	}
}

// fetchUpstream issues a GET for url bounded by the fetch timeout. The
// request context derives from ctx, so a dropped client also cancels the
// upstream fetch. On success the caller owns the response body and must
// invoke cancel after draining it.
func (s *Server) fetchUpstream(ctx context.Context, url string) (*http.Response, context.CancelFunc, error) {
	fctx, cancel := context.WithTimeout(ctx, s.fetchTimeout())
	req, err := http.NewRequestWithContext(fctx, http.MethodGet, url, nil)
	if err != nil {
		cancel()
		return nil, nil, err
	}
	req.Header.Set("User-Agent", s.userAgent())

	resp, err := s.httpClient().Do(req) // redirects are followed by default
	if err != nil {
		cancel()
		return nil, nil, err
	}
	return resp, cancel, nil
}

func (s *Server) fetchTimeout() time.Duration {
	if s.FetchTimeout > 0 {
		return s.FetchTimeout
	}
	return defaultFetchTimeout
}

func (s *Server) userAgent() string {
	if s.UserAgent != "" {
		return s.UserAgent
	}
	return defaultUserAgent
}

func (s *Server) httpClient() *http.Client {
	if s.Client != nil {
		return s.Client
	}
	return http.DefaultClient
}
