// Copyright (c) The Thumbgate Authors
// SPDX-License-Identifier: BSD-3-Clause

package thumbproxy

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTranslateStatus(t *testing.T) {
	tests := []struct {
		status, want int
	}{
		{200, 200},
		{404, 404},
		{410, 404},
		{201, 502},
		{301, 502},
		{403, 502},
		{500, 502},
		{503, 502},
		{999, 502},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, TranslateStatus(tc.status), "TranslateStatus(%d)", tc.status)
	}
}

func TestSetCacheHeaders(t *testing.T) {
	before := time.Now().Truncate(time.Second)
	h := make(http.Header)
	setCacheHeaders(h, 2)

	assert.Equal(t, "public, max-age=2", h.Get("Cache-Control"))

	exp, err := http.ParseTime(h.Get("Expires"))
	require.NoError(t, err, "Expires must be a valid HTTP date")
	assert.False(t, exp.Before(before), "Expires %v is before %v", exp, before)
	assert.False(t, exp.After(before.Add(time.Minute)), "Expires %v is implausibly far out", exp)
}

func TestAcceptableContentType(t *testing.T) {
	tests := []struct {
		ct   string
		want bool
	}{
		{"image/jpeg", true},
		{"image/png", true},
		{"image", true},
		{"application/octet-stream", true},
		{"binary/octet-stream", true},
		{"text/html", false},
		{"application/json", false},
		{"", false},
	}
	for _, tc := range tests {
		h := make(http.Header)
		if tc.ct != "" {
			h.Set("Content-Type", tc.ct)
		}
		assert.Equal(t, tc.want, AcceptableContentType(h), "content type %q", tc.ct)
	}
}

func TestCopyAllowedHeaders(t *testing.T) {
	src := make(http.Header)
	src.Set("Content-Type", "image/jpeg")
	src.Set("Last-Modified", "Wed, 21 Oct 2015 07:28:00 GMT")
	src.Set("X-Powered-By", "definitely-not-perl")
	src.Set("Set-Cookie", "tracker=1")
	src.Set("Content-Length", "42")

	dst := make(http.Header)
	copyAllowedHeaders(dst, src)

	assert.Equal(t, "image/jpeg", dst.Get("Content-Type"))
	assert.Equal(t, "Wed, 21 Oct 2015 07:28:00 GMT", dst.Get("Last-Modified"))
	assert.Len(t, dst, 2, "only allowlisted headers pass through")
}
