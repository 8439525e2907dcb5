// Copyright (c) The Thumbgate Authors
// SPDX-License-Identifier: BSD-3-Clause

package itemapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testID = "223ea5040640813b6c8204d1e0778d30"

// newClient starts a fake metadata API that verifies the request shape and
// replies with the given status, content type, and body.
func newClient(t *testing.T, status int, contentType, body string) *Client {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/items/"+testID, r.URL.Path)
		assert.Equal(t, "test-token", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", contentType)
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(ts.Close)
	return &Client{BaseURL: ts.URL, AuthToken: "test-token", Logf: t.Logf}
}

func TestResolve(t *testing.T) {
	const jsonType = "application/json; charset=utf-8"
	tests := []struct {
		name        string
		status      int
		contentType string
		body        string

		want    string
		wantOK  bool
		wantErr bool
	}{
		{"ScalarObject", 200, jsonType,
			`{"count":1,"docs":[{"object":"https://x.example.com/img.jpg"}]}`,
			"https://x.example.com/img.jpg", true, false},
		{"ListObject", 200, jsonType,
			`{"count":1,"docs":[{"object":["https://x.example.com/a.jpg","https://x.example.com/b.jpg"]}]}`,
			"https://x.example.com/a.jpg", true, false},
		{"HTTPScheme", 200, jsonType,
			`{"count":1,"docs":[{"object":"http://x.example.com/img.jpg"}]}`,
			"http://x.example.com/img.jpg", true, false},
		{"ObjectAbsent", 200, jsonType,
			`{"count":1,"docs":[{"title":"no image for you"}]}`,
			"", false, false},
		{"ObjectWildType", 200, jsonType,
			`{"count":1,"docs":[{"object":{"whoops":"blah:hole"}}]}`,
			"", false, false},
		{"ObjectListOfJunk", 200, jsonType,
			`{"count":1,"docs":[{"object":[17,"https://x.example.com/img.jpg"]}]}`,
			"", false, false},
		{"ObjectEmptyList", 200, jsonType,
			`{"count":1,"docs":[{"object":[]}]}`,
			"", false, false},
		{"ObjectNotAURL", 200, jsonType,
			`{"count":1,"docs":[{"object":"blah:hole"}]}`,
			"", false, false},
		{"ObjectFTPURL", 200, jsonType,
			`{"count":1,"docs":[{"object":"ftp://x.example.com/img.jpg"}]}`,
			"", false, false},
		{"ZeroCount", 200, jsonType,
			`{"count":0,"docs":[]}`,
			"", false, false},
		{"ItemNotFound", 404, "text/html", "<html>not here</html>",
			"", false, false},
		{"APIError", 500, jsonType, `{"error":"oops"}`,
			"", false, true},
		{"Forbidden", 403, jsonType, `{"error":"bad token"}`,
			"", false, true},
		{"WrongContentType", 200, "text/html", "<html>login page</html>",
			"", false, true},
		{"MalformedBody", 200, jsonType, `{"count":1,"docs":[`,
			"", false, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c := newClient(t, tc.status, tc.contentType, tc.body)
			got, ok, err := c.Resolve(context.Background(), testID)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.wantOK, ok)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestResolveTransportError(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	ts.Close() // nothing is listening anymore
	c := &Client{BaseURL: ts.URL, AuthToken: "test-token"}

	_, _, err := c.Resolve(context.Background(), testID)
	require.Error(t, err, "an unreachable API is an error, not a miss")
}

func TestProbablyURL(t *testing.T) {
	tests := []struct {
		input string
		want  bool
	}{
		{"https://foo.com", true},
		{"http://foo.com", true},
		{"https://foo.com/a/b.jpg?x=1", true},
		{"ftp://foo.com", false},
		{"https://", false},
		{"blah:hole", false},
		{"/relative/path.jpg", false},
		{"", false},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, probablyURL(tc.input), "probablyURL(%q)", tc.input)
	}
}
