// Copyright (c) The Thumbgate Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package itemapi implements a client for the federated item metadata API,
// used to resolve an item ID to the contributor's image URL.
package itemapi

import (
	"context"
	"encoding/json"
	"fmt"
	"mime"
	"net/http"
	"net/url"
)

// Client is a client for the item metadata API. BaseURL and AuthToken must
// be set; the other fields are optional.
type Client struct {
	// BaseURL is the root of the metadata API, without a trailing slash.
	BaseURL string

	// AuthToken is sent as the Authorization header on each lookup.
	AuthToken string

	// HTTPClient is used to issue lookups. If nil, http.DefaultClient is used.
	HTTPClient *http.Client

	// Logf, if non-nil, is used to write log messages. If nil, logs are
	// discarded.
	Logf func(string, ...any)
}

// searchResults is the API's response shape for an item lookup.
type searchResults struct {
	Count int       `json:"count"`
	Docs  []itemDoc `json:"docs"`
}

type itemDoc struct {
	Object imageRef `json:"object"`
}

// imageRef accepts the item's image-location field, which contributors
// populate inconsistently: a single URL string, a list of URL strings, or
// junk. Unrecognized shapes decode as absent rather than failing the lookup.
type imageRef struct {
	urls []string
}

func (r *imageRef) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		r.urls = []string{s}
		return nil
	}
	var list []any
	if err := json.Unmarshal(data, &list); err == nil {
		if len(list) > 0 {
			if s, ok := list[0].(string); ok {
				r.urls = []string{s}
			}
		}
		return nil
	}
	r.urls = nil
	return nil
}

// first returns the first image location, if one is present.
func (r imageRef) first() (string, bool) {
	if len(r.urls) == 0 {
		return "", false
	}
	return r.urls[0], true
}

// Resolve looks up the item with the given ID and returns the contributor's
// image URL. Both an API-level 404 and a zero-count result set report
// ok == false with a nil error: the item does not exist either way. A URL
// that is present but not an absolute http(s) URL also reports ok == false.
// Transport failures, unexpected statuses, and malformed responses are
// errors.
func (c *Client) Resolve(ctx context.Context, itemID string) (_ string, ok bool, _ error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.itemURL(itemID), nil)
	if err != nil {
		return "", false, err
	}
	req.Header.Set("Authorization", c.AuthToken)

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return "", false, fmt.Errorf("item API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return "", false, fmt.Errorf("item API status %d", resp.StatusCode)
	}
	if mt, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type")); mt != "application/json" {
		return "", false, fmt.Errorf("wrong content type %q from item API", resp.Header.Get("Content-Type"))
	}

	var results searchResults
	if err := json.NewDecoder(resp.Body).Decode(&results); err != nil {
		return "", false, fmt.Errorf("decode item API response: %w", err)
	}
	if results.Count == 0 || len(results.Docs) == 0 {
		c.vlogf("item %s: empty result set", itemID)
		return "", false, nil
	}
	loc, ok := results.Docs[0].Object.first()
	if !ok || !probablyURL(loc) {
		c.vlogf("item %s: no usable image URL", itemID)
		return "", false, nil
	}
	return loc, true, nil
}

func (c *Client) itemURL(itemID string) string {
	return c.BaseURL + "/v2/items/" + itemID
}

// probablyURL reports whether s parses as an absolute http or https URL.
func probablyURL(s string) bool {
	if s == "" {
		return false
	}
	u, err := url.Parse(s)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func (c *Client) vlogf(msg string, args ...any) {
	if c.Logf != nil {
		c.Logf(msg, args...)
	}
}
