// Package fetcher is the rate-limited, retrying HTTP transport used for
// upstream wiki requests.
package fetcher

import (
	"context"
	"net/url"
)

// Fetcher performs upstream requests and returns the response body of
// successful (2xx) responses.
type Fetcher interface {
	// Get issues a GET with query encoded in the URL.
	Get(ctx context.Context, rawURL string, query url.Values) ([]byte, error)

	// PostForm issues a POST with form sent as a urlencoded request body.
	PostForm(ctx context.Context, rawURL string, form url.Values) ([]byte, error)
}
