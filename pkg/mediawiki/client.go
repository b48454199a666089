// Package mediawiki provides a client for the MediaWiki action API as
// exposed by TibiaWiki.
package mediawiki

import (
	"context"
	"encoding/json"
	"net/url"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/bosswiki/internal/fetcher"
)

// DefaultBaseURL is the TibiaWiki action API endpoint.
const DefaultBaseURL = "https://tibia.fandom.com/api.php"

// MaxTitlesPerQuery is the upstream ceiling for titles in one query.
const MaxTitlesPerQuery = 50

// ErrPageNotFound is returned when a page is missing or has no revisions.
var ErrPageNotFound = eris.New("mediawiki: page not found")

// Client defines the wiki operations used by the sync job.
type Client interface {
	// ListCategoryMembers returns every article in category, following
	// continuation tokens until the listing is exhausted.
	ListCategoryMembers(ctx context.Context, category string) ([]Page, error)
	// FetchWikitext returns the current main-slot wikitext of a page.
	FetchWikitext(ctx context.Context, page Page) (string, error)
	// ImageURLs resolves up to MaxTitlesPerQuery file names to their public
	// URLs. Names the wiki does not know are omitted from the result.
	ImageURLs(ctx context.Context, filenames []string) (map[string]string, error)
}

// Page identifies a wiki article.
type Page struct {
	PageID int64  `json:"pageid"`
	NS     int    `json:"ns"`
	Title  string `json:"title"`
}

// APIError is an error envelope returned by the action API with HTTP 200.
type APIError struct {
	Code string `json:"code"`
	Info string `json:"info"`
}

func (e *APIError) Error() string {
	return "mediawiki: api error " + e.Code + ": " + e.Info
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL sets a custom API endpoint (for testing).
func WithBaseURL(u string) Option {
	return func(c *httpClient) {
		c.baseURL = u
	}
}

// WithPageLimit sets cmlimit for category listings.
func WithPageLimit(n int) Option {
	return func(c *httpClient) {
		if n > 0 {
			c.pageLimit = n
		}
	}
}

type httpClient struct {
	fetch     fetcher.Fetcher
	baseURL   string
	pageLimit int
}

// NewClient creates a wiki client that sends requests through f.
func NewClient(f fetcher.Fetcher, opts ...Option) Client {
	c := &httpClient{
		fetch:     f,
		baseURL:   DefaultBaseURL,
		pageLimit: 500,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type listResponse struct {
	Error    *APIError         `json:"error"`
	Continue map[string]string `json:"continue"`
	Query    struct {
		CategoryMembers []Page `json:"categorymembers"`
	} `json:"query"`
}

// ListCategoryMembers implements Client.
func (c *httpClient) ListCategoryMembers(ctx context.Context, category string) ([]Page, error) {
	if !strings.HasPrefix(category, "Category:") {
		category = "Category:" + category
	}
	params := url.Values{
		"action":      {"query"},
		"list":        {"categorymembers"},
		"cmtitle":     {category},
		"cmlimit":     {strconv.Itoa(c.pageLimit)},
		"cmnamespace": {"0"},
		"cmtype":      {"page"},
		"format":      {"json"},
	}

	var pages []Page
	seen := make(map[string]bool)
	for {
		body, err := c.fetch.Get(ctx, c.baseURL, params)
		if err != nil {
			return nil, eris.Wrapf(err, "mediawiki: list %s", category)
		}
		var resp listResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, eris.Wrap(err, "mediawiki: decode category listing")
		}
		if resp.Error != nil {
			return nil, resp.Error
		}
		pages = append(pages, resp.Query.CategoryMembers...)

		token := resp.Continue["cmcontinue"]
		if token == "" {
			return pages, nil
		}
		if seen[token] {
			return nil, eris.Errorf("mediawiki: continuation token %q repeated", token)
		}
		seen[token] = true
		for k, v := range resp.Continue {
			params.Set(k, v)
		}
	}
}

type revisionsResponse struct {
	Error *APIError `json:"error"`
	Query struct {
		Pages []struct {
			PageID    int64  `json:"pageid"`
			Title     string `json:"title"`
			Missing   bool   `json:"missing"`
			Invalid   bool   `json:"invalid"`
			Revisions []struct {
				Slots struct {
					Main struct {
						Content string `json:"content"`
					} `json:"main"`
				} `json:"slots"`
			} `json:"revisions"`
		} `json:"pages"`
	} `json:"query"`
}

// FetchWikitext implements Client. Pages are addressed by id when known,
// otherwise by title.
func (c *httpClient) FetchWikitext(ctx context.Context, page Page) (string, error) {
	params := url.Values{
		"action":        {"query"},
		"prop":          {"revisions"},
		"rvprop":        {"content"},
		"rvslots":       {"main"},
		"format":        {"json"},
		"formatversion": {"2"},
	}
	ref := page.Title
	switch {
	case page.PageID > 0:
		params.Set("pageids", strconv.FormatInt(page.PageID, 10))
		if ref == "" {
			ref = "#" + strconv.FormatInt(page.PageID, 10)
		}
	case page.Title != "":
		params.Set("titles", page.Title)
	default:
		return "", eris.New("mediawiki: page id or title is required")
	}

	body, err := c.fetch.Get(ctx, c.baseURL, params)
	if err != nil {
		return "", eris.Wrapf(err, "mediawiki: fetch %s", ref)
	}
	var resp revisionsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", eris.Wrapf(err, "mediawiki: decode revisions for %s", ref)
	}
	if resp.Error != nil {
		return "", resp.Error
	}
	if len(resp.Query.Pages) == 0 {
		return "", eris.Wrapf(ErrPageNotFound, "mediawiki: %s", ref)
	}
	p := resp.Query.Pages[0]
	if p.Missing || p.Invalid || len(p.Revisions) == 0 {
		return "", eris.Wrapf(ErrPageNotFound, "mediawiki: %s", ref)
	}
	return p.Revisions[0].Slots.Main.Content, nil
}

type imageInfoResponse struct {
	Error *APIError `json:"error"`
	Query struct {
		Normalized []struct {
			From string `json:"from"`
			To   string `json:"to"`
		} `json:"normalized"`
		Pages []struct {
			Title     string `json:"title"`
			Missing   bool   `json:"missing"`
			ImageInfo []struct {
				URL string `json:"url"`
			} `json:"imageinfo"`
		} `json:"pages"`
	} `json:"query"`
}

// ImageURLs implements Client. The title list travels in the POST body so
// long batches do not hit URL length limits.
func (c *httpClient) ImageURLs(ctx context.Context, filenames []string) (map[string]string, error) {
	out := make(map[string]string, len(filenames))
	if len(filenames) == 0 {
		return out, nil
	}
	if len(filenames) > MaxTitlesPerQuery {
		return nil, eris.Errorf("mediawiki: %d titles exceeds the %d per query limit", len(filenames), MaxTitlesPerQuery)
	}

	titles := make([]string, len(filenames))
	for i, name := range filenames {
		titles[i] = FileTitle(name)
	}
	form := url.Values{
		"action":        {"query"},
		"prop":          {"imageinfo"},
		"iiprop":        {"url"},
		"titles":        {strings.Join(titles, "|")},
		"format":        {"json"},
		"formatversion": {"2"},
	}

	body, err := c.fetch.PostForm(ctx, c.baseURL, form)
	if err != nil {
		return nil, eris.Wrap(err, "mediawiki: imageinfo")
	}
	var resp imageInfoResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, eris.Wrap(err, "mediawiki: decode imageinfo")
	}
	if resp.Error != nil {
		return nil, resp.Error
	}

	normalized := make(map[string]string, len(resp.Query.Normalized))
	for _, n := range resp.Query.Normalized {
		normalized[n.From] = n.To
	}
	urls := make(map[string]string, len(resp.Query.Pages))
	for _, p := range resp.Query.Pages {
		if p.Missing || len(p.ImageInfo) == 0 || p.ImageInfo[0].URL == "" {
			continue
		}
		urls[p.Title] = p.ImageInfo[0].URL
	}

	for i, name := range filenames {
		title := titles[i]
		if to, ok := normalized[title]; ok {
			title = to
		}
		if u, ok := urls[title]; ok {
			out[name] = u
		}
	}
	return out, nil
}

// FileTitle returns the File: namespace title for a bare file name.
func FileTitle(name string) string {
	name = strings.TrimSpace(name)
	if strings.HasPrefix(strings.ToLower(name), "file:") {
		return "File:" + name[len("file:"):]
	}
	return "File:" + name
}
