// Package scrape fetches merchant pages. A Chain tries the free local
// fetcher first and escalates to Jina and Firecrawl when a page is
// blocked, remembering per domain which fetcher last worked.
package scrape

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// DefaultTimeout bounds a single fetch attempt.
const DefaultTimeout = 30 * time.Second

// Fetcher names.
const (
	SourceLocal     = "local_http"
	SourceJina      = "jina"
	SourceFirecrawl = "firecrawl"
)

// Page is a fetched page.
type Page struct {
	URL        string
	HTML       string
	StatusCode int
	Source     string
	// Cost is the estimated USD spend of a paid fetcher.
	Cost float64
}

// Fetcher fetches a URL and returns its HTML.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (*Page, error)
	Name() string
}

// FetchError reports a failed fetch. StatusCode is zero for transport
// failures.
type FetchError struct {
	URL        string
	StatusCode int
	Source     string
	Reason     string
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("scrape: %s: %s returned status %d: %s", e.Source, e.URL, e.StatusCode, e.Reason)
	}
	return fmt.Sprintf("scrape: %s: %s: %s", e.Source, e.URL, e.Reason)
}

// Domain returns the lower-cased host of rawURL without a leading www.
func Domain(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
}
