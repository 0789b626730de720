// Package jina is a client for the Jina AI Reader, used as the second
// fetch tier for pages the local fetcher cannot get past.
package jina

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rotisserie/eris"
)

// Client defines the Jina Reader operations.
type Client interface {
	// Read fetches targetURL through Jina with JavaScript rendered and
	// returns the page HTML.
	Read(ctx context.Context, targetURL string) (*ReadResponse, error)
}

// ReadResponse is the parsed Jina API response.
type ReadResponse struct {
	Code int      `json:"code"`
	Data ReadData `json:"data"`
}

// ReadData holds the page returned by Jina. HTML is populated for the
// html return format and Content for markdown and text.
type ReadData struct {
	Title   string    `json:"title"`
	URL     string    `json:"url"`
	HTML    string    `json:"html"`
	Content string    `json:"content"`
	Usage   ReadUsage `json:"usage"`
}

// Body returns HTML when present, else Content.
func (d ReadData) Body() string {
	if d.HTML != "" {
		return d.HTML
	}
	return d.Content
}

// ReadUsage tracks token consumption.
type ReadUsage struct {
	Tokens int `json:"tokens"`
}

// StatusError is returned for a non-200 response after retries.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return "jina: unexpected status " + http.StatusText(e.StatusCode) + ": " + e.Body
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL sets a custom base URL (for testing).
func WithBaseURL(url string) Option {
	return func(c *httpClient) { c.baseURL = strings.TrimRight(url, "/") }
}

// WithRetries sets the retry count and minimum wait.
func WithRetries(max int, minWait time.Duration) Option {
	return func(c *httpClient) {
		c.http.RetryMax = max
		c.http.RetryWaitMin = minWait
		if c.http.RetryWaitMax < minWait {
			c.http.RetryWaitMax = minWait
		}
	}
}

// WithTimeout sets the per-attempt timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *httpClient) { c.http.HTTPClient.Timeout = d }
}

// WithReturnFormat overrides the X-Return-Format header. Default: html.
func WithReturnFormat(format string) Option {
	return func(c *httpClient) { c.format = format }
}

type httpClient struct {
	apiKey  string
	baseURL string
	format  string
	http    *retryablehttp.Client
}

// NewClient creates a Jina Reader client. Requests are retried on 429
// and 5xx with exponential backoff.
func NewClient(apiKey string, opts ...Option) Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 2
	rc.RetryWaitMin = time.Second
	rc.RetryWaitMax = 8 * time.Second
	rc.Logger = nil
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	rc.HTTPClient.Timeout = 60 * time.Second

	c := &httpClient{
		apiKey:  apiKey,
		baseURL: "https://r.jina.ai",
		format:  "html",
		http:    rc,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *httpClient) Read(ctx context.Context, targetURL string) (*ReadResponse, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/"+targetURL, nil)
	if err != nil {
		return nil, eris.Wrap(err, "jina: create request")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Return-Format", c.format)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "jina: request failed")
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "jina: read response body")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var out ReadResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, eris.Wrap(err, "jina: unmarshal response")
	}
	return &out, nil
}
