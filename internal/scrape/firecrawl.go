package scrape

import (
	"context"
	"errors"

	"github.com/sells-group/pricewatch/internal/cost"
	"github.com/sells-group/pricewatch/pkg/firecrawl"
)

// FirecrawlFetcher is the last-resort fetcher.
type FirecrawlFetcher struct {
	client firecrawl.Client
	calc   *cost.Calculator
}

// NewFirecrawlFetcher wraps a Firecrawl client. calc may be nil.
func NewFirecrawlFetcher(client firecrawl.Client, calc *cost.Calculator) *FirecrawlFetcher {
	return &FirecrawlFetcher{client: client, calc: calc}
}

// Name implements Fetcher.
func (f *FirecrawlFetcher) Name() string { return SourceFirecrawl }

// Fetch implements Fetcher.
func (f *FirecrawlFetcher) Fetch(ctx context.Context, targetURL string) (*Page, error) {
	resp, err := f.client.Scrape(ctx, firecrawl.ScrapeRequest{
		URL:     targetURL,
		Formats: []string{"rawHtml"},
		WaitFor: 1500,
	})
	if err != nil {
		var apiErr *firecrawl.APIError
		if errors.As(err, &apiErr) {
			return nil, &FetchError{URL: targetURL, StatusCode: apiErr.StatusCode, Source: SourceFirecrawl, Reason: apiErr.Body}
		}
		return nil, &FetchError{URL: targetURL, Source: SourceFirecrawl, Reason: err.Error()}
	}

	status := resp.Data.Metadata.StatusCode
	if status == 0 {
		status = 200
	}
	html := resp.Data.RawHTML
	if html == "" {
		html = resp.Data.HTML
	}
	if status >= 400 || len(html) < minPageBytes {
		return nil, &FetchError{URL: targetURL, StatusCode: status, Source: SourceFirecrawl, Reason: "no usable page"}
	}

	page := &Page{URL: targetURL, HTML: html, StatusCode: status, Source: SourceFirecrawl}
	if resp.Data.Metadata.SourceURL != "" {
		page.URL = resp.Data.Metadata.SourceURL
	}
	if f.calc != nil {
		page.Cost = f.calc.FirecrawlScrape()
	}
	return page, nil
}
