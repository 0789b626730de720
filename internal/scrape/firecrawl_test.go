package scrape

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/pricewatch/internal/cost"
	"github.com/sells-group/pricewatch/pkg/firecrawl"
)

type mockFirecrawl struct{ mock.Mock }

func (m *mockFirecrawl) Scrape(ctx context.Context, req firecrawl.ScrapeRequest) (*firecrawl.ScrapeResponse, error) {
	args := m.Called(ctx, req)
	resp, _ := args.Get(0).(*firecrawl.ScrapeResponse)
	return resp, args.Error(1)
}

func TestFirecrawlFetcher_OK(t *testing.T) {
	client := &mockFirecrawl{}
	client.On("Scrape", mock.Anything, mock.MatchedBy(func(r firecrawl.ScrapeRequest) bool {
		return r.URL == "https://glowforge.com/pro" && r.Formats[0] == "rawHtml"
	})).Return(&firecrawl.ScrapeResponse{
		Success: true,
		Data:    firecrawl.PageData{RawHTML: productHTML, Metadata: firecrawl.PageMetadata{StatusCode: 200}},
	}, nil)

	page, err := NewFirecrawlFetcher(client, cost.NewCalculator(cost.DefaultRates())).Fetch(context.Background(), "https://glowforge.com/pro")
	require.NoError(t, err)
	assert.Equal(t, SourceFirecrawl, page.Source)
	assert.Equal(t, "https://glowforge.com/pro", page.URL)
	assert.Greater(t, page.Cost, 0.0)
}

func TestFirecrawlFetcher_OriginStatus(t *testing.T) {
	client := &mockFirecrawl{}
	client.On("Scrape", mock.Anything, mock.Anything).Return(&firecrawl.ScrapeResponse{
		Success: true,
		Data:    firecrawl.PageData{RawHTML: productHTML, Metadata: firecrawl.PageMetadata{StatusCode: 404}},
	}, nil)

	_, err := NewFirecrawlFetcher(client, nil).Fetch(context.Background(), "https://x.com/gone")
	var fe *FetchError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, 404, fe.StatusCode)
}

func TestFirecrawlFetcher_APIError(t *testing.T) {
	client := &mockFirecrawl{}
	client.On("Scrape", mock.Anything, mock.Anything).Return(nil, &firecrawl.APIError{StatusCode: 402, Body: "credits"})

	_, err := NewFirecrawlFetcher(client, nil).Fetch(context.Background(), "https://x.com/p")
	var fe *FetchError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, 402, fe.StatusCode)
	assert.Equal(t, SourceFirecrawl, fe.Source)
}
