package scrape

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubFetcher struct {
	name  string
	page  *Page
	err   error
	calls int
}

func (s *stubFetcher) Name() string { return s.name }

func (s *stubFetcher) Fetch(context.Context, string) (*Page, error) {
	s.calls++
	return s.page, s.err
}

func TestChain_FirstSuccess(t *testing.T) {
	a := &stubFetcher{name: SourceLocal, page: &Page{Source: SourceLocal, HTML: "<p>a</p>"}}
	b := &stubFetcher{name: SourceJina}
	page, err := NewChain(nil, 0, a, b).Fetch(context.Background(), "https://x.com/p")
	require.NoError(t, err)
	assert.Equal(t, SourceLocal, page.Source)
	assert.Zero(t, b.calls)
}

func TestChain_Escalates(t *testing.T) {
	a := &stubFetcher{name: SourceLocal, err: &FetchError{URL: "u", StatusCode: 403, Source: SourceLocal, Reason: "blocked"}}
	b := &stubFetcher{name: SourceJina, page: &Page{Source: SourceJina}}
	h := NewTierHistory()

	page, err := NewChain(h, time.Second, a, b).Fetch(context.Background(), "https://www.x.com/p")
	require.NoError(t, err)
	assert.Equal(t, SourceJina, page.Source)
	assert.Equal(t, int64(1), h.Snapshot()["x.com"][SourceJina])
}

func TestChain_AllFail(t *testing.T) {
	a := &stubFetcher{name: SourceLocal, err: &FetchError{URL: "u", StatusCode: 403, Source: SourceLocal, Reason: "blocked"}}
	b := &stubFetcher{name: SourceJina, err: &FetchError{URL: "u", StatusCode: 500, Source: SourceJina, Reason: "down"}}

	_, err := NewChain(nil, 0, a, b).Fetch(context.Background(), "https://x.com/p")
	var fe *FetchError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, 500, fe.StatusCode)
}

func TestChain_StartsWithHistoricalBest(t *testing.T) {
	a := &stubFetcher{name: SourceLocal, page: &Page{Source: SourceLocal}}
	b := &stubFetcher{name: SourceJina, page: &Page{Source: SourceJina}}
	h := NewTierHistory()
	h.Record("x.com", SourceJina)

	page, err := NewChain(h, 0, a, b).Fetch(context.Background(), "https://x.com/p")
	require.NoError(t, err)
	assert.Equal(t, SourceJina, page.Source)
	assert.Zero(t, a.calls)

	page, err = NewChain(h, 0, a, b).Fetch(context.Background(), "https://other.com/p")
	require.NoError(t, err)
	assert.Equal(t, SourceLocal, page.Source)
}

func TestChain_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewChain(nil, 0, &stubFetcher{name: "a"}).Fetch(ctx, "https://x.com")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestChain_NoFetchers(t *testing.T) {
	_, err := NewChain(nil, 0).Fetch(context.Background(), "https://x.com")
	assert.Error(t, err)
}

func TestTierHistory_Best(t *testing.T) {
	h := NewTierHistory()
	order := []string{SourceLocal, SourceJina, SourceFirecrawl}
	assert.Equal(t, "", h.Best("x.com", order))

	h.Record("x.com", SourceFirecrawl)
	h.Record("x.com", SourceJina)
	assert.Equal(t, SourceJina, h.Best("x.com", order))

	h.Record("x.com", SourceFirecrawl)
	assert.Equal(t, SourceFirecrawl, h.Best("x.com", order))
}

func TestDomain(t *testing.T) {
	assert.Equal(t, "xtool.com", Domain("https://WWW.xTool.com/products/s1?v=1"))
	assert.Equal(t, "", Domain("::bad"))
}
