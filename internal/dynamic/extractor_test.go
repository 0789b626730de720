package dynamic

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/pricewatch/internal/model"
	"github.com/sells-group/pricewatch/internal/resilience"
	"github.com/sells-group/pricewatch/internal/siterules"
)

type fakeBrowser struct {
	page  *RenderedPage
	err   error
	calls atomic.Int32
	last  RenderRequest
}

func (f *fakeBrowser) Render(_ context.Context, req RenderRequest) (*RenderedPage, error) {
	f.calls.Add(1)
	f.last = req
	if f.err != nil {
		return nil, f.err
	}
	return f.page, nil
}

func (f *fakeBrowser) Close() error { return nil }

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.RequestsPerSecond = 0
	return cfg
}

const productURL = "https://www.shop.example.com/products/laser-x1"

func TestExtract_NetworkJSONOutranksDOM(t *testing.T) {
	b := &fakeBrowser{page: &RenderedPage{
		URL:  productURL,
		HTML: `<html><body><span class="price">$999.00</span></body></html>`,
		Responses: []CapturedResponse{{
			URL:    "https://www.shop.example.com/api/products/123456/price?variant=40w",
			Status: 200,
			Body:   []byte(`{"product":{"compare_at_price":"1,799.00","price":"1,499.00"}}`),
		}},
	}}
	e := New(b, testConfig())

	out, ep := e.Extract(context.Background(), Request{URL: productURL, VariantAttribute: "40W", Currency: "usd"})
	require.True(t, out.Found(), out.Reason)
	assert.Equal(t, model.MethodNetworkJSON, out.Candidate.Method)
	assert.Equal(t, model.TierDynamic, out.Candidate.Tier)
	assert.True(t, out.Candidate.Value.Equal(decimal.NewFromInt(1499)))
	assert.Equal(t, "USD", out.Candidate.Currency)

	require.NotNil(t, ep)
	assert.Equal(t, "shop.example.com", ep.Domain)
	assert.Equal(t, "40W", ep.VariantAttribute)
	assert.Equal(t, "https://www.shop.example.com/api/products/{id}/price?variant=40w", ep.Template)
	assert.Equal(t, "product.price", ep.PriceField)
}

func TestExtract_StructuredDataFirst(t *testing.T) {
	b := &fakeBrowser{page: &RenderedPage{
		HTML: `<html><head><script type="application/ld+json">{"@type":"Product","offers":{"price":"2499.00","priceCurrency":"EUR"}}</script></head>
<body><span data-price="1999">x</span></body></html>`,
		Responses: []CapturedResponse{{URL: "https://x.example.com/api/price", Status: 200, Body: []byte(`{"price":1899}`)}},
	}}
	e := New(b, testConfig())

	out, ep := e.Extract(context.Background(), Request{URL: productURL})
	require.True(t, out.Found())
	assert.Nil(t, ep)
	assert.Equal(t, model.MethodStructuredData, out.Candidate.Method)
	assert.True(t, out.Candidate.Value.Equal(decimal.NewFromInt(2499)))
	assert.Equal(t, "EUR", out.Candidate.Currency)
}

func TestExtract_DOMFallbacks(t *testing.T) {
	tests := []struct {
		name      string
		html      string
		rule      *siterules.SiteRule
		technique string
		want      int64
	}{
		{
			name:      "site selector",
			html:      `<div class="buy-box"><b class="now">$3,250.00</b></div><span data-price="3100">x</span>`,
			rule:      &siterules.SiteRule{Selectors: []string{".buy-box .now"}},
			technique: model.MethodSiteSelector,
			want:      3250,
		},
		{
			name:      "data attribute",
			html:      `<span class="amount" data-price="1450.00">Choose</span>`,
			technique: "data_attribute",
			want:      1450,
		},
		{
			name:      "text",
			html:      `<p>Now only $899.00 with free shipping</p>`,
			technique: model.MethodDOMText,
			want:      899,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := New(&fakeBrowser{page: &RenderedPage{HTML: "<html><body>" + tt.html + "</body></html>"}}, testConfig())
			out, ep := e.Extract(context.Background(), Request{URL: productURL, Rule: tt.rule})
			require.True(t, out.Found(), out.Reason)
			assert.Nil(t, ep)
			assert.Equal(t, tt.technique, out.Candidate.Method)
			assert.True(t, out.Candidate.Value.Equal(decimal.NewFromInt(tt.want)), out.Candidate.Value.String())
		})
	}
}

func TestExtract_CentsInNetworkJSON(t *testing.T) {
	b := &fakeBrowser{page: &RenderedPage{
		HTML:      `<html><body></body></html>`,
		Responses: []CapturedResponse{{URL: "https://x.example.com/products/laser.js", Body: []byte(`{"variants":[{"price":249900}]}`)}},
	}}
	out, _ := New(b, testConfig()).Extract(context.Background(), Request{URL: productURL})
	require.True(t, out.Found())
	assert.True(t, out.Candidate.Value.Equal(decimal.NewFromInt(2499)))
}

func TestExtract_UsesRuleClickSequence(t *testing.T) {
	b := &fakeBrowser{page: &RenderedPage{HTML: `<p>$1,200.00</p>`}}
	rule := &siterules.SiteRule{ClickSequence: []siterules.Click{{Selector: "#opt-60w", WaitMS: 500}}}
	_, _ = New(b, testConfig()).Extract(context.Background(), Request{URL: productURL, Rule: rule})
	require.Len(t, b.last.Clicks, 1)
	assert.Equal(t, "#opt-60w", b.last.Clicks[0].Selector)
}

func TestExtract_Miss(t *testing.T) {
	b := &fakeBrowser{page: &RenderedPage{HTML: `<html><body><p>Contact us for a quote</p></body></html>`}}
	out, ep := New(b, testConfig()).Extract(context.Background(), Request{URL: productURL})
	assert.Equal(t, model.OutcomeMiss, out.Kind)
	assert.Nil(t, ep)
	assert.NotEmpty(t, out.Attempts)
}

func TestExtract_RateLimitOpensBreaker(t *testing.T) {
	b := &fakeBrowser{err: &resilience.RateLimitError{Service: "shop.example.com"}}
	cfg := testConfig()
	cfg.FailureThreshold = 1

	var opened atomic.Bool
	e := New(b, cfg, WithStateChange(func(_ string, _, to resilience.CircuitState) {
		if to == resilience.CircuitOpen {
			opened.Store(true)
		}
	}))

	out, _ := e.Extract(context.Background(), Request{URL: productURL})
	assert.Equal(t, model.OutcomeError, out.Kind)
	assert.True(t, opened.Load())
	assert.False(t, e.Available())

	out, _ = e.Extract(context.Background(), Request{URL: productURL})
	assert.Equal(t, model.OutcomeError, out.Kind)
	assert.ErrorIs(t, out.Err, resilience.ErrCircuitOpen)
	assert.Equal(t, int32(1), b.calls.Load())
	assert.Equal(t, int64(0), e.InFlight())
}

func TestExtract_OrdinaryErrorDoesNotTrip(t *testing.T) {
	b := &fakeBrowser{err: assert.AnError}
	cfg := testConfig()
	cfg.FailureThreshold = 1
	e := New(b, cfg)

	for range 3 {
		out, _ := e.Extract(context.Background(), Request{URL: productURL})
		assert.Equal(t, model.OutcomeError, out.Kind)
	}
	assert.Equal(t, int32(3), b.calls.Load())
	assert.True(t, e.Available())
}

func TestExtract_Disabled(t *testing.T) {
	e := New(nil, testConfig())
	out, ep := e.Extract(context.Background(), Request{URL: productURL})
	assert.ErrorIs(t, out.Err, ErrDisabled)
	assert.Nil(t, ep)
	assert.False(t, e.Available())
}

func TestFromEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/price":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"data":{"regular_price":"5,999.00","sale_price":"4,999.00"}}`))
		case "/api/throttled":
			w.Header().Set("Retry-After", "30")
			w.WriteHeader(http.StatusTooManyRequests)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	e := New(nil, testConfig())

	out := e.FromEndpoint(context.Background(), model.DiscoveredEndpoint{
		Domain:     "shop.example.com",
		SampleURL:  srv.URL + "/api/price",
		PriceField: "data.sale_price",
	}, Request{URL: productURL, Currency: "USD"})
	require.True(t, out.Found(), out.Reason)
	assert.Equal(t, model.MethodAPIEndpoint, out.Candidate.Method)
	assert.True(t, out.Candidate.Value.Equal(decimal.NewFromInt(4999)))
	assert.Equal(t, "USD", out.Candidate.Currency)

	out = e.FromEndpoint(context.Background(), model.DiscoveredEndpoint{SampleURL: srv.URL + "/api/throttled"}, Request{})
	assert.Equal(t, model.OutcomeError, out.Kind)
	assert.True(t, resilience.IsRateLimit(out.Err))

	out = e.FromEndpoint(context.Background(), model.DiscoveredEndpoint{Template: srv.URL + "/api/{id}"}, Request{})
	assert.Equal(t, model.OutcomeMiss, out.Kind)
}
