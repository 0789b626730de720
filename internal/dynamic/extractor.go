package dynamic

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/sells-group/pricewatch/internal/model"
	"github.com/sells-group/pricewatch/internal/priceparse"
	"github.com/sells-group/pricewatch/internal/resilience"
	"github.com/sells-group/pricewatch/internal/siterules"
	"github.com/sells-group/pricewatch/internal/static"
)

// ConfidenceEndpoint is assigned to prices read from a replayed endpoint.
const ConfidenceEndpoint = 0.85

const maxEndpointBody = 2 << 20

// ErrDisabled is returned when no browser is configured.
var ErrDisabled = eris.New("dynamic: browser rendering disabled")

// Config controls the rendering tier.
type Config struct {
	Enabled           bool    `yaml:"enabled" mapstructure:"enabled"`
	TimeoutSecs       int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxConcurrent     int     `yaml:"max_concurrent" mapstructure:"max_concurrent"`
	RequestsPerSecond float64 `yaml:"requests_per_second" mapstructure:"requests_per_second"`
	FailureThreshold  int     `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	CooldownSecs      int     `yaml:"cooldown_secs" mapstructure:"cooldown_secs"`
	Bin               string  `yaml:"bin" mapstructure:"bin"`
}

// DefaultConfig returns the rendering defaults: two concurrent renders,
// a 45s navigation budget and a five minute cooldown after repeated
// rate limiting.
func DefaultConfig() Config {
	return Config{
		Enabled:           true,
		TimeoutSecs:       45,
		MaxConcurrent:     2,
		RequestsPerSecond: 0.5,
		FailureThreshold:  3,
		CooldownSecs:      300,
	}
}

// Request is one dynamic extraction.
type Request struct {
	URL              string
	VariantAttribute string
	Clicks           []siterules.Click
	Rule             *siterules.SiteRule
	Currency         string
}

// Extractor renders pages with a Browser under a concurrency ceiling, a
// request pacer and a rate-limit breaker, then ranks the prices found.
type Extractor struct {
	browser  Browser
	cfg      Config
	sem      *semaphore.Weighted
	limiter  *rate.Limiter
	breaker  *resilience.CircuitBreaker
	http     *retryablehttp.Client
	inFlight atomic.Int64
	now      func() time.Time
}

// Option configures an Extractor.
type Option func(*Extractor)

// WithHTTPClient sets the client used to replay discovered endpoints.
func WithHTTPClient(c *retryablehttp.Client) Option {
	return func(e *Extractor) { e.http = c }
}

// WithStateChange observes breaker transitions.
func WithStateChange(fn func(name string, from, to resilience.CircuitState)) Option {
	return func(e *Extractor) {
		e.breaker = resilience.NewCircuitBreaker(e.breakerConfig(fn))
	}
}

// New creates an Extractor. A nil browser yields an extractor that only
// replays discovered endpoints.
func New(b Browser, cfg Config, opts ...Option) *Extractor {
	def := DefaultConfig()
	if cfg.TimeoutSecs <= 0 {
		cfg.TimeoutSecs = def.TimeoutSecs
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = def.MaxConcurrent
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.CooldownSecs <= 0 {
		cfg.CooldownSecs = def.CooldownSecs
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}

	hc := retryablehttp.NewClient()
	hc.RetryMax = 1
	hc.Logger = nil
	hc.HTTPClient.Timeout = 20 * time.Second
	hc.ErrorHandler = retryablehttp.PassthroughErrorHandler

	e := &Extractor{
		browser: b,
		cfg:     cfg,
		sem:     semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		limiter: rate.NewLimiter(limit, 1),
		http:    hc,
		now:     time.Now,
	}
	e.breaker = resilience.NewCircuitBreaker(e.breakerConfig(nil))
	for _, o := range opts {
		o(e)
	}
	return e
}

func (e *Extractor) breakerConfig(fn func(string, resilience.CircuitState, resilience.CircuitState)) resilience.CircuitBreakerConfig {
	return resilience.CircuitBreakerConfig{
		Name:             "browser",
		FailureThreshold: e.cfg.FailureThreshold,
		ResetTimeout:     time.Duration(e.cfg.CooldownSecs) * time.Second,
		ShouldTrip:       resilience.IsRateLimit,
		OnStateChange:    fn,
	}
}

// InFlight reports the number of renders currently running.
func (e *Extractor) InFlight() int64 { return e.inFlight.Load() }

// Available reports whether a browser is configured and not cooling down.
func (e *Extractor) Available() bool {
	return e.browser != nil && !e.breaker.Open()
}

// Extract renders req.URL, performs the click sequence and ranks
// candidates: structured data, meta tags, captured network JSON, then
// the rendered DOM. A network JSON hit also returns the endpoint that
// produced it so later runs can skip the browser.
func (e *Extractor) Extract(ctx context.Context, req Request) (model.TierOutcome, *model.DiscoveredEndpoint) {
	start := time.Now()
	if e.browser == nil {
		return model.Failure(model.TierDynamic, ErrDisabled, nil), nil
	}

	clicks := req.Clicks
	if len(clicks) == 0 && req.Rule != nil {
		clicks = req.Rule.ClickSequence
	}

	page, err := resilience.ExecuteVal(ctx, e.breaker, func(ctx context.Context) (*RenderedPage, error) {
		return e.render(ctx, RenderRequest{URL: req.URL, Clicks: clicks})
	})
	if err != nil {
		zap.L().Warn("dynamic: render failed",
			zap.String("url", req.URL),
			zap.Bool("rate_limited", resilience.IsRateLimit(err)),
			zap.Error(err),
		)
		a := model.Attempt{Tier: model.TierDynamic, Technique: "render", Outcome: model.OutcomeError, Reason: err.Error()}
		return model.Failure(model.TierDynamic, err, []model.Attempt{a.Timed(start)}), nil
	}

	r := &ranking{req: req, page: page}
	c, ep := r.best(e.now())
	if len(r.attempts) > 0 {
		r.attempts[len(r.attempts)-1] = r.attempts[len(r.attempts)-1].Timed(start)
	}
	if c == nil {
		return model.Miss(model.TierDynamic, "no price in rendered page", r.attempts), nil
	}
	return model.Hit(model.TierDynamic, c, r.attempts), ep
}

func (e *Extractor) render(ctx context.Context, req RenderRequest) (*RenderedPage, error) {
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return nil, eris.Wrap(err, "dynamic: wait for browser slot")
	}
	defer e.sem.Release(1)

	if err := e.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "dynamic: wait for rate limiter")
	}

	e.inFlight.Add(1)
	defer e.inFlight.Add(-1)

	ctx, cancel := context.WithTimeout(ctx, time.Duration(e.cfg.TimeoutSecs)*time.Second)
	defer cancel()
	return e.browser.Render(ctx, req)
}

// FromEndpoint replays a previously discovered endpoint over plain HTTP
// and reads the price from its JSON body.
func (e *Extractor) FromEndpoint(ctx context.Context, ep model.DiscoveredEndpoint, req Request) model.TierOutcome {
	start := time.Now()
	target := ep.SampleURL
	if target == "" {
		target = ep.Template
	}
	if target == "" || strings.Contains(target, "{id}") {
		return model.Miss(model.TierDynamic, "endpoint has no replayable url", nil)
	}

	fail := func(err error) model.TierOutcome {
		a := model.Attempt{Tier: model.TierDynamic, Technique: model.MethodAPIEndpoint, Outcome: model.OutcomeError, Reason: err.Error()}
		return model.Failure(model.TierDynamic, err, []model.Attempt{a.Timed(start)})
	}

	hr, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fail(eris.Wrap(err, "dynamic: build endpoint request"))
	}
	hr.Header.Set("Accept", "application/json")
	resp, err := e.http.Do(hr)
	if err != nil {
		return fail(eris.Wrapf(err, "dynamic: replay endpoint %s", target))
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode == http.StatusTooManyRequests {
		return fail(resilience.NewRateLimitError(ep.Domain, resp.Header))
	}
	if resp.StatusCode != http.StatusOK {
		return fail(eris.Errorf("dynamic: endpoint %s returned status %d", target, resp.StatusCode))
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxEndpointBody))
	if err != nil {
		return fail(eris.Wrap(err, "dynamic: read endpoint body"))
	}

	r := &ranking{req: req}
	hits := jsonPrices(body)
	// The field recorded at discovery time wins over anything else.
	for i, h := range hits {
		if h.path == ep.PriceField && i > 0 {
			hits[0], hits[i] = hits[i], hits[0]
			break
		}
	}
	for _, h := range hits {
		v, ok := r.networkValue(h.value)
		if !ok {
			continue
		}
		c := r.candidate(model.MethodAPIEndpoint, ConfidenceEndpoint, v, h.raw, target+"#"+h.path, "")
		return model.Hit(model.TierDynamic, c, []model.Attempt{r.attempts[0].Timed(start)})
	}
	a := model.MissAttempt(model.TierDynamic, model.MethodAPIEndpoint, "no price field in endpoint response").Timed(start)
	return model.Miss(model.TierDynamic, "endpoint returned no price", []model.Attempt{a})
}

// ranking holds the state of one candidate search over a rendered page.
type ranking struct {
	req      Request
	page     *RenderedPage
	attempts []model.Attempt
}

func (r *ranking) accept(v decimal.Decimal) bool {
	if !v.IsPositive() || v.LessThan(static.StructuredMin) || v.GreaterThan(static.StructuredMax) {
		return false
	}
	return r.req.Rule.InRange(v)
}

// networkValue accepts v, or v/100 when v is an integer count of cents
// that only makes sense divided.
func (r *ranking) networkValue(v decimal.Decimal) (decimal.Decimal, bool) {
	if r.accept(v) {
		return v, true
	}
	if v.IsInteger() {
		if cents := v.Div(decimal.NewFromInt(100)); r.accept(cents) {
			return cents, true
		}
	}
	return decimal.Zero, false
}

func (r *ranking) miss(technique, reason string) {
	r.attempts = append(r.attempts, model.MissAttempt(model.TierDynamic, technique, reason))
}

func (r *ranking) candidate(method string, conf float64, v decimal.Decimal, raw, source, currency string) *model.PriceCandidate {
	if currency == "" {
		currency = priceparse.DetectCurrency(raw)
	}
	if currency == "" && r.req.Rule != nil {
		currency = r.req.Rule.Currency
	}
	if currency == "" {
		currency = r.req.Currency
	}
	c := &model.PriceCandidate{
		Value:      v,
		Currency:   strings.ToUpper(currency),
		Tier:       model.TierDynamic,
		Method:     method,
		Confidence: conf,
		RawText:    raw,
		Source:     source,
	}
	r.attempts = append(r.attempts, model.HitAttempt(model.TierDynamic, method, c))
	return c
}

func (r *ranking) best(now time.Time) (*model.PriceCandidate, *model.DiscoveredEndpoint) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(r.page.HTML))
	if err != nil {
		r.miss("parse", err.Error())
		return nil, nil
	}

	if c := r.structured(doc); c != nil {
		return c, nil
	}
	if c, ep := r.network(now); c != nil {
		return c, ep
	}
	hit, attempts := domPrices(doc, r.page.HTML, r.req.Rule, r.accept)
	r.attempts = append(r.attempts, attempts...)
	if hit == nil {
		return nil, nil
	}
	return r.candidate(hit.technique, hit.confidence, hit.found.Value, hit.found.Raw, hit.found.Source, hit.found.Currency), nil
}

func (r *ranking) structured(doc *goquery.Document) *model.PriceCandidate {
	sources := []struct {
		method string
		conf   float64
		found  []static.Found
	}{
		{model.MethodStructuredData, static.ConfidenceJSONLD, static.JSONLDPrices(doc)},
		{model.MethodMicrodata, static.ConfidenceMicrodata, static.MicrodataPrices(doc)},
	}
	if r.req.Rule == nil || !r.req.Rule.AvoidMetaTags {
		sources = append(sources, struct {
			method string
			conf   float64
			found  []static.Found
		}{model.MethodMetaTag, static.ConfidenceMeta, static.MetaPrices(doc)})
	}
	for _, s := range sources {
		for _, f := range s.found {
			if r.accept(f.Value) {
				return r.candidate(s.method, s.conf, f.Value, f.Raw, f.Source, f.Currency)
			}
		}
		r.miss(s.method, "not present or out of range")
	}
	return nil
}

func (r *ranking) network(now time.Time) (*model.PriceCandidate, *model.DiscoveredEndpoint) {
	for _, resp := range r.page.Responses {
		if resp.Status != 0 && resp.Status != http.StatusOK {
			continue
		}
		for _, h := range jsonPrices(resp.Body) {
			v, ok := r.networkValue(h.value)
			if !ok {
				continue
			}
			c := r.candidate(model.MethodNetworkJSON, ConfidenceNetworkJSON, v, h.raw, resp.URL+"#"+h.path, "")
			ep := &model.DiscoveredEndpoint{
				Domain:           siterules.DomainOf(r.req.URL),
				VariantAttribute: r.req.VariantAttribute,
				Template:         EndpointTemplate(resp.URL),
				SampleURL:        resp.URL,
				PriceField:       h.path,
				DiscoveredAt:     now.UTC(),
			}
			return c, ep
		}
	}
	if len(r.page.Responses) == 0 {
		r.miss(model.MethodNetworkJSON, "no price responses captured")
	} else {
		r.miss(model.MethodNetworkJSON, "captured responses carried no usable price")
	}
	return nil, nil
}
