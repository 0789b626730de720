package scrape

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/sells-group/pricewatch/internal/cost"
	"github.com/sells-group/pricewatch/internal/resilience"
	"github.com/sells-group/pricewatch/pkg/jina"
)

var challengeSignatures = []string{
	"checking your browser",
	"enable javascript and cookies",
	"please enable cookies",
	"access denied",
	"403 forbidden",
	"just a moment",
	"attention required",
}

// JinaFetcher fetches rendered HTML through the Jina Reader. Three
// consecutive failures open its breaker for a minute, during which the
// chain skips straight to the next fetcher.
type JinaFetcher struct {
	client  jina.Client
	breaker *resilience.CircuitBreaker
	calc    *cost.Calculator
}

// NewJinaFetcher wraps a Jina client. calc may be nil.
func NewJinaFetcher(client jina.Client, calc *cost.Calculator) *JinaFetcher {
	return &JinaFetcher{
		client: client,
		breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:             SourceJina,
			FailureThreshold: 3,
			ResetTimeout:     60 * time.Second,
		}),
		calc: calc,
	}
}

// Name implements Fetcher.
func (j *JinaFetcher) Name() string { return SourceJina }

// Fetch implements Fetcher.
func (j *JinaFetcher) Fetch(ctx context.Context, targetURL string) (*Page, error) {
	resp, err := resilience.ExecuteVal(ctx, j.breaker, func(ctx context.Context) (*jina.ReadResponse, error) {
		resp, err := j.client.Read(ctx, targetURL)
		if err != nil {
			return nil, err
		}
		if reason := unusable(resp); reason != "" {
			return nil, &FetchError{URL: targetURL, StatusCode: resp.Code, Source: SourceJina, Reason: reason}
		}
		return resp, nil
	})
	if err != nil {
		var fe *FetchError
		if errors.As(err, &fe) {
			return nil, fe
		}
		var se *jina.StatusError
		if errors.As(err, &se) {
			return nil, &FetchError{URL: targetURL, StatusCode: se.StatusCode, Source: SourceJina, Reason: se.Body}
		}
		return nil, &FetchError{URL: targetURL, Source: SourceJina, Reason: err.Error()}
	}

	page := &Page{
		URL:        targetURL,
		HTML:       resp.Data.Body(),
		StatusCode: 200,
		Source:     SourceJina,
	}
	if resp.Data.URL != "" {
		page.URL = resp.Data.URL
	}
	if j.calc != nil {
		page.Cost = j.calc.Jina(resp.Data.Usage.Tokens)
	}
	return page, nil
}

// unusable reports why a Jina response cannot be used, or "" when it can.
func unusable(resp *jina.ReadResponse) string {
	if resp == nil {
		return "empty response"
	}
	if resp.Code != 0 && resp.Code != 200 {
		return "upstream status"
	}
	body := strings.TrimSpace(resp.Data.Body())
	if len(body) < minPageBytes {
		return "empty page"
	}
	if len(body) < 5000 {
		lower := strings.ToLower(body)
		for _, sig := range challengeSignatures {
			if strings.Contains(lower, sig) {
				return "challenge page"
			}
		}
	}
	return ""
}
