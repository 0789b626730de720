package scrape

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Chain tries fetchers in order and returns the first page.
type Chain struct {
	fetchers []Fetcher
	history  *TierHistory
	timeout  time.Duration
}

// NewChain creates a chain. history may be nil.
func NewChain(history *TierHistory, timeout time.Duration, fetchers ...Fetcher) *Chain {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Chain{fetchers: fetchers, history: history, timeout: timeout}
}

// Name implements Fetcher.
func (c *Chain) Name() string { return "chain" }

// Fetch tries each fetcher, starting with the historically best one for
// the URL's domain. It returns the last fetcher's error when all fail;
// errors.As finds the underlying *FetchError.
func (c *Chain) Fetch(ctx context.Context, targetURL string) (*Page, error) {
	if len(c.fetchers) == 0 {
		return nil, eris.New("scrape: no fetchers configured")
	}
	domain := Domain(targetURL)
	log := zap.L().With(zap.String("url", targetURL))

	var lastErr error
	for _, f := range c.ordered(domain) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		fctx, cancel := context.WithTimeout(ctx, c.timeout)
		page, err := f.Fetch(fctx, targetURL)
		cancel()
		if err == nil {
			if c.history != nil {
				c.history.Record(domain, f.Name())
			}
			log.Debug("scrape: fetched", zap.String("fetcher", f.Name()), zap.Int("bytes", len(page.HTML)))
			return page, nil
		}
		log.Debug("scrape: fetcher failed, trying next", zap.String("fetcher", f.Name()), zap.Error(err))
		lastErr = err
	}
	return nil, eris.Wrapf(lastErr, "scrape: all fetchers failed for %s", targetURL)
}

// ordered moves the best fetcher for domain to the front.
func (c *Chain) ordered(domain string) []Fetcher {
	if c.history == nil {
		return c.fetchers
	}
	names := make([]string, len(c.fetchers))
	for i, f := range c.fetchers {
		names[i] = f.Name()
	}
	best := c.history.Best(domain, names)
	if best == "" || best == names[0] {
		return c.fetchers
	}
	out := make([]Fetcher, 0, len(c.fetchers))
	for _, f := range c.fetchers {
		if f.Name() == best {
			out = append(out, f)
		}
	}
	for _, f := range c.fetchers {
		if f.Name() != best {
			out = append(out, f)
		}
	}
	return out
}
