package scrape

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

const (
	defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/128.0 Safari/537.36"
	defaultMaxBody   = 4 << 20
	minPageBytes     = 200
)

// LocalConfig configures the LocalFetcher.
type LocalConfig struct {
	Timeout   time.Duration
	MaxBody   int64
	UserAgent string
	Retries   int
}

// LocalFetcher fetches pages directly over HTTP. It costs nothing and
// returns a FetchError when the page is blocked so the chain escalates.
type LocalFetcher struct {
	client    *retryablehttp.Client
	maxBody   int64
	userAgent string
}

// NewLocalFetcher creates a LocalFetcher. 429 and 5xx responses are
// retried with backoff.
func NewLocalFetcher(cfg LocalConfig) *LocalFetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxBody <= 0 {
		cfg.MaxBody = defaultMaxBody
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}

	rc := retryablehttp.NewClient()
	rc.RetryMax = cfg.Retries
	rc.RetryWaitMin = 500 * time.Millisecond
	rc.RetryWaitMax = 5 * time.Second
	rc.HTTPClient.Timeout = cfg.Timeout
	rc.Logger = zapLeveled{zap.S().Named("local_http")}
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return &LocalFetcher{client: rc, maxBody: cfg.MaxBody, userAgent: cfg.UserAgent}
}

// Name implements Fetcher.
func (l *LocalFetcher) Name() string { return SourceLocal }

// Fetch implements Fetcher.
func (l *LocalFetcher) Fetch(ctx context.Context, targetURL string) (*Page, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, targetURL, nil)
	if err != nil {
		return nil, &FetchError{URL: targetURL, Source: SourceLocal, Reason: err.Error()}
	}
	req.Header.Set("User-Agent", l.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, &FetchError{URL: targetURL, Source: SourceLocal, Reason: err.Error()}
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, l.maxBody))
	if err != nil {
		return nil, &FetchError{URL: targetURL, StatusCode: resp.StatusCode, Source: SourceLocal, Reason: "read body: " + err.Error()}
	}

	if blocked, kind := DetectBlock(resp, body); blocked {
		return nil, &FetchError{URL: targetURL, StatusCode: resp.StatusCode, Source: SourceLocal, Reason: "blocked (" + string(kind) + ")"}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &FetchError{URL: targetURL, StatusCode: resp.StatusCode, Source: SourceLocal, Reason: http.StatusText(resp.StatusCode)}
	}
	if len(body) < minPageBytes {
		return nil, &FetchError{URL: targetURL, StatusCode: resp.StatusCode, Source: SourceLocal, Reason: "empty page"}
	}

	return &Page{
		URL:        resp.Request.URL.String(),
		HTML:       string(body),
		StatusCode: resp.StatusCode,
		Source:     SourceLocal,
	}, nil
}

// zapLeveled adapts a sugared zap logger to retryablehttp.LeveledLogger.
type zapLeveled struct{ s *zap.SugaredLogger }

func (l zapLeveled) Error(msg string, kv ...any) { l.s.Errorw(msg, kv...) }
func (l zapLeveled) Info(msg string, kv ...any)  { l.s.Debugw(msg, kv...) }
func (l zapLeveled) Debug(msg string, kv ...any) { l.s.Debugw(msg, kv...) }
func (l zapLeveled) Warn(msg string, kv ...any)  { l.s.Warnw(msg, kv...) }
