package dynamic

import (
	"context"
	"encoding/base64"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/pricewatch/internal/resilience"
	"github.com/sells-group/pricewatch/internal/siterules"
)

const (
	maxCapturedBody  = 1 << 20
	maxCapturedCount = 40
	clickFindTimeout = 5 * time.Second
	defaultClickWait = 800 * time.Millisecond
	stableWindow     = 700 * time.Millisecond
	rodUserAgent     = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/128.0 Safari/537.36"
)

// RodBrowser renders pages with a shared headless Chromium.
type RodBrowser struct {
	browser *rod.Browser
	mu      sync.Mutex
}

// RodConfig configures the Chromium launch.
type RodConfig struct {
	// Bin is an explicit Chromium path. Empty lets rod find or download one.
	Bin      string
	Headless bool
}

// NewRodBrowser launches Chromium and connects to it.
func NewRodBrowser(cfg RodConfig) (*RodBrowser, error) {
	l := launcher.New().Headless(cfg.Headless).NoSandbox(true).Leakless(false)
	if cfg.Bin != "" {
		l = l.Bin(cfg.Bin)
	}
	u, err := l.Launch()
	if err != nil {
		return nil, eris.Wrap(err, "dynamic: launch chromium")
	}
	b := rod.New().ControlURL(u)
	if err := b.Connect(); err != nil {
		return nil, eris.Wrap(err, "dynamic: connect to chromium")
	}
	zap.L().Info("dynamic: browser ready", zap.String("control_url", u))
	return &RodBrowser{browser: b}, nil
}

// Close shuts the browser down.
func (r *RodBrowser) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.browser == nil {
		return nil
	}
	err := r.browser.Close()
	r.browser = nil
	return err
}

type pendingResponse struct {
	id          proto.NetworkRequestID
	url         string
	status      int
	contentType string
}

// Render opens a fresh tab, records XHR and fetch responses whose URL
// matches a capture keyword, performs the click sequence and returns the
// settled DOM. A 429 on the main document is returned as a
// resilience.RateLimitError.
func (r *RodBrowser) Render(ctx context.Context, req RenderRequest) (*RenderedPage, error) {
	r.mu.Lock()
	b := r.browser
	r.mu.Unlock()
	if b == nil {
		return nil, eris.New("dynamic: browser closed")
	}

	page, err := b.Context(ctx).Page(proto.TargetCreateTarget{})
	if err != nil {
		return nil, eris.Wrap(err, "dynamic: open page")
	}
	defer func() { _ = page.Close() }()

	if err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: rodUserAgent, AcceptLanguage: "en-US,en;q=0.9"}); err != nil {
		return nil, eris.Wrap(err, "dynamic: set user agent")
	}
	if err := (proto.NetworkEnable{}).Call(page); err != nil {
		return nil, eris.Wrap(err, "dynamic: enable network domain")
	}

	keywords := req.CaptureKeywords
	if len(keywords) == 0 {
		keywords = DefaultCaptureKeywords
	}

	var (
		mu       sync.Mutex
		pending  []pendingResponse
		docState int
	)
	wait := page.EachEvent(func(e *proto.NetworkResponseReceived) {
		mu.Lock()
		defer mu.Unlock()
		if e.Type == proto.NetworkResourceTypeDocument && docState == 0 {
			docState = e.Response.Status
			return
		}
		if e.Type != proto.NetworkResourceTypeXHR && e.Type != proto.NetworkResourceTypeFetch {
			return
		}
		if !strings.Contains(strings.ToLower(e.Response.MIMEType), "json") || !matchesKeyword(e.Response.URL, keywords) {
			return
		}
		if len(pending) < maxCapturedCount {
			pending = append(pending, pendingResponse{
				id:          e.RequestID,
				url:         e.Response.URL,
				status:      e.Response.Status,
				contentType: e.Response.MIMEType,
			})
		}
	})
	go wait()

	if err := page.Navigate(req.URL); err != nil {
		return nil, eris.Wrapf(err, "dynamic: navigate %s", req.URL)
	}
	if err := page.WaitLoad(); err != nil {
		return nil, eris.Wrap(err, "dynamic: wait load")
	}

	mu.Lock()
	status := docState
	mu.Unlock()
	if status == http.StatusTooManyRequests {
		return nil, &resilience.RateLimitError{Service: req.URL}
	}

	_ = page.WaitStable(stableWindow)

	for _, c := range req.Clicks {
		if err := click(page, c); err != nil {
			zap.L().Debug("dynamic: click failed", zap.String("url", req.URL), zap.String("selector", c.Selector), zap.Error(err))
			continue
		}
	}

	html, err := page.HTML()
	if err != nil {
		return nil, eris.Wrap(err, "dynamic: read DOM")
	}

	out := &RenderedPage{URL: req.URL, StatusCode: status, HTML: html}
	if info, err := page.Info(); err == nil && info.URL != "" {
		out.URL = info.URL
	}

	mu.Lock()
	captured := append([]pendingResponse(nil), pending...)
	mu.Unlock()
	for _, p := range captured {
		body, err := (proto.NetworkGetResponseBody{RequestID: p.id}).Call(page)
		if err != nil {
			continue
		}
		data := []byte(body.Body)
		if body.Base64Encoded {
			if data, err = base64.StdEncoding.DecodeString(body.Body); err != nil {
				continue
			}
		}
		if len(data) > maxCapturedBody {
			continue
		}
		out.Responses = append(out.Responses, CapturedResponse{
			URL:         p.url,
			Method:      http.MethodGet,
			Status:      p.status,
			ContentType: p.contentType,
			Body:        data,
		})
	}
	return out, nil
}

func click(page *rod.Page, c siterules.Click) error {
	el, err := page.Timeout(clickFindTimeout).Element(c.Selector)
	if err != nil {
		return err
	}
	el = el.CancelTimeout()
	if err := el.ScrollIntoView(); err != nil {
		return err
	}
	if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return err
	}
	wait := defaultClickWait
	if c.WaitMS > 0 {
		wait = time.Duration(c.WaitMS) * time.Millisecond
	}
	select {
	case <-page.GetContext().Done():
		return page.GetContext().Err()
	case <-time.After(wait):
	}
	return nil
}

func matchesKeyword(rawURL string, keywords []string) bool {
	lower := strings.ToLower(rawURL)
	for _, k := range keywords {
		if strings.Contains(lower, k) {
			return true
		}
	}
	return false
}
