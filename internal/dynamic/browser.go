// Package dynamic renders pages in a headless browser for merchants whose
// prices only appear after JavaScript runs or after a variant is chosen.
package dynamic

import (
	"context"

	"github.com/sells-group/pricewatch/internal/siterules"
)

// DefaultCaptureKeywords select which network responses are kept.
var DefaultCaptureKeywords = []string{"price", "pricing", "product", "variant", "offer", "sku", "cart"}

// RenderRequest describes one page render.
type RenderRequest struct {
	URL             string
	Clicks          []siterules.Click
	CaptureKeywords []string
}

// CapturedResponse is a JSON network response seen while rendering.
type CapturedResponse struct {
	URL         string
	Method      string
	Status      int
	ContentType string
	Body        []byte
}

// RenderedPage is the post-render DOM plus captured responses.
type RenderedPage struct {
	URL        string
	StatusCode int
	HTML       string
	Responses  []CapturedResponse
}

// Browser renders pages. RodBrowser is the production implementation.
type Browser interface {
	Render(ctx context.Context, req RenderRequest) (*RenderedPage, error)
	Close() error
}
