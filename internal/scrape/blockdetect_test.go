package scrape

import (
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDetectBlock(t *testing.T) {
	tests := []struct {
		name   string
		status int
		header http.Header
		body   string
		want   BlockType
	}{
		{"cloudflare header", 403, http.Header{"Cf-Ray": {"abc"}}, "", BlockCloudflare},
		{"cloudflare server", 503, http.Header{"Server": {"cloudflare"}}, "", BlockCloudflare},
		{"cloudflare challenge body", 200, http.Header{}, "<title>Just a moment...</title> cloudflare", BlockCloudflare},
		{"datadome header", 403, http.Header{"X-Datadome": {"protected"}}, "", BlockBotManager},
		{"perimeterx body", 200, http.Header{}, `<div id="px-captcha"></div>`, BlockBotManager},
		{"captcha page", 200, http.Header{}, `<div class="g-recaptcha"></div>`, BlockCaptcha},
		{"js shell", 200, http.Header{}, "<html><noscript>Please enable JavaScript</noscript></html>", BlockJSShell},
		{"meta refresh", 200, http.Header{}, `<meta http-equiv="refresh" content="0;url=/x">`, BlockJSShell},
		{"product page", 200, http.Header{}, `<html><body><h1>xTool S1</h1><span class="price">$1,299</span></body></html>`, BlockNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			blocked, kind := DetectBlock(&http.Response{StatusCode: tt.status, Header: tt.header}, []byte(tt.body))
			assert.Equal(t, tt.want != BlockNone, blocked)
			assert.Equal(t, tt.want, kind)
		})
	}
}

func TestDetectBlock_LargePageWithCaptchaWidget(t *testing.T) {
	body := `<div class="g-recaptcha"></div>` + strings.Repeat("<p>product details</p>", 2000)
	blocked, _ := DetectBlock(&http.Response{StatusCode: 200, Header: http.Header{}}, []byte(body))
	assert.False(t, blocked)
}

func TestDetectBlock_NilResponse(t *testing.T) {
	blocked, kind := DetectBlock(nil, nil)
	assert.False(t, blocked)
	assert.Equal(t, BlockNone, kind)
}
