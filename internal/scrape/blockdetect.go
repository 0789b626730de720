package scrape

import (
	"net/http"
	"strings"
)

// BlockType describes the kind of anti-bot response detected.
type BlockType string

const (
	BlockNone       BlockType = ""
	BlockCloudflare BlockType = "cloudflare"
	BlockCaptcha    BlockType = "captcha"
	BlockBotManager BlockType = "bot_manager"
	BlockJSShell    BlockType = "js_shell"
)

var botManagerMarkers = []string{
	"_incapsula_resource",
	"px-captcha",
	"perimeterx",
	"datadome",
	"akamai bot manager",
	"request unsuccessful. incapsula",
}

// DetectBlock checks a response for an anti-bot challenge instead of
// the product page.
func DetectBlock(resp *http.Response, body []byte) (bool, BlockType) {
	if resp == nil {
		return false, BlockNone
	}

	if resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusServiceUnavailable {
		if resp.Header.Get("cf-ray") != "" || resp.Header.Get("cf-mitigated") != "" ||
			strings.EqualFold(resp.Header.Get("server"), "cloudflare") {
			return true, BlockCloudflare
		}
		if resp.Header.Get("x-datadome") != "" {
			return true, BlockBotManager
		}
	}

	lower := strings.ToLower(string(body))

	if strings.Contains(lower, "checking your browser") ||
		strings.Contains(lower, "cf-browser-verification") ||
		strings.Contains(lower, "cf-challenge") ||
		(strings.Contains(lower, "just a moment") && strings.Contains(lower, "cloudflare")) {
		return true, BlockCloudflare
	}

	for _, m := range botManagerMarkers {
		if strings.Contains(lower, m) {
			return true, BlockBotManager
		}
	}

	// Product pages routinely load a captcha script for their checkout or
	// review widgets, so only short pages count.
	if len(body) < 20000 && (strings.Contains(lower, "g-recaptcha") ||
		strings.Contains(lower, "h-captcha") || strings.Contains(lower, "captcha-container")) {
		return true, BlockCaptcha
	}

	if len(body) < 2000 {
		if strings.Contains(lower, "<noscript") && strings.Contains(lower, "enable javascript") {
			return true, BlockJSShell
		}
		if strings.Contains(lower, `http-equiv="refresh"`) {
			return true, BlockJSShell
		}
	}

	return false, BlockNone
}
