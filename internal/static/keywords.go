package static

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// keywordDepth bounds how far up from a price element variant wording is
// looked for.
const keywordDepth = 2

// mentionsKeyword reports whether text contains any keyword, ignoring case.
func mentionsKeyword(text string, keywords []string) bool {
	lower := strings.ToLower(text)
	for _, k := range keywords {
		k = strings.ToLower(strings.TrimSpace(k))
		if k != "" && strings.Contains(lower, k) {
			return true
		}
	}
	return false
}

// variantContext is the text of the ancestor keywordDepth levels above s
// (or the highest one below body) plus the attributes merchants use to
// label variant options along the way.
func variantContext(s *goquery.Selection) string {
	var b strings.Builder
	top := s
	for node, depth := s, 0; depth <= keywordDepth; depth++ {
		if node.Length() == 0 || goquery.NodeName(node) == "body" {
			break
		}
		for _, attr := range []string{"data-variant", "data-option", "aria-label", "title"} {
			if v, ok := node.Attr(attr); ok {
				b.WriteString(v)
				b.WriteByte(' ')
			}
		}
		top = node
		node = node.Parent()
	}
	b.WriteString(top.Text())
	return b.String()
}

// preferKeywords keeps the hits whose surroundings name the variant. When
// none do, or no keywords are set, hits is returned unchanged.
func preferKeywords(hits []selectorHit, keywords []string) []selectorHit {
	if len(keywords) == 0 {
		return hits
	}
	var out []selectorHit
	for _, h := range hits {
		if h.node != nil && mentionsKeyword(variantContext(h.node), keywords) {
			out = append(out, h)
		}
	}
	if len(out) == 0 {
		return hits
	}
	return out
}
