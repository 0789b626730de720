package aiextract

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/microcosm-cc/bluemonday"
)

// Share of the budget each section may use, cumulatively.
const (
	firstSegmentShare = 0.20
	priceShare        = 0.55
	importantShare    = 0.80

	// sectionOverhead covers the label comment and separator.
	sectionOverhead = 40
)

var (
	priceNodeSelector = strings.Join([]string{
		"[class*='price']", "[id*='price']", "[itemprop='price']", "[itemprop='offers']",
		"[data-price]", "[data-product-price]", "del", "ins", "s", ".amount", ".money",
		"[class*='sale']", "[class*='discount']",
	}, ", ")

	importantNodeSelector = strings.Join([]string{
		"h1", "[class*='product-title']", "[class*='product__title']", "[class*='product-info']",
		"[class*='product__info']", "[class*='summary']", "[class*='variant']", "select",
		"form[action*='cart']", "[class*='buy']", "[class*='add-to-cart']",
	}, ", ")

	headMetaSelector = `meta[property^="og:"], meta[property^="product:"], meta[name="description"], meta[itemprop]`

	blankLinesRe = regexp.MustCompile(`\n\s*\n+`)
)

// bodyPolicy strips scripts, styles and event handlers while keeping the
// attributes that carry prices or identify price markup.
var bodyPolicy = func() *bluemonday.Policy {
	p := bluemonday.UGCPolicy()
	p.AllowAttrs("class", "id", "itemprop", "itemscope", "itemtype", "content", "value", "name", "aria-label").Globally()
	p.AllowDataAttributes()
	p.AllowElements("form", "button", "select", "option", "input", "label", "meta", "section", "main", "article")
	p.AllowAttrs("action").OnElements("form")
	p.AllowAttrs("type", "checked", "selected").OnElements("input", "option")
	return p
}()

// Slice reduces a page to at most budget characters, keeping the parts
// most likely to hold the current price: head metadata and JSON-LD, the
// start of the body, every price-bearing sub-tree, other product-info
// sub-trees, then as much remaining body as fits. Pages already within
// budget are returned whole.
func Slice(html string, budget int) string {
	if budget <= 0 || len(html) <= budget {
		return html
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return html[:budget]
	}

	b := &sliceBuilder{budget: budget}
	b.add("head", headSection(doc), budget)

	bodyHTML, _ := doc.Find("body").Html()
	clean := strings.TrimSpace(blankLinesRe.ReplaceAllString(bodyPolicy.Sanitize(bodyHTML), "\n"))

	firstCap := int(float64(budget) * firstSegmentShare)
	start := clip(clean, firstCap-b.len()-sectionOverhead)
	if !b.add("body-start", start, firstCap) {
		start = ""
	}

	cleanDoc, err := goquery.NewDocumentFromReader(strings.NewReader("<body>" + clean + "</body>"))
	if err == nil {
		b.addSubtrees("price", cleanDoc.Find(priceNodeSelector), int(float64(budget)*priceShare))
		b.addSubtrees("product", cleanDoc.Find(importantNodeSelector), int(float64(budget)*importantShare))
	}

	// body-rest continues from where body-start stopped.
	if rest := budget - b.len(); rest > sectionOverhead {
		b.add("body-rest", clip(clean[len(start):], rest-sectionOverhead), budget)
	}
	return b.String()
}

// headSection collects the title, product meta tags and JSON-LD blocks.
func headSection(doc *goquery.Document) string {
	var parts []string
	if title := strings.TrimSpace(doc.Find("title").First().Text()); title != "" {
		parts = append(parts, "<title>"+title+"</title>")
	}
	doc.Find(headMetaSelector).Each(func(_ int, s *goquery.Selection) {
		if h, err := goquery.OuterHtml(s); err == nil {
			parts = append(parts, h)
		}
	})
	doc.Find(`script[type="application/ld+json"]`).Each(func(_ int, s *goquery.Selection) {
		if txt := strings.TrimSpace(s.Text()); txt != "" {
			parts = append(parts, `<script type="application/ld+json">`+txt+`</script>`)
		}
	})
	return strings.Join(parts, "\n")
}

type sliceBuilder struct {
	budget int
	parts  []string
	seen   map[string]bool
	size   int
}

func (b *sliceBuilder) len() int { return b.size }

// add appends a labelled section if it fits under limit.
func (b *sliceBuilder) add(label, content string, limit int) bool {
	content = strings.TrimSpace(content)
	if content == "" {
		return false
	}
	section := "<!-- " + label + " -->\n" + content
	if b.size+len(section)+1 > min(limit, b.budget) {
		return false
	}
	b.parts = append(b.parts, section)
	b.size += len(section) + 1
	return true
}

// addSubtrees appends outer HTML of each selection not already included,
// skipping nodes nested inside an included node.
func (b *sliceBuilder) addSubtrees(label string, sel *goquery.Selection, limit int) {
	if b.seen == nil {
		b.seen = make(map[string]bool)
	}
	sel.Each(func(_ int, s *goquery.Selection) {
		h, err := goquery.OuterHtml(s)
		if err != nil || h == "" || len(h) > limit/2 {
			return
		}
		if b.seen[h] || b.containedInSeen(h) {
			return
		}
		if b.add(label, h, limit) {
			b.seen[h] = true
		}
	})
}

func (b *sliceBuilder) containedInSeen(h string) bool {
	for s := range b.seen {
		if strings.Contains(s, h) {
			return true
		}
	}
	return false
}

func (b *sliceBuilder) String() string {
	return strings.Join(b.parts, "\n")
}

// clip truncates s to n bytes without splitting a UTF-8 sequence.
func clip(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8Start(s[n]) {
		n--
	}
	return s[:n]
}

func utf8Start(b byte) bool { return b&0xC0 != 0x80 }
