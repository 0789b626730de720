package static

import (
	"encoding/json"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/antchfx/htmlquery"
	"github.com/shopspring/decimal"
	"golang.org/x/net/html"

	"github.com/sells-group/pricewatch/internal/priceparse"
)

// Found is a raw price located in a document, before confidence and range
// decisions are made.
type Found struct {
	Value    decimal.Decimal
	Currency string
	Raw      string
	Source   string
}

// JSONLDPrices returns every price found in application/ld+json blocks,
// in document order. Nested @graph, offers and priceSpecification nodes
// are searched; within one object "price" wins over "lowPrice".
func JSONLDPrices(doc *goquery.Document) []Found {
	var out []Found
	doc.Find(`script[type="application/ld+json"]`).Each(func(_ int, s *goquery.Selection) {
		raw := strings.TrimSpace(s.Text())
		if raw == "" {
			return
		}
		dec := json.NewDecoder(strings.NewReader(raw))
		dec.UseNumber()
		var v any
		if err := dec.Decode(&v); err != nil {
			return
		}
		out = append(out, walkLD(v, "")...)
	})
	return out
}

func walkLD(v any, currency string) []Found {
	switch t := v.(type) {
	case []any:
		var out []Found
		for _, item := range t {
			out = append(out, walkLD(item, currency)...)
		}
		return out
	case map[string]any:
		if c, ok := t["priceCurrency"].(string); ok && c != "" {
			currency = c
		}
		var out []Found
		for _, key := range []string{"price", "lowPrice"} {
			raw, ok := t[key]
			if !ok {
				continue
			}
			if f, ok := ldValue(raw, key, currency); ok {
				out = append(out, f)
				break
			}
		}
		for _, key := range []string{"@graph", "offers", "priceSpecification", "mainEntity"} {
			if child, ok := t[key]; ok {
				out = append(out, walkLD(child, currency)...)
			}
		}
		return out
	}
	return nil
}

func ldValue(raw any, key, currency string) (Found, bool) {
	v, err := priceparse.ParseAny(raw)
	if err != nil || !v.IsPositive() {
		return Found{}, false
	}
	return Found{
		Value:    v,
		Currency: strings.ToUpper(currency),
		Raw:      strings.TrimSpace(anyString(raw)),
		Source:   "json-ld:" + key,
	}, true
}

func anyString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	}
	b, _ := json.Marshal(v)
	return string(b)
}

// MicrodataPrices returns prices from itemprop="price" nodes. The content
// attribute is preferred over element text.
func MicrodataPrices(doc *goquery.Document) []Found {
	if len(doc.Nodes) == 0 {
		return nil
	}
	nodes, err := htmlquery.QueryAll(doc.Nodes[0], `//*[@itemprop='price']`)
	if err != nil {
		return nil
	}
	currency := ""
	if cur := htmlquery.FindOne(doc.Nodes[0], `//*[@itemprop='priceCurrency']`); cur != nil {
		currency = htmlquery.SelectAttr(cur, "content")
		if currency == "" {
			currency = strings.TrimSpace(htmlquery.InnerText(cur))
		}
	}

	var out []Found
	for _, n := range nodes {
		raw := microdataText(n)
		v, err := priceparse.Parse(raw)
		if err != nil || !v.IsPositive() {
			continue
		}
		c := strings.ToUpper(currency)
		if c == "" {
			c = priceparse.DetectCurrency(raw)
		}
		out = append(out, Found{Value: v, Currency: c, Raw: raw, Source: "microdata:itemprop=price"})
	}
	return out
}

func microdataText(n *html.Node) string {
	for _, attr := range []string{"content", "value", "data-price"} {
		if v := strings.TrimSpace(htmlquery.SelectAttr(n, attr)); v != "" {
			return v
		}
	}
	return strings.TrimSpace(htmlquery.InnerText(n))
}

var metaPriceSelectors = []string{
	`meta[property="product:price:amount"]`,
	`meta[property="og:price:amount"]`,
	`meta[name="twitter:data1"]`,
}

// MetaPrices returns prices from product meta tags.
func MetaPrices(doc *goquery.Document) []Found {
	currency := ""
	doc.Find(`meta[property="product:price:currency"], meta[property="og:price:currency"]`).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		currency = strings.ToUpper(strings.TrimSpace(s.AttrOr("content", "")))
		return currency == ""
	})

	var out []Found
	for _, sel := range metaPriceSelectors {
		doc.Find(sel).Each(func(_ int, s *goquery.Selection) {
			raw := strings.TrimSpace(s.AttrOr("content", ""))
			v, err := priceparse.Parse(raw)
			if err != nil || !v.IsPositive() {
				return
			}
			c := currency
			if c == "" {
				c = priceparse.DetectCurrency(raw)
			}
			out = append(out, Found{Value: v, Currency: c, Raw: raw, Source: "meta:" + sel})
		})
	}
	return out
}
