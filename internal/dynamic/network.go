package dynamic

import (
	"bytes"
	"encoding/json"
	"net/url"
	"regexp"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/sells-group/pricewatch/internal/priceparse"
)

var (
	priceKeyParts   = []string{"price", "amount", "cost"}
	secondaryParts  = []string{"compare", "original", "regular", "was", "list", "msrp", "old", "before"}
	ignoredKeyParts = []string{"shipping", "tax", "discount", "saving", "deposit", "count", "currency", "min", "max"}
	idSegmentRe     = regexp.MustCompile(`\d{4,}`)
)

// jsonHit is one price-like field found in a JSON document.
type jsonHit struct {
	path      string
	value     decimal.Decimal
	raw       string
	secondary bool
	depth     int
}

// jsonPrices decodes body and returns every field whose name contains
// price, amount or cost and whose value parses as a price. Current-price
// fields sort before list/compare-at fields, shallower before deeper.
func jsonPrices(body []byte) []jsonHit {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil
	}
	var hits []jsonHit
	walkJSON(v, "", 0, &hits)
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].secondary != hits[j].secondary {
			return !hits[i].secondary
		}
		return hits[i].depth < hits[j].depth
	})
	return hits
}

func walkJSON(v any, path string, depth int, hits *[]jsonHit) {
	if depth > 12 {
		return
	}
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			child := t[k]
			p := k
			if path != "" {
				p = path + "." + k
			}
			if isPriceKey(k) {
				if d, raw, ok := scalarPrice(child); ok {
					*hits = append(*hits, jsonHit{path: p, value: d, raw: raw, secondary: isSecondaryKey(k), depth: depth})
					continue
				}
			}
			walkJSON(child, p, depth+1, hits)
		}
	case []any:
		for i, child := range t {
			if i >= 50 {
				return
			}
			walkJSON(child, path+"[]", depth+1, hits)
		}
	}
}

func scalarPrice(v any) (decimal.Decimal, string, bool) {
	switch t := v.(type) {
	case json.Number:
		d, err := priceparse.ParseAny(t)
		return d, t.String(), err == nil
	case string:
		if strings.TrimSpace(t) == "" {
			return decimal.Zero, "", false
		}
		d, err := priceparse.ParseAny(t)
		return d, t, err == nil
	case map[string]any:
		// {"amount": 1999, "currencyCode": "USD"} style wrappers.
		for _, k := range []string{"amount", "value", "price"} {
			if inner, ok := t[k]; ok {
				return scalarPrice(inner)
			}
		}
	}
	return decimal.Zero, "", false
}

func isPriceKey(k string) bool {
	lower := strings.ToLower(k)
	for _, p := range ignoredKeyParts {
		if strings.Contains(lower, p) {
			return false
		}
	}
	for _, p := range priceKeyParts {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

func isSecondaryKey(k string) bool {
	lower := strings.ToLower(k)
	for _, p := range secondaryParts {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// EndpointTemplate normalises a captured URL into a reusable pattern:
// numeric path segments and query values of four or more digits become
// {id}. Two URLs with the same template are the same endpoint shape.
func EndpointTemplate(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return idSegmentRe.ReplaceAllString(raw, "{id}")
	}
	u.Fragment = ""
	path := idSegmentRe.ReplaceAllString(u.Path, "{id}")
	q := u.Query()
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var parts []string
	for _, k := range keys {
		val := q.Get(k)
		if idSegmentRe.MatchString(val) {
			val = "{id}"
		}
		parts = append(parts, k+"="+val)
	}
	out := u.Scheme + "://" + u.Host + path
	if len(parts) > 0 {
		out += "?" + strings.Join(parts, "&")
	}
	return out
}
