// Package priceparse turns raw price text into canonical decimals.
//
// It handles currency symbols and codes, HTML entities, full-width digits,
// thousands/decimal separator ambiguity and dual list/sale price strings.
// Everything here is pure and deterministic.
package priceparse

import (
	"fmt"
	"html"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/unicode/norm"
)

// ParseError reports text that holds no usable price.
type ParseError struct {
	Input  string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("priceparse: %s: %q", e.Reason, e.Input)
}

// numberRe matches a digit run with optional embedded separators. A
// trailing percent sign is captured so discounts can be ignored.
var numberRe = regexp.MustCompile(`\d[\d.,\s\x{00A0}\x{202F}']*\d|\d`)

// currencyRe matches currency symbols and codes removed before
// tokenising. Longer markers come first so "US$" is not left as "US".
var currencyRe = regexp.MustCompile(`(?i)US\$|CA\$|C\$|AU\$|A\$|NZ\$|\b(?:USD|CAD|AUD|NZD|EUR|GBP|JPY|CHF|INR)\b|[$€£¥₹]`)

// Parse returns the current price held in text. When text contains two or
// more numeric tokens (a struck-through list price and a sale price) the
// lower of the first two is returned.
func Parse(text string) (decimal.Decimal, error) {
	tokens, err := tokens(text)
	if err != nil {
		return decimal.Zero, err
	}
	if len(tokens) >= 2 {
		return decimal.Min(tokens[0], tokens[1]), nil
	}
	return tokens[0], nil
}

func tokens(text string) ([]decimal.Decimal, error) {
	cleaned := clean(text)
	if strings.TrimSpace(cleaned) == "" {
		return nil, &ParseError{Input: text, Reason: "empty input"}
	}

	locs := numberRe.FindAllStringIndex(cleaned, -1)
	if len(locs) == 0 {
		return nil, &ParseError{Input: text, Reason: "no digits"}
	}

	var out []decimal.Decimal
	for _, loc := range locs {
		raw := cleaned[loc[0]:loc[1]]
		// A run like "2,299 1,839" is two prices separated by whitespace.
		parts := splitOnSpace(raw)
		if followedByPercent(cleaned, loc[1]) {
			parts = parts[:len(parts)-1]
		}
		for _, part := range parts {
			v, ok := parseNumber(part)
			if !ok {
				continue
			}
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		return nil, &ParseError{Input: text, Reason: "no numeric token"}
	}
	return out, nil
}

// clean unescapes entities, folds compatibility characters and removes
// currency markers.
func clean(text string) string {
	s := html.UnescapeString(text)
	s = norm.NFKC.String(s)
	s = currencyRe.ReplaceAllString(s, " ")
	return s
}

func followedByPercent(s string, end int) bool {
	rest := strings.TrimLeft(s[end:], " ")
	return strings.HasPrefix(rest, "%")
}

// splitOnSpace splits a digit run on whitespace unless the whitespace is
// a thousands separator in a comma-decimal price ("1 299,00").
func splitOnSpace(raw string) []string {
	fields := strings.FieldsFunc(raw, isSpace)
	if len(fields) <= 1 {
		return fields
	}
	if spaceGrouped(raw, fields) {
		return []string{strings.Join(fields, "")}
	}
	return fields
}

func spaceGrouped(raw string, fields []string) bool {
	if strings.Join(fields, " ") != raw {
		return false
	}
	if len(fields[0]) > 3 || leadingDigits(fields[0]) != len(fields[0]) {
		return false
	}
	for _, f := range fields[1 : len(fields)-1] {
		if len(f) != 3 || leadingDigits(f) != 3 {
			return false
		}
	}
	last := fields[len(fields)-1]
	if leadingDigits(last) != 3 {
		return false
	}
	rest := last[3:]
	return len(rest) >= 2 && len(rest) <= 3 && rest[0] == ',' && leadingDigits(rest[1:]) == len(rest)-1
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\u00a0' || r == '\u202f' || r == '\t' || r == '\n' || r == '\r'
}

func leadingDigits(s string) int {
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			break
		}
		n++
	}
	return n
}

// parseNumber resolves separators in a single token.
func parseNumber(tok string) (decimal.Decimal, bool) {
	tok = strings.Trim(tok, ".,' ")
	tok = strings.ReplaceAll(tok, "'", "")
	if tok == "" {
		return decimal.Zero, false
	}

	lastDot := strings.LastIndex(tok, ".")
	lastComma := strings.LastIndex(tok, ",")

	var canonical string
	switch {
	case lastDot >= 0 && lastComma >= 0:
		last := max(lastDot, lastComma)
		if trailing := len(tok) - last - 1; trailing >= 1 && trailing <= 2 {
			intPart := stripSeparators(tok[:last])
			canonical = intPart + "." + tok[last+1:]
		} else {
			canonical = stripSeparators(tok)
		}
	case lastComma >= 0:
		if strings.Count(tok, ",") == 1 {
			if trailing := len(tok) - lastComma - 1; trailing >= 1 && trailing <= 2 {
				canonical = tok[:lastComma] + "." + tok[lastComma+1:]
				break
			}
		}
		canonical = stripSeparators(tok)
	case lastDot >= 0:
		if strings.Count(tok, ".") == 1 {
			canonical = tok
		} else {
			canonical = stripSeparators(tok)
		}
	default:
		canonical = tok
	}

	v, err := decimal.NewFromString(canonical)
	if err != nil {
		return decimal.Zero, false
	}
	return v, true
}

func stripSeparators(s string) string {
	return strings.NewReplacer(".", "", ",", "").Replace(s)
}
