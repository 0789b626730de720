package aiextract

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

const systemPrompt = `You extract prices from e-commerce product pages for machine tools (laser cutters and engravers, 3D printers, CNC routers).

Rules:
- Return only the CURRENT selling price of the main product on the page.
- When a price is struck through (del, s, strike, "was", "regular price", "compare at") and another price is shown, the other price is current.
- Ignore prices of accessories, bundles, add-ons, related products, shipping, financing or per-month amounts, and savings amounts.
- If a specific variant is requested, return the price for that variant only.
- Do not convert currencies.
- If no current price is present, answer NONE.

Answer in exactly this format and nothing else:
Price: <number or NONE>
Confidence: <number between 0 and 1>`

const adjudicationSystemPrompt = `You double-check an automated price extraction for a machine-tool product page.
The newly extracted price differs sharply from the previously accepted price.
Decide which value is the true current selling price of the main product on this page.

Answer in exactly this format:
Decision: NEW, PREVIOUS or ALTERNATIVE
Price: <the current price as a number>
Confidence: <number between 0 and 1>
Reason: <one sentence>`

// buildPrompt renders the user turn for an extraction call.
func buildPrompt(req Request, html string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "URL: %s\n", req.URL)
	if req.MachineName != "" {
		fmt.Fprintf(&b, "Product: %s\n", req.MachineName)
	}
	if req.VariantHint != "" {
		fmt.Fprintf(&b, "Variant: %s\n", req.VariantHint)
	}
	if req.Currency != "" {
		fmt.Fprintf(&b, "Expected currency: %s\n", req.Currency)
	}
	if req.SiteHints != "" {
		fmt.Fprintf(&b, "Merchant notes: %s\n", req.SiteHints)
	}
	b.WriteString("\nPage HTML:\n")
	b.WriteString(html)
	return b.String()
}

// buildAdjudicationPrompt asks the model to choose between the previous
// price and the new extraction.
func buildAdjudicationPrompt(req Request, html string, newPrice decimal.Decimal) string {
	var b strings.Builder
	fmt.Fprintf(&b, "URL: %s\n", req.URL)
	if req.MachineName != "" {
		fmt.Fprintf(&b, "Product: %s\n", req.MachineName)
	}
	if req.VariantHint != "" {
		fmt.Fprintf(&b, "Variant: %s\n", req.VariantHint)
	}
	fmt.Fprintf(&b, "Previous accepted price: %s\n", req.PreviousPrice.StringFixed(2))
	fmt.Fprintf(&b, "Newly extracted price: %s\n", newPrice.StringFixed(2))
	b.WriteString("\nPage HTML:\n")
	b.WriteString(html)
	return b.String()
}
