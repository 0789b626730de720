package aiextract

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"

	"github.com/sells-group/pricewatch/internal/priceparse"
)

var (
	priceLineRe  = regexp.MustCompile(`(?mi)^\s*Price:\s*(.+?)\s*$`)
	confidenceRe = regexp.MustCompile(`(?mi)^\s*Confidence:\s*([0-9]*\.?[0-9]+)`)
	decisionRe   = regexp.MustCompile(`(?mi)^\s*Decision:\s*(NEW|PREVIOUS|ALTERNATIVE)\b`)
	reasonLineRe = regexp.MustCompile(`(?mi)^\s*Reason:\s*(.+?)\s*$`)
	noneRe       = regexp.MustCompile(`(?i)^(?:none|n/a|null|not found|unknown)\b`)
)

// errNoPrice marks a well-formed "Price: NONE" answer.
var errNoPrice = eris.New("aiextract: model reported no price")

// parsedAnswer is the structured form of an extraction response.
type parsedAnswer struct {
	Price      decimal.Decimal
	Raw        string
	Confidence float64
}

// parseAnswer reads the Price/Confidence contract. It returns errNoPrice
// for an explicit NONE and a wrapped error for anything unparsable.
func parseAnswer(text string) (*parsedAnswer, error) {
	m := priceLineRe.FindStringSubmatch(text)
	if m == nil {
		return nil, eris.Errorf("aiextract: no Price line in response: %q", clip(text, 200))
	}
	raw := strings.TrimSpace(m[1])
	if noneRe.MatchString(raw) {
		return nil, errNoPrice
	}
	price, err := priceparse.Parse(raw)
	if err != nil {
		return nil, eris.Wrapf(err, "aiextract: unparsable price %q", raw)
	}
	c := confidenceRe.FindStringSubmatch(text)
	if c == nil {
		return nil, eris.Errorf("aiextract: no Confidence line in response: %q", clip(text, 200))
	}
	conf, err := strconv.ParseFloat(c[1], 64)
	if err != nil {
		return nil, eris.Wrapf(err, "aiextract: unparsable confidence %q", c[1])
	}
	return &parsedAnswer{Price: price, Raw: raw, Confidence: min(max(conf, 0), 1)}, nil
}

// Decision is the self-adjudication verdict.
type Decision string

const (
	DecisionNew         Decision = "NEW"
	DecisionPrevious    Decision = "PREVIOUS"
	DecisionAlternative Decision = "ALTERNATIVE"
)

type parsedDecision struct {
	Decision   Decision
	Price      *decimal.Decimal
	Confidence float64
	Reason     string
}

func parseDecision(text string) (*parsedDecision, error) {
	m := decisionRe.FindStringSubmatch(text)
	if m == nil {
		return nil, eris.Errorf("aiextract: no Decision line in response: %q", clip(text, 200))
	}
	out := &parsedDecision{Decision: Decision(strings.ToUpper(m[1]))}
	if p := priceLineRe.FindStringSubmatch(text); p != nil {
		if v, err := priceparse.Parse(p[1]); err == nil {
			out.Price = &v
		}
	}
	if c := confidenceRe.FindStringSubmatch(text); c != nil {
		if f, err := strconv.ParseFloat(c[1], 64); err == nil {
			out.Confidence = min(max(f, 0), 1)
		}
	}
	if r := reasonLineRe.FindStringSubmatch(text); r != nil {
		out.Reason = r[1]
	}
	if out.Decision == DecisionAlternative && out.Price == nil {
		return nil, eris.New("aiextract: ALTERNATIVE decision without a price")
	}
	return out, nil
}
