package validate

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/pricewatch/internal/cost"
	"github.com/sells-group/pricewatch/internal/model"
	"github.com/sells-group/pricewatch/pkg/anthropic"
)

const adjudicatorSystemPrompt = `You review automated price extraction for machine-tool e-commerce listings (laser cutters, 3D printers, CNC machines).
You are given the previous accepted price and a newly extracted price for the same product.
Decide whether the new price is a plausible current selling price for this product.
Consider sales, promotions, bundle or accessory prices, financing amounts and digit-loss errors.
Answer in exactly this format:
Valid: YES or NO
Confidence: <number between 0 and 1>
Reason: <one sentence>`

var (
	validRe   = regexp.MustCompile(`(?mi)^\s*Valid:\s*(YES|NO)\b`)
	adjConfRe = regexp.MustCompile(`(?mi)^\s*Confidence:\s*([0-9]*\.?[0-9]+)`)
	reasonRe  = regexp.MustCompile(`(?mi)^\s*Reason:\s*(.+)$`)
)

// AnthropicAdjudicator asks a Claude model to judge a price change.
type AnthropicAdjudicator struct {
	client    anthropic.Client
	model     string
	maxTokens int64
	calc      *cost.Calculator
}

// NewAnthropicAdjudicator creates an adjudicator. calc may be nil.
func NewAnthropicAdjudicator(client anthropic.Client, modelID string, calc *cost.Calculator) *AnthropicAdjudicator {
	return &AnthropicAdjudicator{client: client, model: modelID, maxTokens: 200, calc: calc}
}

// Adjudicate implements Adjudicator.
func (a *AnthropicAdjudicator) Adjudicate(ctx context.Context, req AdjudicationRequest) (*Adjudication, error) {
	prompt := fmt.Sprintf("Product: %s\nCategory: %s\nPrevious price: %s\nNew price: %s\nChange: %.1f%%\nExtraction method: %s",
		req.MachineName, orUnknown(req.Category), req.PreviousPrice.StringFixed(2), req.NewPrice.StringFixed(2),
		req.PercentChange*100, req.Method)

	resp, err := a.client.CreateMessage(ctx, anthropic.Prompt(a.model, a.maxTokens, adjudicatorSystemPrompt, prompt))
	if err != nil {
		return nil, eris.Wrap(err, "validate: adjudicate")
	}

	usage := &model.AIUsage{
		Model:            a.model,
		Purpose:          "validation_adjudication",
		PromptTokens:     resp.Usage.Prompt(),
		CompletionTokens: resp.Usage.OutputTokens,
		CreatedAt:        time.Now().UTC(),
	}
	if a.calc != nil {
		usage.EstimatedCost = a.calc.Claude(a.model, resp.Usage.InputTokens, resp.Usage.OutputTokens,
			resp.Usage.CacheCreationInputTokens, resp.Usage.CacheReadInputTokens)
	}

	adj, err := parseAdjudication(resp.Text())
	if err != nil {
		return nil, err
	}
	usage.Success = true
	adj.Usage = usage
	return adj, nil
}

func parseAdjudication(text string) (*Adjudication, error) {
	m := validRe.FindStringSubmatch(text)
	if m == nil {
		return nil, eris.Errorf("validate: unparsable adjudication response: %q", truncate(text, 200))
	}
	adj := &Adjudication{Valid: strings.EqualFold(m[1], "YES")}
	if c := adjConfRe.FindStringSubmatch(text); c != nil {
		if f, err := strconv.ParseFloat(c[1], 64); err == nil {
			adj.Confidence = min(max(f, 0), 1)
		}
	}
	if r := reasonRe.FindStringSubmatch(text); r != nil {
		adj.Reason = strings.TrimSpace(r[1])
	}
	return adj, nil
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
